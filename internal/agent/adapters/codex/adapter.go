// Package codex implements the Maestro agent.Adapter for OpenAI's Codex
// CLI app-server protocol, its JSON-RPC notification stream parsed into
// the shared agent event model.
package codex

import (
	"github.com/maestro/engine/internal/agent"
)

// Adapter drives the Codex CLI via its "app-server" JSON-RPC-over-stdio
// protocol (notifications only; Maestro never issues thread/turn control
// requests of its own, it only observes the agent's own turn).
type Adapter struct{}

// New creates a Codex adapter.
func New() *Adapter { return &Adapter{} }

var _ agent.Adapter = (*Adapter)(nil)

func (a *Adapter) Kind() agent.Kind    { return agent.KindCodex }
func (a *Adapter) DisplayName() string { return "Codex" }

func (a *Adapter) Capabilities() agent.Capabilities {
	return agent.Capabilities{
		SupportsSessionStorage: true,
		SupportsSessionID:      true,
		SupportsUsageStats:     false,
		SupportsCostTracking:   false,
		SupportsContextWindow:  false,
	}
}

func (a *Adapter) Resolve(searchPath string) (string, error) {
	return agent.ResolveExecutable(searchPath, "codex")
}

func (a *Adapter) BuildSpawn(executable string, env map[string]string) agent.SpawnSpec {
	return agent.SpawnSpec{
		Executable: executable,
		Args:       []string{"app-server"},
		Env:        env,
	}
}

func (a *Adapter) BuildResume(executable, upstreamSessionID string, env map[string]string) agent.SpawnSpec {
	// Codex resumes a thread via a thread/resume request sent over the
	// app-server's stdin protocol rather than a CLI flag. Nothing in the
	// engine sends that request, so the spawn argv is identical to a fresh
	// start and upstreamSessionID is not used.
	return a.BuildSpawn(executable, env)
}

func (a *Adapter) NewParser() agent.Parser {
	return newNotificationParser()
}

func (a *Adapter) InterruptSignal() agent.Signal {
	return agent.SignalInterrupt
}
