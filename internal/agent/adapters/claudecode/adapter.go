// Package claudecode implements the Maestro agent.Adapter for Anthropic's
// Claude Code CLI, driving it via its stream-json protocol.
package claudecode

import (
	"github.com/maestro/engine/internal/agent"
)

// Adapter drives the Claude Code CLI via its --output-format=stream-json /
// --input-format=stream-json protocol.
type Adapter struct{}

// New creates a Claude Code adapter.
func New() *Adapter { return &Adapter{} }

var _ agent.Adapter = (*Adapter)(nil)

func (a *Adapter) Kind() agent.Kind       { return agent.KindClaudeCode }
func (a *Adapter) DisplayName() string    { return "Claude" }

func (a *Adapter) Capabilities() agent.Capabilities {
	return agent.Capabilities{
		SupportsSessionStorage: true,
		SupportsSessionID:      true,
		SupportsUsageStats:     true,
		SupportsCostTracking:   true,
		SupportsContextWindow:  true,
	}
}

func (a *Adapter) Resolve(searchPath string) (string, error) {
	return agent.ResolveExecutable(searchPath, "claude")
}

func (a *Adapter) BuildSpawn(executable string, env map[string]string) agent.SpawnSpec {
	return agent.SpawnSpec{
		Executable: executable,
		Args: []string{
			"-p",
			"--output-format=stream-json",
			"--input-format=stream-json",
			"--permission-prompt-tool=stdio",
			"--setting-sources=user,project",
			"--verbose",
			"--include-partial-messages",
			"--replay-user-messages",
		},
		Env: env,
	}
}

func (a *Adapter) BuildResume(executable, upstreamSessionID string, env map[string]string) agent.SpawnSpec {
	spec := a.BuildSpawn(executable, env)
	spec.Args = append(spec.Args, "--resume", upstreamSessionID)
	return spec
}

func (a *Adapter) NewParser() agent.Parser {
	return newStreamJSONParser()
}

func (a *Adapter) InterruptSignal() agent.Signal {
	return agent.SignalInterrupt
}
