// Package generic implements a Maestro agent.Adapter for custom,
// user-configured CLI agents that speak no structured protocol: a raw
// interactive terminal program whose output is never parsed.
package generic

import (
	"strings"

	"github.com/maestro/engine/internal/agent"
)

// Adapter drives an arbitrary interactive CLI as a raw terminal program.
// It has no structured event protocol: everything the process writes is
// surfaced as EventRawOutput and no prompt-complete event is emitted, so
// a dispatched tab stays busy until the process exits or an interrupt
// escalates.
type Adapter struct {
	name        string
	command     string
	commandArgs []string
}

// New builds a generic adapter for a user-configured command line, e.g.
// "aider --model {{model}}". The command's first whitespace-separated
// token is the executable; the rest are base arguments appended before
// any caller-supplied extras.
func New(name, command string, commandArgs []string) *Adapter {
	return &Adapter{name: name, command: command, commandArgs: commandArgs}
}

var _ agent.Adapter = (*Adapter)(nil)

func (a *Adapter) Kind() agent.Kind    { return agent.KindGeneric }
func (a *Adapter) DisplayName() string { return a.name }

func (a *Adapter) Capabilities() agent.Capabilities {
	return agent.Capabilities{
		SupportsSessionStorage: false,
		SupportsSessionID:      false,
		SupportsUsageStats:     false,
		SupportsCostTracking:   false,
		SupportsContextWindow:  false,
	}
}

func (a *Adapter) Resolve(searchPath string) (string, error) {
	parts := strings.Fields(a.command)
	if len(parts) == 0 {
		return "", agent.ErrAgentNotFound
	}
	return agent.ResolveExecutable(searchPath, parts[0])
}

// BuildSpawn expands {{VAR}} placeholders in the configured command and
// its extra args against env before building the argv, so a command like
// "aider --model {{model}}" picks up its value from the session's
// per-launch environment rather than requiring a separate templating
// pass upstream.
func (a *Adapter) BuildSpawn(executable string, env map[string]string) agent.SpawnSpec {
	parts := strings.Fields(agent.ExpandTemplate(a.command, env))
	var baseArgs []string
	if len(parts) > 1 {
		baseArgs = parts[1:]
	}
	args := make([]string, 0, len(baseArgs)+len(a.commandArgs))
	args = append(args, baseArgs...)
	for _, extra := range a.commandArgs {
		args = append(args, agent.ExpandTemplate(extra, env))
	}
	return agent.SpawnSpec{
		Executable: executable,
		Args:       args,
		Env:        env,
	}
}

func (a *Adapter) BuildResume(executable, upstreamSessionID string, env map[string]string) agent.SpawnSpec {
	// Generic agents have no resume protocol (SupportsSessionID is false);
	// resuming just starts a fresh process in the same workspace.
	return a.BuildSpawn(executable, env)
}

func (a *Adapter) NewParser() agent.Parser {
	return &rawParser{}
}

func (a *Adapter) InterruptSignal() agent.Signal {
	return agent.SignalInterrupt
}

// rawParser never recognizes structured protocol events — it passes
// every chunk through as EventRawOutput for terminal rendering.
type rawParser struct{}

func (p *rawParser) Feed(source string, chunk []byte) []agent.Event {
	if len(chunk) == 0 {
		return nil
	}
	return []agent.Event{{Kind: agent.EventRawOutput, Text: string(chunk), Source: source}}
}

func (p *rawParser) Flush() []agent.Event { return nil }
