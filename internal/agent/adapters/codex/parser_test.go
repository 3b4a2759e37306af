package codex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro/engine/internal/agent"
)

func feed(t *testing.T, p agent.Parser, lines ...string) []agent.Event {
	t.Helper()
	var events []agent.Event
	for _, l := range lines {
		events = append(events, p.Feed("stdout", []byte(l+"\n"))...)
	}
	return events
}

func TestNotificationParser_ThreadStartedAssignsUpstreamSessionID(t *testing.T) {
	p := newNotificationParser()
	events := feed(t, p, `{"method":"thread/started","params":{"thread":{"id":"t-1"}}}`)

	require.Len(t, events, 1)
	assert.Equal(t, agent.EventAgentSessionIDAssigned, events[0].Kind)
	assert.Equal(t, "t-1", events[0].UpstreamSessionID)
}

func TestNotificationParser_AgentMessageDeltaIsResponseToken(t *testing.T) {
	p := newNotificationParser()
	events := feed(t, p, `{"method":"item/agentMessage/delta","params":{"delta":"hi"}}`)

	require.Len(t, events, 1)
	assert.Equal(t, agent.EventResponseToken, events[0].Kind)
	assert.Equal(t, "hi", events[0].Text)
}

func TestNotificationParser_CommandExecutionItemIsToolUse(t *testing.T) {
	p := newNotificationParser()
	events := feed(t, p, `{"method":"item/completed","params":{"item":{"type":"commandExecution","command":"ls","cwd":"/tmp"}}}`)

	require.Len(t, events, 1)
	assert.Equal(t, agent.EventToolUse, events[0].Kind)
	assert.Equal(t, "command", events[0].ToolName)
	assert.Equal(t, "ls", events[0].ToolMeta["command"])
}

func TestNotificationParser_TurnCompletedSuccess(t *testing.T) {
	p := newNotificationParser()
	events := feed(t, p, `{"method":"turn/completed","params":{"success":true}}`)

	require.Len(t, events, 1)
	assert.Equal(t, agent.EventPromptComplete, events[0].Kind)
}

func TestNotificationParser_TurnCompletedFailureIsRecoverableError(t *testing.T) {
	p := newNotificationParser()
	events := feed(t, p, `{"method":"turn/completed","params":{"success":false,"error":"boom"}}`)

	require.Len(t, events, 1)
	assert.Equal(t, agent.EventAgentError, events[0].Kind)
	assert.True(t, events[0].Recoverable)
	assert.Equal(t, "boom", events[0].ErrorMsg)
}

func TestNotificationParser_ErrorNotificationIsTerminal(t *testing.T) {
	p := newNotificationParser()
	events := feed(t, p, `{"method":"error","params":{"message":"protocol desync"}}`)

	require.Len(t, events, 1)
	assert.Equal(t, agent.EventAgentError, events[0].Kind)
	assert.False(t, events[0].Recoverable)
}

func TestNotificationParser_UnknownMethodIsIgnored(t *testing.T) {
	p := newNotificationParser()
	events := feed(t, p, `{"method":"account/updated","params":{}}`)
	assert.Empty(t, events)
}

func TestNotificationParser_NonJSONLineIsRawOutput(t *testing.T) {
	p := newNotificationParser()
	events := feed(t, p, `not json at all`)

	require.Len(t, events, 1)
	assert.Equal(t, agent.EventRawOutput, events[0].Kind)
}
