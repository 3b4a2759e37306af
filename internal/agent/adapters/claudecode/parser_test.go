package claudecode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro/engine/internal/agent"
)

func feedLines(t *testing.T, p agent.Parser, lines ...string) []agent.Event {
	t.Helper()
	var events []agent.Event
	for _, l := range lines {
		events = append(events, p.Feed("stdout", []byte(l+"\n"))...)
	}
	return events
}

func TestStreamJSONParser_SystemAssignsUpstreamSessionID(t *testing.T) {
	p := newStreamJSONParser()
	events := feedLines(t, p, `{"type":"system","session_id":"abc-123"}`)

	require.Len(t, events, 1)
	assert.Equal(t, agent.EventAgentSessionIDAssigned, events[0].Kind)
	assert.Equal(t, "abc-123", events[0].UpstreamSessionID)
}

func TestStreamJSONParser_AssistantTextAndToolUse(t *testing.T) {
	p := newStreamJSONParser()
	line := `{"type":"assistant","message":{"role":"assistant","content":[` +
		`{"type":"text","text":"hello there"},` +
		`{"type":"tool_use","name":"Read","input":{"path":"foo.go"}}` +
		`]}}`
	events := feedLines(t, p, line)

	require.Len(t, events, 2)
	assert.Equal(t, agent.EventResponseToken, events[0].Kind)
	assert.Equal(t, "hello there", events[0].Text)
	assert.Equal(t, agent.EventToolUse, events[1].Kind)
	assert.Equal(t, "Read", events[1].ToolName)
	assert.Equal(t, "foo.go", events[1].ToolMeta["path"])
}

func TestStreamJSONParser_AssistantUsageUpdate(t *testing.T) {
	p := newStreamJSONParser()
	line := `{"type":"assistant","message":{"role":"assistant","content":[],"usage":{"input_tokens":10,"output_tokens":5}}}`
	events := feedLines(t, p, line)

	require.Len(t, events, 1)
	assert.Equal(t, agent.EventUsageUpdate, events[0].Kind)
	assert.EqualValues(t, 10, events[0].Usage.InputTokens)
	assert.EqualValues(t, 5, events[0].Usage.OutputTokens)
}

func TestStreamJSONParser_ResultSuccessEmitsPromptComplete(t *testing.T) {
	p := newStreamJSONParser()
	line := `{"type":"result","cost_usd":0.05,"total_input_tokens":100,"total_output_tokens":50}`
	events := feedLines(t, p, line)

	require.Len(t, events, 2)
	assert.Equal(t, agent.EventPromptComplete, events[0].Kind)
	assert.Equal(t, agent.EventUsageUpdate, events[1].Kind)
	assert.InDelta(t, 0.05, events[1].Usage.CostUSD, 0.0001)
}

func TestStreamJSONParser_ResultErrorEmitsAgentError(t *testing.T) {
	p := newStreamJSONParser()
	line := `{"type":"result","is_error":true,"subtype":"error_max_turns"}`
	events := feedLines(t, p, line)

	require.Len(t, events, 1)
	assert.Equal(t, agent.EventAgentError, events[0].Kind)
	assert.Equal(t, "error_max_turns", events[0].ErrorKind)
	assert.True(t, events[0].Recoverable)
}

func TestStreamJSONParser_ControlMessagesAreSwallowed(t *testing.T) {
	p := newStreamJSONParser()
	events := feedLines(t, p, `{"type":"control_request","request_id":"1"}`)
	assert.Empty(t, events)
}

func TestStreamJSONParser_PartialLineBuffersAcrossFeeds(t *testing.T) {
	p := newStreamJSONParser()
	half1 := `{"type":"system","sess`
	half2 := `ion_id":"xyz"}` + "\n"

	events := p.Feed("stdout", []byte(half1))
	assert.Empty(t, events)

	events = p.Feed("stdout", []byte(half2))
	require.Len(t, events, 1)
	assert.Equal(t, "xyz", events[0].UpstreamSessionID)
}

func TestStreamJSONParser_FlushEmitsTrailingPartialAsRaw(t *testing.T) {
	p := newStreamJSONParser()
	p.Feed("stdout", []byte("not a complete json line"))
	events := p.Flush()

	require.Len(t, events, 1)
	assert.Equal(t, agent.EventRawOutput, events[0].Kind)
}

func TestStreamJSONParser_StderrIsPassedThroughAsRaw(t *testing.T) {
	p := newStreamJSONParser()
	events := p.Feed("stderr", []byte("warning: deprecated flag\n"))

	require.Len(t, events, 1)
	assert.Equal(t, agent.EventRawOutput, events[0].Kind)
	assert.Equal(t, "stderr", events[0].Source)
}
