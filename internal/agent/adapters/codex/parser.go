package codex

import (
	"bytes"
	"encoding/json"

	"github.com/maestro/engine/internal/agent"
)

// Codex app-server notification method names (server -> client).
const (
	notifyThreadStarted = "thread/started"
	notifyTurnCompleted = "turn/completed"
	notifyItemAgentMessageDelta = "item/agentMessage/delta"
	notifyItemCompleted = "item/completed"
	notifyError = "error"
)

type rpcFrame struct {
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

type threadStartedParams struct {
	Thread *struct {
		ID string `json:"id"`
	} `json:"thread"`
}

type agentMessageDeltaParams struct {
	Delta string `json:"delta"`
}

type itemCompletedParams struct {
	Item *codexItem `json:"item"`
}

type codexItem struct {
	Type             string `json:"type"`
	Name             string `json:"name,omitempty"`
	Command          string `json:"command,omitempty"`
	Cwd              string `json:"cwd,omitempty"`
	AggregatedOutput string `json:"aggregatedOutput,omitempty"`
}

type turnCompletedParams struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type errorParams struct {
	Message string `json:"message"`
}

// notificationParser parses Codex's line-delimited JSON-RPC notification
// stream into agent.Event values. The engine sends no control requests of
// its own to Codex; this parser only watches the passive notification
// feed for UI/state purposes.
type notificationParser struct {
	buf bytes.Buffer
}

func newNotificationParser() agent.Parser {
	return &notificationParser{}
}

func (p *notificationParser) Feed(source string, chunk []byte) []agent.Event {
	if source != "stdout" {
		return []agent.Event{{Kind: agent.EventRawOutput, Text: string(chunk), Source: source}}
	}

	p.buf.Write(chunk)

	var events []agent.Event
	for {
		data := p.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := make([]byte, idx)
		copy(line, data[:idx])
		p.buf.Next(idx + 1)
		events = append(events, p.parseLine(line)...)
	}
	return events
}

func (p *notificationParser) Flush() []agent.Event {
	if p.buf.Len() == 0 {
		return nil
	}
	line := p.buf.Bytes()
	events := p.parseLine(line)
	p.buf.Reset()
	return events
}

func (p *notificationParser) parseLine(line []byte) []agent.Event {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}

	var frame rpcFrame
	if err := json.Unmarshal(line, &frame); err != nil || frame.Method == "" {
		return []agent.Event{{Kind: agent.EventRawOutput, Text: string(line), Source: "stdout"}}
	}

	switch frame.Method {
	case notifyThreadStarted:
		var params threadStartedParams
		if json.Unmarshal(frame.Params, &params) == nil && params.Thread != nil && params.Thread.ID != "" {
			return []agent.Event{{Kind: agent.EventAgentSessionIDAssigned, UpstreamSessionID: params.Thread.ID}}
		}
		return nil

	case notifyItemAgentMessageDelta:
		var params agentMessageDeltaParams
		if json.Unmarshal(frame.Params, &params) == nil && params.Delta != "" {
			return []agent.Event{{Kind: agent.EventResponseToken, Text: params.Delta}}
		}
		return nil

	case notifyItemCompleted:
		var params itemCompletedParams
		if json.Unmarshal(frame.Params, &params) != nil || params.Item == nil {
			return nil
		}
		if params.Item.Type == "commandExecution" {
			return []agent.Event{{
				Kind: agent.EventToolUse,
				ToolName: "command",
				ToolMeta: map[string]interface{}{
					"command": params.Item.Command,
					"cwd": params.Item.Cwd,
					"output": params.Item.AggregatedOutput,
				},
			}}
		}
		return nil

	case notifyTurnCompleted:
		var params turnCompletedParams
		_ = json.Unmarshal(frame.Params, &params)
		if !params.Success {
			return []agent.Event{{
				Kind: agent.EventAgentError,
				ErrorKind: "turn_failed",
				ErrorMsg: params.Error,
				Recoverable: true,
			}}
		}
		return []agent.Event{{Kind: agent.EventPromptComplete}}

	case notifyError:
		var params errorParams
		_ = json.Unmarshal(frame.Params, &params)
		return []agent.Event{{
			Kind: agent.EventAgentError,
			ErrorKind: "protocol_error",
			ErrorMsg: params.Message,
			Recoverable: false,
		}}

	default:
		return nil
	}
}
