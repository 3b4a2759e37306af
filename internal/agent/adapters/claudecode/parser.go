package claudecode

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/maestro/engine/internal/agent"
)

// Message type and subtype constants from Claude Code's stream-json
// protocol.
const (
	msgTypeSystem = "system"
	msgTypeAssistant = "assistant"
	msgTypeResult = "result"
	msgTypeControlRequest = "control_request"
	msgTypeControlResponse = "control_response"
	msgTypeUser = "user"

	contentBlockText = "text"
	contentBlockThink = "thinking"
	contentBlockToolUse = "tool_use"
)

type cliMessage struct {
	Type string `json:"type"`

	SessionID string `json:"session_id,omitempty"`

	Message *cliAssistantMessage `json:"message,omitempty"`

	Result            json.RawMessage          `json:"result,omitempty"`
	Subtype           string                   `json:"subtype,omitempty"`
	CostUSD           float64                  `json:"cost_usd,omitempty"`
	IsError           bool                     `json:"is_error,omitempty"`
	Errors            []string                 `json:"errors,omitempty"`
	TotalInputTokens  int64                    `json:"total_input_tokens,omitempty"`
	TotalOutputTokens int64                    `json:"total_output_tokens,omitempty"`
	ModelUsage        map[string]cliModelUsage `json:"model_usage,omitempty"`
}

type cliAssistantMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content,omitempty"`
	Usage   *cliUsage       `json:"usage,omitempty"`
}

type cliContentBlock struct {
	Type  string         `json:"type"`
	Text  string         `json:"text,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

type cliUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type cliModelUsage struct {
	ContextWindow *int64 `json:"context_window,omitempty"`
}

// streamJSONParser parses Claude Code's newline-delimited stream-json
// stdout into the agent package's EventKind tagged union. It
// buffers partial lines across Feed calls since a chunk boundary need
// not align with a JSON line boundary.
type streamJSONParser struct {
	buf bytes.Buffer
}

func newStreamJSONParser() agent.Parser {
	return &streamJSONParser{}
}

func (p *streamJSONParser) Feed(source string, chunk []byte) []agent.Event {
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

func (p *streamJSONParser) Flush() []agent.Event {
	if p.buf.Len() == 0 {
		return nil
	}
	line := p.buf.Bytes()
	events := p.parseLine(line)
	p.buf.Reset()
	return events
}

func (p *streamJSONParser) parseLine(line []byte) []agent.Event {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}

	var msg cliMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return []agent.Event{{Kind: agent.EventRawOutput, Text: string(line), Source: "stdout"}}
	}

	switch msg.Type {
	case msgTypeSystem:
		if msg.SessionID != "" {
			return []agent.Event{{Kind: agent.EventAgentSessionIDAssigned, UpstreamSessionID: msg.SessionID}}
		}
		return nil

	case msgTypeAssistant:
		return p.parseAssistant(&msg)

	case msgTypeResult:
		return p.parseResult(&msg)

	case msgTypeControlRequest, msgTypeControlResponse, msgTypeUser:
		return nil

	default:
		return []agent.Event{{Kind: agent.EventRawOutput, Text: string(line), Source: "stdout"}}
	}
}

func (p *streamJSONParser) parseAssistant(msg *cliMessage) []agent.Event {
	if msg.Message == nil {
		return nil
	}

	var events []agent.Event

	if blocks, ok := decodeContentBlocks(msg.Message.Content); ok {
		for _, b := range blocks {
			switch b.Type {
			case contentBlockText, contentBlockThink:
				if b.Text != "" {
					events = append(events, agent.Event{Kind: agent.EventResponseToken, Text: b.Text})
				}
			case contentBlockToolUse:
				events = append(events, agent.Event{
						Kind: agent.EventToolUse,
						ToolName: b.Name,
						ToolMeta: b.Input,
				})
			}
		}
	}

	if msg.Message.Usage != nil {
		events = append(events, agent.Event{
				Kind: agent.EventUsageUpdate,
				Usage: &agent.Usage{
					InputTokens: msg.Message.Usage.InputTokens,
					OutputTokens: msg.Message.Usage.OutputTokens,
					UpdatedAt: time.Now(),
				},
		})
	}

	return events
}

func (p *streamJSONParser) parseResult(msg *cliMessage) []agent.Event {
	if msg.IsError {
		errMsg := msg.Subtype
		if errMsg == "" && len(msg.Errors) > 0 {
			errMsg = msg.Errors[0]
		}
		if errMsg == "" {
			errMsg = decodeResultString(msg.Result)
		}
		return []agent.Event{{
				Kind: agent.EventAgentError,
				ErrorKind: msg.Subtype,
				ErrorMsg: errMsg,
				Recoverable: isRecoverableSubtype(msg.Subtype),
		}}
	}

	events := []agent.Event{{Kind: agent.EventPromptComplete}}

	if msg.CostUSD > 0 || msg.TotalInputTokens > 0 || msg.TotalOutputTokens > 0 {
		usage := &agent.Usage{
			InputTokens: msg.TotalInputTokens,
			OutputTokens: msg.TotalOutputTokens,
			CostUSD: msg.CostUSD,
			UpdatedAt: time.Now(),
		}
		for _, mu := range msg.ModelUsage {
			if mu.ContextWindow != nil {
				usage.ContextLimit = *mu.ContextWindow
				break
			}
		}
		events = append(events, agent.Event{Kind: agent.EventUsageUpdate, Usage: usage})
	}

	return events
}

func decodeContentBlocks(raw json.RawMessage) ([]cliContentBlock, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var blocks []cliContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, false
	}
	return blocks, true
}

func decodeResultString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// isRecoverableSubtype reports whether a result error subtype represents
// a transient condition worth an Auto Run retry rather than a terminal
// failure.
func isRecoverableSubtype(subtype string) bool {
	switch subtype {
	case "error_max_turns", "error_during_execution":
		return true
	default:
		return false
	}
}
