// Package websocket implements the remote control gateway's WebSocket
// hub : a single authenticated connection per remote client,
// replaying session/tab/batch events and accepting client commands.
package websocket

import (
	"encoding/json"
	"time"
)

// MessageType discriminates the three frame shapes on the wire.
type MessageType string

const (
	MessageTypeCommand MessageType = "command"
	MessageTypeEvent MessageType = "event"
	MessageTypeError MessageType = "error"
)

// Message is the single JSON envelope used in both directions of the
// remote control websocket protocol.
type Message struct {
	ID        string          `json:"id,omitempty"`
	Type      MessageType     `json:"type"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Client-to-server command actions.
const (
	ActionSelectSession = "select_session"
	ActionSelectTab = "select_tab"
	ActionNewTab = "new_tab"
	ActionCloseTab = "close_tab"
	ActionSendCommand = "send_command"
	ActionSwitchMode = "switch_mode"
)

// Server-to-client event actions.
const (
	EventSessionsUpdate = "sessions_update"
	EventSessionAdded = "session_added"
	EventSessionRemoved = "session_removed"
	EventSessionStateChange = "session_state_change"
	EventSessionOutput = "session_output"
	EventUserInput = "user_input"
	EventActiveSessionChange = "active_session_changed"
	EventThemeUpdate = "theme_update"
	EventCustomCommands = "custom_commands"
	EventAutoRunStateChange = "autorun_state_change"
	EventTabsChanged = "tabs_changed"
)

// ParsePayload parses an inbound client frame's payload into v.
func (m *Message) ParsePayload(v interface{}) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

// NewEvent builds a server-to-client push frame.
func NewEvent(action string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Type: MessageTypeEvent, Action: action, Payload: data, Timestamp: time.Now().UTC()}, nil
}

// NewError builds an error frame sent in response to a malformed or
// rejected command.
func NewError(id, action, message string) *Message {
	payload, _ := json.Marshal(map[string]string{"message": message})
	return &Message{ID: id, Type: MessageTypeError, Action: action, Payload: payload, Timestamp: time.Now().UTC()}
}
