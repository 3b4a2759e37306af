package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/maestro/engine/internal/corelog"
	"github.com/maestro/engine/internal/eventbus"
	"github.com/maestro/engine/internal/session"
	"github.com/maestro/engine/internal/tab"
)

// Engine is the narrow surface the hub needs from the single
// serialization-thread owner : enough to snapshot current state and
// forward validated client commands, without the gateway importing the
// engine's full dependency graph.
type Engine interface {
	ListSessions() []*session.Session
	NewTab(sessionID string) (string, error)
	CloseTab(sessionID, tabID string) error
	SendCommand(ctx context.Context, sessionID, tabID, command string, images []string, inputMode session.InputMode) error
	SwitchMode(sessionID string, mode session.InputMode) error
	Interrupt(sessionID string) error
	CustomCommands() []CustomCommand
	Theme() (string, bool)
}

// CustomCommand is a user-defined shortcut surfaced to remote clients.
type CustomCommand struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// upgrader accepts any origin: Maestro's gateway is LAN/localhost-bound
// and gated entirely by the per-installation token, not CORS.
var upgrader = gorilla.Upgrader{
	ReadBufferSize: 4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub is the single owner of the set of connected remote clients.
// Registration and unregistration flow through its Run loop; broadcasts
// run on the publishing goroutine and read client membership under mu.
type Hub struct {
	engine Engine
	bus    eventbus.Bus
	token  string
	log    *corelog.Logger

	register   chan *Client
	unregister chan *Client

	mu      sync.RWMutex
	clients map[*Client]struct{}
}

// NewHub constructs a Hub bound to engine and gated by the given
// per-installation token.
func NewHub(engine Engine, bus eventbus.Bus, token string, log *corelog.Logger) *Hub {
	return &Hub{
		engine: engine,
		bus: bus,
		token: token,
		log: log,
		register: make(chan *Client),
		unregister: make(chan *Client),
		clients: make(map[*Client]struct{}),
	}
}

// Run drives client (un)registration until ctx is cancelled. Event
// broadcast itself happens via direct eventbus subscriptions set up in
// Subscribe, not through this loop, so long-running client fan-out
// never competes with it for the same channel.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
			}
			h.clients = make(map[*Client]struct{})
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
			h.sendSnapshot(c)
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.closed)
			}
			h.mu.Unlock()
		}
	}
}

// eventTypeActions maps the engine's coarse-grained eventbus types
// (internal/eventbus.Type*) onto the wire action names clients expect
//.
var eventTypeActions = map[string]string{
	eventbus.TypeSessionAdded: EventSessionAdded,
	eventbus.TypeSessionRemoved: EventSessionRemoved,
	eventbus.TypeSessionStateChange: EventSessionStateChange,
	eventbus.TypeTabsChanged: EventTabsChanged,
	eventbus.TypeSessionOutput: EventSessionOutput,
	eventbus.TypeUserInput: EventUserInput,
	eventbus.TypeActiveSessionChanged: EventActiveSessionChange,
	eventbus.TypeAutoRunStateChange: EventAutoRunStateChange,
}

// Subscribe wires every engine-wide event type onto bus broadcasts to
// every connected client. Both the supervisor and the scheduler publish
// under a single subject per entity ("session.<id>.state",
// "autorun.<id>.state"), so routing to the right wire action is done by
// the event's Type field rather than by subject.
func (h *Hub) Subscribe() {
	route := func(_ context.Context, ev *eventbus.Event) error {
		if action, ok := eventTypeActions[ev.Type]; ok {
			h.Broadcast(action, ev.Data)
		}
		return nil
	}
	_, _ = h.bus.Subscribe("session.*", route)
	_, _ = h.bus.Subscribe("autorun.*", route)
}

// Broadcast fans an event out to every connected client.
func (h *Hub) Broadcast(action string, payload interface{}) {
	msg, err := NewEvent(action, payload)
	if err != nil {
		return
	}
	data := encode(msg)
	if data == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.enqueue(data)
	}
}

// ClientCount reports the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleConnection upgrades the HTTP request, then enforces the
// per-installation token out-of-band on the new socket: the first frame
// the client sends must be the raw token bytes, before any command frame
// is accepted. A missing, late, or mismatched first frame closes the
// socket with a policy-violation close code without ever reaching
// dispatchCommand.
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.log != nil {
			h.log.WithError(err).Warn("websocket upgrade failed")
		}
		return
	}

	conn.SetReadDeadline(time.Now().Add(authFrameWait))
	_, first, err := conn.ReadMessage()
	if err != nil || string(first) != h.token {
		closeMsg := gorilla.FormatCloseMessage(gorilla.ClosePolicyViolation, "invalid token")
		conn.WriteControl(gorilla.CloseMessage, closeMsg, time.Now().Add(writeWait))
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	c := newClient(h, conn, h.log)
	h.register <- c
	go c.writePump()
	go c.readPump()
}

// sendSnapshot pushes the full current-state frame to a newly connected
// client.
func (h *Hub) sendSnapshot(c *Client) {
	sessions := h.engine.ListSessions()
	dtos := make([]sessionDTO, 0, len(sessions))
	for _, s := range sessions {
		dtos = append(dtos, toSessionDTO(s))
	}
	theme, hasTheme := h.engine.Theme()
	payload := map[string]interface{}{
		"sessions": dtos,
		"commands": h.engine.CustomCommands(),
	}
	if hasTheme {
		payload["theme"] = theme
	}
	msg, err := NewEvent(EventSessionsUpdate, payload)
	if err != nil {
		return
	}
	c.enqueue(encode(msg))
}

type sessionDTO struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"displayName"`
	WorkDir     string   `json:"workDir"`
	AgentKind   string   `json:"agentKind"`
	InputMode   string   `json:"inputMode"`
	ActiveTabID string   `json:"activeTabId"`
	Tabs        []tabDTO `json:"tabs"`
}

type tabDTO struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	State    string `json:"state"`
	Starred  bool   `json:"starred"`
	ReadOnly bool   `json:"readOnly"`
}

func toSessionDTO(s *session.Session) sessionDTO {
	tabs := make([]tabDTO, 0, len(s.Tabs))
	for _, t := range s.Tabs {
		tabs = append(tabs, toTabDTO(t))
	}
	return sessionDTO{
		ID: s.ID, DisplayName: s.DisplayName, WorkDir: s.WorkDir,
		AgentKind: string(s.AgentKind), InputMode: string(s.InputMode),
		ActiveTabID: s.ActiveTabID, Tabs: tabs,
	}
}

func toTabDTO(t *tab.Tab) tabDTO {
	return tabDTO{ID: t.ID, Name: t.DisplayName(""), State: string(t.State), Starred: t.Starred, ReadOnly: t.ReadOnly}
}

// dispatchCommand validates and executes one inbound client command
//, replying with an error frame on
// failure rather than closing the connection.
func (h *Hub) dispatchCommand(c *Client, msg *Message) {
	ctx := context.Background()
	var err error

	switch msg.Action {
	case ActionSelectSession:
		var p struct {
			SessionID string `json:"sessionId"`
		}
		if err = msg.ParsePayload(&p); err == nil {
			c.selectedSession = p.SessionID
		}
	case ActionSelectTab:
		var p struct {
			TabID string `json:"tabId"`
		}
		if err = msg.ParsePayload(&p); err == nil {
			c.selectedTab = p.TabID
		}
	case ActionNewTab:
		var p struct {
			SessionID string `json:"sessionId"`
		}
		if err = msg.ParsePayload(&p); err == nil {
			_, err = h.engine.NewTab(p.SessionID)
		}
	case ActionCloseTab:
		var p struct {
			SessionID string `json:"sessionId"`
			TabID string `json:"tabId"`
		}
		if err = msg.ParsePayload(&p); err == nil {
			err = h.engine.CloseTab(p.SessionID, p.TabID)
		}
	case ActionSendCommand:
		var p struct {
			SessionID string `json:"sessionId"`
			TabID string `json:"tabId"`
			Command string `json:"command"`
			Images []string `json:"images"`
			InputMode string `json:"inputMode"`
		}
		if err = msg.ParsePayload(&p); err == nil {
			mode := session.InputModeInteractive
			if p.InputMode != "" {
				mode = session.InputMode(p.InputMode)
			}
			err = h.engine.SendCommand(ctx, p.SessionID, p.TabID, p.Command, p.Images, mode)
		}
	case ActionSwitchMode:
		var p struct {
			SessionID string `json:"sessionId"`
			Mode string `json:"mode"`
		}
		if err = msg.ParsePayload(&p); err == nil {
			err = h.engine.SwitchMode(p.SessionID, session.InputMode(p.Mode))
		}
	default:
		err = errUnknownAction(msg.Action)
	}

	if err != nil {
		c.enqueue(encode(NewError(msg.ID, msg.Action, err.Error())))
	}
}

type errUnknownAction string

func (e errUnknownAction) Error() string { return "unknown action: " + string(e) }
