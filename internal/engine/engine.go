// Package engine composes the session registry, agent supervisor, and
// Auto Run scheduler into a single authority: one mutex serializes the
// tab, mode and reconcile mutations that callers make through the Engine. The
// supervisor's stream goroutine updates tab state directly and does not
// take this mutex.
package engine

import (
	"context"
	"sync"

	"github.com/maestro/engine/internal/autorun"
	"github.com/maestro/engine/internal/coreconfig"
	"github.com/maestro/engine/internal/corelog"
	"github.com/maestro/engine/internal/eventbus"
	"github.com/maestro/engine/internal/gateway/websocket"
	"github.com/maestro/engine/internal/session"
	"github.com/maestro/engine/internal/supervisor"
)

// Engine is the process-wide composition root. It satisfies both
// gateway/websocket.Engine and gateway/http.Engine so the transport
// layers never need to know about supervisor or autorun directly.
type Engine struct {
	mu sync.Mutex

	sessions *session.Registry
	supervisor *supervisor.Supervisor
	autorun *autorun.Manager
	settings *coreconfig.Settings
	bus eventbus.Bus
	log *corelog.Logger
}

// New wires the subsystems together. Callers are expected to have
// already called sessions.Load() during startup.
func New(sessions *session.Registry, sup *supervisor.Supervisor, runs *autorun.Manager, settings *coreconfig.Settings, bus eventbus.Bus, log *corelog.Logger) *Engine {
	return &Engine{sessions: sessions, supervisor: sup, autorun: runs, settings: settings, bus: bus, log: log}
}

// ListSessions returns every session in stable order (websocket.Engine,
// http.Engine).
func (e *Engine) ListSessions() []*session.Session {
	return e.sessions.List()
}

// GetSession looks up a single session by id (http.Engine).
func (e *Engine) GetSession(id string) (*session.Session, error) {
	return e.sessions.Get(id)
}

// NewTab creates a fresh, unbound tab on the given session and persists
// the change.
func (e *Engine) NewTab(sessionID string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sess, err := e.sessions.Get(sessionID)
	if err != nil {
		return "", err
	}
	t := sess.CreateTab("", "", false, nil)
	e.persist()
	e.publishTabsChanged(sess)
	return t.ID, nil
}

// CloseTab closes a tab, refusing a busy one.
func (e *Engine) CloseTab(sessionID, tabID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	sess, err := e.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	if err := sess.CloseTab(tabID); err != nil {
		return err
	}
	e.persist()
	e.publishTabsChanged(sess)
	return nil
}

// SendCommand enqueues or dispatches a prompt to a session's tab. A
// session already driving a busy tab queues the command rather than
// rejecting it.
func (e *Engine) SendCommand(ctx context.Context, sessionID, tabID, command string, images []string, mode session.InputMode) error {
	e.mu.Lock()
	sess, err := e.sessions.Get(sessionID)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if mode != "" {
		sess.InputMode = mode
	}
	if sess.AnyBusy() {
		sess.Enqueue(command, images, tabID)
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	return e.supervisor.Dispatch(ctx, sessionID, command, images, tabID)
}

// SwitchMode toggles a session between interactive and shell input
// modes.
func (e *Engine) SwitchMode(sessionID string, mode session.InputMode) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	sess, err := e.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	sess.InputMode = mode
	e.persist()
	return nil
}

// Interrupt stops the active dispatch on a session.
func (e *Engine) Interrupt(sessionID string) error {
	return e.supervisor.Interrupt(sessionID)
}

// CustomCommands returns the user-defined shortcuts persisted in
// settings.json, tolerating their absence.
func (e *Engine) CustomCommands() []websocket.CustomCommand {
	raw, ok := e.settings.Get("customCommands")
	if !ok {
		return nil
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	out := make([]websocket.CustomCommand, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		text, _ := m["text"].(string)
		out = append(out, websocket.CustomCommand{Name: name, Text: text})
	}
	return out
}

// Theme returns the GUI theme preference, if one has been set.
func (e *Engine) Theme() (string, bool) {
	return e.settings.GetString("theme")
}

// RunAutoRun starts a batch on the scheduler's Manager.
func (e *Engine) RunAutoRun(ctx context.Context, opts autorun.RunOptions) (*autorun.BatchRunState, error) {
	return e.autorun.Start(ctx, opts)
}

// StopAutoRun requests an in-flight batch stop early.
func (e *Engine) StopAutoRun(sessionID string) bool {
	return e.autorun.Stop(sessionID)
}

// Reconcile re-scans VCS state and drops stale batch references across
// every session at startup.
func (e *Engine) Reconcile(scanVCS func(workDir string) session.VCSState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessions.Reconcile(scanVCS)
}

func (e *Engine) persist() {
	if err := e.sessions.Save(); err != nil && e.log != nil {
		e.log.WithError(err).Warn("failed to persist sessions after mutation")
	}
}

func (e *Engine) publishTabsChanged(sess *session.Session) {
	if e.bus == nil {
		return
	}
	tabIDs := make([]string, 0, len(sess.Tabs))
	for _, t := range sess.Tabs {
		tabIDs = append(tabIDs, t.ID)
	}
	_ = e.bus.Publish(context.Background(), "session."+sess.ID+".tabs", eventbus.NewEvent(eventbus.TypeTabsChanged, sess.ID, map[string]interface{}{
		"tabIds": tabIDs, "activeTabId": sess.ActiveTabID,
	}))
}
