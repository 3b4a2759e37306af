// Package session implements the session registry: the lifecycle
// manager for every agent workspace, its tabs, and its execution queue.
package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/maestro/engine/internal/agent"
	"github.com/maestro/engine/internal/tab"
)

// InputMode selects whether a session's active tab is driven as an
// interactive agent conversation or a raw shell.
type InputMode string

const (
	InputModeInteractive InputMode = "interactive"
	InputModeShell InputMode = "shell"
)

// ExecutionQueueItem is a pending prompt bound to a session.
type ExecutionQueueItem struct {
	ID string
	Text string
	Images []string
	TargetTab string
	EnqueuedAt time.Time
}

// AutoRunConfig is a session's selected Auto Run target: which playbook
// folder/document pair it is configured to run, and a reference to the
// currently running batch (if any). BatchRunState is never persisted
// across restart.
type AutoRunConfig struct {
	PlaybookFolder string
	PlaybookID string
	BatchRef string
}

// VCSState is the session's detected version-control snapshot, refreshed
// on reconcile.
type VCSState struct {
	IsRepo bool
	Branch string
	HasChanges bool
	LastScannedAt time.Time
}

// Session is the top-level unit: one workspace bound to one agent kind.
type Session struct {
	ID string
	DisplayName string
	WorkDir string
	VCS VCSState
	AgentKind agent.Kind
	InputMode InputMode

	Tabs []*tab.Tab
	ActiveTabID string
	ClosedTabs []tab.ClosedTab
	ExecutionQueue []ExecutionQueueItem

	AutoRun AutoRunConfig

	ScrollPositions map[string]int // tab id -> last scroll offset

	CreatedAt time.Time

	// busySource/thinkingStartTime are transient UI-affordance fields
	// cleared on reconcile; they live on the active tab via tab.Tab
	// rather than here, so Session itself carries no transient runtime
	// state beyond the queue and active selection.
}

// New creates a session with a single empty, unbound tab.
func New(workDir, displayName string, kind agent.Kind) *Session {
	t := tab.New("")
	s := &Session{
		ID: uuid.NewString(),
		DisplayName: displayName,
		WorkDir: workDir,
		AgentKind: kind,
		InputMode: InputModeInteractive,
		ScrollPositions: make(map[string]int),
		CreatedAt: time.Now(),
	}
	t.SessionID = s.ID
	s.Tabs = append(s.Tabs, t)
	s.ActiveTabID = t.ID
	return s
}

// ActiveTab returns the currently foregrounded tab, or nil if none match.
func (s *Session) ActiveTab() *tab.Tab {
	return s.TabByID(s.ActiveTabID)
}

// TabByID looks up a tab by id.
func (s *Session) TabByID(id string) *tab.Tab {
	for _, t := range s.Tabs {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// AnyBusy reports whether any tab in the session is currently busy.
func (s *Session) AnyBusy() bool {
	for _, t := range s.Tabs {
		if t.State == tab.StateBusy {
			return true
		}
	}
	return false
}

// BusyTab returns the first busy tab, if any.
func (s *Session) BusyTab() *tab.Tab {
	for _, t := range s.Tabs {
		if t.State == tab.StateBusy {
			return t
		}
	}
	return nil
}

// Idle reports whether the session has no busy tab and an empty
// execution queue — the precondition for starting an Auto Run.
func (s *Session) Idle() bool {
	return !s.AnyBusy() && len(s.ExecutionQueue) == 0
}

// Enqueue appends a prompt to the session's FIFO execution queue, bound
// to targetTab for the lifetime of the item.
func (s *Session) Enqueue(text string, images []string, targetTab string) ExecutionQueueItem {
	item := ExecutionQueueItem{
		ID: uuid.NewString(),
		Text: text,
		Images: images,
		TargetTab: targetTab,
		EnqueuedAt: time.Now(),
	}
	s.ExecutionQueue = append(s.ExecutionQueue, item)
	return item
}

// PeekQueueHead returns the first queue item without removing it, or
// false if the queue is empty.
func (s *Session) PeekQueueHead() (ExecutionQueueItem, bool) {
	if len(s.ExecutionQueue) == 0 {
		return ExecutionQueueItem{}, false
	}
	return s.ExecutionQueue[0], true
}

// PopQueueHead removes and returns the first queue item.
func (s *Session) PopQueueHead() (ExecutionQueueItem, bool) {
	item, ok := s.PeekQueueHead()
	if !ok {
		return item, false
	}
	s.ExecutionQueue = s.ExecutionQueue[1:]
	return item, true
}

// ReconcileBusyTabs is an explicit, admin-invoked reconciliation for the
// multiple-busy-tabs-on-resume case: it interrupts every busy tab except
// the most recently active one. Unlike the session-level Reconcile run
// automatically at startup, this is never invoked automatically — the
// engine tolerates transient multi-busy state for observation and
// leaves the decision to interrupt stragglers to the caller.
func (s *Session) ReconcileBusyTabs(interrupt func(t *tab.Tab) error) ([]string, error) {
	var interrupted []string
	for _, t := range s.Tabs {
		if t.State != tab.StateBusy || t.ID == s.ActiveTabID {
			continue
		}
		if err := interrupt(t); err != nil {
			return interrupted, err
		}
		interrupted = append(interrupted, t.ID)
	}
	return interrupted, nil
}
