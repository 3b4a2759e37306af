// Package tab implements the per-session conversation model and the
// closed-tab undo ring.
package tab

import (
	"time"

	"github.com/google/uuid"
)

// State is the write-mode lock state of a Tab.
type State string

const (
	StateIdle State = "idle"
	StateBusy State = "busy"
	StateError State = "error"
)

// LogSource identifies who produced a LogEntry.
type LogSource string

const (
	SourceUser LogSource = "user"
	SourceStdout LogSource = "stdout"
	SourceStderr LogSource = "stderr"
	SourceSystem LogSource = "system"
)

// StdoutCoalesceWindow is the streaming-append coalescence threshold:
// consecutive stdout chunks within this window of the last append to
// the same entry are merged into it rather than opening a new
// LogEntry.
const StdoutCoalesceWindow = 5 * time.Second

// ClosedTabRingSize bounds the number of ClosedTab tombstones a session
// retains for "reopen last closed".
const ClosedTabRingSize = 25

// LogEntry is an append-only record belonging to one tab.
type LogEntry struct {
	ID string
	Timestamp time.Time
	Source LogSource
	Text string
	Images []string
	ToolMeta map[string]interface{}

	lastAppend time.Time
}

// LastError records the most recent AgentError surfaced on a tab.
type LastError struct {
	Kind string
	Message string
	Recoverable bool
	At time.Time
}

// Usage is the cached usage snapshot for a tab.
type Usage struct {
	InputTokens int64
	OutputTokens int64
	CostUSD float64
	ContextUsed int64
	ContextLimit int64
	UpdatedAt time.Time
}

// Tab is one conversation within a session. SessionID is stored as a
// plain field rather than a pointer back to the parent (§9 "Back-references
// from tab to session") so a Tab is serializable on its own.
type Tab struct {
	ID string
	SessionID string
	UpstreamSessionID string
	Name string
	Starred bool
	Log []LogEntry
	InputDraft string
	StagedImages []string
	Usage Usage
	CreatedAt time.Time
	State State
	ReadOnly bool
	SaveToHistory bool
	LastError *LastError

	thinkingStartTime time.Time
}

// New creates a fresh, unbound, idle tab.
func New(sessionID string) *Tab {
	return &Tab{
		ID: uuid.NewString(),
		SessionID: sessionID,
		CreatedAt: time.Now(),
		State: StateIdle,
		SaveToHistory: true,
	}
}

// DisplayName resolves a tab's effective display name : an explicit
// name, else the first octet of the upstream agent-session-id, else the
// caller-supplied session display name fallback.
func (t *Tab) DisplayName(sessionDisplayName string) string {
	if t.Name != "" {
		return t.Name
	}
	if t.UpstreamSessionID != "" {
		return firstOctet(t.UpstreamSessionID)
	}
	return sessionDisplayName
}

func firstOctet(s string) string {
	for i, r := range s {
		if r == '-' || r == ':' {
			return s[:i]
		}
	}
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// AppendStdout appends text to the tab's log, applying the streaming
// coalescence rule : merges into the last entry if it is stdout and
// its last append was within StdoutCoalesceWindow, otherwise opens a new
// entry.
func (t *Tab) AppendStdout(text string, now time.Time) {
	if n := len(t.Log); n > 0 {
		last := &t.Log[n-1]
		if last.Source == SourceStdout && now.Sub(last.lastAppend) < StdoutCoalesceWindow {
			last.Text += text
			last.lastAppend = now
			return
		}
	}
	t.Log = append(t.Log, LogEntry{
		ID: uuid.NewString(),
		Timestamp: now,
		Source: SourceStdout,
		Text: text,
		lastAppend: now,
	})
}

// AppendEntry appends a non-coalesced entry (user input, stderr, system).
func (t *Tab) AppendEntry(source LogSource, text string, now time.Time) {
	t.Log = append(t.Log, LogEntry{
		ID: uuid.NewString(),
		Timestamp: now,
		Source: source,
		Text: text,
	})
}

// MarkBusy transitions the tab to busy and records the dispatch start
// time used for "thinking" UI affordances.
func (t *Tab) MarkBusy(now time.Time) {
	t.State = StateBusy
	t.thinkingStartTime = now
}

// MarkIdle transitions the tab back to idle, clearing transient
// dispatch bookkeeping.
func (t *Tab) MarkIdle() {
	t.State = StateIdle
	t.thinkingStartTime = time.Time{}
}

// MarkError transitions the tab to error and records the cause.
func (t *Tab) MarkError(kind, message string, recoverable bool, now time.Time) {
	t.State = StateError
	t.LastError = &LastError{Kind: kind, Message: message, Recoverable: recoverable, At: now}
}

// ClosedTab is a tombstone of a closed tab retained for undo.
type ClosedTab struct {
	Tab Tab
	OriginalIndex int
	ClosedAt time.Time
}
