package session

import (
	"errors"
	"time"

	"github.com/maestro/engine/internal/tab"
)

// ErrTabBusy is returned when an operation would affect a busy tab in a
// way the contract forbids.
var ErrTabBusy = errors.New("tab busy")

// CreateTab appends a new tab and makes it active.
func (s *Session) CreateTab(upstreamSessionID, name string, starred bool, initialLogs []tab.LogEntry) *tab.Tab {
	t := tab.New(s.ID)
	t.UpstreamSessionID = upstreamSessionID
	t.Name = name
	t.Starred = starred
	if len(initialLogs) > 0 {
		t.Log = append(t.Log, initialLogs...)
	}
	s.Tabs = append(s.Tabs, t)
	s.ActiveTabID = t.ID
	return t
}

// CloseTab stores the tab in the closed-tab ring and selects a
// neighboring tab as active; if it was the last tab, a fresh empty tab is
// created. Refuses a busy tab.
func (s *Session) CloseTab(id string) error {
	idx := -1
	for i, t := range s.Tabs {
		if t.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	if s.Tabs[idx].State == tab.StateBusy {
		return ErrTabBusy
	}

	closed := tab.ClosedTab{Tab: *s.Tabs[idx], OriginalIndex: idx, ClosedAt: time.Now()}
	s.ClosedTabs = append(s.ClosedTabs, closed)
	if len(s.ClosedTabs) > tab.ClosedTabRingSize {
		s.ClosedTabs = s.ClosedTabs[len(s.ClosedTabs)-tab.ClosedTabRingSize:]
	}

	wasActive := s.ActiveTabID == id
	s.Tabs = append(s.Tabs[:idx], s.Tabs[idx+1:]...)

	if len(s.Tabs) == 0 {
		fresh := tab.New(s.ID)
		s.Tabs = append(s.Tabs, fresh)
		s.ActiveTabID = fresh.ID
		return nil
	}

	if wasActive {
		next := idx
		if next >= len(s.Tabs) {
			next = len(s.Tabs) - 1
		}
		s.ActiveTabID = s.Tabs[next].ID
	}
	return nil
}

// ReopenClosedTab pops the most recent closed-tab entry. If a live tab
// already shares its upstream agent-session-id, that tab is activated
// instead and the undo slot is still consumed.
func (s *Session) ReopenClosedTab() *tab.Tab {
	n := len(s.ClosedTabs)
	if n == 0 {
		return nil
	}
	entry := s.ClosedTabs[n-1]
	s.ClosedTabs = s.ClosedTabs[:n-1]

	if entry.Tab.UpstreamSessionID != "" {
		for _, t := range s.Tabs {
			if t.UpstreamSessionID == entry.Tab.UpstreamSessionID {
				s.ActiveTabID = t.ID
				return t
			}
		}
	}

	restored := entry.Tab
	s.Tabs = append(s.Tabs, &restored)
	s.ActiveTabID = restored.ID
	return &restored
}

func (s *Session) activeIndex() int {
	for i, t := range s.Tabs {
		if t.ID == s.ActiveTabID {
			return i
		}
	}
	return -1
}

// NavigateNext activates the next tab, wrapping at the end.
func (s *Session) NavigateNext() {
	i := s.activeIndex()
	if i < 0 || len(s.Tabs) == 0 {
		return
	}
	s.ActiveTabID = s.Tabs[(i+1)%len(s.Tabs)].ID
}

// NavigatePrevious activates the previous tab, wrapping at the start.
func (s *Session) NavigatePrevious() {
	i := s.activeIndex()
	if i < 0 || len(s.Tabs) == 0 {
		return
	}
	s.ActiveTabID = s.Tabs[(i-1+len(s.Tabs))%len(s.Tabs)].ID
}

// NavigateByIndex activates the tab at idx; out-of-range is a no-op.
func (s *Session) NavigateByIndex(idx int) {
	if idx < 0 || idx >= len(s.Tabs) {
		return
	}
	s.ActiveTabID = s.Tabs[idx].ID
}

// NavigateLast activates the last tab.
func (s *Session) NavigateLast() {
	if len(s.Tabs) == 0 {
		return
	}
	s.ActiveTabID = s.Tabs[len(s.Tabs)-1].ID
}
