package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro/engine/internal/agent"
)

func TestCloseTab_LastTabSpawnsFreshActiveTab(t *testing.T) {
	s := New("/tmp/work", "Demo", agent.KindClaudeCode)
	onlyTab := s.Tabs[0].ID

	require.NoError(t, s.CloseTab(onlyTab))

	require.Len(t, s.Tabs, 1)
	assert.NotEqual(t, onlyTab, s.Tabs[0].ID)
	assert.Equal(t, s.Tabs[0].ID, s.ActiveTabID)
}

func TestCloseTab_RefusesBusyTab(t *testing.T) {
	s := New("/tmp/work", "Demo", agent.KindClaudeCode)
	s.Tabs[0].MarkBusy(time.Now())

	err := s.CloseTab(s.Tabs[0].ID)
	assert.ErrorIs(t, err, ErrTabBusy)
}

func TestCloseTab_ActivatesNeighbor(t *testing.T) {
	s := New("/tmp/work", "Demo", agent.KindClaudeCode)
	second := s.CreateTab("", "second", false, nil)
	first := s.Tabs[0].ID
	s.ActiveTabID = first

	require.NoError(t, s.CloseTab(first))
	assert.Equal(t, second.ID, s.ActiveTabID)
}

func TestReopenClosedTab_DuplicateUpstreamActivatesExisting(t *testing.T) {
	s := New("/tmp/work", "Demo", agent.KindClaudeCode)
	s.Tabs[0].UpstreamSessionID = "up-1"
	live := s.CreateTab("up-1", "live copy", false, nil)

	require.NoError(t, s.CloseTab(s.Tabs[0].ID))
	reopened := s.ReopenClosedTab()

	require.NotNil(t, reopened)
	assert.Equal(t, live.ID, reopened.ID)
	assert.Empty(t, s.ClosedTabs)
}

func TestNavigateNextPrevious_Wraps(t *testing.T) {
	s := New("/tmp/work", "Demo", agent.KindClaudeCode)
	s.CreateTab("", "b", false, nil)
	s.CreateTab("", "c", false, nil)
	s.NavigateByIndex(0)

	s.NavigatePrevious()
	assert.Equal(t, s.Tabs[2].ID, s.ActiveTabID)

	s.NavigateNext()
	assert.Equal(t, s.Tabs[0].ID, s.ActiveTabID)
}

func TestNavigateByIndex_OutOfRangeIsNoOp(t *testing.T) {
	s := New("/tmp/work", "Demo", agent.KindClaudeCode)
	before := s.ActiveTabID
	s.NavigateByIndex(99)
	assert.Equal(t, before, s.ActiveTabID)
}
