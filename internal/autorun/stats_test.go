package autorun

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStats_RecordRunAccumulatesAndUnlocksBadge(t *testing.T) {
	var s Stats
	s.RecordRun(20 * time.Minute)
	assert.Equal(t, BadgeNone, s.CurrentBadge)

	s.RecordRun(15 * time.Minute)
	assert.Equal(t, BadgeBronze, s.CurrentBadge)
	require.Len(t, s.BadgeHistory, 1)
	assert.Equal(t, BadgeBronze, s.BadgeHistory[0].Level)

	assert.Equal(t, int64(2), s.TotalRuns)
	assert.Equal(t, int64(20*time.Minute/time.Millisecond), s.LongestRunMs)
}

func TestStats_RecordRunDoesNotRegressBadge(t *testing.T) {
	var s Stats
	s.RecordRun(200 * time.Minute)
	require.Equal(t, BadgeSilver, s.CurrentBadge)

	s.RecordRun(time.Minute)
	assert.Equal(t, BadgeSilver, s.CurrentBadge)
	assert.Len(t, s.BadgeHistory, 1)
}

func TestStatsStore_SaveLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	store := NewStatsStore(dir)

	stats := store.Load()
	stats.RecordRun(45 * time.Minute)
	require.NoError(t, store.Save(stats))

	reloaded := store.Load()
	assert.Equal(t, BadgeBronze, reloaded.CurrentBadge)
	assert.Equal(t, int64(1), reloaded.TotalRuns)
}

func TestStatsStore_LoadToleratesMissingFile(t *testing.T) {
	store := NewStatsStore(t.TempDir())
	stats := store.Load()
	assert.Equal(t, BadgeNone, stats.CurrentBadge)
}
