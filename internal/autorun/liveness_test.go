package autorun

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLivenessStore_AdvertiseAndIsBusy(t *testing.T) {
	store := NewLivenessStore(t.TempDir())

	_, busy := store.IsBusy("session-1")
	assert.False(t, busy)

	rec := ActivityRecord{SessionID: "session-1", PlaybookName: "demo", PID: 123, StartedAt: time.Now()}
	require.NoError(t, store.Advertise(rec))

	got, busy := store.IsBusy("session-1")
	assert.True(t, busy)
	assert.Equal(t, "demo", got.PlaybookName)
	assert.Equal(t, 123, got.PID)
}

func TestLivenessStore_ClearRemovesRecord(t *testing.T) {
	store := NewLivenessStore(t.TempDir())
	require.NoError(t, store.Advertise(ActivityRecord{SessionID: "session-1"}))
	require.NoError(t, store.Clear("session-1"))

	_, busy := store.IsBusy("session-1")
	assert.False(t, busy)
}

func TestLivenessStore_ClearToleratesMissingFile(t *testing.T) {
	store := NewLivenessStore(t.TempDir())
	assert.NoError(t, store.Clear("nonexistent"))
}
