package cli

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro/engine/internal/agent"
	"github.com/maestro/engine/internal/agent/adapters/claudecode"
	"github.com/maestro/engine/internal/autorun"
	"github.com/maestro/engine/internal/corelog"
	"github.com/maestro/engine/internal/session"
)

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitOK, ExitCode(nil))
	assert.Equal(t, exitGenericFailure, ExitCode(errors.New("boom")))
	assert.Equal(t, exitPlaybookNotFound, ExitCode(notFound(errors.New("nope"))))
	assert.Equal(t, exitAgentNotFound, ExitCode(agentNotFound(errors.New("nope"))))
	assert.Equal(t, exitAgentBusy, ExitCode(busy(errors.New("nope"))))
	assert.Equal(t, exitNoAutoRunFolder, ExitCode(folderMissing(errors.New("nope"))))
	assert.Equal(t, exitUnsupportedAgent, ExitCode(unsupportedAgent(errors.New("nope"))))
}

func TestFindPlaybook_LocatesAcrossSessions(t *testing.T) {
	dir := t.TempDir()
	sessions, sess := newTestSessionsIn(t, dir)

	store := autorun.NewStore(dir)
	pb := autorun.NewPlaybook("Demo", []string{"PLAN.md"})
	require.NoError(t, store.Save(sess.ID, []*autorun.Playbook{pb}))

	foundSess, foundPb, err := findPlaybook(sessions, dir, pb.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, foundSess.ID)
	assert.Equal(t, pb.ID, foundPb.ID)
}

func TestFindPlaybook_NotFound(t *testing.T) {
	dir := t.TempDir()
	sessions, _ := newTestSessionsIn(t, dir)

	_, _, err := findPlaybook(sessions, dir, "does-not-exist")
	assert.Error(t, err)
}

func newTestSessionsIn(t *testing.T, configDir string) (*session.Registry, *session.Session) {
	t.Helper()
	agents := agent.NewRegistry()
	agents.Register(claudecode.New())
	sessions := session.NewRegistry(configDir, agents, corelog.Default())
	sess, err := sessions.Create(t.TempDir(), "demo", agent.KindClaudeCode)
	require.NoError(t, err)
	return sessions, sess
}

func TestAwaitFree_ReturnsImmediatelyWhenIdle(t *testing.T) {
	sessions, sess := newTestSessionsIn(t, t.TempDir())
	liveness := autorun.NewLivenessStore(t.TempDir())

	oldWait := flagWait
	flagWait = false
	defer func() { flagWait = oldWait }()

	err := awaitFree(context.Background(), sessions, liveness, sess.ID, corelog.Default())
	assert.NoError(t, err)
}

func TestAwaitFree_ErrorsWhenBusyAndNotWaiting(t *testing.T) {
	sessions, sess := newTestSessionsIn(t, t.TempDir())
	liveness := autorun.NewLivenessStore(t.TempDir())
	require.NoError(t, liveness.Advertise(autorun.ActivityRecord{SessionID: sess.ID, PlaybookName: "other", PID: 1}))

	oldWait := flagWait
	flagWait = false
	defer func() { flagWait = oldWait }()

	err := awaitFree(context.Background(), sessions, liveness, sess.ID, corelog.Default())
	require.Error(t, err)
	assert.ErrorIs(t, err, errSessionBusyNoWait)
}

func TestAwaitFree_StopsOnContextCancelWhileWaiting(t *testing.T) {
	sessions, sess := newTestSessionsIn(t, t.TempDir())
	liveness := autorun.NewLivenessStore(t.TempDir())
	require.NoError(t, liveness.Advertise(autorun.ActivityRecord{SessionID: sess.ID, PlaybookName: "other", PID: 1}))

	oldWait := flagWait
	flagWait = true
	defer func() { flagWait = oldWait }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- awaitFree(ctx, sessions, liveness, sess.ID, corelog.Default()) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("awaitFree did not return promptly on context cancellation")
	}
}

func TestEmitJSON_WritesOneLine(t *testing.T) {
	// emitJSON only needs to not panic and marshal cleanly; content is
	// exercised indirectly via runPlaybook in scheduler_test.go-style
	// integration, which would require a real agent process.
	emitJSON(jsonEvent{Type: "done", CompletedTasks: 1, TotalTasks: 1})
}
