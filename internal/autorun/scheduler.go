package autorun

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/maestro/engine/internal/corelog"
	"github.com/maestro/engine/internal/eventbus"
	"github.com/maestro/engine/internal/history"
	"github.com/maestro/engine/internal/session"
)

// Phase is a batch run's current state-machine position in the Auto Run
// lifecycle.
type Phase string

const (
	PhasePreparing Phase = "preparing"
	PhaseDispatching Phase = "dispatching"
	PhaseAwaitingAgent Phase = "awaiting_agent"
	PhaseMarkDone Phase = "mark_done"
	PhaseFinalizing Phase = "finalizing"
	PhaseEnded Phase = "ended"
	PhaseError Phase = "error"
)

// Dispatcher is the narrow slice of the supervisor a scheduler needs, so
// autorun never imports the supervisor package directly.
type Dispatcher interface {
	Dispatch(ctx context.Context, sessionID, prompt string, images []string, targetTabID string) error
	Interrupt(sessionID string) error
}

// BatchRunState is the live, observable state of one Auto Run batch. It
// is published on the event bus after every transition and is never
// persisted across restart.
type BatchRunState struct {
	ID string
	SessionID string
	PlaybookID string
	TabID string
	Phase Phase
	DryRun bool

	Documents []string
	CurrentDocIndex int
	TotalTasks int
	CompletedTasks int
	DocTotals []int
	DocCompleted []int

	LoopEnabled bool
	LoopIteration int
	MaxLoops *int

	WorktreeBranch string

	AccumulatedElapsedMs int64
	LastActiveTimestamp time.Time
	StartTime time.Time

	LastError string

	stopping atomic.Bool
}

// RequestStop asks the run to stop at the next safe point: immediately
// if still Dispatching, or after the current task finishes naturally if
// AwaitingAgent.
func (b *BatchRunState) RequestStop() {
	b.stopping.Store(true)
}

func (b *BatchRunState) isStopping() bool {
	return b.stopping.Load()
}

func (b *BatchRunState) snapshot() BatchRunState {
	cp := *b
	cp.stopping = atomic.Bool{}
	return cp
}

// RunOptions configures one batch invocation.
type RunOptions struct {
	SessionID string
	TabID string
	Playbook *Playbook
	AutoRunFolder string
	DryRun bool
	NoHistory bool
}

// ErrPlaybookInvalid is returned when a playbook's documents cannot be
// read or parsed.
type ErrPlaybookInvalid struct{ Reason string }

func (e *ErrPlaybookInvalid) Error() string { return "invalid playbook: " + e.Reason }

// ErrSessionBusy is returned when Run is requested against a session
// that is not idle: a batch may only start against an idle session.
var ErrSessionBusy = fmt.Errorf("session is not idle")

// Scheduler drives playbooks through a session's dispatcher, reacting to
// the event bus rather than polling: on a WriteLocked dispatch it waits
// and retries on the next idle event instead of polling.
type Scheduler struct {
	sessions *session.Registry
	dispatcher Dispatcher
	bus eventbus.Bus
	history *history.Writer
	stats *StatsStore
	log *corelog.Logger

	onTransition func(BatchRunState)
}

// New creates a Scheduler.
func New(sessions *session.Registry, dispatcher Dispatcher, bus eventbus.Bus, hist *history.Writer, stats *StatsStore, log *corelog.Logger) *Scheduler {
	return &Scheduler{sessions: sessions, dispatcher: dispatcher, bus: bus, history: hist, stats: stats, log: log}
}

// OnTransition registers a callback invoked after every phase change,
// used by the gateway to fan batch progress out to connected clients.
func (s *Scheduler) OnTransition(fn func(BatchRunState)) {
	s.onTransition = fn
}

// Run executes a playbook to completion (or until stopped/aborted),
// returning the final state. It blocks; callers drive it from its own
// goroutine.
func (s *Scheduler) Run(ctx context.Context, opts RunOptions, state *BatchRunState) error {
	sess, err := s.sessions.Get(opts.SessionID)
	if err != nil {
		return err
	}
	t := sess.TabByID(opts.TabID)
	if t == nil {
		return &ErrPlaybookInvalid{Reason: "target tab not found"}
	}

	docContents := make(map[string]string, len(opts.Playbook.Documents))
	var totalTasks int
	docTotals := make([]int, len(opts.Playbook.Documents))
	for i, doc := range opts.Playbook.Documents {
		data, err := os.ReadFile(filepath.Join(opts.AutoRunFolder, doc))
		if err != nil {
			return &ErrPlaybookInvalid{Reason: fmt.Sprintf("read %s: %v", doc, err)}
		}
		content := string(data)
		docContents[doc] = content
		tasks := ParseDocument(doc, content, false)
		docTotals[i] = len(tasks)
		totalTasks += len(tasks)
	}
	// An empty playbook (no documents, or every task already checked) is
	// not an error: it transitions straight through to Ended with zero
	// dispatches.
	if !sess.Idle() {
		return ErrSessionBusy
	}

	stopRequested := state.isStopping()
	now := time.Now()
	*state = BatchRunState{
		ID: uuid.NewString(),
		SessionID: opts.SessionID,
		PlaybookID: opts.Playbook.ID,
		TabID: opts.TabID,
		Phase: PhasePreparing,
		DryRun: opts.DryRun,
		Documents: opts.Playbook.Documents,
		DocTotals: docTotals,
		DocCompleted: make([]int, len(opts.Playbook.Documents)),
		TotalTasks: totalTasks,
		LoopEnabled: opts.Playbook.LoopEnabled,
		MaxLoops: opts.Playbook.MaxLoops,
		StartTime: now,
		LastActiveTimestamp: now,
	}
	if stopRequested {
		state.RequestStop()
	}

	var wt *WorktreeManager
	var worktreeDir string
	if opts.Playbook.Worktree != nil && !opts.DryRun {
		wt = NewWorktreeManager(sess.WorkDir, s.log)
		branch := ExpandTemplate(opts.Playbook.Worktree.BranchTemplate, TemplateContext{
			AgentName: string(sess.AgentKind), LoopNumber: 1, Now: now,
		})
		worktreeDir = filepath.Join(filepath.Dir(sess.WorkDir), filepath.Base(sess.WorkDir)+"-"+branch)
		if err := wt.Create(ctx, worktreeDir, branch, opts.Playbook.Worktree.TargetBranch); err != nil {
			return fmt.Errorf("prepare worktree: %w", err)
		}
		state.WorktreeBranch = branch
		defer func() {
			if state.Phase == PhaseError || ctx.Err() != nil {
				wt.Remove(context.Background(), worktreeDir)
			}
		}()
	}

	loopIteration := 0
	for {
		loopIteration++
		state.LoopIteration = loopIteration

		if loopIteration > 1 {
			// Checkbox state on disk is the source of truth for each new
			// iteration: re-read every document so a task the user (or
			// their agent) re-checked-out between iterations is picked
			// back up, rather than replaying the in-memory state this
			// run started with.
			for _, doc := range opts.Playbook.Documents {
				if data, err := os.ReadFile(filepath.Join(opts.AutoRunFolder, doc)); err == nil {
					docContents[doc] = string(data)
				}
			}
		}

		for docIdx, doc := range opts.Playbook.Documents {
			state.CurrentDocIndex = docIdx
			content := docContents[doc]

			for {
				tasks := ParseDocument(doc, content, false)
				if len(tasks) == 0 {
					break
				}
				task := tasks[0]

				if state.isStopping() {
					return s.finalize(sess, opts, state, nil)
				}

				if err := s.awaitIdle(ctx, sess); err != nil {
					state.LastError = err.Error()
					return s.finalize(sess, opts, state, err)
				}

				prompt := ExpandTemplate(task.Text, TemplateContext{
					AgentName: string(sess.AgentKind),
					AgentSessionID: t.UpstreamSessionID,
					LoopNumber: loopIteration,
					DocumentName: doc,
					Now: time.Now(),
				})

				if opts.DryRun {
					state.CompletedTasks++
					state.DocCompleted[docIdx]++
					if updated, ok := MarkLineDone(content, task.LineNo, task.Text); ok {
						content = updated
					} else if updated, ok := MarkTaskDoneByText(content, task.Text); ok {
						content = updated
					}
					docContents[doc] = content
					continue
				}

				s.transition(state, PhaseDispatching)
				if state.isStopping() {
					return s.finalize(sess, opts, state, nil)
				}

				if dispatchErr := s.dispatchWithRetry(ctx, state, opts.SessionID, prompt, opts.TabID); dispatchErr != nil {
					state.LastError = dispatchErr.Error()
					return s.finalize(sess, opts, state, dispatchErr)
				}

				s.transition(state, PhaseMarkDone)
				updated, ok := MarkLineDone(content, task.LineNo, task.Text)
				if !ok {
					updated, ok = MarkTaskDoneByText(content, task.Text)
					if !ok && s.log != nil {
						s.log.Warn("task text drifted past recovery, proceeding without marking done")
						updated = content
					}
				}
				content = updated
				docContents[doc] = content
				if err := os.WriteFile(filepath.Join(opts.AutoRunFolder, doc), []byte(content), 0o644); err != nil && s.log != nil {
					s.log.WithError(err).Warn("failed to persist marked document")
				}

				state.CompletedTasks++
				state.DocCompleted[docIdx]++
				state.LastActiveTimestamp = time.Now()
			}
		}

		if !opts.Playbook.LoopEnabled {
			break
		}
		if opts.Playbook.MaxLoops != nil && loopIteration >= *opts.Playbook.MaxLoops {
			break
		}
		if state.isStopping() {
			break
		}
		// Checkbox state on disk is the source of truth for the next
		// iteration; a document with no unchecked tasks left simply
		// yields none on the next ParseDocument pass unless re-edited.
	}

	if wt != nil && state.CompletedTasks > 0 {
		s.finishWorktree(ctx, wt, worktreeDir, opts, state)
	}

	return s.finalize(sess, opts, state, nil)
}

// finishWorktree pushes the run's branch and, if the playbook requested
// it, opens a pull request targeted at the configured branch. Failures
// are logged, never fatal to the batch: the branch is left in place for
// the user per §4.4's worktree-cleanup note.
func (s *Scheduler) finishWorktree(ctx context.Context, wt *WorktreeManager, worktreeDir string, opts RunOptions, state *BatchRunState) {
	if !wt.HasChanges(ctx, worktreeDir) {
		return
	}
	if err := wt.Push(ctx, worktreeDir, state.WorktreeBranch); err != nil {
		if s.log != nil {
			s.log.WithError(err).Warn("failed to push worktree branch")
		}
		return
	}
	if !opts.Playbook.Worktree.CreatePR {
		return
	}
	title := fmt.Sprintf("Auto Run: %s", opts.Playbook.DisplayName)
	body := fmt.Sprintf("Completed %d/%d tasks via Auto Run.", state.CompletedTasks, state.TotalTasks)
	if _, err := wt.CreatePR(ctx, worktreeDir, state.WorktreeBranch, opts.Playbook.Worktree.TargetBranch, title, body); err != nil && s.log != nil {
		s.log.WithError(err).Warn("failed to open pull request for worktree branch")
	}
}

// awaitIdle blocks until the session has no busy tab, woken by the next
// idle state-change event rather than polling.
func (s *Scheduler) awaitIdle(ctx context.Context, sess *session.Session) error {
	if sess.Idle() {
		return nil
	}
	if s.bus == nil {
		return fmt.Errorf("session busy and no event bus to await idle on")
	}

	idle := make(chan struct{}, 1)
	sub, err := s.bus.Subscribe("session."+sess.ID+".state", func(_ context.Context, ev *eventbus.Event) error {
		if st, _ := ev.Data["state"].(string); st == "idle" {
			select {
			case idle <- struct{}{}:
			default:
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	for !sess.Idle() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle:
		}
	}
	return nil
}

// dispatchWithRetry dispatches a task and waits for its completion
// signal, retrying once if the agent reported a recoverable error
//.
func (s *Scheduler) dispatchWithRetry(ctx context.Context, state *BatchRunState, sessionID, prompt, tabID string) error {
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 1)

	op := func() error {
		for {
			err := s.dispatcher.Dispatch(ctx, sessionID, prompt, nil, tabID)
			if err == nil {
				break
			}
			// Refused because a tab is busy (write lock): wait for the
			// next idle event and dispatch again.
			sess, gerr := s.sessions.Get(sessionID)
			if gerr != nil || !sess.AnyBusy() {
				return backoff.Permanent(err)
			}
			if werr := s.awaitIdle(ctx, sess); werr != nil {
				return backoff.Permanent(werr)
			}
		}
		s.transition(state, PhaseAwaitingAgent)
		outcome, err := s.awaitCompletion(ctx, sessionID, tabID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if outcome.errMsg == "" {
			return nil
		}
		if outcome.recoverable {
			return fmt.Errorf("agent error: %s", outcome.errMsg)
		}
		return backoff.Permanent(fmt.Errorf("agent error: %s", outcome.errMsg))
	}

	return backoff.Retry(op, policy)
}

type completionOutcome struct {
	recoverable bool
	errMsg string
}

// awaitCompletion blocks until the dispatched tab reports idle (prompt
// complete) or error, again via the event bus rather than polling.
func (s *Scheduler) awaitCompletion(ctx context.Context, sessionID, tabID string) (completionOutcome, error) {
	if s.bus == nil {
		return completionOutcome{}, fmt.Errorf("no event bus to await completion on")
	}

	result := make(chan completionOutcome, 1)
	sub, err := s.bus.Subscribe("session."+sessionID+".state", func(_ context.Context, ev *eventbus.Event) error {
		id, _ := ev.Data["tabId"].(string)
		if id != tabID {
			return nil
		}
		switch st, _ := ev.Data["state"].(string); st {
		case "idle":
			errMsg, _ := ev.Data["error"].(string)
			recoverable, _ := ev.Data["recoverable"].(bool)
			select {
			case result <- completionOutcome{recoverable: recoverable && errMsg != "", errMsg: errMsg}:
			default:
			}
		case "error":
			errMsg, _ := ev.Data["error"].(string)
			recoverable, _ := ev.Data["recoverable"].(bool)
			select {
			case result <- completionOutcome{recoverable: recoverable, errMsg: errMsg}:
			default:
			}
		}
		return nil
	})
	if err != nil {
		return completionOutcome{}, err
	}
	defer sub.Unsubscribe()

	select {
	case <-ctx.Done():
		return completionOutcome{}, ctx.Err()
	case out := <-result:
		return out, nil
	}
}

func (s *Scheduler) transition(state *BatchRunState, phase Phase) {
	state.Phase = phase
	if s.onTransition != nil {
		s.onTransition(state.snapshot())
	}
	if s.bus != nil {
		_ = s.bus.Publish(context.Background(), "autorun."+state.ID+".state", eventbus.NewEvent(eventbus.TypeAutoRunStateChange, state.SessionID, map[string]interface{}{
			"batchId": state.ID,
			"phase": string(phase),
			"completedTasks": state.CompletedTasks,
			"totalTasks": state.TotalTasks,
		}))
	}
}

func (s *Scheduler) finalize(sess *session.Session, opts RunOptions, state *BatchRunState, runErr error) error {
	s.transition(state, PhaseFinalizing)

	elapsed := time.Since(state.StartTime)
	state.AccumulatedElapsedMs += elapsed.Milliseconds()

	if !opts.NoHistory && s.history != nil {
		summary := fmt.Sprintf("Auto Run %q completed %d/%d tasks", opts.Playbook.DisplayName, state.CompletedTasks, state.TotalTasks)
		if runErr != nil {
			summary = fmt.Sprintf("Auto Run %q stopped after %d/%d tasks: %v", opts.Playbook.DisplayName, state.CompletedTasks, state.TotalTasks, runErr)
		}
		s.history.Append(history.Entry{
			Type: history.TypeAuto,
			Summary: summary,
			WorkspacePath: sess.WorkDir,
			SessionID: sess.ID,
		})
	}

	if s.stats != nil {
		stats := s.stats.Load()
		stats.RecordRun(elapsed)
		if err := s.stats.Save(stats); err != nil && s.log != nil {
			s.log.WithError(err).Warn("failed to persist autorun stats")
		}
	}

	if runErr == nil {
		s.transition(state, PhaseEnded)
	} else {
		s.transition(state, PhaseError)
	}
	return runErr
}

// Manager owns the set of currently running batches, one per session
// (a session may have at most one active batch, mirroring the
// write-mode lock's one-busy-tab invariant).
type Manager struct {
	mu sync.Mutex
	scheduler *Scheduler
	running map[string]*BatchRunState // sessionID -> state
}

// NewManager creates a Manager around a Scheduler.
func NewManager(scheduler *Scheduler) *Manager {
	return &Manager{scheduler: scheduler, running: make(map[string]*BatchRunState)}
}

// Start launches a batch run in a background goroutine, returning its
// live state immediately so callers can observe progress.
func (m *Manager) Start(ctx context.Context, opts RunOptions) (*BatchRunState, error) {
	m.mu.Lock()
	if _, ok := m.running[opts.SessionID]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("a batch is already running for this session")
	}
	state := &BatchRunState{}
	m.running[opts.SessionID] = state
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.running, opts.SessionID)
			m.mu.Unlock()
		}()
		_ = m.scheduler.Run(ctx, opts, state)
	}()

	return state, nil
}

// Stop requests a graceful stop of the session's running batch, if any.
func (m *Manager) Stop(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.running[sessionID]
	if !ok {
		return false
	}
	state.RequestStop()
	return true
}

// Get returns the live state of a session's running batch, if any.
func (m *Manager) Get(sessionID string) (*BatchRunState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.running[sessionID]
	return state, ok
}
