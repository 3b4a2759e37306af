// Package supervisor implements the agent process supervisor: it spawns
// each session's child agent CLI in a pseudo-terminal, streams and
// parses its output, maps events to tab state transitions, and handles
// interrupts and exit.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/maestro/engine/internal/agent"
	"github.com/maestro/engine/internal/corelog"
	"github.com/maestro/engine/internal/eventbus"
	"github.com/maestro/engine/internal/session"
	"github.com/maestro/engine/internal/tab"
)

// MaxConcurrentSpawns bounds how many agent child processes the supervisor
// will exec() at once across all sessions, so a cold start that reconciles
// many sessions at once (or a burst of queued auto-dispatches) does not
// fork-bomb the host. Spawning itself, exec.Command plus PTY allocation,
// is the only step gated by spawnSem; already-running children stream
// independently once started.
const MaxConcurrentSpawns = 8

// child is the live state of one session's agent process.
type child struct {
	sessionID string
	adapter agent.Adapter
	parser agent.Parser
	cmd *exec.Cmd
	pty PtyHandle

	mu sync.Mutex
	dispatchedTo string // tab id currently dispatched, "" if none
	interrupted bool
}

// Supervisor owns every live child agent process, at most one per
// session.
type Supervisor struct {
	mu sync.Mutex
	children map[string]*child
	adapters *agent.Registry
	sessions *session.Registry
	bus eventbus.Bus
	log *corelog.Logger
	searchPath string
	spawnSem *semaphore.Weighted
}

// New creates a Supervisor.
func New(adapters *agent.Registry, sessions *session.Registry, bus eventbus.Bus, log *corelog.Logger, searchPath string) *Supervisor {
	return &Supervisor{
		children: make(map[string]*child),
		adapters: adapters,
		sessions: sessions,
		bus: bus,
		log: log,
		searchPath: searchPath,
		spawnSem: semaphore.NewWeighted(MaxConcurrentSpawns),
	}
}

// Dispatch starts or continues a conversation. It enforces the
// write-mode lock: the target tab must be idle, and no other tab in the
// session may be busy.
func (s *Supervisor) Dispatch(ctx context.Context, sessionID, prompt string, images []string, targetTabID string) error {
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return ErrSessionNotFound
	}

	t := sess.TabByID(targetTabID)
	if t == nil {
		return ErrSessionNotFound
	}
	if t.State == tab.StateBusy {
		return ErrTabBusy
	}
	if sess.AnyBusy() {
		return ErrWriteLocked
	}

	adapter, err := s.adapters.Get(sess.AgentKind)
	if err != nil {
		return err
	}

	c, err := s.ensureChild(sess, adapter, t)
	if err != nil {
		return err
	}

	if _, err := c.pty.Write([]byte(prompt + "\n")); err != nil {
		return fmt.Errorf("write prompt: %w", err)
	}

	now := time.Now()
	t.AppendEntry(tab.SourceUser, prompt, now)
	t.MarkBusy(now)
	c.mu.Lock()
	c.dispatchedTo = t.ID
	c.mu.Unlock()

	s.publish(sessionID, eventbus.TypeSessionStateChange, map[string]interface{}{"tabId": t.ID, "state": string(tab.StateBusy)})
	return nil
}

// ensureChild returns the session's existing child process, or spawns
// one (fresh or resumed depending on the tab's upstream binding).
func (s *Supervisor) ensureChild(sess *session.Session, adapter agent.Adapter, t *tab.Tab) (*child, error) {
	s.mu.Lock()
	c, ok := s.children[sess.ID]
	s.mu.Unlock()
	if ok {
		return c, nil
	}

	executable, err := adapter.Resolve(s.searchPath)
	if err != nil {
		return nil, ErrAgentNotFound
	}

	var spec agent.SpawnSpec
	if t.UpstreamSessionID != "" {
		spec = adapter.BuildResume(executable, t.UpstreamSessionID, nil)
	} else {
		spec = adapter.BuildSpawn(executable, nil)
	}

	cmd := exec.Command(spec.Executable, spec.Args...)
	cmd.Dir = sess.WorkDir
	cmd.Env = mergeEnv(os.Environ(), spec.Env)

	if err := s.spawnSem.Acquire(context.Background(), 1); err != nil {
		return nil, fmt.Errorf("acquire spawn slot: %w", err)
	}
	pty, err := startPTY(cmd)
	s.spawnSem.Release(1)
	if err != nil {
		return nil, fmt.Errorf("spawn agent process: %w", err)
	}

	c = &child{
		sessionID: sess.ID,
		adapter: adapter,
		parser: adapter.NewParser(),
		cmd: cmd,
		pty: pty,
	}

	s.mu.Lock()
	s.children[sess.ID] = c
	s.mu.Unlock()

	go s.stream(sess, c)

	return c, nil
}

func mergeEnv(base []string, extra map[string]string) []string {
	out := append([]string{}, base...)
	for k, v := range extra {
		out = append(out, k+"="+v)
	}
	return out
}

// stream reads the child's combined stdout (the PTY multiplexes
// stdout/stderr into one stream; "stdout" is therefore the only source a
// real PTY child reports) and dispatches parsed events until the process
// exits.
func (s *Supervisor) stream(sess *session.Session, c *child) {
	reader := bufio.NewReaderSize(c.pty, 64*1024)
	buf := make([]byte, 4096)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			events := c.parser.Feed("stdout", buf[:n])
			s.applyEvents(sess, c, events)
		}
		if err != nil {
			break
		}
	}

	final := c.parser.Flush()
	s.applyEvents(sess, c, final)

	exitCode, _ := waitChild(c.cmd)
	s.onExit(sess, c, exitCode)
}

func (s *Supervisor) applyEvents(sess *session.Session, c *child, events []agent.Event) {
	for _, ev := range events {
		c.mu.Lock()
		targetID := c.dispatchedTo
		c.mu.Unlock()

		t := sess.TabByID(targetID)
		now := time.Now()

		switch ev.Kind {
		case agent.EventResponseToken:
			if t != nil {
				t.AppendStdout(ev.Text, now)
			}
		case agent.EventRawOutput:
			if t != nil {
				t.AppendStdout(ev.Text, now)
			}
		case agent.EventToolUse:
			if t != nil {
				t.AppendEntry(tab.SourceSystem, ev.ToolName, now)
			}
		case agent.EventUsageUpdate:
			if t != nil && ev.Usage != nil {
				t.Usage = tab.Usage{
					InputTokens: ev.Usage.InputTokens,
					OutputTokens: ev.Usage.OutputTokens,
					CostUSD: ev.Usage.CostUSD,
					ContextUsed: ev.Usage.ContextUsed,
					ContextLimit: ev.Usage.ContextLimit,
					UpdatedAt: now,
				}
			}
		case agent.EventAgentSessionIDAssigned:
			if t != nil {
				t.UpstreamSessionID = ev.UpstreamSessionID
			}
		case agent.EventPromptComplete:
			s.onPromptComplete(sess, c, t)
		case agent.EventAgentError:
			if t != nil {
				t.MarkError(ev.ErrorKind, ev.ErrorMsg, ev.Recoverable, now)
			}
			s.clearDispatch(c)
			s.publish(sess.ID, eventbus.TypeSessionStateChange, map[string]interface{}{
				"tabId": targetID, "state": string(tab.StateError), "error": ev.ErrorMsg, "recoverable": ev.Recoverable,
			})
		}
	}
}

// onPromptComplete finalizes the tab and auto-dispatches the next queue
// item if it targets this same tab.
func (s *Supervisor) onPromptComplete(sess *session.Session, c *child, t *tab.Tab) {
	if t != nil {
		t.MarkIdle()
	}
	s.clearDispatch(c)
	s.publish(sess.ID, eventbus.TypeSessionStateChange, map[string]interface{}{"tabId": t.ID, "state": string(tab.StateIdle)})

	if head, ok := sess.PeekQueueHead(); ok && t != nil && head.TargetTab == t.ID {
		sess.PopQueueHead()
		go func() {
			_ = s.Dispatch(context.Background(), sess.ID, head.Text, head.Images, head.TargetTab)
		}()
	}
}

func (s *Supervisor) clearDispatch(c *child) {
	c.mu.Lock()
	c.dispatchedTo = ""
	c.mu.Unlock()
}

// Interrupt sends the agent's documented interrupt signal and escalates
// to SIGTERM then SIGKILL if it does not respond within InterruptGrace.
// The execution queue is left queued, not auto-dispatched.
func (s *Supervisor) Interrupt(sessionID string) error {
	s.mu.Lock()
	c, ok := s.children[sessionID]
	s.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.interrupted = true
	targetID := c.dispatchedTo
	c.mu.Unlock()

	if c.cmd.Process == nil {
		return nil
	}

	switch c.adapter.InterruptSignal() {
	case agent.SignalTerminate:
		_ = sendTerminate(c.cmd.Process)
	default:
		_ = sendInterrupt(c.cmd.Process)
	}

	go s.escalateIfUnresponsive(sess, c, targetID)
	return nil
}

func (s *Supervisor) escalateIfUnresponsive(sess *session.Session, c *child, targetID string) {
	timer := time.NewTimer(InterruptGrace)
	defer timer.Stop()
	<-timer.C

	c.mu.Lock()
	stillDispatched := c.dispatchedTo == targetID && targetID != ""
	c.mu.Unlock()
	if !stillDispatched {
		return
	}

	if c.cmd.Process != nil {
		_ = sendTerminate(c.cmd.Process)
		time.Sleep(2 * time.Second)
		_ = sendKill(c.cmd.Process)
	}

	t := sess.TabByID(targetID)
	now := time.Now()
	if t != nil {
		t.MarkError("Interrupted", "agent did not respond to interrupt", true, now)
		t.MarkIdle()
	}
	s.clearDispatch(c)
	s.publish(sess.ID, eventbus.TypeSessionStateChange, map[string]interface{}{
		"tabId": targetID, "state": string(tab.StateIdle), "error": "Interrupted",
	})
}

// onExit clears the session's child handle (next dispatch re-spawns) and,
// if any tab is still busy, transitions it to idle with an AgentError
// when the exit was non-zero.
func (s *Supervisor) onExit(sess *session.Session, c *child, exitCode int) {
	s.mu.Lock()
	delete(s.children, sess.ID)
	s.mu.Unlock()

	c.mu.Lock()
	targetID := c.dispatchedTo
	c.mu.Unlock()
	if targetID == "" {
		return
	}

	t := sess.TabByID(targetID)
	if t == nil {
		return
	}

	now := time.Now()
	payload := map[string]interface{}{"tabId": targetID, "state": string(tab.StateIdle)}
	if exitCode != 0 {
		t.MarkError("ProcessExited", fmt.Sprintf("agent process exited with code %d", exitCode), false, now)
		payload["error"] = t.LastError.Message
		payload["recoverable"] = false
	}
	t.MarkIdle()
	s.clearDispatch(c)
	s.publish(sess.ID, eventbus.TypeSessionStateChange, payload)
}

func (s *Supervisor) publish(sessionID, eventType string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	ev := eventbus.NewEvent(eventType, sessionID, data)
	if err := s.bus.Publish(context.Background(), "session."+sessionID+".state", ev); err != nil && s.log != nil {
		s.log.Warn("publish supervisor event failed", zap.Error(err))
	}
}

// waitChild waits for the process to exit and reports its exit code as
// exec.ExitError.ExitCode gives it (-1 for a process ended by a signal),
// or 1 when Wait fails for another reason.
func waitChild(cmd *exec.Cmd) (exitCode int, err error) {
	werr := cmd.Wait()
	if werr == nil {
		return 0, nil
	}
	if exitErr, ok := werr.(*exec.ExitError); ok {
		return exitErr.ExitCode(), werr
	}
	return 1, werr
}
