package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/maestro/engine/internal/agent"
	"github.com/maestro/engine/internal/agent/adapters/claudecode"
	"github.com/maestro/engine/internal/agent/adapters/codex"
	"github.com/maestro/engine/internal/autorun"
	"github.com/maestro/engine/internal/coreconfig"
	"github.com/maestro/engine/internal/corelog"
	"github.com/maestro/engine/internal/eventbus"
	"github.com/maestro/engine/internal/history"
	"github.com/maestro/engine/internal/session"
	"github.com/maestro/engine/internal/supervisor"
)

// Exit codes: 0 success, 1 generic failure, 2 playbook not found, 3
// agent CLI not found, 4 agent busy without --wait, 5 no Auto Run folder
// configured, 6 unsupported agent kind.
const (
	exitOK = 0
	exitGenericFailure = 1
	exitPlaybookNotFound = 2
	exitAgentNotFound = 3
	exitAgentBusy = 4
	exitNoAutoRunFolder = 5
	exitUnsupportedAgent = 6
)

// exitCodeError carries a specific exit code to main without cobra
// printing its own "Error:" wrapper for expected, documented outcomes.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string { return e.err.Error() }
func (e *exitCodeError) Unwrap() error { return e.err }

// ExitCode extracts the process exit code from an error returned by
// Execute, defaulting to exitGenericFailure for anything unrecognized.
func ExitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ec *exitCodeError
	if errors.As(err, &ec) {
		return ec.code
	}
	return exitGenericFailure
}

var runCmd = &cobra.Command{
	Use: "run <playbook-id>",
	Short: "Run a playbook's Auto Run batch to completion",
	Args: cobra.ExactArgs(1),
	RunE: runPlaybook,
}

func init() {
	runCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "plan only, no dispatch")
	runCmd.Flags().BoolVar(&flagNoHistory, "no-history", false, "suppress history writes")
	runCmd.Flags().BoolVar(&flagJSON, "json", false, "emit one JSON object per scheduler event on stdout")
	runCmd.Flags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	runCmd.Flags().BoolVar(&flagVerbose, "verbose", false, "enable verbose logging")
	runCmd.Flags().BoolVar(&flagWait, "wait", false, "if the target session is busy, poll until it is free instead of failing")
}

// jsonEvent is one line of the --json machine-readable stream: one JSON
// object per line on stdout.
type jsonEvent struct {
	Type           string `json:"type"`
	Code           int    `json:"code,omitempty"`
	Message        string `json:"message,omitempty"`
	Phase          string `json:"phase,omitempty"`
	CompletedTasks int    `json:"completedTasks,omitempty"`
	TotalTasks     int    `json:"totalTasks,omitempty"`
	DocumentIndex  int    `json:"documentIndex,omitempty"`
	LoopIteration  int    `json:"loopIteration,omitempty"`
}

func emitJSON(v jsonEvent) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Println(string(data))
}

func runPlaybook(cmd *cobra.Command, args []string) error {
	playbookID := args[0]

	logLevel := "info"
	switch {
	case flagDebug:
		logLevel = "debug"
	case flagVerbose:
		logLevel = "info"
	}
	logFormat := "console"
	logOutput := "stderr" // stdout is reserved for --json event lines
	if !flagJSON {
		logOutput = "stdout"
	}
	log, err := corelog.New(corelog.Config{Level: logLevel, Format: logFormat, OutputPath: logOutput})
	if err != nil {
		return fail(fmt.Errorf("initialize logger: %w", err))
	}
	defer log.Sync()

	cfg, err := coreconfig.Load()
	if err != nil {
		return fail(fmt.Errorf("load configuration: %w", err))
	}

	agents := agent.NewRegistry()
	agents.Register(claudecode.New())
	agents.Register(codex.New())

	sessions := session.NewRegistry(cfg.ConfigDir, agents, log)
	if err := sessions.Load(); err != nil {
		return fail(fmt.Errorf("load sessions: %w", err))
	}

	sess, pb, err := findPlaybook(sessions, cfg.ConfigDir, playbookID)
	if err != nil {
		return notFound(err)
	}

	if sess.AutoRun.PlaybookFolder == "" {
		return folderMissing(fmt.Errorf("session %s has no Auto Run folder configured", sess.ID))
	}
	autoRunFolder := sess.AutoRun.PlaybookFolder
	if !filepath.IsAbs(autoRunFolder) {
		autoRunFolder = filepath.Join(sess.WorkDir, autoRunFolder)
	}

	if !agents.Exists(sess.AgentKind) {
		return unsupportedAgent(fmt.Errorf("agent kind %q is not registered", sess.AgentKind))
	}
	adapter, err := agents.Get(sess.AgentKind)
	if err != nil {
		return unsupportedAgent(err)
	}
	if _, err := adapter.Resolve(cfg.Agent.SearchPath); err != nil {
		return agentNotFound(fmt.Errorf("resolve %s executable: %w", sess.AgentKind, err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("received interrupt, stopping run")
		cancel()
	}()

	liveness := autorun.NewLivenessStore(cfg.ConfigDir)
	if err := awaitFree(ctx, sessions, liveness, sess.ID, log); err != nil {
		if errors.Is(err, errSessionBusyNoWait) {
			return busy(err)
		}
		return fail(err)
	}

	_ = liveness.Advertise(autorun.ActivityRecord{
		SessionID: sess.ID,
		PlaybookName: pb.DisplayName,
		PID: os.Getpid(),
		StartedAt: time.Now(),
	})
	defer liveness.Clear(sess.ID)

	bus := eventbus.NewMemoryBus(log)
	sup := supervisor.New(agents, sessions, bus, log, cfg.Agent.SearchPath)

	var hist *history.Writer
	if !flagNoHistory {
		hist = history.NewWriter(cfg.ConfigDir, log)
	}
	stats := autorun.NewStatsStore(cfg.ConfigDir)

	sched := autorun.New(sessions, sup, bus, hist, stats, log)
	if flagJSON {
		sched.OnTransition(func(st autorun.BatchRunState) {
			emitJSON(jsonEvent{
				Type: "phase",
				Phase: string(st.Phase),
				CompletedTasks: st.CompletedTasks,
				TotalTasks: st.TotalTasks,
				DocumentIndex: st.CurrentDocIndex,
				LoopIteration: st.LoopIteration,
			})
		})
	} else {
		sched.OnTransition(func(st autorun.BatchRunState) {
			log.Info("batch transition", zap.String("phase", string(st.Phase)),
				zap.Int("completedTasks", st.CompletedTasks), zap.Int("totalTasks", st.TotalTasks))
		})
	}

	opts := autorun.RunOptions{
		SessionID: sess.ID,
		TabID: sess.ActiveTabID,
		Playbook: pb,
		AutoRunFolder: autoRunFolder,
		DryRun: flagDryRun,
		NoHistory: flagNoHistory,
	}

	state := &autorun.BatchRunState{}
	runErr := sched.Run(ctx, opts, state)

	if runErr != nil {
		if flagJSON {
			emitJSON(jsonEvent{Type: "error", Code: exitGenericFailure, Message: runErr.Error()})
		}
		return fail(runErr)
	}

	if flagJSON {
		emitJSON(jsonEvent{Type: "done", Phase: string(state.Phase), CompletedTasks: state.CompletedTasks, TotalTasks: state.TotalTasks})
	} else {
		log.Info("run complete", zap.Int("completedTasks", state.CompletedTasks), zap.Int("totalTasks", state.TotalTasks))
	}
	return nil
}

// findPlaybook locates a playbook by id across every session's playbook
// store, since a playbook id alone does not name its owning session: a
// playbook is scoped per-session, but the CLI surface only names the id.
func findPlaybook(sessions *session.Registry, configDir, playbookID string) (*session.Session, *autorun.Playbook, error) {
	store := autorun.NewStore(configDir)
	for _, sess := range sessions.List() {
		playbooks, err := store.Load(sess.ID)
		if err != nil {
			continue
		}
		for _, pb := range playbooks {
			if pb.ID == playbookID {
				return sess, pb, nil
			}
		}
	}
	return nil, nil, fmt.Errorf("playbook %q not found", playbookID)
}

var errSessionBusyNoWait = errors.New("session busy")

// awaitFree blocks until the target session is idle, either returning
// immediately (erroring if busy and --wait was not given) or polling the
// liveness file and the sessions file every autorun.CLIWaitPollInterval.
func awaitFree(ctx context.Context, sessions *session.Registry, liveness *autorun.LivenessStore, sessionID string, log *corelog.Logger) error {
	busy := func() (bool, string) {
		if err := sessions.Load(); err != nil {
			log.Warn("failed to reload sessions while checking busyness", zap.Error(err))
		}
		sess, err := sessions.Get(sessionID)
		if err != nil {
			return false, ""
		}
		if !sess.Idle() {
			return true, "session has a busy tab or pending queue"
		}
		if rec, ok := liveness.IsBusy(sessionID); ok {
			return true, fmt.Sprintf("another run %q (pid %d) holds this session", rec.PlaybookName, rec.PID)
		}
		return false, ""
	}

	isBusy, reason := busy()
	if !isBusy {
		return nil
	}
	if !flagWait {
		return fmt.Errorf("%w: %s", errSessionBusyNoWait, reason)
	}

	lastReason := reason
	log.Info("session busy, waiting", zap.String("reason", reason))
	ticker := time.NewTicker(autorun.CLIWaitPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			stillBusy, reason := busy()
			if !stillBusy {
				return nil
			}
			if reason != lastReason {
				log.Info("still waiting", zap.String("reason", reason))
				lastReason = reason
			}
		}
	}
}

func fail(err error) error { return &exitCodeError{code: exitGenericFailure, err: err} }
func notFound(err error) error { return &exitCodeError{code: exitPlaybookNotFound, err: err} }
func agentNotFound(err error) error { return &exitCodeError{code: exitAgentNotFound, err: err} }
func busy(err error) error { return &exitCodeError{code: exitAgentBusy, err: err} }
func folderMissing(err error) error { return &exitCodeError{code: exitNoAutoRunFolder, err: err} }
func unsupportedAgent(err error) error { return &exitCodeError{code: exitUnsupportedAgent, err: err} }
