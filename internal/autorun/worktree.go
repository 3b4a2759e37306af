package autorun

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/maestro/engine/internal/corelog"
)

// WorktreeManager creates and tears down an isolated git worktree for a
// batch run, and optionally opens a pull request on completion. It
// shells out to the git and gh CLIs rather than a library.
type WorktreeManager struct {
	repoDir string
	log *corelog.Logger
}

// NewWorktreeManager creates a WorktreeManager rooted at a session's
// working directory.
func NewWorktreeManager(repoDir string, log *corelog.Logger) *WorktreeManager {
	return &WorktreeManager{repoDir: repoDir, log: log}
}

func (w *WorktreeManager) run(ctx context.Context, dir string, args...string) (string, error) {
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	out := stdout.String()
	if stderr.Len() > 0 {
		if out != "" {
			out += "\n"
		}
		out += stderr.String()
	}
	if err != nil {
		return out, fmt.Errorf("%s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// Create adds a new worktree at worktreeDir on a freshly branched ref
// (per branchName), based on baseBranch (empty meaning the repo's
// current HEAD). It is the caller's responsibility to pick a branch
// name (the scheduler expands WorktreeSettings.BranchTemplate first).
func (w *WorktreeManager) Create(ctx context.Context, worktreeDir, branchName, baseBranch string) error {
	args := []string{"git", "worktree", "add", "-b", branchName, worktreeDir}
	if baseBranch != "" {
		args = append(args, baseBranch)
	}
	if _, err := w.run(ctx, w.repoDir, args...); err != nil {
		return fmt.Errorf("create worktree: %w", err)
	}
	return nil
}

// Remove tears down a worktree best-effort; errors are logged, never
// returned, so an abort never gets stuck behind a cleanup failure.
func (w *WorktreeManager) Remove(ctx context.Context, worktreeDir string) {
	if _, err := w.run(ctx, w.repoDir, "git", "worktree", "remove", "--force", worktreeDir); err != nil {
		if w.log != nil {
			w.log.WithError(err).Warn("worktree cleanup failed", zap.String("dir", worktreeDir))
		}
		_ = os.RemoveAll(worktreeDir)
	}
}

// Push pushes the worktree's branch to origin.
func (w *WorktreeManager) Push(ctx context.Context, worktreeDir, branchName string) error {
	if _, err := w.run(ctx, worktreeDir, "git", "push", "-u", "origin", branchName); err != nil {
		return fmt.Errorf("push branch: %w", err)
	}
	return nil
}

// HasChanges reports whether the worktree has uncommitted or committed
// changes relative to its base, used to decide whether to skip PR
// creation on a no-op run.
func (w *WorktreeManager) HasChanges(ctx context.Context, worktreeDir string) bool {
	out, err := w.run(ctx, worktreeDir, "git", "status", "--porcelain")
	if err == nil && strings.TrimSpace(out) != "" {
		return true
	}
	// Committed changes: commits on HEAD that no other branch contains.
	branch, err := w.run(ctx, worktreeDir, "git", "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return false
	}
	out, err = w.run(ctx, worktreeDir, "git", "log", "--oneline", "HEAD", "--not",
		"--exclude="+strings.TrimSpace(branch), "--branches", "--remotes")
	return err == nil && strings.TrimSpace(out) != ""
}

// CreatePR opens a pull request for the worktree's branch via the gh CLI.
func (w *WorktreeManager) CreatePR(ctx context.Context, worktreeDir, branch, baseBranch, title, body string) (string, error) {
	args := []string{"gh", "pr", "create", "--title", title, "--body", body, "--head", branch}
	cleanBase := strings.TrimPrefix(baseBranch, "origin/")
	if cleanBase != "" {
		args = append(args, "--base", cleanBase)
	}
	out, err := w.run(ctx, worktreeDir, args...)
	if err != nil {
		return out, fmt.Errorf("create pr: %w", err)
	}
	return strings.TrimSpace(out), nil
}
