// Copyright (C) 2026 Overseer
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package gitops manages cached base clones, per-work-order git worktrees,
// and read-only repository inspection.
package gitops

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/overseerhq/overseer/internal/logger"
	"github.com/overseerhq/overseer/internal/workorder"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetGitLogger().With().Str("component", "worktree").Logger()
		log = &l
	})
	return log
}

// SetupError wraps a git failure during sandbox preparation.
type SetupError struct {
	Op  string
	Err error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("sandbox setup failed during %s: %v", e.Op, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// Worktrees manages the two-tier layout under TempBase:
// repos/<repo_hash>/main for cached base clones and
// repos/<repo_hash>/trees/<work_order_id> for per-work-order worktrees.
type Worktrees struct {
	TempBase   string
	BaseBranch string
}

// NewWorktrees creates a manager rooted at tempBase. baseBranch defaults to main.
func NewWorktrees(tempBase, baseBranch string) *Worktrees {
	if baseBranch == "" {
		baseBranch = "main"
	}
	return &Worktrees{TempBase: tempBase, BaseBranch: baseBranch}
}

// BaseRepoPath returns the cached clone directory for a repository URL.
func (w *Worktrees) BaseRepoPath(repositoryURL string) string {
	return filepath.Join(w.TempBase, "repos", workorder.RepoHash(repositoryURL), "main")
}

// WorktreePath returns the worktree directory for a work order.
func (w *Worktrees) WorktreePath(repositoryURL, workOrderID string) string {
	return filepath.Join(w.TempBase, "repos", workorder.RepoHash(repositoryURL), "trees", workOrderID)
}

// EnsureBaseRepository makes sure the cached clone for a URL exists and is
// reasonably fresh. A fetch failure on an existing clone is logged but not
// fatal; a clone failure is.
func (w *Worktrees) EnsureBaseRepository(ctx context.Context, repositoryURL string) (string, error) {
	basePath := w.BaseRepoPath(repositoryURL)

	if _, err := os.Stat(filepath.Join(basePath, ".git")); err == nil {
		if _, err := runGit(ctx, basePath, "fetch", "origin"); err != nil {
			getLog().Warn().Err(err).Str("repository_url", repositoryURL).Msg("base_repository_fetch_failed")
		}
		return basePath, nil
	}

	if err := os.MkdirAll(filepath.Dir(basePath), 0755); err != nil {
		return "", &SetupError{Op: "base clone", Err: err}
	}

	getLog().Info().Str("repository_url", repositoryURL).Str("path", basePath).Msg("base_repository_cloning")
	if out, err := runGit(ctx, filepath.Dir(basePath), "clone", repositoryURL, "main"); err != nil {
		return "", &SetupError{Op: "base clone", Err: fmt.Errorf("%w: %s", err, out)}
	}
	return basePath, nil
}

// CreateWorktree creates (or idempotently returns) the worktree for a work
// order, branched off origin/<base>. If the branch already exists from an
// earlier attempt, the add is retried without -b.
func (w *Worktrees) CreateWorktree(ctx context.Context, repositoryURL, workOrderID, branch string) (string, error) {
	basePath, err := w.EnsureBaseRepository(ctx, repositoryURL)
	if err != nil {
		return "", err
	}

	treePath := w.WorktreePath(repositoryURL, workOrderID)
	if _, err := os.Stat(treePath); err == nil {
		getLog().Debug().Str("work_order_id", workOrderID).Str("path", treePath).Msg("worktree_already_exists")
		return treePath, nil
	}

	if err := os.MkdirAll(filepath.Dir(treePath), 0755); err != nil {
		return "", &SetupError{Op: "worktree add", Err: err}
	}

	out, err := runGit(ctx, basePath, "worktree", "add", "-b", branch, treePath, "origin/"+w.BaseBranch)
	if err != nil && strings.Contains(out, "already exists") {
		out, err = runGit(ctx, basePath, "worktree", "add", treePath, branch)
	}
	if err != nil {
		return "", &SetupError{Op: "worktree add", Err: fmt.Errorf("%w: %s", err, out)}
	}

	getLog().Info().
		Str("work_order_id", workOrderID).
		Str("branch", branch).
		Str("path", treePath).
		Msg("worktree_created")
	return treePath, nil
}

// RemoveWorktree removes a work order's worktree. Git removal failures fall
// back to a recursive delete; a missing worktree is not an error.
func (w *Worktrees) RemoveWorktree(ctx context.Context, repositoryURL, workOrderID string) error {
	treePath := w.WorktreePath(repositoryURL, workOrderID)
	if _, err := os.Stat(treePath); os.IsNotExist(err) {
		return nil
	}

	basePath := w.BaseRepoPath(repositoryURL)
	if out, err := runGit(ctx, basePath, "worktree", "remove", "--force", treePath); err != nil {
		getLog().Warn().Err(err).Str("output", out).Str("path", treePath).Msg("worktree_remove_fallback")
		if err := os.RemoveAll(treePath); err != nil {
			return fmt.Errorf("failed to remove worktree %s: %w", treePath, err)
		}
	}

	getLog().Info().Str("work_order_id", workOrderID).Str("path", treePath).Msg("worktree_removed")
	return nil
}

// ValidateWorktree checks that a recorded worktree is intact: the state
// carries a path, the directory exists, and git still tracks it. Returns
// "" when valid, otherwise a descriptive reason.
func (w *Worktrees) ValidateWorktree(ctx context.Context, repositoryURL, worktreePath string) string {
	if worktreePath == "" {
		return "state has no worktree path"
	}
	if _, err := os.Stat(worktreePath); err != nil {
		return fmt.Sprintf("worktree directory missing: %s", worktreePath)
	}

	basePath := w.BaseRepoPath(repositoryURL)
	out, err := runGit(ctx, basePath, "worktree", "list", "--porcelain")
	if err != nil {
		return fmt.Sprintf("git worktree list failed: %v", err)
	}
	for _, line := range strings.Split(out, "\n") {
		if path, ok := strings.CutPrefix(line, "worktree "); ok && path == worktreePath {
			return ""
		}
	}
	return fmt.Sprintf("git does not track worktree: %s", worktreePath)
}

// PruneWorktrees clears stale worktree bookkeeping in a base repository
// after its tree directories were deleted out from under git. Best effort.
func PruneWorktrees(ctx context.Context, basePath string) {
	if _, err := runGit(ctx, basePath, "worktree", "prune"); err != nil {
		getLog().Warn().Err(err).Str("path", basePath).Msg("worktree_prune_failed")
	}
}

// runGit executes a git command with a 60-second ceiling and returns its
// combined output.
func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}
