// Copyright (C) 2026 Overseer
// SPDX-License-Identifier: AGPL-3.0-or-later

package gitops

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// inspectTimeout bounds every read-only git subprocess.
const inspectTimeout = 10 * time.Second

// CommitCount returns the number of commits on branch that are not on
// origin/<base>. Returns 0 on any failure.
func CommitCount(ctx context.Context, repoDir, branch, base string) int {
	if base == "" {
		base = "main"
	}
	out, err := runInspect(ctx, repoDir, "rev-list", "--count", "origin/"+base+".."+branch)
	if err != nil {
		getLog().Debug().Err(err).Str("branch", branch).Msg("commit_count_failed")
		return 0
	}
	n, err := strconv.Atoi(out)
	if err != nil {
		return 0
	}
	return n
}

// FilesChanged returns the number of files differing between base and
// branch. Returns 0 on any failure.
func FilesChanged(ctx context.Context, repoDir, branch, base string) int {
	if base == "" {
		base = "main"
	}
	out, err := runInspect(ctx, repoDir, "diff", "--name-only", base+"..."+branch)
	if err != nil {
		getLog().Debug().Err(err).Str("branch", branch).Msg("files_changed_failed")
		return 0
	}
	if out == "" {
		return 0
	}
	return len(strings.Split(out, "\n"))
}

// LatestCommitMessage returns the full message of the branch tip, or "" on
// failure.
func LatestCommitMessage(ctx context.Context, repoDir, branch string) string {
	out, err := runInspect(ctx, repoDir, "log", "-1", "--pretty=%B", branch)
	if err != nil {
		getLog().Debug().Err(err).Str("branch", branch).Msg("latest_commit_message_failed")
		return ""
	}
	return out
}

// CurrentBranch returns the checked-out branch name, or "" on failure or
// detached HEAD.
func CurrentBranch(ctx context.Context, repoDir string) string {
	out, err := runInspect(ctx, repoDir, "branch", "--show-current")
	if err != nil {
		getLog().Debug().Err(err).Str("repo_dir", repoDir).Msg("current_branch_failed")
		return ""
	}
	return out
}

func runInspect(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, inspectTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	return strings.TrimSpace(string(out)), err
}
