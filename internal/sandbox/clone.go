// Copyright (C) 2026 Overseer
// SPDX-License-Identifier: AGPL-3.0-or-later

package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/overseerhq/overseer/internal/config"
	"github.com/overseerhq/overseer/internal/gitops"
	"github.com/overseerhq/overseer/internal/workorder"
)

// CloneSandbox clones the repository into <temp_base>/<sandbox_identifier>
// and removes the whole directory on cleanup.
type CloneSandbox struct {
	git           *config.GitConfig
	workOrderID   string
	repositoryURL string
	identifier    string
	workingDir    string
}

func newCloneSandbox(git *config.GitConfig, workOrderID, repositoryURL string) *CloneSandbox {
	return &CloneSandbox{
		git:           git,
		workOrderID:   workOrderID,
		repositoryURL: repositoryURL,
		identifier:    workorder.SandboxIdentifierFor(workOrderID),
	}
}

func (s *CloneSandbox) Identifier() string { return s.identifier }

func (s *CloneSandbox) WorkingDir() string { return s.workingDir }

func (s *CloneSandbox) Setup(ctx context.Context) error {
	dir := filepath.Join(s.git.TempBase, s.identifier)
	if err := os.MkdirAll(s.git.TempBase, 0755); err != nil {
		return &gitops.SetupError{Op: "clone sandbox", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "clone", s.repositoryURL, dir)
	if out, err := cmd.CombinedOutput(); err != nil {
		return &gitops.SetupError{Op: "clone sandbox", Err: fmt.Errorf("%w: %s", err, out)}
	}

	s.workingDir = dir
	getLog().Info().
		Str("work_order_id", s.workOrderID).
		Str("working_dir", dir).
		Msg("sandbox_setup_completed")
	return nil
}

func (s *CloneSandbox) ExecuteCommand(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error) {
	if s.workingDir == "" {
		return nil, fmt.Errorf("sandbox %s is not set up", s.identifier)
	}
	return runShell(ctx, s.workingDir, command, timeout)
}

func (s *CloneSandbox) GitBranchName(ctx context.Context) string {
	if s.workingDir == "" {
		return ""
	}
	return gitops.CurrentBranch(ctx, s.workingDir)
}

func (s *CloneSandbox) Cleanup(_ context.Context) error {
	dir := filepath.Join(s.git.TempBase, s.identifier)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove sandbox directory: %w", err)
	}
	getLog().Info().Str("work_order_id", s.workOrderID).Msg("sandbox_cleanup_completed")
	return nil
}
