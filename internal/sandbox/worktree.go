// Copyright (C) 2026 Overseer
// SPDX-License-Identifier: AGPL-3.0-or-later

package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/overseerhq/overseer/internal/config"
	"github.com/overseerhq/overseer/internal/gitops"
	"github.com/overseerhq/overseer/internal/ports"
	"github.com/overseerhq/overseer/internal/workorder"
)

// WorktreeSandbox checks out a per-work-order git worktree off a cached base
// clone, allocates a port range, and writes .ports.env into the tree.
type WorktreeSandbox struct {
	worktrees     *gitops.Worktrees
	workOrderID   string
	repositoryURL string
	identifier    string
	workingDir    string
	portRange     *ports.Range
}

func newWorktreeSandbox(git *config.GitConfig, workOrderID, repositoryURL string) *WorktreeSandbox {
	return &WorktreeSandbox{
		worktrees:     gitops.NewWorktrees(git.TempBase, git.BaseBranch),
		workOrderID:   workOrderID,
		repositoryURL: repositoryURL,
		identifier:    workorder.SandboxIdentifierFor(workOrderID),
	}
}

func (s *WorktreeSandbox) Identifier() string { return s.identifier }

func (s *WorktreeSandbox) WorkingDir() string { return s.workingDir }

// PortRange returns the allocated range, or nil before Setup.
func (s *WorktreeSandbox) PortRange() *ports.Range { return s.portRange }

// Setup allocates a port range, creates the worktree on an initial branch
// named after the work order, and writes the port env file. The workflow's
// branch step creates the semantically meaningful branch later.
func (s *WorktreeSandbox) Setup(ctx context.Context) error {
	portRange, err := ports.FindAvailableRange(s.workOrderID)
	if err != nil {
		return &gitops.SetupError{Op: "port allocation", Err: err}
	}

	treePath, err := s.worktrees.CreateWorktree(ctx, s.repositoryURL, s.workOrderID, s.workOrderID)
	if err != nil {
		return err
	}

	if _, err := portRange.WriteEnvFile(treePath); err != nil {
		return &gitops.SetupError{Op: "port env file", Err: err}
	}

	s.portRange = portRange
	s.workingDir = treePath
	getLog().Info().
		Str("work_order_id", s.workOrderID).
		Str("working_dir", treePath).
		Int("port_range_start", portRange.Start).
		Int("available_ports", len(portRange.Available)).
		Msg("sandbox_setup_completed")
	return nil
}

func (s *WorktreeSandbox) ExecuteCommand(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error) {
	if s.workingDir == "" {
		return nil, fmt.Errorf("sandbox %s is not set up", s.identifier)
	}
	return runShell(ctx, s.workingDir, command, timeout)
}

func (s *WorktreeSandbox) GitBranchName(ctx context.Context) string {
	if s.workingDir == "" {
		return ""
	}
	return gitops.CurrentBranch(ctx, s.workingDir)
}

func (s *WorktreeSandbox) Cleanup(ctx context.Context) error {
	if err := s.worktrees.RemoveWorktree(ctx, s.repositoryURL, s.workOrderID); err != nil {
		return err
	}
	getLog().Info().Str("work_order_id", s.workOrderID).Msg("sandbox_cleanup_completed")
	return nil
}
