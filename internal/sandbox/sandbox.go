// Copyright (C) 2026 Overseer
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package sandbox provides isolated working directories for work orders:
// an ephemeral clone backend and a git-worktree backend with port-range
// allocation.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/overseerhq/overseer/internal/config"
	"github.com/overseerhq/overseer/internal/logger"
	"github.com/overseerhq/overseer/internal/workorder"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetSandboxLogger().With().Str("component", "sandbox").Logger()
		log = &l
	})
	return log
}

// ExecResult is the outcome of one shell command inside a sandbox.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// Sandbox is the capability set every backend implements.
type Sandbox interface {
	// Identifier returns the stable sandbox identifier for this work order.
	Identifier() string

	// WorkingDir returns the directory commands run in. Empty before Setup.
	WorkingDir() string

	// Setup prepares the isolated working directory.
	Setup(ctx context.Context) error

	// ExecuteCommand runs a shell command in the working directory.
	ExecuteCommand(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error)

	// GitBranchName returns the currently checked-out branch, or "".
	GitBranchName(ctx context.Context) string

	// Cleanup releases the sandbox. Must be safe to call after a failed Setup.
	Cleanup(ctx context.Context) error
}

// Factory creates sandboxes for the configured backends.
type Factory struct {
	git *config.GitConfig
}

// NewFactory creates a sandbox factory.
func NewFactory(git *config.GitConfig) *Factory {
	return &Factory{git: git}
}

// New returns the sandbox implementation for a sandbox type. Reserved types
// fail loudly instead of degrading to a different backend.
func (f *Factory) New(sandboxType workorder.SandboxType, workOrderID, repositoryURL string) (Sandbox, error) {
	switch sandboxType {
	case workorder.SandboxClone:
		return newCloneSandbox(f.git, workOrderID, repositoryURL), nil
	case workorder.SandboxWorktree:
		return newWorktreeSandbox(f.git, workOrderID, repositoryURL), nil
	case workorder.SandboxE2B, workorder.SandboxDagger:
		return nil, fmt.Errorf("sandbox type %q is not implemented", sandboxType)
	default:
		return nil, fmt.Errorf("unknown sandbox type: %q", sandboxType)
	}
}

// runShell executes a shell command in dir with the given timeout. A timeout
// kills the process and returns a structured result, not an error.
func runShell(ctx context.Context, dir, command string, timeout time.Duration) (*ExecResult, error) {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir

	// Kill the whole process group on timeout; agent-started servers must
	// not outlive the command or hold the output pipes open.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}

	if ctx.Err() == context.DeadlineExceeded {
		res.ExitCode = -1
		res.TimedOut = true
		return res, nil
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, fmt.Errorf("failed to run command: %w", err)
	}
	return res, nil
}
