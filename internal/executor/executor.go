// Copyright (C) 2026 Overseer
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package executor invokes the code-generating CLI as a subprocess with a
// stdin-delivered prompt and parses its stream-json output.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/overseerhq/overseer/internal/config"
	"github.com/overseerhq/overseer/internal/logger"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetExecutorLogger().With().Str("component", "cli").Logger()
		log = &l
	})
	return log
}

// ValidationError reports a problem with executor inputs, as opposed to a
// runtime failure of the CLI itself.
type ValidationError struct {
	Msg string
	Err error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Result is the outcome of one CLI invocation.
type Result struct {
	Success         bool
	Stdout          string
	Stderr          string
	ExitCode        int
	ResultText      string
	SessionID       string
	ErrorMessage    string
	DurationSeconds float64
}

// Executor builds and runs CLI commands per the configured model and flags.
type Executor struct {
	cfg       config.CLIConfig
	artifacts *ArtifactWriter
}

// New creates an executor. artifacts may be nil to disable capture.
func New(cfg config.CLIConfig, artifacts *ArtifactWriter) *Executor {
	return &Executor{cfg: cfg, artifacts: artifacts}
}

// BuildCommand reads a command file, substitutes $ARGUMENTS and positional
// placeholders, and assembles the CLI command line. The substituted file
// text becomes the prompt delivered on stdin.
func (e *Executor) BuildCommand(commandFile string, args []string) (command string, prompt string, err error) {
	raw, err := os.ReadFile(commandFile)
	if err != nil {
		return "", "", &ValidationError{Msg: fmt.Sprintf("failed to read command file %s", commandFile), Err: err}
	}

	prompt = string(raw)
	if len(args) > 0 {
		joined := args[0]
		if len(args) > 1 {
			joined = strings.Join(args, ",")
		}
		prompt = strings.ReplaceAll(prompt, "$ARGUMENTS", joined)
		// Substitute highest positions first so $10 is not clobbered by $1.
		for i := len(args); i >= 1; i-- {
			prompt = strings.ReplaceAll(prompt, "$"+strconv.Itoa(i), args[i-1])
		}
	}

	parts := []string{e.cfg.Path, "--print", "--output-format", "stream-json"}
	if e.cfg.Verbose {
		parts = append(parts, "--verbose")
	}
	if e.cfg.Model != "" {
		parts = append(parts, "--model", e.cfg.Model)
	}
	if e.cfg.MaxTurns > 0 {
		parts = append(parts, "--max-turns", strconv.Itoa(e.cfg.MaxTurns))
	}
	if e.cfg.SkipPermissions {
		parts = append(parts, "--dangerously-skip-permissions")
	}

	return strings.Join(parts, " "), prompt, nil
}

// Execute runs a command with shell semantics in workingDir, feeding prompt
// on stdin. A timeout kills the process and yields a failure result with
// exit code -1 rather than an error.
func (e *Executor) Execute(ctx context.Context, command, workingDir, prompt, workOrderID string) (*Result, error) {
	timeout := e.cfg.Timeout
	if timeout <= 0 {
		timeout = time.Hour
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	getLog().Info().
		Str("work_order_id", workOrderID).
		Str("working_dir", workingDir).
		Str("command", command).
		Msg("cli_execution_started")

	if e.artifacts != nil {
		e.artifacts.SavePrompt(workOrderID, prompt)
	}

	start := time.Now()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = workingDir
	cmd.Stdin = strings.NewReader(prompt)

	// The shell gets its own process group so a timeout kills every
	// descendant, not just the shell. WaitDelay releases the output pipes
	// if anything survives the kill and keeps them open.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	duration := time.Since(start)

	result := &Result{
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		DurationSeconds: duration.Seconds(),
	}

	if ctx.Err() == context.DeadlineExceeded {
		result.ExitCode = -1
		result.ErrorMessage = fmt.Sprintf("timed out after %s", timeout)
		getLog().Error().
			Str("work_order_id", workOrderID).
			Dur("timeout", timeout).
			Msg("cli_execution_timed_out")
		return result, nil
	}

	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
			result.ErrorMessage = runErr.Error()
			return result, nil
		}
	}

	parsed := ParseStream(result.Stdout)
	result.SessionID = parsed.SessionID
	result.ResultText = parsed.ResultText

	result.Success = result.ExitCode == 0 && !parsed.IsError && parsed.Subtype != "error_during_execution"
	if !result.Success && result.ErrorMessage == "" {
		switch {
		case parsed.ResultText != "":
			result.ErrorMessage = parsed.ResultText
		case result.Stderr != "":
			result.ErrorMessage = truncate(result.Stderr, 2000)
		default:
			result.ErrorMessage = fmt.Sprintf("CLI exited with code %d", result.ExitCode)
		}
	}

	if e.artifacts != nil {
		e.artifacts.SaveOutput(workOrderID, result.Stdout, parsed)
	}

	getLog().Info().
		Str("work_order_id", workOrderID).
		Bool("success", result.Success).
		Int("exit_code", result.ExitCode).
		Str("session_id", result.SessionID).
		Float64("duration_seconds", result.DurationSeconds).
		Msg("cli_execution_completed")

	return result, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "... (truncated)"
}
