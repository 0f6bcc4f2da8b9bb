// Copyright (C) 2026 Overseer
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package workflow runs work orders: a fixed sequence of CLI-driven steps
// against an isolated sandbox, with incremental persistence and guaranteed
// cleanup.
package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/overseerhq/overseer/internal/executor"
	"github.com/overseerhq/overseer/internal/logger"
	"github.com/overseerhq/overseer/internal/workorder"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetWorkflowLogger().With().Str("component", "workflow").Logger()
		log = &l
	})
	return log
}

// CommandNotFoundError reports a step whose command file is missing.
type CommandNotFoundError struct {
	Command string
	Path    string
}

func (e *CommandNotFoundError) Error() string {
	return fmt.Sprintf("command not found: %s (expected %s)", e.Command, e.Path)
}

// CommandLoader resolves step command names to files under Dir.
type CommandLoader struct {
	Dir string
}

// Resolve maps a command name to <dir>/<name>.md, verifying existence.
func (l *CommandLoader) Resolve(name string) (string, error) {
	path := filepath.Join(l.Dir, name+".md")
	if _, err := os.Stat(path); err != nil {
		return "", &CommandNotFoundError{Command: name, Path: path}
	}
	return path, nil
}

// StepContext carries step outputs forward to later steps within one run.
type StepContext map[string]string

// stepDef describes one recognized step: its agent name and how its CLI
// arguments derive from the accumulated context.
type stepDef struct {
	agentName string
	args      func(sc StepContext) ([]string, error)
}

var stepDefs = map[workorder.Step]stepDef{
	workorder.StepCreateBranch: {
		agentName: "branch-creator",
		args: func(sc StepContext) ([]string, error) {
			return []string{sc["user_request"]}, nil
		},
	},
	workorder.StepPlanning: {
		agentName: "planner",
		args: func(sc StepContext) ([]string, error) {
			args := []string{sc["user_request"]}
			if issue := sc["github_issue_number"]; issue != "" {
				args = append(args, issue)
			}
			return args, nil
		},
	},
	workorder.StepExecute: {
		agentName: "implementer",
		args: func(sc StepContext) ([]string, error) {
			plan, ok := sc[string(workorder.StepPlanning)]
			if !ok {
				return nil, fmt.Errorf("execute step requires planning output in context")
			}
			return []string{plan}, nil
		},
	},
	workorder.StepCommit: {
		agentName: "committer",
		args: func(StepContext) ([]string, error) {
			return nil, nil
		},
	},
	workorder.StepCreatePR: {
		agentName: "pr-creator",
		args: func(sc StepContext) ([]string, error) {
			branch, ok := sc[string(workorder.StepCreateBranch)]
			if !ok {
				return nil, fmt.Errorf("create-pr step requires create-branch output in context")
			}
			return []string{branch, sc[string(workorder.StepPlanning)]}, nil
		},
	},
	workorder.StepPRPReview: {
		agentName: "prp-reviewer",
		args: func(sc StepContext) ([]string, error) {
			return []string{sc[string(workorder.StepPlanning)]}, nil
		},
	},
}

// KnownStep reports whether a command key names a recognized step.
func KnownStep(step workorder.Step) bool {
	_, ok := stepDefs[step]
	return ok
}

// StepRunner executes individual workflow steps through the CLI executor.
type StepRunner struct {
	Executor *executor.Executor
	Loader   *CommandLoader
}

// Run executes one step and always returns a result: any failure inside the
// step body (missing command file, missing required context, executor error)
// becomes a failed StepExecutionResult rather than an error.
func (r *StepRunner) Run(ctx context.Context, step workorder.Step, workOrderID, workingDir string, sc StepContext) workorder.StepExecutionResult {
	start := time.Now()
	def, ok := stepDefs[step]
	if !ok {
		return failedResult(step, "unknown", start, fmt.Sprintf("unknown command: %s", step))
	}

	result := func() (res workorder.StepExecutionResult) {
		defer func() {
			if r := recover(); r != nil {
				res = failedResult(step, def.agentName, start, fmt.Sprintf("step panicked: %v", r))
			}
		}()

		args, err := def.args(sc)
		if err != nil {
			return failedResult(step, def.agentName, start, err.Error())
		}

		commandFile, err := r.Loader.Resolve(string(step))
		if err != nil {
			return failedResult(step, def.agentName, start, err.Error())
		}

		command, prompt, err := r.Executor.BuildCommand(commandFile, args)
		if err != nil {
			return failedResult(step, def.agentName, start, err.Error())
		}

		execResult, err := r.Executor.Execute(ctx, command, workingDir, prompt, workOrderID)
		if err != nil {
			return failedResult(step, def.agentName, start, err.Error())
		}

		output := strings.TrimSpace(execResult.ResultText)
		if output == "" {
			output = strings.TrimSpace(execResult.Stdout)
		}

		return workorder.StepExecutionResult{
			Step:            step,
			AgentName:       def.agentName,
			Success:         execResult.Success,
			Output:          output,
			ErrorMessage:    execResult.ErrorMessage,
			DurationSeconds: execResult.DurationSeconds,
			SessionID:       execResult.SessionID,
			Timestamp:       time.Now().UTC(),
		}
	}()

	return result
}

func failedResult(step workorder.Step, agentName string, start time.Time, msg string) workorder.StepExecutionResult {
	return workorder.StepExecutionResult{
		Step:            step,
		AgentName:       agentName,
		Success:         false,
		ErrorMessage:    msg,
		DurationSeconds: time.Since(start).Seconds(),
		Timestamp:       time.Now().UTC(),
	}
}

// NewStepContext seeds the context with the request inputs.
func NewStepContext(userRequest string, githubIssueNumber int) StepContext {
	sc := StepContext{"user_request": userRequest}
	if githubIssueNumber > 0 {
		sc["github_issue_number"] = strconv.Itoa(githubIssueNumber)
	}
	return sc
}
