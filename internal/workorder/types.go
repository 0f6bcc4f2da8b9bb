// Copyright (C) 2026 Overseer
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package workorder defines the core work-order domain types shared by the
// state repository, the workflow orchestrator, and the API server.
package workorder

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a work order.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo reports whether the pending → running → (completed|failed)
// graph permits moving from s to next. Re-asserting the current terminal
// status is allowed so that status updates stay idempotent.
func (s Status) CanTransitionTo(next Status) bool {
	if s.Terminal() {
		return next == s
	}
	switch s {
	case StatusPending:
		return next == StatusRunning
	case StatusRunning:
		return next == StatusCompleted || next == StatusFailed
	}
	return false
}

// SandboxType selects the sandbox backend for a work order.
type SandboxType string

const (
	SandboxClone    SandboxType = "clone"
	SandboxWorktree SandboxType = "worktree"

	// Reserved backends. The factory rejects them with an explicit
	// "not implemented" error rather than silently degrading.
	SandboxE2B    SandboxType = "e2b"
	SandboxDagger SandboxType = "dagger"
)

// Valid reports whether t names a known (possibly reserved) sandbox type.
func (t SandboxType) Valid() bool {
	switch t {
	case SandboxClone, SandboxWorktree, SandboxE2B, SandboxDagger:
		return true
	}
	return false
}

// Step identifies one workflow step. Each step maps to one command file and
// one external CLI invocation.
type Step string

const (
	StepCreateBranch Step = "create-branch"
	StepPlanning     Step = "planning"
	StepExecute      Step = "execute"
	StepCommit       Step = "commit"
	StepCreatePR     Step = "create-pr"
	StepPRPReview    Step = "prp-review"
)

// DefaultSequence is the step order used when a request does not select
// commands explicitly.
func DefaultSequence() []Step {
	return []Step{StepCreateBranch, StepPlanning, StepExecute, StepCommit, StepCreatePR}
}

// State is the minimal persisted identity of a work order.
type State struct {
	WorkOrderID       string `json:"work_order_id"`
	RepositoryURL     string `json:"repository_url"`
	SandboxIdentifier string `json:"sandbox_identifier"`
	GitBranchName     string `json:"git_branch_name,omitempty"`
	AgentSessionID    string `json:"agent_session_id,omitempty"`
}

// Metadata carries the denormalized operational fields stored alongside the
// core state.
type Metadata struct {
	SandboxType          SandboxType `json:"sandbox_type"`
	Status               Status      `json:"status"`
	CreatedAt            time.Time   `json:"created_at"`
	UpdatedAt            time.Time   `json:"updated_at"`
	GithubIssueNumber    int         `json:"github_issue_number,omitempty"`
	GithubPullRequestURL string      `json:"github_pull_request_url,omitempty"`
	GitCommitCount       int         `json:"git_commit_count,omitempty"`
	GitFilesChanged      int         `json:"git_files_changed,omitempty"`
	ErrorMessage         string      `json:"error_message,omitempty"`
}

// StepExecutionResult records one step attempt.
type StepExecutionResult struct {
	Step            Step      `json:"step"`
	AgentName       string    `json:"agent_name"`
	Success         bool      `json:"success"`
	Output          string    `json:"output,omitempty"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	DurationSeconds float64   `json:"duration_seconds"`
	SessionID       string    `json:"session_id,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// StepHistory is the ordered sequence of step results for one work order.
// Insertion order equals execution order.
type StepHistory struct {
	WorkOrderID string                `json:"work_order_id"`
	Steps       []StepExecutionResult `json:"steps"`
}

// NextStep derives the next step to run from the history tail: a failed tail
// is retried, a successful tail advances by one, and running past the end of
// the sequence means the workflow is complete (ok == false).
func (h *StepHistory) NextStep(sequence []Step) (next Step, ok bool) {
	if len(sequence) == 0 {
		return "", false
	}
	if h == nil || len(h.Steps) == 0 {
		return sequence[0], true
	}
	tail := h.Steps[len(h.Steps)-1]
	idx := -1
	for i, s := range sequence {
		if s == tail.Step {
			idx = i
		}
	}
	if idx < 0 {
		return sequence[0], true
	}
	if !tail.Success {
		return sequence[idx], true
	}
	if idx+1 >= len(sequence) {
		return "", false
	}
	return sequence[idx+1], true
}

// SandboxIdentifierFor derives the sandbox identifier from a work-order id.
func SandboxIdentifierFor(workOrderID string) string {
	return fmt.Sprintf("sandbox-%s", workOrderID)
}
