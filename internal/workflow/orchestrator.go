// Copyright (C) 2026 Overseer
// SPDX-License-Identifier: AGPL-3.0-or-later

package workflow

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/overseerhq/overseer/internal/gitops"
	"github.com/overseerhq/overseer/internal/logger"
	"github.com/overseerhq/overseer/internal/sandbox"
	"github.com/overseerhq/overseer/internal/store"
	"github.com/overseerhq/overseer/internal/workorder"
)

// Request carries everything needed to run one workflow.
type Request struct {
	WorkOrderID       string
	RepositoryURL     string
	SandboxType       workorder.SandboxType
	UserRequest       string
	SelectedCommands  []workorder.Step
	GithubIssueNumber int
}

// Orchestrator drives a work order through its step sequence.
type Orchestrator struct {
	Repo       store.Repository
	Sandboxes  *sandbox.Factory
	Runner     *StepRunner
	BaseBranch string
	tracer     trace.Tracer
}

// NewOrchestrator wires the orchestrator's collaborators.
func NewOrchestrator(repo store.Repository, sandboxes *sandbox.Factory, runner *StepRunner, baseBranch string) *Orchestrator {
	if baseBranch == "" {
		baseBranch = "main"
	}
	return &Orchestrator{
		Repo:       repo,
		Sandboxes:  sandboxes,
		Runner:     runner,
		BaseBranch: baseBranch,
		tracer:     otel.Tracer("overseer/workflow"),
	}
}

// ExecuteWorkflow runs the full step sequence for a work order. The returned
// error reports the failure that terminated the workflow; the terminal
// status and error message have already been persisted by the time it
// returns. The sandbox is cleaned up on every path after a successful setup.
func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, req Request) error {
	ctx = logger.WithWorkOrderID(ctx, req.WorkOrderID)
	wlog := logger.ForWorkOrder(*getLog(), req.WorkOrderID)

	ctx, span := o.tracer.Start(ctx, "workflow.execute",
		trace.WithAttributes(
			attribute.String("work_order.id", req.WorkOrderID),
			attribute.String("work_order.sandbox_type", string(req.SandboxType)),
		))
	defer span.End()

	sequence := req.SelectedCommands
	if len(sequence) == 0 {
		sequence = workorder.DefaultSequence()
	}

	wlog.Info().
		Str("repository_url", req.RepositoryURL).
		Str("sandbox_type", string(req.SandboxType)).
		Int("total_steps", len(sequence)).
		Msg("workflow_started")

	if err := o.Repo.UpdateStatus(ctx, req.WorkOrderID, workorder.StatusRunning, store.StatusFields{}); err != nil {
		return fmt.Errorf("failed to mark work order running: %w", err)
	}

	for _, step := range sequence {
		if !KnownStep(step) {
			msg := fmt.Sprintf("unknown command: %s", step)
			o.markFailed(ctx, req.WorkOrderID, msg, &wlog)
			return fmt.Errorf("%s", msg)
		}
	}

	sb, err := o.Sandboxes.New(req.SandboxType, req.WorkOrderID, req.RepositoryURL)
	if err != nil {
		o.markFailed(ctx, req.WorkOrderID, err.Error(), &wlog)
		return err
	}
	if err := sb.Setup(ctx); err != nil {
		wlog.Error().Err(err).Msg("sandbox_setup_failed")
		o.markFailed(ctx, req.WorkOrderID, err.Error(), &wlog)
		return err
	}
	defer func() {
		if cleanupErr := sb.Cleanup(context.WithoutCancel(ctx)); cleanupErr != nil {
			wlog.Error().Err(cleanupErr).Msg("sandbox_cleanup_failed")
		}
	}()

	sc := NewStepContext(req.UserRequest, req.GithubIssueNumber)
	history := workorder.StepHistory{WorkOrderID: req.WorkOrderID}

	for i, step := range sequence {
		wlog.Info().
			Str("step", string(step)).
			Int("step_number", i+1).
			Int("total_steps", len(sequence)).
			Int("percent", (i*100)/len(sequence)).
			Msg("step_started")

		stepCtx, stepSpan := o.tracer.Start(ctx, "workflow.step",
			trace.WithAttributes(
				attribute.String("work_order.id", req.WorkOrderID),
				attribute.String("work_order.step", string(step)),
			))
		result := o.Runner.Run(stepCtx, step, req.WorkOrderID, sb.WorkingDir(), sc)
		stepSpan.SetAttributes(attribute.Bool("work_order.step_success", result.Success))
		stepSpan.End()
		history.Steps = append(history.Steps, result)

		if err := o.Repo.SaveStepHistory(ctx, req.WorkOrderID, history); err != nil {
			wlog.Error().Err(err).Str("step", string(step)).Msg("step_history_save_failed")
		}
		if result.SessionID != "" {
			if err := o.Repo.UpdateSessionID(ctx, req.WorkOrderID, result.SessionID); err != nil {
				wlog.Warn().Err(err).Msg("session_id_update_failed")
			}
		}

		wlog.Info().
			Str("step", string(step)).
			Bool("success", result.Success).
			Float64("duration_seconds", result.DurationSeconds).
			Msg("step_completed")

		if !result.Success {
			msg := result.ErrorMessage
			if msg == "" {
				msg = fmt.Sprintf("step %s failed", step)
			}
			o.markFailed(ctx, req.WorkOrderID, msg, &wlog)
			// Saved once incrementally above; save again so the failure
			// survives even if the incremental write was lost.
			if err := o.Repo.SaveStepHistory(ctx, req.WorkOrderID, history); err != nil {
				wlog.Error().Err(err).Msg("step_history_save_failed")
			}
			return fmt.Errorf("step %s failed: %s", step, msg)
		}

		sc[string(step)] = result.Output

		switch step {
		case workorder.StepCreateBranch:
			if err := o.Repo.UpdateGitBranch(ctx, req.WorkOrderID, result.Output); err != nil {
				wlog.Warn().Err(err).Msg("git_branch_update_failed")
			}
		case workorder.StepCreatePR:
			sc["github_pull_request_url"] = result.Output
		}
	}

	branch := sc[string(workorder.StepCreateBranch)]
	if branch == "" {
		branch = sb.GitBranchName(ctx)
	}
	commitCount := gitops.CommitCount(ctx, sb.WorkingDir(), branch, o.BaseBranch)
	filesChanged := gitops.FilesChanged(ctx, sb.WorkingDir(), branch, o.BaseBranch)

	fields := store.StatusFields{CommitCount: &commitCount, FilesChanged: &filesChanged}
	if prURL := sc["github_pull_request_url"]; prURL != "" {
		fields.PullRequestURL = &prURL
	}
	if err := o.Repo.UpdateStatus(ctx, req.WorkOrderID, workorder.StatusCompleted, fields); err != nil {
		wlog.Error().Err(err).Msg("status_update_failed")
	}
	if err := o.Repo.SaveStepHistory(ctx, req.WorkOrderID, history); err != nil {
		wlog.Error().Err(err).Msg("step_history_save_failed")
	}

	wlog.Info().
		Int("git_commit_count", commitCount).
		Int("git_files_changed", filesChanged).
		Msg("workflow_completed")
	return nil
}

// markFailed records the terminal failed status with its error message.
func (o *Orchestrator) markFailed(ctx context.Context, id, msg string, wlog *zerolog.Logger) {
	wlog.Error().Str("error_message", msg).Msg("workflow_failed")
	if err := o.Repo.UpdateStatus(ctx, id, workorder.StatusFailed, store.StatusFields{ErrorMessage: &msg}); err != nil {
		wlog.Error().Err(err).Msg("status_update_failed")
	}
}
