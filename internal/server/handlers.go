// Copyright (C) 2026 Overseer
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/overseerhq/overseer/internal/gitops"
	"github.com/overseerhq/overseer/internal/store"
	"github.com/overseerhq/overseer/internal/workflow"
	"github.com/overseerhq/overseer/internal/workorder"
)

// createRequest is the POST /agent-work-orders body.
type createRequest struct {
	RepositoryURL     string   `json:"repository_url"`
	SandboxType       string   `json:"sandbox_type"`
	UserRequest       string   `json:"user_request"`
	SelectedCommands  []string `json:"selected_commands,omitempty"`
	GithubIssueNumber int      `json:"github_issue_number,omitempty"`
}

// workOrderResponse is the JSON shape for one work order record.
type workOrderResponse struct {
	WorkOrderID          string `json:"work_order_id"`
	RepositoryURL        string `json:"repository_url"`
	SandboxIdentifier    string `json:"sandbox_identifier"`
	SandboxType          string `json:"sandbox_type"`
	Status               string `json:"status"`
	GitBranchName        string `json:"git_branch_name,omitempty"`
	AgentSessionID       string `json:"agent_session_id,omitempty"`
	GithubIssueNumber    int    `json:"github_issue_number,omitempty"`
	GithubPullRequestURL string `json:"github_pull_request_url,omitempty"`
	GitCommitCount       int    `json:"git_commit_count,omitempty"`
	GitFilesChanged      int    `json:"git_files_changed,omitempty"`
	ErrorMessage         string `json:"error_message,omitempty"`
	CreatedAt            string `json:"created_at"`
	UpdatedAt            string `json:"updated_at"`
}

func toResponse(rec *store.Record) workOrderResponse {
	return workOrderResponse{
		WorkOrderID:          rec.State.WorkOrderID,
		RepositoryURL:        rec.State.RepositoryURL,
		SandboxIdentifier:    rec.State.SandboxIdentifier,
		SandboxType:          string(rec.Metadata.SandboxType),
		Status:               string(rec.Metadata.Status),
		GitBranchName:        rec.State.GitBranchName,
		AgentSessionID:       rec.State.AgentSessionID,
		GithubIssueNumber:    rec.Metadata.GithubIssueNumber,
		GithubPullRequestURL: rec.Metadata.GithubPullRequestURL,
		GitCommitCount:       rec.Metadata.GitCommitCount,
		GitFilesChanged:      rec.Metadata.GitFilesChanged,
		ErrorMessage:         rec.Metadata.ErrorMessage,
		CreatedAt:            rec.Metadata.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:            rec.Metadata.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.RepositoryURL == "" || req.UserRequest == "" {
		writeError(w, http.StatusBadRequest, "repository_url and user_request are required")
		return
	}
	if _, _, err := workorder.ParseGitHubURL(req.RepositoryURL); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sandboxType := workorder.SandboxType(req.SandboxType)
	if sandboxType == "" {
		sandboxType = workorder.SandboxClone
	}
	if !sandboxType.Valid() {
		writeError(w, http.StatusBadRequest, "unknown sandbox_type: "+req.SandboxType)
		return
	}

	var selected []workorder.Step
	for _, c := range req.SelectedCommands {
		step := workorder.Step(c)
		if !workflow.KnownStep(step) {
			writeError(w, http.StatusBadRequest, "unknown command: "+c)
			return
		}
		selected = append(selected, step)
	}

	id := workorder.NewWorkOrderID()
	now := time.Now().UTC()
	state := workorder.State{
		WorkOrderID:       id,
		RepositoryURL:     req.RepositoryURL,
		SandboxIdentifier: workorder.SandboxIdentifierFor(id),
	}
	metadata := workorder.Metadata{
		SandboxType:       sandboxType,
		Status:            workorder.StatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
		GithubIssueNumber: req.GithubIssueNumber,
	}

	if err := s.repo.Create(r.Context(), state, metadata); err != nil {
		getLog().Error().Err(err).Msg("work_order_create_failed")
		writeError(w, http.StatusInternalServerError, "failed to create work order")
		return
	}

	// The workflow outlives this request; detach it from the request context.
	s.registry.Schedule(context.WithoutCancel(r.Context()), workflow.Request{
		WorkOrderID:       id,
		RepositoryURL:     req.RepositoryURL,
		SandboxType:       sandboxType,
		UserRequest:       req.UserRequest,
		SelectedCommands:  selected,
		GithubIssueNumber: req.GithubIssueNumber,
	})

	getLog().Info().Str("work_order_id", id).Msg("work_order_created")
	writeJSON(w, http.StatusCreated, map[string]string{
		"work_order_id": id,
		"status":        string(workorder.StatusPending),
		"message":       "work order created, workflow scheduled",
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	status := workorder.Status(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status: "+string(status))
		return
	}

	records, err := s.repo.List(r.Context(), status)
	if err != nil {
		getLog().Error().Err(err).Msg("work_order_list_failed")
		writeError(w, http.StatusInternalServerError, "failed to list work orders")
		return
	}

	out := make([]workOrderResponse, 0, len(records))
	for i := range records {
		out = append(out, toResponse(&records[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"work_orders": out, "count": len(out)})
}

func (s *Server) handleRunning(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"work_order_ids": s.registry.Running()})
}

// fetchRecord loads a record and handles the 404 path.
func (s *Server) fetchRecord(w http.ResponseWriter, r *http.Request) *store.Record {
	id := chi.URLParam(r, "id")
	rec, err := s.repo.Get(r.Context(), id)
	if err != nil {
		getLog().Error().Err(err).Str("work_order_id", id).Msg("work_order_get_failed")
		writeError(w, http.StatusInternalServerError, "failed to load work order")
		return nil
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "work order not found: "+id)
		return nil
	}
	return rec
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec := s.fetchRecord(w, r)
	if rec == nil {
		return
	}
	writeJSON(w, http.StatusOK, toResponse(rec))
}

func (s *Server) handleSteps(w http.ResponseWriter, r *http.Request) {
	rec := s.fetchRecord(w, r)
	if rec == nil {
		return
	}

	history, err := s.repo.GetStepHistory(r.Context(), rec.State.WorkOrderID)
	if err != nil {
		getLog().Error().Err(err).Msg("step_history_get_failed")
		writeError(w, http.StatusInternalServerError, "failed to load step history")
		return
	}
	if history == nil {
		history = &workorder.StepHistory{WorkOrderID: rec.State.WorkOrderID}
	}
	writeJSON(w, http.StatusOK, history)
}

// handleGitProgress reports a derived git snapshot for a live worktree
// order, falling back to the persisted counters once the sandbox is gone.
func (s *Server) handleGitProgress(w http.ResponseWriter, r *http.Request) {
	rec := s.fetchRecord(w, r)
	if rec == nil {
		return
	}

	commitCount := rec.Metadata.GitCommitCount
	filesChanged := rec.Metadata.GitFilesChanged
	latestMessage := ""

	if s.reconciler != nil && rec.Metadata.SandboxType == workorder.SandboxWorktree && rec.State.GitBranchName != "" {
		worktrees := gitops.NewWorktrees(s.reconciler.TempBase, "")
		tree := worktrees.WorktreePath(rec.State.RepositoryURL, rec.State.WorkOrderID)
		if live := gitops.CommitCount(r.Context(), tree, rec.State.GitBranchName, ""); live > 0 {
			commitCount = live
			filesChanged = gitops.FilesChanged(r.Context(), tree, rec.State.GitBranchName, "")
			latestMessage = gitops.LatestCommitMessage(r.Context(), tree, rec.State.GitBranchName)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"work_order_id":         rec.State.WorkOrderID,
		"status":                rec.Metadata.Status,
		"git_branch_name":       rec.State.GitBranchName,
		"git_commit_count":      commitCount,
		"git_files_changed":     filesChanged,
		"latest_commit_message": latestMessage,
	})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	fix := r.URL.Query().Get("fix") == "true"
	report, err := s.reconciler.Reconcile(r.Context(), fix)
	if err != nil {
		getLog().Error().Err(err).Msg("reconcile_failed")
		writeError(w, http.StatusInternalServerError, "reconciliation failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleVerifyRepository(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RepositoryURL string `json:"repository_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RepositoryURL == "" {
		writeError(w, http.StatusBadRequest, "repository_url is required")
		return
	}

	writeJSON(w, http.StatusOK, s.github.VerifyRepository(r.Context(), req.RepositoryURL))
}
