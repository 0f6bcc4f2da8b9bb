// Copyright (C) 2026 Overseer
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overseerhq/overseer/internal/workorder"
)

func testRecord(id string) (workorder.State, workorder.Metadata) {
	now := time.Now().UTC().Truncate(time.Second)
	state := workorder.State{
		WorkOrderID:       id,
		RepositoryURL:     "https://github.com/acme/widgets",
		SandboxIdentifier: workorder.SandboxIdentifierFor(id),
	}
	metadata := workorder.Metadata{
		SandboxType: workorder.SandboxClone,
		Status:      workorder.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return state, metadata
}

func backends(t *testing.T) map[string]Repository {
	t.Helper()

	fileRepo, err := NewFileRepository(t.TempDir())
	require.NoError(t, err)

	gormRepo, err := NewGormRepository("sqlite", filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)

	return map[string]Repository{
		"memory": NewMemoryRepository(),
		"file":   fileRepo,
		"sqlite": gormRepo,
	}
}

func TestRepository_CreateGetList(t *testing.T) {
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			state, metadata := testRecord("wo-00000001")
			require.NoError(t, repo.Create(ctx, state, metadata))
			assert.ErrorIs(t, repo.Create(ctx, state, metadata), ErrConflict)

			rec, err := repo.Get(ctx, "wo-00000001")
			require.NoError(t, err)
			require.NotNil(t, rec)
			assert.Equal(t, state, rec.State)
			assert.Equal(t, workorder.StatusPending, rec.Metadata.Status)

			missing, err := repo.Get(ctx, "wo-ffffffff")
			require.NoError(t, err)
			assert.Nil(t, missing)

			state2, metadata2 := testRecord("wo-00000002")
			metadata2.Status = workorder.StatusRunning
			metadata2.CreatedAt = metadata.CreatedAt.Add(time.Second)
			require.NoError(t, repo.Create(ctx, state2, metadata2))

			all, err := repo.List(ctx, "")
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, "wo-00000002", all[0].State.WorkOrderID, "newest first")

			running, err := repo.List(ctx, workorder.StatusRunning)
			require.NoError(t, err)
			require.Len(t, running, 1)
			assert.Equal(t, "wo-00000002", running[0].State.WorkOrderID)
		})
	}
}

func TestRepository_Updates(t *testing.T) {
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			state, metadata := testRecord("wo-00000003")
			require.NoError(t, repo.Create(ctx, state, metadata))

			require.NoError(t, repo.UpdateStatus(ctx, "wo-00000003", workorder.StatusRunning, StatusFields{}))

			errMsg := "planning exploded"
			prURL := "https://github.com/acme/widgets/pull/7"
			commits, files := 3, 12
			require.NoError(t, repo.UpdateStatus(ctx, "wo-00000003", workorder.StatusFailed, StatusFields{
				ErrorMessage:   &errMsg,
				PullRequestURL: &prURL,
				CommitCount:    &commits,
				FilesChanged:   &files,
			}))
			require.NoError(t, repo.UpdateGitBranch(ctx, "wo-00000003", "feat-issue-42"))
			require.NoError(t, repo.UpdateSessionID(ctx, "wo-00000003", "sess-abc"))

			rec, err := repo.Get(ctx, "wo-00000003")
			require.NoError(t, err)
			require.NotNil(t, rec)
			assert.Equal(t, workorder.StatusFailed, rec.Metadata.Status)
			assert.Equal(t, "planning exploded", rec.Metadata.ErrorMessage)
			assert.Equal(t, prURL, rec.Metadata.GithubPullRequestURL)
			assert.Equal(t, 3, rec.Metadata.GitCommitCount)
			assert.Equal(t, 12, rec.Metadata.GitFilesChanged)
			assert.Equal(t, "feat-issue-42", rec.State.GitBranchName)
			assert.Equal(t, "sess-abc", rec.State.AgentSessionID)
			assert.True(t, rec.Metadata.UpdatedAt.After(metadata.UpdatedAt) || rec.Metadata.UpdatedAt.Equal(metadata.UpdatedAt))

			// Updates to missing ids are warn-and-ignore.
			require.NoError(t, repo.UpdateStatus(ctx, "wo-deaddead", workorder.StatusRunning, StatusFields{}))
			require.NoError(t, repo.UpdateGitBranch(ctx, "wo-deaddead", "x"))
			require.NoError(t, repo.UpdateSessionID(ctx, "wo-deaddead", "x"))
		})
	}
}

func TestRepository_StatusTransitionGuard(t *testing.T) {
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			state, metadata := testRecord("wo-00000006")
			require.NoError(t, repo.Create(ctx, state, metadata))

			// pending may only move to running.
			require.NoError(t, repo.UpdateStatus(ctx, "wo-00000006", workorder.StatusCompleted, StatusFields{}))
			rec, err := repo.Get(ctx, "wo-00000006")
			require.NoError(t, err)
			assert.Equal(t, workorder.StatusPending, rec.Metadata.Status)

			require.NoError(t, repo.UpdateStatus(ctx, "wo-00000006", workorder.StatusRunning, StatusFields{}))
			require.NoError(t, repo.UpdateStatus(ctx, "wo-00000006", workorder.StatusCompleted, StatusFields{}))

			// A late failure write (reconciler or registry racing the
			// orchestrator) must not drag a completed order to failed.
			lateErr := "worktree directory missing"
			require.NoError(t, repo.UpdateStatus(ctx, "wo-00000006", workorder.StatusFailed, StatusFields{ErrorMessage: &lateErr}))
			rec, err = repo.Get(ctx, "wo-00000006")
			require.NoError(t, err)
			assert.Equal(t, workorder.StatusCompleted, rec.Metadata.Status)
			assert.Empty(t, rec.Metadata.ErrorMessage)

			// Re-asserting the current terminal status stays idempotent.
			require.NoError(t, repo.UpdateStatus(ctx, "wo-00000006", workorder.StatusCompleted, StatusFields{}))
			rec, err = repo.Get(ctx, "wo-00000006")
			require.NoError(t, err)
			assert.Equal(t, workorder.StatusCompleted, rec.Metadata.Status)
		})
	}
}

func TestRepository_StepHistory(t *testing.T) {
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			state, metadata := testRecord("wo-00000004")
			require.NoError(t, repo.Create(ctx, state, metadata))

			none, err := repo.GetStepHistory(ctx, "wo-00000004")
			require.NoError(t, err)
			assert.Nil(t, none)

			history := workorder.StepHistory{
				WorkOrderID: "wo-00000004",
				Steps: []workorder.StepExecutionResult{
					{Step: workorder.StepCreateBranch, AgentName: "branch-creator", Success: true, DurationSeconds: 1.2, SessionID: "s1", Timestamp: time.Now().UTC().Truncate(time.Second)},
					{Step: workorder.StepPlanning, AgentName: "planner", Success: false, ErrorMessage: "boom", DurationSeconds: 2.5, Timestamp: time.Now().UTC().Truncate(time.Second)},
				},
			}
			require.NoError(t, repo.SaveStepHistory(ctx, "wo-00000004", history))

			got, err := repo.GetStepHistory(ctx, "wo-00000004")
			require.NoError(t, err)
			require.NotNil(t, got)
			require.Len(t, got.Steps, 2)
			assert.Equal(t, workorder.StepCreateBranch, got.Steps[0].Step)
			assert.True(t, got.Steps[0].Success)
			assert.Equal(t, "boom", got.Steps[1].ErrorMessage)

			// Fresh save replaces the whole vector.
			history.Steps = history.Steps[:1]
			require.NoError(t, repo.SaveStepHistory(ctx, "wo-00000004", history))
			got, err = repo.GetStepHistory(ctx, "wo-00000004")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Len(t, got.Steps, 1)
		})
	}
}

func TestFileRepository_DocumentShape(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewFileRepository(dir)
	require.NoError(t, err)
	ctx := context.Background()

	state, metadata := testRecord("wo-00000005")
	require.NoError(t, repo.Create(ctx, state, metadata))
	require.NoError(t, repo.SaveStepHistory(ctx, "wo-00000005", workorder.StepHistory{
		WorkOrderID: "wo-00000005",
		Steps:       []workorder.StepExecutionResult{{Step: workorder.StepPlanning, AgentName: "planner", Success: true}},
	}))

	raw, err := os.ReadFile(filepath.Join(dir, "wo-00000005.json"))
	require.NoError(t, err)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Contains(t, doc, "state")
	assert.Contains(t, doc, "metadata")
	assert.Contains(t, doc, "step_history")

	// No leftover temp files from the atomic write path.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.Equal(t, ".json", filepath.Ext(e.Name()))
	}
}
