// Copyright (C) 2026 Overseer
// SPDX-License-Identifier: AGPL-3.0-or-later

package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/samber/lo"

	"github.com/overseerhq/overseer/internal/gitops"
	"github.com/overseerhq/overseer/internal/store"
	"github.com/overseerhq/overseer/internal/workorder"
)

// Reconciler detects and optionally repairs drift between the state
// repository and the sandbox filesystem.
type Reconciler struct {
	Repo     store.Repository
	TempBase string
}

// Report is the outcome of one reconciliation pass.
type Report struct {
	OrphanedSandboxes  []string `json:"orphaned_sandboxes"`
	DanglingWorkOrders []string `json:"dangling_work_orders"`
	Fixed              bool     `json:"fixed"`
}

// FindOrphanedSandboxes returns sandbox directories on disk that no state
// record claims: clone directories under <temp_base>/sandbox-* and worktree
// directories under <temp_base>/repos/*/trees/*.
func (r *Reconciler) FindOrphanedSandboxes(ctx context.Context) ([]string, error) {
	records, err := r.Repo.List(ctx, "")
	if err != nil {
		return nil, err
	}
	known := lo.SliceToMap(records, func(rec store.Record) (string, struct{}) {
		return rec.State.SandboxIdentifier, struct{}{}
	})
	knownIDs := lo.SliceToMap(records, func(rec store.Record) (string, struct{}) {
		return rec.State.WorkOrderID, struct{}{}
	})

	var orphans []string

	entries, err := os.ReadDir(r.TempBase)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to scan temp base: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "sandbox-") {
			continue
		}
		if _, ok := known[entry.Name()]; !ok {
			orphans = append(orphans, filepath.Join(r.TempBase, entry.Name()))
		}
	}

	trees, _ := filepath.Glob(filepath.Join(r.TempBase, "repos", "*", "trees", "*"))
	for _, tree := range trees {
		if _, ok := knownIDs[filepath.Base(tree)]; !ok {
			orphans = append(orphans, tree)
		}
	}

	return orphans, nil
}

// FindDanglingState returns ids of running worktree work orders whose
// worktree directory has vanished. Terminal work orders are excluded since
// cleanup removes their worktrees by design of the workflow.
func (r *Reconciler) FindDanglingState(ctx context.Context) ([]string, error) {
	records, err := r.Repo.List(ctx, workorder.StatusRunning)
	if err != nil {
		return nil, err
	}

	dangling := lo.FilterMap(records, func(rec store.Record, _ int) (string, bool) {
		if rec.Metadata.SandboxType != workorder.SandboxWorktree {
			return "", false
		}
		tree := filepath.Join(r.TempBase, "repos", workorder.RepoHash(rec.State.RepositoryURL), "trees", rec.State.WorkOrderID)
		if _, statErr := os.Stat(tree); statErr == nil {
			return "", false
		}
		return rec.State.WorkOrderID, true
	})
	return dangling, nil
}

// Reconcile runs both scans. With fix set, orphaned directories are deleted
// and dangling work orders are marked failed. A failed fix is logged and
// does not block the remaining fixes.
func (r *Reconciler) Reconcile(ctx context.Context, fix bool) (*Report, error) {
	orphans, err := r.FindOrphanedSandboxes(ctx)
	if err != nil {
		return nil, err
	}
	dangling, err := r.FindDanglingState(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{OrphanedSandboxes: orphans, DanglingWorkOrders: dangling, Fixed: fix}
	if !fix {
		return report, nil
	}

	for _, orphan := range orphans {
		if err := os.RemoveAll(orphan); err != nil {
			getLog().Error().Err(err).Str("path", orphan).Msg("orphan_removal_failed")
			continue
		}
		// Deleted worktree directories leave stale git bookkeeping in the
		// base repo; prune it when the base still exists.
		if strings.Contains(orphan, string(filepath.Separator)+"trees"+string(filepath.Separator)) {
			basePath := filepath.Join(filepath.Dir(filepath.Dir(orphan)), "main")
			if _, statErr := os.Stat(basePath); statErr == nil {
				gitops.PruneWorktrees(ctx, basePath)
			}
		}
		getLog().Info().Str("path", orphan).Msg("orphan_removed")
	}

	for _, id := range dangling {
		msg := "reconciliation: worktree directory missing for running work order"
		if err := r.Repo.UpdateStatus(ctx, id, workorder.StatusFailed, store.StatusFields{ErrorMessage: &msg}); err != nil {
			getLog().Error().Err(err).Str("work_order_id", id).Msg("dangling_state_fix_failed")
			continue
		}
		getLog().Info().Str("work_order_id", id).Msg("dangling_state_failed")
	}

	return report, nil
}
