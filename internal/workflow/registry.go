// Copyright (C) 2026 Overseer
// SPDX-License-Identifier: AGPL-3.0-or-later

package workflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/overseerhq/overseer/internal/logger"
	"github.com/overseerhq/overseer/internal/store"
	"github.com/overseerhq/overseer/internal/workorder"
)

// Task is the handle for one live workflow goroutine.
type Task struct {
	WorkOrderID string
	done        chan struct{}
	err         error
}

// Done is closed when the task terminates.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the task's terminal error, valid after Done is closed.
func (t *Task) Err() error { return t.err }

// Registry tracks one background task per live work order. It is the second
// defense layer: even if the orchestrator crashes before its own failure
// handling runs, the wrapper here records a terminal failed status.
type Registry struct {
	orchestrator *Orchestrator
	repo         store.Repository

	mu    sync.Mutex
	tasks map[string]*Task
}

// NewRegistry creates an empty registry.
func NewRegistry(orchestrator *Orchestrator, repo store.Repository) *Registry {
	return &Registry{
		orchestrator: orchestrator,
		repo:         repo,
		tasks:        make(map[string]*Task),
	}
}

// Schedule starts the workflow in a goroutine and registers its handle.
// The context passed in should outlive the HTTP request that triggered it.
func (r *Registry) Schedule(ctx context.Context, req Request) *Task {
	task := &Task{WorkOrderID: req.WorkOrderID, done: make(chan struct{})}

	r.mu.Lock()
	r.tasks[req.WorkOrderID] = task
	r.mu.Unlock()

	go func() {
		defer r.finish(ctx, task)
		task.err = r.executeWithErrorHandling(ctx, req)
	}()

	return task
}

// executeWithErrorHandling converts an escaped panic into a terminal failed
// status. Orchestrator-level failures already persisted their status; only a
// crash before that path needs the diagnostic prefix.
func (r *Registry) executeWithErrorHandling(ctx context.Context, req Request) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			msg := fmt.Sprintf("Workflow execution failed before orchestrator could handle it: %v", rec)
			err = fmt.Errorf("%s", msg)
			if updateErr := r.repo.UpdateStatus(ctx, req.WorkOrderID, workorder.StatusFailed, store.StatusFields{ErrorMessage: &msg}); updateErr != nil {
				getLog().Error().Err(updateErr).Str("work_order_id", req.WorkOrderID).Msg("status_update_failed")
			}
		}
	}()
	return r.orchestrator.ExecuteWorkflow(ctx, req)
}

// finish is the done-callback: it emits the terminal event, closes the
// status fail-safe, and always removes the task from the registry.
func (r *Registry) finish(ctx context.Context, task *Task) {
	wlog := logger.ForWorkOrder(*getLog(), task.WorkOrderID)

	if task.err == nil {
		wlog.Info().Msg("workflow_task_completed")
	} else {
		wlog.Error().
			Str("error_type", fmt.Sprintf("%T", task.err)).
			Str("error_message", task.err.Error()).
			Msg("workflow_task_failed")

		// Fail-close: only write failed if the orchestrator's own handler
		// has not already recorded it.
		if rec, getErr := r.repo.Get(ctx, task.WorkOrderID); getErr == nil && rec != nil && rec.Metadata.Status != workorder.StatusFailed {
			msg := task.err.Error()
			if updateErr := r.repo.UpdateStatus(ctx, task.WorkOrderID, workorder.StatusFailed, store.StatusFields{ErrorMessage: &msg}); updateErr != nil {
				wlog.Error().Err(updateErr).Msg("status_update_failed")
			}
		}
	}

	r.mu.Lock()
	delete(r.tasks, task.WorkOrderID)
	r.mu.Unlock()

	close(task.done)
}

// Get returns the live task for a work order, if any.
func (r *Registry) Get(workOrderID string) (*Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[workOrderID]
	return t, ok
}

// Running returns the ids of all live tasks.
func (r *Registry) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.tasks))
	for id := range r.tasks {
		ids = append(ids, id)
	}
	return ids
}
