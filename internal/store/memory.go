// Copyright (C) 2026 Overseer
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/overseerhq/overseer/internal/workorder"
)

// MemoryRepository keeps all records in process memory behind one lock.
// Everything is lost on restart; intended for development and tests.
type MemoryRepository struct {
	mu        sync.Mutex
	records   map[string]*Record
	histories map[string]*workorder.StepHistory
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		records:   make(map[string]*Record),
		histories: make(map[string]*workorder.StepHistory),
	}
}

func (r *MemoryRepository) Create(_ context.Context, state workorder.State, metadata workorder.Metadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[state.WorkOrderID]; exists {
		return ErrConflict
	}
	r.records[state.WorkOrderID] = &Record{State: state, Metadata: metadata}
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.records[id]
	if !exists {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (r *MemoryRepository) List(_ context.Context, status workorder.Status) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		if status != "" && rec.Metadata.Status != status {
			continue
		}
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Metadata.CreatedAt.After(out[j].Metadata.CreatedAt)
	})
	return out, nil
}

func (r *MemoryRepository) UpdateStatus(_ context.Context, id string, status workorder.Status, fields StatusFields) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.records[id]
	if !exists {
		warnMissing("update_status", id)
		return nil
	}
	if !allowTransition(id, rec.Metadata.Status, status) {
		return nil
	}
	rec.Metadata.Status = status
	rec.Metadata.UpdatedAt = time.Now().UTC()
	applyStatusFields(&rec.Metadata, fields)
	return nil
}

func (r *MemoryRepository) UpdateGitBranch(_ context.Context, id, branch string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.records[id]
	if !exists {
		warnMissing("update_git_branch", id)
		return nil
	}
	rec.State.GitBranchName = branch
	rec.Metadata.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRepository) UpdateSessionID(_ context.Context, id, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.records[id]
	if !exists {
		warnMissing("update_session_id", id)
		return nil
	}
	rec.State.AgentSessionID = sessionID
	rec.Metadata.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRepository) SaveStepHistory(_ context.Context, id string, history workorder.StepHistory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	steps := make([]workorder.StepExecutionResult, len(history.Steps))
	copy(steps, history.Steps)
	r.histories[id] = &workorder.StepHistory{WorkOrderID: history.WorkOrderID, Steps: steps}
	return nil
}

func (r *MemoryRepository) GetStepHistory(_ context.Context, id string) (*workorder.StepHistory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, exists := r.histories[id]
	if !exists {
		return nil, nil
	}
	steps := make([]workorder.StepExecutionResult, len(h.Steps))
	copy(steps, h.Steps)
	return &workorder.StepHistory{WorkOrderID: h.WorkOrderID, Steps: steps}, nil
}
