// Copyright (C) 2026 Overseer
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/overseerhq/overseer/internal/workorder"
)

// fileDocument is the on-disk schema: one JSON document per work order.
type fileDocument struct {
	State       workorder.State        `json:"state"`
	Metadata    workorder.Metadata     `json:"metadata"`
	StepHistory *workorder.StepHistory `json:"step_history"`
}

// FileRepository stores one JSON file per work order under Dir. A single
// lock serializes all operations; files are written via temp-and-rename so
// a crash never leaves a torn document.
type FileRepository struct {
	dir string
	mu  sync.Mutex
}

// NewFileRepository creates the backing directory if needed.
func NewFileRepository(dir string) (*FileRepository, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &FileRepository{dir: dir}, nil
}

func (r *FileRepository) path(id string) string {
	return filepath.Join(r.dir, id+".json")
}

func (r *FileRepository) read(id string) (*fileDocument, error) {
	raw, err := os.ReadFile(r.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read state for %s: %w", id, err)
	}
	var doc fileDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("corrupt state file for %s: %w", id, err)
	}
	return &doc, nil
}

func (r *FileRepository) write(id string, doc *fileDocument) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state for %s: %w", id, err)
	}

	tmp, err := os.CreateTemp(r.dir, id+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write state for %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close temp state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), r.path(id)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to persist state for %s: %w", id, err)
	}
	return nil
}

func (r *FileRepository) Create(_ context.Context, state workorder.State, metadata workorder.Metadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := os.Stat(r.path(state.WorkOrderID)); err == nil {
		return ErrConflict
	}
	return r.write(state.WorkOrderID, &fileDocument{State: state, Metadata: metadata})
}

func (r *FileRepository) Get(_ context.Context, id string) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.read(id)
	if err != nil || doc == nil {
		return nil, err
	}
	return &Record{State: doc.State, Metadata: doc.Metadata}, nil
}

func (r *FileRepository) List(_ context.Context, status workorder.Status) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list state directory: %w", err)
	}

	var out []Record
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		doc, err := r.read(strings.TrimSuffix(name, ".json"))
		if err != nil {
			getLog().Warn().Err(err).Str("file", name).Msg("state_file_unreadable")
			continue
		}
		if doc == nil {
			continue
		}
		if status != "" && doc.Metadata.Status != status {
			continue
		}
		out = append(out, Record{State: doc.State, Metadata: doc.Metadata})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Metadata.CreatedAt.After(out[j].Metadata.CreatedAt)
	})
	return out, nil
}

func (r *FileRepository) mutate(op, id string, fn func(doc *fileDocument)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.read(id)
	if err != nil {
		return err
	}
	if doc == nil {
		warnMissing(op, id)
		return nil
	}
	fn(doc)
	return r.write(id, doc)
}

func (r *FileRepository) UpdateStatus(_ context.Context, id string, status workorder.Status, fields StatusFields) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.read(id)
	if err != nil {
		return err
	}
	if doc == nil {
		warnMissing("update_status", id)
		return nil
	}
	if !allowTransition(id, doc.Metadata.Status, status) {
		return nil
	}
	doc.Metadata.Status = status
	doc.Metadata.UpdatedAt = time.Now().UTC()
	applyStatusFields(&doc.Metadata, fields)
	return r.write(id, doc)
}

func (r *FileRepository) UpdateGitBranch(_ context.Context, id, branch string) error {
	return r.mutate("update_git_branch", id, func(doc *fileDocument) {
		doc.State.GitBranchName = branch
		doc.Metadata.UpdatedAt = time.Now().UTC()
	})
}

func (r *FileRepository) UpdateSessionID(_ context.Context, id, sessionID string) error {
	return r.mutate("update_session_id", id, func(doc *fileDocument) {
		doc.State.AgentSessionID = sessionID
		doc.Metadata.UpdatedAt = time.Now().UTC()
	})
}

func (r *FileRepository) SaveStepHistory(_ context.Context, id string, history workorder.StepHistory) error {
	return r.mutate("save_step_history", id, func(doc *fileDocument) {
		h := history
		doc.StepHistory = &h
	})
}

func (r *FileRepository) GetStepHistory(_ context.Context, id string) (*workorder.StepHistory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.read(id)
	if err != nil || doc == nil {
		return nil, err
	}
	return doc.StepHistory, nil
}
