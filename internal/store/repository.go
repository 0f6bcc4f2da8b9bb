// Copyright (C) 2026 Overseer
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store persists work-order state, metadata, and step history
// behind a backend-agnostic repository interface.
package store

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/overseerhq/overseer/internal/logger"
	"github.com/overseerhq/overseer/internal/workorder"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetStoreLogger().With().Str("component", "repository").Logger()
		log = &l
	})
	return log
}

// ErrConflict is returned by Create when the work order id already exists.
var ErrConflict = errors.New("work order already exists")

// Record pairs a work order's core state with its metadata.
type Record struct {
	State    workorder.State
	Metadata workorder.Metadata
}

// StatusFields carries the optional extra fields merged by UpdateStatus.
// Nil pointers leave the stored value untouched.
type StatusFields struct {
	ErrorMessage   *string
	PullRequestURL *string
	CommitCount    *int
	FilesChanged   *int
}

// Repository is the work-order persistence interface. Updates against a
// missing id log a warning and return nil; only Create treats an existing
// id as an error. UpdateStatus enforces the pending → running →
// (completed|failed) graph: an illegal transition is logged and skipped.
type Repository interface {
	Create(ctx context.Context, state workorder.State, metadata workorder.Metadata) error
	Get(ctx context.Context, id string) (*Record, error)
	List(ctx context.Context, status workorder.Status) ([]Record, error)
	UpdateStatus(ctx context.Context, id string, status workorder.Status, fields StatusFields) error
	UpdateGitBranch(ctx context.Context, id, branch string) error
	UpdateSessionID(ctx context.Context, id, sessionID string) error
	SaveStepHistory(ctx context.Context, id string, history workorder.StepHistory) error
	GetStepHistory(ctx context.Context, id string) (*workorder.StepHistory, error)
}

// applyStatusFields merges non-nil fields into metadata.
func applyStatusFields(m *workorder.Metadata, fields StatusFields) {
	if fields.ErrorMessage != nil {
		m.ErrorMessage = *fields.ErrorMessage
	}
	if fields.PullRequestURL != nil {
		m.GithubPullRequestURL = *fields.PullRequestURL
	}
	if fields.CommitCount != nil {
		m.GitCommitCount = *fields.CommitCount
	}
	if fields.FilesChanged != nil {
		m.GitFilesChanged = *fields.FilesChanged
	}
}

func warnMissing(op, id string) {
	getLog().Warn().Str("work_order_id", id).Str("operation", op).Msg("work_order_not_found")
}

// allowTransition checks a status write against the lifecycle graph. Illegal
// writes are logged and skipped so a late racing writer cannot drag a
// terminal record backwards.
func allowTransition(id string, from, to workorder.Status) bool {
	if from.CanTransitionTo(to) {
		return true
	}
	getLog().Warn().
		Str("work_order_id", id).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("status_transition_rejected")
	return false
}
