// Copyright (C) 2026 Overseer
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/overseerhq/overseer/internal/workorder"
)

// GormRepository persists work orders in a relational database via gorm.
// Postgres is the production driver; sqlite serves tests and single-node
// deployments.
type GormRepository struct {
	db *gorm.DB
}

// NewGormRepository opens the database and migrates the schema.
func NewGormRepository(driverName, dsn string) (*GormRepository, error) {
	var dialector gorm.Dialector
	switch driverName {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driverName)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.AutoMigrate(&WorkOrderModel{}, &WorkOrderStepModel{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &GormRepository{db: db}, nil
}

func (r *GormRepository) Create(ctx context.Context, state workorder.State, metadata workorder.Metadata) error {
	model := toModel(state, metadata)

	var existing WorkOrderModel
	err := r.db.WithContext(ctx).Select("work_order_id").First(&existing, "work_order_id = ?", state.WorkOrderID).Error
	if err == nil {
		return ErrConflict
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("failed to check for existing work order: %w", err)
	}

	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("failed to create work order: %w", err)
	}
	return nil
}

func (r *GormRepository) Get(ctx context.Context, id string) (*Record, error) {
	var model WorkOrderModel
	err := r.db.WithContext(ctx).First(&model, "work_order_id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get work order: %w", err)
	}
	rec := fromModel(&model)
	return &rec, nil
}

func (r *GormRepository) List(ctx context.Context, status workorder.Status) ([]Record, error) {
	query := r.db.WithContext(ctx).Order("created_at desc")
	if status != "" {
		query = query.Where("status = ?", string(status))
	}

	var models []WorkOrderModel
	if err := query.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to list work orders: %w", err)
	}

	out := make([]Record, 0, len(models))
	for i := range models {
		out = append(out, fromModel(&models[i]))
	}
	return out, nil
}

// mutate loads, applies fn, and writes back the full row. Missing ids log a
// warning and return nil, matching the other backends.
func (r *GormRepository) mutate(ctx context.Context, op, id string, fn func(m *WorkOrderModel)) error {
	var model WorkOrderModel
	err := r.db.WithContext(ctx).First(&model, "work_order_id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		warnMissing(op, id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load work order: %w", err)
	}

	fn(&model)
	model.UpdatedAt = time.Now().UTC()

	if err := r.db.WithContext(ctx).Save(&model).Error; err != nil {
		return fmt.Errorf("failed to update work order: %w", err)
	}
	return nil
}

// UpdateStatus checks the transition inside the row transaction so racing
// writers serialize on the database, not on a stale read.
func (r *GormRepository) UpdateStatus(ctx context.Context, id string, status workorder.Status, fields StatusFields) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model WorkOrderModel
		err := tx.First(&model, "work_order_id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			warnMissing("update_status", id)
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load work order: %w", err)
		}
		if !allowTransition(id, workorder.Status(model.Status), status) {
			return nil
		}

		model.Status = string(status)
		model.UpdatedAt = time.Now().UTC()
		if fields.ErrorMessage != nil {
			model.Metadata.ErrorMessage = *fields.ErrorMessage
		}
		if fields.PullRequestURL != nil {
			model.Metadata.GithubPullRequestURL = *fields.PullRequestURL
		}
		if fields.CommitCount != nil {
			model.Metadata.GitCommitCount = *fields.CommitCount
		}
		if fields.FilesChanged != nil {
			model.Metadata.GitFilesChanged = *fields.FilesChanged
		}

		if err := tx.Save(&model).Error; err != nil {
			return fmt.Errorf("failed to update work order: %w", err)
		}
		return nil
	})
}

func (r *GormRepository) UpdateGitBranch(ctx context.Context, id, branch string) error {
	return r.mutate(ctx, "update_git_branch", id, func(m *WorkOrderModel) {
		m.GitBranchName = branch
	})
}

func (r *GormRepository) UpdateSessionID(ctx context.Context, id, sessionID string) error {
	return r.mutate(ctx, "update_session_id", id, func(m *WorkOrderModel) {
		m.AgentSessionID = sessionID
	})
}

// SaveStepHistory replaces the full step vector in one transaction.
func (r *GormRepository) SaveStepHistory(ctx context.Context, id string, history workorder.StepHistory) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("work_order_id = ?", id).Delete(&WorkOrderStepModel{}).Error; err != nil {
			return fmt.Errorf("failed to clear step history: %w", err)
		}
		if len(history.Steps) == 0 {
			return nil
		}

		rows := make([]WorkOrderStepModel, 0, len(history.Steps))
		for i, step := range history.Steps {
			rows = append(rows, WorkOrderStepModel{
				WorkOrderID:     id,
				Step:            string(step.Step),
				AgentName:       step.AgentName,
				Success:         step.Success,
				Output:          step.Output,
				ErrorMessage:    step.ErrorMessage,
				DurationSeconds: step.DurationSeconds,
				SessionID:       step.SessionID,
				ExecutedAt:      step.Timestamp,
				StepOrder:       i,
			})
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("failed to insert step history: %w", err)
		}
		return nil
	})
}

func (r *GormRepository) GetStepHistory(ctx context.Context, id string) (*workorder.StepHistory, error) {
	var rows []WorkOrderStepModel
	err := r.db.WithContext(ctx).
		Where("work_order_id = ?", id).
		Order("step_order asc").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load step history: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	history := &workorder.StepHistory{WorkOrderID: id, Steps: make([]workorder.StepExecutionResult, 0, len(rows))}
	for _, row := range rows {
		history.Steps = append(history.Steps, workorder.StepExecutionResult{
			Step:            workorder.Step(row.Step),
			AgentName:       row.AgentName,
			Success:         row.Success,
			Output:          row.Output,
			ErrorMessage:    row.ErrorMessage,
			DurationSeconds: row.DurationSeconds,
			SessionID:       row.SessionID,
			Timestamp:       row.ExecutedAt,
		})
	}
	return history, nil
}
