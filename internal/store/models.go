// Copyright (C) 2026 Overseer
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/overseerhq/overseer/internal/workorder"
)

// MetadataBlob holds the less frequently queried metadata fields as a JSON
// column on work_orders. Status and timestamps get flat columns instead.
type MetadataBlob struct {
	SandboxType          workorder.SandboxType `json:"sandbox_type"`
	GithubIssueNumber    int                   `json:"github_issue_number,omitempty"`
	GithubPullRequestURL string                `json:"github_pull_request_url,omitempty"`
	GitCommitCount       int                   `json:"git_commit_count,omitempty"`
	GitFilesChanged      int                   `json:"git_files_changed,omitempty"`
	ErrorMessage         string                `json:"error_message,omitempty"`
}

// Scan implements sql.Scanner.
func (b *MetadataBlob) Scan(value interface{}) error {
	if value == nil {
		*b = MetadataBlob{}
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into MetadataBlob", value)
	}
	return json.Unmarshal(raw, b)
}

// Value implements driver.Valuer.
func (b MetadataBlob) Value() (driver.Value, error) {
	return json.Marshal(b)
}

// WorkOrderModel is the gorm model for the work_orders table.
type WorkOrderModel struct {
	WorkOrderID       string       `gorm:"primaryKey;column:work_order_id"`
	RepositoryURL     string       `gorm:"column:repository_url;not null"`
	SandboxIdentifier string       `gorm:"column:sandbox_identifier;not null"`
	GitBranchName     string       `gorm:"column:git_branch_name"`
	AgentSessionID    string       `gorm:"column:agent_session_id"`
	Status            string       `gorm:"column:status;not null;index"`
	Metadata          MetadataBlob `gorm:"column:metadata;type:json"`
	CreatedAt         time.Time    `gorm:"column:created_at;index"`
	UpdatedAt         time.Time    `gorm:"column:updated_at"`

	Steps []WorkOrderStepModel `gorm:"foreignKey:WorkOrderID;constraint:OnDelete:CASCADE"`
}

// TableName overrides the gorm default.
func (WorkOrderModel) TableName() string { return "work_orders" }

// WorkOrderStepModel is the gorm model for the work_order_steps table, one
// row per step attempt ordered by step_order.
type WorkOrderStepModel struct {
	ID              uint      `gorm:"primaryKey;autoIncrement"`
	WorkOrderID     string    `gorm:"column:work_order_id;not null;index"`
	Step            string    `gorm:"column:step;not null"`
	AgentName       string    `gorm:"column:agent_name;not null"`
	Success         bool      `gorm:"column:success;not null"`
	Output          string    `gorm:"column:output"`
	ErrorMessage    string    `gorm:"column:error_message"`
	DurationSeconds float64   `gorm:"column:duration_seconds"`
	SessionID       string    `gorm:"column:session_id"`
	ExecutedAt      time.Time `gorm:"column:executed_at"`
	StepOrder       int       `gorm:"column:step_order;not null"`
}

// TableName overrides the gorm default.
func (WorkOrderStepModel) TableName() string { return "work_order_steps" }

// toModel flattens a record into the gorm model.
func toModel(state workorder.State, metadata workorder.Metadata) *WorkOrderModel {
	return &WorkOrderModel{
		WorkOrderID:       state.WorkOrderID,
		RepositoryURL:     state.RepositoryURL,
		SandboxIdentifier: state.SandboxIdentifier,
		GitBranchName:     state.GitBranchName,
		AgentSessionID:    state.AgentSessionID,
		Status:            string(metadata.Status),
		Metadata: MetadataBlob{
			SandboxType:          metadata.SandboxType,
			GithubIssueNumber:    metadata.GithubIssueNumber,
			GithubPullRequestURL: metadata.GithubPullRequestURL,
			GitCommitCount:       metadata.GitCommitCount,
			GitFilesChanged:      metadata.GitFilesChanged,
			ErrorMessage:         metadata.ErrorMessage,
		},
		CreatedAt: metadata.CreatedAt,
		UpdatedAt: metadata.UpdatedAt,
	}
}

// fromModel reconstructs a record from the gorm model.
func fromModel(m *WorkOrderModel) Record {
	return Record{
		State: workorder.State{
			WorkOrderID:       m.WorkOrderID,
			RepositoryURL:     m.RepositoryURL,
			SandboxIdentifier: m.SandboxIdentifier,
			GitBranchName:     m.GitBranchName,
			AgentSessionID:    m.AgentSessionID,
		},
		Metadata: workorder.Metadata{
			SandboxType:          m.Metadata.SandboxType,
			Status:               workorder.Status(m.Status),
			CreatedAt:            m.CreatedAt,
			UpdatedAt:            m.UpdatedAt,
			GithubIssueNumber:    m.Metadata.GithubIssueNumber,
			GithubPullRequestURL: m.Metadata.GithubPullRequestURL,
			GitCommitCount:       m.Metadata.GitCommitCount,
			GitFilesChanged:      m.Metadata.GitFilesChanged,
			ErrorMessage:         m.Metadata.ErrorMessage,
		},
	}
}
