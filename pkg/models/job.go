// Package models contains shared data models used across the batchpilot codebase.
package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusCancelled  = "cancelled"
)

// IsTerminalJobStatus reports whether a job in this status will never be
// touched by the engine again.
func IsTerminalJobStatus(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// ValidJobStatus reports whether status is one of the known job statuses.
func ValidJobStatus(status string) bool {
	switch status {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Job groups many requests that are submitted to the provider together as one
// remote batch. Linkage fields stay nil until the job is submitted; output and
// error artifact ids are only known once the remote batch is terminal.
type Job struct {
	ID          uuid.UUID `db:"id"          json:"id"`
	Name        string    `db:"name"        json:"name"`
	Description *string   `db:"description" json:"description,omitempty"`
	Status      string    `db:"status"      json:"status"`

	ExternalJobID    *string `db:"external_job_id"    json:"external_job_id,omitempty"`
	InputArtifactID  *string `db:"input_artifact_id"  json:"input_artifact_id,omitempty"`
	OutputArtifactID *string `db:"output_artifact_id" json:"output_artifact_id,omitempty"`
	ErrorArtifactID  *string `db:"error_artifact_id"  json:"error_artifact_id,omitempty"`

	TotalRequests     int `db:"total_requests"     json:"total_requests"`
	CompletedRequests int `db:"completed_requests" json:"completed_requests"`
	FailedRequests    int `db:"failed_requests"    json:"failed_requests"`

	Model       string            `db:"model"       json:"model"`
	MaxTokens   *int              `db:"max_tokens"  json:"max_tokens,omitempty"`
	Temperature *float64          `db:"temperature" json:"temperature,omitempty"`
	Metadata    map[string]string `db:"metadata"    json:"metadata,omitempty"`

	ErrorMessage *string    `db:"error_message" json:"error_message,omitempty"`
	SubmittedAt  *time.Time `db:"submitted_at"  json:"submitted_at,omitempty"`
	CompletedAt  *time.Time `db:"completed_at"  json:"completed_at,omitempty"`
	CreatedAt    time.Time  `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"    json:"updated_at"`
}
