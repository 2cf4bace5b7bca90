package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	RequestStatusPending    = "pending"
	RequestStatusProcessing = "processing"
	RequestStatusCompleted  = "completed"
	RequestStatusFailed     = "failed"
)

const (
	DefaultRequestMethod = "POST"
	DefaultRequestURL    = "/v1/chat/completions"
)

// Request is one caller-defined unit of work inside a Job. CustomID is the
// correlation id echoed back by the provider in every artifact line.
type Request struct {
	ID           uuid.UUID       `db:"id"            json:"id"`
	JobID        uuid.UUID       `db:"job_id"        json:"job_id"`
	Seq          int             `db:"seq"           json:"seq"`
	CustomID     string          `db:"custom_id"     json:"custom_id"`
	Status       string          `db:"status"        json:"status"`
	Method       string          `db:"method"        json:"method"`
	URL          string          `db:"url"           json:"url"`
	Body         json.RawMessage `db:"body"          json:"body"`
	RetryCount   int             `db:"retry_count"   json:"retry_count"`
	ErrorMessage *string         `db:"error_message" json:"error_message,omitempty"`
	CreatedAt    time.Time       `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at"    json:"updated_at"`
}
