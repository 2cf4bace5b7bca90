package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Response is the outcome of exactly one Request. It carries either a success
// body or an error payload and is written once, during ingestion.
type Response struct {
	ID                uuid.UUID       `db:"id"                  json:"id"`
	JobID             uuid.UUID       `db:"job_id"              json:"job_id"`
	RequestID         uuid.UUID       `db:"request_id"          json:"request_id"`
	CustomID          string          `db:"custom_id"           json:"custom_id"`
	ResponseBody      json.RawMessage `db:"response_body"       json:"response_body,omitempty"`
	Error             json.RawMessage `db:"error"               json:"error,omitempty"`
	StatusCode        *int            `db:"status_code"         json:"status_code,omitempty"`
	ProviderRequestID *string         `db:"provider_request_id" json:"provider_request_id,omitempty"`
	PromptTokens      *int            `db:"prompt_tokens"       json:"prompt_tokens,omitempty"`
	CompletionTokens  *int            `db:"completion_tokens"   json:"completion_tokens,omitempty"`
	TotalTokens       *int            `db:"total_tokens"        json:"total_tokens,omitempty"`
	CreatedAt         time.Time       `db:"created_at"          json:"created_at"`
}

// Succeeded reports whether the response carries a success payload.
func (r *Response) Succeeded() bool {
	return len(r.Error) == 0 && len(r.ResponseBody) > 0
}
