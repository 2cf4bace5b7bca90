// Package provider defines the contract with the remote batch service and
// the error classification every implementation follows.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Every error returned by a Client wraps exactly one of these.
var (
	// ErrTransient covers network failures, timeouts, rate limiting and
	// server-side errors. The operation may succeed if retried later.
	ErrTransient = errors.New("provider transient failure")
	// ErrRejected is a permanent refusal: retrying the same call will fail again.
	ErrRejected = errors.New("provider rejected request")
)

// Remote batch statuses.
const (
	StatusValidating = "validating"
	StatusInProgress = "in_progress"
	StatusFinalizing = "finalizing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusExpired    = "expired"
	StatusCancelling = "cancelling"
	StatusCancelled  = "cancelled"
)

// Client is the four-operation contract with the remote batch service.
type Client interface {
	// Upload stores a manifest and returns its artifact id.
	Upload(ctx context.Context, name string, data []byte) (string, error)
	// CreateJob starts a remote batch over an uploaded manifest and returns
	// the remote job id.
	CreateJob(ctx context.Context, req CreateJobRequest) (string, error)
	GetStatus(ctx context.Context, externalJobID string) (*BatchStatus, error)
	Download(ctx context.Context, artifactID string) ([]byte, error)
}

type CreateJobRequest struct {
	ArtifactID       string
	Endpoint         string
	CompletionWindow string
	Metadata         map[string]string
}

type RequestCounts struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

type BatchError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Line    *int   `json:"line,omitempty"`
}

type BatchStatus struct {
	ID               string
	Status           string
	OutputArtifactID string
	ErrorArtifactID  string
	RequestCounts    RequestCounts
	Errors           []BatchError
}

// ErrorMessage joins the batch-level errors into one line, or returns
// fallback when the provider sent none.
func (s *BatchStatus) ErrorMessage(fallback string) string {
	if s == nil || len(s.Errors) == 0 {
		return fallback
	}
	parts := make([]string, 0, len(s.Errors))
	for _, e := range s.Errors {
		switch {
		case e.Code != "" && e.Message != "":
			parts = append(parts, e.Code+": "+e.Message)
		case e.Message != "":
			parts = append(parts, e.Message)
		case e.Code != "":
			parts = append(parts, e.Code)
		}
	}
	if len(parts) == 0 {
		return fallback
	}
	return strings.Join(parts, "; ")
}

// InProgress reports whether the remote batch has not reached a final status.
// Unknown statuses count as in progress.
func (s *BatchStatus) InProgress() bool {
	switch s.Status {
	case StatusCompleted, StatusFailed, StatusExpired, StatusCancelled:
		return false
	}
	return true
}

func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }
func IsRejected(err error) bool  { return errors.Is(err, ErrRejected) }

// ClassifyStatus maps a non-2xx HTTP status to a sentinel-wrapped error.
func ClassifyStatus(code int, msg string) error {
	if msg == "" {
		msg = http.StatusText(code)
	}
	switch {
	case code == http.StatusRequestTimeout,
		code == http.StatusConflict,
		code == http.StatusTooManyRequests,
		code >= 500:
		return fmt.Errorf("%w: status %d: %s", ErrTransient, code, msg)
	default:
		return fmt.Errorf("%w: status %d: %s", ErrRejected, code, msg)
	}
}

// ClassifyTransport wraps a transport-level failure as transient. When ctx
// itself is done the caller gave up, so err is returned as is.
func ClassifyTransport(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: timeout: %w", ErrTransient, err)
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}
