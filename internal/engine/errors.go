package engine

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/batchpilot/internal/provider"
	"github.com/kiranshivaraju/batchpilot/internal/store"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrInvalidState      = errors.New("invalid job state")
	ErrEmptyJob          = errors.New("job has no requests")
	ErrNotFound          = store.ErrNotFound
	ErrRemoteTransient   = provider.ErrTransient
	ErrRemoteRejected    = provider.ErrRejected
	ErrMalformedArtifact = errors.New("malformed artifact record")
	ErrOrphanRecord      = errors.New("artifact record matches no request")
	ErrJobLocked         = errors.New("job locked by another worker")
)

// Error ties a failure to the job and operation it happened in. Kind is one
// of the sentinels above, or nil for infrastructure faults such as a store
// outage.
type Error struct {
	Kind  error
	JobID uuid.UUID
	Op    string
	Err   error
}

func (e *Error) Error() string {
	switch {
	case e.Kind != nil && e.Err != nil && e.Err != e.Kind:
		return fmt.Sprintf("%s job %s: %v: %v", e.Op, e.JobID, e.Kind, e.Err)
	case e.Kind != nil:
		return fmt.Sprintf("%s job %s: %v", e.Op, e.JobID, e.Kind)
	default:
		return fmt.Sprintf("%s job %s: %v", e.Op, e.JobID, e.Err)
	}
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func jobError(op string, jobID uuid.UUID, kind, err error) error {
	return &Error{Kind: kind, JobID: jobID, Op: op, Err: err}
}

// classify picks the taxonomy kind for an error coming out of the store or
// the provider.
func classify(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, store.ErrStaleState):
		return ErrInvalidState
	case errors.Is(err, provider.ErrTransient):
		return ErrRemoteTransient
	case errors.Is(err, provider.ErrRejected):
		return ErrRemoteRejected
	}
	return nil
}
