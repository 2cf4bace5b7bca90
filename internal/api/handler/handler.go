// Package handler implements the HTTP handlers behind /api/v1.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/batchpilot/internal/api/response"
	"github.com/kiranshivaraju/batchpilot/internal/engine"
	"github.com/kiranshivaraju/batchpilot/internal/manifest"
	"github.com/kiranshivaraju/batchpilot/internal/provider"
	"github.com/kiranshivaraju/batchpilot/internal/store"
	"github.com/kiranshivaraju/batchpilot/pkg/models"
)

// Orchestrator runs the engine operations exposed for manual use.
type Orchestrator interface {
	Submit(ctx context.Context, jobID uuid.UUID) error
	Reconcile(ctx context.Context, jobID uuid.UUID) error
}

// StatusCache is the read side of the job status cache.
type StatusCache interface {
	GetJobStatus(ctx context.Context, jobID uuid.UUID) (string, bool, error)
	DeleteJobStatus(ctx context.Context, jobID uuid.UUID) error
}

// ArtifactStore reads archived artifacts.
type ArtifactStore interface {
	Get(ctx context.Context, jobID uuid.UUID, name string) ([]byte, error)
	DeleteJob(ctx context.Context, jobID uuid.UUID) error
}

// Jobs serves the job, request and response resources.
type Jobs struct {
	store    store.Store
	engine   Orchestrator
	statuses StatusCache
	archive  ArtifactStore
	logger   *slog.Logger
}

// NewJobs builds the job handlers. statuses and archive are optional.
func NewJobs(s store.Store, e Orchestrator, statuses StatusCache, archive ArtifactStore, logger *slog.Logger) *Jobs {
	if logger == nil {
		logger = slog.Default()
	}
	return &Jobs{
		store:    s,
		engine:   e,
		statuses: statuses,
		archive:  archive,
		logger:   logger.With("component", "api"),
	}
}

func jobIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_JOB_ID", "jobID must be a UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}

func intQuery(r *http.Request, key string, def int) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return 0, false
	}
	return v, true
}

// writeError maps store and engine errors onto the API error envelope.
func (h *Jobs) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Resource not found", nil)
	case errors.Is(err, engine.ErrJobLocked):
		response.Error(w, http.StatusLocked, "JOB_LOCKED", "Job is being processed elsewhere, retry shortly", nil)
	case errors.Is(err, engine.ErrEmptyJob):
		response.Error(w, http.StatusUnprocessableEntity, "EMPTY_JOB", "Job has no requests", nil)
	case errors.Is(err, manifest.ErrMalformedRequest):
		response.Error(w, http.StatusUnprocessableEntity, "MALFORMED_REQUEST", err.Error(), nil)
	case errors.Is(err, engine.ErrRemoteRejected):
		response.Error(w, http.StatusUnprocessableEntity, "PROVIDER_REJECTED", err.Error(), nil)
	case errors.Is(err, provider.ErrCircuitOpen):
		response.Error(w, http.StatusServiceUnavailable, "PROVIDER_CIRCUIT_OPEN", "Provider calls are paused after repeated failures", nil)
	case errors.Is(err, engine.ErrRemoteTransient):
		response.Error(w, http.StatusBadGateway, "PROVIDER_UNAVAILABLE", "The provider is not available, retry later", nil)
	case errors.Is(err, engine.ErrInvalidState), errors.Is(err, store.ErrStaleState):
		response.Error(w, http.StatusConflict, "INVALID_STATE", "Job is not in a state that allows this operation", nil)
	case errors.Is(err, store.ErrDuplicateKey):
		response.Error(w, http.StatusConflict, "DUPLICATE_CUSTOM_ID", "custom_id already exists in this job", nil)
	default:
		h.logger.ErrorContext(r.Context(), "request failed", "op", op, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}

func validStatusFilter(status string) bool {
	return status == "" || models.ValidJobStatus(status)
}
