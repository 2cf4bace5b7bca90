package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/batchpilot/internal/api/response"
	"github.com/kiranshivaraju/batchpilot/internal/archive"
)

type jobStatus struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	Cached bool   `json:"cached"`
}

// Submit handles POST /jobs/{jobID}/submit, running one submission outside
// the driver's schedule.
func (h *Jobs) Submit(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	if err := h.engine.Submit(r.Context(), id); err != nil {
		h.writeError(w, r, "submit job", err)
		return
	}
	job, err := h.store.GetJob(r.Context(), id)
	if err != nil {
		h.writeError(w, r, "submit job", err)
		return
	}
	response.Accepted(w, job)
}

// Check handles POST /jobs/{jobID}/check, polling the remote batch once and
// ingesting results if it has finished.
func (h *Jobs) Check(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	if err := h.engine.Reconcile(r.Context(), id); err != nil {
		h.writeError(w, r, "check job", err)
		return
	}
	job, err := h.store.GetJob(r.Context(), id)
	if err != nil {
		h.writeError(w, r, "check job", err)
		return
	}
	response.JSON(w, job)
}

// Status handles GET /jobs/{jobID}/status. The Redis copy is served when
// present; any cache failure falls back to the database.
func (h *Jobs) Status(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}

	if h.statuses != nil {
		status, found, err := h.statuses.GetJobStatus(r.Context(), id)
		if err != nil {
			h.logger.WarnContext(r.Context(), "status cache read failed", "job_id", id, "error", err)
		}
		if err == nil && found {
			response.JSON(w, jobStatus{JobID: id.String(), Status: status, Cached: true})
			return
		}
	}

	job, err := h.store.GetJob(r.Context(), id)
	if err != nil {
		h.writeError(w, r, "job status", err)
		return
	}
	response.JSON(w, jobStatus{JobID: id.String(), Status: job.Status})
}

// Artifact handles GET /jobs/{jobID}/artifacts/{kind}, streaming back an
// archived manifest, output or error file.
func (h *Jobs) Artifact(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "kind")
	switch name {
	case archive.Manifest, archive.Output, archive.Errors:
	default:
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "kind must be manifest, output or error", nil)
		return
	}
	if h.archive == nil {
		response.Error(w, http.StatusNotImplemented, "ARCHIVE_DISABLED", "Artifact archive is not configured", nil)
		return
	}

	data, err := h.archive.Get(r.Context(), id, name)
	switch {
	case errors.Is(err, archive.ErrDisabled):
		response.Error(w, http.StatusNotImplemented, "ARCHIVE_DISABLED", "Artifact archive is not configured", nil)
		return
	case errors.Is(err, archive.ErrNotFound):
		response.Error(w, http.StatusNotFound, "ARTIFACT_NOT_FOUND", "No archived artifact of that kind", nil)
		return
	case err != nil:
		h.writeError(w, r, "get artifact", err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	w.Write(data) //nolint:errcheck
}
