package handler

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/batchpilot/internal/api/response"
	"github.com/kiranshivaraju/batchpilot/internal/store"
	"github.com/kiranshivaraju/batchpilot/pkg/models"
)

const (
	defaultModel     = "gpt-3.5-turbo"
	defaultPageLimit = 20
	maxPageLimit     = 100
)

type createJobRequest struct {
	Name        string            `json:"name"`
	Description *string           `json:"description"`
	Model       string            `json:"model"`
	MaxTokens   *int              `json:"max_tokens"`
	Temperature *float64          `json:"temperature"`
	Metadata    map[string]string `json:"metadata"`
}

type updateJobRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

// CreateJob handles POST /jobs.
func (h *Jobs) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required", nil)
		return
	}
	if req.Model == "" {
		req.Model = defaultModel
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:          uuid.New(),
		Name:        req.Name,
		Description: req.Description,
		Status:      models.JobStatusPending,
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Metadata:    req.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := h.store.CreateJob(r.Context(), job); err != nil {
		h.writeError(w, r, "create job", err)
		return
	}

	h.logger.InfoContext(r.Context(), "job created", "job_id", job.ID, "name", job.Name)
	response.Created(w, job)
}

// ListJobs handles GET /jobs?status=&page=&limit=.
func (h *Jobs) ListJobs(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if !validStatusFilter(status) {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "unknown status filter", nil)
		return
	}
	page, ok := intQuery(r, "page", 1)
	if !ok {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "page must be a positive integer", nil)
		return
	}
	limit, ok := intQuery(r, "limit", defaultPageLimit)
	if !ok {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer", nil)
		return
	}
	limit = min(limit, maxPageLimit)

	jobs, total, err := h.store.ListJobs(r.Context(), store.JobFilter{Status: status, Page: page, Limit: limit})
	if err != nil {
		h.writeError(w, r, "list jobs", err)
		return
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}
	response.Collection(w, jobs, response.NewPaginationMeta(page, limit, total))
}

// GetJob handles GET /jobs/{jobID}.
func (h *Jobs) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	job, err := h.store.GetJob(r.Context(), id)
	if err != nil {
		h.writeError(w, r, "get job", err)
		return
	}
	response.JSON(w, job)
}

// UpdateJob handles PATCH /jobs/{jobID}. Only name and description are
// editable; status is owned by the engine.
func (h *Jobs) UpdateJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	var req updateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return
	}

	var opts []store.JobUpdateOption
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "name must not be empty", nil)
			return
		}
		opts = append(opts, store.WithName(name))
	}
	if req.Description != nil {
		opts = append(opts, store.WithDescription(*req.Description))
	}

	job, err := h.store.UpdateJob(r.Context(), id, opts...)
	if err != nil {
		h.writeError(w, r, "update job", err)
		return
	}
	response.JSON(w, job)
}

// DeleteJob handles DELETE /jobs/{jobID}. Jobs with a live remote batch
// cannot be deleted.
func (h *Jobs) DeleteJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	if err := h.store.DeleteJob(r.Context(), id); err != nil {
		h.writeError(w, r, "delete job", err)
		return
	}

	if h.statuses != nil {
		if err := h.statuses.DeleteJobStatus(r.Context(), id); err != nil {
			h.logger.WarnContext(r.Context(), "failed to drop cached job status", "job_id", id, "error", err)
		}
	}
	if h.archive != nil {
		if err := h.archive.DeleteJob(r.Context(), id); err != nil {
			h.logger.WarnContext(r.Context(), "failed to delete archived artifacts", "job_id", id, "error", err)
		}
	}

	h.logger.InfoContext(r.Context(), "job deleted", "job_id", id)
	response.NoContent(w)
}
