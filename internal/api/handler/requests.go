package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/batchpilot/internal/api/response"
	"github.com/kiranshivaraju/batchpilot/pkg/models"
)

const maxRequestsPerCall = 50000

type requestInput struct {
	CustomID string          `json:"custom_id"`
	Method   string          `json:"method"`
	URL      string          `json:"url"`
	Body     json.RawMessage `json:"body"`
}

type addRequestsRequest struct {
	Requests []requestInput `json:"requests"`
}

// AddRequests handles POST /jobs/{jobID}/requests. Requests can only be
// appended while the job is pending.
func (h *Jobs) AddRequests(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	var req addRequestsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return
	}
	if len(req.Requests) == 0 {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "requests must not be empty", nil)
		return
	}
	if len(req.Requests) > maxRequestsPerCall {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "too many requests in one call", nil)
		return
	}

	now := time.Now().UTC()
	seen := make(map[string]struct{}, len(req.Requests))
	reqs := make([]*models.Request, 0, len(req.Requests))
	for _, in := range req.Requests {
		if in.CustomID == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "custom_id is required", nil)
			return
		}
		if _, dup := seen[in.CustomID]; dup {
			response.Error(w, http.StatusConflict, "DUPLICATE_CUSTOM_ID", "custom_id repeated in request: "+in.CustomID, nil)
			return
		}
		seen[in.CustomID] = struct{}{}
		if len(in.Body) == 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "body is required", nil)
			return
		}
		if in.Method == "" {
			in.Method = models.DefaultRequestMethod
		}
		if in.URL == "" {
			in.URL = models.DefaultRequestURL
		}
		reqs = append(reqs, &models.Request{
			ID:        uuid.New(),
			JobID:     jobID,
			CustomID:  in.CustomID,
			Status:    models.RequestStatusPending,
			Method:    in.Method,
			URL:       in.URL,
			Body:      in.Body,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}

	if err := h.store.AddRequests(r.Context(), jobID, reqs); err != nil {
		h.writeError(w, r, "add requests", err)
		return
	}

	h.logger.InfoContext(r.Context(), "requests added", "job_id", jobID, "count", len(reqs))
	response.Created(w, reqs)
}

// ListRequests handles GET /jobs/{jobID}/requests.
func (h *Jobs) ListRequests(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	if _, err := h.store.GetJob(r.Context(), jobID); err != nil {
		h.writeError(w, r, "list requests", err)
		return
	}
	reqs, err := h.store.ListRequests(r.Context(), jobID)
	if err != nil {
		h.writeError(w, r, "list requests", err)
		return
	}
	if reqs == nil {
		reqs = []*models.Request{}
	}
	response.JSON(w, reqs)
}

// GetRequest handles GET /jobs/{jobID}/requests/{customID}.
func (h *Jobs) GetRequest(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	req, err := h.store.GetRequestByCustomID(r.Context(), jobID, chi.URLParam(r, "customID"))
	if err != nil {
		h.writeError(w, r, "get request", err)
		return
	}
	response.JSON(w, req)
}

// ListResponses handles GET /jobs/{jobID}/responses.
func (h *Jobs) ListResponses(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	if _, err := h.store.GetJob(r.Context(), jobID); err != nil {
		h.writeError(w, r, "list responses", err)
		return
	}
	resps, err := h.store.ListResponses(r.Context(), jobID)
	if err != nil {
		h.writeError(w, r, "list responses", err)
		return
	}
	if resps == nil {
		resps = []*models.Response{}
	}
	response.JSON(w, resps)
}
