package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/batchpilot/internal/api/handler"
	"github.com/kiranshivaraju/batchpilot/internal/archive"
	"github.com/kiranshivaraju/batchpilot/internal/store"
	"github.com/kiranshivaraju/batchpilot/pkg/models"
	"github.com/stretchr/testify/require"
)

// ─── mock store ──────────────────────────────────────────────────────────────

type mockStore struct {
	mu         sync.Mutex
	jobs       map[uuid.UUID]*models.Job
	requests   map[uuid.UUID][]*models.Request
	responses  map[uuid.UUID][]*models.Response
	pingErr    error
	err        error
	lastFilter store.JobFilter
	updateOpts int
}

func newMockStore() *mockStore {
	return &mockStore{
		jobs:      make(map[uuid.UUID]*models.Job),
		requests:  make(map[uuid.UUID][]*models.Request),
		responses: make(map[uuid.UUID][]*models.Response),
	}
}

func (s *mockStore) put(job *models.Job) *models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	s.jobs[job.ID] = job
	return job
}

func (s *mockStore) Ping(context.Context) error { return s.pingErr }

func (s *mockStore) CreateJob(_ context.Context, job *models.Job) error {
	if s.err != nil {
		return s.err
	}
	s.put(job)
	return nil
}

func (s *mockStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *mockStore) ListJobs(_ context.Context, f store.JobFilter) ([]*models.Job, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastFilter = f
	if s.err != nil {
		return nil, 0, s.err
	}
	var out []*models.Job
	for _, j := range s.jobs {
		if f.Status == "" || j.Status == f.Status {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	total := len(out)
	start := min((f.Page-1)*f.Limit, total)
	end := min(start+f.Limit, total)
	return out[start:end], total, nil
}

func (s *mockStore) UpdateJob(_ context.Context, id uuid.UUID, opts ...store.JobUpdateOption) (*models.Job, error) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return nil, store.ErrNotFound
	}
	s.updateOpts = len(opts)
	cp := *j
	return &cp, nil
}

func (s *mockStore) DeleteJob(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if j.Status == models.JobStatusProcessing {
		return store.ErrStaleState
	}
	delete(s.jobs, id)
	delete(s.requests, id)
	return nil
}

func (s *mockStore) AddRequests(_ context.Context, jobID uuid.UUID, reqs []*models.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return store.ErrNotFound
	}
	if j.Status != models.JobStatusPending {
		return store.ErrStaleState
	}
	for _, r := range reqs {
		for _, existing := range s.requests[jobID] {
			if existing.CustomID == r.CustomID {
				return store.ErrDuplicateKey
			}
		}
	}
	for i, r := range reqs {
		r.Seq = j.TotalRequests + i
	}
	s.requests[jobID] = append(s.requests[jobID], reqs...)
	j.TotalRequests += len(reqs)
	return nil
}

func (s *mockStore) ListRequests(_ context.Context, jobID uuid.UUID) ([]*models.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[jobID], nil
}

func (s *mockStore) GetRequestByCustomID(_ context.Context, jobID uuid.UUID, customID string) (*models.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.requests[jobID] {
		if r.CustomID == customID {
			return r, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *mockStore) ListResponses(_ context.Context, jobID uuid.UUID) ([]*models.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.responses[jobID], nil
}

func (s *mockStore) MarkSubmitted(context.Context, uuid.UUID, store.Submission) error {
	return errors.New("not used")
}
func (s *mockStore) MarkRejected(context.Context, uuid.UUID, string) error {
	return errors.New("not used")
}
func (s *mockStore) RecordResponse(context.Context, *models.Response, store.RequestOutcome) (bool, error) {
	return false, errors.New("not used")
}
func (s *mockStore) FinishJob(context.Context, uuid.UUID, store.Completion) (*models.Job, error) {
	return nil, errors.New("not used")
}

func (s *mockStore) Stats(context.Context) (*models.Stats, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &models.Stats{TotalJobs: len(s.jobs)}, nil
}

var _ store.Store = (*mockStore)(nil)

// ─── mock engine ─────────────────────────────────────────────────────────────

type mockEngine struct {
	submitErr    error
	reconcileErr error
	onSubmit     func(uuid.UUID)
	calls        []string
}

func (e *mockEngine) Submit(_ context.Context, id uuid.UUID) error {
	e.calls = append(e.calls, "submit")
	if e.submitErr != nil {
		return e.submitErr
	}
	if e.onSubmit != nil {
		e.onSubmit(id)
	}
	return nil
}

func (e *mockEngine) Reconcile(_ context.Context, _ uuid.UUID) error {
	e.calls = append(e.calls, "reconcile")
	return e.reconcileErr
}

// ─── mock status cache ───────────────────────────────────────────────────────

type mockStatuses struct {
	statuses map[uuid.UUID]string
	err      error
	deleted  []uuid.UUID
}

func (c *mockStatuses) GetJobStatus(_ context.Context, id uuid.UUID) (string, bool, error) {
	if c.err != nil {
		return "", false, c.err
	}
	s, ok := c.statuses[id]
	return s, ok, nil
}

func (c *mockStatuses) DeleteJobStatus(_ context.Context, id uuid.UUID) error {
	c.deleted = append(c.deleted, id)
	return nil
}

// ─── mock archive ────────────────────────────────────────────────────────────

type mockArchive struct {
	objects map[string][]byte
	deleted []uuid.UUID
}

func (a *mockArchive) Get(_ context.Context, id uuid.UUID, name string) ([]byte, error) {
	b, ok := a.objects[archive.ObjectKey(id, name)]
	if !ok {
		return nil, archive.ErrNotFound
	}
	return b, nil
}

func (a *mockArchive) DeleteJob(_ context.Context, id uuid.UUID) error {
	a.deleted = append(a.deleted, id)
	return nil
}

// ─── fixture ─────────────────────────────────────────────────────────────────

type fixture struct {
	store    *mockStore
	engine   *mockEngine
	statuses *mockStatuses
	archive  *mockArchive
	router   http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    newMockStore(),
		engine:   &mockEngine{},
		statuses: &mockStatuses{statuses: map[uuid.UUID]string{}},
		archive:  &mockArchive{objects: map[string][]byte{}},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := handler.NewJobs(f.store, f.engine, f.statuses, f.archive, logger)

	r := chi.NewRouter()
	r.Get("/stats", handler.NewStatsHandler(f.store))
	r.Post("/jobs", h.CreateJob)
	r.Get("/jobs", h.ListJobs)
	r.Get("/jobs/{jobID}", h.GetJob)
	r.Patch("/jobs/{jobID}", h.UpdateJob)
	r.Delete("/jobs/{jobID}", h.DeleteJob)
	r.Post("/jobs/{jobID}/requests", h.AddRequests)
	r.Get("/jobs/{jobID}/requests", h.ListRequests)
	r.Get("/jobs/{jobID}/requests/{customID}", h.GetRequest)
	r.Get("/jobs/{jobID}/responses", h.ListResponses)
	r.Post("/jobs/{jobID}/submit", h.Submit)
	r.Post("/jobs/{jobID}/check", h.Check)
	r.Get("/jobs/{jobID}/status", h.Status)
	r.Get("/jobs/{jobID}/artifacts/{kind}", h.Artifact)
	f.router = r
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(method, path, rd))
	return w
}

func (f *fixture) pendingJob(name string) *models.Job {
	return f.store.put(&models.Job{Name: name, Status: models.JobStatusPending, Model: "gpt-4o-mini"})
}

func data(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	require.NoError(t, json.Unmarshal(env.Data, v))
}

func errCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return env.Error.Code
}
