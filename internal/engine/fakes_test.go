package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/batchpilot/internal/cache"
	"github.com/kiranshivaraju/batchpilot/internal/provider"
	"github.com/kiranshivaraju/batchpilot/internal/provider/mock"
	"github.com/kiranshivaraju/batchpilot/internal/store"
	"github.com/kiranshivaraju/batchpilot/pkg/models"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory store.Store with the same conditional-transition
// semantics as the Postgres implementation.
type memStore struct {
	mu        sync.Mutex
	jobs      map[uuid.UUID]*models.Job
	requests  map[uuid.UUID][]*models.Request
	responses map[uuid.UUID]*models.Response // keyed by request id

	markSubmittedErr error
	listErr          error
	markSubmitted    int
	created          int
}

func newMemStore() *memStore {
	return &memStore{
		jobs:      make(map[uuid.UUID]*models.Job),
		requests:  make(map[uuid.UUID][]*models.Request),
		responses: make(map[uuid.UUID]*models.Response),
	}
}

func (s *memStore) Ping(context.Context) error { return nil }

func (s *memStore) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}
	s.created++
	job.CreatedAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(s.created) * time.Second)
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *memStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *memStore) ListJobs(_ context.Context, f store.JobFilter) ([]*models.Job, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, 0, s.listErr
	}
	var out []*models.Job
	for _, j := range s.jobs {
		if f.HasRequests && j.TotalRequests == 0 {
			continue
		}
		if f.Status == "" || j.Status == f.Status {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	total := len(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, total, nil
}

func (s *memStore) UpdateJob(ctx context.Context, id uuid.UUID, _ ...store.JobUpdateOption) (*models.Job, error) {
	return s.GetJob(ctx, id)
}

func (s *memStore) DeleteJob(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

func (s *memStore) AddRequests(_ context.Context, jobID uuid.UUID, reqs []*models.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return store.ErrNotFound
	}
	if j.Status != models.JobStatusPending {
		return store.ErrStaleState
	}
	for i, r := range reqs {
		if r.ID == uuid.Nil {
			r.ID = uuid.New()
		}
		r.JobID = jobID
		r.Seq = j.TotalRequests + i
		r.Status = models.RequestStatusPending
		cp := *r
		s.requests[jobID] = append(s.requests[jobID], &cp)
	}
	j.TotalRequests += len(reqs)
	return nil
}

func (s *memStore) ListRequests(_ context.Context, jobID uuid.UUID) ([]*models.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Request, 0, len(s.requests[jobID]))
	for _, r := range s.requests[jobID] {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) GetRequestByCustomID(_ context.Context, jobID uuid.UUID, customID string) (*models.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.requests[jobID] {
		if r.CustomID == customID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *memStore) ListResponses(_ context.Context, jobID uuid.UUID) ([]*models.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Response
	for _, r := range s.responses {
		if r.JobID == jobID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CustomID < out[b].CustomID })
	return out, nil
}

func (s *memStore) MarkSubmitted(_ context.Context, jobID uuid.UUID, sub store.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markSubmitted++
	if s.markSubmittedErr != nil {
		return s.markSubmittedErr
	}
	j, ok := s.jobs[jobID]
	if !ok {
		return store.ErrNotFound
	}
	if j.Status != models.JobStatusPending || j.TotalRequests != sub.RequestCount {
		return store.ErrStaleState
	}
	j.Status = models.JobStatusProcessing
	j.ExternalJobID = &sub.ExternalJobID
	j.InputArtifactID = &sub.InputArtifactID
	at := sub.SubmittedAt
	j.SubmittedAt = &at
	for _, r := range s.requests[jobID] {
		if r.Status == models.RequestStatusPending {
			r.Status = models.RequestStatusProcessing
		}
	}
	return nil
}

func (s *memStore) MarkRejected(_ context.Context, jobID uuid.UUID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return store.ErrNotFound
	}
	if j.Status != models.JobStatusPending {
		return store.ErrStaleState
	}
	j.Status = models.JobStatusFailed
	j.ErrorMessage = &message
	return nil
}

func (s *memStore) RecordResponse(_ context.Context, resp *models.Response, outcome store.RequestOutcome) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.responses[resp.RequestID]; ok {
		return false, nil
	}
	cp := *resp
	s.responses[resp.RequestID] = &cp
	for _, r := range s.requests[resp.JobID] {
		if r.ID == resp.RequestID &&
			(r.Status == models.RequestStatusPending || r.Status == models.RequestStatusProcessing) {
			r.Status = outcome.Status
			if outcome.ErrorMessage != nil {
				r.ErrorMessage = outcome.ErrorMessage
			}
		}
	}
	return true, nil
}

func (s *memStore) FinishJob(_ context.Context, jobID uuid.UUID, c store.Completion) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !models.IsTerminalJobStatus(c.Status) {
		return nil, fmt.Errorf("finish job: %q is not a terminal status", c.Status)
	}
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if j.Status != models.JobStatusProcessing {
		return nil, store.ErrStaleState
	}
	var succeeded, failed int
	for _, r := range s.responses {
		if r.JobID != jobID {
			continue
		}
		if len(r.Error) > 0 {
			failed++
		} else if len(r.ResponseBody) > 0 {
			succeeded++
		}
	}
	j.CompletedRequests = max(j.CompletedRequests, succeeded)
	j.FailedRequests = max(j.FailedRequests, failed)
	j.Status = c.Status
	at := c.CompletedAt
	j.CompletedAt = &at
	if c.ErrorMessage != nil {
		j.ErrorMessage = c.ErrorMessage
	}
	if c.OutputArtifactID != nil {
		j.OutputArtifactID = c.OutputArtifactID
	}
	if c.ErrorArtifactID != nil {
		j.ErrorArtifactID = c.ErrorArtifactID
	}
	cp := *j
	return &cp, nil
}

func (s *memStore) Stats(context.Context) (*models.Stats, error) {
	return &models.Stats{}, nil
}

func (s *memStore) responseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.responses)
}

// memLocker is an in-memory cache.Locker.
type memLocker struct {
	mu    sync.Mutex
	held  map[string]string
	seq   int
	err   error
	taken []string
}

func newMemLocker() *memLocker {
	return &memLocker{held: make(map[string]string)}
}

func (l *memLocker) Acquire(_ context.Context, key string, _ time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return "", false, l.err
	}
	if _, ok := l.held[key]; ok {
		return "", false, nil
	}
	l.seq++
	token := fmt.Sprintf("t%d", l.seq)
	l.held[key] = token
	l.taken = append(l.taken, key)
	return token, true, nil
}

func (l *memLocker) Release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] != token {
		return cache.ErrLeaseLost
	}
	delete(l.held, key)
	return nil
}

func (l *memLocker) hold(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held[key] = "someone-else"
}

func (l *memLocker) heldCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}

// memStatuses records every status pushed to the cache.
type memStatuses struct {
	mu   sync.Mutex
	last map[uuid.UUID]string
}

func (m *memStatuses) SetJobStatus(_ context.Context, jobID uuid.UUID, status string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		m.last = make(map[uuid.UUID]string)
	}
	m.last[jobID] = status
	return nil
}

func (m *memStatuses) get(jobID uuid.UUID) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last[jobID]
}

// syncBuffer guards a log buffer shared by concurrent workers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type harness struct {
	store    *memStore
	remote   *mock.Service
	locks    *memLocker
	statuses *memStatuses
	logs     *syncBuffer
	engine   *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    newMemStore(),
		remote:   mock.NewService(),
		locks:    newMemLocker(),
		statuses: &memStatuses{},
		logs:     &syncBuffer{},
	}
	h.engine = h.build(h.remote)
	return h
}

// build returns an engine over the harness state talking to remote.
func (h *harness) build(remote provider.Client) *Engine {
	logger := slog.New(slog.NewJSONHandler(h.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return New(Deps{
		Store:    h.store,
		Remote:   remote,
		Locks:    h.locks,
		Statuses: h.statuses,
		Logger:   logger,
	}, Config{StaleAfter: 24 * time.Hour})
}

// seedJob creates a pending job with one request per custom id.
func (h *harness) seedJob(t *testing.T, customIDs ...string) *models.Job {
	t.Helper()
	ctx := context.Background()
	job := &models.Job{Name: "job", Model: "gpt-4o-mini"}
	require.NoError(t, h.store.CreateJob(ctx, job))

	if len(customIDs) > 0 {
		reqs := make([]*models.Request, 0, len(customIDs))
		for _, id := range customIDs {
			body, err := json.Marshal(map[string]any{
				"model":    "gpt-4o-mini",
				"messages": []map[string]string{{"role": "user", "content": "hello " + id}},
			})
			require.NoError(t, err)
			reqs = append(reqs, &models.Request{
				CustomID: id,
				Method:   models.DefaultRequestMethod,
				URL:      models.DefaultRequestURL,
				Body:     body,
			})
		}
		require.NoError(t, h.store.AddRequests(ctx, job.ID, reqs))
	}
	return job
}

// submitted seeds a job and submits it, returning the remote batch id.
func (h *harness) submitted(t *testing.T, customIDs ...string) (*models.Job, string) {
	t.Helper()
	job := h.seedJob(t, customIDs...)
	require.NoError(t, h.engine.Submit(context.Background(), job.ID))
	got := h.job(t, job.ID)
	require.NotNil(t, got.ExternalJobID)
	return got, *got.ExternalJobID
}

func (h *harness) job(t *testing.T, id uuid.UUID) *models.Job {
	t.Helper()
	j, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return j
}

func (h *harness) requestStatuses(t *testing.T, jobID uuid.UUID) map[string]string {
	t.Helper()
	reqs, err := h.store.ListRequests(context.Background(), jobID)
	require.NoError(t, err)
	out := make(map[string]string, len(reqs))
	for _, r := range reqs {
		out[r.CustomID] = r.Status
	}
	return out
}

var (
	_ store.Store  = (*memStore)(nil)
	_ cache.Locker = (*memLocker)(nil)
)
