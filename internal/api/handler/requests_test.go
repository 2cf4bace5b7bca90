package handler_test

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/batchpilot/internal/archive"
	"github.com/kiranshivaraju/batchpilot/internal/engine"
	"github.com/kiranshivaraju/batchpilot/internal/provider"
	"github.com/kiranshivaraju/batchpilot/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatBody(prompt string) map[string]any {
	return map[string]any{
		"model":    "gpt-4o-mini",
		"messages": []map[string]string{{"role": "user", "content": prompt}},
	}
}

func TestAddRequests_AppliesDefaults(t *testing.T) {
	f := newFixture(t)
	job := f.pendingJob("a")

	w := f.do(t, "POST", "/jobs/"+job.ID.String()+"/requests", map[string]any{
		"requests": []map[string]any{
			{"custom_id": "q1", "body": chatBody("capital of France?")},
			{"custom_id": "q2", "method": "POST", "url": "/v1/embeddings", "body": map[string]any{"input": "x"}},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created []models.Request
	data(t, w, &created)
	require.Len(t, created, 2)
	assert.Equal(t, models.DefaultRequestMethod, created[0].Method)
	assert.Equal(t, models.DefaultRequestURL, created[0].URL)
	assert.Equal(t, "/v1/embeddings", created[1].URL)
	assert.Equal(t, models.RequestStatusPending, created[0].Status)
	assert.Equal(t, 0, created[0].Seq)
	assert.Equal(t, 1, created[1].Seq)

	got, err := f.store.GetJob(t.Context(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.TotalRequests)
}

func TestAddRequests_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"bad json", `{"requests":`, http.StatusBadRequest, "INVALID_REQUEST"},
		{"empty list", map[string]any{"requests": []any{}}, http.StatusBadRequest, "INVALID_REQUEST"},
		{"missing custom_id", map[string]any{"requests": []map[string]any{{"body": chatBody("x")}}}, http.StatusBadRequest, "INVALID_REQUEST"},
		{"missing body", map[string]any{"requests": []map[string]any{{"custom_id": "q1"}}}, http.StatusBadRequest, "INVALID_REQUEST"},
		{"repeated custom_id", map[string]any{"requests": []map[string]any{
			{"custom_id": "q1", "body": chatBody("x")},
			{"custom_id": "q1", "body": chatBody("y")},
		}}, http.StatusConflict, "DUPLICATE_CUSTOM_ID"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			job := f.pendingJob("a")

			w := f.do(t, "POST", "/jobs/"+job.ID.String()+"/requests", tc.body)
			assert.Equal(t, tc.status, w.Code)
			assert.Equal(t, tc.code, errCode(t, w))
			assert.Empty(t, f.store.requests[job.ID])
		})
	}
}

func TestAddRequests_CustomIDAlreadyInJob(t *testing.T) {
	f := newFixture(t)
	job := f.pendingJob("a")
	body := map[string]any{"requests": []map[string]any{{"custom_id": "q1", "body": chatBody("x")}}}

	require.Equal(t, http.StatusCreated, f.do(t, "POST", "/jobs/"+job.ID.String()+"/requests", body).Code)

	w := f.do(t, "POST", "/jobs/"+job.ID.String()+"/requests", body)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "DUPLICATE_CUSTOM_ID", errCode(t, w))
}

func TestAddRequests_OnlyWhilePending(t *testing.T) {
	f := newFixture(t)
	job := f.store.put(&models.Job{Name: "a", Status: models.JobStatusProcessing})

	w := f.do(t, "POST", "/jobs/"+job.ID.String()+"/requests", map[string]any{
		"requests": []map[string]any{{"custom_id": "q1", "body": chatBody("x")}},
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INVALID_STATE", errCode(t, w))
}

func TestAddRequests_UnknownJob(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, "POST", "/jobs/"+uuid.NewString()+"/requests", map[string]any{
		"requests": []map[string]any{{"custom_id": "q1", "body": chatBody("x")}},
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListAndGetRequests(t *testing.T) {
	f := newFixture(t)
	job := f.pendingJob("a")
	require.Equal(t, http.StatusCreated, f.do(t, "POST", "/jobs/"+job.ID.String()+"/requests", map[string]any{
		"requests": []map[string]any{
			{"custom_id": "q1", "body": chatBody("x")},
			{"custom_id": "q2", "body": chatBody("y")},
		},
	}).Code)

	w := f.do(t, "GET", "/jobs/"+job.ID.String()+"/requests", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []models.Request
	data(t, w, &list)
	require.Len(t, list, 2)
	assert.Equal(t, "q1", list[0].CustomID)

	w = f.do(t, "GET", "/jobs/"+job.ID.String()+"/requests/q2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var one models.Request
	data(t, w, &one)
	assert.Equal(t, "q2", one.CustomID)
	assert.JSONEq(t, `{"model":"gpt-4o-mini","messages":[{"role":"user","content":"y"}]}`, string(one.Body))

	w = f.do(t, "GET", "/jobs/"+job.ID.String()+"/requests/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, "GET", "/jobs/"+uuid.NewString()+"/requests", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListResponses(t *testing.T) {
	f := newFixture(t)
	job := f.store.put(&models.Job{Name: "a", Status: models.JobStatusCompleted})

	w := f.do(t, "GET", "/jobs/"+job.ID.String()+"/responses", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"data":[]}`, w.Body.String())

	f.store.responses[job.ID] = []*models.Response{{
		ID:           uuid.New(),
		JobID:        job.ID,
		CustomID:     "q1",
		ResponseBody: json.RawMessage(`{"choices":[]}`),
	}}
	w = f.do(t, "GET", "/jobs/"+job.ID.String()+"/responses", nil)
	var resps []models.Response
	data(t, w, &resps)
	require.Len(t, resps, 1)
	assert.Equal(t, "q1", resps[0].CustomID)
}

func TestSubmit_ReturnsUpdatedJob(t *testing.T) {
	f := newFixture(t)
	job := f.pendingJob("a")
	f.engine.onSubmit = func(id uuid.UUID) {
		f.store.jobs[id].Status = models.JobStatusProcessing
	}

	w := f.do(t, "POST", "/jobs/"+job.ID.String()+"/submit", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var got models.Job
	data(t, w, &got)
	assert.Equal(t, models.JobStatusProcessing, got.Status)
	assert.Equal(t, []string{"submit"}, f.engine.calls)
}

func TestSubmit_CircuitOpen(t *testing.T) {
	f := newFixture(t)
	job := f.pendingJob("a")
	f.engine.submitErr = &engine.Error{Kind: engine.ErrRemoteTransient, JobID: job.ID, Op: "submit", Err: provider.ErrCircuitOpen}

	w := f.do(t, "POST", "/jobs/"+job.ID.String()+"/submit", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "PROVIDER_CIRCUIT_OPEN", errCode(t, w))
}

func TestCheck(t *testing.T) {
	f := newFixture(t)
	job := f.store.put(&models.Job{Name: "a", Status: models.JobStatusProcessing})

	w := f.do(t, "POST", "/jobs/"+job.ID.String()+"/check", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"reconcile"}, f.engine.calls)

	f.engine.reconcileErr = &engine.Error{Kind: engine.ErrInvalidState, JobID: job.ID, Op: "reconcile"}
	w = f.do(t, "POST", "/jobs/"+job.ID.String()+"/check", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestStatus_PrefersCache(t *testing.T) {
	f := newFixture(t)
	job := f.pendingJob("a")
	f.statuses.statuses[job.ID] = models.JobStatusProcessing

	w := f.do(t, "GET", "/jobs/"+job.ID.String()+"/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"data":{"job_id":"`+job.ID.String()+`","status":"processing","cached":true}}`, w.Body.String())
}

func TestStatus_FallsBackToStore(t *testing.T) {
	f := newFixture(t)
	job := f.pendingJob("a")
	f.statuses.err = assert.AnError

	w := f.do(t, "GET", "/jobs/"+job.ID.String()+"/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"data":{"job_id":"`+job.ID.String()+`","status":"pending","cached":false}}`, w.Body.String())

	w = f.do(t, "GET", "/jobs/"+uuid.NewString()+"/status", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestArtifact(t *testing.T) {
	f := newFixture(t)
	job := f.store.put(&models.Job{Name: "a", Status: models.JobStatusCompleted})
	f.archive.objects[archive.ObjectKey(job.ID, archive.Output)] = []byte(`{"custom_id":"q1"}` + "\n")

	w := f.do(t, "GET", "/jobs/"+job.ID.String()+"/artifacts/output", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/x-ndjson", w.Header().Get("Content-Type"))
	assert.Equal(t, `{"custom_id":"q1"}`+"\n", w.Body.String())

	w = f.do(t, "GET", "/jobs/"+job.ID.String()+"/artifacts/error", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "ARTIFACT_NOT_FOUND", errCode(t, w))

	w = f.do(t, "GET", "/jobs/"+job.ID.String()+"/artifacts/secrets", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
