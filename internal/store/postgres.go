package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/batchpilot/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Jobs ---

const jobColumns = `id, name, description, status, external_job_id, input_artifact_id,
	output_artifact_id, error_artifact_id, total_requests, completed_requests, failed_requests,
	model, max_tokens, temperature, metadata, error_message, submitted_at, completed_at,
	created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.Name, &j.Description, &j.Status, &j.ExternalJobID, &j.InputArtifactID,
		&j.OutputArtifactID, &j.ErrorArtifactID, &j.TotalRequests, &j.CompletedRequests, &j.FailedRequests,
		&j.Model, &j.MaxTokens, &j.Temperature, &j.Metadata, &j.ErrorMessage, &j.SubmittedAt, &j.CompletedAt,
		&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO batch_jobs (id, name, description, status, model, max_tokens, temperature, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		job.ID, job.Name, job.Description, job.Status, job.Model, job.MaxTokens, job.Temperature,
		job.Metadata, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM batch_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error) {
	conditions := []string{"TRUE"}
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}
	if filter.HasRequests {
		conditions = append(conditions, "total_requests > 0")
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM batch_jobs WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 1000 {
		limit = 1000
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * limit

	order := "created_at DESC, id DESC"
	if filter.OldestFirst {
		order = "created_at ASC, id ASC"
	}

	dataQuery := fmt.Sprintf(`SELECT %s FROM batch_jobs WHERE %s ORDER BY %s LIMIT $%d OFFSET $%d`,
		jobColumns, where, order, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*models.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, total, rows.Err()
}

// UpdateJob changes descriptive fields only. Status and linkage are owned by
// the transition methods below.
func (s *PostgresStore) UpdateJob(ctx context.Context, id uuid.UUID, opts ...JobUpdateOption) (*models.Job, error) {
	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	query := `UPDATE batch_jobs SET updated_at = NOW()`
	args := []any{id}
	argIdx := 2

	if params.Name != nil {
		query += fmt.Sprintf(", name = $%d", argIdx)
		args = append(args, *params.Name)
		argIdx++
	}
	if params.Description != nil {
		query += fmt.Sprintf(", description = $%d", argIdx)
		args = append(args, *params.Description)
		argIdx++
	}

	query += " WHERE id = $1 RETURNING " + jobColumns

	j, err := scanJob(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}
	return j, nil
}

// DeleteJob removes a job with its requests and responses. A job that is
// currently processing has a live remote batch and is refused with
// ErrStaleState.
func (s *PostgresStore) DeleteJob(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM batch_jobs WHERE id = $1 AND status <> $2`, id, models.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetJob(ctx, id); err != nil {
		return err
	}
	return ErrStaleState
}

// --- Requests ---

func (s *PostgresStore) AddRequests(ctx context.Context, jobID uuid.UUID, reqs []*models.Request) error {
	if len(reqs) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin add requests: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var status string
	var total int
	err = tx.QueryRow(ctx,
		`SELECT status, total_requests FROM batch_jobs WHERE id = $1 FOR UPDATE`, jobID,
	).Scan(&status, &total)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock job: %w", err)
	}
	if status != models.JobStatusPending {
		return ErrStaleState
	}

	batch := &pgx.Batch{}
	for i, r := range reqs {
		r.JobID = jobID
		r.Seq = total + i
		batch.Queue(
			`INSERT INTO batch_requests (id, job_id, seq, custom_id, status, method, url, body, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			r.ID, r.JobID, r.Seq, r.CustomID, r.Status, r.Method, r.URL, r.Body, r.CreatedAt, r.UpdatedAt)
	}

	br := tx.SendBatch(ctx, batch)
	for range reqs {
		if _, err := br.Exec(); err != nil {
			br.Close()
			if isDuplicateKeyError(err) {
				return ErrDuplicateKey
			}
			return fmt.Errorf("insert request: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("insert requests: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE batch_jobs SET total_requests = total_requests + $2, updated_at = NOW() WHERE id = $1`,
		jobID, len(reqs)); err != nil {
		return fmt.Errorf("bump total requests: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit add requests: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRequests(ctx context.Context, jobID uuid.UUID) ([]*models.Request, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, job_id, seq, custom_id, status, method, url, body, retry_count, error_message, created_at, updated_at
		 FROM batch_requests WHERE job_id = $1 ORDER BY seq ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	reqs := []*models.Request{}
	for rows.Next() {
		var r models.Request
		if err := rows.Scan(&r.ID, &r.JobID, &r.Seq, &r.CustomID, &r.Status, &r.Method, &r.URL, &r.Body,
			&r.RetryCount, &r.ErrorMessage, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		reqs = append(reqs, &r)
	}
	return reqs, rows.Err()
}

func (s *PostgresStore) GetRequestByCustomID(ctx context.Context, jobID uuid.UUID, customID string) (*models.Request, error) {
	var r models.Request
	err := s.pool.QueryRow(ctx,
		`SELECT id, job_id, seq, custom_id, status, method, url, body, retry_count, error_message, created_at, updated_at
		 FROM batch_requests WHERE job_id = $1 AND custom_id = $2`, jobID, customID,
	).Scan(&r.ID, &r.JobID, &r.Seq, &r.CustomID, &r.Status, &r.Method, &r.URL, &r.Body,
		&r.RetryCount, &r.ErrorMessage, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get request by custom id: %w", err)
	}
	return &r, nil
}

// --- Responses ---

func (s *PostgresStore) ListResponses(ctx context.Context, jobID uuid.UUID) ([]*models.Response, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT r.id, r.job_id, r.request_id, r.custom_id, r.response_body, r.error, r.status_code,
		        r.provider_request_id, r.prompt_tokens, r.completion_tokens, r.total_tokens, r.created_at
		 FROM batch_responses r JOIN batch_requests q ON q.id = r.request_id
		 WHERE r.job_id = $1 ORDER BY q.seq ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list responses: %w", err)
	}
	defer rows.Close()

	resps := []*models.Response{}
	for rows.Next() {
		var r models.Response
		if err := rows.Scan(&r.ID, &r.JobID, &r.RequestID, &r.CustomID, &r.ResponseBody, &r.Error, &r.StatusCode,
			&r.ProviderRequestID, &r.PromptTokens, &r.CompletionTokens, &r.TotalTokens, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan response: %w", err)
		}
		resps = append(resps, &r)
	}
	return resps, rows.Err()
}

func (s *PostgresStore) RecordResponse(ctx context.Context, resp *models.Response, outcome RequestOutcome) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin record response: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`INSERT INTO batch_responses (id, job_id, request_id, custom_id, response_body, error, status_code,
		                              provider_request_id, prompt_tokens, completion_tokens, total_tokens, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (request_id) DO NOTHING`,
		resp.ID, resp.JobID, resp.RequestID, resp.CustomID, resp.ResponseBody, resp.Error, resp.StatusCode,
		resp.ProviderRequestID, resp.PromptTokens, resp.CompletionTokens, resp.TotalTokens, resp.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert response: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if _, err := tx.Exec(ctx,
		`UPDATE batch_requests SET status = $2, error_message = COALESCE($3, error_message), updated_at = NOW()
		 WHERE id = $1 AND status IN ($4, $5)`,
		resp.RequestID, outcome.Status, outcome.ErrorMessage,
		models.RequestStatusPending, models.RequestStatusProcessing); err != nil {
		return false, fmt.Errorf("update request status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit record response: %w", err)
	}
	return true, nil
}

// --- Transitions ---

func (s *PostgresStore) MarkSubmitted(ctx context.Context, jobID uuid.UUID, sub Submission) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin mark submitted: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`UPDATE batch_jobs
		 SET status = $2, external_job_id = $3, input_artifact_id = $4, submitted_at = $5, updated_at = NOW()
		 WHERE id = $1 AND status = $6 AND total_requests = $7`,
		jobID, models.JobStatusProcessing, sub.ExternalJobID, sub.InputArtifactID, sub.SubmittedAt,
		models.JobStatusPending, sub.RequestCount)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("mark job submitted: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return s.staleOrMissing(ctx, jobID)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE batch_requests SET status = $2, updated_at = NOW() WHERE job_id = $1 AND status = $3`,
		jobID, models.RequestStatusProcessing, models.RequestStatusPending); err != nil {
		return fmt.Errorf("mark requests submitted: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit mark submitted: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkRejected(ctx context.Context, jobID uuid.UUID, message string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE batch_jobs SET status = $2, error_message = $3, completed_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND status = $4`,
		jobID, models.JobStatusFailed, message, models.JobStatusPending)
	if err != nil {
		return fmt.Errorf("mark job rejected: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return s.staleOrMissing(ctx, jobID)
	}
	return nil
}

// FinishJob recomputes the counters from batch_responses in the same
// statement that flips the status, and never lets a counter go down.
func (s *PostgresStore) FinishJob(ctx context.Context, jobID uuid.UUID, c Completion) (*models.Job, error) {
	if !models.IsTerminalJobStatus(c.Status) {
		return nil, fmt.Errorf("finish job: %q is not a terminal status", c.Status)
	}
	completedAt := c.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}

	j, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE batch_jobs j SET
		   status = $2,
		   completed_at = $3,
		   error_message = COALESCE($4, j.error_message),
		   output_artifact_id = COALESCE($5, j.output_artifact_id),
		   error_artifact_id = COALESCE($6, j.error_artifact_id),
		   completed_requests = GREATEST(j.completed_requests, c.succeeded),
		   failed_requests = GREATEST(j.failed_requests, c.failed),
		   updated_at = NOW()
		 FROM (
		   SELECT COUNT(*) FILTER (WHERE error IS NULL AND response_body IS NOT NULL) AS succeeded,
		          COUNT(*) FILTER (WHERE error IS NOT NULL) AS failed
		   FROM batch_responses WHERE job_id = $1
		 ) c
		 WHERE j.id = $1 AND j.status = $7
		 RETURNING j.id, j.name, j.description, j.status, j.external_job_id, j.input_artifact_id,
		   j.output_artifact_id, j.error_artifact_id, j.total_requests, j.completed_requests, j.failed_requests,
		   j.model, j.max_tokens, j.temperature, j.metadata, j.error_message, j.submitted_at, j.completed_at,
		   j.created_at, j.updated_at`,
		jobID, c.Status, completedAt, c.ErrorMessage, c.OutputArtifactID, c.ErrorArtifactID,
		models.JobStatusProcessing))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.staleOrMissing(ctx, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("finish job: %w", err)
	}
	return j, nil
}

// staleOrMissing tells a conditional update that matched no row apart from
// one aimed at a job that does not exist.
func (s *PostgresStore) staleOrMissing(ctx context.Context, jobID uuid.UUID) error {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM batch_jobs WHERE id = $1)`, jobID).Scan(&exists); err != nil {
		return fmt.Errorf("check job exists: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrStaleState
}

// --- Stats ---

func (s *PostgresStore) Stats(ctx context.Context) (*models.Stats, error) {
	var st models.Stats
	err := s.pool.QueryRow(ctx,
		`SELECT
		   COUNT(*),
		   COUNT(*) FILTER (WHERE status = 'pending'),
		   COUNT(*) FILTER (WHERE status = 'processing'),
		   COUNT(*) FILTER (WHERE status = 'completed'),
		   COUNT(*) FILTER (WHERE status = 'failed'),
		   COUNT(*) FILTER (WHERE status = 'cancelled'),
		   COALESCE(SUM(total_requests), 0)
		 FROM batch_jobs`,
	).Scan(&st.TotalJobs, &st.PendingJobs, &st.ProcessingJobs, &st.CompletedJobs,
		&st.FailedJobs, &st.CancelledJobs, &st.TotalRequests)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}

	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(total_tokens), 0) FROM batch_responses`,
	).Scan(&st.TotalResponses, &st.TotalTokens)
	if err != nil {
		return nil, fmt.Errorf("response stats: %w", err)
	}
	return &st, nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
