package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/batchpilot/internal/manifest"
	"github.com/kiranshivaraju/batchpilot/internal/provider"
	"github.com/kiranshivaraju/batchpilot/internal/store"
	"github.com/kiranshivaraju/batchpilot/pkg/models"
)

const (
	msgRemoteFailed  = "remote batch failed"
	msgRemoteExpired = "remote batch expired"
	msgRemoteGone    = "remote batch unavailable"
	msgArtifactGone  = "artifact unavailable"
)

// Reconcile polls the remote batch behind a processing job and, once it has
// reached a final status, ingests its artifacts and finishes the job. While
// the batch is still running nothing is written. Terminal jobs are a no-op.
//
// Artifacts are always ingested before the job is finished. If ingestion
// fails transiently the job stays processing and the next call starts over,
// which is safe because ingestion is idempotent. An artifact the provider
// refuses outright is skipped and the job is failed with a message naming
// it. A remote batch the provider no longer knows fails the job.
func (e *Engine) Reconcile(ctx context.Context, jobID uuid.UUID) error {
	const op = "reconcile"

	release, err := e.lease(ctx, op, jobID)
	if err != nil {
		return err
	}
	defer release()

	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return jobError(op, jobID, classify(err), err)
	}
	if models.IsTerminalJobStatus(job.Status) {
		return nil
	}
	if job.Status != models.JobStatusProcessing || job.ExternalJobID == nil || *job.ExternalJobID == "" {
		return jobError(op, jobID, ErrInvalidState, fmt.Errorf("job is %s and has no remote batch", job.Status))
	}

	st, err := e.remote.GetStatus(ctx, *job.ExternalJobID)
	if provider.IsRejected(err) {
		msg := fmt.Sprintf("%s: %v", msgRemoteGone, err)
		e.logger.Error("remote batch rejected status check, failing job",
			"job_id", jobID, "external_job_id", *job.ExternalJobID, "error", err)
		if ferr := e.finish(ctx, op, job, &provider.BatchStatus{}, models.JobStatusFailed, &msg); ferr != nil {
			return ferr
		}
		return jobError(op, jobID, ErrRemoteRejected, err)
	}
	if err != nil {
		return jobError(op, jobID, classify(err), err)
	}
	e.metrics.RecordCheck(ctx, st.Status)

	switch st.Status {
	case provider.StatusCompleted:
		missing, err := e.ingestAll(ctx, job, st, manifest.KindOutput, manifest.KindError)
		if err != nil {
			return err
		}
		if missing != "" {
			return e.finish(ctx, op, job, st, models.JobStatusFailed, &missing)
		}
		return e.finish(ctx, op, job, st, models.JobStatusCompleted, nil)

	case provider.StatusFailed:
		missing, err := e.ingestAll(ctx, job, st, manifest.KindError)
		if err != nil {
			return err
		}
		msg := joinMessages(st.ErrorMessage(msgRemoteFailed), missing)
		return e.finish(ctx, op, job, st, models.JobStatusFailed, &msg)

	case provider.StatusExpired:
		// Whatever finished inside the window is still delivered.
		missing, err := e.ingestAll(ctx, job, st, manifest.KindOutput, manifest.KindError)
		if err != nil {
			return err
		}
		msg := joinMessages(st.ErrorMessage(msgRemoteExpired), missing)
		return e.finish(ctx, op, job, st, models.JobStatusFailed, &msg)

	case provider.StatusCancelled:
		return e.finish(ctx, op, job, st, models.JobStatusCancelled, nil)

	default:
		if !st.InProgress() {
			e.logger.Warn("unrecognised remote status, leaving job processing",
				"job_id", jobID, "remote_status", st.Status)
			return nil
		}
		e.checkStale(ctx, job, st)
		e.logger.Debug("remote batch still running", "job_id", jobID, "remote_status", st.Status,
			"completed", st.RequestCounts.Completed, "failed", st.RequestCounts.Failed, "total", st.RequestCounts.Total)
		return nil
	}
}

// ingestAll ingests the artifacts of the given kinds that the remote batch
// reports, in order. Artifacts the provider will never serve are skipped and
// named in the returned message, which is empty when nothing was skipped.
func (e *Engine) ingestAll(ctx context.Context, job *models.Job, st *provider.BatchStatus, kinds ...manifest.Kind) (string, error) {
	var missing []string
	for _, kind := range kinds {
		id := st.OutputArtifactID
		if kind == manifest.KindError {
			id = st.ErrorArtifactID
		}
		if id == "" {
			continue
		}
		_, err := e.Ingest(ctx, job, id, kind)
		if errors.Is(err, ErrRemoteRejected) {
			e.logger.Error("artifact unavailable, skipping",
				"job_id", job.ID, "artifact_id", id, "kind", kind.String(), "error", err)
			missing = append(missing, kind.String()+" "+id)
			continue
		}
		if err != nil {
			return "", err
		}
	}
	if len(missing) == 0 {
		return "", nil
	}
	return msgArtifactGone + ": " + strings.Join(missing, ", "), nil
}

func joinMessages(msg, extra string) string {
	if extra == "" {
		return msg
	}
	return msg + "; " + extra
}

func (e *Engine) finish(ctx context.Context, op string, job *models.Job, st *provider.BatchStatus, status string, msg *string) error {
	done, err := e.store.FinishJob(ctx, job.ID, store.Completion{
		Status:           status,
		ErrorMessage:     msg,
		OutputArtifactID: optional(st.OutputArtifactID),
		ErrorArtifactID:  optional(st.ErrorArtifactID),
		CompletedAt:      e.now(),
	})
	if errors.Is(err, store.ErrStaleState) {
		e.logger.Debug("job already finished", "job_id", job.ID)
		return nil
	}
	if err != nil {
		return jobError(op, job.ID, classify(err), err)
	}

	e.metrics.RecordFinished(ctx, status)
	e.cacheStatus(ctx, job.ID, status)
	e.logger.Info("job finished",
		"job_id", job.ID,
		"status", done.Status,
		"total_requests", done.TotalRequests,
		"completed_requests", done.CompletedRequests,
		"failed_requests", done.FailedRequests,
	)
	return nil
}

// checkStale reports a job that has been running remotely for longer than
// the configured threshold. It never changes the job.
func (e *Engine) checkStale(ctx context.Context, job *models.Job, st *provider.BatchStatus) {
	if e.cfg.StaleAfter <= 0 || job.SubmittedAt == nil {
		return
	}
	age := e.now().Sub(*job.SubmittedAt)
	if age < e.cfg.StaleAfter {
		return
	}
	e.logger.Warn("job still running past stale threshold",
		"job_id", job.ID,
		"external_job_id", *job.ExternalJobID,
		"remote_status", st.Status,
		"age", age.Round(time.Second).String(),
	)
	e.metrics.RecordStaleJob(ctx)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
