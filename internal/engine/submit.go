package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/batchpilot/internal/archive"
	"github.com/kiranshivaraju/batchpilot/internal/manifest"
	"github.com/kiranshivaraju/batchpilot/internal/observability"
	"github.com/kiranshivaraju/batchpilot/internal/provider"
	"github.com/kiranshivaraju/batchpilot/internal/store"
	"github.com/kiranshivaraju/batchpilot/pkg/models"
)

// Submit hands a pending job to the provider: it builds the manifest from the
// job's requests, uploads it, creates the remote batch and then flips the job
// and its requests to processing in one transaction.
//
// Nothing is written locally until the remote batch exists. A transient
// provider failure leaves the job pending for the next cycle; a rejection
// fails the job so it is not resubmitted forever.
func (e *Engine) Submit(ctx context.Context, jobID uuid.UUID) error {
	const op = "submit"

	release, err := e.lease(ctx, op, jobID)
	if err != nil {
		return err
	}
	defer release()

	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return jobError(op, jobID, classify(err), err)
	}
	if job.Status != models.JobStatusPending {
		return jobError(op, jobID, ErrInvalidState, fmt.Errorf("job is %s", job.Status))
	}

	reqs, err := e.store.ListRequests(ctx, jobID)
	if err != nil {
		return jobError(op, jobID, classify(err), err)
	}
	if len(reqs) == 0 {
		return jobError(op, jobID, ErrEmptyJob, nil)
	}

	data, err := manifest.Build(reqs)
	if err != nil {
		return e.reject(ctx, op, jobID, nil, err)
	}

	if err := e.archive.Put(ctx, jobID, archive.Manifest, data); err != nil {
		e.logger.Warn("failed to archive manifest", "job_id", jobID, "error", err)
	}

	artifactID, err := e.remote.Upload(ctx, manifestName(jobID), data)
	if err != nil {
		return e.remoteFailure(ctx, op, jobID, fmt.Errorf("upload manifest: %w", err))
	}

	externalID, err := e.remote.CreateJob(ctx, provider.CreateJobRequest{
		ArtifactID:       artifactID,
		Endpoint:         endpoint(reqs),
		CompletionWindow: e.cfg.CompletionWindow,
		Metadata: map[string]string{
			"job_id":     jobID.String(),
			"created_by": "batchpilot",
		},
	})
	if err != nil {
		return e.remoteFailure(ctx, op, jobID, fmt.Errorf("create remote batch: %w", err))
	}

	err = e.store.MarkSubmitted(ctx, jobID, store.Submission{
		ExternalJobID:   externalID,
		InputArtifactID: artifactID,
		RequestCount:    len(reqs),
		SubmittedAt:     e.now(),
	})
	if err != nil {
		// The remote batch exists but nothing points at it. It carries our
		// job id in its metadata, which is how an operator finds it.
		e.logger.Error("remote batch orphaned, submission not recorded",
			"job_id", jobID,
			"external_job_id", externalID,
			"input_artifact_id", artifactID,
			"error", err,
		)
		e.metrics.RecordOrphanedRemoteJob(ctx)
		e.metrics.RecordSubmit(ctx, observability.OutcomeError)
		return jobError(op, jobID, classify(err), err)
	}

	e.metrics.RecordSubmit(ctx, observability.OutcomeSubmitted)
	e.cacheStatus(ctx, jobID, models.JobStatusProcessing)
	e.logger.Info("job submitted",
		"job_id", jobID,
		"external_job_id", externalID,
		"input_artifact_id", artifactID,
		"requests", len(reqs),
	)
	return nil
}

func (e *Engine) remoteFailure(ctx context.Context, op string, jobID uuid.UUID, err error) error {
	if provider.IsRejected(err) {
		return e.reject(ctx, op, jobID, ErrRemoteRejected, err)
	}
	e.metrics.RecordSubmit(ctx, observability.OutcomeError)
	e.logger.Warn("submission deferred", "job_id", jobID, "error", err)
	return jobError(op, jobID, classify(err), err)
}

// reject fails a pending job whose manifest can never be accepted.
func (e *Engine) reject(ctx context.Context, op string, jobID uuid.UUID, kind, cause error) error {
	if err := e.store.MarkRejected(ctx, jobID, cause.Error()); err != nil {
		return jobError(op, jobID, classify(err), fmt.Errorf("%w (while rejecting: %v)", err, cause))
	}

	e.metrics.RecordSubmit(ctx, observability.OutcomeRejected)
	e.metrics.RecordFinished(ctx, models.JobStatusFailed)
	e.cacheStatus(ctx, jobID, models.JobStatusFailed)
	e.logger.Warn("job rejected", "job_id", jobID, "error", cause)
	return jobError(op, jobID, kind, cause)
}

func manifestName(jobID uuid.UUID) string {
	return fmt.Sprintf("batch-%s.jsonl", jobID)
}

// endpoint is the operation the remote batch runs. manifest.Build has
// already checked every request targets it.
func endpoint(reqs []*models.Request) string {
	return reqs[0].URL
}
