package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/batchpilot/internal/archive"
	"github.com/kiranshivaraju/batchpilot/internal/manifest"
	"github.com/kiranshivaraju/batchpilot/internal/store"
	"github.com/kiranshivaraju/batchpilot/pkg/models"
)

// IngestStats counts what happened to each line of one artifact.
type IngestStats struct {
	Created    int
	Duplicates int
	Orphans    int
	Malformed  int
}

// Ingest downloads one output or error artifact and records a Response for
// every line that matches a request of job. Lines that cannot be parsed or
// that match no request are logged and skipped. A request that already has a
// response keeps it, so ingesting the same artifact twice is harmless.
func (e *Engine) Ingest(ctx context.Context, job *models.Job, artifactID string, kind manifest.Kind) (IngestStats, error) {
	const op = "ingest"
	var stats IngestStats

	data, err := e.remote.Download(ctx, artifactID)
	if err != nil {
		return stats, jobError(op, job.ID, classify(err), fmt.Errorf("download %s artifact %s: %w", kind, artifactID, err))
	}
	if err := e.archive.Put(ctx, job.ID, archiveName(kind), data); err != nil {
		e.logger.Warn("failed to archive artifact", "job_id", job.ID, "artifact_id", artifactID, "kind", kind.String(), "error", err)
	}

	reqs, err := e.store.ListRequests(ctx, job.ID)
	if err != nil {
		return stats, jobError(op, job.ID, classify(err), err)
	}
	byCustomID := make(map[string]*models.Request, len(reqs))
	for _, r := range reqs {
		byCustomID[r.CustomID] = r
	}

	logger := e.logger.With("job_id", job.ID, "artifact_id", artifactID, "kind", kind.String())

	err = manifest.Scan(data, func(lineNo int, line []byte) error {
		rec, err := manifest.ParseLine(kind, line)
		if err != nil {
			stats.Malformed++
			logger.Warn("skipping artifact line", "line", lineNo, "error", jobError(op, job.ID, ErrMalformedArtifact, err))
			return nil
		}

		req, ok := byCustomID[rec.CustomID]
		if !ok {
			stats.Orphans++
			logger.Warn("skipping artifact line", "line", lineNo, "custom_id", rec.CustomID,
				"error", jobError(op, job.ID, ErrOrphanRecord, nil))
			return nil
		}

		resp, outcome := e.toResponse(job.ID, req, rec)
		created, err := e.store.RecordResponse(ctx, resp, outcome)
		if err != nil {
			return fmt.Errorf("line %d custom_id %q: %w", lineNo, rec.CustomID, err)
		}
		if created {
			stats.Created++
		} else {
			stats.Duplicates++
		}
		return nil
	})

	e.metrics.RecordIngested(ctx, kind.String(), "created", stats.Created)
	e.metrics.RecordIngested(ctx, kind.String(), "duplicate", stats.Duplicates)
	e.metrics.RecordIngested(ctx, kind.String(), "orphan", stats.Orphans)
	e.metrics.RecordIngested(ctx, kind.String(), "malformed", stats.Malformed)

	if err != nil {
		return stats, jobError(op, job.ID, classify(err), err)
	}

	logger.Info("artifact ingested",
		"created", stats.Created,
		"duplicates", stats.Duplicates,
		"orphans", stats.Orphans,
		"malformed", stats.Malformed,
	)
	return stats, nil
}

func (e *Engine) toResponse(jobID uuid.UUID, req *models.Request, rec manifest.Record) (*models.Response, store.RequestOutcome) {
	resp := &models.Response{
		ID:                uuid.New(),
		JobID:             jobID,
		RequestID:         req.ID,
		CustomID:          rec.CustomID,
		StatusCode:        rec.StatusCode,
		ProviderRequestID: rec.ProviderRequestID,
		CreatedAt:         e.now(),
	}

	if rec.Kind == manifest.KindOutput {
		resp.ResponseBody = rec.ResponseBody
		resp.PromptTokens = rec.Usage.PromptTokens
		resp.CompletionTokens = rec.Usage.CompletionTokens
		resp.TotalTokens = rec.Usage.TotalTokens
		return resp, store.RequestOutcome{Status: models.RequestStatusCompleted}
	}

	resp.Error = rec.Error
	summary := rec.ErrorSummary()
	return resp, store.RequestOutcome{Status: models.RequestStatusFailed, ErrorMessage: &summary}
}

func archiveName(kind manifest.Kind) string {
	if kind == manifest.KindError {
		return archive.Errors
	}
	return archive.Output
}
