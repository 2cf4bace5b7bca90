package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/batchpilot/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrStaleState is returned by conditional transitions when the job is no
// longer in the status the caller expected. Nothing was written.
var ErrStaleState = errors.New("job not in expected status")

// Store is the data access interface. All database operations go through here.
//
// Transition methods (MarkSubmitted, MarkRejected, FinishJob) are single
// conditional updates keyed on the expected prior status, so two callers
// racing on the same job cannot both succeed.
type Store interface {
	Ping(ctx context.Context) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error)
	UpdateJob(ctx context.Context, id uuid.UUID, opts ...JobUpdateOption) (*models.Job, error)
	DeleteJob(ctx context.Context, id uuid.UUID) error

	// AddRequests appends requests to a pending job and bumps total_requests
	// in the same transaction. Returns ErrStaleState if the job is not pending.
	AddRequests(ctx context.Context, jobID uuid.UUID, reqs []*models.Request) error
	ListRequests(ctx context.Context, jobID uuid.UUID) ([]*models.Request, error)
	GetRequestByCustomID(ctx context.Context, jobID uuid.UUID, customID string) (*models.Request, error)

	ListResponses(ctx context.Context, jobID uuid.UUID) ([]*models.Response, error)

	// MarkSubmitted flips a pending job and all of its pending requests to
	// processing and records the remote linkage.
	MarkSubmitted(ctx context.Context, jobID uuid.UUID, sub Submission) error
	// MarkRejected moves a pending job straight to failed.
	MarkRejected(ctx context.Context, jobID uuid.UUID, message string) error
	// RecordResponse inserts a response and advances its request. It reports
	// false without error when the request already has a response.
	RecordResponse(ctx context.Context, resp *models.Response, outcome RequestOutcome) (bool, error)
	// FinishJob moves a processing job to a terminal status, recomputing its
	// counters from the stored responses.
	FinishJob(ctx context.Context, jobID uuid.UUID, c Completion) (*models.Job, error)

	Stats(ctx context.Context) (*models.Stats, error)
}

type JobFilter struct {
	Status      string
	Page        int
	Limit       int
	OldestFirst bool
	// HasRequests keeps only jobs with at least one request.
	HasRequests bool
}

// Submission is the linkage recorded when a job is handed to the provider.
// RequestCount must equal the number of requests that went into the
// manifest; the transition is refused if more were appended since.
type Submission struct {
	ExternalJobID   string
	InputArtifactID string
	RequestCount    int
	SubmittedAt     time.Time
}

type Completion struct {
	Status           string
	ErrorMessage     *string
	OutputArtifactID *string
	ErrorArtifactID  *string
	CompletedAt      time.Time
}

type RequestOutcome struct {
	Status       string
	ErrorMessage *string
}

type jobUpdateParams struct {
	Name        *string
	Description *string
}

type JobUpdateOption func(*jobUpdateParams)

func WithName(name string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.Name = &name
	}
}

func WithDescription(desc string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.Description = &desc
	}
}
