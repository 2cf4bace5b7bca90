// Package engine moves batch jobs through their lifecycle: it submits pending
// jobs to the provider, polls the ones in flight and ingests their results.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/batchpilot/internal/archive"
	"github.com/kiranshivaraju/batchpilot/internal/cache"
	"github.com/kiranshivaraju/batchpilot/internal/observability"
	"github.com/kiranshivaraju/batchpilot/internal/provider"
	"github.com/kiranshivaraju/batchpilot/internal/store"
)

const (
	defaultCompletionWindow = "24h"
	defaultLockTTL          = 5 * time.Minute
	defaultStatusTTL        = 10 * time.Minute
)

// StatusCache receives every status the engine moves a job to, so readers
// can skip the database.
type StatusCache interface {
	SetJobStatus(ctx context.Context, jobID uuid.UUID, status string, ttl time.Duration) error
}

type Config struct {
	CompletionWindow string
	// LockTTL bounds how long a crashed worker can keep a job leased.
	LockTTL time.Duration
	// StaleAfter is the age after which a job still running remotely is
	// reported. Zero disables the check.
	StaleAfter time.Duration
	StatusTTL  time.Duration
}

// Deps are the engine's collaborators. Store and Remote are required; the
// rest may be left nil.
type Deps struct {
	Store    store.Store
	Remote   provider.Client
	Locks    cache.Locker
	Statuses StatusCache
	Archive  archive.Archive
	Metrics  *observability.Metrics
	Logger   *slog.Logger
}

type Engine struct {
	store    store.Store
	remote   provider.Client
	locks    cache.Locker
	statuses StatusCache
	archive  archive.Archive
	metrics  *observability.Metrics
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time
}

func New(deps Deps, cfg Config) *Engine {
	if cfg.CompletionWindow == "" {
		cfg.CompletionWindow = defaultCompletionWindow
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	if cfg.StatusTTL <= 0 {
		cfg.StatusTTL = defaultStatusTTL
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	arch := deps.Archive
	if arch == nil {
		arch = archive.Nop{}
	}

	return &Engine{
		store:    deps.Store,
		remote:   deps.Remote,
		locks:    deps.Locks,
		statuses: deps.Statuses,
		archive:  arch,
		metrics:  deps.Metrics,
		logger:   logger.With("component", "engine"),
		cfg:      cfg,
		now:      time.Now,
	}
}

// lease takes the per-job lock. The returned release func is never nil when
// err is nil.
func (e *Engine) lease(ctx context.Context, op string, jobID uuid.UUID) (func(), error) {
	if e.locks == nil {
		return func() {}, nil
	}

	key := cache.JobLockKey(jobID)
	token, ok, err := e.locks.Acquire(ctx, key, e.cfg.LockTTL)
	if err != nil {
		return nil, jobError(op, jobID, nil, err)
	}
	if !ok {
		return nil, jobError(op, jobID, ErrJobLocked, nil)
	}

	return func() {
		err := e.locks.Release(context.WithoutCancel(ctx), key, token)
		switch {
		case errors.Is(err, cache.ErrLeaseLost):
			e.logger.Warn("job lease expired before release", "job_id", jobID, "op", op, "ttl", e.cfg.LockTTL.String())
		case err != nil:
			e.logger.Warn("failed to release job lease", "job_id", jobID, "op", op, "error", err)
		}
	}, nil
}

func (e *Engine) cacheStatus(ctx context.Context, jobID uuid.UUID, status string) {
	if e.statuses == nil {
		return
	}
	if err := e.statuses.SetJobStatus(ctx, jobID, status, e.cfg.StatusTTL); err != nil {
		e.logger.Warn("failed to cache job status", "job_id", jobID, "status", status, "error", err)
	}
}
