package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kiranshivaraju/batchpilot/internal/cache"
	"github.com/kiranshivaraju/batchpilot/internal/observability"
	"github.com/kiranshivaraju/batchpilot/internal/provider"
	"github.com/kiranshivaraju/batchpilot/internal/store"
	"github.com/kiranshivaraju/batchpilot/pkg/models"
	"golang.org/x/sync/errgroup"
)

const (
	phaseSubmit    = "submit"
	phaseReconcile = "reconcile"
)

// Breaker reports whether the provider is currently refusing calls.
// *provider.GuardedClient implements it.
type Breaker interface {
	Open() bool
}

type DriverConfig struct {
	PageSize  int
	PollDelay time.Duration
	Workers   int
	// LockTTL bounds the cycle lease.
	LockTTL time.Duration
}

// CycleResult tallies one pass of the driver. Jobs counted as skipped were
// left untouched for a later cycle.
type CycleResult struct {
	Submitted    int
	SubmitErrors int
	Checked      int
	CheckErrors  int
	Skipped      int
}

// Driver runs orchestration cycles: submit pending jobs, then reconcile
// processing ones. A failure on one job is counted and logged, never allowed
// to stop the others.
type Driver struct {
	engine  *Engine
	breaker Breaker
	cfg     DriverConfig
	logger  *slog.Logger
	sleep   func(context.Context, time.Duration) error
}

// NewDriver builds a driver around e. breaker may be nil.
func NewDriver(e *Engine, breaker Breaker, cfg DriverConfig) *Driver {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	return &Driver{
		engine:  e,
		breaker: breaker,
		cfg:     cfg,
		logger:  e.logger.With("component", "driver"),
		sleep:   sleepCtx,
	}
}

// Run executes one cycle. Only failing to list jobs, or ctx ending, returns
// an error; the partial result is returned either way.
func (d *Driver) Run(ctx context.Context) (CycleResult, error) {
	var res CycleResult
	start := time.Now()

	release, ok, err := d.cycleLease(ctx)
	if err != nil {
		return res, err
	}
	if !ok {
		d.logger.Info("another cycle is running, skipping")
		return res, nil
	}
	defer release()

	pending, err := d.listPending(ctx)
	if err != nil {
		return res, err
	}
	if err := d.submitAll(ctx, pending, &res); err != nil {
		return res, err
	}

	processing, err := d.listProcessing(ctx)
	if err != nil {
		return res, err
	}
	if err := d.reconcileAll(ctx, processing, &res); err != nil {
		return res, err
	}

	elapsed := time.Since(start)
	d.engine.metrics.RecordCycle(ctx, elapsed.Seconds())
	d.logger.Info("cycle finished",
		"submitted", res.Submitted,
		"submit_errors", res.SubmitErrors,
		"checked", res.Checked,
		"check_errors", res.CheckErrors,
		"skipped", res.Skipped,
		"duration", elapsed.String(),
	)
	return res, nil
}

// Loop runs a cycle immediately and then every interval until ctx is done.
func (d *Driver) Loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := d.Run(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("cycle failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Driver) cycleLease(ctx context.Context) (func(), bool, error) {
	locks := d.engine.locks
	if locks == nil {
		return func() {}, true, nil
	}
	token, ok, err := locks.Acquire(ctx, cache.CycleLockKey, d.cfg.LockTTL)
	if err != nil {
		return nil, false, fmt.Errorf("acquire cycle lease: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	return func() {
		if err := locks.Release(context.WithoutCancel(ctx), cache.CycleLockKey, token); err != nil {
			d.logger.Warn("failed to release cycle lease", "error", err)
		}
	}, true, nil
}

// Preview lists the jobs the next cycle would pick up without touching
// them or the provider.
func (d *Driver) Preview(ctx context.Context) (pending, processing []*models.Job, err error) {
	if pending, err = d.listPending(ctx); err != nil {
		return nil, nil, err
	}
	if processing, err = d.listProcessing(ctx); err != nil {
		return nil, nil, err
	}
	return pending, processing, nil
}

// Empty pending jobs can never be submitted, so they are left out of the
// page instead of crowding out jobs that can.
func (d *Driver) listPending(ctx context.Context) ([]*models.Job, error) {
	return d.list(ctx, store.JobFilter{Status: models.JobStatusPending, HasRequests: true})
}

func (d *Driver) listProcessing(ctx context.Context) ([]*models.Job, error) {
	return d.list(ctx, store.JobFilter{Status: models.JobStatusProcessing})
}

// list returns the oldest page of jobs matching f. Jobs beyond the page wait
// for a later cycle.
func (d *Driver) list(ctx context.Context, f store.JobFilter) ([]*models.Job, error) {
	f.Page = 1
	f.Limit = d.cfg.PageSize
	f.OldestFirst = true
	jobs, _, err := d.engine.store.ListJobs(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list %s jobs: %w", f.Status, err)
	}
	return jobs, nil
}

func (d *Driver) submitAll(ctx context.Context, jobs []*models.Job, res *CycleResult) error {
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(d.cfg.Workers)

	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			var err error
			skipped := d.circuitOpen(ctx, phaseSubmit)
			if !skipped {
				err = d.engine.Submit(ctx, job.ID)
			}

			mu.Lock()
			defer mu.Unlock()
			switch {
			case skipped || d.skip(ctx, phaseSubmit, err):
				res.Skipped++
			case err != nil:
				res.SubmitErrors++
				d.logger.Warn("submit failed", "job_id", job.ID, "error", err)
			default:
				res.Submitted++
			}
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

func (d *Driver) reconcileAll(ctx context.Context, jobs []*models.Job, res *CycleResult) error {
	for i, job := range jobs {
		if d.circuitOpen(ctx, phaseReconcile) {
			res.Skipped++
			continue
		}
		if i > 0 && d.cfg.PollDelay > 0 {
			if err := d.sleep(ctx, d.cfg.PollDelay); err != nil {
				return err
			}
		}

		err := d.engine.Reconcile(ctx, job.ID)
		switch {
		case d.skip(ctx, phaseReconcile, err):
			res.Skipped++
		case err != nil:
			res.CheckErrors++
			d.logger.Warn("reconcile failed", "job_id", job.ID, "error", err)
		default:
			res.Checked++
		}
	}
	return ctx.Err()
}

// skip reports whether err means the job was left alone rather than failed:
// another worker holds it, or the breaker refused the call.
func (d *Driver) skip(ctx context.Context, phase string, err error) bool {
	switch {
	case errors.Is(err, ErrJobLocked):
		d.engine.metrics.RecordSkipped(ctx, phase, observability.ReasonLocked)
		return true
	case errors.Is(err, provider.ErrCircuitOpen):
		d.engine.metrics.RecordSkipped(ctx, phase, observability.ReasonCircuitOpen)
		return true
	}
	return false
}

func (d *Driver) circuitOpen(ctx context.Context, phase string) bool {
	if d.breaker == nil || !d.breaker.Open() {
		return false
	}
	d.engine.metrics.RecordSkipped(ctx, phase, observability.ReasonCircuitOpen)
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
