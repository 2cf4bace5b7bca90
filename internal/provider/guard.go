package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/kiranshivaraju/batchpilot/pkg/circuitbreaker"
)

var ErrCircuitOpen = errors.New("provider circuit open")

// GuardedClient routes every call through a circuit breaker. Transient
// failures count against the breaker. Rejections and the caller's own
// cancellations do not.
type GuardedClient struct {
	inner   Client
	breaker *circuitbreaker.Breaker
}

func NewGuardedClient(inner Client, breaker *circuitbreaker.Breaker) *GuardedClient {
	return &GuardedClient{inner: inner, breaker: breaker}
}

// Open reports whether calls are currently being refused.
func (g *GuardedClient) Open() bool {
	return g.breaker.State() == circuitbreaker.Open
}

func (g *GuardedClient) Upload(ctx context.Context, name string, data []byte) (string, error) {
	return guard(ctx, g, func() (string, error) { return g.inner.Upload(ctx, name, data) })
}

func (g *GuardedClient) CreateJob(ctx context.Context, req CreateJobRequest) (string, error) {
	return guard(ctx, g, func() (string, error) { return g.inner.CreateJob(ctx, req) })
}

func (g *GuardedClient) GetStatus(ctx context.Context, externalJobID string) (*BatchStatus, error) {
	return guard(ctx, g, func() (*BatchStatus, error) { return g.inner.GetStatus(ctx, externalJobID) })
}

func (g *GuardedClient) Download(ctx context.Context, artifactID string) ([]byte, error) {
	return guard(ctx, g, func() ([]byte, error) { return g.inner.Download(ctx, artifactID) })
}

func guard[T any](ctx context.Context, g *GuardedClient, call func() (T, error)) (T, error) {
	var zero T
	if !g.breaker.Allow() {
		return zero, fmt.Errorf("%w: %w", ErrTransient, ErrCircuitOpen)
	}
	v, err := call()
	switch {
	case err != nil && ctx.Err() != nil:
		// The caller gave up; that says nothing about the provider.
		g.breaker.Release()
	case err == nil, IsRejected(err):
		g.breaker.RecordSuccess()
	default:
		g.breaker.RecordFailure()
	}
	return v, err
}

var _ Client = (*GuardedClient)(nil)
