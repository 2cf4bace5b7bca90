package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Submission outcomes.
const (
	OutcomeSubmitted = "submitted"
	OutcomeRejected  = "rejected"
	OutcomeError     = "error"
)

// Skip reasons.
const (
	ReasonLocked      = "locked"
	ReasonCircuitOpen = "circuit_open"
)

// Metrics holds every instrument the service records. All Record methods
// are safe to call on a nil *Metrics.
type Metrics struct {
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter

	CycleDuration   metric.Float64Histogram
	JobsSubmitted   metric.Int64Counter
	JobsChecked     metric.Int64Counter
	JobsFinished    metric.Int64Counter
	JobsSkipped     metric.Int64Counter
	RecordsIngested metric.Int64Counter

	OrphanedRemoteJobs metric.Int64Counter
	StaleJobs          metric.Int64Counter
	BreakerState       metric.Int64Gauge
}

// NewMetrics creates all instruments on a fresh Prometheus registry and
// returns the handler that serves it.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("batchpilot")
	m := &Metrics{}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CycleDuration, err = meter.Float64Histogram(
		"cycle_duration_seconds",
		metric.WithDescription("Duration of one orchestration cycle in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsSubmitted, err = meter.Int64Counter(
		"jobs_submitted_total",
		metric.WithDescription("Submission attempts by outcome"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsChecked, err = meter.Int64Counter(
		"jobs_checked_total",
		metric.WithDescription("Remote status checks by remote status"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsFinished, err = meter.Int64Counter(
		"jobs_finished_total",
		metric.WithDescription("Jobs moved to a terminal status"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsSkipped, err = meter.Int64Counter(
		"jobs_skipped_total",
		metric.WithDescription("Jobs left for a later cycle without an attempt"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.RecordsIngested, err = meter.Int64Counter(
		"records_ingested_total",
		metric.WithDescription("Artifact records processed by artifact kind and outcome"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.OrphanedRemoteJobs, err = meter.Int64Counter(
		"orphaned_remote_jobs_total",
		metric.WithDescription("Remote batches created whose local submission could not be recorded"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.StaleJobs, err = meter.Int64Counter(
		"stale_jobs_total",
		metric.WithDescription("Checks that found a job still running past the stale threshold"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.BreakerState, err = meter.Int64Gauge(
		"provider_breaker_state",
		metric.WithDescription("Provider circuit breaker state (0 closed, 1 open, 2 half-open)"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}

func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, route string, statusCode int, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(methodAttr(method), routeAttr(route), statusAttr(statusCode))
	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
}

func (m *Metrics) RecordCycle(ctx context.Context, durationSeconds float64) {
	if m == nil {
		return
	}
	m.CycleDuration.Record(ctx, durationSeconds)
}

func (m *Metrics) RecordSubmit(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.JobsSubmitted.Add(ctx, 1, metric.WithAttributes(outcomeAttr(outcome)))
}

func (m *Metrics) RecordCheck(ctx context.Context, remoteStatus string) {
	if m == nil {
		return
	}
	m.JobsChecked.Add(ctx, 1, metric.WithAttributes(remoteStatusAttr(remoteStatus)))
}

func (m *Metrics) RecordFinished(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.JobsFinished.Add(ctx, 1, metric.WithAttributes(jobStatusAttr(status)))
}

func (m *Metrics) RecordSkipped(ctx context.Context, phase, reason string) {
	if m == nil {
		return
	}
	m.JobsSkipped.Add(ctx, 1, metric.WithAttributes(phaseAttr(phase), reasonAttr(reason)))
}

func (m *Metrics) RecordIngested(ctx context.Context, kind, outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.RecordsIngested.Add(ctx, int64(n), metric.WithAttributes(kindAttr(kind), outcomeAttr(outcome)))
}

func (m *Metrics) RecordOrphanedRemoteJob(ctx context.Context) {
	if m == nil {
		return
	}
	m.OrphanedRemoteJobs.Add(ctx, 1)
}

func (m *Metrics) RecordStaleJob(ctx context.Context) {
	if m == nil {
		return
	}
	m.StaleJobs.Add(ctx, 1)
}

func (m *Metrics) RecordBreakerState(ctx context.Context, state int64) {
	if m == nil {
		return
	}
	m.BreakerState.Record(ctx, state)
}
