package observability

import (
	"context"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds pipeline and HTTP instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	meter metric.Meter

	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	JobDuration    metric.Float64Histogram
	JobsTotal      metric.Int64Counter
	JobErrorsTotal metric.Int64Counter
	JobsActive     metric.Int64UpDownCounter
	JobsQueued     metric.Int64UpDownCounter

	StageDuration metric.Float64Histogram
	StagesSkipped metric.Int64Counter
	StageFailures metric.Int64Counter
}

// NewMetrics registers all instruments on a fresh Prometheus registry and
// returns the handler serving it.
func NewMetrics() (*Metrics, http.Handler, error) {
	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("karaoke")
	m := &Metrics{meter: meter}

	if m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return nil, nil, err
	}
	if m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	); err != nil {
		return nil, nil, err
	}
	if m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	); err != nil {
		return nil, nil, err
	}

	if m.JobDuration, err = meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("End-to-end processing time per job"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(10, 30, 60, 120, 300, 600, 900, 1800, 3600),
	); err != nil {
		return nil, nil, err
	}
	if m.JobsTotal, err = meter.Int64Counter(
		"jobs_total",
		metric.WithDescription("Total number of jobs accepted"),
	); err != nil {
		return nil, nil, err
	}
	if m.JobErrorsTotal, err = meter.Int64Counter(
		"job_errors_total",
		metric.WithDescription("Total number of failed jobs"),
	); err != nil {
		return nil, nil, err
	}
	if m.JobsActive, err = meter.Int64UpDownCounter(
		"jobs_active",
		metric.WithDescription("Jobs currently holding a worker slot"),
	); err != nil {
		return nil, nil, err
	}
	if m.JobsQueued, err = meter.Int64UpDownCounter(
		"jobs_queued",
		metric.WithDescription("Jobs waiting for a worker slot"),
	); err != nil {
		return nil, nil, err
	}

	if m.StageDuration, err = meter.Float64Histogram(
		"stage_duration_seconds",
		metric.WithDescription("External tool run time per stage"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 1200),
	); err != nil {
		return nil, nil, err
	}
	if m.StagesSkipped, err = meter.Int64Counter(
		"stages_skipped_total",
		metric.WithDescription("Stages skipped because their artifact already existed"),
	); err != nil {
		return nil, nil, err
	}
	if m.StageFailures, err = meter.Int64Counter(
		"stage_failures_total",
		metric.WithDescription("Stages that ended in an error"),
	); err != nil {
		return nil, nil, err
	}

	return m, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.String("status", strconv.Itoa(statusCode)),
	)
	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobQueued records a job accepted and waiting for a slot.
func (m *Metrics) RecordJobQueued(ctx context.Context, source string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("source", source))
	m.JobsTotal.Add(ctx, 1, attrs)
	m.JobsQueued.Add(ctx, 1, attrs)
}

// RecordJobStarted moves a job from queued to active.
func (m *Metrics) RecordJobStarted(ctx context.Context, source string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("source", source))
	m.JobsQueued.Add(ctx, -1, attrs)
	m.JobsActive.Add(ctx, 1, attrs)
}

// RecordJobDropped records a queued job cancelled before it got a slot.
func (m *Metrics) RecordJobDropped(ctx context.Context, source string) {
	if m == nil {
		return
	}
	m.JobsQueued.Add(ctx, -1, metric.WithAttributes(attribute.String("source", source)))
	m.JobErrorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source), attribute.Bool("success", false)))
}

// RecordJobFinished records a job releasing its slot.
func (m *Metrics) RecordJobFinished(ctx context.Context, source string, success bool, durationSeconds float64) {
	if m == nil {
		return
	}
	m.JobsActive.Add(ctx, -1, metric.WithAttributes(attribute.String("source", source)))
	attrs := metric.WithAttributes(attribute.String("source", source), attribute.Bool("success", success))
	m.JobDuration.Record(ctx, durationSeconds, attrs)
	if !success {
		m.JobErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordStage records one executed stage.
func (m *Metrics) RecordStage(ctx context.Context, stage string, success bool, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("stage", stage), attribute.Bool("success", success))
	m.StageDuration.Record(ctx, durationSeconds, attrs)
	if !success {
		m.StageFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
	}
}

// RecordStageSkipped records a stage skipped on resume.
func (m *Metrics) RecordStageSkipped(ctx context.Context, stage string) {
	if m == nil {
		return
	}
	m.StagesSkipped.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}
