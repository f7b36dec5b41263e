package observability

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// EmbeddingMetrics records embedding pipeline metrics (client, indexer, workers).
// Methods accept ctx for future exemplar support.
type EmbeddingMetrics interface {
	RecordJobsEnqueued(ctx context.Context, count int64)
	RecordProviderCall(ctx context.Context, duration time.Duration, items int)
	RecordProviderError(ctx context.Context, reason string)
	RecordTokens(ctx context.Context, model string, tokens int64)
	RecordEmbeddingOutcome(ctx context.Context, status string, duration time.Duration)
	SetQueueDepth(depth int)
}

type embeddingMetrics struct {
	jobsEnqueued   metric.Int64Counter
	providerCalls  metric.Int64Counter
	providerErrors metric.Int64Counter
	callDuration   metric.Float64Histogram
	tokens         metric.Int64Counter
	outcomes       metric.Int64Counter
	duration       metric.Float64Histogram
	queueDepth     atomic.Int64
	queueGauge     metric.Float64ObservableGauge
}

// NewEmbeddingMetrics creates EmbeddingMetrics. Returns (nil, nil) when meter is nil (metrics disabled).
func NewEmbeddingMetrics(meter metric.Meter) (EmbeddingMetrics, error) {
	if meter == nil {
		//nolint:nilnil // intentional: callers use "if metrics != nil" when metrics disabled
		return nil, nil
	}

	jobsEnqueued, err := meter.Int64Counter(
		MetricNameEmbeddingJobsEnqueued,
		metric.WithDescription("Total embedding jobs enqueued"),
	)
	if err != nil {
		return nil, fmt.Errorf("create embedding jobs enqueued counter: %w", err)
	}

	providerCalls, err := meter.Int64Counter(
		MetricNameEmbeddingProviderCalls,
		metric.WithDescription("Total texts sent to embedding providers"),
	)
	if err != nil {
		return nil, fmt.Errorf("create embedding provider calls counter: %w", err)
	}

	providerErrors, err := meter.Int64Counter(
		MetricNameEmbeddingProviderError,
		metric.WithDescription("Total embedding provider errors by reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("create embedding provider errors counter: %w", err)
	}

	callDuration, err := meter.Float64Histogram(
		MetricNameEmbeddingCallDuration,
		metric.WithDescription("Embedding provider call duration (seconds)"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create embedding call duration histogram: %w", err)
	}

	tokens, err := meter.Int64Counter(
		MetricNameEmbeddingTokens,
		metric.WithDescription("Prompt tokens reported by embedding providers"),
	)
	if err != nil {
		return nil, fmt.Errorf("create embedding tokens counter: %w", err)
	}

	outcomes, err := meter.Int64Counter(
		MetricNameEmbeddingOutcomes,
		metric.WithDescription("Total per-shipment indexing outcomes by status"),
	)
	if err != nil {
		return nil, fmt.Errorf("create embedding outcomes counter: %w", err)
	}

	duration, err := meter.Float64Histogram(
		MetricNameEmbeddingDuration,
		metric.WithDescription("Per-shipment indexing duration (seconds)"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create embedding duration histogram: %w", err)
	}

	m := &embeddingMetrics{
		jobsEnqueued:   jobsEnqueued,
		providerCalls:  providerCalls,
		providerErrors: providerErrors,
		callDuration:   callDuration,
		tokens:         tokens,
		outcomes:       outcomes,
		duration:       duration,
	}

	m.queueGauge, err = meter.Float64ObservableGauge(
		MetricNameEmbeddingQueueDepth,
		metric.WithDescription("Current River embeddings queue depth (available, retryable, scheduled)"),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			o.Observe(float64(m.queueDepth.Load()))

			return nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create embeddings queue depth gauge: %w", err)
	}

	return m, nil
}

func (e *embeddingMetrics) RecordJobsEnqueued(ctx context.Context, count int64) {
	e.jobsEnqueued.Add(ctx, count)
}

func (e *embeddingMetrics) RecordProviderCall(ctx context.Context, duration time.Duration, items int) {
	e.providerCalls.Add(ctx, int64(items))
	e.callDuration.Record(ctx, duration.Seconds())
}

func (e *embeddingMetrics) RecordProviderError(ctx context.Context, reason string) {
	reason = NormalizeReason(reason, AllowedEmbeddingProviderReason)
	e.providerErrors.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrReason, reason)))
}

func (e *embeddingMetrics) RecordTokens(ctx context.Context, model string, tokens int64) {
	if tokens <= 0 {
		return
	}

	e.tokens.Add(ctx, tokens, metric.WithAttributes(attribute.String(AttrModel, model)))
}

func (e *embeddingMetrics) RecordEmbeddingOutcome(ctx context.Context, status string, duration time.Duration) {
	status = NormalizeReason(status, AllowedEmbeddingOutcomes)
	attrs := metric.WithAttributes(attribute.String(AttrStatus, status))
	e.outcomes.Add(ctx, 1, attrs)
	e.duration.Record(ctx, duration.Seconds(), attrs)
}

func (e *embeddingMetrics) SetQueueDepth(depth int) {
	e.queueDepth.Store(int64(depth))
}
