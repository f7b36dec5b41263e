package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SearchMetrics records retrieval and evaluation metrics.
type SearchMetrics interface {
	RecordSearch(ctx context.Context, orderingMetric, kind string, duration time.Duration, results int)
	RecordEvaluation(ctx context.Context, model string, mrr float64)
}

type searchMetrics struct {
	searches       metric.Int64Counter
	duration       metric.Float64Histogram
	results        metric.Int64Histogram
	evaluationRuns metric.Int64Counter
	evaluationMRR  metric.Float64Histogram
}

// NewSearchMetrics creates SearchMetrics. Returns (nil, nil) when meter is nil (metrics disabled).
func NewSearchMetrics(meter metric.Meter) (SearchMetrics, error) {
	if meter == nil {
		//nolint:nilnil // intentional: callers use "if metrics != nil" when metrics disabled
		return nil, nil
	}

	searches, err := meter.Int64Counter(MetricNameSearches,
		metric.WithDescription("Total searches by ordering metric and outcome kind"))
	if err != nil {
		return nil, fmt.Errorf("create searches counter: %w", err)
	}

	duration, err := meter.Float64Histogram(MetricNameSearchDuration,
		metric.WithDescription("Search duration (seconds), embedding call included"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("create search duration histogram: %w", err)
	}

	results, err := meter.Int64Histogram(MetricNameSearchResults,
		metric.WithDescription("Results returned per successful search"))
	if err != nil {
		return nil, fmt.Errorf("create search results histogram: %w", err)
	}

	evaluationRuns, err := meter.Int64Counter(MetricNameEvaluationRuns,
		metric.WithDescription("Controlled test executions"))
	if err != nil {
		return nil, fmt.Errorf("create evaluation runs counter: %w", err)
	}

	evaluationMRR, err := meter.Float64Histogram(MetricNameEvaluationMRR,
		metric.WithDescription("Reciprocal rank per controlled test execution"))
	if err != nil {
		return nil, fmt.Errorf("create evaluation mrr histogram: %w", err)
	}

	return &searchMetrics{
		searches:       searches,
		duration:       duration,
		results:        results,
		evaluationRuns: evaluationRuns,
		evaluationMRR:  evaluationMRR,
	}, nil
}

func (s *searchMetrics) RecordSearch(ctx context.Context, orderingMetric, kind string, duration time.Duration, results int) {
	kind = NormalizeReason(kind, AllowedSearchKinds)
	attrs := metric.WithAttributes(
		attribute.String(AttrMetric, orderingMetric),
		attribute.String(AttrKind, kind),
	)
	s.searches.Add(ctx, 1, attrs)
	s.duration.Record(ctx, duration.Seconds(), attrs)

	if kind == "ok" {
		s.results.Record(ctx, int64(results), metric.WithAttributes(attribute.String(AttrMetric, orderingMetric)))
	}
}

func (s *searchMetrics) RecordEvaluation(ctx context.Context, model string, mrr float64) {
	attrs := metric.WithAttributes(attribute.String(AttrModel, model))
	s.evaluationRuns.Add(ctx, 1, attrs)
	s.evaluationMRR.Record(ctx, mrr, attrs)
}
