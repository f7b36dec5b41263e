package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Principal lookup results.
const (
	LookupAdmin    = "admin"
	LookupHit      = "hit"
	LookupMiss     = "miss"
	LookupRejected = "rejected"
	LookupError    = "error"
)

// PrincipalMetrics records API key to principal resolution. Attributes are bounded to the lookup result
// and the resolved role; keys and user ids never become labels.
type PrincipalMetrics interface {
	// RecordLookup counts one Resolve call. role is empty when no principal was resolved.
	RecordLookup(ctx context.Context, result, role string)
	// RecordLoad records a users-table load that ran because the principal cache missed.
	RecordLoad(ctx context.Context, result string, duration time.Duration)
}

type principalMetrics struct {
	lookups metric.Int64Counter
	loads   metric.Float64Histogram
}

// NewPrincipalMetrics creates PrincipalMetrics. Returns (nil, nil) when meter is nil (metrics disabled).
func NewPrincipalMetrics(meter metric.Meter) (PrincipalMetrics, error) {
	if meter == nil {
		//nolint:nilnil // intentional: callers use "if metrics != nil" when metrics disabled
		return nil, nil
	}

	lookups, err := meter.Int64Counter(MetricNamePrincipalLookups,
		metric.WithDescription("API key resolutions by result (admin, hit, miss, rejected, error) and role. "+
			"Cache hit ratio = hit / (hit + miss)."),
		metric.WithUnit("1"))
	if err != nil {
		return nil, fmt.Errorf("create principal lookups counter: %w", err)
	}

	loads, err := meter.Float64Histogram(MetricNamePrincipalLoadDuration,
		metric.WithDescription("Users table lookup duration (seconds) on principal cache misses"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("create principal load histogram: %w", err)
	}

	return &principalMetrics{lookups: lookups, loads: loads}, nil
}

func (p *principalMetrics) RecordLookup(ctx context.Context, result, role string) {
	if role == "" {
		role = "none"
	}

	p.lookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrResult, NormalizeReason(result, AllowedLookupResults)),
		attribute.String(AttrRole, NormalizeReason(role, AllowedRoles)),
	))
}

func (p *principalMetrics) RecordLoad(ctx context.Context, result string, duration time.Duration) {
	p.loads.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String(AttrResult, NormalizeReason(result, AllowedLookupResults)),
	))
}
