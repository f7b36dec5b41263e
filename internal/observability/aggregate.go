package observability

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric collectors. When metrics are disabled, the *Metrics itself is nil.
// Components take the interface field they need and already handle nil.
type Metrics struct {
	Embeddings EmbeddingMetrics
	Search     SearchMetrics
	Principals PrincipalMetrics
	API        APIMetrics
}

// NewMetrics creates every collector from the given meter.
// Returns (nil, nil) when meter is nil (metrics disabled).
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		//nolint:nilnil // intentional: callers use "if metrics != nil" when metrics disabled
		return nil, nil
	}

	embeddings, err := NewEmbeddingMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("embedding metrics: %w", err)
	}

	search, err := NewSearchMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("search metrics: %w", err)
	}

	principals, err := NewPrincipalMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("principal metrics: %w", err)
	}

	api, err := NewAPIMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("api metrics: %w", err)
	}

	return &Metrics{
		Embeddings: embeddings,
		Search:     search,
		Principals: principals,
		API:        api,
	}, nil
}

// EmbeddingsOrNil returns m.Embeddings, or nil when m is nil.
func (m *Metrics) EmbeddingsOrNil() EmbeddingMetrics {
	if m == nil {
		return nil
	}

	return m.Embeddings
}

// SearchOrNil returns m.Search, or nil when m is nil.
func (m *Metrics) SearchOrNil() SearchMetrics {
	if m == nil {
		return nil
	}

	return m.Search
}

// PrincipalsOrNil returns m.Principals, or nil when m is nil.
func (m *Metrics) PrincipalsOrNil() PrincipalMetrics {
	if m == nil {
		return nil
	}

	return m.Principals
}

// APIOrNil returns m.API, or nil when m is nil.
func (m *Metrics) APIOrNil() APIMetrics {
	if m == nil {
		return nil
	}

	return m.API
}
