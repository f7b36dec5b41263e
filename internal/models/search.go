package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OrderingMetric selects how search results are ordered.
type OrderingMetric string

// Ordering metrics. Distances sort ascending, similarities descending.
const (
	OrderingCosine        OrderingMetric = "cosine"
	OrderingDotProduct    OrderingMetric = "dot_product"
	OrderingEuclidean     OrderingMetric = "euclidean"
	OrderingManhattan     OrderingMetric = "manhattan"
	OrderingCombinedScore OrderingMetric = "combined_score"
)

// IsValid reports whether m is a known ordering metric.
func (m OrderingMetric) IsValid() bool {
	switch m {
	case OrderingCosine, OrderingDotProduct, OrderingEuclidean, OrderingManhattan, OrderingCombinedScore:
		return true
	default:
		return false
	}
}

// Ascending reports whether lower values rank first.
func (m OrderingMetric) Ascending() bool {
	return m == OrderingEuclidean || m == OrderingManhattan
}

// ParseOrderingMetric parses a metric name; empty defaults to combined_score.
func ParseOrderingMetric(s string) (OrderingMetric, error) {
	if s == "" {
		return OrderingCombinedScore, nil
	}

	m := OrderingMetric(s)
	if !m.IsValid() {
		return "", fmt.Errorf("invalid ordering metric: %q", s)
	}

	return m, nil
}

// SearchFilters restrict the candidate set. All set fields must match.
type SearchFilters struct {
	State           *ShipmentState `json:"state,omitempty"             validate:"omitempty,shipment_state"`
	BuyerID         *int64         `json:"buyer_id,omitempty"          validate:"omitempty,gt=0"`
	BuyerNationalID *string        `json:"buyer_national_id,omitempty" validate:"omitempty,max=20,no_null_bytes"`
	DateFrom        *time.Time     `json:"date_from,omitempty"`
	DateTo          *time.Time     `json:"date_to,omitempty"`
	WeightMin       *float64       `json:"weight_min,omitempty"        validate:"omitempty,gte=0"`
	WeightMax       *float64       `json:"weight_max,omitempty"        validate:"omitempty,gte=0"`
	ValueMin        *float64       `json:"value_min,omitempty"         validate:"omitempty,gte=0"`
	ValueMax        *float64       `json:"value_max,omitempty"         validate:"omitempty,gte=0"`

	// ExcludeShipmentID drops one shipment from the candidates (similar-shipment lookups).
	ExcludeShipmentID *int64 `json:"-"`
}

// Matches reports whether a stored record satisfies every set filter.
func (f *SearchFilters) Matches(shipmentID int64, a RecordAttributes) bool {
	if f == nil {
		return true
	}

	switch {
	case f.ExcludeShipmentID != nil && *f.ExcludeShipmentID == shipmentID:
		return false
	case f.State != nil && *f.State != a.State:
		return false
	case f.BuyerID != nil && *f.BuyerID != a.BuyerID:
		return false
	case f.BuyerNationalID != nil && *f.BuyerNationalID != a.BuyerNationalID:
		return false
	case f.DateFrom != nil && a.IssuedAt.Before(*f.DateFrom):
		return false
	case f.DateTo != nil && a.IssuedAt.After(*f.DateTo):
		return false
	case f.WeightMin != nil && a.TotalWeight < *f.WeightMin:
		return false
	case f.WeightMax != nil && a.TotalWeight > *f.WeightMax:
		return false
	case f.ValueMin != nil && a.TotalValue < *f.ValueMin:
		return false
	case f.ValueMax != nil && a.TotalValue > *f.ValueMax:
		return false
	}

	return true
}

// IsEmpty reports whether no filter is set.
func (f *SearchFilters) IsEmpty() bool {
	return f == nil || (f.State == nil && f.BuyerID == nil && f.BuyerNationalID == nil &&
		f.DateFrom == nil && f.DateTo == nil && f.WeightMin == nil && f.WeightMax == nil &&
		f.ValueMin == nil && f.ValueMax == nil && f.ExcludeShipmentID == nil)
}

// SearchRequest is the core-facing search contract.
type SearchRequest struct {
	Query          string         `json:"query"                     validate:"max=2000,no_null_bytes"`
	Limit          int            `json:"limit"`
	Model          string         `json:"model_id,omitempty"        validate:"omitempty,max=255"`
	OrderingMetric OrderingMetric `json:"ordering_metric,omitempty"`
	Filters        SearchFilters  `json:"filters"`
}

// SearchResultItem is one ranked shipment with its similarity metrics.
type SearchResultItem struct {
	Shipment          ShipmentSnapshot `json:"shipment"`
	CosineSimilarity  float64          `json:"cosine_similarity"`
	DotProduct        float64          `json:"dot_product"`
	EuclideanDistance float64          `json:"euclidean_distance"`
	ManhattanDistance float64          `json:"manhattan_distance"`
	CombinedScore     float64          `json:"combined_score"`
	ExactMatchBoost   float64          `json:"exact_match_boost"`
	QueryNorm         float64          `json:"query_norm"`
	DocumentNorm      float64          `json:"document_norm"`
	MatchedTerms      []string         `json:"matched_terms"`
	MatchedFragments  []string         `json:"matched_fragments"`
	RelevanceReason   string           `json:"relevance_reason"`
}

// SearchResponse is returned by a search.
type SearchResponse struct {
	QueryID    uuid.UUID          `json:"query_id"`
	Results    []SearchResultItem `json:"results"`
	TotalFound int                `json:"total_found"`
	ElapsedMS  int64              `json:"elapsed_ms"`
	Cost       float64            `json:"cost"`
	Tokens     int                `json:"tokens"`
	Model      string             `json:"model"`
	Expansion  ExpandedQuery      `json:"expansion"`
}

// RankedShipment is one entry of a persisted ranking snapshot.
type RankedShipment struct {
	ShipmentID int64   `json:"shipment_id"`
	Score      float64 `json:"score"`
}

// QueryEmbedding is the persisted record of one search.
type QueryEmbedding struct {
	ID           uuid.UUID        `json:"id"`
	Query        string           `json:"query"`
	ExpandedText string           `json:"expanded_text"`
	Vector       []float32        `json:"-"`
	Model        string           `json:"model"`
	UserID       *int64           `json:"user_id,omitempty"`
	Tokens       int              `json:"tokens"`
	Cost         float64          `json:"cost"`
	Snapshot     []RankedShipment `json:"snapshot"`
	CreatedAt    time.Time        `json:"created_at"`
}

// SuggestedFilters are filter hints extracted from a query.
type SuggestedFilters struct {
	State           *ShipmentState    `json:"state,omitempty"`
	City            *string           `json:"city,omitempty"`
	Province        *string           `json:"province,omitempty"`
	Categories      []ProductCategory `json:"categories,omitempty"`
	WeightMin       *float64          `json:"weight_min,omitempty"`
	WeightMax       *float64          `json:"weight_max,omitempty"`
	ValueMin        *float64          `json:"value_min,omitempty"`
	ValueMax        *float64          `json:"value_max,omitempty"`
	DateFrom        *time.Time        `json:"date_from,omitempty"`
	DateTo          *time.Time        `json:"date_to,omitempty"`
	BuyerNationalID *string           `json:"buyer_national_id,omitempty"`
}

// ExpandedQuery is the output of query expansion.
type ExpandedQuery struct {
	ExpandedText     string           `json:"expanded_text"`
	OriginalTerms    []string         `json:"original_terms"`
	AddedSynonyms    []string         `json:"added_synonyms"`
	SuggestedFilters SuggestedFilters `json:"suggested_filters"`
	Context          []string         `json:"context"`
}
