package models

import (
	"time"

	"github.com/google/uuid"
)

// RecordAttributes are shipment attributes kept with an embedding so stores can push filters down.
type RecordAttributes struct {
	BuyerID         int64         `json:"buyer_id"`
	BuyerNationalID string        `json:"buyer_national_id,omitempty"`
	State           ShipmentState `json:"state"`
	IssuedAt        time.Time     `json:"issued_at"`
	TotalWeight     float64       `json:"total_weight"`
	TotalValue      float64       `json:"total_value"`
}

// EmbeddingRecord is one vector per (shipment, model).
type EmbeddingRecord struct {
	ShipmentID int64            `json:"shipment_id"`
	Model      string           `json:"model"`
	Text       string           `json:"text"`
	Vector     []float32        `json:"vector"`
	AvgCosine  *float64         `json:"avg_cosine,omitempty"`
	Attributes RecordAttributes `json:"attributes"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// EmbeddingStats carries optional statistics written alongside a vector.
type EmbeddingStats struct {
	AvgCosine *float64
}

// Neighbor is one kNN hit: the stored record and its cosine similarity to the query.
type Neighbor struct {
	Record     EmbeddingRecord
	Similarity float64
}

// GenerationStatus is the outcome of indexing one shipment.
type GenerationStatus string

// Generation statuses.
const (
	GenerationStatusGenerated GenerationStatus = "generated"
	GenerationStatusSkipped   GenerationStatus = "skipped"
	GenerationStatusError     GenerationStatus = "error"
)

// ProcessKind names what triggered an indexing run.
type ProcessKind string

// Process kinds.
const (
	ProcessKindManual    ProcessKind = "manual"
	ProcessKindAutomatic ProcessKind = "automatic"
	ProcessKindBulk      ProcessKind = "bulk"
)

// IsValid reports whether k is a known process kind.
func (k ProcessKind) IsValid() bool {
	switch k {
	case ProcessKindManual, ProcessKindAutomatic, ProcessKindBulk:
		return true
	default:
		return false
	}
}

// GenerationEvent is the append-only log entry written for every indexed item.
type GenerationEvent struct {
	ID          uuid.UUID        `json:"id"`
	ShipmentID  int64            `json:"shipment_id"`
	Model       string           `json:"model"`
	Status      GenerationStatus `json:"status"`
	ProcessKind ProcessKind      `json:"process_kind"`
	ElapsedMS   int64            `json:"elapsed_ms"`
	Tokens      int              `json:"tokens"`
	ErrorKind   string           `json:"error_kind,omitempty"`
	Error       string           `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// IndexOutcome is the structured result for one item of an indexing run.
type IndexOutcome struct {
	ShipmentID int64            `json:"shipment_id"`
	Status     GenerationStatus `json:"status"`
	Err        error            `json:"-"`
	Elapsed    time.Duration    `json:"elapsed"`
	Tokens     int              `json:"tokens"`
}

// IndexSummary aggregates the outcomes of a bulk run.
type IndexSummary struct {
	Model     string  `json:"model"`
	Generated int     `json:"generated"`
	Skipped   int     `json:"skipped"`
	Errors    int     `json:"errors"`
	Tokens    int     `json:"tokens"`
	Cost      float64 `json:"cost"`
	ElapsedMS int64   `json:"elapsed_ms"`
	// Cancelled is true when the run stopped early because its context ended.
	Cancelled bool `json:"cancelled,omitempty"`
}

// Add folds one outcome into the summary.
func (s *IndexSummary) Add(o IndexOutcome) {
	switch o.Status {
	case GenerationStatusGenerated:
		s.Generated++
	case GenerationStatusSkipped:
		s.Skipped++
	case GenerationStatusError:
		s.Errors++
	}

	s.Tokens += o.Tokens
}

// IndexingStats describes the state of the embedding store for one model.
type IndexingStats struct {
	Model           string                     `json:"model"`
	Records         int64                      `json:"records"`
	LastGeneratedAt *time.Time                 `json:"last_generated_at,omitempty"`
	Events          map[GenerationStatus]int64 `json:"events"`
	AvgElapsedMS    float64                    `json:"avg_elapsed_ms"`
}

// ListEventsFilters filters generation events.
type ListEventsFilters struct {
	ShipmentID *int64
	Model      string
	Status     *GenerationStatus
	Limit      int
}

// StoreStats describes the stored records of one model.
type StoreStats struct {
	Records         int64      `json:"records"`
	Dimension       int        `json:"dimension,omitempty"`
	LastGeneratedAt *time.Time `json:"last_generated_at,omitempty"`
}

// BulkIndexRequest asks for a bulk indexing run. Empty IDs means the whole corpus.
type BulkIndexRequest struct {
	IDs          []int64 `json:"ids,omitempty"           validate:"omitempty,max=10000,dive,gt=0"`
	Model        string  `json:"model_id,omitempty"      validate:"omitempty,max=255"`
	Force        bool    `json:"force,omitempty"`
	RefreshStale bool    `json:"refresh_stale,omitempty"`
}

// RegenerateRequest asks for every record of a model to be rebuilt.
type RegenerateRequest struct {
	Model string `json:"model_id,omitempty" validate:"omitempty,max=255"`
}

// CostEstimateRequest asks for the token cost of indexing shipments. Empty IDs means the whole corpus.
type CostEstimateRequest struct {
	IDs   []int64 `json:"ids,omitempty"      validate:"omitempty,max=10000,dive,gt=0"`
	Model string  `json:"model_id,omitempty" validate:"omitempty,max=255"`
	Force bool    `json:"force,omitempty"`
}

// JobAccepted is returned when indexing work is queued.
type JobAccepted struct {
	JobID int64  `json:"job_id"`
	Kind  string `json:"kind"`
	Model string `json:"model"`
}
