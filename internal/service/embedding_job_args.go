package service

import (
	"context"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
)

const (
	shipmentEmbeddingKind = "shipment_embedding"
	bulkIndexKind         = "bulk_index"
	staleSweepKind        = "stale_sweep"
	// EmbeddingsQueueName is the River queue used for indexing jobs.
	EmbeddingsQueueName = "embeddings"
)

// JobInserter inserts indexing jobs (e.g. River client).
type JobInserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

// ShipmentEmbeddingArgs is the job payload for indexing one shipment.
// Uniqueness is by (ShipmentID, Model) so bursts of change notifications collapse into one job.
type ShipmentEmbeddingArgs struct {
	ShipmentID int64  `json:"shipment_id" river:"unique"`
	Model      string `json:"model"       river:"unique"`
	Force      bool   `json:"force,omitempty"`
}

// Kind returns the River job kind.
func (ShipmentEmbeddingArgs) Kind() string { return shipmentEmbeddingKind }

// BulkIndexArgs is the job payload for a bulk or regenerate-all run.
type BulkIndexArgs struct {
	IDs          []int64 `json:"ids,omitempty"`
	Model        string  `json:"model"`
	Force        bool    `json:"force,omitempty"`
	RefreshStale bool    `json:"refresh_stale,omitempty"`
	// Regenerate drops every record of Model before re-indexing the corpus.
	Regenerate bool `json:"regenerate,omitempty"`
}

// Kind returns the River job kind.
func (BulkIndexArgs) Kind() string { return bulkIndexKind }

// StaleSweepArgs is the periodic job payload that re-indexes missing and outdated embeddings.
type StaleSweepArgs struct {
	Model string `json:"model,omitempty"`
}

// Kind returns the River job kind.
func (StaleSweepArgs) Kind() string { return staleSweepKind }

var (
	_ river.JobArgs = ShipmentEmbeddingArgs{}
	_ river.JobArgs = BulkIndexArgs{}
	_ river.JobArgs = StaleSweepArgs{}
)
