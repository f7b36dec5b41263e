package service

import (
	"context"

	"github.com/cargohub/hub/internal/models"
)

// EmbeddingStore persists one embedding record per (shipment, model) and answers kNN queries.
// Implemented by repository.EmbeddingsRepository (pgvector) and boltstore.Store.
type EmbeddingStore interface {
	Upsert(ctx context.Context, rec *models.EmbeddingRecord) error
	// Get returns a huberrors.NotFoundError when no record exists.
	Get(ctx context.Context, shipmentID int64, model string) (*models.EmbeddingRecord, error)
	// Existing returns the subset of ids that already have a record for model.
	Existing(ctx context.Context, model string, ids []int64) (map[int64]models.EmbeddingRecord, error)
	DeleteByShipment(ctx context.Context, shipmentID int64) (int64, error)
	DeleteByModel(ctx context.Context, model string) (int64, error)
	// IterAll calls fn with batches of records in ascending shipment id, starting after afterID.
	IterAll(ctx context.Context, model string, afterID int64, batchSize int, fn func([]models.EmbeddingRecord) error) error
	// KNN returns at most k neighbors of query, descending by cosine similarity, ties by shipment id.
	// Records whose dimension differs from len(query) are never returned.
	KNN(ctx context.Context, model string, query []float32, k int, filters *models.SearchFilters) ([]models.Neighbor, error)
	Stats(ctx context.Context, model string) (models.StoreStats, error)
	// Sample returns up to n vectors of model, skipping excludeID.
	Sample(ctx context.Context, model string, n int, excludeID int64) ([][]float32, error)
	// Select returns the records matching the selector, most recent first, at most sel.MaxPoints.
	Select(ctx context.Context, sel *models.SubsetSelector) ([]models.EmbeddingRecord, error)
}

// ShipmentSource is the read-only view of the shipment corpus with buyer and products loaded.
type ShipmentSource interface {
	// GetShipment returns a huberrors.NotFoundError for unknown ids.
	GetShipment(ctx context.Context, id int64) (*models.Shipment, error)
	// ListShipments returns the next page after cursor.AfterID in ascending id order.
	ListShipments(ctx context.Context, cursor models.ShipmentCursor) ([]models.Shipment, error)
}

// QueryLog persists QueryEmbedding rows.
type QueryLog interface {
	SaveQueryEmbedding(ctx context.Context, q *models.QueryEmbedding) error
}

// GenerationEventLog is the append-only indexing history.
type GenerationEventLog interface {
	AppendEvents(ctx context.Context, events []models.GenerationEvent) error
	ListEvents(ctx context.Context, filters *models.ListEventsFilters) ([]models.GenerationEvent, error)
	// EventStats returns per-status counts and the mean elapsed time for model.
	EventStats(ctx context.Context, model string) (map[models.GenerationStatus]int64, float64, error)
}
