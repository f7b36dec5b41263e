// Package workers provides River job workers for indexing shipments.
package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/riverqueue/river"

	"github.com/cargohub/hub/internal/embeddings"
	"github.com/cargohub/hub/internal/huberrors"
	"github.com/cargohub/hub/internal/models"
	"github.com/cargohub/hub/internal/observability"
	"github.com/cargohub/hub/internal/service"
)

// shipmentIndexer is the minimal interface needed by ShipmentEmbeddingWorker.
type shipmentIndexer interface {
	IndexOne(ctx context.Context, id int64, model string, force bool, kind models.ProcessKind) (models.IndexOutcome, error)
}

// ShipmentEmbeddingWorker indexes one shipment after it changed.
type ShipmentEmbeddingWorker struct {
	river.WorkerDefaults[service.ShipmentEmbeddingArgs]

	indexer shipmentIndexer
	metrics observability.EmbeddingMetrics
	logger  *slog.Logger
}

// NewShipmentEmbeddingWorker creates the worker. metrics may be nil when metrics are disabled.
func NewShipmentEmbeddingWorker(
	indexer shipmentIndexer, metrics observability.EmbeddingMetrics, logger *slog.Logger,
) *ShipmentEmbeddingWorker {
	if logger == nil {
		logger = slog.Default()
	}

	return &ShipmentEmbeddingWorker{indexer: indexer, metrics: metrics, logger: logger}
}

const shipmentEmbeddingTimeout = 60 * time.Second

// Timeout limits how long a single indexing job can run.
func (w *ShipmentEmbeddingWorker) Timeout(*river.Job[service.ShipmentEmbeddingArgs]) time.Duration {
	return shipmentEmbeddingTimeout
}

// Work indexes the shipment. Missing shipments and permanent failures are not retried.
func (w *ShipmentEmbeddingWorker) Work(ctx context.Context, job *river.Job[service.ShipmentEmbeddingArgs]) error {
	args := job.Args

	outcome, err := w.indexer.IndexOne(ctx, args.ShipmentID, args.Model, args.Force, models.ProcessKindAutomatic)
	if err == nil {
		w.logger.Info("indexing: shipment indexed",
			"job_id", job.ID,
			"shipment_id", args.ShipmentID,
			"model", args.Model,
			"status", outcome.Status,
		)

		return nil
	}

	if errors.Is(err, huberrors.ErrNotFound) {
		w.logger.Info("indexing: shipment gone before job ran",
			"job_id", job.ID,
			"shipment_id", args.ShipmentID,
		)

		return nil
	}

	if isPermanent(err) {
		w.recordError(ctx, "permanent")
		w.logger.Error("indexing: permanent failure",
			"job_id", job.ID,
			"shipment_id", args.ShipmentID,
			"model", args.Model,
			"kind", huberrors.Kind(err),
			"error", err,
		)

		return river.JobCancel(err)
	}

	w.recordError(ctx, "retry")

	if job.Attempt >= job.MaxAttempts {
		w.logger.Error("indexing: failed (final attempt)",
			"job_id", job.ID,
			"shipment_id", args.ShipmentID,
			"error", err,
		)

		return nil
	}

	return fmt.Errorf("index shipment %d: %w", args.ShipmentID, err)
}

func (w *ShipmentEmbeddingWorker) recordError(ctx context.Context, reason string) {
	if w.metrics != nil {
		w.metrics.RecordProviderError(ctx, "worker_"+reason)
	}
}

// isPermanent reports errors a retry cannot fix.
func isPermanent(err error) bool {
	var mu *huberrors.ModelUnavailableError
	if errors.As(err, &mu) && (mu.Permanent || embeddings.IsFatalStatus(mu.Status)) {
		return true
	}

	return errors.Is(err, huberrors.ErrValidation) ||
		errors.Is(err, huberrors.ErrTokenLimit) ||
		errors.Is(err, huberrors.ErrDimensionMismatch) ||
		errors.Is(err, embeddings.ErrNoProvider)
}
