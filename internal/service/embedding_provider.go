package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/riverqueue/river"

	"github.com/cargohub/hub/internal/huberrors"
	"github.com/cargohub/hub/internal/models"
	"github.com/cargohub/hub/internal/observability"
)

// uniqueByPeriodEmbedding collapses duplicate change notifications for the same shipment.
const uniqueByPeriodEmbedding = 10 * time.Minute

// IndexingEnqueuer schedules indexing work on the embeddings queue.
type IndexingEnqueuer struct {
	inserter     JobInserter
	defaultModel string
	queueName    string
	maxAttempts  int
	metrics      observability.EmbeddingMetrics
	logger       *slog.Logger
}

// IndexingEnqueuerParams configures IndexingEnqueuer. Metrics may be nil when metrics are disabled.
type IndexingEnqueuerParams struct {
	Inserter     JobInserter
	DefaultModel string
	QueueName    string
	MaxAttempts  int
	Metrics      observability.EmbeddingMetrics
	Logger       *slog.Logger
}

// NewIndexingEnqueuer creates an IndexingEnqueuer.
func NewIndexingEnqueuer(p IndexingEnqueuerParams) *IndexingEnqueuer {
	e := &IndexingEnqueuer{
		inserter:     p.Inserter,
		defaultModel: p.DefaultModel,
		queueName:    p.QueueName,
		maxAttempts:  p.MaxAttempts,
		metrics:      p.Metrics,
		logger:       p.Logger,
	}

	if e.queueName == "" {
		e.queueName = EmbeddingsQueueName
	}

	if e.logger == nil {
		e.logger = slog.Default()
	}

	return e
}

func (e *IndexingEnqueuer) model(m string) string {
	if m == "" {
		return e.defaultModel
	}

	return m
}

// ShipmentChanged enqueues an automatic indexing job for one shipment. The job always re-embeds: a
// change notification means the stored canonical text is outdated.
func (e *IndexingEnqueuer) ShipmentChanged(ctx context.Context, shipmentID int64, model string) (models.JobAccepted, error) {
	if shipmentID <= 0 {
		return models.JobAccepted{}, huberrors.NewValidationError("id", "shipment id must be positive")
	}

	opts := &river.InsertOpts{
		Queue:       e.queueName,
		MaxAttempts: e.maxAttempts,
		UniqueOpts:  river.UniqueOpts{ByArgs: true, ByPeriod: uniqueByPeriodEmbedding},
	}

	args := ShipmentEmbeddingArgs{ShipmentID: shipmentID, Model: e.model(model), Force: true}

	return e.insert(ctx, args, args.Model, opts)
}

// EnqueueBulk enqueues a bulk index run. Runs are not deduplicated.
func (e *IndexingEnqueuer) EnqueueBulk(ctx context.Context, req *models.BulkIndexRequest) (models.JobAccepted, error) {
	args := BulkIndexArgs{
		IDs:          dedupeIDs(req.IDs),
		Model:        e.model(req.Model),
		Force:        req.Force,
		RefreshStale: req.RefreshStale,
	}

	return e.insert(ctx, args, args.Model, &river.InsertOpts{Queue: e.queueName, MaxAttempts: 1})
}

// EnqueueRegenerate enqueues a regenerate-all run for model.
func (e *IndexingEnqueuer) EnqueueRegenerate(ctx context.Context, model string) (models.JobAccepted, error) {
	args := BulkIndexArgs{Model: e.model(model), Regenerate: true}

	return e.insert(ctx, args, args.Model, &river.InsertOpts{
		Queue:       e.queueName,
		MaxAttempts: 1,
		UniqueOpts:  river.UniqueOpts{ByArgs: true},
	})
}

func (e *IndexingEnqueuer) insert(ctx context.Context, args river.JobArgs, model string, opts *river.InsertOpts) (models.JobAccepted, error) {
	res, err := e.inserter.Insert(ctx, args, opts)
	if err != nil {
		if e.metrics != nil {
			e.metrics.RecordProviderError(ctx, "enqueue_failed")
		}

		e.logger.Error("indexing: enqueue failed", "kind", args.Kind(), "error", err)

		return models.JobAccepted{}, fmt.Errorf("enqueue %s: %w", args.Kind(), err)
	}

	if e.metrics != nil {
		e.metrics.RecordJobsEnqueued(ctx, 1)
	}

	accepted := models.JobAccepted{Kind: args.Kind(), Model: model}
	if res != nil && res.Job != nil {
		accepted.JobID = res.Job.ID
	}

	e.logger.Info("indexing: job enqueued",
		"kind", accepted.Kind,
		"job_id", accepted.JobID,
		"model", model,
		"unique_skipped", res != nil && res.UniqueSkippedAsDuplicate,
	)

	return accepted, nil
}
