package workers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/riverqueue/river"

	"github.com/cargohub/hub/internal/models"
	"github.com/cargohub/hub/internal/service"
)

// StaleSweepWorker indexes shipments whose embedding is missing or older than the shipment.
type StaleSweepWorker struct {
	river.WorkerDefaults[service.StaleSweepArgs]

	indexer      bulkIndexer
	defaultModel string
	logger       *slog.Logger
}

// NewStaleSweepWorker creates the worker. Jobs without a model sweep defaultModel.
func NewStaleSweepWorker(indexer bulkIndexer, defaultModel string, logger *slog.Logger) *StaleSweepWorker {
	if logger == nil {
		logger = slog.Default()
	}

	return &StaleSweepWorker{indexer: indexer, defaultModel: defaultModel, logger: logger}
}

// Timeout limits how long one sweep can run.
func (w *StaleSweepWorker) Timeout(*river.Job[service.StaleSweepArgs]) time.Duration {
	return bulkIndexTimeout
}

// Work runs one sweep.
func (w *StaleSweepWorker) Work(ctx context.Context, job *river.Job[service.StaleSweepArgs]) error {
	model := job.Args.Model
	if model == "" {
		model = w.defaultModel
	}

	summary, err := w.indexer.IndexBulk(ctx, service.BulkRequest{
		Model:        model,
		RefreshStale: true,
		ProcessKind:  models.ProcessKindAutomatic,
	})

	logSummary(w.logger, job.ID, "stale sweep", summary)

	if err != nil {
		return fmt.Errorf("stale sweep: %w", err)
	}

	return nil
}

// StaleSweepPeriodicJob schedules the sweep every interval. It returns nil when interval is not positive.
func StaleSweepPeriodicJob(interval time.Duration, model string) *river.PeriodicJob {
	if interval <= 0 {
		return nil
	}

	return river.NewPeriodicJob(
		river.PeriodicInterval(interval),
		func() (river.JobArgs, *river.InsertOpts) {
			return service.StaleSweepArgs{Model: model}, &river.InsertOpts{
				Queue:       service.EmbeddingsQueueName,
				MaxAttempts: 1,
				UniqueOpts:  river.UniqueOpts{ByArgs: true, ByPeriod: interval},
			}
		},
		&river.PeriodicJobOpts{RunOnStart: false},
	)
}
