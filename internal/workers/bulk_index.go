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

// bulkIndexer is the minimal interface needed by the bulk and sweep workers.
type bulkIndexer interface {
	IndexBulk(ctx context.Context, req service.BulkRequest) (models.IndexSummary, error)
	RegenerateAll(ctx context.Context, model string, progress func(models.IndexOutcome)) (models.IndexSummary, error)
}

// bulkIndexTimeout bounds a corpus-wide run; cancellation stops it between batches.
const bulkIndexTimeout = 6 * time.Hour

// progressEvery is the number of items between progress log lines.
const progressEvery = 500

// BulkIndexWorker runs bulk index and regenerate-all jobs.
type BulkIndexWorker struct {
	river.WorkerDefaults[service.BulkIndexArgs]

	indexer bulkIndexer
	logger  *slog.Logger
}

// NewBulkIndexWorker creates the worker.
func NewBulkIndexWorker(indexer bulkIndexer, logger *slog.Logger) *BulkIndexWorker {
	if logger == nil {
		logger = slog.Default()
	}

	return &BulkIndexWorker{indexer: indexer, logger: logger}
}

// Timeout limits how long a bulk run can take.
func (w *BulkIndexWorker) Timeout(*river.Job[service.BulkIndexArgs]) time.Duration {
	return bulkIndexTimeout
}

// Work runs the indexing pass and logs its summary. Partial failures are reported, not retried: the
// next run resumes from what is already stored.
func (w *BulkIndexWorker) Work(ctx context.Context, job *river.Job[service.BulkIndexArgs]) error {
	args := job.Args
	progress := progressLogger(w.logger, job.ID)

	var (
		summary models.IndexSummary
		err     error
	)

	if args.Regenerate {
		summary, err = w.indexer.RegenerateAll(ctx, args.Model, progress)
	} else {
		summary, err = w.indexer.IndexBulk(ctx, service.BulkRequest{
			IDs:          args.IDs,
			Model:        args.Model,
			Force:        args.Force,
			RefreshStale: args.RefreshStale,
			ProcessKind:  models.ProcessKindBulk,
			Progress:     progress,
		})
	}

	logSummary(w.logger, job.ID, "bulk index", summary)

	if err != nil {
		if isPermanent(err) {
			return river.JobCancel(err)
		}

		return fmt.Errorf("bulk index: %w", err)
	}

	return nil
}

func progressLogger(logger *slog.Logger, jobID int64) func(models.IndexOutcome) {
	var done int

	return func(models.IndexOutcome) {
		done++
		if done%progressEvery == 0 {
			logger.Info("indexing: progress", "job_id", jobID, "items", done)
		}
	}
}

func logSummary(logger *slog.Logger, jobID int64, what string, s models.IndexSummary) {
	logger.Info("indexing: "+what+" finished",
		"job_id", jobID,
		"model", s.Model,
		"generated", s.Generated,
		"skipped", s.Skipped,
		"errors", s.Errors,
		"tokens", s.Tokens,
		"cost", s.Cost,
		"elapsed_ms", s.ElapsedMS,
		"cancelled", s.Cancelled,
	)
}
