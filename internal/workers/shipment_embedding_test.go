package workers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cargohub/hub/internal/huberrors"
	"github.com/cargohub/hub/internal/models"
	"github.com/cargohub/hub/internal/service"
)

type mockIndexer struct {
	indexOneFunc   func(ctx context.Context, id int64, model string, force bool, kind models.ProcessKind) (models.IndexOutcome, error)
	indexBulkFunc  func(ctx context.Context, req service.BulkRequest) (models.IndexSummary, error)
	regenerateFunc func(ctx context.Context, model string) (models.IndexSummary, error)
}

func (m *mockIndexer) IndexOne(
	ctx context.Context, id int64, model string, force bool, kind models.ProcessKind,
) (models.IndexOutcome, error) {
	return m.indexOneFunc(ctx, id, model, force, kind)
}

func (m *mockIndexer) IndexBulk(ctx context.Context, req service.BulkRequest) (models.IndexSummary, error) {
	return m.indexBulkFunc(ctx, req)
}

func (m *mockIndexer) RegenerateAll(
	ctx context.Context, model string, _ func(models.IndexOutcome),
) (models.IndexSummary, error) {
	return m.regenerateFunc(ctx, model)
}

func embeddingJob(attempt, maxAttempts int) *river.Job[service.ShipmentEmbeddingArgs] {
	return &river.Job[service.ShipmentEmbeddingArgs]{
		JobRow: &rivertype.JobRow{ID: 9, Attempt: attempt, MaxAttempts: maxAttempts},
		Args:   service.ShipmentEmbeddingArgs{ShipmentID: 42, Model: "text-embedding-3-small"},
	}
}

func TestShipmentEmbeddingWorker_Work(t *testing.T) {
	ctx := context.Background()

	failing := func(err error) *mockIndexer {
		return &mockIndexer{indexOneFunc: func(context.Context, int64, string, bool, models.ProcessKind) (models.IndexOutcome, error) {
			return models.IndexOutcome{ShipmentID: 42, Status: models.GenerationStatusError, Err: err}, err
		}}
	}

	t.Run("indexes as automatic", func(t *testing.T) {
		var gotKind models.ProcessKind

		ix := &mockIndexer{indexOneFunc: func(_ context.Context, id int64, model string, force bool, kind models.ProcessKind) (models.IndexOutcome, error) {
			assert.Equal(t, int64(42), id)
			assert.Equal(t, "text-embedding-3-small", model)
			assert.False(t, force)

			gotKind = kind

			return models.IndexOutcome{ShipmentID: id, Status: models.GenerationStatusGenerated}, nil
		}}

		require.NoError(t, NewShipmentEmbeddingWorker(ix, nil, nil).Work(ctx, embeddingJob(1, 3)))
		assert.Equal(t, models.ProcessKindAutomatic, gotKind)
	})

	t.Run("missing shipment is not retried", func(t *testing.T) {
		w := NewShipmentEmbeddingWorker(failing(huberrors.NewNotFoundError("shipment", "42")), nil, nil)
		require.NoError(t, w.Work(ctx, embeddingJob(1, 3)))
	})

	t.Run("permanent failure cancels the job", func(t *testing.T) {
		auth := &huberrors.ModelUnavailableError{Status: 401, Permanent: true, Err: errors.New("bad key")}
		w := NewShipmentEmbeddingWorker(failing(auth), nil, nil)

		err := w.Work(ctx, embeddingJob(1, 3))
		require.Error(t, err)
		require.ErrorIs(t, err, huberrors.ErrModelUnavailable)
	})

	t.Run("transient failure is retried", func(t *testing.T) {
		w := NewShipmentEmbeddingWorker(failing(&huberrors.ModelUnavailableError{RateLimited: true}), nil, nil)

		err := w.Work(ctx, embeddingJob(1, 3))
		require.ErrorIs(t, err, huberrors.ErrModelUnavailable)
	})

	t.Run("final attempt gives up", func(t *testing.T) {
		w := NewShipmentEmbeddingWorker(failing(&huberrors.ModelUnavailableError{RateLimited: true}), nil, nil)
		require.NoError(t, w.Work(ctx, embeddingJob(3, 3)))
	})
}

func TestBulkIndexWorker_Work(t *testing.T) {
	ctx := context.Background()

	t.Run("bulk run", func(t *testing.T) {
		var got service.BulkRequest

		ix := &mockIndexer{indexBulkFunc: func(_ context.Context, req service.BulkRequest) (models.IndexSummary, error) {
			got = req

			return models.IndexSummary{Model: req.Model, Generated: 2}, nil
		}}
		job := &river.Job[service.BulkIndexArgs]{
			JobRow: &rivertype.JobRow{ID: 1},
			Args:   service.BulkIndexArgs{IDs: []int64{1, 2}, Model: "m", RefreshStale: true},
		}

		require.NoError(t, NewBulkIndexWorker(ix, nil).Work(ctx, job))
		assert.Equal(t, []int64{1, 2}, got.IDs)
		assert.True(t, got.RefreshStale)
		assert.Equal(t, models.ProcessKindBulk, got.ProcessKind)
		assert.NotNil(t, got.Progress)
	})

	t.Run("regenerate", func(t *testing.T) {
		called := false
		ix := &mockIndexer{regenerateFunc: func(_ context.Context, model string) (models.IndexSummary, error) {
			called = true

			assert.Equal(t, "m", model)

			return models.IndexSummary{Model: model}, nil
		}}
		job := &river.Job[service.BulkIndexArgs]{
			JobRow: &rivertype.JobRow{ID: 2},
			Args:   service.BulkIndexArgs{Model: "m", Regenerate: true},
		}

		require.NoError(t, NewBulkIndexWorker(ix, nil).Work(ctx, job))
		assert.True(t, called)
	})

	t.Run("fatal error surfaces", func(t *testing.T) {
		ix := &mockIndexer{indexBulkFunc: func(context.Context, service.BulkRequest) (models.IndexSummary, error) {
			return models.IndexSummary{}, &huberrors.DimensionMismatchError{Model: "m", Want: 1536, Got: 768}
		}}
		job := &river.Job[service.BulkIndexArgs]{JobRow: &rivertype.JobRow{ID: 3}, Args: service.BulkIndexArgs{Model: "m"}}

		require.ErrorIs(t, NewBulkIndexWorker(ix, nil).Work(ctx, job), huberrors.ErrDimensionMismatch)
	})
}

func TestStaleSweepWorker_Work(t *testing.T) {
	var got service.BulkRequest

	ix := &mockIndexer{indexBulkFunc: func(_ context.Context, req service.BulkRequest) (models.IndexSummary, error) {
		got = req

		return models.IndexSummary{Model: req.Model}, nil
	}}
	job := &river.Job[service.StaleSweepArgs]{JobRow: &rivertype.JobRow{ID: 4}}

	require.NoError(t, NewStaleSweepWorker(ix, "default-model", nil).Work(context.Background(), job))
	assert.Equal(t, "default-model", got.Model)
	assert.True(t, got.RefreshStale)
	assert.Equal(t, models.ProcessKindAutomatic, got.ProcessKind)

	assert.Nil(t, StaleSweepPeriodicJob(0, ""))
	assert.NotNil(t, StaleSweepPeriodicJob(time.Hour, ""))
}
