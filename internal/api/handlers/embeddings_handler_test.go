package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cargohub/hub/internal/embeddings"
	"github.com/cargohub/hub/internal/huberrors"
	"github.com/cargohub/hub/internal/models"
	"github.com/cargohub/hub/internal/service"
)

type mockIndexingService struct {
	indexOneFunc     func(ctx context.Context, id int64, model string, force bool, kind models.ProcessKind) (models.IndexOutcome, error)
	deleteFunc       func(ctx context.Context, id int64) (int64, error)
	statsFunc        func(ctx context.Context, model string) (models.IndexingStats, error)
	eventsFunc       func(ctx context.Context, filters *models.ListEventsFilters) ([]models.GenerationEvent, error)
	costEstimateFunc func(ctx context.Context, req service.BulkRequest) (embeddings.CostEstimate, error)
}

func (m *mockIndexingService) IndexOne(
	ctx context.Context, id int64, model string, force bool, kind models.ProcessKind,
) (models.IndexOutcome, error) {
	return m.indexOneFunc(ctx, id, model, force, kind)
}

func (m *mockIndexingService) DeleteShipment(ctx context.Context, id int64) (int64, error) {
	return m.deleteFunc(ctx, id)
}

func (m *mockIndexingService) Stats(ctx context.Context, model string) (models.IndexingStats, error) {
	return m.statsFunc(ctx, model)
}

func (m *mockIndexingService) Events(ctx context.Context, filters *models.ListEventsFilters) ([]models.GenerationEvent, error) {
	return m.eventsFunc(ctx, filters)
}

func (m *mockIndexingService) CostEstimate(ctx context.Context, req service.BulkRequest) (embeddings.CostEstimate, error) {
	return m.costEstimateFunc(ctx, req)
}

type mockIndexingQueue struct {
	changedFunc    func(ctx context.Context, id int64, model string) (models.JobAccepted, error)
	bulkFunc       func(ctx context.Context, req *models.BulkIndexRequest) (models.JobAccepted, error)
	regenerateFunc func(ctx context.Context, model string) (models.JobAccepted, error)
}

func (m *mockIndexingQueue) ShipmentChanged(ctx context.Context, id int64, model string) (models.JobAccepted, error) {
	return m.changedFunc(ctx, id, model)
}

func (m *mockIndexingQueue) EnqueueBulk(ctx context.Context, req *models.BulkIndexRequest) (models.JobAccepted, error) {
	return m.bulkFunc(ctx, req)
}

func (m *mockIndexingQueue) EnqueueRegenerate(ctx context.Context, model string) (models.JobAccepted, error) {
	return m.regenerateFunc(ctx, model)
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()

	envelope := struct {
		Data any `json:"data"`
	}{Data: dst}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
}

func TestEmbeddingsHandler_IndexOne(t *testing.T) {
	const pattern = "/v1/shipments/{id}/embedding"

	indexer := &mockIndexingService{
		indexOneFunc: func(_ context.Context, id int64, model string, force bool, kind models.ProcessKind) (models.IndexOutcome, error) {
			assert.Equal(t, models.ProcessKindManual, kind)

			if id == 404 {
				err := huberrors.NewNotFoundError("shipment", "shipment not found")

				return models.IndexOutcome{ShipmentID: id, Status: models.GenerationStatusError, Err: err}, err
			}

			if !force {
				return models.IndexOutcome{ShipmentID: id, Status: models.GenerationStatusSkipped}, nil
			}

			assert.Equal(t, "local-minilm", model)

			return models.IndexOutcome{ShipmentID: id, Status: models.GenerationStatusGenerated, Tokens: 12}, nil
		},
	}
	h := NewEmbeddingsHandler(indexer, &mockIndexingQueue{})

	rec := serve(t, http.MethodPost, pattern, h.IndexOne,
		httptest.NewRequest(http.MethodPost, "/v1/shipments/5/embedding?force=true&model_id=local-minilm", nil), &operator)
	require.Equal(t, http.StatusOK, rec.Code)

	var outcome models.IndexOutcome
	decodeData(t, rec, &outcome)
	assert.Equal(t, models.GenerationStatusGenerated, outcome.Status)
	assert.Equal(t, 12, outcome.Tokens)

	rec = serve(t, http.MethodPost, pattern, h.IndexOne, httptest.NewRequest(http.MethodPost, "/v1/shipments/5/embedding", nil), &operator)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeData(t, rec, &outcome)
	assert.Equal(t, models.GenerationStatusSkipped, outcome.Status)

	rec = serve(t, http.MethodPost, pattern, h.IndexOne, httptest.NewRequest(http.MethodPost, "/v1/shipments/404/embedding", nil), &operator)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(t, http.MethodPost, pattern, h.IndexOne, httptest.NewRequest(http.MethodPost, "/v1/shipments/5/embedding?force=maybe", nil), &operator)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEmbeddingsHandler_Delete(t *testing.T) {
	h := NewEmbeddingsHandler(&mockIndexingService{
		deleteFunc: func(_ context.Context, id int64) (int64, error) {
			assert.Equal(t, int64(8), id)

			return 2, nil
		},
	}, &mockIndexingQueue{})

	rec := serve(t, http.MethodDelete, "/v1/shipments/{id}/embedding", h.Delete,
		httptest.NewRequest(http.MethodDelete, "/v1/shipments/8/embedding", nil), &operator)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp DeleteResponse
	decodeData(t, rec, &resp)
	assert.Equal(t, DeleteResponse{ShipmentID: 8, Deleted: 2}, resp)
}

func TestEmbeddingsHandler_Queue(t *testing.T) {
	queue := &mockIndexingQueue{
		changedFunc: func(_ context.Context, id int64, model string) (models.JobAccepted, error) {
			return models.JobAccepted{JobID: id, Kind: "shipment_embedding", Model: "default"}, nil
		},
		bulkFunc: func(_ context.Context, req *models.BulkIndexRequest) (models.JobAccepted, error) {
			assert.Equal(t, []int64{1, 2}, req.IDs)
			assert.True(t, req.RefreshStale)

			return models.JobAccepted{JobID: 10, Kind: "bulk_index", Model: "default"}, nil
		},
		regenerateFunc: func(_ context.Context, model string) (models.JobAccepted, error) {
			if model == "" {
				return models.JobAccepted{}, errors.New("queue down")
			}

			return models.JobAccepted{JobID: 11, Kind: "bulk_index", Model: model}, nil
		},
	}
	h := NewEmbeddingsHandler(&mockIndexingService{}, queue)

	rec := serve(t, http.MethodPost, "/v1/shipments/{id}/changed", h.Changed,
		httptest.NewRequest(http.MethodPost, "/v1/shipments/3/changed", nil), &operator)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var accepted models.JobAccepted
	decodeData(t, rec, &accepted)
	assert.Equal(t, int64(3), accepted.JobID)

	rec = serve(t, http.MethodPost, "/v1/embeddings/bulk", h.Bulk,
		httptest.NewRequest(http.MethodPost, "/v1/embeddings/bulk", bytes.NewBufferString(`{"ids":[1,2],"refresh_stale":true}`)), &operator)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = serve(t, http.MethodPost, "/v1/embeddings/bulk", h.Bulk,
		httptest.NewRequest(http.MethodPost, "/v1/embeddings/bulk", bytes.NewBufferString(`{"ids":[0]}`)), &operator)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, http.MethodPost, "/v1/embeddings/regenerate", h.Regenerate,
		httptest.NewRequest(http.MethodPost, "/v1/embeddings/regenerate", bytes.NewBufferString(`{"model_id":"gemini-embedding-001"}`)), &operator)
	require.Equal(t, http.StatusAccepted, rec.Code)
	decodeData(t, rec, &accepted)
	assert.Equal(t, "gemini-embedding-001", accepted.Model)

	rec = serve(t, http.MethodPost, "/v1/embeddings/regenerate", h.Regenerate,
		httptest.NewRequest(http.MethodPost, "/v1/embeddings/regenerate", nil), &operator)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestEmbeddingsHandler_Reads(t *testing.T) {
	status := models.GenerationStatusError
	indexer := &mockIndexingService{
		statsFunc: func(_ context.Context, model string) (models.IndexingStats, error) {
			if model == "nope" {
				return models.IndexingStats{}, huberrors.NewValidationError("model_id", "unknown model")
			}

			return models.IndexingStats{Model: "text-embedding-3-small", Records: 40}, nil
		},
		eventsFunc: func(_ context.Context, f *models.ListEventsFilters) ([]models.GenerationEvent, error) {
			require.NotNil(t, f.ShipmentID)
			assert.Equal(t, int64(4), *f.ShipmentID)
			assert.Equal(t, &status, f.Status)
			assert.Equal(t, defaultEventsLimit, f.Limit)

			return []models.GenerationEvent{{ShipmentID: 4, Status: status}}, nil
		},
		costEstimateFunc: func(_ context.Context, req service.BulkRequest) (embeddings.CostEstimate, error) {
			assert.Equal(t, []int64{1, 2, 3}, req.IDs)

			return embeddings.CostEstimate{Model: "text-embedding-3-small", Texts: 3, Tokens: 300, Cost: 0.000006}, nil
		},
	}
	h := NewEmbeddingsHandler(indexer, &mockIndexingQueue{})

	rec := serve(t, http.MethodGet, "/v1/embeddings/stats", h.Stats, httptest.NewRequest(http.MethodGet, "/v1/embeddings/stats", nil), &operator)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats models.IndexingStats
	decodeData(t, rec, &stats)
	assert.Equal(t, int64(40), stats.Records)

	rec = serve(t, http.MethodGet, "/v1/embeddings/stats", h.Stats, httptest.NewRequest(http.MethodGet, "/v1/embeddings/stats?model_id=nope", nil), &operator)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, http.MethodGet, "/v1/embeddings/events", h.Events,
		httptest.NewRequest(http.MethodGet, "/v1/embeddings/events?shipment_id=4&status=error", nil), &operator)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, http.MethodGet, "/v1/embeddings/events", h.Events,
		httptest.NewRequest(http.MethodGet, "/v1/embeddings/events?status=queued", nil), &operator)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, http.MethodPost, "/v1/embeddings/cost-estimate", h.CostEstimate,
		httptest.NewRequest(http.MethodPost, "/v1/embeddings/cost-estimate", bytes.NewBufferString(`{"ids":[1,2,3]}`)), &operator)
	require.Equal(t, http.StatusOK, rec.Code)

	var est embeddings.CostEstimate
	decodeData(t, rec, &est)
	assert.Equal(t, 300, est.Tokens)
}
