package boltstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cargohub/hub/internal/huberrors"
	"github.com/cargohub/hub/internal/models"
)

const testModel = "hash-embed-v1"

func openTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "embeddings.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func record(id int64, buyer int64, vec ...float32) *models.EmbeddingRecord {
	return &models.EmbeddingRecord{
		ShipmentID: id,
		Model:      testModel,
		Text:       "shipment",
		Vector:     vec,
		Attributes: models.RecordAttributes{BuyerID: buyer, State: models.ShipmentStateDelivered},
	}
}

func TestStore_UpsertGet(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	clock := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	require.NoError(t, s.Upsert(ctx, record(1, 10, 1, 0)))

	got, err := s.Get(ctx, 1, testModel)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, got.Vector)
	assert.Equal(t, clock, got.CreatedAt)

	clock = clock.Add(time.Hour)
	rec := record(1, 10, 0, 1)
	rec.Text = "replaced"
	require.NoError(t, s.Upsert(ctx, rec))

	got, err = s.Get(ctx, 1, testModel)
	require.NoError(t, err)
	assert.Equal(t, "replaced", got.Text)
	assert.Equal(t, clock.Add(-time.Hour), got.CreatedAt)
	assert.Equal(t, clock, got.UpdatedAt)

	_, err = s.Get(ctx, 2, testModel)
	assert.ErrorIs(t, err, huberrors.ErrNotFound)

	_, err = s.Get(ctx, 1, "other-model")
	assert.ErrorIs(t, err, huberrors.ErrNotFound)
}

func TestStore_UpsertRejectsDimensionMismatch(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.Upsert(ctx, record(1, 10, 1, 0)))

	err := s.Upsert(ctx, record(2, 10, 1, 0, 0))
	assert.ErrorIs(t, err, huberrors.ErrDimensionMismatch)
}

func TestStore_KNN(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.Upsert(ctx, record(1, 10, 1, 0)))
	require.NoError(t, s.Upsert(ctx, record(2, 20, 0.8, 0.6)))
	require.NoError(t, s.Upsert(ctx, record(3, 10, 0, 1)))
	require.NoError(t, s.Upsert(ctx, record(4, 20, 0.8, 0.6)))

	t.Run("ordered by similarity then id", func(t *testing.T) {
		got, err := s.KNN(ctx, testModel, []float32{1, 0}, 3, nil)
		require.NoError(t, err)
		require.Len(t, got, 3)

		assert.Equal(t, int64(1), got[0].Record.ShipmentID)
		assert.Equal(t, int64(2), got[1].Record.ShipmentID)
		assert.Equal(t, int64(4), got[2].Record.ShipmentID)
		assert.InDelta(t, 1.0, got[0].Similarity, 1e-6)
		assert.InDelta(t, 0.8, got[1].Similarity, 1e-6)
	})

	t.Run("filters are pushed down", func(t *testing.T) {
		buyer := int64(10)
		got, err := s.KNN(ctx, testModel, []float32{0.8, 0.6}, 10, &models.SearchFilters{BuyerID: &buyer})
		require.NoError(t, err)
		require.Len(t, got, 2)

		for _, n := range got {
			assert.Equal(t, buyer, n.Record.Attributes.BuyerID)
		}
	})

	t.Run("dimension mismatch yields nothing", func(t *testing.T) {
		got, err := s.KNN(ctx, testModel, []float32{1, 0, 0}, 10, nil)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("unknown model", func(t *testing.T) {
		got, err := s.KNN(ctx, "nope", []float32{1, 0}, 10, nil)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestStore_IterAllAndDelete(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for id := int64(1); id <= 7; id++ {
		require.NoError(t, s.Upsert(ctx, record(id, 10, 1, 0)))
	}

	other := record(3, 10, 1, 0, 0)
	other.Model = "other-model"
	require.NoError(t, s.Upsert(ctx, other))

	var (
		seen  []int64
		pages int
	)

	err := s.IterAll(ctx, testModel, 0, 3, func(page []models.EmbeddingRecord) error {
		pages++

		for _, r := range page {
			seen = append(seen, r.ShipmentID)
		}

		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7}, seen)
	assert.Equal(t, 3, pages)

	// Restart after id 5.
	seen = nil
	require.NoError(t, s.IterAll(ctx, testModel, 5, 3, func(page []models.EmbeddingRecord) error {
		for _, r := range page {
			seen = append(seen, r.ShipmentID)
		}

		return nil
	}))
	assert.Equal(t, []int64{6, 7}, seen)

	n, err := s.DeleteByShipment(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	existing, err := s.Existing(ctx, testModel, []int64{2, 3, 4})
	require.NoError(t, err)
	assert.Len(t, existing, 2)
	assert.NotContains(t, existing, int64(3))

	n, err = s.DeleteByModel(ctx, testModel)
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)

	stats, err := s.Stats(ctx, testModel)
	require.NoError(t, err)
	assert.Zero(t, stats.Records)
}

func TestStore_StatsSampleSelect(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	for id := int64(1); id <= 10; id++ {
		s.now = func() time.Time { return base.Add(time.Duration(id) * time.Hour) }

		require.NoError(t, s.Upsert(ctx, record(id, id%2, 1, 0)))
	}

	stats, err := s.Stats(ctx, testModel)
	require.NoError(t, err)
	assert.Equal(t, int64(10), stats.Records)
	assert.Equal(t, 2, stats.Dimension)
	require.NotNil(t, stats.LastGeneratedAt)
	assert.Equal(t, base.Add(10*time.Hour), *stats.LastGeneratedAt)

	sample, err := s.Sample(ctx, testModel, 4, 1)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(sample), 4)
	assert.NotEmpty(t, sample)

	since := base.Add(5 * time.Hour)
	buyer := int64(0)
	got, err := s.Select(ctx, &models.SubsetSelector{
		Model:     testModel,
		Since:     &since,
		Filters:   models.SearchFilters{BuyerID: &buyer},
		MaxPoints: 2,
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(10), got[0].ShipmentID)
	assert.Equal(t, int64(8), got[1].ShipmentID)
}

func TestStore_History(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	q := &models.QueryEmbedding{ID: uuid.Must(uuid.NewV7()), Query: "laptop", Model: testModel, Vector: []float32{1, 0}}
	require.NoError(t, s.SaveQueryEmbedding(ctx, q))

	shipment := int64(5)
	events := []models.GenerationEvent{
		{ID: uuid.Must(uuid.NewV7()), ShipmentID: 5, Model: testModel, Status: models.GenerationStatusGenerated, ElapsedMS: 10},
		{ID: uuid.Must(uuid.NewV7()), ShipmentID: 6, Model: testModel, Status: models.GenerationStatusError, ElapsedMS: 30},
		{ID: uuid.Must(uuid.NewV7()), ShipmentID: 5, Model: testModel, Status: models.GenerationStatusSkipped, ElapsedMS: 2},
	}
	require.NoError(t, s.AppendEvents(ctx, events))

	got, err := s.ListEvents(ctx, &models.ListEventsFilters{ShipmentID: &shipment})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, models.GenerationStatusSkipped, got[0].Status)

	counts, avg, err := s.EventStats(ctx, testModel)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[models.GenerationStatusError])
	assert.InDelta(t, 14.0, avg, 1e-9)
}
