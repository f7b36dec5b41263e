package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/cargohub/hub/internal/huberrors"
	"github.com/cargohub/hub/internal/models"
	"github.com/cargohub/hub/migrations"
	"github.com/cargohub/hub/pkg/database"
)

// newTestPool starts a pgvector container, applies the schema and returns a pool with vector types registered.
func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	if testing.Short() {
		t.Skip("integration test: requires docker")
	}

	ctx := context.Background()

	ctr, err := postgres.Run(ctx, "pgvector/pgvector:pg16",
		postgres.WithDatabase("shipments"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	plain, err := database.NewPostgresPool(ctx, dsn)
	require.NoError(t, err)

	_, err = database.Migrate(ctx, plain, migrations.FS)
	plain.Close()
	require.NoError(t, err)

	pool, err := database.NewPostgresPool(ctx, dsn, database.WithAfterConnect(pgxvec.RegisterTypes))
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return pool
}

func seedShipment(t *testing.T, pool *pgxpool.Pool, tracking, buyer, state string, weight float64) int64 {
	t.Helper()

	ctx := context.Background()

	var buyerID, id int64

	require.NoError(t, pool.QueryRow(ctx,
		`INSERT INTO buyers (display_name, city) VALUES ($1, 'Quito') RETURNING id`, buyer).Scan(&buyerID))
	require.NoError(t, pool.QueryRow(ctx, `
		INSERT INTO shipments (tracking_code, buyer_id, state, total_weight, total_value, item_count, issued_at)
		VALUES ($1, $2, $3, $4, 100, 1, '2025-01-15T00:00:00Z') RETURNING id`,
		tracking, buyerID, state, weight).Scan(&id))
	_, err := pool.Exec(ctx, `
		INSERT INTO products (shipment_id, description, category, weight, quantity, value)
		VALUES ($1, 'Laptop Dell', 'electronics', $2, 1, 100)`, id, weight)
	require.NoError(t, err)

	return id
}

func TestIntegration_EmbeddingsRepository(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()

	shipments := NewShipmentsRepository(pool)
	store := NewEmbeddingsRepository(pool)

	a := seedShipment(t, pool, "HAWB20250115000001", "Juan Pérez", "delivered", 2.5)
	b := seedShipment(t, pool, "HAWB20250115000002", "Ana Ruiz", "pending", 12)

	sa, err := shipments.GetShipment(ctx, a)
	require.NoError(t, err)
	require.Len(t, sa.Products, 1)
	assert.Equal(t, "Juan Pérez", sa.Buyer.DisplayName)

	page, err := shipments.ListShipments(ctx, models.ShipmentCursor{AfterID: a, Limit: 10})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, b, page[0].ID)

	sb, err := shipments.GetShipment(ctx, b)
	require.NoError(t, err)

	require.NoError(t, store.Upsert(ctx, &models.EmbeddingRecord{
		ShipmentID: a, Model: "m", Text: "a", Vector: []float32{1, 0, 0}, Attributes: sa.Attributes(),
	}))
	require.NoError(t, store.Upsert(ctx, &models.EmbeddingRecord{
		ShipmentID: b, Model: "m", Text: "b", Vector: []float32{0, 1, 0}, Attributes: sb.Attributes(),
	}))

	err = store.Upsert(ctx, &models.EmbeddingRecord{ShipmentID: a, Model: "m", Vector: []float32{1, 0}})
	require.ErrorIs(t, err, huberrors.ErrDimensionMismatch)

	got, err := store.KNN(ctx, "m", []float32{0.9, 0.1, 0}, 10, nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, a, got[0].Record.ShipmentID)
	assert.Greater(t, got[0].Similarity, got[1].Similarity)

	state := models.ShipmentStatePending
	got, err = store.KNN(ctx, "m", []float32{1, 0, 0}, 10, &models.SearchFilters{State: &state})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, b, got[0].Record.ShipmentID)

	stats, err := store.Stats(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Records)
	assert.Equal(t, 3, stats.Dimension)

	_, err = pool.Exec(ctx, `DELETE FROM shipments WHERE id = $1`, b)
	require.NoError(t, err)

	_, err = store.Get(ctx, b, "m")
	assert.ErrorIs(t, err, huberrors.ErrNotFound)
}

func TestIntegration_EvaluationAndHistory(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()

	evals := NewEvaluationRepository(pool)
	history := NewHistoryRepository(pool)

	test, err := evals.CreateTest(ctx, &models.CreateControlledTestRequest{
		Name: "laptops", Query: "laptop dell", RelevantIDs: []int64{7, 42},
	})
	require.NoError(t, err)
	assert.True(t, test.Active)

	_, err = evals.CreateTest(ctx, &models.CreateControlledTestRequest{
		Name: "laptops", Query: "other", RelevantIDs: []int64{1},
	})
	require.ErrorIs(t, err, huberrors.ErrConflict)

	inactive := false
	_, err = evals.UpdateTest(ctx, test.ID, &models.UpdateControlledTestRequest{Active: &inactive})
	require.NoError(t, err)

	active, err := evals.ListTests(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, active)

	now := time.Now().UTC()
	require.NoError(t, evals.SaveResult(ctx, &models.EvaluationResult{
		ID: uuid.Must(uuid.NewV7()), TestID: test.ID, TestName: test.Name, Query: test.Query, Model: "m",
		Limit: 20, MRR: 0.5, NDCG10: 0.6, Precision5: 0.4, Ranking: []int64{3, 42, 9, 7}, CreatedAt: now,
	}))

	results, err := evals.ListResults(ctx, now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, []int64{3, 42, 9, 7}, results[0].Ranking)

	q := &models.QueryEmbedding{
		ID: uuid.Must(uuid.NewV7()), Query: "laptop", ExpandedText: "laptop computer", Vector: []float32{1, 0, 0},
		Model: "m", Snapshot: []models.RankedShipment{{ShipmentID: 1, Score: 0.9}},
	}
	require.NoError(t, history.SaveQueryEmbedding(ctx, q))
	assert.False(t, q.CreatedAt.IsZero())

	require.NoError(t, history.AppendEvents(ctx, []models.GenerationEvent{
		{ID: uuid.Must(uuid.NewV7()), ShipmentID: 1, Model: "m", Status: models.GenerationStatusGenerated,
			ProcessKind: models.ProcessKindBulk, ElapsedMS: 20, CreatedAt: now},
		{ID: uuid.Must(uuid.NewV7()), ShipmentID: 2, Model: "m", Status: models.GenerationStatusError,
			ProcessKind: models.ProcessKindBulk, ElapsedMS: 40, ErrorKind: "model_unavailable", Error: "boom", CreatedAt: now},
	}))

	counts, avg, err := history.EventStats(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[models.GenerationStatusError])
	assert.InDelta(t, 30.0, avg, 1e-9)

	events, err := history.ListEvents(ctx, &models.ListEventsFilters{Model: "m", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestIntegration_SeedAndUsers(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()

	seed := NewSeedRepository(pool)
	shipments := NewShipmentsRepository(pool)
	city := "Guayaquil"

	in := &models.Shipment{
		TrackingCode: "HAWB-900",
		Buyer:        models.Buyer{DisplayName: "Acme Imports", City: &city},
		State:        models.ShipmentStateInTransit,
		IssuedAt:     time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		Products: []models.Product{
			{Description: "Running shoes", Category: models.ProductCategorySports, Weight: 1.5, Quantity: 2, Value: 40},
			{Description: "Phone case", Category: models.ProductCategoryElectronics, Weight: 0.1, Quantity: 1, Value: 10},
		},
	}

	id, created, err := seed.ImportShipment(ctx, in)
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := seed.ImportShipment(ctx, in)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id, again)

	got, err := shipments.GetShipment(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, got.ItemCount)
	assert.InDelta(t, 3.1, got.TotalWeight, 1e-9)
	assert.InDelta(t, 90.0, got.TotalValue, 1e-9)
	assert.Len(t, got.Products, 2)
	assert.Equal(t, "Acme Imports", got.Buyer.DisplayName)

	users := NewUsersRepository(pool)

	u, err := users.Create(ctx, "acme", models.RoleBuyer, &got.BuyerID, "buyer-key")
	require.NoError(t, err)

	found, err := users.GetByAPIKey(ctx, "buyer-key")
	require.NoError(t, err)
	assert.Equal(t, u.ID, found.ID)
	require.NotNil(t, found.BuyerID)
	assert.Equal(t, got.BuyerID, *found.BuyerID)
	require.NoError(t, users.TouchLastUsed(ctx, u.ID))

	_, err = users.Create(ctx, "dup", models.RoleOperator, nil, "buyer-key")
	require.ErrorIs(t, err, huberrors.ErrConflict)

	_, err = users.GetByAPIKey(ctx, "missing")
	require.ErrorIs(t, err, huberrors.ErrNotFound)
}
