package repository

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cargohub/hub/internal/models"
)

func TestBuildFilterConditions(t *testing.T) {
	t.Run("nil filters", func(t *testing.T) {
		conds, args := buildFilterConditions(nil, 1)
		assert.Empty(t, conds)
		assert.Empty(t, args)
	})

	t.Run("numbers placeholders from argStart", func(t *testing.T) {
		state := models.ShipmentStateDelivered
		buyer := int64(7)
		from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		wmin := 10.0
		exclude := int64(3)

		conds, args := buildFilterConditions(&models.SearchFilters{
			State:             &state,
			BuyerID:           &buyer,
			DateFrom:          &from,
			WeightMin:         &wmin,
			ExcludeShipmentID: &exclude,
		}, 4)

		assert.Equal(t, []string{
			"state = $4",
			"buyer_id = $5",
			"issued_at >= $6",
			"total_weight >= $7",
			"shipment_id <> $8",
		}, conds)
		assert.Equal(t, []any{"delivered", buyer, from, wmin, exclude}, args)
	})
}

func TestBuildKNNQuery(t *testing.T) {
	t.Run("no filters", func(t *testing.T) {
		sql, args := buildKNNQuery("text-embedding-3-small", make([]float32, 1536), 50, nil)

		require.Len(t, args, 4)
		assert.Contains(t, sql, "embedding::vector(1536) <=> $1")
		assert.Contains(t, sql, "WHERE model = $2 AND dimension = $3")
		assert.Contains(t, sql, "LIMIT $4")
		assert.Equal(t, "text-embedding-3-small", args[1])
		assert.Equal(t, 1536, args[2])
		assert.Equal(t, 50, args[3])
	})

	t.Run("filters pushed down before limit", func(t *testing.T) {
		buyer := int64(42)
		sql, args := buildKNNQuery("m", []float32{1, 0, 0}, 10, &models.SearchFilters{BuyerID: &buyer})

		require.Len(t, args, 5)
		assert.Contains(t, sql, "buyer_id = $4")
		assert.Contains(t, sql, "LIMIT $5")
		assert.Equal(t, buyer, args[3])
		assert.Equal(t, 10, args[4])
	})
}
