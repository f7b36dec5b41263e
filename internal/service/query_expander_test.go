package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cargohub/hub/internal/models"
)

func fixedExpander() *QueryExpander {
	now := time.Date(2025, 3, 19, 15, 30, 0, 0, time.UTC)

	return NewQueryExpander(WithClock(func() time.Time { return now }))
}

func TestQueryExpander_Terms(t *testing.T) {
	e := fixedExpander()

	t.Run("empty query", func(t *testing.T) {
		got := e.Expand("   ¿? ")
		assert.Empty(t, got.ExpandedText)
		assert.Empty(t, got.OriginalTerms)
	})

	t.Run("normalizes, merges phrases and drops stopwords", func(t *testing.T) {
		got := e.Expand("Envíos de Artículos Hogar en tránsito")

		assert.Equal(t, []string{"articulos hogar", "en transito"}, got.OriginalTerms)
		assert.Contains(t, got.AddedSynonyms, "home items")
		assert.Contains(t, got.AddedSynonyms, "in transit")
		require.NotNil(t, got.SuggestedFilters.State)
		assert.Equal(t, models.ShipmentStateInTransit, *got.SuggestedFilters.State)
		assert.Equal(t, []models.ProductCategory{models.ProductCategoryHome}, got.SuggestedFilters.Categories)
	})

	t.Run("expanded text is query, synonyms and context", func(t *testing.T) {
		got := e.Expand("electronics quito delivered")

		assert.Equal(t, []string{"electronics", "quito", "delivered"}, got.OriginalTerms)
		assert.Equal(t, []string{"electronicos", "electronic devices", "entregado", "received"}, got.AddedSynonyms)
		assert.Equal(t, []string{"categories electronics", "city quito", "state delivered"}, got.Context)
		assert.Equal(t,
			"electronics quito delivered electronicos electronic devices entregado received "+
				"categories electronics city quito state delivered",
			got.ExpandedText)

		require.NotNil(t, got.SuggestedFilters.City)
		assert.Equal(t, "quito", *got.SuggestedFilters.City)
		assert.Equal(t, "pichincha", *got.SuggestedFilters.Province)
	})

	t.Run("synonyms already in the query are not repeated", func(t *testing.T) {
		got := e.Expand("laptop electronics")
		assert.NotContains(t, got.AddedSynonyms, "electronics")
	})
}

func TestQueryExpander_Thresholds(t *testing.T) {
	e := fixedExpander()

	tests := []struct {
		name  string
		query string
		check func(t *testing.T, f models.SuggestedFilters)
	}{
		{
			name:  "weight greater than",
			query: "packages weight greater than 10 kg",
			check: func(t *testing.T, f models.SuggestedFilters) {
				require.NotNil(t, f.WeightMin)
				assert.InDelta(t, 10.0, *f.WeightMin, 1e-9)
				assert.Nil(t, f.WeightMax)
			},
		},
		{
			name:  "less than without keyword is weight",
			query: "laptops less than 2.5 kg",
			check: func(t *testing.T, f models.SuggestedFilters) {
				require.NotNil(t, f.WeightMax)
				assert.InDelta(t, 2.5, *f.WeightMax, 1e-9)
			},
		},
		{
			name:  "value by keyword",
			query: "value over 500",
			check: func(t *testing.T, f models.SuggestedFilters) {
				require.NotNil(t, f.ValueMin)
				assert.InDelta(t, 500.0, *f.ValueMin, 1e-9)
				assert.Nil(t, f.WeightMin)
			},
		},
		{
			name:  "value by currency",
			query: "envíos de menos de $1200,50",
			check: func(t *testing.T, f models.SuggestedFilters) {
				require.NotNil(t, f.ValueMax)
				assert.InDelta(t, 1200.5, *f.ValueMax, 1e-9)
			},
		},
		{
			name:  "spanish weight",
			query: "paquetes con peso más de 20 kilos",
			check: func(t *testing.T, f models.SuggestedFilters) {
				require.NotNil(t, f.WeightMin)
				assert.InDelta(t, 20.0, *f.WeightMin, 1e-9)
			},
		},
		{
			name:  "national id",
			query: "envios de 1712345678",
			check: func(t *testing.T, f models.SuggestedFilters) {
				require.NotNil(t, f.BuyerNationalID)
				assert.Equal(t, "1712345678", *f.BuyerNationalID)
			},
		},
		{
			name:  "tracking code digits are not a national id",
			query: "HAWB20250115000001",
			check: func(t *testing.T, f models.SuggestedFilters) {
				assert.Nil(t, f.BuyerNationalID)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, e.Expand(tt.query).SuggestedFilters)
		})
	}
}

func TestQueryExpander_Temporal(t *testing.T) {
	e := fixedExpander()
	now := time.Date(2025, 3, 19, 15, 30, 0, 0, time.UTC)

	tests := []struct {
		query string
		from  time.Time
		to    time.Time
	}{
		{"delivered this month", time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), now},
		{"envíos del mes pasado", time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC).Add(-time.Nanosecond)},
		{"pending last week", time.Date(2025, 3, 12, 0, 0, 0, 0, time.UTC), now},
		{"entregados hoy", time.Date(2025, 3, 19, 0, 0, 0, 0, time.UTC), now},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			f := e.Expand(tt.query).SuggestedFilters
			require.NotNil(t, f.DateFrom)
			require.NotNil(t, f.DateTo)
			assert.Equal(t, tt.from, *f.DateFrom)
			assert.Equal(t, tt.to, *f.DateTo)
		})
	}

	assert.Nil(t, e.Expand("laptop").SuggestedFilters.DateFrom)
}
