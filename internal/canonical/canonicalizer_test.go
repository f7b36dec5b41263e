package canonical

import (
	"iter"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cargohub/hub/internal/models"
)

func strPtr(s string) *string { return &s }

func laptopShipment() *models.Shipment {
	return &models.Shipment{
		ID:           1,
		TrackingCode: "HAWB20250115000001",
		BuyerID:      10,
		Buyer: models.Buyer{
			ID:          10,
			DisplayName: "Juan Pérez",
			City:        strPtr("Quito"),
			Province:    strPtr("Pichincha"),
		},
		State:       models.ShipmentStateDelivered,
		TotalWeight: 2.5,
		TotalValue:  850,
		ItemCount:   1,
		IssuedAt:    time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC),
		Products: []models.Product{
			{Description: "Laptop Dell", Category: models.ProductCategoryElectronics, Weight: 2.5, Quantity: 1, Value: 850},
		},
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "lowercases and strips accents", in: "Juan PÉREZ Ñandú", want: "juan perez nandu"},
		{name: "punctuation becomes space", in: "HAWB-001/2025, (fragile)", want: "hawb 001 2025 fragile"},
		{name: "collapses whitespace", in: "  a \t\n b  ", want: "a b"},
		{name: "empty", in: "", want: ""},
		{name: "only symbols", in: "!!! --- ???", want: ""},
		{name: "keeps digits", in: "2.5 kg", want: "2 5 kg"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, Normalize(got), "normalize must be idempotent")
		})
	}
}

func TestCanonicalizer_Shipment(t *testing.T) {
	c := New()

	t.Run("renders fields in order", func(t *testing.T) {
		text := c.Shipment(laptopShipment())

		assert.Equal(t,
			"tracking hawb20250115000001 buyer juan perez state delivered city quito province pichincha "+
				"issued 2025 01 15 weight 2 5 kg value 850 usd items 1 product laptop dell electronics "+
				"categories electronics",
			text)
	})

	t.Run("deterministic and idempotent", func(t *testing.T) {
		s := laptopShipment()
		first := c.Shipment(s)
		second := c.Shipment(s)

		assert.Equal(t, first, second)
		assert.Equal(t, first, Normalize(first))
	})

	t.Run("omits absent and default fields", func(t *testing.T) {
		s := laptopShipment()
		s.Remarks = strPtr("   ")
		s.Buyer.City = nil
		s.ServiceCost = new(float64)

		text := c.Shipment(s)

		assert.NotContains(t, text, "remarks")
		assert.NotContains(t, text, "city")
		assert.NotContains(t, text, "service cost")
		assert.NotContains(t, text, "none")
	})

	t.Run("includes remarks and service cost when present", func(t *testing.T) {
		s := laptopShipment()
		cost := 12.75
		s.ServiceCost = &cost
		s.Remarks = strPtr("Entregar en recepción")

		text := c.Shipment(s)

		assert.Contains(t, text, "service cost 12 75 usd")
		assert.True(t, strings.HasSuffix(text, "remarks entregar en recepcion"))
	})

	t.Run("repeats multi-unit products up to the cap", func(t *testing.T) {
		s := laptopShipment()
		s.Products = []models.Product{{Description: "Camiseta", Category: models.ProductCategoryClothing, Quantity: 10}}

		text := New(WithUnitRepeatCap(2)).Shipment(s)

		assert.Equal(t, 2, strings.Count(text, "product camiseta clothing"))
	})

	t.Run("category list is aggregated and sorted", func(t *testing.T) {
		s := laptopShipment()
		s.Products = append(s.Products,
			models.Product{Description: "Lámpara", Category: models.ProductCategoryHome, Quantity: 1},
			models.Product{Description: "Cargador", Category: models.ProductCategoryElectronics, Quantity: 1},
		)

		text := c.Shipment(s)

		assert.Contains(t, text, "categories electronics home items")
	})
}

func TestCanonicalizer_LazyProducts(t *testing.T) {
	s := laptopShipment()
	eager := New().Shipment(s)

	var lazy iter.Seq[models.Product] = func(yield func(models.Product) bool) {
		for _, p := range s.Products {
			if !yield(p) {
				return
			}
		}
	}

	s2 := laptopShipment()
	s2.Products = nil

	require.Equal(t, eager, New().ShipmentWithProducts(s2, lazy))
}
