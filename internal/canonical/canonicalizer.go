package canonical

import (
	"iter"
	"strconv"
	"strings"

	"github.com/cargohub/hub/internal/models"
)

const defaultUnitRepeatCap = 3

// Canonicalizer renders Fields into one normalized string. It is stateless and safe for concurrent use.
type Canonicalizer struct {
	unitRepeatCap int
}

// Option configures a Canonicalizer.
type Option func(*Canonicalizer)

// WithUnitRepeatCap sets how many times a product description is repeated for multi-unit lines.
// 1 disables repetition.
func WithUnitRepeatCap(n int) Option {
	return func(c *Canonicalizer) {
		if n >= 1 {
			c.unitRepeatCap = n
		}
	}
}

// New creates a Canonicalizer.
func New(opts ...Option) *Canonicalizer {
	c := &Canonicalizer{unitRepeatCap: defaultUnitRepeatCap}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Shipment canonicalizes a shipment using its own products.
func (c *Canonicalizer) Shipment(s *models.Shipment) string {
	return c.Canonicalize(ToCanonicalFields(s, nil))
}

// ShipmentWithProducts canonicalizes a shipment whose products come from a separate, possibly lazy, source.
func (c *Canonicalizer) ShipmentWithProducts(s *models.Shipment, products iter.Seq[models.Product]) string {
	return c.Canonicalize(ToCanonicalFields(s, products))
}

// Canonicalize renders f as labeled fragments in a fixed order and normalizes the result.
// Absent fields produce no fragment.
func (c *Canonicalizer) Canonicalize(f Fields) string {
	parts := make([]string, 0, 16)
	add := func(label, value string) {
		if value = strings.TrimSpace(value); value != "" {
			parts = append(parts, label+" "+value)
		}
	}

	add("tracking", f.TrackingCode)
	add("buyer", f.BuyerName)
	add("state", f.State)

	if f.City != nil {
		add("city", *f.City)
	}

	if f.Province != nil {
		add("province", *f.Province)
	}

	if f.Canton != nil {
		add("canton", *f.Canton)
	}

	if f.IssueDate != nil {
		add("issued", *f.IssueDate)
	}

	if f.TotalWeight != nil {
		add("weight", formatNumber(*f.TotalWeight)+" kg")
	}

	if f.TotalValue != nil {
		add("value", formatNumber(*f.TotalValue)+" usd")
	}

	if f.ServiceCost != nil {
		add("service cost", formatNumber(*f.ServiceCost)+" usd")
	}

	if f.ItemCount != nil {
		add("items", strconv.Itoa(*f.ItemCount))
	}

	for _, p := range f.Products {
		fragment := strings.TrimSpace(p.Description + " " + p.Category)

		for range min(p.Quantity, c.unitRepeatCap) {
			add("product", fragment)
		}
	}

	if len(f.Categories) > 0 {
		add("categories", strings.Join(f.Categories, " "))
	}

	if f.Remarks != nil {
		add("remarks", *f.Remarks)
	}

	return Normalize(strings.Join(parts, " "))
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
