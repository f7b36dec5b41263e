package canonical

import (
	"iter"
	"slices"
	"strings"

	"github.com/cargohub/hub/internal/models"
)

const issueDateLayout = "2006-01-02"

// ProductFields is the canonical view of one product.
type ProductFields struct {
	Description string
	Category    string
	Quantity    int
}

// Fields is the explicit projection of a shipment consumed by the canonicalizer.
// Nil pointers and empty strings mean "absent" and are omitted from the text.
type Fields struct {
	TrackingCode string
	BuyerName    string
	State        string
	City         *string
	Province     *string
	Canton       *string
	IssueDate    *string
	TotalWeight  *float64
	TotalValue   *float64
	ServiceCost  *float64
	ItemCount    *int
	Products     []ProductFields
	Categories   []string
	Remarks      *string
}

// ToCanonicalFields projects a shipment onto Fields. When products is nil the shipment's own
// Products are used; callers holding a lazy product source pass it instead.
func ToCanonicalFields(s *models.Shipment, products iter.Seq[models.Product]) Fields {
	if products == nil {
		products = slices.Values(s.Products)
	}

	f := Fields{
		TrackingCode: strings.TrimSpace(s.TrackingCode),
		BuyerName:    strings.TrimSpace(s.Buyer.DisplayName),
		City:         nonBlank(s.Buyer.City),
		Province:     nonBlank(s.Buyer.Province),
		Canton:       nonBlank(s.Buyer.Canton),
		TotalWeight:  positive(s.TotalWeight),
		TotalValue:   positive(s.TotalValue),
		Remarks:      nonBlank(s.Remarks),
	}

	if s.State != "" {
		f.State = s.State.Label()
	}

	if !s.IssuedAt.IsZero() {
		d := s.IssuedAt.UTC().Format(issueDateLayout)
		f.IssueDate = &d
	}

	if s.ServiceCost != nil {
		f.ServiceCost = positive(*s.ServiceCost)
	}

	if s.ItemCount > 0 {
		n := s.ItemCount
		f.ItemCount = &n
	}

	seen := make(map[string]bool)

	for p := range products {
		desc := strings.TrimSpace(p.Description)
		label := ""

		if p.Category != "" {
			label = p.Category.Label()
		}

		if desc == "" && label == "" {
			continue
		}

		f.Products = append(f.Products, ProductFields{Description: desc, Category: label, Quantity: max(p.Quantity, 1)})

		if label != "" && !seen[label] {
			seen[label] = true
			f.Categories = append(f.Categories, label)
		}
	}

	slices.Sort(f.Categories)

	return f
}

func nonBlank(s *string) *string {
	if s == nil {
		return nil
	}

	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}

	return &v
}

func positive(v float64) *float64 {
	if v <= 0 {
		return nil
	}

	return &v
}
