package models

import (
	"fmt"
	"strings"
	"time"
)

// ShipmentState is the lifecycle state of a shipment.
type ShipmentState string

// Shipment states.
const (
	ShipmentStatePending   ShipmentState = "pending"
	ShipmentStateInTransit ShipmentState = "in_transit"
	ShipmentStateDelivered ShipmentState = "delivered"
	ShipmentStateCancelled ShipmentState = "cancelled"
)

var shipmentStateLabels = map[ShipmentState]string{
	ShipmentStatePending:   "pending",
	ShipmentStateInTransit: "in transit",
	ShipmentStateDelivered: "delivered",
	ShipmentStateCancelled: "cancelled",
}

// IsValid reports whether s is a known shipment state.
func (s ShipmentState) IsValid() bool {
	_, ok := shipmentStateLabels[s]

	return ok
}

// Label returns the human-readable label used in indexed text.
func (s ShipmentState) Label() string {
	if label, ok := shipmentStateLabels[s]; ok {
		return label
	}

	return string(s)
}

// ParseShipmentState parses a state name. Accepts "in-transit" and "in transit" as aliases of in_transit.
func ParseShipmentState(s string) (ShipmentState, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	v = strings.NewReplacer("-", "_", " ", "_").Replace(v)

	state := ShipmentState(v)
	if !state.IsValid() {
		return "", fmt.Errorf("invalid shipment state: %q", s)
	}

	return state, nil
}

// ProductCategory classifies a product.
type ProductCategory string

// Product categories.
const (
	ProductCategoryElectronics ProductCategory = "electronics"
	ProductCategoryClothing    ProductCategory = "clothing"
	ProductCategoryHome        ProductCategory = "home"
	ProductCategorySports      ProductCategory = "sports"
	ProductCategoryOther       ProductCategory = "other"
)

var productCategoryLabels = map[ProductCategory]string{
	ProductCategoryElectronics: "electronics",
	ProductCategoryClothing:    "clothing",
	ProductCategoryHome:        "home items",
	ProductCategorySports:      "sports",
	ProductCategoryOther:       "other",
}

// IsValid reports whether c is a known category.
func (c ProductCategory) IsValid() bool {
	_, ok := productCategoryLabels[c]

	return ok
}

// Label returns the human-readable label used in indexed text.
func (c ProductCategory) Label() string {
	if label, ok := productCategoryLabels[c]; ok {
		return label
	}

	return string(c)
}

// Buyer is the owner of a shipment. Location and national ID are optional.
type Buyer struct {
	ID          int64   `json:"id"`
	DisplayName string  `json:"display_name"`
	Province    *string `json:"province,omitempty"`
	Canton      *string `json:"canton,omitempty"`
	City        *string `json:"city,omitempty"`
	NationalID  *string `json:"national_id,omitempty"`
}

// Product is one line of a shipment.
type Product struct {
	ID          int64           `json:"id"`
	ShipmentID  int64           `json:"shipment_id"`
	Description string          `json:"description"`
	Category    ProductCategory `json:"category"`
	Weight      float64         `json:"weight"`
	Quantity    int             `json:"quantity"`
	Value       float64         `json:"value"`
}

// Shipment is a consignment (HAWB) owned by a buyer. It is read-only to the search core.
type Shipment struct {
	ID           int64         `json:"id"`
	TrackingCode string        `json:"tracking_code"`
	BuyerID      int64         `json:"buyer_id"`
	Buyer        Buyer         `json:"buyer"`
	State        ShipmentState `json:"state"`
	TotalWeight  float64       `json:"total_weight"`
	TotalValue   float64       `json:"total_value"`
	ServiceCost  *float64      `json:"service_cost,omitempty"`
	ItemCount    int           `json:"item_count"`
	IssuedAt     time.Time     `json:"issued_at"`
	Remarks      *string       `json:"remarks,omitempty"`
	Products     []Product     `json:"products"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// ShipmentSnapshot is the subset of a shipment returned with search results.
type ShipmentSnapshot struct {
	ID           int64         `json:"id"`
	TrackingCode string        `json:"tracking_code"`
	BuyerID      int64         `json:"buyer_id"`
	BuyerName    string        `json:"buyer_name"`
	State        ShipmentState `json:"state"`
	City         string        `json:"city,omitempty"`
	TotalWeight  float64       `json:"total_weight"`
	TotalValue   float64       `json:"total_value"`
	ItemCount    int           `json:"item_count"`
	IssuedAt     time.Time     `json:"issued_at"`
}

// Snapshot returns the search-result view of the shipment.
func (s *Shipment) Snapshot() ShipmentSnapshot {
	snap := ShipmentSnapshot{
		ID:           s.ID,
		TrackingCode: s.TrackingCode,
		BuyerID:      s.BuyerID,
		BuyerName:    s.Buyer.DisplayName,
		State:        s.State,
		TotalWeight:  s.TotalWeight,
		TotalValue:   s.TotalValue,
		ItemCount:    s.ItemCount,
		IssuedAt:     s.IssuedAt,
	}
	if s.Buyer.City != nil {
		snap.City = *s.Buyer.City
	}

	return snap
}

// Attributes returns the filterable attributes stored next to the shipment's embedding.
func (s *Shipment) Attributes() RecordAttributes {
	attrs := RecordAttributes{
		BuyerID:     s.BuyerID,
		State:       s.State,
		IssuedAt:    s.IssuedAt,
		TotalWeight: s.TotalWeight,
		TotalValue:  s.TotalValue,
	}
	if s.Buyer.NationalID != nil {
		attrs.BuyerNationalID = *s.Buyer.NationalID
	}

	return attrs
}

// ShipmentCursor pages through the shipment source in ascending id order.
// IDs restricts the page to the given shipments; ChangedSince keeps shipments updated at or after it.
type ShipmentCursor struct {
	AfterID      int64
	Limit        int
	IDs          []int64
	ChangedSince *time.Time
}
