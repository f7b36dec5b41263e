package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cargohub/hub/internal/huberrors"
	"github.com/cargohub/hub/internal/models"
)

// ShipmentsRepository reads shipments with their buyer and products. It never writes.
type ShipmentsRepository struct {
	db *pgxpool.Pool
}

// NewShipmentsRepository creates a new shipments repository.
func NewShipmentsRepository(db *pgxpool.Pool) *ShipmentsRepository {
	return &ShipmentsRepository{db: db}
}

const shipmentSelect = `
	SELECT s.id, s.tracking_code, s.buyer_id, s.state, s.total_weight, s.total_value, s.service_cost,
		s.item_count, s.issued_at, s.remarks, s.updated_at,
		b.id, b.display_name, b.province, b.canton, b.city, b.national_id
	FROM shipments s
	INNER JOIN buyers b ON b.id = s.buyer_id`

func scanShipment(row pgx.Row) (models.Shipment, error) {
	var s models.Shipment

	err := row.Scan(
		&s.ID, &s.TrackingCode, &s.BuyerID, &s.State, &s.TotalWeight, &s.TotalValue, &s.ServiceCost,
		&s.ItemCount, &s.IssuedAt, &s.Remarks, &s.UpdatedAt,
		&s.Buyer.ID, &s.Buyer.DisplayName, &s.Buyer.Province, &s.Buyer.Canton, &s.Buyer.City, &s.Buyer.NationalID,
	)

	return s, err
}

// GetShipment returns one shipment with buyer and products.
func (r *ShipmentsRepository) GetShipment(ctx context.Context, id int64) (*models.Shipment, error) {
	s, err := scanShipment(r.db.QueryRow(ctx, shipmentSelect+` WHERE s.id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, huberrors.NewNotFoundError("shipment", strconv.FormatInt(id, 10))
		}

		return nil, fmt.Errorf("get shipment: %w", err)
	}

	page := []models.Shipment{s}
	if err := r.loadProducts(ctx, page); err != nil {
		return nil, err
	}

	return &page[0], nil
}

// ListShipments returns the next page after cursor.AfterID by ascending id, with products loaded in one query.
func (r *ShipmentsRepository) ListShipments(ctx context.Context, cursor models.ShipmentCursor) ([]models.Shipment, error) {
	limit := cursor.Limit
	if limit <= 0 {
		limit = 100
	}

	conditions := []string{"s.id > $1"}
	args := []any{cursor.AfterID}

	if len(cursor.IDs) > 0 {
		args = append(args, cursor.IDs)
		conditions = append(conditions, fmt.Sprintf("s.id = ANY($%d)", len(args)))
	}

	if cursor.ChangedSince != nil {
		args = append(args, *cursor.ChangedSince)
		conditions = append(conditions, fmt.Sprintf("s.updated_at >= $%d", len(args)))
	}

	args = append(args, limit)
	query := fmt.Sprintf("%s WHERE %s ORDER BY s.id LIMIT $%d", shipmentSelect, strings.Join(conditions, " AND "), len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list shipments: %w", err)
	}
	defer rows.Close()

	var page []models.Shipment

	for rows.Next() {
		s, err := scanShipment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan shipment: %w", err)
		}

		page = append(page, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating shipments: %w", err)
	}

	if err := r.loadProducts(ctx, page); err != nil {
		return nil, err
	}

	return page, nil
}

// loadProducts fills Products for the page, preserving insertion order (product id).
func (r *ShipmentsRepository) loadProducts(ctx context.Context, page []models.Shipment) error {
	if len(page) == 0 {
		return nil
	}

	ids := make([]int64, len(page))
	index := make(map[int64]int, len(page))

	for i := range page {
		ids[i] = page[i].ID
		index[page[i].ID] = i
	}

	rows, err := r.db.Query(ctx, `
		SELECT id, shipment_id, description, category, weight, quantity, value
		FROM products WHERE shipment_id = ANY($1)
		ORDER BY shipment_id, id`, ids)
	if err != nil {
		return fmt.Errorf("load products: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p models.Product
		if err := rows.Scan(&p.ID, &p.ShipmentID, &p.Description, &p.Category, &p.Weight, &p.Quantity, &p.Value); err != nil {
			return fmt.Errorf("scan product: %w", err)
		}

		i := index[p.ShipmentID]
		page[i].Products = append(page[i].Products, p)
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating products: %w", err)
	}

	return nil
}
