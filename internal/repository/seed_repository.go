package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cargohub/hub/internal/models"
)

// SeedRepository loads shipments into the corpus for local development and demos.
type SeedRepository struct {
	db *pgxpool.Pool
}

// NewSeedRepository creates a new seed repository.
func NewSeedRepository(db *pgxpool.Pool) *SeedRepository {
	return &SeedRepository{db: db}
}

// ImportShipment inserts s with its products, reusing a buyer with the same name and city. Totals and
// item count are derived from the products. An existing tracking code is left untouched and reported
// with created=false.
func (r *SeedRepository) ImportShipment(ctx context.Context, s *models.Shipment) (id int64, created bool, err error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("begin import: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	err = tx.QueryRow(ctx, `SELECT id FROM shipments WHERE tracking_code = $1`, s.TrackingCode).Scan(&id)
	if err == nil {
		return id, false, tx.Commit(ctx)
	}

	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, fmt.Errorf("lookup shipment: %w", err)
	}

	buyerID, err := upsertBuyer(ctx, tx, &s.Buyer)
	if err != nil {
		return 0, false, err
	}

	var weight, value float64

	items := 0

	for _, p := range s.Products {
		weight += p.Weight * float64(p.Quantity)
		value += p.Value * float64(p.Quantity)
		items += p.Quantity
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO shipments (tracking_code, buyer_id, state, total_weight, total_value, service_cost,
			item_count, issued_at, remarks)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		s.TrackingCode, buyerID, string(s.State), weight, value, s.ServiceCost, items, s.IssuedAt, s.Remarks,
	).Scan(&id)
	if err != nil {
		return 0, false, fmt.Errorf("insert shipment %s: %w", s.TrackingCode, err)
	}

	rows := make([][]any, len(s.Products))
	for i, p := range s.Products {
		rows[i] = []any{id, p.Description, string(p.Category), p.Weight, p.Quantity, p.Value}
	}

	if _, err = tx.CopyFrom(ctx,
		pgx.Identifier{"products"},
		[]string{"shipment_id", "description", "category", "weight", "quantity", "value"},
		pgx.CopyFromRows(rows),
	); err != nil {
		return 0, false, fmt.Errorf("insert products for %s: %w", s.TrackingCode, err)
	}

	if err = tx.Commit(ctx); err != nil {
		return 0, false, fmt.Errorf("commit import: %w", err)
	}

	return id, true, nil
}

func upsertBuyer(ctx context.Context, tx pgx.Tx, b *models.Buyer) (int64, error) {
	var id int64

	err := tx.QueryRow(ctx, `
		SELECT id FROM buyers WHERE display_name = $1 AND city IS NOT DISTINCT FROM $2
		ORDER BY id LIMIT 1`, b.DisplayName, b.City).Scan(&id)
	if err == nil {
		return id, nil
	}

	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("lookup buyer: %w", err)
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO buyers (display_name, province, canton, city, national_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`, b.DisplayName, b.Province, b.Canton, b.City, b.NationalID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert buyer: %w", err)
	}

	return id, nil
}
