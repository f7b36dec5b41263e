package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/cargohub/hub/internal/huberrors"
	"github.com/cargohub/hub/internal/models"
)

// EmbeddingsRepository is the pgvector-backed Embedding Store over shipment_embeddings.
type EmbeddingsRepository struct {
	db *pgxpool.Pool
}

// NewEmbeddingsRepository creates a new embeddings repository.
func NewEmbeddingsRepository(db *pgxpool.Pool) *EmbeddingsRepository {
	return &EmbeddingsRepository{db: db}
}

const embeddingColumns = `shipment_id, model, indexed_text, embedding, avg_cosine, buyer_id, buyer_national_id,
	state, issued_at, total_weight, total_value, created_at, updated_at`

func scanEmbedding(row pgx.Row) (models.EmbeddingRecord, error) {
	var (
		rec        models.EmbeddingRecord
		vec        pgvector.Vector
		nationalID *string
	)

	err := row.Scan(
		&rec.ShipmentID, &rec.Model, &rec.Text, &vec, &rec.AvgCosine,
		&rec.Attributes.BuyerID, &nationalID, &rec.Attributes.State, &rec.Attributes.IssuedAt,
		&rec.Attributes.TotalWeight, &rec.Attributes.TotalValue, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return rec, err
	}

	rec.Vector = vec.Slice()

	if nationalID != nil {
		rec.Attributes.BuyerNationalID = *nationalID
	}

	return rec, nil
}

func collectEmbeddings(rows pgx.Rows) ([]models.EmbeddingRecord, error) {
	defer rows.Close()

	var out []models.EmbeddingRecord

	for rows.Next() {
		rec, err := scanEmbedding(rows)
		if err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}

		out = append(out, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating embeddings: %w", err)
	}

	return out, nil
}

// Upsert inserts or replaces the row for (shipment_id, model). created_at survives a replacement.
// A row of the same model with a different dimension is reported as DimensionMismatchError.
func (r *EmbeddingsRepository) Upsert(ctx context.Context, rec *models.EmbeddingRecord) error {
	var stored int

	err := r.db.QueryRow(ctx,
		`SELECT dimension FROM shipment_embeddings WHERE model = $1 LIMIT 1`, rec.Model,
	).Scan(&stored)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return fmt.Errorf("embeddings dimension check: %w", err)
	case stored != len(rec.Vector):
		return &huberrors.DimensionMismatchError{Model: rec.Model, Want: stored, Got: len(rec.Vector)}
	}

	var nationalID *string
	if rec.Attributes.BuyerNationalID != "" {
		nationalID = &rec.Attributes.BuyerNationalID
	}

	now := time.Now().UTC()

	err = r.db.QueryRow(ctx, `
		INSERT INTO shipment_embeddings (shipment_id, model, indexed_text, embedding, dimension, avg_cosine,
			buyer_id, buyer_national_id, state, issued_at, total_weight, total_value, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
		ON CONFLICT (shipment_id, model)
		DO UPDATE SET indexed_text = EXCLUDED.indexed_text, embedding = EXCLUDED.embedding,
			dimension = EXCLUDED.dimension, avg_cosine = EXCLUDED.avg_cosine, buyer_id = EXCLUDED.buyer_id,
			buyer_national_id = EXCLUDED.buyer_national_id, state = EXCLUDED.state, issued_at = EXCLUDED.issued_at,
			total_weight = EXCLUDED.total_weight, total_value = EXCLUDED.total_value, updated_at = EXCLUDED.updated_at
		RETURNING created_at, updated_at`,
		rec.ShipmentID, rec.Model, rec.Text, pgvector.NewVector(rec.Vector), len(rec.Vector), rec.AvgCosine,
		rec.Attributes.BuyerID, nationalID, rec.Attributes.State, rec.Attributes.IssuedAt,
		rec.Attributes.TotalWeight, rec.Attributes.TotalValue, now,
	).Scan(&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("embeddings upsert: %w", err)
	}

	return nil
}

// Get returns the row for (shipmentID, model) or a NotFoundError.
func (r *EmbeddingsRepository) Get(ctx context.Context, shipmentID int64, model string) (*models.EmbeddingRecord, error) {
	rec, err := scanEmbedding(r.db.QueryRow(ctx,
		`SELECT `+embeddingColumns+` FROM shipment_embeddings WHERE shipment_id = $1 AND model = $2`,
		shipmentID, model,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, huberrors.NewNotFoundError("embedding", fmt.Sprintf("%d/%s", shipmentID, model))
		}

		return nil, fmt.Errorf("get embedding: %w", err)
	}

	return &rec, nil
}

// Existing returns the rows of model whose shipment is in ids.
func (r *EmbeddingsRepository) Existing(
	ctx context.Context, model string, ids []int64,
) (map[int64]models.EmbeddingRecord, error) {
	out := make(map[int64]models.EmbeddingRecord, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := r.db.Query(ctx,
		`SELECT `+embeddingColumns+` FROM shipment_embeddings WHERE model = $1 AND shipment_id = ANY($2)`,
		model, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("existing embeddings: %w", err)
	}

	recs, err := collectEmbeddings(rows)
	if err != nil {
		return nil, err
	}

	for _, rec := range recs {
		out[rec.ShipmentID] = rec
	}

	return out, nil
}

// DeleteByShipment removes the shipment's rows for every model.
func (r *EmbeddingsRepository) DeleteByShipment(ctx context.Context, shipmentID int64) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM shipment_embeddings WHERE shipment_id = $1`, shipmentID)
	if err != nil {
		return 0, fmt.Errorf("embeddings delete: %w", err)
	}

	return tag.RowsAffected(), nil
}

// DeleteByModel removes every row of model.
func (r *EmbeddingsRepository) DeleteByModel(ctx context.Context, model string) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM shipment_embeddings WHERE model = $1`, model)
	if err != nil {
		return 0, fmt.Errorf("embeddings delete model: %w", err)
	}

	return tag.RowsAffected(), nil
}

// IterAll pages through the rows of model by keyset on shipment_id.
func (r *EmbeddingsRepository) IterAll(
	ctx context.Context, model string, afterID int64, batchSize int, fn func([]models.EmbeddingRecord) error,
) error {
	if batchSize <= 0 {
		batchSize = 100
	}

	cursor := afterID

	for {
		rows, err := r.db.Query(ctx, `
			SELECT `+embeddingColumns+` FROM shipment_embeddings
			WHERE model = $1 AND shipment_id > $2
			ORDER BY shipment_id
			LIMIT $3`, model, cursor, batchSize)
		if err != nil {
			return fmt.Errorf("iterate embeddings: %w", err)
		}

		page, err := collectEmbeddings(rows)
		if err != nil {
			return err
		}

		if len(page) == 0 {
			return nil
		}

		if err := fn(page); err != nil {
			return err
		}

		if len(page) < batchSize {
			return nil
		}

		cursor = page[len(page)-1].ShipmentID
	}
}

// buildFilterConditions renders filters as SQL conditions starting at placeholder $argStart.
func buildFilterConditions(filters *models.SearchFilters, argStart int) (conditions []string, args []any) {
	if filters == nil {
		return nil, nil
	}

	argCount := argStart

	add := func(cond string, v any) {
		conditions = append(conditions, fmt.Sprintf(cond, argCount))
		args = append(args, v)
		argCount++
	}

	if filters.State != nil {
		add("state = $%d", string(*filters.State))
	}

	if filters.BuyerID != nil {
		add("buyer_id = $%d", *filters.BuyerID)
	}

	if filters.BuyerNationalID != nil {
		add("buyer_national_id = $%d", *filters.BuyerNationalID)
	}

	if filters.DateFrom != nil {
		add("issued_at >= $%d", *filters.DateFrom)
	}

	if filters.DateTo != nil {
		add("issued_at <= $%d", *filters.DateTo)
	}

	if filters.WeightMin != nil {
		add("total_weight >= $%d", *filters.WeightMin)
	}

	if filters.WeightMax != nil {
		add("total_weight <= $%d", *filters.WeightMax)
	}

	if filters.ValueMin != nil {
		add("total_value >= $%d", *filters.ValueMin)
	}

	if filters.ValueMax != nil {
		add("total_value <= $%d", *filters.ValueMax)
	}

	if filters.ExcludeShipmentID != nil {
		add("shipment_id <> $%d", *filters.ExcludeShipmentID)
	}

	return conditions, args
}

// buildKNNQuery orders by cosine distance on the fixed-dimension cast so the per-model HNSW index applies.
// The dimension is an int formatted into the SQL, never user text.
func buildKNNQuery(model string, query []float32, k int, filters *models.SearchFilters) (string, []any) {
	dim := len(query)
	args := []any{pgvector.NewVector(query), model, dim}
	conditions := []string{"model = $2", "dimension = $3"}

	extra, extraArgs := buildFilterConditions(filters, len(args)+1)
	conditions = append(conditions, extra...)
	args = append(args, extraArgs...)
	args = append(args, k)

	distance := fmt.Sprintf("(embedding::vector(%d) <=> $1)", dim)

	sql := fmt.Sprintf(`
		SELECT %s, 1 - %s AS similarity
		FROM shipment_embeddings
		WHERE %s
		ORDER BY %s, shipment_id
		LIMIT $%d`, embeddingColumns, distance, strings.Join(conditions, " AND "), distance, len(args))

	return sql, args
}

// KNN returns the k rows of model nearest to query by cosine distance, filters pushed into the WHERE clause.
func (r *EmbeddingsRepository) KNN(
	ctx context.Context, model string, query []float32, k int, filters *models.SearchFilters,
) ([]models.Neighbor, error) {
	if k <= 0 || len(query) == 0 {
		return nil, nil
	}

	sql, args := buildKNNQuery(model, query, k, filters)

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("knn query: %w", err)
	}
	defer rows.Close()

	var out []models.Neighbor

	for rows.Next() {
		var (
			rec        models.EmbeddingRecord
			vec        pgvector.Vector
			nationalID *string
			sim        float64
		)

		err := rows.Scan(
			&rec.ShipmentID, &rec.Model, &rec.Text, &vec, &rec.AvgCosine,
			&rec.Attributes.BuyerID, &nationalID, &rec.Attributes.State, &rec.Attributes.IssuedAt,
			&rec.Attributes.TotalWeight, &rec.Attributes.TotalValue, &rec.CreatedAt, &rec.UpdatedAt, &sim,
		)
		if err != nil {
			return nil, fmt.Errorf("scan knn row: %w", err)
		}

		rec.Vector = vec.Slice()
		if nationalID != nil {
			rec.Attributes.BuyerNationalID = *nationalID
		}

		out = append(out, models.Neighbor{Record: rec, Similarity: sim})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating knn: %w", err)
	}

	return out, nil
}

// Stats returns the row count, dimension and latest updated_at of model.
func (r *EmbeddingsRepository) Stats(ctx context.Context, model string) (models.StoreStats, error) {
	var (
		stats models.StoreStats
		dim   *int
	)

	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*), MAX(dimension), MAX(updated_at)
		FROM shipment_embeddings WHERE model = $1`, model,
	).Scan(&stats.Records, &dim, &stats.LastGeneratedAt)
	if err != nil {
		return stats, fmt.Errorf("embedding stats: %w", err)
	}

	if dim != nil {
		stats.Dimension = *dim
	}

	return stats, nil
}

// Sample returns up to n randomly chosen vectors of model, skipping excludeID.
func (r *EmbeddingsRepository) Sample(ctx context.Context, model string, n int, excludeID int64) ([][]float32, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := r.db.Query(ctx, `
		SELECT embedding FROM shipment_embeddings
		WHERE model = $1 AND shipment_id <> $2
		ORDER BY random()
		LIMIT $3`, model, excludeID, n)
	if err != nil {
		return nil, fmt.Errorf("sample embeddings: %w", err)
	}
	defer rows.Close()

	var out [][]float32

	for rows.Next() {
		var vec pgvector.Vector
		if err := rows.Scan(&vec); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}

		out = append(out, vec.Slice())
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sample: %w", err)
	}

	return out, nil
}

// Select returns the rows matching sel, most recently updated first.
func (r *EmbeddingsRepository) Select(ctx context.Context, sel *models.SubsetSelector) ([]models.EmbeddingRecord, error) {
	conditions := []string{"model = $1"}
	args := []any{sel.Model}

	extra, extraArgs := buildFilterConditions(&sel.Filters, 2)
	conditions = append(conditions, extra...)
	args = append(args, extraArgs...)

	if sel.Since != nil {
		args = append(args, *sel.Since)
		conditions = append(conditions, fmt.Sprintf("updated_at >= $%d", len(args)))
	}

	if len(sel.ShipmentIDs) > 0 {
		args = append(args, sel.ShipmentIDs)
		conditions = append(conditions, fmt.Sprintf("shipment_id = ANY($%d)", len(args)))
	}

	query := `SELECT ` + embeddingColumns + ` FROM shipment_embeddings WHERE ` +
		strings.Join(conditions, " AND ") + ` ORDER BY updated_at DESC, shipment_id`

	if sel.MaxPoints > 0 {
		args = append(args, sel.MaxPoints)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select embeddings: %w", err)
	}

	return collectEmbeddings(rows)
}
