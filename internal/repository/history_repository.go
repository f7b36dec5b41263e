package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/cargohub/hub/internal/models"
)

// HistoryRepository stores query embeddings and the embedding generation event log.
type HistoryRepository struct {
	db *pgxpool.Pool
}

// NewHistoryRepository creates a new history repository.
func NewHistoryRepository(db *pgxpool.Pool) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// SaveQueryEmbedding inserts q and its ranking snapshot in one statement.
func (r *HistoryRepository) SaveQueryEmbedding(ctx context.Context, q *models.QueryEmbedding) error {
	snapshot, err := json.Marshal(q.Snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	err = r.db.QueryRow(ctx, `
		INSERT INTO query_embeddings (id, query, expanded_text, embedding, model, user_id, tokens, cost, snapshot)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at`,
		q.ID, q.Query, q.ExpandedText, pgvector.NewVector(q.Vector), q.Model, q.UserID, q.Tokens, q.Cost, snapshot,
	).Scan(&q.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert query embedding: %w", err)
	}

	return nil
}

// AppendEvents writes the events in one batch round trip.
func (r *HistoryRepository) AppendEvents(ctx context.Context, events []models.GenerationEvent) error {
	if len(events) == 0 {
		return nil
	}

	batch := &pgx.Batch{}

	for i := range events {
		ev := &events[i]

		var errorKind, errMsg *string
		if ev.ErrorKind != "" {
			errorKind = &ev.ErrorKind
		}

		if ev.Error != "" {
			errMsg = &ev.Error
		}

		batch.Queue(`
			INSERT INTO embedding_generation_events
				(id, shipment_id, model, status, process_kind, elapsed_ms, tokens, error_kind, error, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			ev.ID, ev.ShipmentID, ev.Model, string(ev.Status), string(ev.ProcessKind), ev.ElapsedMS, ev.Tokens,
			errorKind, errMsg, ev.CreatedAt,
		)
	}

	if err := r.db.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("append generation events: %w", err)
	}

	return nil
}

// ListEvents returns matching events, newest first.
func (r *HistoryRepository) ListEvents(ctx context.Context, filters *models.ListEventsFilters) ([]models.GenerationEvent, error) {
	var (
		conditions []string
		args       []any
	)

	if filters.ShipmentID != nil {
		args = append(args, *filters.ShipmentID)
		conditions = append(conditions, fmt.Sprintf("shipment_id = $%d", len(args)))
	}

	if filters.Model != "" {
		args = append(args, filters.Model)
		conditions = append(conditions, fmt.Sprintf("model = $%d", len(args)))
	}

	if filters.Status != nil {
		args = append(args, string(*filters.Status))
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT id, shipment_id, model, status, process_kind, elapsed_ms, tokens,
		COALESCE(error_kind, ''), COALESCE(error, ''), created_at
		FROM embedding_generation_events`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	limit := filters.Limit
	if limit <= 0 {
		limit = 100
	}

	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list generation events: %w", err)
	}
	defer rows.Close()

	var out []models.GenerationEvent

	for rows.Next() {
		var ev models.GenerationEvent
		if err := rows.Scan(&ev.ID, &ev.ShipmentID, &ev.Model, &ev.Status, &ev.ProcessKind, &ev.ElapsedMS,
			&ev.Tokens, &ev.ErrorKind, &ev.Error, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan generation event: %w", err)
		}

		out = append(out, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating generation events: %w", err)
	}

	return out, nil
}

// EventStats counts events of model per status and averages elapsed_ms over all of them.
func (r *HistoryRepository) EventStats(ctx context.Context, model string) (map[models.GenerationStatus]int64, float64, error) {
	rows, err := r.db.Query(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(elapsed_ms), 0)
		FROM embedding_generation_events WHERE model = $1
		GROUP BY status`, model)
	if err != nil {
		return nil, 0, fmt.Errorf("generation event stats: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.GenerationStatus]int64)

	var total, n int64

	for rows.Next() {
		var (
			status models.GenerationStatus
			count  int64
			sum    int64
		)

		if err := rows.Scan(&status, &count, &sum); err != nil {
			return nil, 0, fmt.Errorf("scan event stats: %w", err)
		}

		counts[status] = count
		total += sum
		n += count
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating event stats: %w", err)
	}

	var avg float64
	if n > 0 {
		avg = float64(total) / float64(n)
	}

	return counts, avg, nil
}
