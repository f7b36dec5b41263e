package boltstore

import (
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/cargohub/hub/internal/models"
)

type storedQuery struct {
	models.QueryEmbedding

	Vector []float32 `json:"vector"`
}

// SaveQueryEmbedding writes q in a single transaction; q.ID must be set (uuid v7 keeps keys time-ordered).
func (s *Store) SaveQueryEmbedding(ctx context.Context, q *models.QueryEmbedding) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(storedQuery{QueryEmbedding: *q, Vector: q.Vector})
	if err != nil {
		return fmt.Errorf("encode query embedding: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketQueries).Put(q.ID[:], data)
	})
}

// AppendEvents stores generation events keyed by their (time-ordered) ids.
func (s *Store) AppendEvents(_ context.Context, events []models.GenerationEvent) error {
	if len(events) == 0 {
		return nil
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEvents)

		for i := range events {
			data, err := json.Marshal(&events[i])
			if err != nil {
				return fmt.Errorf("encode generation event: %w", err)
			}

			if err := b.Put(events[i].ID[:], data); err != nil {
				return fmt.Errorf("put generation event: %w", err)
			}
		}

		return nil
	})
}

// ListEvents returns matching events, newest first.
func (s *Store) ListEvents(_ context.Context, filters *models.ListEventsFilters) ([]models.GenerationEvent, error) {
	limit := filters.Limit
	if limit <= 0 {
		limit = 100
	}

	var out []models.GenerationEvent

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()

		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var ev models.GenerationEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("decode generation event: %w", err)
			}

			if filters.ShipmentID != nil && ev.ShipmentID != *filters.ShipmentID {
				continue
			}

			if filters.Model != "" && ev.Model != filters.Model {
				continue
			}

			if filters.Status != nil && ev.Status != *filters.Status {
				continue
			}

			out = append(out, ev)
		}

		return nil
	})

	return out, err
}

// EventStats counts events of model per status and averages their elapsed time.
func (s *Store) EventStats(_ context.Context, model string) (map[models.GenerationStatus]int64, float64, error) {
	counts := make(map[models.GenerationStatus]int64)

	var total, n int64

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEvents).ForEach(func(_, v []byte) error {
			var ev models.GenerationEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("decode generation event: %w", err)
			}

			if ev.Model != model {
				return nil
			}

			counts[ev.Status]++
			total += ev.ElapsedMS
			n++

			return nil
		})
	})
	if err != nil {
		return nil, 0, err
	}

	var avg float64
	if n > 0 {
		avg = float64(total) / float64(n)
	}

	return counts, avg, nil
}
