// Package boltstore is an embedded Embedding Store backed by bbolt. kNN is brute force over the model's bucket,
// which suits development corpora and offline runs of the CLI.
package boltstore

import (
	"container/heap"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/cargohub/hub/internal/huberrors"
	"github.com/cargohub/hub/internal/models"
	"github.com/cargohub/hub/pkg/embeddings"
)

var (
	bucketEmbeddings = []byte("embeddings")
	bucketQueries    = []byte("queries")
	bucketEvents     = []byte("events")
)

// ctxCheckEvery is how many records a scan reads between context checks.
const ctxCheckEvery = 256

// Store implements service.EmbeddingStore, service.QueryLog and service.GenerationEventLog.
// Each model gets a nested bucket under "embeddings" keyed by big-endian shipment id, so
// cursor order is ascending id.
type Store struct {
	db  *bbolt.DB
	now func() time.Time
}

type storedRecord struct {
	Text       string                  `json:"t"`
	Vector     []float32               `json:"v"`
	AvgCosine  *float64                `json:"c,omitempty"`
	Attributes models.RecordAttributes `json:"a"`
	CreatedAt  time.Time               `json:"ca"`
	UpdatedAt  time.Time               `json:"ua"`
}

// Open opens (creating if needed) the bbolt file at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketEmbeddings, bucketQueries, bucketEvents} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}

		return nil
	})
	if err != nil {
		_ = db.Close()

		return nil, err
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close releases the database file.
func (s *Store) Close() error {
	return s.db.Close()
}

func idKey(id int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(id)) //nolint:gosec // shipment ids are positive

	return k
}

func keyID(k []byte) int64 {
	return int64(binary.BigEndian.Uint64(k)) //nolint:gosec // written by idKey
}

func decodeRecord(model string, k, v []byte) (models.EmbeddingRecord, error) {
	var sr storedRecord
	if err := json.Unmarshal(v, &sr); err != nil {
		return models.EmbeddingRecord{}, fmt.Errorf("decode embedding %d/%s: %w", keyID(k), model, err)
	}

	return models.EmbeddingRecord{
		ShipmentID: keyID(k),
		Model:      model,
		Text:       sr.Text,
		Vector:     sr.Vector,
		AvgCosine:  sr.AvgCosine,
		Attributes: sr.Attributes,
		CreatedAt:  sr.CreatedAt,
		UpdatedAt:  sr.UpdatedAt,
	}, nil
}

// modelBucket returns the nested bucket for model, or nil when nothing was ever stored for it.
func modelBucket(tx *bbolt.Tx, model string) *bbolt.Bucket {
	return tx.Bucket(bucketEmbeddings).Bucket([]byte(model))
}

// Upsert replaces the record for (shipment, model). CreatedAt survives a replacement; UpdatedAt advances.
func (s *Store) Upsert(ctx context.Context, rec *models.EmbeddingRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if !embeddings.AllFinite(rec.Vector) {
		return huberrors.NewValidationError("vector", "vector components must be finite")
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(bucketEmbeddings).CreateBucketIfNotExists([]byte(rec.Model))
		if err != nil {
			return fmt.Errorf("create model bucket: %w", err)
		}

		if err := checkDimension(b, rec.Model, len(rec.Vector)); err != nil {
			return err
		}

		now := s.now().UTC()
		key := idKey(rec.ShipmentID)
		created := now

		if prev := b.Get(key); prev != nil {
			if old, err := decodeRecord(rec.Model, key, prev); err == nil {
				created = old.CreatedAt
			}
		}

		data, err := json.Marshal(storedRecord{
			Text:       rec.Text,
			Vector:     rec.Vector,
			AvgCosine:  rec.AvgCosine,
			Attributes: rec.Attributes,
			CreatedAt:  created,
			UpdatedAt:  now,
		})
		if err != nil {
			return fmt.Errorf("encode embedding: %w", err)
		}

		if err := b.Put(key, data); err != nil {
			return fmt.Errorf("put embedding: %w", err)
		}

		rec.CreatedAt = created
		rec.UpdatedAt = now

		return nil
	})
}

// checkDimension compares against the first stored record; all records of a model share one dimension.
func checkDimension(b *bbolt.Bucket, model string, got int) error {
	k, v := b.Cursor().First()
	if k == nil {
		return nil
	}

	first, err := decodeRecord(model, k, v)
	if err != nil {
		return err
	}

	if len(first.Vector) != got {
		return &huberrors.DimensionMismatchError{Model: model, Want: len(first.Vector), Got: got}
	}

	return nil
}

// Get returns the record for (shipmentID, model).
func (s *Store) Get(_ context.Context, shipmentID int64, model string) (*models.EmbeddingRecord, error) {
	var rec *models.EmbeddingRecord

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := modelBucket(tx, model)
		if b == nil {
			return nil
		}

		key := idKey(shipmentID)

		v := b.Get(key)
		if v == nil {
			return nil
		}

		r, err := decodeRecord(model, key, v)
		if err != nil {
			return err
		}

		rec = &r

		return nil
	})
	if err != nil {
		return nil, err
	}

	if rec == nil {
		return nil, huberrors.NewNotFoundError("embedding", fmt.Sprintf("%d/%s", shipmentID, model))
	}

	return rec, nil
}

// Existing returns the records of model among ids.
func (s *Store) Existing(_ context.Context, model string, ids []int64) (map[int64]models.EmbeddingRecord, error) {
	out := make(map[int64]models.EmbeddingRecord, len(ids))

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := modelBucket(tx, model)
		if b == nil {
			return nil
		}

		for _, id := range ids {
			key := idKey(id)
			if v := b.Get(key); v != nil {
				rec, err := decodeRecord(model, key, v)
				if err != nil {
					return err
				}

				out[id] = rec
			}
		}

		return nil
	})

	return out, err
}

// DeleteByShipment removes the shipment's record under every model.
func (s *Store) DeleteByShipment(_ context.Context, shipmentID int64) (int64, error) {
	var deleted int64

	err := s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketEmbeddings)
		key := idKey(shipmentID)

		return root.ForEachBucket(func(name []byte) error {
			b := root.Bucket(name)
			if b.Get(key) == nil {
				return nil
			}

			deleted++

			return b.Delete(key)
		})
	})
	if err != nil {
		return 0, fmt.Errorf("delete embeddings for shipment %d: %w", shipmentID, err)
	}

	return deleted, nil
}

// DeleteByModel drops every record of model.
func (s *Store) DeleteByModel(_ context.Context, model string) (int64, error) {
	var deleted int64

	err := s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketEmbeddings)

		b := root.Bucket([]byte(model))
		if b == nil {
			return nil
		}

		deleted = int64(b.Stats().KeyN)

		err := root.DeleteBucket([]byte(model))
		if errors.Is(err, bbolt.ErrBucketNotFound) {
			return nil
		}

		return err
	})
	if err != nil {
		return 0, fmt.Errorf("delete embeddings for model %s: %w", model, err)
	}

	return deleted, nil
}

// IterAll pages through the model's records in ascending id. Each page is read in its own transaction
// so fn may write to the store.
func (s *Store) IterAll(
	ctx context.Context, model string, afterID int64, batchSize int, fn func([]models.EmbeddingRecord) error,
) error {
	if batchSize <= 0 {
		batchSize = 100
	}

	cursor := afterID

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		page := make([]models.EmbeddingRecord, 0, batchSize)

		err := s.db.View(func(tx *bbolt.Tx) error {
			b := modelBucket(tx, model)
			if b == nil {
				return nil
			}

			c := b.Cursor()

			k, v := c.Seek(idKey(cursor + 1))
			for ; k != nil && len(page) < batchSize; k, v = c.Next() {
				rec, err := decodeRecord(model, k, v)
				if err != nil {
					return err
				}

				page = append(page, rec)
			}

			return nil
		})
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

// KNN scans the model bucket and keeps the k most similar records in a bounded heap.
func (s *Store) KNN(
	ctx context.Context, model string, query []float32, k int, filters *models.SearchFilters,
) ([]models.Neighbor, error) {
	if k <= 0 {
		return nil, nil
	}

	h := &neighborHeap{}

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := modelBucket(tx, model)
		if b == nil {
			return nil
		}

		n := 0

		return b.ForEach(func(key, v []byte) error {
			n++
			if n%ctxCheckEvery == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}

			rec, err := decodeRecord(model, key, v)
			if err != nil {
				return err
			}

			if len(rec.Vector) != len(query) || !filters.Matches(rec.ShipmentID, rec.Attributes) {
				return nil
			}

			nb := models.Neighbor{Record: rec, Similarity: embeddings.Cosine(query, rec.Vector)}

			if h.Len() < k {
				heap.Push(h, nb)
			} else if worse(&(*h)[0], &nb) {
				(*h)[0] = nb
				heap.Fix(h, 0)
			}

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("knn %s: %w", model, err)
	}

	out := make([]models.Neighbor, h.Len())
	copy(out, *h)
	sort.Slice(out, func(i, j int) bool { return worse(&out[j], &out[i]) })

	return out, nil
}

// worse reports whether a ranks below b: lower similarity, then higher shipment id.
func worse(a, b *models.Neighbor) bool {
	if a.Similarity != b.Similarity {
		return a.Similarity < b.Similarity
	}

	return a.Record.ShipmentID > b.Record.ShipmentID
}

// neighborHeap is a min-heap on rank, so the root is the weakest kept neighbor.
type neighborHeap []models.Neighbor

func (h neighborHeap) Len() int           { return len(h) }
func (h neighborHeap) Less(i, j int) bool { return worse(&h[i], &h[j]) }
func (h neighborHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *neighborHeap) Push(x any)        { *h = append(*h, x.(models.Neighbor)) } //nolint:forcetypeassert // heap contract

func (h *neighborHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]

	return x
}

// Stats reports the record count, dimension and latest generation time of model.
func (s *Store) Stats(_ context.Context, model string) (models.StoreStats, error) {
	var stats models.StoreStats

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := modelBucket(tx, model)
		if b == nil {
			return nil
		}

		return b.ForEach(func(k, v []byte) error {
			rec, err := decodeRecord(model, k, v)
			if err != nil {
				return err
			}

			stats.Records++
			stats.Dimension = len(rec.Vector)

			if stats.LastGeneratedAt == nil || rec.UpdatedAt.After(*stats.LastGeneratedAt) {
				t := rec.UpdatedAt
				stats.LastGeneratedAt = &t
			}

			return nil
		})
	})

	return stats, err
}

// Sample takes every stride-th vector so the sample spreads over the id range.
func (s *Store) Sample(_ context.Context, model string, n int, excludeID int64) ([][]float32, error) {
	if n <= 0 {
		return nil, nil
	}

	var out [][]float32

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := modelBucket(tx, model)
		if b == nil {
			return nil
		}

		stride := b.Stats().KeyN / n
		if stride < 1 {
			stride = 1
		}

		i := 0

		c := b.Cursor()
		for k, v := c.First(); k != nil && len(out) < n; k, v = c.Next() {
			i++
			if keyID(k) == excludeID || (i-1)%stride != 0 {
				continue
			}

			rec, err := decodeRecord(model, k, v)
			if err != nil {
				return err
			}

			out = append(out, rec.Vector)
		}

		return nil
	})

	return out, err
}

// Select returns the records matching sel, most recently generated first, capped at sel.MaxPoints.
func (s *Store) Select(ctx context.Context, sel *models.SubsetSelector) ([]models.EmbeddingRecord, error) {
	var wanted map[int64]struct{}

	if len(sel.ShipmentIDs) > 0 {
		wanted = make(map[int64]struct{}, len(sel.ShipmentIDs))
		for _, id := range sel.ShipmentIDs {
			wanted[id] = struct{}{}
		}
	}

	var out []models.EmbeddingRecord

	err := s.IterAll(ctx, sel.Model, 0, 500, func(page []models.EmbeddingRecord) error {
		for _, rec := range page {
			if wanted != nil {
				if _, ok := wanted[rec.ShipmentID]; !ok {
					continue
				}
			}

			if sel.Since != nil && rec.UpdatedAt.Before(*sel.Since) {
				continue
			}

			if !sel.Filters.Matches(rec.ShipmentID, rec.Attributes) {
				continue
			}

			out = append(out, rec)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}

		return out[i].ShipmentID < out[j].ShipmentID
	})

	if sel.MaxPoints > 0 && len(out) > sel.MaxPoints {
		out = out[:sel.MaxPoints]
	}

	return out, nil
}
