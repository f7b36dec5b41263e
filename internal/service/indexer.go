package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cargohub/hub/internal/canonical"
	"github.com/cargohub/hub/internal/embeddings"
	"github.com/cargohub/hub/internal/huberrors"
	"github.com/cargohub/hub/internal/models"
	"github.com/cargohub/hub/internal/observability"
	pkgembeddings "github.com/cargohub/hub/pkg/embeddings"
)

// Indexer defaults.
const (
	DefaultIndexBatchSize = 100
	DefaultIndexMaxDelay  = 30 * time.Second
	// avgCosineSampleSize bounds the records compared when computing the average-cosine statistic.
	avgCosineSampleSize = 32
	// minRateLimitDelay is the first backoff step when a rate limit hits a run configured without delay.
	minRateLimitDelay = time.Second
)

// Embedder is the part of embeddings.Client the core depends on.
type Embedder interface {
	Spec(model string) (embeddings.ModelSpec, error)
	EmbedTexts(ctx context.Context, texts []string, model string) ([]embeddings.Result, embeddings.Usage, error)
	TokenCost(texts []string, model string) (embeddings.CostEstimate, error)
}

// BulkRequest configures IndexBulk. Zero values use the indexer defaults.
type BulkRequest struct {
	// IDs restricts the run to these shipments; nil walks the whole corpus.
	IDs   []int64
	Model string
	// BatchSize is the number of shipments read and embedded per step.
	BatchSize int
	// Delay is slept between embedding calls; it doubles (up to the cap) on rate limits.
	Delay time.Duration
	Force bool
	// RefreshStale regenerates records older than their shipment's updated_at even without Force.
	RefreshStale bool
	// ChangedSince keeps only shipments updated at or after it.
	ChangedSince *time.Time
	ProcessKind  models.ProcessKind
	// Progress, when set, is called once per item outcome.
	Progress func(models.IndexOutcome)
}

// Indexer keeps the embedding store consistent with the shipment corpus: canonicalize, embed, upsert.
type Indexer struct {
	source    ShipmentSource
	store     EmbeddingStore
	embedder  Embedder
	events    GenerationEventLog
	canon     *canonical.Canonicalizer
	locks     *keyedMutex
	batchSize int
	delay     time.Duration
	maxDelay  time.Duration
	metrics   observability.EmbeddingMetrics
	logger    *slog.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// IndexerParams configures Indexer. Events and Metrics may be nil.
type IndexerParams struct {
	Source        ShipmentSource
	Store         EmbeddingStore
	Embedder      Embedder
	Events        GenerationEventLog
	Canonicalizer *canonical.Canonicalizer
	BatchSize     int
	Delay         time.Duration
	MaxDelay      time.Duration
	Metrics       observability.EmbeddingMetrics
	Logger        *slog.Logger
}

// NewIndexer creates an Indexer.
func NewIndexer(p IndexerParams) *Indexer {
	ix := &Indexer{
		source:    p.Source,
		store:     p.Store,
		embedder:  p.Embedder,
		events:    p.Events,
		canon:     p.Canonicalizer,
		locks:     newKeyedMutex(),
		batchSize: p.BatchSize,
		delay:     p.Delay,
		maxDelay:  p.MaxDelay,
		metrics:   p.Metrics,
		logger:    p.Logger,
		now:       time.Now,
		sleep:     sleepContext,
	}

	if ix.canon == nil {
		ix.canon = canonical.New()
	}

	if ix.batchSize <= 0 {
		ix.batchSize = DefaultIndexBatchSize
	}

	if ix.maxDelay <= 0 {
		ix.maxDelay = DefaultIndexMaxDelay
	}

	if ix.logger == nil {
		ix.logger = slog.Default()
	}

	return ix
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IndexOne canonicalizes, embeds and upserts one shipment. Without force an existing record is left
// untouched and the outcome is skipped. The returned error is set exactly when the outcome is an error.
func (ix *Indexer) IndexOne(
	ctx context.Context, shipmentID int64, model string, force bool, kind models.ProcessKind,
) (models.IndexOutcome, error) {
	spec, err := ix.embedder.Spec(model)
	if err != nil {
		return models.IndexOutcome{ShipmentID: shipmentID, Status: models.GenerationStatusError, Err: err}, err
	}

	ctx, span := observability.StartSpan(ctx, "indexer.index_one",
		trace.WithAttributes(attribute.Int64("shipment_id", shipmentID), attribute.String("model", spec.ID)))
	defer span.End()

	start := ix.now()

	unlock := ix.locks.Lock(shipmentID)
	outcome, usage := ix.indexLocked(ctx, shipmentID, spec, force)
	unlock()

	outcome.Elapsed = ix.now().Sub(start)
	ix.finish(ctx, spec.ID, kind, []models.IndexOutcome{outcome})

	if outcome.Err != nil {
		span.RecordError(outcome.Err)
		ix.logger.Warn("index shipment failed", "shipment_id", shipmentID, "model", spec.ID, "error", outcome.Err)
	} else {
		ix.logger.Debug("index shipment", "shipment_id", shipmentID, "model", spec.ID,
			"status", outcome.Status, "tokens", usage.Tokens)
	}

	return outcome, outcome.Err
}

func (ix *Indexer) indexLocked(
	ctx context.Context, shipmentID int64, spec embeddings.ModelSpec, force bool,
) (models.IndexOutcome, embeddings.Usage) {
	outcome := models.IndexOutcome{ShipmentID: shipmentID, Status: models.GenerationStatusError}

	if !force {
		_, err := ix.store.Get(ctx, shipmentID, spec.ID)
		if err == nil {
			outcome.Status = models.GenerationStatusSkipped

			return outcome, embeddings.Usage{}
		}

		if !errors.Is(err, huberrors.ErrNotFound) {
			outcome.Err = fmt.Errorf("lookup embedding: %w", err)

			return outcome, embeddings.Usage{}
		}
	}

	shipment, err := ix.source.GetShipment(ctx, shipmentID)
	if err != nil {
		outcome.Err = fmt.Errorf("load shipment: %w", err)

		return outcome, embeddings.Usage{}
	}

	text := ix.canon.Shipment(shipment)

	results, usage, err := ix.embedder.EmbedTexts(ctx, []string{text}, spec.ID)
	if err != nil {
		outcome.Err = err

		return outcome, usage
	}

	outcome.Tokens = results[0].Tokens

	if results[0].Err != nil {
		outcome.Err = results[0].Err

		return outcome, usage
	}

	sample, err := ix.store.Sample(ctx, spec.ID, avgCosineSampleSize, shipmentID)
	if err != nil {
		ix.logger.Warn("avg cosine sample failed", "model", spec.ID, "error", err)
	}

	rec := &models.EmbeddingRecord{
		ShipmentID: shipmentID,
		Model:      spec.ID,
		Text:       text,
		Vector:     results[0].Vector,
		AvgCosine:  averageCosine(results[0].Vector, sample),
		Attributes: shipment.Attributes(),
	}

	if err := ix.store.Upsert(ctx, rec); err != nil {
		outcome.Err = fmt.Errorf("upsert embedding: %w", err)

		return outcome, usage
	}

	outcome.Status = models.GenerationStatusGenerated

	return outcome, usage
}

// averageCosine is the mean cosine similarity of vec to the sample; nil when the sample is empty.
func averageCosine(vec []float32, sample [][]float32) *float64 {
	if len(sample) == 0 {
		return nil
	}

	var sum float64

	n := 0

	for _, other := range sample {
		if len(other) != len(vec) {
			continue
		}

		sum += pkgembeddings.Cosine(vec, other)
		n++
	}

	if n == 0 {
		return nil
	}

	avg := sum / float64(n)

	return &avg
}

// IndexBulk streams through the shipment source page by page, batch-embeds what needs embedding and upserts
// it. Item failures are counted, not returned. The run stops early, with Cancelled set, when ctx ends; the
// batch already embedded at that point is still written. A fatal upstream failure (auth, removed model,
// dimension mismatch) ends the run and is returned together with the partial summary.
func (ix *Indexer) IndexBulk(ctx context.Context, req BulkRequest) (models.IndexSummary, error) {
	spec, err := ix.embedder.Spec(req.Model)
	if err != nil {
		return models.IndexSummary{}, err
	}

	if req.ProcessKind == "" {
		req.ProcessKind = models.ProcessKindBulk
	}

	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = ix.batchSize
	}

	run := &bulkRun{
		ix:      ix,
		spec:    spec,
		req:     req,
		delay:   req.Delay,
		summary: models.IndexSummary{Model: spec.ID},
	}

	if run.delay == 0 {
		run.delay = ix.delay
	}

	ctx, span := observability.StartSpan(ctx, "indexer.index_bulk",
		trace.WithAttributes(attribute.String("model", spec.ID), attribute.Bool("force", req.Force)))
	defer span.End()

	start := ix.now()
	cursor := models.ShipmentCursor{Limit: batchSize, IDs: dedupeIDs(req.IDs), ChangedSince: req.ChangedSince}

	for {
		if ctx.Err() != nil {
			run.summary.Cancelled = true

			break
		}

		page, err := ix.source.ListShipments(ctx, cursor)
		if err != nil {
			if ctx.Err() != nil {
				run.summary.Cancelled = true

				break
			}

			run.summary.ElapsedMS = ix.now().Sub(start).Milliseconds()

			return run.summary, fmt.Errorf("list shipments: %w", err)
		}

		if len(page) == 0 {
			break
		}

		if err := run.page(ctx, page); err != nil {
			span.RecordError(err)
			run.summary.ElapsedMS = ix.now().Sub(start).Milliseconds()

			return run.summary, err
		}

		if run.summary.Cancelled || len(page) < batchSize {
			break
		}

		cursor.AfterID = page[len(page)-1].ID
	}

	run.summary.ElapsedMS = ix.now().Sub(start).Milliseconds()

	ix.logger.Info("bulk index finished",
		"model", spec.ID,
		"generated", run.summary.Generated,
		"skipped", run.summary.Skipped,
		"errors", run.summary.Errors,
		"tokens", run.summary.Tokens,
		"cancelled", run.summary.Cancelled,
		"elapsed_ms", run.summary.ElapsedMS,
	)

	return run.summary, nil
}

func dedupeIDs(ids []int64) []int64 {
	if ids == nil {
		return nil
	}

	out := slices.Clone(ids)
	slices.Sort(out)

	return slices.Compact(out)
}

// bulkRun is the mutable state of one IndexBulk call.
type bulkRun struct {
	ix      *Indexer
	spec    embeddings.ModelSpec
	req     BulkRequest
	delay   time.Duration
	calls   int
	summary models.IndexSummary
}

// page handles one page of shipments: skip what is current, embed the rest, upsert, log events.
func (r *bulkRun) page(ctx context.Context, page []models.Shipment) error {
	ids := make([]int64, len(page))
	for i := range page {
		ids[i] = page[i].ID
	}

	var existing map[int64]models.EmbeddingRecord

	if !r.req.Force {
		var err error

		existing, err = r.ix.store.Existing(ctx, r.spec.ID, ids)
		if err != nil {
			return fmt.Errorf("check existing embeddings: %w", err)
		}
	}

	var (
		outcomes []models.IndexOutcome
		todo     []*models.Shipment
	)

	for i := range page {
		rec, ok := existing[page[i].ID]
		if ok && !(r.req.RefreshStale && rec.UpdatedAt.Before(page[i].UpdatedAt)) {
			outcomes = append(outcomes, models.IndexOutcome{ShipmentID: page[i].ID, Status: models.GenerationStatusSkipped})

			continue
		}

		todo = append(todo, &page[i])
	}

	var fatal error

	if len(todo) > 0 {
		embedded, err := r.embed(ctx, todo)
		outcomes = append(outcomes, embedded...)
		fatal = err
	}

	for _, o := range outcomes {
		r.summary.Add(o)

		if r.req.Progress != nil {
			r.req.Progress(o)
		}
	}

	r.ix.finish(context.WithoutCancel(ctx), r.spec.ID, r.req.ProcessKind, outcomes)

	return fatal
}

// embed calls the embedder for the shipments, retrying the call with a doubled delay on rate limits,
// then upserts every vector it got back.
func (r *bulkRun) embed(ctx context.Context, todo []*models.Shipment) ([]models.IndexOutcome, error) {
	texts := make([]string, len(todo))
	for i, s := range todo {
		texts[i] = r.ix.canon.Shipment(s)
	}

	failAll := func(err error, elapsed time.Duration) []models.IndexOutcome {
		out := make([]models.IndexOutcome, len(todo))
		for i, s := range todo {
			out[i] = models.IndexOutcome{ShipmentID: s.ID, Status: models.GenerationStatusError, Err: err, Elapsed: elapsed}
		}

		return out
	}

	for {
		if r.calls > 0 {
			if err := r.ix.sleep(ctx, r.delay); err != nil {
				r.summary.Cancelled = true

				return nil, nil
			}
		}

		r.calls++
		start := r.ix.now()

		results, usage, err := r.ix.embedder.EmbedTexts(ctx, texts, r.spec.ID)
		elapsed := r.ix.now().Sub(start)
		r.summary.Cost += usage.Cost

		if err == nil {
			return r.store(ctx, todo, texts, results, elapsed), nil
		}

		var mu *huberrors.ModelUnavailableError

		switch {
		case ctx.Err() != nil:
			r.summary.Cancelled = true

			return nil, nil
		case errors.As(err, &mu) && mu.RateLimited && r.delay < r.ix.maxDelay:
			r.delay = min(max(r.delay*2, minRateLimitDelay), r.ix.maxDelay)
			r.ix.logger.Warn("embedding rate limited, slowing down", "model", r.spec.ID, "delay", r.delay)

			continue
		case isFatalEmbedError(err):
			return failAll(err, elapsed), err
		default:
			r.ix.logger.Warn("embedding batch failed", "model", r.spec.ID, "items", len(todo), "error", err)

			return failAll(err, elapsed), nil
		}
	}
}

// isFatalEmbedError reports failures that would repeat for every remaining item.
func isFatalEmbedError(err error) bool {
	if errors.Is(err, huberrors.ErrDimensionMismatch) || errors.Is(err, embeddings.ErrNoProvider) {
		return true
	}

	var mu *huberrors.ModelUnavailableError
	if errors.As(err, &mu) {
		return embeddings.IsFatalStatus(mu.Status)
	}

	return false
}

// store upserts the embedded vectors. It runs detached from cancellation so a batch whose vectors were
// already paid for is written completely.
func (r *bulkRun) store(
	ctx context.Context, todo []*models.Shipment, texts []string, results []embeddings.Result, elapsed time.Duration,
) []models.IndexOutcome {
	writeCtx := context.WithoutCancel(ctx)
	perItem := elapsed / time.Duration(len(todo))

	sample, err := r.ix.store.Sample(writeCtx, r.spec.ID, avgCosineSampleSize, 0)
	if err != nil {
		r.ix.logger.Warn("avg cosine sample failed", "model", r.spec.ID, "error", err)
	}

	out := make([]models.IndexOutcome, len(todo))

	for i, s := range todo {
		o := models.IndexOutcome{ShipmentID: s.ID, Status: models.GenerationStatusError, Tokens: results[i].Tokens, Elapsed: perItem}

		if results[i].Err != nil {
			o.Err = results[i].Err
			out[i] = o

			continue
		}

		rec := &models.EmbeddingRecord{
			ShipmentID: s.ID,
			Model:      r.spec.ID,
			Text:       texts[i],
			Vector:     results[i].Vector,
			AvgCosine:  averageCosine(results[i].Vector, sample),
			Attributes: s.Attributes(),
		}

		unlock := r.ix.locks.Lock(s.ID)
		err := r.ix.store.Upsert(writeCtx, rec)
		unlock()

		if err != nil {
			o.Err = fmt.Errorf("upsert embedding: %w", err)
		} else {
			o.Status = models.GenerationStatusGenerated
		}

		out[i] = o
	}

	return out
}

// RegenerateAll drops every record of model and re-embeds the whole corpus.
func (ix *Indexer) RegenerateAll(ctx context.Context, model string, progress func(models.IndexOutcome)) (models.IndexSummary, error) {
	spec, err := ix.embedder.Spec(model)
	if err != nil {
		return models.IndexSummary{}, err
	}

	deleted, err := ix.store.DeleteByModel(ctx, spec.ID)
	if err != nil {
		return models.IndexSummary{Model: spec.ID}, fmt.Errorf("drop embeddings: %w", err)
	}

	ix.logger.Info("dropped embeddings for regeneration", "model", spec.ID, "deleted", deleted)

	return ix.IndexBulk(ctx, BulkRequest{
		Model:       spec.ID,
		Force:       true,
		ProcessKind: models.ProcessKindBulk,
		Progress:    progress,
	})
}

// DeleteShipment removes the shipment's records for every model.
func (ix *Indexer) DeleteShipment(ctx context.Context, shipmentID int64) (int64, error) {
	unlock := ix.locks.Lock(shipmentID)
	defer unlock()

	n, err := ix.store.DeleteByShipment(ctx, shipmentID)
	if err != nil {
		return 0, fmt.Errorf("delete embeddings: %w", err)
	}

	return n, nil
}

// Stats reports the store state and generation history of model.
func (ix *Indexer) Stats(ctx context.Context, model string) (models.IndexingStats, error) {
	spec, err := ix.embedder.Spec(model)
	if err != nil {
		return models.IndexingStats{}, err
	}

	st, err := ix.store.Stats(ctx, spec.ID)
	if err != nil {
		return models.IndexingStats{}, fmt.Errorf("store stats: %w", err)
	}

	stats := models.IndexingStats{
		Model:           spec.ID,
		Records:         st.Records,
		LastGeneratedAt: st.LastGeneratedAt,
		Events:          map[models.GenerationStatus]int64{},
	}

	if ix.events != nil {
		counts, avg, err := ix.events.EventStats(ctx, spec.ID)
		if err != nil {
			return stats, fmt.Errorf("event stats: %w", err)
		}

		stats.Events = counts
		stats.AvgElapsedMS = avg
	}

	return stats, nil
}

// Events lists the generation history.
func (ix *Indexer) Events(ctx context.Context, filters *models.ListEventsFilters) ([]models.GenerationEvent, error) {
	if ix.events == nil {
		return []models.GenerationEvent{}, nil
	}

	return ix.events.ListEvents(ctx, filters)
}

// CostEstimate projects the tokens and cost of embedding the shipments selected by req (IDs or whole corpus)
// without calling the provider.
func (ix *Indexer) CostEstimate(ctx context.Context, req BulkRequest) (embeddings.CostEstimate, error) {
	spec, err := ix.embedder.Spec(req.Model)
	if err != nil {
		return embeddings.CostEstimate{}, err
	}

	total := embeddings.CostEstimate{Model: spec.ID}
	cursor := models.ShipmentCursor{Limit: ix.batchSize, IDs: dedupeIDs(req.IDs), ChangedSince: req.ChangedSince}

	for {
		page, err := ix.source.ListShipments(ctx, cursor)
		if err != nil {
			return total, fmt.Errorf("list shipments: %w", err)
		}

		if len(page) == 0 {
			break
		}

		texts := make([]string, len(page))
		for i := range page {
			texts[i] = ix.canon.Shipment(&page[i])
		}

		est, err := ix.embedder.TokenCost(texts, spec.ID)
		if err != nil {
			return total, err
		}

		total.Texts += est.Texts
		total.Tokens += est.Tokens
		total.OverLimit += est.OverLimit

		if len(page) < cursor.Limit {
			break
		}

		cursor.AfterID = page[len(page)-1].ID
	}

	total.Cost = spec.Cost(total.Tokens)

	return total, nil
}

// finish records events and outcome metrics for a set of outcomes.
func (ix *Indexer) finish(ctx context.Context, model string, kind models.ProcessKind, outcomes []models.IndexOutcome) {
	if len(outcomes) == 0 {
		return
	}

	if ix.metrics != nil {
		for _, o := range outcomes {
			ix.metrics.RecordEmbeddingOutcome(ctx, string(o.Status), o.Elapsed)
		}
	}

	if ix.events == nil {
		return
	}

	now := ix.now().UTC()
	events := make([]models.GenerationEvent, len(outcomes))

	for i, o := range outcomes {
		ev := models.GenerationEvent{
			ID:          uuid.Must(uuid.NewV7()),
			ShipmentID:  o.ShipmentID,
			Model:       model,
			Status:      o.Status,
			ProcessKind: kind,
			ElapsedMS:   o.Elapsed.Milliseconds(),
			Tokens:      o.Tokens,
			CreatedAt:   now,
		}

		if o.Err != nil {
			ev.ErrorKind = huberrors.Kind(o.Err)
			ev.Error = o.Err.Error()
		}

		events[i] = ev
	}

	if err := ix.events.AppendEvents(ctx, events); err != nil {
		ix.logger.Error("append generation events failed", "model", model, "count", len(events), "error", err)
	}
}
