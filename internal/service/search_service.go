package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cargohub/hub/internal/canonical"
	"github.com/cargohub/hub/internal/huberrors"
	"github.com/cargohub/hub/internal/models"
	"github.com/cargohub/hub/internal/observability"
)

// Search defaults and limits.
const (
	MaxSearchLimit       = 100
	DefaultSearchLimit   = 10
	DefaultOverfetch     = 4
	DefaultMinCandidates = 50
)

// Sentinel errors for search (used by handlers for status mapping).
var (
	ErrEmptyQuery   = huberrors.ErrEmptyQuery
	ErrNoEmbeddings = huberrors.ErrNoEmbeddings
)

// SearchService is the retriever: expand, embed, kNN with pushed-down filters, rescore, order.
type SearchService struct {
	store         EmbeddingStore
	shipments     ShipmentSource
	embedder      Embedder
	queryLog      QueryLog
	expander      *QueryExpander
	policy        AccessPolicy
	overfetch     int
	minCandidates int
	timeout       time.Duration
	metrics       observability.SearchMetrics
	logger        *slog.Logger
}

// SearchServiceParams configures SearchService. QueryLog and Metrics may be nil; Expander and Policy
// default to a clocked QueryExpander and OwnerAccessPolicy.
type SearchServiceParams struct {
	Store         EmbeddingStore
	Shipments     ShipmentSource
	Embedder      Embedder
	QueryLog      QueryLog
	Expander      *QueryExpander
	Policy        AccessPolicy
	Overfetch     int
	MinCandidates int
	Timeout       time.Duration
	Metrics       observability.SearchMetrics
	Logger        *slog.Logger
}

// NewSearchService creates a SearchService.
func NewSearchService(p SearchServiceParams) *SearchService {
	s := &SearchService{
		store:         p.Store,
		shipments:     p.Shipments,
		embedder:      p.Embedder,
		queryLog:      p.QueryLog,
		expander:      p.Expander,
		policy:        p.Policy,
		overfetch:     p.Overfetch,
		minCandidates: p.MinCandidates,
		timeout:       p.Timeout,
		metrics:       p.Metrics,
		logger:        p.Logger,
	}

	if s.expander == nil {
		s.expander = NewQueryExpander()
	}

	if s.policy == nil {
		s.policy = OwnerAccessPolicy{}
	}

	if s.overfetch < 2 {
		s.overfetch = DefaultOverfetch
	}

	if s.minCandidates <= 0 {
		s.minCandidates = DefaultMinCandidates
	}

	if s.logger == nil {
		s.logger = slog.Default()
	}

	return s
}

// Expand exposes query expansion without searching.
func (s *SearchService) Expand(query string) models.ExpandedQuery {
	return s.expander.Expand(query)
}

// candidateCount is K: enough candidates to leave room for rescoring.
func (s *SearchService) candidateCount(limit int) int {
	return max(limit*s.overfetch, s.minCandidates)
}

// Search returns the shipments the principal may see, ranked by req.OrderingMetric.
func (s *SearchService) Search(ctx context.Context, principal models.Principal, req *models.SearchRequest) (*models.SearchResponse, error) {
	start := time.Now()

	resp, err := s.search(ctx, principal, req)
	if err != nil {
		err = mapDeadline(ctx, err, "search")
	}

	if s.metrics != nil {
		kind, n := "ok", 0
		if err != nil {
			kind = huberrors.Kind(err)
		} else {
			n = len(resp.Results)
		}

		metric := req.OrderingMetric
		if !metric.IsValid() {
			metric = models.OrderingCombinedScore
		}

		s.metrics.RecordSearch(ctx, string(metric), kind, time.Since(start), n)
	}

	return resp, err
}

func (s *SearchService) search(ctx context.Context, principal models.Principal, req *models.SearchRequest) (*models.SearchResponse, error) {
	start := time.Now()

	limit, metric, err := validateSearch(req.Limit, string(req.OrderingMetric))
	if err != nil {
		return nil, err
	}

	spec, err := s.embedder.Spec(req.Model)
	if err != nil {
		return nil, err
	}

	if canonical.Normalize(req.Query) == "" {
		return nil, ErrEmptyQuery
	}

	expansion := s.expander.Expand(req.Query)

	filters := req.Filters
	applyHardHints(&filters, &expansion.SuggestedFilters)

	if err := s.policy.Restrict(principal, &filters); err != nil {
		return nil, err
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	ctx, span := observability.StartSpan(ctx, "search.query", trace.WithAttributes(
		attribute.String("model", spec.ID),
		attribute.String("ordering_metric", string(metric)),
		attribute.Int("limit", limit),
	))
	defer span.End()

	if err := s.ensureEmbeddings(ctx, spec.ID); err != nil {
		return nil, err
	}

	results, usage, err := s.embedder.EmbedTexts(ctx, []string{expansion.ExpandedText}, spec.ID)
	if err != nil {
		span.RecordError(err)
		s.logger.Error("search: embed query failed", "model", spec.ID, "error", err)

		return nil, fmt.Errorf("embed query: %w", err)
	}

	if results[0].Err != nil {
		return nil, fmt.Errorf("embed query: %w", results[0].Err)
	}

	queryVec := results[0].Vector

	ranked, total, err := s.rank(ctx, principal, spec.ID, queryVec, expansion.OriginalTerms, limit, metric, &filters)
	if err != nil {
		span.RecordError(err)

		return nil, err
	}

	resp := &models.SearchResponse{
		QueryID:    uuid.Must(uuid.NewV7()),
		Results:    ranked,
		TotalFound: total,
		Cost:       usage.Cost,
		Tokens:     usage.Tokens,
		Model:      spec.ID,
		Expansion:  expansion,
	}

	if s.queryLog != nil {
		if err := s.logQuery(ctx, principal, req.Query, queryVec, resp); err != nil {
			span.RecordError(err)

			return nil, err
		}
	}

	resp.ElapsedMS = time.Since(start).Milliseconds()

	s.logger.Debug("search",
		"model", spec.ID,
		"ordering_metric", metric,
		"results", len(resp.Results),
		"total_found", total,
		"tokens", usage.Tokens,
		"elapsed_ms", resp.ElapsedMS,
	)

	return resp, nil
}

// SimilarShipments ranks the shipments closest to shipmentID's stored vector, excluding itself.
func (s *SearchService) SimilarShipments(
	ctx context.Context, principal models.Principal, shipmentID int64, model string, limit int, orderingMetric string,
) (*models.SearchResponse, error) {
	start := time.Now()

	limit, metric, err := validateSearch(limit, orderingMetric)
	if err != nil {
		return nil, err
	}

	spec, err := s.embedder.Spec(model)
	if err != nil {
		return nil, err
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	source, err := s.store.Get(ctx, shipmentID, spec.ID)
	if err != nil {
		return nil, mapDeadline(ctx, err, "similar shipments")
	}

	if !s.policy.Allows(principal, source.Attributes) {
		return nil, huberrors.NewForbiddenError("shipment is outside the caller's scope")
	}

	filters := models.SearchFilters{ExcludeShipmentID: &shipmentID}
	if err := s.policy.Restrict(principal, &filters); err != nil {
		return nil, err
	}

	ranked, total, err := s.rank(ctx, principal, spec.ID, source.Vector, nil, limit, metric, &filters)
	if err != nil {
		return nil, mapDeadline(ctx, err, "similar shipments")
	}

	return &models.SearchResponse{
		QueryID:    uuid.Must(uuid.NewV7()),
		Results:    ranked,
		TotalFound: total,
		ElapsedMS:  time.Since(start).Milliseconds(),
		Model:      spec.ID,
	}, nil
}

// rank fetches K candidates, rescores them, orders by metric and attaches snapshots to the top limit.
func (s *SearchService) rank(
	ctx context.Context, principal models.Principal, model string, queryVec []float32, terms []string,
	limit int, metric models.OrderingMetric, filters *models.SearchFilters,
) ([]models.SearchResultItem, int, error) {
	neighbors, err := s.store.KNN(ctx, model, queryVec, s.candidateCount(limit), filters)
	if err != nil {
		return nil, 0, fmt.Errorf("knn: %w", err)
	}

	candidates := make([]scoredCandidate, 0, len(neighbors))

	for i := range neighbors {
		rec := &neighbors[i].Record
		if !s.policy.Allows(principal, rec.Attributes) {
			continue
		}

		candidates = append(candidates, scoreCandidate(queryVec, terms, rec))
	}

	sortCandidates(candidates, metric)

	out := make([]models.SearchResultItem, 0, min(limit, len(candidates)))
	found := len(candidates)

	for _, c := range candidates {
		if len(out) == limit {
			break
		}

		shipment, err := s.shipments.GetShipment(ctx, c.record.ShipmentID)
		if err != nil {
			if errors.Is(err, huberrors.ErrNotFound) {
				s.logger.Debug("search: candidate shipment gone", "shipment_id", c.record.ShipmentID)

				found--

				continue
			}

			return nil, 0, fmt.Errorf("load shipment: %w", err)
		}

		c.item.Shipment = shipment.Snapshot()
		out = append(out, c.item)
	}

	return out, found, nil
}

func (s *SearchService) ensureEmbeddings(ctx context.Context, model string) error {
	stats, err := s.store.Stats(ctx, model)
	if err != nil {
		return fmt.Errorf("store stats: %w", err)
	}

	if stats.Records == 0 {
		return fmt.Errorf("%w: %s", ErrNoEmbeddings, model)
	}

	return nil
}

// logQuery persists the query vector with a snapshot of the ranking.
func (s *SearchService) logQuery(
	ctx context.Context, principal models.Principal, query string, vec []float32, resp *models.SearchResponse,
) error {
	snapshot := make([]models.RankedShipment, len(resp.Results))
	for i, r := range resp.Results {
		snapshot[i] = models.RankedShipment{ShipmentID: r.Shipment.ID, Score: r.CombinedScore}
	}

	q := &models.QueryEmbedding{
		ID:           resp.QueryID,
		Query:        query,
		ExpandedText: resp.Expansion.ExpandedText,
		Vector:       vec,
		Model:        resp.Model,
		Tokens:       resp.Tokens,
		Cost:         resp.Cost,
		Snapshot:     snapshot,
	}

	if principal.UserID != 0 {
		uid := principal.UserID
		q.UserID = &uid
	}

	if err := s.queryLog.SaveQueryEmbedding(ctx, q); err != nil {
		return fmt.Errorf("save query embedding: %w", err)
	}

	return nil
}

// validateSearch checks limit and metric; a zero limit uses the default.
func validateSearch(limit int, metric string) (int, models.OrderingMetric, error) {
	if limit == 0 {
		limit = DefaultSearchLimit
	}

	if limit < 1 || limit > MaxSearchLimit {
		return 0, "", huberrors.NewValidationError("limit", fmt.Sprintf("must be between 1 and %d", MaxSearchLimit))
	}

	m, err := models.ParseOrderingMetric(metric)
	if err != nil {
		return 0, "", huberrors.NewValidationError("ordering_metric", err.Error())
	}

	return limit, m, nil
}

// applyHardHints copies the expander's numeric, date and identifier hints into filters the caller left
// unset. State and city hints stay soft: they only shape the expanded text.
func applyHardHints(f *models.SearchFilters, h *models.SuggestedFilters) {
	if f.WeightMin == nil {
		f.WeightMin = h.WeightMin
	}

	if f.WeightMax == nil {
		f.WeightMax = h.WeightMax
	}

	if f.ValueMin == nil {
		f.ValueMin = h.ValueMin
	}

	if f.ValueMax == nil {
		f.ValueMax = h.ValueMax
	}

	if f.DateFrom == nil && f.DateTo == nil {
		f.DateFrom, f.DateTo = h.DateFrom, h.DateTo
	}

	if f.BuyerNationalID == nil {
		f.BuyerNationalID = h.BuyerNationalID
	}
}

// mapDeadline turns an elapsed deadline into a TimeoutError for op.
func mapDeadline(ctx context.Context, err error, op string) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		if !errors.Is(err, huberrors.ErrTimeout) {
			return fmt.Errorf("%w: %w", huberrors.NewTimeoutError(op), err)
		}
	}

	return err
}
