package service

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"gopkg.in/yaml.v3"

	"github.com/cargohub/hub/internal/huberrors"
	"github.com/cargohub/hub/internal/models"
	"github.com/cargohub/hub/internal/observability"
)

// Evaluation defaults.
const (
	DefaultEvaluationLimit       = 20
	DefaultEvaluationConcurrency = 4
)

// ErrEmptyRelevantSet is returned when a controlled test has no relevant ids; no result is produced.
var ErrEmptyRelevantSet = errors.New("controlled test has no relevant shipments")

// EvaluationStore persists controlled tests and their results.
type EvaluationStore interface {
	CreateTest(ctx context.Context, req *models.CreateControlledTestRequest) (*models.ControlledTest, error)
	GetTest(ctx context.Context, id int64) (*models.ControlledTest, error)
	ListTests(ctx context.Context, activeOnly bool) ([]models.ControlledTest, error)
	UpdateTest(ctx context.Context, id int64, req *models.UpdateControlledTestRequest) (*models.ControlledTest, error)
	SaveResult(ctx context.Context, res *models.EvaluationResult) error
	ListResults(ctx context.Context, from, to time.Time) ([]models.EvaluationResult, error)
}

// Searcher is the retrieval operation evaluated by controlled tests.
type Searcher interface {
	Search(ctx context.Context, principal models.Principal, req *models.SearchRequest) (*models.SearchResponse, error)
}

// EvaluationService scores retrieval quality against controlled tests.
type EvaluationService struct {
	store       EvaluationStore
	searcher    Searcher
	concurrency int
	metrics     observability.SearchMetrics
	logger      *slog.Logger
	now         func() time.Time
}

// EvaluationServiceParams configures EvaluationService. Metrics may be nil.
type EvaluationServiceParams struct {
	Store       EvaluationStore
	Searcher    Searcher
	Concurrency int
	Metrics     observability.SearchMetrics
	Logger      *slog.Logger
}

// NewEvaluationService creates an EvaluationService.
func NewEvaluationService(p EvaluationServiceParams) *EvaluationService {
	s := &EvaluationService{
		store:       p.Store,
		searcher:    p.Searcher,
		concurrency: p.Concurrency,
		metrics:     p.Metrics,
		logger:      p.Logger,
		now:         time.Now,
	}

	if s.concurrency <= 0 {
		s.concurrency = DefaultEvaluationConcurrency
	}

	if s.logger == nil {
		s.logger = slog.Default()
	}

	return s
}

// CreateTest validates and stores a controlled test.
func (s *EvaluationService) CreateTest(ctx context.Context, req *models.CreateControlledTestRequest) (*models.ControlledTest, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Query = strings.TrimSpace(req.Query)

	switch {
	case req.Name == "":
		return nil, huberrors.NewValidationError("name", "name is required")
	case req.Query == "":
		return nil, huberrors.NewValidationError("query", "query is required")
	case len(req.RelevantIDs) == 0:
		return nil, huberrors.NewValidationError("relevant_ids", "at least one relevant shipment is required")
	}

	return s.store.CreateTest(ctx, req)
}

// GetTest returns one controlled test.
func (s *EvaluationService) GetTest(ctx context.Context, id int64) (*models.ControlledTest, error) {
	return s.store.GetTest(ctx, id)
}

// ListTests lists controlled tests.
func (s *EvaluationService) ListTests(ctx context.Context, activeOnly bool) ([]models.ControlledTest, error) {
	return s.store.ListTests(ctx, activeOnly)
}

// UpdateTest edits or toggles a controlled test.
func (s *EvaluationService) UpdateTest(
	ctx context.Context, id int64, req *models.UpdateControlledTestRequest,
) (*models.ControlledTest, error) {
	if req.RelevantIDs != nil && len(req.RelevantIDs) == 0 {
		return nil, huberrors.NewValidationError("relevant_ids", "at least one relevant shipment is required")
	}

	return s.store.UpdateTest(ctx, id, req)
}

// RunTestByID loads a controlled test and runs it.
func (s *EvaluationService) RunTestByID(
	ctx context.Context, principal models.Principal, id int64, model string, limit int,
) (*models.EvaluationResult, error) {
	test, err := s.store.GetTest(ctx, id)
	if err != nil {
		return nil, err
	}

	return s.RunTest(ctx, principal, test, model, limit)
}

// RunTest searches the test query, scores the ranking against the relevant set and stores the result.
func (s *EvaluationService) RunTest(
	ctx context.Context, principal models.Principal, test *models.ControlledTest, model string, limit int,
) (*models.EvaluationResult, error) {
	if len(test.RelevantIDs) == 0 {
		return nil, fmt.Errorf("test %d: %w", test.ID, ErrEmptyRelevantSet)
	}

	if limit <= 0 {
		limit = DefaultEvaluationLimit
	}

	resp, err := s.searcher.Search(ctx, principal, &models.SearchRequest{
		Query:          test.Query,
		Limit:          limit,
		Model:          model,
		OrderingMetric: models.OrderingCombinedScore,
	})
	if err != nil {
		return nil, fmt.Errorf("test %d search: %w", test.ID, err)
	}

	ranking := make([]int64, len(resp.Results))
	for i, r := range resp.Results {
		ranking[i] = r.Shipment.ID
	}

	relevant := relevantSet(test.RelevantIDs)
	res := &models.EvaluationResult{
		ID:         uuid.Must(uuid.NewV7()),
		TestID:     test.ID,
		TestName:   test.Name,
		Query:      test.Query,
		Model:      resp.Model,
		Limit:      limit,
		MRR:        ReciprocalRank(ranking, relevant),
		NDCG10:     NDCG(ranking, relevant, NDCGCutoff),
		Precision5: PrecisionAt(ranking, relevant, PrecisionCutoff),
		Ranking:    ranking,
		CreatedAt:  s.now().UTC(),
	}

	if err := s.store.SaveResult(ctx, res); err != nil {
		return nil, fmt.Errorf("test %d: %w", test.ID, err)
	}

	if s.metrics != nil {
		s.metrics.RecordEvaluation(ctx, res.Model, res.MRR)
	}

	s.logger.Info("evaluation run",
		"test_id", test.ID,
		"model", res.Model,
		"mrr", res.MRR,
		"ndcg_10", res.NDCG10,
		"precision_5", res.Precision5,
	)

	return res, nil
}

// RunActiveTests runs every active test on a bounded worker pool. Results are ordered by test id;
// failed tests are logged and joined into the returned error alongside the successful results.
func (s *EvaluationService) RunActiveTests(
	ctx context.Context, principal models.Principal, model string, limit int,
) ([]models.EvaluationResult, error) {
	tests, err := s.store.ListTests(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list active tests: %w", err)
	}

	if len(tests) == 0 {
		return []models.EvaluationResult{}, nil
	}

	pool, err := ants.NewPool(min(s.concurrency, len(tests)))
	if err != nil {
		return nil, fmt.Errorf("evaluation pool: %w", err)
	}
	defer pool.Release()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make([]models.EvaluationResult, 0, len(tests))
		errs    []error
	)

	for i := range tests {
		test := &tests[i]

		wg.Add(1)

		submitErr := pool.Submit(func() {
			defer wg.Done()

			res, err := s.RunTest(ctx, principal, test, model, limit)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				s.logger.Warn("evaluation test failed", "test_id", test.ID, "error", err)
				errs = append(errs, err)

				return
			}

			results = append(results, *res)
		})
		if submitErr != nil {
			wg.Done()

			mu.Lock()
			errs = append(errs, fmt.Errorf("test %d: submit: %w", test.ID, submitErr))
			mu.Unlock()
		}
	}

	wg.Wait()

	slices.SortFunc(results, func(a, b models.EvaluationResult) int { return cmp.Compare(a.TestID, b.TestID) })

	return results, errors.Join(errs...)
}

// ComparativeReport averages the results created in [from, to) per test and globally.
func (s *EvaluationService) ComparativeReport(ctx context.Context, from, to time.Time) (*models.ComparativeReport, error) {
	if !from.Before(to) {
		return nil, huberrors.NewValidationError("from", "from must be before to")
	}

	results, err := s.store.ListResults(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("list evaluation results: %w", err)
	}

	return BuildReport(from, to, results), nil
}

// BuildReport aggregates results into per-test rows sorted by test id and a global summary.
func BuildReport(from, to time.Time, results []models.EvaluationResult) *models.ComparativeReport {
	report := &models.ComparativeReport{From: from, To: to, Rows: []models.ReportRow{}}

	rows := map[int64]*models.ReportRow{}

	for _, r := range results {
		row, ok := rows[r.TestID]
		if !ok {
			row = &models.ReportRow{TestID: r.TestID, TestName: r.TestName}
			rows[r.TestID] = row
		}

		row.Runs++
		row.MRR += r.MRR
		row.NDCG10 += r.NDCG10
		row.Precision5 += r.Precision5

		if r.CreatedAt.After(row.LastRunAt) {
			row.LastRunAt = r.CreatedAt
			row.TestName = r.TestName
		}
	}

	for _, row := range rows {
		n := float64(row.Runs)
		row.MRR /= n
		row.NDCG10 /= n
		row.Precision5 /= n
		row.MRRBand = MRRBand(row.MRR)
		report.Rows = append(report.Rows, *row)
	}

	slices.SortFunc(report.Rows, func(a, b models.ReportRow) int { return cmp.Compare(a.TestID, b.TestID) })

	report.Summary = models.ReportSummary{
		Runs:       len(results),
		Tests:      len(report.Rows),
		MRR:        summarize(results, func(r models.EvaluationResult) float64 { return r.MRR }),
		NDCG10:     summarize(results, func(r models.EvaluationResult) float64 { return r.NDCG10 }),
		Precision5: summarize(results, func(r models.EvaluationResult) float64 { return r.Precision5 }),
	}
	if report.Summary.Runs > 0 {
		report.Summary.MRR.Band = MRRBand(report.Summary.MRR.Mean)
	}

	return report
}

func summarize(results []models.EvaluationResult, value func(models.EvaluationResult) float64) models.MetricSummary {
	if len(results) == 0 {
		return models.MetricSummary{}
	}

	out := models.MetricSummary{Max: value(results[0]), Min: value(results[0])}

	var sum float64

	for _, r := range results {
		v := value(r)
		sum += v
		out.Max = max(out.Max, v)
		out.Min = min(out.Min, v)
	}

	out.Mean = sum / float64(len(results))

	return out
}

// testFixtures is the YAML layout accepted by ImportTests.
type testFixtures struct {
	Tests []models.CreateControlledTestRequest `yaml:"tests"`
}

// ImportSummary counts the outcome of ImportTests.
type ImportSummary struct {
	Created int `json:"created"`
	Skipped int `json:"skipped"`
}

// ImportTests creates the controlled tests listed in a YAML document. Tests whose name already exists
// are skipped.
func (s *EvaluationService) ImportTests(ctx context.Context, r io.Reader) (ImportSummary, error) {
	var fixtures testFixtures

	if err := yaml.NewDecoder(r).Decode(&fixtures); err != nil {
		return ImportSummary{}, huberrors.NewValidationError("fixtures", "invalid YAML: "+err.Error())
	}

	var summary ImportSummary

	for i := range fixtures.Tests {
		_, err := s.CreateTest(ctx, &fixtures.Tests[i])

		switch {
		case err == nil:
			summary.Created++
		case errors.Is(err, huberrors.ErrConflict):
			summary.Skipped++
		default:
			return summary, fmt.Errorf("test %q: %w", fixtures.Tests[i].Name, err)
		}
	}

	return summary, nil
}
