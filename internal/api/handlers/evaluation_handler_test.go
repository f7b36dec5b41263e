package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cargohub/hub/internal/huberrors"
	"github.com/cargohub/hub/internal/models"
	"github.com/cargohub/hub/internal/service"
)

type mockEvaluationService struct {
	createFunc    func(ctx context.Context, req *models.CreateControlledTestRequest) (*models.ControlledTest, error)
	listFunc      func(ctx context.Context, activeOnly bool) ([]models.ControlledTest, error)
	updateFunc    func(ctx context.Context, id int64, req *models.UpdateControlledTestRequest) (*models.ControlledTest, error)
	runFunc       func(ctx context.Context, p models.Principal, id int64, model string, limit int) (*models.EvaluationResult, error)
	runActiveFunc func(ctx context.Context, p models.Principal, model string, limit int) ([]models.EvaluationResult, error)
	reportFunc    func(ctx context.Context, from, to time.Time) (*models.ComparativeReport, error)
	importFunc    func(ctx context.Context, r io.Reader) (service.ImportSummary, error)
}

func (m *mockEvaluationService) CreateTest(ctx context.Context, req *models.CreateControlledTestRequest) (*models.ControlledTest, error) {
	return m.createFunc(ctx, req)
}

func (m *mockEvaluationService) ListTests(ctx context.Context, activeOnly bool) ([]models.ControlledTest, error) {
	return m.listFunc(ctx, activeOnly)
}

func (m *mockEvaluationService) UpdateTest(
	ctx context.Context, id int64, req *models.UpdateControlledTestRequest,
) (*models.ControlledTest, error) {
	return m.updateFunc(ctx, id, req)
}

func (m *mockEvaluationService) RunTestByID(
	ctx context.Context, p models.Principal, id int64, model string, limit int,
) (*models.EvaluationResult, error) {
	return m.runFunc(ctx, p, id, model, limit)
}

func (m *mockEvaluationService) RunActiveTests(
	ctx context.Context, p models.Principal, model string, limit int,
) ([]models.EvaluationResult, error) {
	return m.runActiveFunc(ctx, p, model, limit)
}

func (m *mockEvaluationService) ComparativeReport(ctx context.Context, from, to time.Time) (*models.ComparativeReport, error) {
	return m.reportFunc(ctx, from, to)
}

func (m *mockEvaluationService) ImportTests(ctx context.Context, r io.Reader) (service.ImportSummary, error) {
	return m.importFunc(ctx, r)
}

func TestEvaluationHandler_Tests(t *testing.T) {
	svc := &mockEvaluationService{
		createFunc: func(_ context.Context, req *models.CreateControlledTestRequest) (*models.ControlledTest, error) {
			if req.Name == "dup" {
				return nil, huberrors.NewConflictError("controlled test name already exists")
			}

			return &models.ControlledTest{ID: 1, Name: req.Name, Query: req.Query, RelevantIDs: req.RelevantIDs, Active: true}, nil
		},
		listFunc: func(_ context.Context, activeOnly bool) ([]models.ControlledTest, error) {
			assert.True(t, activeOnly)

			return []models.ControlledTest{{ID: 1}}, nil
		},
		updateFunc: func(_ context.Context, id int64, req *models.UpdateControlledTestRequest) (*models.ControlledTest, error) {
			require.NotNil(t, req.Active)

			return &models.ControlledTest{ID: id, Active: *req.Active}, nil
		},
		importFunc: func(_ context.Context, r io.Reader) (service.ImportSummary, error) {
			body, err := io.ReadAll(r)
			require.NoError(t, err)
			assert.Contains(t, string(body), "tests:")

			return service.ImportSummary{Created: 2, Skipped: 1}, nil
		},
	}
	h := NewEvaluationHandler(svc)

	body := `{"name":"fragile","query":"fragile glass","relevant_ids":[3,9]}`
	rec := serve(t, http.MethodPost, "/v1/evaluation/tests", h.CreateTest,
		httptest.NewRequest(http.MethodPost, "/v1/evaluation/tests", bytes.NewBufferString(body)), &operator)
	require.Equal(t, http.StatusCreated, rec.Code)

	var test models.ControlledTest
	decodeData(t, rec, &test)
	assert.Equal(t, []int64{3, 9}, test.RelevantIDs)

	rec = serve(t, http.MethodPost, "/v1/evaluation/tests", h.CreateTest,
		httptest.NewRequest(http.MethodPost, "/v1/evaluation/tests", bytes.NewBufferString(`{"name":"x","query":"y","relevant_ids":[]}`)), &operator)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, http.MethodPost, "/v1/evaluation/tests", h.CreateTest,
		httptest.NewRequest(http.MethodPost, "/v1/evaluation/tests", bytes.NewBufferString(`{"name":"dup","query":"y","relevant_ids":[1]}`)), &operator)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = serve(t, http.MethodGet, "/v1/evaluation/tests", h.ListTests,
		httptest.NewRequest(http.MethodGet, "/v1/evaluation/tests?active=true", nil), &operator)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, http.MethodPatch, "/v1/evaluation/tests/{id}", h.UpdateTest,
		httptest.NewRequest(http.MethodPatch, "/v1/evaluation/tests/4", bytes.NewBufferString(`{"active":false}`)), &operator)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeData(t, rec, &test)
	assert.Equal(t, int64(4), test.ID)
	assert.False(t, test.Active)

	rec = serve(t, http.MethodPost, "/v1/evaluation/tests/import", h.ImportTests,
		httptest.NewRequest(http.MethodPost, "/v1/evaluation/tests/import", bytes.NewBufferString("tests:\n  - name: a\n")), &operator)
	require.Equal(t, http.StatusOK, rec.Code)

	var summary service.ImportSummary
	decodeData(t, rec, &summary)
	assert.Equal(t, service.ImportSummary{Created: 2, Skipped: 1}, summary)
}

func TestEvaluationHandler_Run(t *testing.T) {
	svc := &mockEvaluationService{
		runFunc: func(_ context.Context, p models.Principal, id int64, model string, limit int) (*models.EvaluationResult, error) {
			assert.Equal(t, operator, p)

			if id == 2 {
				return nil, fmt.Errorf("test 2: %w", service.ErrEmptyRelevantSet)
			}

			assert.Equal(t, 10, limit)

			return &models.EvaluationResult{TestID: id, MRR: 0.5, Model: model}, nil
		},
		runActiveFunc: func(context.Context, models.Principal, string, int) ([]models.EvaluationResult, error) {
			return []models.EvaluationResult{{TestID: 1, MRR: 1}}, errors.Join(errors.New("test 3: boom"), errors.New("test 4: boom"))
		},
	}
	h := NewEvaluationHandler(svc)

	rec := serve(t, http.MethodPost, "/v1/evaluation/tests/{id}/run", h.RunTest,
		httptest.NewRequest(http.MethodPost, "/v1/evaluation/tests/1/run", bytes.NewBufferString(`{"limit":10}`)), &operator)
	require.Equal(t, http.StatusOK, rec.Code)

	var res models.EvaluationResult
	decodeData(t, rec, &res)
	assert.InDelta(t, 0.5, res.MRR, 1e-9)

	rec = serve(t, http.MethodPost, "/v1/evaluation/tests/{id}/run", h.RunTest,
		httptest.NewRequest(http.MethodPost, "/v1/evaluation/tests/2/run", bytes.NewBufferString(`{"limit":10}`)), &operator)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, http.MethodPost, "/v1/evaluation/run-active", h.RunActive,
		httptest.NewRequest(http.MethodPost, "/v1/evaluation/run-active", nil), &operator)
	require.Equal(t, http.StatusOK, rec.Code)

	var active RunActiveResponse
	decodeData(t, rec, &active)
	assert.Len(t, active.Results, 1)
	assert.Equal(t, []string{"test 3: boom", "test 4: boom"}, active.Errors)
}

func TestEvaluationHandler_Report(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	var gotFrom, gotTo time.Time

	h := NewEvaluationHandler(&mockEvaluationService{
		reportFunc: func(_ context.Context, from, to time.Time) (*models.ComparativeReport, error) {
			if !from.Before(to) {
				return nil, huberrors.NewValidationError("from", "from must be before to")
			}

			gotFrom, gotTo = from, to

			return &models.ComparativeReport{From: from, To: to}, nil
		},
	})
	h.now = func() time.Time { return now }

	rec := serve(t, http.MethodGet, "/v1/evaluation/report", h.Report, httptest.NewRequest(http.MethodGet, "/v1/evaluation/report", nil), &operator)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, now, gotTo)
	assert.Equal(t, now.Add(-defaultReportWindow), gotFrom)

	rec = serve(t, http.MethodGet, "/v1/evaluation/report", h.Report,
		httptest.NewRequest(http.MethodGet, "/v1/evaluation/report?from=2026-02-01T00:00:00Z&to=2026-01-01T00:00:00Z", nil), &operator)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, http.MethodGet, "/v1/evaluation/report", h.Report,
		httptest.NewRequest(http.MethodGet, "/v1/evaluation/report?from=yesterday", nil), &operator)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVisualizationHandler_Project(t *testing.T) {
	h := NewVisualizationHandler(&mockVisualizationService{
		projectFunc: func(_ context.Context, _ models.Principal, req *models.ProjectionRequest) (*models.Projection, error) {
			if req.Method == "mds" {
				return nil, huberrors.NewValidationError("method", "unknown projection method")
			}

			return &models.Projection{Method: req.Method}, nil
		},
	})

	rec := serve(t, http.MethodPost, "/v1/visualization/projection", h.Project,
		httptest.NewRequest(http.MethodPost, "/v1/visualization/projection", bytes.NewBufferString(`{"method":"pca","selector":{"max_points":50}}`)), &operator)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, http.MethodPost, "/v1/visualization/projection", h.Project,
		httptest.NewRequest(http.MethodPost, "/v1/visualization/projection", bytes.NewBufferString(`{"method":"mds"}`)), &operator)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, http.MethodPost, "/v1/visualization/projection", h.Project,
		httptest.NewRequest(http.MethodPost, "/v1/visualization/projection", bytes.NewBufferString(`{"method":"umap","params":{"min_dist":3}}`)), &operator)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type mockVisualizationService struct {
	projectFunc func(ctx context.Context, p models.Principal, req *models.ProjectionRequest) (*models.Projection, error)
}

func (m *mockVisualizationService) Project(ctx context.Context, p models.Principal, req *models.ProjectionRequest) (*models.Projection, error) {
	return m.projectFunc(ctx, p, req)
}
