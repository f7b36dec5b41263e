package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/cargohub/hub/internal/api/response"
	"github.com/cargohub/hub/internal/api/validation"
	"github.com/cargohub/hub/internal/models"
	"github.com/cargohub/hub/internal/service"
)

// defaultReportWindow is used when GET /v1/evaluation/report omits from.
const defaultReportWindow = 30 * 24 * time.Hour

// EvaluationService manages controlled tests and their runs.
type EvaluationService interface {
	CreateTest(ctx context.Context, req *models.CreateControlledTestRequest) (*models.ControlledTest, error)
	ListTests(ctx context.Context, activeOnly bool) ([]models.ControlledTest, error)
	UpdateTest(ctx context.Context, id int64, req *models.UpdateControlledTestRequest) (*models.ControlledTest, error)
	RunTestByID(ctx context.Context, principal models.Principal, id int64, model string, limit int) (*models.EvaluationResult, error)
	RunActiveTests(ctx context.Context, principal models.Principal, model string, limit int) ([]models.EvaluationResult, error)
	ComparativeReport(ctx context.Context, from, to time.Time) (*models.ComparativeReport, error)
	ImportTests(ctx context.Context, r io.Reader) (service.ImportSummary, error)
}

// EvaluationHandler handles controlled test and evaluation requests.
type EvaluationHandler struct {
	service EvaluationService
	now     func() time.Time
}

// NewEvaluationHandler creates a new evaluation handler.
func NewEvaluationHandler(service EvaluationService) *EvaluationHandler {
	return &EvaluationHandler{service: service, now: time.Now}
}

// RunRequest is the optional body of the run endpoints.
type RunRequest struct {
	Model string `json:"model_id,omitempty" validate:"omitempty,max=255"`
	Limit int    `json:"limit,omitempty"    validate:"omitempty,gte=0,lte=1000"`
}

// ListTestsQuery holds the query parameters of GET /v1/evaluation/tests.
type ListTestsQuery struct {
	Active bool `form:"active"`
}

// ReportQuery holds the query parameters of GET /v1/evaluation/report.
type ReportQuery struct {
	From *time.Time `form:"from"`
	To   *time.Time `form:"to"`
}

// RunActiveResponse lists the results of a run-active call and the tests that failed.
type RunActiveResponse struct {
	Results []models.EvaluationResult `json:"results"`
	Errors  []string                  `json:"errors,omitempty"`
}

// CreateTest handles POST /v1/evaluation/tests.
func (h *EvaluationHandler) CreateTest(w http.ResponseWriter, r *http.Request) {
	var req models.CreateControlledTestRequest
	if err := validation.DecodeJSON(r, &req); err != nil {
		validation.RespondValidationError(w, err)

		return
	}

	test, err := h.service.CreateTest(r.Context(), &req)
	if err != nil {
		response.RespondServiceError(w, r, err)

		return
	}

	response.RespondData(w, http.StatusCreated, test)
}

// ImportTests handles POST /v1/evaluation/tests/import with a YAML fixture body.
func (h *EvaluationHandler) ImportTests(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.ImportTests(r.Context(), r.Body)
	if err != nil {
		response.RespondServiceError(w, r, err)

		return
	}

	response.RespondData(w, http.StatusOK, summary)
}

// ListTests handles GET /v1/evaluation/tests.
func (h *EvaluationHandler) ListTests(w http.ResponseWriter, r *http.Request) {
	var q ListTestsQuery
	if err := validation.DecodeQueryParams(r, &q); err != nil {
		validation.RespondValidationError(w, err)

		return
	}

	tests, err := h.service.ListTests(r.Context(), q.Active)
	if err != nil {
		response.RespondServiceError(w, r, err)

		return
	}

	response.RespondData(w, http.StatusOK, tests)
}

// UpdateTest handles PATCH /v1/evaluation/tests/{id}.
func (h *EvaluationHandler) UpdateTest(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r, "id", "test ID")
	if !ok {
		return
	}

	var req models.UpdateControlledTestRequest
	if err := validation.DecodeJSON(r, &req); err != nil {
		validation.RespondValidationError(w, err)

		return
	}

	test, err := h.service.UpdateTest(r.Context(), id, &req)
	if err != nil {
		response.RespondServiceError(w, r, err)

		return
	}

	response.RespondData(w, http.StatusOK, test)
}

// RunTest handles POST /v1/evaluation/tests/{id}/run.
func (h *EvaluationHandler) RunTest(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	id, ok := parseIDParam(w, r, "id", "test ID")
	if !ok {
		return
	}

	var req RunRequest
	if err := validation.DecodeJSON(r, &req); err != nil {
		validation.RespondValidationError(w, err)

		return
	}

	res, err := h.service.RunTestByID(r.Context(), p, id, req.Model, req.Limit)
	if err != nil {
		if errors.Is(err, service.ErrEmptyRelevantSet) {
			response.RespondBadRequest(w, err.Error())

			return
		}

		response.RespondServiceError(w, r, err)

		return
	}

	response.RespondData(w, http.StatusOK, res)
}

// RunActive handles POST /v1/evaluation/run-active. Individual test failures are reported next to the
// successful results.
func (h *EvaluationHandler) RunActive(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	var req RunRequest
	if err := validation.DecodeJSON(r, &req); err != nil {
		validation.RespondValidationError(w, err)

		return
	}

	results, err := h.service.RunActiveTests(r.Context(), p, req.Model, req.Limit)
	if err != nil && len(results) == 0 {
		response.RespondServiceError(w, r, err)

		return
	}

	resp := RunActiveResponse{Results: results}
	if resp.Results == nil {
		resp.Results = []models.EvaluationResult{}
	}

	if err != nil {
		resp.Errors = splitJoined(err)
	}

	response.RespondData(w, http.StatusOK, resp)
}

// Report handles GET /v1/evaluation/report. to defaults to now and from to 30 days before to.
func (h *EvaluationHandler) Report(w http.ResponseWriter, r *http.Request) {
	var q ReportQuery
	if err := validation.DecodeQueryParams(r, &q); err != nil {
		validation.RespondValidationError(w, err)

		return
	}

	to := h.now()
	if q.To != nil {
		to = *q.To
	}

	from := to.Add(-defaultReportWindow)
	if q.From != nil {
		from = *q.From
	}

	report, err := h.service.ComparativeReport(r.Context(), from, to)
	if err != nil {
		response.RespondServiceError(w, r, err)

		return
	}

	response.RespondData(w, http.StatusOK, report)
}

// splitJoined flattens an errors.Join result into messages.
func splitJoined(err error) []string {
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		errs := joined.Unwrap()
		out := make([]string, 0, len(errs))

		for _, e := range errs {
			out = append(out, e.Error())
		}

		return out
	}

	return []string{err.Error()}
}
