package handlers

import (
	"context"
	"net/http"

	"github.com/cargohub/hub/internal/api/response"
	"github.com/cargohub/hub/internal/api/validation"
	"github.com/cargohub/hub/internal/models"
)

// SearchService defines the retrieval operations exposed over HTTP.
type SearchService interface {
	Search(ctx context.Context, principal models.Principal, req *models.SearchRequest) (*models.SearchResponse, error)
	SimilarShipments(
		ctx context.Context, principal models.Principal, shipmentID int64, model string, limit int, orderingMetric string,
	) (*models.SearchResponse, error)
}

// SearchHandler handles HTTP requests for semantic search and similar shipments.
type SearchHandler struct {
	service SearchService
}

// NewSearchHandler creates a new search handler.
func NewSearchHandler(service SearchService) *SearchHandler {
	return &SearchHandler{service: service}
}

// SimilarQuery holds the query parameters of GET /v1/shipments/{id}/similar.
type SimilarQuery struct {
	Limit          int    `form:"limit"           validate:"omitempty,gte=0"`
	Model          string `form:"model_id"        validate:"omitempty,max=255"`
	OrderingMetric string `form:"ordering_metric" validate:"omitempty,max=32"`
}

// Search handles POST /v1/search.
func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	var req models.SearchRequest
	if err := validation.DecodeJSON(r, &req); err != nil {
		validation.RespondValidationError(w, err)

		return
	}

	res, err := h.service.Search(r.Context(), p, &req)
	if err != nil {
		response.RespondServiceError(w, r, err)

		return
	}

	response.RespondJSON(w, http.StatusOK, res)
}

// Similar handles GET /v1/shipments/{id}/similar.
func (h *SearchHandler) Similar(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	id, ok := parseIDParam(w, r, "id", "shipment ID")
	if !ok {
		return
	}

	var q SimilarQuery
	if err := validation.ValidateAndDecodeQueryParams(r, &q); err != nil {
		validation.RespondValidationError(w, err)

		return
	}

	res, err := h.service.SimilarShipments(r.Context(), p, id, q.Model, q.Limit, q.OrderingMetric)
	if err != nil {
		response.RespondServiceError(w, r, err)

		return
	}

	response.RespondJSON(w, http.StatusOK, res)
}
