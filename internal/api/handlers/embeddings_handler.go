package handlers

import (
	"context"
	"net/http"

	"github.com/cargohub/hub/internal/api/response"
	"github.com/cargohub/hub/internal/api/validation"
	"github.com/cargohub/hub/internal/embeddings"
	"github.com/cargohub/hub/internal/models"
	"github.com/cargohub/hub/internal/service"
)

// Page sizes of GET /v1/embeddings/events.
const (
	defaultEventsLimit = 100
	maxEventsLimit     = 1000
)

// IndexingService is the synchronous part of the indexer exposed over HTTP.
type IndexingService interface {
	IndexOne(ctx context.Context, shipmentID int64, model string, force bool, kind models.ProcessKind) (models.IndexOutcome, error)
	DeleteShipment(ctx context.Context, shipmentID int64) (int64, error)
	Stats(ctx context.Context, model string) (models.IndexingStats, error)
	Events(ctx context.Context, filters *models.ListEventsFilters) ([]models.GenerationEvent, error)
	CostEstimate(ctx context.Context, req service.BulkRequest) (embeddings.CostEstimate, error)
}

// IndexingQueue enqueues background indexing jobs.
type IndexingQueue interface {
	ShipmentChanged(ctx context.Context, shipmentID int64, model string) (models.JobAccepted, error)
	EnqueueBulk(ctx context.Context, req *models.BulkIndexRequest) (models.JobAccepted, error)
	EnqueueRegenerate(ctx context.Context, model string) (models.JobAccepted, error)
}

// EmbeddingsHandler handles indexing and embedding management requests.
type EmbeddingsHandler struct {
	indexer IndexingService
	queue   IndexingQueue
}

// NewEmbeddingsHandler creates a new embeddings handler.
func NewEmbeddingsHandler(indexer IndexingService, queue IndexingQueue) *EmbeddingsHandler {
	return &EmbeddingsHandler{indexer: indexer, queue: queue}
}

// IndexQuery holds the query parameters of POST /v1/shipments/{id}/embedding.
type IndexQuery struct {
	Force bool   `form:"force"`
	Model string `form:"model_id" validate:"omitempty,max=255"`
}

// ModelQuery selects a model by query parameter; empty means the default model.
type ModelQuery struct {
	Model string `form:"model_id" validate:"omitempty,max=255"`
}

// EventsQuery holds the query parameters of GET /v1/embeddings/events.
type EventsQuery struct {
	ShipmentID *int64                   `form:"shipment_id" validate:"omitempty,gt=0"`
	Model      string                   `form:"model_id"    validate:"omitempty,max=255"`
	Status     *models.GenerationStatus `form:"status"`
	Limit      int                      `form:"limit"       validate:"omitempty,gte=0"`
}

// DeleteResponse reports how many records a delete removed.
type DeleteResponse struct {
	ShipmentID int64 `json:"shipment_id"`
	Deleted    int64 `json:"deleted"`
}

// IndexOne handles POST /v1/shipments/{id}/embedding.
func (h *EmbeddingsHandler) IndexOne(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r, "id", "shipment ID")
	if !ok {
		return
	}

	var q IndexQuery
	if err := validation.ValidateAndDecodeQueryParams(r, &q); err != nil {
		validation.RespondValidationError(w, err)

		return
	}

	outcome, err := h.indexer.IndexOne(r.Context(), id, q.Model, q.Force, models.ProcessKindManual)
	if err != nil {
		response.RespondServiceError(w, r, err)

		return
	}

	response.RespondData(w, http.StatusOK, outcome)
}

// Delete handles DELETE /v1/shipments/{id}/embedding. Records of every model are removed.
func (h *EmbeddingsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r, "id", "shipment ID")
	if !ok {
		return
	}

	n, err := h.indexer.DeleteShipment(r.Context(), id)
	if err != nil {
		response.RespondServiceError(w, r, err)

		return
	}

	response.RespondData(w, http.StatusOK, DeleteResponse{ShipmentID: id, Deleted: n})
}

// Changed handles POST /v1/shipments/{id}/changed by queueing an automatic reindex.
func (h *EmbeddingsHandler) Changed(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r, "id", "shipment ID")
	if !ok {
		return
	}

	var q ModelQuery
	if err := validation.ValidateAndDecodeQueryParams(r, &q); err != nil {
		validation.RespondValidationError(w, err)

		return
	}

	accepted, err := h.queue.ShipmentChanged(r.Context(), id, q.Model)
	if err != nil {
		response.RespondServiceError(w, r, err)

		return
	}

	response.RespondData(w, http.StatusAccepted, accepted)
}

// Bulk handles POST /v1/embeddings/bulk.
func (h *EmbeddingsHandler) Bulk(w http.ResponseWriter, r *http.Request) {
	var req models.BulkIndexRequest
	if err := validation.DecodeJSON(r, &req); err != nil {
		validation.RespondValidationError(w, err)

		return
	}

	accepted, err := h.queue.EnqueueBulk(r.Context(), &req)
	if err != nil {
		response.RespondServiceError(w, r, err)

		return
	}

	response.RespondData(w, http.StatusAccepted, accepted)
}

// Regenerate handles POST /v1/embeddings/regenerate.
func (h *EmbeddingsHandler) Regenerate(w http.ResponseWriter, r *http.Request) {
	var req models.RegenerateRequest
	if err := validation.DecodeJSON(r, &req); err != nil {
		validation.RespondValidationError(w, err)

		return
	}

	accepted, err := h.queue.EnqueueRegenerate(r.Context(), req.Model)
	if err != nil {
		response.RespondServiceError(w, r, err)

		return
	}

	response.RespondData(w, http.StatusAccepted, accepted)
}

// CostEstimate handles POST /v1/embeddings/cost-estimate.
func (h *EmbeddingsHandler) CostEstimate(w http.ResponseWriter, r *http.Request) {
	var req models.CostEstimateRequest
	if err := validation.DecodeJSON(r, &req); err != nil {
		validation.RespondValidationError(w, err)

		return
	}

	est, err := h.indexer.CostEstimate(r.Context(), service.BulkRequest{IDs: req.IDs, Model: req.Model, Force: req.Force})
	if err != nil {
		response.RespondServiceError(w, r, err)

		return
	}

	response.RespondData(w, http.StatusOK, est)
}

// Events handles GET /v1/embeddings/events.
func (h *EmbeddingsHandler) Events(w http.ResponseWriter, r *http.Request) {
	var q EventsQuery
	if err := validation.ValidateAndDecodeQueryParams(r, &q); err != nil {
		validation.RespondValidationError(w, err)

		return
	}

	if q.Limit == 0 {
		q.Limit = defaultEventsLimit
	}

	events, err := h.indexer.Events(r.Context(), &models.ListEventsFilters{
		ShipmentID: q.ShipmentID,
		Model:      q.Model,
		Status:     q.Status,
		Limit:      min(q.Limit, maxEventsLimit),
	})
	if err != nil {
		response.RespondServiceError(w, r, err)

		return
	}

	response.RespondData(w, http.StatusOK, events)
}

// Stats handles GET /v1/embeddings/stats.
func (h *EmbeddingsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	var q ModelQuery
	if err := validation.ValidateAndDecodeQueryParams(r, &q); err != nil {
		validation.RespondValidationError(w, err)

		return
	}

	stats, err := h.indexer.Stats(r.Context(), q.Model)
	if err != nil {
		response.RespondServiceError(w, r, err)

		return
	}

	response.RespondData(w, http.StatusOK, stats)
}
