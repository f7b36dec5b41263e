package handlers

import (
	"context"
	"net/http"

	"github.com/cargohub/hub/internal/api/response"
	"github.com/cargohub/hub/internal/api/validation"
	"github.com/cargohub/hub/internal/models"
)

// VisualizationService projects stored embeddings to two dimensions.
type VisualizationService interface {
	Project(ctx context.Context, principal models.Principal, req *models.ProjectionRequest) (*models.Projection, error)
}

// VisualizationHandler handles projection requests.
type VisualizationHandler struct {
	service VisualizationService
}

// NewVisualizationHandler creates a new visualization handler.
func NewVisualizationHandler(service VisualizationService) *VisualizationHandler {
	return &VisualizationHandler{service: service}
}

// Project handles POST /v1/visualization/projection.
func (h *VisualizationHandler) Project(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	var req models.ProjectionRequest
	if err := validation.DecodeJSON(r, &req); err != nil {
		validation.RespondValidationError(w, err)

		return
	}

	projection, err := h.service.Project(r.Context(), p, &req)
	if err != nil {
		response.RespondServiceError(w, r, err)

		return
	}

	response.RespondData(w, http.StatusOK, projection)
}
