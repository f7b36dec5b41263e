package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/cargohub/hub/internal/api/middleware"
	"github.com/cargohub/hub/internal/api/response"
	"github.com/cargohub/hub/internal/models"
)

// parseIDParam reads a positive int64 path parameter and writes a 400 when it is missing or malformed.
func parseIDParam(w http.ResponseWriter, r *http.Request, name, label string) (int64, bool) {
	raw := chi.URLParam(r, name)
	if raw == "" {
		response.RespondBadRequest(w, label+" is required")

		return 0, false
	}

	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		response.RespondBadRequest(w, "Invalid "+label)

		return 0, false
	}

	return id, true
}

// principal returns the caller set by the auth middleware, writing a 401 when absent.
func principal(w http.ResponseWriter, r *http.Request) (models.Principal, bool) {
	p, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		response.RespondUnauthorized(w, "Missing principal")

		return models.Principal{}, false
	}

	return p, true
}
