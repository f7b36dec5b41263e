// Package response writes JSON and RFC 7807 problem responses.
package response

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/cargohub/hub/internal/huberrors"
)

// ErrorDetail represents a single error detail in RFC 7807 Problem Details.
type ErrorDetail struct {
	Location string `json:"location,omitempty"`
	Message  string `json:"message,omitempty"`
	Value    any    `json:"value,omitempty"`
}

// ProblemDetails represents an RFC 7807 Problem Details error response. Kind carries the stable
// error discriminator.
type ProblemDetails struct {
	Type     string        `json:"type,omitempty"`
	Title    string        `json:"title"`
	Status   int           `json:"status"`
	Detail   string        `json:"detail,omitempty"`
	Kind     string        `json:"kind,omitempty"`
	Instance string        `json:"instance,omitempty"`
	Errors   []ErrorDetail `json:"errors,omitempty"`
}

// RespondProblem writes problem as application/problem+json.
func RespondProblem(w http.ResponseWriter, problem ProblemDetails) {
	if problem.Type == "" {
		problem.Type = "about:blank"
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)

	if err := json.NewEncoder(w).Encode(problem); err != nil {
		slog.Error("Failed to encode error response", "error", err)
	}
}

// RespondError writes an RFC 7807 Problem Details error response.
func RespondError(w http.ResponseWriter, statusCode int, title, detail string) {
	RespondProblem(w, ProblemDetails{Title: title, Status: statusCode, Detail: detail})
}

// RespondBadRequest writes a 400 Bad Request error response.
func RespondBadRequest(w http.ResponseWriter, detail string) {
	RespondProblem(w, ProblemDetails{
		Title: "Bad Request", Status: http.StatusBadRequest, Detail: detail, Kind: huberrors.KindValidation,
	})
}

// RespondUnauthorized writes a 401 Unauthorized error response.
func RespondUnauthorized(w http.ResponseWriter, detail string) {
	RespondError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// RespondBodyTooLarge writes the 413 problem for a request body over the configured limit.
func RespondBodyTooLarge(w http.ResponseWriter, instance string) {
	RespondProblem(w, ProblemDetails{
		Title:    "Request Entity Too Large",
		Status:   http.StatusRequestEntityTooLarge,
		Detail:   "request body exceeds maximum allowed size",
		Kind:     "body_too_large",
		Instance: instance,
	})
}

// RespondInternalServerError writes a 500 Internal Server Error response.
func RespondInternalServerError(w http.ResponseWriter, detail string) {
	RespondProblem(w, ProblemDetails{
		Title: "Internal Server Error", Status: http.StatusInternalServerError, Detail: detail, Kind: huberrors.KindInternal,
	})
}

// statusByKind maps error kinds to HTTP statuses.
var statusByKind = map[string]int{
	huberrors.KindValidation:        http.StatusBadRequest,
	huberrors.KindEmptyQuery:        http.StatusBadRequest,
	huberrors.KindNotFound:          http.StatusNotFound,
	huberrors.KindForbidden:         http.StatusForbidden,
	huberrors.KindConflict:          http.StatusConflict,
	huberrors.KindLimitExceeded:     http.StatusUnprocessableEntity,
	huberrors.KindTokenLimit:        http.StatusUnprocessableEntity,
	huberrors.KindNoEmbeddings:      http.StatusConflict,
	huberrors.KindModelUnavailable:  http.StatusBadGateway,
	huberrors.KindTimeout:           http.StatusGatewayTimeout,
	huberrors.KindDimensionMismatch: http.StatusInternalServerError,
	huberrors.KindInternal:          http.StatusInternalServerError,
}

// RespondServiceError maps a service error to a problem response by its kind. Internal errors are
// logged and their detail is hidden.
func RespondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	kind := huberrors.Kind(err)

	status, ok := statusByKind[kind]
	if !ok {
		status = http.StatusInternalServerError
	}

	detail := err.Error()

	if status >= http.StatusInternalServerError && kind != huberrors.KindModelUnavailable && kind != huberrors.KindTimeout {
		slog.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "kind", kind, "error", err)

		detail = "internal error"
	}

	var modelErr *huberrors.ModelUnavailableError
	if errors.As(err, &modelErr) && modelErr.RateLimited {
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "1")
	}

	RespondProblem(w, ProblemDetails{
		Title:    http.StatusText(status),
		Status:   status,
		Detail:   detail,
		Kind:     kind,
		Instance: r.URL.Path,
	})
}

// RespondJSON writes a JSON response directly without wrapping.
func RespondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode JSON response", "error", err)
	}
}

// DataResponse wraps a single object.
type DataResponse struct {
	Data any `json:"data"`
}

// RespondData wraps data in a {"data": ...} envelope.
func RespondData(w http.ResponseWriter, statusCode int, data any) {
	RespondJSON(w, statusCode, DataResponse{Data: data})
}
