package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/cargohub/hub/internal/observability"
)

const (
	requestIDHeader = "X-Request-ID"
	// maxRequestIDLen fits a UUID or a typical gateway trace id.
	maxRequestIDLen = 64
)

// RequestID runs first in the chain and sets X-Request-ID on the context and the response. An inbound
// X-Request-ID is propagated only when it is a short token of letters, digits, '.', '_' or '-', so a
// client cannot inject newlines or oversized values into log lines; anything else is replaced by a
// generated UUIDv7.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if !validRequestID(id) {
			id = uuid.Must(uuid.NewV7()).String()
		}

		ctx := context.WithValue(r.Context(), observability.RequestIDKey, id)
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}

	for i := range len(id) {
		switch c := id[i]; {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.':
		default:
			return false
		}
	}

	return true
}
