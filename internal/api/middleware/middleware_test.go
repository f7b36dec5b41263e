package middleware

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cargohub/hub/internal/huberrors"
	"github.com/cargohub/hub/internal/models"
	"github.com/cargohub/hub/internal/observability"
)

type resolverFunc func(ctx context.Context, key string) (models.Principal, error)

func (f resolverFunc) Resolve(ctx context.Context, key string) (models.Principal, error) { return f(ctx, key) }

func TestAuth(t *testing.T) {
	resolver := resolverFunc(func(_ context.Context, key string) (models.Principal, error) {
		switch key {
		case "good":
			return models.Principal{UserID: 1, Role: models.RoleOperator}, nil
		case "broken":
			return models.Principal{}, io.ErrUnexpectedEOF
		default:
			return models.Principal{}, huberrors.NewNotFoundError("user", "no active user for api key")
		}
	})

	var seen models.Principal

	handler := Auth(resolver)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = PrincipalFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "valid key", header: "Bearer good", want: http.StatusNoContent},
		{name: "lowercase scheme", header: "bearer good", want: http.StatusNoContent},
		{name: "missing header", header: "", want: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic good", want: http.StatusUnauthorized},
		{name: "empty key", header: "Bearer ", want: http.StatusUnauthorized},
		{name: "unknown key", header: "Bearer other", want: http.StatusUnauthorized},
		{name: "resolver failure", header: "Bearer broken", want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/search", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}

	assert.Equal(t, models.RoleOperator, seen.Role)
}

func TestRequirePrivileged(t *testing.T) {
	handler := RequirePrivileged(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	buyer := int64(4)
	cases := map[models.Role]int{
		models.RoleAdmin:    http.StatusAccepted,
		models.RoleOperator: http.StatusAccepted,
		models.RoleBuyer:    http.StatusForbidden,
	}

	for role, want := range cases {
		req := httptest.NewRequest(http.MethodPost, "/v1/embeddings/regenerate", nil)
		req = req.WithContext(WithPrincipal(req.Context(), models.Principal{Role: role, BuyerID: &buyer}))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, want, rec.Code, role)
	}
}

type recordedRequest struct {
	method, route, statusClass string
}

type fakeAPIMetrics struct {
	requests []recordedRequest
	tooLarge int
}

func (f *fakeAPIMetrics) RecordRequest(_ context.Context, method, route, statusClass string, _ time.Duration) {
	f.requests = append(f.requests, recordedRequest{method: method, route: route, statusClass: statusClass})
}

func (f *fakeAPIMetrics) RecordRequestBodyTooLarge(context.Context) { f.tooLarge++ }

var _ observability.APIMetrics = (*fakeAPIMetrics)(nil)

func TestMetrics_UsesRoutePattern(t *testing.T) {
	metrics := &fakeAPIMetrics{}

	r := chi.NewRouter()
	r.Use(Metrics(metrics))
	r.Get("/v1/shipments/{id}/similar", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, path := range []string{"/v1/shipments/1/similar", "/v1/shipments/2/similar", "/nowhere"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	require.Len(t, metrics.requests, 3)
	assert.Equal(t, recordedRequest{http.MethodGet, "/v1/shipments/{id}/similar", "4xx"}, metrics.requests[0])
	assert.Equal(t, metrics.requests[0], metrics.requests[1])
	assert.Equal(t, "4xx", metrics.requests[2].statusClass)
}

func TestMaxBody(t *testing.T) {
	metrics := &fakeAPIMetrics{}
	handler := MaxBody(8, metrics)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				w.WriteHeader(http.StatusRequestEntityTooLarge)

				return
			}

			w.WriteHeader(http.StatusBadRequest)

			return
		}

		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/search", strings.NewReader(`{"q":1}`)))
	assert.Equal(t, http.StatusOK, rec.Code)

	t.Run("declared length over the limit", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/search", strings.NewReader(`{"query":"too long"}`)))
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
		assert.Equal(t, 1, metrics.tooLarge)
	})

	t.Run("streamed body over the limit", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/search", strings.NewReader(`{"query":"too long"}`))
		req.ContentLength = -1

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		assert.Equal(t, 2, metrics.tooLarge)
	})
}

func TestRequestID(t *testing.T) {
	var fromCtx any

	handler := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		fromCtx = r.Context().Value(observability.RequestIDKey)
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "abc")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "abc", fromCtx)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	t.Run("accepts gateway style ids", func(t *testing.T) {
		id := "edge-01.req_7F3a-9"

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("X-Request-ID", id)

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, id, rec.Header().Get("X-Request-ID"))
		assert.Equal(t, id, fromCtx)
	})

	for name, bad := range map[string]string{
		"too long":      strings.Repeat("a", 65),
		"log injection": "abc\nlevel=ERROR msg=forged",
		"spaces":        "abc def",
		"non ascii":     "pedido-número-1",
	} {
		t.Run("replaces "+name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			req.Header["X-Request-Id"] = []string{bad}

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			got := rec.Header().Get("X-Request-ID")
			assert.NotEqual(t, bad, got)
			assert.Equal(t, got, fromCtx)

			_, err := uuid.Parse(got)
			require.NoError(t, err)
		})
	}
}
