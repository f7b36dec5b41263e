package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/cargohub/hub/internal/bootstrap"
	"github.com/cargohub/hub/internal/config"
	"github.com/cargohub/hub/internal/models"
	"github.com/cargohub/hub/internal/repository"
)

const testAdminKey = "test-admin-key-12345"

type testServer struct {
	url      string
	app      *App
	buyerKey string
	ids      []int64
}

// newTestServer starts a pgvector container and serves the fully wired app with the offline hash provider.
func newTestServer(t *testing.T) *testServer {
	t.Helper()

	if testing.Short() {
		t.Skip("integration test: requires docker")
	}

	ctx := context.Background()

	ctr, err := postgres.Run(ctx, "pgvector/pgvector:pg16",
		postgres.WithDatabase("shipments"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	t.Setenv("DATABASE_URL", dsn)
	t.Setenv("ADMIN_API_KEY", testAdminKey)
	t.Setenv("EMBEDDING_PROVIDER", "hash")
	t.Setenv("VECTOR_STORE", config.VectorStorePgvector)
	t.Setenv("OTEL_METRICS_EXPORTER", "")
	t.Setenv("OTEL_TRACES_EXPORTER", "")

	cfg, err := config.Load()
	require.NoError(t, err)

	pool, err := bootstrap.OpenPool(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = bootstrap.Migrate(ctx, pool)
	require.NoError(t, err)

	seed := repository.NewSeedRepository(pool)
	city := "Quito"

	var ids []int64

	for _, s := range []models.Shipment{
		{
			TrackingCode: "HAWB-100", Buyer: models.Buyer{DisplayName: "Ana Torres", City: &city},
			State: models.ShipmentStateInTransit, IssuedAt: time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC),
			Products: []models.Product{{Description: "Laptop Dell", Category: models.ProductCategoryElectronics, Weight: 2.2, Quantity: 1, Value: 900}},
		},
		{
			TrackingCode: "HAWB-101", Buyer: models.Buyer{DisplayName: "Luis Vera", City: &city},
			State: models.ShipmentStateDelivered, IssuedAt: time.Date(2025, 1, 12, 0, 0, 0, 0, time.UTC),
			Products: []models.Product{{Description: "Running shoes", Category: models.ProductCategorySports, Weight: 1.1, Quantity: 2, Value: 60}},
		},
	} {
		id, created, err := seed.ImportShipment(ctx, &s)
		require.NoError(t, err)
		require.True(t, created)

		ids = append(ids, id)
	}

	shipment, err := repository.NewShipmentsRepository(pool).GetShipment(ctx, ids[0])
	require.NoError(t, err)

	buyerKey := "buyer-key-" + t.Name()
	_, err = repository.NewUsersRepository(pool).Create(ctx, "ana", models.RoleBuyer, &shipment.BuyerID, buyerKey)
	require.NoError(t, err)

	app, err := NewApp(ctx, cfg, pool)
	require.NoError(t, err)

	server := httptest.NewServer(app.server.Handler)
	t.Cleanup(func() {
		server.Close()
		require.NoError(t, app.core.Close())
	})

	return &testServer{url: server.URL, app: app, buyerKey: buyerKey, ids: ids}
}

func (s *testServer) do(t *testing.T, method, path, key string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, s.url+path, &buf)
	require.NoError(t, err)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	return resp
}

func TestIntegration_IndexAndSearch(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	for _, id := range s.ids {
		resp := s.do(t, http.MethodPost, "/v1/shipments/"+itoa(id)+"/embedding", testAdminKey, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var envelope struct {
			Data models.IndexOutcome `json:"data"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
		assert.Equal(t, models.GenerationStatusGenerated, envelope.Data.Status)
	}

	// A second pass without force is a no-op.
	resp = s.do(t, http.MethodPost, "/v1/shipments/"+itoa(s.ids[0])+"/embedding", testAdminKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var again struct {
		Data models.IndexOutcome `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&again))
	assert.Equal(t, models.GenerationStatusSkipped, again.Data.Status)

	t.Run("admin sees every shipment", func(t *testing.T) {
		resp := s.do(t, http.MethodPost, "/v1/search", testAdminKey, models.SearchRequest{Query: "laptop", Limit: 10})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var res models.SearchResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
		assert.Len(t, res.Results, 2)
		assert.Equal(t, "hash-embed-v1", res.Model)
	})

	t.Run("buyer sees only owned shipments", func(t *testing.T) {
		resp := s.do(t, http.MethodPost, "/v1/search", s.buyerKey, models.SearchRequest{Query: "laptop", Limit: 10})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var res models.SearchResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
		require.Len(t, res.Results, 1)
		assert.Equal(t, s.ids[0], res.Results[0].Shipment.ID)
	})

	t.Run("empty query is rejected", func(t *testing.T) {
		resp := s.do(t, http.MethodPost, "/v1/search", testAdminKey, models.SearchRequest{Query: "   "})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestIntegration_Authorization(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		key    string
		want   int
	}{
		{"missing key", http.MethodPost, "/v1/search", "", http.StatusUnauthorized},
		{"unknown key", http.MethodPost, "/v1/search", "nope", http.StatusUnauthorized},
		{"buyer cannot index", http.MethodPost, "/v1/shipments/" + itoa(s.ids[0]) + "/embedding", s.buyerKey, http.StatusForbidden},
		{"buyer cannot read stats", http.MethodGet, "/v1/embeddings/stats", s.buyerKey, http.StatusForbidden},
		{"admin reads stats", http.MethodGet, "/v1/embeddings/stats", testAdminKey, http.StatusOK},
		{"buyer cannot create controlled tests", http.MethodPost, "/v1/evaluation/tests", s.buyerKey, http.StatusForbidden},
		{"buyer cannot import controlled tests", http.MethodPost, "/v1/evaluation/tests/import", s.buyerKey, http.StatusForbidden},
		{"buyer cannot list controlled tests", http.MethodGet, "/v1/evaluation/tests", s.buyerKey, http.StatusForbidden},
		{"buyer cannot run active tests", http.MethodPost, "/v1/evaluation/run-active", s.buyerKey, http.StatusForbidden},
		{"buyer cannot read the report", http.MethodGet, "/v1/evaluation/report", s.buyerKey, http.StatusForbidden},
		{"admin reads the report", http.MethodGet, "/v1/evaluation/report", testAdminKey, http.StatusOK},
		{"unknown shipment", http.MethodPost, "/v1/shipments/999999/embedding", testAdminKey, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.do(t, tt.method, tt.path, tt.key, nil)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }
