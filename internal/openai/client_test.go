package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cargohub/hub/internal/embeddings"
	"github.com/cargohub/hub/internal/huberrors"
)

var smallModel = embeddings.ModelSpec{
	ID: "text-embedding-3-small", Provider: embeddings.ProviderOpenAI, Dimension: 3,
	MaxInputTokens: 8191, MaxBatchItems: 16,
}

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewClient("sk-test", WithBaseURL(srv.URL+"/v1/"), WithHTTPClient(srv.Client()))
}

func TestClient_Embed(t *testing.T) {
	var got map[string]any

	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		// Out of order on purpose: the client must place vectors by index.
		_, _ = w.Write([]byte(`{
			"object": "list",
			"model": "text-embedding-3-small",
			"data": [
				{"object": "embedding", "index": 1, "embedding": [0, 1, 0]},
				{"object": "embedding", "index": 0, "embedding": [1, 0, 0]}
			],
			"usage": {"prompt_tokens": 7, "total_tokens": 7}
		}`))
	})

	batch, err := client.Embed(context.Background(), smallModel, []string{"laptop", "phone"})
	require.NoError(t, err)

	assert.Equal(t, [][]float32{{1, 0, 0}, {0, 1, 0}}, batch.Vectors)
	assert.Equal(t, 7, batch.PromptTokens)
	assert.Equal(t, "text-embedding-3-small", got["model"])
	assert.InDelta(t, 3, got["dimensions"], 0)
	assert.Equal(t, []any{"laptop", "phone"}, got["input"])
}

func TestClient_Embed_ErrorMapping(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantRateLimit bool
		wantPermanent bool
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, wantRateLimit: true},
		{name: "server error", status: http.StatusBadGateway},
		{name: "unauthorized", status: http.StatusUnauthorized, wantPermanent: true},
		{name: "bad request", status: http.StatusBadRequest, wantPermanent: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error": {"message": "nope", "type": "test"}}`))
			})

			_, err := client.Embed(context.Background(), smallModel, []string{"laptop"})
			require.Error(t, err)

			var mu *huberrors.ModelUnavailableError
			require.True(t, errors.As(err, &mu))
			assert.Equal(t, tt.status, mu.Status)
			assert.Equal(t, tt.wantRateLimit, mu.RateLimited)
			assert.Equal(t, tt.wantPermanent, mu.Permanent)
		})
	}
}

func TestClient_Embed_MissingVector(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","model":"m","data":[{"object":"embedding","index":0,"embedding":[1,0,0]}],
			"usage":{"prompt_tokens":2,"total_tokens":2}}`))
	})

	_, err := client.Embed(context.Background(), smallModel, []string{"a", "b"})
	require.ErrorIs(t, err, ErrNoEmbeddingInResponse)
	assert.Equal(t, huberrors.KindModelUnavailable, huberrors.Kind(err))
}
