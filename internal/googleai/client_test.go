package googleai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cargohub/hub/internal/embeddings"
	"github.com/cargohub/hub/internal/huberrors"
)

var geminiModel = embeddings.ModelSpec{
	ID: "gemini-embedding-001", Provider: embeddings.ProviderGoogle, Dimension: 2,
	MaxInputTokens: 2048, MaxBatchItems: 100,
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(context.Background(), "test-key", WithBaseURL(srv.URL+"/"), WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	return client
}

func TestClient_Embed(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "gemini-embedding-001:batchEmbedContents"), r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-goog-api-key"))

		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		requests, _ := body["requests"].([]any)
		assert.Len(t, requests, 2)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"embeddings": [{"values": [1, 0]}, {"values": [0, 1]}]}`))
	})

	batch, err := client.Embed(context.Background(), geminiModel, []string{"laptop", "phone"})
	require.NoError(t, err)

	assert.Equal(t, [][]float32{{1, 0}, {0, 1}}, batch.Vectors)
	assert.Zero(t, batch.PromptTokens)
}

func TestClient_Embed_RateLimited(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": {"code": 429, "message": "quota", "status": "RESOURCE_EXHAUSTED"}}`))
	})

	_, err := client.Embed(context.Background(), geminiModel, []string{"laptop"})
	require.Error(t, err)

	var mu *huberrors.ModelUnavailableError
	require.True(t, errors.As(err, &mu))
	assert.True(t, mu.RateLimited)
	assert.False(t, mu.Permanent)
	assert.Equal(t, http.StatusTooManyRequests, mu.Status)
}

func TestClient_Embed_CountMismatch(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"embeddings": [{"values": [1, 0]}]}`))
	})

	_, err := client.Embed(context.Background(), geminiModel, []string{"a", "b"})
	require.ErrorIs(t, err, ErrNoEmbeddingInResponse)
}
