package embeddings

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cargohub/hub/internal/huberrors"
	pkgembeddings "github.com/cargohub/hub/pkg/embeddings"
)

// mockProvider is a function-field Provider.
type mockProvider struct {
	embedFunc func(ctx context.Context, model ModelSpec, texts []string) (Batch, error)
	calls     atomic.Int32
}

func (*mockProvider) Name() string { return "fake" }

func (m *mockProvider) Embed(ctx context.Context, model ModelSpec, texts []string) (Batch, error) {
	m.calls.Add(1)

	return m.embedFunc(ctx, model, texts)
}

var fakeModel = ModelSpec{
	ID: "fake-model", Provider: "fake", Dimension: 3, InputRate: 2,
	MaxInputTokens: 10, MaxBatchItems: 2,
}

// constantVectors returns an unnormalized vector per text so tests can check normalization.
func constantVectors(_ context.Context, _ ModelSpec, texts []string) (Batch, error) {
	out := Batch{PromptTokens: 4 * len(texts)}
	for range texts {
		out.Vectors = append(out.Vectors, []float32{3, 4, 0})
	}

	return out, nil
}

func newTestClient(t *testing.T, provider Provider) *Client {
	t.Helper()

	catalog, err := NewCatalog(fakeModel.ID, fakeModel)
	require.NoError(t, err)

	return NewClient(ClientParams{
		Catalog:        catalog,
		Providers:      []Provider{provider},
		MaxAttempts:    3,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  2 * time.Millisecond,
	})
}

func TestClient_EmbedTexts(t *testing.T) {
	provider := &mockProvider{embedFunc: constantVectors}
	client := newTestClient(t, provider)

	results, usage, err := client.EmbedTexts(context.Background(), []string{"a b", "c d", "e f"}, "")
	require.NoError(t, err)
	require.Len(t, results, 3)

	for _, r := range results {
		require.NoError(t, r.Err)
		assert.InDeltaSlice(t, []float32{0.6, 0.8, 0}, r.Vector, 1e-6)
		assert.True(t, pkgembeddings.IsNormalized(r.Vector, 1e-5))
	}

	// Two items per call.
	assert.Equal(t, int32(2), provider.calls.Load())
	assert.Equal(t, 2, usage.Calls)
	assert.Equal(t, 12, usage.Tokens)
	assert.InDelta(t, 12*2.0/1e6, usage.Cost, 1e-12)
	assert.Equal(t, fakeModel.ID, usage.Model)
}

func TestClient_EmbedTexts_PerItemErrors(t *testing.T) {
	var sent []string

	provider := &mockProvider{embedFunc: func(ctx context.Context, m ModelSpec, texts []string) (Batch, error) {
		sent = append(sent, texts...)

		return constantVectors(ctx, m, texts)
	}}
	client := newTestClient(t, provider)

	long := strings.Repeat("x", 80) // 20 estimated tokens > 10

	results, _, err := client.EmbedTexts(context.Background(), []string{"ok", "  ", long}, fakeModel.ID)
	require.NoError(t, err)

	assert.NoError(t, results[0].Err)
	assert.ErrorIs(t, results[1].Err, huberrors.ErrValidation)
	assert.ErrorIs(t, results[2].Err, huberrors.ErrTokenLimit)
	assert.Equal(t, []string{"ok"}, sent)
}

func TestClient_EmbedTexts_RetriesTransientFailures(t *testing.T) {
	var attempts atomic.Int32

	provider := &mockProvider{embedFunc: func(ctx context.Context, m ModelSpec, texts []string) (Batch, error) {
		if attempts.Add(1) < 3 {
			return Batch{}, &huberrors.ModelUnavailableError{Model: m.ID, Status: http.StatusTooManyRequests, RateLimited: true}
		}

		return constantVectors(ctx, m, texts)
	}}
	client := newTestClient(t, provider)

	results, usage, err := client.EmbedTexts(context.Background(), []string{"a"}, "")
	require.NoError(t, err)
	require.NoError(t, results[0].Err)
	assert.Equal(t, 3, usage.Calls)
}

func TestClient_EmbedTexts_RetriesExhausted(t *testing.T) {
	provider := &mockProvider{embedFunc: func(_ context.Context, m ModelSpec, _ []string) (Batch, error) {
		return Batch{}, &huberrors.ModelUnavailableError{Model: m.ID, Status: http.StatusServiceUnavailable}
	}}
	client := newTestClient(t, provider)

	_, _, err := client.EmbedTexts(context.Background(), []string{"a"}, "")
	require.Error(t, err)
	assert.Equal(t, huberrors.KindModelUnavailable, huberrors.Kind(err))
	assert.Equal(t, int32(3), provider.calls.Load())
}

func TestClient_EmbedTexts_FatalStatusIsNotRetried(t *testing.T) {
	provider := &mockProvider{embedFunc: func(_ context.Context, m ModelSpec, _ []string) (Batch, error) {
		return Batch{}, &huberrors.ModelUnavailableError{Model: m.ID, Status: http.StatusUnauthorized, Permanent: true}
	}}
	client := newTestClient(t, provider)

	_, _, err := client.EmbedTexts(context.Background(), []string{"a", "b"}, "")
	require.Error(t, err)
	assert.Equal(t, huberrors.KindModelUnavailable, huberrors.Kind(err))
	assert.Equal(t, int32(1), provider.calls.Load())
}

func TestClient_EmbedTexts_PermanentBatchFailureIsolatesItem(t *testing.T) {
	provider := &mockProvider{embedFunc: func(ctx context.Context, m ModelSpec, texts []string) (Batch, error) {
		for _, text := range texts {
			if text == "bad" {
				return Batch{}, &huberrors.ModelUnavailableError{Model: m.ID, Status: http.StatusBadRequest, Permanent: true}
			}
		}

		return constantVectors(ctx, m, texts)
	}}
	client := newTestClient(t, provider)

	results, _, err := client.EmbedTexts(context.Background(), []string{"good", "bad"}, "")
	require.NoError(t, err)

	assert.NoError(t, results[0].Err)
	assert.NotEmpty(t, results[0].Vector)
	assert.ErrorIs(t, results[1].Err, huberrors.ErrModelUnavailable)
	// One batch call plus one call per item.
	assert.Equal(t, int32(3), provider.calls.Load())
}

func TestClient_EmbedTexts_DimensionMismatch(t *testing.T) {
	provider := &mockProvider{embedFunc: func(_ context.Context, _ ModelSpec, _ []string) (Batch, error) {
		return Batch{Vectors: [][]float32{{1, 0}}}, nil
	}}
	client := newTestClient(t, provider)

	_, _, err := client.EmbedTexts(context.Background(), []string{"a"}, "")
	require.ErrorIs(t, err, huberrors.ErrDimensionMismatch)
}

func TestClient_EmbedTexts_NonFiniteVector(t *testing.T) {
	provider := &mockProvider{embedFunc: func(_ context.Context, _ ModelSpec, _ []string) (Batch, error) {
		nan := float32(0)
		nan /= nan

		return Batch{Vectors: [][]float32{{nan, 0, 0}}}, nil
	}}
	client := newTestClient(t, provider)

	results, _, err := client.EmbedTexts(context.Background(), []string{"a"}, "")
	require.NoError(t, err)
	assert.ErrorIs(t, results[0].Err, huberrors.ErrModelUnavailable)
	assert.Nil(t, results[0].Vector)
}

func TestClient_EmbedTexts_Timeout(t *testing.T) {
	provider := &mockProvider{embedFunc: func(ctx context.Context, _ ModelSpec, _ []string) (Batch, error) {
		<-ctx.Done()

		return Batch{}, ctx.Err()
	}}
	client := newTestClient(t, provider)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, _, err := client.EmbedTexts(ctx, []string{"a"}, "")
	require.ErrorIs(t, err, huberrors.ErrTimeout)
	assert.Equal(t, huberrors.KindTimeout, huberrors.Kind(err))
}

func TestClient_EmbedTexts_UnknownModel(t *testing.T) {
	client := newTestClient(t, &mockProvider{embedFunc: constantVectors})

	_, _, err := client.EmbedTexts(context.Background(), []string{"a"}, "no-such-model")
	require.ErrorIs(t, err, huberrors.ErrValidation)
}

func TestClient_EmbedTexts_HashProvider(t *testing.T) {
	client := NewClient(ClientParams{Providers: []Provider{NewHashProvider()}})

	results, usage, err := client.EmbedTexts(context.Background(), []string{"laptop dell electronics", "laptop dell"}, "hash-embed-v1")
	require.NoError(t, err)

	assert.Len(t, results[0].Vector, 256)
	assert.True(t, pkgembeddings.IsNormalized(results[0].Vector, 1e-5))
	assert.Greater(t, pkgembeddings.Cosine(results[0].Vector, results[1].Vector), 0.5)
	assert.Zero(t, usage.Cost)
}

func TestClient_TokenCost(t *testing.T) {
	client := newTestClient(t, &mockProvider{embedFunc: constantVectors})

	est, err := client.TokenCost([]string{"abcdefgh", "abcd", strings.Repeat("x", 100)}, "")
	require.NoError(t, err)

	assert.Equal(t, 3, est.Texts)
	assert.Equal(t, 3, est.Tokens)
	assert.Equal(t, 1, est.OverLimit)
	assert.InDelta(t, 3*2.0/1e6, est.Cost, 1e-12)
}

func TestDistributeTokens(t *testing.T) {
	assert.Equal(t, []int{2, 4}, distributeTokens(6, []int{0, 1}, []int{1, 2}))
	assert.Equal(t, []int{1, 2}, distributeTokens(0, []int{0, 1}, []int{1, 2}))
	assert.Equal(t, []int{3, 4}, distributeTokens(7, []int{0, 1}, []int{1, 1}))
}

func TestRetryWithBackoff_StopsOnNonRetryable(t *testing.T) {
	calls := 0
	permanent := errors.New("boom")

	err := retryWithBackoff(context.Background(), 5, time.Millisecond, time.Millisecond, func(int) error {
		calls++

		return permanent
	})

	require.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestCatalog(t *testing.T) {
	c := DefaultCatalog()

	spec, err := c.Lookup("")
	require.NoError(t, err)
	assert.Equal(t, DefaultModel, spec.ID)
	assert.Equal(t, 1536, spec.Dimension)

	_, err = c.Lookup("unknown")
	require.ErrorIs(t, err, huberrors.ErrValidation)

	models := c.Models()
	require.NotEmpty(t, models)
	assert.Equal(t, "gemini-embedding-001", models[0].ID)

	_, err = c.WithDefault("nope")
	assert.Error(t, err)

	large, err := c.WithDefault("text-embedding-3-large")
	require.NoError(t, err)
	assert.Equal(t, "text-embedding-3-large", large.Default())
	assert.Equal(t, DefaultModel, c.Default())
}

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
default_model: custom-embed
models:
  - id: custom-embed
    provider: local
    dimension: 384
    input_rate: 0
    max_input_tokens: 512
    max_batch_items: 32
  - id: text-embedding-3-small
    provider: openai
    dimension: 512
    input_rate: 0.02
    max_input_tokens: 8191
    max_batch_items: 2048
`), 0o600))

	c, err := LoadCatalog(path)
	require.NoError(t, err)

	assert.Equal(t, "custom-embed", c.Default())

	small, err := c.Lookup("text-embedding-3-small")
	require.NoError(t, err)
	assert.Equal(t, 512, small.Dimension)

	_, err = c.Lookup("text-embedding-3-large")
	assert.NoError(t, err)
}

func TestLoadCatalog_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte("models:\n  - id: broken\n    provider: local\n"), 0o600))

	_, err := LoadCatalog(path)
	assert.Error(t, err)
}
