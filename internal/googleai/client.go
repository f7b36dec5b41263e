// Package googleai adapts the Google Gen AI SDK (Gemini API) to the embeddings.Provider contract.
package googleai

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"

	"google.golang.org/genai"

	"github.com/cargohub/hub/internal/embeddings"
	"github.com/cargohub/hub/internal/huberrors"
)

var (
	// ErrNoEmbeddingInResponse is returned when the API response has fewer vectors than inputs.
	ErrNoEmbeddingInResponse = errors.New("googleai: missing embeddings in response")
	// ErrInvalidDims is returned when the model dimension cannot be sent as OutputDimensionality.
	ErrInvalidDims = errors.New("googleai: embedding dimensions must be positive")
)

// Client calls the Gemini embeddings API.
type Client struct {
	client *genai.Client
}

type clientConfig struct {
	baseURL    string
	httpClient *http.Client
}

// ClientOption configures the Client.
type ClientOption func(*clientConfig)

// WithBaseURL overrides the API endpoint.
func WithBaseURL(url string) ClientOption {
	return func(c *clientConfig) {
		c.baseURL = url
	}
}

// WithHTTPClient sets the transport, typically embeddings.NewHTTPClient.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *clientConfig) {
		c.httpClient = hc
	}
}

// NewClient creates a Gemini embeddings provider.
func NewClient(ctx context.Context, apiKey string, opts ...ClientOption) (*Client, error) {
	var cfg clientConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	genaiClient, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  cfg.httpClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: cfg.baseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("googleai client: %w", err)
	}

	return &Client{client: genaiClient}, nil
}

// Name implements embeddings.Provider.
func (*Client) Name() string { return embeddings.ProviderGoogle }

// Embed sends all texts in one batchEmbedContents request. Gemini does not report token usage for
// embeddings, so PromptTokens is 0 and the caller falls back to estimates.
func (c *Client) Embed(ctx context.Context, model embeddings.ModelSpec, texts []string) (embeddings.Batch, error) {
	if model.Dimension <= 0 || model.Dimension > math.MaxInt32 {
		return embeddings.Batch{}, &huberrors.ModelUnavailableError{Model: model.ID, Permanent: true, Err: ErrInvalidDims}
	}

	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	//nolint:gosec // G115: bounded above by math.MaxInt32
	dim := int32(model.Dimension)

	resp, err := c.client.Models.EmbedContent(ctx, model.ID, contents, &genai.EmbedContentConfig{
		OutputDimensionality: &dim,
	})
	if err != nil {
		return embeddings.Batch{}, mapError(model.ID, err)
	}

	if len(resp.Embeddings) != len(texts) {
		return embeddings.Batch{}, &huberrors.ModelUnavailableError{Model: model.ID, Err: ErrNoEmbeddingInResponse}
	}

	vectors := make([][]float32, len(texts))

	for i, emb := range resp.Embeddings {
		if emb == nil {
			return embeddings.Batch{}, &huberrors.ModelUnavailableError{Model: model.ID, Err: ErrNoEmbeddingInResponse}
		}

		vectors[i] = append([]float32(nil), emb.Values...)
	}

	return embeddings.Batch{Vectors: vectors}, nil
}

func mapError(model string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &huberrors.ModelUnavailableError{
			Model:       model,
			Status:      apiErr.Code,
			RateLimited: apiErr.Code == http.StatusTooManyRequests,
			Permanent:   !embeddings.IsRetryableStatus(apiErr.Code),
			Err:         fmt.Errorf("gemini embedding: %w", err),
		}
	}

	return &huberrors.ModelUnavailableError{Model: model, Err: fmt.Errorf("gemini embedding: %w", err)}
}
