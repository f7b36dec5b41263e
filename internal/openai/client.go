// Package openai adapts the official OpenAI Go SDK to the embeddings.Provider contract.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openaisdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"

	"github.com/cargohub/hub/internal/embeddings"
	"github.com/cargohub/hub/internal/huberrors"
)

// ErrNoEmbeddingInResponse is returned when the API response has fewer vectors than inputs.
var ErrNoEmbeddingInResponse = errors.New("openai: missing embeddings in response")

// Client calls the OpenAI embeddings API. Retries are left to embeddings.Client.
type Client struct {
	sdk  openaisdk.Client
	name string
}

type clientConfig struct {
	baseURL    string
	httpClient *http.Client
	name       string
}

// ClientOption configures the Client.
type ClientOption func(*clientConfig)

// WithBaseURL points the client at an OpenAI-compatible endpoint.
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

// WithProviderName overrides the provider name the client registers under (default "openai").
func WithProviderName(name string) ClientOption {
	return func(c *clientConfig) {
		c.name = name
	}
}

// NewClient creates an OpenAI embeddings provider.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	cfg := clientConfig{name: embeddings.ProviderOpenAI}
	for _, opt := range opts {
		opt(&cfg)
	}

	sdkOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}

	if cfg.baseURL != "" {
		sdkOpts = append(sdkOpts, option.WithBaseURL(cfg.baseURL))
	}

	if cfg.httpClient != nil {
		sdkOpts = append(sdkOpts, option.WithHTTPClient(cfg.httpClient))
	}

	return &Client{sdk: openaisdk.NewClient(sdkOpts...), name: cfg.name}
}

// Name implements embeddings.Provider.
func (c *Client) Name() string { return c.name }

// Embed sends all texts in one request and returns vectors in input order.
func (c *Client) Embed(ctx context.Context, model embeddings.ModelSpec, texts []string) (embeddings.Batch, error) {
	params := openaisdk.EmbeddingNewParams{
		Input:          openaisdk.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model:          openaisdk.EmbeddingModel(model.ID),
		EncodingFormat: openaisdk.EmbeddingNewParamsEncodingFormatFloat,
	}

	// Only the v3 family accepts a requested dimension.
	if strings.HasPrefix(model.ID, "text-embedding-3") {
		params.Dimensions = param.NewOpt(int64(model.Dimension))
	}

	resp, err := c.sdk.Embeddings.New(ctx, params)
	if err != nil {
		return embeddings.Batch{}, mapError(model.ID, err)
	}

	vectors := make([][]float32, len(texts))

	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(texts) {
			continue
		}

		vec := make([]float32, len(d.Embedding))
		for i, v := range d.Embedding {
			vec[i] = float32(v)
		}

		vectors[d.Index] = vec
	}

	for _, v := range vectors {
		if v == nil {
			return embeddings.Batch{}, &huberrors.ModelUnavailableError{Model: model.ID, Err: ErrNoEmbeddingInResponse}
		}
	}

	return embeddings.Batch{Vectors: vectors, PromptTokens: int(resp.Usage.PromptTokens)}, nil
}

// mapError classifies SDK errors for the retry policy in embeddings.Client.
func mapError(model string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *openaisdk.Error
	if errors.As(err, &apiErr) {
		return &huberrors.ModelUnavailableError{
			Model:       model,
			Status:      apiErr.StatusCode,
			RateLimited: apiErr.StatusCode == http.StatusTooManyRequests,
			Permanent:   !embeddings.IsRetryableStatus(apiErr.StatusCode),
			Err:         fmt.Errorf("openai embedding: %w", err),
		}
	}

	return &huberrors.ModelUnavailableError{Model: model, Err: fmt.Errorf("openai embedding: %w", err)}
}
