// Package localai serves embeddings from a self-hosted OpenAI-compatible endpoint (Ollama, llama.cpp,
// LM Studio) through langchaingo.
package localai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	lcembeddings "github.com/tmc/langchaingo/embeddings"
	lcopenai "github.com/tmc/langchaingo/llms/openai"

	"github.com/cargohub/hub/internal/embeddings"
	"github.com/cargohub/hub/internal/huberrors"
)

// DefaultBaseURL is the Ollama OpenAI-compatible endpoint.
const DefaultBaseURL = "http://localhost:11434/v1"

// noAuthToken is sent to local services that do not check credentials.
const noAuthToken = "none"

// Provider embeds texts through a local endpoint. One langchaingo embedder is built per model id.
type Provider struct {
	baseURL    string
	token      string
	httpClient *http.Client

	mu        sync.Mutex
	embedders map[string]lcembeddings.Embedder
}

// Option configures a Provider.
type Option func(*Provider)

// WithToken sets a bearer token for endpoints that require one.
func WithToken(token string) Option {
	return func(p *Provider) {
		if token != "" {
			p.token = token
		}
	}
}

// WithHTTPClient sets the transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = hc
	}
}

// NewProvider creates a local provider. An empty baseURL uses DefaultBaseURL.
func NewProvider(baseURL string, opts ...Option) *Provider {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	p := &Provider{
		baseURL:   strings.TrimRight(baseURL, "/"),
		token:     noAuthToken,
		embedders: make(map[string]lcembeddings.Embedder),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Name implements embeddings.Provider.
func (*Provider) Name() string { return embeddings.ProviderLocal }

// Embed implements embeddings.Provider. Local endpoints rarely report usage, so PromptTokens is 0.
func (p *Provider) Embed(ctx context.Context, model embeddings.ModelSpec, texts []string) (embeddings.Batch, error) {
	embedder, err := p.embedder(model)
	if err != nil {
		return embeddings.Batch{}, &huberrors.ModelUnavailableError{Model: model.ID, Permanent: true, Err: err}
	}

	vectors, err := embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return embeddings.Batch{}, mapError(model.ID, err)
	}

	return embeddings.Batch{Vectors: vectors}, nil
}

func (p *Provider) embedder(model embeddings.ModelSpec) (lcembeddings.Embedder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.embedders[model.ID]; ok {
		return e, nil
	}

	opts := []lcopenai.Option{
		lcopenai.WithBaseURL(p.baseURL),
		lcopenai.WithToken(p.token),
		lcopenai.WithEmbeddingModel(model.ID),
	}
	if p.httpClient != nil {
		opts = append(opts, lcopenai.WithHTTPClient(p.httpClient))
	}

	llm, err := lcopenai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create local embedding client: %w", err)
	}

	e, err := lcembeddings.NewEmbedder(llm,
		lcembeddings.WithStripNewLines(true),
		lcembeddings.WithBatchSize(model.MaxBatchItems),
	)
	if err != nil {
		return nil, fmt.Errorf("create local embedder: %w", err)
	}

	p.embedders[model.ID] = e

	return e, nil
}

// mapError recovers the upstream status from langchaingo's error text, which is the only place it survives.
func mapError(model string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	status := statusFromError(err)

	return &huberrors.ModelUnavailableError{
		Model:       model,
		Status:      status,
		RateLimited: status == http.StatusTooManyRequests,
		Permanent:   status != 0 && !embeddings.IsRetryableStatus(status),
		Err:         fmt.Errorf("local embedding: %w", err),
	}
}

func statusFromError(err error) int {
	const marker = "status code: "

	msg := err.Error()

	i := strings.Index(msg, marker)
	if i < 0 {
		return 0
	}

	var status int
	if _, scanErr := fmt.Sscanf(msg[i+len(marker):], "%d", &status); scanErr != nil {
		return 0
	}

	return status
}
