package embeddings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/cargohub/hub/internal/huberrors"
	"github.com/cargohub/hub/internal/observability"
	pkgembeddings "github.com/cargohub/hub/pkg/embeddings"
)

// Client defaults.
const (
	DefaultMaxTokensPerCall = 8000
	DefaultMaxAttempts      = 4
	DefaultRetryBaseDelay   = 500 * time.Millisecond
	DefaultRetryMaxDelay    = 20 * time.Second
)

var (
	// ErrNoProvider is returned when the catalog names a provider that is not configured.
	ErrNoProvider = errors.New("embedding provider not configured")
	errNonFinite  = errors.New("embedding has non-finite components")
	errShortBatch = errors.New("provider returned fewer vectors than inputs")
)

// Result is the outcome for one input text. Exactly one of Vector or Err is set.
type Result struct {
	Vector []float32
	Tokens int
	Err    error
}

// Usage is the token and cost accounting of one EmbedTexts call.
type Usage struct {
	Model  string
	Tokens int
	Cost   float64
	Calls  int
}

// CostEstimate is the projected token count and price for a set of texts.
type CostEstimate struct {
	Model  string  `json:"model"`
	Texts  int     `json:"texts"`
	Tokens int     `json:"tokens"`
	Cost   float64 `json:"cost"`
	// OverLimit counts texts that exceed the model input budget and would be rejected.
	OverLimit int `json:"over_limit"`
}

// Client batches texts, calls the provider that serves the requested model, retries transient
// failures with exponential backoff and accounts tokens and cost. It holds no per-call state and is
// safe for concurrent use.
type Client struct {
	catalog          *Catalog
	providers        map[string]Provider
	limiter          *rate.Limiter
	maxTokensPerCall int
	maxAttempts      int
	baseDelay        time.Duration
	maxDelay         time.Duration
	metrics          observability.EmbeddingMetrics
	logger           *slog.Logger
}

// ClientParams configures Client. Zero values use defaults; Limiter and Metrics may be nil.
type ClientParams struct {
	Catalog          *Catalog
	Providers        []Provider
	Limiter          *rate.Limiter
	MaxTokensPerCall int
	MaxAttempts      int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	Metrics          observability.EmbeddingMetrics
	Logger           *slog.Logger
}

// NewClient creates a Client.
func NewClient(p ClientParams) *Client {
	c := &Client{
		catalog:          p.Catalog,
		providers:        make(map[string]Provider, len(p.Providers)),
		limiter:          p.Limiter,
		maxTokensPerCall: p.MaxTokensPerCall,
		maxAttempts:      p.MaxAttempts,
		baseDelay:        p.RetryBaseDelay,
		maxDelay:         p.RetryMaxDelay,
		metrics:          p.Metrics,
		logger:           p.Logger,
	}

	if c.catalog == nil {
		c.catalog = DefaultCatalog()
	}

	for _, provider := range p.Providers {
		c.providers[provider.Name()] = provider
	}

	if c.maxTokensPerCall <= 0 {
		c.maxTokensPerCall = DefaultMaxTokensPerCall
	}

	if c.maxAttempts <= 0 {
		c.maxAttempts = DefaultMaxAttempts
	}

	if c.baseDelay <= 0 {
		c.baseDelay = DefaultRetryBaseDelay
	}

	if c.maxDelay <= 0 {
		c.maxDelay = DefaultRetryMaxDelay
	}

	if c.logger == nil {
		c.logger = slog.Default()
	}

	return c
}

// Catalog returns the model table the client was built with.
func (c *Client) Catalog() *Catalog {
	return c.catalog
}

// Spec resolves a model id through the catalog.
func (c *Client) Spec(modelID string) (ModelSpec, error) {
	spec, err := c.catalog.Lookup(modelID)
	if err != nil {
		return ModelSpec{}, fmt.Errorf("lookup model: %w", err)
	}

	return spec, nil
}

// TokenCost estimates the tokens and price of embedding texts with modelID.
func (c *Client) TokenCost(texts []string, modelID string) (CostEstimate, error) {
	spec, err := c.Spec(modelID)
	if err != nil {
		return CostEstimate{}, err
	}

	est := CostEstimate{Model: spec.ID, Texts: len(texts)}

	for _, text := range texts {
		n := EstimateTokens(text)
		if n > spec.MaxInputTokens {
			est.OverLimit++

			continue
		}

		est.Tokens += n
	}

	est.Cost = spec.Cost(est.Tokens)

	return est, nil
}

// EmbedTexts returns one Result per input text, in input order. Vectors are L2-normalized and have the
// model's dimension. Texts that are empty or over the model's input budget get a per-item error
// (validation or TokenLimit) and are not sent upstream. Permanent upstream failures of a multi-item
// call are narrowed to the offending items by re-sending them one at a time.
//
// The returned error is non-nil only when nothing usable was produced: unknown model, fatal upstream
// failure (auth, removed model), retries exhausted (ModelUnavailable), a dimension mismatch, or the
// deadline elapsing (Timeout).
func (c *Client) EmbedTexts(ctx context.Context, texts []string, modelID string) ([]Result, Usage, error) {
	spec, err := c.Spec(modelID)
	if err != nil {
		return nil, Usage{}, err
	}

	usage := Usage{Model: spec.ID}
	results := make([]Result, len(texts))

	provider, ok := c.providers[spec.Provider]
	if !ok {
		return nil, usage, fmt.Errorf("%w: %s (model %s)", ErrNoProvider, spec.Provider, spec.ID)
	}

	estimates := make([]int, len(texts))
	pending := make([]int, 0, len(texts))

	for i, text := range texts {
		estimates[i] = EstimateTokens(text)

		switch {
		case strings.TrimSpace(text) == "":
			results[i].Err = huberrors.NewValidationError("text", fmt.Sprintf("text %d is empty", i))
		case estimates[i] > spec.MaxInputTokens:
			results[i].Err = &huberrors.TokenLimitError{Model: spec.ID, Index: i, Tokens: estimates[i], Limit: spec.MaxInputTokens}
			c.recordProviderError(ctx, "token_limit")
		default:
			pending = append(pending, i)
		}
	}

	for _, batch := range c.planBatches(pending, estimates, spec) {
		if err := c.embedBatch(ctx, provider, spec, texts, estimates, batch, results, &usage); err != nil {
			return nil, usage, err
		}
	}

	usage.Cost = spec.Cost(usage.Tokens)

	return results, usage, nil
}

// planBatches groups item indexes so each call stays within the token budget and item cap.
func (c *Client) planBatches(indexes, estimates []int, spec ModelSpec) [][]int {
	var (
		batches [][]int
		current []int
		tokens  int
	)

	for _, i := range indexes {
		if len(current) > 0 && (tokens+estimates[i] > c.maxTokensPerCall || len(current) >= spec.MaxBatchItems) {
			batches = append(batches, current)
			current, tokens = nil, 0
		}

		current = append(current, i)
		tokens += estimates[i]
	}

	if len(current) > 0 {
		batches = append(batches, current)
	}

	return batches
}

func (c *Client) embedBatch(
	ctx context.Context, provider Provider, spec ModelSpec,
	texts []string, estimates []int, batch []int, results []Result, usage *Usage,
) error {
	inputs := make([]string, len(batch))
	for j, i := range batch {
		inputs[j] = texts[i]
	}

	out, err := c.call(ctx, provider, spec, inputs, usage)
	if err != nil {
		var mu *huberrors.ModelUnavailableError
		if len(batch) > 1 && errors.As(err, &mu) && mu.Permanent && !IsFatalStatus(mu.Status) {
			c.logger.Warn("embedding batch rejected, retrying items individually",
				"model", spec.ID, "items", len(batch), "error", err)

			return c.embedIndividually(ctx, provider, spec, texts, estimates, batch, results, usage)
		}

		return err
	}

	tokens := distributeTokens(out.PromptTokens, batch, estimates)

	for j, i := range batch {
		results[i] = c.checkVector(spec, out.Vectors[j], tokens[j])
		if errors.Is(results[i].Err, huberrors.ErrDimensionMismatch) {
			c.logger.Error("embedding dimension mismatch", "model", spec.ID, "error", results[i].Err)

			return results[i].Err
		}
	}

	return nil
}

func (c *Client) embedIndividually(
	ctx context.Context, provider Provider, spec ModelSpec,
	texts []string, estimates []int, batch []int, results []Result, usage *Usage,
) error {
	for _, i := range batch {
		out, err := c.call(ctx, provider, spec, []string{texts[i]}, usage)
		if err != nil {
			var mu *huberrors.ModelUnavailableError
			if errors.As(err, &mu) && mu.Permanent && !IsFatalStatus(mu.Status) {
				results[i].Err = err

				continue
			}

			return err
		}

		tokens := distributeTokens(out.PromptTokens, []int{i}, estimates)

		results[i] = c.checkVector(spec, out.Vectors[0], tokens[0])
		if errors.Is(results[i].Err, huberrors.ErrDimensionMismatch) {
			return results[i].Err
		}
	}

	return nil
}

// call performs one rate-limited provider request with retries and returns a batch whose length
// matches inputs.
func (c *Client) call(ctx context.Context, provider Provider, spec ModelSpec, inputs []string, usage *Usage) (Batch, error) {
	var out Batch

	err := retryWithBackoff(ctx, c.maxAttempts, c.baseDelay, c.maxDelay, func(attempt int) error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				if _, ok := ctx.Deadline(); ok {
					return huberrors.NewTimeoutError("embed_texts")
				}

				return fmt.Errorf("rate limiter: %w", err)
			}
		}

		start := time.Now()
		b, err := provider.Embed(ctx, spec, inputs)
		usage.Calls++

		if c.metrics != nil {
			c.metrics.RecordProviderCall(ctx, time.Since(start), len(inputs))
		}

		if err != nil {
			c.recordProviderError(ctx, providerErrorReason(err))

			return err
		}

		if len(b.Vectors) != len(inputs) {
			return &huberrors.ModelUnavailableError{Model: spec.ID, Permanent: true, Err: errShortBatch}
		}

		if attempt > 1 {
			c.logger.Debug("embedding call succeeded after retry", "model", spec.ID, "attempt", attempt)
		}

		out = b

		return nil
	})
	if err != nil {
		if errors.Is(err, huberrors.ErrTimeout) {
			return Batch{}, err
		}

		if errors.Is(err, context.DeadlineExceeded) {
			return Batch{}, huberrors.NewTimeoutError("embed_texts")
		}

		if errors.Is(err, context.Canceled) {
			return Batch{}, fmt.Errorf("embed texts: %w", err)
		}

		var mu *huberrors.ModelUnavailableError
		if !errors.As(err, &mu) {
			err = &huberrors.ModelUnavailableError{Model: spec.ID, Err: err}
		}

		return Batch{}, err
	}

	if out.PromptTokens > 0 {
		usage.Tokens += out.PromptTokens
	} else {
		for _, in := range inputs {
			usage.Tokens += EstimateTokens(in)
		}
	}

	if c.metrics != nil {
		c.metrics.RecordTokens(ctx, spec.ID, int64(out.PromptTokens))
	}

	return out, nil
}

func (c *Client) checkVector(spec ModelSpec, vec []float32, tokens int) Result {
	if len(vec) != spec.Dimension {
		return Result{Err: &huberrors.DimensionMismatchError{Model: spec.ID, Want: spec.Dimension, Got: len(vec)}}
	}

	if !pkgembeddings.AllFinite(vec) {
		return Result{Err: &huberrors.ModelUnavailableError{Model: spec.ID, Permanent: true, Err: errNonFinite}}
	}

	return Result{Vector: pkgembeddings.Normalized(vec), Tokens: tokens}
}

func (c *Client) recordProviderError(ctx context.Context, reason string) {
	if c.metrics != nil {
		c.metrics.RecordProviderError(ctx, reason)
	}
}

// distributeTokens splits a batch's upstream token count across its items proportionally to their
// estimates. When upstream reports nothing, the estimates are used as-is.
func distributeTokens(total int, batch []int, estimates []int) []int {
	out := make([]int, len(batch))

	var sum int
	for j, i := range batch {
		out[j] = estimates[i]
		sum += estimates[i]
	}

	if total <= 0 || sum == 0 {
		return out
	}

	assigned := 0

	for j := range out {
		out[j] = out[j] * total / sum
		assigned += out[j]
	}

	out[len(out)-1] += total - assigned

	return out
}

func providerErrorReason(err error) string {
	var mu *huberrors.ModelUnavailableError

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "cancelled"
	case !errors.As(err, &mu):
		return "transient"
	case mu.RateLimited:
		return "rate_limited"
	case IsFatalStatus(mu.Status):
		return "auth"
	case mu.Permanent:
		return "permanent"
	default:
		return "transient"
	}
}
