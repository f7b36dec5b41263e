package embeddings

import (
	"context"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Provider calls one embedding backend. Implementations return one vector per input, in input order,
// and report failures as *huberrors.ModelUnavailableError so Client can decide whether to retry.
type Provider interface {
	Name() string
	Embed(ctx context.Context, model ModelSpec, texts []string) (Batch, error)
}

// Batch is a provider response.
type Batch struct {
	Vectors [][]float32
	// PromptTokens is the upstream token count; 0 when the backend does not report usage.
	PromptTokens int
}

// IsFatalStatus reports whether an upstream status means the model cannot be used at all
// (bad credentials or a removed model).
func IsFatalStatus(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusNotFound
}

// IsRetryableStatus reports whether an upstream status is worth retrying.
func IsRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= http.StatusInternalServerError
}

// NewHTTPClient returns the HTTP client handed to provider SDKs. It retries connection-level
// failures only; status-based retries (429, 5xx) happen in Client so they are counted once.
func NewHTTPClient(timeout time.Duration, logger retryablehttp.LeveledLogger) *http.Client {
	rc := retryablehttp.NewClient()
	rc.HTTPClient.Timeout = timeout
	rc.RetryMax = 2
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = logger
	rc.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if err == nil {
			return false, nil
		}

		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return rc.StandardClient()
}
