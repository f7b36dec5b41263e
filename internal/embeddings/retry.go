package embeddings

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cargohub/hub/internal/huberrors"
)

// retryWithBackoff runs op until it succeeds, returns a non-retryable error, or maxAttempts is reached.
// The delay starts at baseDelay and doubles each attempt, capped at maxDelay.
func retryWithBackoff(
	ctx context.Context, maxAttempts int, baseDelay, maxDelay time.Duration, op func(attempt int) error,
) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error

	delay := baseDelay

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(attempt)
		if lastErr == nil {
			return nil
		}

		if !isRetryable(lastErr) || attempt == maxAttempts {
			break
		}

		slog.Debug("embedding call failed, will retry",
			"attempt", attempt, "max_attempts", maxAttempts, "delay", delay, "error", lastErr)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()

			return ctx.Err()
		case <-timer.C:
		}

		delay = min(delay*2, maxDelay)
	}

	return lastErr
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var mu *huberrors.ModelUnavailableError
	if errors.As(err, &mu) {
		return mu.Retryable()
	}

	return false
}
