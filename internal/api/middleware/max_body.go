package middleware

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/cargohub/hub/internal/api/response"
)

// RequestBodyTooLargeRecorder records requests rejected for exceeding the body limit. Nil disables it.
type RequestBodyTooLargeRecorder interface {
	RecordRequestBodyTooLarge(ctx context.Context)
}

// MaxBody caps request bodies at maxBytes. A declared Content-Length above the cap is rejected with 413
// before the handler runs; a streamed body that overruns it fails the handler's read with
// *http.MaxBytesError, which validation.RespondValidationError turns into 413. maxBytes <= 0 disables
// the cap.
func MaxBody(maxBytes int64, recorder RequestBodyTooLargeRecorder) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}

	record := func(ctx context.Context) {
		if recorder != nil {
			recorder.RecordRequestBodyTooLarge(ctx)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				record(r.Context())
				response.RespondBodyTooLarge(w, r.URL.Path)

				return
			}

			if r.Body != nil && r.Body != http.NoBody {
				r.Body = &limitedBody{
					ReadCloser: http.MaxBytesReader(w, r.Body, maxBytes),
					onExceeded: func() { record(r.Context()) },
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

// limitedBody reports the first read that crosses the limit.
type limitedBody struct {
	io.ReadCloser

	onExceeded func()
	reported   bool
}

func (b *limitedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)

	var tooLarge *http.MaxBytesError
	if !b.reported && errors.As(err, &tooLarge) {
		b.reported = true
		b.onExceeded()
	}

	return n, err //nolint:wrapcheck // io.EOF must reach callers unwrapped
}
