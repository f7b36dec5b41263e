// Package huberrors provides sentinel and custom error types for the application.
package huberrors

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound represents a "not found" error.
// Use when a requested resource doesn't exist.
var ErrNotFound = &NotFoundError{}

// NotFoundError is a sentinel error for resources that are not found.
type NotFoundError struct {
	Resource string
	Message  string
}

// NewNotFoundError creates a new NotFoundError with a custom message.
func NewNotFoundError(resource, message string) *NotFoundError {
	return &NotFoundError{
		Resource: resource,
		Message:  message,
	}
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	if e.Message != "" {
		return e.Message
	}

	if e.Resource != "" {
		return e.Resource + " not found"
	}

	return "resource not found"
}

// Is implements the error interface for error comparison.
func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)

	return ok
}

// ErrValidation represents a validation error.
// Use when client input fails validation.
var ErrValidation = &ValidationError{}

// ValidationError is a sentinel error for validation failures.
type ValidationError struct {
	Field   string
	Message string
}

// NewValidationError creates a new ValidationError with a custom message.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Message != "" {
		return e.Message
	}

	if e.Field != "" {
		return "validation failed for field: " + e.Field
	}

	return "validation error"
}

// Is implements the error interface for error comparison.
func (e *ValidationError) Is(target error) bool {
	_, ok := target.(*ValidationError)

	return ok
}

// ErrLimitExceeded is the sentinel for limit-exceeded errors (e.g. max controlled tests).
// Use when an operation is rejected because a configured limit was reached.
var ErrLimitExceeded = &LimitExceededError{}

// LimitExceededError is a sentinel error for limit-exceeded conditions.
type LimitExceededError struct {
	Message string
}

// NewLimitExceededError creates a LimitExceededError with a custom message.
func NewLimitExceededError(message string) *LimitExceededError {
	return &LimitExceededError{Message: message}
}

// Error implements the error interface.
func (e *LimitExceededError) Error() string {
	if e.Message != "" {
		return e.Message
	}

	return "limit exceeded"
}

// Is implements the error interface for error comparison.
func (e *LimitExceededError) Is(target error) bool {
	_, ok := target.(*LimitExceededError)

	return ok
}

// ErrConflict is the sentinel for conflict errors (e.g. duplicate controlled test name).
var ErrConflict = &ConflictError{}

// ConflictError is a sentinel error for resource conflicts.
type ConflictError struct {
	Message string
}

// NewConflictError creates a ConflictError with a custom message.
func NewConflictError(message string) *ConflictError {
	return &ConflictError{Message: message}
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	if e.Message != "" {
		return e.Message
	}

	return "conflict"
}

// Is implements the error interface for error comparison.
func (e *ConflictError) Is(target error) bool {
	_, ok := target.(*ConflictError)

	return ok
}

// ErrForbidden is the sentinel for authorization failures.
var ErrForbidden = &ForbiddenError{}

// ForbiddenError is returned when the caller may not access the requested data.
type ForbiddenError struct {
	Message string
}

// NewForbiddenError creates a ForbiddenError with a custom message.
func NewForbiddenError(message string) *ForbiddenError {
	return &ForbiddenError{Message: message}
}

// Error implements the error interface.
func (e *ForbiddenError) Error() string {
	if e.Message != "" {
		return e.Message
	}

	return "forbidden"
}

// Is implements the error interface for error comparison.
func (e *ForbiddenError) Is(target error) bool {
	_, ok := target.(*ForbiddenError)

	return ok
}

// ErrModelUnavailable is the sentinel for embedding model failures.
var ErrModelUnavailable = &ModelUnavailableError{}

// ModelUnavailableError reports an embedding model failure.
// RateLimited marks throttling; Permanent marks failures that retrying cannot fix (auth, removed model, bad input).
type ModelUnavailableError struct {
	Model       string
	Status      int
	RateLimited bool
	Permanent   bool
	Err         error
}

// Error implements the error interface.
func (e *ModelUnavailableError) Error() string {
	msg := "embedding model unavailable"
	if e.Model != "" {
		msg += ": " + e.Model
	}

	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

// Unwrap returns the upstream error.
func (e *ModelUnavailableError) Unwrap() error { return e.Err }

// Is implements the error interface for error comparison.
func (e *ModelUnavailableError) Is(target error) bool {
	_, ok := target.(*ModelUnavailableError)

	return ok
}

// Retryable reports whether another attempt may succeed.
func (e *ModelUnavailableError) Retryable() bool {
	return !e.Permanent
}

// ErrTokenLimit is the sentinel for inputs exceeding a model's token budget.
var ErrTokenLimit = &TokenLimitError{}

// TokenLimitError is returned when one text exceeds the model input budget. Callers must truncate.
type TokenLimitError struct {
	Model  string
	Index  int
	Tokens int
	Limit  int
}

// Error implements the error interface.
func (e *TokenLimitError) Error() string {
	if e.Limit == 0 {
		return "token limit exceeded"
	}

	return fmt.Sprintf("text %d has %d tokens, model %s accepts at most %d", e.Index, e.Tokens, e.Model, e.Limit)
}

// Is implements the error interface for error comparison.
func (e *TokenLimitError) Is(target error) bool {
	_, ok := target.(*TokenLimitError)

	return ok
}

// ErrTimeout is the sentinel for deadlines elapsing at a suspension point.
var ErrTimeout = &TimeoutError{}

// TimeoutError is returned when an operation's deadline elapses.
type TimeoutError struct {
	Op string
}

// NewTimeoutError creates a TimeoutError for the named operation.
func NewTimeoutError(op string) *TimeoutError {
	return &TimeoutError{Op: op}
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	if e.Op != "" {
		return e.Op + ": deadline exceeded"
	}

	return "deadline exceeded"
}

// Is implements the error interface for error comparison.
func (e *TimeoutError) Is(target error) bool {
	_, ok := target.(*TimeoutError)

	return ok
}

// ErrDimensionMismatch is the sentinel for vectors whose length differs from the model dimension.
var ErrDimensionMismatch = &DimensionMismatchError{}

// DimensionMismatchError reports a vector whose length does not match the model's dimension.
type DimensionMismatchError struct {
	Model string
	Want  int
	Got   int
}

// Error implements the error interface.
func (e *DimensionMismatchError) Error() string {
	if e.Want == 0 && e.Got == 0 {
		return "dimension mismatch"
	}

	return fmt.Sprintf("dimension mismatch for model %s: want %d, got %d", e.Model, e.Want, e.Got)
}

// Is implements the error interface for error comparison.
func (e *DimensionMismatchError) Is(target error) bool {
	_, ok := target.(*DimensionMismatchError)

	return ok
}

// Plain sentinels for search preconditions.
var (
	ErrEmptyQuery   = errors.New("query is empty after normalization")
	ErrNoEmbeddings = errors.New("no embeddings stored for model")
)

// Error kinds reported to callers.
const (
	KindValidation        = "validation"
	KindNotFound          = "not_found"
	KindForbidden         = "forbidden"
	KindConflict          = "conflict"
	KindLimitExceeded     = "limit_exceeded"
	KindEmptyQuery        = "empty_query"
	KindNoEmbeddings      = "no_embeddings"
	KindModelUnavailable  = "model_unavailable"
	KindTokenLimit        = "token_limit"
	KindTimeout           = "timeout"
	KindDimensionMismatch = "dimension_mismatch"
	KindInternal          = "internal"
)

// Kind returns the stable discriminator for err, or "" for nil.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrEmptyQuery):
		return KindEmptyQuery
	case errors.Is(err, ErrNoEmbeddings):
		return KindNoEmbeddings
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrTokenLimit):
		return KindTokenLimit
	case errors.Is(err, ErrDimensionMismatch):
		return KindDimensionMismatch
	case errors.Is(err, ErrModelUnavailable):
		return KindModelUnavailable
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrLimitExceeded):
		return KindLimitExceeded
	default:
		return KindInternal
	}
}
