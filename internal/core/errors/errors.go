package errors

import (
	"errors"
	"fmt"
)

// Domain errors - these represent event-distribution failure conditions
var (
	// Authentication & connection admission
	ErrAuthRejected    = errors.New("invalid or expired credential")
	ErrConnectionLimit = errors.New("connection limit exceeded")
	ErrSlowConsumer    = errors.New("consumer too slow, connection closed")

	// Bus lifecycle
	ErrBusClosed = errors.New("event bus is closed")

	// Webhook registration
	ErrWebhookNotFound      = errors.New("webhook subscription not found")
	ErrWebhookURLRequired   = errors.New("target URL is required")
	ErrWebhookURLRejected   = errors.New("target URL fails network security policy")
	ErrWebhookSchemeInvalid = errors.New("target URL scheme must be http or https")
	ErrUnknownEventType     = errors.New("unknown event type in filter")

	// Webhook delivery
	ErrDeliveryTimeout   = errors.New("delivery attempt timed out")
	ErrDeliveryExhausted = errors.New("delivery retry budget exhausted")

	// Generic
	ErrNotFound    = errors.New("resource not found")
	ErrInternal    = errors.New("internal server error")
	ErrBadRequest  = errors.New("bad request")
	ErrRateLimited = errors.New("rate limit exceeded")
)

// AppError wraps errors with additional context for HTTP responses
type AppError struct {
	Err        error  // The underlying error
	Message    string // User-friendly message
	Code       string // Machine-readable error code
	StatusCode int    // HTTP status code
	Details    map[string]interface{}
}

func (e *AppError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Err.Error()
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Error constructors for common cases
func NewBadRequestError(err error, message string) *AppError {
	return &AppError{
		Err:        err,
		Message:    message,
		Code:       "BAD_REQUEST",
		StatusCode: 400,
	}
}

func NewUnauthorizedError(message string) *AppError {
	return &AppError{
		Err:        ErrAuthRejected,
		Message:    message,
		Code:       "AUTH_REJECTED",
		StatusCode: 401,
	}
}

func NewNotFoundError(err error, message string) *AppError {
	return &AppError{
		Err:        err,
		Message:    message,
		Code:       "NOT_FOUND",
		StatusCode: 404,
	}
}

func NewValidationError(err error, message string, details map[string]interface{}) *AppError {
	return &AppError{
		Err:        err,
		Message:    message,
		Code:       "VALIDATION_ERROR",
		StatusCode: 422,
		Details:    details,
	}
}

func NewURLRejectedError(reason string) *AppError {
	return &AppError{
		Err:        ErrWebhookURLRejected,
		Message:    fmt.Sprintf("Target URL rejected: %s", reason),
		Code:       "WEBHOOK_URL_REJECTED",
		StatusCode: 422,
	}
}

func NewRateLimitError() *AppError {
	return &AppError{
		Err:        ErrRateLimited,
		Message:    "Too many requests. Please try again later.",
		Code:       "RATE_LIMITED",
		StatusCode: 429,
	}
}

func NewInternalError(err error) *AppError {
	return &AppError{
		Err:        err,
		Message:    "An unexpected error occurred",
		Code:       "INTERNAL_ERROR",
		StatusCode: 500,
	}
}
