package eventbus

import (
	"errors"
	"fmt"
	"time"
)

// Errors
var (
	// ErrBusClosed is returned by operations on a bus after Shutdown.
	ErrBusClosed = errors.New("bus is closed")

	// ErrNilEnvelope is returned when publishing a nil envelope.
	ErrNilEnvelope = errors.New("envelope is nil")

	// ErrNilHandler is returned when subscribing with a nil handler.
	ErrNilHandler = errors.New("handler is nil")

	// ErrEmptyPattern is returned when subscribing with an empty pattern.
	ErrEmptyPattern = errors.New("pattern is empty")

	// ErrRateLimited is returned by Publish when the configured rate limit
	// rejects the envelope.
	ErrRateLimited = errors.New("publish rate limit exceeded")
)

// RequestTimeoutError indicates a correlated request received no matching
// response within its deadline. It is a normal outcome of Request, distinct
// from handler failures.
type RequestTimeoutError struct {
	Pattern   string
	RequestID string
	Timeout   time.Duration
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("request %q timed out after %s waiting for %q", e.RequestID, e.Timeout, e.Pattern)
}

// IsRequestTimeout checks if an error indicates a correlated request timeout.
func IsRequestTimeout(err error) bool {
	var timeoutErr *RequestTimeoutError
	return errors.As(err, &timeoutErr)
}

// HandlerError indicates a subscriber's handler failed during dispatch.
// It is recovered at the dispatch boundary and reported through the bus
// error handler; it never reaches the publisher or sibling handlers.
type HandlerError struct {
	EventType      string
	SubscriptionID string
	Err            error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler for %q (subscription %s) failed: %v", e.EventType, e.SubscriptionID, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// IsHandlerError checks if an error originated inside a subscriber's handler.
func IsHandlerError(err error) bool {
	var handlerErr *HandlerError
	return errors.As(err, &handlerErr)
}
