package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingID is returned when a result message carries no correlation id
	ErrMissingID = errors.New("missing correlation id")

	// ErrMissingBody is returned when a result message lacks the body field its queue expects
	ErrMissingBody = errors.New("missing result body")

	// ErrUnknownQueue is returned when a queue name is not part of the registry
	ErrUnknownQueue = errors.New("queue is not registered")
)

// ConfigurationError reports an unresolvable queue, a duplicate consumer registration
// or a missing required setting. It is raised before any broker round-trip.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return "configuration error: " + e.Reason + ": " + e.Err.Error()
	}
	return "configuration error: " + e.Reason
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// NewConfigurationError creates a new configuration error
func NewConfigurationError(format string, args ...any) error {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// DispatchError is returned by the dispatcher when a publish was attempted and failed.
// The caller decides whether to retry.
type DispatchError struct {
	Queue   string
	Summary string
	// Retriable is set when the cause is transient (link down, nack, timeout)
	Retriable bool
	Err       error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch to queue %q failed (payload %s): %v", e.Queue, e.Summary, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying the same send may succeed
func (e *DispatchError) Temporary() bool {
	return e.Retriable
}

// DecodeError wraps a message body that could not be decoded as a JSON object
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return "decode error: " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// HandlerError wraps a failure raised while applying a result
type HandlerError struct {
	ID  string
	Err error
}

func (e *HandlerError) Error() string {
	if e.ID == "" {
		return "handler error: " + e.Err.Error()
	}
	return fmt.Sprintf("handler error for id %q: %v", e.ID, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// IsConfigurationError reports whether err is or wraps a ConfigurationError
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}

// IsRetryable reports whether err is or wraps a RetryableError
func IsRetryable(err error) bool {
	var retryErr *RetryableError
	return errors.As(err, &retryErr)
}
