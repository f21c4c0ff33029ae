package rabbitmq

import (
	"errors"
	"strings"
)

var (
	// ErrNotConnected is returned by channel operations attempted while the broker link is down.
	// Nothing is buffered; callers may retry once the connection is reestablished.
	ErrNotConnected = errors.New("not connected to RabbitMQ")

	// ErrPublishNacked is returned when the broker refuses a published message
	ErrPublishNacked = errors.New("message was nacked by the broker")

	// ErrChannelClosed is returned when the channel closes while waiting for a confirm
	ErrChannelClosed = errors.New("channel closed before publish was confirmed")

	// ErrManagerClosed is returned when the manager has been shut down
	ErrManagerClosed = errors.New("connection manager is closed")
)

// ConnectionError reports that no broker endpoint could be reached in time
type ConnectionError struct {
	Endpoints []string
	Err       error
}

func (e *ConnectionError) Error() string {
	return "failed to connect to RabbitMQ (" + strings.Join(e.Endpoints, ", ") + "): " + e.Err.Error()
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsTemporary reports whether err is a broker-side condition worth retrying
func IsTemporary(err error) bool {
	return errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrChannelClosed) ||
		errors.Is(err, ErrPublishNacked)
}
