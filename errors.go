package pulse

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

var (
	// Connection errors
	ErrConnectionClosed  = errors.New("pulse: connection is closed")
	ErrRetriesExhausted  = errors.New("pulse: connection retries exhausted")
	ErrReconnectDisabled = errors.New("pulse: session lost and reconnect is disabled")
	ErrSessionLost       = errors.New("pulse: broker session lost")

	// Listener errors
	ErrListenerClosed = errors.New("pulse: listener is closed")
	ErrNotConsuming   = errors.New("pulse: listener is not consuming")
	ErrNotConnected   = errors.New("pulse: listener is not connected")
)

// ConnectionError wraps a failure of the connection manager with the
// operation that failed and the number of dial attempts made.
type ConnectionError struct {
	Op        string
	URL       string // sanitized
	Err       error
	Attempts  int
	Timestamp time.Time
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("pulse connection error: %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("pulse connection error: %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ListenerError wraps a failure of a listener operation with the queue it
// was operating on.
type ListenerError struct {
	Op        string
	Queue     string
	Err       error
	Timestamp time.Time
}

func (e *ListenerError) Error() string {
	return fmt.Sprintf("pulse listener error: %s failed for queue %s: %v", e.Op, e.Queue, e.Err)
}

func (e *ListenerError) Unwrap() error {
	return e.Err
}

// SanitizeURL strips the password from a broker URL so it can be logged.
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.String()
}
