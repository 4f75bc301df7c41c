package pulse

import (
	"fmt"
	"log/slog"
	"time"
)

// Defaults applied by NewConnection and NewListener.
const (
	DefaultPrefetch            = 5
	DefaultRetries             = 5
	DefaultDelayFactor         = 100 * time.Millisecond
	DefaultRandomizationFactor = 0.25
	DefaultMaxDelay            = 30 * time.Second
	DefaultRetryResetTime      = 5 * time.Minute
)

// Credentials identify a broker account and host. URL renders them as an
// AMQP connection URI, defaulting the port by protocol.
type Credentials struct {
	Username string
	Password string
	Hostname string
	Port     int

	// PlainText disables TLS; the default is an encrypted connection.
	PlainText bool
}

// URL returns the connection URI for the credentials.
func (c Credentials) URL() string {
	scheme, port := "amqps", 5671
	if c.PlainText {
		scheme, port = "amqp", 5672
	}
	if c.Port != 0 {
		port = c.Port
	}
	return fmt.Sprintf("%s://%s:%s@%s:%d", scheme, c.Username, c.Password, c.Hostname, port)
}

// ConnectionOption configures a Connection.
type ConnectionOption func(*Connection)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(c *Connection) {
		c.logger = logger
	}
}

// WithRetries sets how many times a failed connection attempt is retried
// before the connection gives up. The total number of attempts is one more
// than this.
func WithRetries(retries int) ConnectionOption {
	return func(c *Connection) {
		c.retries = retries
	}
}

// WithDelayFactor sets the base unit of the exponential backoff delay.
func WithDelayFactor(d time.Duration) ConnectionOption {
	return func(c *Connection) {
		c.policy.DelayFactor = d
	}
}

// WithRandomizationFactor sets the relative jitter applied to each backoff
// delay, e.g. 0.25 for ±25%.
func WithRandomizationFactor(f float64) ConnectionOption {
	return func(c *Connection) {
		c.policy.RandomizationFactor = f
	}
}

// WithMaxDelay caps the backoff delay between attempts.
func WithMaxDelay(d time.Duration) ConnectionOption {
	return func(c *Connection) {
		c.policy.MaxDelay = d
	}
}

// WithRetryResetTime sets the window after which the retry budget is
// considered fresh again. A failure arriving later than this after the
// previous attempt starts counting from zero.
func WithRetryResetTime(d time.Duration) ConnectionOption {
	return func(c *Connection) {
		c.resetAfter = d
	}
}

// WithReconnect enables or disables automatic reconnection after an
// established session is lost. Enabled by default; when disabled, session
// loss is immediately fatal.
func WithReconnect(enabled bool) ConnectionOption {
	return func(c *Connection) {
		c.reconnect = enabled
	}
}

// WithDialer replaces the function used to dial the broker.
func WithDialer(dial Dialer) ConnectionOption {
	return func(c *Connection) {
		c.dial = dial
	}
}

// ListenerOption configures a Listener.
type ListenerOption func(*Listener)

// WithListenerLogger sets the logger.
func WithListenerLogger(logger *slog.Logger) ListenerOption {
	return func(l *Listener) {
		l.logger = logger
	}
}

// WithQueueName names the listener's queue. Named queues are durable and
// survive the listener; without a name the listener declares an exclusive
// auto-deleted queue under a random identifier.
func WithQueueName(name string) ListenerOption {
	return func(l *Listener) {
		l.name = name
	}
}

// WithNamespace sets the queue namespace. Defaults to the connecting
// username.
func WithNamespace(ns string) ListenerOption {
	return func(l *Listener) {
		l.namespace = ns
	}
}

// WithPrefetch bounds the number of unacknowledged deliveries outstanding
// on the listener's channel.
func WithPrefetch(n int) ListenerOption {
	return func(l *Listener) {
		l.prefetch = n
	}
}

// WithMaxLength bounds the number of messages the broker keeps enqueued for
// the listener's queue.
func WithMaxLength(n int) ListenerOption {
	return func(l *Listener) {
		l.maxLength = n
	}
}
