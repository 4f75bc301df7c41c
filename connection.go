package pulse

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/taskfabric/pulse-go/internal/backoff"
)

// ConnectionState describes where a Connection is in its lifecycle.
type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Channel is the subset of *amqp.Channel a listener drives.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
	QueueInspect(name string) (amqp.Queue, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Close() error
}

// Session is the broker connection surface managed by a Connection.
type Session interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Dialer opens a broker session for a connection URL.
type Dialer func(url string) (Session, error)

type amqpSession struct {
	conn *amqp.Connection
}

func (s *amqpSession) Channel() (Channel, error) {
	ch, err := s.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (s *amqpSession) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return s.conn.NotifyClose(receiver)
}

func (s *amqpSession) IsClosed() bool { return s.conn.IsClosed() }
func (s *amqpSession) Close() error   { return s.conn.Close() }

func amqpDial(rawURL string) (Session, error) {
	conn, err := amqp.Dial(rawURL)
	if err != nil {
		return nil, err
	}
	return &amqpSession{conn: conn}, nil
}

// ConnectionStateListener receives connection state change notifications.
// Callbacks are invoked synchronously and must not block.
type ConnectionStateListener interface {
	// OnConnected fires after a session is established, including after a
	// successful reconnect.
	OnConnected()
	// OnReconnecting fires when an established session is lost and a new
	// connection attempt begins. Channels opened on the previous session
	// are invalid from this point.
	OnReconnecting()
	// OnError fires once when the connection gives up: retries exhausted,
	// or session loss with reconnection disabled.
	OnError(err error)
}

// Connection manages a single broker session with automatic reconnection.
// One Connection may be shared by any number of Listeners; each opens its
// own channel on the shared session.
type Connection struct {
	url        string
	dial       Dialer
	retries    int
	policy     backoff.Policy
	resetAfter time.Duration
	reconnect  bool
	logger     *slog.Logger

	mu          sync.Mutex
	sess        Session
	state       ConnectionState
	attempts    int
	lastAttempt time.Time
	waiters     []chan error
	errored     bool

	done      chan struct{}
	closeOnce sync.Once

	listenersMu    sync.RWMutex
	stateListeners []ConnectionStateListener
}

// NewConnection creates a connection manager for the given broker URL. No
// dialing happens until Connect is called.
func NewConnection(url string, options ...ConnectionOption) *Connection {
	c := &Connection{
		url:     url,
		dial:    amqpDial,
		retries: DefaultRetries,
		policy: backoff.Policy{
			DelayFactor:         DefaultDelayFactor,
			RandomizationFactor: DefaultRandomizationFactor,
			MaxDelay:            DefaultMaxDelay,
		},
		resetAfter: DefaultRetryResetTime,
		reconnect:  true,
		logger:     slog.Default(),
		done:       make(chan struct{}),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// NewConnectionFromCredentials creates a connection manager from structured
// credentials.
func NewConnectionFromCredentials(creds Credentials, options ...ConnectionOption) *Connection {
	return NewConnection(creds.URL(), options...)
}

// Username returns the username embedded in the connection URL. It is the
// default namespace for listener queues.
func (c *Connection) Username() string {
	u, err := url.Parse(c.url)
	if err != nil || u.User == nil {
		return ""
	}
	return u.User.Username()
}

// State returns the current connection state.
func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect establishes the broker session. It is idempotent: an open
// connection returns immediately, and concurrent callers share the outcome
// of a single dial loop rather than dialing again.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateOpen:
		c.mu.Unlock()
		return nil

	case StateClosed:
		c.mu.Unlock()
		return ErrConnectionClosed

	case StateConnecting, StateReconnecting:
		w := make(chan error, 1)
		c.waiters = append(c.waiters, w)
		c.mu.Unlock()
		select {
		case err := <-w:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.state = StateConnecting
	c.mu.Unlock()

	return c.establish(ctx)
}

// Channel connects if necessary and opens a fresh channel on the session.
func (c *Connection) Channel(ctx context.Context) (Channel, error) {
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()

	if sess == nil {
		return nil, ErrSessionLost
	}
	return sess.Channel()
}

// Close releases the session and stops any reconnection. Closing an already
// closed connection is a no-op.
func (c *Connection) Close() error {
	c.mu.Lock()
	alreadyClosed := c.state == StateClosed
	c.state = StateClosed
	sess := c.sess
	c.sess = nil
	waiters := c.takeWaitersLocked()
	c.mu.Unlock()

	c.closeOnce.Do(func() { close(c.done) })
	settleWaiters(waiters, ErrConnectionClosed)

	if alreadyClosed || sess == nil {
		return nil
	}
	return sess.Close()
}

// AddStateListener registers a connection state listener.
func (c *Connection) AddStateListener(l ConnectionStateListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.stateListeners = append(c.stateListeners, l)
}

// RemoveStateListener unregisters a connection state listener.
func (c *Connection) RemoveStateListener(l ConnectionStateListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	for i, registered := range c.stateListeners {
		if registered == l {
			c.stateListeners = append(c.stateListeners[:i], c.stateListeners[i+1:]...)
			break
		}
	}
}

// establish runs the dial loop until a session is up, the retry budget is
// exhausted, or the context or connection is closed. It settles every
// waiter registered while it ran.
func (c *Connection) establish(ctx context.Context) error {
	for {
		c.mu.Lock()
		// A long-lived session should not inherit the failures of a stale
		// burst: a failure arriving after the reset window counts from zero.
		if c.attempts > 0 && c.resetAfter > 0 && time.Since(c.lastAttempt) > c.resetAfter {
			c.attempts = 0
		}
		attempt := c.attempts
		c.mu.Unlock()

		if delay := c.policy.Delay(attempt); delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return c.fail(ctx.Err(), false)
			case <-c.done:
				return c.fail(ErrConnectionClosed, false)
			}
		}

		c.mu.Lock()
		c.lastAttempt = time.Now()
		c.mu.Unlock()

		sess, err := c.dial(c.url)
		if err == nil {
			c.mu.Lock()
			if c.state == StateClosed {
				c.mu.Unlock()
				sess.Close()
				return ErrConnectionClosed
			}
			c.sess = sess
			c.state = StateOpen
			waiters := c.takeWaitersLocked()
			c.mu.Unlock()

			c.logger.Info("connected to broker",
				"url", SanitizeURL(c.url),
				"attempt", attempt+1)

			settleWaiters(waiters, nil)
			go c.monitor(sess)
			c.notifyConnected()
			return nil
		}

		c.mu.Lock()
		c.attempts++
		attempts := c.attempts
		exhausted := attempts > c.retries
		c.mu.Unlock()

		if exhausted {
			connErr := &ConnectionError{
				Op:        "connect",
				URL:       SanitizeURL(c.url),
				Err:       fmt.Errorf("%w: %w", ErrRetriesExhausted, err),
				Attempts:  attempts,
				Timestamp: time.Now(),
			}
			c.logger.Error("connection retries exhausted",
				"attempts", attempts,
				"error", err)
			return c.fail(connErr, true)
		}

		c.logger.Warn("connection attempt failed",
			"error", err,
			"attempt", attempts,
			"url", SanitizeURL(c.url))
	}
}

// monitor watches the session for broker-side closure and drives either
// reconnection or the fatal error path.
func (c *Connection) monitor(sess Session) {
	closings := sess.NotifyClose(make(chan *amqp.Error, 1))

	select {
	case <-c.done:
		return

	case amqpErr := <-closings:
		select {
		case <-c.done:
			return
		default:
		}

		var reason error = ErrSessionLost
		if amqpErr != nil {
			reason = amqpErr
		}

		c.mu.Lock()
		if c.state == StateClosed {
			c.mu.Unlock()
			return
		}
		c.sess = nil

		if !c.reconnect {
			c.state = StateClosed
			c.mu.Unlock()
			c.logger.Error("session lost, reconnect disabled", "error", reason)
			c.notifyError(fmt.Errorf("%w: %w", ErrReconnectDisabled, reason))
			return
		}

		c.state = StateReconnecting
		c.mu.Unlock()

		c.logger.Warn("session lost, reconnecting", "error", reason)
		c.notifyReconnecting()
		c.establish(context.Background())
	}
}

// fail settles all waiters with err. A fatal failure closes the connection
// and fires OnError; a non-fatal one (caller cancellation) returns the
// connection to idle so a later Connect can try again.
func (c *Connection) fail(err error, fatal bool) error {
	c.mu.Lock()
	if fatal {
		c.state = StateClosed
	} else if c.state != StateClosed {
		c.state = StateIdle
	}
	waiters := c.takeWaitersLocked()
	c.mu.Unlock()

	settleWaiters(waiters, err)
	if fatal {
		c.notifyError(err)
	}
	return err
}

func (c *Connection) takeWaitersLocked() []chan error {
	waiters := c.waiters
	c.waiters = nil
	return waiters
}

func settleWaiters(waiters []chan error, err error) {
	for _, w := range waiters {
		w <- err
	}
}

func (c *Connection) notifyConnected() {
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()
	for _, l := range c.stateListeners {
		l.OnConnected()
	}
}

func (c *Connection) notifyReconnecting() {
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()
	for _, l := range c.stateListeners {
		l.OnReconnecting()
	}
}

// notifyError surfaces a fatal error exactly once for the lifetime of the
// connection.
func (c *Connection) notifyError(err error) {
	c.mu.Lock()
	if c.errored {
		c.mu.Unlock()
		return
	}
	c.errored = true
	c.mu.Unlock()

	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()
	for _, l := range c.stateListeners {
		l.OnError(err)
	}
}
