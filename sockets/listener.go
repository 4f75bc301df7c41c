// Package sockets provides a websocket listener with the same
// bind/message/error contract as the AMQP listener.
//
// The peer speaks a textual request/response protocol multiplexed on one
// full-duplex socket: every outbound call carries a generated request id
// and is answered by a frame with the same id; ready, bound, message, and
// error frames arrive out of band.
package sockets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	pulse "github.com/taskfabric/pulse-go"
)

var (
	ErrClosed   = errors.New("sockets: listener is closed")
	ErrNotReady = errors.New("sockets: peer never signalled ready")
)

// DefaultRequestTimeout bounds how long a call waits for its reply frame.
const DefaultRequestTimeout = 30 * time.Second

// request is an outbound call frame.
type request struct {
	Method  string `json:"method"`
	ID      string `json:"id"`
	Options any    `json:"options,omitempty"`
}

// frame is an inbound frame: either the reply to a request (matched by ID)
// or an out-of-band event.
type frame struct {
	Event   string          `json:"event"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Listener is the websocket sibling of pulse.Listener. It is a simpler
// single-connection peer: bindings and flow control are requests to the
// remote end, and deliveries carry no acknowledgement.
type Listener struct {
	url     string
	header  http.Header
	dialer  *websocket.Dialer
	timeout time.Duration
	logger  *slog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	conn     *websocket.Conn
	pending  map[string]chan error
	handlers []pulse.Handler
	closed   bool
	errored  bool

	ready     chan struct{}
	readyOnce sync.Once

	events chan pulse.Event
	done   chan struct{}
	wg     sync.WaitGroup
}

// Option configures the websocket listener.
type Option func(*Listener)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Listener) {
		l.logger = logger
	}
}

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(l *Listener) {
		l.dialer = d
	}
}

// WithRequestTimeout bounds how long calls wait for their reply.
func WithRequestTimeout(d time.Duration) Option {
	return func(l *Listener) {
		l.timeout = d
	}
}

// WithHeader sets HTTP headers sent with the websocket handshake.
func WithHeader(h http.Header) Option {
	return func(l *Listener) {
		l.header = h
	}
}

// NewListener creates a websocket listener for the given ws:// or wss://
// URL. No connection is made until Connect or Resume.
func NewListener(url string, options ...Option) *Listener {
	l := &Listener{
		url:     url,
		dialer:  websocket.DefaultDialer,
		timeout: DefaultRequestTimeout,
		logger:  slog.Default(),
		pending: make(map[string]chan error),
		ready:   make(chan struct{}),
		events:  make(chan pulse.Event, 16),
		done:    make(chan struct{}),
	}

	for _, opt := range options {
		opt(l)
	}

	return l
}

var _ pulse.Transport = (*Listener)(nil)

// OnMessage registers a handler invoked for every message frame.
func (l *Listener) OnMessage(h pulse.Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, h)
}

// Events returns the listener's event channel.
func (l *Listener) Events() <-chan pulse.Event {
	return l.events
}

// Connect dials the socket and waits for the peer's ready frame. It is
// memoized; an established connection returns immediately.
func (l *Listener) Connect(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if l.conn != nil {
		l.mu.Unlock()
		return l.awaitReady(ctx)
	}
	l.mu.Unlock()

	conn, _, err := l.dialer.DialContext(ctx, l.url, l.header)
	if err != nil {
		return fmt.Errorf("sockets: dial %s: %w", l.url, err)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	l.conn = conn
	l.mu.Unlock()

	l.wg.Add(1)
	go l.readPump(conn)

	l.logger.Info("socket connected", "url", l.url)
	return l.awaitReady(ctx)
}

func (l *Listener) awaitReady(ctx context.Context) error {
	select {
	case <-l.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrClosed
	}
}

// Bind asks the peer to add a binding. The reply frame resolves the call.
func (l *Listener) Bind(b pulse.Binding) error {
	if err := b.RoutingKeyReference.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()

	if err := l.Connect(ctx); err != nil {
		return err
	}
	return l.call(ctx, "bind", b)
}

// Resume connects if necessary and asks the peer to start delivering
// messages.
func (l *Listener) Resume(ctx context.Context) error {
	if err := l.Connect(ctx); err != nil {
		return err
	}
	return l.call(ctx, "resume", nil)
}

// Pause asks the peer to stop delivering messages. Frames already in
// flight may still arrive.
func (l *Listener) Pause() error {
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	connected := l.conn != nil
	l.mu.Unlock()
	if !connected {
		return pulse.ErrNotConnected
	}
	return l.call(ctx, "pause", nil)
}

// Close tears down the socket and stops the read pump. Closing an already
// closed listener is a no-op.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	conn := l.conn
	l.conn = nil
	pending := l.pending
	l.pending = make(map[string]chan error)
	l.mu.Unlock()

	close(l.done)
	for _, reply := range pending {
		reply <- ErrClosed
	}

	var err error
	if conn != nil {
		err = conn.Close()
	}
	l.wg.Wait()
	return err
}

// call sends one request frame and waits for the frame echoing its id.
func (l *Listener) call(ctx context.Context, method string, options any) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	conn := l.conn
	if conn == nil {
		l.mu.Unlock()
		return pulse.ErrNotConnected
	}
	id := uuid.NewString()
	reply := make(chan error, 1)
	l.pending[id] = reply
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.pending, id)
		l.mu.Unlock()
	}()

	l.writeMu.Lock()
	err := conn.WriteJSON(request{Method: method, ID: id, Options: options})
	l.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("sockets: send %s: %w", method, err)
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrClosed
	}
}

// readPump owns all reads on the socket. It resolves pending requests and
// dispatches out-of-band frames until the socket dies or the listener
// closes.
func (l *Listener) readPump(conn *websocket.Conn) {
	defer l.wg.Done()

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			select {
			case <-l.done:
			default:
				l.fatal(fmt.Errorf("sockets: read: %w", err))
			}
			return
		}

		switch f.Event {
		case "ready":
			l.readyOnce.Do(func() { close(l.ready) })
			l.resolve(f.ID, nil)

		case "bound":
			l.resolve(f.ID, nil)

		case "message":
			l.dispatch(f.Payload)

		case "error":
			err := errors.New(f.Message)
			if f.ID != "" {
				l.resolve(f.ID, err)
				continue
			}
			l.fatal(fmt.Errorf("sockets: peer error: %w", err))
			return

		default:
			if f.ID != "" {
				l.resolve(f.ID, nil)
				continue
			}
			l.logger.Warn("ignoring unknown frame", "event", f.Event)
		}
	}
}

func (l *Listener) resolve(id string, err error) {
	if id == "" {
		return
	}
	l.mu.Lock()
	reply, ok := l.pending[id]
	delete(l.pending, id)
	l.mu.Unlock()
	if ok {
		reply <- err
	}
}

// dispatch decodes a message frame and fans it out to every handler,
// without blocking the read pump. There is no acknowledgement on this
// transport; handler failures are logged.
func (l *Listener) dispatch(payload json.RawMessage) {
	var msg pulse.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		l.logger.Error("dropping undecodable message frame", "error", err)
		return
	}

	l.mu.Lock()
	handlers := append([]pulse.Handler(nil), l.handlers...)
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		var wg sync.WaitGroup
		for _, h := range handlers {
			wg.Add(1)
			go func(h pulse.Handler) {
				defer wg.Done()
				if err := l.runHandler(h, msg); err != nil {
					l.logger.Error("handler failed",
						"exchange", msg.Exchange,
						"routingKey", msg.RoutingKey,
						"error", err)
				}
			}(h)
		}
		wg.Wait()
	}()
}

func (l *Listener) runHandler(h pulse.Handler, msg pulse.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(context.Background(), msg)
}

// fatal surfaces an unrecoverable error exactly once and closes the
// listener.
func (l *Listener) fatal(err error) {
	l.mu.Lock()
	if l.errored || l.closed {
		l.mu.Unlock()
		return
	}
	l.errored = true
	l.mu.Unlock()

	l.logger.Error("socket listener failed", "error", err)
	select {
	case l.events <- pulse.Event{Kind: pulse.EventError, Err: err}:
	default:
	}

	go l.Close()
}
