package pulse

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/taskfabric/pulse-go/routingkey"
)

// Handler processes one decoded message. Handlers for a single delivery run
// concurrently and are awaited collectively; a non-nil error from any of
// them counts the delivery as failed and drives the nack decision.
type Handler func(ctx context.Context, msg Message) error

// ListenerState describes where a Listener is in its lifecycle.
type ListenerState int

const (
	ListenerUnbound ListenerState = iota
	ListenerConnected
	ListenerConsuming
	ListenerClosed
)

func (s ListenerState) String() string {
	switch s {
	case ListenerUnbound:
		return "unbound"
	case ListenerConnected:
		return "connected"
	case ListenerConsuming:
		return "consuming"
	case ListenerClosed:
		return "closed"
	}
	return "unknown"
}

// Listener owns one logical consumer: a queue, its exchange bindings, and
// the pipeline that decodes deliveries, fans them out to handlers, and
// acknowledges them based on handler outcome.
//
// A Listener holds at most one live channel. When the underlying session is
// lost it tears the channel down and re-declares queue and bindings on the
// next session, resuming consumption if it was active.
type Listener struct {
	conn     *Connection
	ownsConn bool
	connOpts []ConnectionOption

	name      string // empty for anonymous queues
	namespace string
	queueName string
	prefetch  int
	maxLength int
	logger    *slog.Logger

	connectMu sync.Mutex // serializes connect/resume flows

	mu                   sync.Mutex
	bindings             []Binding
	handlers             []Handler
	ch                   Channel
	consumerTag          string
	consuming            bool
	resumeAfterReconnect bool
	closed               bool
	errored              bool
	pumpCancel           context.CancelFunc

	events chan Event
	wg     sync.WaitGroup
}

// WithConnectionOptions passes options to the connection an owned listener
// creates. Ignored for listeners on a shared connection.
func WithConnectionOptions(opts ...ConnectionOption) ListenerOption {
	return func(l *Listener) {
		l.connOpts = append(l.connOpts, opts...)
	}
}

// NewListener creates a listener sharing conn with other listeners. Closing
// the listener releases only its own channel; the connection stays alive.
func NewListener(conn *Connection, options ...ListenerOption) *Listener {
	return newListener(conn, false, "", options...)
}

// NewOwnedListener creates a listener with its own connection, dialed from
// url. Closing the listener closes the connection.
func NewOwnedListener(url string, options ...ListenerOption) *Listener {
	return newListener(nil, true, url, options...)
}

func newListener(conn *Connection, owns bool, url string, options ...ListenerOption) *Listener {
	l := &Listener{
		conn:     conn,
		ownsConn: owns,
		prefetch: DefaultPrefetch,
		logger:   slog.Default(),
		events:   make(chan Event, eventBuffer),
	}

	for _, opt := range options {
		opt(l)
	}

	if owns {
		l.conn = NewConnection(url, l.connOpts...)
	}

	if l.namespace == "" {
		l.namespace = l.conn.Username()
	}

	// The queue name is fixed for the listener's lifetime; reconnects
	// re-declare the same queue.
	if l.name != "" {
		l.queueName = fmt.Sprintf("queue/%s/%s", l.namespace, l.name)
	} else {
		l.queueName = fmt.Sprintf("queue/%s/%s", l.namespace, uuid.NewString())
	}

	l.conn.AddStateListener(l)
	return l
}

// QueueName returns the broker-side name of the listener's queue.
func (l *Listener) QueueName() string {
	return l.queueName
}

// State returns the listener's lifecycle state.
func (l *Listener) State() ListenerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case l.closed:
		return ListenerClosed
	case l.consuming:
		return ListenerConsuming
	case l.ch != nil:
		return ListenerConnected
	}
	return ListenerUnbound
}

// Events returns the listener's event channel. Reconnects and the fatal
// error are delivered here; the channel is bounded and never closed.
func (l *Listener) Events() <-chan Event {
	return l.events
}

// OnMessage registers a handler invoked for every decoded delivery.
func (l *Listener) OnMessage(h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, h)
}

// Bind records a binding, and applies it on the broker immediately when the
// listener is already connected. Bindings recorded before connecting are
// applied in order at connect time. Duplicate bindings are allowed.
func (l *Listener) Bind(b Binding) error {
	if err := b.RoutingKeyReference.Validate(); err != nil {
		return err
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrListenerClosed
	}
	l.bindings = append(l.bindings, b)
	ch := l.ch
	l.mu.Unlock()

	if ch == nil {
		return nil
	}

	if err := ch.QueueBind(l.queueName, b.RoutingKeyPattern, b.Exchange, false, nil); err != nil {
		return &ListenerError{Op: "bind", Queue: l.queueName, Err: err, Timestamp: time.Now()}
	}

	l.logger.Debug("bound queue",
		"queue", l.queueName,
		"exchange", b.Exchange,
		"routingKeyPattern", b.RoutingKeyPattern)
	return nil
}

// Connect ensures the listener has a live channel: session from the
// connection, channel, prefetch, queue declaration, and every recorded
// binding, in that order. It is memoized; an existing channel is returned
// as is. Failure at any step leaves the listener unbound.
func (l *Listener) Connect(ctx context.Context) (Channel, error) {
	l.connectMu.Lock()
	defer l.connectMu.Unlock()
	return l.connect(ctx)
}

// connect is Connect without the flow lock; callers hold l.connectMu.
func (l *Listener) connect(ctx context.Context) (Channel, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrListenerClosed
	}
	if l.ch != nil {
		ch := l.ch
		l.mu.Unlock()
		return ch, nil
	}
	bindings := append([]Binding(nil), l.bindings...)
	l.mu.Unlock()

	ch, err := l.conn.Channel(ctx)
	if err != nil {
		return nil, err
	}

	if err := ch.Qos(l.prefetch, 0, false); err != nil {
		ch.Close()
		return nil, &ListenerError{Op: "qos", Queue: l.queueName, Err: err, Timestamp: time.Now()}
	}

	// Named queues are durable and survive the listener; anonymous queues
	// are exclusive and vanish with it.
	durable := l.name != ""
	var args amqp.Table
	if l.maxLength > 0 {
		args = amqp.Table{"x-max-length": int32(l.maxLength)}
	}
	if _, err := ch.QueueDeclare(l.queueName, durable, !durable, !durable, false, args); err != nil {
		ch.Close()
		return nil, &ListenerError{Op: "queue declare", Queue: l.queueName, Err: err, Timestamp: time.Now()}
	}

	for _, b := range bindings {
		if err := ch.QueueBind(l.queueName, b.RoutingKeyPattern, b.Exchange, false, nil); err != nil {
			ch.Close()
			return nil, &ListenerError{Op: "bind", Queue: l.queueName, Err: err, Timestamp: time.Now()}
		}
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		ch.Close()
		return nil, ErrListenerClosed
	}
	l.ch = ch
	l.mu.Unlock()

	l.logger.Info("listener connected",
		"queue", l.queueName,
		"bindings", len(bindings),
		"prefetch", l.prefetch)
	return ch, nil
}

// Resume connects if necessary and starts consuming. Resuming an already
// consuming listener is a no-op.
func (l *Listener) Resume(ctx context.Context) error {
	l.connectMu.Lock()
	defer l.connectMu.Unlock()

	ch, err := l.connect(ctx)
	if err != nil {
		return err
	}

	l.mu.Lock()
	if l.consuming {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	tag := "listener-" + uuid.NewString()
	deliveries, err := ch.Consume(l.queueName, tag, false, false, false, false, nil)
	if err != nil {
		return &ListenerError{Op: "consume", Queue: l.queueName, Err: err, Timestamp: time.Now()}
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	l.mu.Lock()
	l.consumerTag = tag
	l.consuming = true
	l.pumpCancel = cancel
	l.mu.Unlock()

	l.wg.Add(1)
	go l.pump(pumpCtx, deliveries)

	l.logger.Info("consuming", "queue", l.queueName, "consumerTag", tag)
	return nil
}

// Pause cancels consumption by consumer tag, keeping the channel and
// bindings. Deliveries already pushed by the broker up to the prefetch
// limit may still arrive and are processed; in-flight handlers are not
// abandoned.
func (l *Listener) Pause() error {
	l.mu.Lock()
	ch := l.ch
	tag := l.consumerTag
	consuming := l.consuming
	l.mu.Unlock()

	if ch == nil {
		return ErrNotConnected
	}
	if !consuming {
		return ErrNotConsuming
	}

	if err := ch.Cancel(tag, false); err != nil {
		return &ListenerError{Op: "pause", Queue: l.queueName, Err: err, Timestamp: time.Now()}
	}

	l.mu.Lock()
	l.consuming = false
	l.mu.Unlock()

	l.logger.Info("consumption paused", "queue", l.queueName, "consumerTag", tag)
	return nil
}

// DeleteQueue connects if necessary, deletes the listener's queue on the
// broker, and closes the listener.
func (l *Listener) DeleteQueue(ctx context.Context) error {
	l.connectMu.Lock()
	ch, err := l.connect(ctx)
	l.connectMu.Unlock()
	if err != nil {
		return err
	}

	if _, err := ch.QueueDelete(l.queueName, false, false, false); err != nil {
		return &ListenerError{Op: "delete queue", Queue: l.queueName, Err: err, Timestamp: time.Now()}
	}

	l.logger.Info("queue deleted", "queue", l.queueName)
	return l.Close()
}

// Close releases the listener. On a shared connection only the listener's
// own channel is closed; an owned connection is closed entirely. Closing an
// already closed listener is a no-op. In-flight deliveries are best-effort;
// callers needing a clean shutdown should pause and drain first.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	ch := l.ch
	l.ch = nil
	l.consuming = false
	if l.pumpCancel != nil {
		l.pumpCancel()
		l.pumpCancel = nil
	}
	l.mu.Unlock()

	l.conn.RemoveStateListener(l)

	if l.ownsConn {
		return l.conn.Close()
	}
	if ch != nil {
		return ch.Close()
	}
	return nil
}

// OnConnected implements ConnectionStateListener. After a reconnect the
// listener re-establishes its channel, queue, and bindings, resuming
// consumption if it was active when the session was lost.
func (l *Listener) OnConnected() {
	l.mu.Lock()
	resume := l.resumeAfterReconnect && !l.closed
	l.resumeAfterReconnect = false
	l.mu.Unlock()

	if !resume {
		return
	}

	go func() {
		if err := l.Resume(context.Background()); err != nil {
			l.logger.Error("failed to re-establish consumption after reconnect",
				"queue", l.queueName,
				"error", err)
		}
	}()
}

// OnReconnecting implements ConnectionStateListener. The previous channel
// died with the session; drop it so the next connect rebuilds queue and
// bindings.
func (l *Listener) OnReconnecting() {
	l.mu.Lock()
	l.resumeAfterReconnect = l.resumeAfterReconnect || l.consuming
	l.consuming = false
	l.consumerTag = ""
	l.ch = nil
	if l.pumpCancel != nil {
		l.pumpCancel()
		l.pumpCancel = nil
	}
	l.mu.Unlock()

	l.emit(Event{Kind: EventReconnect})
}

// OnError implements ConnectionStateListener.
func (l *Listener) OnError(err error) {
	l.fatal(err)
}

// pump reads deliveries in channel order. Decoding and routing happen here,
// preserving per-channel order; each delivery is then settled on its own
// goroutine so handlers for different messages may overlap up to the
// prefetch limit.
func (l *Listener) pump(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer l.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			l.dispatch(ctx, d)
		}
	}
}

func (l *Listener) dispatch(ctx context.Context, d amqp.Delivery) {
	msg, err := decodeMessage(d)
	if err != nil {
		l.logger.Error("dropping undecodable message",
			"queue", l.queueName,
			"exchange", d.Exchange,
			"error", err)
		// Malformed content fails identically on every redelivery.
		if nackErr := d.Nack(false, false); nackErr != nil {
			l.fatal(&ListenerError{Op: "nack", Queue: l.queueName, Err: nackErr, Timestamp: time.Now()})
		}
		return
	}

	if ref := l.referenceFor(d.Exchange); ref != nil {
		routing, err := routingkey.Parse(ref, d.RoutingKey)
		if err != nil {
			// The reference is optional enrichment; a key it cannot
			// describe must not abort delivery.
			l.logger.Warn("routing key parse failed",
				"queue", l.queueName,
				"exchange", d.Exchange,
				"routingKey", d.RoutingKey,
				"error", err)
		} else {
			msg.Routing = routing
		}
	}

	l.mu.Lock()
	handlers := append([]Handler(nil), l.handlers...)
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.settle(ctx, d, msg, handlers)
	}()
}

// referenceFor returns the routing-key reference of the first recorded
// binding for the exchange, or nil.
func (l *Listener) referenceFor(exchange string) routingkey.Reference {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, b := range l.bindings {
		if b.Exchange == exchange && len(b.RoutingKeyReference) > 0 {
			return b.RoutingKeyReference
		}
	}
	return nil
}

// settle runs every handler for one delivery, waits for all of them, and
// acknowledges based on the collective outcome. An acknowledgement that
// cannot be delivered is fatal: the listener can no longer trust its
// bookkeeping.
func (l *Listener) settle(ctx context.Context, d amqp.Delivery, msg Message, handlers []Handler) {
	var wg sync.WaitGroup
	errs := make([]error, len(handlers))
	for i, h := range handlers {
		wg.Add(1)
		go func(i int, h Handler) {
			defer wg.Done()
			errs[i] = l.runHandler(ctx, h, msg)
		}(i, h)
	}
	wg.Wait()

	var failed error
	for _, err := range errs {
		if err != nil {
			failed = err
			break
		}
	}

	if failed == nil {
		if err := d.Ack(false); err != nil {
			l.fatal(&ListenerError{Op: "ack", Queue: l.queueName, Err: err, Timestamp: time.Now()})
		}
		return
	}

	// One more chance for a transient failure; a message that already
	// failed a redelivery would loop forever.
	requeue := !d.Redelivered
	l.logger.Warn("handler failed, rejecting delivery",
		"queue", l.queueName,
		"exchange", d.Exchange,
		"routingKey", d.RoutingKey,
		"requeue", requeue,
		"error", failed)
	if err := d.Nack(false, requeue); err != nil {
		l.fatal(&ListenerError{Op: "nack", Queue: l.queueName, Err: err, Timestamp: time.Now()})
	}
}

// runHandler isolates one handler invocation, converting a panic into an
// error so a failing handler cannot take down the pipeline.
func (l *Listener) runHandler(ctx context.Context, h Handler, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, msg)
}

func (l *Listener) emit(e Event) {
	select {
	case l.events <- e:
	default:
		l.logger.Warn("event channel full, dropping event", "kind", e.Kind.String())
	}
}

// fatal surfaces an unrecoverable listener error exactly once.
func (l *Listener) fatal(err error) {
	l.mu.Lock()
	if l.errored {
		l.mu.Unlock()
		return
	}
	l.errored = true
	l.mu.Unlock()

	l.logger.Error("listener failed", "queue", l.queueName, "error", err)
	l.emit(Event{Kind: EventError, Err: err})
}
