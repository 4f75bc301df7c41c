package pulse

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeSession implements Session for tests. Losing the session pushes an
// error on the NotifyClose receiver, the way amqp091 reports broker-side
// closure.
type fakeSession struct {
	mu       sync.Mutex
	closed   bool
	notify   chan *amqp.Error
	channels []*fakeChannel

	channelErr error
	declareErr error // copied onto every new channel
}

func (s *fakeSession) Channel() (Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channelErr != nil {
		return nil, s.channelErr
	}
	ch := newFakeChannel()
	ch.declareErr = s.declareErr
	s.channels = append(s.channels, ch)
	return ch, nil
}

func (s *fakeSession) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notify = receiver
	return receiver
}

func (s *fakeSession) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// lose simulates broker-side session loss. The connection registers its
// NotifyClose receiver from the monitor goroutine, so wait for it to show
// up rather than sending on a nil channel.
func (s *fakeSession) lose(err *amqp.Error) {
	deadline := time.Now().Add(5 * time.Second)
	for {
		s.mu.Lock()
		notify := s.notify
		s.mu.Unlock()
		if notify != nil {
			notify <- err
			return
		}
		if time.Now().After(deadline) {
			panic("fakeSession.lose: no NotifyClose receiver registered")
		}
		time.Sleep(time.Millisecond)
	}
}

func (s *fakeSession) channel(i int) *fakeChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.channels) {
		return nil
	}
	return s.channels[i]
}

func (s *fakeSession) channelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}

type declareCall struct {
	name       string
	durable    bool
	autoDelete bool
	exclusive  bool
	args       amqp.Table
}

type bindCall struct {
	queue    string
	key      string
	exchange string
}

// fakeChannel implements Channel, recording every call.
type fakeChannel struct {
	mu         sync.Mutex
	qosCount   int
	declares   []declareCall
	binds      []bindCall
	deletes    []string
	cancels    []string
	consumeTag string
	deliveries chan amqp.Delivery
	closed     bool

	qosErr     error
	declareErr error
	bindErr    error
	consumeErr error
	cancelErr  error
	deleteErr  error
	inspectErr error

	inspected amqp.Queue
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{deliveries: make(chan amqp.Delivery, 64)}
}

func (c *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.qosErr != nil {
		return c.qosErr
	}
	c.qosCount = prefetchCount
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.declareErr != nil {
		return amqp.Queue{}, c.declareErr
	}
	c.declares = append(c.declares, declareCall{name, durable, autoDelete, exclusive, args})
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bindErr != nil {
		return c.bindErr
	}
	c.binds = append(c.binds, bindCall{name, key, exchange})
	return nil
}

func (c *fakeChannel) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deleteErr != nil {
		return 0, c.deleteErr
	}
	c.deletes = append(c.deletes, name)
	return 0, nil
}

func (c *fakeChannel) QueueInspect(name string) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inspectErr != nil {
		return amqp.Queue{}, c.inspectErr
	}
	if c.inspected.Name == "" {
		return amqp.Queue{Name: name}, nil
	}
	return c.inspected, nil
}

func (c *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.consumeErr != nil {
		return nil, c.consumeErr
	}
	c.consumeTag = consumer
	return c.deliveries, nil
}

func (c *fakeChannel) Cancel(consumer string, noWait bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelErr != nil {
		return c.cancelErr
	}
	c.cancels = append(c.cancels, consumer)
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) tag() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consumeTag
}

// failingDialer always fails, counting attempts.
func failingDialer(attempts *atomic.Int32) Dialer {
	return func(url string) (Session, error) {
		attempts.Add(1)
		return nil, errors.New("dial refused")
	}
}

// scriptedDialer returns the given outcomes in order, repeating the last
// one when exhausted.
func scriptedDialer(attempts *atomic.Int32, outcomes ...func() (Session, error)) Dialer {
	var next atomic.Int32
	return func(url string) (Session, error) {
		if attempts != nil {
			attempts.Add(1)
		}
		i := int(next.Add(1)) - 1
		if i >= len(outcomes) {
			i = len(outcomes) - 1
		}
		return outcomes[i]()
	}
}

func dialOK(s *fakeSession) func() (Session, error) {
	return func() (Session, error) { return s, nil }
}

func dialErr(err error) func() (Session, error) {
	return func() (Session, error) { return nil, err }
}

// stateRecorder records connection state notifications.
type stateRecorder struct {
	mu           sync.Mutex
	connected    int
	reconnecting int
	errs         []error
}

func (r *stateRecorder) OnConnected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected++
}

func (r *stateRecorder) OnReconnecting() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconnecting++
}

func (r *stateRecorder) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *stateRecorder) counts() (connected, reconnecting, errored int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected, r.reconnecting, len(r.errs)
}

// fakeAck implements amqp.Acknowledger, recording acks and nacks.
type fakeAck struct {
	mu      sync.Mutex
	acks    int
	nacks   []bool // requeue flag per nack
	ackErr  error
	nackErr error
}

func (a *fakeAck) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ackErr != nil {
		return a.ackErr
	}
	a.acks++
	return nil
}

func (a *fakeAck) Nack(tag uint64, multiple bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.nackErr != nil {
		return a.nackErr
	}
	a.nacks = append(a.nacks, requeue)
	return nil
}

func (a *fakeAck) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAck) acked() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acks
}

func (a *fakeAck) nacked() []bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]bool(nil), a.nacks...)
}

func newDelivery(ack *fakeAck, body, exchange, routingKey string, redelivered bool, headers amqp.Table) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: ack,
		Body:         []byte(body),
		Exchange:     exchange,
		RoutingKey:   routingKey,
		Redelivered:  redelivered,
		Headers:      headers,
		DeliveryTag:  1,
		Timestamp:    time.Now(),
	}
}
