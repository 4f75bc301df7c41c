package pulse

import "context"

// Transport is the operation surface shared by the two listener variants:
// the AMQP Listener in this package and the websocket sockets.Listener.
// Both deliver decoded messages to registered handlers and surface
// reconnects and the fatal error on a bounded event channel.
type Transport interface {
	Bind(b Binding) error
	Resume(ctx context.Context) error
	Pause() error
	Close() error
	OnMessage(h Handler)
	Events() <-chan Event
}

var _ Transport = (*Listener)(nil)
