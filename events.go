package pulse

// EventKind discriminates listener events.
type EventKind int

const (
	// EventReconnect signals that the underlying session was lost and is
	// being re-established. The listener rebuilds its channel, queue, and
	// bindings on its own; the event is informational.
	EventReconnect EventKind = iota

	// EventError signals a fatal condition: connection retries exhausted,
	// an acknowledgement that could not be delivered, or session loss with
	// reconnection disabled. It is emitted at most once per listener.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventReconnect:
		return "reconnect"
	case EventError:
		return "error"
	}
	return "unknown"
}

// Event is a typed lifecycle notification delivered on a listener's
// bounded event channel. Err is set for EventError.
type Event struct {
	Kind EventKind
	Err  error
}

// eventBuffer bounds the listener's event channel. Events beyond the bound
// are dropped with a log line rather than blocking broker I/O.
const eventBuffer = 16
