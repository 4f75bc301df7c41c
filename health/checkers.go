package health

import (
	"context"
	"fmt"
	"time"

	pulse "github.com/taskfabric/pulse-go"
)

// Conn is the connection surface the checkers probe. *pulse.Connection
// satisfies it.
type Conn interface {
	State() pulse.ConnectionState
	Channel(ctx context.Context) (pulse.Channel, error)
}

// ConnectionChecker checks broker connection health by opening and closing
// a throwaway channel on the session.
type ConnectionChecker struct {
	conn Conn
}

// NewConnectionChecker creates a broker connection health checker.
func NewConnectionChecker(conn Conn) *ConnectionChecker {
	return &ConnectionChecker{conn: conn}
}

func (c *ConnectionChecker) Name() string {
	return "connection"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	state := c.conn.State()
	result.Details["state"] = state.String()

	switch state {
	case pulse.StateClosed:
		result.Status = StatusUnhealthy
		result.Message = "connection is closed"
		result.Duration = time.Since(start)
		return result
	case pulse.StateReconnecting:
		result.Status = StatusDegraded
		result.Message = "connection is reconnecting"
		result.Duration = time.Since(start)
		return result
	}

	ch, err := c.conn.Channel(ctx)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "failed to open channel"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	ch.Close()

	result.Status = StatusHealthy
	result.Message = "connection is healthy"
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// QueueChecker checks that a queue exists and is not backing up.
type QueueChecker struct {
	queueName      string
	conn           Conn
	depthThreshold int
}

// DefaultQueueDepthThreshold is the message count above which a queue is
// reported as degraded.
const DefaultQueueDepthThreshold = 10000

// NewQueueChecker creates a health checker for a single queue.
func NewQueueChecker(queueName string, conn Conn) *QueueChecker {
	return &QueueChecker{
		queueName:      queueName,
		conn:           conn,
		depthThreshold: DefaultQueueDepthThreshold,
	}
}

func (c *QueueChecker) Name() string {
	return fmt.Sprintf("queue_%s", c.queueName)
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	ch, err := c.conn.Channel(ctx)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "failed to open channel"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	defer ch.Close()

	queue, err := ch.QueueInspect(c.queueName)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("queue %s not accessible", c.queueName)
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("queue %s is accessible", c.queueName)
	result.Details["queue_name"] = queue.Name
	result.Details["message_count"] = queue.Messages
	result.Details["consumer_count"] = queue.Consumers

	if queue.Messages > c.depthThreshold {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("queue %s has high message count", c.queueName)
	}

	result.Duration = time.Since(start)
	return result
}
