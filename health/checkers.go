// Package health provides liveness checks for the email pipeline:
// broker connectivity and queue accessibility, including a dead-letter
// depth check operators can alert on.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/pulsehr/mailqueue/internal/rabbitmq"
)

// Status is the outcome of a health check.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is a single check outcome.
type CheckResult struct {
	Name      string         `json:"name"`
	Status    Status         `json:"status"`
	Message   string         `json:"message"`
	Error     string         `json:"error,omitempty"`
	Duration  time.Duration  `json:"duration"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// Checker runs one health check.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// BrokerChecker reports the connection manager's lifecycle state.
type BrokerChecker struct {
	manager *rabbitmq.ConnectionManager
}

// NewBrokerChecker creates a broker connectivity checker.
func NewBrokerChecker(manager *rabbitmq.ConnectionManager) *BrokerChecker {
	return &BrokerChecker{manager: manager}
}

func (c *BrokerChecker) Name() string {
	return "broker"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	state := c.manager.State()
	result.Details["state"] = state.String()

	switch state {
	case rabbitmq.StateReady:
		result.Status = StatusHealthy
		result.Message = "Broker connection is ready"
	case rabbitmq.StateDegraded, rabbitmq.StateReconnecting, rabbitmq.StateConnecting:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Broker connection is %s", state)
	default:
		result.Status = StatusUnhealthy
		result.Message = "Broker connection is down"
	}

	result.Duration = time.Since(start)
	return result
}

// QueueChecker verifies a queue is accessible and reports its depth.
type QueueChecker struct {
	queueName string
	pool      *rabbitmq.ChannelPool
	// depthWarn marks the check degraded once the queue holds at least
	// this many messages; zero disables the threshold.
	depthWarn int
}

// NewQueueChecker creates a queue accessibility checker.
func NewQueueChecker(queueName string, pool *rabbitmq.ChannelPool, depthWarn int) *QueueChecker {
	return &QueueChecker{
		queueName: queueName,
		pool:      pool,
		depthWarn: depthWarn,
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

	ch, err := c.pool.Get(ctx)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to get channel"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	defer c.pool.Put(ch)

	queue, err := ch.QueueInspect(c.queueName)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Queue %s not accessible", c.queueName)
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Details["message_count"] = queue.Messages
	result.Details["consumer_count"] = queue.Consumers

	switch {
	case c.depthWarn > 0 && queue.Messages >= c.depthWarn:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Queue %s holds %d messages", c.queueName, queue.Messages)
	default:
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("Queue %s is accessible", c.queueName)
	}

	result.Duration = time.Since(start)
	return result
}
