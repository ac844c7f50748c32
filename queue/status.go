package queue

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/pulsehr/mailqueue/internal/rabbitmq"
)

// QueueCounts holds the depth and consumer count of one queue.
type QueueCounts struct {
	MessageCount  int `json:"messageCount"`
	ConsumerCount int `json:"consumerCount"`
}

// Status is the operational read for monitoring. Dead-letter depth is
// the operator-facing signal of systemic delivery failure.
type Status struct {
	Connected       bool        `json:"connected"`
	EmailQueue      QueueCounts `json:"emailQueue"`
	DeadLetterQueue QueueCounts `json:"deadLetterQueue"`
}

// StatusInspector reads queue depths over AMQP using passive
// inspection, without the HTTP management API.
type StatusInspector struct {
	pool     *rabbitmq.ChannelPool
	manager  *rabbitmq.ConnectionManager
	topology rabbitmq.EmailTopology
}

// NewStatusInspector creates an inspector for the email queues.
func NewStatusInspector(pool *rabbitmq.ChannelPool, manager *rabbitmq.ConnectionManager, topology rabbitmq.EmailTopology) *StatusInspector {
	return &StatusInspector{
		pool:     pool,
		manager:  manager,
		topology: topology,
	}
}

// QueueStatus inspects both queues. When the connection is down it
// returns Connected=false with zero counts rather than an error, so
// monitoring keeps working while the broker is unreachable.
func (si *StatusInspector) QueueStatus(ctx context.Context) (*Status, error) {
	status := &Status{}
	if !si.manager.IsReady() {
		return status, nil
	}
	status.Connected = true

	emailQueue, err := si.inspect(ctx, si.topology.Queue)
	if err != nil {
		return nil, err
	}
	status.EmailQueue = emailQueue

	dlq, err := si.inspect(ctx, si.topology.DeadLetterQueue)
	if err != nil {
		return nil, err
	}
	status.DeadLetterQueue = dlq

	return status, nil
}

func (si *StatusInspector) inspect(ctx context.Context, name string) (QueueCounts, error) {
	var counts QueueCounts
	err := si.pool.Execute(ctx, func(ch *amqp.Channel) error {
		q, err := ch.QueueInspect(name)
		if err != nil {
			return err
		}
		counts.MessageCount = q.Messages
		counts.ConsumerCount = q.Consumers
		return nil
	})
	if err != nil {
		return counts, fmt.Errorf("failed to inspect queue %s: %w", name, err)
	}
	return counts, nil
}
