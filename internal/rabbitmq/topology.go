package rabbitmq

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// EmailTopology names the exchange/queue graph for email delivery. The
// main queue dead-letters into the DLX after its per-message TTL, which
// doubles as the cool-down before a nacked message is retried. The DLQ
// keeps parked messages for a day so operators can inspect them.
type EmailTopology struct {
	Exchange           string
	Queue              string
	DeadLetterExchange string
	DeadLetterQueue    string
	RoutingKey         string
	RetryTTL           time.Duration // main queue message TTL
	DeadLetterTTL      time.Duration // DLQ message TTL
	MaxPriority        uint8
	PrefetchCount      int
}

// DefaultEmailTopology returns the topology with production defaults.
func DefaultEmailTopology() EmailTopology {
	return EmailTopology{
		Exchange:           "email_exchange",
		Queue:              "email_queue",
		DeadLetterExchange: "email_dead_letter_exchange",
		DeadLetterQueue:    "email_dead_letter_queue",
		RoutingKey:         "email.send",
		RetryTTL:           5 * time.Minute,
		DeadLetterTTL:      24 * time.Hour,
		MaxPriority:        10,
		PrefetchCount:      1,
	}
}

// TopologyManager declares the email topology. Declaration is
// idempotent and runs on every Ready transition, since a fresh
// connection carries no prior declarations. It registers itself as a
// connection state listener.
type TopologyManager struct {
	pool     *ChannelPool
	topology EmailTopology
	logger   *slog.Logger
	declared atomic.Bool
}

// NewTopologyManager creates a topology manager for the given graph.
func NewTopologyManager(pool *ChannelPool, topology EmailTopology, logger *slog.Logger) *TopologyManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &TopologyManager{
		pool:     pool,
		topology: topology,
		logger:   logger,
	}
}

// Topology returns the declared graph configuration.
func (tm *TopologyManager) Topology() EmailTopology {
	return tm.topology
}

// Declared reports whether the topology has been declared on the
// current connection. The worker checks this before subscribing.
func (tm *TopologyManager) Declared() bool {
	return tm.declared.Load()
}

// Declare declares the full graph in a fixed order: dead-letter
// exchange, dead-letter queue, its binding, main exchange, main queue
// with dead-letter arguments, its binding, then consumer prefetch.
// Re-declaring identical topology is a broker no-op.
func (tm *TopologyManager) Declare(ctx context.Context) error {
	t := tm.topology
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		if err := ch.ExchangeDeclare(
			t.DeadLetterExchange,
			"direct",
			true,  // durable
			false, // auto-delete
			false, // internal
			false, // no-wait
			nil,
		); err != nil {
			return &TopologyError{Component: "exchange", Name: t.DeadLetterExchange, Op: "declare", Err: err, Timestamp: time.Now()}
		}

		if _, err := ch.QueueDeclare(
			t.DeadLetterQueue,
			true,  // durable
			false, // auto-delete
			false, // exclusive
			false, // no-wait
			amqp.Table{
				"x-message-ttl": t.DeadLetterTTL.Milliseconds(),
			},
		); err != nil {
			return &TopologyError{Component: "queue", Name: t.DeadLetterQueue, Op: "declare", Err: err, Timestamp: time.Now()}
		}

		if err := ch.QueueBind(t.DeadLetterQueue, t.RoutingKey, t.DeadLetterExchange, false, nil); err != nil {
			return &TopologyError{Component: "binding", Name: t.DeadLetterQueue, Op: "bind", Err: err, Timestamp: time.Now()}
		}

		if err := ch.ExchangeDeclare(
			t.Exchange,
			"direct",
			true,
			false,
			false,
			false,
			nil,
		); err != nil {
			return &TopologyError{Component: "exchange", Name: t.Exchange, Op: "declare", Err: err, Timestamp: time.Now()}
		}

		if _, err := ch.QueueDeclare(
			t.Queue,
			true,
			false,
			false,
			false,
			amqp.Table{
				"x-dead-letter-exchange": t.DeadLetterExchange,
				"x-message-ttl":          t.RetryTTL.Milliseconds(),
				"x-max-priority":         int32(t.MaxPriority),
			},
		); err != nil {
			return &TopologyError{Component: "queue", Name: t.Queue, Op: "declare", Err: err, Timestamp: time.Now()}
		}

		if err := ch.QueueBind(t.Queue, t.RoutingKey, t.Exchange, false, nil); err != nil {
			return &TopologyError{Component: "binding", Name: t.Queue, Op: "bind", Err: err, Timestamp: time.Now()}
		}

		return ch.Qos(t.PrefetchCount, 0, false)
	})

	if err != nil {
		tm.declared.Store(false)
		return err
	}

	tm.declared.Store(true)
	tm.logger.Info("email topology declared",
		"exchange", t.Exchange,
		"queue", t.Queue,
		"deadLetterQueue", t.DeadLetterQueue)
	return nil
}

// OnReady redeclares topology on the fresh connection. Failure is
// logged, not fatal: the worker re-checks Declared before consuming.
func (tm *TopologyManager) OnReady() {
	if err := tm.Declare(context.Background()); err != nil {
		tm.logger.Error("topology declaration failed", "error", err)
	}
}

// OnDegraded marks the topology as gone with the connection.
func (tm *TopologyManager) OnDegraded(err error) {
	tm.declared.Store(false)
}

// OnReconnecting is part of ConnectionStateListener; nothing to do.
func (tm *TopologyManager) OnReconnecting(attempt int, delay time.Duration) {}
