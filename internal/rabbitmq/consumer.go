package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageHandler processes one delivered message. The handler is
// responsible for ack/nack; the consumer never resolves deliveries on
// its behalf.
type MessageHandler func(ctx context.Context, delivery amqp.Delivery)

// Consumer manages a single subscription on a dedicated channel with
// its own prefetch setting. Prefetch 1 serializes processing: the
// broker withholds message N+1 until message N is resolved, which is
// the pipeline's backpressure mechanism.
type Consumer struct {
	pool          *ChannelPool
	manager       *ConnectionManager
	prefetchCount int
	logger        *slog.Logger

	mu          sync.Mutex
	channel     *amqp.Channel
	consumerTag string
	cancel      context.CancelFunc
	done        chan struct{}
}

// ConsumerOption configures the consumer.
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count.
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithConsumerLogger sets the logger.
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer.
func NewConsumer(pool *ChannelPool, manager *ConnectionManager, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		pool:          pool,
		manager:       manager,
		prefetchCount: 1,
		logger:        slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Subscribe starts consuming from queue. It makes a single attempt:
// when the connection is not Ready the caller gets an error and decides
// when to retry. Only one subscription may be active at a time.
func (c *Consumer) Subscribe(ctx context.Context, queue string, handler MessageHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.consumerTag != "" {
		return ErrConsumerAlreadyActive
	}

	ch, err := c.pool.OpenDedicated()
	if err != nil {
		return &ConsumerError{
			Queue:     queue,
			Op:        "subscribe",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	tag := "email-worker-" + uuid.New().String()
	deliveries, err := ch.Consume(
		queue,
		tag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return &ConsumerError{
			Queue:       queue,
			ConsumerTag: tag,
			Op:          "consume",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	consumerCtx, cancel := context.WithCancel(ctx)
	c.channel = ch
	c.consumerTag = tag
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.processMessages(consumerCtx, queue, deliveries, handler)

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", tag,
		"prefetchCount", c.prefetchCount)
	return nil
}

// processMessages drains the delivery channel one message at a time.
func (c *Consumer) processMessages(ctx context.Context, queue string, deliveries <-chan amqp.Delivery, handler MessageHandler) {
	defer func() {
		c.mu.Lock()
		if c.channel != nil && !c.channel.IsClosed() {
			c.channel.Close()
		}
		c.channel = nil
		c.consumerTag = ""
		close(c.done)
		c.mu.Unlock()
		c.logger.Info("consumer stopped", "queue", queue)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", queue)
				return
			}
			c.safeHandle(ctx, delivery, handler)
		}
	}
}

// safeHandle runs the handler with panic recovery; a panicking handler
// leaves the delivery unresolved for redelivery but never kills the
// consumer loop.
func (c *Consumer) safeHandle(ctx context.Context, delivery amqp.Delivery, handler MessageHandler) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic in message handler",
				"panic", r,
				"messageId", delivery.MessageId)
			if err := delivery.Nack(false, true); err != nil {
				c.logger.Error("failed to nack after panic", "error", err)
			}
		}
	}()
	handler(ctx, delivery)
}

// Stop cancels the active subscription by consumer tag. The basic.cancel
// stops new deliveries; the in-flight handler is allowed to finish
// before the loop exits. ctx only bounds how long Stop waits, not the
// handler itself.
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.consumerTag == "" {
		c.mu.Unlock()
		return ErrConsumerNotActive
	}
	tag := c.consumerTag
	ch := c.channel
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	if ch != nil && !ch.IsClosed() {
		if err := ch.Cancel(tag, false); err != nil {
			c.logger.Error("failed to cancel consumer", "consumerTag", tag, "error", err)
		}
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active reports whether a subscription is currently running.
func (c *Consumer) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consumerTag != ""
}
