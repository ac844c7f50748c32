// Package mailqueue is the entry point for the durable email delivery
// pipeline. A Client owns the broker connection, declares the email
// topology on every reconnect, and exposes publishing, worker
// lifecycle, and queue status to the rest of the application.
package mailqueue

import (
	"context"
	"log/slog"
	"time"

	"github.com/pulsehr/mailqueue/contracts"
	"github.com/pulsehr/mailqueue/internal/rabbitmq"
	"github.com/pulsehr/mailqueue/mail"
	"github.com/pulsehr/mailqueue/queue"
)

// Client wires the pipeline together. The connection and channel pool
// are owned here and injected into the publisher, the worker, and the
// status inspector; nothing else creates or destroys broker resources.
type Client struct {
	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	topology  *rabbitmq.TopologyManager
	publisher *queue.EmailPublisher
	inspector *queue.StatusInspector
	worker    *queue.Worker
	logger    *slog.Logger
}

type clientConfig struct {
	logger         *slog.Logger
	sender         mail.Sender
	topology       rabbitmq.EmailTopology
	maxRetries     int
	heartbeat      time.Duration
	connectTimeout time.Duration
}

// ClientOption configures the client.
type ClientOption func(*clientConfig)

// WithClientLogger sets the logger used across the pipeline.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// WithSender sets the mail transport the worker delivers through.
func WithSender(sender mail.Sender) ClientOption {
	return func(c *clientConfig) {
		c.sender = sender
	}
}

// WithTopology overrides the default queue/exchange graph.
func WithTopology(topology rabbitmq.EmailTopology) ClientOption {
	return func(c *clientConfig) {
		c.topology = topology
	}
}

// WithMaxRetries sets the delivery attempt ceiling.
func WithMaxRetries(max int) ClientOption {
	return func(c *clientConfig) {
		c.maxRetries = max
	}
}

// WithHeartbeat sets the AMQP heartbeat interval.
func WithHeartbeat(interval time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.heartbeat = interval
	}
}

// WithConnectTimeout bounds each connect attempt.
func WithConnectTimeout(timeout time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.connectTimeout = timeout
	}
}

// NewClient builds the pipeline against the given broker URL. It does
// not connect; call Connect.
func NewClient(url string, options ...ClientOption) (*Client, error) {
	cfg := &clientConfig{
		logger:         slog.Default(),
		topology:       rabbitmq.DefaultEmailTopology(),
		maxRetries:     queue.DefaultMaxRetries,
		heartbeat:      60 * time.Second,
		connectTimeout: 30 * time.Second,
	}

	for _, opt := range options {
		opt(cfg)
	}
	if cfg.sender == nil {
		cfg.sender = mail.NewLogSender(cfg.logger)
	}

	manager := rabbitmq.NewConnectionManager(url,
		rabbitmq.WithLogger(cfg.logger),
		rabbitmq.WithHeartbeat(cfg.heartbeat),
		rabbitmq.WithConnectTimeout(cfg.connectTimeout),
	)

	pool, err := rabbitmq.NewChannelPool(manager)
	if err != nil {
		return nil, err
	}

	topology := rabbitmq.NewTopologyManager(pool, cfg.topology, cfg.logger)
	manager.AddStateListener(topology)

	transport := rabbitmq.NewPublisher(pool, manager)
	consumer := rabbitmq.NewConsumer(pool, manager,
		rabbitmq.WithPrefetchCount(cfg.topology.PrefetchCount),
		rabbitmq.WithConsumerLogger(cfg.logger),
	)

	return &Client{
		manager:   manager,
		pool:      pool,
		topology:  topology,
		publisher: queue.NewEmailPublisher(transport, cfg.topology, cfg.logger),
		inspector: queue.NewStatusInspector(pool, manager, cfg.topology),
		worker: queue.NewWorker(consumer, transport, topology, cfg.sender, cfg.topology,
			queue.WithMaxRetries(cfg.maxRetries),
			queue.WithWorkerLogger(cfg.logger),
		),
		logger: cfg.logger,
	}, nil
}

// Connect establishes the broker connection. A failing broker is not
// fatal: the connection manager keeps reconnecting in the background
// and the returned error is informational.
func (c *Client) Connect(ctx context.Context) error {
	return c.manager.Connect(ctx)
}

// Publish hands an email job off for asynchronous delivery. The
// returned flag is local acceptance, not delivery confirmation; false
// with a nil error means the broker connection was not ready.
func (c *Client) Publish(ctx context.Context, job *contracts.EmailJob) (bool, error) {
	return c.publisher.Publish(ctx, job)
}

// StartWorker begins consuming from the email queue in the background.
func (c *Client) StartWorker(ctx context.Context) error {
	return c.worker.Start(ctx)
}

// StopWorker cancels the subscription, letting the in-flight message
// finish. ctx bounds the wait.
func (c *Client) StopWorker(ctx context.Context) error {
	return c.worker.Stop(ctx)
}

// QueueStatus reports connection state plus depth and consumer counts
// of the email queue and its dead-letter queue.
func (c *Client) QueueStatus(ctx context.Context) (*queue.Status, error) {
	return c.inspector.QueueStatus(ctx)
}

// Connected reports whether the broker connection is ready.
func (c *Client) Connected() bool {
	return c.manager.IsReady()
}

// Close tears the pipeline down: worker first, then channels, then the
// connection.
func (c *Client) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := c.worker.Stop(ctx); err != nil {
		c.logger.Error("worker stop failed during close", "error", err)
	}
	if err := c.pool.Close(); err != nil {
		c.logger.Error("channel pool close failed", "error", err)
	}
	return c.manager.Close()
}
