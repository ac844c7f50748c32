package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/pulsehr/mailqueue/contracts"
	"github.com/pulsehr/mailqueue/internal/rabbitmq"
	"github.com/pulsehr/mailqueue/mail"
)

const (
	// DefaultMaxRetries is the delivery attempt ceiling before a job is
	// parked in the dead-letter queue.
	DefaultMaxRetries = 3

	// defaultSubscribeRetryDelay paces subscribe attempts while the
	// connection or topology is not ready yet.
	defaultSubscribeRetryDelay = 5 * time.Second
)

// Subscriber is the consumption side the worker drives.
type Subscriber interface {
	Subscribe(ctx context.Context, queue string, handler rabbitmq.MessageHandler) error
	Stop(ctx context.Context) error
	Active() bool
}

// TopologyReadiness lets the worker verify the queue graph exists on
// the current connection before it subscribes.
type TopologyReadiness interface {
	Declared() bool
}

// Worker consumes one message at a time from the email queue, attempts
// delivery through the mail sender, and resolves each message.
//
// Retry counting re-publishes the job with an incremented x-retry-count
// header and acks the failed original, so the redelivered copy carries
// the true attempt count. Once the incremented count reaches the
// ceiling the original is nacked without requeue and the broker's
// dead-letter configuration parks it. A single failing email can never
// crash the worker: every per-message error becomes an ack/nack
// decision.
type Worker struct {
	subscriber Subscriber
	transport  TransportPublisher
	readiness  TopologyReadiness
	sender     mail.Sender
	topology   rabbitmq.EmailTopology
	maxRetries int
	retryDelay time.Duration
	logger     *slog.Logger

	mu      sync.Mutex
	running bool
	stop    context.CancelFunc
	stopped chan struct{}
}

// WorkerOption configures the worker.
type WorkerOption func(*Worker)

// WithMaxRetries sets the delivery attempt ceiling.
func WithMaxRetries(max int) WorkerOption {
	return func(w *Worker) {
		w.maxRetries = max
	}
}

// WithSubscribeRetryDelay sets the delay between subscribe attempts.
func WithSubscribeRetryDelay(delay time.Duration) WorkerOption {
	return func(w *Worker) {
		w.retryDelay = delay
	}
}

// WithWorkerLogger sets the logger.
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = logger
	}
}

// NewWorker creates a worker for the given topology and sender.
func NewWorker(subscriber Subscriber, transport TransportPublisher, readiness TopologyReadiness, sender mail.Sender, topology rabbitmq.EmailTopology, options ...WorkerOption) *Worker {
	w := &Worker{
		subscriber: subscriber,
		transport:  transport,
		readiness:  readiness,
		sender:     sender,
		topology:   topology,
		maxRetries: DefaultMaxRetries,
		retryDelay: defaultSubscribeRetryDelay,
		logger:     slog.Default(),
	}

	for _, opt := range options {
		opt(w)
	}

	return w
}

// Start begins consuming in the background. Subscription is retried on
// a fixed delay until the connection is ready and the topology is
// declared; a broker that is down at startup delays consumption, it
// does not fail the process.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return rabbitmq.ErrConsumerAlreadyActive
	}

	workerCtx, cancel := context.WithCancel(ctx)
	w.running = true
	w.stop = cancel
	w.stopped = make(chan struct{})

	go w.subscribeLoop(workerCtx)
	return nil
}

// subscribeLoop keeps a subscription alive: it subscribes when the
// topology is ready and re-subscribes after the consumer loop dies with
// a lost connection.
func (w *Worker) subscribeLoop(ctx context.Context) {
	defer close(w.stopped)

	ticker := time.NewTicker(w.retryDelay)
	defer ticker.Stop()

	for {
		if !w.subscriber.Active() {
			if w.readiness.Declared() {
				if err := w.subscriber.Subscribe(ctx, w.topology.Queue, w.handleDelivery); err != nil {
					w.logger.Warn("subscribe attempt failed, will retry",
						"queue", w.topology.Queue,
						"retryIn", w.retryDelay,
						"error", err)
				}
			} else {
				w.logger.Debug("topology not declared yet, delaying subscribe",
					"queue", w.topology.Queue,
					"retryIn", w.retryDelay)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop cancels the active subscription and waits for the in-flight
// message to finish. ctx bounds the wait, not the message.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	stop := w.stop
	stopped := w.stopped
	w.mu.Unlock()

	if w.subscriber.Active() {
		if err := w.subscriber.Stop(ctx); err != nil {
			w.logger.Error("failed to stop consumer", "error", err)
		}
	}
	stop()

	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleDelivery resolves a single message: parse, send, ack on
// success, bounded retry or dead-letter on failure.
func (w *Worker) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	job, parseErr := contracts.UnmarshalEmailJob(delivery.Body)
	if parseErr != nil {
		// A malformed body can never succeed; it still rides the normal
		// retry ceiling instead of being requeued forever.
		w.logger.Error("malformed email job",
			"messageId", delivery.MessageId,
			"error", parseErr)
		w.handleFailure(ctx, delivery, nil, parseErr)
		return
	}

	sendErr := w.sender.Send(ctx, mail.Message{
		To:      job.To,
		Subject: job.Subject,
		HTML:    job.HTML,
		Text:    job.Text,
	})
	if sendErr != nil {
		w.logger.Error("email delivery failed",
			"to", job.To,
			"subject", job.Subject,
			"messageId", delivery.MessageId,
			"error", sendErr)
		w.handleFailure(ctx, delivery, job, sendErr)
		return
	}

	if err := delivery.Ack(false); err != nil {
		w.logger.Error("failed to ack delivery",
			"messageId", delivery.MessageId,
			"error", err)
		return
	}
	w.logger.Info("email delivered",
		"to", job.To,
		"subject", job.Subject,
		"messageId", delivery.MessageId,
		"retryCount", retryCount(delivery))
}

// handleFailure applies the retry policy. The observed header counts
// previous failed attempts; including this one the job has failed
// observed+1 times. Below the ceiling the job is republished with the
// incremented header and the original acked; at the ceiling the
// original is nacked without requeue and dead-letters.
func (w *Worker) handleFailure(ctx context.Context, delivery amqp.Delivery, job *contracts.EmailJob, cause error) {
	failures := retryCount(delivery) + 1

	if failures >= w.maxRetries {
		w.logger.Warn("retry ceiling reached, dead-lettering",
			"messageId", delivery.MessageId,
			"failures", failures,
			"error", cause)
		if err := delivery.Nack(false, false); err != nil {
			w.logger.Error("failed to nack delivery",
				"messageId", delivery.MessageId,
				"error", err)
		}
		return
	}

	if err := w.republish(ctx, delivery, job, failures); err != nil {
		// Could not republish; fall back to a broker requeue so the
		// message is not lost. The copy keeps its old header, so the
		// worst case is extra attempts, never a dropped job.
		w.logger.Error("failed to republish for retry, requeueing",
			"messageId", delivery.MessageId,
			"error", err)
		if nackErr := delivery.Nack(false, true); nackErr != nil {
			w.logger.Error("failed to nack delivery",
				"messageId", delivery.MessageId,
				"error", nackErr)
		}
		return
	}

	if err := delivery.Ack(false); err != nil {
		w.logger.Error("failed to ack original after republish",
			"messageId", delivery.MessageId,
			"error", err)
		return
	}
	w.logger.Info("email delivery retry scheduled",
		"messageId", delivery.MessageId,
		"failures", failures)
}

// republish puts a copy of the message back on the exchange with the
// incremented retry header. For a parseable job the body's retryCount
// mirrors the header; a malformed body is carried unchanged.
func (w *Worker) republish(ctx context.Context, delivery amqp.Delivery, job *contracts.EmailJob, failures int) error {
	body := delivery.Body
	priority := delivery.Priority
	if job != nil {
		job.RetryCount = failures
		var err error
		body, err = job.Marshal()
		if err != nil {
			return err
		}
		priority = job.Priority.BrokerPriority()
	}

	return w.transport.Publish(ctx, w.topology.Exchange, w.topology.RoutingKey, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Priority:     priority,
		MessageId:    delivery.MessageId,
		Timestamp:    delivery.Timestamp,
		Headers: amqp.Table{
			RetryCountHeader: int32(failures),
		},
		Body: body,
	})
}

// retryCount reads the authoritative retry header, defaulting to 0 when
// absent or of an unexpected type.
func retryCount(delivery amqp.Delivery) int {
	raw, ok := delivery.Headers[RetryCountHeader]
	if !ok {
		return 0
	}
	switch v := raw.(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
