package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/pulsehr/mailqueue/contracts"
	"github.com/pulsehr/mailqueue/internal/rabbitmq"
)

// RetryCountHeader is the authoritative retry counter. The worker reads
// and increments this header; the body's retryCount field only mirrors
// it, since requeued headers survive broker round-trips more reliably
// than a re-parsed body.
const RetryCountHeader = "x-retry-count"

// TransportPublisher is the low-level publish operation the email
// publisher and the worker's retry republish depend on.
type TransportPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
}

// EmailPublisher hands composed jobs off for asynchronous delivery.
// Publish returns an acceptance flag, not a delivery confirmation:
// beyond the client's local buffer this is fire-and-forget.
type EmailPublisher struct {
	transport TransportPublisher
	topology  rabbitmq.EmailTopology
	logger    *slog.Logger
}

// NewEmailPublisher creates a publisher for the given topology.
func NewEmailPublisher(transport TransportPublisher, topology rabbitmq.EmailTopology, logger *slog.Logger) *EmailPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &EmailPublisher{
		transport: transport,
		topology:  topology,
		logger:    logger,
	}
}

// Publish serializes job and publishes it persistently with its broker
// priority and retry header. It returns (false, nil) when the broker
// connection is not ready, since email is best-effort from the caller's
// perspective and the call must never block behind a reconnect, and
// (false, err) when the broker rejects the publish. The publisher does
// not retry on its own.
func (p *EmailPublisher) Publish(ctx context.Context, job *contracts.EmailJob) (bool, error) {
	if job.Priority == "" {
		job.Priority = contracts.PriorityNormal
	}
	if job.RetryCount < 0 {
		job.RetryCount = 0
	}
	job.Timestamp = time.Now().UTC()

	body, err := job.Marshal()
	if err != nil {
		return false, err
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Priority:     job.Priority.BrokerPriority(),
		MessageId:    uuid.New().String(),
		Timestamp:    job.Timestamp,
		Headers: amqp.Table{
			RetryCountHeader: int32(job.RetryCount),
		},
		Body: body,
	}

	err = p.transport.Publish(ctx, p.topology.Exchange, p.topology.RoutingKey, msg)
	if err != nil {
		if errors.Is(err, rabbitmq.ErrConnectionNotReady) {
			p.logger.Warn("email publish skipped, broker not ready",
				"to", job.To,
				"subject", job.Subject)
			return false, nil
		}
		return false, err
	}

	p.logger.Debug("email job published",
		"to", job.To,
		"subject", job.Subject,
		"priority", job.Priority,
		"messageId", msg.MessageId)
	return true, nil
}
