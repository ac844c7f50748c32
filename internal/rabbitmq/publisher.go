package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher pushes messages onto an exchange through the shared channel
// pool. It is fire-and-forget beyond the client's local buffer: the
// return value is the broker client's synchronous acceptance, not a
// delivery confirmation.
type Publisher struct {
	pool    *ChannelPool
	manager *ConnectionManager
}

// NewPublisher creates a new publisher.
func NewPublisher(pool *ChannelPool, manager *ConnectionManager) *Publisher {
	return &Publisher{
		pool:    pool,
		manager: manager,
	}
}

// Publish sends msg to exchange/routingKey. It fails fast with
// ErrConnectionNotReady when the connection manager is not Ready, so
// callers are never blocked behind a reconnect loop.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	if !p.manager.IsReady() {
		return ErrConnectionNotReady
	}

	err := p.pool.Execute(ctx, func(ch *amqp.Channel) error {
		return ch.PublishWithContext(
			ctx,
			exchange,
			routingKey,
			false, // mandatory
			false, // immediate
			msg,
		)
	})
	if err != nil {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}
	return nil
}
