package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ChannelPool hands out AMQP channels on the managed connection. It is
// the shared resource handle injected into the publisher, the topology
// manager, and queue inspection; the consumer opens its own dedicated
// channel so its prefetch setting stays isolated. Channels found closed
// after a reconnect are discarded and replaced transparently.
type ChannelPool struct {
	manager  *ConnectionManager
	channels chan *PooledChannel
	maxSize  int
	mu       sync.Mutex
	closed   bool
}

// PooledChannel wraps an AMQP channel with pool metadata.
type PooledChannel struct {
	*amqp.Channel
	id       string
	lastUsed time.Time
}

// ChannelPoolOption configures the channel pool.
type ChannelPoolOption func(*ChannelPool)

// WithMaxChannels sets the maximum pool size.
func WithMaxChannels(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// NewChannelPool creates a new channel pool on the managed connection.
func NewChannelPool(manager *ConnectionManager, options ...ChannelPoolOption) (*ChannelPool, error) {
	if manager == nil {
		return nil, ErrInvalidConfiguration
	}

	pool := &ChannelPool{
		manager: manager,
		maxSize: 4,
	}

	for _, opt := range options {
		opt(pool)
	}

	if pool.maxSize < 1 {
		return nil, fmt.Errorf("%w: max channels must be at least 1", ErrInvalidConfiguration)
	}

	pool.channels = make(chan *PooledChannel, pool.maxSize)
	return pool, nil
}

// Get retrieves a channel from the pool, opening a new one when none is
// available. Fails fast when the connection is not Ready.
func (cp *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil, ErrChannelPoolClosed
	}
	cp.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	for {
		select {
		case ch := <-cp.channels:
			if ch.Channel.IsClosed() {
				// Stale channel from before a reconnect; drop it.
				continue
			}
			ch.lastUsed = time.Now()
			return ch, nil
		default:
			return cp.open()
		}
	}
}

// Put returns a channel to the pool. Closed or surplus channels are
// discarded.
func (cp *ChannelPool) Put(ch *PooledChannel) {
	if ch == nil {
		return
	}

	cp.mu.Lock()
	closed := cp.closed
	cp.mu.Unlock()

	if closed || ch.Channel.IsClosed() {
		if !ch.Channel.IsClosed() {
			ch.Channel.Close()
		}
		return
	}

	ch.lastUsed = time.Now()
	select {
	case cp.channels <- ch:
	default:
		ch.Channel.Close()
	}
}

// Execute runs fn with a pooled channel, returning the channel to the
// pool afterwards. Panics inside fn are recovered into errors so a bad
// handler cannot take the process down.
func (cp *ChannelPool) Execute(ctx context.Context, fn func(*amqp.Channel) error) error {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}
	defer cp.Put(ch)

	var execErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				execErr = fmt.Errorf("panic in channel execution: %v", r)
			}
		}()
		execErr = fn(ch.Channel)
	}()

	return execErr
}

// OpenDedicated opens a channel outside the pool. The caller owns its
// lifecycle; the consumer uses this for its prefetch-1 channel.
func (cp *ChannelPool) OpenDedicated() (*amqp.Channel, error) {
	conn, err := cp.manager.GetConnection()
	if err != nil {
		return nil, err
	}
	return conn.Channel()
}

// Close closes all pooled channels.
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	cp.mu.Unlock()

	close(cp.channels)
	for ch := range cp.channels {
		if ch != nil && !ch.Channel.IsClosed() {
			ch.Channel.Close()
		}
	}
	return nil
}

// open creates a new pooled channel.
func (cp *ChannelPool) open() (*PooledChannel, error) {
	conn, err := cp.manager.GetConnection()
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}

	return &PooledChannel{
		Channel:  ch,
		id:       uuid.New().String(),
		lastUsed: time.Now(),
	}, nil
}
