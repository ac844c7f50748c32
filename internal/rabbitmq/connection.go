package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionState describes where the manager is in its lifecycle.
type ConnectionState int32

const (
	// StateDisconnected is the initial state; no connect attempted yet.
	StateDisconnected ConnectionState = iota
	// StateConnecting means a connect attempt is in flight.
	StateConnecting
	// StateReady means the connection is usable for publish and consume.
	StateReady
	// StateDegraded means the transport reported an error or close;
	// the reconnect loop has not yet taken over.
	StateDegraded
	// StateReconnecting means a backoff timer is active.
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// ConnectionStateListener receives state change notifications. OnReady
// fires after every successful connect, including reconnects, so
// dependents can redeclare topology on the fresh connection.
type ConnectionStateListener interface {
	OnReady()
	OnDegraded(err error)
	OnReconnecting(attempt int, delay time.Duration)
}

// ConnectionManager owns the single broker connection. Publisher and
// worker borrow channels through the pool but never create or destroy
// the connection themselves.
type ConnectionManager struct {
	url            string
	conn           *amqp.Connection
	mu             sync.RWMutex
	state          ConnectionState
	baseDelay      time.Duration
	maxDelay       time.Duration
	connectTimeout time.Duration
	heartbeat      time.Duration
	logger         *slog.Logger
	done           chan struct{}
	closeOnce      sync.Once
	reconnecting   bool // re-entrancy guard: at most one reconnect loop
	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager.
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithBackoff sets the base and maximum reconnect delays.
func WithBackoff(base, max time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.baseDelay = base
		cm.maxDelay = max
	}
}

// WithConnectTimeout bounds each individual connect attempt.
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectTimeout = timeout
	}
}

// WithHeartbeat sets the AMQP heartbeat interval.
func WithHeartbeat(interval time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.heartbeat = interval
	}
}

// NewConnectionManager creates a new connection manager. There is no
// reconnect attempt ceiling: the owning service stays up even when the
// broker is down for a long time.
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		state:          StateDisconnected,
		baseDelay:      time.Second,
		maxDelay:       30 * time.Second,
		connectTimeout: 30 * time.Second,
		heartbeat:      60 * time.Second,
		logger:         slog.Default(),
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the initial connection. A failed first connect is
// not fatal: the manager schedules the reconnect loop and returns the
// error so the caller can log it.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	if cm.state == StateReady || cm.state == StateConnecting {
		cm.mu.Unlock()
		return nil
	}
	cm.state = StateConnecting
	cm.mu.Unlock()

	conn, err := cm.dial(ctx)
	if err != nil {
		cm.mu.Lock()
		cm.state = StateDisconnected
		cm.mu.Unlock()

		cm.logger.Error("initial connect failed, scheduling reconnect", "error", err)
		cm.scheduleReconnect()
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	cm.install(conn)
	return nil
}

// dial opens a connection bounded by the connect timeout.
func (cm *ConnectionManager) dial(ctx context.Context) (*amqp.Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cm.connectTimeout)
	defer cancel()

	connChan := make(chan *amqp.Connection, 1)
	errChan := make(chan error, 1)

	go func() {
		conn, err := amqp.DialConfig(cm.url, amqp.Config{Heartbeat: cm.heartbeat})
		if err != nil {
			errChan <- err
			return
		}
		connChan <- conn
	}()

	select {
	case conn := <-connChan:
		return conn, nil
	case err := <-errChan:
		return nil, err
	case <-dialCtx.Done():
		return nil, ErrConnectionTimeout
	}
}

// install adopts a freshly dialed connection, moves to Ready, and
// notifies listeners so topology gets redeclared on the new connection.
func (cm *ConnectionManager) install(conn *amqp.Connection) {
	notifyClose := make(chan *amqp.Error, 1)
	conn.NotifyClose(notifyClose)

	cm.mu.Lock()
	cm.conn = conn
	cm.state = StateReady
	cm.mu.Unlock()

	cm.logger.Info("connected to broker", "url", SanitizeURL(cm.url))
	cm.notifyReady()

	go cm.watch(notifyClose)
}

// watch waits for the transport to report loss of this connection.
func (cm *ConnectionManager) watch(notifyClose chan *amqp.Error) {
	select {
	case err := <-notifyClose:
		if err != nil {
			cm.logger.Error("connection closed", "error", err)
		}

		cm.mu.Lock()
		if cm.state != StateReady {
			cm.mu.Unlock()
			return
		}
		cm.state = StateDegraded
		cm.conn = nil
		cm.mu.Unlock()

		cm.notifyDegraded(err)
		cm.scheduleReconnect()

	case <-cm.done:
	}
}

// scheduleReconnect starts the reconnect loop unless one is already
// running.
func (cm *ConnectionManager) scheduleReconnect() {
	cm.mu.Lock()
	if cm.reconnecting {
		cm.mu.Unlock()
		return
	}
	cm.reconnecting = true
	cm.state = StateReconnecting
	cm.mu.Unlock()

	go cm.reconnect()
}

// reconnect retries indefinitely with exponential backoff:
// delay = min(baseDelay * 2^attempt, maxDelay). The attempt counter
// resets only on a confirmed Ready transition.
func (cm *ConnectionManager) reconnect() {
	defer func() {
		cm.mu.Lock()
		cm.reconnecting = false
		cm.mu.Unlock()
	}()

	attempt := 0
	startTime := time.Now()

	for {
		delay := cm.backoff(attempt)
		cm.logger.Info("attempting to reconnect",
			"attempt", attempt+1,
			"delay", delay)
		cm.notifyReconnecting(attempt+1, delay)

		select {
		case <-time.After(delay):
		case <-cm.done:
			return
		}

		conn, err := cm.dial(context.Background())
		if err != nil {
			cm.logger.Error("reconnect failed",
				"error", err,
				"attempt", attempt+1)
			attempt++
			continue
		}

		cm.logger.Info("reconnected to broker",
			"attempts", attempt+1,
			"downFor", time.Since(startTime))
		cm.install(conn)
		return
	}
}

// backoff computes min(baseDelay * 2^attempt, maxDelay).
func (cm *ConnectionManager) backoff(attempt int) time.Duration {
	if attempt > 30 {
		return cm.maxDelay
	}
	delay := cm.baseDelay * time.Duration(1<<uint(attempt))
	if delay > cm.maxDelay {
		delay = cm.maxDelay
	}
	return delay
}

// GetConnection returns the live connection, or an error when the
// manager is not Ready. Callers must not cache the result across
// reconnects.
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.state != StateReady || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return cm.conn, nil
}

// State returns the current lifecycle state.
func (cm *ConnectionManager) State() ConnectionState {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.state
}

// IsReady reports whether publish and consume are permitted.
func (cm *ConnectionManager) IsReady() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.state == StateReady && cm.conn != nil && !cm.conn.IsClosed()
}

// Close shuts the manager down and closes the connection.
func (cm *ConnectionManager) Close() error {
	cm.closeOnce.Do(func() {
		close(cm.done)
	})

	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.state = StateDisconnected
	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		return err
	}
	return nil
}

// AddStateListener registers a listener for state transitions.
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

func (cm *ConnectionManager) notifyReady() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	for _, listener := range cm.stateListeners {
		go listener.OnReady()
	}
}

func (cm *ConnectionManager) notifyDegraded(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	for _, listener := range cm.stateListeners {
		go listener.OnDegraded(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int, delay time.Duration) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	for _, listener := range cm.stateListeners {
		go listener.OnReconnecting(attempt, delay)
	}
}
