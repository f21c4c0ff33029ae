package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultReconnectInitialInterval = 500 * time.Millisecond
	defaultReconnectMaxInterval     = 30 * time.Second
	defaultReconnectMultiplier      = 2.0
)

// Config holds RabbitMQ connection configuration
type Config struct {
	URLs                     []string
	Heartbeat                time.Duration
	ConnectionTimeout        time.Duration
	ReconnectInitialInterval time.Duration
	ReconnectMaxInterval     time.Duration
	ReconnectMultiplier      float64
	PublishTimeout           time.Duration
}

// Option configures a Manager
type Option func(*Manager)

// WithDialer replaces the AMQP dialer, typically with an in-memory broker
func WithDialer(dial Dialer) Option {
	return func(m *Manager) {
		m.dial = dial
	}
}

// Manager owns the process-wide broker connection. It redials forever on loss
// and replays the setup of every managed channel after each reconnect.
type Manager struct {
	config *Config
	logger *slog.Logger
	dial   Dialer

	runCtx context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	conn     Connection
	gen      uint64
	channels map[*Channel]struct{}
	next     int
	started  bool
	closed   bool

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

// NewManager creates a connection manager. No connection is made until Connect.
func NewManager(config *Config, logger *slog.Logger, opts ...Option) *Manager {
	runCtx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		config:   config,
		logger:   logger.With(slog.String("component", "rabbitmq")),
		dial:     DialAMQP,
		runCtx:   runCtx,
		cancel:   cancel,
		channels: make(map[*Channel]struct{}),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Connect starts the connection supervisor and waits for the first connection.
// If ctx ends first a ConnectionError is returned, but the supervisor keeps
// retrying in the background until Close.
func (m *Manager) Connect(ctx context.Context) error {
	if len(m.config.URLs) == 0 {
		return fmt.Errorf("no RabbitMQ URLs configured")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if !m.started {
		m.started = true
		go m.supervise(m.runCtx)
	}
	m.mu.Unlock()

	select {
	case <-m.ready:
		return nil
	case <-ctx.Done():
		return &ConnectionError{Endpoints: m.redactedURLs(), Err: ctx.Err()}
	}
}

// IsConnected reports whether a live connection is currently held
func (m *Manager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn != nil && !m.conn.IsClosed()
}

// CreateChannel registers a managed channel. setup runs immediately when connected
// and again after every reconnect, before the channel accepts any operation.
// A setup error on the immediate run is returned and the channel is discarded.
func (m *Manager) CreateChannel(ctx context.Context, name string, setup SetupFunc) (*Channel, error) {
	c := &Channel{
		name:   name,
		setup:  setup,
		mgr:    m,
		logger: m.logger.With(slog.String("channel", name)),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	m.channels[c] = struct{}{}
	conn, gen := m.conn, m.gen
	m.mu.Unlock()

	if conn == nil {
		c.logger.Info("Channel registered, waiting for connection")
		return c, nil
	}

	if err := ctx.Err(); err != nil {
		m.remove(c)
		return nil, err
	}

	if err := c.open(m.runCtx, conn, gen); err != nil {
		m.remove(c)
		return nil, fmt.Errorf("failed to set up channel %s: %w", name, err)
	}

	return c, nil
}

// Close stops reconnecting, closes every managed channel and then the connection
func (m *Manager) Close() error {
	var closeErr error

	m.closeOnce.Do(func() {
		m.logger.Info("Closing RabbitMQ connection")

		m.mu.Lock()
		m.closed = true
		started := m.started
		m.mu.Unlock()

		m.cancel()
		if started {
			<-m.done
		}

		m.mu.Lock()
		channels := make([]*Channel, 0, len(m.channels))
		for c := range m.channels {
			channels = append(channels, c)
		}
		conn := m.conn
		m.conn = nil
		m.mu.Unlock()

		for _, c := range channels {
			if err := c.Close(); err != nil {
				c.logger.Error("Failed to close RabbitMQ channel", slog.Any("error", err))
			}
		}

		if conn != nil && !conn.IsClosed() {
			if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
				m.logger.Error("Failed to close RabbitMQ connection", slog.Any("error", err))
				closeErr = err
			}
		}

		getMetrics().connectionUp.Set(0)
		m.logger.Info("RabbitMQ connection closed successfully")
	})

	return closeErr
}

func (m *Manager) supervise(ctx context.Context) {
	defer close(m.done)

	for {
		conn, err := m.dialWithBackoff(ctx)
		if err != nil {
			return
		}
		if ctx.Err() != nil {
			_ = conn.Close()
			return
		}

		closed := conn.NotifyClose(make(chan *amqp.Error, 1))
		gen := m.attach(ctx, conn)
		m.readyOnce.Do(func() { close(m.ready) })

		select {
		case <-ctx.Done():
			return

		case amqpErr, ok := <-closed:
			m.detach(gen)
			if ctx.Err() != nil {
				return
			}
			getMetrics().reconnects.Inc()
			if ok && amqpErr != nil {
				m.logger.Warn("RabbitMQ connection lost, reconnecting",
					slog.Int("code", amqpErr.Code),
					slog.String("reason", amqpErr.Reason),
				)
			} else {
				m.logger.Warn("RabbitMQ connection closed, reconnecting")
			}
		}
	}
}

// dialWithBackoff tries the endpoints round-robin until one answers or ctx ends
func (m *Manager) dialWithBackoff(ctx context.Context) (Connection, error) {
	amqpConfig := amqp.Config{
		Heartbeat: m.config.Heartbeat,
		Locale:    "en_US",
	}
	if m.config.ConnectionTimeout > 0 {
		amqpConfig.Dial = amqp.DefaultDial(m.config.ConnectionTimeout)
	}

	var (
		conn    Connection
		attempt int
	)

	operation := func() error {
		attempt++
		endpoint := m.nextEndpoint()

		m.logger.Info("Connecting to RabbitMQ",
			slog.String("url", redact(endpoint)),
			slog.Int("attempt", attempt),
		)

		c, err := m.dial(endpoint, amqpConfig)
		if err != nil {
			return fmt.Errorf("dial %s: %w", redact(endpoint), err)
		}
		conn = c
		return nil
	}

	notify := func(err error, wait time.Duration) {
		m.logger.Error("Failed to connect to RabbitMQ",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
			slog.Duration("retry_after", wait),
		)
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(m.newBackOff(), ctx), notify); err != nil {
		return nil, err
	}

	m.logger.Info("Successfully connected to RabbitMQ", slog.Int("attempts", attempt))
	return conn, nil
}

func (m *Manager) nextEndpoint() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	endpoint := m.config.URLs[m.next%len(m.config.URLs)]
	m.next++
	return endpoint
}

// attach installs conn as the live connection and reopens every managed channel on it
func (m *Manager) attach(ctx context.Context, conn Connection) uint64 {
	m.mu.Lock()
	m.conn = conn
	m.gen++
	gen := m.gen
	channels := make([]*Channel, 0, len(m.channels))
	for c := range m.channels {
		channels = append(channels, c)
	}
	m.mu.Unlock()

	getMetrics().connectionUp.Set(1)

	for _, c := range channels {
		if err := c.open(ctx, conn, gen); err != nil {
			c.logger.Error("Failed to restore channel after reconnect", slog.Any("error", err))
			go c.reopen(ctx, gen)
		}
	}

	return gen
}

// detach forgets the connection of generation gen and marks its channels down
func (m *Manager) detach(gen uint64) {
	m.mu.Lock()
	if m.gen == gen {
		m.conn = nil
	}
	channels := make([]*Channel, 0, len(m.channels))
	for c := range m.channels {
		channels = append(channels, c)
	}
	m.mu.Unlock()

	getMetrics().connectionUp.Set(0)

	for _, c := range channels {
		c.markDown(gen)
	}
}

// connectionFor returns the live connection if it still belongs to generation gen
func (m *Manager) connectionFor(gen uint64) (Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed || m.gen != gen || m.conn == nil || m.conn.IsClosed() {
		return nil, false
	}
	return m.conn, true
}

func (m *Manager) remove(c *Channel) {
	m.mu.Lock()
	delete(m.channels, c)
	m.mu.Unlock()
}

func (m *Manager) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = defaultReconnectInitialInterval
	b.MaxInterval = defaultReconnectMaxInterval
	b.Multiplier = defaultReconnectMultiplier
	if m.config.ReconnectInitialInterval > 0 {
		b.InitialInterval = m.config.ReconnectInitialInterval
	}
	if m.config.ReconnectMaxInterval > 0 {
		b.MaxInterval = m.config.ReconnectMaxInterval
	}
	if m.config.ReconnectMultiplier > 0 {
		b.Multiplier = m.config.ReconnectMultiplier
	}
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	// retry forever; only Close stops the supervisor
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (m *Manager) redactedURLs() []string {
	out := make([]string, len(m.config.URLs))
	for i, u := range m.config.URLs {
		out[i] = redact(u)
	}
	return out
}

func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid-url"
	}
	return u.Redacted()
}
