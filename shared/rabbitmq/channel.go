package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
)

const confirmBufferSize = 16

// SetupFunc prepares a freshly opened channel: declarations, qos, consumers.
// It runs on first open and after every reconnect.
type SetupFunc func(ctx context.Context, ch AMQPChannel) error

// Channel is a managed AMQP channel in confirm mode that survives reconnects.
// While the connection is down every operation fails with ErrNotConnected.
type Channel struct {
	name   string
	setup  SetupFunc
	mgr    *Manager
	logger *slog.Logger

	openMu sync.Mutex

	mu     sync.RWMutex
	sess   *session
	closed bool
}

// session is one incarnation of the channel on a specific connection generation
type session struct {
	ch  AMQPChannel
	gen uint64

	pubMu   sync.Mutex
	lastTag uint64

	pendingMu sync.Mutex
	pending   map[uint64]chan bool

	done chan struct{}
}

// Name returns the channel's registration name
func (c *Channel) Name() string {
	return c.name
}

// IsReady reports whether the channel is open and its setup has completed
func (c *Channel) IsReady() bool {
	return c.current() != nil
}

// Publish sends msg to queue via the default exchange and waits for the broker confirm
func (c *Channel) Publish(ctx context.Context, queue string, msg amqp.Publishing) error {
	sess := c.current()
	if sess == nil {
		return ErrNotConnected
	}

	if timeout := c.mgr.config.PublishTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	tag, wait, err := sess.publish(ctx, queue, msg)
	if err != nil {
		if errors.Is(err, amqp.ErrClosed) {
			return fmt.Errorf("%w: %v", ErrNotConnected, err)
		}
		return err
	}

	select {
	case ack := <-wait:
		if !ack {
			return ErrPublishNacked
		}
		return nil
	case <-sess.done:
		select {
		case ack := <-wait:
			if !ack {
				return ErrPublishNacked
			}
			return nil
		default:
			return ErrChannelClosed
		}
	case <-ctx.Done():
		sess.forget(tag)
		return ctx.Err()
	}
}

// Do runs fn against the underlying channel of the current session
func (c *Channel) Do(fn func(ch AMQPChannel) error) error {
	sess := c.current()
	if sess == nil {
		return ErrNotConnected
	}
	return fn(sess.ch)
}

// Close closes the channel and stops it from being restored on reconnect
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sess := c.sess
	c.sess = nil
	c.mu.Unlock()

	c.mgr.remove(c)

	if sess == nil {
		return nil
	}
	if err := sess.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	return nil
}

func (c *Channel) current() *session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sess
}

// open creates a new session on conn and runs setup before exposing it
func (c *Channel) open(ctx context.Context, conn Connection, gen uint64) error {
	c.openMu.Lock()
	defer c.openMu.Unlock()

	c.mu.RLock()
	closed, sess := c.closed, c.sess
	c.mu.RUnlock()
	if closed {
		return nil
	}
	if sess != nil && sess.gen >= gen {
		return nil
	}

	ch, err := conn.Channel()
	if err != nil {
		getMetrics().channelSetups.WithLabelValues(c.name, "failure").Inc()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		getMetrics().channelSetups.WithLabelValues(c.name, "failure").Inc()
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, confirmBufferSize))
	closeCh := ch.NotifyClose(make(chan *amqp.Error, 1))

	next := &session{
		ch:      ch,
		gen:     gen,
		pending: make(map[uint64]chan bool),
		done:    make(chan struct{}),
	}
	go next.confirmLoop(confirms)

	if c.setup != nil {
		if err := c.setup(ctx, ch); err != nil {
			_ = ch.Close()
			getMetrics().channelSetups.WithLabelValues(c.name, "failure").Inc()
			return err
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = ch.Close()
		return nil
	}
	c.sess = next
	c.mu.Unlock()

	getMetrics().channelSetups.WithLabelValues(c.name, "success").Inc()
	c.logger.Info("Channel ready", slog.Uint64("generation", gen))

	go c.watch(ctx, next, closeCh)
	return nil
}

// watch clears the session when the channel dies and restores it when the
// connection itself is still alive (channel-level exception)
func (c *Channel) watch(ctx context.Context, sess *session, closeCh <-chan *amqp.Error) {
	amqpErr, ok := <-closeCh

	c.mu.Lock()
	if c.sess == sess {
		c.sess = nil
	}
	closed := c.closed
	c.mu.Unlock()

	if closed || !ok || amqpErr == nil {
		return
	}

	c.logger.Warn("Channel closed by broker",
		slog.Int("code", amqpErr.Code),
		slog.String("reason", amqpErr.Reason),
	)

	if _, alive := c.mgr.connectionFor(sess.gen); alive {
		c.reopen(ctx, sess.gen)
	}
}

// reopen retries open on generation gen until it succeeds or the connection moves on
func (c *Channel) reopen(ctx context.Context, gen uint64) {
	b := backoff.WithContext(c.mgr.newBackOff(), ctx)

	for {
		conn, ok := c.mgr.connectionFor(gen)
		if !ok {
			return
		}

		err := c.open(ctx, conn, gen)
		if err == nil {
			return
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return
		}

		c.logger.Error("Failed to reopen channel",
			slog.Any("error", err),
			slog.Duration("retry_after", wait),
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// markDown drops the session of a lost connection generation
func (c *Channel) markDown(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess != nil && c.sess.gen <= gen {
		c.sess = nil
	}
}

func (s *session) publish(ctx context.Context, queue string, msg amqp.Publishing) (uint64, chan bool, error) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	tag := s.lastTag + 1
	wait := make(chan bool, 1)

	s.pendingMu.Lock()
	s.pending[tag] = wait
	s.pendingMu.Unlock()

	if err := s.ch.PublishWithContext(ctx, "", queue, false, false, msg); err != nil {
		s.forget(tag)
		return 0, nil, err
	}

	s.lastTag = tag
	return tag, wait, nil
}

func (s *session) forget(tag uint64) {
	s.pendingMu.Lock()
	delete(s.pending, tag)
	s.pendingMu.Unlock()
}

// confirmLoop routes broker confirms to their waiting publishers
func (s *session) confirmLoop(confirms <-chan amqp.Confirmation) {
	defer close(s.done)

	for conf := range confirms {
		s.pendingMu.Lock()
		wait, ok := s.pending[conf.DeliveryTag]
		delete(s.pending, conf.DeliveryTag)
		s.pendingMu.Unlock()

		if ok {
			wait <- conf.Ack
		}
	}
}
