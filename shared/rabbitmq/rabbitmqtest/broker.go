// Package rabbitmqtest provides an in-memory AMQP broker for tests.
//
// It models the parts of RabbitMQ the job pipeline relies on: durable and
// transient queues, persistent messages surviving Restart, manual
// acknowledgement with redelivery on channel loss, per-consumer prefetch,
// round-robin dispatch, publisher confirms, default-exchange routing and
// dead-lettering through the default exchange.
package rabbitmqtest

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/jobdispatch/shared/rabbitmq"
)

// maxUnbounded caps in-flight deliveries of a consumer without a prefetch limit
const maxUnbounded = 256

// ErrDialRefused is a convenient dial failure for outage simulations
var ErrDialRefused = errors.New("dial tcp: connection refused")

// Message is a snapshot of a queued message
type Message struct {
	Body         []byte
	MessageID    string
	Type         string
	ContentType  string
	DeliveryMode uint8
	Headers      amqp.Table
	Redelivered  bool
}

// Broker is an in-memory broker. The zero value is not usable; call New.
type Broker struct {
	mu            sync.Mutex
	queues        map[string]*queue
	conns         map[*conn]struct{}
	dialErr       error
	nackPublishes bool
	dials         int
	consumerSeq   int
}

type message struct {
	pub         amqp.Publishing
	redelivered bool
}

type queue struct {
	name      string
	durable   bool
	args      amqp.Table
	ready     []*message
	consumers []*consumer
	next      int
}

type consumer struct {
	tag   string
	ch    *channel
	queue *queue
	out   chan amqp.Delivery
	limit int
	held  int
}

type inflight struct {
	msg      *message
	queue    *queue
	consumer *consumer
}

// New creates an empty broker
func New() *Broker {
	return &Broker{
		queues: make(map[string]*queue),
		conns:  make(map[*conn]struct{}),
	}
}

// Dial implements rabbitmq.Dialer
func (b *Broker) Dial(_ string, _ amqp.Config) (rabbitmq.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}

	c := &conn{broker: b, channels: make(map[*channel]struct{})}
	b.conns[c] = struct{}{}
	return c, nil
}

// SetDialError makes every following dial fail with err until it is reset to nil
func (b *Broker) SetDialError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

// SetNackPublishes makes the broker negatively confirm every following publish
func (b *Broker) SetNackPublishes(nack bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nackPublishes = nack
}

// DropConnections force-closes every client connection and keeps all broker state
func (b *Broker) DropConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropConnections()
}

// Restart simulates a broker restart: connections are closed, transient queues
// disappear and only persistent messages survive in durable queues.
func (b *Broker) Restart() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dropConnections()

	for name, q := range b.queues {
		if !q.durable {
			delete(b.queues, name)
			continue
		}
		kept := q.ready[:0]
		for _, m := range q.ready {
			if m.pub.DeliveryMode == amqp.Persistent {
				kept = append(kept, m)
			}
		}
		q.ready = kept
	}
}

// Publish injects a message into queue as a worker process would
func (b *Broker) Publish(queueName string, pub amqp.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queueName]
	if !ok {
		return fmt.Errorf("queue %q not found", queueName)
	}
	q.ready = append(q.ready, &message{pub: pub})
	b.dispatch(q)
	return nil
}

// QueueExists reports whether the queue has been declared
func (b *Broker) QueueExists(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// QueueDurable reports whether the queue was declared durable
func (b *Broker) QueueDurable(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	return ok && q.durable
}

// QueueArgs returns the declaration arguments of the queue
func (b *Broker) QueueArgs(name string) amqp.Table {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return q.args
	}
	return nil
}

// Ready returns the number of messages waiting in the queue
func (b *Broker) Ready(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.ready)
	}
	return 0
}

// Unacked returns the number of delivered but unacknowledged messages of the queue
func (b *Broker) Unacked(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for c := range b.conns {
		for ch := range c.channels {
			for _, f := range ch.unacked {
				if f.queue.name == name {
					n++
				}
			}
		}
	}
	return n
}

// Messages returns a snapshot of the ready messages of the queue
func (b *Broker) Messages(name string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return nil
	}

	out := make([]Message, 0, len(q.ready))
	for _, m := range q.ready {
		out = append(out, Message{
			Body:         append([]byte(nil), m.pub.Body...),
			MessageID:    m.pub.MessageId,
			Type:         m.pub.Type,
			ContentType:  m.pub.ContentType,
			DeliveryMode: m.pub.DeliveryMode,
			Headers:      m.pub.Headers,
			Redelivered:  m.redelivered,
		})
	}
	return out
}

// Consumers returns the number of active consumers on the queue
func (b *Broker) Consumers(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.consumers)
	}
	return 0
}

// Dials returns how many dial attempts were made
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Connections returns the number of open client connections
func (b *Broker) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

func (b *Broker) dropConnections() {
	forced := &amqp.Error{
		Code:    amqp.ConnectionForced,
		Reason:  "CONNECTION_FORCED - broker forced connection closure",
		Server:  true,
		Recover: true,
	}
	for c := range b.conns {
		b.closeConnection(c, forced)
	}
}

// dispatch hands ready messages to consumers with free prefetch capacity, round-robin
func (b *Broker) dispatch(q *queue) {
	for len(q.ready) > 0 && len(q.consumers) > 0 {
		var target *consumer
		for i := 0; i < len(q.consumers); i++ {
			c := q.consumers[(q.next+i)%len(q.consumers)]
			if c.held < c.limit {
				target = c
				q.next = (q.next + i + 1) % len(q.consumers)
				break
			}
		}
		if target == nil {
			return
		}

		m := q.ready[0]
		q.ready = q.ready[1:]
		target.deliver(m)
	}
}

func (b *Broker) deadLetter(q *queue, m *message) {
	exchange, ok := q.args["x-dead-letter-exchange"].(string)
	if !ok || exchange != "" {
		return
	}
	key, ok := q.args["x-dead-letter-routing-key"].(string)
	if !ok {
		key = q.name
	}
	dlq, ok := b.queues[key]
	if !ok {
		return
	}

	pub := m.pub
	headers := amqp.Table{}
	for k, v := range pub.Headers {
		headers[k] = v
	}
	headers["x-first-death-queue"] = q.name
	headers["x-first-death-reason"] = "rejected"
	pub.Headers = headers

	dlq.ready = append(dlq.ready, &message{pub: pub})
	b.dispatch(dlq)
}

func (b *Broker) closeConnection(c *conn, reason *amqp.Error) {
	if c.closed {
		return
	}
	c.closed = true
	delete(b.conns, c)

	for ch := range c.channels {
		b.closeChannel(ch, reason)
	}

	for _, n := range c.closeNotify {
		if reason != nil {
			select {
			case n <- reason:
			default:
			}
		}
		close(n)
	}
	c.closeNotify = nil
}

// closeChannel requeues unacked messages as redelivered and releases the channel's listeners
func (b *Broker) closeChannel(ch *channel, reason *amqp.Error) {
	if ch.closed {
		return
	}
	ch.closed = true
	delete(ch.conn.channels, ch)

	for _, c := range ch.consumers {
		c.queue.removeConsumer(c)
		close(c.out)
	}
	ch.consumers = nil

	tags := make([]uint64, 0, len(ch.unacked))
	for tag := range ch.unacked {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] > tags[j] })

	touched := make(map[*queue]struct{})
	for _, tag := range tags {
		f := ch.unacked[tag]
		f.msg.redelivered = true
		f.queue.ready = append([]*message{f.msg}, f.queue.ready...)
		touched[f.queue] = struct{}{}
	}
	ch.unacked = nil

	for _, n := range ch.closeNotify {
		if reason != nil {
			select {
			case n <- reason:
			default:
			}
		}
		close(n)
	}
	ch.closeNotify = nil

	ch.confirmMu.Lock()
	for _, n := range ch.confirms {
		close(n)
	}
	ch.confirms = nil
	ch.confirmsClosed = true
	ch.confirmMu.Unlock()

	for q := range touched {
		b.dispatch(q)
	}
}

func (q *queue) removeConsumer(c *consumer) {
	for i, existing := range q.consumers {
		if existing == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	if q.next >= len(q.consumers) {
		q.next = 0
	}
}

func (c *consumer) deliver(m *message) {
	ch := c.ch
	ch.deliveryTag++
	tag := ch.deliveryTag

	ch.unacked[tag] = &inflight{msg: m, queue: c.queue, consumer: c}
	c.held++

	c.out <- amqp.Delivery{
		Acknowledger:    ch,
		Headers:         m.pub.Headers,
		ContentType:     m.pub.ContentType,
		ContentEncoding: m.pub.ContentEncoding,
		DeliveryMode:    m.pub.DeliveryMode,
		Priority:        m.pub.Priority,
		CorrelationId:   m.pub.CorrelationId,
		ReplyTo:         m.pub.ReplyTo,
		Expiration:      m.pub.Expiration,
		MessageId:       m.pub.MessageId,
		Timestamp:       m.pub.Timestamp,
		Type:            m.pub.Type,
		UserId:          m.pub.UserId,
		AppId:           m.pub.AppId,
		ConsumerTag:     c.tag,
		DeliveryTag:     tag,
		Redelivered:     m.redelivered,
		Exchange:        "",
		RoutingKey:      c.queue.name,
		Body:            m.pub.Body,
	}
}

type conn struct {
	broker      *Broker
	closed      bool
	channels    map[*channel]struct{}
	closeNotify []chan *amqp.Error
}

func (c *conn) Channel() (rabbitmq.AMQPChannel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}

	ch := &channel{
		conn:      c,
		consumers: make(map[string]*consumer),
		unacked:   make(map[uint64]*inflight),
	}
	c.channels[ch] = struct{}{}
	return ch, nil
}

func (c *conn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.closeNotify = append(c.closeNotify, receiver)
	return receiver
}

func (c *conn) Close() error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}
	b.closeConnection(c, nil)
	return nil
}

func (c *conn) IsClosed() bool {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	return c.closed
}

type channel struct {
	conn        *conn
	closed      bool
	confirming  bool
	publishTag  uint64
	deliveryTag uint64
	prefetch    int
	consumers   map[string]*consumer
	unacked     map[uint64]*inflight
	closeNotify []chan *amqp.Error

	confirmMu      sync.Mutex
	confirms       []chan amqp.Confirmation
	confirmsClosed bool
}

func (ch *channel) broker() *Broker {
	return ch.conn.broker
}

// fail closes the channel with a channel-level exception, as the broker does
func (ch *channel) fail(code int, reason string) *amqp.Error {
	err := &amqp.Error{Code: code, Reason: reason, Server: true}
	ch.broker().closeChannel(ch, err)
	return err
}

func (ch *channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if name == "" {
		return amqp.Queue{}, ch.fail(amqp.NotImplemented, "NOT_IMPLEMENTED - server-named queues")
	}

	if q, ok := b.queues[name]; ok {
		if q.durable != durable || !sameArgs(q.args, args) {
			return amqp.Queue{}, ch.fail(amqp.PreconditionFailed,
				fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg for queue '%s'", name))
		}
		return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
	}

	b.queues[name] = &queue{name: name, durable: durable, args: copyTable(args)}
	return amqp.Queue{Name: name}, nil
}

func (ch *channel) Qos(prefetchCount, _ int, _ bool) error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

func (ch *channel) Consume(queueName, tag string, autoAck, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return nil, amqp.ErrClosed
	}
	if autoAck {
		return nil, errors.New("rabbitmqtest: autoAck consumers are not supported")
	}

	q, ok := b.queues[queueName]
	if !ok {
		return nil, ch.fail(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no queue '%s'", queueName))
	}

	if tag == "" {
		b.consumerSeq++
		tag = fmt.Sprintf("ctag-%d", b.consumerSeq)
	}
	if _, exists := ch.consumers[tag]; exists {
		return nil, ch.fail(amqp.NotAllowed, fmt.Sprintf("NOT_ALLOWED - attempt to reuse consumer tag '%s'", tag))
	}

	limit := ch.prefetch
	if limit <= 0 || limit > maxUnbounded {
		limit = maxUnbounded
	}

	c := &consumer{
		tag:   tag,
		ch:    ch,
		queue: q,
		out:   make(chan amqp.Delivery, limit),
		limit: limit,
	}
	ch.consumers[tag] = c
	q.consumers = append(q.consumers, c)

	b.dispatch(q)
	return c.out, nil
}

func (ch *channel) Cancel(tag string, _ bool) error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}

	c, ok := ch.consumers[tag]
	if !ok {
		return nil
	}
	delete(ch.consumers, tag)
	c.queue.removeConsumer(c)
	close(c.out)
	return nil
}

func (ch *channel) PublishWithContext(ctx context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := ch.broker()
	b.mu.Lock()

	if ch.closed {
		b.mu.Unlock()
		return amqp.ErrClosed
	}
	if exchange != "" {
		err := ch.fail(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchange))
		b.mu.Unlock()
		return err
	}

	if q, ok := b.queues[key]; ok {
		pub := msg
		pub.Body = append([]byte(nil), msg.Body...)
		q.ready = append(q.ready, &message{pub: pub})
		b.dispatch(q)
	}

	var tag uint64
	if ch.confirming {
		ch.publishTag++
		tag = ch.publishTag
	}
	ack := !b.nackPublishes
	confirming := ch.confirming
	b.mu.Unlock()

	if confirming {
		ch.confirmMu.Lock()
		if !ch.confirmsClosed {
			for _, n := range ch.confirms {
				n <- amqp.Confirmation{DeliveryTag: tag, Ack: ack}
			}
		}
		ch.confirmMu.Unlock()
	}
	return nil
}

func (ch *channel) Confirm(_ bool) error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.confirming = true
	return nil
}

func (ch *channel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	ch.confirmMu.Lock()
	defer ch.confirmMu.Unlock()

	if ch.confirmsClosed {
		close(confirm)
		return confirm
	}
	ch.confirms = append(ch.confirms, confirm)
	return confirm
}

func (ch *channel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		close(c)
		return c
	}
	ch.closeNotify = append(ch.closeNotify, c)
	return c
}

func (ch *channel) Close() error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	b.closeChannel(ch, nil)
	return nil
}

// Ack implements amqp.Acknowledger
func (ch *channel) Ack(tag uint64, multiple bool) error {
	return ch.settle(tag, multiple, func(*Broker, *inflight) {})
}

// Nack implements amqp.Acknowledger
func (ch *channel) Nack(tag uint64, multiple, requeue bool) error {
	return ch.settle(tag, multiple, func(b *Broker, f *inflight) {
		ch.reject(b, f, requeue)
	})
}

// Reject implements amqp.Acknowledger
func (ch *channel) Reject(tag uint64, requeue bool) error {
	return ch.settle(tag, false, func(b *Broker, f *inflight) {
		ch.reject(b, f, requeue)
	})
}

func (ch *channel) reject(b *Broker, f *inflight, requeue bool) {
	if requeue {
		f.msg.redelivered = true
		f.queue.ready = append([]*message{f.msg}, f.queue.ready...)
		return
	}
	b.deadLetter(f.queue, f.msg)
}

func (ch *channel) settle(tag uint64, multiple bool, fn func(*Broker, *inflight)) error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}

	tags := []uint64{tag}
	if multiple {
		tags = tags[:0]
		for t := range ch.unacked {
			if t <= tag {
				tags = append(tags, t)
			}
		}
		sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	}

	if _, ok := ch.unacked[tag]; !ok && !multiple {
		ch.fail(amqp.PreconditionFailed, fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag))
		return nil
	}

	touched := make(map[*queue]struct{})
	for _, t := range tags {
		f := ch.unacked[t]
		delete(ch.unacked, t)
		f.consumer.held--
		fn(b, f)
		touched[f.queue] = struct{}{}
	}

	for q := range touched {
		b.dispatch(q)
	}
	return nil
}

func sameArgs(a, b amqp.Table) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

func copyTable(t amqp.Table) amqp.Table {
	if len(t) == 0 {
		return nil
	}
	out := make(amqp.Table, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

var (
	_ rabbitmq.Connection  = (*conn)(nil)
	_ rabbitmq.AMQPChannel = (*channel)(nil)
	_ amqp.Acknowledger    = (*channel)(nil)
)
