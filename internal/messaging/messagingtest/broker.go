// Package messagingtest provides an in-memory AMQP broker for exercising the
// event bus without RabbitMQ. It models topic exchanges, exclusive
// auto-delete queues, manual acknowledgement and connection loss.
package messagingtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/joao-fontenele/orderflow-saga/internal/domain"
	"github.com/joao-fontenele/orderflow-saga/internal/messaging"
)

var ErrBrokerDown = errors.New("broker unavailable")

type binding struct {
	exchange string
	key      string
	queue    string
}

type pending struct {
	queue    *queue
	ch       *channel
	delivery amqp.Delivery
}

type Broker struct {
	mu        sync.Mutex
	down      bool
	dials     int
	exchanges map[string]string
	queues    map[string]*queue
	bindings  []binding
	conns     map[*conn]struct{}
	unacked   map[uint64]*pending
	published []amqp.Publishing
	nextQueue int
	nextTag   uint64
	acked     int
	rejected  int
}

func NewBroker() *Broker {
	return &Broker{
		exchanges: make(map[string]string),
		queues:    make(map[string]*queue),
		conns:     make(map[*conn]struct{}),
		unacked:   make(map[uint64]*pending),
	}
}

// Dial satisfies messaging.Dialer.
func (b *Broker) Dial(string) (messaging.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.down {
		return nil, ErrBrokerDown
	}

	c := &conn{broker: b}
	b.conns[c] = struct{}{}
	return c, nil
}

// SetDown makes subsequent dials fail until it is called with false.
func (b *Broker) SetDown(down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = down
}

// DropConnections closes every open connection as if the broker had gone
// away. Exclusive queues and their messages are lost.
func (b *Broker) DropConnections() {
	b.mu.Lock()
	conns := make([]*conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		_ = c.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: "broker forced connection closure", Server: true, Recover: true})
	}
}

// CloseChannels closes every open channel with a server channel exception,
// leaving the connections up.
func (b *Broker) CloseChannels() {
	b.mu.Lock()
	conns := make([]*conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.mu.Lock()
		channels := append([]*channel(nil), c.channels...)
		c.mu.Unlock()

		for _, ch := range channels {
			_ = ch.shutdown(&amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - channel closed by broker", Server: true})
		}
	}
}

func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

func (b *Broker) Acked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acked
}

// Rejected counts deliveries nacked or rejected without requeue.
func (b *Broker) Rejected() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rejected
}

func (b *Broker) QueueCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues)
}

// Published returns every message accepted by an exchange, routed or not.
func (b *Broker) Published() []amqp.Publishing {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]amqp.Publishing, len(b.published))
	copy(out, b.published)
	return out
}

// Events decodes the published envelopes of the given type.
func (b *Broker) Events(eventType domain.EventType) []domain.Event {
	var events []domain.Event
	for _, msg := range b.Published() {
		if msg.Type != string(eventType) {
			continue
		}
		var event domain.Event
		if err := json.Unmarshal(msg.Body, &event); err != nil {
			continue
		}
		events = append(events, event)
	}
	return events
}

func (b *Broker) declareExchange(name, kind string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.exchanges[name]; ok && existing != kind {
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("inequivalent arg 'type' for exchange '%s'", name)}
	}
	b.exchanges[name] = kind
	return nil
}

func (b *Broker) declareQueue(name string, owner *conn, autoDelete bool) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if name == "" {
		b.nextQueue++
		name = fmt.Sprintf("amq.gen-%d", b.nextQueue)
	}
	if _, ok := b.queues[name]; !ok {
		b.queues[name] = newQueue(name, owner, autoDelete)
	}
	return name
}

func (b *Broker) bind(queueName, key, exchange string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.exchanges[exchange]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: "no exchange '" + exchange + "'"}
	}
	if _, ok := b.queues[queueName]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: "no queue '" + queueName + "'"}
	}
	b.bindings = append(b.bindings, binding{exchange: exchange, key: key, queue: queueName})
	return nil
}

func (b *Broker) queue(name string) (*queue, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	return q, ok
}

func (b *Broker) route(exchange, key string, msg amqp.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	kind, ok := b.exchanges[exchange]
	if !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: "no exchange '" + exchange + "'"}
	}
	b.published = append(b.published, msg)

	seen := make(map[string]bool)
	for _, bnd := range b.bindings {
		if bnd.exchange != exchange || seen[bnd.queue] {
			continue
		}
		if !matches(kind, bnd.key, key) {
			continue
		}
		q, ok := b.queues[bnd.queue]
		if !ok {
			continue
		}
		seen[bnd.queue] = true
		q.push(amqp.Delivery{
			Headers:      copyTable(msg.Headers),
			ContentType:  msg.ContentType,
			DeliveryMode: msg.DeliveryMode,
			MessageId:    msg.MessageId,
			Timestamp:    msg.Timestamp,
			Type:         msg.Type,
			Exchange:     exchange,
			RoutingKey:   key,
			Body:         append([]byte(nil), msg.Body...),
		})
	}
	return nil
}

func (b *Broker) track(q *queue, ch *channel, d amqp.Delivery) amqp.Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextTag++
	d.DeliveryTag = b.nextTag
	d.Acknowledger = ch
	b.unacked[d.DeliveryTag] = &pending{queue: q, ch: ch, delivery: d}
	return d
}

func (b *Broker) settle(ch *channel, tag uint64, ack, requeue bool) error {
	b.mu.Lock()
	p, ok := b.unacked[tag]
	if !ok || p.ch != ch {
		b.mu.Unlock()
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("unknown delivery tag %d", tag)}
	}
	delete(b.unacked, tag)

	switch {
	case ack:
		b.acked++
	case !requeue:
		b.rejected++
	}
	_, queueAlive := b.queues[p.queue.name]
	b.mu.Unlock()

	if !ack && requeue && queueAlive {
		d := p.delivery
		d.Redelivered = true
		p.queue.push(d)
	}
	return nil
}

// releaseChannel requeues everything still unacknowledged on ch.
func (b *Broker) releaseChannel(ch *channel) {
	b.mu.Lock()
	var requeue []*pending
	for tag, p := range b.unacked {
		if p.ch != ch {
			continue
		}
		delete(b.unacked, tag)
		if _, ok := b.queues[p.queue.name]; ok {
			requeue = append(requeue, p)
		}
	}
	b.mu.Unlock()

	for _, p := range requeue {
		d := p.delivery
		d.Redelivered = true
		p.queue.push(d)
	}
}

func (b *Broker) dropConn(c *conn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.conns, c)
	for name, q := range b.queues {
		if q.owner == c {
			delete(b.queues, name)
			b.unbindLocked(name)
		}
	}
}

func (b *Broker) deleteIfUnused(q *queue) {
	if !q.autoDelete {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.queues, q.name)
	b.unbindLocked(q.name)
}

func (b *Broker) unbindLocked(queueName string) {
	kept := b.bindings[:0]
	for _, bnd := range b.bindings {
		if bnd.queue != queueName {
			kept = append(kept, bnd)
		}
	}
	b.bindings = kept
}

type conn struct {
	broker *Broker

	mu       sync.Mutex
	closed   bool
	notify   []chan *amqp.Error
	channels []*channel
}

func (c *conn) Channel() (messaging.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &channel{conn: c, consumers: make(map[string]*consumer)}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *conn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *conn) Close() error {
	return c.shutdown(nil)
}

func (c *conn) shutdown(cause *amqp.Error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return amqp.ErrClosed
	}
	c.closed = true
	channels, notify := c.channels, c.notify
	c.channels, c.notify = nil, nil
	c.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}
	c.broker.dropConn(c)

	for _, n := range notify {
		if cause != nil {
			select {
			case n <- cause:
			default:
			}
		}
		close(n)
	}
	return nil
}

type channel struct {
	conn *conn

	mu        sync.Mutex
	closed    bool
	consumers map[string]*consumer
	notify    []chan *amqp.Error
}

func (ch *channel) isClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

func (ch *channel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	if ch.isClosed() {
		return amqp.ErrClosed
	}
	return ch.conn.broker.declareExchange(name, kind)
}

func (ch *channel) QueueDeclare(name string, _, autoDelete, exclusive, _ bool, _ amqp.Table) (amqp.Queue, error) {
	if ch.isClosed() {
		return amqp.Queue{}, amqp.ErrClosed
	}
	var owner *conn
	if exclusive {
		owner = ch.conn
	}
	return amqp.Queue{Name: ch.conn.broker.declareQueue(name, owner, autoDelete)}, nil
}

func (ch *channel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	if ch.isClosed() {
		return amqp.ErrClosed
	}
	return ch.conn.broker.bind(name, key, exchange)
}

func (ch *channel) Consume(queueName, consumerTag string, autoAck, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.closed {
		return nil, amqp.ErrClosed
	}
	q, ok := ch.conn.broker.queue(queueName)
	if !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: "no queue '" + queueName + "'"}
	}
	if consumerTag == "" {
		consumerTag = fmt.Sprintf("ctag-%s", queueName)
	}

	c := &consumer{
		ch:         ch,
		queue:      q,
		autoAck:    autoAck,
		deliveries: make(chan amqp.Delivery),
		stop:       make(chan struct{}),
	}
	ch.consumers[consumerTag] = c
	go c.pump()

	return c.deliveries, nil
}

func (ch *channel) Cancel(consumerTag string, _ bool) error {
	ch.mu.Lock()
	c, ok := ch.consumers[consumerTag]
	delete(ch.consumers, consumerTag)
	closed := ch.closed
	ch.mu.Unlock()

	if closed {
		return amqp.ErrClosed
	}
	if ok {
		c.cancel()
		ch.conn.broker.deleteIfUnused(c.queue)
	}
	return nil
}

func (ch *channel) PublishWithContext(ctx context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ch.isClosed() {
		return amqp.ErrClosed
	}
	return ch.conn.broker.route(exchange, key, msg)
}

func (ch *channel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.notify = append(ch.notify, receiver)
	return receiver
}

func (ch *channel) Close() error {
	return ch.shutdown(nil)
}

func (ch *channel) shutdown(cause *amqp.Error) error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return amqp.ErrClosed
	}
	ch.closed = true
	consumers, notify := ch.consumers, ch.notify
	ch.consumers, ch.notify = nil, nil
	ch.mu.Unlock()

	for _, c := range consumers {
		c.cancel()
	}
	ch.conn.broker.releaseChannel(ch)

	for _, n := range notify {
		if cause != nil {
			select {
			case n <- cause:
			default:
			}
		}
		close(n)
	}
	return nil
}

func (ch *channel) Ack(tag uint64, _ bool) error {
	if ch.isClosed() {
		return amqp.ErrClosed
	}
	return ch.conn.broker.settle(ch, tag, true, false)
}

func (ch *channel) Nack(tag uint64, _ bool, requeue bool) error {
	if ch.isClosed() {
		return amqp.ErrClosed
	}
	return ch.conn.broker.settle(ch, tag, false, requeue)
}

func (ch *channel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

type consumer struct {
	ch         *channel
	queue      *queue
	autoAck    bool
	deliveries chan amqp.Delivery
	stop       chan struct{}
	stopOnce   sync.Once
}

func (c *consumer) cancel() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *consumer) pump() {
	defer close(c.deliveries)

	broker := c.ch.conn.broker
	for {
		d, ok := c.queue.next(c.stop)
		if !ok {
			return
		}
		d = broker.track(c.queue, c.ch, d)

		select {
		case c.deliveries <- d:
			if c.autoAck {
				_ = broker.settle(c.ch, d.DeliveryTag, true, false)
			}
		case <-c.stop:
			_ = broker.settle(c.ch, d.DeliveryTag, false, true)
			return
		}
	}
}

type queue struct {
	name       string
	owner      *conn
	autoDelete bool

	mu       sync.Mutex
	messages []amqp.Delivery
	wake     chan struct{}
}

func newQueue(name string, owner *conn, autoDelete bool) *queue {
	return &queue{
		name:       name,
		owner:      owner,
		autoDelete: autoDelete,
		wake:       make(chan struct{}, 1),
	}
}

func (q *queue) push(d amqp.Delivery) {
	q.mu.Lock()
	q.messages = append(q.messages, d)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *queue) next(stop <-chan struct{}) (amqp.Delivery, bool) {
	for {
		q.mu.Lock()
		if len(q.messages) > 0 {
			d := q.messages[0]
			q.messages = q.messages[1:]
			q.mu.Unlock()
			return d, true
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-stop:
			return amqp.Delivery{}, false
		}
	}
}

func matches(kind, pattern, key string) bool {
	switch kind {
	case amqp.ExchangeFanout:
		return true
	case amqp.ExchangeTopic:
		return topicMatch(strings.Split(pattern, "."), strings.Split(key, "."))
	default:
		return pattern == key
	}
}

func topicMatch(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(key); i++ {
			if topicMatch(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(key) > 0 && topicMatch(pattern[1:], key[1:])
	default:
		return len(key) > 0 && pattern[0] == key[0] && topicMatch(pattern[1:], key[1:])
	}
}

func copyTable(t amqp.Table) amqp.Table {
	if t == nil {
		return nil
	}
	out := make(amqp.Table, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}
