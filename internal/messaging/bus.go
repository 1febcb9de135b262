package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/joao-fontenele/orderflow-saga/internal/domain"
)

const (
	DefaultExchange       = "microservices_events"
	DefaultReconnectDelay = 5 * time.Second
)

var (
	ErrNotConnected = errors.New("event bus not connected")
	ErrClosed       = errors.New("event bus closed")
)

var tracer = otel.Tracer("messaging")

// Handler processes one event. Returning an error drops the message: it is
// rejected without requeue and no dead-letter route is declared.
type Handler func(ctx context.Context, event domain.Event) error

type Config struct {
	URL            string
	Exchange       string
	ReconnectDelay time.Duration
}

type Option func(*Bus)

func WithDialer(dial Dialer) Option {
	return func(b *Bus) {
		b.dial = dial
	}
}

// Bus owns one broker connection and channel, the topic exchange and the
// queues of its subscriptions. Connection loss is recovered by redialing at a
// fixed interval for as long as the bus is open.
type Bus struct {
	cfg     Config
	dial    Dialer
	logger  *slog.Logger
	metrics *busMetrics

	mu    sync.RWMutex
	conn  Connection
	ch    Channel
	ready chan struct{} // closed while ch != nil
	subs  map[*Subscription]struct{}

	connectOnce sync.Once
	closeOnce   sync.Once
	done        chan struct{}
	wg          sync.WaitGroup
}

func NewBus(cfg Config, logger *slog.Logger, opts ...Option) *Bus {
	if cfg.Exchange == "" {
		cfg.Exchange = DefaultExchange
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}

	b := &Bus{
		cfg:     cfg,
		dial:    DialAMQP,
		logger:  logger,
		metrics: newBusMetrics(),
		ready:   make(chan struct{}),
		subs:    make(map[*Subscription]struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Connect starts the connection supervisor. It returns immediately; calling
// it again is a no-op. The supervisor stops when ctx is cancelled or the bus
// is closed.
func (b *Bus) Connect(ctx context.Context) {
	b.connectOnce.Do(func() {
		b.wg.Add(1)
		go b.supervise(ctx)
	})
}

// WaitReady blocks until the bus holds an open channel.
func (b *Bus) WaitReady(ctx context.Context) error {
	for {
		b.mu.RLock()
		ready := b.ready
		b.mu.RUnlock()

		select {
		case <-ready:
			if b.Connected() {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return ErrClosed
		}
	}
}

func (b *Bus) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ch != nil
}

func (b *Bus) supervise(ctx context.Context) {
	defer b.wg.Done()

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			b.metrics.reconnects.Add(ctx, 1)
		}

		closed, err := b.establish()
		switch {
		case errors.Is(err, ErrClosed):
			return
		case err != nil:
			b.logger.Error("failed to connect to broker", "error", err, "retry_in", b.cfg.ReconnectDelay.String())
		default:
			b.logger.Info("connected to broker", "exchange", b.cfg.Exchange)

			var (
				amqpErr *amqp.Error
				lost    string
			)
			select {
			case amqpErr = <-closed.conn:
				lost = "connection"
			case amqpErr = <-closed.ch:
				lost = "channel"
			case <-ctx.Done():
				_ = b.teardown()
				return
			case <-b.done:
				return
			}

			select {
			case <-b.done:
				return
			default:
			}
			if err := b.teardown(); err != nil {
				b.logger.Debug("teardown after broker close", "error", err)
			}
			if amqpErr != nil {
				b.logger.Warn("broker "+lost+" closed", "error", amqpErr.Error())
			} else {
				b.logger.Warn("broker " + lost + " closed")
			}
		}

		if !b.sleep(ctx) {
			_ = b.teardown()
			return
		}
	}
}

// closeNotifications fire when the broker closes the connection or only the
// channel.
type closeNotifications struct {
	conn <-chan *amqp.Error
	ch   <-chan *amqp.Error
}

func (b *Bus) establish() (closeNotifications, error) {
	conn, err := b.dial(b.cfg.URL)
	if err != nil {
		return closeNotifications{}, fmt.Errorf("dial broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return closeNotifications{}, fmt.Errorf("open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(b.cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return closeNotifications{}, fmt.Errorf("declare exchange %s: %w", b.cfg.Exchange, err)
	}

	closed := closeNotifications{
		conn: conn.NotifyClose(make(chan *amqp.Error, 1)),
		ch:   ch.NotifyClose(make(chan *amqp.Error, 1)),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		_ = ch.Close()
		_ = conn.Close()
		return closeNotifications{}, ErrClosed
	default:
	}

	for sub := range b.subs {
		if err := sub.attach(ch); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return closeNotifications{}, fmt.Errorf("resubscribe %s: %w", sub.eventType, err)
		}
	}

	b.conn, b.ch = conn, ch
	close(b.ready)
	return closed, nil
}

func (b *Bus) disconnect() (Connection, Channel) {
	b.mu.Lock()
	defer b.mu.Unlock()

	conn, ch := b.conn, b.ch
	if ch != nil {
		b.ready = make(chan struct{})
	}
	b.conn, b.ch = nil, nil
	return conn, ch
}

func (b *Bus) teardown() error {
	conn, ch := b.disconnect()

	var errs []error
	if ch != nil {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Bus) sleep(ctx context.Context) bool {
	timer := time.NewTimer(b.cfg.ReconnectDelay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-b.done:
		return false
	}
}

// Publish wraps data in a new envelope and sends it to the exchange with the
// event type as routing key. It fails with ErrNotConnected when no channel is
// open and never retries.
func (b *Bus) Publish(ctx context.Context, data domain.Payload) (domain.Event, error) {
	event := domain.NewEvent(data)

	body, err := json.Marshal(event)
	if err != nil {
		return domain.Event{}, fmt.Errorf("marshal %s event: %w", event.Type, err)
	}

	b.mu.RLock()
	ch := b.ch
	b.mu.RUnlock()

	if ch == nil {
		return domain.Event{}, fmt.Errorf("publish %s: %w", event.Type, ErrNotConnected)
	}

	msg := amqp.Publishing{
		Headers:      amqp.Table{},
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Timestamp:    event.Timestamp,
		Type:         string(event.Type),
		Body:         body,
	}

	ctx, span := tracer.Start(ctx, "send "+string(event.Type),
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemRabbitmq,
			semconv.MessagingOperationName("send"),
			semconv.MessagingOperationTypePublish,
			semconv.MessagingDestinationName(b.cfg.Exchange),
			semconv.MessagingRabbitmqDestinationRoutingKey(string(event.Type)),
			semconv.MessagingMessageID(event.ID),
		),
	)
	defer span.End()

	otel.GetTextMapPropagator().Inject(ctx, NewHeaderCarrier(msg.Headers))

	if err := ch.PublishWithContext(ctx, b.cfg.Exchange, string(event.Type), false, false, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.Event{}, fmt.Errorf("publish %s: %w", event.Type, err)
	}

	b.metrics.published.Add(ctx, 1, eventTypeAttr(string(event.Type)))
	b.logger.Info("published event", "event_type", event.Type, "event_id", event.ID)

	return event, nil
}

// Subscribe binds a new private queue to eventType and starts its worker.
// Only events published after Subscribe returns are delivered. The worker
// stops when ctx is cancelled or the subscription is closed.
func (b *Bus) Subscribe(ctx context.Context, eventType domain.EventType, handler Handler) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		return nil, ErrClosed
	default:
	}

	if b.ch == nil {
		return nil, fmt.Errorf("subscribe %s: %w", eventType, ErrNotConnected)
	}

	sub := newSubscription(b, eventType, handler)
	if err := sub.attach(b.ch); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", eventType, err)
	}
	b.subs[sub] = struct{}{}
	sub.start(ctx)

	b.logger.Info("subscribed to event", "event_type", eventType, "queue", sub.Queue())
	return sub, nil
}

func (b *Bus) removeSubscription(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sub)
}

// Close stops every subscription and the supervisor, then closes the
// channel and connection.
func (b *Bus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)

		b.mu.RLock()
		subs := make([]*Subscription, 0, len(b.subs))
		for sub := range b.subs {
			subs = append(subs, sub)
		}
		b.mu.RUnlock()

		for _, sub := range subs {
			_ = sub.Close()
		}

		b.wg.Wait()
		err = b.teardown()
	})
	return err
}
