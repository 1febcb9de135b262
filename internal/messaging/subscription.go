package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/joao-fontenele/orderflow-saga/internal/domain"
)

// Subscription is one bound queue and the worker consuming it. Deliveries are
// fed by the transport into inbox and handled one at a time.
type Subscription struct {
	bus       *Bus
	eventType domain.EventType
	handler   Handler
	inbox     chan amqp.Delivery

	mu       sync.Mutex
	ch       Channel
	queue    string
	consumer string

	done      chan struct{}
	stopAfter func() bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newSubscription(bus *Bus, eventType domain.EventType, handler Handler) *Subscription {
	return &Subscription{
		bus:       bus,
		eventType: eventType,
		handler:   handler,
		inbox:     make(chan amqp.Delivery),
		done:      make(chan struct{}),
	}
}

func (s *Subscription) EventType() domain.EventType {
	return s.eventType
}

// Queue returns the server-assigned name of the currently bound queue. It
// changes after every reconnect.
func (s *Subscription) Queue() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue
}

// attach declares a fresh exclusive queue on ch, binds it and starts feeding
// its deliveries into the worker. Called with bus.mu held.
func (s *Subscription) attach(ch Channel) error {
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, string(s.eventType), s.bus.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", q.Name, err)
	}

	consumer := string(s.eventType) + "-" + uuid.NewString()
	deliveries, err := ch.Consume(q.Name, consumer, false, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume queue %s: %w", q.Name, err)
	}

	s.mu.Lock()
	s.ch, s.queue, s.consumer = ch, q.Name, consumer
	s.mu.Unlock()

	s.wg.Add(1)
	go s.feed(deliveries)
	return nil
}

func (s *Subscription) feed(deliveries <-chan amqp.Delivery) {
	defer s.wg.Done()

	for d := range deliveries {
		select {
		case s.inbox <- d:
		case <-s.done:
			return
		}
	}
}

func (s *Subscription) start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)

	stop := context.AfterFunc(ctx, func() {
		_ = s.Close()
	})

	s.mu.Lock()
	s.stopAfter = stop
	s.mu.Unlock()
}

func (s *Subscription) run(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case d := <-s.inbox:
			s.process(ctx, d)
		}
	}
}

func (s *Subscription) process(ctx context.Context, d amqp.Delivery) {
	logger := s.bus.logger
	parentCtx := otel.GetTextMapPropagator().Extract(ctx, NewHeaderCarrier(d.Headers))

	spanCtx, span := tracer.Start(parentCtx, "process "+string(s.eventType),
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			semconv.MessagingSystemRabbitmq,
			semconv.MessagingOperationName("process"),
			semconv.MessagingOperationTypeDeliver,
			semconv.MessagingDestinationName(d.Exchange),
			semconv.MessagingRabbitmqDestinationRoutingKey(d.RoutingKey),
			semconv.MessagingMessageID(d.MessageId),
		),
	)
	defer span.End()

	if err := s.handle(spanCtx, d.Body); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		logger.Error("dropping event after handler failure",
			"event_type", s.eventType,
			"message_id", d.MessageId,
			"redelivered", d.Redelivered,
			"error", err,
		)
		if nackErr := d.Nack(false, false); nackErr != nil {
			logger.Error("failed to reject message", "event_type", s.eventType, "error", nackErr)
		}
		s.bus.metrics.consumed.Add(ctx, 1, outcomeAttrs(string(s.eventType), outcomeDropped))
		return
	}

	if err := d.Ack(false); err != nil {
		logger.Error("failed to ack message", "event_type", s.eventType, "error", err)
		return
	}
	s.bus.metrics.consumed.Add(ctx, 1, outcomeAttrs(string(s.eventType), outcomeAcked))
}

func (s *Subscription) handle(ctx context.Context, body []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	var event domain.Event
	if err := json.Unmarshal(body, &event); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}

	s.bus.logger.Info("received event", "event_type", event.Type, "event_id", event.ID)

	return s.handler(ctx, event)
}

// Close cancels the consumer and waits for the worker to finish the message
// in flight.
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		s.bus.removeSubscription(s)
		close(s.done)

		s.mu.Lock()
		ch, consumer, stopAfter := s.ch, s.consumer, s.stopAfter
		s.stopAfter = nil
		s.mu.Unlock()

		if stopAfter != nil {
			stopAfter()
		}
		if ch != nil {
			if err := ch.Cancel(consumer, false); err != nil {
				s.bus.logger.Debug("cancel consumer", "consumer", consumer, "error", err)
			}
		}

		s.wg.Wait()
	})
	return nil
}
