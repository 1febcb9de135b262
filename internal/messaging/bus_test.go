package messaging_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/joao-fontenele/orderflow-saga/internal/domain"
	"github.com/joao-fontenele/orderflow-saga/internal/messaging"
	"github.com/joao-fontenele/orderflow-saga/internal/messaging/messagingtest"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func newBus(t *testing.T, broker *messagingtest.Broker) *messaging.Bus {
	t.Helper()

	bus := messaging.NewBus(
		messaging.Config{URL: "amqp://test", ReconnectDelay: 20 * time.Millisecond},
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		messaging.WithDialer(broker.Dial),
	)
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func connectedBus(t *testing.T, broker *messagingtest.Broker) *messaging.Bus {
	t.Helper()

	bus := newBus(t, broker)
	bus.Connect(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, bus.WaitReady(ctx))
	return bus
}

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) Handle(_ context.Context, event domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recorder) Events() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) Len() int {
	return len(r.Events())
}

func TestBus_PublishWithoutConnection(t *testing.T) {
	bus := newBus(t, messagingtest.NewBroker())

	_, err := bus.Publish(context.Background(), domain.CancelInventoryReservation{OrderID: "O1"})
	require.ErrorIs(t, err, messaging.ErrNotConnected)
}

func TestBus_SubscribeWithoutConnection(t *testing.T) {
	bus := newBus(t, messagingtest.NewBroker())

	_, err := bus.Subscribe(context.Background(), domain.EventOrderCreated, (&recorder{}).Handle)
	require.ErrorIs(t, err, messaging.ErrNotConnected)
}

func TestBus_PublishSubscribe(t *testing.T) {
	broker := messagingtest.NewBroker()
	bus := connectedBus(t, broker)

	rec := &recorder{}
	_, err := bus.Subscribe(context.Background(), domain.EventOrderCreated, rec.Handle)
	require.NoError(t, err)

	published, err := bus.Publish(context.Background(), domain.OrderCreated{
		OrderID:    "O1",
		CustomerID: "C1",
		Items:      []domain.OrderItem{{ItemID: "I1", Quantity: 1, Price: 100}},
		Total:      100,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, published.ID)
	assert.False(t, published.Timestamp.IsZero())

	require.Eventually(t, func() bool { return rec.Len() == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return broker.Acked() == 1 }, waitFor, tick)

	got := rec.Events()[0]
	assert.Equal(t, published.ID, got.ID)
	assert.Equal(t, domain.EventOrderCreated, got.Type)
	assert.True(t, published.Timestamp.Equal(got.Timestamp))

	payload, ok := got.Data.(domain.OrderCreated)
	require.True(t, ok, "expected OrderCreated payload, got %T", got.Data)
	assert.Equal(t, "O1", payload.OrderID)
	assert.Equal(t, int64(100), payload.Total)
}

func TestBus_PublishedMessageProperties(t *testing.T) {
	broker := messagingtest.NewBroker()
	bus := connectedBus(t, broker)

	event, err := bus.Publish(context.Background(), domain.PaymentFailed{OrderID: "O1", Reason: "Insufficient funds"})
	require.NoError(t, err)

	published := broker.Published()
	require.Len(t, published, 1)

	msg := published[0]
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, event.ID, msg.MessageId)
	assert.Equal(t, string(domain.EventPaymentFailed), msg.Type)
	assert.JSONEq(t, fmt.Sprintf(
		`{"eventType":"PaymentFailed","data":{"orderId":"O1","reason":"Insufficient funds"},"timestamp":%q,"eventId":%q}`,
		event.Timestamp.Format(time.RFC3339Nano), event.ID,
	), string(msg.Body))
}

func TestBus_RoutesByEventType(t *testing.T) {
	broker := messagingtest.NewBroker()
	bus := connectedBus(t, broker)

	completed := &recorder{}
	failed := &recorder{}
	_, err := bus.Subscribe(context.Background(), domain.EventPaymentCompleted, completed.Handle)
	require.NoError(t, err)
	_, err = bus.Subscribe(context.Background(), domain.EventPaymentFailed, failed.Handle)
	require.NoError(t, err)

	_, err = bus.Publish(context.Background(), domain.PaymentFailed{OrderID: "O1", Reason: "declined"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return failed.Len() == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return broker.Acked() == 1 }, waitFor, tick)
	assert.Equal(t, 0, completed.Len())
}

func TestBus_FanOutToEverySubscriber(t *testing.T) {
	broker := messagingtest.NewBroker()
	bus := connectedBus(t, broker)

	first, second := &recorder{}, &recorder{}
	_, err := bus.Subscribe(context.Background(), domain.EventCancelInventoryReservation, first.Handle)
	require.NoError(t, err)
	_, err = bus.Subscribe(context.Background(), domain.EventCancelInventoryReservation, second.Handle)
	require.NoError(t, err)

	_, err = bus.Publish(context.Background(), domain.CancelInventoryReservation{OrderID: "O1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return first.Len() == 1 && second.Len() == 1 }, waitFor, tick)
}

func TestBus_NoReplayForLateSubscriber(t *testing.T) {
	broker := messagingtest.NewBroker()
	bus := connectedBus(t, broker)

	_, err := bus.Publish(context.Background(), domain.OrderCreated{OrderID: "O1", Total: 100})
	require.NoError(t, err)

	rec := &recorder{}
	_, err = bus.Subscribe(context.Background(), domain.EventOrderCreated, rec.Handle)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, rec.Len())
	assert.Equal(t, 0, broker.Acked())
}

func TestBus_HandlerErrorDropsMessage(t *testing.T) {
	broker := messagingtest.NewBroker()
	bus := connectedBus(t, broker)

	var calls atomic.Int32
	_, err := bus.Subscribe(context.Background(), domain.EventPaymentFailed, func(_ context.Context, event domain.Event) error {
		calls.Add(1)
		if event.Data.(domain.PaymentFailed).OrderID == "poison" {
			return errors.New("boom")
		}
		return nil
	})
	require.NoError(t, err)

	_, err = bus.Publish(context.Background(), domain.PaymentFailed{OrderID: "poison"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return broker.Rejected() == 1 }, waitFor, tick)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "dropped message must not be redelivered")

	_, err = bus.Publish(context.Background(), domain.PaymentFailed{OrderID: "O2"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return broker.Acked() == 1 }, waitFor, tick)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 1, broker.Rejected())
}

func TestBus_HandlerPanicDropsMessage(t *testing.T) {
	broker := messagingtest.NewBroker()
	bus := connectedBus(t, broker)

	var calls atomic.Int32
	_, err := bus.Subscribe(context.Background(), domain.EventOrderCreated, func(context.Context, domain.Event) error {
		calls.Add(1)
		panic("handler bug")
	})
	require.NoError(t, err)

	_, err = bus.Publish(context.Background(), domain.OrderCreated{OrderID: "O1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return broker.Rejected() == 1 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestBus_DeliversInPublishOrder(t *testing.T) {
	broker := messagingtest.NewBroker()
	bus := connectedBus(t, broker)

	rec := &recorder{}
	_, err := bus.Subscribe(context.Background(), domain.EventPaymentFailed, rec.Handle)
	require.NoError(t, err)

	const n = 50
	for i := 0; i < n; i++ {
		_, err := bus.Publish(context.Background(), domain.PaymentFailed{OrderID: fmt.Sprintf("O%d", i)})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return rec.Len() == n }, waitFor, tick)
	for i, event := range rec.Events() {
		assert.Equal(t, fmt.Sprintf("O%d", i), event.Data.(domain.PaymentFailed).OrderID)
	}
}

func TestBus_HandlesOneMessageAtATimePerQueue(t *testing.T) {
	broker := messagingtest.NewBroker()
	bus := connectedBus(t, broker)

	var inFlight, maxInFlight, done atomic.Int32
	_, err := bus.Subscribe(context.Background(), domain.EventOrderCreated, func(context.Context, domain.Event) error {
		cur := inFlight.Add(1)
		for {
			prev := maxInFlight.Load()
			if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		inFlight.Add(-1)
		done.Add(1)
		return nil
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = bus.Publish(context.Background(), domain.OrderCreated{OrderID: fmt.Sprintf("O%d", i)})
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return done.Load() == 20 }, waitFor, tick)
	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestBus_RetriesInitialConnect(t *testing.T) {
	broker := messagingtest.NewBroker()
	broker.SetDown(true)

	bus := newBus(t, broker)
	bus.Connect(context.Background())

	require.Eventually(t, func() bool { return broker.Dials() >= 3 }, waitFor, tick)
	assert.False(t, bus.Connected())

	broker.SetDown(false)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, bus.WaitReady(ctx))
}

func TestBus_ConnectIsIdempotent(t *testing.T) {
	broker := messagingtest.NewBroker()
	bus := connectedBus(t, broker)

	bus.Connect(context.Background())
	bus.Connect(context.Background())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, broker.Dials())
	assert.True(t, bus.Connected())
}

func TestBus_ReconnectsAfterConnectionLoss(t *testing.T) {
	broker := messagingtest.NewBroker()
	bus := connectedBus(t, broker)

	rec := &recorder{}
	sub, err := bus.Subscribe(context.Background(), domain.EventPaymentCompleted, rec.Handle)
	require.NoError(t, err)
	firstQueue := sub.Queue()

	broker.SetDown(true)
	broker.DropConnections()

	require.Eventually(t, func() bool { return !bus.Connected() }, waitFor, tick)

	_, err = bus.Publish(context.Background(), domain.PaymentCompleted{OrderID: "during-outage"})
	require.ErrorIs(t, err, messaging.ErrNotConnected)

	broker.SetDown(false)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, bus.WaitReady(ctx))
	assert.NotEqual(t, firstQueue, sub.Queue(), "expected a fresh queue after reconnect")

	_, err = bus.Publish(context.Background(), domain.PaymentCompleted{OrderID: "after-reconnect", PaymentID: "P1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.Len() == 1 }, waitFor, tick)
	assert.Equal(t, "after-reconnect", rec.Events()[0].Data.(domain.PaymentCompleted).OrderID)
}

func TestBus_ReconnectsAfterChannelClose(t *testing.T) {
	broker := messagingtest.NewBroker()
	bus := connectedBus(t, broker)

	rec := &recorder{}
	sub, err := bus.Subscribe(context.Background(), domain.EventPaymentFailed, rec.Handle)
	require.NoError(t, err)
	firstQueue := sub.Queue()

	broker.SetDown(true)
	broker.CloseChannels()

	require.Eventually(t, func() bool { return !bus.Connected() }, waitFor, tick)
	require.Eventually(t, func() bool { return broker.QueueCount() == 0 }, waitFor, tick, "expected the connection to be torn down with its channel")

	_, err = bus.Publish(context.Background(), domain.PaymentFailed{OrderID: "during-outage"})
	require.ErrorIs(t, err, messaging.ErrNotConnected)

	broker.SetDown(false)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, bus.WaitReady(ctx))
	assert.NotEqual(t, firstQueue, sub.Queue())

	_, err = bus.Publish(context.Background(), domain.PaymentFailed{OrderID: "after-reconnect", Reason: "Insufficient funds"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.Len() == 1 }, waitFor, tick)
	assert.Equal(t, "after-reconnect", rec.Events()[0].Data.(domain.PaymentFailed).OrderID)
}

func TestBus_SubscriptionClose(t *testing.T) {
	broker := messagingtest.NewBroker()
	bus := connectedBus(t, broker)

	rec := &recorder{}
	sub, err := bus.Subscribe(context.Background(), domain.EventOrderCreated, rec.Handle)
	require.NoError(t, err)
	require.Equal(t, 1, broker.QueueCount())

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	assert.Equal(t, 0, broker.QueueCount())

	_, err = bus.Publish(context.Background(), domain.OrderCreated{OrderID: "O1"})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, rec.Len())
}

func TestBus_SubscriptionStopsWithContext(t *testing.T) {
	broker := messagingtest.NewBroker()
	bus := connectedBus(t, broker)

	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{}
	_, err := bus.Subscribe(ctx, domain.EventOrderCreated, rec.Handle)
	require.NoError(t, err)

	cancel()
	require.Eventually(t, func() bool { return broker.QueueCount() == 0 }, waitFor, tick)

	_, err = bus.Publish(context.Background(), domain.OrderCreated{OrderID: "O1"})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, rec.Len())
}

func TestBus_Close(t *testing.T) {
	broker := messagingtest.NewBroker()
	bus := connectedBus(t, broker)

	_, err := bus.Subscribe(context.Background(), domain.EventOrderCreated, (&recorder{}).Handle)
	require.NoError(t, err)

	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	assert.False(t, bus.Connected())
	assert.Equal(t, 0, broker.QueueCount())

	_, err = bus.Publish(context.Background(), domain.OrderCreated{OrderID: "O1"})
	assert.ErrorIs(t, err, messaging.ErrNotConnected)

	_, err = bus.Subscribe(context.Background(), domain.EventOrderCreated, (&recorder{}).Handle)
	assert.ErrorIs(t, err, messaging.ErrClosed)

	assert.ErrorIs(t, bus.WaitReady(context.Background()), messaging.ErrClosed)
}

func TestBus_PropagatesTraceContext(t *testing.T) {
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	prevProp := otel.GetTextMapPropagator()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		otel.SetTextMapPropagator(prevProp)
		_ = tp.Shutdown(context.Background())
	})

	broker := messagingtest.NewBroker()
	bus := connectedBus(t, broker)

	traceIDs := make(chan trace.TraceID, 1)
	_, err := bus.Subscribe(context.Background(), domain.EventOrderCreated, func(ctx context.Context, _ domain.Event) error {
		traceIDs <- trace.SpanContextFromContext(ctx).TraceID()
		return nil
	})
	require.NoError(t, err)

	ctx, span := tp.Tracer("test").Start(context.Background(), "create order")
	_, err = bus.Publish(ctx, domain.OrderCreated{OrderID: "O1"})
	require.NoError(t, err)
	span.End()

	select {
	case got := <-traceIDs:
		assert.Equal(t, span.SpanContext().TraceID(), got)
	case <-time.After(waitFor):
		t.Fatal("event not delivered")
	}
}
