package messaging

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const (
	outcomeAcked   = "acked"
	outcomeDropped = "dropped"
)

type busMetrics struct {
	published  metric.Int64Counter
	consumed   metric.Int64Counter
	reconnects metric.Int64Counter
}

func newBusMetrics() *busMetrics {
	meter := otel.Meter("messaging")

	return &busMetrics{
		published:  counter(meter, "messaging.published", "Events accepted by the broker"),
		consumed:   counter(meter, "messaging.consumed", "Deliveries processed, by outcome"),
		reconnects: counter(meter, "messaging.reconnects", "Broker connection attempts after the first"),
	}
}

func counter(meter metric.Meter, name, description string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		c, _ = noop.NewMeterProvider().Meter("messaging").Int64Counter(name)
	}
	return c
}

func eventTypeAttr(eventType string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("event_type", eventType))
}

func outcomeAttrs(eventType, outcome string) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("outcome", outcome),
	)
}
