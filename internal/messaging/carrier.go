package messaging

import amqp "github.com/rabbitmq/amqp091-go"

// HeaderCarrier adapts AMQP message headers to a propagation.TextMapCarrier.
type HeaderCarrier struct {
	headers amqp.Table
}

func NewHeaderCarrier(headers amqp.Table) *HeaderCarrier {
	return &HeaderCarrier{headers: headers}
}

func (c *HeaderCarrier) Get(key string) string {
	v, ok := c.headers[key]
	if !ok {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	}
	return ""
}

func (c *HeaderCarrier) Set(key, value string) {
	c.headers[key] = value
}

func (c *HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c.headers))
	for k := range c.headers {
		keys = append(keys, k)
	}
	return keys
}
