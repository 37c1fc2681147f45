package queue

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

const tracerName = "fulfillment/pkg/queue"

// headerCarrier adapts AMQP headers to a propagation.TextMapCarrier.
type headerCarrier amqp.Table

func (c headerCarrier) Get(key string) string {
	v, ok := c[key]
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func (c headerCarrier) Set(key, value string) {
	c[key] = value
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
