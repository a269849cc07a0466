package tracing

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPHeaderCarrier adapts an amqp.Table to propagation.TextMapCarrier so
// trace context can be injected into and extracted from AMQP message
// headers.
type AMQPHeaderCarrier struct {
	Headers amqp.Table
}

// Get returns the string value stored under key, if any.
func (c AMQPHeaderCarrier) Get(key string) string {
	if c.Headers == nil {
		return ""
	}
	if v, ok := c.Headers[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Set stores value under key.
func (c AMQPHeaderCarrier) Set(key, value string) {
	if c.Headers == nil {
		return
	}
	c.Headers[key] = value
}

// Keys returns all header keys.
func (c AMQPHeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c.Headers))
	for k := range c.Headers {
		keys = append(keys, k)
	}
	return keys
}
