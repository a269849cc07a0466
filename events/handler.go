package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/legendaryum-metaverse/legend-saga-go/audit"
	"github.com/legendaryum-metaverse/legend-saga-go/brokerconn"
	"github.com/legendaryum-metaverse/legend-saga-go/envelope"
	"github.com/legendaryum-metaverse/legend-saga-go/errs"
	"github.com/legendaryum-metaverse/legend-saga-go/metrics"
	"github.com/legendaryum-metaverse/legend-saga-go/retry"
)

// Context is the handler-facing surface for one dispatched delivery: the
// decoded payload, an ack/nack surface bound to the channel the delivery
// arrived on, and the correlation metadata needed to write audit records.
type Context struct {
	delivery  envelope.Delivery
	channel   brokerconn.Channel
	payload   json.RawMessage
	tag       Tag
	publisher string
	eventID   string
	identity  string
	queueName string
	audit     *audit.Emitter
	metrics   *metrics.Registry
}

func newContext(channel brokerconn.Channel, delivery envelope.Delivery, payload json.RawMessage, tag Tag, publisher, eventID, identity, queueName string, auditEmitter *audit.Emitter, reg *metrics.Registry) *Context {
	return &Context{
		delivery:  delivery,
		channel:   channel,
		payload:   payload,
		tag:       tag,
		publisher: publisher,
		eventID:   eventID,
		identity:  identity,
		queueName: queueName,
		audit:     auditEmitter,
		metrics:   reg,
	}
}

// PublisherMicroservice returns the app-id of the service that published
// this event.
func (c *Context) PublisherMicroservice() string { return c.publisher }

// EventID returns the correlation id (UUIDv7) carried by this delivery.
func (c *Context) EventID() string { return c.eventID }

// Tag returns the event tag this delivery was dispatched under.
func (c *Context) Tag() Tag { return c.tag }

// ParsePayload decodes the delivery's JSON payload into T. It is a
// package-level function, not a method, because Go methods cannot carry
// their own type parameters.
func ParsePayload[T any](c *Context) (T, error) {
	var v T
	if err := json.Unmarshal(c.payload, &v); err != nil {
		return v, errs.Wrap(errs.SerializationError, "decode event payload", err)
	}
	return v, nil
}

// Ack acknowledges the original delivery, then emits audit.processed
// fire-and-forget.
func (c *Context) Ack(ctx context.Context) error {
	if err := c.channel.Ack(c.delivery.DeliveryTag, false); err != nil {
		return errs.Wrap(errs.ConnectionError, "ack event delivery", err)
	}
	c.metrics.DeliveriesAcked.WithLabelValues(string(c.tag)).Inc()
	c.audit.Processed(ctx, c.publisher, c.identity, string(c.tag), c.queueName, c.eventID)
	return nil
}

// NackWithDelay routes the delivery through the fixed-delay retry strategy,
// then emits audit.dead_letter fire-and-forget with rejection reason
// "delay" and the retry count the engine computed.
func (c *Context) NackWithDelay(ctx context.Context, delay time.Duration, maxRetries int) (int, time.Duration, error) {
	engine := retry.New(c.channel, c.delivery, c.identity)
	count, appliedDelay, err := engine.WithDelay(ctx, delay, maxRetries)
	if err != nil {
		return count, appliedDelay, fmt.Errorf("events: nack with delay: %w", err)
	}
	c.metrics.DeliveriesNacked.WithLabelValues(string(c.tag), "delay").Inc()
	c.metrics.RetryDelaySeconds.WithLabelValues(string(c.tag), "delay").Observe(appliedDelay.Seconds())
	c.audit.DeadLetter(ctx, c.publisher, c.identity, string(c.tag), c.queueName, "delay", count, c.eventID)
	return count, appliedDelay, nil
}

// NackWithFibonacciStrategy routes the delivery through the
// Fibonacci-backoff retry strategy, then emits audit.dead_letter
// fire-and-forget with rejection reason "fibonacci_strategy".
func (c *Context) NackWithFibonacciStrategy(ctx context.Context, maxOccurrence, maxRetries int) (int, time.Duration, int, error) {
	engine := retry.New(c.channel, c.delivery, c.identity)
	count, delay, occurrence, err := engine.WithFibonacciStrategy(ctx, maxOccurrence, maxRetries)
	if err != nil {
		return count, delay, occurrence, fmt.Errorf("events: nack with fibonacci strategy: %w", err)
	}
	c.metrics.DeliveriesNacked.WithLabelValues(string(c.tag), "fibonacci_strategy").Inc()
	c.metrics.RetryDelaySeconds.WithLabelValues(string(c.tag), "fibonacci_strategy").Observe(delay.Seconds())
	c.audit.DeadLetter(ctx, c.publisher, c.identity, string(c.tag), c.queueName, "fibonacci_strategy", count, c.eventID)
	return count, delay, occurrence, nil
}
