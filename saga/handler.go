package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/legendaryum-metaverse/legend-saga-go/brokerconn"
	"github.com/legendaryum-metaverse/legend-saga-go/envelope"
	"github.com/legendaryum-metaverse/legend-saga-go/errs"
	"github.com/legendaryum-metaverse/legend-saga-go/metrics"
	"github.com/legendaryum-metaverse/legend-saga-go/retry"
	"github.com/legendaryum-metaverse/legend-saga-go/topology"
	"github.com/legendaryum-metaverse/legend-saga-go/tracing"
)

// CommandContext is the handler-facing surface for one dispatched saga
// step: the previous step's payload, an ack/nack surface, and the saga id.
type CommandContext struct {
	channel    brokerconn.Channel
	delivery   envelope.Delivery
	step       Step
	identity   string
	getChannel func() (brokerconn.Channel, error)
	metrics    *metrics.Registry
}

// SagaID returns the distributed transaction id this step belongs to.
func (c *CommandContext) SagaID() int { return c.step.SagaID }

// Command returns the step command this delivery was dispatched under.
func (c *CommandContext) Command() StepCommand { return c.step.Command }

// ParsePayload decodes the previous step's payload into T.
func ParsePayload[T any](c *CommandContext) (T, error) {
	var v T
	raw, err := json.Marshal(c.step.PreviousPayload)
	if err != nil {
		return v, errs.Wrap(errs.SerializationError, "re-encode previous payload", err)
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, errs.Wrap(errs.SerializationError, "decode previous payload", err)
	}
	return v, nil
}

// GetPayload returns the previous step's payload as a generic map.
func (c *CommandContext) GetPayload() map[string]any { return c.step.PreviousPayload }

// Ack builds the reply envelope (status=success, payload = preserved "__"
// metadata from previousPayload merged with nextPayload), publishes it to
// reply_to_saga, and acks the original delivery. nextPayload must marshal
// to a JSON object; anything else fails with InvalidPayload and leaves the
// original delivery neither acked nor nacked (the caller should then nack).
func (c *CommandContext) Ack(ctx context.Context, nextPayload any) error {
	nextJSON, err := json.Marshal(nextPayload)
	if err != nil {
		return errs.Wrap(errs.SerializationError, "marshal next-step payload", err)
	}

	merged, err := mergeNextPayload(c.step.PreviousPayload, nextJSON)
	if err != nil {
		return err
	}

	reply := c.step
	reply.Status = StatusSuccess
	reply.Payload = merged

	body, err := json.Marshal(reply)
	if err != nil {
		return errs.Wrap(errs.SerializationError, "marshal reply envelope", err)
	}

	headers := amqp.Table{}
	carrier := tracing.AMQPHeaderCarrier{Headers: headers}
	pubCtx, span := tracing.StartPublisherSpan(ctx, topology.ReplyToSagaQueue, carrier)
	defer span.End()

	msg := amqp.Publishing{
		Headers:      headers,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	}

	replyChannel, err := c.getChannel()
	if err != nil {
		return errs.Wrap(errs.ConnectionError, "get publish channel", err)
	}
	if err := replyChannel.PublishWithContext(pubCtx, "", topology.ReplyToSagaQueue, false, false, msg); err != nil {
		return errs.Wrap(errs.ConnectionError, "publish reply to saga", err)
	}

	if err := c.channel.Ack(c.delivery.DeliveryTag, false); err != nil {
		return errs.Wrap(errs.ConnectionError, "ack saga step delivery", err)
	}
	c.metrics.DeliveriesAcked.WithLabelValues(string(c.step.Command)).Inc()
	return nil
}

// NackWithDelay routes the step through the fixed-delay retry strategy.
func (c *CommandContext) NackWithDelay(ctx context.Context, delay time.Duration, maxRetries int) (int, time.Duration, error) {
	engine := retry.New(c.channel, c.delivery, c.identity)
	count, appliedDelay, err := engine.WithDelay(ctx, delay, maxRetries)
	if err != nil {
		return count, appliedDelay, fmt.Errorf("saga: nack with delay: %w", err)
	}
	c.metrics.DeliveriesNacked.WithLabelValues(string(c.step.Command), "delay").Inc()
	c.metrics.RetryDelaySeconds.WithLabelValues(string(c.step.Command), "delay").Observe(appliedDelay.Seconds())
	return count, appliedDelay, nil
}

// NackWithFibonacciStrategy routes the step through the Fibonacci-backoff
// retry strategy.
func (c *CommandContext) NackWithFibonacciStrategy(ctx context.Context, maxOccurrence, maxRetries int) (int, time.Duration, int, error) {
	engine := retry.New(c.channel, c.delivery, c.identity)
	count, delay, occurrence, err := engine.WithFibonacciStrategy(ctx, maxOccurrence, maxRetries)
	if err != nil {
		return count, delay, occurrence, fmt.Errorf("saga: nack with fibonacci strategy: %w", err)
	}
	c.metrics.DeliveriesNacked.WithLabelValues(string(c.step.Command), "fibonacci_strategy").Inc()
	c.metrics.RetryDelaySeconds.WithLabelValues(string(c.step.Command), "fibonacci_strategy").Observe(delay.Seconds())
	return count, delay, occurrence, nil
}
