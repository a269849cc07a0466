// Package retry implements the two nack strategies (fixed-delay and
// Fibonacci-backoff) that republish a delivery onto a dead-letter-backed
// requeue path with incremented counters.
package retry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/legendaryum-metaverse/legend-saga-go/brokerconn"
	"github.com/legendaryum-metaverse/legend-saga-go/envelope"
	"github.com/legendaryum-metaverse/legend-saga-go/topology"
)

const (
	headerRetryCount = "x-retry-count"
	headerOccurrence = "x-occurrence"
	headerAllMicro   = "all-micro"
	headerMicro      = "micro"
)

// Engine nacks a single delivery and, unless the retry ceiling has been
// reached, republishes it onto the requeue path appropriate to its origin
// exchange (event vs. saga step).
type Engine struct {
	channel  brokerconn.Channel
	delivery envelope.Delivery
	identity string
}

// New builds a retry Engine bound to one delivery on one channel. identity
// is the consuming microservice's identity, used as the `micro=` targeting
// header on an event requeue (matching the requeue queue's binding) and to
// derive the routing key on a saga requeue.
func New(channel brokerconn.Channel, delivery envelope.Delivery, identity string) *Engine {
	return &Engine{channel: channel, delivery: delivery, identity: identity}
}

// WithDelay implements the fixed-delay strategy. It nacks the original
// delivery, computes the new retry count, and — if the count has not
// exceeded maxRetries — republishes with an updated x-retry-count header
// and an expiration equal to delay.
func (e *Engine) WithDelay(ctx context.Context, delay time.Duration, maxRetries int) (int, time.Duration, error) {
	if err := e.channel.Nack(e.delivery.DeliveryTag, false, false); err != nil {
		return 0, 0, fmt.Errorf("retry: nack original delivery: %w", err)
	}

	count := e.retryCount() + 1
	if count > maxRetries {
		return count, delay, nil
	}

	headers := cloneHeaders(e.delivery.Headers)
	headers[headerRetryCount] = int64(count)

	if err := e.publishRequeue(ctx, delay, headers); err != nil {
		return count, delay, err
	}
	return count, delay, nil
}

// WithFibonacciStrategy implements the Fibonacci-backoff strategy. The
// occurrence counter resets to 1 once it reaches maxOccurrence, producing
// the repeating delay schedule fib(1)..fib(maxOccurrence), fib(1), ...
func (e *Engine) WithFibonacciStrategy(ctx context.Context, maxOccurrence, maxRetries int) (int, time.Duration, int, error) {
	if err := e.channel.Nack(e.delivery.DeliveryTag, false, false); err != nil {
		return 0, 0, 0, fmt.Errorf("retry: nack original delivery: %w", err)
	}

	count := e.retryCount() + 1

	occurrence := e.occurrence()
	if occurrence >= maxOccurrence {
		occurrence = 1
	} else {
		occurrence++
	}
	delay := time.Duration(Fibonacci(occurrence)) * time.Second

	if count > maxRetries {
		return count, delay, occurrence, nil
	}

	headers := cloneHeaders(e.delivery.Headers)
	headers[headerRetryCount] = int64(count)
	headers[headerOccurrence] = int64(occurrence)

	if err := e.publishRequeue(ctx, delay, headers); err != nil {
		return count, delay, occurrence, err
	}
	return count, delay, occurrence, nil
}

func (e *Engine) retryCount() int {
	return int(int64Header(e.delivery.Headers, headerRetryCount))
}

func (e *Engine) occurrence() int {
	return int(int64Header(e.delivery.Headers, headerOccurrence))
}

// publishRequeue selects the requeue destination per the delivery's source
// exchange and republishes the original body with updated headers and an
// expiration matching delay, preserving app-id and message-id.
func (e *Engine) publishRequeue(ctx context.Context, delay time.Duration, headers amqp.Table) error {
	var exchange, routingKey string

	if e.delivery.Exchange == topology.MatchingExchange {
		exchange = topology.MatchingRequeueExchange
		routingKey = ""
		delete(headers, headerAllMicro)
		headers[headerMicro] = e.identity
	} else {
		exchange = topology.RequeueExchange
		routingKey = topology.SagaRoutingKey(e.identity)
	}

	msg := amqp.Publishing{
		Headers:      headers,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		AppId:        e.delivery.AppID,
		MessageId:    e.delivery.MessageID,
		Body:         e.delivery.Body,
		Expiration:   strconv.FormatInt(delay.Milliseconds(), 10),
	}

	if err := e.channel.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		return fmt.Errorf("retry: publish requeue to %q: %w", exchange, err)
	}
	return nil
}

func cloneHeaders(h amqp.Table) amqp.Table {
	out := amqp.Table{}
	for k, v := range h {
		out[k] = v
	}
	return out
}

func int64Header(h amqp.Table, key string) int64 {
	v, ok := h[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	default:
		return 0
	}
}
