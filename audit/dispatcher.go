package audit

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/legendaryum-metaverse/legend-saga-go/brokerconn"
	"github.com/legendaryum-metaverse/legend-saga-go/emitter"
	"github.com/legendaryum-metaverse/legend-saga-go/envelope"
	"github.com/legendaryum-metaverse/legend-saga-go/errs"
)

// Context is the audit dispatcher's handler surface. Unlike the Event
// Dispatcher's Context, Ack never emits a further audit event — auditing
// the audit stream would recurse.
type Context struct {
	channel  brokerconn.Channel
	delivery envelope.Delivery
	payload  json.RawMessage
}

// ParsePayload decodes the delivery's JSON body into T, one of the four
// audit payload structs in this package.
func ParsePayload[T any](c *Context) (T, error) {
	var v T
	if err := json.Unmarshal(c.payload, &v); err != nil {
		return v, errs.Wrap(errs.SerializationError, "decode audit payload", err)
	}
	return v, nil
}

// Ack acknowledges the delivery. No further audit event is emitted.
func (c *Context) Ack() error {
	if err := c.channel.Ack(c.delivery.DeliveryTag, false); err != nil {
		return errs.Wrap(errs.ConnectionError, "ack audit delivery", err)
	}
	return nil
}

// Reject nacks the delivery without requeueing.
func (c *Context) Reject() error {
	if err := c.channel.Nack(c.delivery.DeliveryTag, false, false); err != nil {
		return errs.Wrap(errs.ConnectionError, "nack audit delivery", err)
	}
	return nil
}

// Handler is user code registered for one audit queue.
type Handler func(ctx context.Context, c *Context)

// Dispatcher consumes the four audit sink queues and routes each delivery
// to the handler registered for its queue name, derived from the queue
// rather than from any header (audit payloads carry no tag header by
// construction).
type Dispatcher struct {
	emitter *emitter.Emitter[*Context, string]
	logger  *slog.Logger
}

// NewDispatcher builds an audit Dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{emitter: emitter.New[*Context, string](logger), logger: logger}
}

// On registers handler for one of the four audit queue name constants
// (AuditReceivedQueue, AuditProcessedQueue, AuditDeadLetterQueue,
// AuditPublishedQueue, all in package topology).
func (d *Dispatcher) On(queueName string, handler Handler) {
	d.emitter.OnWithHandler(queueName, func(c *Context) {
		handler(context.Background(), c)
	})
}

// Run consumes queueName until ctx is cancelled or the delivery stream
// closes. Callers invoke this once per audit sink queue they care about.
func (d *Dispatcher) Run(ctx context.Context, channel brokerconn.Channel, queueName string) error {
	deliveries, err := channel.Consume(queueName, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return nil
			}
			env := envelope.FromAMQP(delivery)
			hc := &Context{channel: channel, delivery: env, payload: json.RawMessage(env.Body)}
			d.emitter.Emit(queueName, hc)
		}
	}
}
