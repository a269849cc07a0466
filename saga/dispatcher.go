package saga

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/legendaryum-metaverse/legend-saga-go/brokerconn"
	"github.com/legendaryum-metaverse/legend-saga-go/emitter"
	"github.com/legendaryum-metaverse/legend-saga-go/envelope"
	"github.com/legendaryum-metaverse/legend-saga-go/errs"
	"github.com/legendaryum-metaverse/legend-saga-go/metrics"
	"github.com/legendaryum-metaverse/legend-saga-go/topology"
	"github.com/legendaryum-metaverse/legend-saga-go/tracing"
)

// Handler is user code registered for one step command.
type Handler func(ctx context.Context, c *CommandContext)

// Dispatcher consumes a microservice's saga intake queue and routes each
// step to the handler registered for its command tag.
type Dispatcher struct {
	identity   string
	queueName  string
	emitter    *emitter.Emitter[dispatchedStep, StepCommand]
	getChannel func() (brokerconn.Channel, error)
	metrics    *metrics.Registry
	logger     *slog.Logger
}

type dispatchedStep struct {
	ctx context.Context
	c   *CommandContext
}

// NewDispatcher builds a Dispatcher for identity. getChannel is the shared
// publish channel getter (typically (*broker.Session).GetOrInitPublishChannel)
// each CommandContext uses to send its reply, independent of whichever
// channel the step itself arrived on.
func NewDispatcher(identity string, getChannel func() (brokerconn.Channel, error), reg *metrics.Registry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if reg == nil {
		reg = metrics.New()
	}
	return &Dispatcher{
		identity:   identity,
		queueName:  topology.SagaQueueName(identity),
		emitter:    emitter.New[dispatchedStep, StepCommand](logger),
		getChannel: getChannel,
		metrics:    reg,
		logger:     logger,
	}
}

// On registers handler for command. Only the first registration for a
// given command is kept.
func (d *Dispatcher) On(command StepCommand, handler Handler) {
	d.emitter.OnWithHandler(command, func(ev dispatchedStep) {
		handler(ev.ctx, ev.c)
	})
}

// Run consumes the saga intake queue until ctx is cancelled or the
// delivery stream closes.
func (d *Dispatcher) Run(ctx context.Context, channel brokerconn.Channel) error {
	deliveries, err := channel.Consume(d.queueName, "", false, false, false, false, nil)
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
			d.handleDelivery(ctx, channel, delivery)
		}
	}
}

func (d *Dispatcher) handleDelivery(ctx context.Context, channel brokerconn.Channel, raw amqp.Delivery) {
	var step Step
	if err := json.Unmarshal(raw.Body, &step); err != nil {
		d.logger.Error("saga: decode step envelope", slog.Any("error", err))
		if err := channel.Nack(raw.DeliveryTag, false, false); err != nil {
			d.logger.Error("saga: nack undecodable delivery", slog.Any("error", err))
		}
		return
	}

	env := envelope.FromAMQP(raw)

	carrier := tracing.AMQPHeaderCarrier{Headers: env.Headers}
	spanCtx, span := tracing.StartConsumerSpan(ctx, d.queueName, carrier)
	defer span.End()

	d.metrics.DeliveriesDispatched.WithLabelValues(string(step.Command)).Inc()

	hc := &CommandContext{
		channel:    channel,
		delivery:   env,
		step:       step,
		identity:   d.identity,
		getChannel: d.getChannel,
		metrics:    d.metrics,
	}
	d.emitter.Emit(step.Command, dispatchedStep{ctx: spanCtx, c: hc})
}

// metadataKeys returns every key in m that begins with the "__" saga-wide
// metadata prefix and is longer than the prefix itself.
func metadataKeys(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if len(k) > 2 && strings.HasPrefix(k, "__") {
			out[k] = v
		}
	}
	return out
}

// mergeNextPayload builds the payload for the reply envelope: every
// metadata key from previousPayload, then every key from nextPayload (which
// must decode as a JSON object).
func mergeNextPayload(previousPayload map[string]any, nextPayloadJSON json.RawMessage) (map[string]any, error) {
	merged := metadataKeys(previousPayload)

	var next map[string]any
	if err := json.Unmarshal(nextPayloadJSON, &next); err != nil {
		return nil, errs.Wrap(errs.InvalidPayload, "next-step payload must be a JSON object", err)
	}
	for k, v := range next {
		merged[k] = v
	}
	return merged, nil
}
