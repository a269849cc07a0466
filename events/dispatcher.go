package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/legendaryum-metaverse/legend-saga-go/audit"
	"github.com/legendaryum-metaverse/legend-saga-go/brokerconn"
	"github.com/legendaryum-metaverse/legend-saga-go/emitter"
	"github.com/legendaryum-metaverse/legend-saga-go/envelope"
	"github.com/legendaryum-metaverse/legend-saga-go/metrics"
	"github.com/legendaryum-metaverse/legend-saga-go/topology"
	"github.com/legendaryum-metaverse/legend-saga-go/tracing"
)

// Handler is user code registered for one event tag. It runs on its own
// per-tag goroutine; handlers for different tags run concurrently, but two
// deliveries for the same tag are never handed to the handler concurrently.
type Handler func(ctx context.Context, c *Context)

// Dispatcher consumes a microservice's event intake queue and routes each
// delivery to the handler registered for its event tag.
type Dispatcher struct {
	identity  string
	queueName string
	emitter   *emitter.Emitter[dispatchedEvent, Tag]
	audit     *audit.Emitter
	metrics   *metrics.Registry
	logger    *slog.Logger
}

type dispatchedEvent struct {
	ctx context.Context
	c   *Context
}

// NewDispatcher builds a Dispatcher for identity. auditEmitter is used both
// to record audit.received on arrival and is handed to each Context so
// Ack/Nack can record audit.processed/audit.dead_letter. reg records the
// dispatch counter here and is handed to each Context so Ack/Nack can
// record the ack/nack counters and retry delay.
func NewDispatcher(identity string, auditEmitter *audit.Emitter, reg *metrics.Registry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if reg == nil {
		reg = metrics.New()
	}
	return &Dispatcher{
		identity:  identity,
		queueName: topology.EventQueueName(identity),
		emitter:   emitter.New[dispatchedEvent, Tag](logger),
		audit:     auditEmitter,
		metrics:   reg,
		logger:    logger,
	}
}

// On registers handler for tag. Only the first registration for a given tag
// is kept; subsequent registrations for the same tag are silently ignored.
func (d *Dispatcher) On(tag Tag, handler Handler) {
	d.emitter.OnWithHandler(tag, func(ev dispatchedEvent) {
		handler(ev.ctx, ev.c)
	})
}

// Run consumes the intake queue until ctx is cancelled or the channel's
// delivery stream closes (e.g. on disconnect). Callers typically run this
// in its own goroutine and re-invoke it from a Broker Session reconnect
// hook against the replacement channel.
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
	env := envelope.FromAMQP(raw)

	var payloadMap map[string]any
	if err := json.Unmarshal(env.Body, &payloadMap); err != nil {
		d.logger.Error("events: decode delivery body", slog.Any("error", err))
		if err := channel.Nack(env.DeliveryTag, false, false); err != nil {
			d.logger.Error("events: nack undecodable delivery", slog.Any("error", err))
		}
		return
	}

	tag, ok := extractTag(env.Headers, d.logger)
	if !ok {
		d.logger.Warn("events: no event-tag header found, dropping delivery", slog.Uint64("deliveryTag", env.DeliveryTag))
		if err := channel.Nack(env.DeliveryTag, false, false); err != nil {
			d.logger.Error("events: nack untagged delivery", slog.Any("error", err))
		}
		return
	}

	publisher := env.AppID
	if publisher == "" {
		publisher = "unknown"
	}

	eventID := env.MessageID
	if eventID == "" {
		generated, err := uuid.NewV7()
		if err != nil {
			generated = uuid.New()
		}
		eventID = generated.String()
		d.logger.Warn("events: delivery missing message-id, fabricated correlation id", slog.String("eventId", eventID))
	}

	// Carry the fallback app-id/message-id on env itself, so a requeue
	// publish preserves the same correlation id instead of an empty one.
	env = env.WithAppID(publisher).WithMessageID(eventID)

	carrier := tracing.AMQPHeaderCarrier{Headers: env.Headers}
	spanCtx, span := tracing.StartConsumerSpan(ctx, d.queueName, carrier)
	defer span.End()

	d.audit.Received(spanCtx, publisher, d.identity, string(tag), d.queueName, eventID)
	d.metrics.DeliveriesDispatched.WithLabelValues(string(tag)).Inc()

	hc := newContext(channel, env, json.RawMessage(env.Body), tag, publisher, eventID, d.identity, d.queueName, d.audit, d.metrics)
	d.emitter.Emit(tag, dispatchedEvent{ctx: spanCtx, c: hc})
}

// extractTag scans headers for entries whose value equals a known event-tag
// string. It returns the first match (by header-table iteration order) if
// more than one header carries a recognizable tag value, logging a warning
// in that case since it means the publisher sent an ambiguous header set.
func extractTag(headers amqp.Table, logger *slog.Logger) (Tag, bool) {
	known := make(map[string]Tag, len(All))
	for _, t := range All {
		known[string(t)] = t
	}

	var matches []Tag
	for _, v := range headers {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if tag, found := known[strings.TrimSpace(s)]; found {
			matches = append(matches, tag)
		}
	}

	if len(matches) == 0 {
		return "", false
	}
	if len(matches) > 1 {
		logger.Warn("events: delivery matched more than one event-tag header, using first match", slog.Any("matches", matches))
	}
	return matches[0], true
}
