// Package audit publishes the parallel audit event stream (received,
// processed, dead_letter, published) that records the lifecycle of every
// business event, keyed by the event's correlation id.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/legendaryum-metaverse/legend-saga-go/brokerconn"
	"github.com/legendaryum-metaverse/legend-saga-go/metrics"
	"github.com/legendaryum-metaverse/legend-saga-go/topology"
	"github.com/legendaryum-metaverse/legend-saga-go/tracing"
)

// Routing keys double as the audit event tag and the queue-selecting key
// consumed by topology.AuditQueueForTag.
const (
	TagReceived   = "audit.received"
	TagProcessed  = "audit.processed"
	TagDeadLetter = "audit.dead_letter"
	TagPublished  = "audit.published"
)

// ReceivedPayload tracks that a microservice pulled an event off its intake
// queue, before any handler has run.
type ReceivedPayload struct {
	PublisherMicroservice string `json:"publisher_microservice"`
	ReceiverMicroservice  string `json:"receiver_microservice"`
	ReceivedEvent         string `json:"received_event"`
	ReceivedAt            uint64 `json:"received_at"`
	QueueName             string `json:"queue_name"`
	EventID               string `json:"event_id"`
}

// ProcessedPayload tracks a handler's successful ack of an event.
type ProcessedPayload struct {
	PublisherMicroservice string `json:"publisher_microservice"`
	ProcessorMicroservice string `json:"processor_microservice"`
	ProcessedEvent        string `json:"processed_event"`
	ProcessedAt           uint64 `json:"processed_at"`
	QueueName             string `json:"queue_name"`
	EventID               string `json:"event_id"`
}

// DeadLetterPayload tracks a handler's nack, whichever retry strategy chose
// to drop or reschedule the message. RetryCount is a pointer with
// omitempty; DeadLetter always sets it, so emitted records carry it.
type DeadLetterPayload struct {
	PublisherMicroservice string `json:"publisher_microservice"`
	RejectorMicroservice  string `json:"rejector_microservice"`
	RejectedEvent         string `json:"rejected_event"`
	RejectedAt            uint64 `json:"rejected_at"`
	QueueName             string `json:"queue_name"`
	RejectionReason       string `json:"rejection_reason"`
	RetryCount            *int   `json:"retry_count,omitempty"`
	EventID               string `json:"event_id"`
}

// PublishedPayload tracks the moment an event left its origin microservice.
// It carries no queue_name: publication has not reached any intake queue yet.
type PublishedPayload struct {
	PublisherMicroservice string `json:"publisher_microservice"`
	PublishedEvent        string `json:"published_event"`
	PublishedAt           uint64 `json:"published_at"`
	EventID               string `json:"event_id"`
}

// Emitter is the fire-and-forget publisher used by the Event Dispatcher,
// its handler Context's Ack/Nack, and the Event Publisher. A publish
// failure is logged and swallowed; auditing never aborts the caller's main
// success path.
type Emitter struct {
	getChannel func() (brokerconn.Channel, error)
	metrics    *metrics.Registry
	logger     *slog.Logger
}

// New builds an Emitter. getChannel is typically
// (*broker.Session).GetOrInitPublishChannel.
func New(getChannel func() (brokerconn.Channel, error), reg *metrics.Registry, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	if reg == nil {
		reg = metrics.New()
	}
	return &Emitter{getChannel: getChannel, metrics: reg, logger: logger}
}

func nowMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}

// Received emits audit.received. Call this immediately after a delivery is
// pulled off the intake queue, before the handler runs.
func (e *Emitter) Received(ctx context.Context, publisher, receiver, eventTag, queueName, eventID string) {
	e.publish(ctx, TagReceived, ReceivedPayload{
		PublisherMicroservice: publisher,
		ReceiverMicroservice:  receiver,
		ReceivedEvent:         eventTag,
		ReceivedAt:            nowMillis(),
		QueueName:             queueName,
		EventID:               eventID,
	})
}

// Processed emits audit.processed. Call this after ack succeeds.
func (e *Emitter) Processed(ctx context.Context, publisher, processor, eventTag, queueName, eventID string) {
	e.publish(ctx, TagProcessed, ProcessedPayload{
		PublisherMicroservice: publisher,
		ProcessorMicroservice: processor,
		ProcessedEvent:        eventTag,
		ProcessedAt:           nowMillis(),
		QueueName:             queueName,
		EventID:               eventID,
	})
}

// DeadLetter emits audit.dead_letter. rejectionReason is "delay" or
// "fibonacci_strategy".
func (e *Emitter) DeadLetter(ctx context.Context, publisher, rejector, eventTag, queueName, rejectionReason string, retryCount int, eventID string) {
	e.publish(ctx, TagDeadLetter, DeadLetterPayload{
		PublisherMicroservice: publisher,
		RejectorMicroservice:  rejector,
		RejectedEvent:         eventTag,
		RejectedAt:            nowMillis(),
		QueueName:             queueName,
		RejectionReason:       rejectionReason,
		RetryCount:            &retryCount,
		EventID:               eventID,
	})
}

// Published emits audit.published. Call this from the Event Publisher right
// after a successful publish to matching_exchange.
func (e *Emitter) Published(ctx context.Context, publisher, eventTag, eventID string) {
	e.publish(ctx, TagPublished, PublishedPayload{
		PublisherMicroservice: publisher,
		PublishedEvent:        eventTag,
		PublishedAt:           nowMillis(),
		EventID:               eventID,
	})
}

// publish fires the audit record on its own goroutine so a congested or
// unreachable audit exchange never throttles the caller's business
// ack/nack/publish path.
func (e *Emitter) publish(ctx context.Context, tag string, payload any) {
	detached := context.WithoutCancel(ctx)
	go e.doPublish(detached, tag, payload)
}

func (e *Emitter) doPublish(ctx context.Context, tag string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		e.logger.Warn("audit: marshal payload", slog.String("tag", tag), slog.Any("error", err))
		return
	}

	ch, err := e.getChannel()
	if err != nil {
		e.logger.Warn("audit: get publish channel", slog.String("tag", tag), slog.Any("error", err))
		return
	}

	headers := amqp.Table{}
	carrier := tracing.AMQPHeaderCarrier{Headers: headers}
	pubCtx, span := tracing.StartPublisherSpan(ctx, topology.AuditExchange, carrier)
	defer span.End()

	msg := amqp.Publishing{
		Headers:      headers,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	}

	if err := ch.PublishWithContext(pubCtx, topology.AuditExchange, tag, false, false, msg); err != nil {
		e.logger.Warn("audit: publish", slog.String("tag", tag), slog.Any("error", err))
		return
	}
	e.metrics.AuditEventsEmitted.WithLabelValues(tag).Inc()
}
