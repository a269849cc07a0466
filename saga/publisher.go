package saga

import (
	"context"
	"encoding/json"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/legendaryum-metaverse/legend-saga-go/brokerconn"
	"github.com/legendaryum-metaverse/legend-saga-go/errs"
	"github.com/legendaryum-metaverse/legend-saga-go/topology"
	"github.com/legendaryum-metaverse/legend-saga-go/tracing"
)

// CommencePublisher publishes the CommenceSaga envelope that kicks off a
// distributed transaction.
type CommencePublisher struct {
	getChannel func() (brokerconn.Channel, error)
}

// NewCommencePublisher builds a CommencePublisher. getChannel is typically
// (*broker.Session).GetOrInitPublishChannel.
func NewCommencePublisher(getChannel func() (brokerconn.Channel, error)) *CommencePublisher {
	return &CommencePublisher{getChannel: getChannel}
}

// CommenceSaga publishes {title, payload} to the commence_saga queue via
// the default exchange, persistent delivery, content-type JSON. title
// identifies payload's shape for the receiving orchestrator.
func CommenceSaga[T any](ctx context.Context, p *CommencePublisher, title SagaTitle, payload T) error {
	envelope := CommenceSagaEnvelope[T]{Title: title, Payload: payload}

	body, err := json.Marshal(envelope)
	if err != nil {
		return errs.Wrap(errs.SerializationError, "marshal commence-saga envelope", err)
	}

	channel, err := p.getChannel()
	if err != nil {
		return errs.Wrap(errs.ConnectionError, "get publish channel", err)
	}

	if _, err := channel.QueueDeclare(topology.CommenceSagaQueue, true, false, false, false, nil); err != nil {
		return errs.Wrap(errs.ConnectionError, "declare commence_saga queue", err)
	}

	headers := amqp.Table{}
	carrier := tracing.AMQPHeaderCarrier{Headers: headers}
	pubCtx, span := tracing.StartPublisherSpan(ctx, topology.CommenceSagaQueue, carrier)
	defer span.End()

	msg := amqp.Publishing{
		Headers:      headers,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	}
	if err := channel.PublishWithContext(pubCtx, "", topology.CommenceSagaQueue, false, false, msg); err != nil {
		return errs.Wrap(errs.ConnectionError, "publish commence-saga envelope", err)
	}
	return nil
}
