package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/legendaryum-metaverse/legend-saga-go/audit"
	"github.com/legendaryum-metaverse/legend-saga-go/brokerconn"
	"github.com/legendaryum-metaverse/legend-saga-go/errs"
	"github.com/legendaryum-metaverse/legend-saga-go/topology"
	"github.com/legendaryum-metaverse/legend-saga-go/tracing"
)

// Publisher publishes events to matching_exchange using the Broker
// Session's shared publish channel.
type Publisher struct {
	identity   string
	getChannel func() (brokerconn.Channel, error)
	audit      *audit.Emitter
}

// NewPublisher builds a Publisher bound to identity. getChannel is
// typically (*broker.Session).GetOrInitPublishChannel.
func NewPublisher(identity string, getChannel func() (brokerconn.Channel, error), auditEmitter *audit.Emitter) *Publisher {
	return &Publisher{identity: identity, getChannel: getChannel, audit: auditEmitter}
}

// Targeting selects broadcast vs. single-subscriber delivery, per the
// header conventions all bindings share: all-micro=yes reaches every
// subscriber, micro=<identity> reaches exactly one.
type Targeting struct {
	Broadcast   bool
	TargetMicro string
}

// Broadcast is the default Targeting: all-micro=yes, reaching every
// subscriber of tag.
func Broadcast() Targeting { return Targeting{Broadcast: true} }

// Targeted reaches only the microservice identified by micro.
func Targeted(micro string) Targeting { return Targeting{TargetMicro: micro} }

// Publish serializes payload as camelCase JSON, sets the tag header and the
// targeting header, and publishes to matching_exchange with an empty
// routing key; the headers bindings fan the message out from there. On
// success it emits audit.published fire-and-forget and returns the
// generated correlation id.
func (p *Publisher) Publish(ctx context.Context, tag Tag, payload any, targeting Targeting) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", errs.Wrap(errs.SerializationError, "marshal event payload", err)
	}

	eventID, err := uuid.NewV7()
	if err != nil {
		return "", errs.Wrap(errs.SerializationError, "generate correlation id", err)
	}

	headers := amqp.Table{
		tagHeaderKey(tag): string(tag),
	}
	if targeting.Broadcast {
		headers["all-micro"] = "yes"
	} else {
		headers["micro"] = targeting.TargetMicro
	}

	channel, err := p.getChannel()
	if err != nil {
		return "", errs.Wrap(errs.ConnectionError, "get publish channel", err)
	}

	carrier := tracing.AMQPHeaderCarrier{Headers: headers}
	pubCtx, span := tracing.StartPublisherSpan(ctx, topology.MatchingExchange, carrier)
	defer span.End()

	msg := amqp.Publishing{
		Headers:      headers,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		AppId:        p.identity,
		MessageId:    eventID.String(),
		Body:         body,
	}

	if err := channel.PublishWithContext(pubCtx, topology.MatchingExchange, "", false, false, msg); err != nil {
		return "", errs.Wrap(errs.ConnectionError, fmt.Sprintf("publish event %q", tag), err)
	}

	p.audit.Published(pubCtx, p.identity, string(tag), eventID.String())
	return eventID.String(), nil
}

func tagHeaderKey(tag Tag) string {
	out := make([]byte, len(tag))
	for i := 0; i < len(tag); i++ {
		c := tag[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}
