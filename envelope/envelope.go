// Package envelope holds the normalized, channel-independent view of an
// inbound AMQP delivery used across the Retry Engine and the dispatchers.
package envelope

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// Delivery is a snapshot of an amqp.Delivery that can be cloned cheaply and
// passed around without holding a reference to the channel it arrived on.
// It never owns a channel; callers that need to ack/nack pair it with their
// own channel handle.
type Delivery struct {
	DeliveryTag uint64
	Exchange    string
	RoutingKey  string
	Redelivered bool
	Headers     amqp.Table
	AppID       string
	MessageID   string
	Body        []byte
}

// FromAMQP builds a Delivery snapshot from a live amqp.Delivery.
func FromAMQP(d amqp.Delivery) Delivery {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	body := make([]byte, len(d.Body))
	copy(body, d.Body)

	return Delivery{
		DeliveryTag: d.DeliveryTag,
		Exchange:    d.Exchange,
		RoutingKey:  d.RoutingKey,
		Redelivered: d.Redelivered,
		Headers:     headers,
		AppID:       d.AppId,
		MessageID:   d.MessageId,
		Body:        body,
	}
}

// WithAppID returns a copy of d with AppID set.
func (d Delivery) WithAppID(id string) Delivery {
	d.AppID = id
	return d
}

// WithMessageID returns a copy of d with MessageID set.
func (d Delivery) WithMessageID(id string) Delivery {
	d.MessageID = id
	return d
}
