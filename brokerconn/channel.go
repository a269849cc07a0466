// Package brokerconn narrows the amqp091-go channel surface down to the
// subset this module actually calls, so topology, retry, and dispatch logic
// can be exercised against an in-memory fake instead of a live broker.
package brokerconn

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the slice of *amqp.Channel that the Broker Session, Topology
// Builder, Retry Engine, and Dispatchers use. *amqp.Channel satisfies it
// as-is; tests supply a fake.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	ExchangeBind(destination, key, source string, noWait bool, args amqp.Table) error
	ExchangeUnbind(destination, key, source string, noWait bool, args amqp.Table) error
	ExchangeDelete(name string, ifUnused, noWait bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueUnbind(name, key, exchange string, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	Reject(tag uint64, requeue bool) error
	IsClosed() bool
	Close() error
}

var _ Channel = (*amqp.Channel)(nil)
