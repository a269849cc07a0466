package topology

import (
	"context"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
)

type recordedBind struct {
	kind        string // "exchange" or "queue"
	destination string
	key         string
	source      string
	args        amqp.Table
}

type recordedUnbind struct {
	kind        string
	destination string
	source      string
}

type fakeChannel struct {
	exchanges       map[string]string // name -> kind
	queues          map[string]amqp.Table
	binds           []recordedBind
	unbinds         []recordedUnbind
	deletedExchange []string
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		exchanges: make(map[string]string),
		queues:    make(map[string]amqp.Table),
	}
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	f.exchanges[name] = kind
	return nil
}

func (f *fakeChannel) ExchangeBind(destination, key, source string, noWait bool, args amqp.Table) error {
	f.binds = append(f.binds, recordedBind{kind: "exchange", destination: destination, key: key, source: source, args: args})
	return nil
}

func (f *fakeChannel) ExchangeUnbind(destination, key, source string, noWait bool, args amqp.Table) error {
	f.unbinds = append(f.unbinds, recordedUnbind{kind: "exchange", destination: destination, source: source})
	return nil
}

func (f *fakeChannel) ExchangeDelete(name string, ifUnused, noWait bool) error {
	f.deletedExchange = append(f.deletedExchange, name)
	return nil
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.queues[name] = args
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	f.binds = append(f.binds, recordedBind{kind: "queue", destination: name, key: key, source: exchange, args: args})
	return nil
}

func (f *fakeChannel) QueueUnbind(name, key, exchange string, args amqp.Table) error {
	f.unbinds = append(f.unbinds, recordedUnbind{kind: "queue", destination: name, source: exchange})
	return nil
}

func (f *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error { return nil }

func (f *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return nil, nil
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return nil
}

func (f *fakeChannel) Ack(tag uint64, multiple bool) error        { return nil }
func (f *fakeChannel) Nack(tag uint64, multiple, requeue bool) error { return nil }
func (f *fakeChannel) Reject(tag uint64, requeue bool) error      { return nil }
func (f *fakeChannel) IsClosed() bool                             { return false }
func (f *fakeChannel) Close() error                               { return nil }

func (f *fakeChannel) hasBind(kind, destination, source string) bool {
	for _, b := range f.binds {
		if b.kind == kind && b.destination == destination && b.source == source {
			return true
		}
	}
	return false
}

func (f *fakeChannel) hasUnbind(kind, destination, source string) bool {
	for _, u := range f.unbinds {
		if u.kind == kind && u.destination == destination && u.source == source {
			return true
		}
	}
	return false
}

var testEventTags = []string{"auth.deleted_user", "auth.created_user", "payments.charged"}

func TestBuildEventTopology_DeclaresFixedEntities(t *testing.T) {
	ch := newFakeChannel()
	if err := BuildEventTopology(ch, "orders", testEventTags, []string{"auth.deleted_user"}); err != nil {
		t.Fatalf("BuildEventTopology: %v", err)
	}

	if ch.exchanges[MatchingExchange] != "headers" {
		t.Errorf("expected %s declared as headers exchange", MatchingExchange)
	}
	if ch.exchanges[MatchingRequeueExchange] != "headers" {
		t.Errorf("expected %s declared as headers exchange", MatchingRequeueExchange)
	}
	if _, ok := ch.queues[EventQueueName("orders")]; !ok {
		t.Errorf("expected intake queue declared")
	}
	requeueArgs, ok := ch.queues[EventRequeueQueueName("orders")]
	if !ok {
		t.Fatalf("expected requeue queue declared")
	}
	if requeueArgs["x-dead-letter-exchange"] != MatchingExchange {
		t.Errorf("expected requeue queue dead-letter to %s, got %v", MatchingExchange, requeueArgs["x-dead-letter-exchange"])
	}
}

func TestBuildEventTopology_SubscribedTagIsFullyBound(t *testing.T) {
	ch := newFakeChannel()
	identity := "orders"
	subscribed := "auth.deleted_user"
	if err := BuildEventTopology(ch, identity, testEventTags, []string{subscribed}); err != nil {
		t.Fatalf("BuildEventTopology: %v", err)
	}

	intake := EventQueueName(identity)
	requeueQueue := EventRequeueQueueName(identity)
	perServiceExchange := PerServiceEventExchangeName(subscribed, identity)

	if !ch.hasBind("queue", intake, subscribed) {
		t.Errorf("expected intake queue bound to %s", subscribed)
	}
	if !ch.hasBind("queue", requeueQueue, EventRequeueExchangeName(subscribed)) {
		t.Errorf("expected requeue queue bound to %s", EventRequeueExchangeName(subscribed))
	}
	if ch.exchanges[perServiceExchange] != "headers" {
		t.Errorf("expected per-service exchange %s declared", perServiceExchange)
	}
	if !ch.hasBind("queue", intake, perServiceExchange) {
		t.Errorf("expected intake queue bound to per-service exchange %s", perServiceExchange)
	}

	for _, del := range ch.deletedExchange {
		if del == perServiceExchange {
			t.Errorf("subscribed tag's per-service exchange must not be deleted")
		}
	}
}

func TestBuildEventTopology_UnsubscribedTagIsUnboundAndExchangeDeleted(t *testing.T) {
	ch := newFakeChannel()
	identity := "orders"
	unsubscribed := "payments.charged"
	if err := BuildEventTopology(ch, identity, testEventTags, []string{"auth.deleted_user"}); err != nil {
		t.Fatalf("BuildEventTopology: %v", err)
	}

	intake := EventQueueName(identity)
	requeueQueue := EventRequeueQueueName(identity)
	requeueExchange := EventRequeueExchangeName(unsubscribed)
	perServiceExchange := PerServiceEventExchangeName(unsubscribed, identity)

	found := false
	for _, u := range ch.unbinds {
		if u.kind == "queue" && u.destination == intake && u.source == unsubscribed {
			found = true
		}
	}
	if !found {
		t.Errorf("expected intake queue unbound from unsubscribed tag %s", unsubscribed)
	}

	if !ch.hasUnbind("queue", requeueQueue, requeueExchange) {
		t.Errorf("expected requeue queue %s unbound from requeue exchange %s", requeueQueue, requeueExchange)
	}

	deleted := false
	for _, d := range ch.deletedExchange {
		if d == perServiceExchange {
			deleted = true
		}
	}
	if !deleted {
		t.Errorf("expected per-service exchange %s deleted for unsubscribed tag", perServiceExchange)
	}
}

func TestBuildSagaTopology(t *testing.T) {
	ch := newFakeChannel()
	identity := "orders"
	if err := BuildSagaTopology(ch, identity); err != nil {
		t.Fatalf("BuildSagaTopology: %v", err)
	}

	if ch.exchanges[CommandsExchange] != "direct" {
		t.Errorf("expected %s declared direct", CommandsExchange)
	}
	if ch.exchanges[RequeueExchange] != "direct" {
		t.Errorf("expected %s declared direct", RequeueExchange)
	}

	requeueArgs, ok := ch.queues[SagaRequeueQueueName(identity)]
	if !ok {
		t.Fatalf("expected saga requeue queue declared")
	}
	if requeueArgs["x-dead-letter-exchange"] != CommandsExchange {
		t.Errorf("expected saga requeue dead-letter to %s", CommandsExchange)
	}

	if !ch.hasBind("queue", SagaQueueName(identity), CommandsExchange) {
		t.Errorf("expected saga queue bound to %s", CommandsExchange)
	}
	if !ch.hasBind("queue", SagaRequeueQueueName(identity), RequeueExchange) {
		t.Errorf("expected saga requeue queue bound to %s", RequeueExchange)
	}
}

func TestBuildAuditTopology(t *testing.T) {
	ch := newFakeChannel()
	if err := BuildAuditTopology(ch); err != nil {
		t.Fatalf("BuildAuditTopology: %v", err)
	}

	if ch.exchanges[AuditExchange] != "direct" {
		t.Errorf("expected %s declared direct", AuditExchange)
	}

	want := map[string]string{
		AuditReceivedQueue:   "audit.received",
		AuditProcessedQueue:  "audit.processed",
		AuditDeadLetterQueue: "audit.dead_letter",
		AuditPublishedQueue:  "audit.published",
	}
	for queue, routingKey := range want {
		if _, ok := ch.queues[queue]; !ok {
			t.Errorf("expected queue %s declared", queue)
		}
		if !ch.hasBind("queue", queue, AuditExchange) {
			t.Errorf("expected queue %s bound to %s", queue, AuditExchange)
		}
		found := false
		for _, b := range ch.binds {
			if b.destination == queue && b.key == routingKey {
				found = true
			}
		}
		if !found {
			t.Errorf("expected queue %s bound with routing key %s", queue, routingKey)
		}
	}
}
