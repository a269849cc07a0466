package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/legendaryum-metaverse/legend-saga-go/audit"
	"github.com/legendaryum-metaverse/legend-saga-go/brokerconn"
)

type fakeDispatchChannel struct {
	mu         sync.Mutex
	deliveries chan amqp.Delivery
	published  []amqp.Publishing
	acked      []uint64
	nacked     []uint64
}

func (f *fakeDispatchChannel) publishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func newFakeDispatchChannel() *fakeDispatchChannel {
	return &fakeDispatchChannel{deliveries: make(chan amqp.Delivery, 8)}
}

func (f *fakeDispatchChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return nil
}
func (f *fakeDispatchChannel) ExchangeBind(destination, key, source string, noWait bool, args amqp.Table) error {
	return nil
}
func (f *fakeDispatchChannel) ExchangeUnbind(destination, key, source string, noWait bool, args amqp.Table) error {
	return nil
}
func (f *fakeDispatchChannel) ExchangeDelete(name string, ifUnused, noWait bool) error { return nil }
func (f *fakeDispatchChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	return amqp.Queue{Name: name}, nil
}
func (f *fakeDispatchChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return nil
}
func (f *fakeDispatchChannel) QueueUnbind(name, key, exchange string, args amqp.Table) error {
	return nil
}
func (f *fakeDispatchChannel) Qos(prefetchCount, prefetchSize int, global bool) error { return nil }
func (f *fakeDispatchChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}
func (f *fakeDispatchChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, msg)
	return nil
}
func (f *fakeDispatchChannel) Ack(tag uint64, multiple bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, tag)
	return nil
}
func (f *fakeDispatchChannel) Nack(tag uint64, multiple, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacked = append(f.nacked, tag)
	return nil
}
func (f *fakeDispatchChannel) Reject(tag uint64, requeue bool) error { return nil }
func (f *fakeDispatchChannel) IsClosed() bool                       { return false }
func (f *fakeDispatchChannel) Close() error                         { return nil }

var _ brokerconn.Channel = (*fakeDispatchChannel)(nil)

func TestExtractTag_SingleMatch(t *testing.T) {
	headers := amqp.Table{"AUTH.DELETED_USER": string(AuthDeletedUser), "all-micro": "yes"}
	tag, ok := extractTag(headers, nil)
	if !ok || tag != AuthDeletedUser {
		t.Fatalf("expected match %s, got %s (ok=%v)", AuthDeletedUser, tag, ok)
	}
}

func TestExtractTag_NoMatch(t *testing.T) {
	headers := amqp.Table{"all-micro": "yes"}
	if _, ok := extractTag(headers, nil); ok {
		t.Fatalf("expected no match")
	}
}

func TestDispatcher_DispatchesToRegisteredHandler(t *testing.T) {
	ch := newFakeDispatchChannel()
	auditEmitter := audit.New(func() (brokerconn.Channel, error) { return ch, nil }, nil, nil)
	d := NewDispatcher("orders", auditEmitter, nil, nil)

	received := make(chan *Context, 1)
	d.On(AuthDeletedUser, func(ctx context.Context, c *Context) {
		received <- c
	})

	body, _ := json.Marshal(map[string]string{"userId": "user1233"})
	ch.deliveries <- amqp.Delivery{
		DeliveryTag: 1,
		Headers:     amqp.Table{"AUTH.DELETED_USER": string(AuthDeletedUser), "all-micro": "yes"},
		AppId:       "auth",
		MessageId:   "01234567-89ab-cdef-0123-456789abcdef",
		Body:        body,
	}
	close(ch.deliveries)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background(), ch) }()

	select {
	case c := <-received:
		if c.PublisherMicroservice() != "auth" {
			t.Errorf("expected publisher auth, got %s", c.PublisherMicroservice())
		}
		if c.EventID() != "01234567-89ab-cdef-0123-456789abcdef" {
			t.Errorf("unexpected event id %s", c.EventID())
		}
		payload, err := ParsePayload[map[string]string](c)
		if err != nil {
			t.Fatalf("ParsePayload: %v", err)
		}
		if payload["userId"] != "user1233" {
			t.Errorf("unexpected payload %v", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handler invocation")
	}

	<-done

	// audit.received is emitted fire-and-forget on its own goroutine, so
	// wait for it rather than asserting immediately.
	deadline := time.After(2 * time.Second)
	for {
		if ch.publishedCount() > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for audit.received to be published")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestDispatcher_UnrecognizedHeaderIsNacked(t *testing.T) {
	ch := newFakeDispatchChannel()
	auditEmitter := audit.New(func() (brokerconn.Channel, error) { return ch, nil }, nil, nil)
	d := NewDispatcher("orders", auditEmitter, nil, nil)

	ch.deliveries <- amqp.Delivery{DeliveryTag: 7, Headers: amqp.Table{}, Body: []byte(`{}`)}
	close(ch.deliveries)

	if err := d.Run(context.Background(), ch); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(ch.nacked) != 1 || ch.nacked[0] != 7 {
		t.Errorf("expected delivery 7 nacked, got %v", ch.nacked)
	}
}
