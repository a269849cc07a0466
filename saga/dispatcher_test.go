package saga

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/legendaryum-metaverse/legend-saga-go/brokerconn"
	"github.com/legendaryum-metaverse/legend-saga-go/topology"
)

type fakeChannel struct {
	deliveries chan amqp.Delivery
	published  []amqp.Publishing
	publishKey []string
	acked      []uint64
	nacked     []uint64
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{deliveries: make(chan amqp.Delivery, 8)}
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return nil
}
func (f *fakeChannel) ExchangeBind(destination, key, source string, noWait bool, args amqp.Table) error {
	return nil
}
func (f *fakeChannel) ExchangeUnbind(destination, key, source string, noWait bool, args amqp.Table) error {
	return nil
}
func (f *fakeChannel) ExchangeDelete(name string, ifUnused, noWait bool) error { return nil }
func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	return amqp.Queue{Name: name}, nil
}
func (f *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return nil
}
func (f *fakeChannel) QueueUnbind(name, key, exchange string, args amqp.Table) error { return nil }
func (f *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error        { return nil }
func (f *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}
func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.published = append(f.published, msg)
	f.publishKey = append(f.publishKey, key)
	return nil
}
func (f *fakeChannel) Ack(tag uint64, multiple bool) error {
	f.acked = append(f.acked, tag)
	return nil
}
func (f *fakeChannel) Nack(tag uint64, multiple, requeue bool) error {
	f.nacked = append(f.nacked, tag)
	return nil
}
func (f *fakeChannel) Reject(tag uint64, requeue bool) error { return nil }
func (f *fakeChannel) IsClosed() bool                        { return false }
func (f *fakeChannel) Close() error                          { return nil }

var _ brokerconn.Channel = (*fakeChannel)(nil)

func TestDispatcher_AckPublishesMergedMetadataReply(t *testing.T) {
	ch := newFakeChannel()
	d := NewDispatcher("orders", func() (brokerconn.Channel, error) { return ch, nil }, nil, nil)

	received := make(chan *CommandContext, 1)
	d.On(ResourcePurchasedDeductCoins, func(ctx context.Context, c *CommandContext) {
		received <- c
	})

	step := Step{
		Microservice:    "orders",
		Command:         ResourcePurchasedDeductCoins,
		Status:          StatusPending,
		SagaID:          42,
		PreviousPayload: map[string]any{"__sagaCtx": "abc", "other": float64(1)},
		IsCurrentStep:   true,
	}
	body, _ := json.Marshal(step)
	ch.deliveries <- amqp.Delivery{DeliveryTag: 9, Body: body}
	close(ch.deliveries)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background(), ch) }()

	var ctx *CommandContext
	select {
	case ctx = <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
	}
	<-done

	if ctx.SagaID() != 42 {
		t.Errorf("expected sagaId 42, got %d", ctx.SagaID())
	}

	if err := ctx.Ack(context.Background(), map[string]any{"tokenId": "t", "imageId": "i"}); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	if len(ch.acked) != 1 || ch.acked[0] != 9 {
		t.Fatalf("expected delivery 9 acked, got %v", ch.acked)
	}
	if len(ch.published) != 1 {
		t.Fatalf("expected one reply published, got %d", len(ch.published))
	}
	if ch.publishKey[0] != topology.ReplyToSagaQueue {
		t.Errorf("expected publish routed to %s, got %s", topology.ReplyToSagaQueue, ch.publishKey[0])
	}

	var reply Step
	if err := json.Unmarshal(ch.published[0].Body, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Status != StatusSuccess {
		t.Errorf("expected status success, got %s", reply.Status)
	}
	if reply.Payload["__sagaCtx"] != "abc" {
		t.Errorf("expected __sagaCtx metadata preserved, got %v", reply.Payload["__sagaCtx"])
	}
	if reply.Payload["tokenId"] != "t" || reply.Payload["imageId"] != "i" {
		t.Errorf("expected next-step payload merged in, got %v", reply.Payload)
	}
	if _, ok := reply.Payload["other"]; ok {
		t.Errorf("non-metadata previousPayload keys must not survive, got %v", reply.Payload)
	}
}

func TestDispatcher_AckRejectsNonObjectNextPayload(t *testing.T) {
	ch := newFakeChannel()
	d := NewDispatcher("orders", func() (brokerconn.Channel, error) { return ch, nil }, nil, nil)

	received := make(chan *CommandContext, 1)
	d.On(CreateImage, func(ctx context.Context, c *CommandContext) {
		received <- c
	})

	step := Step{Command: CreateImage, SagaID: 1, PreviousPayload: map[string]any{}}
	body, _ := json.Marshal(step)
	ch.deliveries <- amqp.Delivery{DeliveryTag: 1, Body: body}
	close(ch.deliveries)

	go d.Run(context.Background(), ch)

	var ctx *CommandContext
	select {
	case ctx = <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
	}

	if err := ctx.Ack(context.Background(), []string{"not", "an", "object"}); err == nil {
		t.Fatal("expected InvalidPayload error for non-object next payload")
	}
	if len(ch.acked) != 0 {
		t.Errorf("delivery must not be acked when next payload is invalid")
	}
}
