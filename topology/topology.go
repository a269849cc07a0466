package topology

import (
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/legendaryum-metaverse/legend-saga-go/brokerconn"
)

// headerMatchKey renders an event tag as the upper-cased header key used in
// x-match=all binding arguments, e.g. "auth.deleted_user" -> "AUTH.DELETED_USER".
func headerMatchKey(eventTag string) string {
	return strings.ToUpper(eventTag)
}

func declareHeadersExchange(ch brokerconn.Channel, name string) error {
	return ch.ExchangeDeclare(name, "headers", true, false, false, false, nil)
}

func declareDirectExchange(ch brokerconn.Channel, name string) error {
	return ch.ExchangeDeclare(name, "direct", true, false, false, false, nil)
}

// BuildEventTopology declares the fixed event-bus entities, then the
// per-event exchanges for every tag in allEventTags, then binds identity's
// intake and requeue queues to exactly the tags in subscriptions — unbinding
// and deleting the per-service exchange for every tag not subscribed, so a
// reconnect-triggered rebuild converges on the declared subscription set.
func BuildEventTopology(ch brokerconn.Channel, identity string, allEventTags, subscriptions []string) error {
	if err := declareHeadersExchange(ch, MatchingExchange); err != nil {
		return fmt.Errorf("topology: declare %s: %w", MatchingExchange, err)
	}
	if err := declareHeadersExchange(ch, MatchingRequeueExchange); err != nil {
		return fmt.Errorf("topology: declare %s: %w", MatchingRequeueExchange, err)
	}

	intakeQueue := EventQueueName(identity)
	requeueQueue := EventRequeueQueueName(identity)

	if _, err := ch.QueueDeclare(intakeQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("topology: declare %s: %w", intakeQueue, err)
	}
	if _, err := ch.QueueDeclare(requeueQueue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange": MatchingExchange,
	}); err != nil {
		return fmt.Errorf("topology: declare %s: %w", requeueQueue, err)
	}

	subscribed := make(map[string]bool, len(subscriptions))
	for _, tag := range subscriptions {
		subscribed[tag] = true
	}

	for _, tag := range allEventTags {
		key := headerMatchKey(tag)
		requeueExchange := EventRequeueExchangeName(tag)
		perServiceExchange := PerServiceEventExchangeName(tag, identity)

		if err := declareHeadersExchange(ch, tag); err != nil {
			return fmt.Errorf("topology: declare %s: %w", tag, err)
		}
		if err := ch.ExchangeBind(tag, "", MatchingExchange, false, amqp.Table{
			"x-match":   "all",
			"all-micro": "yes",
			key:         tag,
		}); err != nil {
			return fmt.Errorf("topology: bind %s to %s: %w", tag, MatchingExchange, err)
		}

		if err := declareHeadersExchange(ch, requeueExchange); err != nil {
			return fmt.Errorf("topology: declare %s: %w", requeueExchange, err)
		}
		if err := ch.ExchangeBind(requeueExchange, "", MatchingRequeueExchange, false, amqp.Table{
			"x-match": "all",
			key:       tag,
		}); err != nil {
			return fmt.Errorf("topology: bind %s to %s: %w", requeueExchange, MatchingRequeueExchange, err)
		}

		if subscribed[tag] {
			if err := ch.QueueBind(intakeQueue, "", tag, false, amqp.Table{key: tag}); err != nil {
				return fmt.Errorf("topology: bind %s to %s: %w", intakeQueue, tag, err)
			}
			if err := ch.QueueBind(requeueQueue, "", requeueExchange, false, amqp.Table{
				"x-match": "all",
				key:       tag,
				"micro":   identity,
			}); err != nil {
				return fmt.Errorf("topology: bind %s to %s: %w", requeueQueue, requeueExchange, err)
			}

			if err := declareHeadersExchange(ch, perServiceExchange); err != nil {
				return fmt.Errorf("topology: declare %s: %w", perServiceExchange, err)
			}
			if err := ch.ExchangeBind(perServiceExchange, "", MatchingExchange, false, amqp.Table{
				"x-match": "all",
				key:       tag,
				"micro":   identity,
			}); err != nil {
				return fmt.Errorf("topology: bind %s to %s: %w", perServiceExchange, MatchingExchange, err)
			}
			if err := ch.QueueBind(intakeQueue, "", perServiceExchange, false, nil); err != nil {
				return fmt.Errorf("topology: bind %s to %s: %w", intakeQueue, perServiceExchange, err)
			}
			continue
		}

		if err := ch.QueueUnbind(intakeQueue, "", tag, amqp.Table{key: tag}); err != nil {
			return fmt.Errorf("topology: unbind %s from %s: %w", intakeQueue, tag, err)
		}
		if err := ch.QueueUnbind(requeueQueue, "", requeueExchange, amqp.Table{
			"x-match": "all",
			key:       tag,
			"micro":   identity,
		}); err != nil {
			return fmt.Errorf("topology: unbind %s from %s: %w", requeueQueue, requeueExchange, err)
		}
		if err := ch.ExchangeDelete(perServiceExchange, false, false); err != nil {
			return fmt.Errorf("topology: delete %s: %w", perServiceExchange, err)
		}
	}

	return nil
}

// BuildSagaTopology declares the direct saga command/requeue exchanges and
// identity's saga intake and requeue queues.
func BuildSagaTopology(ch brokerconn.Channel, identity string) error {
	if err := declareDirectExchange(ch, CommandsExchange); err != nil {
		return fmt.Errorf("topology: declare %s: %w", CommandsExchange, err)
	}
	if err := declareDirectExchange(ch, RequeueExchange); err != nil {
		return fmt.Errorf("topology: declare %s: %w", RequeueExchange, err)
	}

	queue := SagaQueueName(identity)
	requeueQueue := SagaRequeueQueueName(identity)
	routingKey := SagaRoutingKey(identity)

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("topology: declare %s: %w", queue, err)
	}
	if err := ch.QueueBind(queue, routingKey, CommandsExchange, false, nil); err != nil {
		return fmt.Errorf("topology: bind %s to %s: %w", queue, CommandsExchange, err)
	}

	if _, err := ch.QueueDeclare(requeueQueue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange": CommandsExchange,
	}); err != nil {
		return fmt.Errorf("topology: declare %s: %w", requeueQueue, err)
	}
	if err := ch.QueueBind(requeueQueue, routingKey, RequeueExchange, false, nil); err != nil {
		return fmt.Errorf("topology: bind %s to %s: %w", requeueQueue, RequeueExchange, err)
	}

	return nil
}

// BuildAuditTopology declares the direct audit exchange and its four sink
// queues, each bound with routing key equal to its event tag.
func BuildAuditTopology(ch brokerconn.Channel) error {
	if err := declareDirectExchange(ch, AuditExchange); err != nil {
		return fmt.Errorf("topology: declare %s: %w", AuditExchange, err)
	}

	bindings := []struct {
		queue      string
		routingKey string
	}{
		{AuditReceivedQueue, "audit.received"},
		{AuditProcessedQueue, "audit.processed"},
		{AuditDeadLetterQueue, "audit.dead_letter"},
		{AuditPublishedQueue, "audit.published"},
	}

	for _, b := range bindings {
		if _, err := ch.QueueDeclare(b.queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("topology: declare %s: %w", b.queue, err)
		}
		if err := ch.QueueBind(b.queue, b.routingKey, AuditExchange, false, nil); err != nil {
			return fmt.Errorf("topology: bind %s to %s: %w", b.queue, AuditExchange, err)
		}
	}

	return nil
}
