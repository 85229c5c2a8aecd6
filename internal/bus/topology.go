package bus

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/orderflow/internal/event"
)

// ExchangeName is the single durable topic exchange every stage publishes to
// and consumes from.
const ExchangeName = "food_events"

// Durable input queues, one per consuming stage.
const (
	QueueRestaurant    = "restaurant.q"
	QueueDelivery      = "delivery.q"
	QueueNotifications = "notifications.q"
)

// MatchAll is the topic pattern the notification stage binds with so it
// receives every event on the exchange.
const MatchAll = "#"

// The fixed routing table. delivery.assigned is terminal: only the wildcard
// binding picks it up.
var queueBindings = []struct {
	queue      string
	routingKey string
}{
	{QueueRestaurant, event.TypeOrderCreated},
	{QueueDelivery, event.TypeRestaurantAccepted},
	{QueueNotifications, MatchAll},
}

// QueueFor maps a consume topic to the stage queue bound with it. Used as the
// subscriber's queue-name generator, so Subscribe("order.created") consumes
// restaurant.q.
func QueueFor(topic string) string {
	for _, b := range queueBindings {
		if b.routingKey == topic {
			return b.queue
		}
	}
	return ""
}

// bindingKeyFor is the inverse lookup: the routing pattern a queue is bound
// with. Unknown names pass through unchanged so topics already in routing-key
// form keep working.
func bindingKeyFor(name string) string {
	for _, b := range queueBindings {
		if b.queue == name {
			return b.routingKey
		}
	}
	return name
}

// TopologyBuilder declares the pipeline's broker topology. All declarations
// are idempotent: repeated calls against an existing topology are no-ops.
//
// ExchangeDeclare ensures the whole routing table, not just the exchange, so
// whichever stage (or the intake publisher) touches the broker first creates
// every downstream queue. Messages published before a downstream stage starts
// then wait in its queue instead of being dropped.
type TopologyBuilder struct{}

// ExchangeDeclare ensures the topic exchange and every known queue/binding.
// The publisher path calls this once per exchange before the first publish.
func (TopologyBuilder) ExchangeDeclare(channel *amqp091.Channel, exchangeName string, config amqp.Config) error {
	if err := channel.ExchangeDeclare(
		exchangeName,
		config.Exchange.Type,
		config.Exchange.Durable,
		config.Exchange.AutoDeleted,
		config.Exchange.Internal,
		config.Exchange.NoWait,
		config.Exchange.Arguments,
	); err != nil {
		return fmt.Errorf("bus: declare exchange %s: %w", exchangeName, err)
	}

	for _, b := range queueBindings {
		if _, err := channel.QueueDeclare(b.queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("bus: declare queue %s: %w", b.queue, err)
		}
		if err := channel.QueueBind(b.queue, b.routingKey, exchangeName, false, nil); err != nil {
			return fmt.Errorf("bus: bind queue %s to %s: %w", b.queue, b.routingKey, err)
		}
	}
	return nil
}

// BuildTopology prepares the topology for a subscriber consuming queueName.
// The queue itself is part of the fixed table, so this reduces to ensuring
// the table and checking the queue is known.
func (t TopologyBuilder) BuildTopology(channel *amqp091.Channel, params amqp.BuildTopologyParams, config amqp.Config, logger watermill.LoggerAdapter) error {
	queueName := params.QueueName
	if bindingKeyFor(queueName) == queueName && QueueFor(queueName) == "" {
		return fmt.Errorf("bus: queue %s is not part of the pipeline topology", queueName)
	}
	if err := t.ExchangeDeclare(channel, params.ExchangeName, config); err != nil {
		return err
	}
	logger.Debug("Pipeline topology ensured", watermill.LogFields{"queue": queueName})
	return nil
}
