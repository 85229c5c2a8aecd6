// Package bus owns the AMQP connection for one stage process: topology
// declaration, publisher/subscriber construction, reconnection and health.
//
// The raw connection never leaves this package. Stages see a Watermill
// publisher/subscriber pair and a boolean health signal, nothing else.
package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
)

// ReconnectDelay is the fixed interval between reconnection attempts. Broker
// outages are assumed transient: no backoff growth, no attempt limit.
const ReconnectDelay = 5 * time.Second

// Factories allow tests to substitute the AMQP constructors.
var (
	connectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
		return amqp.NewConnection(cfg, logger)
	}
	publisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
		return amqp.NewPublisherWithConnection(cfg, logger, conn)
	}
	subscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
		return amqp.NewSubscriberWithConnection(cfg, logger, conn)
	}
)

// Bus is the single owned broker connection of a stage process, with the
// publisher and subscriber built on top of it.
type Bus struct {
	conn       *amqp.ConnectionWrapper
	publisher  message.Publisher
	subscriber message.Subscriber
}

// NewConfig returns the shared AMQP configuration: durable topic exchange,
// durable queues from the fixed routing table, persistent deliveries, explicit
// acks and prefetch 1 so each stage processes strictly one message at a time.
func NewConfig(url string) amqp.Config {
	return amqp.Config{
		Connection: connectionConfig(url),
		Marshaler:  amqp.DefaultMarshaler{},
		Exchange: amqp.ExchangeConfig{
			GenerateName: func(string) string { return ExchangeName },
			Type:         "topic",
			Durable:      true,
		},
		Queue: amqp.QueueConfig{
			GenerateName: QueueFor,
			Durable:      true,
		},
		QueueBind: amqp.QueueBindConfig{
			GenerateRoutingKey: bindingKeyFor,
		},
		Publish: amqp.PublishConfig{
			GenerateRoutingKey: func(topic string) string { return topic },
		},
		Consume: amqp.ConsumeConfig{
			Qos: amqp.QosConfig{PrefetchCount: 1},
		},
		TopologyBuilder: TopologyBuilder{},
	}
}

func connectionConfig(url string) amqp.ConnectionConfig {
	return amqp.ConnectionConfig{
		AmqpURI:   url,
		Reconnect: reconnectPolicy(),
	}
}

// reconnectPolicy pins the reconnect loop to a fixed delay: multiplier 1 and
// a max interval equal to the initial one leave no room for growth.
func reconnectPolicy() *amqp.ReconnectConfig {
	return &amqp.ReconnectConfig{
		BackoffInitialInterval: ReconnectDelay,
		BackoffRandomizationFactor: 0,
		BackoffMultiplier:          1,
		BackoffMaxInterval:         ReconnectDelay,
	}
}

// Connect dials the broker and builds the stage's publisher and subscriber on
// one shared connection. The connection keeps redialing with the fixed delay
// for as long as the process lives; a broker outage is observable only through
// Connected.
func Connect(url string, logger watermill.LoggerAdapter) (*Bus, error) {
	cfg := NewConfig(url)

	conn, err := connectionFactory(cfg.Connection, logger)
	if err != nil {
		return nil, fmt.Errorf("bus: connect to broker: %w", err)
	}

	publisher, err := publisherFactory(cfg, logger, conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("bus: create publisher: %w", err)
	}

	subscriber, err := subscriberFactory(cfg, logger, conn)
	if err != nil {
		_ = publisher.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("bus: create subscriber: %w", err)
	}

	return &Bus{conn: conn, publisher: publisher, subscriber: subscriber}, nil
}

// ConnectLoop dials until it succeeds or ctx is cancelled, waiting
// ReconnectDelay between attempts. Once connected, later outages are handled
// inside the connection itself with the same fixed delay, so a stage process
// never exits because of the broker.
func ConnectLoop(ctx context.Context, url string, logger watermill.LoggerAdapter) (*Bus, error) {
	for {
		b, err := Connect(url, logger)
		if err == nil {
			return b, nil
		}
		logger.Error("broker connect failed, retrying", err, watermill.LogFields{
			"retry_in": ReconnectDelay.String(),
		})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(ReconnectDelay):
		}
	}
}

// Publisher returns the publisher bound to this connection.
func (b *Bus) Publisher() message.Publisher { return b.publisher }

// Subscriber returns the subscriber bound to this connection.
func (b *Bus) Subscriber() message.Subscriber { return b.subscriber }

// Connected reports whether the underlying connection is currently live. This
// is the only externally observable connection state.
func (b *Bus) Connected() bool { return b.conn.IsConnected() }

// Close releases channels before the connection so in-flight unacked messages
// return to the broker for redelivery.
func (b *Bus) Close() error {
	var firstErr error
	if err := b.subscriber.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := b.publisher.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := b.conn.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
