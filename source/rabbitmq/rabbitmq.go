// Package rabbitmq provides a RabbitMQ/AMQP source for the relay. Each
// subscription key maps to one pub/sub topic on a shared connection.
package rabbitmq

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/ideastorm/relay/source"
)

// SourceName is the name used to register this source.
const SourceName = "rabbitmq"

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

func init() {
	Register()
}

// Register registers the source with the default registry. It runs from
// init on import; call it directly only when re-registering after a test
// swapped the default registry.
func Register() {
	source.RegisterWithCapabilities(SourceName, Build, source.RabbitMQCapabilities)
}

// Build creates a new RabbitMQ source.
func Build(ctx context.Context, cfg source.Config, logger watermill.LoggerAdapter) (source.Source, error) {
	url := cfg.GetRabbitMQURL()

	amqpConfig := amqp.NewDurablePubSubConfig(
		url,
		amqp.GenerateQueueNameTopicName,
	)

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   url,
		TLSConfig: nil,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return nil, err
	}

	subscriber, err := SubscriberFactory(amqpConfig, logger, conn)
	if err != nil {
		return nil, err
	}

	return &RabbitMQSource{prefix: cfg.GetTopicPrefix(), subscriber: subscriber}, nil
}

// RabbitMQSource opens one topic subscription per key on a shared connection.
type RabbitMQSource struct {
	prefix     string
	subscriber message.Subscriber
}

// Open subscribes to the key's topic and pushes delivered messages as frames.
func (s *RabbitMQSource) Open(ctx context.Context, key string, cb source.Callbacks) source.Conn {
	return source.OpenSubscriber(ctx, s.subscriber, source.Topic(s.prefix, key), cb)
}

// Capabilities returns the capabilities of this source.
func Capabilities() source.Capabilities {
	return source.RabbitMQCapabilities
}
