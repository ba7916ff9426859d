// Package kafka provides a Kafka-backed source for the relay. Each
// subscription key maps to one topic; the consumer group makes a relay
// instance resume where it left off after a restart.
package kafka

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/ideastorm/relay/source"
)

// SourceName is the name used to register this source.
const SourceName = "kafka"

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the source with the default registry. It runs from
// init on import; call it directly only when re-registering after a test
// swapped the default registry.
func Register() {
	source.RegisterWithCapabilities(SourceName, Build, source.KafkaCapabilities)
}

// Build creates a new Kafka source.
func Build(ctx context.Context, cfg source.Config, logger watermill.LoggerAdapter) (source.Source, error) {
	subscriber, err := SubscriberFactory(
		kafka.SubscriberConfig{
			Brokers:       cfg.GetKafkaBrokers(),
			Unmarshaler:   kafka.DefaultMarshaler{},
			ConsumerGroup: cfg.GetKafkaConsumerGroup(),
		},
		logger,
	)
	if err != nil {
		return nil, err
	}

	return &KafkaSource{prefix: cfg.GetTopicPrefix(), subscriber: subscriber}, nil
}

// KafkaSource opens one topic subscription per key on a shared subscriber.
type KafkaSource struct {
	prefix     string
	subscriber message.Subscriber
}

// Open subscribes to the key's topic and pushes consumed messages as frames.
func (s *KafkaSource) Open(ctx context.Context, key string, cb source.Callbacks) source.Conn {
	return source.OpenSubscriber(ctx, s.subscriber, source.Topic(s.prefix, key), cb)
}

// Capabilities returns the capabilities of this source.
func Capabilities() source.Capabilities {
	return source.KafkaCapabilities
}
