// Package nats provides a NATS Core source for the relay. Each subscription
// key maps to one subject.
package nats

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/ideastorm/relay/source"
)

// SourceName is the name used to register this source.
const SourceName = "nats"

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the source with the default registry. It runs from
// init on import; call it directly only when re-registering after a test
// swapped the default registry.
func Register() {
	source.RegisterWithCapabilities(SourceName, Build, source.NATSCapabilities)
}

// Build creates a new NATS source.
func Build(ctx context.Context, cfg source.Config, logger watermill.LoggerAdapter) (source.Source, error) {
	subscriber, err := SubscriberFactory(
		nats.SubscriberConfig{
			URL:         cfg.GetNATSURL(),
			Unmarshaler: &nats.NATSMarshaler{},
		},
		logger,
	)
	if err != nil {
		return nil, err
	}

	return &NATSSource{prefix: cfg.GetTopicPrefix(), subscriber: subscriber}, nil
}

// NATSSource opens one subject subscription per key on a shared connection.
type NATSSource struct {
	prefix     string
	subscriber message.Subscriber
}

// Open subscribes to the key's subject and pushes received messages as frames.
func (s *NATSSource) Open(ctx context.Context, key string, cb source.Callbacks) source.Conn {
	return source.OpenSubscriber(ctx, s.subscriber, source.Topic(s.prefix, key), cb)
}

// Capabilities returns the capabilities of this source.
func Capabilities() source.Capabilities {
	return source.NATSCapabilities
}
