// Package channel provides an in-memory source backed by Watermill's
// gochannel pub/sub. It is useful for testing and local development: the
// test plays the upstream producer by calling Publish.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/ideastorm/relay/source"
)

// SourceName is the name used to register this source.
const SourceName = "channel"

// Factory allows overriding the pub/sub creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) *gochannel.GoChannel {
	return gochannel.NewGoChannel(cfg, logger)
}

func init() {
	Register()
}

// Register registers the source with the default registry. It runs from
// init on import; call it directly only when re-registering after a test
// swapped the default registry.
func Register() {
	source.RegisterWithCapabilities(SourceName, Build, source.ChannelCapabilities)
}

// Build creates a new in-memory channel source.
func Build(ctx context.Context, cfg source.Config, logger watermill.LoggerAdapter) (source.Source, error) {
	return New(cfg.GetTopicPrefix(), logger), nil
}

// ChannelSource is an in-memory push source. One instance carries any number
// of subscription keys, each on its own topic.
type ChannelSource struct {
	prefix string
	pubsub *gochannel.GoChannel
}

// New creates a ChannelSource with the given topic prefix.
func New(prefix string, logger watermill.LoggerAdapter) *ChannelSource {
	return &ChannelSource{
		prefix: prefix,
		pubsub: Factory(gochannel.Config{}, logger),
	}
}

// Open subscribes to the key's topic and pushes published frames.
func (s *ChannelSource) Open(ctx context.Context, key string, cb source.Callbacks) source.Conn {
	return source.OpenSubscriber(ctx, s.pubsub, source.Topic(s.prefix, key), cb)
}

// Publish injects a named frame for key, playing the upstream producer.
// Frames published before any connection is open for the key are dropped.
func (s *ChannelSource) Publish(key, event string, payload []byte) error {
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(source.MetadataEventKey, event)
	return s.pubsub.Publish(source.Topic(s.prefix, key), msg)
}

// Capabilities returns the capabilities of this source.
func Capabilities() source.Capabilities {
	return source.ChannelCapabilities
}
