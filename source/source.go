// Package source defines the capability interface for upstream push streams.
// Each concrete source (sse, websocket, kafka, nats, rabbitmq, channel) lives
// in its own sub-package and registers itself with the source registry.
package source

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
)

// DefaultTopicPrefix is prepended to subscription keys when Config does not
// set one, producing the upstream topic/subject/path carrying a key's events.
const DefaultTopicPrefix = "brainstorm.events"

// MetadataEventKey is the message metadata key carrying the event name on
// broker-backed sources.
const MetadataEventKey = "event"

// Frame is one named, payload-bearing unit pushed by an upstream source.
// A frame with an empty Name and no semantic payload is a heartbeat and is
// used only to detect liveness.
type Frame struct {
	Name string
	Data []byte
}

// Callbacks observes the lifecycle of one upstream connection. All callbacks
// are optional; nil fields are skipped. Dial failures are reported through
// OnError rather than a synchronous error, so callers handle success and
// failure through the same path.
type Callbacks struct {
	OnOpen  func()
	OnFrame func(Frame)
	OnError func(error)
	OnClose func()
}

// Conn is a handle to one live (or in-flight) upstream connection.
type Conn interface {
	// Close terminates the connection. No callback fires after Close returns.
	Close() error
}

// Source opens push connections for subscription keys. Implementations must
// return immediately from Open and connect asynchronously.
type Source interface {
	Open(ctx context.Context, key string, cb Callbacks) Conn
}

// Builder is the function signature for creating a source from config.
// Each source package provides a Builder that can be registered.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Source, error)

// Config provides the configuration values needed by sources. The interface
// lets each source access only the keys it needs without depending on the
// full config package.
type Config interface {
	// GetSourceSystem returns the source type name.
	GetSourceSystem() string

	// GetTopicPrefix returns the upstream topic/subject prefix.
	GetTopicPrefix() string

	// SSE
	GetSSEBaseURL() string

	// WebSocket
	GetWebSocketURL() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	// NATS
	GetNATSURL() string

	// RabbitMQ
	GetRabbitMQURL() string
}

// Topic returns the upstream topic/subject carrying events for key.
func Topic(prefix, key string) string {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return prefix + "." + key
}
