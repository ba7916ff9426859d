package source

// Capabilities describes the delivery characteristics of a source backend.
// Use this to introspect what guarantees the upstream stream provides at
// runtime.
type Capabilities struct {
	// Name is the human-readable name of the source.
	Name string

	// Heartbeats indicates the source emits liveness frames on its own,
	// without the relay having to probe.
	Heartbeats bool

	// Ordered indicates frames for one key arrive in publish order.
	Ordered bool

	// Durable indicates the backend retains frames published while no
	// connection is open, so a reconnect can pick up missed events. When
	// false, events emitted during a reconnect window are lost.
	Durable bool
}

// Predefined capability sets for the built-in sources.
var (
	// ChannelCapabilities for the in-memory Go channel source.
	ChannelCapabilities = Capabilities{
		Name:       "channel",
		Heartbeats: false,
		Ordered:    true,
		Durable:    false,
	}

	// SSECapabilities for the Server-Sent Events client source.
	SSECapabilities = Capabilities{
		Name:       "sse",
		Heartbeats: true,
		Ordered:    true,
		Durable:    false,
	}

	// WebSocketCapabilities for the WebSocket client source.
	WebSocketCapabilities = Capabilities{
		Name:       "websocket",
		Heartbeats: true,
		Ordered:    true,
		Durable:    false,
	}

	// KafkaCapabilities for the Apache Kafka source.
	KafkaCapabilities = Capabilities{
		Name:       "kafka",
		Heartbeats: false,
		Ordered:    true,
		Durable:    true,
	}

	// NATSCapabilities for the NATS Core source.
	NATSCapabilities = Capabilities{
		Name:       "nats",
		Heartbeats: false,
		Ordered:    false,
		Durable:    false,
	}

	// RabbitMQCapabilities for the RabbitMQ/AMQP source.
	RabbitMQCapabilities = Capabilities{
		Name:       "rabbitmq",
		Heartbeats: false,
		Ordered:    true,
		Durable:    true,
	}
)
