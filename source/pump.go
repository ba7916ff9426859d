package source

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
)

// subscriberConn adapts a Watermill subscriber stream to push callbacks.
// The channel, kafka, nats and rabbitmq sources are all built on it.
type subscriberConn struct {
	gate   *Gate
	cancel context.CancelFunc
}

// OpenSubscriber subscribes to topic on sub and pumps incoming messages into
// cb as frames. The event name is read from the MetadataEventKey metadata
// entry; messages without one become heartbeat frames. Subscribe errors are
// reported through cb.OnError.
func OpenSubscriber(ctx context.Context, sub message.Subscriber, topic string, cb Callbacks) Conn {
	ctx, cancel := context.WithCancel(ctx)
	c := &subscriberConn{gate: NewGate(cb), cancel: cancel}
	go c.run(ctx, sub, topic)
	return c
}

func (c *subscriberConn) run(ctx context.Context, sub message.Subscriber, topic string) {
	msgs, err := sub.Subscribe(ctx, topic)
	if err != nil {
		c.gate.EmitError(err)
		return
	}

	c.gate.EmitOpen()
	for msg := range msgs {
		c.gate.EmitFrame(Frame{
			Name: msg.Metadata.Get(MetadataEventKey),
			Data: msg.Payload,
		})
		msg.Ack()
	}
	// Subscriber channel closed: either our context was cancelled by Close
	// (gate already shut) or the backend dropped the subscription.
	c.gate.EmitClose()
}

func (c *subscriberConn) Close() error {
	c.gate.Shut()
	c.cancel()
	return nil
}
