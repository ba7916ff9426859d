package nats

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ideastorm/relay/source"
)

type mockConfig struct {
	url string
}

func (m *mockConfig) GetSourceSystem() string       { return "nats" }
func (m *mockConfig) GetTopicPrefix() string        { return "" }
func (m *mockConfig) GetSSEBaseURL() string         { return "" }
func (m *mockConfig) GetWebSocketURL() string       { return "" }
func (m *mockConfig) GetKafkaBrokers() []string     { return nil }
func (m *mockConfig) GetKafkaConsumerGroup() string { return "" }
func (m *mockConfig) GetNATSURL() string            { return m.url }
func (m *mockConfig) GetRabbitMQURL() string        { return "" }

type mockSubscriber struct{}

func (m *mockSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return make(chan *message.Message), nil
}
func (m *mockSubscriber) Close() error { return nil }

func TestRegister(t *testing.T) {
	source.DefaultRegistry = source.NewRegistry()
	Register()

	caps := source.GetCapabilities(SourceName)
	assert.Equal(t, "nats", caps.Name)
	assert.False(t, caps.Durable)
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, source.NATSCapabilities, Capabilities())
}

func TestBuild(t *testing.T) {
	t.Run("creates source with mocked factory", func(t *testing.T) {
		origSub := SubscriberFactory
		defer func() { SubscriberFactory = origSub }()

		mockSub := &mockSubscriber{}
		SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			assert.Equal(t, "nats://localhost:4222", cfg.URL)
			return mockSub, nil
		}

		src, err := Build(context.Background(), &mockConfig{url: "nats://localhost:4222"}, watermill.NopLogger{})

		require.NoError(t, err)
		ns, ok := src.(*NATSSource)
		require.True(t, ok)
		assert.Equal(t, message.Subscriber(mockSub), ns.subscriber)
	})

	t.Run("returns error when subscriber factory fails", func(t *testing.T) {
		origSub := SubscriberFactory
		defer func() { SubscriberFactory = origSub }()

		SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			return nil, errors.New("connection refused")
		}

		_, err := Build(context.Background(), &mockConfig{url: "nats://localhost:4222"}, watermill.NopLogger{})

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "connection refused")
	})
}
