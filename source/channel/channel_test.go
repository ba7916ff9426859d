package channel

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ideastorm/relay/source"
)

func TestRegister(t *testing.T) {
	source.DefaultRegistry = source.NewRegistry()
	Register()

	caps := source.GetCapabilities(SourceName)
	assert.Equal(t, "channel", caps.Name)
	assert.True(t, caps.Ordered)
	assert.False(t, caps.Durable)
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, source.ChannelCapabilities, Capabilities())
}

func TestPublishReachesOpenConnection(t *testing.T) {
	s := New("", watermill.NopLogger{})

	opened := make(chan struct{})
	frames := make(chan source.Frame, 1)
	conn := s.Open(context.Background(), "board-1", source.Callbacks{
		OnOpen:  func() { close(opened) },
		OnFrame: func(f source.Frame) { frames <- f },
	})
	defer conn.Close()

	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("OnOpen not delivered")
	}

	require.NoError(t, s.Publish("board-1", "item_added", []byte(`{"items":[]}`)))

	select {
	case f := <-frames:
		assert.Equal(t, "item_added", f.Name)
		assert.Equal(t, `{"items":[]}`, string(f.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("frame not delivered")
	}
}

func TestKeysGetSeparateTopics(t *testing.T) {
	s := New("test.prefix", watermill.NopLogger{})

	opened := make(chan struct{})
	frames := make(chan source.Frame, 1)
	conn := s.Open(context.Background(), "board-1", source.Callbacks{
		OnOpen:  func() { close(opened) },
		OnFrame: func(f source.Frame) { frames <- f },
	})
	defer conn.Close()
	<-opened

	// An event for another key must not cross over.
	require.NoError(t, s.Publish("board-2", "item_added", []byte(`{}`)))

	select {
	case f := <-frames:
		t.Fatalf("received frame for foreign key: %+v", f)
	case <-time.After(100 * time.Millisecond):
	}
}
