// Package websocket provides a WebSocket client source. The upstream sends
// JSON envelopes of the form {"event": "...", "data": ...}; envelopes without
// an event name (and protocol pings) are treated as heartbeats.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"github.com/ideastorm/relay/source"
)

// SourceName is the name used to register this source.
const SourceName = "websocket"

// Dialer allows overriding the WebSocket dialer for testing.
var Dialer = websocket.DefaultDialer

func init() {
	Register()
}

// Register registers the source with the default registry. It runs from
// init on import; call it directly only when re-registering after a test
// swapped the default registry.
func Register() {
	source.RegisterWithCapabilities(SourceName, Build, source.WebSocketCapabilities)
}

// Build creates a new WebSocket source.
func Build(ctx context.Context, cfg source.Config, logger watermill.LoggerAdapter) (source.Source, error) {
	base := cfg.GetWebSocketURL()
	if base == "" {
		return nil, fmt.Errorf("websocket: URL is required")
	}
	return &WebSocketSource{base: strings.TrimSuffix(base, "/")}, nil
}

// WebSocketSource dials one socket per subscription key.
type WebSocketSource struct {
	base string
}

// Open dials <url>/<key> and returns immediately. Dial failures arrive
// through cb.OnError.
func (s *WebSocketSource) Open(ctx context.Context, key string, cb source.Callbacks) source.Conn {
	ctx, cancel := context.WithCancel(ctx)
	c := &conn{gate: source.NewGate(cb), cancel: cancel}
	go c.run(ctx, s.base+"/"+url.PathEscape(key))
	return c
}

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type conn struct {
	gate   *source.Gate
	cancel context.CancelFunc

	mu     sync.Mutex
	ws     *websocket.Conn
	closed bool
}

func (c *conn) Close() error {
	c.gate.Shut()
	c.cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.ws != nil {
		return c.ws.Close()
	}
	return nil
}

func (c *conn) run(ctx context.Context, wsURL string) {
	ws, _, err := Dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		c.gate.EmitError(err)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ws.Close()
		return
	}
	c.ws = ws
	c.mu.Unlock()

	c.gate.EmitOpen()

	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.gate.EmitClose()
			} else {
				c.gate.EmitError(err)
			}
			return
		}

		var env envelope
		if err := sonic.ConfigStd.Unmarshal(payload, &env); err != nil {
			// Not event-shaped: a liveness ping.
			c.gate.EmitFrame(source.Frame{})
			continue
		}
		c.gate.EmitFrame(source.Frame{Name: env.Event, Data: env.Data})
	}
}

// Capabilities returns the capabilities of this source.
func Capabilities() source.Capabilities {
	return source.WebSocketCapabilities
}
