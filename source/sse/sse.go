// Package sse provides a Server-Sent Events client source. It dials
// <base-url>/<key> with Accept: text/event-stream and pushes each event as a
// frame; comment lines (the usual keep-alive) become heartbeat frames.
package sse

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/ideastorm/relay/source"
)

// SourceName is the name used to register this source.
const SourceName = "sse"

// ClientFactory allows overriding the HTTP client creation for testing.
// The returned client must not set a timeout; the stream is long-lived.
var ClientFactory = func() *http.Client {
	return &http.Client{}
}

func init() {
	Register()
}

// Register registers the source with the default registry. It runs from
// init on import; call it directly only when re-registering after a test
// swapped the default registry.
func Register() {
	source.RegisterWithCapabilities(SourceName, Build, source.SSECapabilities)
}

// Build creates a new SSE source.
func Build(ctx context.Context, cfg source.Config, logger watermill.LoggerAdapter) (source.Source, error) {
	base := cfg.GetSSEBaseURL()
	if base == "" {
		return nil, fmt.Errorf("sse: base URL is required")
	}
	return &SSESource{base: strings.TrimSuffix(base, "/"), client: ClientFactory()}, nil
}

// SSESource dials one event-stream per subscription key.
type SSESource struct {
	base   string
	client *http.Client
}

// Open starts the stream request for key and returns immediately. Dial and
// protocol failures arrive through cb.OnError.
func (s *SSESource) Open(ctx context.Context, key string, cb source.Callbacks) source.Conn {
	ctx, cancel := context.WithCancel(ctx)
	c := &conn{gate: source.NewGate(cb), cancel: cancel}
	go c.run(ctx, s.client, s.base+"/"+url.PathEscape(key))
	return c
}

type conn struct {
	gate   *source.Gate
	cancel context.CancelFunc
}

func (c *conn) Close() error {
	c.gate.Shut()
	c.cancel()
	return nil
}

func (c *conn) run(ctx context.Context, client *http.Client, streamURL string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		c.gate.EmitError(err)
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := client.Do(req)
	if err != nil {
		c.gate.EmitError(err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.gate.EmitError(fmt.Errorf("sse: unexpected status %d from %s", resp.StatusCode, streamURL))
		return
	}

	c.gate.EmitOpen()

	var (
		name string
		data []string
	)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		switch {
		case line == "":
			if name != "" || len(data) > 0 {
				c.gate.EmitFrame(source.Frame{Name: name, Data: []byte(strings.Join(data, "\n"))})
			}
			name, data = "", nil
		case strings.HasPrefix(line, ":"):
			c.gate.EmitFrame(source.Frame{})
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
		// Other fields (id, retry) are not used; delivery order is the only
		// ordering the relay works with.
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		c.gate.EmitError(err)
		return
	}
	c.gate.EmitClose()
}

// Capabilities returns the capabilities of this source.
func Capabilities() source.Capabilities {
	return source.SSECapabilities
}
