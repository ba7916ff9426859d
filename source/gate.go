package source

import "sync"

// Gate serialises callback delivery for one connection and enforces the
// contract that no callback fires after Conn.Close returns. Every built-in
// source funnels its callbacks through a Gate.
type Gate struct {
	mu     sync.Mutex
	closed bool
	cb     Callbacks
}

// NewGate wraps cb so its invocations can be shut off atomically.
func NewGate(cb Callbacks) *Gate {
	return &Gate{cb: cb}
}

// Shut stops all future callback delivery. Any callback already in flight
// completes before Shut returns.
func (g *Gate) Shut() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}

// EmitOpen delivers OnOpen unless the gate is shut.
func (g *Gate) EmitOpen() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || g.cb.OnOpen == nil {
		return
	}
	g.cb.OnOpen()
}

// EmitFrame delivers OnFrame unless the gate is shut.
func (g *Gate) EmitFrame(f Frame) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || g.cb.OnFrame == nil {
		return
	}
	g.cb.OnFrame(f)
}

// EmitError delivers OnError unless the gate is shut.
func (g *Gate) EmitError(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || g.cb.OnError == nil {
		return
	}
	g.cb.OnError(err)
}

// EmitClose delivers OnClose unless the gate is shut.
func (g *Gate) EmitClose() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || g.cb.OnClose == nil {
		return
	}
	g.cb.OnClose()
}
