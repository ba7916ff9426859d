package runtime

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/ideastorm/relay/internal/runtime/errors"
	loggingpkg "github.com/ideastorm/relay/internal/runtime/logging"
	"github.com/ideastorm/relay/source"
)

// session owns everything about one subscription key: the consumer set, the
// connection state, the attempt counter and the reconnect timer. All of it is
// mutated only on the session goroutine; attach/detach calls and connection
// callbacks enqueue closures instead of touching state directly. Keys never
// share a session, so keys run fully in parallel.
type session struct {
	key string
	svc *Service
	log loggingpkg.ServiceLogger

	mu      sync.Mutex
	queue   []func()
	stopped bool
	wake    chan struct{}

	// Mirror of state for the synchronous GetState read.
	stateAtomic atomic.Int32

	// Owned by the run goroutine.
	consumers map[*Consumer]struct{}
	state     ConnectionState
	gen       uint64
	attempt   int
	conn      source.Conn
	retry     *time.Timer
}

func newSession(svc *Service, key string) *session {
	s := &session{
		key:       key,
		svc:       svc,
		log:       svc.Logger.With(loggingpkg.LogFields{"key": key}),
		wake:      make(chan struct{}, 1),
		consumers: make(map[*Consumer]struct{}),
	}
	go s.run()
	return s
}

// post enqueues fn for the session goroutine. Returns false once the session
// has finished; the caller then starts a fresh session for the key.
func (s *session) post(fn func()) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, fn)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *session) postAttach(c *Consumer) bool {
	return s.post(func() { s.addConsumer(c) })
}

func (s *session) postDetach(c *Consumer) bool {
	return s.post(func() { s.removeConsumer(c) })
}

func (s *session) postDetachAll() bool {
	return s.post(func() {
		for _, c := range s.snapshot() {
			s.removeConsumer(c)
		}
	})
}

// postConn is post for connection callbacks: the closure is dropped unless
// gen still identifies the current connection, so a slow-closing old
// connector cannot leak a stray callback into a newer one.
func (s *session) postConn(gen uint64, fn func()) {
	s.post(func() {
		if gen != s.gen {
			return
		}
		fn()
	})
}

func (s *session) run() {
	for {
		fn, ok := s.next()
		if !ok {
			return
		}
		fn()
		s.sweep()
	}
}

// next blocks until a command is available. Once the consumer set is empty,
// the connection is down and no commands remain queued, it finishes the
// session and returns false. Commands are posted only while the session is
// still in the service's map, so the emptiness check cannot race a new
// attach: an attach that lost the race gets post() == false and starts a
// fresh session.
func (s *session) next() (func(), bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			fn := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return fn, true
		}
		if len(s.consumers) == 0 && s.state == StateClosed {
			s.stopped = true
			s.mu.Unlock()
			s.svc.dropSession(s.key, s)
			return nil, false
		}
		s.mu.Unlock()
		<-s.wake
	}
}

// sweep tears the connection down as soon as the last consumer is gone:
// closes the live connection, cancels any in-flight attempt and any pending
// backoff timer. Runs after every command.
func (s *session) sweep() {
	if len(s.consumers) > 0 {
		return
	}
	switch s.state {
	case StateIdle, StateClosed:
		return
	}
	s.shutdownConnection()
	s.setState(StateClosed)
	s.log.Debug("last consumer detached, connection closed", nil)
}

func (s *session) shutdownConnection() {
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	// Anything still queued from the old connector is dropped by the gen guard.
	s.gen++
}

func (s *session) setState(st ConnectionState) {
	if s.state == st {
		return
	}
	prev := s.state
	s.state = st
	s.stateAtomic.Store(int32(st))
	if st == StateOpen {
		s.svc.metrics.connectionUp()
	} else if prev == StateOpen {
		s.svc.metrics.connectionDown()
	}
	s.log.Debug("connection state changed", loggingpkg.LogFields{
		"from": prev.String(),
		"to":   st.String(),
	})
}

// snapshot copies the consumer set so fan-out tolerates a consumer detaching
// itself from within its own callback.
func (s *session) snapshot() []*Consumer {
	out := make([]*Consumer, 0, len(s.consumers))
	for c := range s.consumers {
		out = append(out, c)
	}
	return out
}

func (s *session) addConsumer(c *Consumer) {
	if _, ok := s.consumers[c]; ok {
		return
	}
	s.consumers[c] = struct{}{}
	s.svc.metrics.consumerAttached()

	switch s.state {
	case StateIdle, StateClosed, StateFailed:
		// First consumer, or a fresh attach after teardown or terminal
		// failure: start a new connect cycle.
		s.attempt = 0
		s.connect()
	case StateOpen:
		if c.setConnected(s, true) {
			c.invoke(s.log, s.svc.metrics, "connected", c.cb.OnConnected)
		}
	}
}

func (s *session) removeConsumer(c *Consumer) {
	if _, ok := s.consumers[c]; !ok {
		return
	}
	delete(s.consumers, c)
	s.svc.metrics.consumerDetached()
	if !c.setConnected(s, false) {
		// The consumer already switched keys; its new session owns the
		// state and lifecycle callbacks now.
		return
	}
	c.invoke(s.log, s.svc.metrics, "disconnected", c.cb.OnDisconnected)
}

func (s *session) connect() {
	s.gen++
	gen := s.gen
	s.setState(StateConnecting)
	s.svc.metrics.recordOpen()

	cb := source.Callbacks{
		OnOpen:  func() { s.postConn(gen, s.handleOpen) },
		OnFrame: func(f source.Frame) { s.postConn(gen, func() { s.handleFrame(f) }) },
		OnError: func(err error) { s.postConn(gen, func() { s.handleDisruption(err) }) },
		OnClose: func() { s.postConn(gen, func() { s.handleDisruption(errspkg.ErrUpstreamClosed) }) },
	}
	s.conn = s.svc.src.Open(s.svc.ctx, s.key, cb)
}

func (s *session) handleOpen() {
	if s.state != StateConnecting {
		return
	}
	s.attempt = 0
	s.setState(StateOpen)
	s.log.Info("upstream connection open", nil)

	for _, c := range s.snapshot() {
		if c.setConnected(s, true) {
			c.invoke(s.log, s.svc.metrics, "connected", c.cb.OnConnected)
		}
	}
}

// handleDisruption reacts to a connection drop or a failed attempt. The old
// connector may report an error and then a close for the same incident; the
// state check makes the second signal a no-op.
func (s *session) handleDisruption(cause error) {
	switch s.state {
	case StateConnecting, StateOpen:
	default:
		return
	}

	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.gen++

	s.attempt++
	if s.svc.backoff.Exhausted(s.attempt) {
		s.fail(cause)
		return
	}

	s.setState(StateReconnecting)
	s.svc.metrics.recordReconnect()
	delay := s.svc.backoff.Delay(s.attempt)
	s.log.Info("upstream connection lost, retrying", loggingpkg.LogFields{
		"attempt": s.attempt,
		"delay":   delay.String(),
		"cause":   cause.Error(),
	})

	attempt := s.attempt
	for _, c := range s.snapshot() {
		if !c.setConnected(s, false) {
			continue
		}
		if c.cb.OnReconnecting != nil {
			c.invoke(s.log, s.svc.metrics, "reconnecting", func() { c.cb.OnReconnecting(attempt) })
		}
	}

	gen := s.gen
	s.retry = time.AfterFunc(delay, func() {
		s.postConn(gen, s.retryNow)
	})
}

func (s *session) retryNow() {
	if s.state != StateReconnecting {
		return
	}
	s.retry = nil
	s.connect()
}

// fail is the terminal path: the attempt cap is exceeded, consumers get one
// fatal error event and the relay stops retrying until a fresh attach.
func (s *session) fail(cause error) {
	s.setState(StateFailed)
	s.svc.metrics.recordFailure()
	retries := s.attempt - 1
	s.log.Error("upstream connection failed terminally", cause, loggingpkg.LogFields{
		"attempts": retries,
	})

	err := fmt.Errorf("relay: upstream connection for key %q failed after %d attempts: %w", s.key, retries, cause)
	for _, c := range s.snapshot() {
		if !c.setConnected(s, false) {
			continue
		}
		if c.cb.OnError != nil {
			c.invoke(s.log, s.svc.metrics, "error", func() { c.cb.OnError(err) })
		}
	}
}

func (s *session) handleFrame(f source.Frame) {
	if s.state != StateOpen {
		return
	}

	ev, err := classifyFrame(f)
	if err != nil {
		s.svc.metrics.recordDroppedFrame()
		if errors.Is(err, errUnknownEvent) {
			s.log.Info("ignoring unknown event type", loggingpkg.LogFields{"event": f.Name})
		} else {
			s.log.Debug("dropping malformed frame", loggingpkg.LogFields{
				"event": f.Name,
				"error": err.Error(),
			})
		}
		return
	}
	if ev == nil {
		// Heartbeat.
		return
	}

	s.svc.metrics.recordEvent(ev.Type)
	consumers := s.snapshot()

	_, span := s.svc.tracer.Start(s.svc.ctx, "relay.fanout", trace.WithAttributes(
		attribute.String("relay.key", s.key),
		attribute.String("relay.event_type", string(ev.Type)),
		attribute.Int("relay.consumers", len(consumers)),
	))
	defer span.End()

	for _, c := range consumers {
		c.dispatchEvent(s.log, s.svc.metrics, ev)
	}
}
