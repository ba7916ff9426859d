package runtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	configpkg "github.com/ideastorm/relay/internal/runtime/config"
	errspkg "github.com/ideastorm/relay/internal/runtime/errors"
	loggingpkg "github.com/ideastorm/relay/internal/runtime/logging"
	"github.com/ideastorm/relay/reconcile"
	"github.com/ideastorm/relay/source"
)

func newTestSlogLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(newTestSlogLogger())
}

// fakeConn records Close calls.
type fakeConn struct {
	closed atomic.Bool
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

type fakeOpen struct {
	key  string
	cb   source.Callbacks
	conn *fakeConn
}

// fakeSource records every Open and hands the callbacks back to the test so
// it can script the connection lifecycle.
type fakeSource struct {
	mu    sync.Mutex
	opens []*fakeOpen
}

func (f *fakeSource) Open(_ context.Context, key string, cb source.Callbacks) source.Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := &fakeOpen{key: key, cb: cb, conn: &fakeConn{}}
	f.opens = append(f.opens, o)
	return o.conn
}

func (f *fakeSource) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.opens)
}

func (f *fakeSource) open(i int) *fakeOpen {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens[i]
}

func (f *fakeSource) last() *fakeOpen {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens[len(f.opens)-1]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestService(t *testing.T, src source.Source, conf *configpkg.Config) *Service {
	t.Helper()
	if conf == nil {
		conf = &configpkg.Config{SourceSystem: "channel"}
	}
	// Keep retries fast; individual tests override the cap as needed.
	if conf.ReconnectInitialInterval == 0 {
		conf.ReconnectInitialInterval = time.Millisecond
	}
	svc, err := TryNewService(conf, newTestLogger(), context.Background(), Dependencies{Source: src})
	if err != nil {
		t.Fatalf("TryNewService: %v", err)
	}
	t.Cleanup(svc.Close)
	return svc
}

func TestTryNewServiceValidation(t *testing.T) {
	if _, err := TryNewService(nil, newTestLogger(), context.Background(), Dependencies{}); !errors.Is(err, errspkg.ErrConfigRequired) {
		t.Fatalf("nil config: got %v", err)
	}

	cfg := &configpkg.Config{SourceSystem: "channel"}
	if _, err := TryNewService(cfg, nil, context.Background(), Dependencies{}); !errors.Is(err, errspkg.ErrLoggerRequired) {
		t.Fatalf("nil logger: got %v", err)
	}

	bad := &configpkg.Config{SourceSystem: "sse"}
	_, err := TryNewService(bad, newTestLogger(), context.Background(), Dependencies{})
	var vErr errspkg.ConfigValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ConfigValidationError, got %v", err)
	}
}

func TestSingleConnectionPerKey(t *testing.T) {
	src := &fakeSource{}
	svc := newTestService(t, src, nil)

	var connectedA, connectedB atomic.Int32
	a := svc.NewConsumer(ConsumerCallbacks{OnConnected: func() { connectedA.Add(1) }})
	b := svc.NewConsumer(ConsumerCallbacks{OnConnected: func() { connectedB.Add(1) }})

	a.Connect("board-1")
	b.Connect("board-1")

	waitFor(t, "upstream open", func() bool { return src.openCount() == 1 })
	if got := src.open(0).key; got != "board-1" {
		t.Fatalf("opened key %q", got)
	}

	src.open(0).cb.OnOpen()
	waitFor(t, "both consumers connected", func() bool {
		return connectedA.Load() == 1 && connectedB.Load() == 1
	})

	// A late third consumer gets OnConnected without a second dial.
	var connectedC atomic.Int32
	c := svc.NewConsumer(ConsumerCallbacks{OnConnected: func() { connectedC.Add(1) }})
	c.Connect("board-1")
	waitFor(t, "late consumer connected", func() bool { return connectedC.Load() == 1 })

	if src.openCount() != 1 {
		t.Fatalf("expected 1 upstream connection, got %d", src.openCount())
	}
	if got := svc.GetState("board-1"); got != StateOpen {
		t.Fatalf("state: got %v, want %v", got, StateOpen)
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	src := &fakeSource{}
	svc := newTestService(t, src, nil)

	var connected atomic.Int32
	c := svc.NewConsumer(ConsumerCallbacks{OnConnected: func() { connected.Add(1) }})
	c.Connect("board-1")
	waitFor(t, "upstream open", func() bool { return src.openCount() == 1 })
	src.open(0).cb.OnOpen()
	waitFor(t, "consumer connected", func() bool { return connected.Load() == 1 })

	c.Connect("board-1")
	time.Sleep(20 * time.Millisecond)

	if src.openCount() != 1 {
		t.Fatalf("redundant Connect dialed again: %d opens", src.openCount())
	}
	if connected.Load() != 1 {
		t.Fatalf("redundant Connect re-fired OnConnected: %d", connected.Load())
	}
	if st := c.State(); !st.Connected || st.Key != "board-1" {
		t.Fatalf("unexpected consumer state: %+v", st)
	}
}

func TestFanOutDeliversToAllConsumers(t *testing.T) {
	src := &fakeSource{}
	svc := newTestService(t, src, nil)

	const n = 3
	var mu sync.Mutex
	received := make(map[int][]reconcile.Item)
	for i := 0; i < n; i++ {
		i := i
		c := svc.NewConsumer(ConsumerCallbacks{
			OnItemsAdded: func(items []reconcile.Item) {
				mu.Lock()
				received[i] = items
				mu.Unlock()
			},
		})
		c.Connect("board-1")
	}

	waitFor(t, "upstream open", func() bool { return src.openCount() == 1 })
	src.open(0).cb.OnOpen()
	src.open(0).cb.OnFrame(source.Frame{
		Name: "item_added",
		Data: []byte(`{"items":[{"id":"a","content":"hi"}]}`),
	})

	waitFor(t, "fan-out to all consumers", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == n
	})
	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < n; i++ {
		if len(received[i]) != 1 || received[i][0].ID != "a" {
			t.Fatalf("consumer %d got %+v", i, received[i])
		}
	}
}

func TestHeartbeatAndUnknownFramesAreDropped(t *testing.T) {
	src := &fakeSource{}
	svc := newTestService(t, src, nil)

	var delivered atomic.Int32
	c := svc.NewConsumer(ConsumerCallbacks{
		OnItemsAdded: func([]reconcile.Item) { delivered.Add(1) },
	})
	c.Connect("board-1")

	waitFor(t, "upstream open", func() bool { return src.openCount() == 1 })
	cb := src.open(0).cb
	cb.OnOpen()

	cb.OnFrame(source.Frame{})
	cb.OnFrame(source.Frame{Name: "item_exploded", Data: []byte(`{}`)})
	cb.OnFrame(source.Frame{Name: "item_added", Data: []byte(`not json`)})
	cb.OnFrame(source.Frame{Name: "item_added", Data: []byte(`{"items":[{"id":"a"}]}`)})

	waitFor(t, "valid frame delivered", func() bool { return delivered.Load() == 1 })
	time.Sleep(20 * time.Millisecond)
	if delivered.Load() != 1 {
		t.Fatalf("expected exactly 1 delivery, got %d", delivered.Load())
	}
}

func TestLastDetachClosesConnection(t *testing.T) {
	src := &fakeSource{}
	svc := newTestService(t, src, nil)

	var disconnects atomic.Int32
	a := svc.NewConsumer(ConsumerCallbacks{OnDisconnected: func() { disconnects.Add(1) }})
	b := svc.NewConsumer(ConsumerCallbacks{OnDisconnected: func() { disconnects.Add(1) }})
	a.Connect("board-1")
	b.Connect("board-1")

	waitFor(t, "upstream open", func() bool { return src.openCount() == 1 })
	src.open(0).cb.OnOpen()

	a.Disconnect()
	time.Sleep(20 * time.Millisecond)
	if src.open(0).conn.closed.Load() {
		t.Fatal("connection closed while a consumer was still attached")
	}

	b.Disconnect()
	waitFor(t, "connection closed", func() bool { return src.open(0).conn.closed.Load() })
	waitFor(t, "session removed", func() bool { return svc.GetState("board-1") == StateIdle })
	if disconnects.Load() != 2 {
		t.Fatalf("expected 2 OnDisconnected, got %d", disconnects.Load())
	}

	// A later attach dials fresh.
	c := svc.NewConsumer(ConsumerCallbacks{})
	c.Connect("board-1")
	waitFor(t, "fresh dial", func() bool { return src.openCount() == 2 })
}

func TestReconnectBackoffAndTerminalFailure(t *testing.T) {
	src := &fakeSource{}
	svc := newTestService(t, src, &configpkg.Config{
		SourceSystem:             "channel",
		ReconnectMaxAttempts:     2,
		ReconnectInitialInterval: time.Millisecond,
	})

	var mu sync.Mutex
	var attempts []int
	errCh := make(chan error, 1)
	c := svc.NewConsumer(ConsumerCallbacks{
		OnReconnecting: func(attempt int) {
			mu.Lock()
			attempts = append(attempts, attempt)
			mu.Unlock()
		},
		OnError: func(err error) { errCh <- err },
	})
	c.Connect("board-1")

	waitFor(t, "initial dial", func() bool { return src.openCount() == 1 })
	src.open(0).cb.OnOpen()
	waitFor(t, "consumer connected", func() bool { return c.State().Connected })

	// Drop the connection; every subsequent dial fails too.
	causeErr := errors.New("connection refused")
	src.open(0).cb.OnError(errors.New("broken pipe"))
	waitFor(t, "first retry dial", func() bool { return src.openCount() == 2 })
	src.open(1).cb.OnError(causeErr)
	waitFor(t, "second retry dial", func() bool { return src.openCount() == 3 })
	src.open(2).cb.OnError(causeErr)

	var err error
	select {
	case err = <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("terminal error not delivered")
	}
	if !errors.Is(err, causeErr) {
		t.Fatalf("terminal error should wrap the last cause, got %v", err)
	}

	waitFor(t, "terminal state", func() bool { return svc.GetState("board-1") == StateFailed })
	time.Sleep(20 * time.Millisecond)
	if src.openCount() != 3 {
		t.Fatalf("relay kept dialing after terminal failure: %d opens", src.openCount())
	}

	mu.Lock()
	got := append([]int(nil), attempts...)
	mu.Unlock()
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("unexpected reconnect attempts: %v", got)
	}
}

func TestFreshAttachRevivesFailedKey(t *testing.T) {
	src := &fakeSource{}
	svc := newTestService(t, src, &configpkg.Config{
		SourceSystem:             "channel",
		ReconnectMaxAttempts:     1,
		ReconnectInitialInterval: time.Millisecond,
	})

	a := svc.NewConsumer(ConsumerCallbacks{})
	a.Connect("board-1")
	waitFor(t, "initial dial", func() bool { return src.openCount() == 1 })
	src.open(0).cb.OnError(errors.New("dial failed"))
	waitFor(t, "retry dial", func() bool { return src.openCount() == 2 })
	src.open(1).cb.OnError(errors.New("dial failed"))
	waitFor(t, "terminal state", func() bool { return svc.GetState("board-1") == StateFailed })

	// A fresh consumer restarts the connect cycle from attempt zero.
	b := svc.NewConsumer(ConsumerCallbacks{})
	b.Connect("board-1")
	waitFor(t, "revival dial", func() bool { return src.openCount() == 3 })
	src.open(2).cb.OnOpen()
	waitFor(t, "open after revival", func() bool { return svc.GetState("board-1") == StateOpen })
}

func TestReconnectNotifiesAllConsumersAndReopens(t *testing.T) {
	src := &fakeSource{}
	svc := newTestService(t, src, nil)

	var reconnectedA, reconnectedB atomic.Int32
	a := svc.NewConsumer(ConsumerCallbacks{
		OnConnected: func() { reconnectedA.Add(1) },
	})
	b := svc.NewConsumer(ConsumerCallbacks{
		OnConnected: func() { reconnectedB.Add(1) },
	})
	a.Connect("board-1")
	b.Connect("board-1")

	waitFor(t, "initial dial", func() bool { return src.openCount() == 1 })
	src.open(0).cb.OnOpen()
	waitFor(t, "both connected", func() bool {
		return reconnectedA.Load() == 1 && reconnectedB.Load() == 1
	})

	src.open(0).cb.OnClose()
	waitFor(t, "redial", func() bool { return src.openCount() == 2 })
	src.open(1).cb.OnOpen()

	// OnConnected fires again after the reconnect, for every consumer.
	waitFor(t, "both reconnected", func() bool {
		return reconnectedA.Load() == 2 && reconnectedB.Load() == 2
	})
}

func TestStaleCallbackFromOldConnectionIgnored(t *testing.T) {
	src := &fakeSource{}
	svc := newTestService(t, src, nil)

	var delivered atomic.Int32
	c := svc.NewConsumer(ConsumerCallbacks{
		OnItemsAdded: func([]reconcile.Item) { delivered.Add(1) },
	})
	c.Connect("board-1")

	waitFor(t, "initial dial", func() bool { return src.openCount() == 1 })
	old := src.open(0)
	old.cb.OnOpen()
	old.cb.OnClose()
	waitFor(t, "redial", func() bool { return src.openCount() == 2 })
	src.open(1).cb.OnOpen()
	waitFor(t, "reopened", func() bool { return svc.GetState("board-1") == StateOpen })

	// The defunct connection delivers a late frame; it must not reach anyone.
	old.cb.OnFrame(source.Frame{Name: "item_added", Data: []byte(`{"items":[{"id":"stale"}]}`)})
	time.Sleep(20 * time.Millisecond)
	if delivered.Load() != 0 {
		t.Fatal("stale frame reached a consumer")
	}

	src.open(1).cb.OnFrame(source.Frame{Name: "item_added", Data: []byte(`{"items":[{"id":"live"}]}`)})
	waitFor(t, "live frame delivered", func() bool { return delivered.Load() == 1 })
}

func TestConsumerPanicIsolation(t *testing.T) {
	src := &fakeSource{}
	svc := newTestService(t, src, nil)

	var healthy atomic.Int32
	bad := svc.NewConsumer(ConsumerCallbacks{
		OnItemsAdded: func([]reconcile.Item) { panic("consumer bug") },
	})
	good := svc.NewConsumer(ConsumerCallbacks{
		OnItemsAdded: func([]reconcile.Item) { healthy.Add(1) },
	})
	bad.Connect("board-1")
	good.Connect("board-1")

	waitFor(t, "upstream open", func() bool { return src.openCount() == 1 })
	src.open(0).cb.OnOpen()
	src.open(0).cb.OnFrame(source.Frame{Name: "item_added", Data: []byte(`{"items":[{"id":"a"}]}`)})
	waitFor(t, "healthy consumer delivery", func() bool { return healthy.Load() == 1 })

	// The session survives: a second frame still arrives.
	src.open(0).cb.OnFrame(source.Frame{Name: "item_added", Data: []byte(`{"items":[{"id":"b"}]}`)})
	waitFor(t, "second delivery", func() bool { return healthy.Load() == 2 })
}

func TestSwitchKeyMovesConsumer(t *testing.T) {
	src := &fakeSource{}
	svc := newTestService(t, src, nil)

	c := svc.NewConsumer(ConsumerCallbacks{})
	c.Connect("board-1")
	waitFor(t, "first dial", func() bool { return src.openCount() == 1 })
	src.open(0).cb.OnOpen()

	c.Connect("board-2")
	waitFor(t, "second dial", func() bool { return src.openCount() == 2 })
	if got := src.open(1).key; got != "board-2" {
		t.Fatalf("second dial key %q", got)
	}
	// Leaving board-1 empty tears its connection down.
	waitFor(t, "old connection closed", func() bool { return src.open(0).conn.closed.Load() })
	if st := c.State(); st.Key != "board-2" {
		t.Fatalf("consumer key %q", st.Key)
	}
}

func TestKeySwitchWhileOldSessionBusy(t *testing.T) {
	src := &fakeSource{}
	svc := newTestService(t, src, nil)

	entered := make(chan struct{})
	block := make(chan struct{})
	var disconnects atomic.Int32
	c := svc.NewConsumer(ConsumerCallbacks{
		OnItemsAdded: func([]reconcile.Item) {
			close(entered)
			<-block
		},
		OnDisconnected: func() { disconnects.Add(1) },
	})
	c.Connect("board-1")
	waitFor(t, "first dial", func() bool { return src.openCount() == 1 })
	src.open(0).cb.OnOpen()
	waitFor(t, "consumer connected", func() bool { return c.State().Connected })

	// Occupy the board-1 goroutine inside a consumer callback so its detach
	// cannot run until after the new key is already open.
	src.open(0).cb.OnFrame(source.Frame{Name: "item_added", Data: []byte(`{"items":[{"id":"a"}]}`)})
	<-entered

	c.Connect("board-2")
	waitFor(t, "second dial", func() bool { return src.openCount() == 2 })
	src.open(1).cb.OnOpen()
	waitFor(t, "connected on new key", func() bool { return c.State().Connected })

	// Release board-1; its late removal must not clobber the new attachment.
	close(block)
	waitFor(t, "old session torn down", func() bool { return svc.GetState("board-1") == StateIdle })
	time.Sleep(20 * time.Millisecond)

	if st := c.State(); !st.Connected || st.Key != "board-2" {
		t.Fatalf("consumer state after switch: %+v", st)
	}
	if got := disconnects.Load(); got != 0 {
		t.Fatalf("late detach from the old key fired OnDisconnected %d times", got)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	src := &fakeSource{}
	svc := newTestService(t, src, nil)

	var got1, got2 atomic.Int32
	a := svc.NewConsumer(ConsumerCallbacks{
		OnItemsAdded: func([]reconcile.Item) { got1.Add(1) },
	})
	b := svc.NewConsumer(ConsumerCallbacks{
		OnItemsAdded: func([]reconcile.Item) { got2.Add(1) },
	})
	a.Connect("board-1")
	b.Connect("board-2")

	waitFor(t, "two dials", func() bool { return src.openCount() == 2 })
	for i := 0; i < 2; i++ {
		src.open(i).cb.OnOpen()
	}

	frame := source.Frame{Name: "item_added", Data: []byte(`{"items":[{"id":"a"}]}`)}
	for i := 0; i < 2; i++ {
		if src.open(i).key == "board-1" {
			src.open(i).cb.OnFrame(frame)
		}
	}

	waitFor(t, "board-1 delivery", func() bool { return got1.Load() == 1 })
	time.Sleep(20 * time.Millisecond)
	if got2.Load() != 0 {
		t.Fatal("board-2 consumer received a board-1 event")
	}
}

func TestServiceCloseDetachesEverything(t *testing.T) {
	src := &fakeSource{}
	svc := newTestService(t, src, nil)

	var disconnects atomic.Int32
	a := svc.NewConsumer(ConsumerCallbacks{OnDisconnected: func() { disconnects.Add(1) }})
	b := svc.NewConsumer(ConsumerCallbacks{OnDisconnected: func() { disconnects.Add(1) }})
	a.Connect("board-1")
	b.Connect("board-2")

	waitFor(t, "two dials", func() bool { return src.openCount() == 2 })
	src.open(0).cb.OnOpen()
	src.open(1).cb.OnOpen()

	svc.Close()

	waitFor(t, "all disconnected", func() bool { return disconnects.Load() == 2 })
	waitFor(t, "all connections closed", func() bool {
		return src.open(0).conn.closed.Load() && src.open(1).conn.closed.Load()
	})
	if st := a.State(); st.Connected || st.Key != "" {
		t.Fatalf("consumer state after Close: %+v", st)
	}
}

// countingSource answers every dial with an immediate open and tracks how
// many connections are live at once.
type countingSource struct {
	live atomic.Int32
	max  atomic.Int32
}

type countingConn struct {
	src  *countingSource
	once sync.Once
}

func (c *countingConn) Close() error {
	c.once.Do(func() { c.src.live.Add(-1) })
	return nil
}

func (s *countingSource) Open(_ context.Context, _ string, cb source.Callbacks) source.Conn {
	n := s.live.Add(1)
	for {
		max := s.max.Load()
		if n <= max || s.max.CompareAndSwap(max, n) {
			break
		}
	}
	cb.OnOpen()
	return &countingConn{src: s}
}

func TestRandomAttachDetachKeepsSingleConnection(t *testing.T) {
	src := &countingSource{}
	svc := newTestService(t, src, nil)

	const n = 8
	consumers := make([]*Consumer, n)
	for i := range consumers {
		consumers[i] = svc.NewConsumer(ConsumerCallbacks{})
	}

	var wg sync.WaitGroup
	for i := range consumers {
		wg.Add(1)
		go func(c *Consumer, seed int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if (j+seed)%3 == 0 {
					c.Disconnect()
				} else {
					c.Connect("board-1")
				}
			}
			c.Disconnect()
		}(consumers[i], i)
	}
	wg.Wait()

	waitFor(t, "all connections closed", func() bool { return src.live.Load() == 0 })
	if got := src.max.Load(); got > 1 {
		t.Fatalf("observed %d concurrent connections for one key", got)
	}
}

func TestGetStateUnknownKey(t *testing.T) {
	svc := newTestService(t, &fakeSource{}, nil)
	if got := svc.GetState("nope"); got != StateIdle {
		t.Fatalf("got %v, want %v", got, StateIdle)
	}
}

func TestMetricsRegisterAndTrackConnections(t *testing.T) {
	src := &fakeSource{}
	reg := prometheus.NewRegistry()
	conf := &configpkg.Config{
		SourceSystem:             "channel",
		ReconnectInitialInterval: time.Millisecond,
		MetricsEnabled:           true,
	}
	svc, err := TryNewService(conf, newTestLogger(), context.Background(), Dependencies{
		Source:     src,
		Registerer: reg,
	})
	if err != nil {
		t.Fatalf("TryNewService: %v", err)
	}
	t.Cleanup(svc.Close)

	c := svc.NewConsumer(ConsumerCallbacks{})
	c.Connect("board-1")
	waitFor(t, "dial", func() bool { return src.openCount() == 1 })
	src.open(0).cb.OnOpen()
	waitFor(t, "open state", func() bool { return svc.GetState("board-1") == StateOpen })

	if got := testutil.ToFloat64(svc.metrics.connectionsCurrent); got != 1 {
		t.Fatalf("connections gauge: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(svc.metrics.consumersCurrent); got != 1 {
		t.Fatalf("consumers gauge: got %v, want 1", got)
	}

	c.Disconnect()
	waitFor(t, "teardown", func() bool { return svc.GetState("board-1") == StateIdle })
	if got := testutil.ToFloat64(svc.metrics.connectionsCurrent); got != 0 {
		t.Fatalf("connections gauge after teardown: got %v, want 0", got)
	}
}
