package runtime

import (
	"sync"

	loggingpkg "github.com/ideastorm/relay/internal/runtime/logging"
	"github.com/ideastorm/relay/reconcile"
)

// ConsumerCallbacks receives connection lifecycle notices and typed events
// for one consumer. All fields are optional; a consumer registers only the
// callbacks it is interested in.
//
// Callbacks run on the key's session goroutine: keep them short and hand off
// to another goroutine for slow work. A panic in one callback is logged and
// does not affect delivery to other consumers.
type ConsumerCallbacks struct {
	// OnConnected fires on every successful transition to an open upstream
	// connection, including after a reconnect. Events emitted while the
	// connection was down are lost; applications that need them should
	// refetch state here.
	OnConnected func()
	// OnDisconnected fires when the consumer's attachment ends via
	// Disconnect or Service Close. A key switch moves the consumer straight
	// to the new key and reports through OnConnected instead.
	OnDisconnected func()
	// OnReconnecting is informational: the connection dropped and retry
	// number attempt is pending. Not an error while retries remain.
	OnReconnecting func(attempt int)
	// OnError fires when the upstream connection failed terminally. The
	// relay stops retrying; recovery requires a fresh Connect.
	OnError func(err error)

	OnItemsAdded         func(items []reconcile.Item)
	OnItemsModified      func(patches []reconcile.ItemPatch)
	OnItemMoved          func(id string, pos reconcile.Position)
	OnSuggestionsUpdated func(payload []byte)
	OnWorkflowComplete   func(payload []byte)
}

// ConsumerState mirrors what a client needs for a connection indicator.
type ConsumerState struct {
	Connected bool
	Key       string
}

// Consumer is one attached client session (a browser tab, a worker). It has
// no ownership of the upstream connection; it registers interest in a key
// and receives fan-out callbacks. A consumer holds at most one active
// subscription at a time.
type Consumer struct {
	id  string
	svc *Service
	cb  ConsumerCallbacks

	mu        sync.Mutex
	key       string
	owner     *session
	connected bool
}

// ID returns the consumer's ULID.
func (c *Consumer) ID() string {
	return c.id
}

// Connect attaches the consumer to key. Attaching to the key the consumer is
// already on is a no-op; attaching to a different key detaches from the old
// one first. Non-blocking: the connection work happens asynchronously and is
// observed via callbacks.
func (c *Consumer) Connect(key string) {
	c.svc.attach(c, key)
}

// Disconnect detaches the consumer from its current key. If it was the last
// consumer on that key, the upstream connection closes. Non-blocking.
func (c *Consumer) Disconnect() {
	c.svc.detach(c)
}

// State returns the consumer's current connection view. Diagnostics only;
// never use it for control decisions.
func (c *Consumer) State() ConsumerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConsumerState{Connected: c.connected, Key: c.key}
}

// bind records the consumer's new attachment. The owning session stamps every
// later connected-flag write, so a session the consumer has left cannot
// overwrite the new attachment's state.
func (c *Consumer) bind(sess *session, key string) {
	c.mu.Lock()
	c.key = key
	c.owner = sess
	c.connected = false
	c.mu.Unlock()
}

// unbind clears the attachment on Disconnect. The owner is kept so the
// session's pending removal still matches and fires OnDisconnected.
func (c *Consumer) unbind() {
	c.mu.Lock()
	c.key = ""
	c.connected = false
	c.mu.Unlock()
}

// setConnected records the connected flag on behalf of sess. Reports false
// without writing when the consumer has re-attached elsewhere: sessions for a
// left key may still be draining their queues and must not clobber the state
// or fire lifecycle callbacks for the new attachment.
func (c *Consumer) setConnected(sess *session, v bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.owner != sess {
		return false
	}
	c.connected = v
	return true
}

// invoke runs fn isolated from other consumers: one panicking callback must
// not starve the rest of the fan-out.
func (c *Consumer) invoke(log loggingpkg.ServiceLogger, metrics *RelayMetrics, name string, fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			metrics.recordCallbackPanic()
			log.Error("consumer callback panicked", nil, loggingpkg.LogFields{
				"consumer": c.id,
				"callback": name,
				"panic":    r,
			})
		}
	}()
	fn()
}

// dispatchEvent routes ev to the matching callback, if the consumer
// registered one.
func (c *Consumer) dispatchEvent(log loggingpkg.ServiceLogger, metrics *RelayMetrics, ev *Event) {
	switch ev.Type {
	case EventItemsAdded:
		if c.cb.OnItemsAdded != nil {
			c.invoke(log, metrics, string(ev.Type), func() { c.cb.OnItemsAdded(ev.Items) })
		}
	case EventItemsModified:
		if c.cb.OnItemsModified != nil {
			c.invoke(log, metrics, string(ev.Type), func() { c.cb.OnItemsModified(ev.Patches) })
		}
	case EventItemMoved:
		if c.cb.OnItemMoved != nil {
			c.invoke(log, metrics, string(ev.Type), func() { c.cb.OnItemMoved(ev.Move.ID, ev.Move.Position) })
		}
	case EventSuggestionsUpdated:
		if c.cb.OnSuggestionsUpdated != nil {
			c.invoke(log, metrics, string(ev.Type), func() { c.cb.OnSuggestionsUpdated(ev.Data) })
		}
	case EventWorkflowComplete:
		if c.cb.OnWorkflowComplete != nil {
			c.invoke(log, metrics, string(ev.Type), func() { c.cb.OnWorkflowComplete(ev.Data) })
		}
	}
}
