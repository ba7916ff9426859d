// Package relay multiplexes server-push update streams: it holds exactly one
// upstream connection per subscription key and fans every incoming event out
// to all consumers attached to that key. Opening a board in five tabs costs
// one upstream connection, not five.
//
// The upstream transport (SSE, WebSocket, Kafka, NATS, RabbitMQ, or in-memory
// Go channels) is read from Config and built through the modular source
// registry; import the source package you need for its side-effect
// registration:
//
//	_ "github.com/ideastorm/relay/source/sse"
//
// A consumer is a lightweight handle created with Service.NewConsumer. It
// registers callbacks for connection lifecycle notices (connected,
// disconnected, reconnecting, terminal error) and for the typed update events
// (item_added, item_modified, item_moved, suggestions_updated,
// workflow_complete), then calls Connect with a subscription key. Consumers
// never see the connection itself: the relay owns dialing, the exponential
// reconnect backoff, and teardown when the last consumer leaves a key.
//
// # Delivery semantics
//
// Delivery is at-most-once. Events arriving while a connection is down are
// lost; OnConnected fires after every successful (re)connect so applications
// can refetch authoritative state at that point. The relay deliberately does
// not resynchronise on the application's behalf.
//
// # Reconciliation
//
// The reconcile package keeps a client-side Board consistent under redundant
// delivery: replayed adds are no-ops, modifications merge field-wise, and
// moves are last-write-wins. Feed consumer callbacks straight into a Board to
// get an idempotent local copy of the shared state.
package relay
