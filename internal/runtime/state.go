package runtime

// ConnectionState is the lifecycle state of one subscription key's upstream
// connection. Exactly one state exists per active key, owned by the key's
// session goroutine.
type ConnectionState int32

const (
	// StateIdle: no connection and none requested.
	StateIdle ConnectionState = iota
	// StateConnecting: a connection attempt is in flight.
	StateConnecting
	// StateOpen: the connection is live and delivering frames.
	StateOpen
	// StateReconnecting: the connection dropped; a retry is pending.
	StateReconnecting
	// StateFailed: the attempt cap was exceeded. Terminal until a fresh attach.
	StateFailed
	// StateClosed: torn down because the last consumer detached.
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
