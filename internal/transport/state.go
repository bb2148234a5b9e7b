package transport

// ConnState is the connection lifecycle state of a transport session.
// Transitions are broadcast to registered listeners synchronously, so
// no dependent ever acts on a stale Connected observation.
type ConnState uint32

const (
	// StateDisconnected is the initial state and the resting state
	// after an explicit Disconnect.
	StateDisconnected ConnState = iota

	// StateConnecting covers the initial dial, including fixed-delay
	// retries of transient connect failures.
	StateConnecting

	// StateConnected means the socket is up and authenticated.
	StateConnected

	// StateReconnecting means an established connection dropped and
	// the session is redialing at a fixed delay.
	StateReconnecting

	// StateFailed is terminal: the credential was rejected. A fresh
	// Connect with a new credential is required.
	StateFailed
)

// String returns a human-readable state name.
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// StateListener observes connection state transitions. Listeners are
// invoked synchronously in registration order while the transition is
// being applied; they must not block and must not call Publish (use
// WriteFrame for wire traffic during a transition).
type StateListener func(old, new ConnState)
