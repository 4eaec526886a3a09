package parley

// ConnectionState represents the current state of the realtime connection.
type ConnectionState int

const (
	// StateDisconnected means there is no live socket. Retries may still be
	// pending if the manager is between attempts.
	StateDisconnected ConnectionState = iota

	// StateConnecting means a dial is in progress.
	StateConnecting

	// StateConnected means the socket is open and the listen loop is running.
	StateConnected
)

// String returns the string representation of a ConnectionState.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// StateEvent represents a state change event.
type StateEvent struct {
	OldState ConnectionState
	NewState ConnectionState
	Attempt  int
	Error    error // Optional error that caused the state change
}
