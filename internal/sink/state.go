package sink

// State is the connection lifecycle position. Within one degradation
// episode the state only moves forward through this order; a
// successful send or recovery probe starts a fresh episode back at
// Connecting.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateBackoff
	StateFallback
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	case StateFallback:
		return "fallback"
	default:
		return "unknown"
	}
}
