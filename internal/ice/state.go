package ice

// ConnectionState is the ICE connection state.
type ConnectionState int

const (
	StateNew ConnectionState = iota
	StateChecking
	StateConnected
	StateCompleted
	StateFailed
	StateDisconnected
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateChecking:
		return "checking"
	case StateConnected:
		return "connected"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal states accept no further transitions within a generation.
func (s ConnectionState) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

// Up reports whether media can flow.
func (s ConnectionState) Up() bool {
	return s == StateConnected || s == StateCompleted
}

var transitions = map[ConnectionState][]ConnectionState{
	StateNew:          {StateChecking, StateFailed, StateDisconnected, StateClosed},
	StateChecking:     {StateConnected, StateFailed, StateDisconnected, StateClosed},
	StateConnected:    {StateCompleted, StateFailed, StateDisconnected, StateClosed},
	StateCompleted:    {StateFailed, StateDisconnected, StateClosed},
	StateDisconnected: {StateChecking, StateConnected, StateFailed, StateClosed},
}

// CanTransition reports whether from -> to is a legal ICE transition.
func CanTransition(from, to ConnectionState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
