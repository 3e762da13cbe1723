package registry

// State is the lifecycle state of a connection
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateIdle
	StateDisconnecting
	StateClosed
)

var stateNames = [...]string{"connecting", "connected", "idle", "disconnecting", "closed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// transitions lists the states reachable from each state. closed is terminal.
var transitions = map[State][]State{
	StateConnecting:    {StateConnected, StateDisconnecting, StateClosed},
	StateConnected:     {StateIdle, StateDisconnecting, StateClosed},
	StateIdle:          {StateConnected, StateDisconnecting, StateClosed},
	StateDisconnecting: {StateClosed},
}

func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Live reports whether messages may still be delivered in this state.
func (s State) Live() bool {
	return s == StateConnected || s == StateIdle
}
