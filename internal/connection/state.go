package connection

import "time"

// State is the connection lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// MarshalText renders the state by name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// transitions lists the legal moves out of each state. Standby is a flag
// on Connected, not a state of its own.
var transitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Disconnected},
	Connected:    {Disconnected},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Status is a copy of the manager's state for readers outside the loop.
type Status struct {
	State           State     `json:"state"`
	Standby         bool      `json:"standby"`
	StreamConnected bool      `json:"stream_connected"`
	StreamRetries   int       `json:"stream_retries"`
	LastPoll        time.Time `json:"last_poll,omitempty"`
	Missing         []string  `json:"missing,omitempty"`
	MissingPlayers  []string  `json:"missing_players,omitempty"`
}
