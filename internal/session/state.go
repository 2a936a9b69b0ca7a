package session

// State is the connection state.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status is a point-in-time view of the client.
type Status struct {
	State             State  `json:"state"`
	IsConnected       bool   `json:"isConnected"`
	IsConnecting      bool   `json:"isConnecting"`
	ReconnectAttempts int    `json:"reconnectAttempts"`
	ActiveJobs        int    `json:"activeJobs"`
	SubscribedJobs    int    `json:"subscribedJobs"`
	ConnectionID      string `json:"connectionId,omitempty"`
}
