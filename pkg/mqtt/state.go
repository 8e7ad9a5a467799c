package mqtt

import "github.com/benmeehan/fleet-monitor/pkg/events"

// State is the lifecycle state of the broker connection.
type State uint8

const (
	// StateDisconnected indicates no session, either initially or after a manual disconnect.
	StateDisconnected State = iota

	// StateConnecting indicates a connect attempt is in flight.
	StateConnecting

	// StateConnected indicates a live session.
	StateConnected

	// StateReconnecting indicates the session was lost and a retry is scheduled.
	StateReconnecting

	// StateError indicates the last attempt failed terminally. Only Connect or
	// UpdateConfig leave this state.
	StateError
)

// String returns the state name used in events and logs.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StatusEvent is the payload of ConnectionStatusChanged.
type StatusEvent struct {
	Status State `json:"status"`
	Error  error `json:"-"`
}

// ConnectionStatusChanged is emitted on every connection state transition.
var ConnectionStatusChanged = events.NewTopic[StatusEvent]("connectionStatusChanged")
