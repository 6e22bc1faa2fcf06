package session

// State is the lifecycle state of a DeviceSession.
//
// Transitions: Disconnected -> Connecting -> Connected -> Closing ->
// Disconnected. Send/receive operations are permitted only in Connected.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
)

// stateStrings maps State values to their lowercase JSON string representation.
var stateStrings = map[State]string{
	StateDisconnected: "disconnected",
	StateConnecting:   "connecting",
	StateConnected:    "connected",
	StateClosing:      "closing",
}

// String returns the string representation of State.
func (s State) String() string {
	if str, ok := stateStrings[s]; ok {
		return str
	}
	return "disconnected"
}

// MarshalJSON serializes State as a JSON string (e.g. "connected").
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}
