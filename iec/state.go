package iec

// State of protocol session as reported by engine.
// Session manager reacts to Connected and Disconnected only, others are informational.
type State int32

const (
	StateDisconnected State = iota
	StateLookup
	StateConnecting
	StateConnected
	StateSleeping
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateLookup:
		return "lookup"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSleeping:
		return "sleeping"
	}
	return "unknown"
}

type StateListener interface {
	StateChanged(s State, err error)
}

type StateListenerFunc func(State, error)

func (f StateListenerFunc) StateChanged(s State, err error) { f(s, err) }
