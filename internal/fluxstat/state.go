package fluxstat

import "fmt"

// State is the capture session state.
type State int

const (
	StateIdle State = iota
	StateCapturing
	StateDone
	StateError
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateDone:
		return "done"
	case StateError:
		return "error"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	for v := StateIdle; v <= StateAborted; v++ {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("%w: unknown state %q", ErrInvalidArgument, b)
}

// nextState is the session transition function. Only a capturing session
// moves; every other state is terminal until the next Start.
func nextState(cur State, st DeviceStatus, abortRequested bool) State {
	if cur != StateCapturing {
		return cur
	}
	switch {
	case abortRequested:
		return StateAborted
	case st.Busy:
		return StateCapturing
	case st.Error || st.Overflow:
		return StateError
	case st.Done:
		return StateDone
	default:
		// Idle hardware with no result means the capture was lost.
		return StateError
	}
}
