package player

import "fmt"

// State is the playback state of a Controller.
type State int

const (
	StateReady     State = iota // Item loaded and ready to play
	StatePlaying                // Engine rate > 0
	StatePaused                 // Engine rate == 0
	StateCompleted              // Item played to its end or was removed
	StateError                  // Engine failed to load the item
)

// String returns a human-readable representation of the State
func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateCompleted:
		return "completed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ParseState is the inverse of String.
func ParseState(s string) (State, error) {
	for st := StateReady; st <= StateError; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown playback state %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	st, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = st
	return nil
}
