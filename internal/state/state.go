package state

import (
	"encoding/json"
	"fmt"
)

// State is the device session state. Values match the one-byte id used in
// StateCommand and StateEvent frames.
type State uint8

const (
	Idle State = iota
	Listening
	Thinking
	Speaking
)

// NumStates is the size of the closed state set.
const NumStates = 4

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Thinking:
		return "thinking"
	case Speaking:
		return "speaking"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Valid reports whether s belongs to the closed state set.
func (s State) Valid() bool {
	return s < NumStates
}

// FromByte converts a wire state id.
func FromByte(b uint8) (State, error) {
	s := State(b)
	if !s.Valid() {
		return Idle, fmt.Errorf("unknown state id %d", b)
	}
	return s, nil
}

// MarshalJSON implements json.Marshaler.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *State) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	switch name {
	case "idle":
		*s = Idle
	case "listening":
		*s = Listening
	case "thinking":
		*s = Thinking
	case "speaking":
		*s = Speaking
	default:
		return fmt.Errorf("unknown state %q", name)
	}
	return nil
}
