package claims

import (
	"encoding/json"
	"fmt"
)

// State is the lifecycle state of a claim.
type State int32

const (
	StateMinted State = iota + 1
	StateExecuted
	StateCancelled
	StateExpired
)

var stateNames = map[State]string{
	StateMinted:    "minted",
	StateExecuted:  "executed",
	StateCancelled: "cancelled",
	StateExpired:   "expired",
}

// String returns the lowercase state name.
func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Terminal reports whether s has no outgoing transitions.
func (s State) Terminal() bool {
	return s == StateExecuted || s == StateCancelled || s == StateExpired
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
// The only legal edges leave Minted.
func CanTransition(from, to State) bool {
	return from == StateMinted && to.Terminal()
}

// ParseState parses a state name.
func ParseState(s string) (State, error) {
	for st, n := range stateNames {
		if n == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown claim state %q", s)
}

// MarshalJSON encodes the state name.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a state name.
func (s *State) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	st, err := ParseState(name)
	if err != nil {
		return err
	}
	*s = st
	return nil
}
