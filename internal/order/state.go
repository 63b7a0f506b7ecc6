package order

import (
	"fmt"
	"time"
)

// State represents the lifecycle state of a tracked order
type State string

const (
	StatePendingCreate   State = "PENDING_CREATE"
	StateOpen            State = "OPEN"
	StatePartiallyFilled State = "PARTIALLY_FILLED"
	StatePendingCancel   State = "PENDING_CANCEL"
	StateFilled          State = "FILLED"
	StateCanceled        State = "CANCELED"
	StateFailed          State = "FAILED"
)

// rank orders states by how advanced they are. Terminal states share the top
// rank and are mutually exclusive.
var rank = map[State]int{
	StatePendingCreate:   0,
	StateOpen:            1,
	StatePartiallyFilled: 2,
	StatePendingCancel:   3,
	StateFilled:          4,
	StateCanceled:        4,
	StateFailed:          4,
}

// ParseState converts a string into a State
func ParseState(s string) (State, error) {
	st := State(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown order state: %q", s)
	}
	return st, nil
}

// Valid reports whether s is a known state
func (s State) Valid() bool {
	_, ok := rank[s]
	return ok
}

// IsTerminal reports whether s is absorbing (FILLED, CANCELED or FAILED)
func (s State) IsTerminal() bool {
	return s == StateFilled || s == StateCanceled || s == StateFailed
}

// IsOpen reports whether the order can still rest on the exchange book
func (s State) IsOpen() bool {
	return s == StateOpen || s == StatePartiallyFilled || s == StatePendingCancel
}

// Rank returns the position of s in the total progress order
func (s State) Rank() int {
	return rank[s]
}

func (s State) String() string {
	return string(s)
}

// CanTransition evaluates the transition rule for a candidate state.
//
// Nothing leaves a terminal state. A terminal candidate always replaces a
// non-terminal current state, whatever its timestamp. A non-terminal
// candidate is accepted only if it is not less advanced than the current
// state and is not older than the last applied update.
func CanTransition(current State, lastUpdate time.Time, candidate State, ts time.Time) bool {
	if !candidate.Valid() || current.IsTerminal() {
		return false
	}
	if candidate.IsTerminal() {
		return true
	}
	if candidate.Rank() < current.Rank() {
		return false
	}
	return !ts.Before(lastUpdate)
}
