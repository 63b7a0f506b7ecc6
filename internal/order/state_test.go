package order

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParseState tests state parsing
func TestParseState(t *testing.T) {
	st, err := ParseState("PARTIALLY_FILLED")
	require.NoError(t, err)
	assert.Equal(t, StatePartiallyFilled, st)

	_, err = ParseState("EXPIRED")
	assert.Error(t, err)
}

// TestStateClassification tests terminal and open classification
func TestStateClassification(t *testing.T) {
	for _, s := range []State{StateFilled, StateCanceled, StateFailed} {
		assert.True(t, s.IsTerminal(), s)
		assert.False(t, s.IsOpen(), s)
	}
	for _, s := range []State{StatePendingCreate, StateOpen, StatePartiallyFilled, StatePendingCancel} {
		assert.False(t, s.IsTerminal(), s)
	}
	assert.False(t, StatePendingCreate.IsOpen())
	assert.True(t, StatePendingCancel.IsOpen())
}

// TestCanTransition tests the rank/timestamp transition rule
func TestCanTransition(t *testing.T) {
	t0 := time.Unix(1640000000, 0)
	earlier := t0.Add(-time.Second)
	later := t0.Add(time.Second)

	tests := []struct {
		name      string
		current   State
		candidate State
		ts        time.Time
		want      bool
	}{
		{"advance with newer timestamp", StatePendingCreate, StateOpen, later, true},
		{"advance with equal timestamp", StateOpen, StatePartiallyFilled, t0, true},
		{"advance with stale timestamp", StateOpen, StatePartiallyFilled, earlier, false},
		{"same state newer timestamp", StateOpen, StateOpen, later, true},
		{"regression rejected", StatePartiallyFilled, StateOpen, later, false},
		{"pending cancel not regressed by open", StatePendingCancel, StateOpen, later, false},
		{"pending cancel not regressed by partial", StatePendingCancel, StatePartiallyFilled, later, false},
		{"terminal wins with stale timestamp", StatePartiallyFilled, StateFilled, earlier, true},
		{"cancel wins from pending cancel", StatePendingCancel, StateCanceled, earlier, true},
		{"failed from pending create", StatePendingCreate, StateFailed, earlier, true},
		{"terminal is absorbing", StateFilled, StateCanceled, later, false},
		{"terminal ignores same terminal", StateCanceled, StateCanceled, later, false},
		{"terminal ignores non-terminal", StateFailed, StateOpen, later, false},
		{"unknown candidate", StateOpen, State("EXPIRED"), later, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.current, t0, tt.candidate, tt.ts))
		})
	}
}
