package events

import (
	"time"

	"github.com/ajitpratap0/orderbridge/internal/order"
)

// StateChanged is emitted on every accepted state transition
type StateChanged struct {
	Connector string         `json:"connector"`
	Order     order.Snapshot `json:"order"`
	Old       order.State    `json:"old_state"`
	New       order.State    `json:"new_state"`
	Timestamp time.Time      `json:"timestamp"`
}

// IsTerminal reports whether the transition closed the order
func (e StateChanged) IsTerminal() bool {
	return e.New.IsTerminal()
}

// Fill is emitted once per newly applied trade
type Fill struct {
	Connector string            `json:"connector"`
	Order     order.Snapshot    `json:"order"`
	Trade     order.TradeUpdate `json:"trade"`
}

// Bus groups the two event streams of one connector
type Bus struct {
	States *Topic[StateChanged]
	Fills  *Topic[Fill]
}

// NewBus creates a bus with open topics
func NewBus() *Bus {
	return &Bus{
		States: NewTopic[StateChanged](),
		Fills:  NewTopic[Fill](),
	}
}

// Close closes both topics
func (b *Bus) Close() {
	b.States.Close()
	b.Fills.Close()
}
