// Package order defines the canonical in-flight order record and the rules
// for merging state and fill reports into it.
package order

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side represents buy or sell
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Kind represents the execution style requested for an order
type Kind string

const (
	KindLimit      Kind = "limit"
	KindMarket     Kind = "market"
	KindLimitMaker Kind = "limit_maker"
	KindIOC        Kind = "ioc"
	KindFOK        Kind = "fok"
)

// ErrExchangeIDConflict is returned when an order already carries a different exchange id
var ErrExchangeIDConflict = errors.New("order already bound to a different exchange order id")

// TradeResult describes what happened to a trade applied to an order
type TradeResult int

const (
	TradeApplied TradeResult = iota
	TradeDuplicate
	TradeOverfill
)

func (r TradeResult) String() string {
	switch r {
	case TradeApplied:
		return "applied"
	case TradeDuplicate:
		return "duplicate"
	case TradeOverfill:
		return "overfill"
	default:
		return "unknown"
	}
}

// Transition is an accepted state change
type Transition struct {
	From State
	To   State
}

// Order is the mutable record of one client-originated order.
//
// An Order is not safe for concurrent use. The reconciliation engine is its
// only writer and serializes every mutation.
type Order struct {
	ClientOrderID   string
	ExchangeOrderID string
	TradingPair     string
	Side            Side
	Kind            Kind
	Price           decimal.Decimal
	Amount          decimal.Decimal

	State         State
	ExecutedBase  decimal.Decimal
	ExecutedQuote decimal.Decimal
	Fees          map[string]decimal.Decimal // Cumulative fees by token
	Fills         []TradeUpdate
	LastUpdate    time.Time
	CreatedAt     time.Time
	TerminalAt    time.Time
	Misc          map[string]interface{}

	seenTradeIDs    map[string]struct{}
	terminalEmitted bool
	boundC          chan struct{}
}

// New creates an order in PENDING_CREATE. LastUpdate stays zero until the
// first exchange report so that report is never judged against local time.
func New(clientOrderID, tradingPair string, side Side, kind Kind, price, amount decimal.Decimal, createdAt time.Time) *Order {
	return &Order{
		ClientOrderID: clientOrderID,
		TradingPair:   tradingPair,
		Side:          side,
		Kind:          kind,
		Price:         price,
		Amount:        amount,
		State:         StatePendingCreate,
		Fees:          make(map[string]decimal.Decimal),
		CreatedAt:     createdAt,
		seenTradeIDs:  make(map[string]struct{}),
		boundC:        make(chan struct{}),
	}
}

// IsDone reports whether the order reached a terminal state
func (o *Order) IsDone() bool {
	return o.State.IsTerminal()
}

// HasTrade reports whether a trade id was already applied
func (o *Order) HasTrade(tradeID string) bool {
	_, ok := o.seenTradeIDs[tradeID]
	return ok
}

// SeenTradeIDs returns the dedup ledger as a slice
func (o *Order) SeenTradeIDs() []string {
	ids := make([]string, 0, len(o.seenTradeIDs))
	for id := range o.seenTradeIDs {
		ids = append(ids, id)
	}
	return ids
}

// Remaining returns the amount not yet executed
func (o *Order) Remaining() decimal.Decimal {
	rem := o.Amount.Sub(o.ExecutedBase)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

// AverageExecutedPrice returns executed quote over executed base, or zero with no fills
func (o *Order) AverageExecutedPrice() decimal.Decimal {
	if o.ExecutedBase.IsZero() {
		return decimal.Zero
	}
	return o.ExecutedQuote.Div(o.ExecutedBase)
}

// BindExchangeID sets the exchange order id once. Binding the same id again is a no-op.
func (o *Order) BindExchangeID(exchangeOrderID string) (bool, error) {
	if exchangeOrderID == "" {
		return false, errors.New("empty exchange order id")
	}
	if o.ExchangeOrderID == exchangeOrderID {
		return false, nil
	}
	if o.ExchangeOrderID != "" {
		return false, fmt.Errorf("%w: %s has %s, got %s",
			ErrExchangeIDConflict, o.ClientOrderID, o.ExchangeOrderID, exchangeOrderID)
	}
	o.ExchangeOrderID = exchangeOrderID
	close(o.boundC)
	return true, nil
}

// ExchangeIDBound returns a channel closed once the exchange order id is known
func (o *Order) ExchangeIDBound() <-chan struct{} {
	return o.boundC
}

// MarkTerminalEmitted flips the terminal-event flag. It returns true only the first time.
func (o *Order) MarkTerminalEmitted() bool {
	if o.terminalEmitted {
		return false
	}
	o.terminalEmitted = true
	return true
}

// ApplyUpdate merges a state report. It returns the transition and whether the
// state actually changed; an accepted report for the current state only
// advances LastUpdate.
func (o *Order) ApplyUpdate(u OrderUpdate) (Transition, bool) {
	if !CanTransition(o.State, o.LastUpdate, u.NewState, u.Timestamp) {
		return Transition{}, false
	}
	if len(u.Misc) > 0 {
		o.Misc = u.Misc
	}
	return o.setState(u.NewState, u.Timestamp)
}

// ForceState replaces the state without evaluating the transition rule.
// Terminal orders are left unchanged.
func (o *Order) ForceState(s State, ts time.Time) (Transition, bool) {
	if o.State.IsTerminal() {
		return Transition{}, false
	}
	return o.setState(s, ts)
}

// RevertPendingCancel rolls back a local optimistic PENDING_CANCEL to prev.
// Fills applied while the cancel was pending are kept: prev is raised to
// PARTIALLY_FILLED when executed base is positive.
func (o *Order) RevertPendingCancel(prev State) (Transition, bool) {
	if o.State != StatePendingCancel || prev == StatePendingCancel || prev.IsTerminal() {
		return Transition{}, false
	}
	target := prev
	if o.ExecutedBase.IsPositive() && prev.Rank() < StatePartiallyFilled.Rank() {
		target = StatePartiallyFilled
	}
	return o.setState(target, o.LastUpdate)
}

// StaleSince is the time staleness is measured from: the last exchange
// report, or creation when no report arrived yet.
func (o *Order) StaleSince() time.Time {
	if o.LastUpdate.After(o.CreatedAt) {
		return o.LastUpdate
	}
	return o.CreatedAt
}

// ApplyTrade merges one fill. epsilon is the exchange's fill tolerance.
//
// A trade id is applied at most once. A trade that would push executed base
// beyond Amount+epsilon is recorded as seen but not accumulated. After an
// applied fill the state advances to FILLED when the order is complete, or to
// PARTIALLY_FILLED from OPEN/PENDING_CREATE.
func (o *Order) ApplyTrade(t TradeUpdate, epsilon decimal.Decimal) (TradeResult, Transition, bool) {
	if o.HasTrade(t.TradeID) {
		return TradeDuplicate, Transition{}, false
	}
	o.seenTradeIDs[t.TradeID] = struct{}{}

	executed := o.ExecutedBase.Add(t.FillBaseAmount)
	if executed.GreaterThan(o.Amount.Add(epsilon)) {
		return TradeOverfill, Transition{}, false
	}

	o.ExecutedBase = executed
	o.ExecutedQuote = o.ExecutedQuote.Add(t.FillQuoteAmount)
	for _, fee := range t.Fee.Amounts(t.FillQuoteAmount) {
		o.Fees[fee.Token] = o.Fees[fee.Token].Add(fee.Amount)
	}
	o.Fills = append(o.Fills, t)

	if o.State.IsTerminal() {
		return TradeApplied, Transition{}, false
	}

	switch {
	case o.ExecutedBase.GreaterThanOrEqual(o.Amount.Sub(epsilon)):
		tr, changed := o.setState(StateFilled, t.Timestamp)
		return TradeApplied, tr, changed
	case o.ExecutedBase.IsPositive() && (o.State == StateOpen || o.State == StatePendingCreate):
		tr, changed := o.setState(StatePartiallyFilled, t.Timestamp)
		return TradeApplied, tr, changed
	}

	if t.Timestamp.After(o.LastUpdate) {
		o.LastUpdate = t.Timestamp
	}
	return TradeApplied, Transition{}, false
}

func (o *Order) setState(s State, ts time.Time) (Transition, bool) {
	if ts.After(o.LastUpdate) {
		o.LastUpdate = ts
	}
	if s == o.State {
		return Transition{}, false
	}
	tr := Transition{From: o.State, To: s}
	o.State = s
	if s.IsTerminal() {
		o.TerminalAt = o.LastUpdate
	}
	return tr, true
}
