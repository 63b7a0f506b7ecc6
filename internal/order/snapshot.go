package order

import (
	"time"

	"github.com/shopspring/decimal"
)

// Snapshot is an immutable copy of an Order, safe to hand to other goroutines
type Snapshot struct {
	ClientOrderID        string                     `json:"client_order_id"`
	ExchangeOrderID      string                     `json:"exchange_order_id,omitempty"`
	TradingPair          string                     `json:"trading_pair"`
	Side                 Side                       `json:"side"`
	Kind                 Kind                       `json:"kind"`
	Price                decimal.Decimal            `json:"price"`
	Amount               decimal.Decimal            `json:"amount"`
	State                State                      `json:"state"`
	ExecutedBase         decimal.Decimal            `json:"executed_base_amount"`
	ExecutedQuote        decimal.Decimal            `json:"executed_quote_amount"`
	AverageExecutedPrice decimal.Decimal            `json:"average_executed_price"`
	Fees                 map[string]decimal.Decimal `json:"fees,omitempty"`
	FillCount            int                        `json:"fill_count"`
	LastUpdate           time.Time                  `json:"last_update_timestamp"`
	CreatedAt            time.Time                  `json:"creation_timestamp"`
	Misc                 map[string]interface{}     `json:"misc,omitempty"`
}

// Snapshot copies the order
func (o *Order) Snapshot() Snapshot {
	fees := make(map[string]decimal.Decimal, len(o.Fees))
	for token, amount := range o.Fees {
		fees[token] = amount
	}
	var misc map[string]interface{}
	if len(o.Misc) > 0 {
		misc = make(map[string]interface{}, len(o.Misc))
		for k, v := range o.Misc {
			misc[k] = v
		}
	}
	return Snapshot{
		ClientOrderID:        o.ClientOrderID,
		ExchangeOrderID:      o.ExchangeOrderID,
		TradingPair:          o.TradingPair,
		Side:                 o.Side,
		Kind:                 o.Kind,
		Price:                o.Price,
		Amount:               o.Amount,
		State:                o.State,
		ExecutedBase:         o.ExecutedBase,
		ExecutedQuote:        o.ExecutedQuote,
		AverageExecutedPrice: o.AverageExecutedPrice(),
		Fees:                 fees,
		FillCount:            len(o.Fills),
		LastUpdate:           o.LastUpdate,
		CreatedAt:            o.CreatedAt,
		Misc:                 misc,
	}
}

// IsDone reports whether the snapshot is in a terminal state
func (s Snapshot) IsDone() bool {
	return s.State.IsTerminal()
}

// TrackingState is the persisted form of an order, enough to resume
// reconciliation after a restart.
type TrackingState struct {
	ClientOrderID   string          `json:"client_order_id"`
	ExchangeOrderID string          `json:"exchange_order_id,omitempty"`
	TradingPair     string          `json:"trading_pair"`
	Side            Side            `json:"side"`
	Kind            Kind            `json:"kind"`
	Price           decimal.Decimal `json:"price"`
	Amount          decimal.Decimal `json:"amount"`
	State           State           `json:"state"`
	Fills           []TradeUpdate   `json:"fills,omitempty"`
	SeenTradeIDs    []string        `json:"seen_trade_ids,omitempty"`
	LastUpdate      time.Time       `json:"last_update_timestamp"`
	CreatedAt       time.Time       `json:"creation_timestamp"`
}

// TrackingState exports the order for persistence
func (o *Order) TrackingState() TrackingState {
	fills := make([]TradeUpdate, len(o.Fills))
	copy(fills, o.Fills)
	return TrackingState{
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: o.ExchangeOrderID,
		TradingPair:     o.TradingPair,
		Side:            o.Side,
		Kind:            o.Kind,
		Price:           o.Price,
		Amount:          o.Amount,
		State:           o.State,
		Fills:           fills,
		SeenTradeIDs:    o.SeenTradeIDs(),
		LastUpdate:      o.LastUpdate,
		CreatedAt:       o.CreatedAt,
	}
}

// FromTrackingState rebuilds an order. Accumulators are recomputed from the
// persisted fills so they always agree with the dedup ledger.
func FromTrackingState(ts TrackingState) *Order {
	o := New(ts.ClientOrderID, ts.TradingPair, ts.Side, ts.Kind, ts.Price, ts.Amount, ts.CreatedAt)
	if ts.ExchangeOrderID != "" {
		// Cannot conflict on a fresh order
		_, _ = o.BindExchangeID(ts.ExchangeOrderID)
	}
	for _, fill := range ts.Fills {
		o.seenTradeIDs[fill.TradeID] = struct{}{}
		o.ExecutedBase = o.ExecutedBase.Add(fill.FillBaseAmount)
		o.ExecutedQuote = o.ExecutedQuote.Add(fill.FillQuoteAmount)
		for _, fee := range fill.Fee.Amounts(fill.FillQuoteAmount) {
			o.Fees[fee.Token] = o.Fees[fee.Token].Add(fee.Amount)
		}
		o.Fills = append(o.Fills, fill)
	}
	for _, id := range ts.SeenTradeIDs {
		o.seenTradeIDs[id] = struct{}{}
	}
	o.State = ts.State
	o.LastUpdate = ts.LastUpdate
	if o.State.IsTerminal() {
		o.TerminalAt = ts.LastUpdate
	}
	return o
}
