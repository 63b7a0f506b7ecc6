package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/orderbridge/internal/order"
)

// Adapter is the exchange-specific side of a connector. Paper trading and
// live venues implement it as concrete values selected at construction time.
type Adapter interface {
	// Name identifies the venue in logs and metrics
	Name() string

	// Capabilities describes how the venue behaves
	Capabilities() Capabilities

	// SubmitOrder places an order under req.ClientOrderID
	SubmitOrder(ctx context.Context, req OrderRequest) (SubmitAck, error)

	// CancelOrder requests cancellation of a placed order
	CancelOrder(ctx context.Context, ref OrderRef) (CancelAck, error)

	// PollOrderStatus fetches the current state of a placed order
	PollOrderStatus(ctx context.Context, ref OrderRef) (order.OrderUpdate, error)

	// PollTradeHistory fetches every trade executed against a placed order
	PollTradeHistory(ctx context.Context, ref OrderRef) ([]order.TradeUpdate, error)

	// IsOrderNotFoundDuringStatusUpdate reports whether a status poll error means "unknown order"
	IsOrderNotFoundDuringStatusUpdate(err error) bool

	// IsOrderNotFoundDuringCancelation reports whether a cancel error means "unknown order"
	IsOrderNotFoundDuringCancelation(err error) bool
}

// Capabilities describes venue behavior the engine depends on
type Capabilities struct {
	// SynchronousCancelAck means a cancel response confirms the cancellation,
	// so the order can be marked PENDING_CANCEL before the request is sent.
	SynchronousCancelAck bool `json:"synchronous_cancel_ack"`

	// TradeHistoryOverREST means the poll loop must also fetch trade history
	// because status responses do not carry fills.
	TradeHistoryOverREST bool `json:"trade_history_over_rest"`
}

// OrderRequest describes an order to submit
type OrderRequest struct {
	ClientOrderID string          `json:"client_order_id"`
	TradingPair   string          `json:"trading_pair"`
	Side          order.Side      `json:"side"`
	Kind          order.Kind      `json:"kind"`
	Price         decimal.Decimal `json:"price"`
	Amount        decimal.Decimal `json:"amount"`
}

// Validate checks the request before it reaches the venue
func (r OrderRequest) Validate() error {
	if r.TradingPair == "" {
		return fmt.Errorf("trading pair is required")
	}
	if r.Side != order.SideBuy && r.Side != order.SideSell {
		return fmt.Errorf("invalid order side: %s", r.Side)
	}
	switch r.Kind {
	case order.KindLimit, order.KindLimitMaker, order.KindIOC, order.KindFOK:
		if !r.Price.IsPositive() {
			return fmt.Errorf("%s orders must have a positive price", r.Kind)
		}
	case order.KindMarket:
	default:
		return fmt.Errorf("invalid order kind: %s", r.Kind)
	}
	if !r.Amount.IsPositive() {
		return fmt.Errorf("amount must be positive")
	}
	return nil
}

// OrderRef identifies a placed order in requests to the venue
type OrderRef struct {
	ClientOrderID   string    `json:"client_order_id"`
	ExchangeOrderID string    `json:"exchange_order_id"`
	TradingPair     string    `json:"trading_pair"`
	CreatedAt       time.Time `json:"created_at"`
}

// RefFor builds the reference of a tracked order
func RefFor(s order.Snapshot) OrderRef {
	return OrderRef{
		ClientOrderID:   s.ClientOrderID,
		ExchangeOrderID: s.ExchangeOrderID,
		TradingPair:     s.TradingPair,
		CreatedAt:       s.CreatedAt,
	}
}

// SubmitAck is the venue's acknowledgement of a new order
type SubmitAck struct {
	ExchangeOrderID string              `json:"exchange_order_id"`
	State           order.State         `json:"state"`
	Timestamp       time.Time           `json:"timestamp"`
	Trades          []order.TradeUpdate `json:"trades,omitempty"` // Fills reported inline with the ack
}

// CancelAck is the venue's response to a cancel request
type CancelAck struct {
	State     order.State `json:"state"` // CANCELED when confirmed, PENDING_CANCEL when queued
	Timestamp time.Time   `json:"timestamp"`
}
