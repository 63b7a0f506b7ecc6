package order

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrMissingOrderReference is returned when an update names neither a client nor an exchange order id
	ErrMissingOrderReference = errors.New("update carries neither client_order_id nor exchange_order_id")

	// ErrMissingTradeID is returned for trade updates without a trade id
	ErrMissingTradeID = errors.New("trade update carries no trade_id")
)

// OrderUpdate is a normalized state report for one order, produced by either
// the user stream or the status poll.
type OrderUpdate struct {
	ClientOrderID   string                 `json:"client_order_id,omitempty"`
	ExchangeOrderID string                 `json:"exchange_order_id,omitempty"`
	TradingPair     string                 `json:"trading_pair,omitempty"`
	NewState        State                  `json:"new_state"`
	Timestamp       time.Time              `json:"update_timestamp"`
	Misc            map[string]interface{} `json:"misc,omitempty"` // Diagnostic payload, e.g. rejection reason
}

// Validate checks the update is structurally usable
func (u OrderUpdate) Validate() error {
	if u.ClientOrderID == "" && u.ExchangeOrderID == "" {
		return ErrMissingOrderReference
	}
	if !u.NewState.Valid() {
		return errors.New("order update carries an unknown state: " + string(u.NewState))
	}
	return nil
}

// TokenAmount is an amount of a specific token
type TokenAmount struct {
	Token  string          `json:"token"`
	Amount decimal.Decimal `json:"amount"`
}

// Fee describes what a fill cost. Exchanges report either flat amounts per
// token or a percentage of the fill's quote amount.
type Fee struct {
	Percent      decimal.Decimal `json:"percent,omitempty"`
	PercentToken string          `json:"percent_token,omitempty"`
	Flat         []TokenAmount   `json:"flat,omitempty"`
}

// FlatFee builds a fee with a single flat amount
func FlatFee(token string, amount decimal.Decimal) Fee {
	return Fee{Flat: []TokenAmount{{Token: token, Amount: amount}}}
}

// PercentFee builds a percentage fee charged in token
func PercentFee(percent decimal.Decimal, token string) Fee {
	return Fee{Percent: percent, PercentToken: token}
}

// Amounts resolves the fee into token amounts for a fill of fillQuote
func (f Fee) Amounts(fillQuote decimal.Decimal) []TokenAmount {
	amounts := make([]TokenAmount, 0, len(f.Flat)+1)
	if !f.Percent.IsZero() {
		amounts = append(amounts, TokenAmount{
			Token:  f.PercentToken,
			Amount: fillQuote.Mul(f.Percent),
		})
	}
	for _, flat := range f.Flat {
		if flat.Amount.IsZero() {
			continue
		}
		amounts = append(amounts, flat)
	}
	return amounts
}

// TradeUpdate is one execution against an order
type TradeUpdate struct {
	TradeID         string          `json:"trade_id"`
	ClientOrderID   string          `json:"client_order_id,omitempty"`
	ExchangeOrderID string          `json:"exchange_order_id,omitempty"`
	TradingPair     string          `json:"trading_pair,omitempty"`
	FillPrice       decimal.Decimal `json:"fill_price"`
	FillBaseAmount  decimal.Decimal `json:"fill_base_amount"`
	FillQuoteAmount decimal.Decimal `json:"fill_quote_amount"`
	Fee             Fee             `json:"fee"`
	Timestamp       time.Time       `json:"fill_timestamp"`
}

// Validate checks the trade is structurally usable
func (t TradeUpdate) Validate() error {
	if t.TradeID == "" {
		return ErrMissingTradeID
	}
	if t.ClientOrderID == "" && t.ExchangeOrderID == "" {
		return ErrMissingOrderReference
	}
	if !t.FillBaseAmount.IsPositive() {
		return errors.New("trade update fill_base_amount must be positive")
	}
	if t.FillQuoteAmount.IsNegative() {
		return errors.New("trade update fill_quote_amount must not be negative")
	}
	return nil
}
