package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/orderbridge/internal/order"
)

// PaperConfig configures the paper trading venue
type PaperConfig struct {
	Name         string
	Capabilities Capabilities
	BaseSlippage float64 // Base slippage ratio for market orders
	MarketImpact float64 // Additional slippage per million quote units
	MaxSlippage  float64 // Slippage cap
	TakerFee     float64 // Fee ratio charged on fills, in the quote token
}

// DefaultPaperConfig returns Binance-like paper trading settings
func DefaultPaperConfig() PaperConfig {
	return PaperConfig{
		Name: "paper",
		Capabilities: Capabilities{
			SynchronousCancelAck: true,
			TradeHistoryOverREST: true,
		},
		BaseSlippage: 0.0005,
		MarketImpact: 0.0001,
		MaxSlippage:  0.003,
		TakerFee:     0.001,
	}
}

// paperOrder is the venue-side view of an order
type paperOrder struct {
	req        OrderRequest
	exchangeID string
	state      order.State
	filled     decimal.Decimal
	trades     []order.TradeUpdate
	createdAt  time.Time
	updatedAt  time.Time
}

// PaperAdapter is an in-process venue for paper trading and tests. Market
// orders fill immediately with simulated slippage, limit orders rest until
// Fill is called. Failures can be injected per operation.
type PaperAdapter struct {
	cfg PaperConfig

	mu           sync.Mutex
	orders       map[string]*paperOrder // by exchange id
	byClientID   map[string]string
	marketPrices map[string]decimal.Decimal
	failures     map[string][]error
	nextOrderID  int64
	nextTradeID  int64
	now          func() time.Time
}

// NewPaperAdapter creates a paper venue
func NewPaperAdapter(cfg PaperConfig) *PaperAdapter {
	if cfg.Name == "" {
		cfg.Name = "paper"
	}

	log.Info().
		Str("venue", cfg.Name).
		Float64("taker_fee", cfg.TakerFee).
		Float64("base_slippage", cfg.BaseSlippage).
		Msg("Paper venue initialized")

	return &PaperAdapter{
		cfg:          cfg,
		orders:       make(map[string]*paperOrder),
		byClientID:   make(map[string]string),
		marketPrices: make(map[string]decimal.Decimal),
		failures:     make(map[string][]error),
		nextOrderID:  1000,
		nextTradeID:  5000,
		now:          time.Now,
	}
}

// Name returns the venue name
func (p *PaperAdapter) Name() string {
	return p.cfg.Name
}

// Capabilities returns the configured capabilities
func (p *PaperAdapter) Capabilities() Capabilities {
	return p.cfg.Capabilities
}

// SetClock replaces the venue clock
func (p *PaperAdapter) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// SetMarketPrice sets the mid price used for market fills
func (p *PaperAdapter) SetMarketPrice(tradingPair string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.marketPrices[tradingPair] = price
}

// FailNext makes the next call of op (submit, cancel, status, trades) return err
func (p *PaperAdapter) FailNext(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[op] = append(p.failures[op], err)
}

// Forget drops an order from the venue so later requests answer "not found"
func (p *PaperAdapter) Forget(exchangeOrderID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if po, ok := p.orders[exchangeOrderID]; ok {
		delete(p.byClientID, po.req.ClientOrderID)
		delete(p.orders, exchangeOrderID)
	}
}

// SubmitOrder places an order
func (p *PaperAdapter) SubmitOrder(ctx context.Context, req OrderRequest) (SubmitAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.injected("submit"); err != nil {
		return SubmitAck{}, err
	}
	if err := ctx.Err(); err != nil {
		return SubmitAck{}, err
	}
	if err := req.Validate(); err != nil {
		log.Warn().
			Err(err).
			Str("client_order_id", req.ClientOrderID).
			Msg("Order validation failed")
		return SubmitAck{}, NewChannelError(KindRejected, "submit", err)
	}
	if _, exists := p.byClientID[req.ClientOrderID]; exists {
		return SubmitAck{}, NewChannelError(KindRejected, "submit",
			fmt.Errorf("duplicate client order id %s", req.ClientOrderID))
	}

	now := p.now()
	p.nextOrderID++
	po := &paperOrder{
		req:        req,
		exchangeID: strconv.FormatInt(p.nextOrderID, 10),
		state:      order.StateOpen,
		filled:     decimal.Zero,
		createdAt:  now,
		updatedAt:  now,
	}

	mid, hasMid := p.marketPrices[req.TradingPair]
	marketable := hasMid && (req.Side == order.SideBuy && req.Price.GreaterThanOrEqual(mid) ||
		req.Side == order.SideSell && req.Price.LessThanOrEqual(mid))

	switch req.Kind {
	case order.KindMarket:
		if !hasMid {
			return SubmitAck{}, NewChannelError(KindRejected, "submit",
				fmt.Errorf("no market price for %s", req.TradingPair))
		}
		p.simulateMarketFill(po, mid, now)
	case order.KindLimitMaker:
		if marketable {
			return SubmitAck{}, NewChannelError(KindRejected, "submit",
				errors.New("limit maker order would immediately match"))
		}
	case order.KindIOC, order.KindFOK:
		if marketable {
			p.fillLocked(po, req.Amount, req.Price, now)
		} else {
			po.state = order.StateCanceled
		}
	}

	p.orders[po.exchangeID] = po
	p.byClientID[req.ClientOrderID] = po.exchangeID

	log.Info().
		Str("client_order_id", req.ClientOrderID).
		Str("exchange_order_id", po.exchangeID).
		Str("trading_pair", req.TradingPair).
		Str("kind", string(req.Kind)).
		Str("state", po.state.String()).
		Msg("Paper order placed")

	trades := make([]order.TradeUpdate, len(po.trades))
	copy(trades, po.trades)
	return SubmitAck{
		ExchangeOrderID: po.exchangeID,
		State:           po.state,
		Timestamp:       now,
		Trades:          trades,
	}, nil
}

// CancelOrder cancels a resting order. Orders that already left the book
// answer "not found", like most live venues do.
func (p *PaperAdapter) CancelOrder(ctx context.Context, ref OrderRef) (CancelAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.injected("cancel"); err != nil {
		return CancelAck{}, err
	}
	po, ok := p.lookup(ref)
	if !ok || po.state.IsTerminal() {
		return CancelAck{}, NewChannelError(KindNotFound, "cancel",
			fmt.Errorf("unknown order %s", ref.ExchangeOrderID))
	}

	now := p.now()
	po.state = order.StateCanceled
	po.updatedAt = now

	log.Info().
		Str("client_order_id", po.req.ClientOrderID).
		Str("exchange_order_id", po.exchangeID).
		Msg("Paper order cancelled")

	return CancelAck{State: order.StateCanceled, Timestamp: now}, nil
}

// PollOrderStatus returns the venue state of an order
func (p *PaperAdapter) PollOrderStatus(ctx context.Context, ref OrderRef) (order.OrderUpdate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.injected("status"); err != nil {
		return order.OrderUpdate{}, err
	}
	po, ok := p.lookup(ref)
	if !ok {
		return order.OrderUpdate{}, NewChannelError(KindNotFound, "status",
			fmt.Errorf("unknown order %s", ref.ExchangeOrderID))
	}
	return order.OrderUpdate{
		ClientOrderID:   po.req.ClientOrderID,
		ExchangeOrderID: po.exchangeID,
		TradingPair:     po.req.TradingPair,
		NewState:        po.state,
		Timestamp:       po.updatedAt,
	}, nil
}

// PollTradeHistory returns every fill of an order
func (p *PaperAdapter) PollTradeHistory(ctx context.Context, ref OrderRef) ([]order.TradeUpdate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.injected("trades"); err != nil {
		return nil, err
	}
	po, ok := p.lookup(ref)
	if !ok {
		return nil, NewChannelError(KindNotFound, "trades",
			fmt.Errorf("unknown order %s", ref.ExchangeOrderID))
	}
	trades := make([]order.TradeUpdate, len(po.trades))
	copy(trades, po.trades)
	return trades, nil
}

// IsOrderNotFoundDuringStatusUpdate reports whether err is the venue's "unknown order"
func (p *PaperAdapter) IsOrderNotFoundDuringStatusUpdate(err error) bool {
	return IsNotFound(err)
}

// IsOrderNotFoundDuringCancelation reports whether err is the venue's "unknown order"
func (p *PaperAdapter) IsOrderNotFoundDuringCancelation(err error) bool {
	return IsNotFound(err)
}

// Fill executes amount of a resting order at its limit price and returns the new trade
func (p *PaperAdapter) Fill(exchangeOrderID string, amount decimal.Decimal) (order.TradeUpdate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	po, ok := p.orders[exchangeOrderID]
	if !ok {
		return order.TradeUpdate{}, fmt.Errorf("unknown order %s", exchangeOrderID)
	}
	if po.state.IsTerminal() {
		return order.TradeUpdate{}, fmt.Errorf("order %s is %s", exchangeOrderID, po.state)
	}
	remaining := po.req.Amount.Sub(po.filled)
	if amount.GreaterThan(remaining) {
		amount = remaining
	}
	price := po.req.Price
	if price.IsZero() {
		price = p.marketPrices[po.req.TradingPair]
	}
	return p.fillLocked(po, amount, price, p.now()), nil
}

func (p *PaperAdapter) fillLocked(po *paperOrder, amount, price decimal.Decimal, at time.Time) order.TradeUpdate {
	p.nextTradeID++
	quote := amount.Mul(price)
	_, quoteToken := SplitTradingPair(po.req.TradingPair)
	trade := order.TradeUpdate{
		TradeID:         strconv.FormatInt(p.nextTradeID, 10),
		ClientOrderID:   po.req.ClientOrderID,
		ExchangeOrderID: po.exchangeID,
		TradingPair:     po.req.TradingPair,
		FillPrice:       price,
		FillBaseAmount:  amount,
		FillQuoteAmount: quote,
		Fee:             order.PercentFee(decimal.NewFromFloat(p.cfg.TakerFee), quoteToken),
		Timestamp:       at,
	}
	po.trades = append(po.trades, trade)
	po.filled = po.filled.Add(amount)
	po.updatedAt = at
	if po.filled.GreaterThanOrEqual(po.req.Amount) {
		po.state = order.StateFilled
	} else {
		po.state = order.StatePartiallyFilled
	}
	return trade
}

// simulateMarketFill fills a market order at mid plus slippage, split into
// several partial fills for larger orders.
func (p *PaperAdapter) simulateMarketFill(po *paperOrder, mid decimal.Decimal, at time.Time) {
	slippage := decimal.NewFromFloat(p.calculateSlippage(po.req.Amount, mid))
	one := decimal.NewFromInt(1)

	basePrice := mid.Mul(one.Add(slippage))
	if po.req.Side == order.SideSell {
		basePrice = mid.Mul(one.Sub(slippage))
	}

	// Small orders fill in one go
	if po.req.Amount.LessThan(one) {
		p.fillLocked(po, po.req.Amount, basePrice, at)
		return
	}

	const maxFills = 5
	remaining := po.req.Amount
	fillTime := at
	for fillCount := 0; remaining.IsPositive() && fillCount < maxFills; fillCount++ {
		fillQty := remaining
		if fillCount < maxFills-1 {
			portion := decimal.NewFromFloat(0.2 + 0.2*float64(fillCount)/float64(maxFills))
			fillQty = remaining.Mul(portion).Round(8)
			if fillQty.LessThan(decimal.NewFromFloat(0.01)) {
				fillQty = remaining
			}
		}

		// Each deeper fill walks the book by 0.01%
		variation := decimal.NewFromFloat(0.0001 * float64(fillCount))
		price := basePrice.Mul(one.Add(variation))
		if po.req.Side == order.SideSell {
			price = basePrice.Mul(one.Sub(variation))
		}

		p.fillLocked(po, fillQty, price, fillTime)
		remaining = remaining.Sub(fillQty)
		fillTime = fillTime.Add(time.Microsecond * time.Duration(100+fillCount*50))
	}
}

func (p *PaperAdapter) calculateSlippage(amount, price decimal.Decimal) float64 {
	orderSize, _ := amount.Mul(price).Float64()
	slippage := p.cfg.BaseSlippage + p.cfg.MarketImpact*orderSize/1000000.0
	if slippage > p.cfg.MaxSlippage {
		slippage = p.cfg.MaxSlippage
	}
	return slippage
}

func (p *PaperAdapter) lookup(ref OrderRef) (*paperOrder, bool) {
	if ref.ExchangeOrderID != "" {
		po, ok := p.orders[ref.ExchangeOrderID]
		return po, ok
	}
	id, ok := p.byClientID[ref.ClientOrderID]
	if !ok {
		return nil, false
	}
	po, ok := p.orders[id]
	return po, ok
}

func (p *PaperAdapter) injected(op string) error {
	queue := p.failures[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	p.failures[op] = queue[1:]
	return err
}

// SplitTradingPair splits "BTC-USDT" into its base and quote tokens
func SplitTradingPair(tradingPair string) (string, string) {
	base, quote, ok := strings.Cut(tradingPair, "-")
	if !ok {
		return tradingPair, ""
	}
	return base, quote
}
