package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/orderbridge/internal/order"
)

// Binance API error codes the adapter classifies
const (
	binanceCodeUnknown          = -1000
	binanceCodeDisconnected     = -1001
	binanceCodeTooManyRequests  = -1003
	binanceCodeTooManyOrders    = -1015
	binanceCodeTimestamp        = -1021
	binanceCodeInvalidSignature = -1022
	binanceCodeCancelRejected   = -2011
	binanceCodeNoSuchOrder      = -2013
	binanceCodeBadAPIKeyFormat  = -2014
	binanceCodeRejectedMBXKey   = -2015
)

// BinanceConfig contains configuration for the Binance adapter
type BinanceConfig struct {
	APIKey    string
	SecretKey string
	Testnet   bool
}

// BinanceAdapter implements Adapter for Binance spot
type BinanceAdapter struct {
	client  *binance.Client
	testnet bool
}

// NewBinanceAdapter creates a Binance spot adapter
func NewBinanceAdapter(cfg BinanceConfig) *BinanceAdapter {
	if cfg.Testnet {
		binance.UseTestnet = true
		log.Info().Msg("Binance adapter initialized (TESTNET mode)")
	} else {
		log.Warn().Msg("Binance adapter initialized (LIVE TRADING mode)")
	}

	return &BinanceAdapter{
		client:  binance.NewClient(cfg.APIKey, cfg.SecretKey),
		testnet: cfg.Testnet,
	}
}

// Name returns the venue name
func (b *BinanceAdapter) Name() string {
	if b.testnet {
		return "binance_testnet"
	}
	return "binance"
}

// Capabilities describes Binance spot. Cancel responses confirm the
// cancellation; order status carries cumulative amounts only, so fills come
// from the trade list.
func (b *BinanceAdapter) Capabilities() Capabilities {
	return Capabilities{
		SynchronousCancelAck: true,
		TradeHistoryOverREST: true,
	}
}

// SubmitOrder places an order under the client order id
func (b *BinanceAdapter) SubmitOrder(ctx context.Context, req OrderRequest) (SubmitAck, error) {
	if err := req.Validate(); err != nil {
		return SubmitAck{}, NewChannelError(KindRejected, "submit", err)
	}

	side := binance.SideTypeBuy
	if req.Side == order.SideSell {
		side = binance.SideTypeSell
	}

	svc := b.client.NewCreateOrderService().
		Symbol(BinanceSymbol(req.TradingPair)).
		Side(side).
		NewClientOrderID(req.ClientOrderID).
		Quantity(req.Amount.String())

	switch req.Kind {
	case order.KindMarket:
		svc = svc.Type(binance.OrderTypeMarket)
	case order.KindLimitMaker:
		svc = svc.Type(binance.OrderTypeLimitMaker).Price(req.Price.String())
	case order.KindIOC:
		svc = svc.Type(binance.OrderTypeLimit).TimeInForce(binance.TimeInForceTypeIOC).Price(req.Price.String())
	case order.KindFOK:
		svc = svc.Type(binance.OrderTypeLimit).TimeInForce(binance.TimeInForceTypeFOK).Price(req.Price.String())
	default:
		svc = svc.Type(binance.OrderTypeLimit).TimeInForce(binance.TimeInForceTypeGTC).Price(req.Price.String())
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return SubmitAck{}, classifyBinance("submit", err)
	}

	exchangeID := strconv.FormatInt(resp.OrderID, 10)
	ts := time.UnixMilli(resp.TransactTime)
	state := binanceState(string(resp.Status))

	log.Info().
		Str("client_order_id", req.ClientOrderID).
		Str("exchange_order_id", exchangeID).
		Str("symbol", resp.Symbol).
		Str("status", string(resp.Status)).
		Msg("Order placed on Binance")

	_, quoteToken := SplitTradingPair(req.TradingPair)
	var trades []order.TradeUpdate
	for _, fill := range resp.Fills {
		if fill == nil {
			continue
		}
		price, _ := decimal.NewFromString(fill.Price)
		qty, _ := decimal.NewFromString(fill.Quantity)
		commission, _ := decimal.NewFromString(fill.Commission)
		if !qty.IsPositive() {
			continue
		}
		trades = append(trades, order.TradeUpdate{
			TradeID:         strconv.FormatInt(fill.TradeID, 10),
			ClientOrderID:   req.ClientOrderID,
			ExchangeOrderID: exchangeID,
			TradingPair:     req.TradingPair,
			FillPrice:       price,
			FillBaseAmount:  qty,
			FillQuoteAmount: qty.Mul(price),
			Fee:             feeFor(fill.CommissionAsset, commission, quoteToken),
			Timestamp:       ts,
		})
	}

	return SubmitAck{
		ExchangeOrderID: exchangeID,
		State:           state,
		Timestamp:       ts,
		Trades:          trades,
	}, nil
}

// CancelOrder cancels an order by exchange id, or by client id when unbound
func (b *BinanceAdapter) CancelOrder(ctx context.Context, ref OrderRef) (CancelAck, error) {
	svc := b.client.NewCancelOrderService().Symbol(BinanceSymbol(ref.TradingPair))
	if ref.ExchangeOrderID != "" {
		id, err := strconv.ParseInt(ref.ExchangeOrderID, 10, 64)
		if err != nil {
			return CancelAck{}, NewChannelError(KindRejected, "cancel", fmt.Errorf("invalid exchange order id: %w", err))
		}
		svc = svc.OrderID(id)
	} else {
		svc = svc.OrigClientOrderID(ref.ClientOrderID)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return CancelAck{}, classifyBinance("cancel", err)
	}

	log.Info().
		Str("client_order_id", ref.ClientOrderID).
		Str("exchange_order_id", ref.ExchangeOrderID).
		Str("status", string(resp.Status)).
		Msg("Order cancelled on Binance")

	return CancelAck{
		State:     binanceState(string(resp.Status)),
		Timestamp: time.UnixMilli(resp.TransactTime),
	}, nil
}

// PollOrderStatus queries an order
func (b *BinanceAdapter) PollOrderStatus(ctx context.Context, ref OrderRef) (order.OrderUpdate, error) {
	id, err := strconv.ParseInt(ref.ExchangeOrderID, 10, 64)
	if err != nil {
		return order.OrderUpdate{}, NewChannelError(KindRejected, "status", fmt.Errorf("invalid exchange order id: %w", err))
	}

	resp, err := b.client.NewGetOrderService().
		Symbol(BinanceSymbol(ref.TradingPair)).
		OrderID(id).
		Do(ctx)
	if err != nil {
		return order.OrderUpdate{}, classifyBinance("status", err)
	}

	return order.OrderUpdate{
		ClientOrderID:   resp.ClientOrderID,
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		TradingPair:     ref.TradingPair,
		NewState:        binanceState(string(resp.Status)),
		Timestamp:       time.UnixMilli(resp.UpdateTime),
		Misc: map[string]interface{}{
			"executed_qty":         resp.ExecutedQuantity,
			"cumulative_quote_qty": resp.CummulativeQuoteQuantity,
		},
	}, nil
}

// PollTradeHistory lists the account trades of an order since it was created
func (b *BinanceAdapter) PollTradeHistory(ctx context.Context, ref OrderRef) ([]order.TradeUpdate, error) {
	id, err := strconv.ParseInt(ref.ExchangeOrderID, 10, 64)
	if err != nil {
		return nil, NewChannelError(KindRejected, "trades", fmt.Errorf("invalid exchange order id: %w", err))
	}

	svc := b.client.NewListTradesService().Symbol(BinanceSymbol(ref.TradingPair))
	if !ref.CreatedAt.IsZero() {
		// Exchange and local clocks may disagree by up to the recv window
		svc = svc.StartTime(ref.CreatedAt.Add(-time.Minute).UnixMilli())
	}
	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, classifyBinance("trades", err)
	}

	_, quoteToken := SplitTradingPair(ref.TradingPair)
	var trades []order.TradeUpdate
	for _, t := range resp {
		if t == nil || t.OrderID != id {
			continue
		}
		price, _ := decimal.NewFromString(t.Price)
		qty, _ := decimal.NewFromString(t.Quantity)
		quoteQty, _ := decimal.NewFromString(t.QuoteQuantity)
		commission, _ := decimal.NewFromString(t.Commission)
		trades = append(trades, order.TradeUpdate{
			TradeID:         strconv.FormatInt(t.ID, 10),
			ClientOrderID:   ref.ClientOrderID,
			ExchangeOrderID: ref.ExchangeOrderID,
			TradingPair:     ref.TradingPair,
			FillPrice:       price,
			FillBaseAmount:  qty,
			FillQuoteAmount: quoteQty,
			Fee:             feeFor(t.CommissionAsset, commission, quoteToken),
			Timestamp:       time.UnixMilli(t.Time),
		})
	}
	return trades, nil
}

// IsOrderNotFoundDuringStatusUpdate matches "Order does not exist" (-2013)
func (b *BinanceAdapter) IsOrderNotFoundDuringStatusUpdate(err error) bool {
	var ce *ChannelError
	return errors.As(err, &ce) && ce.Code == binanceCodeNoSuchOrder
}

// IsOrderNotFoundDuringCancelation matches "Unknown order sent" (-2011)
func (b *BinanceAdapter) IsOrderNotFoundDuringCancelation(err error) bool {
	var ce *ChannelError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code == binanceCodeCancelRejected && strings.Contains(strings.ToLower(ce.Err.Error()), "unknown order")
}

// StartUserStream obtains a listen key for the user data stream
func (b *BinanceAdapter) StartUserStream(ctx context.Context) (string, error) {
	key, err := b.client.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return "", classifyBinance("listen_key", err)
	}
	return key, nil
}

// KeepaliveUserStream extends the validity of a listen key
func (b *BinanceAdapter) KeepaliveUserStream(ctx context.Context, listenKey string) error {
	if err := b.client.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
		return classifyBinance("listen_key", err)
	}
	return nil
}

// CloseUserStream invalidates a listen key
func (b *BinanceAdapter) CloseUserStream(ctx context.Context, listenKey string) error {
	if err := b.client.NewCloseUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
		return classifyBinance("listen_key", err)
	}
	return nil
}

// UserStreamURL returns the websocket URL of the user data stream for listenKey
func (b *BinanceAdapter) UserStreamURL(listenKey string) string {
	if b.testnet {
		return "wss://stream.testnet.binance.vision/ws/" + listenKey
	}
	return "wss://stream.binance.com:9443/ws/" + listenKey
}

// classifyBinance maps Binance API codes onto error kinds
func classifyBinance(op string, err error) error {
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return Classify(op, err)
	}

	kind := KindRejected
	switch apiErr.Code {
	case binanceCodeNoSuchOrder:
		kind = KindNotFound
	case binanceCodeCancelRejected:
		if strings.Contains(strings.ToLower(apiErr.Message), "unknown order") {
			kind = KindNotFound
		}
	case binanceCodeInvalidSignature, binanceCodeBadAPIKeyFormat, binanceCodeRejectedMBXKey:
		kind = KindAuth
	case binanceCodeUnknown, binanceCodeDisconnected, binanceCodeTooManyRequests,
		binanceCodeTooManyOrders, binanceCodeTimestamp:
		kind = KindTransient
	}
	return &ChannelError{Kind: kind, Op: op, Code: apiErr.Code, Err: err}
}

// binanceState maps Binance order status strings onto order states
func binanceState(status string) order.State {
	switch status {
	case "NEW", "PENDING_NEW":
		return order.StateOpen
	case "PARTIALLY_FILLED":
		return order.StatePartiallyFilled
	case "FILLED":
		return order.StateFilled
	case "PENDING_CANCEL":
		return order.StatePendingCancel
	case "CANCELED", "EXPIRED", "EXPIRED_IN_MATCH":
		return order.StateCanceled
	case "REJECTED":
		return order.StateFailed
	default:
		return order.StateOpen
	}
}

// BinanceSymbol converts "BTC-USDT" to "BTCUSDT"
func BinanceSymbol(tradingPair string) string {
	return strings.ToUpper(strings.ReplaceAll(tradingPair, "-", ""))
}

func feeFor(asset string, amount decimal.Decimal, quoteToken string) order.Fee {
	if asset == "" {
		asset = quoteToken
	}
	return order.FlatFee(asset, amount)
}
