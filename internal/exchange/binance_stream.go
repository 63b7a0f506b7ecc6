package exchange

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/orderbridge/internal/order"
)

// ErrListenKeyExpired is returned when the user stream announces its listen key expired
var ErrListenKeyExpired = errors.New("listen key expired")

// binanceExecutionReport is the user data stream payload for order events
type binanceExecutionReport struct {
	EventType         string          `json:"e"`
	EventTime         int64           `json:"E"`
	Symbol            string          `json:"s"`
	ClientOrderID     string          `json:"c"`
	OrigClientOrderID string          `json:"C"`
	ExecutionType     string          `json:"x"`
	Status            string          `json:"X"`
	RejectReason      string          `json:"r"`
	OrderID           int64           `json:"i"`
	LastQty           decimal.Decimal `json:"l"`
	LastPrice         decimal.Decimal `json:"L"`
	LastQuoteQty      decimal.Decimal `json:"Y"`
	Commission        decimal.Decimal `json:"n"`
	CommissionAsset   *string         `json:"N"`
	TransactionTime   int64           `json:"T"`
	TradeID           int64           `json:"t"`
}

// BinanceStreamParser maps Binance user data stream frames onto updates
type BinanceStreamParser struct {
	pairs map[string]string // BTCUSDT -> BTC-USDT
}

// NewBinanceStreamParser creates a parser that knows the given trading pairs
func NewBinanceStreamParser(tradingPairs []string) *BinanceStreamParser {
	pairs := make(map[string]string, len(tradingPairs))
	for _, pair := range tradingPairs {
		pairs[BinanceSymbol(pair)] = pair
	}
	return &BinanceStreamParser{pairs: pairs}
}

// Parse converts one raw frame. Frames other than execution reports yield no updates.
func (p *BinanceStreamParser) Parse(data []byte) ([]order.OrderUpdate, []order.TradeUpdate, error) {
	var head struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, nil, fmt.Errorf("failed to decode user stream frame: %w", err)
	}

	switch head.EventType {
	case "executionReport":
	case "listenKeyExpired":
		return nil, nil, ErrListenKeyExpired
	default:
		return nil, nil, nil
	}

	var report binanceExecutionReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, nil, fmt.Errorf("failed to decode execution report: %w", err)
	}

	clientOrderID := report.ClientOrderID
	if report.OrigClientOrderID != "" {
		// Cancel events carry the cancel request id in "c"
		clientOrderID = report.OrigClientOrderID
	}
	exchangeOrderID := strconv.FormatInt(report.OrderID, 10)
	tradingPair := p.pairs[report.Symbol]
	ts := time.UnixMilli(report.TransactionTime)

	update := order.OrderUpdate{
		ClientOrderID:   clientOrderID,
		ExchangeOrderID: exchangeOrderID,
		TradingPair:     tradingPair,
		NewState:        binanceState(report.Status),
		Timestamp:       ts,
	}
	if report.RejectReason != "" && report.RejectReason != "NONE" {
		update.Misc = map[string]interface{}{"reject_reason": report.RejectReason}
	}
	updates := []order.OrderUpdate{update}

	var trades []order.TradeUpdate
	if report.ExecutionType == "TRADE" && report.TradeID >= 0 && report.LastQty.IsPositive() {
		quote := report.LastQuoteQty
		if quote.IsZero() {
			quote = report.LastQty.Mul(report.LastPrice)
		}
		asset := ""
		if report.CommissionAsset != nil {
			asset = *report.CommissionAsset
		}
		_, quoteToken := SplitTradingPair(tradingPair)
		trades = append(trades, order.TradeUpdate{
			TradeID:         strconv.FormatInt(report.TradeID, 10),
			ClientOrderID:   clientOrderID,
			ExchangeOrderID: exchangeOrderID,
			TradingPair:     tradingPair,
			FillPrice:       report.LastPrice,
			FillBaseAmount:  report.LastQty,
			FillQuoteAmount: quote,
			Fee:             feeFor(asset, report.Commission, quoteToken),
			Timestamp:       ts,
		})
	}

	return updates, trades, nil
}
