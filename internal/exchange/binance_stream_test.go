package exchange

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/orderbridge/internal/order"
)

const newOrderReport = `{
	"e": "executionReport", "E": 1640000000100, "s": "BTCUSDT",
	"c": "O1", "C": "", "x": "NEW", "X": "NEW", "r": "NONE", "i": 4293153,
	"l": "0.00000000", "L": "0.00000000", "Y": "0.00000000",
	"n": "0", "N": null, "T": 1640000000000, "t": -1
}`

const tradeReport = `{
	"e": "executionReport", "E": 1640000001100, "s": "BTCUSDT",
	"c": "O1", "C": "", "x": "TRADE", "X": "PARTIALLY_FILLED", "r": "NONE", "i": 4293153,
	"l": "4.00000000", "L": "100.00000000", "Y": "400.00000000",
	"n": "0.40000000", "N": "USDT", "T": 1640000001000, "t": 77
}`

const cancelReport = `{
	"e": "executionReport", "E": 1640000002100, "s": "BTCUSDT",
	"c": "cancel-req-9", "C": "O1", "x": "CANCELED", "X": "CANCELED", "r": "NONE", "i": 4293153,
	"l": "0.00000000", "L": "0.00000000", "Y": "0.00000000",
	"n": "0", "N": null, "T": 1640000002000, "t": -1
}`

func TestBinanceStreamParser(t *testing.T) {
	p := NewBinanceStreamParser([]string{"BTC-USDT"})

	t.Run("New order", func(t *testing.T) {
		updates, trades, err := p.Parse([]byte(newOrderReport))
		require.NoError(t, err)
		require.Len(t, updates, 1)
		assert.Empty(t, trades)

		u := updates[0]
		assert.Equal(t, "O1", u.ClientOrderID)
		assert.Equal(t, "4293153", u.ExchangeOrderID)
		assert.Equal(t, "BTC-USDT", u.TradingPair)
		assert.Equal(t, order.StateOpen, u.NewState)
		assert.Equal(t, time.UnixMilli(1640000000000), u.Timestamp)
		assert.Nil(t, u.Misc)
	})

	t.Run("Trade", func(t *testing.T) {
		updates, trades, err := p.Parse([]byte(tradeReport))
		require.NoError(t, err)
		require.Len(t, updates, 1)
		require.Len(t, trades, 1)

		assert.Equal(t, order.StatePartiallyFilled, updates[0].NewState)

		tr := trades[0]
		assert.Equal(t, "77", tr.TradeID)
		assert.Equal(t, "O1", tr.ClientOrderID)
		assert.True(t, decimal.NewFromInt(4).Equal(tr.FillBaseAmount))
		assert.True(t, decimal.NewFromInt(100).Equal(tr.FillPrice))
		assert.True(t, decimal.NewFromInt(400).Equal(tr.FillQuoteAmount))
		require.Len(t, tr.Fee.Flat, 1)
		assert.Equal(t, "USDT", tr.Fee.Flat[0].Token)
		assert.True(t, decimal.RequireFromString("0.4").Equal(tr.Fee.Flat[0].Amount))
	})

	t.Run("Cancel uses original client id", func(t *testing.T) {
		updates, trades, err := p.Parse([]byte(cancelReport))
		require.NoError(t, err)
		assert.Empty(t, trades)
		require.Len(t, updates, 1)
		assert.Equal(t, "O1", updates[0].ClientOrderID)
		assert.Equal(t, order.StateCanceled, updates[0].NewState)
	})

	t.Run("Listen key expired", func(t *testing.T) {
		_, _, err := p.Parse([]byte(`{"e":"listenKeyExpired","E":1640000003000}`))
		assert.ErrorIs(t, err, ErrListenKeyExpired)
	})

	t.Run("Other events are ignored", func(t *testing.T) {
		updates, trades, err := p.Parse([]byte(`{"e":"outboundAccountPosition","E":1640000003000}`))
		require.NoError(t, err)
		assert.Nil(t, updates)
		assert.Nil(t, trades)
	})

	t.Run("Malformed frame", func(t *testing.T) {
		_, _, err := p.Parse([]byte(`not json`))
		assert.Error(t, err)
	})
}
