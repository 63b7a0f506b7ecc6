package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/adshao/go-binance/v2/common"
	"github.com/stretchr/testify/assert"
)

// TestClassify tests normalization of transport errors
func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind ErrorKind
	}{
		{"deadline", context.DeadlineExceeded, KindTransient},
		{"net op error", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, KindTransient},
		{"dns error", &net.DNSError{Err: "no such host", Name: "api", IsTimeout: true}, KindTransient},
		{"http 401", &HTTPStatusError{StatusCode: 401}, KindAuth},
		{"http 404", &HTTPStatusError{StatusCode: 404}, KindNotFound},
		{"http 429", &HTTPStatusError{StatusCode: 429}, KindTransient},
		{"http 503", &HTTPStatusError{StatusCode: 503}, KindTransient},
		{"http 400", &HTTPStatusError{StatusCode: 400}, KindRejected},
		{"plain", errors.New("boom"), KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Classify("status", tt.err)
			assert.Equal(t, tt.kind, KindOf(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

// TestClassifyKeepsKinds tests that classified errors and cancellation pass through
func TestClassifyKeepsKinds(t *testing.T) {
	assert.NoError(t, Classify("status", nil))

	auth := NewChannelError(KindAuth, "submit", errors.New("bad key"))
	wrapped := fmt.Errorf("submit: %w", auth)
	assert.Same(t, wrapped, Classify("status", wrapped))

	assert.Equal(t, context.Canceled, Classify("status", context.Canceled))
}

// TestChannelErrorMessage tests error formatting
func TestChannelErrorMessage(t *testing.T) {
	err := &ChannelError{Kind: KindNotFound, Op: "cancel", Code: -2011, Err: errors.New("Unknown order sent.")}
	assert.Equal(t, "cancel not_found (code -2011): Unknown order sent.", err.Error())

	err = NewChannelError(KindTransient, "status", errors.New("timeout"))
	assert.Equal(t, "status transient: timeout", err.Error())
}

// TestClassifyBinance tests Binance API code mapping
func TestClassifyBinance(t *testing.T) {
	tests := []struct {
		name string
		code int64
		msg  string
		kind ErrorKind
	}{
		{"no such order", -2013, "Order does not exist.", KindNotFound},
		{"unknown order on cancel", -2011, "Unknown order sent.", KindNotFound},
		{"other cancel rejection", -2011, "Order was canceled or expired.", KindRejected},
		{"invalid signature", -1022, "Signature for this request is not valid.", KindAuth},
		{"rejected api key", -2015, "Invalid API-key, IP, or permissions for action.", KindAuth},
		{"bad api key format", -2014, "API-key format invalid.", KindAuth},
		{"too many requests", -1003, "Too many requests.", KindTransient},
		{"too many orders", -1015, "Too many new orders.", KindTransient},
		{"disconnected", -1001, "Internal error; unable to process your request.", KindTransient},
		{"timestamp", -1021, "Timestamp for this request is outside of the recvWindow.", KindTransient},
		{"insufficient balance", -2010, "Account has insufficient balance.", KindRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyBinance("cancel", &common.APIError{Code: tt.code, Message: tt.msg})
			assert.Equal(t, tt.kind, KindOf(err))

			var ce *ChannelError
			if assert.True(t, errors.As(err, &ce)) {
				assert.Equal(t, tt.code, ce.Code)
			}
		})
	}

	assert.Equal(t, KindTransient, KindOf(classifyBinance("status", context.DeadlineExceeded)))
}

// TestBinanceNotFoundHooks tests the status and cancel "not found" predicates
func TestBinanceNotFoundHooks(t *testing.T) {
	b := &BinanceAdapter{}

	statusNotFound := classifyBinance("status", &common.APIError{Code: -2013, Message: "Order does not exist."})
	cancelNotFound := classifyBinance("cancel", &common.APIError{Code: -2011, Message: "Unknown order sent."})
	cancelRejected := classifyBinance("cancel", &common.APIError{Code: -2011, Message: "Duplicate order sent."})

	assert.True(t, b.IsOrderNotFoundDuringStatusUpdate(statusNotFound))
	assert.False(t, b.IsOrderNotFoundDuringStatusUpdate(cancelNotFound))

	assert.True(t, b.IsOrderNotFoundDuringCancelation(cancelNotFound))
	assert.False(t, b.IsOrderNotFoundDuringCancelation(cancelRejected))
	assert.False(t, b.IsOrderNotFoundDuringCancelation(statusNotFound))
	assert.False(t, b.IsOrderNotFoundDuringCancelation(errors.New("unknown order")))
}

// TestBinanceState tests order status mapping
func TestBinanceState(t *testing.T) {
	assert.Equal(t, "OPEN", binanceState("NEW").String())
	assert.Equal(t, "PARTIALLY_FILLED", binanceState("PARTIALLY_FILLED").String())
	assert.Equal(t, "FILLED", binanceState("FILLED").String())
	assert.Equal(t, "CANCELED", binanceState("EXPIRED").String())
	assert.Equal(t, "FAILED", binanceState("REJECTED").String())
	assert.Equal(t, "PENDING_CANCEL", binanceState("PENDING_CANCEL").String())
	assert.Equal(t, "BTCUSDT", BinanceSymbol("btc-usdt"))
}
