package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/orderbridge/internal/exchange"
	"github.com/ajitpratap0/orderbridge/internal/metrics"
	"github.com/ajitpratap0/orderbridge/internal/order"
)

type pollFixture struct {
	clock  *fakeClock
	paper  *exchange.PaperAdapter
	engine *Engine
	poller *Poller
}

func newPollFixture(t *testing.T, cfg PollerConfig) *pollFixture {
	t.Helper()
	e, clock, _ := newTestEngine(t)
	paper := exchange.NewPaperAdapter(exchange.DefaultPaperConfig())
	paper.SetClock(clock.Now)
	return &pollFixture{
		clock:  clock,
		paper:  paper,
		engine: e,
		poller: NewPoller(e, paper, cfg, zerolog.Nop()),
	}
}

func testPollerConfig() PollerConfig {
	return PollerConfig{
		Interval:       10 * time.Second,
		MaxBackoff:     30 * time.Second,
		Concurrency:    4,
		RequestTimeout: time.Second,
	}
}

// place submits a resting order on the paper venue and tracks it as OPEN
func (f *pollFixture) place(t *testing.T, clientID string, amount int64) string {
	t.Helper()
	req := exchange.OrderRequest{
		ClientOrderID: clientID,
		TradingPair:   "BTC-USDT",
		Side:          order.SideBuy,
		Kind:          order.KindLimit,
		Price:         decimal.NewFromInt(100),
		Amount:        decimal.NewFromInt(amount),
	}
	ack, err := f.paper.SubmitOrder(context.Background(), req)
	require.NoError(t, err)

	o := order.New(clientID, req.TradingPair, req.Side, req.Kind, req.Price, req.Amount, f.clock.Now())
	require.NoError(t, f.engine.StartTracking(o))
	require.NoError(t, f.engine.BindExchangeID(clientID, ack.ExchangeOrderID))
	f.engine.ApplyOrderUpdate(metrics.ChannelSubmit, order.OrderUpdate{
		ClientOrderID: clientID,
		NewState:      ack.State,
		Timestamp:     ack.Timestamp,
	})
	return ack.ExchangeOrderID
}

// TestPollOnceAppliesTradesAndStatus tests reconciliation of fills missed by the stream
func TestPollOnceAppliesTradesAndStatus(t *testing.T) {
	f := newPollFixture(t, testPollerConfig())
	exchangeID := f.place(t, "O1", 10)

	_, err := f.paper.Fill(exchangeID, decimal.NewFromInt(4))
	require.NoError(t, err)
	f.clock.Advance(11 * time.Second)

	result, err := f.poller.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CycleResult{Polled: 1}, result)

	s := snapshot(t, f.engine, "O1")
	assert.Equal(t, order.StatePartiallyFilled, s.State)
	assert.True(t, decimal.NewFromInt(4).Equal(s.ExecutedBase))
	assert.True(t, decimal.RequireFromString("0.4").Equal(s.Fees["USDT"]), "0.1% of 400 USDT")

	_, err = f.paper.Fill(exchangeID, decimal.NewFromInt(6))
	require.NoError(t, err)
	f.clock.Advance(11 * time.Second)

	_, err = f.poller.PollOnce(context.Background())
	require.NoError(t, err)
	s = snapshot(t, f.engine, "O1")
	assert.Equal(t, order.StateFilled, s.State)
	assert.Equal(t, 2, s.FillCount)

	f.clock.Advance(time.Minute)
	result, err = f.poller.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Polled, "terminal orders are not polled")
}

// TestPollOnceSkipsFreshAndUnboundOrders tests order selection
func TestPollOnceSkipsFreshAndUnboundOrders(t *testing.T) {
	f := newPollFixture(t, testPollerConfig())
	f.place(t, "O1", 1)
	require.NoError(t, f.engine.StartTracking(order.New("O2", "BTC-USDT", order.SideBuy, order.KindLimit,
		decimal.NewFromInt(100), decimal.NewFromInt(1), f.clock.Now())))

	result, err := f.poller.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Polled, "updated less than one interval ago")

	f.clock.Advance(11 * time.Second)
	result, err = f.poller.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Polled, "O2 has no exchange order id")
}

// TestPollOnceTransientFailure tests that transient errors leave the order untouched
func TestPollOnceTransientFailure(t *testing.T) {
	f := newPollFixture(t, testPollerConfig())
	exchangeID := f.place(t, "O1", 10)
	_, err := f.paper.Fill(exchangeID, decimal.NewFromInt(4))
	require.NoError(t, err)
	f.clock.Advance(11 * time.Second)

	f.paper.FailNext("trades", exchange.NewChannelError(exchange.KindTransient, "trades", errors.New("timeout")))
	f.paper.FailNext("status", exchange.NewChannelError(exchange.KindTransient, "status", errors.New("502")))

	before := snapshot(t, f.engine, "O1")
	result, err := f.poller.PollOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, result.AllFailed())

	after := snapshot(t, f.engine, "O1")
	assert.Equal(t, before.State, after.State)
	assert.Equal(t, before.LastUpdate, after.LastUpdate)
	assert.True(t, after.ExecutedBase.IsZero())

	result, err = f.poller.PollOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, result.AllFailed())
	assert.Equal(t, order.StatePartiallyFilled, snapshot(t, f.engine, "O1").State)
}

// TestPollOnceIsolatesFailures tests that one failing order does not block the others
func TestPollOnceIsolatesFailures(t *testing.T) {
	cfg := testPollerConfig()
	cfg.Concurrency = 1
	f := newPollFixture(t, cfg)
	for _, id := range []string{"O1", "O2"} {
		exchangeID := f.place(t, id, 10)
		_, err := f.paper.Fill(exchangeID, decimal.NewFromInt(1))
		require.NoError(t, err)
	}
	f.clock.Advance(11 * time.Second)

	f.paper.FailNext("trades", exchange.NewChannelError(exchange.KindTransient, "trades", errors.New("timeout")))
	f.paper.FailNext("status", exchange.NewChannelError(exchange.KindTransient, "status", errors.New("timeout")))

	result, err := f.poller.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CycleResult{Polled: 2, Failed: 1}, result)
	assert.False(t, result.AllFailed())

	reconciled := 0
	for _, id := range []string{"O1", "O2"} {
		if snapshot(t, f.engine, id).State == order.StatePartiallyFilled {
			reconciled++
		}
	}
	assert.Equal(t, 1, reconciled)
}

// TestPollOnceNotFound tests that a vanished order is failed after the grace period
func TestPollOnceNotFound(t *testing.T) {
	f := newPollFixture(t, testPollerConfig())
	exchangeID := f.place(t, "O1", 1)
	f.paper.Forget(exchangeID)
	f.clock.Advance(11 * time.Second)

	for i := 0; i < 2; i++ {
		result, err := f.poller.PollOnce(context.Background())
		require.NoError(t, err)
		assert.Zero(t, result.Failed, "not found is an answer, not a failure")
		assert.Equal(t, order.StateOpen, snapshot(t, f.engine, "O1").State)
	}

	_, err := f.poller.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, order.StateFailed, snapshot(t, f.engine, "O1").State)
}

// TestPollOnceAuthIsFatal tests that authentication failures are returned
func TestPollOnceAuthIsFatal(t *testing.T) {
	f := newPollFixture(t, testPollerConfig())
	f.place(t, "O1", 1)
	f.clock.Advance(11 * time.Second)
	f.paper.FailNext("status", exchange.NewChannelError(exchange.KindAuth, "status", errors.New("invalid api key")))

	_, err := f.poller.PollOnce(context.Background())
	require.Error(t, err)
	assert.True(t, exchange.IsAuth(err))
	assert.Equal(t, order.StateOpen, snapshot(t, f.engine, "O1").State, "no mutation on auth failure")
}

// TestPollerBackoff tests the cadence after failed cycles
func TestPollerBackoff(t *testing.T) {
	f := newPollFixture(t, testPollerConfig())
	failed := CycleResult{Polled: 2, Failed: 2}

	wait := f.poller.nextWait(10*time.Second, failed)
	assert.Equal(t, 20*time.Second, wait)
	wait = f.poller.nextWait(wait, failed)
	assert.Equal(t, 30*time.Second, wait, "capped at MaxBackoff")
	wait = f.poller.nextWait(wait, CycleResult{Polled: 2, Failed: 1})
	assert.Equal(t, 10*time.Second, wait, "reset after a cycle with an answer")
	assert.Equal(t, 10*time.Second, f.poller.nextWait(wait, CycleResult{}), "idle cycles do not back off")
}

// TestPollerRun tests the loop stops on cancellation and on auth failures
func TestPollerRun(t *testing.T) {
	cfg := testPollerConfig()
	cfg.Interval = 10 * time.Millisecond
	cfg.MaxBackoff = 20 * time.Millisecond

	t.Run("Cancellation", func(t *testing.T) {
		f := newPollFixture(t, cfg)
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		assert.NoError(t, f.poller.Run(ctx))
	})

	t.Run("Auth failure", func(t *testing.T) {
		f := newPollFixture(t, cfg)
		f.place(t, "O1", 1)
		f.clock.Advance(time.Minute)
		f.paper.FailNext("trades", exchange.NewChannelError(exchange.KindAuth, "trades", errors.New("invalid signature")))

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err := f.poller.Run(ctx)
		require.Error(t, err)
		assert.True(t, exchange.IsAuth(err))
	})
}
