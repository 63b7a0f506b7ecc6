package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/orderbridge/internal/order"
)

// startTestNATSServer starts an embedded NATS server for testing
func startTestNATSServer(t *testing.T) *server.Server {
	opts := &server.Options{
		Host: "127.0.0.1",
		Port: -1, // Random port
	}

	ns, err := server.NewServer(opts)
	require.NoError(t, err)

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

func testSnapshot() order.Snapshot {
	o := order.New("O1", "BTC-USDT", order.SideBuy, order.KindLimit,
		decimal.NewFromInt(100), decimal.NewFromInt(10), time.Unix(1640000000, 0))
	return o.Snapshot()
}

// TestNewNATSSink_DefaultPrefix tests default prefix
func TestNewNATSSink_DefaultPrefix(t *testing.T) {
	ns := startTestNATSServer(t)

	sink, err := NewNATSSink(NATSConfig{URL: ns.ClientURL()})
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	assert.Equal(t, "orderbridge.binance.state", sink.StateSubject("binance"))
	assert.Equal(t, "orderbridge.binance.fill", sink.FillSubject("binance"))
}

// TestNewNATSSink_Unreachable tests connection failure
func TestNewNATSSink_Unreachable(t *testing.T) {
	_, err := NewNATSSink(NATSConfig{URL: "nats://127.0.0.1:1"})
	assert.Error(t, err)
}

// TestNATSSinkRun tests forwarding bus events to NATS subjects
func TestNATSSinkRun(t *testing.T) {
	ns := startTestNATSServer(t)

	sink, err := NewNATSSink(NATSConfig{URL: ns.ClientURL(), Prefix: "test."})
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	stateSub, err := nc.SubscribeSync("test.paper.state")
	require.NoError(t, err)
	fillSub, err := nc.SubscribeSync("test.paper.fill")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	bus := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- sink.Run(ctx, bus) }()

	require.Eventually(t, func() bool {
		return bus.States.Subscribers() == 1 && bus.Fills.Subscribers() == 1
	}, 2*time.Second, 10*time.Millisecond)

	bus.States.Publish(StateChanged{
		Connector: "paper",
		Order:     testSnapshot(),
		Old:       order.StatePendingCreate,
		New:       order.StateOpen,
	})
	bus.Fills.Publish(Fill{
		Connector: "paper",
		Order:     testSnapshot(),
		Trade: order.TradeUpdate{
			TradeID:         "T1",
			ClientOrderID:   "O1",
			FillPrice:       decimal.NewFromInt(100),
			FillBaseAmount:  decimal.NewFromInt(4),
			FillQuoteAmount: decimal.NewFromInt(400),
		},
	})

	msg, err := stateSub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	var state StateChanged
	require.NoError(t, json.Unmarshal(msg.Data, &state))
	assert.Equal(t, "O1", state.Order.ClientOrderID)
	assert.Equal(t, order.StateOpen, state.New)
	assert.Equal(t, order.StatePendingCreate, state.Old)

	msg, err = fillSub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	var fill Fill
	require.NoError(t, json.Unmarshal(msg.Data, &fill))
	assert.Equal(t, "T1", fill.Trade.TradeID)
	assert.True(t, decimal.NewFromInt(4).Equal(fill.Trade.FillBaseAmount))

	bus.Close()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sink did not stop after bus close")
	}
}
