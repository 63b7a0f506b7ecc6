package userstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/orderbridge/internal/exchange"
	"github.com/ajitpratap0/orderbridge/internal/order"
)

const (
	openFrame = `{"e":"executionReport","E":1640000000100,"s":"BTCUSDT","c":"O1","C":"","x":"NEW","X":"NEW",` +
		`"r":"NONE","i":42,"l":"0","L":"0","Y":"0","n":"0","N":null,"T":1640000000000,"t":-1}`
	tradeFrame = `{"e":"executionReport","E":1640000001100,"s":"BTCUSDT","c":"O1","C":"","x":"TRADE","X":"FILLED",` +
		`"r":"NONE","i":42,"l":"1","L":"100","Y":"100","n":"0.1","N":"USDT","T":1640000001000,"t":7}`
	expiredFrame = `{"e":"listenKeyExpired","E":1640000002000}`
)

// recordingApplier stores every update it receives
type recordingApplier struct {
	mu      sync.Mutex
	updates []order.OrderUpdate
	trades  []order.TradeUpdate
}

func (r *recordingApplier) ApplyOrderUpdate(channel string, u order.OrderUpdate) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
	return true
}

func (r *recordingApplier) ApplyTradeUpdate(channel string, t order.TradeUpdate) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trades = append(r.trades, t)
	return true
}

func (r *recordingApplier) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates), len(r.trades)
}

// countingEndpoint returns a fixed URL and counts resolutions
type countingEndpoint struct {
	url   string
	calls atomic.Int32
}

func (c *countingEndpoint) URL(context.Context) (string, error) {
	c.calls.Add(1)
	return c.url, nil
}

// newStreamServer serves frames on every connection, then either hangs up
// or keeps the connection open until the client leaves.
func newStreamServer(t *testing.T, frames []string, hangUp bool) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var connections atomic.Int32
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		connections.Add(1)

		for _, frame := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
		if hangUp {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &connections
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Connector = "test"
	cfg.PingInterval = 20 * time.Millisecond
	cfg.ReadTimeout = time.Second
	cfg.Reconnect = exchange.RetryConfig{
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		BackoffFactor:  2.0,
	}
	return cfg
}

func startListener(t *testing.T, l *Listener) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, errCh
}

// TestListenerDeliversUpdates tests parsing and applying stream frames
func TestListenerDeliversUpdates(t *testing.T) {
	srv, connections := newStreamServer(t, []string{openFrame, "not json", tradeFrame}, false)
	applier := &recordingApplier{}
	parser := exchange.NewBinanceStreamParser([]string{"BTC-USDT"})
	l := NewListener(testConfig(), StaticEndpoint(wsURL(srv)), parser, applier, nil, zerolog.Nop())
	assert.True(t, l.LastRecv().IsZero())

	cancel, errCh := startListener(t, l)

	require.Eventually(t, func() bool {
		updates, trades := applier.counts()
		return updates == 2 && trades == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, l.Connected())
	assert.False(t, l.LastRecv().IsZero())
	assert.Equal(t, int32(1), connections.Load(), "a bad frame does not drop the connection")

	applier.mu.Lock()
	assert.Equal(t, "42", applier.updates[0].ExchangeOrderID)
	assert.Equal(t, order.StateOpen, applier.updates[0].NewState)
	assert.Equal(t, "7", applier.trades[0].TradeID)
	assert.Equal(t, order.StateFilled, applier.updates[1].NewState)
	applier.mu.Unlock()

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
	assert.False(t, l.Connected())
}

// TestListenerReconnects tests reconnecting after the venue hangs up
func TestListenerReconnects(t *testing.T) {
	srv, connections := newStreamServer(t, []string{openFrame}, true)
	applier := &recordingApplier{}
	l := NewListener(testConfig(), StaticEndpoint(wsURL(srv)),
		exchange.NewBinanceStreamParser([]string{"BTC-USDT"}), applier, exchange.NewAlertManager("test"), zerolog.Nop())

	startListener(t, l)

	require.Eventually(t, func() bool {
		return connections.Load() >= 3
	}, 2*time.Second, 10*time.Millisecond)
	updates, _ := applier.counts()
	assert.GreaterOrEqual(t, updates, 3)
}

// TestListenerRenewsExpiredListenKey tests that an expired session resolves a new URL
func TestListenerRenewsExpiredListenKey(t *testing.T) {
	srv, _ := newStreamServer(t, []string{expiredFrame}, false)
	endpoint := &countingEndpoint{url: wsURL(srv)}
	l := NewListener(testConfig(), endpoint,
		exchange.NewBinanceStreamParser(nil), &recordingApplier{}, nil, zerolog.Nop())

	startListener(t, l)

	require.Eventually(t, func() bool {
		return endpoint.calls.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

// TestListenerAuthFailure tests that a rejected handshake stops the listener
func TestListenerAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid listen key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	l := NewListener(testConfig(), StaticEndpoint(wsURL(srv)),
		exchange.NewBinanceStreamParser(nil), &recordingApplier{}, nil, zerolog.Nop())
	_, errCh := startListener(t, l)

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.True(t, exchange.IsAuth(err))
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop on auth failure")
	}
}
