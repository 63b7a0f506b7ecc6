package userstream

import (
	"context"
	"sync"

	"github.com/ajitpratap0/orderbridge/internal/exchange"
)

// BinanceEndpoint obtains a fresh listen key for every connection and keeps
// the current one alive.
type BinanceEndpoint struct {
	adapter *exchange.BinanceAdapter

	mu        sync.Mutex
	listenKey string
}

// NewBinanceEndpoint creates an endpoint backed by adapter's REST session
func NewBinanceEndpoint(adapter *exchange.BinanceAdapter) *BinanceEndpoint {
	return &BinanceEndpoint{adapter: adapter}
}

// URL starts a user data stream and returns its websocket URL
func (e *BinanceEndpoint) URL(ctx context.Context) (string, error) {
	key, err := e.adapter.StartUserStream(ctx)
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	e.listenKey = key
	e.mu.Unlock()
	return e.adapter.UserStreamURL(key), nil
}

// Keepalive extends the current listen key
func (e *BinanceEndpoint) Keepalive(ctx context.Context) error {
	e.mu.Lock()
	key := e.listenKey
	e.mu.Unlock()
	if key == "" {
		return nil
	}
	return e.adapter.KeepaliveUserStream(ctx, key)
}

// Close invalidates the current listen key
func (e *BinanceEndpoint) Close(ctx context.Context) error {
	e.mu.Lock()
	key := e.listenKey
	e.listenKey = ""
	e.mu.Unlock()
	if key == "" {
		return nil
	}
	return e.adapter.CloseUserStream(ctx, key)
}

// StaticEndpoint always dials the same URL
type StaticEndpoint string

// URL returns the fixed URL
func (s StaticEndpoint) URL(context.Context) (string, error) {
	return string(s), nil
}
