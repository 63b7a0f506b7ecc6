// Package userstream keeps a websocket user data stream open and feeds the
// order and trade reports it carries to the reconciliation engine.
package userstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ajitpratap0/orderbridge/internal/exchange"
	"github.com/ajitpratap0/orderbridge/internal/metrics"
	"github.com/ajitpratap0/orderbridge/internal/order"
)

const (
	// Time allowed to write a control frame
	writeWait = 10 * time.Second

	// Maximum frame size accepted from the venue
	maxMessageSize = 1 << 20
)

// Parser maps one raw frame to zero or more updates
type Parser interface {
	Parse(data []byte) ([]order.OrderUpdate, []order.TradeUpdate, error)
}

// Applier receives parsed updates
type Applier interface {
	ApplyOrderUpdate(channel string, u order.OrderUpdate) bool
	ApplyTradeUpdate(channel string, t order.TradeUpdate) bool
}

// Endpoint resolves the stream URL before every connection attempt
type Endpoint interface {
	URL(ctx context.Context) (string, error)
}

// Keepaliver is implemented by endpoints whose session must be refreshed periodically
type Keepaliver interface {
	Keepalive(ctx context.Context) error
}

// Config configures a Listener
type Config struct {
	Connector         string
	PingInterval      time.Duration // Client ping period
	ReadTimeout       time.Duration // Connection is dropped after this long without a frame or pong
	KeepaliveInterval time.Duration // Endpoint keepalive period
	HandshakeTimeout  time.Duration
	Reconnect         exchange.RetryConfig // Backoff between connection attempts; MaxRetries is unused
}

// DefaultConfig returns default listener configuration
func DefaultConfig() Config {
	return Config{
		PingInterval:      54 * time.Second,
		ReadTimeout:       60 * time.Second,
		KeepaliveInterval: 30 * time.Minute,
		HandshakeTimeout:  10 * time.Second,
		Reconnect: exchange.RetryConfig{
			InitialBackoff: time.Second,
			MaxBackoff:     time.Minute,
			BackoffFactor:  2.0,
		},
	}
}

// Listener owns the websocket connection of one connector
type Listener struct {
	cfg      Config
	endpoint Endpoint
	parser   Parser
	applier  Applier
	alerts   *exchange.AlertManager
	dialer   *websocket.Dialer
	log      zerolog.Logger

	lastRecv  atomic.Int64
	connected atomic.Bool
}

// NewListener creates a listener. alerts may be nil.
func NewListener(cfg Config, endpoint Endpoint, parser Parser, applier Applier, alerts *exchange.AlertManager, log zerolog.Logger) *Listener {
	defaults := DefaultConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaults.PingInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if cfg.Reconnect.InitialBackoff <= 0 {
		cfg.Reconnect = defaults.Reconnect
	}
	return &Listener{
		cfg:      cfg,
		endpoint: endpoint,
		parser:   parser,
		applier:  applier,
		alerts:   alerts,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		log: log.With().Str("component", "userstream").Str("connector", cfg.Connector).Logger(),
	}
}

// LastRecv returns when the last frame arrived, zero before the first one
func (l *Listener) LastRecv() time.Time {
	ns := l.lastRecv.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Connected reports whether a connection is currently open
func (l *Listener) Connected() bool {
	return l.connected.Load()
}

// Run connects and reconnects until ctx is done. It returns nil on
// cancellation and the error of an authentication failure.
func (l *Listener) Run(ctx context.Context) error {
	var (
		backoff time.Duration
		attempt int
	)

	for {
		received, err := l.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if exchange.IsAuth(err) {
			l.log.Error().Err(err).Msg("User stream authentication failed")
			return err
		}
		if received {
			backoff = 0
			attempt = 0
		}
		attempt++
		backoff = l.cfg.Reconnect.NextBackoff(backoff)

		metrics.RecordStreamReconnect(l.cfg.Connector)
		l.log.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("User stream disconnected, reconnecting")
		if attempt == 1 && l.alerts != nil {
			l.alerts.SendAlert(ctx, exchange.AlertStreamDisconnected(err, attempt))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
	}
}

// session runs one connection. It reports whether any frame was received.
func (l *Listener) session(ctx context.Context) (bool, error) {
	url, err := l.endpoint.URL(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to resolve stream url: %w", err)
	}

	conn, resp, err := l.dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w: %w", err, &exchange.HTTPStatusError{StatusCode: resp.StatusCode})
		}
		return false, exchange.Classify("stream", err)
	}
	l.connected.Store(true)
	metrics.SetStreamConnected(l.cfg.Connector, true)
	l.log.Info().Msg("User stream connected")

	done := make(chan struct{})
	var wg sync.WaitGroup
	defer func() {
		close(done)
		_ = conn.Close()
		wg.Wait()
		l.connected.Store(false)
		metrics.SetStreamConnected(l.cfg.Connector, false)
	}()

	conn.SetReadLimit(maxMessageSize)
	extend := func() error {
		return conn.SetReadDeadline(time.Now().Add(l.cfg.ReadTimeout))
	}
	_ = extend()
	conn.SetPongHandler(func(string) error { return extend() })
	conn.SetPingHandler(func(data string) error {
		_ = extend()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		l.keepConnection(ctx, conn, done)
	}()

	received := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return received, nil
			}
			return received, exchange.Classify("stream", err)
		}
		received = true
		l.lastRecv.Store(time.Now().UnixNano())
		metrics.RecordStreamMessage(l.cfg.Connector)
		_ = extend()

		if err := l.dispatch(data); err != nil {
			return received, err
		}
	}
}

// dispatch parses one frame and applies its updates, trades first so that
// a fill drives the order to FILLED before the matching status report.
func (l *Listener) dispatch(data []byte) error {
	updates, trades, err := l.parser.Parse(data)
	if errors.Is(err, exchange.ErrListenKeyExpired) {
		return err
	}
	if err != nil {
		l.log.Warn().Err(err).Msg("Dropping unparsable user stream frame")
		return nil
	}
	for _, t := range trades {
		l.applier.ApplyTradeUpdate(metrics.ChannelStream, t)
	}
	for _, u := range updates {
		l.applier.ApplyOrderUpdate(metrics.ChannelStream, u)
	}
	return nil
}

// keepConnection pings the venue and refreshes the endpoint until done
func (l *Listener) keepConnection(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ping := time.NewTicker(l.cfg.PingInterval)
	defer ping.Stop()

	var keepalive <-chan time.Time
	keeper, ok := l.endpoint.(Keepaliver)
	if ok && l.cfg.KeepaliveInterval > 0 {
		t := time.NewTicker(l.cfg.KeepaliveInterval)
		defer t.Stop()
		keepalive = t.C
	}

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			// Unblocks ReadMessage
			_ = conn.Close()
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				l.log.Debug().Err(err).Msg("Failed to ping user stream")
			}
		case <-keepalive:
			if err := keeper.Keepalive(ctx); err != nil {
				l.log.Warn().Err(err).Msg("User stream keepalive failed")
			}
		}
	}
}
