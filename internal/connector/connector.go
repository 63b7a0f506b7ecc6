// Package connector ties one exchange adapter to its order registry,
// reconciliation engine, poll loop and user stream.
package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/orderbridge/internal/events"
	"github.com/ajitpratap0/orderbridge/internal/exchange"
	"github.com/ajitpratap0/orderbridge/internal/metrics"
	"github.com/ajitpratap0/orderbridge/internal/order"
	"github.com/ajitpratap0/orderbridge/internal/reconcile"
	"github.com/ajitpratap0/orderbridge/internal/tracker"
	"github.com/ajitpratap0/orderbridge/internal/userstream"
)

// ErrUntrusted is returned once an authentication failure was observed
var ErrUntrusted = errors.New("connector is untrusted after an authentication failure")

// Config configures a Connector
type Config struct {
	Name             string
	PollInterval     time.Duration
	MaxPollBackoff   time.Duration
	PollConcurrency  int
	RequestTimeout   time.Duration
	FillEpsilon      decimal.Decimal
	NotFoundLimit    int
	CancelTimeout    time.Duration
	CancelRetry      exchange.RetryConfig
	RetentionWindow  time.Duration // Terminal orders leave the live set after this long
	SweepInterval    time.Duration
	SnapshotInterval time.Duration
	Registry         tracker.Config
}

// DefaultConfig returns default connector configuration
func DefaultConfig(name string) Config {
	poll := reconcile.DefaultPollerConfig()
	return Config{
		Name:             name,
		PollInterval:     poll.Interval,
		MaxPollBackoff:   poll.MaxBackoff,
		PollConcurrency:  poll.Concurrency,
		RequestTimeout:   poll.RequestTimeout,
		FillEpsilon:      decimal.RequireFromString("0.00000001"),
		NotFoundLimit:    reconcile.DefaultNotFoundLimit,
		CancelTimeout:    10 * time.Second,
		CancelRetry:      exchange.DefaultRetryConfig(),
		RetentionWindow:  5 * time.Minute,
		SweepInterval:    time.Minute,
		SnapshotInterval: 30 * time.Second,
		Registry:         tracker.DefaultConfig(),
	}
}

// SnapshotStore persists tracking states across restarts
type SnapshotStore interface {
	Save(ctx context.Context, connector string, states []order.TrackingState) error
	Load(ctx context.Context, connector string) ([]order.TrackingState, error)
}

// CancellationResult is the outcome of one cancel issued by CancelAll
type CancellationResult struct {
	ClientOrderID string `json:"client_order_id"`
	Success       bool   `json:"success"`
	Error         string `json:"error,omitempty"`
}

// Option customizes a Connector
type Option func(*Connector)

// WithUserStream enables the websocket user stream
func WithUserStream(endpoint userstream.Endpoint, parser userstream.Parser, cfg userstream.Config) Option {
	return func(c *Connector) {
		cfg.Connector = c.cfg.Name
		c.listener = userstream.NewListener(cfg, endpoint, parser, c.engine, c.alerts, c.log)
	}
}

// WithSnapshotStore enables tracking-state persistence
func WithSnapshotStore(store SnapshotStore) Option {
	return func(c *Connector) {
		c.store = store
	}
}

// Connector is the order-facing side of one exchange
type Connector struct {
	cfg      Config
	adapter  exchange.Adapter
	bus      *events.Bus
	engine   *reconcile.Engine
	poller   *reconcile.Poller
	listener *userstream.Listener
	store    SnapshotStore
	alerts   *exchange.AlertManager
	log      zerolog.Logger

	untrusted atomic.Bool
	closeOnce sync.Once
}

// New creates a connector around adapter
func New(cfg Config, adapter exchange.Adapter, logger zerolog.Logger, opts ...Option) *Connector {
	if cfg.Name == "" {
		cfg.Name = adapter.Name()
	}
	c := &Connector{
		cfg:     cfg,
		adapter: adapter,
		bus:     events.NewBus(),
		alerts:  exchange.NewAlertManager(cfg.Name),
		log:     logger.With().Str("connector", cfg.Name).Logger(),
	}
	c.engine = reconcile.NewEngine(reconcile.Config{
		Connector:     cfg.Name,
		FillEpsilon:   cfg.FillEpsilon,
		NotFoundGrace: cfg.PollInterval,
		NotFoundLimit: cfg.NotFoundLimit,
		Registry:      cfg.Registry,
	}, c.bus, c.alerts, c.log)
	c.poller = reconcile.NewPoller(c.engine, adapter, reconcile.PollerConfig{
		Interval:       cfg.PollInterval,
		MaxBackoff:     cfg.MaxPollBackoff,
		Concurrency:    cfg.PollConcurrency,
		RequestTimeout: cfg.RequestTimeout,
	}, c.log)

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the connector name
func (c *Connector) Name() string {
	return c.cfg.Name
}

// Engine returns the reconciliation engine
func (c *Connector) Engine() *reconcile.Engine {
	return c.engine
}

// Events returns the connector's event bus
func (c *Connector) Events() *events.Bus {
	return c.bus
}

// Trusted reports whether no authentication failure has been observed
func (c *Connector) Trusted() bool {
	return !c.untrusted.Load()
}

// Lookup returns the order with the given client or exchange id
func (c *Connector) Lookup(id string) (order.Snapshot, bool) {
	return c.engine.Lookup(id)
}

// ActiveOrders returns the live orders
func (c *Connector) ActiveOrders() []order.Snapshot {
	return c.engine.ActiveSnapshots()
}

// StopTracking releases an order from the live set
func (c *Connector) StopTracking(clientOrderID string) bool {
	_, ok := c.engine.StopTracking(clientOrderID)
	return ok
}

// StreamLastRecv returns when the user stream last received a frame
func (c *Connector) StreamLastRecv() time.Time {
	if c.listener == nil {
		return time.Time{}
	}
	return c.listener.LastRecv()
}

// Submit places an order and returns its client order id. Exchange
// rejections and transport failures mark the order FAILED and are not
// returned; authentication failures are.
func (c *Connector) Submit(ctx context.Context, req exchange.OrderRequest) (string, error) {
	if !c.Trusted() {
		return "", ErrUntrusted
	}
	if req.ClientOrderID == "" {
		req.ClientOrderID = uuid.NewString()
	}
	if err := req.Validate(); err != nil {
		return "", err
	}

	id := req.ClientOrderID
	o := order.New(id, req.TradingPair, req.Side, req.Kind, req.Price, req.Amount, c.engine.Now())
	if err := c.engine.StartTracking(o); err != nil {
		return "", err
	}

	ack, err := c.adapter.SubmitOrder(ctx, req)
	if err != nil {
		if exchange.IsAuth(err) {
			c.engine.StopTracking(id)
			c.markUntrusted("submit", err)
			return "", err
		}
		c.log.Warn().
			Err(err).
			Str("client_order_id", id).
			Str("kind", exchange.KindOf(err).String()).
			Msg("Order submission failed")
		c.alerts.SendAlert(ctx, exchange.AlertSubmitFailed(err, req))
		c.engine.ApplyOrderUpdate(metrics.ChannelSubmit, order.OrderUpdate{
			ClientOrderID: id,
			NewState:      order.StateFailed,
			Timestamp:     c.engine.Now(),
			Misc: map[string]interface{}{
				"error":      err.Error(),
				"error_kind": exchange.KindOf(err).String(),
			},
		})
		return id, nil
	}

	if ack.ExchangeOrderID != "" {
		if err := c.engine.BindExchangeID(id, ack.ExchangeOrderID); err != nil {
			return id, err
		}
	}
	for _, t := range ack.Trades {
		if t.ClientOrderID == "" {
			t.ClientOrderID = id
		}
		c.engine.ApplyTradeUpdate(metrics.ChannelSubmit, t)
	}

	state := ack.State
	if state == "" {
		state = order.StateOpen
	}
	ts := ack.Timestamp
	if ts.IsZero() {
		ts = c.engine.Now()
	}
	c.engine.ApplyOrderUpdate(metrics.ChannelSubmit, order.OrderUpdate{
		ClientOrderID:   id,
		ExchangeOrderID: ack.ExchangeOrderID,
		NewState:        state,
		Timestamp:       ts,
	})

	c.log.Info().
		Str("client_order_id", id).
		Str("exchange_order_id", ack.ExchangeOrderID).
		Str("trading_pair", req.TradingPair).
		Str("side", string(req.Side)).
		Str("amount", req.Amount.String()).
		Msg("Order submitted")
	return id, nil
}

// Cancel requests cancellation of a live order. On venues that confirm
// cancels synchronously the order is marked PENDING_CANCEL first and
// restored if the request fails. A "not found" answer counts as success.
func (c *Connector) Cancel(ctx context.Context, clientOrderID string) error {
	if !c.Trusted() {
		return ErrUntrusted
	}
	snap, ok := c.engine.LookupActive(clientOrderID)
	if !ok {
		return fmt.Errorf("%w: %s", tracker.ErrOrderNotFound, clientOrderID)
	}
	if snap.IsDone() {
		return nil
	}

	cctx, cancel := context.WithTimeout(ctx, c.cfg.CancelTimeout)
	defer cancel()

	if snap.ExchangeOrderID == "" {
		if _, err := c.engine.WaitExchangeOrderID(cctx, clientOrderID); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn().
				Str("client_order_id", clientOrderID).
				Msg("Cannot cancel order without an exchange order id")
			c.engine.RecordStatusNotFound(clientOrderID)
			return err
		}
		snap, _ = c.engine.Lookup(clientOrderID)
	}

	syncAck := c.adapter.Capabilities().SynchronousCancelAck
	prev := snap.State
	optimistic := false
	if syncAck {
		var err error
		prev, optimistic, err = c.engine.BeginCancel(clientOrderID)
		if err != nil {
			return err
		}
	}

	ref := exchange.RefFor(snap)
	var ack exchange.CancelAck
	err := exchange.WithRetry(cctx, c.cfg.CancelRetry, func(ctx context.Context) error {
		var err error
		ack, err = c.adapter.CancelOrder(ctx, ref)
		return err
	})

	switch {
	case err == nil:
		state := ack.State
		if state == "" {
			state = order.StatePendingCancel
			if syncAck {
				state = order.StateCanceled
			}
		}
		ts := ack.Timestamp
		if ts.IsZero() {
			ts = c.engine.Now()
		}
		c.engine.ApplyOrderUpdate(metrics.ChannelCancel, order.OrderUpdate{
			ClientOrderID: clientOrderID,
			NewState:      state,
			Timestamp:     ts,
		})
		return nil

	case c.adapter.IsOrderNotFoundDuringCancelation(err):
		// The order already left the book; the channels report how
		c.log.Debug().
			Str("client_order_id", clientOrderID).
			Msg("Cancel answered not found, order already closed")
		return nil

	case exchange.IsAuth(err):
		if optimistic {
			c.engine.RevertPendingCancel(clientOrderID, prev)
		}
		c.markUntrusted("cancel", err)
		return err

	default:
		if optimistic {
			c.engine.RevertPendingCancel(clientOrderID, prev)
		}
		c.alerts.SendAlert(ctx, exchange.AlertCancelFailed(err, ref))
		return fmt.Errorf("failed to cancel %s: %w", clientOrderID, err)
	}
}

// CancelAll cancels every live, non-terminal order within timeout
func (c *Connector) CancelAll(ctx context.Context, timeout time.Duration) []CancellationResult {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var open []order.Snapshot
	for _, s := range c.engine.ActiveSnapshots() {
		if !s.IsDone() {
			open = append(open, s)
		}
	}

	results := make([]CancellationResult, len(open))
	var g errgroup.Group
	g.SetLimit(8)
	for i, s := range open {
		g.Go(func() error {
			results[i] = CancellationResult{ClientOrderID: s.ClientOrderID, Success: true}
			if err := c.Cancel(ctx, s.ClientOrderID); err != nil {
				results[i].Success = false
				results[i].Error = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Restore loads persisted tracking states into the engine
func (c *Connector) Restore(ctx context.Context) (int, error) {
	if c.store == nil {
		return 0, nil
	}
	states, err := c.store.Load(ctx, c.cfg.Name)
	if err != nil {
		return 0, fmt.Errorf("failed to load tracking states: %w", err)
	}
	n := c.engine.Restore(states)
	c.log.Info().Int("restored", n).Msg("Restored tracked orders")
	return n, nil
}

// Run drives the poll loop, the user stream and housekeeping until ctx is
// done. An authentication failure marks the connector untrusted and ends Run
// with that error.
func (c *Connector) Run(ctx context.Context) error {
	if !c.Trusted() {
		return ErrUntrusted
	}
	c.log.Info().
		Bool("user_stream", c.listener != nil).
		Dur("poll_interval", c.cfg.PollInterval).
		Msg("Connector started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.checkAuth("poll", c.poller.Run(gctx))
	})
	if c.listener != nil {
		g.Go(func() error {
			return c.checkAuth("stream", c.listener.Run(gctx))
		})
	}
	g.Go(func() error {
		c.housekeeping(gctx)
		return nil
	})
	err := g.Wait()

	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.saveSnapshot(saveCtx)

	c.log.Info().Err(err).Msg("Connector stopped")
	return err
}

// Close closes the event bus. Subscribers receive queued events first.
func (c *Connector) Close() {
	c.closeOnce.Do(c.bus.Close)
}

func (c *Connector) housekeeping(ctx context.Context) {
	sweepEvery := c.cfg.SweepInterval
	if sweepEvery <= 0 {
		sweepEvery = time.Minute
	}
	sweep := time.NewTicker(sweepEvery)
	defer sweep.Stop()

	var snapshots <-chan time.Time
	if c.store != nil && c.cfg.SnapshotInterval > 0 {
		t := time.NewTicker(c.cfg.SnapshotInterval)
		defer t.Stop()
		snapshots = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			if c.cfg.RetentionWindow > 0 {
				c.engine.SweepTerminal(c.cfg.RetentionWindow)
			}
		case <-snapshots:
			c.saveSnapshot(ctx)
		}
	}
}

func (c *Connector) saveSnapshot(ctx context.Context) {
	if c.store == nil {
		return
	}
	states := c.engine.TrackingStates()
	err := c.store.Save(ctx, c.cfg.Name, states)
	metrics.RecordSnapshotSave(c.cfg.Name, err == nil)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to save tracking states")
		return
	}
	c.log.Debug().Int("orders", len(states)).Msg("Saved tracking states")
}

func (c *Connector) checkAuth(op string, err error) error {
	if exchange.IsAuth(err) {
		c.markUntrusted(op, err)
	}
	return err
}

func (c *Connector) markUntrusted(op string, err error) {
	if c.untrusted.Swap(true) {
		return
	}
	c.log.Error().Err(err).Str("op", op).Msg("Authentication failed, connector is untrusted")
	c.alerts.SendAlert(context.Background(), exchange.AlertAuthFailure(err, op))
}
