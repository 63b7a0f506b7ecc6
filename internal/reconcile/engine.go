// Package reconcile merges order and trade reports from the user stream and
// the REST poll into the tracked orders of one connector.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/orderbridge/internal/events"
	"github.com/ajitpratap0/orderbridge/internal/exchange"
	"github.com/ajitpratap0/orderbridge/internal/metrics"
	"github.com/ajitpratap0/orderbridge/internal/order"
	"github.com/ajitpratap0/orderbridge/internal/tracker"
)

// DefaultNotFoundLimit is the number of "not found" status answers before an order is failed
const DefaultNotFoundLimit = 3

// ErrNotAcknowledged is returned when an order never received an exchange order id
var ErrNotAcknowledged = errors.New("order has no exchange order id yet")

// Config configures an Engine
type Config struct {
	Connector     string
	FillEpsilon   decimal.Decimal // Fill tolerance of the exchange
	NotFoundGrace time.Duration   // Minimum order age before "not found" can fail it
	NotFoundLimit int             // "Not found" answers needed to fail an order
	Registry      tracker.Config
}

// Engine is the single writer of a connector's orders.
//
// Every method takes the engine lock for its whole mutation and performs no
// I/O while holding it. Events are queued on the bus under the lock, so their
// order matches the order of mutations, and delivered by the bus goroutines.
type Engine struct {
	mu       sync.Mutex
	registry *tracker.Registry

	connector     string
	epsilon       decimal.Decimal
	notFoundGrace time.Duration
	notFoundLimit int

	bus    *events.Bus
	alerts *exchange.AlertManager
	log    zerolog.Logger
	now    func() time.Time
}

// NewEngine creates an engine publishing to bus
func NewEngine(cfg Config, bus *events.Bus, alerts *exchange.AlertManager, log zerolog.Logger) *Engine {
	if cfg.NotFoundLimit <= 0 {
		cfg.NotFoundLimit = DefaultNotFoundLimit
	}
	if alerts == nil {
		alerts = exchange.NewAlertManager(cfg.Connector)
	}
	return &Engine{
		registry:      tracker.NewRegistry(cfg.Registry),
		connector:     cfg.Connector,
		epsilon:       cfg.FillEpsilon,
		notFoundGrace: cfg.NotFoundGrace,
		notFoundLimit: cfg.NotFoundLimit,
		bus:           bus,
		alerts:        alerts,
		log:           log.With().Str("component", "reconcile").Str("connector", cfg.Connector).Logger(),
		now:           time.Now,
	}
}

// SetClock replaces the wall clock of the engine and its registry
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
	e.registry.SetClock(now)
}

// Now returns the engine's current time
func (e *Engine) Now() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now()
}

// Connector returns the connector name
func (e *Engine) Connector() string {
	return e.connector
}

// StartTracking registers a new order
func (e *Engine) StartTracking(o *order.Order) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.registry.StartTracking(o); err != nil {
		return err
	}
	e.updateGauges()
	return nil
}

// BindExchangeID records the exchange order id of a live order
func (e *Engine) BindExchangeID(clientOrderID, exchangeOrderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registry.BindExchangeID(clientOrderID, exchangeOrderID)
}

// Lookup returns a snapshot of the order with the given client or exchange id
func (e *Engine) Lookup(id string) (order.Snapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.registry.Lookup(id)
	if !ok {
		return order.Snapshot{}, false
	}
	return o.Snapshot(), true
}

// IsActive reports whether the client order id is in the live set
func (e *Engine) IsActive(clientOrderID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registry.IsActive(clientOrderID)
}

// LookupActive returns a snapshot of the live order with the given client
// order id. Released and cached orders are not returned.
func (e *Engine) LookupActive(clientOrderID string) (order.Snapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.registry.LookupActive(clientOrderID)
	if !ok {
		return order.Snapshot{}, false
	}
	return o.Snapshot(), true
}

// StopTracking removes an order from the live set
func (e *Engine) StopTracking(clientOrderID string) (order.Snapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.registry.StopTracking(clientOrderID)
	if !ok {
		return order.Snapshot{}, false
	}
	e.updateGauges()
	return o.Snapshot(), true
}

// ActiveSnapshots returns snapshots of all live orders, oldest first
func (e *Engine) ActiveSnapshots() []order.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	orders := e.registry.ActiveOrders()
	snapshots := make([]order.Snapshot, 0, len(orders))
	for _, o := range orders {
		snapshots = append(snapshots, o.Snapshot())
	}
	return snapshots
}

// NeedingReconciliation returns snapshots of orders due for a status poll
func (e *Engine) NeedingReconciliation(minInterval time.Duration) []order.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	stale := e.registry.NeedingReconciliation(e.now(), minInterval)
	snapshots := make([]order.Snapshot, 0, len(stale))
	for _, o := range stale {
		snapshots = append(snapshots, o.Snapshot())
	}
	return snapshots
}

// ApplyOrderUpdate merges a state report received on channel. Unresolvable,
// invalid and out-of-order reports are dropped; it never fails. It returns
// whether the order's state changed.
func (e *Engine) ApplyOrderUpdate(channel string, u order.OrderUpdate) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := u.Validate(); err != nil {
		metrics.RecordOrderUpdate(e.connector, channel, metrics.UpdateInvalid)
		e.log.Debug().Err(err).Str("channel", channel).Msg("Dropping invalid order update")
		return false
	}

	o, ok := e.resolve(u.ClientOrderID, u.ExchangeOrderID)
	if !ok {
		metrics.RecordOrderUpdate(e.connector, channel, metrics.UpdateUnresolved)
		e.log.Debug().
			Str("channel", channel).
			Str("client_order_id", u.ClientOrderID).
			Str("exchange_order_id", u.ExchangeOrderID).
			Str("state", u.NewState.String()).
			Msg("Dropping update for untracked order")
		return false
	}
	e.learnExchangeID(o, u.ExchangeOrderID)

	if !order.CanTransition(o.State, o.LastUpdate, u.NewState, u.Timestamp) {
		metrics.RecordOrderUpdate(e.connector, channel, metrics.UpdateRejected)
		e.log.Trace().
			Str("channel", channel).
			Str("client_order_id", o.ClientOrderID).
			Str("state", o.State.String()).
			Str("candidate", u.NewState.String()).
			Msg("Ignoring stale order update")
		return false
	}

	metrics.RecordOrderUpdate(e.connector, channel, metrics.UpdateApplied)
	tr, changed := o.ApplyUpdate(u)
	if changed {
		e.emitTransition(o, tr)
	}
	return changed
}

// ApplyTradeUpdate merges a fill received on channel. Each trade id is
// applied at most once whichever channel reports it. It returns whether the
// trade was newly applied.
func (e *Engine) ApplyTradeUpdate(channel string, t order.TradeUpdate) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := t.Validate(); err != nil {
		metrics.RecordTradeUpdate(e.connector, channel, metrics.TradeInvalid)
		e.log.Debug().Err(err).Str("channel", channel).Msg("Dropping invalid trade update")
		return false
	}

	o, ok := e.resolve(t.ClientOrderID, t.ExchangeOrderID)
	if !ok {
		metrics.RecordTradeUpdate(e.connector, channel, metrics.TradeUnresolved)
		e.log.Debug().
			Str("channel", channel).
			Str("trade_id", t.TradeID).
			Str("client_order_id", t.ClientOrderID).
			Str("exchange_order_id", t.ExchangeOrderID).
			Msg("Dropping trade for untracked order")
		return false
	}
	e.learnExchangeID(o, t.ExchangeOrderID)

	result, tr, changed := o.ApplyTrade(t, e.epsilon)
	switch result {
	case order.TradeDuplicate:
		metrics.RecordTradeUpdate(e.connector, channel, metrics.TradeDuplicate)
		return false
	case order.TradeOverfill:
		metrics.RecordTradeUpdate(e.connector, channel, metrics.TradeOverfill)
		e.log.Error().
			Str("channel", channel).
			Str("client_order_id", o.ClientOrderID).
			Str("trade_id", t.TradeID).
			Str("fill_base_amount", t.FillBaseAmount.String()).
			Str("executed_base_amount", o.ExecutedBase.String()).
			Str("amount", o.Amount.String()).
			Msg("Trade would overfill order, not accumulated")
		e.alerts.SendAlert(context.Background(), exchange.AlertOverfill(
			o.ClientOrderID, t.TradeID, o.ExecutedBase.String(), o.Amount.String()))
		return false
	}

	metrics.RecordTradeUpdate(e.connector, channel, metrics.TradeApplied)
	metrics.RecordFill(e.connector, o.TradingPair, t.FillBaseAmount.InexactFloat64())
	e.log.Debug().
		Str("channel", channel).
		Str("client_order_id", o.ClientOrderID).
		Str("trade_id", t.TradeID).
		Str("fill_base_amount", t.FillBaseAmount.String()).
		Str("executed_base_amount", o.ExecutedBase.String()).
		Msg("Applied trade")

	e.bus.Fills.Publish(events.Fill{
		Connector: e.connector,
		Order:     o.Snapshot(),
		Trade:     t,
	})
	if changed {
		e.emitTransition(o, tr)
	}
	return true
}

// BeginCancel optimistically moves a live order to PENDING_CANCEL. It returns
// the state to restore if the cancel fails and whether the state changed.
func (e *Engine) BeginCancel(clientOrderID string) (order.State, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.registry.LookupActive(clientOrderID)
	if !ok {
		return "", false, fmt.Errorf("%w: %s", tracker.ErrOrderNotFound, clientOrderID)
	}
	prev := o.State
	if o.IsDone() || prev == order.StatePendingCancel {
		return prev, false, nil
	}

	// Local intent is not an exchange report; LastUpdate stays on exchange time
	tr, changed := o.ApplyUpdate(order.OrderUpdate{
		ClientOrderID: clientOrderID,
		NewState:      order.StatePendingCancel,
		Timestamp:     o.LastUpdate,
	})
	if changed {
		metrics.RecordOrderUpdate(e.connector, metrics.ChannelCancel, metrics.UpdateApplied)
		e.emitTransition(o, tr)
	}
	return prev, changed, nil
}

// RevertPendingCancel restores prev if the order is still PENDING_CANCEL.
// Fills that arrived meanwhile keep the order at least PARTIALLY_FILLED.
func (e *Engine) RevertPendingCancel(clientOrderID string, prev order.State) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.registry.LookupActive(clientOrderID)
	if !ok {
		return false
	}
	tr, changed := o.RevertPendingCancel(prev)
	if changed {
		e.log.Info().
			Str("client_order_id", clientOrderID).
			Str("state", tr.To.String()).
			Msg("Reverted optimistic cancel")
		e.emitTransition(o, tr)
	}
	return changed
}

// RecordStatusNotFound counts a "not found" answer to a status request. The
// order is failed once it is older than the grace period and the answer was
// seen NotFoundLimit times. It returns whether the order was failed.
func (e *Engine) RecordStatusNotFound(clientOrderID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.registry.LookupActive(clientOrderID)
	if !ok || o.IsDone() {
		return false
	}
	count := e.registry.RecordNotFound(clientOrderID)
	metrics.RecordOrderNotFound(e.connector)

	now := e.now()
	if now.Sub(o.CreatedAt) < e.notFoundGrace || count < e.notFoundLimit {
		e.log.Debug().
			Str("client_order_id", clientOrderID).
			Int("not_found_count", count).
			Msg("Order not found by exchange, within tolerance")
		return false
	}

	tr, changed := o.ApplyUpdate(order.OrderUpdate{
		ClientOrderID: clientOrderID,
		NewState:      order.StateFailed,
		Timestamp:     now,
		Misc:          map[string]interface{}{"reason": "order not found by exchange"},
	})
	if !changed {
		return false
	}
	e.log.Warn().
		Str("client_order_id", clientOrderID).
		Str("exchange_order_id", o.ExchangeOrderID).
		Int("not_found_count", count).
		Msg("Marking order failed after repeated not found")
	e.alerts.SendAlert(context.Background(), exchange.AlertOrderMarkedFailed(
		exchange.RefFor(o.Snapshot()), count))
	e.emitTransition(o, tr)
	return true
}

// ResetNotFound clears the "not found" count after a successful status poll
func (e *Engine) ResetNotFound(clientOrderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.registry.ResetNotFound(clientOrderID)
}

// NotFoundCount returns the current "not found" count of an order
func (e *Engine) NotFoundCount(clientOrderID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registry.NotFoundCount(clientOrderID)
}

// WaitExchangeOrderID blocks until the order is bound to an exchange id
func (e *Engine) WaitExchangeOrderID(ctx context.Context, clientOrderID string) (string, error) {
	e.mu.Lock()
	o, ok := e.registry.Lookup(clientOrderID)
	if !ok {
		e.mu.Unlock()
		return "", fmt.Errorf("%w: %s", tracker.ErrOrderNotFound, clientOrderID)
	}
	bound := o.ExchangeIDBound()
	e.mu.Unlock()

	select {
	case <-bound:
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %s: %v", ErrNotAcknowledged, clientOrderID, ctx.Err())
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return o.ExchangeOrderID, nil
}

// SweepTerminal releases terminal orders older than retention
func (e *Engine) SweepTerminal(retention time.Duration) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	released := e.registry.SweepTerminal(e.now(), retention)
	if len(released) > 0 {
		e.log.Debug().Int("released", len(released)).Msg("Released terminal orders")
	}
	e.updateGauges()
	return released
}

// TrackingStates exports live, non-terminal orders for persistence
func (e *Engine) TrackingStates() []order.TrackingState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registry.TrackingStates()
}

// Restore re-registers persisted orders and returns how many were restored
func (e *Engine) Restore(states []order.TrackingState) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := e.registry.Restore(states)
	e.updateGauges()
	return n
}

func (e *Engine) resolve(clientOrderID, exchangeOrderID string) (*order.Order, bool) {
	return e.registry.Resolve(clientOrderID, exchangeOrderID)
}

// learnExchangeID binds an exchange id first seen on a channel report,
// e.g. a stream NEW event racing the submit acknowledgement.
func (e *Engine) learnExchangeID(o *order.Order, exchangeOrderID string) {
	if exchangeOrderID == "" || o.ExchangeOrderID != "" || !e.registry.IsActive(o.ClientOrderID) {
		return
	}
	if err := e.registry.BindExchangeID(o.ClientOrderID, exchangeOrderID); err != nil {
		e.log.Warn().
			Err(err).
			Str("client_order_id", o.ClientOrderID).
			Str("exchange_order_id", exchangeOrderID).
			Msg("Could not bind exchange order id from update")
	}
}

func (e *Engine) emitTransition(o *order.Order, tr order.Transition) {
	if tr.To.IsTerminal() && !o.MarkTerminalEmitted() {
		return
	}
	metrics.RecordTransition(e.connector, tr.To.String())

	ev := e.log.Debug()
	if tr.To.IsTerminal() {
		ev = e.log.Info()
	}
	ev.Str("client_order_id", o.ClientOrderID).
		Str("exchange_order_id", o.ExchangeOrderID).
		Str("old_state", tr.From.String()).
		Str("state", tr.To.String()).
		Msg("Order state changed")

	ts := o.LastUpdate
	if ts.IsZero() {
		ts = e.now()
	}
	e.bus.States.Publish(events.StateChanged{
		Connector: e.connector,
		Order:     o.Snapshot(),
		Old:       tr.From,
		New:       tr.To,
		Timestamp: ts,
	})
}

func (e *Engine) updateGauges() {
	metrics.SetTrackedOrders(e.connector, e.registry.Len(), e.registry.CachedLen())
}
