// Package tracker owns the set of live orders and their id indexes.
package tracker

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/orderbridge/internal/order"
)

var (
	// ErrDuplicateOrder is returned when a client order id is already live
	ErrDuplicateOrder = errors.New("order already tracked")

	// ErrConflictingBinding is returned when an order is bound to two different exchange ids
	ErrConflictingBinding = errors.New("conflicting exchange order id binding")

	// ErrOrderNotFound is returned for ids the registry does not know
	ErrOrderNotFound = errors.New("order not tracked")
)

// Default registry settings
const (
	DefaultCachedOrderTTL = 30 * time.Second
	DefaultMaxCacheSize   = 1000
)

// Config configures the released-order cache
type Config struct {
	CachedOrderTTL time.Duration
	MaxCacheSize   int
}

// DefaultConfig returns default registry configuration
func DefaultConfig() Config {
	return Config{
		CachedOrderTTL: DefaultCachedOrderTTL,
		MaxCacheSize:   DefaultMaxCacheSize,
	}
}

// Registry indexes live orders by client id and, once known, by exchange id.
//
// A Registry is not safe for concurrent use. It is owned by a single
// reconciliation engine, which serializes every call.
type Registry struct {
	active       map[string]*order.Order
	byExchangeID map[string]string
	released     *releasedCache
	notFound     map[string]int
	now          func() time.Time
}

// NewRegistry creates an empty registry
func NewRegistry(cfg Config) *Registry {
	if cfg.CachedOrderTTL <= 0 {
		cfg.CachedOrderTTL = DefaultCachedOrderTTL
	}
	if cfg.MaxCacheSize <= 0 {
		cfg.MaxCacheSize = DefaultMaxCacheSize
	}
	r := &Registry{
		active:       make(map[string]*order.Order),
		byExchangeID: make(map[string]string),
		notFound:     make(map[string]int),
		now:          time.Now,
	}
	r.released = newReleasedCache(cfg.CachedOrderTTL, cfg.MaxCacheSize, r.dropIndex)
	return r
}

// SetClock replaces the wall clock used for cache expiry
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// StartTracking registers a new order under its client order id
func (r *Registry) StartTracking(o *order.Order) error {
	if o == nil || o.ClientOrderID == "" {
		return errors.New("order must carry a client order id")
	}
	if _, exists := r.active[o.ClientOrderID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateOrder, o.ClientOrderID)
	}
	if o.ExchangeOrderID != "" {
		if owner, ok := r.byExchangeID[o.ExchangeOrderID]; ok && owner != o.ClientOrderID {
			if _, live := r.active[owner]; live {
				return fmt.Errorf("%w: exchange id %s already bound to %s",
					ErrConflictingBinding, o.ExchangeOrderID, owner)
			}
		}
	}

	// A released order with the same id is superseded
	if old, ok := r.released.remove(o.ClientOrderID); ok {
		r.dropIndex(old)
	}

	r.active[o.ClientOrderID] = o
	if o.ExchangeOrderID != "" {
		r.byExchangeID[o.ExchangeOrderID] = o.ClientOrderID
	}

	log.Debug().
		Str("client_order_id", o.ClientOrderID).
		Str("trading_pair", o.TradingPair).
		Msg("Started tracking order")
	return nil
}

// BindExchangeID records the exchange id of a live order and builds the reverse index
func (r *Registry) BindExchangeID(clientOrderID, exchangeOrderID string) error {
	o, ok := r.active[clientOrderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, clientOrderID)
	}
	if owner, ok := r.byExchangeID[exchangeOrderID]; ok && owner != clientOrderID {
		return fmt.Errorf("%w: exchange id %s already bound to %s",
			ErrConflictingBinding, exchangeOrderID, owner)
	}
	changed, err := o.BindExchangeID(exchangeOrderID)
	if err != nil {
		if errors.Is(err, order.ErrExchangeIDConflict) {
			return fmt.Errorf("%w: %v", ErrConflictingBinding, err)
		}
		return err
	}
	if changed {
		r.byExchangeID[exchangeOrderID] = clientOrderID
		log.Debug().
			Str("client_order_id", clientOrderID).
			Str("exchange_order_id", exchangeOrderID).
			Msg("Bound exchange order id")
	}
	return nil
}

// Lookup finds an order by client id or exchange id, live orders first and
// then recently released ones.
func (r *Registry) Lookup(id string) (*order.Order, bool) {
	return r.Resolve(id, id)
}

// Resolve finds an order by client id, falling back to the exchange id index
func (r *Registry) Resolve(clientOrderID, exchangeOrderID string) (*order.Order, bool) {
	if clientOrderID != "" {
		if o, ok := r.byClientID(clientOrderID); ok {
			return o, true
		}
	}
	if exchangeOrderID != "" {
		if owner, ok := r.byExchangeID[exchangeOrderID]; ok {
			return r.byClientID(owner)
		}
	}
	return nil, false
}

// LookupActive finds a live order by client id
func (r *Registry) LookupActive(clientOrderID string) (*order.Order, bool) {
	o, ok := r.active[clientOrderID]
	return o, ok
}

// IsActive reports whether a client order id is in the live set
func (r *Registry) IsActive(clientOrderID string) bool {
	_, ok := r.active[clientOrderID]
	return ok
}

// StopTracking removes an order from the live set. The order stays
// resolvable from the released cache until it expires.
func (r *Registry) StopTracking(clientOrderID string) (*order.Order, bool) {
	o, ok := r.active[clientOrderID]
	if !ok {
		return nil, false
	}
	delete(r.active, clientOrderID)
	delete(r.notFound, clientOrderID)
	r.released.put(o, r.now())

	log.Debug().
		Str("client_order_id", clientOrderID).
		Str("state", o.State.String()).
		Msg("Stopped tracking order")
	return o, true
}

// NeedingReconciliation returns live, non-terminal orders with a bound
// exchange id not updated for minInterval, oldest first. Orders without any
// report yet count from their creation time.
func (r *Registry) NeedingReconciliation(now time.Time, minInterval time.Duration) []*order.Order {
	var stale []*order.Order
	for _, o := range r.active {
		if o.IsDone() || o.ExchangeOrderID == "" {
			continue
		}
		if now.Sub(o.StaleSince()) < minInterval {
			continue
		}
		stale = append(stale, o)
	}
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].StaleSince().Before(stale[j].StaleSince())
	})
	return stale
}

// ActiveOrders returns the live orders sorted by creation time
func (r *Registry) ActiveOrders() []*order.Order {
	orders := make([]*order.Order, 0, len(r.active))
	for _, o := range r.active {
		orders = append(orders, o)
	}
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ClientOrderID < orders[j].ClientOrderID
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
	return orders
}

// Len returns the number of live orders
func (r *Registry) Len() int {
	return len(r.active)
}

// CachedLen returns the number of released orders still cached
func (r *Registry) CachedLen() int {
	return r.released.len(r.now())
}

// RecordNotFound increments the "order not found" count for a live order and returns it
func (r *Registry) RecordNotFound(clientOrderID string) int {
	if _, ok := r.active[clientOrderID]; !ok {
		log.Debug().
			Str("client_order_id", clientOrderID).
			Msg("Order is not or no longer being tracked")
		return 0
	}
	r.notFound[clientOrderID]++
	return r.notFound[clientOrderID]
}

// ResetNotFound clears the "order not found" count
func (r *Registry) ResetNotFound(clientOrderID string) {
	delete(r.notFound, clientOrderID)
}

// NotFoundCount returns the current "order not found" count
func (r *Registry) NotFoundCount(clientOrderID string) int {
	return r.notFound[clientOrderID]
}

// SweepTerminal releases terminal orders that became terminal more than retention ago
func (r *Registry) SweepTerminal(now time.Time, retention time.Duration) []string {
	var released []string
	for id, o := range r.active {
		if !o.IsDone() || now.Sub(o.TerminalAt) < retention {
			continue
		}
		released = append(released, id)
	}
	sort.Strings(released)
	for _, id := range released {
		r.StopTracking(id)
	}
	return released
}

// TrackingStates exports live, non-terminal orders for persistence
func (r *Registry) TrackingStates() []order.TrackingState {
	var states []order.TrackingState
	for _, o := range r.ActiveOrders() {
		if o.IsDone() {
			continue
		}
		states = append(states, o.TrackingState())
	}
	return states
}

// Restore re-registers persisted orders, skipping ids already live
func (r *Registry) Restore(states []order.TrackingState) int {
	restored := 0
	for _, st := range states {
		if err := r.StartTracking(order.FromTrackingState(st)); err != nil {
			log.Warn().
				Err(err).
				Str("client_order_id", st.ClientOrderID).
				Msg("Skipping persisted order")
			continue
		}
		restored++
	}
	return restored
}

func (r *Registry) byClientID(clientOrderID string) (*order.Order, bool) {
	if o, ok := r.active[clientOrderID]; ok {
		return o, true
	}
	return r.released.get(clientOrderID, r.now())
}

func (r *Registry) dropIndex(o *order.Order) {
	if o.ExchangeOrderID == "" {
		return
	}
	if owner, ok := r.byExchangeID[o.ExchangeOrderID]; ok && owner == o.ClientOrderID {
		if _, live := r.active[owner]; !live {
			delete(r.byExchangeID, o.ExchangeOrderID)
		}
	}
}
