package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/ajitpratap0/orderbridge/internal/metrics"
	"github.com/ajitpratap0/orderbridge/internal/order"
)

// GuardConfig configures request admission and the circuit breaker
type GuardConfig struct {
	RequestsPerSecond float64       // 0 disables rate limiting
	Burst             int           // Rate limiter burst size
	BreakerFailures   uint32        // Consecutive transient failures that open the breaker
	BreakerTimeout    time.Duration // Time the breaker stays open before a trial request
	BreakerInterval   time.Duration // Cyclic period for clearing counts while closed
	BreakerHalfOpen   uint32        // Requests allowed while half-open
}

// DefaultGuardConfig returns default guard configuration
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		RequestsPerSecond: 10,
		Burst:             5,
		BreakerFailures:   5,
		BreakerTimeout:    30 * time.Second,
		BreakerInterval:   time.Minute,
		BreakerHalfOpen:   1,
	}
}

// GuardedAdapter paces requests to an Adapter and stops sending them while
// the venue keeps failing. Only transient failures count against the breaker;
// rejections, "not found" answers and auth failures are normal responses.
type GuardedAdapter struct {
	next    Adapter
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	alerts  *AlertManager
}

// NewGuardedAdapter wraps next
func NewGuardedAdapter(next Adapter, cfg GuardConfig, alerts *AlertManager) *GuardedAdapter {
	g := &GuardedAdapter{next: next, alerts: alerts}

	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	name := next.Name()
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.BreakerHalfOpen,
		Interval:    cfg.BreakerInterval,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || (!IsTransient(err) && KindOf(err) != KindUnknown)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			metrics.SetCircuitBreakerState(name, breakerStateValue(to))
			if to == gobreaker.StateOpen && g.alerts != nil {
				g.alerts.SendAlert(context.Background(), AlertCircuitOpen(name))
			}
		},
	})
	return g
}

// BreakerState returns the current breaker state
func (g *GuardedAdapter) BreakerState() gobreaker.State {
	return g.breaker.State()
}

// Name returns the wrapped adapter's name
func (g *GuardedAdapter) Name() string {
	return g.next.Name()
}

// Capabilities returns the wrapped adapter's capabilities
func (g *GuardedAdapter) Capabilities() Capabilities {
	return g.next.Capabilities()
}

// SubmitOrder places an order through the guard
func (g *GuardedAdapter) SubmitOrder(ctx context.Context, req OrderRequest) (SubmitAck, error) {
	var ack SubmitAck
	err := g.do(ctx, "submit", func(ctx context.Context) error {
		var err error
		ack, err = g.next.SubmitOrder(ctx, req)
		return err
	})
	return ack, err
}

// CancelOrder cancels an order through the guard
func (g *GuardedAdapter) CancelOrder(ctx context.Context, ref OrderRef) (CancelAck, error) {
	var ack CancelAck
	err := g.do(ctx, "cancel", func(ctx context.Context) error {
		var err error
		ack, err = g.next.CancelOrder(ctx, ref)
		return err
	})
	return ack, err
}

// PollOrderStatus polls order status through the guard
func (g *GuardedAdapter) PollOrderStatus(ctx context.Context, ref OrderRef) (order.OrderUpdate, error) {
	var update order.OrderUpdate
	err := g.do(ctx, "status", func(ctx context.Context) error {
		var err error
		update, err = g.next.PollOrderStatus(ctx, ref)
		return err
	})
	return update, err
}

// PollTradeHistory polls trade history through the guard
func (g *GuardedAdapter) PollTradeHistory(ctx context.Context, ref OrderRef) ([]order.TradeUpdate, error) {
	var trades []order.TradeUpdate
	err := g.do(ctx, "trades", func(ctx context.Context) error {
		var err error
		trades, err = g.next.PollTradeHistory(ctx, ref)
		return err
	})
	return trades, err
}

// IsOrderNotFoundDuringStatusUpdate delegates to the wrapped adapter
func (g *GuardedAdapter) IsOrderNotFoundDuringStatusUpdate(err error) bool {
	return g.next.IsOrderNotFoundDuringStatusUpdate(err)
}

// IsOrderNotFoundDuringCancelation delegates to the wrapped adapter
func (g *GuardedAdapter) IsOrderNotFoundDuringCancelation(err error) bool {
	return g.next.IsOrderNotFoundDuringCancelation(err)
}

func (g *GuardedAdapter) do(ctx context.Context, op string, call func(ctx context.Context) error) error {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return NewChannelError(KindTransient, op, err)
		}
	}

	start := time.Now()
	_, err := g.breaker.Execute(func() (interface{}, error) {
		return nil, call(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = NewChannelError(KindTransient, op, err)
	}

	kind := ""
	if err != nil {
		kind = KindOf(err).String()
	}
	metrics.RecordExchangeRequest(g.next.Name(), op, float64(time.Since(start).Milliseconds()), kind)
	return err
}

func breakerStateValue(s gobreaker.State) int {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
