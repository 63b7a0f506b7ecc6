package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/orderbridge/internal/exchange"
	"github.com/ajitpratap0/orderbridge/internal/metrics"
	"github.com/ajitpratap0/orderbridge/internal/order"
)

// PollerConfig configures the poll loop
type PollerConfig struct {
	Interval       time.Duration // Poll cadence and staleness threshold
	MaxBackoff     time.Duration // Upper bound of the cadence after failed cycles
	Concurrency    int           // Orders polled in parallel, 0 means unlimited
	RequestTimeout time.Duration // Timeout of one order's requests
}

// DefaultPollerConfig returns default poller configuration
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Interval:       10 * time.Second,
		MaxBackoff:     2 * time.Minute,
		Concurrency:    8,
		RequestTimeout: 10 * time.Second,
	}
}

// CycleResult summarizes one poll cycle
type CycleResult struct {
	Polled int // Orders polled
	Failed int // Orders whose requests failed transiently
}

// AllFailed reports whether every request of the cycle failed
func (r CycleResult) AllFailed() bool {
	return r.Polled > 0 && r.Failed == r.Polled
}

// Poller periodically fetches status, and trade history where the venue
// requires it, for orders the user stream has not updated recently.
type Poller struct {
	engine  *Engine
	adapter exchange.Adapter
	cfg     PollerConfig
	backoff exchange.RetryConfig
	log     zerolog.Logger
}

// NewPoller creates a poller feeding engine
func NewPoller(engine *Engine, adapter exchange.Adapter, cfg PollerConfig, log zerolog.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollerConfig().Interval
	}
	if cfg.MaxBackoff < cfg.Interval {
		cfg.MaxBackoff = cfg.Interval
	}
	return &Poller{
		engine:  engine,
		adapter: adapter,
		cfg:     cfg,
		backoff: exchange.RetryConfig{
			InitialBackoff: cfg.Interval,
			MaxBackoff:     cfg.MaxBackoff,
			BackoffFactor:  2.0,
		},
		log: log.With().Str("component", "poller").Str("connector", engine.Connector()).Logger(),
	}
}

// Run polls until ctx is done. It returns nil on cancellation and the error
// of an authentication failure, which stops polling.
func (p *Poller) Run(ctx context.Context) error {
	p.log.Info().Dur("interval", p.cfg.Interval).Msg("Poll loop started")

	wait := p.cfg.Interval
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("Poll loop stopped")
			return nil
		case <-timer.C:
		}

		result, err := p.PollOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.log.Error().Err(err).Msg("Poll loop stopped on fatal error")
			return err
		}

		wait = p.nextWait(wait, result)
		timer.Reset(wait)
	}
}

// PollOnce runs a single cycle over the orders due for reconciliation.
// Requests are independent; only an authentication failure is returned.
func (p *Poller) PollOnce(ctx context.Context) (CycleResult, error) {
	start := time.Now()
	due := p.engine.NeedingReconciliation(p.cfg.Interval)
	result := CycleResult{Polled: len(due)}
	if len(due) == 0 {
		return result, nil
	}

	failed := make([]bool, len(due))
	g, gctx := errgroup.WithContext(ctx)
	if p.cfg.Concurrency > 0 {
		g.SetLimit(p.cfg.Concurrency)
	}
	for i, snap := range due {
		g.Go(func() error {
			ok, err := p.pollOrder(gctx, snap)
			failed[i] = !ok
			return err
		})
	}
	err := g.Wait()

	for _, f := range failed {
		if f {
			result.Failed++
		}
	}
	metrics.RecordPollCycle(p.engine.Connector(), float64(time.Since(start).Milliseconds()), result.AllFailed())
	p.log.Debug().
		Int("polled", result.Polled).
		Int("failed", result.Failed).
		Dur("duration", time.Since(start)).
		Msg("Poll cycle completed")
	return result, err
}

// pollOrder reconciles one order. It reports whether the exchange answered
// and returns an error only for authentication failures.
func (p *Poller) pollOrder(ctx context.Context, snap order.Snapshot) (bool, error) {
	if p.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.RequestTimeout)
		defer cancel()
	}
	ref := exchange.RefFor(snap)
	answered := true

	if p.adapter.Capabilities().TradeHistoryOverREST {
		trades, err := p.adapter.PollTradeHistory(ctx, ref)
		switch {
		case err == nil:
			for _, t := range trades {
				if t.ClientOrderID == "" {
					t.ClientOrderID = snap.ClientOrderID
				}
				p.engine.ApplyTradeUpdate(metrics.ChannelPoll, t)
			}
		case exchange.IsAuth(err):
			return false, p.fatal("trades", ref, err)
		case exchange.IsNotFound(err):
			// The status request settles unknown orders
		default:
			answered = false
			p.logFailure("trades", ref, err)
		}
	}

	update, err := p.adapter.PollOrderStatus(ctx, ref)
	switch {
	case err == nil:
		if update.ClientOrderID == "" {
			update.ClientOrderID = snap.ClientOrderID
		}
		p.engine.ResetNotFound(snap.ClientOrderID)
		p.engine.ApplyOrderUpdate(metrics.ChannelPoll, update)
	case exchange.IsAuth(err):
		return false, p.fatal("status", ref, err)
	case p.adapter.IsOrderNotFoundDuringStatusUpdate(err):
		p.engine.RecordStatusNotFound(snap.ClientOrderID)
	default:
		answered = false
		p.logFailure("status", ref, err)
	}
	return answered, nil
}

func (p *Poller) nextWait(current time.Duration, result CycleResult) time.Duration {
	next := p.cfg.Interval
	if result.AllFailed() {
		next = p.backoff.NextBackoff(current)
		p.log.Warn().
			Int("failed", result.Failed).
			Dur("next_poll", next).
			Msg("Every poll request failed, backing off")
	}
	metrics.SetPollBackoff(p.engine.Connector(), (next - p.cfg.Interval).Seconds())
	return next
}

func (p *Poller) logFailure(op string, ref exchange.OrderRef, err error) {
	p.log.Warn().
		Err(err).
		Str("op", op).
		Str("kind", exchange.KindOf(err).String()).
		Str("client_order_id", ref.ClientOrderID).
		Str("exchange_order_id", ref.ExchangeOrderID).
		Msg("Poll request failed, retrying next cycle")
}

func (p *Poller) fatal(op string, ref exchange.OrderRef, err error) error {
	p.log.Error().
		Err(err).
		Str("op", op).
		Str("client_order_id", ref.ClientOrderID).
		Msg("Authentication failed while polling")
	return fmt.Errorf("poll %s for %s: %w", op, ref.ClientOrderID, err)
}
