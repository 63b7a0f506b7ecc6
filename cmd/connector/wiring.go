package main

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/orderbridge/internal/config"
	"github.com/ajitpratap0/orderbridge/internal/connector"
	"github.com/ajitpratap0/orderbridge/internal/exchange"
	"github.com/ajitpratap0/orderbridge/internal/tracker"
	"github.com/ajitpratap0/orderbridge/internal/userstream"
)

// connectorConfig translates file configuration into connector settings
func connectorConfig(name string, cc config.ConnectorConfig) (connector.Config, error) {
	eps, err := decimal.NewFromString(cc.FillEpsilon)
	if err != nil {
		return connector.Config{}, fmt.Errorf("connector %s: invalid fill epsilon: %w", name, err)
	}

	cfg := connector.DefaultConfig(name)
	cfg.PollInterval = cc.PollInterval
	cfg.MaxPollBackoff = cc.MaxPollBackoff
	cfg.PollConcurrency = cc.PollConcurrency
	cfg.RequestTimeout = cc.RequestTimeout
	cfg.FillEpsilon = eps
	cfg.NotFoundLimit = cc.NotFoundLimit
	cfg.CancelTimeout = cc.CancelTimeout
	cfg.CancelRetry.MaxRetries = cc.CancelRetries
	cfg.RetentionWindow = cc.RetentionWindow
	cfg.SnapshotInterval = cc.SnapshotInterval
	cfg.Registry = tracker.Config{
		CachedOrderTTL: cc.CachedOrderTTL,
		MaxCacheSize:   cc.MaxCacheSize,
	}
	return cfg, nil
}

func guardConfig(cc config.ConnectorConfig) exchange.GuardConfig {
	return exchange.GuardConfig{
		RequestsPerSecond: cc.RateLimit.RequestsPerSecond,
		Burst:             cc.RateLimit.Burst,
		BreakerFailures:   cc.CircuitBreaker.MaxFailures,
		BreakerTimeout:    cc.CircuitBreaker.Timeout,
		BreakerInterval:   cc.CircuitBreaker.Interval,
		BreakerHalfOpen:   cc.CircuitBreaker.HalfOpenRequests,
	}
}

func newPaperAdapter(name string, cc config.ConnectorConfig) *exchange.PaperAdapter {
	paper := exchange.NewPaperAdapter(exchange.PaperConfig{
		Name: name,
		Capabilities: exchange.Capabilities{
			SynchronousCancelAck: cc.Paper.SynchronousCancelAck,
			TradeHistoryOverREST: cc.Paper.TradeHistoryOverREST,
		},
		BaseSlippage: cc.Paper.BaseSlippage,
		MarketImpact: cc.Paper.MarketImpact,
		MaxSlippage:  cc.Paper.MaxSlippage,
		TakerFee:     cc.Paper.TakerFee,
	})
	for pair, price := range cc.Paper.MarketPrices {
		paper.SetMarketPrice(strings.ToUpper(pair), decimal.NewFromFloat(price))
	}
	return paper
}

// buildConnector creates the adapter stack and connector for one configured venue
func buildConnector(name string, cc config.ConnectorConfig, store connector.SnapshotStore, logger zerolog.Logger) (*connector.Connector, error) {
	cfg, err := connectorConfig(name, cc)
	if err != nil {
		return nil, err
	}

	var opts []connector.Option
	if store != nil {
		opts = append(opts, connector.WithSnapshotStore(store))
	}

	var adapter exchange.Adapter
	switch cc.Exchange {
	case config.ExchangePaper:
		adapter = newPaperAdapter(name, cc)
	case config.ExchangeBinance:
		binance := exchange.NewBinanceAdapter(exchange.BinanceConfig{
			APIKey:    cc.APIKey,
			SecretKey: cc.SecretKey,
			Testnet:   cc.Testnet,
		})
		adapter = exchange.NewGuardedAdapter(binance, guardConfig(cc), exchange.NewAlertManager(name))
		if cc.UserStream {
			streamCfg := userstream.DefaultConfig()
			streamCfg.Connector = name
			opts = append(opts, connector.WithUserStream(
				userstream.NewBinanceEndpoint(binance),
				exchange.NewBinanceStreamParser(cc.TradingPairs),
				streamCfg,
			))
		}
	default:
		return nil, fmt.Errorf("connector %s: unknown exchange %q", name, cc.Exchange)
	}

	return connector.New(cfg, adapter, logger, opts...), nil
}
