package config

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ValidatorOptions contains options for startup validation
type ValidatorOptions struct {
	VerifyConnectivity bool // Check database, Redis and NATS connectivity
	VerifyExchanges    bool // Check that exchange REST endpoints are reachable
	Timeout            time.Duration
}

// DefaultValidatorOptions returns default validator options for startup
func DefaultValidatorOptions() ValidatorOptions {
	return ValidatorOptions{
		VerifyConnectivity: true,
		Timeout:            5 * time.Second,
	}
}

// Validator checks that the services a configuration points at are usable
type Validator struct {
	config     *Config
	options    ValidatorOptions
	httpClient *http.Client
}

// NewValidator creates a new startup validator
func NewValidator(config *Config, options ValidatorOptions) *Validator {
	return &Validator{
		config:     config,
		options:    options,
		httpClient: &http.Client{Timeout: options.Timeout},
	}
}

// ValidateStartup runs the enabled checks in order and stops at the first failure
func (v *Validator) ValidateStartup(ctx context.Context) error {
	log.Info().Msg("Validating startup dependencies...")

	if v.options.VerifyConnectivity {
		if v.config.Database.Enabled {
			if err := v.checkDatabaseConnectivity(ctx); err != nil {
				return fmt.Errorf("database connectivity check failed: %w", err)
			}
		}
		if v.config.Redis.Enabled {
			if err := v.checkRedisConnectivity(ctx); err != nil {
				return fmt.Errorf("redis connectivity check failed: %w", err)
			}
		}
		if v.config.NATS.Enabled {
			if err := v.checkNATSConnectivity(); err != nil {
				return fmt.Errorf("nats connectivity check failed: %w", err)
			}
		}
	}

	if v.options.VerifyExchanges {
		for _, name := range v.config.EnabledConnectors() {
			cc := v.config.Connectors[name]
			if cc.Exchange != ExchangeBinance {
				continue
			}
			if err := v.pingBinance(ctx, BinanceRESTBase(cc.Testnet)); err != nil {
				return fmt.Errorf("connector %s: %w", name, err)
			}
		}
	}

	log.Info().Msg("Startup validation completed successfully")
	return nil
}

func (v *Validator) checkDatabaseConnectivity(ctx context.Context) error {
	connCtx, cancel := context.WithTimeout(ctx, v.options.Timeout)
	defer cancel()

	pool, err := pgxpool.New(connCtx, v.config.Database.GetURL())
	if err != nil {
		return fmt.Errorf("failed to create database connection pool: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(connCtx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().
		Str("host", v.config.Database.Host).
		Int("port", v.config.Database.Port).
		Msg("Database connectivity check passed")
	return nil
}

func (v *Validator) checkRedisConnectivity(ctx context.Context) error {
	connCtx, cancel := context.WithTimeout(ctx, v.options.Timeout)
	defer cancel()

	client := redis.NewClient(&redis.Options{
		Addr:     v.config.Redis.GetRedisAddr(),
		Password: v.config.Redis.Password,
		DB:       v.config.Redis.DB,
	})
	defer client.Close()

	if err := client.Ping(connCtx).Err(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}

	log.Info().Str("addr", v.config.Redis.GetRedisAddr()).Msg("Redis connectivity check passed")
	return nil
}

func (v *Validator) checkNATSConnectivity() error {
	nc, err := nats.Connect(v.config.NATS.URL, nats.Timeout(v.options.Timeout))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()

	log.Info().Str("url", v.config.NATS.URL).Msg("NATS connectivity check passed")
	return nil
}

// BinanceRESTBase returns the REST base URL for live or testnet trading
func BinanceRESTBase(testnet bool) string {
	if testnet {
		return "https://testnet.binance.vision"
	}
	return "https://api.binance.com"
}

// pingBinance checks reachability without signing a request
func (v *Validator) pingBinance(ctx context.Context, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/v3/ping", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to ping Binance API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("binance API ping failed with status: %d", resp.StatusCode)
	}

	log.Info().Str("base_url", baseURL).Msg("Binance API reachable")
	return nil
}
