package config

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Configuration validation failed with %d error(s):\n\n", len(ve)))
	for i, err := range ve {
		sb.WriteString(fmt.Sprintf("  %d. %s: %s\n", i+1, err.Field, err.Message))
	}
	sb.WriteString("\nPlease fix the above errors and try again.\n")
	return sb.String()
}

// Validate performs comprehensive configuration validation
func (c *Config) Validate() error {
	var errors ValidationErrors

	errors = append(errors, c.validateApp()...)
	errors = append(errors, c.validateDatabase()...)
	errors = append(errors, c.validateRedis()...)
	errors = append(errors, c.validateNATS()...)
	errors = append(errors, c.validateAPI()...)
	errors = append(errors, c.validateConnectors()...)
	errors = append(errors, c.validateEnvironmentRequirements()...)

	if len(errors) > 0 {
		return errors
	}

	return nil
}

func (c *Config) validateApp() ValidationErrors {
	var errors ValidationErrors

	if c.App.Name == "" {
		errors = append(errors, ValidationError{
			Field:   "app.name",
			Message: "Application name is required",
		})
	}

	if !oneOf(c.App.Environment, "development", "staging", "production") {
		errors = append(errors, ValidationError{
			Field:   "app.environment",
			Message: fmt.Sprintf("Invalid environment '%s'. Must be one of: development, staging, production", c.App.Environment),
		})
	}

	if !oneOf(strings.ToLower(c.App.LogLevel), "trace", "debug", "info", "warn", "error") {
		errors = append(errors, ValidationError{
			Field:   "app.log_level",
			Message: fmt.Sprintf("Invalid log level '%s'. Must be one of: trace, debug, info, warn, error", c.App.LogLevel),
		})
	}

	if c.App.LogFormat != "" && !oneOf(c.App.LogFormat, "json", "console") {
		errors = append(errors, ValidationError{
			Field:   "app.log_format",
			Message: "Log format must be 'json' or 'console'",
		})
	}

	return errors
}

func (c *Config) validateDatabase() ValidationErrors {
	var errors ValidationErrors
	if !c.Database.Enabled {
		return errors
	}

	if c.Database.Host == "" {
		errors = append(errors, ValidationError{
			Field:   "database.host",
			Message: "Database host is required when the audit trail is enabled",
		})
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "database.port",
			Message: fmt.Sprintf("Invalid port %d. Must be between 1 and 65535", c.Database.Port),
		})
	}
	if c.Database.User == "" {
		errors = append(errors, ValidationError{
			Field:   "database.user",
			Message: "Database user is required",
		})
	}
	if c.Database.Database == "" {
		errors = append(errors, ValidationError{
			Field:   "database.database",
			Message: "Database name is required",
		})
	}
	if c.Database.PoolSize <= 0 {
		errors = append(errors, ValidationError{
			Field:   "database.pool_size",
			Message: "Pool size must be positive",
		})
	}

	return errors
}

func (c *Config) validateRedis() ValidationErrors {
	var errors ValidationErrors
	if !c.Redis.Enabled {
		return errors
	}

	if c.Redis.Host == "" {
		errors = append(errors, ValidationError{
			Field:   "redis.host",
			Message: "Redis host is required when snapshots are enabled",
		})
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "redis.port",
			Message: fmt.Sprintf("Invalid port %d. Must be between 1 and 65535", c.Redis.Port),
		})
	}
	if c.Redis.SnapshotTTL < 0 {
		errors = append(errors, ValidationError{
			Field:   "redis.snapshot_ttl",
			Message: "Snapshot TTL cannot be negative",
		})
	}

	return errors
}

func (c *Config) validateNATS() ValidationErrors {
	var errors ValidationErrors
	if !c.NATS.Enabled {
		return errors
	}

	if c.NATS.URL == "" {
		errors = append(errors, ValidationError{
			Field:   "nats.url",
			Message: "NATS URL is required when event publishing is enabled",
		})
	} else if !strings.HasPrefix(c.NATS.URL, "nats://") && !strings.HasPrefix(c.NATS.URL, "tls://") {
		errors = append(errors, ValidationError{
			Field:   "nats.url",
			Message: "NATS URL must start with 'nats://' or 'tls://'",
		})
	}

	return errors
}

func (c *Config) validateAPI() ValidationErrors {
	var errors ValidationErrors
	if !c.API.Enabled {
		return errors
	}

	if c.API.Port <= 0 || c.API.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "api.port",
			Message: fmt.Sprintf("Invalid port %d. Must be between 1 and 65535", c.API.Port),
		})
	}
	if c.Monitoring.EnableMetrics && c.Monitoring.PrometheusPort == c.API.Port {
		errors = append(errors, ValidationError{
			Field:   "monitoring.prometheus_port",
			Message: fmt.Sprintf("Port %d is already used by the API", c.API.Port),
		})
	}

	return errors
}

func (c *Config) validateConnectors() ValidationErrors {
	var errors ValidationErrors

	if len(c.EnabledConnectors()) == 0 {
		errors = append(errors, ValidationError{
			Field:   "connectors",
			Message: "At least one connector must be enabled",
		})
	}

	for _, name := range c.EnabledConnectors() {
		errors = append(errors, c.Connectors[name].validate("connectors."+name)...)
	}

	return errors
}

func (cc ConnectorConfig) validate(prefix string) ValidationErrors {
	var errors ValidationErrors
	field := func(name string) string { return prefix + "." + name }

	switch cc.Exchange {
	case ExchangeBinance:
		if cc.APIKey == "" {
			errors = append(errors, ValidationError{
				Field:   field("api_key"),
				Message: "API key is required for Binance",
			})
		}
		if cc.SecretKey == "" {
			errors = append(errors, ValidationError{
				Field:   field("secret_key"),
				Message: "Secret key is required for Binance",
			})
		}
	case ExchangePaper:
		if cc.Paper.TakerFee < 0 || cc.Paper.TakerFee >= 1 {
			errors = append(errors, ValidationError{
				Field:   field("paper.taker_fee"),
				Message: "Taker fee must be between 0 and 1",
			})
		}
	default:
		errors = append(errors, ValidationError{
			Field:   field("exchange"),
			Message: fmt.Sprintf("Unknown exchange '%s'. Must be 'binance' or 'paper'", cc.Exchange),
		})
	}

	if cc.UserStream && cc.Exchange != ExchangeBinance {
		errors = append(errors, ValidationError{
			Field:   field("user_stream"),
			Message: "User stream is only available for Binance",
		})
	}

	if cc.PollInterval <= 0 {
		errors = append(errors, ValidationError{
			Field:   field("poll_interval"),
			Message: "Poll interval must be positive",
		})
	}
	if cc.MaxPollBackoff < cc.PollInterval {
		errors = append(errors, ValidationError{
			Field:   field("max_poll_backoff"),
			Message: "Max poll backoff cannot be shorter than the poll interval",
		})
	}
	if cc.PollConcurrency <= 0 {
		errors = append(errors, ValidationError{
			Field:   field("poll_concurrency"),
			Message: "Poll concurrency must be positive",
		})
	}
	if cc.RequestTimeout <= 0 {
		errors = append(errors, ValidationError{
			Field:   field("request_timeout"),
			Message: "Request timeout must be positive",
		})
	}
	if eps, err := decimal.NewFromString(cc.FillEpsilon); err != nil || eps.IsNegative() {
		errors = append(errors, ValidationError{
			Field:   field("fill_epsilon"),
			Message: fmt.Sprintf("Fill epsilon '%s' must be a non-negative decimal", cc.FillEpsilon),
		})
	}
	if cc.NotFoundLimit <= 0 {
		errors = append(errors, ValidationError{
			Field:   field("not_found_limit"),
			Message: "Not-found limit must be positive",
		})
	}
	if cc.CancelRetries < 0 {
		errors = append(errors, ValidationError{
			Field:   field("cancel_retries"),
			Message: "Cancel retries cannot be negative",
		})
	}
	if cc.MaxCacheSize < 0 {
		errors = append(errors, ValidationError{
			Field:   field("max_cache_size"),
			Message: "Max cache size cannot be negative",
		})
	}
	if cc.RateLimit.RequestsPerSecond < 0 {
		errors = append(errors, ValidationError{
			Field:   field("rate_limit.requests_per_second"),
			Message: "Rate limit cannot be negative",
		})
	}

	return errors
}

func (c *Config) validateEnvironmentRequirements() ValidationErrors {
	var errors ValidationErrors

	if c.App.Environment != "production" {
		return errors
	}

	errors = append(errors, ValidateProductionSecrets(c)...)

	for _, name := range c.EnabledConnectors() {
		if c.Connectors[name].Testnet {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("connectors.%s.testnet", name),
				Message: "Testnet mode must be disabled in production",
			})
		}
	}

	if c.Database.Enabled && c.Database.SSLMode == "disable" {
		errors = append(errors, ValidationError{
			Field:   "database.ssl_mode",
			Message: "SSL must be enabled for database in production",
		})
	}

	return errors
}

func oneOf(s string, values ...string) bool {
	for _, v := range values {
		if s == v {
			return true
		}
	}
	return false
}
