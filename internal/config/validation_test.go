package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// getValidConfig returns a valid configuration with every section enabled
func getValidConfig() *Config {
	binance := ConnectorConfig{
		Exchange:     ExchangeBinance,
		Enabled:      true,
		APIKey:       "vmPUZE6mv9SD5VNHk4HlWFsOr6aKE2zvsw0MuIgwCIPy6utIco14y7Ju91duEh8A",
		SecretKey:    "NhqPtmdSJYdKjVHjA7PZj4Mge3R5YNiP1e3UZjInClVN65XAbvqqM6A7H5fATj0j",
		Testnet:      true,
		TradingPairs: []string{"BTC-USDT"},
		UserStream:   true,
	}
	binance.applyDefaults()

	paper := ConnectorConfig{Exchange: ExchangePaper, Enabled: true}
	paper.applyDefaults()

	return &Config{
		App: AppConfig{
			Name:        "orderbridge",
			Version:     Version,
			Environment: "development",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Database: DatabaseConfig{
			Enabled:  true,
			Host:     "localhost",
			Port:     5432,
			User:     "postgres",
			Password: "Kx9#mQ2$vL7!pR4w",
			Database: "orderbridge",
			SSLMode:  "require",
			PoolSize: 10,
		},
		Redis: RedisConfig{
			Enabled:     true,
			Host:        "localhost",
			Port:        6379,
			SnapshotTTL: 24 * time.Hour,
		},
		NATS: NATSConfig{
			Enabled:       true,
			URL:           "nats://localhost:4222",
			SubjectPrefix: "orderbridge.",
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8081,
		},
		Monitoring: MonitoringConfig{
			PrometheusPort: 9100,
			EnableMetrics:  true,
		},
		Connectors: map[string]ConnectorConfig{
			"binance": binance,
			"paper":   paper,
		},
	}
}

func TestValidateValidConfig(t *testing.T) {
	cfg := getValidConfig()
	assert.NoError(t, cfg.Validate(), "Valid configuration should not produce errors")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(*Config)
		expectError string
	}{
		{
			name:        "missing app name",
			modify:      func(c *Config) { c.App.Name = "" },
			expectError: "app.name",
		},
		{
			name:        "invalid environment",
			modify:      func(c *Config) { c.App.Environment = "qa" },
			expectError: "Invalid environment",
		},
		{
			name:        "invalid log level",
			modify:      func(c *Config) { c.App.LogLevel = "verbose" },
			expectError: "app.log_level",
		},
		{
			name:        "invalid log format",
			modify:      func(c *Config) { c.App.LogFormat = "xml" },
			expectError: "app.log_format",
		},
		{
			name:        "database host missing",
			modify:      func(c *Config) { c.Database.Host = "" },
			expectError: "database.host",
		},
		{
			name:        "database port too high",
			modify:      func(c *Config) { c.Database.Port = 70000 },
			expectError: "Invalid port",
		},
		{
			name:        "database pool size",
			modify:      func(c *Config) { c.Database.PoolSize = 0 },
			expectError: "database.pool_size",
		},
		{
			name:        "redis host missing",
			modify:      func(c *Config) { c.Redis.Host = "" },
			expectError: "redis.host",
		},
		{
			name:        "nats url scheme",
			modify:      func(c *Config) { c.NATS.URL = "http://localhost:4222" },
			expectError: "nats.url",
		},
		{
			name:        "api port",
			modify:      func(c *Config) { c.API.Port = 0 },
			expectError: "api.port",
		},
		{
			name:        "metrics port collides with api",
			modify:      func(c *Config) { c.Monitoring.PrometheusPort = c.API.Port },
			expectError: "monitoring.prometheus_port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := getValidConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectError)
		})
	}
}

func TestValidate_DisabledSectionsAreSkipped(t *testing.T) {
	cfg := getValidConfig()
	cfg.Database = DatabaseConfig{}
	cfg.Redis = RedisConfig{}
	cfg.NATS = NATSConfig{}
	cfg.API = APIConfig{}

	assert.NoError(t, cfg.Validate())
}

func TestValidateConnectors(t *testing.T) {
	modifyConnector := func(name string, fn func(*ConnectorConfig)) func(*Config) {
		return func(c *Config) {
			cc := c.Connectors[name]
			fn(&cc)
			c.Connectors[name] = cc
		}
	}

	tests := []struct {
		name        string
		modify      func(*Config)
		expectError string
	}{
		{
			name: "no enabled connectors",
			modify: func(c *Config) {
				c.Connectors = map[string]ConnectorConfig{}
			},
			expectError: "At least one connector must be enabled",
		},
		{
			name:        "unknown exchange",
			modify:      modifyConnector("paper", func(cc *ConnectorConfig) { cc.Exchange = "kraken" }),
			expectError: "Unknown exchange 'kraken'",
		},
		{
			name:        "binance without api key",
			modify:      modifyConnector("binance", func(cc *ConnectorConfig) { cc.APIKey = "" }),
			expectError: "connectors.binance.api_key",
		},
		{
			name:        "binance without secret key",
			modify:      modifyConnector("binance", func(cc *ConnectorConfig) { cc.SecretKey = "" }),
			expectError: "connectors.binance.secret_key",
		},
		{
			name:        "user stream on paper",
			modify:      modifyConnector("paper", func(cc *ConnectorConfig) { cc.UserStream = true }),
			expectError: "connectors.paper.user_stream",
		},
		{
			name:        "zero poll interval",
			modify:      modifyConnector("paper", func(cc *ConnectorConfig) { cc.PollInterval = 0 }),
			expectError: "connectors.paper.poll_interval",
		},
		{
			name: "backoff below poll interval",
			modify: modifyConnector("paper", func(cc *ConnectorConfig) {
				cc.PollInterval = time.Minute
				cc.MaxPollBackoff = time.Second
			}),
			expectError: "connectors.paper.max_poll_backoff",
		},
		{
			name:        "invalid fill epsilon",
			modify:      modifyConnector("paper", func(cc *ConnectorConfig) { cc.FillEpsilon = "tiny" }),
			expectError: "connectors.paper.fill_epsilon",
		},
		{
			name:        "negative fill epsilon",
			modify:      modifyConnector("paper", func(cc *ConnectorConfig) { cc.FillEpsilon = "-0.1" }),
			expectError: "connectors.paper.fill_epsilon",
		},
		{
			name:        "zero not-found limit",
			modify:      modifyConnector("paper", func(cc *ConnectorConfig) { cc.NotFoundLimit = 0 }),
			expectError: "connectors.paper.not_found_limit",
		},
		{
			name:        "paper fee out of range",
			modify:      modifyConnector("paper", func(cc *ConnectorConfig) { cc.Paper.TakerFee = 1.5 }),
			expectError: "connectors.paper.paper.taker_fee",
		},
		{
			name:        "negative rate limit",
			modify:      modifyConnector("binance", func(cc *ConnectorConfig) { cc.RateLimit.RequestsPerSecond = -1 }),
			expectError: "rate_limit.requests_per_second",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := getValidConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectError)
		})
	}
}

func TestValidateConnectors_DisabledAreIgnored(t *testing.T) {
	cfg := getValidConfig()
	cc := cfg.Connectors["binance"]
	cc.Enabled = false
	cc.APIKey = ""
	cfg.Connectors["binance"] = cc

	assert.NoError(t, cfg.Validate())
	assert.Equal(t, []string{"paper"}, cfg.EnabledConnectors())
}

func TestValidateEnvironmentRequirements(t *testing.T) {
	t.Run("testnet rejected in production", func(t *testing.T) {
		cfg := getValidConfig()
		cfg.App.Environment = "production"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connectors.binance.testnet")
	})

	t.Run("database ssl required in production", func(t *testing.T) {
		cfg := getValidConfig()
		cfg.App.Environment = "production"
		cc := cfg.Connectors["binance"]
		cc.Testnet = false
		cfg.Connectors["binance"] = cc
		cfg.Database.SSLMode = "disable"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database.ssl_mode")
	})

	t.Run("weak password rejected in production", func(t *testing.T) {
		cfg := getValidConfig()
		cfg.App.Environment = "production"
		cc := cfg.Connectors["binance"]
		cc.Testnet = false
		cfg.Connectors["binance"] = cc
		cfg.Database.Password = "short"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database.password")
	})

	t.Run("valid production config", func(t *testing.T) {
		cfg := getValidConfig()
		cfg.App.Environment = "production"
		cc := cfg.Connectors["binance"]
		cc.Testnet = false
		cfg.Connectors["binance"] = cc
		assert.NoError(t, cfg.Validate())
	})
}

func TestValidationErrors_Error(t *testing.T) {
	errors := ValidationErrors{
		{Field: "field1", Message: "error message 1"},
		{Field: "field2", Message: "error message 2"},
	}

	errMsg := errors.Error()
	assert.Contains(t, errMsg, "Configuration validation failed with 2 error(s)")
	assert.Contains(t, errMsg, "1. field1: error message 1")
	assert.Contains(t, errMsg, "2. field2: error message 2")
	assert.Contains(t, errMsg, "Please fix the above errors and try again")
}

func TestValidationErrors_Empty(t *testing.T) {
	assert.Equal(t, "", ValidationErrors{}.Error())
}
