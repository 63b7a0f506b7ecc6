package config

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Exchange kinds a connector can drive
const (
	ExchangeBinance = "binance"
	ExchangePaper   = "paper"
)

// Config holds all application configuration
type Config struct {
	App        AppConfig                  `mapstructure:"app" yaml:"app"`
	Database   DatabaseConfig             `mapstructure:"database" yaml:"database"`
	Redis      RedisConfig                `mapstructure:"redis" yaml:"redis"`
	NATS       NATSConfig                 `mapstructure:"nats" yaml:"nats"`
	API        APIConfig                  `mapstructure:"api" yaml:"api"`
	Monitoring MonitoringConfig           `mapstructure:"monitoring" yaml:"monitoring"`
	Vault      VaultSettings              `mapstructure:"vault" yaml:"vault"`
	Connectors map[string]ConnectorConfig `mapstructure:"connectors" yaml:"connectors"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name" yaml:"name"`
	Version     string `mapstructure:"version" yaml:"version"`
	Environment string `mapstructure:"environment" yaml:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat   string `mapstructure:"log_format" yaml:"log_format"` // json or console
}

// DatabaseConfig contains PostgreSQL settings for the audit trail
type DatabaseConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"password"`
	Database string `mapstructure:"database" yaml:"database"`
	SSLMode  string `mapstructure:"ssl_mode" yaml:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size" yaml:"pool_size"`
}

// RedisConfig contains Redis settings for tracking-state snapshots
type RedisConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	Host        string        `mapstructure:"host" yaml:"host"`
	Port        int           `mapstructure:"port" yaml:"port"`
	Password    string        `mapstructure:"password" yaml:"password"`
	DB          int           `mapstructure:"db" yaml:"db"`
	SnapshotTTL time.Duration `mapstructure:"snapshot_ttl" yaml:"snapshot_ttl"`
}

// NATSConfig contains NATS event publishing settings
type NATSConfig struct {
	Enabled       bool   `mapstructure:"enabled" yaml:"enabled"`
	URL           string `mapstructure:"url" yaml:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix" yaml:"subject_prefix"`
}

// APIConfig contains status API settings
type APIConfig struct {
	Enabled        bool     `mapstructure:"enabled" yaml:"enabled"`
	Host           string   `mapstructure:"host" yaml:"host"`
	Port           int      `mapstructure:"port" yaml:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

// MonitoringConfig contains monitoring settings
type MonitoringConfig struct {
	PrometheusPort int  `mapstructure:"prometheus_port" yaml:"prometheus_port"`
	EnableMetrics  bool `mapstructure:"enable_metrics" yaml:"enable_metrics"`
}

// VaultSettings selects whether secrets are read from Vault at startup.
// Connection details come from the VAULT_* environment variables.
type VaultSettings struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// ConnectorConfig configures one exchange connector
type ConnectorConfig struct {
	Exchange     string   `mapstructure:"exchange" yaml:"exchange"` // binance or paper
	Enabled      bool     `mapstructure:"enabled" yaml:"enabled"`
	APIKey       string   `mapstructure:"api_key" yaml:"api_key"`
	SecretKey    string   `mapstructure:"secret_key" yaml:"secret_key"`
	Testnet      bool     `mapstructure:"testnet" yaml:"testnet"`
	TradingPairs []string `mapstructure:"trading_pairs" yaml:"trading_pairs"`
	UserStream   bool     `mapstructure:"user_stream" yaml:"user_stream"`

	PollInterval     time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	MaxPollBackoff   time.Duration `mapstructure:"max_poll_backoff" yaml:"max_poll_backoff"`
	PollConcurrency  int           `mapstructure:"poll_concurrency" yaml:"poll_concurrency"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	FillEpsilon      string        `mapstructure:"fill_epsilon" yaml:"fill_epsilon"`
	NotFoundLimit    int           `mapstructure:"not_found_limit" yaml:"not_found_limit"`
	CancelTimeout    time.Duration `mapstructure:"cancel_timeout" yaml:"cancel_timeout"`
	CancelRetries    int           `mapstructure:"cancel_retries" yaml:"cancel_retries"`
	RetentionWindow  time.Duration `mapstructure:"retention_window" yaml:"retention_window"`
	CachedOrderTTL   time.Duration `mapstructure:"cached_order_ttl" yaml:"cached_order_ttl"`
	MaxCacheSize     int           `mapstructure:"max_cache_size" yaml:"max_cache_size"`
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval" yaml:"snapshot_interval"`

	RateLimit      RateLimitConfig      `mapstructure:"rate_limit" yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker" yaml:"circuit_breaker"`
	Paper          PaperConfig          `mapstructure:"paper" yaml:"paper"`
}

// RateLimitConfig paces requests to the venue
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"` // 0 disables
	Burst             int     `mapstructure:"burst" yaml:"burst"`
}

// CircuitBreakerConfig contains circuit breaker settings
type CircuitBreakerConfig struct {
	MaxFailures      uint32        `mapstructure:"max_failures" yaml:"max_failures"`
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Interval         time.Duration `mapstructure:"interval" yaml:"interval"`
	HalfOpenRequests uint32        `mapstructure:"half_open_requests" yaml:"half_open_requests"`
}

// PaperConfig contains the simulated venue's fees and capabilities
type PaperConfig struct {
	TakerFee             float64 `mapstructure:"taker_fee" yaml:"taker_fee"`
	BaseSlippage         float64 `mapstructure:"base_slippage" yaml:"base_slippage"`
	MarketImpact         float64 `mapstructure:"market_impact" yaml:"market_impact"`
	MaxSlippage          float64 `mapstructure:"max_slippage" yaml:"max_slippage"`
	SynchronousCancelAck bool    `mapstructure:"synchronous_cancel_ack" yaml:"synchronous_cancel_ack"`
	TradeHistoryOverREST bool    `mapstructure:"trade_history_over_rest" yaml:"trade_history_over_rest"`

	// Reference prices by trading pair; market orders on a pair without one
	// are rejected. Keys are matched case-insensitively.
	MarketPrices map[string]float64 `mapstructure:"market_prices" yaml:"market_prices"`
}

func (p PaperConfig) unset() bool {
	return p.TakerFee == 0 && p.BaseSlippage == 0 && p.MarketImpact == 0 &&
		p.MaxSlippage == 0 && !p.SynchronousCancelAck && !p.TradeHistoryOverREST
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// ORDERBRIDGE_REDIS_HOST overrides redis.host
	v.SetEnvPrefix("ORDERBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.applyConnectorDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "orderbridge")
	v.SetDefault("app.version", Version)
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "orderbridge")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 10)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.snapshot_ttl", "24h")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.subject_prefix", "orderbridge.")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8081)
	v.SetDefault("api.allowed_origins", []string{"http://localhost:3000"})

	v.SetDefault("monitoring.prometheus_port", 9100)
	v.SetDefault("monitoring.enable_metrics", true)

	v.SetDefault("vault.enabled", false)

	// A paper connector so a bare install starts without credentials
	v.SetDefault("connectors.paper.exchange", ExchangePaper)
	v.SetDefault("connectors.paper.enabled", true)
	v.SetDefault("connectors.paper.trading_pairs", []string{"BTC-USDT", "ETH-USDT"})
	v.SetDefault("connectors.paper.paper.market_prices", map[string]float64{
		"BTC-USDT": 60000,
		"ETH-USDT": 3000,
	})
}

// Connector defaults. Map entries cannot carry viper defaults, so they are
// filled in after unmarshalling.
var defaultConnector = ConnectorConfig{
	PollInterval:     5 * time.Second,
	MaxPollBackoff:   time.Minute,
	PollConcurrency:  8,
	RequestTimeout:   10 * time.Second,
	FillEpsilon:      "0.00000001",
	NotFoundLimit:    3,
	CancelTimeout:    10 * time.Second,
	CancelRetries:    3,
	RetentionWindow:  5 * time.Minute,
	CachedOrderTTL:   10 * time.Minute,
	MaxCacheSize:     1000,
	SnapshotInterval: 30 * time.Second,
	RateLimit: RateLimitConfig{
		RequestsPerSecond: 10,
		Burst:             5,
	},
	CircuitBreaker: CircuitBreakerConfig{
		MaxFailures:      5,
		Timeout:          30 * time.Second,
		Interval:         time.Minute,
		HalfOpenRequests: 1,
	},
	Paper: PaperConfig{
		TakerFee:             0.001,
		BaseSlippage:         0.0005,
		MarketImpact:         0.0001,
		MaxSlippage:          0.003,
		SynchronousCancelAck: true,
		TradeHistoryOverREST: true,
	},
}

func (c *Config) applyConnectorDefaults() {
	for name, cc := range c.Connectors {
		cc.applyDefaults()
		c.Connectors[name] = cc
	}
}

func (cc *ConnectorConfig) applyDefaults() {
	d := defaultConnector
	if cc.Exchange == "" {
		cc.Exchange = ExchangePaper
	}
	setDuration(&cc.PollInterval, d.PollInterval)
	setDuration(&cc.MaxPollBackoff, d.MaxPollBackoff)
	setDuration(&cc.RequestTimeout, d.RequestTimeout)
	setDuration(&cc.CancelTimeout, d.CancelTimeout)
	setDuration(&cc.RetentionWindow, d.RetentionWindow)
	setDuration(&cc.CachedOrderTTL, d.CachedOrderTTL)
	setDuration(&cc.SnapshotInterval, d.SnapshotInterval)
	setDuration(&cc.CircuitBreaker.Timeout, d.CircuitBreaker.Timeout)
	setDuration(&cc.CircuitBreaker.Interval, d.CircuitBreaker.Interval)
	if cc.PollConcurrency == 0 {
		cc.PollConcurrency = d.PollConcurrency
	}
	if cc.FillEpsilon == "" {
		cc.FillEpsilon = d.FillEpsilon
	}
	if cc.NotFoundLimit == 0 {
		cc.NotFoundLimit = d.NotFoundLimit
	}
	if cc.CancelRetries == 0 {
		cc.CancelRetries = d.CancelRetries
	}
	if cc.MaxCacheSize == 0 {
		cc.MaxCacheSize = d.MaxCacheSize
	}
	if cc.RateLimit == (RateLimitConfig{}) {
		cc.RateLimit = d.RateLimit
	}
	if cc.CircuitBreaker.MaxFailures == 0 {
		cc.CircuitBreaker.MaxFailures = d.CircuitBreaker.MaxFailures
	}
	if cc.CircuitBreaker.HalfOpenRequests == 0 {
		cc.CircuitBreaker.HalfOpenRequests = d.CircuitBreaker.HalfOpenRequests
	}
	if cc.Exchange == ExchangePaper && cc.Paper.unset() {
		prices := cc.Paper.MarketPrices
		cc.Paper = d.Paper
		cc.Paper.MarketPrices = prices
	}
}

func setDuration(dst *time.Duration, def time.Duration) {
	if *dst == 0 {
		*dst = def
	}
}

// EnabledConnectors returns the names of enabled connectors
func (c *Config) EnabledConnectors() []string {
	var names []string
	for name, cc := range c.Connectors {
		if cc.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// GetURL returns the connection string in URL form, as pgxpool expects it
func (c *DatabaseConfig) GetURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     c.Database,
		RawQuery: "sslmode=" + c.SSLMode,
	}
	return u.String()
}

// GetRedisAddr returns the Redis address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetAPIAddr returns the API server address
func (c *APIConfig) GetAPIAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
