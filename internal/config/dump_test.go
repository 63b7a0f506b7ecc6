package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestRedacted(t *testing.T) {
	cfg := getValidConfig()
	redacted := cfg.Redacted()

	assert.Equal(t, redactedValue, redacted.Database.Password)
	assert.Equal(t, redactedValue, redacted.Connectors["binance"].APIKey)
	assert.Equal(t, redactedValue, redacted.Connectors["binance"].SecretKey)
	assert.Empty(t, redacted.Connectors["paper"].APIKey, "empty values stay empty")

	assert.Equal(t, "Kx9#mQ2$vL7!pR4w", cfg.Database.Password, "original is untouched")
	assert.NotEqual(t, redactedValue, cfg.Connectors["binance"].APIKey)
}

func TestWriteYAML(t *testing.T) {
	cfg := getValidConfig()

	var buf bytes.Buffer
	require.NoError(t, cfg.WriteYAML(&buf))
	assert.NotContains(t, buf.String(), "Kx9#mQ2$vL7!pR4w")

	var decoded struct {
		App struct {
			Environment string `yaml:"environment"`
		} `yaml:"app"`
		Connectors map[string]struct {
			Exchange     string `yaml:"exchange"`
			APIKey       string `yaml:"api_key"`
			PollInterval string `yaml:"poll_interval"`
		} `yaml:"connectors"`
	}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, cfg.App.Environment, decoded.App.Environment)
	require.Contains(t, decoded.Connectors, "binance")
	assert.Equal(t, ExchangeBinance, decoded.Connectors["binance"].Exchange)
	assert.Equal(t, redactedValue, decoded.Connectors["binance"].APIKey)

	poll, err := time.ParseDuration(decoded.Connectors["binance"].PollInterval)
	require.NoError(t, err)
	assert.Equal(t, cfg.Connectors["binance"].PollInterval, poll)
}
