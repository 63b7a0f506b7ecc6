package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateSecret(t *testing.T) {
	tests := []struct {
		name         string
		secret       string
		minLength    int
		requireMixed bool
		valid        bool
		errContains  string
	}{
		{name: "empty", secret: "", minLength: 12, errContains: "cannot be empty"},
		{name: "placeholder", secret: "changeme", minLength: 4, errContains: "placeholder"},
		{name: "placeholder any case", secret: "CHANGEME", minLength: 4, errContains: "placeholder"},
		{name: "embedded placeholder", secret: "my_password_2024!", minLength: 12, errContains: "placeholder"},
		{name: "too short", secret: "Ab1!", minLength: 12, errContains: "at least 12 characters"},
		{name: "single class", secret: "abcdefghijklmnop", minLength: 12, requireMixed: true, errContains: "too weak"},
		{name: "single class allowed for keys", secret: "abcdefghijklmnop", minLength: 12, valid: true},
		{name: "strong", secret: "Kx9#mQ2$vL7!pR4w", minLength: 12, requireMixed: true, valid: true},
		{name: "short word is only rejected exactly", secret: "Contest-Runner-42", minLength: 12, requireMixed: true, valid: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ValidateSecret(tt.secret, "Database password", tt.minLength, tt.requireMixed)
			assert.Equal(t, tt.valid, result.Valid)
			if tt.valid {
				assert.Empty(t, result.Errors)
				return
			}
			require.NotEmpty(t, result.Errors)
			assert.Contains(t, result.Errors[0], tt.errContains)
		})
	}
}

func TestValidateProductionSecrets(t *testing.T) {
	t.Run("all strong", func(t *testing.T) {
		cfg := getValidConfig()
		assert.Empty(t, ValidateProductionSecrets(cfg))
	})

	t.Run("weak credentials", func(t *testing.T) {
		cfg := getValidConfig()
		cfg.Database.Password = "postgres"
		cfg.Redis.Password = "short"
		cc := cfg.Connectors["binance"]
		cc.APIKey = "your_api_key"
		cfg.Connectors["binance"] = cc

		errs := ValidateProductionSecrets(cfg)
		fields := make([]string, 0, len(errs))
		for _, e := range errs {
			fields = append(fields, e.Field)
		}
		assert.ElementsMatch(t, []string{
			"database.password",
			"redis.password",
			"connectors.binance.api_key",
		}, fields)
	})

	t.Run("disabled sections are not checked", func(t *testing.T) {
		cfg := getValidConfig()
		cfg.Database.Enabled = false
		cfg.Database.Password = "postgres"
		assert.Empty(t, ValidateProductionSecrets(cfg))
	})
}
