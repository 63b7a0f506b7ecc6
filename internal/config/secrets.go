package config

import (
	"fmt"
	"strings"
	"unicode"
)

// Values that are never acceptable as credentials
var placeholderSecrets = []string{
	"changeme",
	"change_me",
	"your_api_key",
	"your_secret",
	"password",
	"secret",
	"postgres",
	"orderbridge",
	"example",
	"test",
	"demo",
	"default",
}

// SecretCheck is the outcome of checking one credential
type SecretCheck struct {
	Valid  bool
	Errors []string
}

// ValidateSecret checks a credential for placeholder values and minimum
// length. With requireMixed set the value must also contain at least three
// character classes, which is what operator-chosen passwords are held to;
// exchange-generated API keys are not.
func ValidateSecret(secret, name string, minLength int, requireMixed bool) SecretCheck {
	if secret == "" {
		return SecretCheck{Errors: []string{fmt.Sprintf("%s cannot be empty", name)}}
	}

	lower := strings.ToLower(secret)
	for _, p := range placeholderSecrets {
		if lower == p || (len(p) > 5 && strings.Contains(lower, p)) {
			return SecretCheck{Errors: []string{fmt.Sprintf("%s appears to be a placeholder value (%s)", name, p)}}
		}
	}

	if len(secret) < minLength {
		return SecretCheck{Errors: []string{
			fmt.Sprintf("%s must be at least %d characters (got %d)", name, minLength, len(secret)),
		}}
	}

	if requireMixed && characterClasses(secret) < 3 {
		return SecretCheck{Errors: []string{
			fmt.Sprintf("%s is too weak: include at least 3 of uppercase, lowercase, digits and symbols", name),
		}}
	}

	return SecretCheck{Valid: true}
}

func characterClasses(s string) int {
	var upper, lower, digit, special bool
	for _, r := range s {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			special = true
		}
	}
	n := 0
	for _, has := range []bool{upper, lower, digit, special} {
		if has {
			n++
		}
	}
	return n
}

// ValidateProductionSecrets checks every configured credential
func ValidateProductionSecrets(cfg *Config) ValidationErrors {
	const minPasswordLength = 12
	const minKeyLength = 10

	var errors ValidationErrors
	check := func(field, secret, name string, minLength int, requireMixed bool) {
		if secret == "" {
			return
		}
		result := ValidateSecret(secret, name, minLength, requireMixed)
		for _, msg := range result.Errors {
			errors = append(errors, ValidationError{Field: field, Message: msg})
		}
	}

	if cfg.Database.Enabled {
		check("database.password", cfg.Database.Password, "Database password", minPasswordLength, true)
	}
	if cfg.Redis.Enabled {
		check("redis.password", cfg.Redis.Password, "Redis password", minPasswordLength, true)
	}
	for _, name := range cfg.EnabledConnectors() {
		cc := cfg.Connectors[name]
		check(fmt.Sprintf("connectors.%s.api_key", name), cc.APIKey, name+" API key", minKeyLength, false)
		check(fmt.Sprintf("connectors.%s.secret_key", name), cc.SecretKey, name+" secret key", minKeyLength, false)
	}

	return errors
}
