package config

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

const redactedValue = "[REDACTED]"

// Redacted returns a copy of the configuration with every credential masked
func (c *Config) Redacted() Config {
	out := *c
	out.Database.Password = redact(c.Database.Password)
	out.Redis.Password = redact(c.Redis.Password)

	out.Connectors = make(map[string]ConnectorConfig, len(c.Connectors))
	for name, cc := range c.Connectors {
		cc.APIKey = redact(cc.APIKey)
		cc.SecretKey = redact(cc.SecretKey)
		out.Connectors[name] = cc
	}
	return out
}

// WriteYAML writes the effective configuration, credentials masked, as YAML
func (c *Config) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c.Redacted()); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return redactedValue
}
