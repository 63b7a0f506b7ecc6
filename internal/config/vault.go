package config

import (
	"context"
	"fmt"
	"os"

	vault "github.com/hashicorp/vault/api"
	"github.com/rs/zerolog/log"
)

// VaultConfig holds Vault connection configuration
type VaultConfig struct {
	Address    string // e.g. https://vault.example.com:8200
	Token      string
	AuthMethod string // token or approle
	MountPath  string // KV v2 mount (default: secret)
	SecretPath string // Base path under the mount, e.g. orderbridge/production
	Namespace  string // Vault Enterprise namespace
}

// VaultConfigFromEnv reads the VAULT_* environment variables
func VaultConfigFromEnv() VaultConfig {
	return VaultConfig{
		Address:    getEnvOrDefault("VAULT_ADDR", "http://localhost:8200"),
		Token:      os.Getenv("VAULT_TOKEN"),
		AuthMethod: getEnvOrDefault("VAULT_AUTH_METHOD", "token"),
		MountPath:  getEnvOrDefault("VAULT_MOUNT_PATH", "secret"),
		SecretPath: getEnvOrDefault("VAULT_SECRET_PATH", "orderbridge/production"),
		Namespace:  os.Getenv("VAULT_NAMESPACE"),
	}
}

// VaultClient reads credentials from a KV v2 secrets engine
type VaultClient struct {
	client *vault.Client
	config VaultConfig
}

// NewVaultClient creates an authenticated Vault client
func NewVaultClient(cfg VaultConfig) (*VaultClient, error) {
	vaultCfg := vault.DefaultConfig()
	vaultCfg.Address = cfg.Address

	client, err := vault.NewClient(vaultCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	switch cfg.AuthMethod {
	case "token", "":
		if cfg.Token == "" {
			return nil, fmt.Errorf("VAULT_TOKEN not set for token authentication")
		}
		client.SetToken(cfg.Token)
	case "approle":
		if err := authenticateAppRole(client); err != nil {
			return nil, fmt.Errorf("AppRole authentication failed: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported Vault auth method: %s", cfg.AuthMethod)
	}

	if cfg.MountPath == "" {
		cfg.MountPath = "secret"
	}

	log.Info().
		Str("address", cfg.Address).
		Str("auth_method", cfg.AuthMethod).
		Str("secret_path", cfg.SecretPath).
		Msg("Vault client initialized")

	return &VaultClient{client: client, config: cfg}, nil
}

// GetSecret returns the data stored at path, relative to the base secret path
func (vc *VaultClient) GetSecret(ctx context.Context, path string) (map[string]interface{}, error) {
	fullPath := fmt.Sprintf("%s/data/%s/%s", vc.config.MountPath, vc.config.SecretPath, path)

	secret, err := vc.client.Logical().ReadWithContext(ctx, fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret from Vault: %w", err)
	}
	if secret == nil {
		return nil, fmt.Errorf("secret not found at path: %s", fullPath)
	}

	if data, ok := secret.Data["data"].(map[string]interface{}); ok {
		return data, nil
	}
	return secret.Data, nil
}

// LoadSecretsFromVault overlays credentials from Vault onto cfg:
// database and redis passwords, and api_key/secret_key for every connector
// under connectors/<name>. Paths that are missing are skipped.
func LoadSecretsFromVault(ctx context.Context, cfg *Config, vc *VaultClient) error {
	if cfg.Database.Enabled {
		if secrets, err := vc.GetSecret(ctx, "database"); err != nil {
			log.Warn().Err(err).Msg("Failed to load database secrets from Vault")
		} else {
			setString(&cfg.Database.User, secrets, "user")
			setString(&cfg.Database.Password, secrets, "password")
		}
	}

	if cfg.Redis.Enabled {
		if secrets, err := vc.GetSecret(ctx, "redis"); err != nil {
			log.Warn().Err(err).Msg("Failed to load Redis secrets from Vault")
		} else {
			setString(&cfg.Redis.Password, secrets, "password")
		}
	}

	loaded := 0
	for _, name := range cfg.EnabledConnectors() {
		cc := cfg.Connectors[name]
		if cc.Exchange == ExchangePaper {
			continue
		}
		secrets, err := vc.GetSecret(ctx, "connectors/"+name)
		if err != nil {
			log.Warn().Err(err).Str("connector", name).Msg("Failed to load connector secrets from Vault")
			continue
		}
		setString(&cc.APIKey, secrets, "api_key")
		setString(&cc.SecretKey, secrets, "secret_key")
		cfg.Connectors[name] = cc
		loaded++
	}

	log.Info().Int("connectors", loaded).Msg("Secrets loaded from Vault")
	return nil
}

func setString(dst *string, secrets map[string]interface{}, key string) {
	if v, ok := secrets[key].(string); ok && v != "" {
		*dst = v
	}
}

func authenticateAppRole(client *vault.Client) error {
	roleID := os.Getenv("VAULT_ROLE_ID")
	secretID := os.Getenv("VAULT_SECRET_ID")
	if roleID == "" || secretID == "" {
		return fmt.Errorf("VAULT_ROLE_ID and VAULT_SECRET_ID must be set for AppRole authentication")
	}

	secret, err := client.Logical().Write("auth/approle/login", map[string]interface{}{
		"role_id":   roleID,
		"secret_id": secretID,
	})
	if err != nil {
		return fmt.Errorf("failed to login with AppRole: %w", err)
	}
	if secret == nil || secret.Auth == nil {
		return fmt.Errorf("AppRole authentication returned no token")
	}

	client.SetToken(secret.Auth.ClientToken)
	log.Info().Msg("Authenticated to Vault using AppRole")
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
