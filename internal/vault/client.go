// Package vault loads engine secrets from a HashiCorp Vault KV v2 engine.
package vault

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/hashicorp/vault/api"
	"github.com/rs/zerolog"

	"ai-trading-engine/config"
	"ai-trading-engine/internal/logging"
)

// Secrets are the credentials the engine reads from Vault. Empty fields
// leave the configured values untouched.
type Secrets struct {
	JWTSecret        string `json:"jwt_secret"`
	DatabasePassword string `json:"db_password"`
	RedisPassword    string `json:"redis_password"`
	OperatorPassword string `json:"operator_password"`
}

// Client wraps the HashiCorp Vault client
type Client struct {
	client *api.Client
	config config.VaultConfig
	logger zerolog.Logger

	mu    sync.RWMutex
	local *Secrets // used when vault is disabled
}

// NewClient creates a new Vault client. A disabled configuration yields a
// client backed by process memory.
func NewClient(cfg config.VaultConfig, logger zerolog.Logger) (*Client, error) {
	c := &Client{
		config: cfg,
		logger: logging.Component(logger, "Vault"),
	}
	if !cfg.Enabled {
		c.local = &Secrets{}
		return c, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address
	vaultConfig.MaxRetries = 2

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	c.client = client
	return c, nil
}

// IsEnabled reports whether a real Vault backs the client
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// ReadSecrets fetches the engine secrets
func (c *Client) ReadSecrets(ctx context.Context) (*Secrets, error) {
	if !c.config.Enabled {
		c.mu.RLock()
		defer c.mu.RUnlock()
		cp := *c.local
		return &cp, nil
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.secretPath())
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no secrets at %s", c.secretPath())
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format")
	}

	return &Secrets{
		JWTSecret:        getString(data, "jwt_secret"),
		DatabasePassword: getString(data, "db_password"),
		RedisPassword:    getString(data, "redis_password"),
		OperatorPassword: getString(data, "operator_password"),
	}, nil
}

// WriteSecrets stores the engine secrets
func (c *Client) WriteSecrets(ctx context.Context, s Secrets) error {
	if !c.config.Enabled {
		c.mu.Lock()
		c.local = &s
		c.mu.Unlock()
		return nil
	}

	payload := map[string]interface{}{
		"data": map[string]interface{}{
			"jwt_secret":        s.JWTSecret,
			"db_password":       s.DatabasePassword,
			"redis_password":    s.RedisPassword,
			"operator_password": s.OperatorPassword,
		},
	}
	if _, err := c.client.Logical().WriteWithContext(ctx, c.secretPath(), payload); err != nil {
		return fmt.Errorf("failed to store secrets in vault: %w", err)
	}
	return nil
}

// Health checks that Vault is reachable and unsealed
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}
	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

// LoadSecrets overlays the secrets stored in Vault onto cfg. Nothing
// happens when Vault is disabled.
func LoadSecrets(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	if !cfg.VaultConfig.Enabled {
		return nil
	}
	c, err := NewClient(cfg.VaultConfig, logger)
	if err != nil {
		return err
	}
	s, err := c.ReadSecrets(ctx)
	if err != nil {
		return err
	}
	Apply(cfg, s)
	c.logger.Info().Str("path", c.secretPath()).Msg("Secrets loaded from vault")
	return nil
}

// Apply copies the non-empty secrets into cfg
func Apply(cfg *config.Config, s *Secrets) {
	if s.JWTSecret != "" {
		cfg.AuthConfig.JWTSecret = s.JWTSecret
	}
	if s.DatabasePassword != "" {
		cfg.DatabaseConfig.Password = s.DatabasePassword
	}
	if s.RedisPassword != "" {
		cfg.RedisConfig.Password = s.RedisPassword
	}
	if s.OperatorPassword != "" {
		cfg.AuthConfig.OperatorPassword = s.OperatorPassword
	}
}

// secretPath returns the KV v2 data path
func (c *Client) secretPath() string {
	mount := strings.Trim(c.config.MountPath, "/")
	if mount == "" {
		mount = "secret"
	}
	return fmt.Sprintf("%s/data/%s", mount, strings.Trim(c.config.SecretPath, "/"))
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
