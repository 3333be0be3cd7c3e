package vault

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"ai-trading-engine/config"
	"ai-trading-engine/internal/logging"
)

func fakeVault(t *testing.T, data map[string]interface{}) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Vault-Token") != "test-token" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if r.URL.Path != "/v1/kv/data/engine" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{"data": data},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestLoadSecrets_OverlaysConfig(t *testing.T) {
	srv := fakeVault(t, map[string]interface{}{
		"jwt_secret":  "from-vault",
		"db_password": "db-pass",
	})

	cfg := config.Default()
	cfg.DatabaseConfig.Password = "from-env"
	cfg.RedisConfig.Password = "redis-env"
	cfg.VaultConfig = config.VaultConfig{
		Enabled:    true,
		Address:    srv.URL,
		Token:      "test-token",
		MountPath:  "kv",
		SecretPath: "/engine/",
	}

	if err := LoadSecrets(context.Background(), cfg, logging.Nop()); err != nil {
		t.Fatalf("LoadSecrets failed: %v", err)
	}
	if cfg.AuthConfig.JWTSecret != "from-vault" {
		t.Errorf("Expected JWT secret from vault, got %q", cfg.AuthConfig.JWTSecret)
	}
	if cfg.DatabaseConfig.Password != "db-pass" {
		t.Errorf("Expected db password from vault, got %q", cfg.DatabaseConfig.Password)
	}
	if cfg.RedisConfig.Password != "redis-env" {
		t.Errorf("Expected redis password untouched, got %q", cfg.RedisConfig.Password)
	}
}

func TestLoadSecrets_Disabled(t *testing.T) {
	cfg := config.Default()
	cfg.AuthConfig.JWTSecret = "kept"
	if err := LoadSecrets(context.Background(), cfg, logging.Nop()); err != nil {
		t.Fatalf("Expected disabled vault to be a no-op, got %v", err)
	}
	if cfg.AuthConfig.JWTSecret != "kept" {
		t.Errorf("Expected secret unchanged, got %q", cfg.AuthConfig.JWTSecret)
	}
}

func TestLoadSecrets_MissingPath(t *testing.T) {
	srv := fakeVault(t, map[string]interface{}{})
	cfg := config.Default()
	cfg.VaultConfig = config.VaultConfig{Enabled: true, Address: srv.URL, Token: "test-token", MountPath: "kv", SecretPath: "other"}

	if err := LoadSecrets(context.Background(), cfg, logging.Nop()); err == nil {
		t.Error("Expected a missing secret path to fail")
	}
}

func TestClient_LocalRoundTrip(t *testing.T) {
	c, err := NewClient(config.VaultConfig{}, logging.Nop())
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if c.IsEnabled() {
		t.Error("Expected a disabled client")
	}
	ctx := context.Background()
	if err := c.WriteSecrets(ctx, Secrets{JWTSecret: "s1"}); err != nil {
		t.Fatal(err)
	}
	got, err := c.ReadSecrets(ctx)
	if err != nil || got.JWTSecret != "s1" {
		t.Errorf("Expected s1, got %v %v", got, err)
	}
	if err := c.Health(ctx); err != nil {
		t.Errorf("Expected healthy local client, got %v", err)
	}
}
