package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("APP_ENV", "local")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != "8080" || cfg.Checkout.SessionTTL != 30*time.Minute || cfg.Affiliate.DefaultRatePercent != 10 {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.Database.URL != "" || len(cfg.Kafka.Brokers) != 0 {
		t.Fatalf("infrastructure enabled by default: %+v", cfg)
	}
}

func TestLoadFromFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `env: production
server:
  port: "9090"
  gin_mode: release
auth:
  jwt_secret: file-secret
kafka:
  brokers: ["k1:9092", "k2:9092"]
checkout:
  session_ttl: 45m
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("PORT", "7070")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != "7070" {
		t.Fatalf("port = %s, want the environment override", cfg.Server.Port)
	}
	if cfg.Checkout.SessionTTL != 45*time.Minute || len(cfg.Kafka.Brokers) != 2 || cfg.Auth.JWTSecret != "file-secret" {
		t.Fatalf("config = %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Env:       "production",
			Server:    ServerConfig{GinMode: "release"},
			Auth:      AuthConfig{JWTSecret: "s"},
			Checkout:  CheckoutConfig{SessionTTL: time.Minute, AttemptTTL: time.Minute},
			Affiliate: AffiliateConfig{DefaultRatePercent: 10},
			Tracing:   TracingConfig{SampleRatio: 1},
		}
	}
	if err := (func() *Config { c := valid(); return &c })().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing jwt secret", func(c *Config) { c.Auth.JWTSecret = "" }},
		{"mp without webhook secret", func(c *Config) { c.MercadoPago.AccessToken = "tok" }},
		{"catalog without key", func(c *Config) { c.Catalog.BaseURL = "http://core" }},
		{"rate out of range", func(c *Config) { c.Affiliate.DefaultRatePercent = 120 }},
		{"bad gin mode", func(c *Config) { c.Server.GinMode = "verbose" }},
		{"zero session ttl", func(c *Config) { c.Checkout.SessionTTL = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			if err := c.Validate(); err == nil {
				t.Fatal("invalid config accepted")
			}
		})
	}
}
