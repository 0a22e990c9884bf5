// Package config handles loading and managing application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	Env         string            `yaml:"env" env:"APP_ENV" env-default:"local"`
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Catalog     CatalogConfig     `yaml:"catalog"`
	MercadoPago MercadoPagoConfig `yaml:"mercadopago"`
	Checkout    CheckoutConfig    `yaml:"checkout"`
	Affiliate   AffiliateConfig   `yaml:"affiliate"`
	Auth        AuthConfig        `yaml:"auth"`
	Tracing     TracingConfig     `yaml:"tracing"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string        `yaml:"port" env:"PORT" env-default:"8080"`
	GinMode         string        `yaml:"gin_mode" env:"GIN_MODE" env-default:"debug"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"HTTP_READ_TIMEOUT" env-default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"HTTP_WRITE_TIMEOUT" env-default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"HTTP_SHUTDOWN_TIMEOUT" env-default:"15s"`
	AllowedOrigins  []string      `yaml:"allowed_origins" env:"CORS_ALLOWED_ORIGINS" env-separator:"," env-default:"*"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
}

// DatabaseConfig holds Postgres settings. An empty URL runs on the in-memory store.
type DatabaseConfig struct {
	URL             string        `yaml:"url" env:"DATABASE_URL"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS" env-default:"20"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS" env-default:"10"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME" env-default:"1h"`
	RunMigrations   bool          `yaml:"run_migrations" env:"DATABASE_RUN_MIGRATIONS" env-default:"true"`
}

// RedisConfig holds the idempotency cache settings. An empty URL disables the cache.
type RedisConfig struct {
	URL string `yaml:"url" env:"REDIS_URL"`
}

// KafkaConfig holds event publishing settings. No brokers disables publishing.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers" env:"KAFKA_BROKERS" env-separator:","`
	Topic   string   `yaml:"topic" env:"KAFKA_CHECKOUT_TOPIC" env-default:"checkout-events"`
}

// CatalogConfig holds the core API settings. An empty URL serves the demo catalog.
type CatalogConfig struct {
	BaseURL string        `yaml:"base_url" env:"CATALOG_API_URL"`
	APIKey  string        `yaml:"api_key" env:"CATALOG_API_KEY"`
	Timeout time.Duration `yaml:"timeout" env:"CATALOG_TIMEOUT" env-default:"5s"`
}

// MercadoPagoConfig holds hosted checkout settings. An empty token uses the simulated provider.
type MercadoPagoConfig struct {
	AccessToken      string        `yaml:"access_token" env:"MP_ACCESS_TOKEN"`
	WebhookSecret    string        `yaml:"webhook_secret" env:"MP_WEBHOOK_SECRET"`
	WebhookTolerance time.Duration `yaml:"webhook_tolerance" env:"MP_WEBHOOK_TOLERANCE" env-default:"10m"`
	CurrencyID       string        `yaml:"currency_id" env:"MP_CURRENCY_ID" env-default:"BRL"`
	ReturnURL        string        `yaml:"return_url" env:"MP_RETURN_URL"`
	NotificationURL  string        `yaml:"notification_url" env:"MP_NOTIFICATION_URL"`
	Sandbox          bool          `yaml:"sandbox" env:"MP_SANDBOX" env-default:"false"`
}

// CheckoutConfig tunes the orchestrator.
type CheckoutConfig struct {
	SessionTTL         time.Duration `yaml:"session_ttl" env:"CHECKOUT_SESSION_TTL" env-default:"30m"`
	AttemptTTL         time.Duration `yaml:"attempt_ttl" env:"CHECKOUT_ATTEMPT_TTL" env-default:"2m"`
	CacheTTL           time.Duration `yaml:"cache_ttl" env:"CHECKOUT_CACHE_TTL" env-default:"24h"`
	CommitAttempts     uint          `yaml:"commit_attempts" env:"CHECKOUT_COMMIT_ATTEMPTS" env-default:"5"`
	CommitDelay        time.Duration `yaml:"commit_delay" env:"CHECKOUT_COMMIT_DELAY" env-default:"100ms"`
	CommitMaxDelay     time.Duration `yaml:"commit_max_delay" env:"CHECKOUT_COMMIT_MAX_DELAY" env-default:"2s"`
	PixConfirmAttempts uint          `yaml:"pix_confirm_attempts" env:"CHECKOUT_PIX_CONFIRM_ATTEMPTS" env-default:"10"`
	PixConfirmDelay    time.Duration `yaml:"pix_confirm_delay" env:"CHECKOUT_PIX_CONFIRM_DELAY" env-default:"500ms"`
	PublicBaseURL      string        `yaml:"public_base_url" env:"PUBLIC_BASE_URL" env-default:"http://localhost:8080"`
}

// AffiliateConfig holds affiliate program settings.
type AffiliateConfig struct {
	LinkBaseURL        string  `yaml:"link_base_url" env:"AFFILIATE_LINK_BASE_URL" env-default:"http://localhost:3000"`
	DefaultRatePercent float64 `yaml:"default_rate_percent" env:"AFFILIATE_DEFAULT_RATE_PERCENT" env-default:"10"`
}

// AuthConfig holds buyer identity settings.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
	// AllowHeaderIdentity trusts X-User-ID from an upstream gateway when no JWT secret is set.
	AllowHeaderIdentity bool `yaml:"allow_header_identity" env:"AUTH_ALLOW_HEADER_IDENTITY" env-default:"false"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	ServiceName    string  `yaml:"service_name" env:"OTEL_SERVICE_NAME" env-default:"edumarket-checkout"`
	JaegerEndpoint string  `yaml:"jaeger_endpoint" env:"JAEGER_ENDPOINT"`
	SampleRatio    float64 `yaml:"sample_ratio" env:"OTEL_SAMPLE_RATIO" env-default:"1"`
}

// Load reads configuration from a .env file if present, then from the YAML
// file named by CONFIG_PATH, with environment variables taking precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read config from environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Env != "local" && c.Env != "development" && c.Auth.JWTSecret == "" && !c.Auth.AllowHeaderIdentity {
		errs = append(errs, errors.New("JWT_SECRET is required outside local environments"))
	}
	if c.MercadoPago.AccessToken != "" && c.MercadoPago.WebhookSecret == "" {
		errs = append(errs, errors.New("MP_WEBHOOK_SECRET is required with MP_ACCESS_TOKEN"))
	}
	if c.Catalog.BaseURL != "" && c.Catalog.APIKey == "" {
		errs = append(errs, errors.New("CATALOG_API_KEY is required with CATALOG_API_URL"))
	}
	if c.Affiliate.DefaultRatePercent < 0 || c.Affiliate.DefaultRatePercent > 100 {
		errs = append(errs, errors.New("AFFILIATE_DEFAULT_RATE_PERCENT must be between 0 and 100"))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, errors.New("OTEL_SAMPLE_RATIO must be between 0 and 1"))
	}
	if c.Checkout.SessionTTL <= 0 || c.Checkout.AttemptTTL <= 0 {
		errs = append(errs, errors.New("checkout TTLs must be positive"))
	}
	switch strings.ToLower(c.Server.GinMode) {
	case "debug", "release", "test":
	default:
		errs = append(errs, fmt.Errorf("GIN_MODE %q is not debug, release or test", c.Server.GinMode))
	}
	return errors.Join(errs...)
}
