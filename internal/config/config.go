// Package config loads and validates application configuration from
// environment variables. All knobs use the CONVERGE_ prefix.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Database selection: DBPath wins when set (embedded sqlite),
	// otherwise DatabaseURL (Postgres).
	DatabaseURL string
	DBPath      string

	// GitHub webhook shared secret for HMAC-SHA256 verification.
	// Empty disables verification unless AuthRequired is set.
	WebhookSecret string

	// APIKeys is the raw CONVERGE_API_KEYS registry:
	// key:role:actor[:tenant] entries separated by commas.
	APIKeys      string
	AuthRequired bool

	// AdminAPIKey grants the admin role without a registry entry.
	// Held in memory only as an argon2id hash.
	AdminAPIKey string

	// DefaultTenant is assigned to webhook-created intents.
	DefaultTenant string

	// GitHub App credentials for publishing commit statuses. Both must
	// be set to enable the status publisher.
	GitHubAppID      string
	GitHubAppKeyPath string

	// Telemetry. Empty endpoint disables export.
	OTLPEndpoint string
	OTLPInsecure bool

	// LogLevel: debug, info, warn, error.
	LogLevel string

	// Per-IP rate limit on the webhook intake.
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int

	// Retention. Zero EventRetention disables event pruning.
	EventRetention    time.Duration
	DeliveryRetention time.Duration
}

// Load reads configuration from environment variables with defaults.
// It does not validate: callers may override fields (the facade applies
// option overrides after Load) and then call Validate.
func Load() (*Config, error) {
	port, err := envInt("CONVERGE_PORT", 8787)
	if err != nil {
		return nil, err
	}
	readTimeout, err := envDuration("CONVERGE_READ_TIMEOUT", 15*time.Second)
	if err != nil {
		return nil, err
	}
	writeTimeout, err := envDuration("CONVERGE_WRITE_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}
	eventRetention, err := envDuration("CONVERGE_EVENT_RETENTION", 0)
	if err != nil {
		return nil, err
	}
	deliveryRetention, err := envDuration("CONVERGE_DELIVERY_RETENTION", 7*24*time.Hour)
	if err != nil {
		return nil, err
	}
	rateBurst, err := envInt("CONVERGE_RATE_LIMIT_BURST", 30)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Host:              envStr("CONVERGE_HOST", "127.0.0.1"),
		Port:              port,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		DatabaseURL:       envStr("CONVERGE_DB_URL", ""),
		DBPath:            envStr("CONVERGE_DB_PATH", ""),
		WebhookSecret:     envStr("CONVERGE_WEBHOOK_SECRET", ""),
		APIKeys:           envStr("CONVERGE_API_KEYS", ""),
		AuthRequired:      envBool("CONVERGE_AUTH_REQUIRED", true),
		AdminAPIKey:       envStr("CONVERGE_ADMIN_API_KEY", ""),
		DefaultTenant:     envStr("CONVERGE_GITHUB_DEFAULT_TENANT", ""),
		GitHubAppID:       envStr("CONVERGE_GITHUB_APP_ID", ""),
		GitHubAppKeyPath:  envStr("CONVERGE_GITHUB_APP_KEY_PATH", ""),
		OTLPEndpoint:      envStr("CONVERGE_OTLP_ENDPOINT", ""),
		OTLPInsecure:      envBool("CONVERGE_OTLP_INSECURE", false),
		LogLevel:          envStr("CONVERGE_LOG_LEVEL", "info"),
		RateLimitEnabled:  envBool("CONVERGE_RATE_LIMIT_ENABLED", true),
		RateLimitRPS:      envFloat("CONVERGE_RATE_LIMIT_RPS", 10),
		RateLimitBurst:    rateBurst,
		EventRetention:    eventRetention,
		DeliveryRetention: deliveryRetention,
	}
	return cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: CONVERGE_PORT out of range: %d", c.Port)
	}
	if c.DatabaseURL == "" && c.DBPath == "" {
		return fmt.Errorf("config: set CONVERGE_DB_URL or CONVERGE_DB_PATH")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid CONVERGE_LOG_LEVEL: %q", c.LogLevel)
	}
	return nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer: %w", key, err)
	}
	return n, nil
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return def
}

// envDuration accepts Go duration strings ("30s") and bare integers,
// which are read as seconds.
func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be a duration: %w", key, err)
	}
	return d, nil
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
