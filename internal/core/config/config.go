package config

import (
	redisclient "github.com/vietddude/courier/internal/infra/redis"
	"github.com/vietddude/courier/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig       `yaml:"server"`
	Upstream UpstreamConfig     `yaml:"upstream"`
	Auth     AuthConfig         `yaml:"auth"`
	Dispatch DispatchConfig     `yaml:"dispatch"`
	Journal  JournalConfig      `yaml:"journal"`
	Redis    redisclient.Config `yaml:"redis"`
	Logging  LoggingConfig      `yaml:"logging"`
	Database postgres.Config    `yaml:"database"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// UpstreamConfig holds partner API settings.
type UpstreamConfig struct {
	// Name labels this partner in logs and keys its stored session.
	Name           string `yaml:"name"`
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// AuthConfig holds token endpoint settings.
type AuthConfig struct {
	TokenURL     string `yaml:"token_url"`
	RevokeURL    string `yaml:"revoke_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`

	// RefreshToken seeds the first session when nothing is stored yet.
	RefreshToken string `yaml:"refresh_token"`

	ExpirySkewSeconds int `yaml:"expiry_skew_seconds"`
}

// DispatchConfig tunes the request scheduler. Zero values use the built-in
// defaults.
type DispatchConfig struct {
	MaxRetries        int     `yaml:"max_retries"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	MaxConcurrent     int     `yaml:"max_concurrent"`
	MaxPending        int     `yaml:"max_pending"`
	BaseDelayMS       int     `yaml:"base_delay_ms"`
	MaxDelayMS        int     `yaml:"max_delay_ms"`
	JitterFraction    float64 `yaml:"jitter_fraction"`
}

// JournalConfig holds delivery journal settings.
type JournalConfig struct {
	RetentionHours int `yaml:"retention_hours"` // 0 = keep forever
}
