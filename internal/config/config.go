// Package config loads application configuration from YAML files and
// environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "NOTIFY_"

// Config is the root application configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Database   DatabaseConfig   `koanf:"database"`
	Log        LogConfig        `koanf:"log"`
	CORS       CORSConfig       `koanf:"cors"`
	Auth       AuthConfig       `koanf:"auth"`
	Queue      QueueConfig      `koanf:"queue"`
	Digest     DigestConfig     `koanf:"digest"`
	Scheduler  SchedulerConfig  `koanf:"scheduler"`
	Channels   ChannelsConfig   `koanf:"channels"`
	RateLimits []RateLimitEntry `koanf:"rate_limits"`
	Phone      PhoneConfig      `koanf:"phone"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port"`
	MetricsPort       string        `koanf:"metrics_port"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
}

// DatabaseConfig contains PostgreSQL settings.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	ConnectAttempts int           `koanf:"connect_attempts"`
	MigrationsPath  string        `koanf:"migrations_path"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// CORSConfig contains CORS settings.
type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// AuthConfig contains the service API token. Empty disables auth.
type AuthConfig struct {
	APIToken string `koanf:"api_token"`
}

// QueueConfig contains dispatcher settings.
type QueueConfig struct {
	FetchLimit         int           `koanf:"fetch_limit"`
	MaxAttempts        int           `koanf:"max_attempts"`
	InstanceRetryDelay time.Duration `koanf:"instance_retry_delay"`
	BackoffBase        time.Duration `koanf:"backoff_base"`
	BackoffCap         time.Duration `koanf:"backoff_cap"`
	BackoffJitter      time.Duration `koanf:"backoff_jitter"`
}

// DigestConfig contains digest aggregation settings.
type DigestConfig struct {
	MaxPreviewItems int `koanf:"max_preview_items"`
	PreviewLength   int `koanf:"preview_length"`
}

// SchedulerConfig contains the embedded cron scheduler settings. When
// disabled, drains and digests run only via the HTTP trigger endpoints.
type SchedulerConfig struct {
	Enabled    bool   `koanf:"enabled"`
	DrainSpec  string `koanf:"drain_spec"`
	DigestSpec string `koanf:"digest_spec"`
}

// ChannelsConfig contains per-channel sender settings.
type ChannelsConfig struct {
	WhatsApp WhatsAppConfig `koanf:"whatsapp"`
	Discord  DiscordConfig  `koanf:"discord"`
	Email    EmailConfig    `koanf:"email"`
}

// WhatsAppConfig contains WhatsApp sender settings. Instance endpoints and
// tokens come from the channel_instances table, not from here.
type WhatsAppConfig struct {
	Enabled bool          `koanf:"enabled"`
	Timeout time.Duration `koanf:"timeout"`
}

// DiscordConfig contains Discord webhook sender settings.
type DiscordConfig struct {
	Enabled    bool          `koanf:"enabled"`
	WebhookURL string        `koanf:"webhook_url"`
	Username   string        `koanf:"username"`
	Timeout    time.Duration `koanf:"timeout"`
}

// EmailConfig contains SMTP sender settings.
type EmailConfig struct {
	Enabled      bool   `koanf:"enabled"`
	SMTPHost     string `koanf:"smtp_host"`
	SMTPPort     int    `koanf:"smtp_port"`
	SMTPUser     string `koanf:"smtp_user"`
	SMTPPassword string `koanf:"smtp_password"`
	FromAddress  string `koanf:"from_address"`
	SubjectLine  string `koanf:"subject_line"`
}

// RateLimitEntry contains the sending limits for one channel.
type RateLimitEntry struct {
	Channel              string        `koanf:"channel"`
	MaxPerMinute         int           `koanf:"max_per_minute"`
	MaxPerHour           int           `koanf:"max_per_hour"`
	MinDelayBetweenSends time.Duration `koanf:"min_delay_between_sends"`
	SendWindowStart      string        `koanf:"send_window_start"`
	SendWindowEnd        string        `koanf:"send_window_end"`
	RespectSendWindow    bool          `koanf:"respect_send_window"`
}

// PhoneConfig contains recipient phone normalization settings.
type PhoneConfig struct {
	CountryCode       string `koanf:"country_code"`
	MinDigits         int    `koanf:"min_digits"`
	MaxDigits         int    `koanf:"max_digits"`
	LongMobileDigits  int    `koanf:"long_mobile_digits"`
	MobilePrefix      string `koanf:"mobile_prefix"`
	MobilePrefixIndex int    `koanf:"mobile_prefix_index"`
}

// Load reads configuration from the given YAML file (optional) and applies
// NOTIFY_* environment overrides. Double underscores map to nesting:
// NOTIFY_DATABASE__URL sets database.url.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	cfg := defaults()

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, envPrefix)
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
			ConnectTimeout:  30 * time.Second,
			ConnectAttempts: 5,
			MigrationsPath:  "migrations",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
		},
		Queue: QueueConfig{
			FetchLimit:         200,
			MaxAttempts:        3,
			InstanceRetryDelay: 5 * time.Minute,
			BackoffBase:        30 * time.Second,
			BackoffCap:         15 * time.Minute,
			BackoffJitter:      10 * time.Second,
		},
		Digest: DigestConfig{
			MaxPreviewItems: 3,
			PreviewLength:   80,
		},
		Scheduler: SchedulerConfig{
			Enabled:    true,
			DrainSpec:  "@every 30s",
			DigestSpec: "0 */2 * * *",
		},
		Channels: ChannelsConfig{
			WhatsApp: WhatsAppConfig{Timeout: 30 * time.Second},
			Discord:  DiscordConfig{Username: "CarrierDesk", Timeout: 15 * time.Second},
			Email:    EmailConfig{SMTPPort: 587, SubjectLine: "CarrierDesk notification"},
		},
		Phone: PhoneConfig{
			CountryCode:       "55",
			MinDigits:         10,
			MaxDigits:         13,
			LongMobileDigits:  13,
			MobilePrefix:      "9",
			MobilePrefixIndex: 4,
		},
	}
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	for i, rl := range c.RateLimits {
		switch rl.Channel {
		case "whatsapp", "discord", "email":
		default:
			return fmt.Errorf("rate_limits[%d]: unknown channel %q", i, rl.Channel)
		}
	}
	return nil
}
