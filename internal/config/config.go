package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the platform.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Streams  StreamsConfig  `yaml:"streams"`
	SMTP     SMTPConfig     `yaml:"smtp"`
	Tracking TrackingConfig `yaml:"tracking"`
	DKIM     DKIMConfig     `yaml:"dkim"`
	Workers  WorkersConfig  `yaml:"workers"`
	Webhooks WebhooksConfig `yaml:"webhooks"`
	DNS      DNSConfig      `yaml:"dns"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with container detection.
func (c ServerConfig) GetHost() string {
	// In a container, listen on all interfaces
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" || os.Getenv("ECS_CONTAINER_METADATA_URI") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_minutes"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	URL      string `yaml:"url"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// StreamsConfig names the Redis streams and consumer groups.
type StreamsConfig struct {
	Outbound        string `yaml:"outbound"`
	OutboundGroup   string `yaml:"outbound_group"`
	OutboundDLQ     string `yaml:"outbound_dlq"`
	SegmentBuilds   string `yaml:"segment_builds"`
	SegmentGroup    string `yaml:"segment_group"`
	WebhookQueue    string `yaml:"webhook_queue"`
	WebhookGroup    string `yaml:"webhook_group"`
	StatusTTLSecs   int    `yaml:"status_ttl_seconds"`
}

// StatusTTL returns the status key TTL as a duration.
func (c StreamsConfig) StatusTTL() time.Duration {
	return time.Duration(c.StatusTTLSecs) * time.Second
}

// SMTPConfig holds the outbound relay settings.
type SMTPConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	HeloDomain     string `yaml:"helo_domain"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the per-attempt SMTP timeout as a duration.
func (c SMTPConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// TrackingConfig holds open/click tracking settings.
type TrackingConfig struct {
	BaseURL string `yaml:"base_url"`
	Secret  string `yaml:"secret"`
}

// DKIMConfig holds key storage and OpenDKIM table paths.
type DKIMConfig struct {
	KeyDir           string `yaml:"key_dir"`
	KeyTablePath     string `yaml:"key_table_path"`
	SigningTablePath string `yaml:"signing_table_path"`
	TrustedHostsPath string `yaml:"trusted_hosts_path"`
	PIDFile          string `yaml:"pid_file"`
	DefaultSelector  string `yaml:"default_selector"`
}

// WorkersConfig holds stream consumer tuning.
type WorkersConfig struct {
	SendConcurrency int `yaml:"send_concurrency"`
	BatchSize       int `yaml:"batch_size"`
	BlockMS         int `yaml:"block_ms"`
	ClaimIdleMS     int `yaml:"claim_idle_ms"`
	MaxRetries      int `yaml:"max_retries"`
}

// Block returns the XREADGROUP block duration.
func (c WorkersConfig) Block() time.Duration {
	return time.Duration(c.BlockMS) * time.Millisecond
}

// ClaimIdle returns the min-idle threshold for reclaiming pending entries.
func (c WorkersConfig) ClaimIdle() time.Duration {
	return time.Duration(c.ClaimIdleMS) * time.Millisecond
}

// WebhooksConfig holds webhook delivery settings.
type WebhooksConfig struct {
	TimeoutSeconds    int `yaml:"timeout_seconds"`
	DefaultMaxRetries int `yaml:"default_max_retries"`
}

// Timeout returns the per-delivery HTTP timeout.
func (c WebhooksConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// DNSConfig holds domain verification settings.
type DNSConfig struct {
	LookupTimeoutSeconds int    `yaml:"lookup_timeout_seconds"`
	SweepSchedule        string `yaml:"sweep_schedule"`
	SweepEnabled         bool   `yaml:"sweep_enabled"`
}

// LookupTimeout returns the per-lookup DNS timeout.
func (c DNSConfig) LookupTimeout() time.Duration {
	return time.Duration(c.LookupTimeoutSeconds) * time.Second
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 30
	}
	if cfg.Redis.Addr == "" && cfg.Redis.URL == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Streams.Outbound == "" {
		cfg.Streams.Outbound = "mail:outbound"
	}
	if cfg.Streams.OutboundGroup == "" {
		cfg.Streams.OutboundGroup = "senders"
	}
	if cfg.Streams.OutboundDLQ == "" {
		cfg.Streams.OutboundDLQ = "mail:outbound:dlq"
	}
	if cfg.Streams.SegmentBuilds == "" {
		cfg.Streams.SegmentBuilds = "seg:builds"
	}
	if cfg.Streams.SegmentGroup == "" {
		cfg.Streams.SegmentGroup = "seg_builders"
	}
	if cfg.Streams.WebhookQueue == "" {
		cfg.Streams.WebhookQueue = "webhooks:deliveries"
	}
	if cfg.Streams.WebhookGroup == "" {
		cfg.Streams.WebhookGroup = "webhook_senders"
	}
	if cfg.Streams.StatusTTLSecs == 0 {
		cfg.Streams.StatusTTLSecs = 3600
	}
	if cfg.SMTP.Host == "" {
		cfg.SMTP.Host = "localhost"
	}
	if cfg.SMTP.Port == 0 {
		cfg.SMTP.Port = 25
	}
	if cfg.SMTP.TimeoutSeconds == 0 {
		cfg.SMTP.TimeoutSeconds = 15
	}
	if cfg.Tracking.BaseURL == "" {
		cfg.Tracking.BaseURL = "http://localhost:8080"
	}
	if cfg.DKIM.KeyDir == "" {
		cfg.DKIM.KeyDir = "/etc/opendkim/keys"
	}
	if cfg.DKIM.KeyTablePath == "" {
		cfg.DKIM.KeyTablePath = "/etc/opendkim/key.table"
	}
	if cfg.DKIM.SigningTablePath == "" {
		cfg.DKIM.SigningTablePath = "/etc/opendkim/signing.table"
	}
	if cfg.DKIM.TrustedHostsPath == "" {
		cfg.DKIM.TrustedHostsPath = "/etc/opendkim/trusted.hosts"
	}
	if cfg.DKIM.DefaultSelector == "" {
		cfg.DKIM.DefaultSelector = "mail"
	}
	if cfg.Workers.SendConcurrency == 0 {
		cfg.Workers.SendConcurrency = 4
	}
	if cfg.Workers.BatchSize == 0 {
		cfg.Workers.BatchSize = 20
	}
	if cfg.Workers.BlockMS == 0 {
		cfg.Workers.BlockMS = 5000
	}
	if cfg.Workers.ClaimIdleMS == 0 {
		cfg.Workers.ClaimIdleMS = 60000
	}
	if cfg.Workers.MaxRetries == 0 {
		cfg.Workers.MaxRetries = 5
	}
	if cfg.Webhooks.TimeoutSeconds == 0 {
		cfg.Webhooks.TimeoutSeconds = 10
	}
	if cfg.Webhooks.DefaultMaxRetries == 0 {
		cfg.Webhooks.DefaultMaxRetries = 5
	}
	if cfg.DNS.LookupTimeoutSeconds == 0 {
		cfg.DNS.LookupTimeoutSeconds = 5
	}
	if cfg.DNS.SweepSchedule == "" {
		cfg.DNS.SweepSchedule = "@hourly"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.SMTP.Host = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.SMTP.Port = port
		}
	}
	if v := os.Getenv("TRACKING_BASE_URL"); v != "" {
		cfg.Tracking.BaseURL = v
	}
	if v := os.Getenv("TRACKING_SECRET"); v != "" {
		cfg.Tracking.Secret = v
	}
	if v := os.Getenv("DKIM_KEY_DIR"); v != "" {
		cfg.DKIM.KeyDir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	return cfg, nil
}
