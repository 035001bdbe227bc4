package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the segment engine processes.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Actions   ActionsConfig   `yaml:"actions"`
	Notify    NotifyConfig    `yaml:"notify"`
	SES       SESConfig       `yaml:"ses"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	Host        string   `yaml:"host"`
	CORSOrigins []string `yaml:"cors_origins"`
	// APIKey protects /api when set. Clients send it as a Bearer token.
	APIKey      string   `yaml:"api_key"`
}

// Addr returns host:port for http.Server.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds the Postgres connection and pool settings.
type DatabaseConfig struct {
	URL                    string `yaml:"url"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

// ConnMaxLifetime returns the pool's connection lifetime.
func (c DatabaseConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeMinutes) * time.Minute
}

// RedisConfig is optional. An empty URL disables the Redis lease and channel.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// SchedulerConfig holds the worker loop settings.
type SchedulerConfig struct {
	Enabled             bool `yaml:"enabled"`
	TickSeconds         int  `yaml:"tick_seconds"`
	PhaseTimeoutSeconds int  `yaml:"phase_timeout_seconds"`
	LeaseSeconds        int  `yaml:"lease_seconds"`
	BatchSize           int  `yaml:"batch_size"`
}

// Tick returns the interval between scheduler passes.
func (c SchedulerConfig) Tick() time.Duration {
	return time.Duration(c.TickSeconds) * time.Second
}

// PhaseTimeout bounds each phase of a single recalculation.
func (c SchedulerConfig) PhaseTimeout() time.Duration {
	return time.Duration(c.PhaseTimeoutSeconds) * time.Second
}

// Lease is how long a claimed segment stays locked to one worker.
func (c SchedulerConfig) Lease() time.Duration {
	return time.Duration(c.LeaseSeconds) * time.Second
}

// ActionsConfig holds settings for the outbound side effects.
type ActionsConfig struct {
	WebhookTimeoutSeconds int     `yaml:"webhook_timeout_seconds"`
	WebhookRetries        int     `yaml:"webhook_retries"`
	WebhookRatePerSecond  float64 `yaml:"webhook_rate_per_second"`
	WebhookBurst          int     `yaml:"webhook_burst"`
	BotURL                string  `yaml:"bot_url"`
	BotToken              string  `yaml:"bot_token"`
	EventConcurrency      int     `yaml:"event_concurrency"`
}

// WebhookTimeout is the per-attempt timeout for webhook calls.
func (c ActionsConfig) WebhookTimeout() time.Duration {
	return time.Duration(c.WebhookTimeoutSeconds) * time.Second
}

// NotifyConfig selects the live-update channel backend.
type NotifyConfig struct {
	Backend string `yaml:"backend"` // "pg" or "redis"
	Channel string `yaml:"channel"`
}

// SESConfig holds AWS SES credentials for the email notification channel.
type SESConfig struct {
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	FromEmail string `yaml:"from_email"`
}

// Enabled reports whether email notifications can be sent.
func (c SESConfig) Enabled() bool {
	return c.AccessKey != "" && c.SecretKey != "" && c.FromEmail != ""
}

// ArchiveConfig holds run-report archive settings. Reports go to S3 when a
// bucket is set, to LocalPath otherwise, and nowhere when both are empty.
type ArchiveConfig struct {
	Bucket       string `yaml:"bucket"`
	LocalPath    string `yaml:"local_path"`
	Region       string `yaml:"region"`
	Prefix       string `yaml:"prefix"`
	IndexTable   string `yaml:"index_table"`
	IndexTTLDays int    `yaml:"index_ttl_days"`
}

// LoggingConfig configures internal/pkg/logger.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	RedactPII  *bool  `yaml:"redact_pii"`
}

// Load reads and parses the configuration file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns a configuration with only defaults applied, for
// processes started without a config file.
func Default() *Config {
	var cfg Config
	cfg.Scheduler.Enabled = true
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetimeMinutes == 0 {
		cfg.Database.ConnMaxLifetimeMinutes = 5
	}
	if cfg.Scheduler.TickSeconds == 0 {
		cfg.Scheduler.TickSeconds = 60
	}
	if cfg.Scheduler.PhaseTimeoutSeconds == 0 {
		cfg.Scheduler.PhaseTimeoutSeconds = 300
	}
	if cfg.Scheduler.LeaseSeconds == 0 {
		cfg.Scheduler.LeaseSeconds = 900
	}
	if cfg.Scheduler.BatchSize == 0 {
		cfg.Scheduler.BatchSize = 10000
	}
	if cfg.Actions.WebhookTimeoutSeconds == 0 {
		cfg.Actions.WebhookTimeoutSeconds = 10
	}
	if cfg.Actions.WebhookRetries == 0 {
		cfg.Actions.WebhookRetries = 3
	}
	if cfg.Actions.WebhookRatePerSecond == 0 {
		cfg.Actions.WebhookRatePerSecond = 20
	}
	if cfg.Actions.WebhookBurst == 0 {
		cfg.Actions.WebhookBurst = 5
	}
	if cfg.Actions.EventConcurrency == 0 {
		cfg.Actions.EventConcurrency = 16
	}
	if cfg.Notify.Backend == "" {
		cfg.Notify.Backend = "pg"
	}
	if cfg.Notify.Channel == "" {
		cfg.Notify.Channel = "segment_events"
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = "us-west-2"
	}
	if cfg.Archive.Region == "" {
		cfg.Archive.Region = cfg.SES.Region
	}
	if cfg.Archive.Prefix == "" {
		cfg.Archive.Prefix = "segment-runs"
	}
	if cfg.Archive.IndexTTLDays == 0 {
		cfg.Archive.IndexTTLDays = 90
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 5
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 28
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// A .env file is read first when present. An empty path skips the YAML file.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg *Config
	if path == "" {
		cfg = Default()
	} else {
		var err error
		if cfg, err = Load(path); err != nil {
			return nil, err
		}
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = n
		}
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.Server.CORSOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("SEGMENTS_API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}
	if v := os.Getenv("SEGMENTS_TICK_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Scheduler.TickSeconds = n
		}
	}
	if v := os.Getenv("SEGMENTS_PHASE_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Scheduler.PhaseTimeoutSeconds = n
		}
	}
	if v := os.Getenv("SEGMENTS_SCHEDULER_ENABLED"); v != "" {
		cfg.Scheduler.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("NOTIFY_BACKEND"); v != "" {
		cfg.Notify.Backend = v
	}
	if v := os.Getenv("BOT_URL"); v != "" {
		cfg.Actions.BotURL = v
	}
	if v := os.Getenv("BOT_TOKEN"); v != "" {
		cfg.Actions.BotToken = v
	}
	if v := os.Getenv("AWS_SES_ACCESS_KEY"); v != "" {
		cfg.SES.AccessKey = v
	}
	if v := os.Getenv("AWS_SES_SECRET_KEY"); v != "" {
		cfg.SES.SecretKey = v
	}
	if v := os.Getenv("AWS_SES_REGION"); v != "" {
		cfg.SES.Region = v
	}
	if v := os.Getenv("SES_FROM_EMAIL"); v != "" {
		cfg.SES.FromEmail = v
	}
	if v := os.Getenv("ARCHIVE_S3_BUCKET"); v != "" {
		cfg.Archive.Bucket = v
	}
	if v := os.Getenv("ARCHIVE_INDEX_TABLE"); v != "" {
		cfg.Archive.IndexTable = v
	}
	if v := os.Getenv("ARCHIVE_LOCAL_PATH"); v != "" {
		cfg.Archive.LocalPath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.Logging.File = v
	}

	return cfg, nil
}

// Validate checks the values a process cannot start without.
func (c *Config) Validate() error {
	var problems []string
	if c.Database.URL == "" {
		problems = append(problems, "database.url (or DATABASE_URL) is required")
	}
	if c.Notify.Backend != "pg" && c.Notify.Backend != "redis" {
		problems = append(problems, fmt.Sprintf("notify.backend must be pg or redis, got %q", c.Notify.Backend))
	}
	if c.Notify.Backend == "redis" && c.Redis.URL == "" {
		problems = append(problems, "notify.backend=redis requires redis.url")
	}
	if c.Scheduler.BatchSize < 1 {
		problems = append(problems, "scheduler.batch_size must be positive")
	}
	// Claims are renewed once per phase, so a lease has to outlast a phase
	// plus the member events and finalize step that follow the actions.
	if c.Scheduler.LeaseSeconds < 2*c.Scheduler.PhaseTimeoutSeconds {
		problems = append(problems, fmt.Sprintf("scheduler.lease_seconds (%d) must be at least twice scheduler.phase_timeout_seconds (%d)",
			c.Scheduler.LeaseSeconds, c.Scheduler.PhaseTimeoutSeconds))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
