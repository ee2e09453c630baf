package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"command-outbox/internal/store"
)

// Config holds shared runtime configuration for the API, worker and admin binaries.
type Config struct {
	Env         string `validate:"required"`
	ServiceName string `validate:"required"`
	HTTPPort    string `validate:"required,numeric"`
	MetricsAddr string
	LogLevel    string `validate:"omitempty,oneof=debug info warn warning error"`
	Commit      string

	StoreDriver        string        `validate:"oneof=sqlite postgres"`
	SQLitePath         string        `validate:"required_if=StoreDriver sqlite"`
	PostgresDSN        string        `validate:"required_if=StoreDriver postgres"`
	StoreBusyTimeout   time.Duration `validate:"gt=0"`
	StoreRetryAttempts int           `validate:"gte=1,lte=20"`
	StoreRetryBase     time.Duration `validate:"gt=0"`
	StoreRetryMax      time.Duration `validate:"gtefield=StoreRetryBase"`

	Secrets              []string
	AllowedAgents        []string
	AllowUnsigned        bool
	SignatureMaxSkew     time.Duration `validate:"gt=0"`
	PullRequireSignature bool

	DefaultLease     time.Duration `validate:"gt=0"`
	MaxLease         time.Duration `validate:"gtefield=DefaultLease"`
	PullDefaultLimit int           `validate:"gte=1,ltefield=PullMaxLimit"`
	PullMaxLimit     int           `validate:"gte=1,lte=500"`

	ReaperInterval     time.Duration `validate:"gt=0"`
	ReceiptsRetention  time.Duration `validate:"gt=0"`
	CompactorMaxDelete int           `validate:"gte=1"`
	CompactorSchedule  string        `validate:"required"`

	ArchiveDir         string
	ArchiveBucket      string
	ArchivePrefix      string
	ArchiveS3Region    string `validate:"required_with=ArchiveBucket"`
	ArchiveS3Endpoint  string `validate:"omitempty,url"`
	ArchiveS3PathStyle bool

	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	RateLimitCapacity int     `validate:"gte=0"`
	RateLimitRefill   float64 `validate:"gte=0"`

	TelegramToken  string
	TelegramChatID int64 `validate:"required_with=TelegramToken"`

	AMQPURL        string `validate:"omitempty,url"`
	AMQPExchange   string
	AMQPRoutingKey string

	OTLPEndpoint string
	OTLPInsecure bool

	// Edge agent settings.
	AgentID       string
	OutboxURL     string `validate:"omitempty,url"`
	AgentPoll     time.Duration
	AgentBatch    int
	AgentLease    time.Duration
	AgentHandlers []string
}

// Production reports whether the deployment is a production posture.
func (c Config) Production() bool {
	switch strings.ToLower(c.Env) {
	case "prod", "production":
		return true
	}
	return false
}

// StoreDSN returns the connection string for the selected driver.
func (c Config) StoreDSN() string {
	if c.StoreDriver == "postgres" {
		return c.PostgresDSN
	}
	return c.SQLitePath
}

// StoreOptions is what every binary passes to store.Open.
func (c Config) StoreOptions() store.Options {
	return store.Options{
		Driver:      c.StoreDriver,
		DSN:         c.StoreDSN(),
		BusyTimeout: c.StoreBusyTimeout,
		Retry:       store.RetryPolicy{Attempts: c.StoreRetryAttempts, Base: c.StoreRetryBase, Max: c.StoreRetryMax},
	}
}

// Validate checks struct constraints and the unsigned-ingress policy.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if len(c.Secrets) == 0 && c.Production() && !c.AllowUnsigned {
		return errors.New("invalid configuration: OUTBOX_SECRET is required in production (set OUTBOX_ALLOW_UNSIGNED=true to override)")
	}
	return nil
}

// Load reads configuration from environment variables, optionally layered over
// a YAML file named by OUTBOX_CONFIG, with sane defaults for local development.
func Load() (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path := os.Getenv("OUTBOX_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	secrets := getList(v, "outbox_secrets")
	if len(secrets) == 0 {
		secrets = getList(v, "outbox_secret")
	}

	cfg := Config{
		Env:         v.GetString("app_env"),
		ServiceName: v.GetString("service_name"),
		HTTPPort:    v.GetString("http_port"),
		MetricsAddr: v.GetString("metrics_addr"),
		LogLevel:    v.GetString("log_level"),
		Commit:      v.GetString("git_commit"),

		StoreDriver:        strings.ToLower(v.GetString("store_driver")),
		SQLitePath:         v.GetString("outbox_db_path"),
		PostgresDSN:        v.GetString("postgres_dsn"),
		StoreBusyTimeout:   v.GetDuration("store_busy_timeout"),
		StoreRetryAttempts: v.GetInt("store_retry_attempts"),
		StoreRetryBase:     v.GetDuration("store_retry_base"),
		StoreRetryMax:      v.GetDuration("store_retry_max"),

		Secrets:              secrets,
		AllowedAgents:        getList(v, "outbox_agents"),
		AllowUnsigned:        v.GetBool("outbox_allow_unsigned"),
		SignatureMaxSkew:     v.GetDuration("signature_max_skew"),
		PullRequireSignature: v.GetBool("pull_require_signature"),

		DefaultLease:     v.GetDuration("outbox_lease"),
		MaxLease:         v.GetDuration("outbox_max_lease"),
		PullDefaultLimit: v.GetInt("pull_default_limit"),
		PullMaxLimit:     v.GetInt("pull_max_limit"),

		ReaperInterval:     v.GetDuration("reaper_interval"),
		ReceiptsRetention:  time.Duration(v.GetInt("receipts_retention_days")) * 24 * time.Hour,
		CompactorMaxDelete: v.GetInt("compactor_max_delete"),
		CompactorSchedule:  v.GetString("compactor_schedule"),

		ArchiveDir:         v.GetString("receipts_archive_dir"),
		ArchiveBucket:      v.GetString("receipts_archive_bucket"),
		ArchivePrefix:      v.GetString("receipts_archive_prefix"),
		ArchiveS3Region:    v.GetString("receipts_archive_region"),
		ArchiveS3Endpoint:  v.GetString("receipts_archive_endpoint"),
		ArchiveS3PathStyle: v.GetBool("receipts_archive_path_style"),

		RedisAddr:         v.GetString("redis_addr"),
		RedisPassword:     v.GetString("redis_password"),
		RedisDB:           v.GetInt("redis_db"),
		RateLimitCapacity: v.GetInt("rate_limit_capacity"),
		RateLimitRefill:   v.GetFloat64("rate_limit_refill_per_sec"),

		TelegramToken:  v.GetString("telegram_bot_token"),
		TelegramChatID: v.GetInt64("telegram_chat_id"),

		AMQPURL:        v.GetString("amqp_url"),
		AMQPExchange:   v.GetString("amqp_exchange"),
		AMQPRoutingKey: v.GetString("amqp_routing_key"),

		OTLPEndpoint: v.GetString("otel_exporter_otlp_endpoint"),
		OTLPInsecure: v.GetBool("otel_exporter_otlp_insecure"),

		AgentID:       v.GetString("agent_id"),
		OutboxURL:     v.GetString("outbox_url"),
		AgentPoll:     v.GetDuration("agent_poll_interval"),
		AgentBatch:    v.GetInt("agent_batch"),
		AgentLease:    v.GetDuration("agent_lease"),
		AgentHandlers: getList(v, "agent_handlers"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_env", "dev")
	v.SetDefault("service_name", "command-outbox")
	v.SetDefault("http_port", "8080")
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("log_level", "info")
	v.SetDefault("git_commit", "dev")

	v.SetDefault("store_driver", "sqlite")
	v.SetDefault("outbox_db_path", "outbox.db")
	v.SetDefault("postgres_dsn", "")
	v.SetDefault("store_busy_timeout", 5*time.Second)
	v.SetDefault("store_retry_attempts", 5)
	v.SetDefault("store_retry_base", 50*time.Millisecond)
	v.SetDefault("store_retry_max", 2*time.Second)

	v.SetDefault("outbox_secrets", "")
	v.SetDefault("outbox_secret", "")
	v.SetDefault("outbox_agents", "")
	v.SetDefault("outbox_allow_unsigned", false)
	v.SetDefault("signature_max_skew", 180*time.Second)
	v.SetDefault("pull_require_signature", true)

	v.SetDefault("outbox_lease", 45*time.Second)
	v.SetDefault("outbox_max_lease", 10*time.Minute)
	v.SetDefault("pull_default_limit", 10)
	v.SetDefault("pull_max_limit", 50)

	v.SetDefault("reaper_interval", 15*time.Second)
	v.SetDefault("receipts_retention_days", 14)
	v.SetDefault("compactor_max_delete", 5000)
	v.SetDefault("compactor_schedule", "@every 1h")

	v.SetDefault("receipts_archive_dir", "")
	v.SetDefault("receipts_archive_bucket", "")
	v.SetDefault("receipts_archive_prefix", "receipts")
	v.SetDefault("receipts_archive_region", "us-east-1")
	v.SetDefault("receipts_archive_endpoint", "")
	v.SetDefault("receipts_archive_path_style", false)

	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("rate_limit_capacity", 50)
	v.SetDefault("rate_limit_refill_per_sec", 20)

	v.SetDefault("telegram_bot_token", "")
	v.SetDefault("telegram_chat_id", 0)

	v.SetDefault("amqp_url", "")
	v.SetDefault("amqp_exchange", "outbox.events")
	v.SetDefault("amqp_routing_key", "outbox")

	v.SetDefault("otel_exporter_otlp_endpoint", "")
	v.SetDefault("otel_exporter_otlp_insecure", true)

	v.SetDefault("agent_id", hostnameOr("edge-agent"))
	v.SetDefault("outbox_url", "http://localhost:8080")
	v.SetDefault("agent_poll_interval", 2*time.Second)
	v.SetDefault("agent_batch", 10)
	v.SetDefault("agent_lease", 90*time.Second)
	v.SetDefault("agent_handlers", "order.place")
}

func getList(v *viper.Viper, key string) []string {
	raw := v.GetString(key)
	if raw == "" {
		if items := v.GetStringSlice(key); len(items) > 0 {
			raw = strings.Join(items, ",")
		}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func hostnameOr(def string) string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return def
}
