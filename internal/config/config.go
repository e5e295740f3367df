// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/serialcrawler/internal/render"
)

// Render backends.
const (
	RenderHeadless = "headless"
	RenderStatic   = "static"
)

// Storage backends.
const (
	StorageMemory = "memory"
	StorageLocal  = "local"
	StorageGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Session    SessionConfig    `mapstructure:"session"`
	Readiness  ReadinessConfig  `mapstructure:"readiness"`
	Extraction ExtractionConfig `mapstructure:"extraction"`
	Render     RenderConfig     `mapstructure:"render"`
	Storage    StorageConfig    `mapstructure:"storage"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Progress   ProgressConfig   `mapstructure:"progress"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	RequestTimeoutSeconds  int `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// SessionConfig governs session lifecycle.
type SessionConfig struct {
	DeleteGraceMs          int  `mapstructure:"delete_grace_ms"`
	FlushPartialOnFailure  bool `mapstructure:"flush_partial_on_failure"`
	FinalizeTimeoutSeconds int  `mapstructure:"finalize_timeout_seconds"`
	NotifyTimeoutSeconds   int  `mapstructure:"notify_timeout_seconds"`
}

// ReadinessConfig bounds the stability poll.
type ReadinessConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	BaseIntervalMs int `mapstructure:"base_interval_ms"`
	MaxIntervalMs  int `mapstructure:"max_interval_ms"`
	Slope          int `mapstructure:"slope"`
}

// ExtractionConfig bounds the extraction retry loop.
type ExtractionConfig struct {
	MaxAttempts      int `mapstructure:"max_attempts"`
	DelayMs          int `mapstructure:"delay_ms"`
	AttemptTimeoutMs int `mapstructure:"attempt_timeout_ms"`
}

// RenderConfig selects and tunes the render target.
type RenderConfig struct {
	Backend       string           `mapstructure:"backend"`
	UserAgent     string           `mapstructure:"user_agent"`
	NavTimeoutSec int              `mapstructure:"nav_timeout_seconds"`
	MaxTabs       int              `mapstructure:"max_tabs"`
	ExecPath      string           `mapstructure:"exec_path"`
	RespectRobots bool             `mapstructure:"respect_robots"`
	DomainRPS     float64          `mapstructure:"domain_rps"`
	DomainBurst   int              `mapstructure:"domain_burst"`
	Selectors     render.Selectors `mapstructure:"selectors"`
}

// StorageConfig selects the artifact sink.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	Bucket      string `mapstructure:"bucket"`
	Prefix      string `mapstructure:"prefix"`
	LocalDir    string `mapstructure:"local_dir"`
	ContentType string `mapstructure:"content_type"`
	Extension   string `mapstructure:"extension"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// DatabaseConfig controls the session run history store.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	RunsTable       string        `mapstructure:"runs_table"`
	FragmentsTable  string        `mapstructure:"fragments_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// ProgressConfig tunes the lifecycle event hub.
type ProgressConfig struct {
	Enabled           bool        `mapstructure:"enabled"`
	BufferSize        int         `mapstructure:"buffer_size"`
	Batch             BatchConfig `mapstructure:"batch"`
	SinkTimeoutMs     int         `mapstructure:"sink_timeout_ms"`
	LogEnabled        bool        `mapstructure:"log_enabled"`
	PrometheusEnabled bool        `mapstructure:"prometheus_enabled"`
}

// BatchConfig bounds progress batches.
type BatchConfig struct {
	MaxEvents int `mapstructure:"max_events"`
	MaxWaitMs int `mapstructure:"max_wait_ms"`
}

// NotifyConfig tunes websocket observers.
type NotifyConfig struct {
	SubscriberBuffer    int `mapstructure:"subscriber_buffer"`
	WriteTimeoutSeconds int `mapstructure:"write_timeout_seconds"`
	PingIntervalSeconds int `mapstructure:"ping_interval_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// LoadDotEnv reads KEY=value pairs from paths into the process environment
// without overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Render.Selectors = cfg.Render.Selectors.WithDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	sel := render.DefaultSelectors()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("server.shutdown_timeout_seconds", 10)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("session.delete_grace_ms", 1000)
	v.SetDefault("session.flush_partial_on_failure", false)
	v.SetDefault("session.finalize_timeout_seconds", 60)
	v.SetDefault("session.notify_timeout_seconds", 10)
	v.SetDefault("readiness.timeout_seconds", 60)
	v.SetDefault("readiness.base_interval_ms", 500)
	v.SetDefault("readiness.max_interval_ms", 2000)
	v.SetDefault("readiness.slope", 10)
	v.SetDefault("extraction.max_attempts", 30)
	v.SetDefault("extraction.delay_ms", 1000)
	v.SetDefault("extraction.attempt_timeout_ms", 1000)
	v.SetDefault("render.backend", RenderHeadless)
	v.SetDefault("render.user_agent", "serialcrawler/0.1")
	v.SetDefault("render.nav_timeout_seconds", 45)
	v.SetDefault("render.max_tabs", 4)
	v.SetDefault("render.exec_path", "")
	v.SetDefault("render.respect_robots", true)
	v.SetDefault("render.domain_rps", 1.0)
	v.SetDefault("render.domain_burst", 1)
	v.SetDefault("render.selectors.ready", sel.Ready)
	v.SetDefault("render.selectors.title", sel.Title)
	v.SetDefault("render.selectors.body", sel.Body)
	v.SetDefault("render.selectors.next", sel.Next)
	v.SetDefault("storage.backend", StorageMemory)
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.prefix", "")
	v.SetDefault("storage.local_dir", "data/artifacts")
	v.SetDefault("storage.content_type", "text/plain; charset=utf-8")
	v.SetDefault("storage.extension", ".txt")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.runs_table", "session_runs")
	v.SetDefault("database.fragments_table", "session_fragments")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.batch.max_events", 256)
	v.SetDefault("progress.batch.max_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_ms", 10000)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.prometheus_enabled", true)
	v.SetDefault("notify.subscriber_buffer", 16)
	v.SetDefault("notify.write_timeout_seconds", 5)
	v.SetDefault("notify.ping_interval_seconds", 30)
	v.SetDefault("logging.development", true)
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "serialcrawler")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Readiness.TimeoutSeconds <= 0 {
		return fmt.Errorf("readiness.timeout_seconds must be > 0")
	}
	if c.Readiness.BaseIntervalMs <= 0 {
		return fmt.Errorf("readiness.base_interval_ms must be > 0")
	}
	if c.Extraction.MaxAttempts <= 0 {
		return fmt.Errorf("extraction.max_attempts must be > 0")
	}
	switch c.Render.Backend {
	case RenderHeadless:
		if c.Render.MaxTabs <= 0 {
			return fmt.Errorf("render.max_tabs must be > 0 for the headless backend")
		}
	case RenderStatic:
	default:
		return fmt.Errorf("render.backend must be %q or %q, got %q", RenderHeadless, RenderStatic, c.Render.Backend)
	}
	if c.Render.DomainRPS < 0 {
		return fmt.Errorf("render.domain_rps must be >= 0")
	}
	switch c.Storage.Backend {
	case StorageMemory:
	case StorageLocal:
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local backend")
		}
	case StorageGCS:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be one of memory, local, gcs; got %q", c.Storage.Backend)
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	return nil
}

// ReadinessTimeout returns the poller's overall bound.
func (c Config) ReadinessTimeout() time.Duration {
	return time.Duration(c.Readiness.TimeoutSeconds) * time.Second
}

// ExtractionBudget is the worst-case stall of one extraction:
// attempts * (delay + attempt timeout).
func (c Config) ExtractionBudget() time.Duration {
	attempt := c.Extraction.AttemptTimeoutMs
	if attempt <= 0 {
		attempt = c.Extraction.DelayMs
	}
	return time.Duration(c.Extraction.MaxAttempts) * time.Duration(c.Extraction.DelayMs+attempt) * time.Millisecond
}
