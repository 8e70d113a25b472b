// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Workers  WorkersConfig  `mapstructure:"workers"`
	Capture  CaptureConfig  `mapstructure:"capture"`
	Analysis AnalysisConfig `mapstructure:"analysis"`
	Optimize OptimizeConfig `mapstructure:"optimize"`
	Report   ReportConfig   `mapstructure:"report"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Store    StoreConfig    `mapstructure:"store"`
	Blob     BlobConfig     `mapstructure:"blob"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// WorkersConfig sizes the two worker pools. Report jobs run on their
// own partition so report generation cannot starve analysis throughput.
type WorkersConfig struct {
	Analyze    int `mapstructure:"analyze"`
	Report     int `mapstructure:"report"`
	QueueDepth int `mapstructure:"queue_depth"`
}

// CaptureConfig configures the headless capture stage.
type CaptureConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	NavTimeoutSec  int    `mapstructure:"nav_timeout_seconds"`
	SettleMillis   int    `mapstructure:"settle_millis"`
	ViewportWidth  int    `mapstructure:"viewport_width"`
	ViewportHeight int    `mapstructure:"viewport_height"`
	MaxParallel    int    `mapstructure:"max_parallel"`
}

// AnalysisConfig configures the pure analysis stage.
type AnalysisConfig struct {
	MaxSubpagesDefault int `mapstructure:"max_subpages_default"`
	ProbeTimeoutSec    int `mapstructure:"probe_timeout_seconds"`
}

// OptimizeConfig configures the per-image optimization sub-stage.
type OptimizeConfig struct {
	MaxImagesDefault int     `mapstructure:"max_images_default"`
	Quality          int     `mapstructure:"quality"`
	MaxWidth         int     `mapstructure:"max_width"`
	FetchTimeoutSec  int     `mapstructure:"fetch_timeout_seconds"`
	Parallelism      int     `mapstructure:"parallelism"`
	PerHostRPS       float64 `mapstructure:"per_host_rps"`
	PerHostBurst     int     `mapstructure:"per_host_burst"`
}

// ReportConfig configures report assembly.
type ReportConfig struct {
	PageTimeoutSec int `mapstructure:"page_timeout_seconds"`
}

// CacheConfig controls the artifact cache.
type CacheConfig struct {
	TTLHours      int `mapstructure:"ttl_hours"`
	SweepMinutes  int `mapstructure:"sweep_minutes"`
	MaxEntryBytes int `mapstructure:"max_entry_bytes"`
}

// QueueConfig selects the task queue backend.
type QueueConfig struct {
	Provider string       `mapstructure:"provider"` // memory | pubsub
	PubSub   PubSubConfig `mapstructure:"pubsub"`
}

// PubSubConfig holds Pub/Sub connection metadata for the queue backend.
type PubSubConfig struct {
	ProjectID           string `mapstructure:"project_id"`
	AnalyzeTopic        string `mapstructure:"analyze_topic"`
	AnalyzeSubscription string `mapstructure:"analyze_subscription"`
	ReportTopic         string `mapstructure:"report_topic"`
	ReportSubscription  string `mapstructure:"report_subscription"`
}

// StoreConfig selects the job store backend.
type StoreConfig struct {
	Provider string `mapstructure:"provider"` // memory | postgres
	DSN      string `mapstructure:"dsn"`
}

// BlobConfig selects the blob store backend.
type BlobConfig struct {
	Provider  string `mapstructure:"provider"` // memory | local | gcs
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ECOTRACE")
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

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.timeout_seconds", 60)
	v.SetDefault("workers.analyze", 4)
	v.SetDefault("workers.report", 2)
	v.SetDefault("workers.queue_depth", 64)
	v.SetDefault("capture.user_agent", "ecotrace-bot/0.1")
	v.SetDefault("capture.nav_timeout_seconds", 45)
	v.SetDefault("capture.settle_millis", 500)
	v.SetDefault("capture.viewport_width", 1920)
	v.SetDefault("capture.viewport_height", 1080)
	v.SetDefault("capture.max_parallel", 2)
	v.SetDefault("analysis.max_subpages_default", 10)
	v.SetDefault("analysis.probe_timeout_seconds", 15)
	v.SetDefault("optimize.max_images_default", 100)
	v.SetDefault("optimize.quality", 75)
	v.SetDefault("optimize.max_width", 1920)
	v.SetDefault("optimize.fetch_timeout_seconds", 10)
	v.SetDefault("optimize.parallelism", 3)
	v.SetDefault("optimize.per_host_rps", 4)
	v.SetDefault("optimize.per_host_burst", 2)
	v.SetDefault("report.page_timeout_seconds", 20)
	v.SetDefault("cache.ttl_hours", 168)
	v.SetDefault("cache.sweep_minutes", 60)
	v.SetDefault("cache.max_entry_bytes", 32<<20)
	v.SetDefault("queue.provider", "memory")
	v.SetDefault("store.provider", "memory")
	v.SetDefault("blob.provider", "memory")
	v.SetDefault("blob.prefix", "artifacts")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Workers.Analyze <= 0 {
		return fmt.Errorf("workers.analyze must be > 0")
	}
	if c.Workers.Report <= 0 {
		return fmt.Errorf("workers.report must be > 0")
	}
	if c.Capture.NavTimeoutSec <= 0 {
		return fmt.Errorf("capture.nav_timeout_seconds must be > 0")
	}
	if c.Optimize.Quality < 1 || c.Optimize.Quality > 100 {
		return fmt.Errorf("optimize.quality must be in [1,100]")
	}
	if c.Cache.TTLHours <= 0 {
		return fmt.Errorf("cache.ttl_hours must be > 0")
	}
	switch c.Queue.Provider {
	case "memory":
	case "pubsub":
		if c.Queue.PubSub.ProjectID == "" {
			return fmt.Errorf("queue.pubsub.project_id must be set for the pubsub provider")
		}
	default:
		return fmt.Errorf("unknown queue provider %q", c.Queue.Provider)
	}
	switch c.Store.Provider {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set for the postgres provider")
		}
	default:
		return fmt.Errorf("unknown store provider %q", c.Store.Provider)
	}
	switch c.Blob.Provider {
	case "memory":
	case "local":
		if c.Blob.BaseDir == "" {
			return fmt.Errorf("blob.base_dir must be set for the local provider")
		}
	case "gcs":
		if c.Blob.GCSBucket == "" {
			return fmt.Errorf("blob.gcs_bucket must be set for the gcs provider")
		}
	default:
		return fmt.Errorf("unknown blob provider %q", c.Blob.Provider)
	}
	return nil
}

// CaptureTimeout converts the capture deadline into a duration.
func (c Config) CaptureTimeout() time.Duration {
	return time.Duration(c.Capture.NavTimeoutSec) * time.Second
}

// CacheTTL converts the cache TTL into a duration.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLHours) * time.Hour
}
