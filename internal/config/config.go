// Package config provides configuration management for bilimux using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort      = 8080
	defaultServerTimeout   = 30 * time.Second
	defaultShutdownTimeout = 10 * time.Second

	defaultThreadCount       = 4
	defaultMaxRetriesPerPart = 3
	defaultNetworkTimeout    = 15 * time.Second
	defaultExportTimeout     = 60 * time.Second

	defaultKeyMaxAge        = 2 * time.Hour
	defaultCooldown         = 5 * time.Second
	defaultMaxAttempts      = 3
	defaultRetentionDays    = 30
	defaultMinPartSizeBytes = 256 * 1024
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Wbi       WbiConfig       `mapstructure:"wbi"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// DatabaseConfig holds the embedded store configuration.
type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	LogLevel string `mapstructure:"log_level"` // silent, error, warn, info
}

// StorageConfig holds sandbox file system configuration.
type StorageConfig struct {
	// BaseDir is the sandbox root all working files and thumbnails live under.
	BaseDir string `mapstructure:"base_dir"`
	// MaxThumbSize bounds a fetched thumbnail.
	// Supports human-readable values like "5MB" or raw byte counts.
	MaxThumbSize ByteSize `mapstructure:"max_thumb_size"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// FetchConfig holds chunked fetcher configuration.
type FetchConfig struct {
	// ThreadCount is the number of parallel part downloads (1..16).
	ThreadCount int `mapstructure:"thread_count"`
	// MinPartSize is the smallest range worth a dedicated part.
	MinPartSize ByteSize `mapstructure:"min_part_size"`
	// MaxRetriesPerPart bounds same-mirror retries before failover.
	MaxRetriesPerPart int `mapstructure:"max_retries_per_part"`
	// Timeout bounds each network operation.
	Timeout time.Duration `mapstructure:"timeout"`
	// UserAgent is sent on every upstream request.
	UserAgent string `mapstructure:"user_agent"`
}

// WbiConfig holds request-signing configuration.
type WbiConfig struct {
	// KeyMaxAge is loaded and defaulted here, but the Wbi signer does not
	// read it: the signer trusts a fetched mixin key for a fixed 2 hours.
	KeyMaxAge time.Duration `mapstructure:"key_max_age"`
}

// PipelineConfig holds download pipeline configuration.
type PipelineConfig struct {
	// ExportTimeout is how long a registered virtual download waits for a
	// consumer before the task fails.
	ExportTimeout time.Duration `mapstructure:"export_timeout"`
}

// SchedulerConfig holds task scheduling configuration.
type SchedulerConfig struct {
	// Cooldown is the pause between consecutive tasks.
	Cooldown time.Duration `mapstructure:"cooldown"`
	// MaxAttempts bounds re-queues of a retryable task.
	MaxAttempts int `mapstructure:"max_attempts"`
	// HistoryRetentionDays controls the periodic pruning job; 0 disables it.
	HistoryRetentionDays int `mapstructure:"history_retention_days"`
	// PruneSchedule is the cron expression of the pruning job.
	PruneSchedule string `mapstructure:"prune_schedule"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with BILIMUX_ and use underscores for
// nesting. Example: BILIMUX_SERVER_PORT=8080.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/bilimux")
		v.AddConfigPath("$HOME/.bilimux")
	}

	v.SetEnvPrefix("BILIMUX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file so defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})

	// Database defaults
	v.SetDefault("database.dsn", "bilimux.db")
	v.SetDefault("database.log_level", "warn")

	// Storage defaults
	v.SetDefault("storage.base_dir", "./data")
	v.SetDefault("storage.max_thumb_size", 5*1024*1024)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Fetch defaults
	v.SetDefault("fetch.thread_count", defaultThreadCount)
	v.SetDefault("fetch.min_part_size", defaultMinPartSizeBytes)
	v.SetDefault("fetch.max_retries_per_part", defaultMaxRetriesPerPart)
	v.SetDefault("fetch.timeout", defaultNetworkTimeout)
	v.SetDefault("fetch.user_agent", "Mozilla/5.0 (X11; Linux x86_64; rv:128.0) Gecko/20100101 Firefox/128.0")

	// Wbi defaults
	v.SetDefault("wbi.key_max_age", defaultKeyMaxAge)

	// Pipeline defaults
	v.SetDefault("pipeline.export_timeout", defaultExportTimeout)

	// Scheduler defaults
	v.SetDefault("scheduler.cooldown", defaultCooldown)
	v.SetDefault("scheduler.max_attempts", defaultMaxAttempts)
	v.SetDefault("scheduler.history_retention_days", defaultRetentionDays)
	v.SetDefault("scheduler.prune_schedule", "30 3 * * *")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	if c.Storage.BaseDir == "" {
		return fmt.Errorf("storage.base_dir is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Fetch.ThreadCount < 1 || c.Fetch.ThreadCount > 16 {
		return fmt.Errorf("fetch.thread_count must be between 1 and 16")
	}
	if c.Fetch.MaxRetriesPerPart < 1 {
		return fmt.Errorf("fetch.max_retries_per_part must be at least 1")
	}

	if c.Scheduler.MaxAttempts < 1 {
		return fmt.Errorf("scheduler.max_attempts must be at least 1")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
