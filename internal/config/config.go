// Package config provides configuration management for streamcore using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort         = 8080
	defaultServerTimeout      = 30 * time.Second
	defaultShutdownTimeout    = 10 * time.Second
	defaultMaxOpenConns       = 25
	defaultMaxIdleConns       = 10
	defaultConnMaxIdleTime    = 30 * time.Minute
	defaultBufferingGoal      = 10 * time.Second
	defaultRebufferingGoal    = 2 * time.Second
	defaultBufferBehind       = 30 * time.Second
	defaultRetryMaxAttempts   = 2
	defaultRetryBaseDelay     = 1 * time.Second
	defaultRetryMaxDelay      = 5 * time.Second
	defaultRetryBackoffFactor = 2.0
	defaultRetryFuzzFactor    = 0.5
	defaultRetryTimeout       = 30 * time.Second
	defaultSmallGapLimit      = 500 * time.Millisecond
	defaultMaxSegmentBytes    = 50 * 1024 * 1024
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Streaming StreamingConfig `mapstructure:"streaming"`
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

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// StreamingConfig holds StreamingEngine orchestrator configuration, per the
// enumerated configuration fields the engine consumes at init/configure time.
type StreamingConfig struct {
	// BufferingGoal is the target seconds of buffer ahead of the playhead.
	BufferingGoal time.Duration `mapstructure:"buffering_goal"`
	// RebufferingGoal is the minimum seconds required before startup is
	// considered complete.
	RebufferingGoal time.Duration `mapstructure:"rebuffering_goal"`
	// BufferBehind is the maximum seconds of buffer retained before the
	// playhead; eviction trims anything older.
	BufferBehind time.Duration `mapstructure:"buffer_behind"`
	// RetryParameters is the retry policy handed to the network engine.
	RetryParameters RetryParameters `mapstructure:"retry_parameters"`
	// InfiniteRetriesForLiveStreams, if true, causes transient network
	// errors on live content to retry forever instead of surfacing.
	InfiniteRetriesForLiveStreams bool `mapstructure:"infinite_retries_for_live_streams"`
	// IgnoreTextStreamFailures, if true, logs text-pipeline errors and
	// disables that content type instead of surfacing them.
	IgnoreTextStreamFailures bool `mapstructure:"ignore_text_stream_failures"`
	// StartAtSegmentBoundary snaps the initial playhead to a segment start.
	StartAtSegmentBoundary bool `mapstructure:"start_at_segment_boundary"`
	// SmallGapLimit is the maximum gap that gets jumped automatically
	// without counting as a stall.
	SmallGapLimit time.Duration `mapstructure:"small_gap_limit"`
	// JumpLargeGaps allows jumping gaps larger than SmallGapLimit; when
	// false, a MediaState facing such a gap stalls instead.
	JumpLargeGaps bool `mapstructure:"jump_large_gaps"`
	// MaxSegmentBytes caps the size of a single fetched segment (init or
	// media); a response larger than this is treated as an unrecoverable
	// fetch error. Zero disables the check.
	MaxSegmentBytes int64 `mapstructure:"max_segment_bytes"`
}

// RetryParameters controls the backoff schedule the network engine applies
// to recoverable request failures.
type RetryParameters struct {
	MaxAttempts   int           `mapstructure:"max_attempts"`
	BaseDelay     time.Duration `mapstructure:"base_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	BackoffFactor float64       `mapstructure:"backoff_factor"`
	FuzzFactor    float64       `mapstructure:"fuzz_factor"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with STREAMCORE_ and use underscores for nesting.
// Example: STREAMCORE_SERVER_PORT=8080.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	SetDefaults(v)

	// Config file settings
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/streamcore")
		v.AddConfigPath("$HOME/.streamcore")
	}

	// Environment variable settings
	v.SetEnvPrefix("STREAMCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "streamcore.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Streaming defaults
	v.SetDefault("streaming.buffering_goal", defaultBufferingGoal)
	v.SetDefault("streaming.rebuffering_goal", defaultRebufferingGoal)
	v.SetDefault("streaming.buffer_behind", defaultBufferBehind)
	v.SetDefault("streaming.infinite_retries_for_live_streams", true)
	v.SetDefault("streaming.ignore_text_stream_failures", false)
	v.SetDefault("streaming.start_at_segment_boundary", true)
	v.SetDefault("streaming.small_gap_limit", defaultSmallGapLimit)
	v.SetDefault("streaming.jump_large_gaps", false)
	v.SetDefault("streaming.max_segment_bytes", defaultMaxSegmentBytes)

	v.SetDefault("streaming.retry_parameters.max_attempts", defaultRetryMaxAttempts)
	v.SetDefault("streaming.retry_parameters.base_delay", defaultRetryBaseDelay)
	v.SetDefault("streaming.retry_parameters.max_delay", defaultRetryMaxDelay)
	v.SetDefault("streaming.retry_parameters.backoff_factor", defaultRetryBackoffFactor)
	v.SetDefault("streaming.retry_parameters.fuzz_factor", defaultRetryFuzzFactor)
	v.SetDefault("streaming.retry_parameters.timeout", defaultRetryTimeout)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Server validation
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	// Database validation
	if c.Database.Driver != "sqlite" {
		return fmt.Errorf("database.driver must be sqlite")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	// Streaming validation
	if c.Streaming.BufferingGoal <= 0 {
		return fmt.Errorf("streaming.buffering_goal must be positive")
	}
	if c.Streaming.RetryParameters.MaxAttempts < 0 {
		return fmt.Errorf("streaming.retry_parameters.max_attempts must not be negative")
	}
	if c.Streaming.MaxSegmentBytes < 0 {
		return fmt.Errorf("streaming.max_segment_bytes must not be negative")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
