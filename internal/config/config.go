// Package config provides configuration management for prismcast using
// Viper. It supports configuration from files, environment variables, and
// defaults.
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
	defaultServerPort      = 5004
	defaultServerTimeout   = 30 * time.Second
	defaultShutdownTimeout = 10 * time.Second

	defaultSegmentDuration = 4.0
	defaultMaxSegments     = 6

	defaultIdleTimeout    = 60 * time.Second
	defaultReadBufferSize = 64 * 1024
	defaultMaxRestarts    = 3
	defaultRestartWindow  = 5 * time.Minute
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig    `mapstructure:"server"`
	Logging  LoggingConfig   `mapstructure:"logging"`
	HLS      HLSConfig       `mapstructure:"hls"`
	Capture  CaptureConfig   `mapstructure:"capture"`
	Channels []ChannelConfig `mapstructure:"channels"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // trace, debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// HLSConfig holds the segmenting configuration.
type HLSConfig struct {
	// SegmentDuration is the target cut interval in seconds.
	SegmentDuration float64 `mapstructure:"segment_duration"`
	// MaxSegments is the playlist sliding-window size.
	MaxSegments int `mapstructure:"max_segments"`
	// KeyframeDiagnostics enables sync-sample cadence accounting.
	KeyframeDiagnostics bool `mapstructure:"keyframe_diagnostics"`
}

// CaptureConfig holds capture supervision configuration.
type CaptureConfig struct {
	// Command is the argv template launched per channel; {url} and
	// {channel} are substituted. Its stdout must produce an fMP4 stream.
	Command []string `mapstructure:"command"`
	// IdleTimeout tears a stream down after this long without a playlist
	// request.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	// ReadBufferSize is the capture read chunk size in bytes.
	ReadBufferSize int `mapstructure:"read_buffer_size"`
	// MaxRestarts bounds supervised restarts within RestartWindow before a
	// stream is declared failed.
	MaxRestarts   int           `mapstructure:"max_restarts"`
	RestartWindow time.Duration `mapstructure:"restart_window"`
}

// ChannelConfig defines one tunable channel.
type ChannelConfig struct {
	ID   string `mapstructure:"id"`
	Name string `mapstructure:"name"`
	URL  string `mapstructure:"url"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration and are
// prefixed with PRISMCAST_, using underscores for nesting.
// Example: PRISMCAST_SERVER_PORT=5004.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/prismcast")
		v.AddConfigPath("$HOME/.prismcast")
	}

	v.SetEnvPrefix("PRISMCAST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// No config file: defaults and env vars carry the day.
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
// Called before reading the config file so the file only has to name what
// it changes.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	v.SetDefault("hls.segment_duration", defaultSegmentDuration)
	v.SetDefault("hls.max_segments", defaultMaxSegments)
	v.SetDefault("hls.keyframe_diagnostics", false)

	v.SetDefault("capture.idle_timeout", defaultIdleTimeout)
	v.SetDefault("capture.read_buffer_size", defaultReadBufferSize)
	v.SetDefault("capture.max_restarts", defaultMaxRestarts)
	v.SetDefault("capture.restart_window", defaultRestartWindow)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.HLS.SegmentDuration <= 0 {
		return fmt.Errorf("hls.segment_duration must be positive")
	}
	if c.HLS.MaxSegments < 1 {
		return fmt.Errorf("hls.max_segments must be at least 1")
	}

	if c.Capture.IdleTimeout <= 0 {
		return fmt.Errorf("capture.idle_timeout must be positive")
	}
	if c.Capture.ReadBufferSize < 1 {
		return fmt.Errorf("capture.read_buffer_size must be at least 1")
	}

	seen := make(map[string]bool, len(c.Channels))
	for i, ch := range c.Channels {
		if ch.ID == "" {
			return fmt.Errorf("channels[%d].id is required", i)
		}
		if seen[ch.ID] {
			return fmt.Errorf("channels[%d]: duplicate id %q", i, ch.ID)
		}
		seen[ch.ID] = true
	}

	return nil
}
