package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	// An explicitly named but missing file is an error...
	require.Error(t, err)

	// ...while no file at all falls back to defaults.
	v := viper.New()
	SetDefaults(v)
	var c Config
	require.NoError(t, v.Unmarshal(&c))
	require.NoError(t, c.Validate())

	assert.Equal(t, 5004, c.Server.Port)
	assert.Equal(t, 4.0, c.HLS.SegmentDuration)
	assert.Equal(t, 6, c.HLS.MaxSegments)
	assert.False(t, c.HLS.KeyframeDiagnostics)
	assert.Equal(t, 60*time.Second, c.Capture.IdleTimeout)
	assert.Equal(t, "info", c.Logging.Level)
	assert.Nil(t, cfg)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9000
hls:
  segment_duration: 2
  max_segments: 10
  keyframe_diagnostics: true
capture:
  idle_timeout: 90s
channels:
  - id: news-1
    name: News One
    url: https://example.com/news
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 2.0, cfg.HLS.SegmentDuration)
	assert.Equal(t, 10, cfg.HLS.MaxSegments)
	assert.True(t, cfg.HLS.KeyframeDiagnostics)
	assert.Equal(t, 90*time.Second, cfg.Capture.IdleTimeout)
	require.Len(t, cfg.Channels, 1)
	assert.Equal(t, "news-1", cfg.Channels[0].ID)

	// Untouched keys keep their defaults.
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		v := viper.New()
		SetDefaults(v)
		var c Config
		require.NoError(t, v.Unmarshal(&c))
		return c
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid defaults", func(*Config) {}, ""},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"zero segment duration", func(c *Config) { c.HLS.SegmentDuration = 0 }, "hls.segment_duration"},
		{"zero window", func(c *Config) { c.HLS.MaxSegments = 0 }, "hls.max_segments"},
		{"channel without id", func(c *Config) {
			c.Channels = []ChannelConfig{{Name: "x"}}
		}, "channels[0].id"},
		{"duplicate channel id", func(c *Config) {
			c.Channels = []ChannelConfig{{ID: "a"}, {ID: "a"}}
		}, "duplicate id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("PRISMCAST_SERVER_PORT", "7001")
	t.Setenv("PRISMCAST_HLS_MAX_SEGMENTS", "12")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7001, cfg.Server.Port)
	assert.Equal(t, 12, cfg.HLS.MaxSegments)
}
