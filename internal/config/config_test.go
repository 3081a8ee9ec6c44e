// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_FullConfig(t *testing.T) {
	hcl := `
backend "home" {
  id    = 1
  url   = "http://192.168.1.1:9090"
  token = "secret"
}

backend "vps" {
  id  = 2
  url = "https://gw.example.com"
}

storage {
  path              = "/var/lib/proxwatch/stats.db"
  retention_minutes = 120
}

geoip {
  mmdb_path = "/var/lib/proxwatch/Country.mmdb"
}

api {
  listen = "127.0.0.1:9888"
}

pipeline {
  flush_interval_seconds = 15
  flush_threshold        = 1000
}
`
	cfg, err := Parse([]byte(hcl), "test.hcl")
	require.NoError(t, err)

	require.Len(t, cfg.Backends, 2)
	assert.Equal(t, "home", cfg.Backends[0].Name)
	assert.Equal(t, 1, cfg.Backends[0].ID)
	assert.Equal(t, "secret", cfg.Backends[0].Token)
	assert.Empty(t, cfg.Backends[1].Token)

	assert.Equal(t, "/var/lib/proxwatch/stats.db", cfg.Storage.Path)
	assert.Equal(t, 120, cfg.Storage.RetentionMinutes)
	assert.Equal(t, "127.0.0.1:9888", cfg.API.Listen)
	assert.Equal(t, 15*time.Second, cfg.FlushInterval())
	assert.Equal(t, 1000, cfg.Pipeline.FlushThreshold)
}

func TestParse_DefaultsApplied(t *testing.T) {
	cfg, err := Parse([]byte(``), "empty.hcl")
	require.NoError(t, err)

	assert.Empty(t, cfg.Backends)
	assert.Equal(t, "proxwatch.db", cfg.Storage.Path)
	assert.Equal(t, ":9888", cfg.API.Listen)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Zero(t, cfg.FlushInterval(), "unset interval falls back to the pipeline default")
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		hcl  string
	}{
		{"bad syntax", `backend "x" {`},
		{"missing url", `backend "x" {
  id  = 1
  url = ""
}`},
		{"duplicate id", `
backend "a" {
  id  = 1
  url = "http://a"
}
backend "b" {
  id  = 1
  url = "http://b"
}`},
		{"duplicate name", `
backend "a" {
  id  = 1
  url = "http://a"
}
backend "a" {
  id  = 2
  url = "http://b"
}`},
		{"negative retention", `storage { retention_minutes = -1 }`},
		{"geoip both modes", `geoip {
  mmdb_path = "/x.mmdb"
  url       = "https://ipapi.co"
}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.hcl), "test.hcl")
			assert.Error(t, err)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PROXWATCH_LISTEN", "0.0.0.0:9999")
	t.Setenv("PROXWATCH_RETENTION_MINUTES", "60")
	t.Setenv("PROXWATCH_FLUSH_INTERVAL_SECONDS", "10")
	t.Setenv("PROXWATCH_FLUSH_THRESHOLD", "1000")
	t.Setenv("PROXWATCH_STALE_TOLERANCE_MS", "30000")

	cfg, err := Parse([]byte(`api { listen = ":9888" }`), "test.hcl")
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9999", cfg.API.Listen)
	assert.Equal(t, 60, cfg.Storage.RetentionMinutes)
	assert.Equal(t, 10*time.Second, cfg.FlushInterval())
	assert.Equal(t, 1000, cfg.Pipeline.FlushThreshold)
	assert.Equal(t, 30*time.Second, cfg.StaleTolerance())
}

func TestStaleTolerance(t *testing.T) {
	cfg, err := Parse([]byte(`pipeline {
  stale_tolerance_ms = 1500
}`), "test.hcl")
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, cfg.StaleTolerance())

	assert.Zero(t, Default().StaleTolerance())
}

func TestExample_Parses(t *testing.T) {
	cfg, err := Parse([]byte(Example()), "example.hcl")
	require.NoError(t, err)
	require.Len(t, cfg.Backends, 1)
	assert.Equal(t, 180, cfg.Storage.RetentionMinutes)
}
