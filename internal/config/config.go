// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config loads and validates the HCL configuration file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"grimm.is/proxwatch/internal/brand"
	"grimm.is/proxwatch/internal/errors"
)

// Config is the full daemon configuration.
type Config struct {
	Backends []BackendConfig `hcl:"backend,block"`
	Storage  *StorageConfig  `hcl:"storage,block"`
	GeoIP    *GeoIPConfig    `hcl:"geoip,block"`
	API      *APIConfig      `hcl:"api,block"`
	Logging  *LoggingConfig  `hcl:"logging,block"`
	Pipeline *PipelineConfig `hcl:"pipeline,block"`
}

// BackendConfig describes one proxy backend to collect from.
type BackendConfig struct {
	Name  string `hcl:"name,label"`
	ID    int    `hcl:"id"`
	URL   string `hcl:"url"`
	Token string `hcl:"token,optional"`
}

// StorageConfig configures the SQLite database.
type StorageConfig struct {
	Path             string `hcl:"path,optional"`
	RetentionMinutes int    `hcl:"retention_minutes,optional"`
}

// GeoIPConfig selects country resolution: a local MMDB file when path is
// set, an HTTP endpoint when url is set, neither disables the dimension.
type GeoIPConfig struct {
	MMDBPath  string `hcl:"mmdb_path,optional"`
	URL       string `hcl:"url,optional"`
	CacheSize int    `hcl:"cache_size,optional"`
}

// APIConfig configures the HTTP listener.
type APIConfig struct {
	Listen string `hcl:"listen,optional"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level   string `hcl:"level,optional"`
	JSON    bool   `hcl:"json,optional"`
	Dir     string `hcl:"dir,optional"`
	Console bool   `hcl:"console,optional"`
}

// PipelineConfig tunes the flush cycle and the read-side merge window.
type PipelineConfig struct {
	FlushIntervalSeconds int `hcl:"flush_interval_seconds,optional"`
	FlushThreshold       int `hcl:"flush_threshold,optional"`
	ReconnectSeconds     int `hcl:"reconnect_seconds,optional"`
	StaleToleranceMS     int `hcl:"stale_tolerance_ms,optional"`
}

// Default returns a runnable configuration with no backends.
func Default() *Config {
	return &Config{
		Storage:  &StorageConfig{Path: brand.DefaultDBFileName, RetentionMinutes: 0},
		GeoIP:    &GeoIPConfig{},
		API:      &APIConfig{Listen: ":9888"},
		Logging:  &LoggingConfig{Level: "info", Console: true},
		Pipeline: &PipelineConfig{},
	}
}

// Load reads an HCL config file, fills defaults, applies environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "failed to read config file")
	}
	return Parse(data, path)
}

// Parse parses HCL config bytes. The filename is only used in diagnostics.
func Parse(data []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, errors.Wrap(diags, errors.KindValidation, "failed to parse config")
	}

	cfg := &Config{}
	if diags := gohcl.DecodeBody(file.Body, nil, cfg); diags.HasErrors() {
		return nil, errors.Wrap(diags, errors.KindValidation, "failed to decode config")
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.Storage == nil {
		c.Storage = def.Storage
	}
	if c.Storage.Path == "" {
		c.Storage.Path = brand.DefaultDBFileName
	}
	if c.GeoIP == nil {
		c.GeoIP = def.GeoIP
	}
	if c.API == nil {
		c.API = def.API
	}
	if c.API.Listen == "" {
		c.API.Listen = ":9888"
	}
	if c.Logging == nil {
		c.Logging = def.Logging
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Pipeline == nil {
		c.Pipeline = def.Pipeline
	}
}

// applyEnv overlays PROXWATCH_* environment variables. Only settings that
// commonly differ between deploys of the same config file are overridable.
func (c *Config) applyEnv() {
	if v := os.Getenv("PROXWATCH_DB_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("PROXWATCH_LISTEN"); v != "" {
		c.API.Listen = v
	}
	if v := os.Getenv("PROXWATCH_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("PROXWATCH_MMDB_PATH"); v != "" {
		c.GeoIP.MMDBPath = v
	}
	if v := os.Getenv("PROXWATCH_RETENTION_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Storage.RetentionMinutes = n
		}
	}
	if v := os.Getenv("PROXWATCH_FLUSH_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Pipeline.FlushIntervalSeconds = n
		}
	}
	if v := os.Getenv("PROXWATCH_FLUSH_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Pipeline.FlushThreshold = n
		}
	}
	if v := os.Getenv("PROXWATCH_STALE_TOLERANCE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Pipeline.StaleToleranceMS = n
		}
	}
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	seenIDs := make(map[int]string)
	seenNames := make(map[string]struct{})
	for _, b := range c.Backends {
		if b.Name == "" {
			return errors.New(errors.KindValidation, "backend block requires a name label")
		}
		if b.URL == "" {
			return errors.Errorf(errors.KindValidation, "backend %q has no url", b.Name)
		}
		if _, dup := seenNames[b.Name]; dup {
			return errors.Errorf(errors.KindValidation, "duplicate backend name %q", b.Name)
		}
		seenNames[b.Name] = struct{}{}
		if other, dup := seenIDs[b.ID]; dup {
			return errors.Errorf(errors.KindValidation, "backends %q and %q share id %d", other, b.Name, b.ID)
		}
		seenIDs[b.ID] = b.Name
	}
	if c.Storage.RetentionMinutes < 0 {
		return errors.New(errors.KindValidation, "retention_minutes cannot be negative")
	}
	if c.GeoIP.MMDBPath != "" && c.GeoIP.URL != "" {
		return errors.New(errors.KindValidation, "geoip: set mmdb_path or url, not both")
	}
	return nil
}

// FlushInterval returns the configured flush interval, or zero for the
// pipeline default.
func (c *Config) FlushInterval() time.Duration {
	if c.Pipeline == nil || c.Pipeline.FlushIntervalSeconds <= 0 {
		return 0
	}
	return time.Duration(c.Pipeline.FlushIntervalSeconds) * time.Second
}

// StaleTolerance returns how far in the past a query window may end while
// unflushed realtime deltas are still folded into the response, or zero
// for the API default.
func (c *Config) StaleTolerance() time.Duration {
	if c.Pipeline == nil || c.Pipeline.StaleToleranceMS <= 0 {
		return 0
	}
	return time.Duration(c.Pipeline.StaleToleranceMS) * time.Millisecond
}

// ReconnectInterval returns the configured reconnect interval, or zero for
// the collector default.
func (c *Config) ReconnectInterval() time.Duration {
	if c.Pipeline == nil || c.Pipeline.ReconnectSeconds <= 0 {
		return 0
	}
	return time.Duration(c.Pipeline.ReconnectSeconds) * time.Second
}

// Example returns a commented sample configuration.
func Example() string {
	return fmt.Sprintf(`# %s configuration

backend "home" {
  id    = 1
  url   = "http://192.168.1.1:9090"
  token = "secret"
}

storage {
  path              = "%s"
  retention_minutes = 180
}

geoip {
  mmdb_path = "/var/lib/%s/Country.mmdb"
}

api {
  listen = ":9888"
}

logging {
  level   = "info"
  console = true
}

pipeline {
  flush_interval_seconds = 30
  flush_threshold        = 5000
  stale_tolerance_ms     = 120000
}
`, brand.Name, brand.DefaultDBFileName, brand.LowerName)
}
