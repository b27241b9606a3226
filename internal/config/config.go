// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the service configuration: defaults, then the
// YAML file, then environment overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Store backends.
const (
	StoreSQLite = "sqlite"
	StoreMongo  = "mongo"
)

// Config is the complete tokentap configuration.
type Config struct {
	// StateDir holds the CA, security state files, and the default
	// SQLite database. Default: ~/.tokentap
	StateDir string `yaml:"state_dir,omitempty"`

	Proxy     ProxyConfig     `yaml:"proxy"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Store     StoreConfig     `yaml:"store"`
	Sink      SinkConfig      `yaml:"sink"`
	Providers ProvidersConfig `yaml:"providers"`
	Log       LogConfig       `yaml:"log"`
}

// ProxyConfig configures the interception listener.
type ProxyConfig struct {
	// Port for the proxy listener. The bind interface is decided by the
	// security gate's network mode, not by configuration.
	Port int `yaml:"port"`

	// RewriteHost replaces localhost base URLs from legacy clients.
	RewriteHost string `yaml:"rewrite_host,omitempty"`

	DialTimeout     time.Duration `yaml:"dial_timeout,omitempty"`
	MaxCaptureBytes int           `yaml:"max_capture_bytes,omitempty"`
}

// DashboardConfig configures the HTTP API listener.
type DashboardConfig struct {
	Port      int     `yaml:"port"`
	RateLimit float64 `yaml:"rate_limit,omitempty"`
	Burst     int     `yaml:"burst,omitempty"`
}

// StoreConfig selects and configures the event store backend.
type StoreConfig struct {
	// Backend is "sqlite" or "mongo".
	Backend string `yaml:"backend"`

	// SQLitePath is the database file. Empty means events.db under the
	// state directory.
	SQLitePath string `yaml:"sqlite_path,omitempty"`

	MongoURI      string `yaml:"mongo_uri,omitempty"`
	MongoDatabase string `yaml:"mongo_database,omitempty"`
}

// SinkConfig tunes the async write path.
type SinkConfig struct {
	Capacity     int           `yaml:"capacity,omitempty"`
	Workers      int           `yaml:"workers,omitempty"`
	DrainTimeout time.Duration `yaml:"drain_timeout,omitempty"`
}

// ProvidersConfig points at the provider configuration documents.
type ProvidersConfig struct {
	// ConfigPath is the primary document; empty uses the bundled one.
	ConfigPath string `yaml:"config_path,omitempty"`

	// OverridePath is deep-merged on top. Empty means providers.json
	// under the state directory; the file is optional either way.
	OverridePath string `yaml:"override_path,omitempty"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Proxy: ProxyConfig{
			Port:            8080,
			RewriteHost:     "api.anthropic.com",
			DialTimeout:     15 * time.Second,
			MaxCaptureBytes: 2 << 20,
		},
		Dashboard: DashboardConfig{
			Port:      8081,
			RateLimit: 50,
			Burst:     100,
		},
		Store: StoreConfig{
			Backend:       StoreSQLite,
			MongoDatabase: "tokentap",
		},
		Sink: SinkConfig{
			Capacity:     4096,
			Workers:      2,
			DrainTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path when it exists, applies environment overrides, fills
// derived defaults, and validates. An empty path uses the default
// location; a missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		dir, err := DefaultStateDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, "config.yaml")
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Defaults and environment stand alone.
	case err != nil:
		return nil, fmt.Errorf("%w: read %s: %v", ErrInvalidConfig, path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, path, err)
		}
	}

	cfg.loadFromEnv()
	if err := cfg.applyDerived(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultStateDir returns ~/.tokentap, honouring TOKENTAP_STATE_DIR.
func DefaultStateDir() (string, error) {
	if dir := os.Getenv("TOKENTAP_STATE_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("%w: resolve home directory: %v", ErrInvalidConfig, err)
	}
	return filepath.Join(home, ".tokentap"), nil
}

func (c *Config) loadFromEnv() {
	if v := os.Getenv("TOKENTAP_STATE_DIR"); v != "" {
		c.StateDir = v
	}
	if v := os.Getenv("TOKENTAP_PROXY_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Proxy.Port = n
		}
	}
	if v := os.Getenv("TOKENTAP_DASHBOARD_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Dashboard.Port = n
		}
	}
	if v := os.Getenv("TOKENTAP_REWRITE_HOST"); v != "" {
		c.Proxy.RewriteHost = v
	}
	if v := os.Getenv("TOKENTAP_STORE"); v != "" {
		c.Store.Backend = v
	}
	if v := os.Getenv("TOKENTAP_SQLITE_PATH"); v != "" {
		c.Store.SQLitePath = v
	}
	if v := os.Getenv("TOKENTAP_MONGO_URI"); v != "" {
		c.Store.MongoURI = v
	}
	if v := os.Getenv("TOKENTAP_MONGO_DATABASE"); v != "" {
		c.Store.MongoDatabase = v
	}
	if v := os.Getenv("TOKENTAP_PROVIDERS_CONFIG"); v != "" {
		c.Providers.ConfigPath = v
	}
	if v := os.Getenv("TOKENTAP_PROVIDERS_OVERRIDE"); v != "" {
		c.Providers.OverridePath = v
	}
	if v := os.Getenv("TOKENTAP_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("TOKENTAP_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := os.Getenv("TOKENTAP_DRAIN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Sink.DrainTimeout = d
		}
	}
}

// applyDerived fills paths that depend on the state directory.
func (c *Config) applyDerived() error {
	if c.StateDir == "" {
		dir, err := DefaultStateDir()
		if err != nil {
			return err
		}
		c.StateDir = dir
	}
	if c.Store.SQLitePath == "" {
		c.Store.SQLitePath = filepath.Join(c.StateDir, "events.db")
	}
	if c.Providers.OverridePath == "" {
		c.Providers.OverridePath = filepath.Join(c.StateDir, "providers.json")
	}
	return nil
}

// Validate checks the invariants the rest of the service assumes.
func (c *Config) Validate() error {
	if c.Proxy.Port < 1 || c.Proxy.Port > 65535 {
		return fmt.Errorf("%w: proxy.port %d out of range", ErrInvalidConfig, c.Proxy.Port)
	}
	if c.Dashboard.Port < 1 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("%w: dashboard.port %d out of range", ErrInvalidConfig, c.Dashboard.Port)
	}
	if c.Proxy.Port == c.Dashboard.Port {
		return fmt.Errorf("%w: proxy and dashboard cannot share port %d", ErrInvalidConfig, c.Proxy.Port)
	}

	switch c.Store.Backend {
	case StoreSQLite:
	case StoreMongo:
		if c.Store.MongoURI == "" {
			return fmt.Errorf("%w: store.mongo_uri required for the mongo backend", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: store.backend must be %q or %q, got %q",
			ErrInvalidConfig, StoreSQLite, StoreMongo, c.Store.Backend)
	}

	if c.Sink.Capacity < 0 || c.Sink.Workers < 0 {
		return fmt.Errorf("%w: sink capacity and workers cannot be negative", ErrInvalidConfig)
	}
	return nil
}
