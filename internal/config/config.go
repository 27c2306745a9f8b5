// Package config loads runtrack settings.
//
// Settings are layered, later layers winning:
//
//  1. built-in defaults
//  2. the user file, $XDG_CONFIG_HOME/runtrack/config.toml
//  3. the tracking directory file, <tracking dir>/config.toml
//  4. RUNTRACK_* environment variables (RUNTRACK_SYNC_BATCH_SIZE for sync.batch_size)
//  5. command-line flags bound with Load
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// FileName is the name of config files.
const FileName = "config.toml"

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "RUNTRACK"

// Config holds all settings.
type Config struct {
	// Project is the workspace/project offline runs are registered with.
	Project string `mapstructure:"project"`

	// APIToken authenticates against the HTTP backend.
	APIToken string `mapstructure:"api_token"`

	// Backend is an http(s) URL or "sqlite:<path>" for the local backend.
	Backend string `mapstructure:"backend"`

	// RequestTimeout bounds each HTTP request.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	Sync      SyncConfig      `mapstructure:"sync"`
	Daemon    DaemonConfig    `mapstructure:"daemon"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Log       LogConfig       `mapstructure:"log"`
}

// SyncConfig configures synchronization passes.
type SyncConfig struct {
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	Workers      int           `mapstructure:"workers"`
}

// DaemonConfig configures rt daemon.
type DaemonConfig struct {
	DebounceInterval time.Duration `mapstructure:"debounce_interval"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
}

// DashboardConfig configures the progress dashboard.
type DashboardConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig configures file logging. Logs go to stderr when File is empty.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

var defaults = map[string]interface{}{
	"backend":                  "https://app.runtrack.io",
	"request_timeout":          30 * time.Second,
	"sync.batch_size":          1000,
	"sync.batch_timeout":       60 * time.Second,
	"sync.workers":             1,
	"daemon.debounce_interval": 200 * time.Millisecond,
	"daemon.poll_interval":     30 * time.Second,
	"dashboard.addr":           "127.0.0.1:8080",
	"log.max_size_mb":          50,
	"log.max_backups":          3,
	"log.max_age_days":         28,
}

// Keys lists every setting.
func Keys() []string {
	keys := []string{"project", "api_token", "log.file"}
	for k := range defaults {
		keys = append(keys, k)
	}
	return keys
}

// Load reads settings for trackingDir, which may be empty or missing.
// flags maps setting keys to command-line flags; a flag only overrides the
// other layers when it was set explicitly.
func Load(trackingDir string, flags map[string]*pflag.Flag) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	// AutomaticEnv only applies to keys viper knows about.
	v.SetDefault("project", "")
	v.SetDefault("api_token", "")
	v.SetDefault("log.file", "")

	var files []string
	if dir, err := os.UserConfigDir(); err == nil {
		files = append(files, filepath.Join(dir, "runtrack", FileName))
	}
	if trackingDir != "" {
		files = append(files, filepath.Join(trackingDir, FileName))
	}
	for _, path := range files {
		if err := mergeFile(v, path); err != nil {
			return nil, err
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, f := range flags {
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, fmt.Errorf("failed to bind flag --%s: %w", f.Name, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// mergeFile merges a TOML file into v. A missing file is not an error.
func mergeFile(v *viper.Viper, path string) error {
	settings := make(map[string]interface{})
	if _, err := toml.DecodeFile(path, &settings); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := v.MergeConfigMap(settings); err != nil {
		return fmt.Errorf("failed to merge %s: %w", path, err)
	}
	return nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive, got %d", c.Sync.BatchSize)
	}
	if c.Sync.BatchTimeout <= 0 {
		return fmt.Errorf("sync.batch_timeout must be positive, got %s", c.Sync.BatchTimeout)
	}
	if c.Sync.Workers <= 0 {
		return fmt.Errorf("sync.workers must be positive, got %d", c.Sync.Workers)
	}
	if c.Backend == "" {
		return fmt.Errorf("backend must not be empty")
	}
	return nil
}

// LocalBackendPath returns the database path when Backend names the local
// SQLite backend.
func (c *Config) LocalBackendPath() (string, bool) {
	path, ok := strings.CutPrefix(c.Backend, "sqlite:")
	return path, ok && path != ""
}
