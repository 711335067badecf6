// Package config loads docsync settings from a config file, DOCSYNC_*
// environment variables and built-in defaults, in that order of precedence
// after explicit flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. DOCSYNC_RELAY_ADDR.
const EnvPrefix = "DOCSYNC"

// FileName is the config file base name searched for when no path is given.
const FileName = "docsync"

// Config is the complete docsync configuration.
type Config struct {
	FS      FSConfig      `mapstructure:"fs" yaml:"fs"`
	Store   StoreConfig   `mapstructure:"store" yaml:"store"`
	Remote  RemoteConfig  `mapstructure:"remote" yaml:"remote"`
	Offline OfflineConfig `mapstructure:"offline" yaml:"offline"`
	Relay   RelayConfig   `mapstructure:"relay" yaml:"relay"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// FSConfig selects the workspace backend.
type FSConfig struct {
	// Kind is "disk" or "virtual".
	Kind string `mapstructure:"kind" yaml:"kind"`
	// DB is the sqlite file of the virtual backend.
	DB string `mapstructure:"db" yaml:"db"`
}

// StoreConfig configures the local durable store.
type StoreConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// RemoteConfig configures the link to the relay.
type RemoteConfig struct {
	// URL of the relay. Empty keeps documents local only.
	URL            string        `mapstructure:"url" yaml:"url"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay" yaml:"reconnect_delay"`
}

// OfflineConfig tunes the offline persistence managers.
type OfflineConfig struct {
	SyncInterval   time.Duration `mapstructure:"sync_interval" yaml:"sync_interval"`
	HealthInterval time.Duration `mapstructure:"health_interval" yaml:"health_interval"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
	InitTimeout    time.Duration `mapstructure:"init_timeout" yaml:"init_timeout"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	// NetworkProbeInterval is how often relay reachability is checked.
	NetworkProbeInterval time.Duration `mapstructure:"network_probe_interval" yaml:"network_probe_interval"`
}

// RelayConfig configures `docsync relay`.
type RelayConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
	// DB keeps room logs across restarts. Empty keeps them in memory.
	DB           string        `mapstructure:"db" yaml:"db"`
	HelloTimeout time.Duration `mapstructure:"hello_timeout" yaml:"hello_timeout"`
}

// LogConfig configures the shared log writer.
type LogConfig struct {
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
	Debug      bool   `mapstructure:"debug" yaml:"debug"`
}

// MetricsConfig configures the Prometheus endpoint of `docsync watch`.
type MetricsConfig struct {
	// Addr to serve /metrics on. Empty disables it.
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// defaults are the built-in settings, keyed the way viper addresses them.
var defaults = map[string]any{
	"fs.kind": "disk",
	"fs.db":   filepath.Join(".docsync", "workspace.db"),

	"store.path": filepath.Join(".docsync", "local.db"),

	"remote.url":             "",
	"remote.dial_timeout":    10 * time.Second,
	"remote.reconnect_delay": time.Second,

	"offline.sync_interval":          30 * time.Second,
	"offline.health_interval":        15 * time.Second,
	"offline.probe_timeout":          5 * time.Second,
	"offline.init_timeout":           5 * time.Second,
	"offline.connect_timeout":        10 * time.Second,
	"offline.network_probe_interval": 10 * time.Second,

	"relay.addr":          ":8787",
	"relay.db":            "",
	"relay.hello_timeout": 10 * time.Second,

	"log.file":         "",
	"log.max_size_mb":  50,
	"log.max_backups":  3,
	"log.max_age_days": 28,
	"log.compress":     true,
	"log.debug":        false,

	"metrics.addr": "",
}

// Load reads configuration. With an empty path, ./docsync.yaml and
// $HOME/.config/docsync/docsync.yaml are tried and a missing file is not an
// error. It returns the config and the file it was read from ("" if none).
func Load(path string) (*Config, string, error) {
	v := New()

	if path != "" {
		v.SetConfigFile(os.ExpandEnv(path))
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "docsync"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, "", fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg, err := Decode(v)
	if err != nil {
		return nil, "", err
	}
	return cfg, v.ConfigFileUsed(), nil
}

// New returns a viper instance carrying the defaults and environment binding.
// Callers may bind command flags to it before Decode.
func New() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Decode unmarshals and validates the settings held by v.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := Decode(New())
	if err != nil {
		// The defaults are static; failing here is a programming error.
		panic(err)
	}
	return cfg
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	switch c.FS.Kind {
	case "disk", "virtual":
	default:
		return fmt.Errorf("invalid fs.kind: %s (must be disk or virtual)", c.FS.Kind)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Remote.URL != "" && !strings.Contains(c.Remote.URL, "://") {
		return fmt.Errorf("remote.url must include a scheme: %s", c.Remote.URL)
	}

	durations := map[string]time.Duration{
		"remote.dial_timeout":            c.Remote.DialTimeout,
		"remote.reconnect_delay":         c.Remote.ReconnectDelay,
		"offline.sync_interval":          c.Offline.SyncInterval,
		"offline.health_interval":        c.Offline.HealthInterval,
		"offline.probe_timeout":          c.Offline.ProbeTimeout,
		"offline.init_timeout":           c.Offline.InitTimeout,
		"offline.connect_timeout":        c.Offline.ConnectTimeout,
		"offline.network_probe_interval": c.Offline.NetworkProbeInterval,
		"relay.hello_timeout":            c.Relay.HelloTimeout,
	}
	for key, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %v", key, d)
		}
	}
	return nil
}

// MarshalYAML writes durations in their readable form ("30s").
func (r RemoteConfig) MarshalYAML() (any, error) {
	return map[string]string{
		"url":             r.URL,
		"dial_timeout":    r.DialTimeout.String(),
		"reconnect_delay": r.ReconnectDelay.String(),
	}, nil
}

// MarshalYAML writes durations in their readable form ("30s").
func (o OfflineConfig) MarshalYAML() (any, error) {
	return map[string]string{
		"sync_interval":          o.SyncInterval.String(),
		"health_interval":        o.HealthInterval.String(),
		"probe_timeout":          o.ProbeTimeout.String(),
		"init_timeout":           o.InitTimeout.String(),
		"connect_timeout":        o.ConnectTimeout.String(),
		"network_probe_interval": o.NetworkProbeInterval.String(),
	}, nil
}

// MarshalYAML writes durations in their readable form ("30s").
func (r RelayConfig) MarshalYAML() (any, error) {
	return map[string]string{
		"addr":          r.Addr,
		"db":            r.DB,
		"hello_timeout": r.HelloTimeout.String(),
	}, nil
}

// YAML renders the configuration as a config file.
func (c *Config) YAML() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return data, nil
}

// WriteFile writes c to path. An existing file is only replaced with force.
func (c *Config) WriteFile(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists: %s", path)
		}
	}
	data, err := c.YAML()
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
