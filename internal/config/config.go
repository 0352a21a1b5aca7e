// Package config handles TOML configuration for Cartograph.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults shared by the config file and the CLI flags.
const (
	DefaultStoreFile   = "cartograph.db"
	DefaultHostsFile   = "hosts.txt"
	DefaultListen      = "127.0.0.1:8080"
	DefaultServiceName = "cartograph"
)

// Config is the root configuration structure.
type Config struct {
	AWS       AWSConfig       `toml:"aws"`
	Store     StoreConfig     `toml:"store"`
	Inventory InventoryConfig `toml:"inventory"`
	Serve     ServeConfig     `toml:"serve"`
	Export    ExportConfig    `toml:"export"`
	OTEL      OTELConfig      `toml:"otel"`
	Log       LogConfig       `toml:"log"`
}

// AWSConfig holds AWS provider settings.
type AWSConfig struct {
	Profile     string   `toml:"profile"`
	Regions     []string `toml:"regions"`
	Services    []string `toml:"services"`
	AllServices bool     `toml:"all_services"`
	EKSClusters []string `toml:"eks_clusters"`
	NoEKS       bool     `toml:"no_eks"`
}

// StoreConfig locates the inventory database.
type StoreConfig struct {
	// Path is empty when the store lives next to the executable.
	Path string `toml:"path"`
}

// InventoryConfig tunes an inventory run.
type InventoryConfig struct {
	Concurrency       int     `toml:"concurrency"`
	MaxAttempts       int     `toml:"max_attempts"`
	RequestsPerSecond float64 `toml:"requests_per_second"`

	InitialBackoffStr string `toml:"initial_backoff"`
	MaxBackoffStr     string `toml:"max_backoff"`
	TaskTimeoutStr    string `toml:"task_timeout"`

	InitialBackoff time.Duration `toml:"-"`
	MaxBackoff     time.Duration `toml:"-"`
	TaskTimeout    time.Duration `toml:"-"`
}

// ServeConfig holds HTTP frontend settings.
type ServeConfig struct {
	Listen      string `toml:"listen"`
	OpenBrowser bool   `toml:"open_browser"`
}

// ExportConfig holds export-hosts settings.
type ExportConfig struct {
	Output string `toml:"output"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string        `toml:"endpoint"`
	Insecure    bool          `toml:"insecure"`
	ServiceName string        `toml:"service_name"`
	Traces      TracesConfig  `toml:"traces"`
	Metrics     MetricsConfig `toml:"metrics"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	Enabled    bool    `toml:"enabled"`
	SampleRate float64 `toml:"sample_rate"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `toml:"level"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{
		AWS: AWSConfig{Regions: []string{"us-east-1"}},
		Inventory: InventoryConfig{
			Concurrency:       8,
			MaxAttempts:       5,
			InitialBackoffStr: "500ms",
			MaxBackoffStr:     "10s",
			TaskTimeoutStr:    "5m",
		},
		Serve:  ServeConfig{Listen: DefaultListen, OpenBrowser: true},
		Export: ExportConfig{Output: DefaultHostsFile},
		OTEL: OTELConfig{
			ServiceName: DefaultServiceName,
			Traces:      TracesConfig{SampleRate: 1.0},
		},
		Log: LogConfig{Level: "info"},
	}
	// The literals above always parse.
	_ = parseDurations(cfg)
	return cfg
}

// Load reads and parses a TOML config file. Keys absent from the file keep
// their defaults. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)

	if err := parseDurations(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults restores defaults for keys set to their zero value.
func applyDefaults(cfg *Config) {
	if cfg.OTEL.ServiceName == "" {
		cfg.OTEL.ServiceName = DefaultServiceName
	}
	if cfg.Serve.Listen == "" {
		cfg.Serve.Listen = DefaultListen
	}
	if cfg.Export.Output == "" {
		cfg.Export.Output = DefaultHostsFile
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

func parseDurations(cfg *Config) error {
	inv := &cfg.Inventory
	for _, d := range []struct {
		name string
		raw  string
		out  *time.Duration
	}{
		{"initial_backoff", inv.InitialBackoffStr, &inv.InitialBackoff},
		{"max_backoff", inv.MaxBackoffStr, &inv.MaxBackoff},
		{"task_timeout", inv.TaskTimeoutStr, &inv.TaskTimeout},
	} {
		if d.raw == "" {
			*d.out = 0
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parse inventory.%s %q: %w", d.name, d.raw, err)
		}
		*d.out = v
	}
	return nil
}

// Validate checks the configuration is valid.
func (c *Config) Validate() error {
	var errs []error
	if len(c.AWS.Regions) == 0 {
		errs = append(errs, errors.New("aws: at least one region required"))
	}
	if c.Inventory.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("inventory: concurrency must not be negative (got %d)", c.Inventory.Concurrency))
	}
	if c.Inventory.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("inventory: max_attempts must not be negative (got %d)", c.Inventory.MaxAttempts))
	}
	if c.Inventory.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("inventory: requests_per_second must not be negative (got %v)", c.Inventory.RequestsPerSecond))
	}
	if c.Inventory.InitialBackoff > 0 && c.Inventory.MaxBackoff > 0 && c.Inventory.InitialBackoff > c.Inventory.MaxBackoff {
		errs = append(errs, fmt.Errorf("inventory: initial_backoff %s exceeds max_backoff %s", c.Inventory.InitialBackoff, c.Inventory.MaxBackoff))
	}
	if c.OTEL.Traces.SampleRate < 0.0 || c.OTEL.Traces.SampleRate > 1.0 {
		errs = append(errs, fmt.Errorf("otel: traces.sample_rate must be between 0.0 and 1.0 (got %v)", c.OTEL.Traces.SampleRate))
	}
	return errors.Join(errs...)
}
