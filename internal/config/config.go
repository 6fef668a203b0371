package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultTelemetryURL    = "nats://127.0.0.1:4222"
	defaultTelemetryBucket = "telemetry"
	defaultDebounceMS      = 500
	defaultPollIntervalSec = 10
	defaultHTTPTimeoutSec  = 10
	defaultMetricsListen   = ":9109"

	// ServiceModeNATS backs the telemetry store with JetStream KV.
	ServiceModeNATS = "nats"
	// ServiceModeSingle keeps the telemetry store in process memory.
	ServiceModeSingle = "single"
)

// Config is one validated configuration snapshot.
// Params: decoded TOML sections with defaults applied.
// Returns: immutable runtime settings.
type Config struct {
	Service   ServiceConfig         `toml:"service"`
	Log       LogConfig             `toml:"log"`
	Telemetry TelemetryConfig       `toml:"telemetry"`
	Alerts    AlertServiceConfig    `toml:"alerts"`
	Vehicles  VehicleRegistryConfig `toml:"vehicles"`
	Watch     WatchConfig           `toml:"watch"`
	Metrics   MetricsConfig         `toml:"metrics"`
}

// ServiceConfig holds process-level identity settings.
type ServiceConfig struct {
	Mode   string `toml:"mode"`
	Tenant string `toml:"tenant"`
}

// LogConfig holds console and file sink settings.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig describes one log sink.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// TelemetryConfig holds realtime telemetry store settings.
type TelemetryConfig struct {
	URL               []string `toml:"url"`
	Bucket            string   `toml:"bucket"`
	AllowCreateBucket bool     `toml:"allow_create_bucket"`
}

// AlertServiceConfig holds HTTP alert history service settings.
type AlertServiceConfig struct {
	BaseURL    string `toml:"base_url"`
	Token      string `toml:"token"`
	TimeoutSec int    `toml:"timeout_sec"`
}

// VehicleRegistryConfig holds vehicle registry lookup settings.
type VehicleRegistryConfig struct {
	BaseURL    string `toml:"base_url"`
	Token      string `toml:"token"`
	TimeoutSec int    `toml:"timeout_sec"`
}

// WatchConfig holds change-feed debounce and poll fallback timings.
type WatchConfig struct {
	DebounceMS      int `toml:"debounce_ms"`
	PollIntervalSec int `toml:"poll_interval_sec"`
}

// MetricsConfig holds the optional Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

// ConfigSource points to one TOML file or a fragment directory.
// Params: exactly one of File or Dir is set.
// Returns: source descriptor for LoadSnapshot.
type ConfigSource struct {
	File string
	Dir  string
}

// FromCLI validates CLI source flags into a config source.
// Params: --config-file and --config-dir flag values.
// Returns: config source or flag usage error.
func FromCLI(filePath, dirPath string) (ConfigSource, error) {
	filePath = strings.TrimSpace(filePath)
	dirPath = strings.TrimSpace(dirPath)

	if filePath == "" && dirPath == "" {
		return ConfigSource{}, errors.New("either --config-file or --config-dir must be provided")
	}
	if filePath != "" && dirPath != "" {
		return ConfigSource{}, errors.New("config source must be either file or dir")
	}

	if filePath != "" {
		return ConfigSource{File: filePath}, nil
	}
	return ConfigSource{Dir: dirPath}, nil
}

// LoadSnapshot reads, defaults, and validates one config snapshot.
// Params: config source descriptor.
// Returns: validated config or load/validation error.
func LoadSnapshot(src ConfigSource) (Config, error) {
	var cfg Config
	var err error
	if src.File != "" {
		cfg, err = loadFile(src.File)
	} else {
		cfg, err = loadDir(src.Dir)
	}
	if err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadFile decodes one TOML file into a config.
// Params: file path.
// Returns: decoded config or read/decode error.
func loadFile(path string) (Config, error) {
	var cfg Config
	payload, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %q: %w", path, err)
	}
	if err := toml.Unmarshal(payload, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config %q: %w", path, err)
	}
	return cfg, nil
}

// loadDir decodes sorted *.toml fragments into one merged config.
// Later fragments override scalar values set by earlier ones.
// Params: directory path.
// Returns: merged config or read/decode error.
func loadDir(dir string) (Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Config{}, fmt.Errorf("read config dir %q: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".toml") {
			continue
		}
		names = append(names, entry.Name())
	}
	if len(names) == 0 {
		return Config{}, fmt.Errorf("config dir %q has no toml fragments", dir)
	}
	sort.Strings(names)

	var cfg Config
	for _, name := range names {
		path := filepath.Join(dir, name)
		payload, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read fragment %q: %w", path, err)
		}
		if err := toml.Unmarshal(payload, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode fragment %q: %w", path, err)
		}
	}
	return cfg, nil
}

// applyDefaults fills unset values before validation.
// Params: mutable decoded config.
// Returns: config updated in place.
func applyDefaults(cfg *Config) {
	if cfg.Service.Mode == "" {
		cfg.Service.Mode = ServiceModeNATS
	}
	if len(cfg.Telemetry.URL) == 0 {
		cfg.Telemetry.URL = []string{defaultTelemetryURL}
	}
	if cfg.Telemetry.Bucket == "" {
		cfg.Telemetry.Bucket = defaultTelemetryBucket
	}
	if cfg.Watch.DebounceMS == 0 {
		cfg.Watch.DebounceMS = defaultDebounceMS
	}
	if cfg.Watch.PollIntervalSec == 0 {
		cfg.Watch.PollIntervalSec = defaultPollIntervalSec
	}
	if cfg.Alerts.TimeoutSec == 0 {
		cfg.Alerts.TimeoutSec = defaultHTTPTimeoutSec
	}
	if cfg.Vehicles.TimeoutSec == 0 {
		cfg.Vehicles.TimeoutSec = defaultHTTPTimeoutSec
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = defaultMetricsListen
	}
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}
	applySinkDefaults(&cfg.Log.Console)
	applySinkDefaults(&cfg.Log.File)
}

// applySinkDefaults fills level/format of one enabled sink.
// Params: mutable sink config.
// Returns: sink updated in place.
func applySinkDefaults(sink *LogSinkConfig) {
	if !sink.Enabled {
		return
	}
	if sink.Level == "" {
		sink.Level = "info"
	}
	if sink.Format == "" {
		sink.Format = "line"
	}
}

// validateConfig checks snapshot invariants after defaults.
// Params: defaulted config.
// Returns: first validation error naming the offending key.
func validateConfig(cfg Config) error {
	mode := NormalizeServiceMode(cfg.Service.Mode)
	if mode != ServiceModeNATS && mode != ServiceModeSingle {
		return fmt.Errorf("service.mode %q is not supported", cfg.Service.Mode)
	}
	if strings.TrimSpace(cfg.Service.Tenant) == "" {
		return errors.New("service.tenant must be set")
	}
	if strings.ContainsAny(cfg.Service.Tenant, "./ ") {
		return fmt.Errorf("service.tenant %q must not contain path separators", cfg.Service.Tenant)
	}
	if strings.TrimSpace(cfg.Alerts.BaseURL) == "" {
		return errors.New("alerts.base_url must be set")
	}
	if strings.TrimSpace(cfg.Vehicles.BaseURL) == "" {
		return errors.New("vehicles.base_url must be set")
	}
	if cfg.Watch.DebounceMS < 0 {
		return errors.New("watch.debounce_ms must not be negative")
	}
	if cfg.Watch.PollIntervalSec <= 0 {
		return errors.New("watch.poll_interval_sec must be positive")
	}
	if mode == ServiceModeNATS && strings.TrimSpace(cfg.Telemetry.Bucket) == "" {
		return errors.New("telemetry.bucket must be set")
	}
	if err := validateSink("log.console", cfg.Log.Console, false); err != nil {
		return err
	}
	if err := validateSink("log.file", cfg.Log.File, true); err != nil {
		return err
	}
	if cfg.Metrics.Enabled && strings.TrimSpace(cfg.Metrics.Listen) == "" {
		return errors.New("metrics.listen must be set when metrics.enabled")
	}
	return nil
}

// validateSink checks one enabled sink's level/format/path.
// Params: key prefix for errors, sink config, and path requirement.
// Returns: validation error.
func validateSink(key string, sink LogSinkConfig, needPath bool) error {
	if !sink.Enabled {
		return nil
	}
	switch strings.ToLower(sink.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%s.level %q is not supported", key, sink.Level)
	}
	switch sink.Format {
	case "line", "json":
	default:
		return fmt.Errorf("%s.format %q is not supported", key, sink.Format)
	}
	if needPath && strings.TrimSpace(sink.Path) == "" {
		return fmt.Errorf("%s.path must be set", key)
	}
	return nil
}

// NormalizeServiceMode canonicalizes the service mode value.
// Params: raw mode string.
// Returns: trimmed lower-case mode.
func NormalizeServiceMode(mode string) string {
	return strings.ToLower(strings.TrimSpace(mode))
}
