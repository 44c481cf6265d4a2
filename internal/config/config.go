package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Rules   RulesConfig   `yaml:"rules"`
	Monitor MonitorConfig `yaml:"monitor"`
	Logging LoggingConfig `yaml:"logging"`
	Alerts  AlertsConfig  `yaml:"alerts"`
	HTTP    HTTPConfig    `yaml:"http"`
	Metrics MetricsConfig `yaml:"metrics"`
	Health  HealthConfig  `yaml:"health"`
}

// RulesConfig locates the detection rule document.
type RulesConfig struct {
	Path string `yaml:"path"`

	// Watch reloads the document when the file changes.
	Watch    *bool  `yaml:"watch"`
	Debounce string `yaml:"debounce"`
}

type MonitorConfig struct {
	Interval           string        `yaml:"interval"`
	Workers            int           `yaml:"workers"`
	AttributeTimeout   string        `yaml:"attribute_timeout"`
	EnforcementTimeout string        `yaml:"enforcement_timeout"`
	Backoff            BackoffConfig `yaml:"backoff"`

	// DryRun logs terminations instead of performing them.
	DryRun bool `yaml:"dry_run"`
}

type BackoffConfig struct {
	Initial string `yaml:"initial"`
	Max     string `yaml:"max"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// Output is stderr, stdout or a file path.
	Output string `yaml:"output"`
}

type AlertsConfig struct {
	Log        AlertLogConfig `yaml:"log"`
	SQLitePath string         `yaml:"sqlite_path"`
	Webhook    WebhookConfig  `yaml:"webhook"`
}

type AlertLogConfig struct {
	Path     string         `yaml:"path"`
	Rotation RotationConfig `yaml:"rotation"`
}

type RotationConfig struct {
	MaxSizeMB  int `yaml:"max_size_mb"`
	MaxBackups int `yaml:"max_backups"`
}

type WebhookConfig struct {
	URL           string            `yaml:"url"`
	BatchSize     int               `yaml:"batch_size"`
	FlushInterval string            `yaml:"flush_interval"`
	Timeout       string            `yaml:"timeout"`
	Headers       map[string]string `yaml:"headers"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type MetricsConfig struct {
	Path string `yaml:"path"`
}

type HealthConfig struct {
	Path string `yaml:"path"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromBytes loads configuration from bytes without applying environment
// overrides. This is intended for testing where env vars should not interfere.
func LoadFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no config file is given.
// Environment overrides are applied.
func Default() (*Config, error) {
	var cfg Config
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Rules.Path == "" {
		cfg.Rules.Path = "/etc/procsentry/rules.json"
	}
	if cfg.Rules.Watch == nil {
		watch := true
		cfg.Rules.Watch = &watch
	}
	if cfg.Rules.Debounce == "" {
		cfg.Rules.Debounce = "200ms"
	}

	if cfg.Monitor.Interval == "" {
		cfg.Monitor.Interval = "1s"
	}
	if cfg.Monitor.Workers == 0 {
		cfg.Monitor.Workers = 8
	}
	if cfg.Monitor.AttributeTimeout == "" {
		cfg.Monitor.AttributeTimeout = "250ms"
	}
	if cfg.Monitor.EnforcementTimeout == "" {
		cfg.Monitor.EnforcementTimeout = "2s"
	}
	if cfg.Monitor.Backoff.Initial == "" {
		cfg.Monitor.Backoff.Initial = "1s"
	}
	if cfg.Monitor.Backoff.Max == "" {
		cfg.Monitor.Backoff.Max = "30s"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stderr"
	}

	if cfg.Alerts.Log.Path == "" {
		cfg.Alerts.Log.Path = "/var/lib/procsentry/alerts.jsonl"
	}
	if cfg.Alerts.Log.Rotation.MaxSizeMB == 0 {
		cfg.Alerts.Log.Rotation.MaxSizeMB = 100
	}
	if cfg.Alerts.Log.Rotation.MaxBackups == 0 {
		cfg.Alerts.Log.Rotation.MaxBackups = 3
	}
	if cfg.Alerts.SQLitePath == "" {
		cfg.Alerts.SQLitePath = "/var/lib/procsentry/alerts.db"
	}
	if cfg.Alerts.Webhook.BatchSize == 0 {
		cfg.Alerts.Webhook.BatchSize = 50
	}
	if cfg.Alerts.Webhook.FlushInterval == "" {
		cfg.Alerts.Webhook.FlushInterval = "10s"
	}
	if cfg.Alerts.Webhook.Timeout == "" {
		cfg.Alerts.Webhook.Timeout = "5s"
	}

	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = "127.0.0.1:9464"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Health.Path == "" {
		cfg.Health.Path = "/health"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PROCSENTRY_RULES"); v != "" {
		cfg.Rules.Path = v
	}
	if v := os.Getenv("PROCSENTRY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PROCSENTRY_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
		cfg.HTTP.Enabled = true
	}
	if v := os.Getenv("PROCSENTRY_INTERVAL"); v != "" {
		cfg.Monitor.Interval = v
	}
	if v := os.Getenv("PROCSENTRY_DATA_DIR"); v != "" {
		cfg.Alerts.Log.Path = filepath.Join(v, "alerts.jsonl")
		cfg.Alerts.SQLitePath = filepath.Join(v, "alerts.db")
	}
}

func validateConfig(cfg *Config) error {
	durations := []struct {
		name     string
		value    string
		positive bool
	}{
		{"rules.debounce", cfg.Rules.Debounce, false},
		{"monitor.interval", cfg.Monitor.Interval, true},
		{"monitor.attribute_timeout", cfg.Monitor.AttributeTimeout, true},
		{"monitor.enforcement_timeout", cfg.Monitor.EnforcementTimeout, true},
		{"monitor.backoff.initial", cfg.Monitor.Backoff.Initial, true},
		{"monitor.backoff.max", cfg.Monitor.Backoff.Max, true},
		{"alerts.webhook.flush_interval", cfg.Alerts.Webhook.FlushInterval, true},
		{"alerts.webhook.timeout", cfg.Alerts.Webhook.Timeout, true},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.value, err)
		}
		if v < 0 || (d.positive && v == 0) {
			return fmt.Errorf("%s must be positive, got %q", d.name, d.value)
		}
	}
	if cfg.Monitor.Backoff.MaxDuration() < cfg.Monitor.Backoff.InitialDuration() {
		return fmt.Errorf("monitor.backoff.max must be >= monitor.backoff.initial")
	}

	if cfg.Monitor.Workers < 0 {
		return fmt.Errorf("monitor.workers must be >= 0")
	}
	if cfg.Alerts.Log.Rotation.MaxSizeMB < 0 || cfg.Alerts.Log.Rotation.MaxBackups < 0 {
		return fmt.Errorf("alerts.log.rotation values must be >= 0")
	}
	if cfg.Alerts.Webhook.BatchSize < 0 {
		return fmt.Errorf("alerts.webhook.batch_size must be >= 0")
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	for _, p := range []struct{ name, value string }{
		{"metrics.path", cfg.Metrics.Path},
		{"health.path", cfg.Health.Path},
	} {
		if !strings.HasPrefix(p.value, "/") {
			return fmt.Errorf("%s must start with /, got %q", p.name, p.value)
		}
	}
	return nil
}

// mustDuration parses a value validateConfig has already accepted.
func mustDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

func (r RulesConfig) WatchEnabled() bool { return r.Watch == nil || *r.Watch }
func (r RulesConfig) DebounceDuration() time.Duration { return mustDuration(r.Debounce) }

func (m MonitorConfig) IntervalDuration() time.Duration { return mustDuration(m.Interval) }
func (m MonitorConfig) AttributeTimeoutDuration() time.Duration {
	return mustDuration(m.AttributeTimeout)
}
func (m MonitorConfig) EnforcementTimeoutDuration() time.Duration {
	return mustDuration(m.EnforcementTimeout)
}

func (b BackoffConfig) InitialDuration() time.Duration { return mustDuration(b.Initial) }
func (b BackoffConfig) MaxDuration() time.Duration { return mustDuration(b.Max) }

func (w WebhookConfig) FlushIntervalDuration() time.Duration { return mustDuration(w.FlushInterval) }
func (w WebhookConfig) TimeoutDuration() time.Duration { return mustDuration(w.Timeout) }
