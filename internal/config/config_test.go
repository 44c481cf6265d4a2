package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadFromBytes_Defaults(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(""))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Rules.Path != "/etc/procsentry/rules.json" {
		t.Fatalf("rules.path default: got %q", cfg.Rules.Path)
	}
	if !cfg.Rules.WatchEnabled() {
		t.Fatal("rules.watch should default to true")
	}
	if got := cfg.Rules.DebounceDuration(); got != 200*time.Millisecond {
		t.Fatalf("rules.debounce default: got %v", got)
	}
	if got := cfg.Monitor.IntervalDuration(); got != time.Second {
		t.Fatalf("monitor.interval default: got %v", got)
	}
	if cfg.Monitor.Workers != 8 {
		t.Fatalf("monitor.workers default: got %d", cfg.Monitor.Workers)
	}
	if got := cfg.Monitor.AttributeTimeoutDuration(); got != 250*time.Millisecond {
		t.Fatalf("monitor.attribute_timeout default: got %v", got)
	}
	if got := cfg.Monitor.Backoff.MaxDuration(); got != 30*time.Second {
		t.Fatalf("monitor.backoff.max default: got %v", got)
	}
	if cfg.Alerts.Log.Rotation.MaxSizeMB != 100 || cfg.Alerts.Log.Rotation.MaxBackups != 3 {
		t.Fatalf("rotation defaults: got %+v", cfg.Alerts.Log.Rotation)
	}
	if cfg.HTTP.Enabled || cfg.HTTP.Addr != "127.0.0.1:9464" {
		t.Fatalf("http defaults: got %+v", cfg.HTTP)
	}
	if cfg.Metrics.Path != "/metrics" || cfg.Health.Path != "/health" {
		t.Fatalf("path defaults: metrics=%q health=%q", cfg.Metrics.Path, cfg.Health.Path)
	}
}

func TestLoad_ParsesFields(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "procsentry.yml")
	if err := os.WriteFile(cfgPath, []byte(`
rules:
  path: "`+filepath.Join(dir, "rules.json")+`"
  watch: false
monitor:
  interval: 5s
  workers: 2
  dry_run: true
  backoff:
    initial: 2s
    max: 1m
logging:
  level: debug
  format: json
alerts:
  webhook:
    url: https://hooks.example.com/alerts
    batch_size: 10
    headers:
      Authorization: Bearer x
http:
  enabled: true
  addr: 127.0.0.1:9999
`), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Rules.WatchEnabled() {
		t.Fatal("rules.watch: expected false")
	}
	if cfg.Monitor.IntervalDuration() != 5*time.Second || cfg.Monitor.Workers != 2 || !cfg.Monitor.DryRun {
		t.Fatalf("monitor: got %+v", cfg.Monitor)
	}
	if cfg.Monitor.Backoff.InitialDuration() != 2*time.Second || cfg.Monitor.Backoff.MaxDuration() != time.Minute {
		t.Fatalf("backoff: got %+v", cfg.Monitor.Backoff)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Fatalf("logging: got %+v", cfg.Logging)
	}
	if cfg.Alerts.Webhook.BatchSize != 10 || cfg.Alerts.Webhook.Headers["Authorization"] != "Bearer x" {
		t.Fatalf("webhook: got %+v", cfg.Alerts.Webhook)
	}
	if cfg.Alerts.Webhook.TimeoutDuration() != 5*time.Second {
		t.Fatalf("webhook timeout default: got %v", cfg.Alerts.Webhook.TimeoutDuration())
	}
	if !cfg.HTTP.Enabled || cfg.HTTP.Addr != "127.0.0.1:9999" {
		t.Fatalf("http: got %+v", cfg.HTTP)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "procsentry.yml")
	if err := os.WriteFile(cfgPath, []byte(`
rules:
  path: /etc/procsentry/rules.json
alerts:
  sqlite_path: "`+filepath.Join(dir, "alerts.db")+`"
`), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("PROCSENTRY_RULES", "/opt/rules.yaml")
	t.Setenv("PROCSENTRY_HTTP_ADDR", "0.0.0.0:19464")
	t.Setenv("PROCSENTRY_LOG_LEVEL", "warn")
	t.Setenv("PROCSENTRY_INTERVAL", "3s")
	dataDir := filepath.Join(dir, "data-root")
	t.Setenv("PROCSENTRY_DATA_DIR", dataDir)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Rules.Path != "/opt/rules.yaml" {
		t.Fatalf("rules override: got %q", cfg.Rules.Path)
	}
	if cfg.HTTP.Addr != "0.0.0.0:19464" || !cfg.HTTP.Enabled {
		t.Fatalf("http addr override: got %+v", cfg.HTTP)
	}
	if cfg.Logging.Level != "warn" {
		t.Fatalf("log level override: got %q", cfg.Logging.Level)
	}
	if cfg.Monitor.IntervalDuration() != 3*time.Second {
		t.Fatalf("interval override: got %v", cfg.Monitor.IntervalDuration())
	}
	if cfg.Alerts.SQLitePath != filepath.Join(dataDir, "alerts.db") {
		t.Fatalf("data dir override sqlite_path: got %q", cfg.Alerts.SQLitePath)
	}
	if cfg.Alerts.Log.Path != filepath.Join(dataDir, "alerts.jsonl") {
		t.Fatalf("data dir override log path: got %q", cfg.Alerts.Log.Path)
	}
}

func TestLoadFromBytes_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad interval", "monitor:\n  interval: soon\n", "monitor.interval"},
		{"zero interval", "monitor:\n  interval: 0s\n", "monitor.interval"},
		{"negative workers", "monitor:\n  workers: -1\n", "monitor.workers"},
		{"backoff inverted", "monitor:\n  backoff:\n    initial: 1m\n    max: 1s\n", "monitor.backoff.max"},
		{"log level", "logging:\n  level: loud\n", "logging.level"},
		{"log format", "logging:\n  format: xml\n", "logging.format"},
		{"metrics path", "metrics:\n  path: metrics\n", "metrics.path"},
		{"syntax", "monitor: [", "parse config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Fatal("expected error for missing config")
	}
}
