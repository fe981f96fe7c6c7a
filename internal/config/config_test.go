package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goodtune/kguard/internal/policy"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Monitor.DetectionInterval != "30s" {
		t.Errorf("detection interval = %q, want 30s", cfg.Monitor.DetectionInterval)
	}
	if cfg.Monitor.ConfidenceThreshold != 75 {
		t.Errorf("confidence threshold = %v, want 75", cfg.Monitor.ConfidenceThreshold)
	}
	if cfg.Storage.Type != "memory" {
		t.Errorf("storage type = %q, want memory", cfg.Storage.Type)
	}

	table, err := cfg.PolicyTable()
	if err != nil {
		t.Fatalf("PolicyTable() error = %v", err)
	}
	want := policy.DefaultTable()
	for _, g := range policy.AgeGroups {
		if table[g] != want[g] {
			t.Errorf("table[%s] = %+v, want %+v", g, table[g], want[g])
		}
	}
}

func TestLoadFileOverrides(t *testing.T) {
	path := writeConfig(t, `
monitor:
  detection_interval: 10s
  confidence_threshold: 80
age_groups:
  7to9:
    limit_minutes: 30
    bedtime: "8:15 PM"
storage:
  type: sqlite
  path: /tmp/kguard-test.db
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Monitor.DetectionInterval != "10s" || cfg.Monitor.ConfidenceThreshold != 80 {
		t.Errorf("monitor = %+v", cfg.Monitor)
	}

	table, err := cfg.PolicyTable()
	if err != nil {
		t.Fatalf("PolicyTable() error = %v", err)
	}
	got := table[policy.AgeGroup7to9]
	if got.ScreenTimeLimitMinutes != 30 || got.Bedtime != (policy.ClockTime{Hour: 20, Minute: 15}) || !got.IsChild {
		t.Errorf("7to9 = %+v", got)
	}
	// Untouched brackets keep their defaults
	if table[policy.AgeGroup4to6].ScreenTimeLimitMinutes != 60 {
		t.Errorf("4to6 limit = %d, want 60", table[policy.AgeGroup4to6].ScreenTimeLimitMinutes)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("KGUARD_MONITOR_SILENCE_TIMEOUT", "2h")
	t.Setenv("KGUARD_STORAGE_TYPE", "redis")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Monitor.SilenceTimeout != "2h" {
		t.Errorf("silence timeout = %q, want 2h", cfg.Monitor.SilenceTimeout)
	}
	if cfg.Storage.Type != "redis" {
		t.Errorf("storage type = %q, want redis", cfg.Storage.Type)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"zero interval", "monitor:\n  detection_interval: 0s\n", "detection_interval must be positive"},
		{"bad interval", "monitor:\n  silence_timeout: soon\n", "monitor.silence_timeout"},
		{"threshold above range", "monitor:\n  confidence_threshold: 101\n", "confidence threshold"},
		{"threshold below range", "monitor:\n  confidence_threshold: -1\n", "confidence threshold"},
		{"zero threshold", "monitor:\n  confidence_threshold: 0\n", "confidence threshold"},
		{"unknown bracket", "age_groups:\n  16to18:\n    limit_minutes: 10\n    bedtime: \"23:00\"\n", "unknown age group"},
		{"bad bedtime", "age_groups:\n  4to6:\n    bedtime: late\n", "invalid clock time"},
		{"negative limit", "age_groups:\n  4to6:\n    limit_minutes: -5\n", "must not be negative"},
		{"sensor type", "sensor:\n  type: webcam\n", "unsupported sensor type"},
		{"http sensor without url", "sensor:\n  type: http\n", "sensor.url"},
		{"storage type", "storage:\n  type: bolt\n", "unsupported storage type"},
		{"policy engine", "policy:\n  engine: lua\n", "unsupported policy engine"},
		{"classifier label", "classifier:\n  labels: [\"1to3\", \"teen\"]\n", "classifier.labels"},
		{"reset time", "usage:\n  daily_reset_time: midnight\n", "daily_reset_time"},
		{"mqtt qos", "notify:\n  mqtt:\n    enabled: true\n    qos: 3\n", "QoS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
monitor:
  detection_interval: 30s
  detection_intervall: 20s
sensor:
  url: http://camera.local/snapshot
`)

	unknown, err := UnknownKeys(path)
	if err != nil {
		t.Fatalf("UnknownKeys() error = %v", err)
	}
	if len(unknown) != 1 || unknown[0] != "monitor.detection_intervall" {
		t.Errorf("unknown = %v, want [monitor.detection_intervall]", unknown)
	}
}

func TestSettingsRedactsSecrets(t *testing.T) {
	t.Setenv("KGUARD_STORAGE_REDIS_PASSWORD", "hunter2")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	for _, s := range cfg.Settings() {
		if s.Key == "storage.redis.password" && s.Value != "***REDACTED***" {
			t.Errorf("password shown as %v", s.Value)
		}
		if s.Value == "hunter2" {
			t.Errorf("secret leaked under %s", s.Key)
		}
	}
}
