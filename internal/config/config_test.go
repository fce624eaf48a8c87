package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	if got := cfg.LivenessTimeout(); got != 30*time.Second {
		t.Errorf("LivenessTimeout = %v, want 30s", got)
	}
	if got := cfg.Retention(); got != 12*time.Hour {
		t.Errorf("Retention = %v, want 12h", got)
	}
	if cfg.HistoryWindow() != cfg.Retention() {
		t.Errorf("HistoryWindow = %v, want retention", cfg.HistoryWindow())
	}
	if !cfg.Relay.AllowCallsignIdentity || !cfg.Relay.MagneticHeading {
		t.Error("identity and magnetic heading defaults should be on")
	}
	if cfg.Simulation.Enabled || cfg.Simulation.MaxAircraft != 10 {
		t.Errorf("simulation defaults = %+v", cfg.Simulation)
	}
}

func TestLoadAppliesFileAndDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("DATABASE_URL", "")
	path := writeConfig(t, `
[server]
port = 8080

[relay]
liveness_timeout_seconds = 45
clear_history_on_timeout = true

[tracks]
retention_hours = 24

[storage]
type = "memory"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Server.Port != 8080 || cfg.Relay.LivenessTimeoutSecs != 45 || !cfg.Relay.ClearHistoryOnTimeout {
		t.Errorf("file values not applied: %+v %+v", cfg.Server, cfg.Relay)
	}
	if cfg.Relay.SweepIntervalSecs != 5 || cfg.Relay.HistoryChunkSize != 200 {
		t.Errorf("defaults not applied: %+v", cfg.Relay)
	}
	if cfg.Tracks.HistoryWindowHours != 24 {
		t.Errorf("history window = %d, want retention (24)", cfg.Tracks.HistoryWindowHours)
	}
	if !cfg.Relay.AllowCallsignIdentity {
		t.Error("unset bool lost its default")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := LoadWithFallback(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Error("explicit path must exist")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("ADMIN_TOKEN", "tok")
	t.Setenv("DATABASE_URL", "postgres://u:p@db/radar")

	cfg, err := Load(writeConfig(t, "[server]\nport = 1234\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9999 || cfg.Server.AdminToken != "tok" {
		t.Errorf("server overrides = %+v", cfg.Server)
	}
	if cfg.Storage.Type != "postgres" || cfg.Storage.Postgres.URL != "postgres://u:p@db/radar" {
		t.Errorf("storage overrides = %+v", cfg.Storage)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "invalid server port"},
		{"sweep slower than timeout", func(c *Config) { c.Relay.SweepIntervalSecs = 60 }, "must not exceed"},
		{"window beyond retention", func(c *Config) { c.Tracks.HistoryWindowHours = 48 }, "history_window_hours"},
		{"max below min", func(c *Config) { c.Tracks.MaxPoints = 10 }, "max_points"},
		{"bad storage", func(c *Config) { c.Storage.Type = "mongo" }, "invalid storage type"},
		{"postgres without target", func(c *Config) { c.Storage.Type = "postgres" }, "postgres url"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "invalid log level"},
		{"simulation slower than liveness", func(c *Config) {
			c.Simulation.Enabled = true
			c.Simulation.UpdateIntervalMs = 30000
		}, "update_interval_ms"},
		{"missing static dir", func(c *Config) { c.Server.StaticFilesDir = "/does/not/exist" }, "static files directory"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}
