package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "procwatch.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Monitor.Backend != "auto" || cfg.Monitor.StopWarning != 5*time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg.Monitor)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  allowed_origins:
    - http://localhost:3000
monitor:
  backend: poll
  scan_interval: 250ms
journal:
  max_entries: 50
log:
  format: json
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != 9090 || cfg.Server.Host != "127.0.0.1" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if len(cfg.Server.AllowedOrigins) != 1 {
		t.Errorf("allowed_origins = %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Monitor.Backend != "poll" || cfg.Monitor.ScanInterval != 250*time.Millisecond {
		t.Errorf("monitor = %+v", cfg.Monitor)
	}
	if cfg.Monitor.PollInterval != time.Second {
		t.Errorf("poll_interval default lost: %v", cfg.Monitor.PollInterval)
	}
	if !cfg.Journal.Enabled || cfg.Journal.MaxEntries != 50 {
		t.Errorf("journal = %+v", cfg.Journal)
	}
	if cfg.Log.Format != "json" || cfg.Log.Level != "info" {
		t.Errorf("log = %+v", cfg.Log)
	}
	if cfg.Addr() != "127.0.0.1:9090" {
		t.Errorf("Addr() = %q", cfg.Addr())
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad yaml", "server: [1, 2"},
		{"port", "server:\n  port: 70000\n"},
		{"stop warning", "monitor:\n  stop_warning: 0s\n"},
		{"log format", "log:\n  format: xml\n"},
		{"tracker", "tracker:\n  size: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.body)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error")
	}
}
