package config

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, "log_level: debug\n")

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	if _, err := FindConfig("/nonexistent/config.yaml"); err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("{}\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "shadow:\n  broker: mqtt://localhost:1883\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Device.Hostname != "temperature" {
		t.Errorf("hostname = %q, want temperature", cfg.Device.Hostname)
	}
	if cfg.WiFi.APSSID != "SL12345" {
		t.Errorf("ap_ssid = %q, want SL12345", cfg.WiFi.APSSID)
	}
	if cfg.Tick() != 20*time.Millisecond {
		t.Errorf("Tick() = %v, want 20ms", cfg.Tick())
	}
	if len(cfg.NTP.Servers) != 2 || cfg.NTP.Servers[0] != "pool.ntp.org" {
		t.Errorf("ntp servers = %v, want [pool.ntp.org time.nist.gov]", cfg.NTP.Servers)
	}
	if cfg.Heater.MinTarget != 10 || cfg.Heater.MaxTarget != 40 {
		t.Errorf("target range = [%v, %v], want [10, 40]", cfg.Heater.MinTarget, cfg.Heater.MaxTarget)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	path := writeConfig(t, "shadow:\n  broker: mqtt://localhost:1883\n  app_secret: ${POOLHEAT_TEST_SECRET}\n")
	t.Setenv("POOLHEAT_TEST_SECRET", "s3cret")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Shadow.AppSecret != "s3cret" {
		t.Errorf("app_secret = %q, want %q", cfg.Shadow.AppSecret, "s3cret")
	}
}

func TestLoad_OfflineNeedsNoBroker(t *testing.T) {
	path := writeConfig(t, "device:\n  offline: true\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if !cfg.Device.Offline {
		t.Error("offline flag not loaded")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) { c.Shadow.Broker = "mqtt://x" }, ""},
		{"mqtt without broker", func(c *Config) {}, "shadow.broker"},
		{"websocket needs no broker", func(c *Config) { c.Shadow.Transport = "websocket" }, ""},
		{"unknown transport", func(c *Config) { c.Shadow.Transport = "carrier-pigeon" }, "shadow.transport"},
		{"bad log level", func(c *Config) { c.Shadow.Broker = "mqtt://x"; c.LogLevel = "loud" }, "log level"},
		{"bad log format", func(c *Config) { c.Shadow.Broker = "mqtt://x"; c.LogFormat = "xml" }, "log_format"},
		{"inverted target range", func(c *Config) {
			c.Shadow.Broker = "mqtt://x"
			c.Heater.MinTarget, c.Heater.MaxTarget = 30, 20
		}, "min_target"},
		{"utc offset out of range", func(c *Config) {
			c.Shadow.Broker = "mqtt://x"
			c.Device.UTCOffsetSec = 20 * 3600
		}, "utc_offset_sec"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
		err  bool
	}{
		{"", slog.LevelInfo, false},
		{"INFO", slog.LevelInfo, false},
		{" debug ", slog.LevelDebug, false},
		{"trace", LevelTrace, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLogLevel(tt.in)
			if (err != nil) != tt.err {
				t.Fatalf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.err)
			}
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNewLogger_TraceName(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelTrace, "text")
	logger.Log(context.Background(), LevelTrace, "wire payload")

	if !strings.Contains(buf.String(), "level=TRACE") {
		t.Errorf("output %q does not render TRACE", buf.String())
	}
}
