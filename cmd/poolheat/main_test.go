package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/nugget/poolheat/internal/controller"
	"github.com/nugget/poolheat/internal/network"
	"github.com/nugget/poolheat/internal/opstate"
)

// writeConfig writes a minimal config using the websocket transport so
// no broker is needed, with state under a temp data directory.
func writeConfig(t *testing.T, extra string) (path, dataDir string) {
	t.Helper()
	dir := t.TempDir()
	dataDir = filepath.Join(dir, "data")
	body := fmt.Sprintf(`device:
  data_dir: %s
  hostname: pooltest
shadow:
  transport: websocket
websocket:
  listen: "127.0.0.1:0"
%s`, dataDir, extra)
	path = filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path, dataDir
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var stdout, stderr bytes.Buffer
		if err := run(context.Background(), &stdout, &stderr, args); err != nil {
			t.Fatalf("run(%v) error = %v", args, err)
		}
		if !strings.Contains(stdout.String(), "Usage: poolheat") {
			t.Errorf("run(%v) output missing usage: %q", args, stdout.String())
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown command", []string{"frobnicate"}, "unknown command"},
		{"unknown flag", []string{"-x"}, "unknown flag"},
		{"bad output", []string{"-o", "xml", "version"}, "unknown output format"},
		{"configure without ssid", []string{"configure"}, "usage"},
		{"missing config", []string{"-config", "/nonexistent/poolheat.yaml", "run"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			err := run(context.Background(), &stdout, &stderr, tt.args)
			if err == nil {
				t.Fatal("run() succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestRun_Version(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), &stdout, &stderr, []string{"version"}); err != nil {
		t.Fatalf("run(version) error = %v", err)
	}
	if !strings.HasPrefix(stdout.String(), "poolheat ") {
		t.Errorf("version output = %q", stdout.String())
	}

	stdout.Reset()
	if err := run(context.Background(), &stdout, &stderr, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("run(-o json version) error = %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		t.Fatalf("version JSON: %v", err)
	}
	if info["version"] == "" || info["go_version"] == "" {
		t.Errorf("version info = %v", info)
	}
}

func TestRun_ConfigureAndReset(t *testing.T) {
	cfgPath, dataDir := writeConfig(t, "")
	var stdout, stderr bytes.Buffer

	if err := run(context.Background(), &stdout, &stderr, []string{"-config", cfgPath, "configure", "Backyard", "hunter2"}); err != nil {
		t.Fatalf("configure error = %v", err)
	}

	store, err := opstate.NewStore(filepath.Join(dataDir, dbName))
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	ssid, _ := store.Get(opstate.NamespaceWiFi, network.KeySSID)
	password, _ := store.Get(opstate.NamespaceWiFi, network.KeyPassword)
	store.Close()
	if ssid != "Backyard" || password != "hunter2" {
		t.Fatalf("stored credentials = %q/%q", ssid, password)
	}

	stdout.Reset()
	if err := run(context.Background(), &stdout, &stderr, []string{"-config=" + cfgPath, "provision-reset"}); err != nil {
		t.Fatalf("provision-reset error = %v", err)
	}
	if !strings.Contains(stdout.String(), `Removed credentials for "Backyard"`) {
		t.Errorf("provision-reset output = %q", stdout.String())
	}

	stdout.Reset()
	if err := run(context.Background(), &stdout, &stderr, []string{"-config", cfgPath, "provision-reset"}); err != nil {
		t.Fatalf("second provision-reset error = %v", err)
	}
	if !strings.Contains(stdout.String(), "No stored WiFi credentials") {
		t.Errorf("second provision-reset output = %q", stdout.String())
	}

	store, err = opstate.NewStore(filepath.Join(dataDir, dbName))
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	defer store.Close()
	if ssid, _ := store.Get(opstate.NamespaceWiFi, network.KeySSID); ssid != "" {
		t.Errorf("ssid after reset = %q, want empty", ssid)
	}
}

func TestRun_OfflineController(t *testing.T) {
	cfgPath, dataDir := writeConfig(t, "log_level: debug\n")
	// Offline keeps the network and session quiet: no broker, no mDNS.
	body, _ := os.ReadFile(cfgPath)
	body = bytes.Replace(body, []byte("  hostname: pooltest\n"), []byte("  hostname: pooltest\n  offline: true\n"), 1)
	if err := os.WriteFile(cfgPath, body, 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	var stdout, stderr bytes.Buffer
	if err := run(ctx, &stdout, &stderr, []string{"-config", cfgPath, "run"}); err != nil {
		t.Fatalf("run error = %v", err)
	}

	out := stdout.String()
	for _, want := range []string{"controller running", "pooltest", "shutting down"} {
		if !strings.Contains(out, want) {
			t.Errorf("log missing %q", want)
		}
	}
	if _, err := os.Stat(filepath.Join(dataDir, dbName)); err != nil {
		t.Errorf("state database not created: %v", err)
	}
}

func TestSignalCommand(t *testing.T) {
	tests := []struct {
		sig  os.Signal
		want string
		ok   bool
	}{
		{syscall.SIGUSR1, "provision-reset", true},
		{syscall.SIGUSR2, "toggle-offline", true},
		{syscall.SIGHUP, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.sig.String(), func(t *testing.T) {
			cmd, ok := signalCommand(tt.sig)
			if ok != tt.ok || cmd.Kind != tt.want {
				t.Errorf("signalCommand(%v) = %q, %v; want %q, %v", tt.sig, cmd.Kind, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestSignalCommands_RepeatedToggle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Hold our own registration so an early SIGUSR2 cannot take the
	// default action and kill the test binary.
	guard := make(chan os.Signal, 8)
	signal.Notify(guard, syscall.SIGUSR2)
	defer signal.Stop(guard)

	commands := make(chan controller.Command, 4)
	go signalCommands(ctx, commands, slog.New(slog.NewTextHandler(io.Discard, nil)))

	// Each SIGUSR2 yields the same toggle; the signal goroutine keeps
	// no copy of the offline mode that could drift.
	for i := 0; i < 2; i++ {
		var cmd controller.Command
		deadline := time.After(5 * time.Second)
	wait:
		for {
			if err := syscall.Kill(os.Getpid(), syscall.SIGUSR2); err != nil {
				t.Fatalf("Kill() error = %v", err)
			}
			select {
			case cmd = <-commands:
				break wait
			case <-time.After(50 * time.Millisecond):
				// signalCommands may not be registered yet.
			case <-deadline:
				t.Fatal("no command received")
			}
		}
		if cmd.Kind != "toggle-offline" {
			t.Errorf("command %d = %q, want toggle-offline", i, cmd.Kind)
		}
		// Drop any extra commands from retried signals.
		for len(commands) > 0 {
			<-commands
		}
	}
}
