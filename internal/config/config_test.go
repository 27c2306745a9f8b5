package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

// isolate points the user config directory at an empty temp dir.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Sync.BatchSize != 1000 || cfg.Sync.BatchTimeout != 60*time.Second || cfg.Sync.Workers != 1 {
		t.Errorf("sync defaults = %+v", cfg.Sync)
	}
	if cfg.Project != "" || cfg.Backend != "https://app.runtrack.io" {
		t.Errorf("defaults = %+v", cfg)
	}
	if _, ok := cfg.LocalBackendPath(); ok {
		t.Error("default backend reported as local")
	}
}

func TestLoadLayers(t *testing.T) {
	isolate(t)
	user := filepath.Join(os.Getenv("XDG_CONFIG_HOME"), "runtrack", FileName)
	writeFile(t, user, `
project = "acme/user"

[sync]
batch_size = 200
workers = 2
`)
	tracking := t.TempDir()
	writeFile(t, filepath.Join(tracking, FileName), `
project = "acme/vision"

[sync]
batch_timeout = "5s"
`)
	t.Setenv("RUNTRACK_SYNC_WORKERS", "6")

	cfg, err := Load(tracking, nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Project != "acme/vision" {
		t.Errorf("Project = %q, want the tracking directory value", cfg.Project)
	}
	if cfg.Sync.BatchSize != 200 {
		t.Errorf("BatchSize = %d, want the user value 200", cfg.Sync.BatchSize)
	}
	if cfg.Sync.BatchTimeout != 5*time.Second {
		t.Errorf("BatchTimeout = %s, want 5s", cfg.Sync.BatchTimeout)
	}
	if cfg.Sync.Workers != 6 {
		t.Errorf("Workers = %d, want the environment value 6", cfg.Sync.Workers)
	}
}

func TestLoadFlagsWinOnlyWhenSet(t *testing.T) {
	isolate(t)
	t.Setenv("RUNTRACK_PROJECT", "acme/env")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.StringP("project", "p", "", "")
	fs.String("backend", "https://flag-default.example", "")
	if err := fs.Parse([]string{"-p", "acme/flag"}); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	cfg, err := Load("", map[string]*pflag.Flag{
		"project": fs.Lookup("project"),
		"backend": fs.Lookup("backend"),
	})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Project != "acme/flag" {
		t.Errorf("Project = %q, want the flag value", cfg.Project)
	}
	if cfg.Backend != "https://app.runtrack.io" {
		t.Errorf("Backend = %q, an unset flag must not override the default", cfg.Backend)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	isolate(t)
	t.Setenv("RUNTRACK_SYNC_BATCH_SIZE", "0")
	if _, err := Load("", nil); err == nil {
		t.Error("Load accepted a zero batch size")
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	isolate(t)
	tracking := t.TempDir()
	writeFile(t, filepath.Join(tracking, FileName), "project = \n")
	if _, err := Load(tracking, nil); err == nil {
		t.Error("Load accepted malformed TOML")
	}
}

func TestLocalBackendPath(t *testing.T) {
	cfg := &Config{Backend: "sqlite:/tmp/runs.db"}
	if path, ok := cfg.LocalBackendPath(); !ok || path != "/tmp/runs.db" {
		t.Errorf("LocalBackendPath = %q, %v", path, ok)
	}
	cfg.Backend = "sqlite:"
	if _, ok := cfg.LocalBackendPath(); ok {
		t.Error("empty sqlite path accepted")
	}
}

func TestLogOutputRotatesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.log")
	cfg := &Config{Log: LogConfig{File: path, MaxSizeMB: 1}}

	w, closer := cfg.LogOutput()
	NewLogger(w, "daemon").Println("started")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if len(data) == 0 {
		t.Error("log file is empty")
	}
}
