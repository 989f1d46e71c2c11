package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stratodb/stratodb/internal/config"
)

// writeTemp writes content to a temp file and returns its path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

const validYAML = `
store_path: "/var/lib/stratodb/store.db"
queue_path: "/var/lib/stratodb/queue.db"
log_level: debug
poll_interval: 2s
max_retry: 10
backoff_base: 1s
`

func TestLoad_Valid(t *testing.T) {
	path := writeTemp(t, validYAML)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.StorePath != "/var/lib/stratodb/store.db" {
		t.Errorf("StorePath = %q", cfg.StorePath)
	}
	if cfg.QueuePath != "/var/lib/stratodb/queue.db" {
		t.Errorf("QueuePath = %q", cfg.QueuePath)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.PollInterval != 2*time.Second {
		t.Errorf("PollInterval = %s, want 2s", cfg.PollInterval)
	}
	if cfg.MaxRetry != 10 {
		t.Errorf("MaxRetry = %d, want 10", cfg.MaxRetry)
	}
	if cfg.BackoffBase != 1*time.Second {
		t.Errorf("BackoffBase = %s, want 1s", cfg.BackoffBase)
	}
}

func TestLoad_Defaults(t *testing.T) {
	yaml := `
store_path: ":memory:"
`
	path := writeTemp(t, yaml)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.QueuePath != ":memory:" {
		t.Errorf("default QueuePath = %q, want %q", cfg.QueuePath, ":memory:")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.PollInterval != 1*time.Second {
		t.Errorf("default PollInterval = %s, want 1s", cfg.PollInterval)
	}
	if cfg.MaxRetry != 38 {
		t.Errorf("default MaxRetry = %d, want 38", cfg.MaxRetry)
	}
	if cfg.BackoffBase != 5000*time.Millisecond {
		t.Errorf("default BackoffBase = %s, want 5000ms", cfg.BackoffBase)
	}
}

func TestLoad_MissingStorePath(t *testing.T) {
	path := writeTemp(t, `log_level: info`)
	_, err := config.Load(path)
	if err == nil {
		t.Fatal("expected error for missing store_path, got nil")
	}
	if !strings.Contains(err.Error(), "store_path") {
		t.Errorf("error %q does not mention store_path", err.Error())
	}
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	yaml := `
store_path: ":memory:"
log_level: "verbose"
`
	path := writeTemp(t, yaml)
	_, err := config.Load(path)
	if err == nil {
		t.Fatal("expected error for invalid log_level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error %q does not mention log_level", err.Error())
	}
}

func TestLoad_InvalidMaxRetry(t *testing.T) {
	yaml := `
store_path: ":memory:"
max_retry: 0
`
	path := writeTemp(t, yaml)
	_, err := config.Load(path)
	if err == nil {
		t.Fatal("expected error for max_retry 0, got nil")
	}
	if !strings.Contains(err.Error(), "max_retry") {
		t.Errorf("error %q does not mention max_retry", err.Error())
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	missingPath := filepath.Join(t.TempDir(), "nonexistent.yaml")
	_, err := config.Load(missingPath)
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeTemp(t, ":::invalid yaml:::")
	_, err := config.Load(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}
