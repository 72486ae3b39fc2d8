package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ironwire.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestDefault_Valid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTP.Addr != ":8080" {
		t.Errorf("server.http.addr = %q, want :8080", cfg.Server.HTTP.Addr)
	}
	if cfg.Server.HTTP.ReadHeaderTimeout != 10*time.Second {
		t.Errorf("read_header_timeout = %v, want 10s", cfg.Server.HTTP.ReadHeaderTimeout)
	}
	if cfg.Relay.DuplicateIdentity != "shadow" {
		t.Errorf("duplicate_identity = %q, want shadow", cfg.Relay.DuplicateIdentity)
	}
	if cfg.Blob.MaxUploadBytes != 32<<20 {
		t.Errorf("max_upload_bytes = %d", cfg.Blob.MaxUploadBytes)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Path != "/metrics" {
		t.Errorf("metrics = %+v", cfg.Metrics)
	}
}

func TestLoad_File(t *testing.T) {
	path := writeFile(t, `
server:
  http:
    addr: "127.0.0.1:9000"
  tcp:
    addr: ":9001"
relay:
  idle_timeout: 90s
  duplicate_identity: evict
blob:
  dir: /var/lib/ironwire
log:
  level: debug
  format: text
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTP.Addr != "127.0.0.1:9000" {
		t.Errorf("server.http.addr = %q", cfg.Server.HTTP.Addr)
	}
	if cfg.Server.TCP.Addr != ":9001" {
		t.Errorf("server.tcp.addr = %q", cfg.Server.TCP.Addr)
	}
	if cfg.Relay.IdleTimeout != 90*time.Second {
		t.Errorf("idle_timeout = %v, want 90s", cfg.Relay.IdleTimeout)
	}
	if cfg.Relay.DuplicateIdentity != "evict" {
		t.Errorf("duplicate_identity = %q", cfg.Relay.DuplicateIdentity)
	}
	// untouched keys keep their defaults
	if cfg.Server.HTTP.ReadHeaderTimeout != 10*time.Second {
		t.Errorf("read_header_timeout = %v, want default", cfg.Server.HTTP.ReadHeaderTimeout)
	}
	if cfg.Blob.UploadBurst != 10 {
		t.Errorf("upload_burst = %d, want default", cfg.Blob.UploadBurst)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "server:\n  http:\n    addr: \":9000\"\n")
	t.Setenv("IRONWIRE_SERVER__HTTP__ADDR", ":7000")
	t.Setenv("IRONWIRE_RELAY__IDLE_TIMEOUT", "30s")
	t.Setenv("IRONWIRE_BLOB__MAX_UPLOAD_BYTES", "1024")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTP.Addr != ":7000" {
		t.Errorf("server.http.addr = %q, want env value", cfg.Server.HTTP.Addr)
	}
	if cfg.Relay.IdleTimeout != 30*time.Second {
		t.Errorf("idle_timeout = %v, want 30s", cfg.Relay.IdleTimeout)
	}
	if cfg.Blob.MaxUploadBytes != 1024 {
		t.Errorf("max_upload_bytes = %d, want 1024", cfg.Blob.MaxUploadBytes)
	}
}

func TestLoader_EnvPrefix(t *testing.T) {
	t.Setenv("RELAYTEST_LOG__LEVEL", "warn")

	cfg, err := NewLoader(WithEnvPrefix("RELAYTEST_")).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("log.level = %q, want warn", cfg.Log.Level)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	if _, err := Load("/nonexistent/ironwire.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoad_InvalidValue(t *testing.T) {
	path := writeFile(t, "relay:\n  duplicate_identity: reject\n")

	_, err := Load(path)
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("Load() error = %v, want ErrInvalid", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"empty http addr", func(c *Config) { c.Server.HTTP.Addr = "" }},
		{"negative idle timeout", func(c *Config) { c.Relay.IdleTimeout = -time.Second }},
		{"negative header timeout", func(c *Config) { c.Server.HTTP.ReadHeaderTimeout = -1 }},
		{"unknown duplicate policy", func(c *Config) { c.Relay.DuplicateIdentity = "queue" }},
		{"zero upload size", func(c *Config) { c.Blob.MaxUploadBytes = 0 }},
		{"negative rate", func(c *Config) { c.Blob.UploadRate = -1 }},
		{"rate without burst", func(c *Config) { c.Blob.UploadBurst = 0 }},
		{"unknown log level", func(c *Config) { c.Log.Level = "trace" }},
		{"unknown log format", func(c *Config) { c.Log.Format = "xml" }},
		{"relative metrics path", func(c *Config) { c.Metrics.Path = "metrics" }},
		{"metrics path on relay route", func(c *Config) { c.Metrics.Path = "/healthz" }},
		{"negative shutdown timeout", func(c *Config) { c.Server.HTTP.ShutdownTimeout = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
				t.Errorf("Validate() error = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestValidate_RateDisabled(t *testing.T) {
	cfg := Default()
	cfg.Blob.UploadRate = 0
	cfg.Blob.UploadBurst = 0
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v, disabled limiter needs no burst", err)
	}
}
