// Package config loads relay configuration.
//
// Sources are merged in priority order: defaults < YAML file < environment.
// Environment variables use the IRONWIRE_ prefix with "__" separating
// nesting levels, e.g. IRONWIRE_SERVER__HTTP__ADDR=:9000.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultEnvPrefix is the default environment variable prefix.
const DefaultEnvPrefix = "IRONWIRE_"

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("config: invalid")

// Config is the full process configuration.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Relay   RelayConfig   `koanf:"relay"`
	Blob    BlobConfig    `koanf:"blob"`
	Log     LogConfig     `koanf:"log"`
	Metrics MetricsConfig `koanf:"metrics"`
}

// ServerConfig configures the listeners.
type ServerConfig struct {
	HTTP HTTPConfig `koanf:"http"`
	TCP  TCPConfig  `koanf:"tcp"`
}

// HTTPConfig configures the HTTP listener that carries /ws, uploads and media.
type HTTPConfig struct {
	Addr              string        `koanf:"addr"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
}

// TCPConfig configures the raw line-oriented TCP listener. Empty Addr disables it.
type TCPConfig struct {
	Addr string `koanf:"addr"`
}

// RelayConfig configures session behavior.
type RelayConfig struct {
	// IdleTimeout closes a connection that sends nothing for this long. Zero disables it.
	IdleTimeout time.Duration `koanf:"idle_timeout"`
	// DuplicateIdentity is "shadow" or "evict".
	DuplicateIdentity string `koanf:"duplicate_identity"`
}

// BlobConfig configures the upload store.
type BlobConfig struct {
	// Dir is the badger directory. Empty keeps blobs in memory.
	Dir            string  `koanf:"dir"`
	MaxUploadBytes int64   `koanf:"max_upload_bytes"`
	UploadRate     float64 `koanf:"upload_rate"`
	UploadBurst    int     `koanf:"upload_burst"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTP: HTTPConfig{
				Addr:              ":8080",
				ReadHeaderTimeout: 10 * time.Second,
				ShutdownTimeout:   10 * time.Second,
			},
		},
		Relay: RelayConfig{
			DuplicateIdentity: "shadow",
		},
		Blob: BlobConfig{
			MaxUploadBytes: 32 << 20,
			UploadRate:     5,
			UploadBurst:    10,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

func (c *Config) toMap() map[string]any {
	return map[string]any{
		"server": map[string]any{
			"http": map[string]any{
				"addr":                c.Server.HTTP.Addr,
				"read_header_timeout": c.Server.HTTP.ReadHeaderTimeout,
				"shutdown_timeout":    c.Server.HTTP.ShutdownTimeout,
			},
			"tcp": map[string]any{
				"addr": c.Server.TCP.Addr,
			},
		},
		"relay": map[string]any{
			"idle_timeout":       c.Relay.IdleTimeout,
			"duplicate_identity": c.Relay.DuplicateIdentity,
		},
		"blob": map[string]any{
			"dir":              c.Blob.Dir,
			"max_upload_bytes": c.Blob.MaxUploadBytes,
			"upload_rate":      c.Blob.UploadRate,
			"upload_burst":     c.Blob.UploadBurst,
		},
		"log": map[string]any{
			"level":  c.Log.Level,
			"format": c.Log.Format,
		},
		"metrics": map[string]any{
			"enabled": c.Metrics.Enabled,
			"path":    c.Metrics.Path,
		},
	}
}

// Validate reports every problem found, wrapped in ErrInvalid.
func (c *Config) Validate() error {
	var problems []string

	if c.Server.HTTP.Addr == "" {
		problems = append(problems, "server.http.addr must not be empty")
	}
	if c.Server.HTTP.ReadHeaderTimeout < 0 {
		problems = append(problems, "server.http.read_header_timeout must not be negative")
	}
	if c.Server.HTTP.ShutdownTimeout < 0 {
		problems = append(problems, "server.http.shutdown_timeout must not be negative")
	}
	if c.Relay.IdleTimeout < 0 {
		problems = append(problems, "relay.idle_timeout must not be negative")
	}
	switch c.Relay.DuplicateIdentity {
	case "shadow", "evict":
	default:
		problems = append(problems, fmt.Sprintf("relay.duplicate_identity %q is not shadow or evict", c.Relay.DuplicateIdentity))
	}
	if c.Blob.MaxUploadBytes <= 0 {
		problems = append(problems, "blob.max_upload_bytes must be positive")
	}
	if c.Blob.UploadRate < 0 {
		problems = append(problems, "blob.upload_rate must not be negative")
	}
	if c.Blob.UploadRate > 0 && c.Blob.UploadBurst <= 0 {
		problems = append(problems, "blob.upload_burst must be positive when upload_rate is set")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		problems = append(problems, fmt.Sprintf("log.level %q is unknown", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "console":
	default:
		problems = append(problems, fmt.Sprintf("log.format %q is unknown", c.Log.Format))
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		problems = append(problems, "metrics.path must start with /")
	}
	switch c.Metrics.Path {
	case "/", "/ws", "/upload", "/healthz":
		if c.Metrics.Enabled {
			problems = append(problems, fmt.Sprintf("metrics.path %q collides with a relay route", c.Metrics.Path))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Loader merges configuration sources.
type Loader struct {
	k         *koanf.Koanf
	envPrefix string
	filePath  string
}

// Option configures a Loader.
type Option func(*Loader)

// WithEnvPrefix sets the environment variable prefix.
func WithEnvPrefix(prefix string) Option {
	return func(l *Loader) {
		l.envPrefix = prefix
	}
}

// WithConfigFile sets the configuration file path.
func WithConfigFile(path string) Option {
	return func(l *Loader) {
		l.filePath = path
	}
}

// NewLoader creates a new configuration loader.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{
		k:         koanf.New("."),
		envPrefix: DefaultEnvPrefix,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load merges defaults, the file and the environment, then validates.
func (l *Loader) Load() (*Config, error) {
	if err := l.k.Load(mapProvider(Default().toMap()), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if l.filePath != "" {
		if err := l.k.Load(file.Provider(l.filePath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load file %s: %w", l.filePath, err)
		}
	}

	// IRONWIRE_SERVER__HTTP__ADDR -> server.http.addr
	transform := func(s string) string {
		s = strings.TrimPrefix(s, l.envPrefix)
		s = strings.ToLower(s)
		return strings.ReplaceAll(s, "__", ".")
	}
	if err := l.k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{}
	if err := l.k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load is a shorthand for NewLoader(WithConfigFile(path)).Load(). An empty
// path skips the file source.
func Load(path string) (*Config, error) {
	return NewLoader(WithConfigFile(path)).Load()
}

// mapProvider is a koanf provider that serves an in-memory map.
type mapProvider map[string]any

// ReadBytes is not supported; koanf falls back to Read.
func (m mapProvider) ReadBytes() ([]byte, error) {
	return nil, errors.New("config: map provider does not support ReadBytes")
}

// Read returns the configuration map.
func (m mapProvider) Read() (map[string]any, error) {
	return m, nil
}
