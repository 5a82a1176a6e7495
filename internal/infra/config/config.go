package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Gateway   GatewayConfig   `yaml:"gateway"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Identity  IdentityConfig  `yaml:"identity"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
	Audit     AuditConfig     `yaml:"audit"`
}

// GatewayConfig holds the listener and relay settings.
type GatewayConfig struct {
	Addr string `yaml:"addr"`
	// Secret is the shared gateway secret presented by both backends and
	// clients. Required; also read from PORTICO_SECRET.
	Secret string `yaml:"secret"`
	// ProxyTimeout bounds how long an HTTP proxy caller waits for a
	// correlated backend response.
	ProxyTimeout time.Duration `yaml:"proxy_timeout"`
	// MaxBodyBytes caps the request body accepted on the proxy surface.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
	// SendQueueSize is the per-connection outbound frame buffer.
	SendQueueSize int `yaml:"send_queue_size"`
}

// HeartbeatConfig holds liveness probing settings.
type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// IdentityConfig holds identity store settings.
type IdentityConfig struct {
	DBPath string `yaml:"db_path"`
}

// RateLimitConfig holds per-IP rate limiting for the HTTP surfaces.
type RateLimitConfig struct {
	Enabled        bool `yaml:"enabled"`
	RequestsPerMin int  `yaml:"requests_per_min"`
	BurstSize      int  `yaml:"burst_size"`
}

// BreakerConfig holds per-backend circuit breaker settings for the proxy
// bridge.
type BreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// AuditConfig holds audit logging settings.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// defaultDataDir returns the persistent data directory under
// $HOME/.portico. Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".portico")
}

// Defaults returns a Config with sensible defaults. The gateway secret has
// no default and must come from the file or the environment.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Gateway: GatewayConfig{
			Addr:          ":8090",
			ProxyTimeout:  30 * time.Second,
			MaxBodyBytes:  10 * 1024 * 1024,
			SendQueueSize: 64,
		},
		Heartbeat: HeartbeatConfig{
			Interval: 30 * time.Second,
		},
		Identity: IdentityConfig{
			DBPath: filepath.Join(dataDir, "identity.db"),
		},
		RateLimit: RateLimitConfig{
			Enabled:        false,
			RequestsPerMin: 300,
			BurstSize:      60,
		},
		Breaker: BreakerConfig{
			Enabled:     true,
			MaxFailures: 5,
			Timeout:     30 * time.Second,
			Interval:    60 * time.Second,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Audit: AuditConfig{
			Enabled: false,
			Path:    filepath.Join(dataDir, "audit.jsonl"),
		},
	}
}

// Load reads a YAML config file and applies env var overrides. A missing
// file is not an error; defaults plus environment apply.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := validatePermissions(path); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps PORTICO_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORTICO_SECRET"); v != "" {
		cfg.Gateway.Secret = v
	}
	if v := os.Getenv("PORTICO_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("PORTICO_PROXY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Gateway.ProxyTimeout = d
		}
	}
	if v := os.Getenv("PORTICO_HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Heartbeat.Interval = d
		}
	}
	if v := os.Getenv("PORTICO_IDENTITY_DB"); v != "" {
		cfg.Identity.DBPath = v
	}
	if v := os.Getenv("PORTICO_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("PORTICO_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("PORTICO_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("PORTICO_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("PORTICO_RATE_LIMIT_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.RateLimit.Enabled = b
		}
	}
	if v := os.Getenv("PORTICO_AUDIT_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Audit.Enabled = b
		}
	}
	if v := os.Getenv("PORTICO_AUDIT_PATH"); v != "" {
		cfg.Audit.Path = v
	}
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func Validate(cfg *Config) error {
	if cfg.Gateway.Secret == "" {
		return fmt.Errorf("gateway.secret is required (or set PORTICO_SECRET)")
	}
	if cfg.Gateway.Addr == "" {
		return fmt.Errorf("gateway.addr must not be empty")
	}
	if cfg.Gateway.ProxyTimeout <= 0 {
		return fmt.Errorf("gateway.proxy_timeout must be positive, got %s", cfg.Gateway.ProxyTimeout)
	}
	if cfg.Heartbeat.Interval <= 0 {
		return fmt.Errorf("heartbeat.interval must be positive, got %s", cfg.Heartbeat.Interval)
	}
	if cfg.Gateway.SendQueueSize <= 0 {
		return fmt.Errorf("gateway.send_queue_size must be positive, got %d", cfg.Gateway.SendQueueSize)
	}
	if cfg.RateLimit.Enabled && cfg.RateLimit.RequestsPerMin <= 0 {
		return fmt.Errorf("rate_limit.requests_per_min must be positive when enabled")
	}
	switch cfg.Logger.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logger.format must be \"text\" or \"json\", got %q", cfg.Logger.Format)
	}
	return nil
}

// validatePermissions refuses configs readable by other users; the file
// carries the gateway secret.
func validatePermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		return fmt.Errorf("config %s is group/world accessible (mode %o); tighten to 0600", path, info.Mode().Perm())
	}
	return nil
}
