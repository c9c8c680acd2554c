// Package config provides configuration loading, validation, and
// hot-reload for the sidecar daemon.
//
// Configuration file: /etc/capseal/sidecar.yaml (default)
//
// Hot-reload:
//   - Daemon listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate the file.
//   - Apply non-destructive changes only: log_level.
//   - Destructive changes (socket_path, session_key_path, appuser_uid,
//     mode) require a restart — the listener and session key are
//     already bound by the time a reload could observe them.
//   - If the new config is invalid, the old config remains active and
//     an error is logged. The daemon does NOT crash on invalid
//     hot-reload config.
//
// Validation:
//   - mode has no default; a missing or unrecognized value is a
//     startup-fatal validation error.
//   - All other required fields must be present and in range.
//   - Invalid config on startup: daemon refuses to start.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime can be overridden at build time via
// -ldflags "-X ...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// SecurityMode selects the daemon's deployment posture. There is
// deliberately no default value: an operator must state their
// intent explicitly.
type SecurityMode string

const (
	// ModeSidecar is the hardened posture: secrets live in an
	// OS-isolated process reachable only through the socket protocol.
	ModeSidecar SecurityMode = "sidecar"

	// ModeStandalone is a development-only posture where the daemon
	// and orchestrator may share more isolation boundaries than the
	// sidecar model assumes. Carries a loud startup warning.
	ModeStandalone SecurityMode = "standalone"
)

func (m SecurityMode) String() string { return string(m) }

func (m SecurityMode) valid() bool {
	return m == ModeSidecar || m == ModeStandalone
}

// Config is the root configuration structure for the sidecar daemon.
type Config struct {
	// Mode has no default; a missing value is fatal.
	Mode SecurityMode `yaml:"mode"`

	// SocketPath is the Unix domain socket the listener binds.
	SocketPath string `yaml:"socket_path"`

	// SessionKeyPath is where the 32-byte HMAC session key is
	// persisted (mode 640).
	SessionKeyPath string `yaml:"session_key_path"`

	// AppUserUID is the sole peer UID the listener accepts
	// connections from, regardless of mode.
	AppUserUID uint32 `yaml:"appuser_uid"`

	// GrantTTLSecs bounds both grant and ticket lifetimes.
	GrantTTLSecs uint64 `yaml:"grant_ttl_secs"`

	// MaxRequestSizeBytes caps the size of a single request.
	MaxRequestSizeBytes uint64 `yaml:"max_request_size_bytes"`

	// LogLevel is opaque to the core; consumed by observability and
	// hot-reloadable via SIGHUP.
	LogLevel string `yaml:"log_level"`

	// MetricsAddr is the loopback host:port for the Prometheus/healthz
	// HTTP server. Empty disables it.
	MetricsAddr string `yaml:"metrics_addr"`

	// Audit configures the optional hash-chained ledger.
	Audit AuditConfig `yaml:"audit"`

	// MaxInflightConnections bounds the per-connection goroutine
	// semaphore.
	MaxInflightConnections int `yaml:"max_inflight_connections"`
}

// AuditConfig controls the pluggable audit ledger.
type AuditConfig struct {
	Enabled       bool   `yaml:"enabled"`
	DBPath        string `yaml:"db_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// GrantTTL returns GrantTTLSecs as a time.Duration.
func (c *Config) GrantTTL() time.Duration {
	return time.Duration(c.GrantTTLSecs) * time.Second
}

// CleanupInterval is min(grant_ttl, 30s): expired entries never
// outlive their TTL by more than one interval even for very long
// TTLs.
func (c *Config) CleanupInterval() time.Duration {
	ttl := c.GrantTTL()
	if ttl <= 0 || ttl > 30*time.Second {
		return 30 * time.Second
	}
	return ttl
}

// Defaults returns a Config populated with all non-secret operational
// defaults. Mode is intentionally left unset.
func Defaults() Config {
	return Config{
		SocketPath:             "/run/capseal/sidecar.sock",
		SessionKeyPath:         "/etc/capseal/session.key",
		GrantTTLSecs:           300,
		MaxRequestSizeBytes:    65536,
		LogLevel:               "info",
		MetricsAddr:            "127.0.0.1:9092",
		MaxInflightConnections: 64,
		Audit: AuditConfig{
			Enabled:       false,
			DBPath:        "/var/lib/capseal/audit.db",
			RetentionDays: 30,
		},
	}
}

// Load reads and validates a config file from the given path. Returns
// the merged config (defaults overridden by file values).
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness, accumulating
// every violation into one joined error rather than failing on the
// first.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Mode == "" {
		errs = append(errs, "mode is required and has no default (\"sidecar\" or \"standalone\")")
	} else if !cfg.Mode.valid() {
		errs = append(errs, fmt.Sprintf("mode must be \"sidecar\" or \"standalone\", got %q", cfg.Mode))
	}
	if cfg.SocketPath == "" {
		errs = append(errs, "socket_path must not be empty")
	}
	if cfg.SessionKeyPath == "" {
		errs = append(errs, "session_key_path must not be empty")
	}
	if cfg.AppUserUID == 0 {
		errs = append(errs, "appuser_uid must be set to the orchestrator's non-root UID")
	}
	if cfg.GrantTTLSecs == 0 {
		errs = append(errs, "grant_ttl_secs must be > 0")
	}
	if cfg.MaxRequestSizeBytes == 0 {
		errs = append(errs, "max_request_size_bytes must be > 0")
	}
	if cfg.MaxInflightConnections < 1 {
		errs = append(errs, fmt.Sprintf("max_inflight_connections must be >= 1, got %d", cfg.MaxInflightConnections))
	}
	if cfg.Audit.Enabled {
		if cfg.Audit.DBPath == "" {
			errs = append(errs, "audit.db_path must not be empty when audit.enabled is true")
		}
		if cfg.Audit.RetentionDays < 1 {
			errs = append(errs, fmt.Sprintf("audit.retention_days must be >= 1, got %d", cfg.Audit.RetentionDays))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
