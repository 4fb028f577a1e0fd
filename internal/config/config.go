// Package config loads docbridge configuration.
//
// Configuration is layered, lowest priority first:
//
//  1. Built-in defaults (Defaults)
//  2. An optional YAML file
//  3. DOCBRIDGE_* environment variables
//
// Environment variable names map onto config paths by stripping the prefix,
// lowercasing, and treating a double underscore as a nesting separator:
//
//	DOCBRIDGE_EXTENSION__HANDSHAKE_TIMEOUT=15s  ->  extension.handshake_timeout
//	DOCBRIDGE_LIMITS__FRAME_INTERVAL_MS__MIN=50 ->  limits.frame_interval_ms.min
//
// Numeric per-extension capabilities are expressed as ConstrainedSetting
// values: an extension may request a value but never escapes the operator's
// floor and ceiling.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config is the root configuration.
type Config struct {
	// Enabled turns the extension subsystem on or off.
	Enabled bool `koanf:"enabled"`

	// ExtensionsDir holds extension manifests.
	ExtensionsDir string `koanf:"extensions_dir"`

	// WatchExtensions reloads the manifest directory when it changes.
	WatchExtensions bool `koanf:"watch_extensions"`

	// MetricsAddr serves /metrics when non-empty.
	MetricsAddr string `koanf:"metrics_addr"`

	Transport TransportConfig `koanf:"transport"`
	Extension ExtensionConfig `koanf:"extension"`
	Ledger    LedgerConfig    `koanf:"ledger"`
	Bridge    BridgeConfig    `koanf:"bridge"`
	Limits    LimitsConfig    `koanf:"limits"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// TransportConfig controls how snapshot payloads reach extensions.
type TransportConfig struct {
	// DefaultMode is used when an extension has no usable preference.
	DefaultMode string `koanf:"default_mode"`

	// TempDir holds file-transport payloads. Empty means a docbridge
	// directory under os.TempDir().
	TempDir string `koanf:"temp_dir"`

	// ShmDir holds shared-memory payloads.
	ShmDir string `koanf:"shm_dir"`

	// MaxSnapshotBytes rejects larger payloads. Zero disables the cap.
	MaxSnapshotBytes int64 `koanf:"max_snapshot_bytes"`

	// MinFreeDiskBytes is the free space that must remain after a
	// file or shared-memory handoff.
	MinFreeDiskBytes int64 `koanf:"min_free_disk_bytes"`

	// IsolationMode is none, group or user.
	IsolationMode string `koanf:"isolation_mode"`
}

// ExtensionConfig holds process lifecycle timing and limits.
type ExtensionConfig struct {
	ProtocolVersion string `koanf:"protocol_version"`

	HealthCheckInterval time.Duration `koanf:"health_check_interval"`
	HealthCheckTimeout  time.Duration `koanf:"health_check_timeout"`

	MaxRestartAttempts    int           `koanf:"max_restart_attempts"`
	RestartCooldown       time.Duration `koanf:"restart_cooldown"`
	RestartResetWindow    time.Duration `koanf:"restart_reset_window"`
	RapidCrashWindow      time.Duration `koanf:"rapid_crash_window"`
	MaxRapidCrashes       int           `koanf:"max_rapid_crashes"`
	ErrorRecoveryCooldown time.Duration `koanf:"error_recovery_cooldown"`
	MaxSendFailures       int           `koanf:"max_send_failures"`

	StdinWriteTimeout time.Duration `koanf:"stdin_write_timeout"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	HandshakeTimeout  time.Duration `koanf:"handshake_timeout"`
	StartTimeout      time.Duration `koanf:"start_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
	CommandTimeout    time.Duration `koanf:"command_timeout"`
	ReaderJoinTimeout time.Duration `koanf:"reader_join_timeout"`
	CloseTimeout      time.Duration `koanf:"close_timeout"`

	// InitializeOnStart handshakes every available extension in the
	// background at startup.
	InitializeOnStart bool `koanf:"initialize_on_start"`
}

// LedgerConfig sizes the pending-snapshot ledger.
type LedgerConfig struct {
	Capacity      int           `koanf:"capacity"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

// BridgeConfig controls session bindings and snapshot pushes.
type BridgeConfig struct {
	MaxBindings                int           `koanf:"max_bindings"`
	DebounceDelay              time.Duration `koanf:"debounce_delay"`
	RetryInterval              time.Duration `koanf:"retry_interval"`
	RetrySweepTimeout          time.Duration `koanf:"retry_sweep_timeout"`
	NotifyTimeout              time.Duration `koanf:"notify_timeout"`
	CacheTTL                   time.Duration `koanf:"cache_ttl"`
	CacheCapacity              int           `koanf:"cache_capacity"`
	ClosedSessionTTL           time.Duration `koanf:"closed_session_ttl"`
	ConversionFailureThreshold int           `koanf:"conversion_failure_threshold"`
	ConversionBackoff          time.Duration `koanf:"conversion_backoff"`
	MaxRetiredLocks            int           `koanf:"max_retired_locks"`
}

// LimitsConfig bounds the capabilities an extension may request.
type LimitsConfig struct {
	FrameIntervalMs     ConstrainedSetting `koanf:"frame_interval_ms"`
	SnapshotTTLSeconds  ConstrainedSetting `koanf:"snapshot_ttl_seconds"`
	MaxMissedHeartbeats ConstrainedSetting `koanf:"max_missed_heartbeats"`
	IdleTimeoutSeconds  ConstrainedSetting `koanf:"idle_timeout_seconds"`
}

// LoggingConfig mirrors logging.Config for file and environment loading.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// NeverUnload is the idle-timeout sentinel that keeps an extension loaded.
const NeverUnload int64 = 0

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Enabled:       true,
		ExtensionsDir: "extensions",
		Transport: TransportConfig{
			DefaultMode:      "stdin",
			TempDir:          filepath.Join(os.TempDir(), "docbridge"),
			ShmDir:           "/dev/shm",
			MaxSnapshotBytes: 64 << 20,
			MinFreeDiskBytes: 100 << 20,
			IsolationMode:    "none",
		},
		Extension: ExtensionConfig{
			ProtocolVersion:       "1.0",
			HealthCheckInterval:   30 * time.Second,
			HealthCheckTimeout:    10 * time.Second,
			MaxRestartAttempts:    5,
			RestartCooldown:       2 * time.Second,
			RestartResetWindow:    5 * time.Minute,
			RapidCrashWindow:      10 * time.Second,
			MaxRapidCrashes:       3,
			ErrorRecoveryCooldown: time.Minute,
			MaxSendFailures:       3,
			StdinWriteTimeout:     5 * time.Second,
			ReadTimeout:           30 * time.Second,
			HandshakeTimeout:      10 * time.Second,
			StartTimeout:          15 * time.Second,
			ShutdownTimeout:       5 * time.Second,
			CommandTimeout:        30 * time.Second,
			ReaderJoinTimeout:     2 * time.Second,
			CloseTimeout:          10 * time.Second,
			InitializeOnStart:     true,
		},
		Ledger: LedgerConfig{
			Capacity:      1000,
			SweepInterval: 10 * time.Second,
		},
		Bridge: BridgeConfig{
			MaxBindings:                1000,
			DebounceDelay:              200 * time.Millisecond,
			RetryInterval:              time.Second,
			RetrySweepTimeout:          10 * time.Second,
			NotifyTimeout:              5 * time.Second,
			CacheTTL:                   30 * time.Second,
			CacheCapacity:              100,
			ClosedSessionTTL:           30 * time.Second,
			ConversionFailureThreshold: 3,
			ConversionBackoff:          30 * time.Second,
			MaxRetiredLocks:            64,
		},
		Limits: LimitsConfig{
			FrameIntervalMs:     ConstrainedSetting{Default: 100, Min: 16, Max: 10000},
			SnapshotTTLSeconds:  ConstrainedSetting{Default: 30, Min: 5, Max: 600},
			MaxMissedHeartbeats: ConstrainedSetting{Default: 3, Min: 1, Max: 10},
			IdleTimeoutSeconds: ConstrainedSetting{
				Default:      300,
				Min:          30,
				Max:          86400,
				Special:      NeverUnload,
				HasSpecial:   true,
				AllowSpecial: true,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
