package config

import (
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"strings"
)

// Errors returned by configuration loading.
var (
	// ErrFileNotFound indicates an explicitly named config file is missing.
	ErrFileNotFound = errors.New("config file not found")

	// ErrInvalid indicates the configuration failed validation.
	ErrInvalid = errors.New("invalid configuration")

	// ErrUnsafeTempDir indicates a temp directory that could expose payloads.
	ErrUnsafeTempDir = errors.New("unsafe temp directory")
)

// Transport mode names accepted in configuration and manifests.
var TransportModes = []string{"stdin", "mmap", "file"}

// Isolation mode names.
var IsolationModes = []string{"none", "group", "user"}

// Validate checks the configuration for impossible values.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if !slices.Contains(TransportModes, c.Transport.DefaultMode) {
		add("transport.default_mode %q not one of %v", c.Transport.DefaultMode, TransportModes)
	}
	if !slices.Contains(IsolationModes, c.Transport.IsolationMode) {
		add("transport.isolation_mode %q not one of %v", c.Transport.IsolationMode, IsolationModes)
	}
	if err := ValidateTempDir(c.Transport.TempDir); err != nil {
		errs = append(errs, err)
	}
	if c.Transport.MaxSnapshotBytes < 0 {
		add("transport.max_snapshot_bytes must not be negative")
	}
	if c.Transport.MinFreeDiskBytes < 0 {
		add("transport.min_free_disk_bytes must not be negative")
	}

	e := c.Extension
	positive := map[string]int64{
		"extension.health_check_interval":     int64(e.HealthCheckInterval),
		"extension.health_check_timeout":      int64(e.HealthCheckTimeout),
		"extension.stdin_write_timeout":       int64(e.StdinWriteTimeout),
		"extension.read_timeout":              int64(e.ReadTimeout),
		"extension.handshake_timeout":         int64(e.HandshakeTimeout),
		"extension.start_timeout":             int64(e.StartTimeout),
		"extension.shutdown_timeout":          int64(e.ShutdownTimeout),
		"extension.command_timeout":           int64(e.CommandTimeout),
		"extension.reader_join_timeout":       int64(e.ReaderJoinTimeout),
		"extension.close_timeout":             int64(e.CloseTimeout),
		"extension.max_restart_attempts":      int64(e.MaxRestartAttempts),
		"extension.max_rapid_crashes":         int64(e.MaxRapidCrashes),
		"extension.max_send_failures":         int64(e.MaxSendFailures),
		"ledger.capacity":                     int64(c.Ledger.Capacity),
		"ledger.sweep_interval":               int64(c.Ledger.SweepInterval),
		"bridge.max_bindings":                 int64(c.Bridge.MaxBindings),
		"bridge.debounce_delay":               int64(c.Bridge.DebounceDelay),
		"bridge.retry_interval":               int64(c.Bridge.RetryInterval),
		"bridge.retry_sweep_timeout":          int64(c.Bridge.RetrySweepTimeout),
		"bridge.cache_capacity":               int64(c.Bridge.CacheCapacity),
		"bridge.conversion_failure_threshold": int64(c.Bridge.ConversionFailureThreshold),
	}
	for _, name := range slices.Sorted(maps.Keys(positive)) {
		if positive[name] <= 0 {
			add("%s must be positive", name)
		}
	}
	if e.RestartCooldown < 0 || e.ErrorRecoveryCooldown < 0 || e.RapidCrashWindow < 0 {
		add("extension cooldowns and windows must not be negative")
	}
	if strings.TrimSpace(e.ProtocolVersion) == "" {
		add("extension.protocol_version must be set")
	}

	limits := map[string]ConstrainedSetting{
		"limits.frame_interval_ms":     c.Limits.FrameIntervalMs,
		"limits.snapshot_ttl_seconds":  c.Limits.SnapshotTTLSeconds,
		"limits.max_missed_heartbeats": c.Limits.MaxMissedHeartbeats,
		"limits.idle_timeout_seconds":  c.Limits.IdleTimeoutSeconds,
	}
	for _, name := range slices.Sorted(maps.Keys(limits)) {
		s := limits[name]
		if err := s.Validate(); err != nil {
			add("%s: %v", name, err)
		}
		if s.Min < 0 {
			add("%s: min must not be negative", name)
		}
	}
	if c.Limits.MaxMissedHeartbeats.Min < 1 {
		add("limits.max_missed_heartbeats: min must be at least 1")
	}

	return errors.Join(errs...)
}

// ValidateTempDir rejects temp directories that are relative, the
// filesystem root, or contain parent references.
func ValidateTempDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("%w: empty path", ErrUnsafeTempDir)
	}
	if !filepath.IsAbs(dir) {
		return fmt.Errorf("%w: %q is not absolute", ErrUnsafeTempDir, dir)
	}
	for _, part := range strings.Split(filepath.ToSlash(dir), "/") {
		if part == ".." {
			return fmt.Errorf("%w: %q contains a parent reference", ErrUnsafeTempDir, dir)
		}
	}
	if filepath.Clean(dir) == filepath.Dir(filepath.Clean(dir)) {
		return fmt.Errorf("%w: %q is a filesystem root", ErrUnsafeTempDir, dir)
	}
	return nil
}
