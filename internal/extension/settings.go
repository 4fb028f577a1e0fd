package extension

import (
	"time"

	"github.com/dshills/docbridge/internal/config"
	"github.com/dshills/docbridge/internal/transport"
)

// Settings are the lifecycle limits and timeouts shared by all instances.
type Settings struct {
	ProtocolVersion string

	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration

	MaxRestartAttempts    int
	RestartCooldown       time.Duration
	RestartResetWindow    time.Duration
	RapidCrashWindow      time.Duration
	MaxRapidCrashes       int
	ErrorRecoveryCooldown time.Duration
	MaxSendFailures       int

	StdinWriteTimeout time.Duration
	ReadTimeout       time.Duration
	HandshakeTimeout  time.Duration
	StartTimeout      time.Duration
	ShutdownTimeout   time.Duration
	CommandTimeout    time.Duration
	ReaderJoinTimeout time.Duration
	CloseTimeout      time.Duration

	Transport transport.Options
}

// SettingsFromConfig extracts instance settings from cfg.
func SettingsFromConfig(cfg *config.Config) Settings {
	e := cfg.Extension
	return Settings{
		ProtocolVersion:       e.ProtocolVersion,
		HealthCheckInterval:   e.HealthCheckInterval,
		HealthCheckTimeout:    e.HealthCheckTimeout,
		MaxRestartAttempts:    e.MaxRestartAttempts,
		RestartCooldown:       e.RestartCooldown,
		RestartResetWindow:    e.RestartResetWindow,
		RapidCrashWindow:      e.RapidCrashWindow,
		MaxRapidCrashes:       e.MaxRapidCrashes,
		ErrorRecoveryCooldown: e.ErrorRecoveryCooldown,
		MaxSendFailures:       e.MaxSendFailures,
		StdinWriteTimeout:     e.StdinWriteTimeout,
		ReadTimeout:           e.ReadTimeout,
		HandshakeTimeout:      e.HandshakeTimeout,
		StartTimeout:          e.StartTimeout,
		ShutdownTimeout:       e.ShutdownTimeout,
		CommandTimeout:        e.CommandTimeout,
		ReaderJoinTimeout:     e.ReaderJoinTimeout,
		CloseTimeout:          e.CloseTimeout,
		Transport: transport.Options{
			TempDir:          cfg.Transport.TempDir,
			ShmDir:           cfg.Transport.ShmDir,
			MaxSnapshotBytes: cfg.Transport.MaxSnapshotBytes,
			MinFreeDiskBytes: cfg.Transport.MinFreeDiskBytes,
		},
	}
}

// DefaultSettings returns settings from the built-in configuration.
func DefaultSettings() Settings {
	return SettingsFromConfig(config.Defaults())
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.ProtocolVersion == "" {
		s.ProtocolVersion = d.ProtocolVersion
	}
	setDur := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	setInt := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	setDur(&s.HealthCheckInterval, d.HealthCheckInterval)
	setDur(&s.HealthCheckTimeout, d.HealthCheckTimeout)
	setInt(&s.MaxRestartAttempts, d.MaxRestartAttempts)
	setDur(&s.RestartResetWindow, d.RestartResetWindow)
	setDur(&s.RapidCrashWindow, d.RapidCrashWindow)
	setInt(&s.MaxRapidCrashes, d.MaxRapidCrashes)
	setInt(&s.MaxSendFailures, d.MaxSendFailures)
	setDur(&s.StdinWriteTimeout, d.StdinWriteTimeout)
	setDur(&s.ReadTimeout, d.ReadTimeout)
	setDur(&s.HandshakeTimeout, d.HandshakeTimeout)
	setDur(&s.StartTimeout, d.StartTimeout)
	setDur(&s.ShutdownTimeout, d.ShutdownTimeout)
	setDur(&s.CommandTimeout, d.CommandTimeout)
	setDur(&s.ReaderJoinTimeout, d.ReaderJoinTimeout)
	setDur(&s.CloseTimeout, d.CloseTimeout)
	// RestartCooldown and ErrorRecoveryCooldown may be zero.
	if s.RestartCooldown < 0 {
		s.RestartCooldown = 0
	}
	if s.ErrorRecoveryCooldown < 0 {
		s.ErrorRecoveryCooldown = 0
	}
	return s
}
