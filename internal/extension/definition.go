package extension

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dshills/docbridge/internal/config"
	"github.com/dshills/docbridge/internal/process"
	"github.com/dshills/docbridge/internal/protocol"
	"github.com/dshills/docbridge/internal/transport"
)

// Capabilities are the numeric and boolean features an extension declares.
// Numeric requests are bounded by the operator's limits.
type Capabilities struct {
	Heartbeat           bool   `yaml:"heartbeat" toml:"heartbeat" json:"heartbeat"`
	FrameIntervalMs     *int64 `yaml:"frame_interval_ms" toml:"frame_interval_ms" json:"frame_interval_ms"`
	SnapshotTTLSeconds  *int64 `yaml:"snapshot_ttl_seconds" toml:"snapshot_ttl_seconds" json:"snapshot_ttl_seconds"`
	MaxMissedHeartbeats *int64 `yaml:"max_missed_heartbeats" toml:"max_missed_heartbeats" json:"max_missed_heartbeats"`
	IdleTimeoutSeconds  *int64 `yaml:"idle_timeout_seconds" toml:"idle_timeout_seconds" json:"idle_timeout_seconds"`
}

// Definition is an extension's identity, launch command and declared
// support. Identity and launch fields are fixed after loading; runtime
// metadata from the handshake and the availability flag change under the
// definition's lock.
type Definition struct {
	ID             string            `yaml:"id" toml:"id" json:"id"`
	Executable     string            `yaml:"executable" toml:"executable" json:"executable"`
	Args           []string          `yaml:"args" toml:"args" json:"args"`
	WorkingDir     string            `yaml:"working_dir" toml:"working_dir" json:"working_dir"`
	Env            map[string]string `yaml:"env" toml:"env" json:"env"`
	Capabilities   Capabilities      `yaml:"capabilities" toml:"capabilities" json:"capabilities"`
	DocumentTypes  []string          `yaml:"document_types" toml:"document_types" json:"document_types"`
	OutputFormats  []string          `yaml:"output_formats" toml:"output_formats" json:"output_formats"`
	TransportModes []string          `yaml:"transport_modes" toml:"transport_modes" json:"transport_modes"`

	// Source is the manifest path the definition was loaded from.
	Source string `yaml:"-" toml:"-" json:"-"`

	effective Effective

	mu        sync.RWMutex
	runtime   RuntimeInfo
	available bool
	reason    string
}

// RuntimeInfo is the metadata an extension reports during the handshake.
type RuntimeInfo struct {
	Name        string
	Version     string
	Title       string
	Description string
	Author      string
	WebsiteURL  string
}

// Effective holds the resolved capability values.
type Effective struct {
	FrameInterval       time.Duration
	SnapshotTTL         time.Duration
	MaxMissedHeartbeats int
	// IdleTimeout of zero never unloads.
	IdleTimeout   time.Duration
	TransportMode string
}

// Resolve computes the effective capabilities against limits and picks a
// transport mode. It returns one warning per clamped request.
func (d *Definition) Resolve(limits config.LimitsConfig, defaultMode string) []string {
	var warnings []string
	resolve := func(name string, c config.ConstrainedSetting, req *int64) int64 {
		v, warn := c.Resolve(req)
		if warn != "" {
			warnings = append(warnings, name+": "+warn)
		}
		return v
	}

	frame := resolve("frame_interval_ms", limits.FrameIntervalMs, d.Capabilities.FrameIntervalMs)
	ttl := resolve("snapshot_ttl_seconds", limits.SnapshotTTLSeconds, d.Capabilities.SnapshotTTLSeconds)
	missed := resolve("max_missed_heartbeats", limits.MaxMissedHeartbeats, d.Capabilities.MaxMissedHeartbeats)
	idle := resolve("idle_timeout_seconds", limits.IdleTimeoutSeconds, d.Capabilities.IdleTimeoutSeconds)

	d.effective = Effective{
		FrameInterval:       time.Duration(frame) * time.Millisecond,
		SnapshotTTL:         time.Duration(ttl) * time.Second,
		MaxMissedHeartbeats: int(missed),
		IdleTimeout:         time.Duration(idle) * time.Second,
		TransportMode:       transport.Select(d.TransportModes, defaultMode),
	}
	return warnings
}

// Effective returns the resolved capabilities.
func (d *Definition) Effective() Effective {
	return d.effective
}

// Validate reports configuration errors that make the definition unusable.
func (d *Definition) Validate() error {
	var errs []error
	if strings.TrimSpace(d.ID) == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if strings.TrimSpace(d.Executable) == "" {
		errs = append(errs, errors.New("executable is required"))
	}
	for _, m := range d.TransportModes {
		if !slices.Contains([]string{protocol.ModeStdin, protocol.ModeMmap, protocol.ModeFile}, m) {
			errs = append(errs, fmt.Errorf("unknown transport mode %q", m))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
	}
	return nil
}

// Command returns the launch command.
func (d *Definition) Command() process.Command {
	keys := make([]string, 0, len(d.Env))
	for k := range d.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+d.Env[k])
	}
	return process.Command{
		Path: d.Executable,
		Args: append([]string(nil), d.Args...),
		Dir:  d.WorkingDir,
		Env:  env,
	}
}

// Supports reports whether the extension declares both the document type
// and the output format. Matching ignores case.
func (d *Definition) Supports(documentType, format string) bool {
	return containsFold(d.DocumentTypes, documentType) && containsFold(d.OutputFormats, format)
}

// SupportsFormat reports whether the extension declares format.
func (d *Definition) SupportsFormat(format string) bool {
	return containsFold(d.OutputFormats, format)
}

// Available reports whether the definition can be used and, if not, why.
func (d *Definition) Available() (bool, string) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.available, d.reason
}

// MarkAvailable clears any unavailability.
func (d *Definition) MarkAvailable() {
	d.mu.Lock()
	d.available = true
	d.reason = ""
	d.mu.Unlock()
}

// MarkUnavailable disables the definition with a reason.
func (d *Definition) MarkUnavailable(reason string) {
	d.mu.Lock()
	d.available = false
	d.reason = reason
	d.mu.Unlock()
}

// Runtime returns the handshake metadata.
func (d *Definition) Runtime() RuntimeInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.runtime
}

func (d *Definition) setRuntime(info RuntimeInfo) {
	d.mu.Lock()
	d.runtime = info
	d.mu.Unlock()
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
