// Package host wires docbridge's components together.
package host

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"

	"github.com/dshills/docbridge/internal/bridge"
	"github.com/dshills/docbridge/internal/config"
	"github.com/dshills/docbridge/internal/extension"
	"github.com/dshills/docbridge/internal/logging"
	"github.com/dshills/docbridge/internal/process"
	"github.com/dshills/docbridge/internal/snapshot"
	"github.com/dshills/docbridge/internal/supervisor"
)

// ErrNoSessions is returned when Options carries no session provider.
var ErrNoSessions = errors.New("host: session provider required")

// ErrNoConverter is returned when Options carries no conversion service.
var ErrNoConverter = errors.New("host: conversion service required")

// Options supplies the host's collaborators.
type Options struct {
	Sessions  bridge.SessionProvider
	Converter bridge.ConversionService

	// Spawner overrides the process registry as the way extensions are
	// launched.
	Spawner process.Spawner
}

// Host owns the extension subsystem.
type Host struct {
	cfg    *config.Config
	logger zerolog.Logger

	processes *process.Registry
	ledger    *snapshot.Ledger
	registry  *extension.Registry
	bridge    *bridge.Bridge
	tree      *supervisor.Tree

	closeOnce sync.Once
	closeErr  error
}

// New builds the host from cfg. Manifests are loaded from the configured
// extensions directory; a missing directory leaves the registry empty.
func New(cfg *config.Config, opts Options) (*Host, error) {
	if opts.Sessions == nil {
		return nil, ErrNoSessions
	}
	if opts.Converter == nil {
		return nil, ErrNoConverter
	}
	bs, err := bridge.SettingsFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	h := &Host{
		cfg:    cfg,
		logger: logging.Component("host"),
	}
	h.processes = process.NewRegistry(process.WithLogger(logging.Component("process")))

	resolver := extension.Resolver{
		Limits:      cfg.Limits,
		DefaultMode: cfg.Transport.DefaultMode,
		Logger:      logging.Component("manifest"),
	}
	defs, err := h.loadDefinitions(resolver)
	if err != nil {
		return nil, err
	}

	h.ledger = snapshot.NewLedger(cfg.Ledger.Capacity)

	spawner := opts.Spawner
	if spawner == nil {
		spawner = h.processes
	}
	h.registry = extension.NewRegistry(defs, extension.SettingsFromConfig(cfg), spawner,
		extension.WithLedger(h.ledger),
		extension.WithCleanupRegistry(h.processes),
		extension.WithResolver(resolver),
		extension.WithZombieCheck(process.DefaultZombieConfig()),
	)

	h.bridge = bridge.New(opts.Sessions, opts.Converter, h.registry, bs)

	h.tree = supervisor.NewTree(logging.NewSlogLogger("supervisor"), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Extension.CloseTimeout,
	})
	h.tree.AddExtensionService(extension.NewHealthService(h.registry))
	if cfg.Enabled && cfg.Extension.InitializeOnStart {
		h.tree.AddExtensionService(extension.NewInitService(h.registry))
	}
	if cfg.Enabled && cfg.WatchExtensions && dirExists(cfg.ExtensionsDir) {
		h.tree.AddExtensionService(extension.NewWatchService(h.registry, cfg.ExtensionsDir))
	}
	h.tree.AddLedgerService(snapshot.NewSweepService(h.ledger, cfg.Ledger.SweepInterval))
	h.tree.AddBridgeService(bridge.NewRetryService(h.bridge))

	h.logger.Info().
		Int("extensions", len(defs)).
		Str("dir", cfg.ExtensionsDir).
		Bool("enabled", cfg.Enabled).
		Msg("host ready")
	return h, nil
}

func (h *Host) loadDefinitions(resolver extension.Resolver) ([]*extension.Definition, error) {
	if !h.cfg.Enabled {
		h.logger.Info().Msg("extension subsystem disabled")
		return nil, nil
	}
	defs, err := extension.LoadDefinitions(h.cfg.ExtensionsDir, resolver)
	if errors.Is(err, fs.ErrNotExist) {
		h.logger.Warn().Str("dir", h.cfg.ExtensionsDir).Msg("extensions directory not found")
		return nil, nil
	}
	return defs, err
}

// Registry returns the extension registry.
func (h *Host) Registry() *extension.Registry { return h.registry }

// Bridge returns the session bridge.
func (h *Host) Bridge() *bridge.Bridge { return h.bridge }

// Ledger returns the pending snapshot ledger.
func (h *Host) Ledger() *snapshot.Ledger { return h.ledger }

// AddService supervises svc in the bridge layer. It may be called while
// the host runs.
func (h *Host) AddService(svc suture.Service) {
	h.tree.AddBridgeService(svc)
}

// Run serves the background loops until ctx is cancelled, then shuts the
// host down.
func (h *Host) Run(ctx context.Context) error {
	errCh := h.tree.ServeBackground(ctx)
	<-ctx.Done()
	if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Warn().Err(err).Msg("supervisor stopped with error")
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), h.cfg.Extension.CloseTimeout)
	defer cancel()
	return h.Close(closeCtx)
}

// Close stops the bridge, the extensions and every process they left
// behind. It is safe to call more than once.
func (h *Host) Close(ctx context.Context) error {
	h.closeOnce.Do(func() {
		if err := h.bridge.Close(ctx); err != nil {
			h.logger.Warn().Err(err).Msg("bridge close")
		}
		h.closeErr = h.registry.Close(ctx)
		h.processes.Shutdown(h.cfg.Extension.ShutdownTimeout)
		h.logger.Info().Int("pending_snapshots", h.ledger.Len()).Msg("host stopped")
	})
	return h.closeErr
}

func dirExists(dir string) bool {
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}
