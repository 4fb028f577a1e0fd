package extension

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/thejerf/suture/v4"
)

// CheckHealth runs one health round: each idle instance is unloaded when it
// has been inactive longer than its idle timeout, and otherwise receives a
// heartbeat. Every instance gets its own timeout; a failure or panic in one
// does not affect the others.
func (r *Registry) CheckHealth(ctx context.Context) {
	var wg sync.WaitGroup
	for _, inst := range r.active() {
		if inst.State() != StateIdle {
			continue
		}
		wg.Add(1)
		go func(inst *Instance) {
			defer wg.Done()
			defer func() {
				if p := recover(); p != nil {
					r.logger.Error().Interface("panic", p).Str("extension", inst.ID()).Msg("health check panicked")
				}
			}()
			cctx, cancel := context.WithTimeout(ctx, r.settings.HealthCheckTimeout)
			defer cancel()
			r.checkOne(cctx, inst)
		}(inst)
	}
	wg.Wait()
}

func (r *Registry) checkOne(ctx context.Context, inst *Instance) {
	idle := inst.Definition().Effective().IdleTimeout
	if idle > 0 && time.Since(inst.LastActivity()) > idle {
		r.logger.Info().Str("extension", inst.ID()).Dur("idle", idle).Msg("unloading idle extension")
		if err := inst.Stop(ctx, true); err != nil {
			r.logger.Warn().Err(err).Str("extension", inst.ID()).Msg("failed to unload idle extension")
		}
		return
	}
	if r.zombie != nil && inst.CheckProcess(ctx, *r.zombie) {
		return
	}
	if err := inst.SendHeartbeat(ctx); err != nil {
		r.logger.Warn().Err(err).Str("extension", inst.ID()).Msg("heartbeat failed")
	}
}

// HealthService runs CheckHealth every HealthCheckInterval.
type HealthService struct {
	registry *Registry
	interval time.Duration
}

// NewHealthService creates the health loop service.
func NewHealthService(r *Registry) *HealthService {
	return &HealthService{registry: r, interval: r.settings.HealthCheckInterval}
}

// Serve implements suture.Service.
func (s *HealthService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.registry.CheckHealth(ctx)
		}
	}
}

// String implements fmt.Stringer.
func (s *HealthService) String() string { return "extension-health" }

// InitService initializes every available extension once in the
// background.
type InitService struct {
	registry *Registry
}

// NewInitService creates the one-shot initialization service.
func NewInitService(r *Registry) *InitService {
	return &InitService{registry: r}
}

// Serve implements suture.Service. It is not restarted after completing.
func (s *InitService) Serve(ctx context.Context) error {
	s.registry.InitializeAll(ctx)
	if err := ctx.Err(); err != nil {
		return err
	}
	return suture.ErrDoNotRestart
}

// String implements fmt.Stringer.
func (s *InitService) String() string { return "extension-init" }

// WatchDefinitions watches dir and registers manifests that appear or
// change. It blocks until ctx is canceled.
func (r *Registry) WatchDefinitions(ctx context.Context, dir string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create manifest watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	r.logger.Info().Str("dir", dir).Msg("watching extension manifests")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if !IsManifest(ev.Name) {
				continue
			}
			r.loadWatched(filepath.Clean(ev.Name))
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn().Err(err).Msg("manifest watcher error")
		}
	}
}

func (r *Registry) loadWatched(path string) {
	def, err := LoadManifest(path)
	if err != nil {
		// Editors write in several steps; a partial file parses later.
		r.logger.Debug().Err(err).Str("path", path).Msg("manifest not loadable yet")
		return
	}
	r.AddDefinition(def)
}

// WatchService runs WatchDefinitions under a supervisor.
type WatchService struct {
	registry *Registry
	dir      string
}

// NewWatchService creates the manifest watcher service.
func NewWatchService(r *Registry, dir string) *WatchService {
	return &WatchService{registry: r, dir: dir}
}

// Serve implements suture.Service.
func (s *WatchService) Serve(ctx context.Context) error {
	return s.registry.WatchDefinitions(ctx, s.dir)
}

// String implements fmt.Stringer.
func (s *WatchService) String() string { return "extension-watch" }
