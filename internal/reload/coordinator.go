// Package reload is the coordinator between the watcher, the registry and
// the supervisor: it classifies event batches, invalidates the affected
// signals, and drives the one async effect that reloads the application and
// schedules the next server generation. Asset-only batches bypass all of
// that and go straight to the browser-refresh callback.
package reload

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ehlowr0ld/hmr/internal/assetspec"
	"github.com/ehlowr0ld/hmr/internal/eventlog"
	"github.com/ehlowr0ld/hmr/internal/reactive"
	"github.com/ehlowr0ld/hmr/internal/registry"
	"github.com/ehlowr0ld/hmr/internal/supervisor"
	"github.com/ehlowr0ld/hmr/internal/watcher"
)

// Config wires the coordinator's collaborators.
type Config struct {
	Reactive   *reactive.Context
	Registry   *registry.Registry
	Supervisor *supervisor.Supervisor

	// LoadApp re-executes the user's imports through the registry and
	// returns the fresh application object. It runs under the reload
	// derivation, so every unit and tracked file it touches becomes a
	// dependency. The context is cancelled when the coordinator stops.
	LoadApp func(ctx context.Context) (any, error)

	// Assets classifies browser-refresh paths; nil disables the category.
	Assets *assetspec.Spec
	// Refresh is invoked for asset-only batches; nil disables refresh.
	Refresh func()

	// ExtraWatch lists non-code files whose edits force a reload; they are
	// tracked through the registry at the start of every cycle.
	ExtraWatch []string
	// ForceRestart is the subset of ExtraWatch that restarts even when the
	// path also satisfies the asset spec (the env file, typically).
	ForceRestart []string

	Hooks Hooks
	// Journal, when set, receives one entry per reload cycle.
	Journal *eventlog.Service
	// ClearScreen resets the terminal before each restart cycle.
	ClearScreen bool
}

// Coordinator owns the reload effect and the pending reload info.
type Coordinator struct {
	cfg   Config
	app   *reactive.AsyncDerived[any]
	cycle *reactive.AsyncEffect

	extra map[string]bool
	force map[string]bool

	mu      sync.Mutex
	pending Info
}

// New builds the coordinator. Call Start to run the initial load.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Reactive == nil || cfg.Registry == nil || cfg.Supervisor == nil {
		return nil, fmt.Errorf("reload: reactive context, registry and supervisor are required")
	}
	if cfg.LoadApp == nil {
		return nil, fmt.Errorf("reload: LoadApp is required")
	}
	c := &Coordinator{
		cfg:     cfg,
		extra:   make(map[string]bool),
		force:   make(map[string]bool),
		pending: newInfo(),
	}
	for _, path := range cfg.ExtraWatch {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("reload: resolve %q: %w", path, err)
		}
		c.extra[filepath.Clean(abs)] = true
	}
	for _, path := range cfg.ForceRestart {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("reload: resolve %q: %w", path, err)
		}
		c.force[filepath.Clean(abs)] = true
	}
	c.app = reactive.NewAsyncDerived(cfg.Reactive, func(ctx context.Context) (any, error) {
		// Extra watch files are dependencies of every load, so dirtying
		// one re-runs LoadApp even though user code never reads it.
		c.trackExtras()
		return cfg.LoadApp(ctx)
	})
	c.cycle = reactive.NewAsyncEffect(cfg.Reactive, c.runCycle, func(err error) {
		log.Printf("[reload] cycle failed: %v", err)
	})
	return c, nil
}

// Start triggers the initial load cycle. It does not wait: a failing first
// load is logged and retried on the next edit, like any other cycle.
func (c *Coordinator) Start() {
	c.cycle.Trigger()
}

// Stop cancels any in-flight reload and detaches the effect.
func (c *Coordinator) Stop() {
	c.cycle.Dispose()
}

// HandleBatch classifies one debounced event batch and either fires the
// refresh callback (asset-only) or invalidates the hit signals and
// schedules a reload cycle.
func (c *Coordinator) HandleBatch(batch watcher.Batch) {
	info := newInfo()
	for path := range batch {
		isAsset := c.cfg.Assets != nil && c.cfg.Assets.Match(path)
		switch {
		case c.cfg.Registry.IsModule(path):
			info.add(path, ReasonCode)
		case c.extra[path]:
			// Extra files are tracked through the registry too; classify
			// them here so the force-restart intersection applies. An extra
			// hit that is also an asset refreshes instead of restarting,
			// unless it is force-restart protected.
			if isAsset && !c.force[path] {
				info.add(path, ReasonAsset)
			} else {
				info.add(path, ReasonExtra)
			}
		case c.cfg.Registry.IsTracked(path):
			// Tracked hits that also satisfy the asset spec are asset hits:
			// the page refreshes, the loader is not re-run.
			if isAsset {
				info.add(path, ReasonAsset)
			} else {
				info.add(path, ReasonTracked)
			}
		case isAsset:
			info.add(path, ReasonAsset)
		}
	}
	if info.Empty() {
		return
	}

	forced := false
	for path := range info.Files {
		if c.force[path] {
			forced = true
			break
		}
	}

	if info.Reasons&^ReasonAsset == 0 && !forced {
		// Asset-only: the running generation keeps serving, connected
		// pages refresh.
		log.Printf("[reload] assets changed: %s", displayPaths(info.Paths()))
		if c.cfg.Refresh != nil {
			c.cfg.Refresh()
		}
		return
	}

	c.mu.Lock()
	c.pending.merge(info)
	c.mu.Unlock()

	c.cfg.Hooks.changeDetected(info)

	if c.cfg.ClearScreen {
		fmt.Print("\033[2J\033[H")
	}
	log.Printf("[reload] files changed (%s): %s", info.Reasons, displayPaths(info.Paths()))

	// Asset paths riding along in a mixed batch have no signal to dirty;
	// the new generation serves fresh content anyway, so no refresh signal
	// is emitted for them.
	for path := range info.Files {
		c.cfg.Registry.Invalidate(path)
	}
	c.cycle.Trigger()
}

// drain snapshots and resets the pending info.
func (c *Coordinator) drain() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := c.pending
	c.pending = newInfo()
	return info
}

// runCycle is the reload effect body: shut down the current generation,
// re-run the load derivation until it settles clean, then hand the fresh
// application to the supervisor.
func (c *Coordinator) runCycle(ctx context.Context) error {
	info := c.drain()
	start := time.Now()
	sup := c.cfg.Supervisor

	// A coalesced trigger can arrive after the previous cycle already
	// handled everything; don't bounce the server for it.
	if info.Empty() && sup.AppReady().IsSet() && !c.app.Dirty() {
		return nil
	}

	sup.AppReady().Clear()

	if gen := sup.Current(); gen != nil {
		runHook("before_shutdown", c.cfg.Hooks.BeforeShutdown)
		gen.Server.RequestExit()
		if err := gen.Finish.Wait(ctx); err != nil {
			return nil // cancelled during teardown
		}
		runHook("after_shutdown", c.cfg.Hooks.AfterShutdown)
	}

	runHook("before_reload", c.cfg.Hooks.BeforeReload)

	var (
		app any
		err error
	)
	for {
		app, err = c.app.Get(ctx)
		if err != nil || ctx.Err() != nil {
			break
		}
		// A file edited while the load was running left the derivation
		// dirty again; retry before declaring ready.
		if !c.app.Dirty() {
			break
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	duration := time.Since(start)

	if err != nil {
		log.Printf("[reload] load failed: %v", FilterError(err))
		c.journal(info, duration, err)
		// Stay down; the next edit retries.
		return nil
	}

	runHook("after_reload", c.cfg.Hooks.AfterReload)
	sup.SetApp(app)
	sup.AppReady().Set()
	sup.RequestRestart()
	c.journal(info, duration, nil)
	if !info.Empty() {
		log.Printf("[reload] application reloaded in %s", duration.Round(time.Millisecond))
	}
	return nil
}

// trackExtras (re-)registers the extra watch files so their signals exist
// for invalidation. Read failures are fine: a missing extra file simply
// cannot trigger until it appears.
func (c *Coordinator) trackExtras() {
	for path := range c.extra {
		_, _ = c.cfg.Registry.Track(path)
	}
}

func (c *Coordinator) journal(info Info, duration time.Duration, err error) {
	if c.cfg.Journal == nil {
		return
	}
	c.cfg.Journal.Record(eventlog.Entry{
		Reasons:  info.Reasons.String(),
		Files:    info.Paths(),
		Duration: duration,
		Err:      err,
	})
}

// displayPaths renders paths cwd-relative when possible, for readable logs.
func displayPaths(paths []string) string {
	cwd, err := os.Getwd()
	out := ""
	for i, path := range paths {
		if i > 0 {
			out += ", "
		}
		if err == nil {
			if rel, rerr := filepath.Rel(cwd, path); rerr == nil && len(rel) < len(path) {
				out += rel
				continue
			}
		}
		out += path
	}
	return out
}
