package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/ehlowr0ld/hmr/internal/assetspec"
	"github.com/ehlowr0ld/hmr/internal/config"
	"github.com/ehlowr0ld/hmr/internal/envfile"
	"github.com/ehlowr0ld/hmr/internal/eventlog"
	"github.com/ehlowr0ld/hmr/internal/manifest"
	"github.com/ehlowr0ld/hmr/internal/reactive"
	"github.com/ehlowr0ld/hmr/internal/refresh"
	"github.com/ehlowr0ld/hmr/internal/registry"
	"github.com/ehlowr0ld/hmr/internal/reload"
	"github.com/ehlowr0ld/hmr/internal/supervisor"
	"github.com/ehlowr0ld/hmr/internal/watcher"
)

// run wires the runner together and blocks until an interrupt.
func run(cfg *config.Config) error {
	if !underAny(cfg.UnitPath, cfg.ReloadInclude) {
		return fmt.Errorf("no files to watch: %s is outside every reload root", cfg.UnitPath)
	}

	rctx := reactive.NewContext()
	reg := registry.New(rctx, manifest.Load, registry.Policy{
		IncludeRoots: cfg.ReloadInclude,
		ExcludeRoots: cfg.ReloadExclude,
	})

	assets, err := assetspec.Compile(cfg.AssetInclude, cfg.AssetExclude, sourceSuffixes(cfg))
	if err != nil {
		return err
	}
	defer assets.Close()

	var hub *refresh.Hub
	if cfg.Refresh {
		hub = refresh.NewHub()
	}

	var envLoader *envfile.Loader
	if cfg.EnvFile != "" {
		envLoader = envfile.NewLoader(cfg.EnvFile)
		if n, err := envLoader.Apply(); err != nil {
			return err
		} else if n > 0 {
			log.Printf("[hmr] applied %d variable(s) from %s", n, cfg.EnvFile)
		}
	}

	var journal *eventlog.Service
	if cfg.HistoryDir != "" {
		repo, err := eventlog.OpenRepo(cfg.HistoryDir)
		if err != nil {
			return err
		}
		defer repo.Close()
		journal = eventlog.NewService(eventlog.ServiceConfig{Repo: repo})
		journal.Start()
		defer journal.Stop()
	}

	sup, err := supervisor.New(supervisor.Config{
		MakeServer: func(app any) (supervisor.Server, error) {
			handler, ok := app.(http.Handler)
			if !ok {
				return nil, fmt.Errorf("application is not an http.Handler")
			}
			if hub != nil {
				handler = refresh.Middleware(hub, handler)
			}
			return supervisor.NewHTTPServer(cfg.Host, cfg.Port, handler), nil
		},
		Cooldown: cfg.Cooldown,
		OnServerCreated: func(gen *supervisor.Generation) {
			log.Printf("[hmr] serving on http://%s:%d (generation %s)", cfg.Host, cfg.Port, shortID(gen))
		},
	})
	if err != nil {
		return err
	}

	coordCfg := reload.Config{
		Reactive:   rctx,
		Registry:   reg,
		Supervisor: sup,
		LoadApp: func(context.Context) (any, error) {
			return manifest.Handler(reg, cfg.UnitPath, cfg.Attr)
		},
		Assets:      assets,
		Journal:     journal,
		ClearScreen: cfg.Clear,
	}
	if hub != nil {
		coordCfg.Refresh = hub.NotifyReload
	}
	if envLoader != nil {
		coordCfg.ExtraWatch = []string{cfg.EnvFile}
		coordCfg.ForceRestart = []string{cfg.EnvFile}
		coordCfg.Hooks.BeforeReload = func() error {
			n, err := envLoader.Apply()
			if err != nil {
				return err
			}
			if n > 0 {
				log.Printf("[hmr] re-applied %d variable(s) from %s", n, cfg.EnvFile)
			}
			return nil
		}
	}
	coord, err := reload.New(coordCfg)
	if err != nil {
		return err
	}

	roots := append([]string{}, cfg.ReloadInclude...)
	roots = append(roots, assets.WatchPaths()...)
	if cfg.EnvFile != "" {
		roots = append(roots, cfg.EnvFile)
	}
	w, err := watcher.New(watcher.Config{
		IncludeRoots: roots,
		ExcludeRoots: cfg.ReloadExclude,
		Debounce:     cfg.Debounce,
		Step:         cfg.Step,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runDone := make(chan error, 1)
	go func() { runDone <- sup.Run(ctx) }()

	w.Start()
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		for batch := range w.Batches() {
			coord.HandleBatch(batch)
		}
	}()

	coord.Start()
	log.Printf("[hmr] watching %s", strings.Join(displayRoots(cfg.ReloadInclude), ", "))

	interrupted := true
	select {
	case <-ctx.Done():
		log.Printf("[hmr] interrupt received, shutting down (press again to force)")
	case <-watcherDone:
		// The event source died; without it nothing can ever reload.
		interrupted = false
		log.Printf("[hmr] watcher stopped, shutting down")
	}
	stop()

	// A second interrupt skips the graceful teardown.
	force := make(chan os.Signal, 1)
	signal.Notify(force, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-force
		os.Exit(130)
	}()

	w.Stop()
	coord.Stop()
	sup.Shutdown()
	<-runDone
	if interrupted {
		return errInterrupted
	}
	return nil
}

// sourceSuffixes lists the extensions treated as source even when an asset
// glob matches them.
func sourceSuffixes(cfg *config.Config) []string {
	suffixes := []string{".unit"}
	if ext := filepath.Ext(cfg.UnitPath); ext != "" && ext != ".unit" {
		suffixes = append(suffixes, ext)
	}
	return suffixes
}

func underAny(path string, roots []string) bool {
	for _, root := range roots {
		if path == root {
			return true
		}
		if rel, err := filepath.Rel(root, path); err == nil && !strings.HasPrefix(rel, "..") {
			return true
		}
	}
	return false
}

func displayRoots(roots []string) []string {
	cwd, err := os.Getwd()
	out := make([]string, 0, len(roots))
	for _, root := range roots {
		if err == nil {
			if rel, rerr := filepath.Rel(cwd, root); rerr == nil && len(rel) <= len(root) {
				out = append(out, rel)
				continue
			}
		}
		out = append(out, root)
	}
	return out
}

func shortID(gen *supervisor.Generation) string {
	id := gen.ID.String()
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
