// Package config turns the CLI flags into a validated runner configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Options carries the raw flag values exactly as cobra parsed them.
type Options struct {
	Slug string

	ReloadInclude []string
	ReloadExclude []string
	AssetInclude  []string
	AssetExclude  []string

	WatchDebounceMS   int
	WatchStepMS       int
	RestartCooldownMS int

	Host    string
	Port    int
	EnvFile string

	Refresh bool
	Clear   bool

	LogLevel   string
	HistoryDir string
}

// Config is the validated, normalized runner configuration. All paths are
// absolute.
type Config struct {
	UnitPath string
	Attr     string

	ReloadInclude []string
	ReloadExclude []string
	AssetInclude  []string
	AssetExclude  []string

	Debounce time.Duration
	Step     time.Duration
	Cooldown time.Duration

	Host    string
	Port    int
	EnvFile string

	Refresh bool
	Clear   bool

	LogLevel   string
	HistoryDir string
}

var logLevels = map[string]bool{"debug": true, "info": true, "warning": true, "error": true}

// Load validates opts and returns the runner configuration. All problems are
// collected and reported together.
func Load(opts Options) (*Config, error) {
	cfg := &Config{
		AssetInclude: opts.AssetInclude,
		AssetExclude: opts.AssetExclude,
		Host:         strings.TrimSpace(opts.Host),
		Port:         opts.Port,
		Refresh:      opts.Refresh,
		Clear:        opts.Clear,
		LogLevel:     strings.ToLower(strings.TrimSpace(opts.LogLevel)),
		HistoryDir:   opts.HistoryDir,
	}
	var errs []string

	unit, attr, ok := splitSlug(opts.Slug)
	if !ok {
		errs = append(errs, fmt.Sprintf("invalid application slug %q (expected path:attr)", opts.Slug))
	} else {
		abs, err := filepath.Abs(unit)
		if err != nil {
			errs = append(errs, fmt.Sprintf("resolve %q: %v", unit, err))
		} else if fi, err := os.Stat(abs); err != nil || fi.IsDir() {
			errs = append(errs, fmt.Sprintf("application unit %q not found", unit))
		} else {
			cfg.UnitPath = abs
		}
		cfg.Attr = attr
	}

	cfg.ReloadInclude = absAll("--reload-include", opts.ReloadInclude, &errs)
	cfg.ReloadExclude = absAll("--reload-exclude", opts.ReloadExclude, &errs)
	if len(cfg.ReloadInclude) == 0 {
		// Watch the working tree by default, like running from the project
		// root.
		cwd, err := os.Getwd()
		if err != nil {
			errs = append(errs, fmt.Sprintf("getwd: %v", err))
		} else {
			cfg.ReloadInclude = []string{cwd}
		}
	}

	cfg.Debounce = millis("--watch-debounce-ms", opts.WatchDebounceMS, &errs)
	cfg.Step = millis("--watch-step-ms", opts.WatchStepMS, &errs)
	cfg.Cooldown = time.Duration(opts.RestartCooldownMS) * time.Millisecond
	if opts.RestartCooldownMS < 0 {
		errs = append(errs, fmt.Sprintf("--restart-cooldown-ms: must not be negative, got %d", opts.RestartCooldownMS))
	}
	if cfg.Step > cfg.Debounce {
		errs = append(errs, fmt.Sprintf(
			"--watch-step-ms (%d) must not exceed --watch-debounce-ms (%d)",
			opts.WatchStepMS, opts.WatchDebounceMS))
	}

	if cfg.Host == "" {
		errs = append(errs, "--host must not be empty")
	}
	validatePort("--port", cfg.Port, &errs)

	if opts.EnvFile != "" {
		abs, err := filepath.Abs(opts.EnvFile)
		if err != nil {
			errs = append(errs, fmt.Sprintf("--env-file: resolve %q: %v", opts.EnvFile, err))
		} else {
			cfg.EnvFile = abs
		}
	}

	if !logLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Sprintf("--log-level: invalid level %q (allowed: debug, info, warning, error)", opts.LogLevel))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return cfg, nil
}

// splitSlug cuts path:attr at the last colon, so drive-letter-free relative
// paths with colons in directory names still resolve.
func splitSlug(slug string) (path, attr string, ok bool) {
	i := strings.LastIndex(slug, ":")
	if i <= 0 || i == len(slug)-1 {
		return "", "", false
	}
	return slug[:i], slug[i+1:], true
}

func absAll(name string, paths []string, errs *[]string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			*errs = append(*errs, fmt.Sprintf("%s: resolve %q: %v", name, p, err))
			continue
		}
		out = append(out, filepath.Clean(abs))
	}
	return out
}

func millis(name string, value int, errs *[]string) time.Duration {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
		return 0
	}
	return time.Duration(value) * time.Millisecond
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}
