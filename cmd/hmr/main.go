// Command hmr runs an application unit under hot reload: it watches the
// source tree, reloads the unit graph on change, and restarts the embedded
// HTTP server with the fresh application.
package main

import (
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/ehlowr0ld/hmr/internal/buildinfo"
	"github.com/ehlowr0ld/hmr/internal/config"
)

var errInterrupted = errors.New("interrupted")

func main() {
	opts := config.Options{}

	root := &cobra.Command{
		Use:     "hmr <path:attr>",
		Short:   "Hot-reload runner for long-running dev servers",
		Args:    cobra.ExactArgs(1),
		Version: buildinfo.Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Slug = args[0]
			cfg, err := config.Load(opts)
			if err != nil {
				return err
			}
			if cfg.LogLevel == "debug" {
				log.SetFlags(log.LstdFlags | log.Lmicroseconds)
			}
			return run(cfg)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.Flags()
	flags.StringArrayVar(&opts.ReloadInclude, "reload-include", nil, "directory or file to watch for reloads (repeatable; default: cwd)")
	flags.StringArrayVar(&opts.ReloadExclude, "reload-exclude", nil, "subtree to exclude from reload watching (repeatable)")
	flags.StringArrayVar(&opts.AssetInclude, "asset-include", nil, "path or glob whose edits refresh the browser without restarting (repeatable)")
	flags.StringArrayVar(&opts.AssetExclude, "asset-exclude", nil, "path or glob excluded from asset refresh (repeatable)")
	flags.IntVar(&opts.WatchDebounceMS, "watch-debounce-ms", 100, "quiet window before a change batch is processed")
	flags.IntVar(&opts.WatchStepMS, "watch-step-ms", 20, "granularity of the debounce check")
	flags.IntVar(&opts.RestartCooldownMS, "restart-cooldown-ms", 0, "minimum spacing between server restarts")
	flags.StringVar(&opts.Host, "host", "127.0.0.1", "bind address")
	flags.IntVar(&opts.Port, "port", 8000, "bind port")
	flags.StringVar(&opts.EnvFile, "env-file", "", "env file applied on start and re-applied on change (forces a restart)")
	flags.BoolVar(&opts.Refresh, "refresh", false, "inject the browser auto-refresh runtime into HTML responses")
	flags.BoolVar(&opts.Clear, "clear", false, "clear the terminal before each restart")
	flags.StringVar(&opts.LogLevel, "log-level", "info", "log level (debug, info, warning, error)")
	flags.StringVar(&opts.HistoryDir, "history-dir", "", "directory for the reload history database (off when empty)")

	if err := root.Execute(); err != nil {
		if errors.Is(err, errInterrupted) {
			os.Exit(130)
		}
		fmt.Fprintf(os.Stderr, "hmr: %v\n", err)
		os.Exit(1)
	}
}
