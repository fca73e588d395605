// histcached is the history cache daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/xtxerr/histcache/internal/errors"
	"github.com/xtxerr/histcache/internal/loader"
	"github.com/xtxerr/histcache/internal/logging"
	"github.com/xtxerr/histcache/internal/metrics"
	"github.com/xtxerr/histcache/internal/storage"
	"github.com/xtxerr/histcache/internal/storage/config"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	if err := run(); err != nil {
		logging.Error("histcached failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// CLI flags
	cfgPath := flag.String("config", "histcache.yaml", "config file path")
	itemsPath := flag.String("items", "", "item definition file")
	watch := flag.Bool("watch", false, "reapply the item file when it changes")
	dbPath := flag.String("db", "", "database path (overrides config)")
	exportDir := flag.String("export-dir", "", "enable the Parquet export into this directory")
	metricsListen := flag.String("listen-metrics", "", "metrics listen address (overrides config)")
	logLevel := flag.String("log-level", "", "log level (overrides config)")
	logFormat := flag.String("log-format", "", "log format: text, json, auto (overrides config)")
	check := flag.Bool("check", false, "validate the configuration, print cache requirements and exit")
	version := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *version {
		fmt.Println(Version)
		return nil
	}

	// Load config
	cfg, err := config.Load(*cfgPath)
	defaults := false
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = config.DefaultConfig()
		defaults = true
	}

	// CLI overrides
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}
	if *exportDir != "" {
		cfg.Export.Enabled = true
		cfg.Export.Dir = *exportDir
	}
	if *metricsListen != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Listen = *metricsListen
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}

	if err := initLogging(cfg.Logging); err != nil {
		return err
	}
	logging.Info("histcached starting", "version", Version)
	if defaults {
		logging.Info("no config file found, using defaults", "path", *cfgPath)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	req := cfg.CalculateRequirements()
	if *check {
		fmt.Print(req.FormatRequirements())
		return nil
	}

	// =========================================================================
	// Storage service
	// =========================================================================

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := storage.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create storage service: %w", err)
	}

	var items *loader.Watcher
	if *itemsPath != "" {
		if err := applyItems(ctx, *itemsPath, svc); err != nil {
			svc.Close()
			return err
		}
		if *watch {
			items = loader.NewWatcher(*itemsPath, svc, 0, func(r *loader.ApplyResult) {
				logging.Info("item file reapplied", "items", r.Items, "disabled", r.Disabled, "errors", len(r.Errors))
			})
		}
	}

	if err := svc.Start(); err != nil {
		svc.Close()
		return fmt.Errorf("start storage service: %w", err)
	}
	logging.Info("storage service started",
		"db", cfg.Database.Path,
		"workers", cfg.Sync.Workers,
		"history_cache", cfg.Cache.HistorySize,
		"numeric_capacity", req.NumericValues)

	// =========================================================================
	// Auxiliary loops
	// =========================================================================

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path, metrics.NewRegistry(svc.Stats))
		g.Go(func() error { return srv.ListenAndServe(gctx) })
	}
	if items != nil {
		g.Go(func() error { return items.Run(gctx) })
	}
	g.Go(func() error {
		handleSignals(gctx, svc, *itemsPath)
		return nil
	})

	// =========================================================================
	// Shutdown
	// =========================================================================

	<-gctx.Done()
	stop()
	logging.Info("shutting down")

	auxErr := g.Wait()
	if err := svc.Stop(); err != nil {
		return errors.Join(auxErr, fmt.Errorf("stop storage service: %w", err))
	}
	if auxErr != nil {
		return auxErr
	}
	logging.Info("histcached stopped")
	return nil
}

// initLogging configures the global logger. The auto format writes JSON
// unless stderr is a terminal.
func initLogging(cfg config.LoggingConfig) error {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return err
	}

	var jsonFormat bool
	switch cfg.Format {
	case "json":
		jsonFormat = true
	case "text":
	default:
		jsonFormat = !term.IsTerminal(int(os.Stderr.Fd()))
	}
	logging.InitWriter(os.Stderr, level, jsonFormat)
	return nil
}

func applyItems(ctx context.Context, path string, svc *storage.Service) error {
	f, err := loader.Load(path)
	if err != nil {
		return err
	}
	res, err := loader.Apply(ctx, f, svc)
	if err != nil {
		return err
	}
	logging.Info("item file applied", "path", path, "items", res.Items, "disabled", res.Disabled)
	return nil
}

// handleSignals serves the runtime control signals: SIGUSR1 logs arena
// statistics and SIGHUP reloads the item file, or drops all cached item
// metadata when no item file is configured.
func handleSignals(ctx context.Context, svc *storage.Service, itemsPath string) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGUSR1, syscall.SIGHUP)
	defer signal.Stop(sig)

	for {
		select {
		case <-ctx.Done():
			return
		case s := <-sig:
			switch s {
			case syscall.SIGUSR1:
				svc.DumpStats()
			case syscall.SIGHUP:
				if itemsPath == "" {
					svc.InvalidateItems()
					logging.Info("item metadata cache cleared")
					continue
				}
				if err := applyItems(ctx, itemsPath, svc); err != nil {
					logging.Warn("item file reload failed", "error", err)
				}
			}
		}
	}
}
