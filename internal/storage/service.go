package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/histcache/internal/errors"
	"github.com/xtxerr/histcache/internal/idcache"
	"github.com/xtxerr/histcache/internal/logging"
	"github.com/xtxerr/histcache/internal/shmem"
	"github.com/xtxerr/histcache/internal/storage/backpressure"
	"github.com/xtxerr/histcache/internal/storage/config"
	"github.com/xtxerr/histcache/internal/storage/duckdb"
	"github.com/xtxerr/histcache/internal/storage/export"
	"github.com/xtxerr/histcache/internal/storage/retention"
	"github.com/xtxerr/histcache/internal/storage/types"
	"github.com/xtxerr/histcache/internal/syncer"
	"github.com/xtxerr/histcache/internal/trend"
	"github.com/xtxerr/histcache/internal/valuecache"
)

var log = logging.Component("storage")

// Service is the history cache service that orchestrates all components.
type Service struct {
	mu sync.Mutex

	config *config.Config
	fatal  func(string)

	// Arenas
	historyArena *shmem.Arena
	trendArena   *shmem.Arena
	idArena      *shmem.Arena

	// Components
	values    *valuecache.Cache
	trends    *trend.Aggregator
	ids       *idcache.Cache
	store     *duckdb.Store
	items     *syncer.CachedResolver
	locks     *syncer.TriggerLocks
	recorder  *syncer.Recorder
	export    *export.Sink
	retention *retention.Manager
	monitor   *backpressure.Monitor
	workers   []*syncer.Synchronizer

	// State
	running   atomic.Bool
	cancel    context.CancelFunc
	group     *errgroup.Group
	startTime atomic.Int64
}

// Option configures a Service.
type Option func(*Service)

// WithFatalHandler replaces the arena fatal handler. Tests use it to turn
// arena corruption into a panic instead of an exit.
func WithFatalHandler(fn func(msg string)) Option {
	return func(s *Service) { s.fatal = fn }
}

// New creates the service and opens the database.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	s := &Service{config: cfg}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.createArenas(); err != nil {
		return nil, err
	}

	s.values = valuecache.New(s.historyArena, valuecache.Config{FullWaitBackoff: cfg.Cache.FullWaitBackoff})
	s.trends = trend.New(s.trendArena, trend.Config{CleanupDelay: cfg.Trends.CleanupDelay})
	s.ids = idcache.New(s.idArena)

	store, err := duckdb.Open(ctx, duckdb.Config{
		Path:            cfg.Database.Path,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		InsertChunkSize: cfg.Database.InsertChunkSize,
		ConnMaxLifetime: duckdb.DefaultConfig().ConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s.store = store

	s.items = syncer.NewCachedResolver(store, cfg.Database.ItemCacheTTL)
	s.locks = syncer.NewTriggerLocks()
	s.recorder = syncer.NewRecorder()

	if cfg.Export.Enabled {
		s.export = export.NewSink(export.Options{
			Dir:            cfg.Export.Dir,
			Compression:    export.ParseCompressionType(cfg.Export.Compression),
			MaxRowsPerFile: cfg.Export.MaxRowsPerFile,
		})
		s.retention = retention.New(cfg.Export)
	}

	s.monitor = backpressure.New(cfg.Backpressure)
	s.monitor.AddSource("history", func() float64 { return s.historyArena.Counters().FillRatio() })
	s.monitor.AddSource("trend", func() float64 { return s.trendArena.Counters().FillRatio() })
	s.monitor.AddSource("id", func() float64 { return s.idArena.Counters().FillRatio() })

	deps := syncer.Deps{
		Values:   s.values,
		Trends:   s.trends,
		IDs:      s.ids,
		Storage:  store,
		Items:    s.items,
		Locks:    s.locks,
		Recorder: s.recorder,
	}
	if s.export != nil {
		deps.Export = s.export
	}

	syncCfg := syncer.Config{
		BatchSize:           cfg.Sync.BatchSize,
		TimeBudget:          cfg.Sync.TimeBudget,
		MinProcessedPct:     cfg.Sync.MinProcessedPct,
		InitialBackoff:      cfg.Sync.Retry.InitialBackoff,
		MaxBackoff:          cfg.Sync.Retry.MaxBackoff,
		MaxAttempts:         cfg.Sync.Retry.MaxAttempts,
		FullSyncLogInterval: cfg.Sync.FullSyncLogInterval,
	}
	for i := 0; i < cfg.Sync.Workers; i++ {
		s.workers = append(s.workers, syncer.New(i+1, deps, syncCfg))
	}

	log.Info("history cache created",
		"history_size", cfg.Cache.HistorySize.String(),
		"trend_size", cfg.Cache.TrendSize.String(),
		"id_size", cfg.Cache.IDSize.String(),
		"workers", cfg.Sync.Workers,
		"export", cfg.Export.Enabled)

	return s, nil
}

func (s *Service) createArenas() error {
	arenas := []struct {
		dst   **shmem.Arena
		name  string
		size  config.ByteSize
		param string
	}{
		{&s.historyArena, "history", s.config.Cache.HistorySize, "cache.history_size"},
		{&s.trendArena, "trend", s.config.Cache.TrendSize, "cache.trend_size"},
		{&s.idArena, "id", s.config.Cache.IDSize, "cache.id_size"},
	}

	for _, a := range arenas {
		opts := []shmem.Option{shmem.WithConfigParam(a.param)}
		if s.fatal != nil {
			opts = append(opts, shmem.WithFatal(s.fatal))
		}
		arena, err := shmem.New(a.name, uint64(a.size), true, opts...)
		if err != nil {
			return fmt.Errorf("create %s cache: %w", a.name, err)
		}
		*a.dst = arena
	}
	return nil
}

// NewStager returns a producer buffer committing into the value cache.
// Every producer goroutine needs its own.
func (s *Service) NewStager() *valuecache.Stager {
	return s.values.NewStager(valuecache.StagerConfig{
		MaxValues: s.config.Stager.MaxValues,
		SlabSize:  int(s.config.Stager.SlabSize),
	})
}

// Start starts the synchronizer workers, the fill monitor and, with an
// export retention, the export file cleanup.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return errors.ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	for _, w := range s.workers {
		w := w
		g.Go(func() error { return s.runWorker(gctx, w) })
	}
	g.Go(func() error { return s.monitor.Run(gctx) })
	if s.retention != nil {
		g.Go(func() error { return s.retention.Run(gctx) })
	}

	s.cancel = cancel
	s.group = g
	s.startTime.Store(time.Now().UnixNano())
	s.running.Store(true)

	log.Info("history cache started", "workers", len(s.workers))
	return nil
}

// runWorker runs passes until ctx ends. A worker that drained the queue
// or failed waits Frequency before its next pass.
func (s *Service) runWorker(ctx context.Context, w *syncer.Synchronizer) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		res, err := w.Sync(ctx, syncer.ModeNormal)
		if ctx.Err() != nil {
			return nil
		}

		wait := s.config.Sync.Frequency
		switch {
		case err != nil:
			log.Error("sync pass failed", "error", err, "synced", res.Processed)
		case res.Duration >= s.config.Sync.TimeBudget:
			// Out of time with work left: continue right away.
			wait = 0
		}
		timer.Reset(wait)
	}
}

// Stop stops the workers and drains every cached value into storage
// within the configured drain timeout, then closes the database.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return errors.ErrNotRunning
	}
	s.running.Store(false)

	s.cancel()
	var errs []error
	if err := s.group.Wait(); err != nil {
		errs = append(errs, fmt.Errorf("stop workers: %w", err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.Shutdown.DrainTimeout)
	defer cancel()
	if _, err := s.FullSync(ctx); err != nil {
		errs = append(errs, fmt.Errorf("final sync: %w", err))
	}

	if err := s.close(); err != nil {
		errs = append(errs, err)
	}

	log.Info("history cache stopped", "uptime", s.uptime().Round(time.Second))
	return errors.Join(errs...)
}

// Close releases the database and export files of a service that was
// never started. Stop closes them on its own.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return errors.ErrAlreadyRunning
	}
	return s.close()
}

func (s *Service) close() error {
	var errs []error
	if s.export != nil {
		if err := s.export.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close export: %w", err))
		}
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close database: %w", err))
	}
	return errors.Join(errs...)
}

// FullSync drains every cached value and trend into storage with the
// first worker. Concurrent normal passes only compete for batches.
func (s *Service) FullSync(ctx context.Context) (syncer.Result, error) {
	res, err := s.workers[0].Sync(ctx, syncer.ModeFull)
	if err != nil {
		return res, err
	}
	if s.export != nil {
		if err := s.export.Flush(); err != nil {
			log.Warn("export flush failed", "error", err)
		}
	}
	return res, nil
}

// Store returns the database the service persists into.
func (s *Service) Store() *duckdb.Store {
	return s.store
}

// InvalidateItems drops cached metadata of ids, or of every item when no
// id is given, after item configuration changed.
func (s *Service) InvalidateItems(ids ...types.ItemID) {
	s.items.Invalidate(ids...)
}

// ApplyItems writes item metadata and drops the cached copies of the
// changed items.
func (s *Service) ApplyItems(ctx context.Context, items []types.ItemMeta) error {
	if err := s.store.UpsertItems(ctx, items); err != nil {
		return err
	}
	ids := make([]types.ItemID, len(items))
	for i := range items {
		ids[i] = items[i].ItemID
	}
	s.items.Invalidate(ids...)
	log.Info("items applied", "count", len(items))
	return nil
}

func (s *Service) uptime() time.Duration {
	return time.Since(time.Unix(0, s.startTime.Load()))
}

// IsRunning returns whether the service is running.
func (s *Service) IsRunning() bool {
	return s.running.Load()
}

// Config returns the service configuration.
func (s *Service) Config() *config.Config {
	return s.config
}

// Monitor returns the fill monitor.
func (s *Service) Monitor() *backpressure.Monitor {
	return s.monitor
}

// DumpStats logs detailed arena statistics.
func (s *Service) DumpStats() {
	s.values.DumpStats()
	s.trends.DumpStats()
	s.ids.DumpStats()
}
