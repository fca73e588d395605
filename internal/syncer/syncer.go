// Package syncer moves cached history values into storage.
//
// A synchronizer pass pops a batch of items from the value cache, oldest
// value first, and takes the oldest value of each. Values are checked
// against the item configuration and converted to the declared value type;
// values of unknown or disabled items are dropped from the cache without
// being persisted, and items whose triggers are locked by another worker
// are left for a later batch. History rows, discovery values, item runtime
// changes and finished trends are then written in one transaction. Only
// after it commits are the values released from the cache and folded into
// the trend cache.
//
// A pass continues with further batches while it is within its time
// budget and enough of the popped values were processed. A full sync
// drains the whole cache regardless of either limit.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/xtxerr/histcache/config"
	"github.com/xtxerr/histcache/internal/errors"
	"github.com/xtxerr/histcache/internal/idcache"
	"github.com/xtxerr/histcache/internal/logging"
	"github.com/xtxerr/histcache/internal/storage/types"
	"github.com/xtxerr/histcache/internal/trend"
	"github.com/xtxerr/histcache/internal/valuecache"
)

// Mode selects how much of the cache a pass drains.
type Mode int

const (
	// ModeNormal stops at the time budget or when too few popped values
	// could be processed.
	ModeNormal Mode = iota
	// ModeFull drains every cached value and flushes all trends.
	ModeFull
)

// logTable and logIDField name the column whose IDs the server generates.
const (
	logTable   = "history_log"
	logIDField = "id"
)

// Config holds synchronizer settings.
type Config struct {
	BatchSize       int
	TimeBudget      time.Duration
	MinProcessedPct int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxAttempts bounds transaction attempts per batch; 0 retries until
	// the context ends.
	MaxAttempts int

	// FullSyncLogInterval is how often a full sync logs its progress.
	FullSyncLogInterval time.Duration
}

// DefaultConfig returns the default synchronizer configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:           config.DefaultSyncBatchSize,
		TimeBudget:          config.DefaultSyncTimeBudget,
		MinProcessedPct:     config.DefaultMinProcessedPct,
		InitialBackoff:      config.DefaultRetryInitialBackoff,
		MaxBackoff:          config.DefaultRetryMaxBackoff,
		MaxAttempts:         config.DefaultRetryMaxAttempts,
		FullSyncLogInterval: config.DefaultFullSyncLogInterval,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.TimeBudget <= 0 {
		c.TimeBudget = d.TimeBudget
	}
	if c.MinProcessedPct < 0 {
		c.MinProcessedPct = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = max(d.MaxBackoff, c.InitialBackoff)
	}
	if c.FullSyncLogInterval <= 0 {
		c.FullSyncLogInterval = d.FullSyncLogInterval
	}
}

// Deps are the collaborators of a synchronizer. Export is optional.
type Deps struct {
	Values   *valuecache.Cache
	Trends   *trend.Aggregator
	IDs      *idcache.Cache
	Storage  Storage
	Items    ItemResolver
	Locks    *TriggerLocks
	Export   ExportSink
	Recorder *Recorder
}

// Synchronizer is one sync worker. Workers share the caches, the lock
// table and the recorder; a Synchronizer itself is used by one goroutine.
type Synchronizer struct {
	id  int
	cfg Config
	d   Deps
	log *slog.Logger

	pass uint64
}

// Result summarizes one pass.
type Result struct {
	Batches   int
	Popped    int
	Processed int
	Duration  time.Duration
}

// New creates synchronizer number id.
func New(id int, d Deps, cfg Config) *Synchronizer {
	cfg.applyDefaults()
	if d.Locks == nil {
		d.Locks = NewTriggerLocks()
	}
	if d.Recorder == nil {
		d.Recorder = NewRecorder()
	}
	return &Synchronizer{
		id:  id,
		cfg: cfg,
		d:   d,
		log: logging.Component("syncer").With("worker", id),
	}
}

// Sync runs one pass.
func (s *Synchronizer) Sync(ctx context.Context, mode Mode) (Result, error) {
	s.pass++
	start := time.Now()
	full := mode == ModeFull
	log := s.log.With("pass", s.pass)

	if full {
		s.d.Values.PrepareFullSync()
		defer s.d.Values.FinishFullSync()
		s.d.Recorder.fullSyncs.Add(1)
	} else {
		s.d.Trends.FlushDue(start)
	}

	var res Result
	lastLog := start
	for {
		if err := ctx.Err(); err != nil {
			return s.finish(res, start), err
		}

		popped, processed, err := s.syncBatch(ctx)
		res.Popped += popped
		res.Processed += processed
		if popped > 0 {
			res.Batches++
		}
		if err != nil {
			s.d.Recorder.failures.Add(1)
			return s.finish(res, start), err
		}
		if popped == 0 {
			break
		}

		if full {
			// Items the worker could not lock stay cached; stop instead of
			// spinning on them.
			if processed == 0 {
				log.Warn("full sync stopped with unprocessed items", "popped", popped)
				break
			}
			if time.Since(lastLog) >= s.cfg.FullSyncLogInterval {
				lastLog = time.Now()
				log.Info("full sync in progress",
					"synced", res.Processed,
					"remaining", s.d.Values.Stats().Values)
			}
			continue
		}

		if time.Since(start) >= s.cfg.TimeBudget {
			break
		}
		if processed*100/popped < s.cfg.MinProcessedPct {
			break
		}
	}

	if full {
		s.d.Trends.RestorePending(s.d.Trends.FlushAll())
		if err := s.flushTrends(ctx); err != nil {
			s.d.Recorder.failures.Add(1)
			return s.finish(res, start), err
		}
		log.Info("full sync finished", "values", res.Processed, "duration", time.Since(start))
	}

	return s.finish(res, start), nil
}

func (s *Synchronizer) finish(res Result, start time.Time) Result {
	res.Duration = time.Since(start)
	s.d.Recorder.observePass(res.Duration)
	return res
}

// txData is what one batch writes in its transaction.
type txData struct {
	history   []types.HistoryRow
	discovery []types.DiscoveryRow
	diffs     []types.ItemDiff
	trends    []types.TrendRow

	// trendInput is folded into the trend cache after commit.
	trendInput []trendValue
	// invalidate lists items whose cached metadata is stale after commit.
	invalidate []types.ItemID
}

func (t *txData) empty() bool {
	return len(t.history) == 0 && len(t.discovery) == 0 && len(t.diffs) == 0 && len(t.trends) == 0
}

type trendValue struct {
	itemID    types.ItemID
	valueType types.ValueType
	value     types.Variant
	ts        types.Timestamp
}

// syncBatch processes one batch and returns the number of entries popped
// and the number of values consumed.
func (s *Synchronizer) syncBatch(ctx context.Context) (int, int, error) {
	entries := s.d.Values.PopBatch(s.cfg.BatchSize)
	if len(entries) == 0 {
		return 0, 0, s.flushTrends(ctx)
	}

	consumed := make([]bool, len(entries))
	defer s.d.Locks.UnlockAll(s.id)

	release := func(n int, err error) (int, int, error) {
		if err != nil {
			clear(consumed)
			n = 0
		}
		s.d.Values.ReturnBatch(entries, consumed)
		return len(entries), n, err
	}

	values, err := s.d.Values.ExtractValues(entries)
	if err != nil {
		return release(0, err)
	}
	s.d.Recorder.batches.Add(1)
	s.d.Recorder.popped.Add(uint64(len(entries)))

	ids := make([]types.ItemID, len(values))
	for i := range values {
		ids[i] = values[i].ItemID
	}
	items, err := s.d.Items.ResolveItems(ctx, ids)
	if err != nil {
		return release(0, errors.Wrap(err, "resolve items"))
	}

	var data txData
	processed := 0
	for i := range values {
		v := &values[i]
		meta, ok := items[v.ItemID]
		if !ok || !meta.Enabled() || v.Flags.Has(types.FlagUndef) {
			consumed[i] = true
			processed++
			s.d.Recorder.undefined.Add(1)
			continue
		}
		if !s.d.Locks.TryLock(s.id, meta.TriggerIDs) {
			s.d.Recorder.skipped.Add(1)
			continue
		}
		s.prepare(&data, &meta, v)
		consumed[i] = true
		processed++
	}

	if err := s.assignLogIDs(ctx, data.history); err != nil {
		return release(0, err)
	}

	disableFrom, err := s.persist(ctx, &data)
	if err != nil {
		return release(0, err)
	}
	s.afterCommit(&data, disableFrom)

	s.d.Recorder.values.Add(uint64(processed))
	return release(processed, nil)
}

// prepare turns one value into rows and item changes.
func (s *Synchronizer) prepare(data *txData, meta *types.ItemMeta, v *types.Value) {
	diff := types.ItemDiff{
		ItemID:    v.ItemID,
		Flags:     types.DiffLastClock,
		LastClock: v.Timestamp.Sec,
	}
	if v.Flags.Has(types.FlagMeta) {
		diff.Flags |= types.DiffLastLogSize | types.DiffMTime
		diff.LastLogSize = v.LastLogSize
		diff.MTime = v.MTime
	}

	state, errMsg := v.State, ""
	var normalized types.Variant
	switch {
	case v.Variant.Type == types.VariantErr:
		state, errMsg = types.StateNotSupported, v.Variant.Str
	case v.Flags.Has(types.FlagNoValue) || v.Variant.Type == types.VariantNone:
	case meta.Discovery || v.Flags.Has(types.FlagLLD):
		data.discovery = append(data.discovery, types.DiscoveryRow{
			ItemID:    v.ItemID,
			Timestamp: v.Timestamp,
			Value:     v.Variant.String(),
		})
		state = types.StateNormal
	default:
		var err error
		normalized, err = normalize(meta.ValueType, v.Variant)
		if err != nil {
			state, errMsg = types.StateNotSupported, err.Error()
		} else {
			state = types.StateNormal
		}
	}

	if state != meta.State || errMsg != meta.Error {
		diff.Flags |= types.DiffState | types.DiffError
		diff.State = state
		diff.Error = errMsg
		data.invalidate = append(data.invalidate, v.ItemID)
		if state == types.StateNotSupported {
			s.d.Recorder.notSupported.Add(1)
		}
	}
	if state == types.StateNotSupported && meta.Discovery {
		data.discovery = append(data.discovery, types.DiscoveryRow{
			ItemID:    v.ItemID,
			Timestamp: v.Timestamp,
			Error:     errMsg,
		})
	}
	data.diffs = append(data.diffs, diff)

	if normalized.Type == types.VariantNone {
		return
	}
	if meta.KeepHistory && !v.Flags.Has(types.FlagNoHistory) {
		data.history = append(data.history, types.HistoryRow{
			ItemID:    v.ItemID,
			Timestamp: v.Timestamp,
			ValueType: meta.ValueType,
			Value:     normalized,
		})
	}
	if meta.KeepTrends && meta.ValueType.Numeric() && !v.Flags.Has(types.FlagNoTrends) {
		data.trendInput = append(data.trendInput, trendValue{
			itemID:    v.ItemID,
			valueType: meta.ValueType,
			value:     normalized,
			ts:        v.Timestamp,
		})
	}
}

// assignLogIDs reserves IDs for the log rows of a batch. IDs are assigned
// once, so a retried transaction writes the same rows.
func (s *Synchronizer) assignLogIDs(ctx context.Context, rows []types.HistoryRow) error {
	n := 0
	for i := range rows {
		if rows[i].ValueType == types.ValueTypeLog {
			n++
		}
	}
	if n == 0 {
		return nil
	}
	next, err := s.d.IDs.NextID(ctx, s.d.Storage, logTable, logIDField, uint64(n))
	if err != nil {
		return errors.Wrap(err, "reserve log ids")
	}
	for i := range rows {
		if rows[i].ValueType == types.ValueTypeLog {
			rows[i].ID = next
			next++
		}
	}
	return nil
}

// flushTrends persists finished trends when no values are pending.
func (s *Synchronizer) flushTrends(ctx context.Context) error {
	if s.d.Trends.Stats().Pending == 0 {
		return nil
	}
	var data txData
	disableFrom, err := s.persist(ctx, &data)
	if err != nil {
		return err
	}
	s.afterCommit(&data, disableFrom)
	return nil
}

// persist writes data in one transaction, retrying it while the failure is
// retriable. Finished trends are taken from the trend cache for every
// attempt and put back when it fails.
func (s *Synchronizer) persist(ctx context.Context, data *txData) (map[types.ItemID]int64, error) {
	backoff := s.cfg.InitialBackoff
	for attempt := 1; ; attempt++ {
		data.trends = s.d.Trends.TakePending()
		if data.empty() {
			return nil, nil
		}

		disableFrom, err := s.persistOnce(ctx, data)
		if err == nil {
			return disableFrom, nil
		}
		// A conflict may come from a row stored behind a marker, so the
		// next attempt looks up every trend.
		for i := range data.trends {
			data.trends[i].DisableFrom = 0
		}
		s.d.Trends.RestorePending(data.trends)
		data.trends = nil

		if !errors.IsRetriable(err) {
			return nil, fmt.Errorf("persist batch: %w", err)
		}
		if s.cfg.MaxAttempts > 0 && attempt >= s.cfg.MaxAttempts {
			return nil, fmt.Errorf("persist batch: giving up after %d attempts: %w", attempt, err)
		}
		s.d.Recorder.retries.Add(1)

		sleep := jitter(backoff)
		s.log.Warn("retrying sync transaction",
			"attempt", attempt,
			"backoff", sleep,
			"history", len(data.history),
			"error", err)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		backoff = min(backoff*2, s.cfg.MaxBackoff)
	}
}

func (s *Synchronizer) persistOnce(ctx context.Context, data *txData) (map[types.ItemID]int64, error) {
	tx, err := s.d.Storage.Begin(ctx)
	if err != nil {
		return nil, err
	}

	disableFrom, err := writeTx(ctx, tx, data)
	if err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			s.log.Error("rollback failed", "error", rerr)
		}
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return disableFrom, nil
}

func writeTx(ctx context.Context, tx Tx, data *txData) (map[types.ItemID]int64, error) {
	if len(data.history) > 0 {
		if err := tx.PersistHistory(ctx, data.history); err != nil {
			return nil, err
		}
	}
	if len(data.discovery) > 0 {
		if err := tx.PersistDiscovery(ctx, data.discovery); err != nil {
			return nil, err
		}
	}
	if len(data.diffs) > 0 {
		if err := tx.ApplyItemChanges(ctx, data.diffs); err != nil {
			return nil, err
		}
	}
	if len(data.trends) > 0 {
		return tx.PersistTrends(ctx, data.trends)
	}
	return nil, nil
}

// afterCommit updates the caches with a committed batch and hands its rows
// to the export sink.
func (s *Synchronizer) afterCommit(data *txData, disableFrom map[types.ItemID]int64) {
	s.d.Trends.Reconcile(disableFrom)
	for _, tv := range data.trendInput {
		s.d.Trends.Add(tv.itemID, tv.valueType, tv.value, tv.ts)
	}
	if inv, ok := s.d.Items.(invalidator); ok && len(data.invalidate) > 0 {
		inv.Invalidate(data.invalidate...)
	}

	s.d.Recorder.history.Add(uint64(len(data.history)))
	s.d.Recorder.trends.Add(uint64(len(data.trends)))

	if s.d.Export == nil {
		return
	}
	if len(data.history) > 0 {
		if err := s.d.Export.ExportHistory(data.history); err != nil {
			s.d.Recorder.exportErrors.Add(1)
			s.log.Warn("history export failed", "rows", len(data.history), "error", err)
		}
	}
	if len(data.trends) > 0 {
		if err := s.d.Export.ExportTrends(data.trends); err != nil {
			s.d.Recorder.exportErrors.Add(1)
			s.log.Warn("trend export failed", "rows", len(data.trends), "error", err)
		}
	}
}

// jitter spreads d by up to 25% in either direction.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	j := time.Duration(rand.Int63n(int64(d)/2 + 1))
	return d - d/4 + j
}
