package syncer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/xtxerr/histcache/internal/errors"
	"github.com/xtxerr/histcache/internal/idcache"
	"github.com/xtxerr/histcache/internal/storage/types"
	"github.com/xtxerr/histcache/internal/trend"
	"github.com/xtxerr/histcache/internal/valuecache"
	testutil "github.com/xtxerr/histcache/internal/testing"
)

const hour = int64(1_700_002_800)

// =============================================================================
// Fakes
// =============================================================================

type fakeStorage struct {
	mu sync.Mutex

	// commitErrs are returned by successive commits before any succeeds.
	commitErrs  []error
	disableFrom map[types.ItemID]int64
	maxIDs      map[string]uint64

	begins    int
	history   []types.HistoryRow
	discovery []types.DiscoveryRow
	diffs     []types.ItemDiff
	trends    []types.TrendRow
}

func (f *fakeStorage) MaxID(_ context.Context, table, field string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxIDs[table+"."+field], nil
}

func (f *fakeStorage) Begin(context.Context) (Tx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.begins++
	return &fakeTx{s: f}, nil
}

type fakeTx struct {
	s         *fakeStorage
	history   []types.HistoryRow
	discovery []types.DiscoveryRow
	diffs     []types.ItemDiff
	trends    []types.TrendRow
	done      bool
}

func (tx *fakeTx) PersistHistory(_ context.Context, rows []types.HistoryRow) error {
	tx.history = append(tx.history, rows...)
	return nil
}

func (tx *fakeTx) PersistDiscovery(_ context.Context, rows []types.DiscoveryRow) error {
	tx.discovery = append(tx.discovery, rows...)
	return nil
}

func (tx *fakeTx) ApplyItemChanges(_ context.Context, diffs []types.ItemDiff) error {
	tx.diffs = append(tx.diffs, diffs...)
	return nil
}

func (tx *fakeTx) PersistTrends(_ context.Context, rows []types.TrendRow) (map[types.ItemID]int64, error) {
	tx.trends = append(tx.trends, rows...)
	return tx.s.disableFrom, nil
}

func (tx *fakeTx) Commit() error {
	if tx.done {
		return fmt.Errorf("commit after end of transaction")
	}
	tx.done = true

	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.commitErrs) > 0 {
		err := s.commitErrs[0]
		s.commitErrs = s.commitErrs[1:]
		return err
	}
	s.history = append(s.history, tx.history...)
	s.discovery = append(s.discovery, tx.discovery...)
	s.diffs = append(s.diffs, tx.diffs...)
	s.trends = append(s.trends, tx.trends...)
	return nil
}

func (tx *fakeTx) Rollback() error {
	tx.done = true
	return nil
}

type fakeResolver struct {
	mu    sync.Mutex
	items map[types.ItemID]types.ItemMeta
	calls int
}

func (r *fakeResolver) ResolveItems(_ context.Context, ids []types.ItemID) (map[types.ItemID]types.ItemMeta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	out := make(map[types.ItemID]types.ItemMeta)
	for _, id := range ids {
		if m, ok := r.items[id]; ok {
			out[id] = m
		}
	}
	return out, nil
}

type fakeExport struct {
	history int
	trends  int
	err     error
}

func (e *fakeExport) ExportHistory(rows []types.HistoryRow) error {
	e.history += len(rows)
	return e.err
}

func (e *fakeExport) ExportTrends(rows []types.TrendRow) error {
	e.trends += len(rows)
	return e.err
}

// =============================================================================
// Harness
// =============================================================================

type harness struct {
	values   *valuecache.Cache
	trends   *trend.Aggregator
	storage  *fakeStorage
	resolver *fakeResolver
	locks    *TriggerLocks
	recorder *Recorder
	export   *fakeExport
	sync     *Synchronizer
}

func newHarness(t *testing.T, items ...types.ItemMeta) *harness {
	t.Helper()
	h := &harness{
		values:   valuecache.New(testutil.NewArena(t, "values", 1<<16), valuecache.DefaultConfig()),
		trends:   trend.New(testutil.NewArena(t, "trends", 1<<14), trend.DefaultConfig()),
		storage:  &fakeStorage{maxIDs: map[string]uint64{}},
		resolver: &fakeResolver{items: map[types.ItemID]types.ItemMeta{}},
		locks:    NewTriggerLocks(),
		recorder: NewRecorder(),
		export:   &fakeExport{},
	}
	for _, m := range items {
		h.resolver.items[m.ItemID] = m
	}

	cfg := DefaultConfig()
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 2 * time.Millisecond

	h.sync = New(1, Deps{
		Values:   h.values,
		Trends:   h.trends,
		IDs:      idcache.New(testutil.NewArena(t, "ids", 4096)),
		Storage:  h.storage,
		Items:    h.resolver,
		Locks:    h.locks,
		Export:   h.export,
		Recorder: h.recorder,
	}, cfg)
	return h
}

func (h *harness) commit(t *testing.T, values ...types.Value) {
	t.Helper()
	if err := h.values.Commit(context.Background(), values); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func floatItem(id types.ItemID) types.ItemMeta {
	return types.ItemMeta{ItemID: id, ValueType: types.ValueTypeFloat, KeepHistory: true, KeepTrends: true}
}

func val(id types.ItemID, sec int64, v types.Variant) types.Value {
	return types.Value{ItemID: id, Timestamp: types.Timestamp{Sec: sec}, Variant: v}
}

// =============================================================================
// Tests
// =============================================================================

func TestSyncPersistsOldestFirst(t *testing.T) {
	h := newHarness(t, floatItem(1), floatItem(2))
	h.commit(t,
		val(1, hour+100, types.FloatVariant(1)),
		val(2, hour+50, types.FloatVariant(2)),
		val(1, hour+200, types.FloatVariant(3)),
	)

	res, err := h.sync.Sync(context.Background(), ModeNormal)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.Processed != 3 || res.Batches != 2 {
		t.Errorf("result = %+v, want 3 values in 2 batches", res)
	}

	var got []int64
	for _, r := range h.storage.history {
		got = append(got, r.Timestamp.Sec)
	}
	if diff := cmp.Diff([]int64{hour + 50, hour + 100, hour + 200}, got); diff != "" {
		t.Errorf("history order mismatch (-want +got):\n%s", diff)
	}
	if s := h.values.Stats(); s.Values != 0 || s.Items != 0 {
		t.Errorf("cache not drained: %+v", s)
	}
	if len(h.storage.diffs) != 3 || h.storage.diffs[0].Flags != types.DiffLastClock {
		t.Errorf("diffs = %+v", h.storage.diffs)
	}
	if h.export.history != 3 {
		t.Errorf("exported %d history rows, want 3", h.export.history)
	}
}

func TestSyncRetriesTransientFailure(t *testing.T) {
	h := newHarness(t, floatItem(1))
	h.storage.commitErrs = []error{
		errors.Classify(fmt.Errorf("database is locked"), errors.ErrStorageUnavailable),
	}
	h.commit(t, val(1, hour, types.FloatVariant(42)))

	if _, err := h.sync.Sync(context.Background(), ModeNormal); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if len(h.storage.history) != 1 || h.storage.history[0].Value.Float != 42 {
		t.Errorf("history = %+v, want one row", h.storage.history)
	}
	if h.storage.begins != 2 {
		t.Errorf("transactions = %d, want 2", h.storage.begins)
	}
	if s := h.recorder.Snapshot(); s.Retries != 1 || s.Failures != 0 {
		t.Errorf("stats = %+v", s)
	}
	if h.values.Stats().Values != 0 {
		t.Error("value still cached after successful retry")
	}
}

func TestSyncRetryClearsTrendMarkers(t *testing.T) {
	h := newHarness(t, floatItem(1))
	h.storage.commitErrs = []error{
		errors.Classify(fmt.Errorf("duplicate key"), errors.ErrStorageUnavailable),
	}
	h.trends.RestorePending([]types.TrendRow{
		{ItemID: 1, Clock: hour, ValueType: types.ValueTypeFloat, Num: 1, Min: 1, Avg: 1, Max: 1, DisableFrom: hour},
	})

	if _, err := h.sync.Sync(context.Background(), ModeNormal); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	want := []types.TrendRow{{ItemID: 1, Clock: hour, ValueType: types.ValueTypeFloat, Num: 1, Min: 1, Avg: 1, Max: 1}}
	if diff := cmp.Diff(want, h.storage.trends); diff != "" {
		t.Errorf("trends mismatch (-want +got):\n%s", diff)
	}
	if h.storage.begins != 2 {
		t.Errorf("transactions = %d, want 2", h.storage.begins)
	}
}

func TestSyncFatalFailureKeepsBatch(t *testing.T) {
	h := newHarness(t, floatItem(1))
	h.storage.commitErrs = []error{errors.Classify(fmt.Errorf("constraint violated"), errors.ErrStorageFatal)}
	h.commit(t, val(1, hour, types.FloatVariant(1)))

	_, err := h.sync.Sync(context.Background(), ModeNormal)
	if !errors.IsFatal(err) || !errors.Is(err, errors.ErrStorageFatal) {
		t.Fatalf("Sync error = %v, want fatal storage error", err)
	}
	if s := h.values.Stats(); s.Values != 1 {
		t.Fatalf("cached values after failure = %d, want 1", s.Values)
	}
	if len(h.storage.history) != 0 {
		t.Fatalf("history persisted despite failure: %+v", h.storage.history)
	}

	if _, err := h.sync.Sync(context.Background(), ModeNormal); err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	if len(h.storage.history) != 1 {
		t.Errorf("history after recovery = %+v", h.storage.history)
	}
}

func TestSyncGivesUpAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, floatItem(1))
	h.sync.cfg.MaxAttempts = 2
	unavailable := errors.Classify(fmt.Errorf("connection reset"), errors.ErrStorageUnavailable)
	h.storage.commitErrs = []error{unavailable, unavailable, unavailable}
	h.commit(t, val(1, hour, types.FloatVariant(1)))

	_, err := h.sync.Sync(context.Background(), ModeNormal)
	if !errors.IsRetriable(err) {
		t.Fatalf("Sync error = %v, want retriable error", err)
	}
	if h.storage.begins != 2 {
		t.Errorf("transactions = %d, want 2", h.storage.begins)
	}
	if h.values.Stats().Values != 1 {
		t.Error("batch consumed after failed retries")
	}
}

func TestSyncDrainsUndefinedItems(t *testing.T) {
	disabled := floatItem(2)
	disabled.Status = types.ItemDisabled
	h := newHarness(t, floatItem(1), disabled)
	h.commit(t,
		val(9, hour, types.FloatVariant(1)),
		val(2, hour, types.FloatVariant(1)),
		types.Value{ItemID: 1, Timestamp: types.Timestamp{Sec: hour}, Variant: types.FloatVariant(1), Flags: types.FlagUndef},
	)

	if _, err := h.sync.Sync(context.Background(), ModeNormal); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(h.storage.history) != 0 || h.storage.begins != 0 {
		t.Errorf("undefined values persisted: %+v", h.storage.history)
	}
	if s := h.recorder.Snapshot(); s.Undefined != 3 {
		t.Errorf("undefined = %d, want 3", s.Undefined)
	}
	if h.values.Stats().Values != 0 {
		t.Error("undefined values left in cache")
	}
}

func TestSyncSkipsLockedItems(t *testing.T) {
	locked := floatItem(1)
	locked.TriggerIDs = []uint64{7, 8}
	h := newHarness(t, locked)
	h.commit(t, val(1, hour, types.FloatVariant(1)))

	if !h.locks.TryLock(99, []uint64{8}) {
		t.Fatal("TryLock failed on empty table")
	}

	res, err := h.sync.Sync(context.Background(), ModeNormal)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.Popped != 1 || res.Processed != 0 {
		t.Errorf("result = %+v, want one popped and none processed", res)
	}
	if h.values.Stats().Values != 1 || len(h.storage.history) != 0 {
		t.Fatal("locked item was consumed")
	}
	if h.locks.Held() != 1 {
		t.Errorf("held locks = %d, want only the other worker's", h.locks.Held())
	}

	h.locks.UnlockAll(99)
	if _, err := h.sync.Sync(context.Background(), ModeNormal); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(h.storage.history) != 1 {
		t.Errorf("history after unlock = %+v", h.storage.history)
	}
	if h.locks.Held() != 0 {
		t.Errorf("locks left after pass: %d", h.locks.Held())
	}
}

func TestSyncNormalizesValues(t *testing.T) {
	item := types.ItemMeta{ItemID: 1, ValueType: types.ValueTypeUint, KeepHistory: true}
	h := newHarness(t, item)
	h.commit(t,
		val(1, hour, types.FloatVariant(3)),
		val(1, hour+1, types.StrVariant("abc")),
	)

	if _, err := h.sync.Sync(context.Background(), ModeNormal); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	want := []types.HistoryRow{{
		ItemID: 1, Timestamp: types.Timestamp{Sec: hour},
		ValueType: types.ValueTypeUint, Value: types.UintVariant(3),
	}}
	if diff := cmp.Diff(want, h.storage.history); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}

	if len(h.storage.diffs) != 2 {
		t.Fatalf("diffs = %+v", h.storage.diffs)
	}
	d := h.storage.diffs[1]
	if d.Flags&types.DiffState == 0 || d.State != types.StateNotSupported || !strings.Contains(d.Error, "not suitable") {
		t.Errorf("diff for bad value = %+v", d)
	}
	if s := h.recorder.Snapshot(); s.NotSupported != 1 {
		t.Errorf("not supported = %d, want 1", s.NotSupported)
	}
}

func TestSyncErrorValueMarksNotSupported(t *testing.T) {
	h := newHarness(t, floatItem(1))
	h.commit(t, val(1, hour, types.ErrVariant("timeout while connecting")))

	if _, err := h.sync.Sync(context.Background(), ModeNormal); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(h.storage.history) != 0 {
		t.Errorf("error value produced history: %+v", h.storage.history)
	}
	want := []types.ItemDiff{{
		ItemID:    1,
		Flags:     types.DiffLastClock | types.DiffState | types.DiffError,
		LastClock: hour,
		State:     types.StateNotSupported,
		Error:     "timeout while connecting",
	}}
	if diff := cmp.Diff(want, h.storage.diffs); diff != "" {
		t.Errorf("diffs mismatch (-want +got):\n%s", diff)
	}
}

func TestSyncDiscoveryAndMeta(t *testing.T) {
	rule := types.ItemMeta{ItemID: 5, ValueType: types.ValueTypeText, Discovery: true}
	logItem := types.ItemMeta{ItemID: 6, ValueType: types.ValueTypeLog, KeepHistory: true}
	h := newHarness(t, rule, logItem)
	h.storage.maxIDs["history_log.id"] = 41

	h.commit(t,
		val(5, hour, types.TextVariant(`[{"{#IFNAME}":"eth0"}]`)),
		types.Value{
			ItemID: 6, Timestamp: types.Timestamp{Sec: hour},
			Variant:     types.LogVariant(types.LogValue{Value: "line 1"}),
			Flags:       types.FlagMeta,
			LastLogSize: 128, MTime: 7,
		},
		val(6, hour+1, types.LogVariant(types.LogValue{Value: "line 2"})),
	)

	if _, err := h.sync.Sync(context.Background(), ModeNormal); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if len(h.storage.discovery) != 1 || h.storage.discovery[0].Value != `[{"{#IFNAME}":"eth0"}]` {
		t.Errorf("discovery = %+v", h.storage.discovery)
	}
	var ids []uint64
	for _, r := range h.storage.history {
		ids = append(ids, r.ID)
	}
	if diff := cmp.Diff([]uint64{42, 43}, ids); diff != "" {
		t.Errorf("log ids mismatch (-want +got):\n%s", diff)
	}

	var meta *types.ItemDiff
	for i := range h.storage.diffs {
		if d := &h.storage.diffs[i]; d.ItemID == 6 && d.Flags&types.DiffLastLogSize != 0 {
			meta = d
		}
	}
	if meta == nil || meta.LastLogSize != 128 || meta.MTime != 7 {
		t.Errorf("meta diff = %+v", meta)
	}
}

func TestSyncFoldsTrendsAfterCommit(t *testing.T) {
	h := newHarness(t, floatItem(1))
	h.commit(t,
		val(1, hour+10, types.FloatVariant(2)),
		val(1, hour+20, types.FloatVariant(4)),
		val(1, hour+3600, types.FloatVariant(8)),
	)

	if _, err := h.sync.Sync(context.Background(), ModeNormal); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	want := []types.TrendRow{{
		ItemID: 1, Clock: hour, ValueType: types.ValueTypeFloat, Num: 2,
		Min: 2, Avg: 3, Max: 4,
	}}
	if diff := cmp.Diff(want, h.storage.trends); diff != "" {
		t.Errorf("trends mismatch (-want +got):\n%s", diff)
	}
	if s := h.trends.Stats(); s.Live != 1 || s.Pending != 0 {
		t.Errorf("trend cache = %+v", s)
	}
}

func TestFullSyncDrainsEverything(t *testing.T) {
	h := newHarness(t, floatItem(1), floatItem(2))
	h.storage.disableFrom = map[types.ItemID]int64{1: hour}

	for i := range 50 {
		h.commit(t,
			val(1, hour+int64(i)*120, types.FloatVariant(float64(i))),
			val(2, hour+int64(i), types.FloatVariant(1)),
		)
	}

	res, err := h.sync.Sync(context.Background(), ModeFull)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.Processed != 100 {
		t.Errorf("processed = %d, want 100", res.Processed)
	}
	if s := h.values.Stats(); s.Values != 0 || s.FullSync {
		t.Errorf("cache after full sync = %+v", s)
	}
	if s := h.trends.Stats(); s.Live != 0 || s.Pending != 0 {
		t.Errorf("trends left after full sync: %+v", s)
	}
	if len(h.storage.history) != 100 {
		t.Errorf("history rows = %d, want 100", len(h.storage.history))
	}

	// item 1 spans two hours, item 2 one
	got := map[types.TrendKey]types.TrendRow{}
	for _, r := range h.storage.trends {
		got[r.Key()] = r
	}
	if len(got) != 3 {
		t.Fatalf("trend rows = %+v", h.storage.trends)
	}
	if r := got[types.TrendKey{ItemID: 1, Clock: hour + 3600}]; r.DisableFrom != hour {
		t.Errorf("second hour of item 1 = %+v, want DisableFrom %d", r, hour)
	}
	if r := got[types.TrendKey{ItemID: 2, Clock: hour}]; r.Num != 50 {
		t.Errorf("item 2 trend = %+v", r)
	}
	if s := h.recorder.Snapshot(); s.FullSyncs != 1 {
		t.Errorf("full syncs = %d", s.FullSyncs)
	}
}

func TestSyncExportFailureIsBestEffort(t *testing.T) {
	h := newHarness(t, floatItem(1))
	h.export.err = errors.ErrExport
	h.commit(t, val(1, hour, types.FloatVariant(1)))

	if _, err := h.sync.Sync(context.Background(), ModeNormal); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(h.storage.history) != 1 {
		t.Error("history not persisted")
	}
	if s := h.recorder.Snapshot(); s.ExportErrors != 1 {
		t.Errorf("export errors = %d, want 1", s.ExportErrors)
	}
}

func TestSyncHonorsContext(t *testing.T) {
	h := newHarness(t, floatItem(1))
	h.commit(t, val(1, hour, types.FloatVariant(1)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.sync.Sync(ctx, ModeNormal); !errors.Is(err, context.Canceled) {
		t.Fatalf("Sync error = %v, want context.Canceled", err)
	}
	if h.values.Stats().Values != 1 {
		t.Error("value consumed by cancelled pass")
	}
}

func TestRecorderQuantiles(t *testing.T) {
	r := NewRecorder()
	for i := 1; i <= 100; i++ {
		r.observePass(time.Duration(i) * time.Millisecond)
	}
	s := r.Snapshot()
	if s.Passes != 100 || s.PassMax != 100*time.Millisecond {
		t.Fatalf("snapshot = %+v", s)
	}
	if s.PassP50 < 45*time.Millisecond || s.PassP50 > 55*time.Millisecond {
		t.Errorf("p50 = %v, want about 50ms", s.PassP50)
	}
	if s.PassP99 < s.PassP90 || s.PassP90 < s.PassP50 {
		t.Errorf("quantiles out of order: %+v", s)
	}
}
