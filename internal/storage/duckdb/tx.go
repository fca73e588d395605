package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/xtxerr/histcache/internal/errors"
	"github.com/xtxerr/histcache/internal/storage/types"
	"github.com/xtxerr/histcache/internal/syncer"
	"github.com/xtxerr/histcache/internal/trend"
)

// Tx is one synchronizer transaction.
type Tx struct {
	tx        *sql.Tx
	chunkSize int
}

// Begin starts a transaction.
func (s *Store) Begin(ctx context.Context) (syncer.Tx, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("begin transaction: %w", errors.ErrClosed)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", classify(err))
	}
	return &Tx{tx: tx, chunkSize: s.config.InsertChunkSize}, nil
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", classify(err))
	}
	return nil
}

// Rollback aborts the transaction.
func (t *Tx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback transaction: %w", classify(err))
	}
	return nil
}

// =============================================================================
// History
// =============================================================================

// historyTables maps value types to their history table.
var historyTables = map[types.ValueType]string{
	types.ValueTypeFloat: "history",
	types.ValueTypeUint:  "history_uint",
	types.ValueTypeStr:   "history_str",
	types.ValueTypeText:  "history_text",
	types.ValueTypeLog:   "history_log",
}

// PersistHistory inserts history rows into the table of their value type.
func (t *Tx) PersistHistory(ctx context.Context, rows []types.HistoryRow) error {
	byType := make(map[types.ValueType][]types.HistoryRow)
	for _, r := range rows {
		byType[r.ValueType] = append(byType[r.ValueType], r)
	}

	for vt, group := range byType {
		table, ok := historyTables[vt]
		if !ok {
			return fmt.Errorf("history of %s: %w", vt, errors.ErrTypeMismatch)
		}
		if err := t.insertHistory(ctx, table, group); err != nil {
			return fmt.Errorf("insert %s: %w", table, err)
		}
	}
	return nil
}

func (t *Tx) insertHistory(ctx context.Context, table string, rows []types.HistoryRow) error {
	if table == "history_log" {
		return insertChunked(ctx, t, rows,
			`INSERT INTO history_log (id, itemid, clock, ns, timestamp, source, severity, value, logeventid) VALUES `,
			9, func(r types.HistoryRow, args []interface{}) []interface{} {
				l := r.Value.Log
				if l == nil {
					l = &types.LogValue{}
				}
				return append(args, r.ID, uint64(r.ItemID), r.Timestamp.Sec, r.Timestamp.Ns,
					l.Timestamp, l.Source, l.Severity, l.Value, l.LogEventID)
			})
	}

	return insertChunked(ctx, t, rows,
		`INSERT INTO `+table+` (itemid, clock, ns, value) VALUES `,
		4, func(r types.HistoryRow, args []interface{}) []interface{} {
			return append(args, uint64(r.ItemID), r.Timestamp.Sec, r.Timestamp.Ns, historyValue(r))
		})
}

func historyValue(r types.HistoryRow) interface{} {
	switch r.ValueType {
	case types.ValueTypeFloat:
		return r.Value.Float
	case types.ValueTypeUint:
		return r.Value.Uint
	default:
		return r.Value.String()
	}
}

// =============================================================================
// Discovery
// =============================================================================

// PersistDiscovery stores low-level discovery values.
func (t *Tx) PersistDiscovery(ctx context.Context, rows []types.DiscoveryRow) error {
	err := insertChunked(ctx, t, rows,
		`INSERT INTO lld_data (itemid, clock, ns, value, error) VALUES `,
		5, func(r types.DiscoveryRow, args []interface{}) []interface{} {
			return append(args, uint64(r.ItemID), r.Timestamp.Sec, r.Timestamp.Ns, r.Value, r.Error)
		})
	if err != nil {
		return fmt.Errorf("insert lld_data: %w", err)
	}
	return nil
}

// =============================================================================
// Item runtime data
// =============================================================================

// ApplyItemChanges writes the changed runtime fields of items. Diffs with
// the same set of changed fields share statements.
func (t *Tx) ApplyItemChanges(ctx context.Context, diffs []types.ItemDiff) error {
	byFlags := make(map[types.DiffFlags][]types.ItemDiff)
	for _, d := range diffs {
		if d.Flags != 0 {
			byFlags[d.Flags] = append(byFlags[d.Flags], d)
		}
	}

	for flags, group := range byFlags {
		cols := diffColumns(flags)

		var prefix strings.Builder
		prefix.WriteString("INSERT INTO item_rtdata (itemid")
		for _, c := range cols {
			prefix.WriteString(", " + c.name)
		}
		prefix.WriteString(") VALUES ")

		var suffix strings.Builder
		suffix.WriteString(" ON CONFLICT (itemid) DO UPDATE SET ")
		for i, c := range cols {
			if i > 0 {
				suffix.WriteString(", ")
			}
			suffix.WriteString(c.name + " = excluded." + c.name)
		}

		err := insertChunkedSuffix(ctx, t, group, prefix.String(), suffix.String(), 1+len(cols),
			func(d types.ItemDiff, args []interface{}) []interface{} {
				args = append(args, uint64(d.ItemID))
				for _, c := range cols {
					args = append(args, c.value(d))
				}
				return args
			})
		if err != nil {
			return fmt.Errorf("update item_rtdata: %w", err)
		}
	}
	return nil
}

type diffColumn struct {
	name  string
	value func(types.ItemDiff) interface{}
}

func diffColumns(flags types.DiffFlags) []diffColumn {
	var cols []diffColumn
	if flags&types.DiffLastClock != 0 {
		cols = append(cols, diffColumn{"lastclock", func(d types.ItemDiff) interface{} { return d.LastClock }})
	}
	if flags&types.DiffState != 0 {
		cols = append(cols, diffColumn{"state", func(d types.ItemDiff) interface{} { return uint8(d.State) }})
	}
	if flags&types.DiffError != 0 {
		cols = append(cols, diffColumn{"error", func(d types.ItemDiff) interface{} { return d.Error }})
	}
	if flags&types.DiffLastLogSize != 0 {
		cols = append(cols, diffColumn{"lastlogsize", func(d types.ItemDiff) interface{} { return d.LastLogSize }})
	}
	if flags&types.DiffMTime != 0 {
		cols = append(cols, diffColumn{"mtime", func(d types.ItemDiff) interface{} { return d.MTime }})
	}
	return cols
}

// =============================================================================
// Trends
// =============================================================================

// PersistTrends inserts hourly trends. Rows at or after their DisableFrom
// hour are inserted without a lookup; the others are merged with the
// stored row of the same hour, if any. For every item written the hour
// after its newest stored row is returned as the new DisableFrom.
func (t *Tx) PersistTrends(ctx context.Context, rows []types.TrendRow) (map[types.ItemID]int64, error) {
	disableFrom := make(map[types.ItemID]int64)

	var floats, uints []types.TrendRow
	for _, r := range rows {
		switch r.ValueType {
		case types.ValueTypeFloat:
			floats = append(floats, r)
		case types.ValueTypeUint:
			uints = append(uints, r)
		default:
			return nil, fmt.Errorf("trend of %s: %w", r.ValueType, errors.ErrTypeMismatch)
		}
	}

	for _, group := range [][]types.TrendRow{floats, uints} {
		if len(group) == 0 {
			continue
		}
		if err := t.persistTrendGroup(ctx, group, disableFrom); err != nil {
			return nil, err
		}
	}
	return disableFrom, nil
}

// needsLookup reports whether a stored row may exist for the hour of r.
func needsLookup(r types.TrendRow) bool {
	return r.DisableFrom == 0 || r.Clock < r.DisableFrom
}

func (t *Tx) persistTrendGroup(ctx context.Context, rows []types.TrendRow, disableFrom map[types.ItemID]int64) error {
	vt := rows[0].ValueType
	table := trendTable(vt)

	newest := func(id types.ItemID, clock int64) {
		if next := clock + 3600; next > disableFrom[id] {
			disableFrom[id] = next
		}
	}

	var lookup []types.TrendRow
	for _, r := range rows {
		if needsLookup(r) {
			lookup = append(lookup, r)
		}
	}

	var existing map[types.TrendKey]types.TrendRow
	if len(lookup) > 0 {
		var err error
		existing, err = t.loadTrends(ctx, vt, lookup, newest)
		if err != nil {
			return fmt.Errorf("select %s: %w", table, err)
		}
	}

	var inserts []types.TrendRow
	for _, r := range rows {
		newest(r.ItemID, r.Clock)

		old, ok := existing[r.Key()]
		if !ok {
			inserts = append(inserts, r)
			continue
		}
		if err := t.updateTrend(ctx, table, trend.MergeRows(old, r)); err != nil {
			return fmt.Errorf("update %s: %w", table, err)
		}
	}

	err := insertChunked(ctx, t, inserts,
		`INSERT INTO `+table+` (itemid, clock, num, value_min, value_avg, value_max) VALUES `,
		6, func(r types.TrendRow, args []interface{}) []interface{} {
			if vt == types.ValueTypeUint {
				return append(args, uint64(r.ItemID), r.Clock, r.Num, r.MinUint, r.AvgUint, r.MaxUint)
			}
			return append(args, uint64(r.ItemID), r.Clock, r.Num, r.Min, r.Avg, r.Max)
		})
	if err != nil {
		return fmt.Errorf("insert %s: %w", table, err)
	}
	return nil
}

// loadTrends reads the stored rows sharing a key with rows. Every stored
// row scanned is reported to seen.
func (t *Tx) loadTrends(ctx context.Context, vt types.ValueType, rows []types.TrendRow, seen func(types.ItemID, int64)) (map[types.TrendKey]types.TrendRow, error) {
	minClock := rows[0].Clock
	ids := make([]string, 0, len(rows))
	items := make(map[types.ItemID]struct{}, len(rows))
	want := make(map[types.TrendKey]struct{}, len(rows))
	for _, r := range rows {
		minClock = min(minClock, r.Clock)
		want[r.Key()] = struct{}{}
		if _, ok := items[r.ItemID]; !ok {
			items[r.ItemID] = struct{}{}
			ids = append(ids, fmt.Sprintf("%d", r.ItemID))
		}
	}

	query := `SELECT itemid, clock, num, value_min, value_avg, value_max FROM ` + trendTable(vt) +
		` WHERE clock >= ? AND itemid IN (` + strings.Join(ids, ",") + `)`
	result, err := t.tx.QueryContext(ctx, query, minClock)
	if err != nil {
		return nil, classify(err)
	}
	defer result.Close()

	out := make(map[types.TrendKey]types.TrendRow)
	for result.Next() {
		r := types.TrendRow{ValueType: vt}
		var id uint64
		if vt == types.ValueTypeUint {
			err = result.Scan(&id, &r.Clock, &r.Num, &r.MinUint, &r.AvgUint, &r.MaxUint)
		} else {
			err = result.Scan(&id, &r.Clock, &r.Num, &r.Min, &r.Avg, &r.Max)
		}
		if err != nil {
			return nil, classify(err)
		}
		r.ItemID = types.ItemID(id)
		seen(r.ItemID, r.Clock)
		if _, ok := want[r.Key()]; ok {
			out[r.Key()] = r
		}
	}
	return out, classify(result.Err())
}

func (t *Tx) updateTrend(ctx context.Context, table string, r types.TrendRow) error {
	query := `UPDATE ` + table + ` SET num = ?, value_min = ?, value_avg = ?, value_max = ? WHERE itemid = ? AND clock = ?`
	var err error
	if r.ValueType == types.ValueTypeUint {
		_, err = t.tx.ExecContext(ctx, query, r.Num, r.MinUint, r.AvgUint, r.MaxUint, uint64(r.ItemID), r.Clock)
	} else {
		_, err = t.tx.ExecContext(ctx, query, r.Num, r.Min, r.Avg, r.Max, uint64(r.ItemID), r.Clock)
	}
	return classify(err)
}

func trendTable(vt types.ValueType) string {
	if vt == types.ValueTypeUint {
		return "trends_uint"
	}
	return "trends"
}

// =============================================================================
// Multi-row inserts
// =============================================================================

// insertChunked inserts rows with multi-row INSERT statements of at most
// chunkSize rows each.
func insertChunked[T any](ctx context.Context, t *Tx, rows []T, prefix string, columns int, appendArgs func(T, []interface{}) []interface{}) error {
	return insertChunkedSuffix(ctx, t, rows, prefix, "", columns, appendArgs)
}

func insertChunkedSuffix[T any](ctx context.Context, t *Tx, rows []T, prefix, suffix string, columns int, appendArgs func(T, []interface{}) []interface{}) error {
	for i := 0; i < len(rows); i += t.chunkSize {
		chunk := rows[i:min(i+t.chunkSize, len(rows))]
		query, args := buildMultiRowInsert(chunk, prefix, suffix, columns, appendArgs)
		if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
			return classify(err)
		}
	}
	return nil
}

// buildMultiRowInsert builds one INSERT statement for rows.
func buildMultiRowInsert[T any](rows []T, prefix, suffix string, columns int, appendArgs func(T, []interface{}) []interface{}) (string, []interface{}) {
	args := make([]interface{}, 0, len(rows)*columns)

	placeholder := "(" + strings.TrimSuffix(strings.Repeat("?,", columns), ",") + ")"

	var query strings.Builder
	query.Grow(len(prefix) + len(suffix) + len(rows)*(len(placeholder)+1))
	query.WriteString(prefix)

	for i, r := range rows {
		if i > 0 {
			query.WriteByte(',')
		}
		query.WriteString(placeholder)
		args = appendArgs(r, args)
	}
	query.WriteString(suffix)

	return query.String(), args
}
