package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/xtxerr/histcache/internal/errors"
	"github.com/xtxerr/histcache/internal/storage/types"
)

// History returns the stored history of an item in clock order.
func (s *Store) History(ctx context.Context, vt types.ValueType, id types.ItemID) ([]types.HistoryRow, error) {
	table, ok := historyTables[vt]
	if !ok {
		return nil, fmt.Errorf("history of %s: %w", vt, errors.ErrTypeMismatch)
	}

	var query string
	if vt == types.ValueTypeLog {
		query = `SELECT id, clock, ns, timestamp, source, severity, value, logeventid
			FROM history_log WHERE itemid = ? ORDER BY clock, ns, id`
	} else {
		query = `SELECT clock, ns, value FROM ` + table + ` WHERE itemid = ? ORDER BY clock, ns`
	}

	rows, err := s.db.QueryContext(ctx, query, uint64(id))
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", table, classify(err))
	}
	defer rows.Close()

	var out []types.HistoryRow
	for rows.Next() {
		r := types.HistoryRow{ItemID: id, ValueType: vt}
		if err := scanHistory(rows, &r); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, classify(err))
		}
		out = append(out, r)
	}
	return out, classify(rows.Err())
}

func scanHistory(rows *sql.Rows, r *types.HistoryRow) error {
	switch r.ValueType {
	case types.ValueTypeFloat:
		var v float64
		if err := rows.Scan(&r.Timestamp.Sec, &r.Timestamp.Ns, &v); err != nil {
			return err
		}
		r.Value = types.FloatVariant(v)
	case types.ValueTypeUint:
		var v uint64
		if err := rows.Scan(&r.Timestamp.Sec, &r.Timestamp.Ns, &v); err != nil {
			return err
		}
		r.Value = types.UintVariant(v)
	case types.ValueTypeStr, types.ValueTypeText:
		var v string
		if err := rows.Scan(&r.Timestamp.Sec, &r.Timestamp.Ns, &v); err != nil {
			return err
		}
		if r.ValueType == types.ValueTypeStr {
			r.Value = types.StrVariant(v)
		} else {
			r.Value = types.TextVariant(v)
		}
	case types.ValueTypeLog:
		var l types.LogValue
		if err := rows.Scan(&r.ID, &r.Timestamp.Sec, &r.Timestamp.Ns, &l.Timestamp, &l.Source,
			&l.Severity, &l.Value, &l.LogEventID); err != nil {
			return err
		}
		r.Value = types.LogVariant(l)
	}
	return nil
}

// Trends returns the stored trends of an item in clock order.
func (s *Store) Trends(ctx context.Context, vt types.ValueType, id types.ItemID) ([]types.TrendRow, error) {
	if !vt.Numeric() {
		return nil, fmt.Errorf("trends of %s: %w", vt, errors.ErrTypeMismatch)
	}
	table := trendTable(vt)

	rows, err := s.db.QueryContext(ctx,
		`SELECT clock, num, value_min, value_avg, value_max FROM `+table+` WHERE itemid = ? ORDER BY clock`,
		uint64(id))
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", table, classify(err))
	}
	defer rows.Close()

	var out []types.TrendRow
	for rows.Next() {
		r := types.TrendRow{ItemID: id, ValueType: vt}
		if vt == types.ValueTypeUint {
			err = rows.Scan(&r.Clock, &r.Num, &r.MinUint, &r.AvgUint, &r.MaxUint)
		} else {
			err = rows.Scan(&r.Clock, &r.Num, &r.Min, &r.Avg, &r.Max)
		}
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, classify(err))
		}
		out = append(out, r)
	}
	return out, classify(rows.Err())
}

// ItemRuntime is the stored runtime data of an item.
type ItemRuntime struct {
	LastClock   int64
	State       types.ItemState
	Error       string
	LastLogSize uint64
	MTime       int32
}

// Runtime returns the runtime data of an item.
func (s *Store) Runtime(ctx context.Context, id types.ItemID) (ItemRuntime, error) {
	var (
		rt    ItemRuntime
		state uint8
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT lastclock, state, error, lastlogsize, mtime FROM item_rtdata WHERE itemid = ?`,
		uint64(id)).Scan(&rt.LastClock, &state, &rt.Error, &rt.LastLogSize, &rt.MTime)
	if errors.Is(err, sql.ErrNoRows) {
		return rt, fmt.Errorf("item %d: %w", id, errors.ErrItemNotFound)
	}
	if err != nil {
		return rt, fmt.Errorf("select item_rtdata: %w", classify(err))
	}
	rt.State = types.ItemState(state)
	return rt, nil
}

// Count returns the number of rows of a table.
func (s *Store) Count(ctx context.Context, table string) (int64, error) {
	if !knownTable(table) {
		return 0, errors.NewInvalidValue("table", table, "unknown table")
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, classify(err))
	}
	return n, nil
}

func knownTable(name string) bool {
	for _, m := range migrations {
		if m.name == name && !strings.HasPrefix(name, "idx_") {
			return true
		}
	}
	return false
}
