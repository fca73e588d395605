package duckdb

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/xtxerr/histcache/internal/errors"
	"github.com/xtxerr/histcache/internal/storage/types"
)

// ResolveItems loads the configuration and runtime state of ids. Unknown
// items are left out of the result.
func (s *Store) ResolveItems(ctx context.Context, ids []types.ItemID) (map[types.ItemID]types.ItemMeta, error) {
	out := make(map[types.ItemID]types.ItemMeta, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	list := make([]string, len(ids))
	for i, id := range ids {
		list[i] = strconv.FormatUint(uint64(id), 10)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT i.itemid, i.hostid, i.key_, i.value_type, i.status, i.history, i.trends,
		       i.discovery, i.trigger_ids, COALESCE(r.state, 0), COALESCE(r.error, '')
		FROM items i
		LEFT JOIN item_rtdata r ON r.itemid = i.itemid
		WHERE i.itemid IN (`+strings.Join(list, ",")+`)`)
	if err != nil {
		return nil, fmt.Errorf("select items: %w", classify(err))
	}
	defer rows.Close()

	for rows.Next() {
		var (
			m          types.ItemMeta
			id         uint64
			valueType  uint8
			status     uint8
			state      uint8
			triggerIDs string
		)
		if err := rows.Scan(&id, &m.HostID, &m.Key, &valueType, &status, &m.KeepHistory,
			&m.KeepTrends, &m.Discovery, &triggerIDs, &state, &m.Error); err != nil {
			return nil, fmt.Errorf("scan item: %w", classify(err))
		}
		m.ItemID = types.ItemID(id)
		m.ValueType = types.ValueType(valueType)
		m.Status = types.ItemStatus(status)
		m.State = types.ItemState(state)
		if m.TriggerIDs, err = parseTriggerIDs(triggerIDs); err != nil {
			return nil, fmt.Errorf("item %d: %w", id, err)
		}
		out[m.ItemID] = m
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select items: %w", classify(err))
	}
	return out, nil
}

// UpsertItems creates or replaces item configuration.
func (s *Store) UpsertItems(ctx context.Context, items []types.ItemMeta) error {
	if len(items) == 0 {
		return nil
	}
	for _, m := range items {
		if !m.ValueType.Valid() {
			return errors.NewInvalidValue("value_type", m.ValueType, fmt.Sprintf("item %d", m.ItemID))
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", classify(err))
	}
	t := &Tx{tx: tx, chunkSize: s.config.InsertChunkSize}

	err = insertChunkedSuffix(ctx, t, items,
		`INSERT INTO items (itemid, hostid, key_, value_type, status, history, trends, discovery, trigger_ids) VALUES `,
		` ON CONFLICT (itemid) DO UPDATE SET hostid = excluded.hostid, key_ = excluded.key_,
		  value_type = excluded.value_type, status = excluded.status, history = excluded.history,
		  trends = excluded.trends, discovery = excluded.discovery, trigger_ids = excluded.trigger_ids`,
		9, func(m types.ItemMeta, args []interface{}) []interface{} {
			return append(args, uint64(m.ItemID), m.HostID, m.Key, uint8(m.ValueType), uint8(m.Status),
				m.KeepHistory, m.KeepTrends, m.Discovery, formatTriggerIDs(m.TriggerIDs))
		})
	if err != nil {
		t.Rollback()
		return fmt.Errorf("upsert items: %w", err)
	}
	return t.Commit()
}

// idColumns lists the columns MaxID may read.
var idColumns = map[string]map[string]bool{
	"history_log": {"id": true},
}

// MaxID returns the largest value of an ID column, or 0 for an empty table.
func (s *Store) MaxID(ctx context.Context, table, field string) (uint64, error) {
	if !idColumns[table][field] {
		return 0, errors.NewInvalidValue("id column", table+"."+field, "not an id column")
	}

	var maxID uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(`+field+`), 0)::UBIGINT FROM `+table).Scan(&maxID)
	if err != nil {
		return 0, fmt.Errorf("select max %s.%s: %w", table, field, classify(err))
	}
	return maxID, nil
}

func parseTriggerIDs(s string) ([]uint64, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	ids := make([]uint64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseUint(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid trigger id %q: %w", p, errors.ErrInvalidValue)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func formatTriggerIDs(ids []uint64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatUint(id, 10)
	}
	return strings.Join(parts, ",")
}
