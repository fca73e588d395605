package duckdb

import (
	"context"
	"fmt"
)

// migrations create the schema. Each statement is idempotent.
//
// History tables carry no primary key: the synchronizer persists every
// value exactly once, and a key would only slow down inserts.
var migrations = []struct {
	name string
	sql  string
}{
	{
		name: "items",
		sql: `CREATE TABLE IF NOT EXISTS items (
			itemid      UBIGINT PRIMARY KEY,
			hostid      UBIGINT NOT NULL DEFAULT 0,
			key_        VARCHAR NOT NULL DEFAULT '',
			value_type  UTINYINT NOT NULL,
			status      UTINYINT NOT NULL DEFAULT 0,
			history     BOOLEAN NOT NULL DEFAULT true,
			trends      BOOLEAN NOT NULL DEFAULT true,
			discovery   BOOLEAN NOT NULL DEFAULT false,
			trigger_ids VARCHAR NOT NULL DEFAULT ''
		)`,
	},
	{
		name: "item_rtdata",
		sql: `CREATE TABLE IF NOT EXISTS item_rtdata (
			itemid      UBIGINT PRIMARY KEY,
			lastclock   BIGINT NOT NULL DEFAULT 0,
			state       UTINYINT NOT NULL DEFAULT 0,
			error       VARCHAR NOT NULL DEFAULT '',
			lastlogsize UBIGINT NOT NULL DEFAULT 0,
			mtime       INTEGER NOT NULL DEFAULT 0
		)`,
	},
	{
		name: "history",
		sql: `CREATE TABLE IF NOT EXISTS history (
			itemid UBIGINT NOT NULL,
			clock  BIGINT NOT NULL,
			ns     INTEGER NOT NULL,
			value  DOUBLE NOT NULL
		)`,
	},
	{
		name: "history_uint",
		sql: `CREATE TABLE IF NOT EXISTS history_uint (
			itemid UBIGINT NOT NULL,
			clock  BIGINT NOT NULL,
			ns     INTEGER NOT NULL,
			value  UBIGINT NOT NULL
		)`,
	},
	{
		name: "history_str",
		sql: `CREATE TABLE IF NOT EXISTS history_str (
			itemid UBIGINT NOT NULL,
			clock  BIGINT NOT NULL,
			ns     INTEGER NOT NULL,
			value  VARCHAR NOT NULL
		)`,
	},
	{
		name: "history_text",
		sql: `CREATE TABLE IF NOT EXISTS history_text (
			itemid UBIGINT NOT NULL,
			clock  BIGINT NOT NULL,
			ns     INTEGER NOT NULL,
			value  VARCHAR NOT NULL
		)`,
	},
	{
		name: "history_log",
		sql: `CREATE TABLE IF NOT EXISTS history_log (
			id         UBIGINT NOT NULL,
			itemid     UBIGINT NOT NULL,
			clock      BIGINT NOT NULL,
			ns         INTEGER NOT NULL,
			timestamp  INTEGER NOT NULL DEFAULT 0,
			source     VARCHAR NOT NULL DEFAULT '',
			severity   INTEGER NOT NULL DEFAULT 0,
			value      VARCHAR NOT NULL,
			logeventid INTEGER NOT NULL DEFAULT 0
		)`,
	},
	{
		name: "trends",
		sql: `CREATE TABLE IF NOT EXISTS trends (
			itemid    UBIGINT NOT NULL,
			clock     BIGINT NOT NULL,
			num       INTEGER NOT NULL,
			value_min DOUBLE NOT NULL,
			value_avg DOUBLE NOT NULL,
			value_max DOUBLE NOT NULL,
			PRIMARY KEY (itemid, clock)
		)`,
	},
	{
		name: "trends_uint",
		sql: `CREATE TABLE IF NOT EXISTS trends_uint (
			itemid    UBIGINT NOT NULL,
			clock     BIGINT NOT NULL,
			num       INTEGER NOT NULL,
			value_min UBIGINT NOT NULL,
			value_avg UBIGINT NOT NULL,
			value_max UBIGINT NOT NULL,
			PRIMARY KEY (itemid, clock)
		)`,
	},
	{
		name: "lld_data",
		sql: `CREATE TABLE IF NOT EXISTS lld_data (
			itemid UBIGINT NOT NULL,
			clock  BIGINT NOT NULL,
			ns     INTEGER NOT NULL,
			value  VARCHAR NOT NULL DEFAULT '',
			error  VARCHAR NOT NULL DEFAULT ''
		)`,
	},
	{
		name: "idx_history_itemid_clock",
		sql:  `CREATE INDEX IF NOT EXISTS idx_history_itemid_clock ON history(itemid, clock)`,
	},
	{
		name: "idx_history_uint_itemid_clock",
		sql:  `CREATE INDEX IF NOT EXISTS idx_history_uint_itemid_clock ON history_uint(itemid, clock)`,
	},
}

// Migrate creates missing tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, classify(err))
		}
		log.Debug("migration applied", "name", m.name)
	}

	log.Info("schema migration completed", "migrations", len(migrations))
	return nil
}
