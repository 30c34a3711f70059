// Copyright (c) 2026 Keywarden Team
// Keywarden - subscription key lifecycle & panel reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

// package db: schema evolution. Keywarden inherits databases written by
// several generations of the shop bot, including a legacy key table whose
// columns carry panel-era names (xui_client_uuid, key_email, expiry_date,
// created_date). EnsureSchema runs on every start, after the base migration
// runner, and brings whatever layout is on disk up to the canonical one
// without losing rows.
package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/uptrace/bun"
)

// KeyTableState classifies the physical layout of the keys table.
type KeyTableState int

const (
	// SchemaUpToDate means the canonical columns are present; routine
	// missing-column additions may still apply.
	SchemaUpToDate KeyTableState = iota

	// SchemaNeedsRebuild means the table carries the legacy layout and must
	// be rebuilt in place.
	SchemaNeedsRebuild

	// SchemaUnknown means the observed columns match neither era. Guessing a
	// mapping could destroy data, so startup refuses to continue.
	SchemaUnknown
)

// String returns a human-readable name for logging.
func (s KeyTableState) String() string {
	switch s {
	case SchemaUpToDate:
		return "up-to-date"
	case SchemaNeedsRebuild:
		return "needs-rebuild"
	default:
		return "unknown"
	}
}

// canonicalKeyColumns are the columns that mark a current-era keys table.
var canonicalKeyColumns = []string{"remote_uuid", "email", "expire_at"}

// legacyKeyColumns are the panel-era names the rebuild maps away from.
var legacyKeyColumns = []string{"xui_client_uuid", "key_email", "expiry_date", "created_date"}

// DetectKeyTableState classifies an observed set of column names. It is a
// pure function so the era-detection rules stay unit-testable without a
// database. Canonical columns win when both eras coexist: a half-adopted
// table already holds data under the new names.
func DetectKeyTableState(columns []string) KeyTableState {
	have := make(map[string]bool, len(columns))
	for _, c := range columns {
		have[strings.ToLower(c)] = true
	}

	canonical := true
	for _, c := range canonicalKeyColumns {
		if !have[c] {
			canonical = false
			break
		}
	}
	if canonical {
		return SchemaUpToDate
	}

	for _, c := range legacyKeyColumns {
		if have[c] {
			return SchemaNeedsRebuild
		}
	}
	return SchemaUnknown
}

// canonicalKeyTableDDL mirrors the keys table from the base migration. The
// rebuild recreates it inside its own transaction, so IF NOT EXISTS has no
// place here.
const canonicalKeyTableDDL = `CREATE TABLE keys (
    key_id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL,
    host_name TEXT NOT NULL,
    remote_uuid TEXT,
    email TEXT UNIQUE,
    expire_at TIMESTAMP,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    subscription_url TEXT,
    traffic_limit_bytes INTEGER DEFAULT 0,
    traffic_limit_strategy TEXT DEFAULT '',
    tag TEXT,
    description TEXT
)`

// EnsureSchema brings the on-disk schema up to the canonical layout. It is
// safe to call on every start: a current database passes straight through,
// a legacy key table is rebuilt in place, and missing columns elsewhere are
// added best-effort. An unrecognizable keys layout is a fatal error.
func EnsureSchema(ctx context.Context, bdb *bun.DB) error {
	columns, err := tableColumns(ctx, bdb, "keys")
	if err != nil {
		return fmt.Errorf("failed to inspect keys table: %w", err)
	}

	state := DetectKeyTableState(columns)
	dbLogf("db: keys table schema state: %s", state)
	switch state {
	case SchemaNeedsRebuild:
		if err := rebuildLegacyKeyTable(ctx, bdb, columns); err != nil {
			return fmt.Errorf("failed to rebuild legacy keys table: %w", err)
		}
	case SchemaUnknown:
		return fmt.Errorf("keys table has an unrecognized layout (columns: %s); refusing to guess a migration", strings.Join(columns, ", "))
	}

	// Routine missing-column additions. These are best-effort: a failure is
	// logged and skipped so an exotic but working database still starts.
	ensureColumns(ctx, bdb, "keys", []columnDef{
		{"updated_at", "TIMESTAMP"},
		{"subscription_url", "TEXT"},
		{"traffic_limit_bytes", "INTEGER DEFAULT 0"},
		{"traffic_limit_strategy", "TEXT DEFAULT ''"},
		{"tag", "TEXT"},
		{"description", "TEXT"},
	})
	ensureColumns(ctx, bdb, "hosts", []columnDef{
		{"inbound_id", "INTEGER NOT NULL DEFAULT 1"},
		{"panel_type", "TEXT NOT NULL DEFAULT 'xui'"},
		{"ssh_host", "TEXT"},
		{"ssh_port", "INTEGER"},
		{"ssh_user", "TEXT"},
		{"ssh_pass", "TEXT"},
		{"probe_latency_ms", "INTEGER"},
		{"probed_at", "TIMESTAMP"},
	})
	ensureColumns(ctx, bdb, "users", []columnDef{
		{"username", "TEXT"},
		{"registered_at", "TIMESTAMP"},
		{"balance", "REAL NOT NULL DEFAULT 0"},
	})

	// Lookup indexes are cheap to assert every start.
	for _, ddl := range []string{
		"CREATE INDEX IF NOT EXISTS idx_keys_host_name ON keys(host_name)",
		"CREATE INDEX IF NOT EXISTS idx_keys_user_id ON keys(user_id)",
	} {
		if _, err := ExecRaw(ctx, bdb, ddl); err != nil {
			return fmt.Errorf("failed to ensure index: %w", err)
		}
	}

	return nil
}

// rebuildLegacyKeyTable migrates a legacy keys table to the canonical layout
// inside a single transaction: rename aside, recreate, copy with column
// fallbacks, fix the autoincrement high-water mark, drop the legacy table.
// A crash mid-rebuild rolls back to the untouched legacy layout.
func rebuildLegacyKeyTable(ctx context.Context, bdb *bun.DB, columns []string) error {
	have := make(map[string]bool, len(columns))
	for _, c := range columns {
		have[strings.ToLower(c)] = true
	}

	// Prefer the canonical name, fall back to the legacy equivalent, fall
	// back to NULL. Absent columns are not an error in a legacy snapshot.
	expr := func(names ...string) string {
		for _, n := range names {
			if have[n] {
				return n
			}
		}
		return "NULL"
	}

	copySQL := fmt.Sprintf(`INSERT INTO keys (key_id, user_id, host_name, remote_uuid, email, expire_at, created_at, updated_at, subscription_url, traffic_limit_bytes, traffic_limit_strategy, tag, description)
SELECT %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s FROM keys_legacy`,
		expr("key_id"),
		expr("user_id"),
		expr("host_name"),
		expr("remote_uuid", "xui_client_uuid"),
		expr("email", "key_email"),
		expr("expire_at", "expiry_date"),
		expr("created_at", "created_date"),
		expr("updated_at"),
		expr("subscription_url"),
		expr("traffic_limit_bytes"),
		expr("traffic_limit_strategy"),
		expr("tag"),
		expr("description"),
	)

	return WithTx(ctx, bdb, func(ctx context.Context, tx bun.Tx) error {
		if _, err := ExecRaw(ctx, tx, "ALTER TABLE keys RENAME TO keys_legacy"); err != nil {
			return err
		}
		if _, err := ExecRaw(ctx, tx, canonicalKeyTableDDL); err != nil {
			return err
		}
		res, err := ExecRaw(ctx, tx, copySQL)
		if err != nil {
			return err
		}
		copied, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if copied > 0 {
			// SQLite tracks the AUTOINCREMENT high-water mark as rows are
			// copied, but pin it to the migrated maximum explicitly so old
			// ids are never reused.
			if _, err := ExecRaw(ctx, tx, "UPDATE sqlite_sequence SET seq = (SELECT MAX(key_id) FROM keys) WHERE name = 'keys'"); err != nil {
				return err
			}
		}
		if _, err := ExecRaw(ctx, tx, "DROP TABLE keys_legacy"); err != nil {
			return err
		}
		dbLogf("db: rebuilt legacy keys table (%d rows migrated)", copied)
		return nil
	})
}

// columnDef is one expected column and its ADD COLUMN type clause.
type columnDef struct {
	name string
	ddl  string
}

// ensureColumns adds any of the given columns missing from table. Failures
// are logged and skipped, never fatal.
func ensureColumns(ctx context.Context, bdb *bun.DB, table string, defs []columnDef) {
	columns, err := tableColumns(ctx, bdb, table)
	if err != nil {
		dbLogf("db: failed to inspect %s table (skipping column additions): %v", table, err)
		return
	}
	have := make(map[string]bool, len(columns))
	for _, c := range columns {
		have[strings.ToLower(c)] = true
	}
	for _, def := range defs {
		if have[def.name] {
			continue
		}
		if _, err := ExecRaw(ctx, bdb, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, def.name, def.ddl)); err != nil {
			dbLogf("db: failed to add column %s.%s (ignored): %v", table, def.name, err)
			continue
		}
		dbLogf("db: added missing column %s.%s", table, def.name)
	}
}

// tableColumns returns the column names of a table via PRAGMA table_info.
// The table name is always a compile-time literal here, never user input.
func tableColumns(ctx context.Context, bdb *bun.DB, table string) ([]string, error) {
	rows, err := bdb.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var columns []string
	for rows.Next() {
		// cid, name, type, notnull, dflt_value, pk
		var cid int
		var name, typ string
		var notnull int
		var dflt any
		var pk int
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		columns = append(columns, name)
	}
	return columns, rows.Err()
}
