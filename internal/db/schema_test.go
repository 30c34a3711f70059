// Copyright (c) 2026 Keywarden Team
// Keywarden - subscription key lifecycle & panel reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func TestDetectKeyTableState(t *testing.T) {
	tests := []struct {
		name    string
		columns []string
		want    KeyTableState
	}{
		{
			name:    "canonical layout",
			columns: []string{"key_id", "user_id", "host_name", "remote_uuid", "email", "expire_at", "created_at", "updated_at"},
			want:    SchemaUpToDate,
		},
		{
			name:    "legacy layout",
			columns: []string{"key_id", "user_id", "host_name", "xui_client_uuid", "key_email", "expiry_date", "created_date"},
			want:    SchemaNeedsRebuild,
		},
		{
			name:    "partial legacy snapshot",
			columns: []string{"key_id", "user_id", "host_name", "key_email"},
			want:    SchemaNeedsRebuild,
		},
		{
			name:    "both eras coexisting keeps canonical",
			columns: []string{"key_id", "user_id", "host_name", "remote_uuid", "email", "expire_at", "key_email", "expiry_date"},
			want:    SchemaUpToDate,
		},
		{
			name:    "unrecognizable layout",
			columns: []string{"id", "payload"},
			want:    SchemaUnknown,
		},
		{
			name:    "empty column set",
			columns: nil,
			want:    SchemaUnknown,
		},
		{
			name:    "detection is case-insensitive",
			columns: []string{"KEY_ID", "USER_ID", "HOST_NAME", "REMOTE_UUID", "EMAIL", "EXPIRE_AT"},
			want:    SchemaUpToDate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectKeyTableState(tt.columns); got != tt.want {
				t.Errorf("DetectKeyTableState(%v) = %v, want %v", tt.columns, got, tt.want)
			}
		})
	}
}

// seedLegacyDB creates a database file carrying the legacy keys layout with
// two rows and returns its path.
func seedLegacyDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "legacy.db")
	raw, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("failed to open fixture db: %v", err)
	}
	defer func() { _ = raw.Close() }()

	stmts := []string{
		`CREATE TABLE keys (
			key_id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			host_name TEXT NOT NULL,
			xui_client_uuid TEXT NOT NULL,
			key_email TEXT NOT NULL UNIQUE,
			expiry_date TIMESTAMP,
			created_date TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`INSERT INTO keys (key_id, user_id, host_name, xui_client_uuid, key_email, expiry_date)
		 VALUES (7, 42, 'vpn-de-1', 'abc-123', 'user42@bot.local', '2026-09-01 12:00:00')`,
		`INSERT INTO keys (key_id, user_id, host_name, xui_client_uuid, key_email, expiry_date)
		 VALUES (9, 43, 'vpn-nl-1', 'def-456', 'user43@bot.local', '2026-10-01 12:00:00')`,
	}
	for _, stmt := range stmts {
		if _, err := raw.Exec(stmt); err != nil {
			t.Fatalf("failed to seed legacy fixture: %v", err)
		}
	}
	return path
}

func TestEnsureSchema_RebuildsLegacyTableWithoutDataLoss(t *testing.T) {
	path := seedLegacyDB(t)

	if err := InitDB("sqlite", path); err != nil {
		t.Fatalf("InitDB on legacy database failed: %v", err)
	}
	defer func() { _ = CloseStore() }()

	keys, err := GetAllKeys()
	if err != nil {
		t.Fatalf("GetAllKeys failed: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 migrated keys, got %d", len(keys))
	}

	k, err := GetKeyByEmail("user42@bot.local")
	if err != nil {
		t.Fatalf("GetKeyByEmail failed: %v", err)
	}
	if k == nil {
		t.Fatal("migrated key not found by email")
	}
	if k.ID != 7 {
		t.Errorf("key id = %d, want 7", k.ID)
	}
	if k.RemoteUUID != "abc-123" {
		t.Errorf("remote uuid = %q, want %q", k.RemoteUUID, "abc-123")
	}
	if k.HostName != "vpn-de-1" {
		t.Errorf("host name = %q, want %q", k.HostName, "vpn-de-1")
	}
	if k.ExpireAt.IsZero() {
		t.Error("expiry was not carried over from expiry_date")
	}

	// The autoincrement high-water mark must survive the rebuild so old ids
	// are never handed out again.
	id, err := CreateKey(44, "vpn-de-1", "ghi-789", "user44@bot.local", k.ExpireAt)
	if err != nil {
		t.Fatalf("CreateKey after rebuild failed: %v", err)
	}
	if id <= 9 {
		t.Errorf("new key id = %d, want > 9 (sequence must resume past migrated max)", id)
	}
}

func TestEnsureSchema_RebuildLeavesCanonicalColumns(t *testing.T) {
	path := seedLegacyDB(t)

	if err := InitDB("sqlite", path); err != nil {
		t.Fatalf("InitDB on legacy database failed: %v", err)
	}
	defer func() { _ = CloseStore() }()

	raw, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("failed to reopen db for inspection: %v", err)
	}
	defer func() { _ = raw.Close() }()

	rows, err := raw.Query("PRAGMA table_info(keys)")
	if err != nil {
		t.Fatalf("failed to inspect keys table: %v", err)
	}
	defer func() { _ = rows.Close() }()

	have := map[string]bool{}
	for rows.Next() {
		var cid int
		var name, typ string
		var notnull int
		var dflt sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &pk); err != nil {
			t.Fatalf("failed scanning pragma row: %v", err)
		}
		have[name] = true
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("pragma rows error: %v", err)
	}

	for _, want := range []string{"remote_uuid", "email", "expire_at", "created_at", "updated_at", "subscription_url"} {
		if !have[want] {
			t.Errorf("canonical column %q missing after rebuild", want)
		}
	}
	for _, gone := range []string{"xui_client_uuid", "key_email", "expiry_date", "created_date"} {
		if have[gone] {
			t.Errorf("legacy column %q still present after rebuild", gone)
		}
	}
}

func TestEnsureSchema_IdempotentAcrossRestarts(t *testing.T) {
	path := seedLegacyDB(t)

	for i := 0; i < 3; i++ {
		if err := InitDB("sqlite", path); err != nil {
			t.Fatalf("InitDB run %d failed: %v", i+1, err)
		}
		keys, err := GetAllKeys()
		if err != nil {
			t.Fatalf("GetAllKeys run %d failed: %v", i+1, err)
		}
		if len(keys) != 2 {
			t.Fatalf("run %d: expected 2 keys, got %d", i+1, len(keys))
		}
		if err := CloseStore(); err != nil {
			t.Fatalf("CloseStore run %d failed: %v", i+1, err)
		}
	}
}

func TestEnsureSchema_RefusesUnknownLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weird.db")
	raw, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("failed to open fixture db: %v", err)
	}
	if _, err := raw.Exec(`CREATE TABLE keys (id INTEGER PRIMARY KEY, payload TEXT)`); err != nil {
		t.Fatalf("failed to create unknown-shape table: %v", err)
	}
	_ = raw.Close()

	if err := InitDB("sqlite", path); err == nil {
		_ = CloseStore()
		t.Fatal("InitDB accepted a keys table with an unrecognizable layout")
	}
}

func TestEnsureSchema_AddsMissingHostColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oldhosts.db")
	raw, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("failed to open fixture db: %v", err)
	}
	// A hosts table from before probe support and panel_type existed.
	if _, err := raw.Exec(`CREATE TABLE hosts (
		host_name TEXT PRIMARY KEY,
		panel_url TEXT NOT NULL,
		panel_user TEXT NOT NULL,
		panel_pass TEXT NOT NULL,
		inbound_id INTEGER NOT NULL DEFAULT 1
	)`); err != nil {
		t.Fatalf("failed to create old hosts table: %v", err)
	}
	if _, err := raw.Exec(`INSERT INTO hosts (host_name, panel_url, panel_user, panel_pass) VALUES ('vpn-de-1', 'https://panel.example', 'admin', 'secret')`); err != nil {
		t.Fatalf("failed to seed old hosts table: %v", err)
	}
	_ = raw.Close()

	if err := InitDB("sqlite", path); err != nil {
		t.Fatalf("InitDB failed: %v", err)
	}
	defer func() { _ = CloseStore() }()

	h, err := GetHost("vpn-de-1")
	if err != nil {
		t.Fatalf("GetHost failed: %v", err)
	}
	if h == nil {
		t.Fatal("pre-existing host disappeared after column additions")
	}
	if h.PanelType != "xui" {
		t.Errorf("panel_type = %q, want default %q", h.PanelType, "xui")
	}
	if h.ProbedAt != nil {
		t.Errorf("probed_at = %v, want unset", h.ProbedAt)
	}
}
