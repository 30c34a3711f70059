// Copyright (c) 2026 Keywarden Team
// Keywarden - subscription key lifecycle & panel reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

package backup

import (
	"bytes"
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/toeirei/keywarden/internal/db"
)

// withFileStore opens a file-backed store so snapshots and restores operate
// on a real database file, and returns its path.
func withFileStore(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keywarden.db")
	if err := db.InitDB("sqlite", path); err != nil {
		t.Fatalf("InitDB failed: %v", err)
	}
	t.Cleanup(func() { _ = db.CloseStore() })
	return path
}

func seedKey(t *testing.T, email string) int {
	t.Helper()
	if err := db.EnsureUser(42, "tester"); err != nil {
		t.Fatalf("EnsureUser failed: %v", err)
	}
	id, err := db.CreateKey(42, "vpn-de-1", "abc", email, time.Now().Add(24*time.Hour))
	if err != nil {
		t.Fatalf("CreateKey(%q) failed: %v", email, err)
	}
	return id
}

func decompress(t *testing.T, path string) []byte {
	t.Helper()
	in, err := os.Open(path)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer in.Close()
	zr, err := zstd.NewReader(in)
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	defer zr.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(zr); err != nil {
		t.Fatalf("decompress: %v", err)
	}
	return buf.Bytes()
}

func TestCreateSnapshot(t *testing.T) {
	withFileStore(t)
	seedKey(t, "user42@bot.local")

	dir := t.TempDir()
	path, err := CreateSnapshot(context.Background(), dir)
	if err != nil {
		t.Fatalf("CreateSnapshot failed: %v", err)
	}

	base := filepath.Base(path)
	if !strings.HasPrefix(base, archivePrefix) || !strings.HasSuffix(base, archiveSuffix) {
		t.Errorf("unexpected archive name %q", base)
	}

	raw := decompress(t, path)
	if !bytes.HasPrefix(raw, []byte("SQLite format 3\x00")) {
		t.Error("archive does not contain a SQLite image")
	}

	// No partial files or work dirs may survive.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, e := range entries {
		if e.Name() != base {
			t.Errorf("leftover entry %q in backup dir", e.Name())
		}
	}
}

func TestCreateSnapshotWithoutStore(t *testing.T) {
	if db.IsInitialized() {
		t.Fatal("test requires a closed store")
	}
	if _, err := CreateSnapshot(context.Background(), t.TempDir()); err == nil {
		t.Fatal("expected error without an open store")
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	dbPath := withFileStore(t)
	seedKey(t, "user42@bot.local")

	backups := t.TempDir()
	archive, err := CreateSnapshot(context.Background(), backups)
	if err != nil {
		t.Fatalf("CreateSnapshot failed: %v", err)
	}

	// Mutate after the snapshot; the restore must roll this back.
	if err := db.EnsureUser(43, "later"); err != nil {
		t.Fatalf("EnsureUser failed: %v", err)
	}
	if _, err := db.CreateKey(43, "vpn-de-1", "def", "user43@bot.local", time.Now().Add(24*time.Hour)); err != nil {
		t.Fatalf("CreateKey failed: %v", err)
	}

	err = Restore(context.Background(), RestoreOptions{
		Archive:   archive,
		DBPath:    dbPath,
		DSN:       dbPath,
		BackupDir: backups,
	})
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	if !db.IsInitialized() {
		t.Fatal("store not reopened after restore")
	}
	if k, err := db.GetKeyByEmail("user42@bot.local"); err != nil || k == nil {
		t.Errorf("pre-snapshot key missing after restore: %v (err %v)", k, err)
	}
	if k, err := db.GetKeyByEmail("user43@bot.local"); err != nil || k != nil {
		t.Errorf("post-snapshot key survived restore: %v (err %v)", k, err)
	}

	// The self-snapshot must exist alongside the regular archives.
	entries, err := os.ReadDir(backups)
	if err != nil {
		t.Fatalf("read backup dir: %v", err)
	}
	sawSelf := false
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), beforeRestorePrefix) {
			sawSelf = true
		}
	}
	if !sawSelf {
		t.Error("no self-snapshot written before restore")
	}
}

func TestRestoreRejectsGarbage(t *testing.T) {
	dbPath := withFileStore(t)
	id := seedKey(t, "user42@bot.local")

	junk := filepath.Join(t.TempDir(), "junk.db.zst")
	if err := os.WriteFile(junk, []byte("definitely not zstd"), 0o644); err != nil {
		t.Fatalf("write junk: %v", err)
	}

	err := Restore(context.Background(), RestoreOptions{
		Archive:   junk,
		DBPath:    dbPath,
		DSN:       dbPath,
		BackupDir: t.TempDir(),
	})
	if err == nil {
		t.Fatal("expected error for garbage archive")
	}
	if !db.IsInitialized() {
		t.Fatal("store was closed during a rejected restore")
	}
	if k, kerr := db.GetKeyByID(id); kerr != nil || k == nil {
		t.Errorf("live data lost after rejected restore: %v (err %v)", k, kerr)
	}
}

func TestRestoreRejectsMissingCoreTables(t *testing.T) {
	dbPath := withFileStore(t)
	id := seedKey(t, "user42@bot.local")

	// A perfectly valid SQLite file, just not one of ours.
	other := filepath.Join(t.TempDir(), "other.db")
	odb, err := sql.Open("sqlite", other)
	if err != nil {
		t.Fatalf("open scratch db: %v", err)
	}
	if _, err := odb.Exec(`CREATE TABLE misc (x TEXT)`); err != nil {
		t.Fatalf("create scratch table: %v", err)
	}
	if err := odb.Close(); err != nil {
		t.Fatalf("close scratch db: %v", err)
	}
	archive := filepath.Join(t.TempDir(), "other.db.zst")
	if err := compressFile(other, archive); err != nil {
		t.Fatalf("compress scratch db: %v", err)
	}

	err = Restore(context.Background(), RestoreOptions{
		Archive:   archive,
		DBPath:    dbPath,
		DSN:       dbPath,
		BackupDir: t.TempDir(),
	})
	if err == nil || !strings.Contains(err.Error(), "refusing to restore") {
		t.Fatalf("err = %v, want table validation failure", err)
	}
	if k, kerr := db.GetKeyByID(id); kerr != nil || k == nil {
		t.Errorf("live data lost after rejected restore: %v (err %v)", k, kerr)
	}
}

func TestPrune(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour)

	names := []string{
		archivePrefix + "20260101-000000" + archiveSuffix,
		archivePrefix + "20260102-000000" + archiveSuffix,
		archivePrefix + "20260103-000000" + archiveSuffix,
		archivePrefix + "20260104-000000" + archiveSuffix,
	}
	for i, name := range names {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		mod := base.Add(time.Duration(i) * time.Minute)
		if err := os.Chtimes(p, mod, mod); err != nil {
			t.Fatalf("chtimes %s: %v", name, err)
		}
	}
	keepers := []string{
		beforeRestorePrefix + "20260101-000000" + archiveSuffix,
		"notes.txt",
	}
	for _, name := range keepers {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	removed, err := Prune(dir, 2)
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}

	for _, name := range names[:2] {
		if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
			t.Errorf("old archive %s survived prune", name)
		}
	}
	for _, name := range append(names[2:], keepers...) {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("%s should have been kept: %v", name, err)
		}
	}

	if _, err := Prune(filepath.Join(dir, "missing"), 3); err != nil {
		t.Errorf("Prune on missing dir errored: %v", err)
	}
}
