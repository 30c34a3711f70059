// Copyright (c) 2026 Keywarden Team
// Keywarden - subscription key lifecycle & panel reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

// Package backup produces and restores compressed point-in-time copies of
// the live store. Snapshots go through the store's own copy primitive
// (VACUUM INTO) rather than a filesystem copy, so a snapshot taken under
// load is still transactionally consistent.
package backup // import "github.com/toeirei/keywarden/internal/backup"

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/toeirei/keywarden/internal/db"
	"github.com/toeirei/keywarden/internal/logging"
)

const (
	archivePrefix       = "keywarden-backup-"
	beforeRestorePrefix = "keywarden-before-restore-"
	archiveSuffix       = ".db.zst"
	timestampLayout     = "20060102-150405"
)

// mu serializes snapshot and restore. Both sides work against the same
// physical database file; letting them interleave would hand out an archive
// of a half-swapped store.
var mu sync.Mutex

// CreateSnapshot writes a compressed snapshot of the live store into dir and
// returns the archive path. The archive is complete when the function
// returns; a partially written file is never left behind under the final
// name.
func CreateSnapshot(ctx context.Context, dir string) (string, error) {
	mu.Lock()
	defer mu.Unlock()
	return snapshotLocked(ctx, dir, archivePrefix)
}

func snapshotLocked(ctx context.Context, dir, prefix string) (string, error) {
	if !db.IsInitialized() {
		return "", fmt.Errorf("store is not open")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}

	work, err := os.MkdirTemp(dir, ".snapshot-*")
	if err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(work) }()

	// VACUUM INTO refuses to overwrite, so the plain copy lives in a fresh
	// work dir and is removed with it on every path.
	plain := filepath.Join(work, "snapshot.db")
	if err := db.SnapshotTo(ctx, plain); err != nil {
		return "", fmt.Errorf("snapshot store: %w", err)
	}

	final := filepath.Join(dir, prefix+time.Now().Format(timestampLayout)+archiveSuffix)
	partial := final + ".partial"
	if err := compressFile(plain, partial); err != nil {
		_ = os.Remove(partial)
		return "", err
	}
	if err := os.Rename(partial, final); err != nil {
		_ = os.Remove(partial)
		return "", fmt.Errorf("finalize archive: %w", err)
	}
	logging.Infof("backup: wrote %s", final)
	return final, nil
}

func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	zw, err := zstd.NewWriter(out)
	if err != nil {
		_ = out.Close()
		return fmt.Errorf("create zstd writer: %w", err)
	}
	if _, err := io.Copy(zw, in); err != nil {
		_ = zw.Close()
		_ = out.Close()
		return fmt.Errorf("compress snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		_ = out.Close()
		return fmt.Errorf("flush archive: %w", err)
	}
	return out.Close()
}

// Prune removes the oldest snapshot archives in dir beyond keep, ordered by
// modification time. Self-snapshots taken before a restore are not touched.
// Individual delete failures are logged and do not stop the rest.
func Prune(dir string, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read backup dir: %w", err)
	}

	type candidate struct {
		path string
		mod  time.Time
	}
	var archives []candidate
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, archivePrefix) || !strings.HasSuffix(name, archiveSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		archives = append(archives, candidate{path: filepath.Join(dir, name), mod: info.ModTime()})
	}
	sort.Slice(archives, func(i, j int) bool { return archives[i].mod.After(archives[j].mod) })

	removed := 0
	for _, c := range archives[min(keep, len(archives)):] {
		if err := os.Remove(c.path); err != nil {
			logging.Warnf("backup: prune could not remove %s: %v", c.path, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		logging.Infof("backup: pruned %d old archive(s) from %s", removed, dir)
	}
	return removed, nil
}

// RestoreOptions locates the archive and the live store for Restore.
type RestoreOptions struct {
	// Archive is the snapshot to restore: either a .db.zst archive or a
	// plain SQLite file.
	Archive string
	// DBPath is the live database file to replace.
	DBPath string
	// DSN reopens the store after the swap. Usually identical to DBPath.
	DSN string
	// BackupDir receives the self-snapshot taken before the swap.
	BackupDir string
}

// Restore replaces the live store with the archive's contents. The sequence
// is validate, self-snapshot, swap, reopen; any failure before the swap
// leaves the live store untouched. A schema evolution failure after the
// swap is logged, not returned: restored data standing with a dated schema
// beats having no database at all.
func Restore(ctx context.Context, opts RestoreOptions) error {
	mu.Lock()
	defer mu.Unlock()

	if _, err := os.Stat(opts.Archive); err != nil {
		return fmt.Errorf("archive not accessible: %w", err)
	}

	work, err := os.MkdirTemp(filepath.Dir(opts.DBPath), ".restore-*")
	if err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(work) }()

	candidate := filepath.Join(work, "candidate.db")
	if err := unpackArchive(opts.Archive, candidate); err != nil {
		return err
	}
	if err := validateCandidate(candidate); err != nil {
		return err
	}

	if _, err := snapshotLocked(ctx, opts.BackupDir, beforeRestorePrefix); err != nil {
		return fmt.Errorf("self-snapshot before restore: %w", err)
	}

	if err := db.CloseStore(); err != nil {
		logging.Warnf("restore: closing store reported: %v", err)
	}

	if err := os.Rename(candidate, opts.DBPath); err != nil {
		return fmt.Errorf("swap database file: %w", err)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(opts.DBPath + suffix); err != nil && !os.IsNotExist(err) {
			logging.Warnf("restore: could not remove %s: %v", opts.DBPath+suffix, err)
		}
	}

	dsn := opts.DSN
	if dsn == "" {
		dsn = opts.DBPath
	}
	if err := db.InitDB("sqlite", dsn); err != nil {
		logging.Errorf("restore: data swapped but reopening the store failed: %v", err)
		return nil
	}
	logging.Infof("restore: store replaced from %s", opts.Archive)
	return nil
}

// unpackArchive writes the archive's plain database image to dst. A file
// without the archive suffix is taken as an uncompressed SQLite file.
func unpackArchive(archive, dst string) error {
	in, err := os.Open(archive)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer func() { _ = in.Close() }()

	var src io.Reader = in
	if strings.HasSuffix(archive, ".zst") {
		zr, err := zstd.NewReader(in)
		if err != nil {
			return fmt.Errorf("create zstd reader: %w", err)
		}
		defer zr.Close()
		src = zr
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("write candidate: %w", err)
	}
	if _, err := io.Copy(out, src); err != nil {
		_ = out.Close()
		return fmt.Errorf("unpack archive: %w", err)
	}
	return out.Close()
}

// validateCandidate rejects anything that is not a SQLite database carrying
// the core tables. The check runs read-only against the candidate file and
// never touches the live store.
func validateCandidate(path string) error {
	cdb, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("open candidate: %w", err)
	}
	defer func() { _ = cdb.Close() }()

	rows, err := cdb.Query(`SELECT name FROM sqlite_master WHERE type = 'table'`)
	if err != nil {
		return fmt.Errorf("candidate is not a usable database: %w", err)
	}
	defer rows.Close()

	present := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("candidate is not a usable database: %w", err)
		}
		present[strings.ToLower(name)] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("candidate is not a usable database: %w", err)
	}

	for _, required := range []string{"keys", "hosts"} {
		if !present[required] {
			return fmt.Errorf("candidate is missing the %q table; refusing to restore", required)
		}
	}
	return nil
}
