// Copyright (c) 2026 Keywarden Team
// Keywarden - subscription key lifecycle & panel reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/toeirei/keywarden/internal/backup"
	"github.com/toeirei/keywarden/internal/db"
	"github.com/toeirei/keywarden/internal/i18n"
)

var (
	backupDirFlag string
	restoreYes    bool
	pruneKeep     int
	pruneDirFlag  string
)

func init() {
	backupCmd.Flags().StringVar(&backupDirFlag, "dir", "", "Backup directory (defaults to backup.dir from the config)")
	restoreCmd.Flags().BoolVar(&restoreYes, "yes", false, "Skip the confirmation prompt")
	pruneCmd.Flags().IntVar(&pruneKeep, "keep", 0, "How many archives to keep (defaults to backup.keep from the config)")
	pruneCmd.Flags().StringVar(&pruneDirFlag, "dir", "", "Backup directory (defaults to backup.dir from the config)")
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Write a consistent snapshot of the database",
	Long: `Snapshots the live database into the backup directory without stopping
it. The copy is taken transactionally and compressed; partial archives
never survive a failed run.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := backupDirFlag
		if dir == "" {
			dir = appConfig.Backup.Dir
		}
		path, err := backup.CreateSnapshot(cmd.Context(), dir)
		if err != nil {
			return errors.New(i18n.T("backup.error", err))
		}
		_ = db.LogAction("backup_create", path)

		fmt.Println(i18n.T("backup.done", path))
		return nil
	},
}

// restoreCmd swaps the live database for the contents of a backup archive.
// The current database is snapshotted first, so a bad restore is recoverable.
var restoreCmd = &cobra.Command{
	Use:   "restore <archive>",
	Short: "Replace the live database with a backup archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		archive := args[0]

		if !restoreYes {
			answer := promptForConfirmation(i18n.T("restore.confirm", archive))
			if answer != "yes" {
				fmt.Println(i18n.T("restore.aborted"))
				return nil
			}
		}

		dbPath := dbFileFromDSN(appConfig.Database.Dsn)
		if dbPath == "" {
			return errors.New(i18n.T("restore.error", fmt.Errorf("cannot restore into a non-file database (dsn %q)", appConfig.Database.Dsn)))
		}

		opts := backup.RestoreOptions{
			Archive:   archive,
			DBPath:    dbPath,
			DSN:       appConfig.Database.Dsn,
			BackupDir: appConfig.Backup.Dir,
		}
		if err := backup.Restore(cmd.Context(), opts); err != nil {
			return errors.New(i18n.T("restore.error", err))
		}
		// Restore reopened the store; log against the restored database. If
		// the reopen failed the restore itself still stands, so stay quiet.
		if db.IsInitialized() {
			_ = db.LogAction("backup_restore", archive)
		}

		fmt.Println(i18n.T("restore.done"))
		return nil
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete backup archives beyond the retention count",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := pruneDirFlag
		if dir == "" {
			dir = appConfig.Backup.Dir
		}
		keep := pruneKeep
		if keep <= 0 {
			keep = appConfig.Backup.Keep
		}
		removed, err := backup.Prune(dir, keep)
		if err != nil {
			return errors.New(i18n.T("prune.error", err))
		}
		fmt.Println(i18n.T("prune.done", removed))
		return nil
	},
}

// dbFileFromDSN extracts the on-disk file path from a SQLite DSN. It returns
// "" for DSNs that name no file to swap (in-memory databases).
func dbFileFromDSN(dsn string) string {
	s := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(s, '?'); i >= 0 {
		if strings.Contains(s[i+1:], "mode=memory") {
			return ""
		}
		s = s[:i]
	}
	if s == "" || s == ":memory:" {
		return ""
	}
	return s
}
