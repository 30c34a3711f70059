// Copyright (c) 2026 Keywarden Team
// Keywarden - subscription key lifecycle & panel reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/toeirei/keywarden/internal/db"
	"github.com/toeirei/keywarden/internal/i18n"
	"github.com/toeirei/keywarden/internal/scheduler"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database housekeeping",
}

var auditLimit int

func init() {
	auditCmd.Flags().IntVar(&auditLimit, "limit", 0, "Show at most this many entries (0 shows all)")

	dbCmd.AddCommand(dbMaintainCmd, dbSettingCmd)
}

// dbMaintainCmd opens its own maintenance connection, so the live store stays
// usable while it runs.
var dbMaintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Run database maintenance (optimize, VACUUM, integrity check)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := db.RunDBMaintenance(appConfig.Database.Type, appConfig.Database.Dsn); err != nil {
			return errors.New(i18n.T("db.maintain_error", err))
		}
		_ = db.LogAction("db_maintain", "")

		fmt.Println(i18n.T("db.maintain_done"))
		return nil
	},
}

// dbSettingCmd reads or writes one row of the settings table. The scheduler
// gates (last_probe_run, last_backup_run, backup_interval_hours) live there.
var dbSettingCmd = &cobra.Command{
	Use:   "setting <key> [value]",
	Short: "Read or write a settings table entry",
	Long: fmt.Sprintf(`With only a key, prints the stored value. With a value, stores it.

Well-known keys: %s, %s, %s.`,
		scheduler.SettingBackupIntervalHours, scheduler.SettingLastProbeRun, scheduler.SettingLastBackupRun),
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		if len(args) == 1 {
			value, err := db.GetSetting(key)
			if err != nil {
				return err
			}
			if value == "" {
				fmt.Println(i18n.T("db.setting_unset", key))
				return nil
			}
			fmt.Println(value)
			return nil
		}

		value := args[1]
		if err := db.SetSetting(key, value); err != nil {
			return err
		}
		_ = db.LogAction("setting_set", fmt.Sprintf("key=%s value=%s", key, value))

		fmt.Println(i18n.T("db.setting_set", key, value))
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarize store contents and scheduler activity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		keys, err := db.GetAllKeys()
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		active, expired := 0, 0
		for _, k := range keys {
			if k.Expired(now) {
				expired++
			} else {
				active++
			}
		}

		hosts, err := db.GetAllHosts()
		if err != nil {
			return err
		}
		probeable := 0
		for _, h := range hosts {
			if h.Probeable() {
				probeable++
			}
		}

		fmt.Println(i18n.T("status.keys", len(keys), active, expired))
		fmt.Println(i18n.T("status.hosts", len(hosts), probeable))
		fmt.Println(i18n.T("status.last_probe", settingOrNever(scheduler.SettingLastProbeRun)))
		fmt.Println(i18n.T("status.last_backup", settingOrNever(scheduler.SettingLastBackupRun)))
		return nil
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the audit log, most recent first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := db.GetAllAuditLogEntries()
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println(i18n.T("audit.empty"))
			return nil
		}
		if auditLimit > 0 && len(entries) > auditLimit {
			entries = entries[:auditLimit]
		}
		for _, e := range entries {
			fmt.Printf("%-20s %-12s %-14s %s\n", e.Timestamp, e.Username, e.Action, e.Details)
		}
		return nil
	},
}

func settingOrNever(key string) string {
	v, err := db.GetSetting(key)
	if err != nil || v == "" {
		return i18n.T("status.never")
	}
	return v
}
