// Copyright (c) 2026 Keywarden Team
// Keywarden - subscription key lifecycle & panel reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/toeirei/keywarden/internal/i18n"
	"github.com/toeirei/keywarden/internal/scheduler"
)

// runCmd starts the background scheduler in the foreground and blocks until
// the process is interrupted.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the reconciliation scheduler until interrupted",
	Long: `Starts the periodic loop: every tick it reconciles all registered hosts
against their panels, sweeps expired keys, and on their own intervals
probes host latency and snapshots the database. SIGINT or SIGTERM stops
the loop after the current pass finishes.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg := scheduler.Config{
			Tick:          time.Duration(appConfig.Scheduler.TickSeconds) * time.Second,
			Concurrency:   appConfig.Scheduler.Concurrency,
			ProbeInterval: time.Duration(appConfig.Scheduler.ProbeIntervalHours) * time.Hour,
			ProbeTimeout:  time.Duration(appConfig.Scheduler.ProbeTimeoutSeconds) * time.Second,
			BackupDir:     appConfig.Backup.Dir,
			BackupKeep:    appConfig.Backup.Keep,
		}

		fmt.Println(i18n.T("run.starting", appConfig.Scheduler.TickSeconds, appConfig.Scheduler.Concurrency))
		scheduler.New(cfg).Run(ctx)
		fmt.Println(i18n.T("run.stopped"))
		return nil
	},
}
