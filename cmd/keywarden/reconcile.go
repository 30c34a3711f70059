// Copyright (c) 2026 Keywarden Team
// Keywarden - subscription key lifecycle & panel reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/toeirei/keywarden/internal/db"
	"github.com/toeirei/keywarden/internal/i18n"
	"github.com/toeirei/keywarden/internal/reconcile"
)

// reconcileCmd runs one reconciliation pass outside the scheduler. With a
// host argument it reconciles just that host; without, all hosts in turn.
// One failing host does not stop the others.
var reconcileCmd = &cobra.Command{
	Use:   "reconcile [host]",
	Short: "Reconcile recorded keys against panel state",
	Long: `Compares the recorded keys for each host with the clients its panel
actually serves, then repairs the differences: re-provisions missing
clients, adopts attributable orphans, removes the rest, aligns expiry
dates, and sweeps keys past their expiry.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			affected, err := reconcile.Host(cmd.Context(), args[0])
			if err != nil {
				return errors.New(i18n.T("reconcile.failed", args[0], err))
			}
			fmt.Println(i18n.T("reconcile.done", args[0], affected))
			return nil
		}

		hosts, err := db.GetAllHosts()
		if err != nil {
			return err
		}
		if len(hosts) == 0 {
			fmt.Println(i18n.T("reconcile.no_hosts"))
			return nil
		}

		var failed bool
		for _, h := range hosts {
			affected, err := reconcile.Host(cmd.Context(), h.Name)
			if err != nil {
				failed = true
				fmt.Println(i18n.T("reconcile.failed", h.Name, err))
				continue
			}
			fmt.Println(i18n.T("reconcile.done", h.Name, affected))
		}
		if failed {
			return errors.New(i18n.T("reconcile.partial"))
		}
		return nil
	},
}
