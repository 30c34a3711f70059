// Copyright (c) 2026 Keywarden Team
// Keywarden - subscription key lifecycle & panel reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/toeirei/keywarden/internal/db"
	"github.com/toeirei/keywarden/internal/i18n"
	"github.com/toeirei/keywarden/internal/model"
	"github.com/toeirei/keywarden/internal/probe"
)

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Manage provisioning hosts",
}

var hostAdd model.Host
var hostAskPass bool

func init() {
	hostAddCmd.Flags().StringVar(&hostAdd.PanelURL, "panel-url", "", "Base URL of the host's panel")
	hostAddCmd.Flags().StringVar(&hostAdd.PanelUser, "panel-user", "", "Panel login user")
	hostAddCmd.Flags().StringVar(&hostAdd.PanelPass, "panel-pass", "", "Panel login password")
	hostAddCmd.Flags().BoolVar(&hostAskPass, "ask-pass", false, "Prompt for the panel password instead of passing it as a flag")
	hostAddCmd.Flags().IntVar(&hostAdd.InboundID, "inbound", 1, "Inbound id clients are attached to")
	hostAddCmd.Flags().StringVar(&hostAdd.PanelType, "panel-type", model.DefaultPanelType, "Panel adapter type")
	hostAddCmd.Flags().StringVar(&hostAdd.SSHHost, "ssh-host", "", "SSH address for latency probes (optional)")
	hostAddCmd.Flags().IntVar(&hostAdd.SSHPort, "ssh-port", 22, "SSH port for latency probes")
	hostAddCmd.Flags().StringVar(&hostAdd.SSHUser, "ssh-user", "", "SSH user for latency probes")
	hostAddCmd.Flags().StringVar(&hostAdd.SSHPass, "ssh-pass", "", "SSH password for latency probes")
	_ = hostAddCmd.MarkFlagRequired("panel-url")

	hostCmd.AddCommand(hostAddCmd, hostListCmd, hostRemoveCmd, hostRenameCmd, hostProbeCmd)
}

var hostAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Register a provisioning host",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h := hostAdd
		h.Name = args[0]

		if hostAskPass {
			fmt.Print(i18n.T("host.password_prompt"))
			pw, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Println()
			if err != nil {
				return errors.New(i18n.T("host.error_password", err))
			}
			h.PanelPass = string(pw)
		}

		if err := db.AddHost(h); err != nil {
			return errors.New(i18n.T("host.error_add", err))
		}
		_ = db.LogAction("host_add", fmt.Sprintf("name=%s panel=%s", h.Name, h.PanelURL))

		fmt.Println(i18n.T("host.add_done", h.Name))
		return nil
	},
}

var hostListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered hosts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		hosts, err := db.GetAllHosts()
		if err != nil {
			return err
		}
		if len(hosts) == 0 {
			fmt.Println(i18n.T("host.list_empty"))
			return nil
		}
		fmt.Printf("%-16s %-32s %-8s %-8s %s\n", "NAME", "PANEL URL", "TYPE", "INBOUND", "PROBE")
		for _, h := range hosts {
			pt := h.PanelType
			if pt == "" {
				pt = model.DefaultPanelType
			}
			probeCol := "-"
			if h.ProbedAt != nil {
				probeCol = fmt.Sprintf("%dms @ %s", h.ProbeLatencyMS, h.ProbedAt.UTC().Format("2006-01-02 15:04"))
			}
			fmt.Printf("%-16s %-32s %-8s %-8d %s\n", h.Name, h.PanelURL, pt, h.InboundID, probeCol)
		}
		return nil
	},
}

var hostRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a host registration",
	Long: `Removes the host from the store. Keys recorded for the host stay in
place; they just cannot be reconciled or swept until the host is
re-registered or they are deleted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := db.GetHost(args[0])
		if err != nil {
			return err
		}
		if h == nil {
			fmt.Println(i18n.T("host.not_found", args[0]))
			return nil
		}
		if err := db.DeleteHost(h.Name); err != nil {
			return errors.New(i18n.T("host.error_remove", err))
		}
		_ = db.LogAction("host_remove", fmt.Sprintf("name=%s", h.Name))

		fmt.Println(i18n.T("host.remove_done", h.Name))
		return nil
	},
}

// hostRenameCmd renames a host. Keys and plans referencing the old name move
// with it in the same transaction.
var hostRenameCmd = &cobra.Command{
	Use:   "rename <old> <new>",
	Short: "Rename a host, carrying its keys and plans along",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := db.RenameHost(args[0], args[1]); err != nil {
			return errors.New(i18n.T("host.error_rename", err))
		}
		_ = db.LogAction("host_rename", fmt.Sprintf("old=%s new=%s", args[0], args[1]))

		fmt.Println(i18n.T("host.rename_done", args[0], args[1]))
		return nil
	},
}

var hostProbeCmd = &cobra.Command{
	Use:   "probe [name]",
	Short: "Measure SSH latency for one host or all probeable hosts",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout := time.Duration(appConfig.Scheduler.ProbeTimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = probe.DefaultTimeout
		}

		if len(args) == 1 {
			h, err := db.GetHost(args[0])
			if err != nil {
				return err
			}
			if h == nil {
				return errors.New(i18n.T("host.not_found", args[0]))
			}
			ms, err := probe.Host(*h, timeout)
			if err != nil {
				return errors.New(i18n.T("host.error_probe", h.Name, err))
			}
			if err := db.SetHostProbeResult(h.Name, ms, time.Now().UTC()); err != nil {
				return err
			}
			fmt.Println(i18n.T("host.probe_result", h.Name, ms))
			return nil
		}

		n, err := probe.All(cmd.Context(), timeout)
		if err != nil {
			return err
		}
		fmt.Println(i18n.T("host.probe_all_done", n))
		return nil
	},
}
