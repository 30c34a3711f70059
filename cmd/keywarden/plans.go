// Copyright (c) 2026 Keywarden Team
// Keywarden - subscription key lifecycle & panel reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/toeirei/keywarden/internal/db"
	"github.com/toeirei/keywarden/internal/i18n"
	"github.com/toeirei/keywarden/internal/model"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Manage the plan catalog",
}

var (
	planAddMonths int
	planAddPrice  float64
)

func init() {
	planAddCmd.Flags().IntVar(&planAddMonths, "months", 1, "Plan duration in months")
	planAddCmd.Flags().Float64Var(&planAddPrice, "price", 0, "Plan price")

	planCmd.AddCommand(planAddCmd, planListCmd, planRemoveCmd)
}

var planAddCmd = &cobra.Command{
	Use:   "add <host> <name>",
	Short: "Add a plan for a host",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		host, err := db.GetHost(args[0])
		if err != nil {
			return err
		}
		if host == nil {
			return errors.New(i18n.T("host.not_found", args[0]))
		}

		id, err := db.AddPlan(model.Plan{
			HostName: host.Name,
			Name:     args[1],
			Months:   planAddMonths,
			Price:    planAddPrice,
		})
		if err != nil {
			return errors.New(i18n.T("plan.error_add", err))
		}
		_ = db.LogAction("plan_add", fmt.Sprintf("host=%s name=%s months=%d", host.Name, args[1], planAddMonths))

		fmt.Println(i18n.T("plan.add_done", args[1], host.Name, id))
		return nil
	},
}

var planListCmd = &cobra.Command{
	Use:   "list [host]",
	Short: "List plans, optionally for one host",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var plans []model.Plan
		var err error
		if len(args) == 1 {
			plans, err = db.GetPlansForHost(args[0])
		} else {
			plans, err = db.GetAllPlans()
		}
		if err != nil {
			return err
		}
		if len(plans) == 0 {
			fmt.Println(i18n.T("plan.list_empty"))
			return nil
		}
		fmt.Printf("%-5s %-16s %-20s %-7s %s\n", "ID", "HOST", "NAME", "MONTHS", "PRICE")
		for _, p := range plans {
			fmt.Printf("%-5d %-16s %-20s %-7d %.2f\n", p.ID, p.HostName, p.Name, p.Months, p.Price)
		}
		return nil
	},
}

var planRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a plan by id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return errors.New(i18n.T("plan.error_remove", err))
		}
		if err := db.DeletePlan(id); err != nil {
			return errors.New(i18n.T("plan.error_remove", err))
		}
		_ = db.LogAction("plan_remove", fmt.Sprintf("id=%d", id))

		fmt.Println(i18n.T("plan.remove_done", id))
		return nil
	},
}
