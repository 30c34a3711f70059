// Copyright (c) 2026 Keywarden Team
// Keywarden - subscription key lifecycle & panel reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/toeirei/keywarden/internal/db"
	"github.com/toeirei/keywarden/internal/i18n"
	"github.com/toeirei/keywarden/internal/logging"
	"github.com/toeirei/keywarden/internal/model"
	"github.com/toeirei/keywarden/internal/panel"
)

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage issued subscription keys",
}

var (
	keyAddDays        int
	keyAddTag         string
	keyAddDescription string
	keyExtendDays     int
)

func init() {
	keyAddCmd.Flags().IntVar(&keyAddDays, "days", 30, "Validity in days from now")
	keyAddCmd.Flags().StringVar(&keyAddTag, "tag", "", "Free-form tag stored with the key")
	keyAddCmd.Flags().StringVar(&keyAddDescription, "description", "", "Description stored with the key")
	keyExtendCmd.Flags().IntVar(&keyExtendDays, "days", 30, "Days to add to the key's expiry")

	keyCmd.AddCommand(keyAddCmd, keyListCmd, keyShowCmd, keyExtendCmd, keyDeleteCmd)
}

// keyAddCmd provisions a client on the host's panel first and records the key
// locally only after the panel accepted it. The panel response is
// authoritative for UUID, expiry and subscription URL.
var keyAddCmd = &cobra.Command{
	Use:   "add <user-id> <host> <email>",
	Short: "Provision a new key on a panel and record it",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || userID <= 0 {
			return errors.New(i18n.T("key.error_user", args[0]))
		}
		email := model.NormalizeEmail(args[2])

		host, err := db.GetHost(args[1])
		if err != nil {
			return err
		}
		if host == nil {
			return errors.New(i18n.T("host.not_found", args[1]))
		}
		if err := db.EnsureUser(userID, ""); err != nil {
			return err
		}

		client, err := panel.ForHost(*host)
		if err != nil {
			return err
		}
		ci, err := client.UpsertClient(cmd.Context(), *host, email, panel.UpsertOptions{DaysToAdd: keyAddDays})
		if err != nil {
			return errors.New(i18n.T("key.error_provision", err))
		}

		id, err := db.CreateKey(userID, host.Name, ci.RemoteUUID, ci.Email, ci.ExpireAt)
		if err != nil {
			// The client exists on the panel now; the next reconcile pass
			// will pick it up as an orphan if the insert stays failed.
			return errors.New(i18n.T("key.error_store", err))
		}

		upd := model.KeyUpdate{}
		if ci.SubscriptionURL != "" {
			upd.SubscriptionURL = &ci.SubscriptionURL
		}
		if keyAddTag != "" {
			upd.Tag = &keyAddTag
		}
		if keyAddDescription != "" {
			upd.Description = &keyAddDescription
		}
		if !upd.IsZero() {
			if err := db.UpdateKey(id, upd); err != nil {
				return errors.New(i18n.T("key.error_store", err))
			}
		}
		_ = db.LogAction("key_add", fmt.Sprintf("email=%s host=%s expires=%s", ci.Email, host.Name, ci.ExpireAt.UTC().Format(time.RFC3339)))

		fmt.Println(i18n.T("key.add_done", ci.Email, host.Name, ci.ExpireAt.UTC().Format("2006-01-02 15:04")))
		if ci.SubscriptionURL != "" {
			fmt.Println(i18n.T("key.add_suburl", ci.SubscriptionURL))
		}
		return nil
	},
}

var keyListCmd = &cobra.Command{
	Use:   "list [host]",
	Short: "List recorded keys, optionally for one host",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var keys []model.Key
		var err error
		if len(args) == 1 {
			keys, err = db.GetKeysForHost(args[0])
		} else {
			keys, err = db.GetAllKeys()
		}
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			fmt.Println(i18n.T("key.list_empty"))
			return nil
		}
		now := time.Now().UTC()
		fmt.Printf("%-5s %-30s %-16s %-17s %s\n", "ID", "EMAIL", "HOST", "EXPIRES", "STATE")
		for _, k := range keys {
			state := "active"
			if k.Expired(now) {
				state = "expired"
			}
			fmt.Printf("%-5d %-30s %-16s %-17s %s\n", k.ID, k.Email, k.HostName, k.ExpireAt.UTC().Format("2006-01-02 15:04"), state)
		}
		return nil
	},
}

var keyShowCmd = &cobra.Command{
	Use:   "show <email-or-id>",
	Short: "Show one key in full",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		k, err := lookupKey(args[0])
		if err != nil {
			return err
		}
		if k == nil {
			fmt.Println(i18n.T("key.not_found", args[0]))
			return nil
		}
		state := "active"
		if k.Expired(time.Now().UTC()) {
			state = "expired"
		}
		fmt.Printf("ID:           %d\n", k.ID)
		fmt.Printf("Email:        %s\n", k.Email)
		fmt.Printf("User:         %d\n", k.UserID)
		fmt.Printf("Host:         %s\n", k.HostName)
		fmt.Printf("Remote UUID:  %s\n", orDash(k.RemoteUUID))
		fmt.Printf("Expires:      %s (%s)\n", k.ExpireAt.UTC().Format(time.RFC3339), state)
		fmt.Printf("Created:      %s\n", k.CreatedAt.UTC().Format(time.RFC3339))
		fmt.Printf("Updated:      %s\n", k.UpdatedAt.UTC().Format(time.RFC3339))
		if k.SubscriptionURL != "" {
			fmt.Printf("Subscription: %s\n", k.SubscriptionURL)
		}
		if k.Tag != "" {
			fmt.Printf("Tag:          %s\n", k.Tag)
		}
		if k.Description != "" {
			fmt.Printf("Description:  %s\n", k.Description)
		}
		return nil
	},
}

// keyExtendCmd extends on the panel first. The panel's expiry is what
// reconciliation will enforce later, so a local-only extension would just be
// reverted on the next pass.
var keyExtendCmd = &cobra.Command{
	Use:   "extend <email>",
	Short: "Extend a key's validity on the panel and locally",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email := model.NormalizeEmail(args[0])
		k, err := db.GetKeyByEmail(email)
		if err != nil {
			return err
		}
		if k == nil {
			fmt.Println(i18n.T("key.not_found", email))
			return nil
		}
		host, err := db.GetHost(k.HostName)
		if err != nil {
			return err
		}
		if host == nil {
			return errors.New(i18n.T("host.not_found", k.HostName))
		}

		client, err := panel.ForHost(*host)
		if err != nil {
			return err
		}
		ci, err := client.UpsertClient(cmd.Context(), *host, k.Email, panel.UpsertOptions{DaysToAdd: keyExtendDays})
		if err != nil {
			return errors.New(i18n.T("key.error_extend", err))
		}

		upd := model.KeyUpdate{ExpireAt: &ci.ExpireAt}
		if ci.RemoteUUID != "" && ci.RemoteUUID != k.RemoteUUID {
			upd.RemoteUUID = &ci.RemoteUUID
		}
		if ci.SubscriptionURL != "" && ci.SubscriptionURL != k.SubscriptionURL {
			upd.SubscriptionURL = &ci.SubscriptionURL
		}
		if err := db.UpdateKey(k.ID, upd); err != nil {
			return errors.New(i18n.T("key.error_extend", err))
		}
		_ = db.LogAction("key_extend", fmt.Sprintf("email=%s days=%d expires=%s", k.Email, keyExtendDays, ci.ExpireAt.UTC().Format(time.RFC3339)))

		fmt.Println(i18n.T("key.extend_done", k.Email, keyExtendDays, ci.ExpireAt.UTC().Format("2006-01-02 15:04")))
		return nil
	},
}

// keyDeleteCmd removes the panel client best-effort before deleting the local
// record. A failed panel delete only warns: with the record gone, the next
// reconcile pass removes the leftover client anyway.
var keyDeleteCmd = &cobra.Command{
	Use:   "delete <email>",
	Short: "Delete a key locally and from its panel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email := model.NormalizeEmail(args[0])
		k, err := db.GetKeyByEmail(email)
		if err != nil {
			return err
		}
		if k == nil {
			fmt.Println(i18n.T("key.not_found", email))
			return nil
		}

		host, err := db.GetHost(k.HostName)
		if err != nil {
			return err
		}
		if host != nil {
			if client, cerr := panel.ForHost(*host); cerr == nil {
				if _, derr := client.DeleteClient(cmd.Context(), *host, k.Email); derr != nil {
					logging.Warnf("%s", i18n.T("key.delete_panel_warning", derr))
				}
			}
		}

		if _, err := db.DeleteKeyByEmail(k.Email); err != nil {
			return errors.New(i18n.T("key.error_delete", err))
		}
		_ = db.LogAction("key_delete", fmt.Sprintf("email=%s host=%s", k.Email, k.HostName))

		fmt.Println(i18n.T("key.delete_done", k.Email))
		return nil
	},
}

// lookupKey resolves a key by numeric id or by email.
func lookupKey(arg string) (*model.Key, error) {
	if id, err := strconv.Atoi(arg); err == nil {
		return db.GetKeyByID(id)
	}
	return db.GetKeyByEmail(model.NormalizeEmail(arg))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
