// Copyright (c) 2026 Keywarden Team
// Keywarden - subscription key lifecycle & panel reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/toeirei/keywarden/internal/db"
	"github.com/toeirei/keywarden/internal/panel"
)

func TestHostAddListRemove(t *testing.T) {
	setupCLITest(t)

	out := mustExecute(t, "host", "add", "vpn-de-1", "--panel-url", "http://127.0.0.1:9", "--panel-type", "mock")
	if !strings.Contains(out, "Host vpn-de-1 registered.") {
		t.Fatalf("unexpected add output:\n%s", out)
	}

	out = mustExecute(t, "host", "list")
	if !strings.Contains(out, "vpn-de-1") || !strings.Contains(out, "http://127.0.0.1:9") {
		t.Errorf("list missing the host:\n%s", out)
	}

	out = mustExecute(t, "host", "remove", "vpn-de-1")
	if !strings.Contains(out, "Host vpn-de-1 removed.") {
		t.Errorf("unexpected remove output:\n%s", out)
	}

	out = mustExecute(t, "host", "list")
	if !strings.Contains(out, "No hosts registered.") {
		t.Errorf("expected empty host list:\n%s", out)
	}
}

func TestHostAddDuplicateFails(t *testing.T) {
	setupCLITest(t)

	mustExecute(t, "host", "add", "vpn-de-1", "--panel-url", "http://127.0.0.1:9", "--panel-type", "mock")
	_, err := executeCommand(t, nil, "host", "add", "vpn-de-1", "--panel-url", "http://127.0.0.1:9", "--panel-type", "mock")
	if err == nil {
		t.Fatal("expected duplicate host add to fail")
	}
	if !strings.Contains(err.Error(), "Could not add host") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestKeyLifecycleWithMockPanel(t *testing.T) {
	setupCLITest(t)

	mustExecute(t, "host", "add", "vpn-de-1", "--panel-url", "http://127.0.0.1:9", "--panel-type", "mock")

	out := mustExecute(t, "key", "add", "42", "vpn-de-1", "User42@Bot.local", "--days", "30")
	if !strings.Contains(out, "Provisioned user42@bot.local on vpn-de-1") {
		t.Fatalf("unexpected add output:\n%s", out)
	}
	if got := len(testPanel.Clients("vpn-de-1")); got != 1 {
		t.Fatalf("panel clients = %d, want 1", got)
	}

	out = mustExecute(t, "key", "show", "user42@bot.local")
	if !strings.Contains(out, "vpn-de-1") || !strings.Contains(out, "(active)") {
		t.Errorf("unexpected show output:\n%s", out)
	}

	out = mustExecute(t, "key", "extend", "user42@bot.local", "--days", "15")
	if !strings.Contains(out, "Extended user42@bot.local by 15 day(s)") {
		t.Errorf("unexpected extend output:\n%s", out)
	}

	out = mustExecute(t, "key", "list")
	if !strings.Contains(out, "user42@bot.local") {
		t.Errorf("list missing the key:\n%s", out)
	}

	out = mustExecute(t, "key", "delete", "user42@bot.local")
	if !strings.Contains(out, "Deleted user42@bot.local.") {
		t.Errorf("unexpected delete output:\n%s", out)
	}
	if got := len(testPanel.Clients("vpn-de-1")); got != 0 {
		t.Errorf("panel clients after delete = %d, want 0", got)
	}

	out = mustExecute(t, "key", "list")
	if !strings.Contains(out, "No keys found.") {
		t.Errorf("expected empty key list:\n%s", out)
	}
}

func TestKeyAddRejectsBadUserID(t *testing.T) {
	setupCLITest(t)

	_, err := executeCommand(t, nil, "key", "add", "zero", "vpn-de-1", "a@b.c")
	if err == nil || !strings.Contains(err.Error(), "Invalid user id") {
		t.Fatalf("expected invalid user id error, got %v", err)
	}
}

func TestKeyAddUnknownHostFails(t *testing.T) {
	setupCLITest(t)

	_, err := executeCommand(t, nil, "key", "add", "42", "nope", "a@b.c")
	if err == nil || !strings.Contains(err.Error(), "No host named") {
		t.Fatalf("expected unknown host error, got %v", err)
	}
}

func TestHostRenameCarriesKeys(t *testing.T) {
	setupCLITest(t)

	mustExecute(t, "host", "add", "vpn-de-1", "--panel-url", "http://127.0.0.1:9", "--panel-type", "mock")
	mustExecute(t, "key", "add", "42", "vpn-de-1", "user42@bot.local", "--days", "30")

	out := mustExecute(t, "host", "rename", "vpn-de-1", "vpn-de-2")
	if !strings.Contains(out, "Renamed vpn-de-1 to vpn-de-2") {
		t.Fatalf("unexpected rename output:\n%s", out)
	}

	out = mustExecute(t, "key", "list", "vpn-de-2")
	if !strings.Contains(out, "user42@bot.local") {
		t.Errorf("key did not follow the rename:\n%s", out)
	}
}

func TestReconcileCmdAdoptsOrphan(t *testing.T) {
	setupCLITest(t)

	mustExecute(t, "host", "add", "vpn-nl-1", "--panel-url", "http://127.0.0.1:9", "--panel-type", "mock")
	if err := db.EnsureUser(42, "tester"); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	testPanel.SetClients("vpn-nl-1", []panel.ClientInfo{{
		Email:      "user42@bot.local",
		RemoteUUID: "abc",
		ExpireAt:   time.Now().UTC().Add(72 * time.Hour),
		Enabled:    true,
	}})

	out := mustExecute(t, "reconcile", "vpn-nl-1")
	if !strings.Contains(out, "Reconciled vpn-nl-1:") {
		t.Fatalf("unexpected reconcile output:\n%s", out)
	}

	out = mustExecute(t, "key", "show", "user42@bot.local")
	if !strings.Contains(out, "vpn-nl-1") || !strings.Contains(out, "abc") {
		t.Errorf("orphan was not adopted:\n%s", out)
	}
}

func TestReconcileCmdNoHosts(t *testing.T) {
	setupCLITest(t)

	out := mustExecute(t, "reconcile")
	if !strings.Contains(out, "No hosts to reconcile.") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestPlanAddListRemove(t *testing.T) {
	setupCLITest(t)

	mustExecute(t, "host", "add", "vpn-de-1", "--panel-url", "http://127.0.0.1:9", "--panel-type", "mock")

	out := mustExecute(t, "plan", "add", "vpn-de-1", "1-month", "--months", "1", "--price", "5.5")
	if !strings.Contains(out, "Plan 1-month added to vpn-de-1") {
		t.Fatalf("unexpected add output:\n%s", out)
	}

	out = mustExecute(t, "plan", "list")
	if !strings.Contains(out, "1-month") || !strings.Contains(out, "5.50") {
		t.Errorf("list missing the plan:\n%s", out)
	}

	out = mustExecute(t, "plan", "remove", "1")
	if !strings.Contains(out, "Plan 1 removed.") {
		t.Errorf("unexpected remove output:\n%s", out)
	}

	out = mustExecute(t, "plan", "list")
	if !strings.Contains(out, "No plans defined.") {
		t.Errorf("expected empty plan list:\n%s", out)
	}
}

func TestDbSettingRoundTrip(t *testing.T) {
	setupCLITest(t)

	out := mustExecute(t, "db", "setting", "backup_interval_hours", "12")
	if !strings.Contains(out, `Set backup_interval_hours to "12".`) {
		t.Fatalf("unexpected set output:\n%s", out)
	}

	out = mustExecute(t, "db", "setting", "backup_interval_hours")
	if !strings.Contains(out, "12") {
		t.Errorf("unexpected get output:\n%s", out)
	}

	out = mustExecute(t, "db", "setting", "never_written")
	if !strings.Contains(out, "Setting never_written is not set.") {
		t.Errorf("unexpected unset output:\n%s", out)
	}
}

func TestDBMaintainCmd(t *testing.T) {
	setupCLITest(t)
	// Maintenance opens a second connection, so use a file-backed database.
	t.Setenv("KEYWARDEN_DATABASE_DSN", filepath.Join(t.TempDir(), "kw.db"))

	out := mustExecute(t, "db", "maintain")
	if !strings.Contains(out, "Maintenance completed successfully.") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestAuditLogsActions(t *testing.T) {
	setupCLITest(t)

	mustExecute(t, "host", "add", "vpn-de-1", "--panel-url", "http://127.0.0.1:9", "--panel-type", "mock")

	out := mustExecute(t, "audit")
	if !strings.Contains(out, "host_add") || !strings.Contains(out, "vpn-de-1") {
		t.Errorf("audit log missing host_add entry:\n%s", out)
	}

	out = mustExecute(t, "audit", "--limit", "1")
	if lines := strings.Count(strings.TrimSpace(out), "\n"); lines > 0 {
		t.Errorf("expected a single audit line, got:\n%s", out)
	}
}

func TestBackupAndPruneCmd(t *testing.T) {
	setupCLITest(t)
	dir := t.TempDir()

	out := mustExecute(t, "backup", "--dir", dir)
	if !strings.Contains(out, "Backup written to ") {
		t.Fatalf("unexpected backup output:\n%s", out)
	}
	archives, err := filepath.Glob(filepath.Join(dir, "keywarden-backup-*.db.zst"))
	if err != nil || len(archives) != 1 {
		t.Fatalf("archives = %v (err %v), want exactly one", archives, err)
	}

	// Fabricate two older archives so prune has something to remove.
	old := time.Now().Add(-48 * time.Hour)
	for i, name := range []string{
		"keywarden-backup-20250101-000000.db.zst",
		"keywarden-backup-20250102-000000.db.zst",
	} {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte("stale"), 0o644); err != nil {
			t.Fatalf("write fake archive: %v", err)
		}
		if err := os.Chtimes(p, old, old.Add(time.Duration(i)*time.Hour)); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}

	out = mustExecute(t, "prune", "--dir", dir, "--keep", "1")
	if !strings.Contains(out, "Removed 2 old backup archive(s).") {
		t.Errorf("unexpected prune output:\n%s", out)
	}

	left, _ := filepath.Glob(filepath.Join(dir, "keywarden-backup-*.db.zst"))
	if len(left) != 1 || left[0] != archives[0] {
		t.Errorf("prune kept %v, want only %s", left, archives[0])
	}
}

func TestRestoreAborted(t *testing.T) {
	setupCLITest(t)
	restoreYes = false

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	go func() {
		fmt.Fprintln(w, "no")
		_ = w.Close()
	}()

	out, execErr := executeCommand(t, r, "restore", "does-not-matter.db.zst")
	if execErr != nil {
		t.Fatalf("restore returned error: %v", execErr)
	}
	if !strings.Contains(out, "Restore aborted.") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestRestoreRefusesMemoryDSN(t *testing.T) {
	setupCLITest(t)

	_, err := executeCommand(t, nil, "restore", "whatever.db.zst", "--yes")
	if err == nil || !strings.Contains(err.Error(), "non-file database") {
		t.Fatalf("expected non-file database refusal, got %v", err)
	}
}
