// Copyright (c) 2026 Keywarden Team
// Keywarden - subscription key lifecycle & panel reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/toeirei/keywarden/internal/db"
	"github.com/toeirei/keywarden/internal/model"
)

func withStore(t *testing.T, fn func()) {
	t.Helper()
	dsn := "file:" + t.Name() + "?mode=memory&cache=shared"
	if err := db.InitDB("sqlite", dsn); err != nil {
		t.Fatalf("InitDB failed: %v", err)
	}
	defer func() { _ = db.CloseStore() }()
	fn()
}

func seedHost(t *testing.T, name string) {
	t.Helper()
	if err := db.AddHost(model.Host{Name: name, PanelURL: "http://" + name}); err != nil {
		t.Fatalf("AddHost(%q) failed: %v", name, err)
	}
}

func quietSeams(t *testing.T) {
	t.Helper()
	prevReconcile, prevProbe := reconcileHost, probeAll
	prevSnap, prevPrune := createSnapshot, pruneBackups
	reconcileHost = func(context.Context, string) (int, error) { return 0, nil }
	probeAll = func(context.Context, time.Duration) (int, error) { return 0, nil }
	createSnapshot = func(context.Context, string) (string, error) { return "", nil }
	pruneBackups = func(string, int) (int, error) { return 0, nil }
	t.Cleanup(func() {
		reconcileHost, probeAll = prevReconcile, prevProbe
		createSnapshot, pruneBackups = prevSnap, prevPrune
	})
}

func TestReconcileAllIsolatesFailures(t *testing.T) {
	withStore(t, func() {
		quietSeams(t)
		for _, name := range []string{"vpn-de-1", "vpn-nl-1", "vpn-us-1"} {
			seedHost(t, name)
		}

		var mu sync.Mutex
		var seen []string
		reconcileHost = func(_ context.Context, name string) (int, error) {
			mu.Lock()
			seen = append(seen, name)
			mu.Unlock()
			if name == "vpn-nl-1" {
				return 0, errors.New("panel down")
			}
			return 1, nil
		}

		s := New(Config{})
		s.reconcileAll(context.Background())

		sort.Strings(seen)
		want := []string{"vpn-de-1", "vpn-nl-1", "vpn-us-1"}
		if len(seen) != len(want) {
			t.Fatalf("reconciled hosts = %v, want %v", seen, want)
		}
		for i := range want {
			if seen[i] != want[i] {
				t.Fatalf("reconciled hosts = %v, want %v", seen, want)
			}
		}
	})
}

func TestProbeGatePersisted(t *testing.T) {
	withStore(t, func() {
		quietSeams(t)
		calls := 0
		probeAll = func(context.Context, time.Duration) (int, error) {
			calls++
			return 1, nil
		}

		s := New(Config{ProbeInterval: time.Hour})
		s.maybeProbe(context.Background())
		if calls != 1 {
			t.Fatalf("calls = %d, want 1", calls)
		}

		raw, err := db.GetSetting("last_probe_run")
		if err != nil || raw == "" {
			t.Fatalf("gate not persisted: %q (err %v)", raw, err)
		}
		if _, err := time.Parse(time.RFC3339, raw); err != nil {
			t.Fatalf("gate value %q not RFC3339: %v", raw, err)
		}

		// Fresh gate: the second check must not run the task.
		s.maybeProbe(context.Background())
		if calls != 1 {
			t.Fatalf("calls = %d after fresh gate, want 1", calls)
		}

		// Rewind the gate beyond the interval: due again.
		old := time.Now().Add(-2 * time.Hour).UTC().Format(time.RFC3339)
		if err := db.SetSetting("last_probe_run", old); err != nil {
			t.Fatalf("SetSetting failed: %v", err)
		}
		s.maybeProbe(context.Background())
		if calls != 2 {
			t.Fatalf("calls = %d after rewound gate, want 2", calls)
		}
	})
}

func TestProbeFailureDoesNotAdvanceGate(t *testing.T) {
	withStore(t, func() {
		quietSeams(t)
		calls := 0
		probeAll = func(context.Context, time.Duration) (int, error) {
			calls++
			return 0, errors.New("store hiccup")
		}

		s := New(Config{ProbeInterval: time.Hour})
		s.maybeProbe(context.Background())
		s.maybeProbe(context.Background())
		if calls != 2 {
			t.Fatalf("calls = %d, want 2 (failed pass must be retried)", calls)
		}
		if raw, _ := db.GetSetting("last_probe_run"); raw != "" {
			t.Errorf("gate advanced despite failure: %q", raw)
		}
	})
}

func TestBackupGate(t *testing.T) {
	withStore(t, func() {
		quietSeams(t)
		snaps, prunes := 0, 0
		createSnapshot = func(context.Context, string) (string, error) {
			snaps++
			return "/backups/archive.db.zst", nil
		}
		pruneBackups = func(dir string, keep int) (int, error) {
			prunes++
			if keep != DefaultBackupKeep {
				t.Errorf("keep = %d, want %d", keep, DefaultBackupKeep)
			}
			return 0, nil
		}

		s := New(Config{BackupDir: "/backups"})

		// Unset interval means daily; first tick is due.
		s.maybeBackup(context.Background())
		if snaps != 1 || prunes != 1 {
			t.Fatalf("snaps = %d, prunes = %d, want 1/1", snaps, prunes)
		}
		s.maybeBackup(context.Background())
		if snaps != 1 {
			t.Fatalf("snaps = %d after fresh gate, want 1", snaps)
		}

		// Zero interval disables the task even with a stale gate.
		if err := db.SetSetting("backup_interval_hours", "0"); err != nil {
			t.Fatalf("SetSetting failed: %v", err)
		}
		if err := db.SetSetting("last_backup_run", ""); err != nil {
			t.Fatalf("SetSetting failed: %v", err)
		}
		s.maybeBackup(context.Background())
		if snaps != 1 {
			t.Fatalf("snaps = %d with disabled interval, want 1", snaps)
		}

		// One-hour interval with a two-hour-old gate: due again.
		if err := db.SetSetting("backup_interval_hours", "1"); err != nil {
			t.Fatalf("SetSetting failed: %v", err)
		}
		old := time.Now().Add(-2 * time.Hour).UTC().Format(time.RFC3339)
		if err := db.SetSetting("last_backup_run", old); err != nil {
			t.Fatalf("SetSetting failed: %v", err)
		}
		s.maybeBackup(context.Background())
		if snaps != 2 {
			t.Fatalf("snaps = %d after rewound gate, want 2", snaps)
		}
	})
}

func TestBackupFailureDoesNotAdvanceGate(t *testing.T) {
	withStore(t, func() {
		quietSeams(t)
		createSnapshot = func(context.Context, string) (string, error) {
			return "", errors.New("disk full")
		}

		s := New(Config{BackupDir: "/backups"})
		s.maybeBackup(context.Background())
		if raw, _ := db.GetSetting("last_backup_run"); raw != "" {
			t.Errorf("gate advanced despite snapshot failure: %q", raw)
		}
	})
}

func TestBackupDisabledWithoutDir(t *testing.T) {
	withStore(t, func() {
		quietSeams(t)
		called := false
		createSnapshot = func(context.Context, string) (string, error) {
			called = true
			return "", nil
		}
		s := New(Config{})
		s.maybeBackup(context.Background())
		if called {
			t.Error("auto-backup ran without a backup dir")
		}
	})
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []string
	fail    bool
}

func (n *recordingNotifier) NotifyExpiring(key model.Key, hoursLeft int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, key.Email)
	if n.fail {
		return errors.New("downstream unavailable")
	}
	return nil
}

func TestNotifyExpiring(t *testing.T) {
	withStore(t, func() {
		quietSeams(t)
		if err := db.EnsureUser(42, "tester"); err != nil {
			t.Fatalf("EnsureUser failed: %v", err)
		}
		seedHost(t, "vpn-de-1")

		now := time.Now().UTC().Truncate(time.Second)
		mk := func(email string, expire time.Time) int {
			id, err := db.CreateKey(42, "vpn-de-1", "", email, expire)
			if err != nil {
				t.Fatalf("CreateKey(%q) failed: %v", email, err)
			}
			return id
		}
		soonID := mk("user42+72h@bot.local", now.Add(72*time.Hour+30*time.Minute))
		mk("user42+90m@bot.local", now.Add(90*time.Minute))
		mk("user42+past@bot.local", now.Add(-time.Hour))
		mk("user42+far@bot.local", now.Add(100*time.Hour))

		n := &recordingNotifier{}
		s := New(Config{Notifier: n})

		s.notifyExpiring()
		if len(n.notices) != 2 {
			t.Fatalf("notices = %v, want the 72h and 1h keys", n.notices)
		}

		// Same thresholds must not fire twice.
		s.notifyExpiring()
		if len(n.notices) != 2 {
			t.Fatalf("notices repeated: %v", n.notices)
		}

		// Deleted keys fall out of the dedup map.
		if err := db.DeleteKey(soonID); err != nil {
			t.Fatalf("DeleteKey failed: %v", err)
		}
		s.notifyExpiring()
		if _, ok := s.notified[soonID]; ok {
			t.Error("dedup entry survived key deletion")
		}
	})
}

func TestNotifyFailureStillMarks(t *testing.T) {
	withStore(t, func() {
		quietSeams(t)
		if err := db.EnsureUser(42, "tester"); err != nil {
			t.Fatalf("EnsureUser failed: %v", err)
		}
		seedHost(t, "vpn-de-1")
		if _, err := db.CreateKey(42, "vpn-de-1", "", "user42@bot.local", time.Now().Add(90*time.Minute)); err != nil {
			t.Fatalf("CreateKey failed: %v", err)
		}

		n := &recordingNotifier{fail: true}
		s := New(Config{Notifier: n})
		s.notifyExpiring()
		s.notifyExpiring()
		if len(n.notices) != 1 {
			t.Fatalf("notices = %d, want 1 (failed notice is not retried)", len(n.notices))
		}
	})
}

func TestNotifierAbsentSkipsStep(t *testing.T) {
	s := New(Config{})
	// Must return without touching the store at all.
	s.notifyExpiring()
}

func TestRunStopsOnCancel(t *testing.T) {
	withStore(t, func() {
		quietSeams(t)
		s := New(Config{Tick: 20 * time.Millisecond})

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			s.Run(ctx)
			close(done)
		}()

		time.Sleep(60 * time.Millisecond)
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not stop after cancel")
		}
	})
}
