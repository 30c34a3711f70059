// Copyright (c) 2026 Keywarden Team
// Keywarden - subscription key lifecycle & panel reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

// Package scheduler drives the background loop: reconciliation on every
// tick, probe and auto-backup on their own persisted intervals, and expiry
// notices when a downstream consumer is attached. No sub-task failure is
// fatal to the loop.
package scheduler // import "github.com/toeirei/keywarden/internal/scheduler"

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/toeirei/keywarden/internal/backup"
	"github.com/toeirei/keywarden/internal/db"
	"github.com/toeirei/keywarden/internal/logging"
	"github.com/toeirei/keywarden/internal/model"
	"github.com/toeirei/keywarden/internal/probe"
	"github.com/toeirei/keywarden/internal/reconcile"
)

const (
	// DefaultTick is how often the primary loop wakes up. Every secondary
	// task checks its own gate on this cadence but acts on its own interval.
	DefaultTick = 300 * time.Second

	// DefaultProbeInterval spaces out latency probe passes.
	DefaultProbeInterval = 8 * time.Hour

	// DefaultBackupKeep is how many auto-backup archives survive pruning.
	DefaultBackupKeep = 7

	// DefaultConcurrency bounds how many hosts reconcile at once.
	DefaultConcurrency = 4
)

// Settings keys for the persisted secondary-task gates. Persisting them
// keeps a restart from re-running everything immediately. They are exported
// so the CLI can report and adjust them.
const (
	SettingLastProbeRun        = "last_probe_run"
	SettingLastBackupRun       = "last_backup_run"
	SettingBackupIntervalHours = "backup_interval_hours"
)

// notifyThresholds are the hour marks before expiry at which a key owner is
// warned. Each mark fires once per key.
var notifyThresholds = []int{72, 48, 24, 1}

// Task seams, swappable in tests.
var (
	reconcileHost  = reconcile.Host
	probeAll       = probe.All
	createSnapshot = backup.CreateSnapshot
	pruneBackups   = backup.Prune
)

// Notifier receives expiring-key warnings. A nil Notifier disables only the
// notification step; everything else on the tick still runs.
type Notifier interface {
	NotifyExpiring(key model.Key, hoursLeft int) error
}

// Config carries the loop's tunables. Zero values select the defaults.
type Config struct {
	Tick          time.Duration
	Concurrency   int
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	// BackupDir receives auto-backup archives. Empty disables auto-backup.
	BackupDir  string
	BackupKeep int
	Notifier   Notifier
}

// Scheduler is the long-lived background loop. Construct with New, drive
// with Run; it exits only when the context is canceled.
type Scheduler struct {
	tick          time.Duration
	concurrency   int
	probeInterval time.Duration
	probeTimeout  time.Duration
	backupDir     string
	backupKeep    int
	notifier      Notifier

	// notified tracks which thresholds fired per key id, so one key gets
	// at most one notice per mark. Only the loop goroutine touches it.
	notified map[int]map[int]bool
}

// New applies defaults and returns a ready Scheduler.
func New(cfg Config) *Scheduler {
	s := &Scheduler{
		tick:          cfg.Tick,
		concurrency:   cfg.Concurrency,
		probeInterval: cfg.ProbeInterval,
		probeTimeout:  cfg.ProbeTimeout,
		backupDir:     cfg.BackupDir,
		backupKeep:    cfg.BackupKeep,
		notifier:      cfg.Notifier,
		notified:      make(map[int]map[int]bool),
	}
	if s.tick <= 0 {
		s.tick = DefaultTick
	}
	if s.concurrency <= 0 {
		s.concurrency = DefaultConcurrency
	}
	if s.probeInterval <= 0 {
		s.probeInterval = DefaultProbeInterval
	}
	if s.probeTimeout <= 0 {
		s.probeTimeout = probe.DefaultTimeout
	}
	if s.backupKeep <= 0 {
		s.backupKeep = DefaultBackupKeep
	}
	return s
}

// Run blocks until ctx is canceled. The first tick runs immediately; after
// that the loop wakes every tick interval.
func (s *Scheduler) Run(ctx context.Context) {
	logging.Infof("scheduler: started (tick %s, concurrency %d)", s.tick, s.concurrency)
	s.runTick(ctx)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logging.Infof("scheduler: stopping")
			return
		case <-ticker.C:
			s.runTick(ctx)
		}
	}
}

func (s *Scheduler) runTick(ctx context.Context) {
	s.reconcileAll(ctx)
	if ctx.Err() != nil {
		return
	}
	s.maybeProbe(ctx)
	s.maybeBackup(ctx)
	s.notifyExpiring()
	logging.Debugf("scheduler: tick complete, next in %s", s.tick)
}

// reconcileAll runs one reconciliation pass per host, bounded-concurrent,
// with per-host error isolation.
func (s *Scheduler) reconcileAll(ctx context.Context) {
	hosts, err := db.GetAllHosts()
	if err != nil {
		logging.Errorf("scheduler: could not load hosts: %v", err)
		return
	}
	if len(hosts) == 0 {
		logging.Debugf("scheduler: no hosts configured, nothing to reconcile")
		return
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, s.concurrency)
	var total int64

	for _, h := range hosts {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(name string) {
			defer wg.Done()
			defer func() { <-sem }()
			affected, err := reconcileHost(ctx, name)
			if err != nil {
				logging.Errorf("scheduler: reconcile %s: %v", name, err)
				return
			}
			if affected > 0 {
				atomic.AddInt64(&total, int64(affected))
			}
		}(h.Name)
	}
	wg.Wait()

	if n := atomic.LoadInt64(&total); n > 0 {
		logging.Infof("scheduler: reconciliation touched %d record(s)", n)
	}
}

func (s *Scheduler) maybeProbe(ctx context.Context) {
	if !s.intervalElapsed(SettingLastProbeRun, s.probeInterval) {
		return
	}
	if _, err := probeAll(ctx, s.probeTimeout); err != nil {
		// Gate stays put; the pass is retried on the next tick.
		logging.Errorf("scheduler: probe pass: %v", err)
		return
	}
	s.markRun(SettingLastProbeRun)
}

func (s *Scheduler) maybeBackup(ctx context.Context) {
	if s.backupDir == "" {
		return
	}
	interval := s.backupInterval()
	if interval <= 0 {
		return
	}
	if !s.intervalElapsed(SettingLastBackupRun, interval) {
		return
	}
	path, err := createSnapshot(ctx, s.backupDir)
	if err != nil {
		logging.Errorf("scheduler: auto-backup failed: %v", err)
		return
	}
	logging.Infof("scheduler: auto-backup wrote %s", path)
	if _, err := pruneBackups(s.backupDir, s.backupKeep); err != nil {
		logging.Warnf("scheduler: prune after backup: %v", err)
	}
	s.markRun(SettingLastBackupRun)
}

// backupInterval reads the operator-set cadence. Unset means daily; zero or
// negative disables auto-backup.
func (s *Scheduler) backupInterval() time.Duration {
	raw, err := db.GetSetting(SettingBackupIntervalHours)
	if err != nil {
		logging.Warnf("scheduler: could not read %s: %v", SettingBackupIntervalHours, err)
		return 0
	}
	if strings.TrimSpace(raw) == "" {
		return 24 * time.Hour
	}
	hours, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		logging.Warnf("scheduler: bad %s value %q, using daily", SettingBackupIntervalHours, raw)
		return 24 * time.Hour
	}
	if hours <= 0 {
		return 0
	}
	return time.Duration(hours) * time.Hour
}

// notifyExpiring warns each key owner once per threshold. A failed notice
// is logged and not retried; the next threshold still fires.
func (s *Scheduler) notifyExpiring() {
	if s.notifier == nil {
		logging.Debugf("scheduler: no notifier configured, skipping expiry notices")
		return
	}
	keys, err := db.GetAllKeys()
	if err != nil {
		logging.Errorf("scheduler: could not load keys for expiry notices: %v", err)
		return
	}
	s.cleanupNotified(keys)

	now := time.Now()
	for _, k := range keys {
		left := k.ExpireAt.Sub(now)
		if left < 0 {
			continue
		}
		hoursLeft := int(left.Hours())
		for _, mark := range notifyThresholds {
			if mark-1 < hoursLeft && hoursLeft <= mark {
				if !s.notified[k.ID][mark] {
					if err := s.notifier.NotifyExpiring(k, mark); err != nil {
						logging.Errorf("scheduler: expiry notice for key %d: %v", k.ID, err)
					}
					s.markNotified(k.ID, mark)
				}
				break
			}
		}
	}
}

func (s *Scheduler) markNotified(keyID, mark int) {
	if s.notified[keyID] == nil {
		s.notified[keyID] = make(map[int]bool)
	}
	s.notified[keyID][mark] = true
}

// cleanupNotified drops tracking for keys that no longer exist, so the map
// cannot grow without bound across key churn.
func (s *Scheduler) cleanupNotified(keys []model.Key) {
	if len(s.notified) == 0 {
		return
	}
	active := make(map[int]bool, len(keys))
	for _, k := range keys {
		active[k.ID] = true
	}
	for id := range s.notified {
		if !active[id] {
			delete(s.notified, id)
		}
	}
}

// intervalElapsed reports whether the persisted gate for key is due. A
// missing or unparsable gate counts as due.
func (s *Scheduler) intervalElapsed(key string, interval time.Duration) bool {
	if interval <= 0 {
		return false
	}
	raw, err := db.GetSetting(key)
	if err != nil {
		logging.Warnf("scheduler: could not read %s: %v", key, err)
		return false
	}
	if raw == "" {
		return true
	}
	last, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		logging.Warnf("scheduler: bad %s value %q, treating as due", key, raw)
		return true
	}
	return time.Since(last) >= interval
}

func (s *Scheduler) markRun(key string) {
	if err := db.SetSetting(key, time.Now().UTC().Format(time.RFC3339)); err != nil {
		logging.Warnf("scheduler: could not persist %s: %v", key, err)
	}
}
