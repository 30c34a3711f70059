// Copyright (c) 2026 Keywarden Team
// Keywarden - subscription key lifecycle & panel reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

// package db provides the data access layer for keywarden.
// This file contains the SQLite implementation of the database store.
package db // import "github.com/toeirei/keywarden/internal/db"

import (
	"context"
	"fmt"
	"time"

	"github.com/toeirei/keywarden/internal/model"
	"github.com/uptrace/bun"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SqliteStore is the SQLite implementation of the Store interface.
type SqliteStore struct {
	bun *bun.DB
}

// CreateKey inserts a new key row and returns its generated id.
func (s *SqliteStore) CreateKey(userID int64, hostName, remoteUUID, email string, expireAt time.Time) (int, error) {
	id, err := CreateKeyBun(s.bun, userID, hostName, remoteUUID, email, expireAt)
	if err == nil {
		_ = s.LogAction("ADD_KEY", fmt.Sprintf("key: %s on %s, user: %d", model.NormalizeEmail(email), model.NormalizeHostName(hostName), userID))
	}
	return id, err
}

// UpdateKey applies a partial update to a key. Reconciliation calls this on
// every divergent key, so the change itself is logged at a higher level.
func (s *SqliteStore) UpdateKey(id int, upd model.KeyUpdate) error {
	return UpdateKeyBun(s.bun, id, upd)
}

// DeleteKey removes a key by id.
func (s *SqliteStore) DeleteKey(id int) error {
	// Fetch the email before deleting for logging.
	details := fmt.Sprintf("id: %d", id)
	if k, err := GetKeyByIDBun(s.bun, id); err == nil && k != nil {
		details = fmt.Sprintf("key: %s", k.String())
	}
	err := DeleteKeyBun(s.bun, id)
	if err == nil {
		_ = s.LogAction("DELETE_KEY", details)
	}
	return err
}

// DeleteKeyByEmail removes the key with the given email and reports whether
// a row was actually deleted.
func (s *SqliteStore) DeleteKeyByEmail(email string) (bool, error) {
	deleted, err := DeleteKeyByEmailBun(s.bun, email)
	if err == nil && deleted {
		_ = s.LogAction("DELETE_KEY", fmt.Sprintf("key: %s", model.NormalizeEmail(email)))
	}
	return deleted, err
}

// GetKeyByID retrieves a key by its id.
func (s *SqliteStore) GetKeyByID(id int) (*model.Key, error) {
	return GetKeyByIDBun(s.bun, id)
}

// GetKeyByEmail retrieves a key by its normalized email.
func (s *SqliteStore) GetKeyByEmail(email string) (*model.Key, error) {
	return GetKeyByEmailBun(s.bun, email)
}

// GetKeyByRemoteUUID retrieves a key by its panel-side client id.
func (s *SqliteStore) GetKeyByRemoteUUID(remoteUUID string) (*model.Key, error) {
	return GetKeyByRemoteUUIDBun(s.bun, remoteUUID)
}

// GetAllKeys retrieves all keys.
func (s *SqliteStore) GetAllKeys() ([]model.Key, error) {
	return GetAllKeysBun(s.bun)
}

// GetKeysForHost retrieves all keys registered on the given host.
func (s *SqliteStore) GetKeysForHost(hostName string) ([]model.Key, error) {
	return GetKeysForHostBun(s.bun, hostName)
}

// GetKeysForUser retrieves all keys owned by the given user.
func (s *SqliteStore) GetKeysForUser(userID int64) ([]model.Key, error) {
	return GetKeysForUserBun(s.bun, userID)
}

// GetKeysExpiringBefore returns keys whose expiry lies before t.
func (s *SqliteStore) GetKeysExpiringBefore(t time.Time) ([]model.Key, error) {
	return GetKeysExpiringBeforeBun(s.bun, t)
}

// ClaimOrphanKey atomically inserts a key for an unclaimed panel client.
func (s *SqliteStore) ClaimOrphanKey(userID int64, hostName, remoteUUID, email string, expireAt time.Time) (int, bool, error) {
	id, claimed, err := ClaimOrphanKeyBun(s.bun, userID, hostName, remoteUUID, email, expireAt)
	if err == nil && claimed {
		_ = s.LogAction("CLAIM_ORPHAN_KEY", fmt.Sprintf("key: %s on %s, user: %d", model.NormalizeEmail(email), model.NormalizeHostName(hostName), userID))
	}
	return id, claimed, err
}

// CountKeys returns the total number of keys.
func (s *SqliteStore) CountKeys() (int, error) {
	return CountKeysBun(s.bun)
}

// AddHost registers a new panel host.
func (s *SqliteStore) AddHost(h model.Host) error {
	err := AddHostBun(s.bun, h)
	if err == nil {
		_ = s.LogAction("ADD_HOST", fmt.Sprintf("host: %s (%s)", model.NormalizeHostName(h.Name), h.PanelURL))
	}
	return err
}

// UpdateHost updates the connection details of a host.
func (s *SqliteStore) UpdateHost(h model.Host) error {
	err := UpdateHostBun(s.bun, h)
	if err == nil {
		_ = s.LogAction("UPDATE_HOST", fmt.Sprintf("host: %s", model.NormalizeHostName(h.Name)))
	}
	return err
}

// DeleteHost removes a host registration.
func (s *SqliteStore) DeleteHost(name string) error {
	err := DeleteHostBun(s.bun, name)
	if err == nil {
		_ = s.LogAction("DELETE_HOST", fmt.Sprintf("host: %s", model.NormalizeHostName(name)))
	}
	return err
}

// RenameHost renames a host and cascades the new name to keys and plans.
func (s *SqliteStore) RenameHost(oldName, newName string) error {
	err := RenameHostBun(s.bun, oldName, newName)
	if err == nil {
		_ = s.LogAction("RENAME_HOST", fmt.Sprintf("host: %s -> %s", model.NormalizeHostName(oldName), model.NormalizeHostName(newName)))
	}
	return err
}

// GetHost retrieves a host by its normalized name.
func (s *SqliteStore) GetHost(name string) (*model.Host, error) {
	return GetHostBun(s.bun, name)
}

// GetAllHosts retrieves all registered hosts.
func (s *SqliteStore) GetAllHosts() ([]model.Host, error) {
	return GetAllHostsBun(s.bun)
}

// SetHostProbeResult records the latest reachability probe for a host.
// Probes run on a schedule and are logged at a higher level.
func (s *SqliteStore) SetHostProbeResult(name string, latencyMS int64, at time.Time) error {
	return SetHostProbeResultBun(s.bun, name, latencyMS, at)
}

// AddPlan creates a tariff plan for a host and returns its id.
func (s *SqliteStore) AddPlan(p model.Plan) (int, error) {
	id, err := AddPlanBun(s.bun, p)
	if err == nil {
		_ = s.LogAction("ADD_PLAN", fmt.Sprintf("plan: '%s' on %s (%d months)", p.Name, model.NormalizeHostName(p.HostName), p.Months))
	}
	return id, err
}

// DeletePlan removes a plan by id.
func (s *SqliteStore) DeletePlan(id int) error {
	err := DeletePlanBun(s.bun, id)
	if err == nil {
		_ = s.LogAction("DELETE_PLAN", fmt.Sprintf("plan_id: %d", id))
	}
	return err
}

// GetPlansForHost returns the plans offered on a host.
func (s *SqliteStore) GetPlansForHost(hostName string) ([]model.Plan, error) {
	return GetPlansForHostBun(s.bun, hostName)
}

// GetAllPlans retrieves all plans.
func (s *SqliteStore) GetAllPlans() ([]model.Plan, error) {
	return GetAllPlansBun(s.bun)
}

// EnsureUser creates the user row if it does not exist and refreshes the
// username when one is provided.
func (s *SqliteStore) EnsureUser(id int64, username string) error {
	return EnsureUserBun(s.bun, id, username)
}

// UserExists reports whether a user row exists for the given id.
func (s *SqliteStore) UserExists(id int64) (bool, error) {
	return UserExistsBun(s.bun, id)
}

// GetUser retrieves a user by id.
func (s *SqliteStore) GetUser(id int64) (*model.User, error) {
	return GetUserBun(s.bun, id)
}

// GetAllUsers retrieves all users.
func (s *SqliteStore) GetAllUsers() ([]model.User, error) {
	return GetAllUsersBun(s.bun)
}

// AdjustUserBalance applies delta to the user's balance, refusing
// adjustments that would take it below zero.
func (s *SqliteStore) AdjustUserBalance(id int64, delta float64) error {
	err := AdjustUserBalanceBun(s.bun, id, delta)
	if err == nil {
		_ = s.LogAction("ADJUST_BALANCE", fmt.Sprintf("user: %d, delta: %+.2f", id, delta))
	}
	return err
}

// GetSetting returns the value for key, or an empty string when unset.
func (s *SqliteStore) GetSetting(key string) (string, error) {
	return GetSettingBun(s.bun, key)
}

// SetSetting stores a key/value pair, replacing any previous value.
func (s *SqliteStore) SetSetting(key, value string) error {
	return SetSettingBun(s.bun, key, value)
}

// GetAllAuditLogEntries retrieves all audit log entries, most recent first.
func (s *SqliteStore) GetAllAuditLogEntries() ([]model.AuditLogEntry, error) {
	return GetAllAuditLogEntriesBun(s.bun)
}

// LogAction records an audit trail event.
func (s *SqliteStore) LogAction(action string, details string) error {
	return LogActionBun(s.bun, action, details)
}

// SnapshotTo writes a consistent copy of the live database to path using
// SQLite's VACUUM INTO, which works while other connections hold the file.
func (s *SqliteStore) SnapshotTo(ctx context.Context, path string) error {
	if _, err := ExecRaw(ctx, s.bun, "VACUUM INTO ?", path); err != nil {
		return fmt.Errorf("failed to snapshot database: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *SqliteStore) Close() error {
	return s.bun.Close()
}
