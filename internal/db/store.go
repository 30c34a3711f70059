// Copyright (c) 2026 Keywarden Team
// Keywarden - subscription key lifecycle & panel reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

// Package db defines the persistence layer for keywarden. The Store
// interface is the single seam between domain logic and the database;
// the reconciler, scheduler and CLI all talk to it through the
// package-level wrappers in db.go.
package db

import (
	"context"
	"time"

	"github.com/toeirei/keywarden/internal/model"
)

// Store is the interface for all database operations. Lookup arguments that
// identify keys or hosts (emails, host names) are normalized by the
// implementation, so callers may pass raw user input.
type Store interface {
	// Key methods
	CreateKey(userID int64, hostName, remoteUUID, email string, expireAt time.Time) (int, error)
	UpdateKey(id int, upd model.KeyUpdate) error
	DeleteKey(id int) error
	DeleteKeyByEmail(email string) (bool, error)
	GetKeyByID(id int) (*model.Key, error)
	GetKeyByEmail(email string) (*model.Key, error)
	GetKeyByRemoteUUID(remoteUUID string) (*model.Key, error)
	GetAllKeys() ([]model.Key, error)
	GetKeysForHost(hostName string) ([]model.Key, error)
	GetKeysForUser(userID int64) ([]model.Key, error)
	GetKeysExpiringBefore(t time.Time) ([]model.Key, error)
	ClaimOrphanKey(userID int64, hostName, remoteUUID, email string, expireAt time.Time) (int, bool, error)
	CountKeys() (int, error)

	// Host methods
	AddHost(h model.Host) error
	UpdateHost(h model.Host) error
	DeleteHost(name string) error
	RenameHost(oldName, newName string) error
	GetHost(name string) (*model.Host, error)
	GetAllHosts() ([]model.Host, error)
	SetHostProbeResult(name string, latencyMS int64, at time.Time) error

	// Plan methods
	AddPlan(p model.Plan) (int, error)
	DeletePlan(id int) error
	GetPlansForHost(hostName string) ([]model.Plan, error)
	GetAllPlans() ([]model.Plan, error)

	// User methods
	EnsureUser(id int64, username string) error
	UserExists(id int64) (bool, error)
	GetUser(id int64) (*model.User, error)
	GetAllUsers() ([]model.User, error)
	AdjustUserBalance(id int64, delta float64) error

	// Settings methods
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error

	// Audit log methods
	GetAllAuditLogEntries() ([]model.AuditLogEntry, error)
	LogAction(action string, details string) error

	// Maintenance and snapshot support
	SnapshotTo(ctx context.Context, path string) error
	Close() error
}
