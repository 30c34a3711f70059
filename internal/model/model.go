// Copyright (c) 2026 Keywarden Team
// Keywarden - subscription key lifecycle & panel reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

// package model defines the core data structures for Keywarden.
package model // import "github.com/toeirei/keywarden/internal/model"

import (
	"fmt"
	"time"
)

// Key represents one issued credential: a time-limited subscription key
// provisioned on a remote panel and tracked locally. The email is the join
// key against the panel; the remote UUID is the panel's own identifier and
// may be empty until the first successful provisioning call.
type Key struct {
	ID              int        // Store-assigned, immutable, never reused.
	UserID          int64      // Owner in the external user space.
	HostName        string     // Which panel currently serves this key (normalized).
	RemoteUUID      string     // Panel-assigned client identifier ("" until provisioned).
	Email           string     // Normalized (trimmed, lower-cased); unique within the store.
	ExpireAt        time.Time  // Single source of truth for validity; may be in the past.
	CreatedAt       time.Time  // Store-maintained.
	UpdatedAt       time.Time  // Store-maintained, monotonic non-decreasing.
	SubscriptionURL string     // Optional; panel-provided.
	TrafficLimit    int64      // Optional traffic cap in bytes (0 = unlimited).
	TrafficStrategy string     // Optional reset strategy label (e.g. "NO_RESET").
	Tag             string     // Optional free-form tag.
	Description     string     // Optional free-form description.
}

// String returns the email@host representation used in logs.
func (k Key) String() string {
	return fmt.Sprintf("%s on %s", k.Email, k.HostName)
}

// Expired reports whether the key's expiry lies before the given instant.
func (k Key) Expired(now time.Time) bool {
	return k.ExpireAt.Before(now)
}

// KeyUpdate describes a partial update to a Key. Nil fields are left
// untouched; non-nil fields overwrite the stored value. UpdatedAt is always
// bumped by the store when at least one field is set.
type KeyUpdate struct {
	HostName        *string
	RemoteUUID      *string
	ExpireAt        *time.Time
	SubscriptionURL *string
	TrafficLimit    *int64
	TrafficStrategy *string
	Tag             *string
	Description     *string
}

// IsZero reports whether the update would change nothing.
func (u KeyUpdate) IsZero() bool {
	return u.HostName == nil && u.RemoteUUID == nil && u.ExpireAt == nil &&
		u.SubscriptionURL == nil && u.TrafficLimit == nil &&
		u.TrafficStrategy == nil && u.Tag == nil && u.Description == nil
}

// DefaultPanelType is the decoder selected for hosts that predate the
// panel_type column or were added without one.
const DefaultPanelType = "xui"

// Host represents one provisioning panel. The name is a natural key: keys
// and plans reference it by value, so renames must cascade (see
// db.RenameHost).
type Host struct {
	Name      string // Unique, normalized like Key.HostName.
	PanelURL  string // Base URL of the panel API.
	PanelUser string // Panel API login.
	PanelPass string // Panel API password.
	InboundID int    // Panel inbound the clients are attached to.
	PanelType string // Selects the response decoder ("xui" by default).

	// Auxiliary descriptor for out-of-band probes. All four are optional;
	// a host without SSHHost is simply skipped by the probe task.
	SSHHost string
	SSHPort int
	SSHUser string
	SSHPass string

	// Last probe result, if any.
	ProbeLatencyMS int64
	ProbedAt       *time.Time
}

// Probeable reports whether the host carries enough of an auxiliary
// descriptor for the probe task to attempt a connection.
func (h Host) Probeable() bool {
	return h.SSHHost != "" && h.SSHUser != ""
}

// Plan is a purchasable duration/price bundle offered on a specific host.
// Only its host reference matters to this engine: renaming a host must
// rewrite plans too.
type Plan struct {
	ID       int
	HostName string
	Name     string
	Months   int
	Price    float64
}

// User is a minimal record of a known key owner. The engine itself only
// needs existence checks for orphan attribution; balance is kept because
// adjustments must go through the store's atomic check-then-write guard.
type User struct {
	ID           int64
	Username     string
	RegisteredAt time.Time
	Balance      float64
}

// AuditLogEntry is one recorded mutation, most recent first when listed.
type AuditLogEntry struct {
	ID        int
	Timestamp string
	Username  string
	Action    string
	Details   string
}
