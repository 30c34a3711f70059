// Copyright (c) 2026 Keywarden Team
// Keywarden - subscription key lifecycle & panel reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

// Package panel is the boundary to the remote provisioning panels. Each
// backend gets a Client implementation selected by the host's panel_type;
// response payloads are normalized into ClientInfo here, at the boundary,
// and nowhere else. The reconciler only ever sees canonical fields.
package panel // import "github.com/toeirei/keywarden/internal/panel"

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/toeirei/keywarden/internal/model"
)

// ClientInfo is the canonical view of one remote client as keywarden
// understands it. Email is normalized (trimmed, lower-cased) and ExpireAt is
// an absolute UTC instant regardless of how the backend encoded it.
type ClientInfo struct {
	Email           string
	RemoteUUID      string
	ExpireAt        time.Time
	SubscriptionURL string
	Enabled         bool
	TrafficLimit    int64
}

// UpsertOptions selects the target expiry for an upsert. AbsoluteExpiry wins
// when set; otherwise DaysToAdd extends from the current remote expiry (or
// from now when the client is new or already expired).
type UpsertOptions struct {
	DaysToAdd      int
	AbsoluteExpiry *time.Time
}

// Client is the per-backend boundary the reconciler and CLI talk through.
// Implementations take the full host descriptor on every call; they hold no
// per-host state.
type Client interface {
	// ListClients returns every client provisioned on the host's inbound.
	ListClients(ctx context.Context, host model.Host) ([]ClientInfo, error)

	// UpsertClient creates the client when absent and extends/repairs it
	// when present, returning the resulting canonical state.
	UpsertClient(ctx context.Context, host model.Host, email string, opts UpsertOptions) (*ClientInfo, error)

	// DeleteClient removes the client with the given email and reports
	// whether it existed.
	DeleteClient(ctx context.Context, host model.Host, email string) (bool, error)
}

// registry maps a panel_type to its Client constructor. New backend
// versions register a new entry rather than widening an existing decoder.
var registry = map[string]func() Client{
	"xui": func() Client { return NewXUIClient() },
}

// Register makes a Client constructor selectable as a panel_type. Backends
// with incompatible response payloads register under their own name; ForHost
// never guesses a decoder.
func Register(panelType string, mk func() Client) {
	registry[strings.ToLower(strings.TrimSpace(panelType))] = mk
}

// ForHost returns the Client implementation for the host's panel_type.
// An empty panel_type selects the default backend.
func ForHost(host model.Host) (Client, error) {
	pt := strings.ToLower(strings.TrimSpace(host.PanelType))
	if pt == "" {
		pt = model.DefaultPanelType
	}
	mk, ok := registry[pt]
	if !ok {
		return nil, fmt.Errorf("unknown panel type %q for host %q", host.PanelType, host.Name)
	}
	return mk(), nil
}
