// Copyright (c) 2026 Keywarden Team
// Keywarden - subscription key lifecycle & panel reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

// Package reconcile brings the local key store into agreement with the live
// client list of each panel. Email is the join key; the panel-assigned
// identifier is a secondary join for clients whose email changed out of
// band. The panel is authoritative for identifier, expiry, and subscription
// URL once a key exists there; the store is authoritative for existence
// within the grace window.
package reconcile // import "github.com/toeirei/keywarden/internal/reconcile"

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/toeirei/keywarden/internal/db"
	"github.com/toeirei/keywarden/internal/logging"
	"github.com/toeirei/keywarden/internal/model"
	"github.com/toeirei/keywarden/internal/panel"
)

const (
	// GracePeriod is how long past expiry a key may linger before a pass
	// sweeps it from both the panel and the store.
	GracePeriod = 5 * 24 * time.Hour

	// ExpiryTolerance is the largest local/remote expiry skew that still
	// counts as agreement. Panels round to whole seconds internally.
	ExpiryTolerance = 1000 * time.Millisecond
)

// panelFor resolves the adapter for a host. Tests swap this out.
var panelFor = panel.ForHost

// ownerPattern recovers the conventional owner id embedded in client
// emails (user42@... -> 42).
var ownerPattern = regexp.MustCompile(`user(\d+)`)

// Host reconciles one host against its panel and returns the number of
// local records it created, updated, or deleted. A failure to list the
// panel's clients aborts the pass before any local mutation; callers treat
// that as transient and retry on the next tick.
func Host(ctx context.Context, hostName string) (int, error) {
	host, err := db.GetHost(hostName)
	if err != nil {
		return 0, fmt.Errorf("load host %q: %w", hostName, err)
	}
	if host == nil {
		return 0, fmt.Errorf("host %q: %w", hostName, db.ErrNotFound)
	}

	client, err := panelFor(*host)
	if err != nil {
		return 0, err
	}

	remote, err := client.ListClients(ctx, *host)
	if err != nil {
		return 0, fmt.Errorf("list clients on %q: %w", host.Name, err)
	}

	keys, err := db.GetKeysForHost(host.Name)
	if err != nil {
		return 0, fmt.Errorf("load keys for %q: %w", host.Name, err)
	}

	pool := newClientPool(remote)
	now := time.Now()
	affected := 0

	for _, key := range keys {
		// Consume the email match up front so a swept key's panel record
		// cannot resurface as an orphan in the claim step below.
		match := pool.takeByEmail(key.Email)

		if !key.ExpireAt.IsZero() && key.ExpireAt.Before(now.Add(-GracePeriod)) {
			logging.Debugf("reconcile: %s expired %s ago, sweeping", key, now.Sub(key.ExpireAt).Round(time.Second))
			if _, derr := client.DeleteClient(ctx, *host, key.Email); derr != nil {
				logging.Errorf("reconcile: panel delete of %s failed: %v", key, derr)
			}
			if err := db.DeleteKey(key.ID); err != nil {
				return affected, fmt.Errorf("delete key %d: %w", key.ID, err)
			}
			affected++
			continue
		}

		if match == nil && key.RemoteUUID != "" {
			match = pool.takeByUUID(key.RemoteUUID)
		}

		if match == nil {
			logging.Warnf("reconcile: %s vanished from panel, deleting locally", key)
			if err := db.DeleteKey(key.ID); err != nil {
				return affected, fmt.Errorf("delete key %d: %w", key.ID, err)
			}
			affected++
			continue
		}

		upd := diffKey(key, *match)
		if upd.IsZero() {
			continue
		}
		if err := db.UpdateKey(key.ID, upd); err != nil {
			return affected, fmt.Errorf("update key %d: %w", key.ID, err)
		}
		logging.Debugf("reconcile: refreshed %s from panel state", key)
		affected++
	}

	for _, ci := range pool.remaining() {
		claimed, err := claimOrphan(*host, ci)
		if err != nil {
			return affected, err
		}
		if claimed {
			affected++
		}
	}

	return affected, nil
}

// diffKey computes the authoritative overwrite for a matched pair. A zero
// remote expiry or empty remote URL asserts nothing and leaves the local
// value alone.
func diffKey(key model.Key, ci panel.ClientInfo) model.KeyUpdate {
	var upd model.KeyUpdate
	if ci.RemoteUUID != "" && ci.RemoteUUID != key.RemoteUUID {
		upd.RemoteUUID = &ci.RemoteUUID
	}
	if !ci.ExpireAt.IsZero() && !withinTolerance(key.ExpireAt, ci.ExpireAt) {
		expire := ci.ExpireAt
		upd.ExpireAt = &expire
	}
	if ci.SubscriptionURL != "" && ci.SubscriptionURL != key.SubscriptionURL {
		upd.SubscriptionURL = &ci.SubscriptionURL
	}
	return upd
}

func withinTolerance(a, b time.Time) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= ExpiryTolerance
}

// claimOrphan adopts a panel client that has no local record, provided its
// email encodes a known owner and nothing else claims the email. Losing a
// claim race is a skip, not an error. Unattributable clients are left on
// the panel untouched; an operator can still recover them.
func claimOrphan(host model.Host, ci panel.ClientInfo) (bool, error) {
	owner := ownerFromEmail(ci.Email)
	if owner == 0 {
		logging.Warnf("reconcile: orphan client %q on %s has no recoverable owner, leaving untouched", ci.Email, host.Name)
		return false, nil
	}
	exists, err := db.UserExists(owner)
	if err != nil {
		return false, fmt.Errorf("check user %d: %w", owner, err)
	}
	if !exists {
		logging.Warnf("reconcile: orphan client %q on %s references unknown user %d, leaving untouched", ci.Email, host.Name, owner)
		return false, nil
	}
	existing, err := db.GetKeyByEmail(ci.Email)
	if err != nil {
		return false, fmt.Errorf("look up email %q: %w", ci.Email, err)
	}
	if existing != nil {
		// Bound elsewhere already, likely to another host. Not ours.
		return false, nil
	}
	id, claimed, err := db.ClaimOrphanKey(owner, host.Name, ci.RemoteUUID, ci.Email, ci.ExpireAt)
	if err != nil {
		return false, fmt.Errorf("claim orphan %q: %w", ci.Email, err)
	}
	if !claimed {
		logging.Debugf("reconcile: orphan %q claimed concurrently, skipping", ci.Email)
		return false, nil
	}
	if ci.SubscriptionURL != "" {
		upd := model.KeyUpdate{SubscriptionURL: &ci.SubscriptionURL}
		if err := db.UpdateKey(id, upd); err != nil {
			return true, fmt.Errorf("record subscription url for key %d: %w", id, err)
		}
	}
	logging.Infof("reconcile: adopted orphan client %q on %s for user %d as key %d", ci.Email, host.Name, owner, id)
	return true, nil
}

// ownerFromEmail extracts the conventional owner id, 0 when the email does
// not encode a usable one.
func ownerFromEmail(email string) int64 {
	m := ownerPattern.FindStringSubmatch(email)
	if m == nil {
		return 0
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || id <= 0 {
		return 0
	}
	return id
}

// clientPool tracks which remote clients are still unmatched. Matches are
// popped so one client can never satisfy two keys; whatever is left after
// the key loop is the orphan set, in wire order.
type clientPool struct {
	clients []panel.ClientInfo
	taken   []bool
	byEmail map[string]int
}

func newClientPool(clients []panel.ClientInfo) *clientPool {
	p := &clientPool{
		clients: clients,
		taken:   make([]bool, len(clients)),
		byEmail: make(map[string]int, len(clients)),
	}
	for i, ci := range clients {
		email := model.NormalizeEmail(ci.Email)
		if email == "" {
			p.taken[i] = true // never joinable, never claimable
			continue
		}
		if _, dup := p.byEmail[email]; !dup {
			p.byEmail[email] = i
		}
	}
	return p
}

func (p *clientPool) takeByEmail(email string) *panel.ClientInfo {
	i, ok := p.byEmail[model.NormalizeEmail(email)]
	if !ok || p.taken[i] {
		return nil
	}
	p.taken[i] = true
	return &p.clients[i]
}

func (p *clientPool) takeByUUID(uuid string) *panel.ClientInfo {
	for i := range p.clients {
		if !p.taken[i] && p.clients[i].RemoteUUID == uuid {
			p.taken[i] = true
			return &p.clients[i]
		}
	}
	return nil
}

func (p *clientPool) remaining() []panel.ClientInfo {
	var out []panel.ClientInfo
	for i := range p.clients {
		if !p.taken[i] {
			out = append(out, p.clients[i])
		}
	}
	return out
}
