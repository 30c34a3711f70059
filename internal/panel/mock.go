// Copyright (c) 2026 Keywarden Team
// Keywarden - subscription key lifecycle & panel reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

package panel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/toeirei/keywarden/internal/model"
)

// Mock is an in-memory, configurable panel used by tests. It keeps a client
// list per host name and records deletions so tests can assert on the
// remote side effects of a reconciliation pass.
type Mock struct {
	mu      sync.Mutex
	clients map[string][]ClientInfo

	// ListErr, when set for a host name, fails ListClients for that host.
	ListErr map[string]error
	// DeleteErr, when set for an email, fails DeleteClient for that email.
	DeleteErr map[string]error

	deleted []string
}

// NewMock returns an empty mock panel.
func NewMock() *Mock {
	return &Mock{
		clients:   make(map[string][]ClientInfo),
		ListErr:   make(map[string]error),
		DeleteErr: make(map[string]error),
	}
}

// SetClients replaces the remote client list for a host.
func (m *Mock) SetClients(hostName string, clients []ClientInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]ClientInfo, len(clients))
	copy(cp, clients)
	m.clients[model.NormalizeHostName(hostName)] = cp
}

// Clients returns a copy of the current remote client list for a host.
func (m *Mock) Clients(hostName string) []ClientInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.clients[model.NormalizeHostName(hostName)]
	cp := make([]ClientInfo, len(src))
	copy(cp, src)
	return cp
}

// DeletedEmails returns the emails removed through DeleteClient, in order.
func (m *Mock) DeletedEmails() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]string, len(m.deleted))
	copy(cp, m.deleted)
	return cp
}

// ListClients implements Client.
func (m *Mock) ListClients(_ context.Context, host model.Host) ([]ClientInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := model.NormalizeHostName(host.Name)
	if err := m.ListErr[name]; err != nil {
		return nil, err
	}
	src := m.clients[name]
	cp := make([]ClientInfo, len(src))
	copy(cp, src)
	return cp, nil
}

// UpsertClient implements Client.
func (m *Mock) UpsertClient(_ context.Context, host model.Host, email string, opts UpsertOptions) (*ClientInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := model.NormalizeHostName(host.Name)
	email = model.NormalizeEmail(email)

	now := time.Now().UTC()
	target := now
	switch {
	case opts.AbsoluteExpiry != nil:
		target = opts.AbsoluteExpiry.UTC()
	case opts.DaysToAdd > 0:
		target = now.AddDate(0, 0, opts.DaysToAdd)
	default:
		return nil, fmt.Errorf("upsert needs either an absolute expiry or days to add")
	}

	list := m.clients[name]
	for i := range list {
		if list[i].Email == email {
			if opts.AbsoluteExpiry == nil && opts.DaysToAdd > 0 && list[i].ExpireAt.After(now) {
				target = list[i].ExpireAt.AddDate(0, 0, opts.DaysToAdd)
			}
			list[i].ExpireAt = target
			list[i].Enabled = true
			ci := list[i]
			return &ci, nil
		}
	}

	ci := ClientInfo{
		Email:      email,
		RemoteUUID: uuid.NewString(),
		ExpireAt:   target,
		Enabled:    true,
	}
	m.clients[name] = append(list, ci)
	return &ci, nil
}

// DeleteClient implements Client.
func (m *Mock) DeleteClient(_ context.Context, host model.Host, email string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := model.NormalizeHostName(host.Name)
	email = model.NormalizeEmail(email)
	if err := m.DeleteErr[email]; err != nil {
		return false, err
	}
	list := m.clients[name]
	for i := range list {
		if list[i].Email == email {
			m.clients[name] = append(list[:i:i], list[i+1:]...)
			m.deleted = append(m.deleted, email)
			return true, nil
		}
	}
	return false, nil
}
