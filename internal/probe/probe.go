// Copyright (c) 2026 Keywarden Team
// Keywarden - subscription key lifecycle & panel reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

// Package probe measures out-of-band host latency over the auxiliary SSH
// descriptor. Results land in the store next to the host record; hosts
// without a descriptor are skipped entirely.
package probe // import "github.com/toeirei/keywarden/internal/probe"

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/toeirei/keywarden/internal/db"
	"github.com/toeirei/keywarden/internal/logging"
	"github.com/toeirei/keywarden/internal/model"
)

// DefaultTimeout bounds a single host probe, dial through command.
const DefaultTimeout = 180 * time.Second

// sshConn is the minimal connection surface the probe needs.
type sshConn interface {
	RunCommand(cmd string) error
	Close() error
}

// sshDial establishes the connection. Tests swap this out.
var sshDial = func(addr string, cfg *ssh.ClientConfig) (sshConn, error) {
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, err
	}
	return &realConn{client: client}, nil
}

type realConn struct{ client *ssh.Client }

func (c *realConn) RunCommand(cmd string) error {
	sess, err := c.client.NewSession()
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close() }()
	return sess.Run(cmd)
}

func (c *realConn) Close() error { return c.client.Close() }

// Host measures how long the host's SSH endpoint takes to accept a
// connection and run a trivial command, in milliseconds.
func Host(h model.Host, timeout time.Duration) (int64, error) {
	if !h.Probeable() {
		return 0, fmt.Errorf("host %q has no probe descriptor", h.Name)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	port := h.SSHPort
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(h.SSHHost, strconv.Itoa(port))
	cfg := &ssh.ClientConfig{
		User: h.SSHUser,
		Auth: []ssh.AuthMethod{ssh.Password(h.SSHPass)},
		// Latency is all we are after; nothing sensitive flows over
		// this channel.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	start := time.Now()
	conn, err := sshDial(addr, cfg)
	if err != nil {
		return 0, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer func() { _ = conn.Close() }()

	if err := conn.RunCommand("true"); err != nil {
		logging.Debugf("probe: %s accepted the connection but refused a command: %v", h.Name, err)
	}
	return time.Since(start).Milliseconds(), nil
}

// All probes every probeable host and records the results. Individual
// failures are logged and skipped; the loop stops early only when ctx is
// canceled. Returns how many hosts got a fresh result.
func All(ctx context.Context, timeout time.Duration) (int, error) {
	hosts, err := db.GetAllHosts()
	if err != nil {
		return 0, fmt.Errorf("load hosts: %w", err)
	}

	probed := 0
	for _, h := range hosts {
		select {
		case <-ctx.Done():
			return probed, ctx.Err()
		default:
		}
		if !h.Probeable() {
			logging.Debugf("probe: %s has no probe descriptor, skipping", h.Name)
			continue
		}
		ms, err := Host(h, timeout)
		if err != nil {
			logging.Warnf("probe: %s failed: %v", h.Name, err)
			continue
		}
		if err := db.SetHostProbeResult(h.Name, ms, time.Now().UTC()); err != nil {
			logging.Warnf("probe: could not record result for %s: %v", h.Name, err)
			continue
		}
		logging.Infof("probe: %s answered in %dms", h.Name, ms)
		probed++
	}
	return probed, nil
}
