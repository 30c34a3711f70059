// Copyright (c) 2026 Keywarden Team
// Keywarden - subscription key lifecycle & panel reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

package panel

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/toeirei/keywarden/internal/model"
)

// xuiWireClient is the client object as the xui panel generation emits it.
// Each decoder version names its own wire fields exactly; tolerating every
// historical field name in one struct is what this design replaces.
type xuiWireClient struct {
	ID         string          `json:"id"`
	Email      string          `json:"email"`
	Enable     bool            `json:"enable"`
	ExpiryTime json.RawMessage `json:"expiryTime"`
	SubID      string          `json:"subId"`
	TotalGB    int64           `json:"totalGB"`
	Flow       string          `json:"flow"`
	Reset      int             `json:"reset"`
}

// decodeXUIClient normalizes one xui wire client into ClientInfo.
func decodeXUIClient(raw json.RawMessage) (ClientInfo, error) {
	ci, _, err := decodeXUIClientToken(raw)
	return ci, err
}

// decodeXUIClientToken additionally returns the panel's subscription token.
// The wire list carries only the token; the adapter derives the full URL
// because that needs the host descriptor.
func decodeXUIClientToken(raw json.RawMessage) (ClientInfo, string, error) {
	var wc xuiWireClient
	if err := json.Unmarshal(raw, &wc); err != nil {
		return ClientInfo{}, "", fmt.Errorf("malformed xui client payload: %w", err)
	}
	expire, err := decodeEpoch(wc.ExpiryTime)
	if err != nil {
		return ClientInfo{}, "", fmt.Errorf("client %q: %w", wc.Email, err)
	}
	return ClientInfo{
		Email:        model.NormalizeEmail(wc.Email),
		RemoteUUID:   wc.ID,
		ExpireAt:     expire,
		Enabled:      wc.Enable,
		TrafficLimit: wc.TotalGB,
	}, wc.SubID, nil
}

// decodeEpoch turns a wire timestamp into a UTC instant. Panels emit
// expiries as JSON numbers or quoted strings, in millisecond or second
// epochs, depending on version; this is the single place those shapes are
// reconciled. Zero and negative values (xui's countdown mode) mean "no
// absolute expiry" and decode to the zero time.
func decodeEpoch(raw json.RawMessage) (time.Time, error) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return time.Time{}, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return time.Time{}, fmt.Errorf("unparseable expiry timestamp %q", s)
		}
		n = int64(f)
	}
	if n <= 0 {
		return time.Time{}, nil
	}
	// Millisecond epochs passed 1e12 in 2001; second epochs stay far below
	// it for another thirty thousand years.
	if n >= 1e12 {
		return time.UnixMilli(n).UTC(), nil
	}
	return time.Unix(n, 0).UTC(), nil
}
