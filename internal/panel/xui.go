// Copyright (c) 2026 Keywarden Team
// Keywarden - subscription key lifecycle & panel reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

package panel

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/toeirei/keywarden/internal/model"
)

// defaultHTTPTimeout bounds every single panel request. A host pass that
// needs longer than this per call is better retried on the next tick.
const defaultHTTPTimeout = 30 * time.Second

// XUIClient talks to an x-ui style panel over its JSON API. The panel is
// session-based: every operation logs in first, then works against the
// host's configured inbound. Clients live inside the inbound's settings
// blob, which the API transports as a JSON-encoded string.
type XUIClient struct {
	timeout time.Duration
	decode  func(json.RawMessage) (ClientInfo, string, error)
}

// NewXUIClient returns a Client for the xui panel generation.
func NewXUIClient() *XUIClient {
	return &XUIClient{
		timeout: defaultHTTPTimeout,
		decode:  decodeXUIClientToken,
	}
}

// xuiResponse is the envelope every xui endpoint answers with.
type xuiResponse struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Obj     json.RawMessage `json:"obj"`
}

// xuiInbound is the subset of the inbound object this client reads.
type xuiInbound struct {
	ID       int    `json:"id"`
	Port     int    `json:"port"`
	Settings string `json:"settings"`
}

// xuiInboundSettings is the decoded form of xuiInbound.Settings.
type xuiInboundSettings struct {
	Clients []json.RawMessage `json:"clients"`
}

// xuiSession is one logged-in conversation with a panel.
type xuiSession struct {
	base string
	http *http.Client
}

// login authenticates against the panel and returns a session carrying the
// auth cookie.
func (c *XUIClient) login(ctx context.Context, host model.Host) (*xuiSession, error) {
	base := strings.TrimRight(host.PanelURL, "/")
	if base == "" {
		return nil, fmt.Errorf("host %q has no panel URL", host.Name)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	s := &xuiSession{
		base: base,
		http: &http.Client{Timeout: c.timeout, Jar: jar},
	}

	form := url.Values{
		"username": {host.PanelUser},
		"password": {host.PanelPass},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/login", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var env xuiResponse
	if err := s.do(req, &env); err != nil {
		return nil, fmt.Errorf("panel login failed: %w", err)
	}
	if !env.Success {
		return nil, fmt.Errorf("panel rejected login: %s", env.Msg)
	}
	return s, nil
}

// do executes a request and decodes the xui envelope into env.
func (s *xuiSession) do(req *http.Request, env *xuiResponse) error {
	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("panel returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, env); err != nil {
		return fmt.Errorf("malformed panel response: %w", err)
	}
	return nil
}

// getJSON performs a GET against path and decodes the envelope.
func (s *xuiSession) getJSON(ctx context.Context, path string, env *xuiResponse) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+path, nil)
	if err != nil {
		return err
	}
	return s.do(req, env)
}

// postJSON performs a JSON POST against path and decodes the envelope.
func (s *xuiSession) postJSON(ctx context.Context, path string, payload any, env *xuiResponse) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return s.do(req, env)
}

// inbound fetches the host's configured inbound and its raw client list.
func (s *xuiSession) inbound(ctx context.Context, host model.Host) (*xuiInbound, []json.RawMessage, error) {
	var env xuiResponse
	if err := s.getJSON(ctx, "/panel/api/inbounds/get/"+strconv.Itoa(host.InboundID), &env); err != nil {
		return nil, nil, err
	}
	if !env.Success {
		return nil, nil, fmt.Errorf("panel refused inbound %d: %s", host.InboundID, env.Msg)
	}
	var ib xuiInbound
	if err := json.Unmarshal(env.Obj, &ib); err != nil {
		return nil, nil, fmt.Errorf("malformed inbound payload: %w", err)
	}
	var settings xuiInboundSettings
	if ib.Settings != "" {
		if err := json.Unmarshal([]byte(ib.Settings), &settings); err != nil {
			return nil, nil, fmt.Errorf("malformed inbound settings: %w", err)
		}
	}
	return &ib, settings.Clients, nil
}

// ListClients returns every client on the host's inbound, normalized.
func (c *XUIClient) ListClients(ctx context.Context, host model.Host) ([]ClientInfo, error) {
	s, err := c.login(ctx, host)
	if err != nil {
		return nil, err
	}
	_, raws, err := s.inbound(ctx, host)
	if err != nil {
		return nil, err
	}
	out := make([]ClientInfo, 0, len(raws))
	for _, raw := range raws {
		ci, token, err := c.decode(raw)
		if err != nil {
			return nil, err
		}
		if ci.Email == "" {
			continue
		}
		if token != "" {
			ci.SubscriptionURL = subscriptionURL(host.PanelURL, token)
		}
		out = append(out, ci)
	}
	return out, nil
}

// findWireClient locates a client by normalized email in the raw list.
func (c *XUIClient) findWireClient(raws []json.RawMessage, email string) (int, *xuiWireClient, error) {
	for i, raw := range raws {
		var wc xuiWireClient
		if err := json.Unmarshal(raw, &wc); err != nil {
			return -1, nil, fmt.Errorf("malformed xui client payload: %w", err)
		}
		if model.NormalizeEmail(wc.Email) == email {
			return i, &wc, nil
		}
	}
	return -1, nil, nil
}

// UpsertClient creates or extends the client with the given email and
// returns its resulting canonical state.
func (c *XUIClient) UpsertClient(ctx context.Context, host model.Host, email string, opts UpsertOptions) (*ClientInfo, error) {
	email = model.NormalizeEmail(email)
	if email == "" {
		return nil, fmt.Errorf("refusing to provision a client with an empty email")
	}

	s, err := c.login(ctx, host)
	if err != nil {
		return nil, err
	}
	_, raws, err := s.inbound(ctx, host)
	if err != nil {
		return nil, err
	}
	_, existing, err := c.findWireClient(raws, email)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var target time.Time
	switch {
	case opts.AbsoluteExpiry != nil:
		target = opts.AbsoluteExpiry.UTC()
	case opts.DaysToAdd > 0:
		base := now
		if existing != nil {
			if cur, err := decodeEpoch(existing.ExpiryTime); err == nil && cur.After(now) {
				base = cur
			}
		}
		target = base.AddDate(0, 0, opts.DaysToAdd)
	default:
		return nil, fmt.Errorf("upsert needs either an absolute expiry or days to add")
	}
	targetMS := target.UnixMilli()

	var env xuiResponse
	var remoteUUID, subID string
	if existing != nil {
		remoteUUID = existing.ID
		subID = existing.SubID
		if subID == "" {
			subID = newSubToken()
		}
		payload := map[string]any{
			"id": host.InboundID,
			"settings": encodeClientSettings(xuiWireClient{
				ID:         remoteUUID,
				Email:      existing.Email,
				Enable:     true,
				ExpiryTime: json.RawMessage(strconv.FormatInt(targetMS, 10)),
				SubID:      subID,
				TotalGB:    existing.TotalGB,
				Flow:       existing.Flow,
			}),
		}
		if err := s.postJSON(ctx, "/panel/api/inbounds/updateClient/"+remoteUUID, payload, &env); err != nil {
			return nil, err
		}
	} else {
		remoteUUID = uuid.NewString()
		subID = newSubToken()
		payload := map[string]any{
			"id": host.InboundID,
			"settings": encodeClientSettings(xuiWireClient{
				ID:         remoteUUID,
				Email:      email,
				Enable:     true,
				ExpiryTime: json.RawMessage(strconv.FormatInt(targetMS, 10)),
				SubID:      subID,
				Flow:       "xtls-rprx-vision",
			}),
		}
		if err := s.postJSON(ctx, "/panel/api/inbounds/addClient", payload, &env); err != nil {
			return nil, err
		}
	}
	if !env.Success {
		return nil, fmt.Errorf("panel refused client upsert for %q: %s", email, env.Msg)
	}

	return &ClientInfo{
		Email:           email,
		RemoteUUID:      remoteUUID,
		ExpireAt:        target,
		SubscriptionURL: subscriptionURL(host.PanelURL, subID),
		Enabled:         true,
	}, nil
}

// DeleteClient removes the client with the given email and reports whether
// it existed on the panel.
func (c *XUIClient) DeleteClient(ctx context.Context, host model.Host, email string) (bool, error) {
	email = model.NormalizeEmail(email)
	s, err := c.login(ctx, host)
	if err != nil {
		return false, err
	}
	_, raws, err := s.inbound(ctx, host)
	if err != nil {
		return false, err
	}
	_, existing, err := c.findWireClient(raws, email)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, nil
	}

	var env xuiResponse
	path := fmt.Sprintf("/panel/api/inbounds/%d/delClient/%s", host.InboundID, existing.ID)
	if err := s.postJSON(ctx, path, nil, &env); err != nil {
		return false, err
	}
	if !env.Success {
		return false, fmt.Errorf("panel refused client delete for %q: %s", email, env.Msg)
	}
	return true, nil
}

// encodeClientSettings wraps one client in the inbound-settings string shape
// the mutation endpoints expect.
func encodeClientSettings(wc xuiWireClient) string {
	b, _ := json.Marshal(map[string]any{"clients": []xuiWireClient{wc}})
	return string(b)
}

// newSubToken mints the short random token panels key subscription URLs on.
func newSubToken() string {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		// Fall back to a UUID-derived token; rand failures here are not
		// worth failing the provisioning call over.
		return strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
	}
	return hex.EncodeToString(b[:])
}

// subscriptionURL derives the subscription endpoint for a client token from
// the panel URL. Panels serve subscriptions from the same hostname.
func subscriptionURL(panelURL, subID string) string {
	if subID == "" {
		return ""
	}
	u, err := url.Parse(panelURL)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	scheme := u.Scheme
	if scheme != "http" && scheme != "https" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/sub/%s", scheme, u.Hostname(), subID)
}
