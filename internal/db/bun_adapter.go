// Copyright (c) 2026 Keywarden Team
// Keywarden - subscription key lifecycle & panel reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"database/sql"
	"fmt"
	"os/user"
	"strings"
	"time"

	"github.com/toeirei/keywarden/internal/model"
	"github.com/uptrace/bun"
)

// KeyModel maps the `keys` table for Bun queries. Nullable columns use
// sql.Null* so rows carried over from legacy databases scan cleanly.
type KeyModel struct {
	bun.BaseModel   `bun:"table:keys"`
	ID              int            `bun:"key_id,pk,autoincrement"`
	UserID          int64          `bun:"user_id"`
	HostName        string         `bun:"host_name"`
	RemoteUUID      sql.NullString `bun:"remote_uuid"`
	Email           string         `bun:"email"`
	ExpireAt        sql.NullTime   `bun:"expire_at"`
	CreatedAt       sql.NullTime   `bun:"created_at"`
	UpdatedAt       sql.NullTime   `bun:"updated_at"`
	SubscriptionURL sql.NullString `bun:"subscription_url"`
	TrafficLimit    sql.NullInt64  `bun:"traffic_limit_bytes"`
	TrafficStrategy sql.NullString `bun:"traffic_limit_strategy"`
	Tag             sql.NullString `bun:"tag"`
	Description     sql.NullString `bun:"description"`
}

// HostModel maps the `hosts` table.
type HostModel struct {
	bun.BaseModel  `bun:"table:hosts"`
	Name           string         `bun:"host_name,pk"`
	PanelURL       string         `bun:"panel_url"`
	PanelUser      string         `bun:"panel_user"`
	PanelPass      string         `bun:"panel_pass"`
	InboundID      int            `bun:"inbound_id"`
	PanelType      string         `bun:"panel_type"`
	SSHHost        sql.NullString `bun:"ssh_host"`
	SSHPort        sql.NullInt64  `bun:"ssh_port"`
	SSHUser        sql.NullString `bun:"ssh_user"`
	SSHPass        sql.NullString `bun:"ssh_pass"`
	ProbeLatencyMS sql.NullInt64  `bun:"probe_latency_ms"`
	ProbedAt       sql.NullTime   `bun:"probed_at"`
}

// PlanModel maps the `plans` table.
type PlanModel struct {
	bun.BaseModel `bun:"table:plans"`
	ID            int     `bun:"plan_id,pk,autoincrement"`
	HostName      string  `bun:"host_name"`
	Name          string  `bun:"plan_name"`
	Months        int     `bun:"months"`
	Price         float64 `bun:"price"`
}

// UserModel maps the `users` table.
type UserModel struct {
	bun.BaseModel `bun:"table:users"`
	ID            int64          `bun:"user_id,pk"`
	Username      sql.NullString `bun:"username"`
	RegisteredAt  sql.NullTime   `bun:"registered_at"`
	Balance       float64        `bun:"balance"`
}

// SettingModel maps the `settings` table.
type SettingModel struct {
	bun.BaseModel `bun:"table:settings"`
	Key           string         `bun:"key,pk"`
	Value         sql.NullString `bun:"value"`
}

// AuditLogModel maps the `audit_log` table.
type AuditLogModel struct {
	bun.BaseModel `bun:"table:audit_log"`
	ID            int    `bun:"id,pk,autoincrement"`
	Timestamp     string `bun:"timestamp"`
	Username      string `bun:"username"`
	Action        string `bun:"action"`
	Details       string `bun:"details"`
}

// --- Mapping helpers (centralized conversions) ---

func keyModelToModel(k KeyModel) model.Key {
	key := model.Key{
		ID:       k.ID,
		UserID:   k.UserID,
		HostName: k.HostName,
		Email:    k.Email,
	}
	if k.RemoteUUID.Valid {
		key.RemoteUUID = k.RemoteUUID.String
	}
	if k.ExpireAt.Valid {
		key.ExpireAt = k.ExpireAt.Time.UTC()
	}
	if k.CreatedAt.Valid {
		key.CreatedAt = k.CreatedAt.Time.UTC()
	}
	if k.UpdatedAt.Valid {
		key.UpdatedAt = k.UpdatedAt.Time.UTC()
	}
	if k.SubscriptionURL.Valid {
		key.SubscriptionURL = k.SubscriptionURL.String
	}
	if k.TrafficLimit.Valid {
		key.TrafficLimit = k.TrafficLimit.Int64
	}
	if k.TrafficStrategy.Valid {
		key.TrafficStrategy = k.TrafficStrategy.String
	}
	if k.Tag.Valid {
		key.Tag = k.Tag.String
	}
	if k.Description.Valid {
		key.Description = k.Description.String
	}
	return key
}

func hostModelToModel(h HostModel) model.Host {
	host := model.Host{
		Name:      h.Name,
		PanelURL:  h.PanelURL,
		PanelUser: h.PanelUser,
		PanelPass: h.PanelPass,
		InboundID: h.InboundID,
		PanelType: h.PanelType,
	}
	if h.SSHHost.Valid {
		host.SSHHost = h.SSHHost.String
	}
	if h.SSHPort.Valid {
		host.SSHPort = int(h.SSHPort.Int64)
	}
	if h.SSHUser.Valid {
		host.SSHUser = h.SSHUser.String
	}
	if h.SSHPass.Valid {
		host.SSHPass = h.SSHPass.String
	}
	if h.ProbeLatencyMS.Valid {
		host.ProbeLatencyMS = h.ProbeLatencyMS.Int64
	}
	if h.ProbedAt.Valid {
		t := h.ProbedAt.Time.UTC()
		host.ProbedAt = &t
	}
	return host
}

func planModelToModel(p PlanModel) model.Plan {
	return model.Plan{ID: p.ID, HostName: p.HostName, Name: p.Name, Months: p.Months, Price: p.Price}
}

func userModelToModel(u UserModel) model.User {
	usr := model.User{ID: u.ID, Balance: u.Balance}
	if u.Username.Valid {
		usr.Username = u.Username.String
	}
	if u.RegisteredAt.Valid {
		usr.RegisteredAt = u.RegisteredAt.Time.UTC()
	}
	return usr
}

// --- Key helpers ---

// CreateKeyBun inserts a new key row and returns its generated id. Email and
// host name are normalized before the insert; a duplicate email surfaces as
// ErrDuplicate.
func CreateKeyBun(bdb *bun.DB, userID int64, hostName, remoteUUID, email string, expireAt time.Time) (int, error) {
	ctx := context.Background()
	now := time.Now().UTC()
	km := &KeyModel{
		UserID:    userID,
		HostName:  model.NormalizeHostName(hostName),
		Email:     model.NormalizeEmail(email),
		ExpireAt:  sql.NullTime{Time: expireAt.UTC(), Valid: !expireAt.IsZero()},
		CreatedAt: sql.NullTime{Time: now, Valid: true},
		UpdatedAt: sql.NullTime{Time: now, Valid: true},
	}
	if remoteUUID != "" {
		km.RemoteUUID = sql.NullString{String: remoteUUID, Valid: true}
	}
	if _, err := bdb.NewInsert().Model(km).
		Column("user_id", "host_name", "remote_uuid", "email", "expire_at", "created_at", "updated_at").
		Returning("key_id").Exec(ctx); err != nil {
		return 0, MapDBError(err)
	}
	return km.ID, nil
}

// UpdateKeyBun applies the non-nil fields of upd to the key with the given id
// and bumps updated_at. A no-op update returns nil without touching the row.
func UpdateKeyBun(bdb *bun.DB, id int, upd model.KeyUpdate) error {
	if upd.IsZero() {
		return nil
	}
	ctx := context.Background()
	q := bdb.NewUpdate().Model((*KeyModel)(nil)).Where("key_id = ?", id)
	if upd.HostName != nil {
		q = q.Set("host_name = ?", model.NormalizeHostName(*upd.HostName))
	}
	if upd.RemoteUUID != nil {
		q = q.Set("remote_uuid = ?", *upd.RemoteUUID)
	}
	if upd.ExpireAt != nil {
		q = q.Set("expire_at = ?", upd.ExpireAt.UTC())
	}
	if upd.SubscriptionURL != nil {
		q = q.Set("subscription_url = ?", *upd.SubscriptionURL)
	}
	if upd.TrafficLimit != nil {
		q = q.Set("traffic_limit_bytes = ?", *upd.TrafficLimit)
	}
	if upd.TrafficStrategy != nil {
		q = q.Set("traffic_limit_strategy = ?", *upd.TrafficStrategy)
	}
	if upd.Tag != nil {
		q = q.Set("tag = ?", *upd.Tag)
	}
	if upd.Description != nil {
		q = q.Set("description = ?", *upd.Description)
	}
	q = q.Set("updated_at = ?", time.Now().UTC())
	res, err := q.Exec(ctx)
	if err != nil {
		return MapDBError(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteKeyBun removes a key by id.
func DeleteKeyBun(bdb *bun.DB, id int) error {
	ctx := context.Background()
	_, err := bdb.NewDelete().Model((*KeyModel)(nil)).Where("key_id = ?", id).Exec(ctx)
	return err
}

// DeleteKeyByEmailBun removes the key with the given normalized email and
// reports whether a row was deleted.
func DeleteKeyByEmailBun(bdb *bun.DB, email string) (bool, error) {
	ctx := context.Background()
	res, err := bdb.NewDelete().Model((*KeyModel)(nil)).Where("email = ?", model.NormalizeEmail(email)).Exec(ctx)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetKeyByIDBun returns the key with the given id, or nil when absent.
func GetKeyByIDBun(bdb *bun.DB, id int) (*model.Key, error) {
	ctx := context.Background()
	var km KeyModel
	err := bdb.NewSelect().Model(&km).Where("key_id = ?", id).Limit(1).Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	k := keyModelToModel(km)
	return &k, nil
}

// GetKeyByEmailBun returns the key with the given email, or nil when absent.
func GetKeyByEmailBun(bdb *bun.DB, email string) (*model.Key, error) {
	ctx := context.Background()
	var km KeyModel
	err := bdb.NewSelect().Model(&km).Where("email = ?", model.NormalizeEmail(email)).Limit(1).Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	k := keyModelToModel(km)
	return &k, nil
}

// GetKeyByRemoteUUIDBun returns the key carrying the given panel-side client
// id, or nil when absent.
func GetKeyByRemoteUUIDBun(bdb *bun.DB, remoteUUID string) (*model.Key, error) {
	if remoteUUID == "" {
		return nil, nil
	}
	ctx := context.Background()
	var km KeyModel
	err := bdb.NewSelect().Model(&km).Where("remote_uuid = ?", remoteUUID).Limit(1).Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	k := keyModelToModel(km)
	return &k, nil
}

// GetAllKeysBun returns all keys ordered by id.
func GetAllKeysBun(bdb *bun.DB) ([]model.Key, error) {
	ctx := context.Background()
	var kms []KeyModel
	if err := bdb.NewSelect().Model(&kms).OrderExpr("key_id").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]model.Key, 0, len(kms))
	for _, km := range kms {
		out = append(out, keyModelToModel(km))
	}
	return out, nil
}

// GetKeysForHostBun returns the keys registered on the given host.
func GetKeysForHostBun(bdb *bun.DB, hostName string) ([]model.Key, error) {
	ctx := context.Background()
	var kms []KeyModel
	err := bdb.NewSelect().Model(&kms).
		Where("host_name = ?", model.NormalizeHostName(hostName)).
		OrderExpr("key_id").Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.Key, 0, len(kms))
	for _, km := range kms {
		out = append(out, keyModelToModel(km))
	}
	return out, nil
}

// GetKeysForUserBun returns the keys owned by the given user.
func GetKeysForUserBun(bdb *bun.DB, userID int64) ([]model.Key, error) {
	ctx := context.Background()
	var kms []KeyModel
	err := bdb.NewSelect().Model(&kms).Where("user_id = ?", userID).OrderExpr("key_id").Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.Key, 0, len(kms))
	for _, km := range kms {
		out = append(out, keyModelToModel(km))
	}
	return out, nil
}

// GetKeysExpiringBeforeBun returns keys whose expiry lies strictly before t,
// soonest first. Keys without an expiry are never returned.
func GetKeysExpiringBeforeBun(bdb *bun.DB, t time.Time) ([]model.Key, error) {
	ctx := context.Background()
	var kms []KeyModel
	err := bdb.NewSelect().Model(&kms).
		Where("expire_at IS NOT NULL").
		Where("expire_at < ?", t.UTC()).
		OrderExpr("expire_at").Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.Key, 0, len(kms))
	for _, km := range kms {
		out = append(out, keyModelToModel(km))
	}
	return out, nil
}

// ClaimOrphanKeyBun inserts a key for a panel client that has no local row
// yet. The insert and the duplicate check run in one transaction, and the
// insert itself tolerates a concurrent claim via INSERT OR IGNORE, so exactly
// one caller wins. It returns the id of the row that holds the email after
// the call and whether this caller created it.
func ClaimOrphanKeyBun(bdb *bun.DB, userID int64, hostName, remoteUUID, email string, expireAt time.Time) (int, bool, error) {
	ctx := context.Background()
	email = model.NormalizeEmail(email)
	hostName = model.NormalizeHostName(hostName)

	var id int
	var claimed bool
	err := WithTx(ctx, bdb, func(ctx context.Context, tx bun.Tx) error {
		var existing int
		err := QueryRawInto(ctx, tx, &existing, "SELECT key_id FROM keys WHERE email = ?", email)
		if err == nil {
			id = existing
			return nil
		}
		if err != sql.ErrNoRows {
			return err
		}

		now := time.Now().UTC()
		res, err := ExecRaw(ctx, tx,
			"INSERT OR IGNORE INTO keys (user_id, host_name, remote_uuid, email, expire_at, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
			userID, hostName, remoteUUID, email, expireAt.UTC(), now, now)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			// Lost the race after our read; fetch the winner's row.
			return QueryRawInto(ctx, tx, &id, "SELECT key_id FROM keys WHERE email = ?", email)
		}
		last, err := res.LastInsertId()
		if err != nil {
			return err
		}
		id = int(last)
		claimed = true
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return id, claimed, nil
}

// CountKeysBun returns the total number of keys.
func CountKeysBun(bdb *bun.DB) (int, error) {
	ctx := context.Background()
	return bdb.NewSelect().Model((*KeyModel)(nil)).Count(ctx)
}

// --- Host helpers ---

func hostToHostModel(h model.Host) *HostModel {
	hm := &HostModel{
		Name:      model.NormalizeHostName(h.Name),
		PanelURL:  h.PanelURL,
		PanelUser: h.PanelUser,
		PanelPass: h.PanelPass,
		InboundID: h.InboundID,
		PanelType: h.PanelType,
	}
	if hm.PanelType == "" {
		hm.PanelType = model.DefaultPanelType
	}
	if h.SSHHost != "" {
		hm.SSHHost = sql.NullString{String: h.SSHHost, Valid: true}
	}
	if h.SSHPort != 0 {
		hm.SSHPort = sql.NullInt64{Int64: int64(h.SSHPort), Valid: true}
	}
	if h.SSHUser != "" {
		hm.SSHUser = sql.NullString{String: h.SSHUser, Valid: true}
	}
	if h.SSHPass != "" {
		hm.SSHPass = sql.NullString{String: h.SSHPass, Valid: true}
	}
	return hm
}

// AddHostBun registers a new panel host. A duplicate name surfaces as
// ErrDuplicate.
func AddHostBun(bdb *bun.DB, h model.Host) error {
	ctx := context.Background()
	hm := hostToHostModel(h)
	_, err := bdb.NewInsert().Model(hm).
		Column("host_name", "panel_url", "panel_user", "panel_pass", "inbound_id", "panel_type", "ssh_host", "ssh_port", "ssh_user", "ssh_pass").
		Exec(ctx)
	return MapDBError(err)
}

// UpdateHostBun rewrites the connection details of a host. Probe results are
// deliberately left alone so an edit does not erase reachability history.
func UpdateHostBun(bdb *bun.DB, h model.Host) error {
	ctx := context.Background()
	hm := hostToHostModel(h)
	res, err := bdb.NewUpdate().Model((*HostModel)(nil)).
		Set("panel_url = ?", hm.PanelURL).
		Set("panel_user = ?", hm.PanelUser).
		Set("panel_pass = ?", hm.PanelPass).
		Set("inbound_id = ?", hm.InboundID).
		Set("panel_type = ?", hm.PanelType).
		Set("ssh_host = ?", hm.SSHHost).
		Set("ssh_port = ?", hm.SSHPort).
		Set("ssh_user = ?", hm.SSHUser).
		Set("ssh_pass = ?", hm.SSHPass).
		Where("host_name = ?", hm.Name).
		Exec(ctx)
	if err != nil {
		return MapDBError(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteHostBun removes a host registration by name.
func DeleteHostBun(bdb *bun.DB, name string) error {
	ctx := context.Background()
	_, err := bdb.NewDelete().Model((*HostModel)(nil)).
		Where("host_name = ?", model.NormalizeHostName(name)).Exec(ctx)
	return err
}

// RenameHostBun renames a host and cascades the new name to every key and
// plan that references it, all in one transaction. Host names are a natural
// key, so a dangling reference would detach keys from their panel.
func RenameHostBun(bdb *bun.DB, oldName, newName string) error {
	ctx := context.Background()
	oldName = model.NormalizeHostName(oldName)
	newName = model.NormalizeHostName(newName)
	if newName == "" {
		return fmt.Errorf("new host name must not be empty")
	}
	if oldName == newName {
		return nil
	}
	return WithTx(ctx, bdb, func(ctx context.Context, tx bun.Tx) error {
		var one int
		if err := QueryRawInto(ctx, tx, &one, "SELECT 1 FROM hosts WHERE host_name = ?", newName); err == nil {
			return ErrDuplicate
		} else if err != sql.ErrNoRows {
			return err
		}
		res, err := ExecRaw(ctx, tx, "UPDATE hosts SET host_name = ? WHERE host_name = ?", newName, oldName)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return ErrNotFound
		}
		now := time.Now().UTC()
		if _, err := ExecRaw(ctx, tx, "UPDATE keys SET host_name = ?, updated_at = ? WHERE host_name = ?", newName, now, oldName); err != nil {
			return err
		}
		if _, err := ExecRaw(ctx, tx, "UPDATE plans SET host_name = ? WHERE host_name = ?", newName, oldName); err != nil {
			return err
		}
		return nil
	})
}

// GetHostBun returns the host with the given name, or nil when absent.
func GetHostBun(bdb *bun.DB, name string) (*model.Host, error) {
	ctx := context.Background()
	var hm HostModel
	err := bdb.NewSelect().Model(&hm).
		Where("host_name = ?", model.NormalizeHostName(name)).Limit(1).Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	h := hostModelToModel(hm)
	return &h, nil
}

// GetAllHostsBun returns all hosts ordered by name.
func GetAllHostsBun(bdb *bun.DB) ([]model.Host, error) {
	ctx := context.Background()
	var hms []HostModel
	if err := bdb.NewSelect().Model(&hms).OrderExpr("host_name").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]model.Host, 0, len(hms))
	for _, hm := range hms {
		out = append(out, hostModelToModel(hm))
	}
	return out, nil
}

// SetHostProbeResultBun records the latest reachability probe for a host.
func SetHostProbeResultBun(bdb *bun.DB, name string, latencyMS int64, at time.Time) error {
	ctx := context.Background()
	_, err := ExecRaw(ctx, bdb, "UPDATE hosts SET probe_latency_ms = ?, probed_at = ? WHERE host_name = ?",
		latencyMS, at.UTC(), model.NormalizeHostName(name))
	return err
}

// --- Plan helpers ---

// AddPlanBun creates a plan for a host and returns its id.
func AddPlanBun(bdb *bun.DB, p model.Plan) (int, error) {
	ctx := context.Background()
	pm := &PlanModel{
		HostName: model.NormalizeHostName(p.HostName),
		Name:     p.Name,
		Months:   p.Months,
		Price:    p.Price,
	}
	if _, err := bdb.NewInsert().Model(pm).
		Column("host_name", "plan_name", "months", "price").
		Returning("plan_id").Exec(ctx); err != nil {
		return 0, MapDBError(err)
	}
	return pm.ID, nil
}

// DeletePlanBun removes a plan by id.
func DeletePlanBun(bdb *bun.DB, id int) error {
	ctx := context.Background()
	_, err := bdb.NewDelete().Model((*PlanModel)(nil)).Where("plan_id = ?", id).Exec(ctx)
	return err
}

// GetPlansForHostBun returns the plans offered on a host, shortest first.
func GetPlansForHostBun(bdb *bun.DB, hostName string) ([]model.Plan, error) {
	ctx := context.Background()
	var pms []PlanModel
	err := bdb.NewSelect().Model(&pms).
		Where("host_name = ?", model.NormalizeHostName(hostName)).
		OrderExpr("months, price").Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.Plan, 0, len(pms))
	for _, pm := range pms {
		out = append(out, planModelToModel(pm))
	}
	return out, nil
}

// GetAllPlansBun returns all plans grouped by host.
func GetAllPlansBun(bdb *bun.DB) ([]model.Plan, error) {
	ctx := context.Background()
	var pms []PlanModel
	if err := bdb.NewSelect().Model(&pms).OrderExpr("host_name, months, price").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]model.Plan, 0, len(pms))
	for _, pm := range pms {
		out = append(out, planModelToModel(pm))
	}
	return out, nil
}

// --- User helpers ---

// EnsureUserBun creates the user row if missing and refreshes the username
// when a non-empty one is provided.
func EnsureUserBun(bdb *bun.DB, id int64, username string) error {
	ctx := context.Background()
	_, err := ExecRaw(ctx, bdb,
		"INSERT INTO users (user_id, username, registered_at) VALUES (?, ?, ?) ON CONFLICT(user_id) DO UPDATE SET username = excluded.username WHERE excluded.username <> ''",
		id, username, time.Now().UTC())
	return err
}

// UserExistsBun reports whether a user row exists for the given id.
func UserExistsBun(bdb *bun.DB, id int64) (bool, error) {
	ctx := context.Background()
	return bdb.NewSelect().Model((*UserModel)(nil)).Where("user_id = ?", id).Exists(ctx)
}

// GetUserBun returns the user with the given id, or nil when absent.
func GetUserBun(bdb *bun.DB, id int64) (*model.User, error) {
	ctx := context.Background()
	var um UserModel
	err := bdb.NewSelect().Model(&um).Where("user_id = ?", id).Limit(1).Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	u := userModelToModel(um)
	return &u, nil
}

// GetAllUsersBun returns all users ordered by id.
func GetAllUsersBun(bdb *bun.DB) ([]model.User, error) {
	ctx := context.Background()
	var ums []UserModel
	if err := bdb.NewSelect().Model(&ums).OrderExpr("user_id").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]model.User, 0, len(ums))
	for _, um := range ums {
		out = append(out, userModelToModel(um))
	}
	return out, nil
}

// AdjustUserBalanceBun applies delta to the user's balance. The guard lives
// in the UPDATE itself, so two concurrent debits can never drive the balance
// below zero.
func AdjustUserBalanceBun(bdb *bun.DB, id int64, delta float64) error {
	ctx := context.Background()
	res, err := ExecRaw(ctx, bdb,
		"UPDATE users SET balance = balance + ? WHERE user_id = ? AND balance + ? >= 0",
		delta, id, delta)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	exists, err := UserExistsBun(bdb, id)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrInsufficientFunds
}

// --- Settings helpers ---

// GetSettingBun returns the value stored for key, or "" when unset.
func GetSettingBun(bdb *bun.DB, key string) (string, error) {
	ctx := context.Background()
	var sm SettingModel
	err := bdb.NewSelect().Model(&sm).Where("key = ?", key).Limit(1).Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", err
	}
	if !sm.Value.Valid {
		return "", nil
	}
	return sm.Value.String, nil
}

// SetSettingBun stores a key/value pair, replacing any previous value.
func SetSettingBun(bdb *bun.DB, key, value string) error {
	ctx := context.Background()
	_, err := ExecRaw(ctx, bdb,
		"INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value)
	return err
}

// --- Audit log helpers ---

// GetAllAuditLogEntriesBun retrieves audit log entries, most recent first.
func GetAllAuditLogEntriesBun(bdb *bun.DB) ([]model.AuditLogEntry, error) {
	ctx := context.Background()
	var am []AuditLogModel
	if err := bdb.NewSelect().Model(&am).OrderExpr("timestamp DESC, id DESC").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]model.AuditLogEntry, 0, len(am))
	for _, a := range am {
		out = append(out, model.AuditLogEntry{ID: a.ID, Timestamp: a.Timestamp, Username: a.Username, Action: a.Action, Details: a.Details})
	}
	return out, nil
}

// LogActionBun inserts an audit log entry attributed to the current OS user.
func LogActionBun(bdb *bun.DB, action string, details string) error {
	ctx := context.Background()
	curUser, err := user.Current()
	username := "unknown"
	if err == nil {
		if parts := strings.Split(curUser.Username, `\`); len(parts) > 1 {
			username = parts[1]
		} else {
			username = curUser.Username
		}
	}
	_, err = ExecRaw(ctx, bdb, "INSERT INTO audit_log (username, action, details) VALUES (?, ?, ?)", username, action, details)
	return MapDBError(err)
}
