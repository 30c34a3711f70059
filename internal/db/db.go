// Copyright (c) 2026 Keywarden Team
// Keywarden - subscription key lifecycle & panel reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

// package db provides the data access layer for keywarden.
// It abstracts the underlying SQLite database behind a consistent
// interface, allowing the rest of the application to interact with the
// database in a uniform way.
package db // import "github.com/toeirei/keywarden/internal/db"

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"context"

	"github.com/toeirei/keywarden/internal/model"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "modernc.org/sqlite"
)

// package-level variables
var (
	store Store
	//go:embed migrations
	embeddedMigrations embed.FS
	// sqlOpenFunc allows tests to override database opening behavior.
	sqlOpenFunc = sql.Open
)

// InitDB initializes the database connection based on the provided type and DSN.
// It sets the global `store` variable to the appropriate database implementation,
// runs any pending database migrations, and evolves older schemas in place.
func InitDB(dbType, dsn string) error {
	s, err := NewStoreFromDSN(dbType, dsn)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	store = s
	return nil
}

// IsInitialized reports whether the package-level store has been set.
func IsInitialized() bool {
	return store != nil
}

// CloseStore closes the package-level store and clears it. Callers that need
// to swap the underlying database file (restore) use this to release the
// connection pool before replacing the file on disk.
func CloseStore() error {
	if store == nil {
		return nil
	}
	err := store.Close()
	store = nil
	return err
}

// RunDBMaintenance performs engine maintenance for the given database DSN.
// For SQLite this runs PRAGMA optimize, VACUUM, a WAL checkpoint and an
// integrity check.
func RunDBMaintenance(dbType, dsn string) error {
	if dbType == "" {
		dbType = "sqlite"
	}
	if dbType != "sqlite" {
		return fmt.Errorf("unsupported db type for maintenance: %s", dbType)
	}
	sqlDB, err := sqlOpenFunc("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database for maintenance: %w", err)
	}
	defer func() { _ = sqlDB.Close() }()

	// Small timeout for maintenance operations to avoid blocking CI.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	// PRAGMA optimize may not be supported or useful in some environments
	// (e.g., in-memory filesystems); treat optimize errors as non-fatal.
	if _, err := sqlDB.ExecContext(ctx, "PRAGMA optimize;"); err != nil {
		dbLogf("db: sqlite optimize failed (ignored): %v", err)
	}
	if _, err := sqlDB.ExecContext(ctx, "VACUUM;"); err != nil {
		return fmt.Errorf("sqlite vacuum failed: %w", err)
	}
	// WAL checkpoint; ignore errors if not supported.
	_, _ = sqlDB.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE);")
	var res string
	if row := sqlDB.QueryRowContext(ctx, "PRAGMA integrity_check;"); row != nil {
		_ = row.Scan(&res)
		if res != "ok" {
			return fmt.Errorf("sqlite integrity_check failed: %s", res)
		}
	}
	return nil
}

// NewStoreFromDSN opens a sql.DB for the given DSN, runs migrations, evolves
// the schema, and returns a Store backed by a long-lived *bun.DB. This hides
// *sql.DB usage from higher-level callers.
func NewStoreFromDSN(dbType, dsn string) (Store, error) {
	if dbType == "" {
		dbType = "sqlite"
	}
	if dbType != "sqlite" {
		return nil, fmt.Errorf("unsupported database type for store creation: '%s'", dbType)
	}
	start := time.Now()
	sqlDB, err := sqlOpenFunc("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure DB connection pool with sensible defaults. Values can be
	// overridden via environment variables for CI or production tuning.
	const (
		defaultMaxOpenConns    = 25
		defaultMaxIdleConns    = 25
		defaultConnMaxLifetime = 5 * time.Minute
	)

	maxOpen := defaultMaxOpenConns
	if v := os.Getenv("KEYWARDEN_DB_MAX_OPEN_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			maxOpen = n
		}
	}
	maxIdle := defaultMaxIdleConns
	if v := os.Getenv("KEYWARDEN_DB_MAX_IDLE_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			maxIdle = n
		}
	}

	// In-memory SQLite databases get a single connection. Without this, each
	// pooled connection can see its own empty in-memory database and schema
	// changes become invisible across connections. Tests rely on this.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		maxOpen = 1
		maxIdle = 1
	}
	connMax := defaultConnMaxLifetime
	if v := os.Getenv("KEYWARDEN_DB_CONN_MAX_LIFETIME_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			connMax = time.Duration(n) * time.Second
		}
	}

	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(connMax)
	connIdle := 60 // seconds
	if v := os.Getenv("KEYWARDEN_DB_CONN_MAX_IDLE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			connIdle = n
		}
	}
	sqlDB.SetConnMaxIdleTime(time.Duration(connIdle) * time.Second)

	openDur := time.Since(start)
	dbLogf("db: opened sqlite driver in %s (conn max open=%d, idle=%ds, maxLifetime=%s)", openDur, maxOpen, connIdle, connMax)

	migStart := time.Now()
	if err := RunMigrations(sqlDB, "sqlite"); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	dbLogf("db: migrations completed in %s", time.Since(migStart))

	bunDB := createBunDB(sqlDB)

	// Older databases may still carry the pre-rework key table layout or be
	// missing columns added since they were created. Bring them up to date
	// before anything else touches the store.
	if err := EnsureSchema(context.Background(), bunDB); err != nil {
		return nil, fmt.Errorf("failed to evolve schema: %w", err)
	}

	return &SqliteStore{bun: bunDB}, nil
}

// createBunDB constructs a *bun.DB for the provided *sql.DB. Centralizing
// construction makes it easier to apply consistent options and to test Bun
// initialization in one place.
func createBunDB(sqlDB *sql.DB) *bun.DB {
	return bun.NewDB(sqlDB, sqlitedialect.New())
}

// RunMigrations applies the necessary database migrations for a given database connection.
func RunMigrations(db *sql.DB, dbType string) error {
	start := time.Now()
	dbLogf("db: starting migrations for %s", dbType)
	migrationsPath := fmt.Sprintf("migrations/%s", dbType)

	entries, err := fs.ReadDir(embeddedMigrations, migrationsPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// No migrations embedded for this DB type.
			dbLogf("db: applied migrations for %s in %s", dbType, time.Since(start))
			return nil
		}
		return fmt.Errorf("failed to read embedded migrations (%s): %w", migrationsPath, err)
	}

	// Collect .up.sql files and sort them
	var ups []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".up.sql") {
			ups = append(ups, name)
		}
	}
	sort.Strings(ups)

	if err := ensureSchemaMigrationsTable(db); err != nil {
		return fmt.Errorf("failed to ensure schema_migrations table: %w", err)
	}

	for _, fname := range ups {
		version := strings.TrimSuffix(fname, ".up.sql")

		// Check if already applied.
		var exists int
		err := db.QueryRow("SELECT 1 FROM schema_migrations WHERE version = ?", version).Scan(&exists)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("failed to check migration version %s: %w", version, err)
		}

		data, err := embeddedMigrations.ReadFile(path.Join(migrationsPath, fname))
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", fname, err)
		}

		// Apply within a transaction
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %s: %w", version, err)
		}
		if _, err := tx.Exec(string(data)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to execute migration %s: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations(version, applied_at) VALUES(?, ?)", version, time.Now()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to commit migration %s: %w", version, err)
		}
	}

	return nil
}

// ensureSchemaMigrationsTable creates schema_migrations if missing and adds
// the `applied_at` column when the table exists but is missing that column.
func ensureSchemaMigrationsTable(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMP)`); err != nil {
		return err
	}

	hasAppliedAt := false
	rows, err := db.Query("PRAGMA table_info(schema_migrations)")
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		// cid, name, type, notnull, dflt_value, pk
		var cid int
		var name string
		var typ string
		var notnull int
		var dflt sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &pk); err != nil {
			return err
		}
		if name == "applied_at" {
			hasAppliedAt = true
			break
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if !hasAppliedAt {
		if _, err := db.Exec("ALTER TABLE schema_migrations ADD COLUMN applied_at TIMESTAMP"); err != nil {
			return fmt.Errorf("failed to add applied_at column to schema_migrations: %w", err)
		}
	}
	return nil
}

// CreateKey inserts a new key row and returns its generated id.
func CreateKey(userID int64, hostName, remoteUUID, email string, expireAt time.Time) (int, error) {
	return store.CreateKey(userID, hostName, remoteUUID, email, expireAt)
}

// UpdateKey applies a partial update to a key. Nil fields are left untouched.
func UpdateKey(id int, upd model.KeyUpdate) error {
	return store.UpdateKey(id, upd)
}

// DeleteKey removes a key by its id.
func DeleteKey(id int) error {
	return store.DeleteKey(id)
}

// DeleteKeyByEmail removes the key with the given email and reports whether a
// row was actually deleted.
func DeleteKeyByEmail(email string) (bool, error) {
	return store.DeleteKeyByEmail(email)
}

// GetKeyByID retrieves a key by its id.
func GetKeyByID(id int) (*model.Key, error) {
	return store.GetKeyByID(id)
}

// GetKeyByEmail retrieves a key by its normalized email.
func GetKeyByEmail(email string) (*model.Key, error) {
	return store.GetKeyByEmail(email)
}

// GetKeyByRemoteUUID retrieves a key by its panel-side client id.
func GetKeyByRemoteUUID(remoteUUID string) (*model.Key, error) {
	return store.GetKeyByRemoteUUID(remoteUUID)
}

// GetAllKeys retrieves all keys from the database.
func GetAllKeys() ([]model.Key, error) {
	return store.GetAllKeys()
}

// GetKeysForHost retrieves all keys registered on the given host.
func GetKeysForHost(hostName string) ([]model.Key, error) {
	return store.GetKeysForHost(hostName)
}

// GetKeysForUser retrieves all keys owned by the given user.
func GetKeysForUser(userID int64) ([]model.Key, error) {
	return store.GetKeysForUser(userID)
}

// GetKeysExpiringBefore returns keys whose expiry lies before t.
func GetKeysExpiringBefore(t time.Time) ([]model.Key, error) {
	return store.GetKeysExpiringBefore(t)
}

// ClaimOrphanKey inserts a key for a panel client that has no local row yet.
// The claim is atomic: when another writer already claimed the email, no row
// is inserted and claimed is false.
func ClaimOrphanKey(userID int64, hostName, remoteUUID, email string, expireAt time.Time) (id int, claimed bool, err error) {
	return store.ClaimOrphanKey(userID, hostName, remoteUUID, email, expireAt)
}

// CountKeys returns the total number of keys.
func CountKeys() (int, error) {
	return store.CountKeys()
}

// AddHost registers a new panel host.
func AddHost(h model.Host) error {
	return store.AddHost(h)
}

// UpdateHost updates the connection details of a host. Probe results are
// preserved.
func UpdateHost(h model.Host) error {
	return store.UpdateHost(h)
}

// DeleteHost removes a host registration.
func DeleteHost(name string) error {
	return store.DeleteHost(name)
}

// RenameHost renames a host and cascades the new name to all referencing
// keys and plans in a single transaction.
func RenameHost(oldName, newName string) error {
	return store.RenameHost(oldName, newName)
}

// GetHost retrieves a host by its normalized name.
func GetHost(name string) (*model.Host, error) {
	return store.GetHost(name)
}

// GetAllHosts retrieves all registered hosts.
func GetAllHosts() ([]model.Host, error) {
	return store.GetAllHosts()
}

// SetHostProbeResult records the latest reachability probe for a host.
func SetHostProbeResult(name string, latencyMS int64, at time.Time) error {
	return store.SetHostProbeResult(name, latencyMS, at)
}

// AddPlan creates a tariff plan for a host and returns its id.
func AddPlan(p model.Plan) (int, error) {
	return store.AddPlan(p)
}

// DeletePlan removes a plan by id.
func DeletePlan(id int) error {
	return store.DeletePlan(id)
}

// GetPlansForHost returns the plans offered on a host.
func GetPlansForHost(hostName string) ([]model.Plan, error) {
	return store.GetPlansForHost(hostName)
}

// GetAllPlans retrieves all plans.
func GetAllPlans() ([]model.Plan, error) {
	return store.GetAllPlans()
}

// EnsureUser creates the user row if it does not exist and refreshes the
// username when one is provided.
func EnsureUser(id int64, username string) error {
	return store.EnsureUser(id, username)
}

// UserExists reports whether a user row exists for the given id.
func UserExists(id int64) (bool, error) {
	return store.UserExists(id)
}

// GetUser retrieves a user by id.
func GetUser(id int64) (*model.User, error) {
	return store.GetUser(id)
}

// GetAllUsers retrieves all users.
func GetAllUsers() ([]model.User, error) {
	return store.GetAllUsers()
}

// AdjustUserBalance applies delta to the user's balance. The adjustment is
// atomic and fails with ErrInsufficientFunds when it would go negative.
func AdjustUserBalance(id int64, delta float64) error {
	return store.AdjustUserBalance(id, delta)
}

// GetSetting returns the value for key, or an empty string when unset.
func GetSetting(key string) (string, error) {
	return store.GetSetting(key)
}

// SetSetting stores a key/value pair, replacing any previous value.
func SetSetting(key, value string) error {
	return store.SetSetting(key, value)
}

// GetAllAuditLogEntries retrieves all entries from the audit log, most recent first.
func GetAllAuditLogEntries() ([]model.AuditLogEntry, error) {
	return store.GetAllAuditLogEntries()
}

// LogAction records an audit trail event.
func LogAction(action string, details string) error {
	return store.LogAction(action, details)
}

// SnapshotTo writes a consistent copy of the live database to path.
func SnapshotTo(ctx context.Context, path string) error {
	return store.SnapshotTo(ctx, path)
}
