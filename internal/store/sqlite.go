// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Tenants, identity registry, bots, usage and activity with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
//
// The pool is limited to one connection: every transaction in this package
// is then serialized inside the process, which is what makes the capacity
// check in CreateBot atomic. busy_timeout covers other processes sharing the file.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", p, err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS tenants (
			name           TEXT PRIMARY KEY,
			max_capacity   INTEGER NOT NULL,
			observed_count INTEGER NOT NULL DEFAULT 0,
			status         TEXT NOT NULL DEFAULT 'active',
			description    TEXT NOT NULL DEFAULT '',
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL,

			CHECK (status IN ('active', 'disabled')),
			CHECK (max_capacity >= 0)
		);

		CREATE TABLE IF NOT EXISTS identities (
			identity      TEXT PRIMARY KEY,
			tenant        TEXT NOT NULL REFERENCES tenants(name),
			registered_at TEXT NOT NULL,
			updated_at    TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_identities_tenant ON identities(tenant);

		CREATE TABLE IF NOT EXISTS bots (
			bot_id            TEXT PRIMARY KEY,
			display_name      TEXT NOT NULL DEFAULT '',
			identity          TEXT,
			status            TEXT NOT NULL,
			approval_status   TEXT NOT NULL,
			approval_date     TEXT,
			expiration_months INTEGER NOT NULL DEFAULT 0,
			credentials       BLOB,
			settings_json     TEXT,
			tenant            TEXT NOT NULL REFERENCES tenants(name),
			created_at        TEXT NOT NULL,
			updated_at        TEXT NOT NULL,

			CHECK (status IN ('pending_validation', 'dormant', 'loading', 'online', 'offline', 'error', 'rejected')),
			CHECK (approval_status IN ('pending', 'approved', 'rejected'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_bots_identity ON bots(identity);
		CREATE INDEX IF NOT EXISTS idx_bots_tenant ON bots(tenant);
		CREATE INDEX IF NOT EXISTS idx_bots_approval ON bots(approval_status, status);

		CREATE TABLE IF NOT EXISTS bot_usage (
			bot_id     TEXT NOT NULL REFERENCES bots(bot_id) ON DELETE CASCADE,
			counter    TEXT NOT NULL,
			value      INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL,

			PRIMARY KEY (bot_id, counter)
		);

		CREATE TABLE IF NOT EXISTS activity (
			activity_id TEXT PRIMARY KEY,
			bot_id      TEXT NOT NULL DEFAULT '',
			tenant      TEXT NOT NULL DEFAULT '',
			identity    TEXT NOT NULL DEFAULT '',
			action      TEXT NOT NULL,
			actor       TEXT NOT NULL,
			ts          TEXT NOT NULL,
			detail_json TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_activity_ts ON activity(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_activity_bot ON activity(bot_id);
		CREATE INDEX IF NOT EXISTS idx_activity_tenant ON activity(tenant);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "bots",
			column: "last_connected_at",
			apply:  `ALTER TABLE bots ADD COLUMN last_connected_at TEXT`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(
			`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column,
		).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func formatNullTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := formatTime(*t)
	return &v
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// ---------------------------------------------------------------------------
// Tenants

const tenantColumns = `name, max_capacity, observed_count, status, description, created_at, updated_at`

func scanTenant(scanner interface{ Scan(dest ...any) error }) (*Tenant, error) {
	var t Tenant
	var status, createdAt, updatedAt string
	if err := scanner.Scan(&t.Name, &t.MaxCapacity, &t.ObservedCount, &status, &t.Description, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	t.Status = TenantStatus(status)

	var err error
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &t, nil
}

// EnsureTenant creates the tenant if it does not exist and returns it.
func (s *SQLiteStore) EnsureTenant(ctx context.Context, name string, defaultCapacity int) (*Tenant, error) {
	now := formatTime(time.Now())
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants (name, max_capacity, observed_count, status, description, created_at, updated_at)
		VALUES (?, ?, 0, 'active', '', ?, ?)
		ON CONFLICT(name) DO NOTHING
	`, name, defaultCapacity, now, now)
	if err != nil {
		return nil, fmt.Errorf("ensuring tenant: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Info("created tenant", "tenant", name, "max_capacity", defaultCapacity)
	}
	return s.GetTenant(ctx, name)
}

// GetTenant retrieves a tenant by name.
// Returns ErrNotFound if the tenant doesn't exist.
func (s *SQLiteStore) GetTenant(ctx context.Context, name string) (*Tenant, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE name = ?`, name)
	t, err := scanTenant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying tenant: %w", err)
	}
	return t, nil
}

// ListTenants returns all tenants ordered by name.
func (s *SQLiteStore) ListTenants(ctx context.Context) ([]*Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+tenantColumns+` FROM tenants ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying tenants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	tenants := []*Tenant{}
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning tenant: %w", err)
		}
		tenants = append(tenants, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tenants: %w", err)
	}
	return tenants, nil
}

// UpdateTenant applies the non-nil fields of update.
func (s *SQLiteStore) UpdateTenant(ctx context.Context, name string, update TenantUpdate) (*Tenant, error) {
	var sets []string
	var args []any

	if update.MaxCapacity != nil {
		if *update.MaxCapacity < 0 {
			return nil, fmt.Errorf("max capacity must not be negative: %d", *update.MaxCapacity)
		}
		sets = append(sets, "max_capacity = ?")
		args = append(args, *update.MaxCapacity)
	}
	if update.Status != nil {
		if *update.Status != TenantActive && *update.Status != TenantDisabled {
			return nil, fmt.Errorf("invalid tenant status %q", *update.Status)
		}
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *update.Description)
	}
	if len(sets) == 0 {
		return s.GetTenant(ctx, name)
	}

	sets = append(sets, "updated_at = ?")
	args = append(args, formatTime(time.Now()), name)

	res, err := s.db.ExecContext(ctx, `UPDATE tenants SET `+strings.Join(sets, ", ")+` WHERE name = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("updating tenant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.GetTenant(ctx, name)
}

// RecountTenant recomputes observed_count from the bots table.
func (s *SQLiteStore) RecountTenant(ctx context.Context, name string) (int, error) {
	return recountTenant(ctx, s.db, name)
}

func recountTenant(ctx context.Context, q querier, name string) (int, error) {
	var count int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM bots WHERE tenant = ?`, name).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting bots for tenant %q: %w", name, err)
	}
	res, err := q.ExecContext(ctx,
		`UPDATE tenants SET observed_count = ?, updated_at = ? WHERE name = ?`,
		count, formatTime(time.Now()), name)
	if err != nil {
		return 0, fmt.Errorf("persisting count for tenant %q: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrNotFound
	}
	return count, nil
}

// ---------------------------------------------------------------------------
// Identity registry

func scanIdentity(scanner interface{ Scan(dest ...any) error }) (*IdentityEntry, error) {
	var e IdentityEntry
	var registeredAt, updatedAt string
	if err := scanner.Scan(&e.Identity, &e.Tenant, &registeredAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if e.RegisteredAt, err = parseTime(registeredAt); err != nil {
		return nil, fmt.Errorf("parsing registered_at: %w", err)
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &e, nil
}

func getIdentity(ctx context.Context, q querier, identity string) (*IdentityEntry, error) {
	row := q.QueryRowContext(ctx,
		`SELECT identity, tenant, registered_at, updated_at FROM identities WHERE identity = ?`, identity)
	e, err := scanIdentity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying identity: %w", err)
	}
	return e, nil
}

// GetIdentity retrieves the registry entry for an identity.
// Returns ErrNotFound if the identity is not registered.
func (s *SQLiteStore) GetIdentity(ctx context.Context, identity string) (*IdentityEntry, error) {
	return getIdentity(ctx, s.db, identity)
}

// ClaimIdentity inserts the entry unless one exists, then returns the stored entry.
func (s *SQLiteStore) ClaimIdentity(ctx context.Context, identity, tenant string) (*IdentityEntry, error) {
	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identities (identity, tenant, registered_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(identity) DO NOTHING
	`, identity, tenant, now, now)
	if err != nil {
		return nil, fmt.Errorf("claiming identity: %w", err)
	}
	return getIdentity(ctx, s.db, identity)
}

// MoveIdentity rewrites the owner of an identity and re-owns its bot, if any.
func (s *SQLiteStore) MoveIdentity(ctx context.Context, identity, tenant string) (*IdentityEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	previous := ""
	if e, err := getIdentity(ctx, tx, identity); err == nil {
		previous = e.Tenant
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := formatTime(time.Now())
	_, err = tx.ExecContext(ctx, `
		INSERT INTO identities (identity, tenant, registered_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET tenant = excluded.tenant, updated_at = excluded.updated_at
	`, identity, tenant, now, now)
	if err != nil {
		return nil, fmt.Errorf("moving identity: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE bots SET tenant = ?, updated_at = ? WHERE identity = ?`, tenant, now, identity); err != nil {
		return nil, fmt.Errorf("re-owning bot: %w", err)
	}

	if _, err := recountTenant(ctx, tx, tenant); err != nil {
		return nil, err
	}
	if previous != "" && previous != tenant {
		if _, err := recountTenant(ctx, tx, previous); err != nil {
			return nil, err
		}
	}

	entry, err := getIdentity(ctx, tx, identity)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing identity move: %w", err)
	}

	s.logger.Debug("moved identity", "identity", identity, "from", previous, "to", tenant)
	return entry, nil
}

// DeleteIdentity removes a registry entry. Deleting an absent entry is not an error.
func (s *SQLiteStore) DeleteIdentity(ctx context.Context, identity string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM identities WHERE identity = ?`, identity); err != nil {
		return fmt.Errorf("deleting identity: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Bots

const botColumns = `bot_id, display_name, identity, status, approval_status, approval_date,
	expiration_months, credentials, settings_json, tenant, last_connected_at, created_at, updated_at`

func scanBot(scanner interface{ Scan(dest ...any) error }) (*BotInstance, error) {
	var b BotInstance
	var identity, approvalDate, settingsJSON, lastConnected sql.NullString
	var status, approval, createdAt, updatedAt string

	if err := scanner.Scan(
		&b.ID,
		&b.DisplayName,
		&identity,
		&status,
		&approval,
		&approvalDate,
		&b.ExpirationMonths,
		&b.Credentials,
		&settingsJSON,
		&b.Tenant,
		&lastConnected,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	b.Identity = identity.String
	b.Status = BotStatus(status)
	b.ApprovalStatus = ApprovalStatus(approval)

	var err error
	if b.ApprovalDate, err = parseNullTime(approvalDate); err != nil {
		return nil, fmt.Errorf("parsing approval_date: %w", err)
	}
	if b.LastConnectedAt, err = parseNullTime(lastConnected); err != nil {
		return nil, fmt.Errorf("parsing last_connected_at: %w", err)
	}
	if b.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if b.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if settingsJSON.Valid && settingsJSON.String != "" {
		if err := json.Unmarshal([]byte(settingsJSON.String), &b.Settings); err != nil {
			return nil, fmt.Errorf("unmarshaling settings: %w", err)
		}
	}
	return &b, nil
}

func marshalSettings(settings map[string]any) (*string, error) {
	if settings == nil {
		return nil, nil
	}
	data, err := json.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("marshaling settings: %w", err)
	}
	str := string(data)
	return &str, nil
}

// CreateBot inserts a bot under its tenant's capacity, atomically.
func (s *SQLiteStore) CreateBot(ctx context.Context, bot *BotInstance) error {
	now := time.Now().UTC()
	if bot.CreatedAt.IsZero() {
		bot.CreatedAt = now
	}
	if bot.UpdatedAt.IsZero() {
		bot.UpdatedAt = now
	}

	settings, err := marshalSettings(bot.Settings)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var maxCapacity int
	var status string
	err = tx.QueryRowContext(ctx, `SELECT max_capacity, status FROM tenants WHERE name = ?`, bot.Tenant).
		Scan(&maxCapacity, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("tenant %q: %w", bot.Tenant, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("querying tenant: %w", err)
	}
	if TenantStatus(status) != TenantActive {
		return ErrTenantDisabled
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM bots WHERE tenant = ?`, bot.Tenant).Scan(&count); err != nil {
		return fmt.Errorf("counting bots: %w", err)
	}
	if count >= maxCapacity {
		return ErrTenantFull
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO bots (`+botColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		bot.ID,
		bot.DisplayName,
		nullString(bot.Identity),
		string(bot.Status),
		string(bot.ApprovalStatus),
		formatNullTime(bot.ApprovalDate),
		bot.ExpirationMonths,
		bot.Credentials,
		settings,
		bot.Tenant,
		formatNullTime(bot.LastConnectedAt),
		formatTime(bot.CreatedAt),
		formatTime(bot.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateIdentity
		}
		return fmt.Errorf("inserting bot: %w", err)
	}

	if _, err := recountTenant(ctx, tx, bot.Tenant); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing bot: %w", err)
	}

	s.logger.Debug("created bot", "id", bot.ID, "tenant", bot.Tenant, "identity", bot.Identity)
	return nil
}

// GetBot retrieves a bot by ID.
// Returns ErrNotFound if the bot doesn't exist.
func (s *SQLiteStore) GetBot(ctx context.Context, id string) (*BotInstance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+botColumns+` FROM bots WHERE bot_id = ?`, id)
	b, err := scanBot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying bot: %w", err)
	}
	return b, nil
}

// GetBotByIdentity retrieves the bot bound to an identity.
// Returns ErrNotFound if no bot is bound.
func (s *SQLiteStore) GetBotByIdentity(ctx context.Context, identity string) (*BotInstance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+botColumns+` FROM bots WHERE identity = ?`, identity)
	b, err := scanBot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying bot by identity: %w", err)
	}
	return b, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// ListBots returns bots matching the filter, oldest first.
func (s *SQLiteStore) ListBots(ctx context.Context, filter BotFilter) ([]*BotInstance, error) {
	var where []string
	var args []any

	if len(filter.Tenants) > 0 {
		where = append(where, "tenant IN ("+placeholders(len(filter.Tenants))+")")
		for _, t := range filter.Tenants {
			args = append(args, t)
		}
	}
	if len(filter.Status) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Status))+")")
		for _, st := range filter.Status {
			args = append(args, string(st))
		}
	}
	if filter.ApprovalStatus != "" {
		where = append(where, "approval_status = ?")
		args = append(args, string(filter.ApprovalStatus))
	}
	if filter.RequireCredentials {
		where = append(where, "credentials IS NOT NULL AND length(credentials) > 0")
	}

	query := `SELECT ` + botColumns + ` FROM bots`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, rowid`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying bots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	bots := []*BotInstance{}
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning bot: %w", err)
		}
		bots = append(bots, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating bots: %w", err)
	}
	return bots, nil
}

// CountBots returns the live number of bots owned by a tenant.
func (s *SQLiteStore) CountBots(ctx context.Context, tenant string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bots WHERE tenant = ?`, tenant).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting bots: %w", err)
	}
	return count, nil
}

// execBotUpdate runs an UPDATE against one bot and maps zero rows to ErrNotFound.
func (s *SQLiteStore) execBotUpdate(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating bot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateBotStatus sets the runtime status of a bot.
func (s *SQLiteStore) UpdateBotStatus(ctx context.Context, id string, status BotStatus) error {
	return s.execBotUpdate(ctx,
		`UPDATE bots SET status = ?, updated_at = ? WHERE bot_id = ?`,
		string(status), formatTime(time.Now()), id)
}

// MarkBotConnected sets status online and records the connection time.
func (s *SQLiteStore) MarkBotConnected(ctx context.Context, id string, at time.Time) error {
	return s.execBotUpdate(ctx,
		`UPDATE bots SET status = 'online', last_connected_at = ?, updated_at = ? WHERE bot_id = ?`,
		formatTime(at), formatTime(time.Now()), id)
}

// UpdateBotCredentials replaces the stored credential blob.
func (s *SQLiteStore) UpdateBotCredentials(ctx context.Context, id string, credentials []byte) error {
	return s.execBotUpdate(ctx,
		`UPDATE bots SET credentials = ?, updated_at = ? WHERE bot_id = ?`,
		credentials, formatTime(time.Now()), id)
}

// UpdateBotSettings replaces the feature settings object.
func (s *SQLiteStore) UpdateBotSettings(ctx context.Context, id string, settings map[string]any) error {
	encoded, err := marshalSettings(settings)
	if err != nil {
		return err
	}
	return s.execBotUpdate(ctx,
		`UPDATE bots SET settings_json = ?, updated_at = ? WHERE bot_id = ?`,
		encoded, formatTime(time.Now()), id)
}

// ApproveBot marks the bot approved and loading.
func (s *SQLiteStore) ApproveBot(ctx context.Context, id string, at time.Time, months int) error {
	return s.execBotUpdate(ctx, `
		UPDATE bots
		SET approval_status = 'approved', status = 'loading', approval_date = ?, expiration_months = ?, updated_at = ?
		WHERE bot_id = ?
	`, formatTime(at), months, formatTime(time.Now()), id)
}

// ExpireBot reverts an approval, guarded by the approval date that was read.
func (s *SQLiteStore) ExpireBot(ctx context.Context, id string, approvedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE bots
		SET approval_status = 'pending', status = 'offline', approval_date = NULL, expiration_months = 0, updated_at = ?
		WHERE bot_id = ? AND approval_status = 'approved' AND approval_date = ?
	`, formatTime(time.Now()), id, formatTime(approvedAt))
	if err != nil {
		return fmt.Errorf("expiring bot: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := s.GetBot(ctx, id); err != nil {
		return err
	}
	return ErrStaleApproval
}

// DeleteBot removes a bot and its usage rows and recounts its tenant.
func (s *SQLiteStore) DeleteBot(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var tenant string
	err = tx.QueryRowContext(ctx, `SELECT tenant FROM bots WHERE bot_id = ?`, id).Scan(&tenant)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("querying bot: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM bot_usage WHERE bot_id = ?`, id); err != nil {
		return fmt.Errorf("deleting usage: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM bots WHERE bot_id = ?`, id); err != nil {
		return fmt.Errorf("deleting bot: %w", err)
	}
	if _, err := recountTenant(ctx, tx, tenant); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing delete: %w", err)
	}

	s.logger.Debug("deleted bot", "id", id, "tenant", tenant)
	return nil
}

// IncrementUsage adds delta to a usage counter, creating it at zero if needed.
func (s *SQLiteStore) IncrementUsage(ctx context.Context, id string, counter UsageCounter, delta int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bot_usage (bot_id, counter, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(bot_id, counter) DO UPDATE SET value = value + excluded.value, updated_at = excluded.updated_at
	`, id, string(counter), delta, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("incrementing usage: %w", err)
	}
	return nil
}

// GetUsage returns all usage counters for a bot.
func (s *SQLiteStore) GetUsage(ctx context.Context, id string) (map[UsageCounter]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT counter, value FROM bot_usage WHERE bot_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("querying usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	usage := make(map[UsageCounter]int64)
	for rows.Next() {
		var counter string
		var value int64
		if err := rows.Scan(&counter, &value); err != nil {
			return nil, fmt.Errorf("scanning usage: %w", err)
		}
		usage[UsageCounter(counter)] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating usage: %w", err)
	}
	return usage, nil
}
