// Package sqlite implements the C1 Store port on top of modernc.org/sqlite.
// It opens the database in WAL mode, serializes writes by limiting the pool
// to a single connection so transactions run one at a time (mirroring the
// base repository's atomic flock+rename discipline, expressed here as SQL
// transactions instead), and runs migrations from an ordered SQL slice
// tracked in schema_migrations.
package sqlite

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

	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/gateway"
)

// migrations is the ordered list of schema changes. Each entry is applied
// exactly once, tracked by index in schema_migrations.
var migrations = []string{
	`CREATE TABLE schema_migrations (version INTEGER NOT NULL PRIMARY KEY, applied_at TEXT NOT NULL)`,

	`CREATE TABLE servers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		url TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		status TEXT NOT NULL DEFAULT 'pending',
		last_seen_at TEXT,
		last_error TEXT NOT NULL DEFAULT '',
		tool_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,

	`CREATE TABLE oauth_providers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		issuer TEXT NOT NULL,
		client_id TEXT NOT NULL,
		client_secret_ciphertext BLOB NOT NULL,
		auth_url TEXT NOT NULL,
		token_url TEXT NOT NULL,
		userinfo_url TEXT NOT NULL DEFAULT '',
		scopes TEXT NOT NULL DEFAULT '[]',
		ad_group_claim TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,

	`CREATE TABLE users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		provider_id TEXT NOT NULL DEFAULT '',
		disabled INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,

	`CREATE TABLE roles (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		permissions TEXT NOT NULL DEFAULT '[]',
		is_system INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,

	`CREATE TABLE role_bindings (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		role_id TEXT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
		created_at TEXT NOT NULL,
		UNIQUE(user_id, role_id)
	)`,

	`CREATE TABLE server_acls (
		id TEXT PRIMARY KEY,
		role_id TEXT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
		server_id TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
		tool_pattern TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		UNIQUE(role_id, server_id)
	)`,

	`CREATE TABLE ad_group_mappings (
		id TEXT PRIMARY KEY,
		group_dn TEXT NOT NULL,
		role_id TEXT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
		created_at TEXT NOT NULL
	)`,

	`CREATE TABLE audit_events (
		event_id TEXT PRIMARY KEY,
		ts TEXT NOT NULL,
		kind TEXT NOT NULL,
		severity TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		user_email TEXT NOT NULL DEFAULT '',
		ip TEXT NOT NULL DEFAULT '',
		resource_type TEXT NOT NULL DEFAULT '',
		resource_id TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL DEFAULT '',
		details TEXT NOT NULL DEFAULT '{}',
		success INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE INDEX idx_audit_events_ts ON audit_events(ts)`,
	`CREATE INDEX idx_audit_events_kind ON audit_events(kind)`,

	`CREATE TABLE gateway_config (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		token_ttl_minutes INTEGER NOT NULL,
		rate_limit_rpm INTEGER NOT NULL,
		allowed_origins TEXT NOT NULL DEFAULT '[]',
		audit_retention_days INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	)`,

	`CREATE TABLE bootstrap_credential (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		username TEXT NOT NULL,
		password_hash TEXT NOT NULL
	)`,
}

// Store implements gateway.Store over a single *sql.DB.
type Store struct {
	db     *sql.DB
	seal   Sealer
	logger *slog.Logger
}

// Sealer encrypts/decrypts secret columns at rest. Satisfied by
// internal/domain/crypto.Box.
type Sealer interface {
	Seal(plaintext string) ([]byte, error)
	Open(ciphertext []byte) (string, error)
}

// Open opens (creating if necessary) the SQLite database at path, enables
// WAL mode and foreign keys, and runs any pending migrations.
func Open(path string, seal Sealer, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite allows only one writer at a time; a single connection makes
	// database/sql queue every transaction behind the one in progress
	// instead of surfacing SQLITE_BUSY to callers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, seal: seal, logger: logger}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	var hasTable int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM sqlite_master WHERE type='table' AND name='schema_migrations'`).Scan(&hasTable)
	if err != nil {
		return fmt.Errorf("check schema_migrations: %w", err)
	}

	applied := 0
	if hasTable == 1 {
		if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM schema_migrations`).Scan(&applied); err != nil {
			return fmt.Errorf("count applied migrations: %w", err)
		}
	}

	for i := applied; i < len(migrations); i++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", i, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", i, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
			i, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", i, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", i, err)
		}
		if s.logger != nil {
			s.logger.Debug("applied migration", "version", i)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the underlying database connection is alive, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// withWriteTx runs fn inside a transaction, committing on success and
// rolling back on error. The transaction is an ordinary deferred one; writers
// are serialized because the pool holds a single connection, so only one
// transaction is open at a time.
func (s *Store) withWriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "SELECT 1"); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func timeStr(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func marshalJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

// ---- Servers ----

func (s *Store) ListServers(ctx context.Context) ([]gateway.UpstreamServer, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, url, description, enabled, status,
		last_seen_at, last_error, tool_count, created_at, updated_at FROM servers ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gateway.UpstreamServer
	for rows.Next() {
		var u gateway.UpstreamServer
		var enabled int
		var lastSeen, createdAt, updatedAt string
		if err := rows.Scan(&u.ID, &u.Name, &u.URL, &u.Description, &enabled, &u.Status,
			&lastSeen, &u.LastError, &u.ToolCount, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		u.Enabled = enabled == 1
		u.LastSeenAt = parseTime(lastSeen)
		u.CreatedAt = parseTime(createdAt)
		u.UpdatedAt = parseTime(updatedAt)
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) GetServer(ctx context.Context, id string) (*gateway.UpstreamServer, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, url, description, enabled, status,
		last_seen_at, last_error, tool_count, created_at, updated_at FROM servers WHERE id = ?`, id)
	var u gateway.UpstreamServer
	var enabled int
	var lastSeen, createdAt, updatedAt string
	if err := row.Scan(&u.ID, &u.Name, &u.URL, &u.Description, &enabled, &u.Status,
		&lastSeen, &u.LastError, &u.ToolCount, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, gateway.ErrNotFound
		}
		return nil, err
	}
	u.Enabled = enabled == 1
	u.LastSeenAt = parseTime(lastSeen)
	u.CreatedAt = parseTime(createdAt)
	u.UpdatedAt = parseTime(updatedAt)
	return &u, nil
}

func (s *Store) AddServer(ctx context.Context, u *gateway.UpstreamServer) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO servers
			(id, name, url, description, enabled, status, last_seen_at, last_error, tool_count, created_at, updated_at)
			VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
			u.ID, u.Name, u.URL, u.Description, boolInt(u.Enabled), u.Status,
			timeStr(u.LastSeenAt), u.LastError, u.ToolCount, timeStr(u.CreatedAt), timeStr(u.UpdatedAt))
		if isUniqueViolation(err) {
			return gateway.ErrAlreadyExists
		}
		return err
	})
}

func (s *Store) UpdateServer(ctx context.Context, u *gateway.UpstreamServer) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE servers SET name=?, url=?, description=?, enabled=?,
			status=?, last_seen_at=?, last_error=?, tool_count=?, updated_at=? WHERE id=?`,
			u.Name, u.URL, u.Description, boolInt(u.Enabled), u.Status,
			timeStr(u.LastSeenAt), u.LastError, u.ToolCount, timeStr(u.UpdatedAt), u.ID)
		if err != nil {
			return err
		}
		return requireOneRow(res)
	})
}

func (s *Store) DeleteServer(ctx context.Context, id string) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM server_acls WHERE server_id = ?`, id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM servers WHERE id = ?`, id)
		if err != nil {
			return err
		}
		return requireOneRow(res)
	})
}

// ---- OAuth providers ----

func (s *Store) ListProviders(ctx context.Context) ([]gateway.OAuthProvider, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, issuer, client_id, client_secret_ciphertext,
		auth_url, token_url, userinfo_url, scopes, ad_group_claim, enabled, created_at, updated_at
		FROM oauth_providers ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gateway.OAuthProvider
	for rows.Next() {
		p, err := s.scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scanProvider(row rowScanner) (*gateway.OAuthProvider, error) {
	var p gateway.OAuthProvider
	var ciphertext []byte
	var scopesJSON, createdAt, updatedAt string
	var enabled int
	if err := row.Scan(&p.ID, &p.Name, &p.Issuer, &p.ClientID, &ciphertext,
		&p.AuthURL, &p.TokenURL, &p.UserInfoURL, &scopesJSON, &p.ADGroupClaim,
		&enabled, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.Enabled = enabled == 1
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	_ = json.Unmarshal([]byte(scopesJSON), &p.Scopes)
	if s.seal != nil && len(ciphertext) > 0 {
		secret, err := s.seal.Open(ciphertext)
		if err != nil {
			return nil, fmt.Errorf("decrypt client secret: %w", err)
		}
		p.ClientSecret = secret
	}
	return &p, nil
}

func (s *Store) GetProvider(ctx context.Context, id string) (*gateway.OAuthProvider, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, issuer, client_id, client_secret_ciphertext,
		auth_url, token_url, userinfo_url, scopes, ad_group_claim, enabled, created_at, updated_at
		FROM oauth_providers WHERE id = ?`, id)
	p, err := s.scanProvider(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gateway.ErrNotFound
	}
	return p, err
}

func (s *Store) AddProvider(ctx context.Context, p *gateway.OAuthProvider) error {
	ciphertext, err := s.sealSecret(p.ClientSecret)
	if err != nil {
		return err
	}
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO oauth_providers
			(id, name, issuer, client_id, client_secret_ciphertext, auth_url, token_url, userinfo_url,
			 scopes, ad_group_claim, enabled, created_at, updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			p.ID, p.Name, p.Issuer, p.ClientID, ciphertext, p.AuthURL, p.TokenURL, p.UserInfoURL,
			marshalJSON(p.Scopes), p.ADGroupClaim, boolInt(p.Enabled), timeStr(p.CreatedAt), timeStr(p.UpdatedAt))
		if isUniqueViolation(err) {
			return gateway.ErrAlreadyExists
		}
		return err
	})
}

func (s *Store) UpdateProvider(ctx context.Context, p *gateway.OAuthProvider) error {
	ciphertext, err := s.sealSecret(p.ClientSecret)
	if err != nil {
		return err
	}
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE oauth_providers SET name=?, issuer=?, client_id=?,
			client_secret_ciphertext=?, auth_url=?, token_url=?, userinfo_url=?, scopes=?,
			ad_group_claim=?, enabled=?, updated_at=? WHERE id=?`,
			p.Name, p.Issuer, p.ClientID, ciphertext, p.AuthURL, p.TokenURL, p.UserInfoURL,
			marshalJSON(p.Scopes), p.ADGroupClaim, boolInt(p.Enabled), timeStr(p.UpdatedAt), p.ID)
		if err != nil {
			return err
		}
		return requireOneRow(res)
	})
}

func (s *Store) sealSecret(secret string) ([]byte, error) {
	if s.seal == nil {
		return []byte(secret), nil
	}
	return s.seal.Seal(secret)
}

func (s *Store) DeleteProvider(ctx context.Context, id string) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM oauth_providers WHERE id = ?`, id)
		if err != nil {
			return err
		}
		return requireOneRow(res)
	})
}

// ---- Users ----

func (s *Store) scanUser(row rowScanner) (*gateway.User, error) {
	var u gateway.User
	var disabled int
	var createdAt, updatedAt string
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.ProviderID, &disabled, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	u.Disabled = disabled == 1
	u.CreatedAt = parseTime(createdAt)
	u.UpdatedAt = parseTime(updatedAt)
	return &u, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]gateway.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, email, name, provider_id, disabled, created_at, updated_at
		FROM users ORDER BY email`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []gateway.User
	for rows.Next() {
		u, err := s.scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

func (s *Store) GetUser(ctx context.Context, id string) (*gateway.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, email, name, provider_id, disabled, created_at, updated_at
		FROM users WHERE id = ?`, id)
	u, err := s.scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gateway.ErrNotFound
	}
	return u, err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*gateway.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, email, name, provider_id, disabled, created_at, updated_at
		FROM users WHERE email = ?`, email)
	u, err := s.scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gateway.ErrNotFound
	}
	return u, err
}

func (s *Store) AddUser(ctx context.Context, u *gateway.User) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO users (id, email, name, provider_id, disabled, created_at, updated_at)
			VALUES (?,?,?,?,?,?,?)`,
			u.ID, u.Email, u.Name, u.ProviderID, boolInt(u.Disabled), timeStr(u.CreatedAt), timeStr(u.UpdatedAt))
		if isUniqueViolation(err) {
			return gateway.ErrAlreadyExists
		}
		return err
	})
}

func (s *Store) UpdateUser(ctx context.Context, u *gateway.User) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE users SET email=?, name=?, provider_id=?, disabled=?, updated_at=?
			WHERE id=?`, u.Email, u.Name, u.ProviderID, boolInt(u.Disabled), timeStr(u.UpdatedAt), u.ID)
		if err != nil {
			return err
		}
		return requireOneRow(res)
	})
}

func (s *Store) DeleteUser(ctx context.Context, id string) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM role_bindings WHERE user_id = ?`, id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
		if err != nil {
			return err
		}
		return requireOneRow(res)
	})
}

// ---- Roles ----

func (s *Store) scanRole(row rowScanner) (*gateway.Role, error) {
	var r gateway.Role
	var permsJSON, createdAt, updatedAt string
	var isSystem int
	if err := row.Scan(&r.ID, &r.Name, &r.Description, &permsJSON, &isSystem, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	r.IsSystem = isSystem == 1
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	_ = json.Unmarshal([]byte(permsJSON), &r.Permissions)
	return &r, nil
}

func (s *Store) ListRoles(ctx context.Context) ([]gateway.Role, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, description, permissions, is_system, created_at, updated_at
		FROM roles ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []gateway.Role
	for rows.Next() {
		r, err := s.scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *Store) GetRole(ctx context.Context, id string) (*gateway.Role, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, description, permissions, is_system, created_at, updated_at
		FROM roles WHERE id = ?`, id)
	r, err := s.scanRole(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gateway.ErrNotFound
	}
	return r, err
}

func (s *Store) AddRole(ctx context.Context, r *gateway.Role) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO roles (id, name, description, permissions, is_system, created_at, updated_at)
			VALUES (?,?,?,?,?,?,?)`,
			r.ID, r.Name, r.Description, marshalJSON(r.Permissions), boolInt(r.IsSystem), timeStr(r.CreatedAt), timeStr(r.UpdatedAt))
		if isUniqueViolation(err) {
			return gateway.ErrAlreadyExists
		}
		return err
	})
}

func (s *Store) UpdateRole(ctx context.Context, r *gateway.Role) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE roles SET name=?, description=?, permissions=?, updated_at=?
			WHERE id=?`, r.Name, r.Description, marshalJSON(r.Permissions), timeStr(r.UpdatedAt), r.ID)
		if err != nil {
			return err
		}
		return requireOneRow(res)
	})
}

func (s *Store) DeleteRole(ctx context.Context, id string) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		var isSystem int
		if err := tx.QueryRowContext(ctx, `SELECT is_system FROM roles WHERE id = ?`, id).Scan(&isSystem); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return gateway.ErrNotFound
			}
			return err
		}
		if isSystem == 1 {
			return fmt.Errorf("%w: system roles cannot be deleted", gateway.ErrConflict)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM roles WHERE id = ?`, id)
		if err != nil {
			return err
		}
		return requireOneRow(res)
	})
}

// ---- Role bindings ----

func (s *Store) ListRoleBindings(ctx context.Context, userID string) ([]gateway.RoleBinding, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, role_id, created_at FROM role_bindings WHERE user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []gateway.RoleBinding
	for rows.Next() {
		var b gateway.RoleBinding
		var createdAt string
		if err := rows.Scan(&b.ID, &b.UserID, &b.RoleID, &createdAt); err != nil {
			return nil, err
		}
		b.CreatedAt = parseTime(createdAt)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) AddRoleBinding(ctx context.Context, b *gateway.RoleBinding) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO role_bindings (id, user_id, role_id, created_at) VALUES (?,?,?,?)`,
			b.ID, b.UserID, b.RoleID, timeStr(b.CreatedAt))
		if isUniqueViolation(err) {
			return gateway.ErrAlreadyExists
		}
		return err
	})
}

func (s *Store) DeleteRoleBinding(ctx context.Context, id string) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM role_bindings WHERE id = ?`, id)
		if err != nil {
			return err
		}
		return requireOneRow(res)
	})
}

// ---- Server ACLs ----

func (s *Store) ListServerACLs(ctx context.Context, serverID string) ([]gateway.ServerACL, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role_id, server_id, tool_pattern, created_at FROM server_acls WHERE server_id = ?`, serverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanACLs(rows)
}

func (s *Store) ListServerACLsForRole(ctx context.Context, roleID string) ([]gateway.ServerACL, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role_id, server_id, tool_pattern, created_at FROM server_acls WHERE role_id = ?`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanACLs(rows)
}

func scanACLs(rows *sql.Rows) ([]gateway.ServerACL, error) {
	var out []gateway.ServerACL
	for rows.Next() {
		var a gateway.ServerACL
		var createdAt string
		if err := rows.Scan(&a.ID, &a.RoleID, &a.ServerID, &a.ToolPattern, &createdAt); err != nil {
			return nil, err
		}
		a.CreatedAt = parseTime(createdAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) SetServerACL(ctx context.Context, a *gateway.ServerACL) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO server_acls (id, role_id, server_id, tool_pattern, created_at)
			VALUES (?,?,?,?,?)
			ON CONFLICT(role_id, server_id) DO UPDATE SET tool_pattern=excluded.tool_pattern`,
			a.ID, a.RoleID, a.ServerID, a.ToolPattern, timeStr(a.CreatedAt))
		return err
	})
}

func (s *Store) DeleteServerACLsForServer(ctx context.Context, serverID string) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM server_acls WHERE server_id = ?`, serverID)
		return err
	})
}

// ---- AD group mappings ----

func (s *Store) ListADGroupMappings(ctx context.Context) ([]gateway.ADGroupMapping, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, group_dn, role_id, created_at FROM ad_group_mappings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []gateway.ADGroupMapping
	for rows.Next() {
		var m gateway.ADGroupMapping
		var createdAt string
		if err := rows.Scan(&m.ID, &m.GroupDN, &m.RoleID, &createdAt); err != nil {
			return nil, err
		}
		m.CreatedAt = parseTime(createdAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) AddADGroupMapping(ctx context.Context, m *gateway.ADGroupMapping) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO ad_group_mappings (id, group_dn, role_id, created_at)
			VALUES (?,?,?,?)`, m.ID, m.GroupDN, m.RoleID, timeStr(m.CreatedAt))
		return err
	})
}

func (s *Store) DeleteADGroupMapping(ctx context.Context, id string) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM ad_group_mappings WHERE id = ?`, id)
		if err != nil {
			return err
		}
		return requireOneRow(res)
	})
}

// ---- Audit ----

func (s *Store) AppendAudit(ctx context.Context, e *gateway.AuditEvent) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO audit_events
			(event_id, ts, kind, severity, user_id, user_email, ip, resource_type, resource_id, action, details, success)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
			e.EventID, timeStr(e.Timestamp), e.Kind, e.Severity, e.UserID, e.UserEmail, e.IP,
			e.ResourceType, e.ResourceID, e.Action, marshalJSON(e.Details), boolInt(e.Success))
		return err
	})
}

func (s *Store) QueryAudit(ctx context.Context, f gateway.AuditFilter) ([]gateway.AuditEvent, error) {
	q := strings.Builder{}
	q.WriteString(`SELECT event_id, ts, kind, severity, user_id, user_email, ip, resource_type,
		resource_id, action, details, success FROM audit_events WHERE 1=1`)
	var args []interface{}
	if !f.From.IsZero() {
		q.WriteString(" AND ts >= ?")
		args = append(args, timeStr(f.From))
	}
	if !f.To.IsZero() {
		q.WriteString(" AND ts <= ?")
		args = append(args, timeStr(f.To))
	}
	if f.Kind != "" {
		q.WriteString(" AND kind = ?")
		args = append(args, f.Kind)
	}
	if f.Severity != "" {
		q.WriteString(" AND severity = ?")
		args = append(args, f.Severity)
	}
	if f.UserID != "" {
		q.WriteString(" AND user_id = ?")
		args = append(args, f.UserID)
	}
	if f.UserEmail != "" {
		q.WriteString(" AND user_email = ?")
		args = append(args, f.UserEmail)
	}
	q.WriteString(" ORDER BY ts DESC")
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q.WriteString(" LIMIT ? OFFSET ?")
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gateway.AuditEvent
	for rows.Next() {
		var e gateway.AuditEvent
		var ts, detailsJSON string
		var success int
		if err := rows.Scan(&e.EventID, &ts, &e.Kind, &e.Severity, &e.UserID, &e.UserEmail, &e.IP,
			&e.ResourceType, &e.ResourceID, &e.Action, &detailsJSON, &success); err != nil {
			return nil, err
		}
		e.Timestamp = parseTime(ts)
		e.Success = success == 1
		_ = json.Unmarshal([]byte(detailsJSON), &e.Details)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) PurgeAuditBefore(ctx context.Context, before time.Time) (int64, error) {
	var affected int64
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM audit_events WHERE ts < ?`, timeStr(before))
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

// ---- Config ----

func (s *Store) GetConfig(ctx context.Context) (*gateway.GatewayConfig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT token_ttl_minutes, rate_limit_rpm, allowed_origins,
		audit_retention_days, updated_at FROM gateway_config WHERE id = 1`)
	var c gateway.GatewayConfig
	var originsJSON, updatedAt string
	if err := row.Scan(&c.TokenTTLMinutes, &c.RateLimitRPM, &originsJSON, &c.AuditRetentionDays, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, gateway.ErrNotFound
		}
		return nil, err
	}
	c.UpdatedAt = parseTime(updatedAt)
	_ = json.Unmarshal([]byte(originsJSON), &c.AllowedOrigins)
	return &c, nil
}

func (s *Store) SetConfig(ctx context.Context, c *gateway.GatewayConfig) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO gateway_config
			(id, token_ttl_minutes, rate_limit_rpm, allowed_origins, audit_retention_days, updated_at)
			VALUES (1,?,?,?,?,?)
			ON CONFLICT(id) DO UPDATE SET token_ttl_minutes=excluded.token_ttl_minutes,
				rate_limit_rpm=excluded.rate_limit_rpm, allowed_origins=excluded.allowed_origins,
				audit_retention_days=excluded.audit_retention_days, updated_at=excluded.updated_at`,
			c.TokenTTLMinutes, c.RateLimitRPM, marshalJSON(c.AllowedOrigins), c.AuditRetentionDays, timeStr(c.UpdatedAt))
		return err
	})
}

// ---- Bootstrap credential ----

func (s *Store) GetBootstrapCredential(ctx context.Context) (*gateway.AdminBootstrapCredential, error) {
	row := s.db.QueryRowContext(ctx, `SELECT username, password_hash FROM bootstrap_credential WHERE id = 1`)
	var c gateway.AdminBootstrapCredential
	if err := row.Scan(&c.Username, &c.PasswordHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, gateway.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *Store) SetBootstrapCredential(ctx context.Context, c *gateway.AdminBootstrapCredential) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO bootstrap_credential (id, username, password_hash)
			VALUES (1,?,?)
			ON CONFLICT(id) DO UPDATE SET username=excluded.username, password_hash=excluded.password_hash`,
			c.Username, c.PasswordHash)
		return err
	})
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return gateway.ErrNotFound
	}
	return nil
}

var _ gateway.Store = (*Store)(nil)
