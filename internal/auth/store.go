// Package auth implements password login, JWT issuance with refresh
// rotation and scope-based request authorization.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrNotFound = errors.New("record not found")
)

// User is one account row with its resolved scopes.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	GroupCode    string
	Active       bool
	Scopes       []string
}

// RefreshToken is one issued refresh token. Revoked tokens keep their row
// with yn = 0 so replays are detectable.
type RefreshToken struct {
	JTI       string
	Username  string
	Scopes    []string
	ExpiresAt time.Time
	Active    bool
}

// Store wraps the auth SQLite database.
type Store struct {
	db *sql.DB
}

// NewStore opens the auth database and creates missing tables.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open auth database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS user (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			username      TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			group_code    TEXT NOT NULL DEFAULT '',
			yn            INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS scope (
			scope_name TEXT PRIMARY KEY,
			scope_desc TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS group_scope_rel (
			group_code TEXT NOT NULL,
			scope_name TEXT NOT NULL,
			PRIMARY KEY (group_code, scope_name)
		)`,
		`CREATE TABLE IF NOT EXISTS refresh_token (
			jti        TEXT PRIMARY KEY,
			username   TEXT NOT NULL,
			scopes     TEXT NOT NULL DEFAULT '',
			expires_at TIMESTAMP NOT NULL,
			yn         INTEGER NOT NULL DEFAULT 1
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate auth schema: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// GetUser loads a user and the scopes its group grants.
func (s *Store) GetUser(ctx context.Context, username string) (*User, error) {
	user := &User{}
	var yn int
	var scopes sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.username, u.password_hash, u.group_code, u.yn,
		       GROUP_CONCAT(gsr.scope_name)
		FROM user u
		LEFT JOIN group_scope_rel gsr ON gsr.group_code = u.group_code
		WHERE u.username = ?
		GROUP BY u.id`,
		username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.GroupCode, &yn, &scopes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	user.Active = yn == 1
	if scopes.Valid && scopes.String != "" {
		user.Scopes = strings.Split(scopes.String, ",")
	}
	return user, nil
}

// CreateUser inserts an account. Used by the CLI bootstrap command.
func (s *Store) CreateUser(ctx context.Context, username, passwordHash, groupCode string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO user (username, password_hash, group_code) VALUES (?, ?, ?)",
		username, passwordHash, groupCode)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// SeedScopes inserts any missing scope rows and grants them to a group.
func (s *Store) SeedScopes(ctx context.Context, scopes map[string]string, groupCode string) error {
	for name, desc := range scopes {
		if _, err := s.db.ExecContext(ctx,
			"INSERT OR IGNORE INTO scope (scope_name, scope_desc) VALUES (?, ?)", name, desc); err != nil {
			return fmt.Errorf("seed scope %s: %w", name, err)
		}
		if groupCode == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx,
			"INSERT OR IGNORE INTO group_scope_rel (group_code, scope_name) VALUES (?, ?)", groupCode, name); err != nil {
			return fmt.Errorf("grant scope %s: %w", name, err)
		}
	}
	return nil
}

// ListScopes returns every registered scope with its description.
func (s *Store) ListScopes(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT scope_name, scope_desc FROM scope")
	if err != nil {
		return nil, fmt.Errorf("list scopes: %w", err)
	}
	defer rows.Close()

	scopes := make(map[string]string)
	for rows.Next() {
		var name, desc string
		if err := rows.Scan(&name, &desc); err != nil {
			return nil, fmt.Errorf("scan scope row: %w", err)
		}
		scopes[name] = desc
	}
	return scopes, rows.Err()
}

// SaveRefreshToken records a newly issued refresh token.
func (s *Store) SaveRefreshToken(ctx context.Context, token RefreshToken) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO refresh_token (jti, username, scopes, expires_at) VALUES (?, ?, ?, ?)",
		token.JTI, token.Username, strings.Join(token.Scopes, ","), token.ExpiresAt)
	if err != nil {
		return fmt.Errorf("save refresh token: %w", err)
	}
	return nil
}

// GetRefreshToken loads a refresh token row by jti.
func (s *Store) GetRefreshToken(ctx context.Context, jti string) (*RefreshToken, error) {
	token := &RefreshToken{}
	var yn int
	var scopes string
	err := s.db.QueryRowContext(ctx,
		"SELECT jti, username, scopes, expires_at, yn FROM refresh_token WHERE jti = ?",
		jti).Scan(&token.JTI, &token.Username, &scopes, &token.ExpiresAt, &yn)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query refresh token: %w", err)
	}
	token.Active = yn == 1
	if scopes != "" {
		token.Scopes = strings.Split(scopes, ",")
	}
	return token, nil
}

// RevokeRefreshToken marks a refresh token unusable. Idempotent.
func (s *Store) RevokeRefreshToken(ctx context.Context, jti string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE refresh_token SET yn = 0 WHERE jti = ?", jti)
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}
