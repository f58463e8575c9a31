// Package pipeline runs the staged context-building flow: each stage reads
// the session state, computes, and writes its keys back through a shared
// state store. Stages are resumable; re-running one overwrites its keys.
package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	_ "github.com/mattn/go-sqlite3"
)

// State is the session's accumulated key set. Values stay raw until a stage
// needs them typed.
type State map[string]json.RawMessage

// Get unmarshals one key into v. Returns false when the key is absent.
func (s State) Get(key string, v any) (bool, error) {
	raw, ok := s[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode state key %s: %w", key, err)
	}
	return true, nil
}

// GetString returns a string-valued key or "".
func (s State) GetString(key string) string {
	var v string
	_, _ = s.Get(key, &v)
	return v
}

// GetStrings returns a string-list key or nil.
func (s State) GetStrings(key string) []string {
	var v []string
	_, _ = s.Get(key, &v)
	return v
}

// Patch builds a State from plain values.
func Patch(kv map[string]any) (State, error) {
	patch := make(State, len(kv))
	for key, value := range kv {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encode state key %s: %w", key, err)
		}
		patch[key] = raw
	}
	return patch, nil
}

// StateStore persists session state. Write merges the patch into the stored
// state additively; the last writer of a key wins.
type StateStore interface {
	Read(ctx context.Context, sessionID string) (State, error)
	Write(ctx context.Context, sessionID string, patch State) error
	Close() error
}

// FileStore keeps one state.json per session under a directory, guarded by
// an advisory file lock so concurrent stages serialize their merges.
type FileStore struct {
	dir string
}

// NewFileStore creates the session directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) paths(sessionID string) (dir, state, lock string) {
	dir = filepath.Join(f.dir, sessionID)
	return dir, filepath.Join(dir, "state.json"), filepath.Join(dir, "state.lock")
}

func (f *FileStore) Read(ctx context.Context, sessionID string) (State, error) {
	dir, statePath, lockPath := f.paths(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session %s: %w", sessionID, err)
	}

	lock := flock.New(lockPath)
	if _, err := lock.TryLockContext(ctx, 50*time.Millisecond); err != nil {
		return nil, fmt.Errorf("lock session %s: %w", sessionID, err)
	}
	defer lock.Unlock()

	return readStateFile(statePath)
}

func (f *FileStore) Write(ctx context.Context, sessionID string, patch State) error {
	dir, statePath, lockPath := f.paths(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session %s: %w", sessionID, err)
	}

	lock := flock.New(lockPath)
	if _, err := lock.TryLockContext(ctx, 50*time.Millisecond); err != nil {
		return fmt.Errorf("lock session %s: %w", sessionID, err)
	}
	defer lock.Unlock()

	state, err := readStateFile(statePath)
	if err != nil {
		return err
	}
	for key, value := range patch {
		state[key] = value
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode session state: %w", err)
	}
	tmp := statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write session state: %w", err)
	}
	if err := os.Rename(tmp, statePath); err != nil {
		return fmt.Errorf("replace session state: %w", err)
	}
	return nil
}

func (f *FileStore) Close() error { return nil }

func readStateFile(path string) (State, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return State{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session state: %w", err)
	}
	state := State{}
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode session state: %w", err)
	}
	return state, nil
}

// SQLiteStore keeps session state in a single-table SQLite database. WAL
// mode lets the API process and CLI runs share one file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the state database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS session_state (
			session_id TEXT PRIMARY KEY,
			state      TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create session_state table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Read(ctx context.Context, sessionID string) (State, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		"SELECT state FROM session_state WHERE session_id = ?", sessionID).Scan(&raw)
	if err == sql.ErrNoRows {
		return State{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session state: %w", err)
	}
	state := State{}
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("decode session state: %w", err)
	}
	return state, nil
}

func (s *SQLiteStore) Write(ctx context.Context, sessionID string, patch State) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin state write: %w", err)
	}
	defer tx.Rollback()

	state := State{}
	var raw string
	err = tx.QueryRowContext(ctx,
		"SELECT state FROM session_state WHERE session_id = ?", sessionID).Scan(&raw)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("read session state: %w", err)
	}
	if err == nil {
		if err := json.Unmarshal([]byte(raw), &state); err != nil {
			return fmt.Errorf("decode session state: %w", err)
		}
	}
	for key, value := range patch {
		state[key] = value
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode session state: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO session_state (session_id, state, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(session_id) DO UPDATE SET
			state = excluded.state, updated_at = CURRENT_TIMESTAMP`,
		sessionID, string(data))
	if err != nil {
		return fmt.Errorf("write session state: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// MemoryStore keeps session state in process memory. Test and single-shot
// CLI use only.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]State
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]State)}
}

func (m *MemoryStore) Read(ctx context.Context, sessionID string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := State{}
	for key, value := range m.sessions[sessionID] {
		state[key] = value
	}
	return state, nil
}

func (m *MemoryStore) Write(ctx context.Context, sessionID string, patch State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.sessions[sessionID]
	if !ok {
		state = State{}
		m.sessions[sessionID] = state
	}
	for key, value := range patch {
		state[key] = value
	}
	return nil
}

func (m *MemoryStore) Close() error { return nil }
