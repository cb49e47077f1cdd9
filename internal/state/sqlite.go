// internal/state/sqlite.go
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/user/chatrelay/internal/types"
)

const createGroupTable = `CREATE TABLE IF NOT EXISTS session_group (
	session_id TEXT PRIMARY KEY,
	group_id   TEXT NOT NULL,
	created_at TEXT
)`

// SQLiteStore keeps session to group mappings in the session_group table.
// Databases created by earlier adapters without created_at are migrated in
// place.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection serialises writers; sqlite would otherwise
	// report SQLITE_BUSY under concurrent inserts.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createGroupTable); err != nil {
		return fmt.Errorf("create session_group table: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `PRAGMA table_info(session_group)`)
	if err != nil {
		return fmt.Errorf("inspect session_group table: %w", err)
	}
	defer rows.Close()

	hasCreatedAt := false
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return fmt.Errorf("scan table info: %w", err)
		}
		if name == "created_at" {
			hasCreatedAt = true
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("scan table info: %w", err)
	}
	if hasCreatedAt {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `ALTER TABLE session_group ADD COLUMN created_at TEXT`); err != nil {
		return fmt.Errorf("add created_at column: %w", err)
	}
	return nil
}

// GetOrCreate inserts the mapping if absent and returns the stored group.
func (s *SQLiteStore) GetOrCreate(ctx context.Context, sessionID types.SessionID, groupID types.GroupID) (types.GroupID, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO session_group (session_id, group_id, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		string(sessionID), string(groupID), now,
	); err != nil {
		return "", fmt.Errorf("insert group mapping: %w", err)
	}

	var stored string
	err := s.db.QueryRowContext(ctx,
		`SELECT group_id FROM session_group WHERE session_id = ?`, string(sessionID),
	).Scan(&stored)
	if err != nil {
		return "", fmt.Errorf("select group mapping: %w", err)
	}
	return types.GroupID(stored), nil
}

// SessionOf returns the session mapped to groupID.
func (s *SQLiteStore) SessionOf(ctx context.Context, groupID types.GroupID) (types.SessionID, bool, error) {
	var sessionID string
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id FROM session_group WHERE group_id = ? ORDER BY created_at LIMIT 1`, string(groupID),
	).Scan(&sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("select session for group: %w", err)
	}
	return types.SessionID(sessionID), true, nil
}

// List returns every mapping ordered by creation time.
func (s *SQLiteStore) List(ctx context.Context) ([]*types.GroupMapping, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, group_id, COALESCE(created_at, '') FROM session_group ORDER BY created_at, session_id`)
	if err != nil {
		return nil, fmt.Errorf("list group mappings: %w", err)
	}
	defer rows.Close()

	var out []*types.GroupMapping
	for rows.Next() {
		var sessionID, groupID, createdAt string
		if err := rows.Scan(&sessionID, &groupID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan group mapping: %w", err)
		}
		m := &types.GroupMapping{
			SessionID: types.SessionID(sessionID),
			GroupID:   types.GroupID(groupID),
		}
		if createdAt != "" {
			if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
				m.CreatedAt = t
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list group mappings: %w", err)
	}
	return out, nil
}

// Delete removes the mapping for sessionID.
func (s *SQLiteStore) Delete(ctx context.Context, sessionID types.SessionID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM session_group WHERE session_id = ?`, string(sessionID)); err != nil {
		return fmt.Errorf("delete group mapping: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
