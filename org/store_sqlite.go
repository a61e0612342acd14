package org

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure Go).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates a SQLite database at the given path and
// creates the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Enable WAL mode for concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// init creates the schema tables.
func (s *SQLiteStore) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS roles (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		role_prompt TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS agents (
		id            TEXT PRIMARY KEY,
		role_id       TEXT NOT NULL,
		role_name     TEXT NOT NULL DEFAULT '',
		parent_id     TEXT NOT NULL DEFAULT '',
		task_id       TEXT NOT NULL DEFAULT '',
		created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		terminated_at DATETIME,
		terminated_by TEXT NOT NULL DEFAULT '',
		reason        TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS events (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		type      TEXT NOT NULL,
		agent_id  TEXT NOT NULL DEFAULT '',
		timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		data      TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_agents_parent ON agents(parent_id);
	CREATE INDEX IF NOT EXISTS idx_events_agent ON events(agent_id);
	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// PutRole inserts or replaces a role.
func (s *SQLiteStore) PutRole(ctx context.Context, r Role) error {
	if r.ID == "" || r.Name == "" {
		return fmt.Errorf("role id and name required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO roles (id, name, role_prompt) VALUES (?, ?, ?)`,
		r.ID, r.Name, r.RolePrompt,
	)
	return err
}

// GetRole resolves a role id. Unknown roles return (nil, nil).
func (s *SQLiteStore) GetRole(ctx context.Context, roleID string) (*Role, error) {
	var r Role
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, role_prompt FROM roles WHERE id = ?`, roleID,
	).Scan(&r.ID, &r.Name, &r.RolePrompt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRoles returns every role.
func (s *SQLiteStore) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, role_prompt FROM roles ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		var r Role
		if err := rows.Scan(&r.ID, &r.Name, &r.RolePrompt); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

// CreateAgent persists a new agent instance and allocates its id.
func (s *SQLiteStore) CreateAgent(ctx context.Context, in CreateAgentInput) (*AgentRecord, error) {
	rec := &AgentRecord{
		ID:        uuid.New().String(),
		RoleID:    in.RoleID,
		RoleName:  in.RoleName,
		ParentID:  in.ParentID,
		TaskID:    in.TaskID,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, role_id, role_name, parent_id, task_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RoleID, rec.RoleName, rec.ParentID, rec.TaskID, rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// GetAgent returns a persisted record, or (nil, nil) if unknown.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*AgentRecord, error) {
	rec, err := scanAgent(s.db.QueryRowContext(ctx,
		`SELECT id, role_id, role_name, parent_id, task_id, created_at, terminated_at, terminated_by, reason
		 FROM agents WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// ListAgents returns every persisted record, terminated or not.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role_id, role_name, parent_id, task_id, created_at, terminated_at, terminated_by, reason
		 FROM agents ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*AgentRecord
	for rows.Next() {
		rec, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RecordTermination marks an agent terminated.
func (s *SQLiteStore) RecordTermination(ctx context.Context, targetID, callerID, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET terminated_at = ?, terminated_by = ?, reason = ? WHERE id = ?`,
		time.Now().UTC(), callerID, reason, targetID,
	)
	return err
}

// RecordEvent persists a lifecycle event.
func (s *SQLiteStore) RecordEvent(ctx context.Context, eventType, agentID string, data map[string]string) error {
	encoded := ""
	if len(data) > 0 {
		b, err := json.Marshal(data)
		if err != nil {
			return err
		}
		encoded = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (type, agent_id, data) VALUES (?, ?, ?)`,
		eventType, agentID, encoded,
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*AgentRecord, error) {
	var rec AgentRecord
	var terminatedAt sql.NullTime
	err := row.Scan(&rec.ID, &rec.RoleID, &rec.RoleName, &rec.ParentID, &rec.TaskID,
		&rec.CreatedAt, &terminatedAt, &rec.TerminatedBy, &rec.Reason)
	if err != nil {
		return nil, err
	}
	if terminatedAt.Valid {
		t := terminatedAt.Time
		rec.TerminatedAt = &t
	}
	return &rec, nil
}
