package runtime

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/state"
	_ "modernc.org/sqlite"
)

const checkpointSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	namespace   TEXT NOT NULL,
	thread_id   TEXT NOT NULL,
	next_node   TEXT NOT NULL,
	status      TEXT NOT NULL,
	step        INTEGER NOT NULL,
	state_json  BLOB NOT NULL,
	updated_at  TEXT NOT NULL,
	PRIMARY KEY (namespace, thread_id)
);
`

// OpenSQLite opens a SQLite database for checkpoints and runs migrations.
func OpenSQLite(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}
	if _, err := db.Exec(checkpointSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// SQLiteSaver stores checkpoints in SQLite. Rows are scoped by namespace so
// several graph generations can share one database file.
type SQLiteSaver struct {
	db        *sql.DB
	namespace string
}

// NewSQLiteSaver creates a saver over an opened database.
func NewSQLiteSaver(db *sql.DB, namespace string) *SQLiteSaver {
	return &SQLiteSaver{db: db, namespace: namespace}
}

// Namespace returns the saver's namespace.
func (s *SQLiteSaver) Namespace() string {
	return s.namespace
}

// Put upserts cp.
func (s *SQLiteSaver) Put(ctx context.Context, cp *Checkpoint) error {
	data, err := cp.State.Marshal()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (namespace, thread_id, next_node, status, step, state_json, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(namespace, thread_id) DO UPDATE SET
		   next_node = excluded.next_node,
		   status = excluded.status,
		   step = excluded.step,
		   state_json = excluded.state_json,
		   updated_at = excluded.updated_at`,
		s.namespace, cp.ThreadID, cp.NextNode, string(cp.Status), cp.Step, data,
		cp.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("put checkpoint %s: %w", cp.ThreadID, err)
	}
	return nil
}

// Get loads the checkpoint for threadID.
func (s *SQLiteSaver) Get(ctx context.Context, threadID string) (*Checkpoint, error) {
	var (
		nextNode, status, updatedAt string
		step                        int
		data                        []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT next_node, status, step, state_json, updated_at
		 FROM checkpoints WHERE namespace = ? AND thread_id = ?`,
		s.namespace, threadID,
	).Scan(&nextNode, &status, &step, &data, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoCheckpoint
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint %s: %w", threadID, err)
	}

	st, err := state.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	ts, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &Checkpoint{
		ThreadID:  threadID,
		NextNode:  nextNode,
		Status:    RunStatus(status),
		State:     st,
		Step:      step,
		UpdatedAt: ts,
	}, nil
}

// Delete removes the checkpoint for threadID.
func (s *SQLiteSaver) Delete(ctx context.Context, threadID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE namespace = ? AND thread_id = ?`,
		s.namespace, threadID,
	)
	if err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", threadID, err)
	}
	return nil
}

// Purge drops every checkpoint in the saver's namespace.
func (s *SQLiteSaver) Purge(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE namespace = ?`, s.namespace)
	return err
}
