// Package file implements store.TaskStore backed by a local SQLite
// database. Used in standalone mode where no Postgres is available.
package file

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/agentrun/internal/store"
)

// FileTaskStore persists tasks as JSON documents in SQLite. The id,
// parent and status columns are duplicated out of the document for
// indexed lookups.
type FileTaskStore struct {
	db *sql.DB
}

// Open creates the database file (and parent directories) if needed.
func Open(path string) (*FileTaskStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Single writer; avoids SQLITE_BUSY under concurrent manager writes.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id        TEXT PRIMARY KEY,
			parent_id TEXT,
			status    TEXT NOT NULL,
			data      TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks (parent_id);
		CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &FileTaskStore{db: db}, nil
}

func (s *FileTaskStore) Save(ctx context.Context, task *store.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, parent_id, status, data) VALUES (?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET parent_id = excluded.parent_id,
		   status = excluded.status, data = excluded.data`,
		task.ID, task.ParentID, task.Status, string(data))
	return err
}

func (s *FileTaskStore) Load(ctx context.Context, id string) (*store.Task, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM tasks WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeTask(data)
}

func (s *FileTaskStore) LoadAll(ctx context.Context) ([]*store.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM tasks`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*store.Task
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		t, err := decodeTask(data)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (s *FileTaskStore) Update(ctx context.Context, id string, changes map[string]any) (*store.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var data string
	err = tx.QueryRowContext(ctx, `SELECT data FROM tasks WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t, err := decodeTask(data)
	if err != nil {
		return nil, err
	}
	if err := store.ApplyChanges(t, changes); err != nil {
		return nil, err
	}
	updated, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET parent_id = ?, status = ?, data = ? WHERE id = ?`,
		t.ParentID, t.Status, string(updated), id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *FileTaskStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	return err
}

func (s *FileTaskStore) Close() error { return s.db.Close() }

func decodeTask(data string) (*store.Task, error) {
	var t store.Task
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &t, nil
}
