// Package pg implements store.TaskStore backed by Postgres.
package pg

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/agentrun/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PGTaskStore implements store.TaskStore backed by Postgres.
type PGTaskStore struct {
	db *sql.DB
}

// Open connects to Postgres, runs pending migrations, and returns the store.
func Open(dsn string) (*PGTaskStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &PGTaskStore{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	driver, err := pgx.WithInstance(db, &pgx.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// taskCols is the column list for all task SELECT queries.
const taskCols = `id, name, description, status, progress, start_time, end_time,
	 parent_id, subtasks, dependencies, assigned_tools, artifacts, metadata, error, result`

func (s *PGTaskStore) Save(ctx context.Context, task *store.Task) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, name, description, status, progress, start_time, end_time,
		 parent_id, subtasks, dependencies, assigned_tools, artifacts, metadata, error, result)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name, description = EXCLUDED.description,
		   status = EXCLUDED.status, progress = EXCLUDED.progress,
		   start_time = EXCLUDED.start_time, end_time = EXCLUDED.end_time,
		   parent_id = EXCLUDED.parent_id, subtasks = EXCLUDED.subtasks,
		   dependencies = EXCLUDED.dependencies, assigned_tools = EXCLUDED.assigned_tools,
		   artifacts = EXCLUDED.artifacts, metadata = EXCLUDED.metadata,
		   error = EXCLUDED.error, result = EXCLUDED.result`,
		task.ID, task.Name, task.Description, task.Status, task.Progress,
		task.StartTime, task.EndTime, nullIfEmpty(task.ParentID),
		jsonOrNull(task.Subtasks), jsonOrNull(task.Dependencies), jsonOrNull(task.AssignedTools),
		jsonOrNull(task.Artifacts), jsonOrNull(task.Metadata), task.Error, rawOrNull(task.Result),
	)
	return err
}

func (s *PGTaskStore) Load(ctx context.Context, id string) (*store.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id = $1`, id)
	t, err := scanTaskRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return t, err
}

func (s *PGTaskStore) LoadAll(ctx context.Context) ([]*store.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskCols+` FROM tasks ORDER BY start_time`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*store.Task
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// Update reads the row under a row lock, applies the shared partial-update
// semantics, and writes the full row back in the same transaction.
func (s *PGTaskStore) Update(ctx context.Context, id string, changes map[string]any) (*store.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id = $1 FOR UPDATE`, id)
	t, err := scanTaskRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := store.ApplyChanges(t, changes); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE tasks SET name = $2, description = $3, status = $4, progress = $5,
		 start_time = $6, end_time = $7, parent_id = $8, subtasks = $9, dependencies = $10,
		 assigned_tools = $11, artifacts = $12, metadata = $13, error = $14, result = $15
		 WHERE id = $1`,
		t.ID, t.Name, t.Description, t.Status, t.Progress, t.StartTime, t.EndTime,
		nullIfEmpty(t.ParentID), jsonOrNull(t.Subtasks), jsonOrNull(t.Dependencies),
		jsonOrNull(t.AssignedTools), jsonOrNull(t.Artifacts), jsonOrNull(t.Metadata),
		t.Error, rawOrNull(t.Result),
	)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *PGTaskStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	return err
}

func (s *PGTaskStore) Close() error { return s.db.Close() }

// --- Scan helpers ---

type taskRowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTaskRow(row taskRowScanner) (*store.Task, error) {
	var t store.Task
	var parentID sql.NullString
	// pgx: scan nullable JSONB into *[]byte, not *json.RawMessage; pgx
	// can't scan NULL into defined types
	var subtasks, deps, tools, artifacts, metadata, result *[]byte
	err := row.Scan(&t.ID, &t.Name, &t.Description, &t.Status, &t.Progress,
		&t.StartTime, &t.EndTime, &parentID, &subtasks, &deps, &tools,
		&artifacts, &metadata, &t.Error, &result)
	if err != nil {
		return nil, err
	}
	if parentID.Valid {
		t.ParentID = parentID.String
	}
	if err := decodeJSON(subtasks, &t.Subtasks); err != nil {
		return nil, err
	}
	if err := decodeJSON(deps, &t.Dependencies); err != nil {
		return nil, err
	}
	if err := decodeJSON(tools, &t.AssignedTools); err != nil {
		return nil, err
	}
	if err := decodeJSON(artifacts, &t.Artifacts); err != nil {
		return nil, err
	}
	if err := decodeJSON(metadata, &t.Metadata); err != nil {
		return nil, err
	}
	if result != nil {
		t.Result = append(json.RawMessage(nil), *result...)
	}
	return &t, nil
}

func decodeJSON(src *[]byte, dst any) error {
	if src == nil || len(*src) == 0 {
		return nil
	}
	return json.Unmarshal(*src, dst)
}

func jsonOrNull(v any) any {
	switch s := v.(type) {
	case []string:
		if s == nil {
			return nil
		}
	case []json.RawMessage:
		if s == nil {
			return nil
		}
	case map[string]any:
		if s == nil {
			return nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func rawOrNull(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
