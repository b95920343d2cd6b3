package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/msageha/a2a_engine/internal/lock"
	"github.com/msageha/a2a_engine/internal/model"
)

const timeLayout = time.RFC3339Nano

// SQLite is a Store backed by a single database file. History rows are
// append-only and keyed by (task_id, seq).
type SQLite struct {
	db    *sql.DB
	path  string
	locks *lock.MutexMap
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens (creating if needed) the database at path and applies
// the schema.
func OpenSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal=WAL&_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, path: path, locks: lock.NewMutexMap()}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		idempotency_key TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		error_kind TEXT NOT NULL DEFAULT '',
		awaiting_agent TEXT NOT NULL DEFAULT '',
		pending_json TEXT NOT NULL DEFAULT '[]',
		steps INTEGER NOT NULL DEFAULT 0,
		artifacts_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_idempotency
		ON tasks(project_id, idempotency_key) WHERE idempotency_key != '';
	CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state);
	CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at);

	CREATE TABLE IF NOT EXISTS task_history (
		task_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		message_id TEXT NOT NULL,
		message_json TEXT NOT NULL,
		recorded_at TEXT NOT NULL,
		PRIMARY KEY (task_id, seq),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return s.addMissingColumns(map[string]string{
		"pending_json": `TEXT NOT NULL DEFAULT '[]'`,
		"steps":        `INTEGER NOT NULL DEFAULT 0`,
	})
}

// addMissingColumns upgrades a tasks table created by an older build.
func (s *SQLite) addMissingColumns(cols map[string]string) error {
	rows, err := s.db.Query(`SELECT name FROM pragma_table_info('tasks')`)
	if err != nil {
		return fmt.Errorf("inspect tasks: %w", err)
	}
	have := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		have[name] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for name, def := range cols {
		if have[name] {
			continue
		}
		if _, err := s.db.Exec(`ALTER TABLE tasks ADD COLUMN ` + name + ` ` + def); err != nil {
			return fmt.Errorf("add column %s: %w", name, err)
		}
	}
	return nil
}

func (s *SQLite) Path() string {
	return s.path
}

func (s *SQLite) Create(ctx context.Context, t *model.Task) (*model.Task, error) {
	artifacts, pending, err := encodeTask(t)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, project_id, idempotency_key, state, reason, error_kind, awaiting_agent, pending_json, steps, artifacts_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProjectID, t.IdempotencyKey, string(t.State), t.Reason, string(t.ErrorKind), t.AwaitingAgent,
		pending, t.Steps, artifacts, t.CreatedAt.UTC().Format(timeLayout), t.UpdatedAt.UTC().Format(timeLayout))
	if err != nil {
		if isUniqueViolation(err) && t.IdempotencyKey != "" {
			_ = tx.Rollback()
			existing, ferr := s.FindByIdempotencyKey(ctx, t.ProjectID, t.IdempotencyKey)
			if ferr != nil {
				return nil, ferr
			}
			return existing, ErrDuplicate
		}
		return nil, fmt.Errorf("insert task: %w", err)
	}
	if err := insertHistory(ctx, tx, t.ID, 0, t.History); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return t.Clone(), nil
}

func (s *SQLite) Get(ctx context.Context, id string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx, selectTask+` WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadHistory(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *SQLite) FindByIdempotencyKey(ctx context.Context, projectID, key string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx, selectTask+` WHERE project_id = ? AND idempotency_key = ?`, projectID, key)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(projectID + "/" + key)
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadHistory(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *SQLite) Update(ctx context.Context, id string, fn UpdateFunc) (*model.Task, error) {
	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	next, err := applyUpdate(current, fn)
	if err != nil {
		return nil, err
	}

	artifacts, pending, err := encodeTask(next)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		UPDATE tasks SET state = ?, reason = ?, error_kind = ?, awaiting_agent = ?, pending_json = ?, steps = ?,
			artifacts_json = ?, updated_at = ?
		WHERE id = ?`,
		string(next.State), next.Reason, string(next.ErrorKind), next.AwaitingAgent, pending, next.Steps,
		artifacts, next.UpdatedAt.UTC().Format(timeLayout), id)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	if err := insertHistory(ctx, tx, id, len(current.History), next.History[len(current.History):]); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return next, nil
}

func (s *SQLite) List(ctx context.Context, f Filter) ([]*model.Task, error) {
	var (
		where []string
		args  []any
	)
	if f.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, f.ProjectID)
	}
	if len(f.States) > 0 {
		marks := make([]string, len(f.States))
		for i, st := range f.States {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "state IN ("+strings.Join(marks, ", ")+")")
	}

	query := selectTask
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, t := range tasks {
		if err := s.loadHistory(ctx, t); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

const selectTask = `SELECT id, project_id, idempotency_key, state, reason, error_kind, awaiting_agent, pending_json, steps, artifacts_json, created_at, updated_at FROM tasks`

func encodeTask(t *model.Task) (artifacts, pending string, err error) {
	a, err := json.Marshal(t.Artifacts)
	if err != nil {
		return "", "", fmt.Errorf("marshal artifacts: %w", err)
	}
	p := []byte("[]")
	if len(t.Pending) > 0 {
		if p, err = json.Marshal(t.Pending); err != nil {
			return "", "", fmt.Errorf("marshal pending: %w", err)
		}
	}
	return string(a), string(p), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*model.Task, error) {
	var (
		t                    model.Task
		state, kind          string
		artifacts, pending   string
		createdAt, updatedAt string
	)
	err := row.Scan(&t.ID, &t.ProjectID, &t.IdempotencyKey, &state, &t.Reason, &kind, &t.AwaitingAgent,
		&pending, &t.Steps, &artifacts, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	t.State = model.TaskState(state)
	t.ErrorKind = model.ErrorKind(kind)
	if err := json.Unmarshal([]byte(artifacts), &t.Artifacts); err != nil {
		return nil, fmt.Errorf("task %s: decode artifacts: %w", t.ID, err)
	}
	if t.Artifacts == nil {
		t.Artifacts = map[string]json.RawMessage{}
	}
	if err := json.Unmarshal([]byte(pending), &t.Pending); err != nil {
		return nil, fmt.Errorf("task %s: decode pending: %w", t.ID, err)
	}
	if len(t.Pending) == 0 {
		t.Pending = nil
	}
	if t.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("task %s: created_at: %w", t.ID, err)
	}
	if t.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("task %s: updated_at: %w", t.ID, err)
	}
	t.History = []model.HistoryEntry{}
	return &t, nil
}

func (s *SQLite) loadHistory(ctx context.Context, t *model.Task) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_json, recorded_at FROM task_history WHERE task_id = ? ORDER BY seq ASC`, t.ID)
	if err != nil {
		return fmt.Errorf("load history %s: %w", t.ID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var raw, at string
		if err := rows.Scan(&raw, &at); err != nil {
			return err
		}
		var entry model.HistoryEntry
		if err := json.Unmarshal([]byte(raw), &entry.Message); err != nil {
			return fmt.Errorf("history %s: decode message: %w", t.ID, err)
		}
		if entry.Timestamp, err = time.Parse(timeLayout, at); err != nil {
			return fmt.Errorf("history %s: recorded_at: %w", t.ID, err)
		}
		t.History = append(t.History, entry)
	}
	return rows.Err()
}

func insertHistory(ctx context.Context, tx *sql.Tx, taskID string, startSeq int, entries []model.HistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO task_history (task_id, seq, message_id, message_json, recorded_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, h := range entries {
		raw, err := json.Marshal(h.Message)
		if err != nil {
			return fmt.Errorf("marshal history message %s: %w", h.Message.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, taskID, startSeq+i, h.Message.ID, string(raw), h.Timestamp.UTC().Format(timeLayout)); err != nil {
			return fmt.Errorf("insert history %s: %w", h.Message.ID, err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
