package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a task row does not exist.
var ErrNotFound = errors.New("task not found")

// Store wraps the SQLite connection holding tasks, deps, and events.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if necessary) the task database at path and
// configures the connection: WAL journaling, NORMAL synchronous, enforced
// foreign keys, a 5s busy timeout, and immediate-mode transaction locking.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_txlock=immediate"+
		"&_pragma=journal_mode(WAL)"+
		"&_pragma=synchronous(NORMAL)"+
		"&_pragma=foreign_keys(ON)"+
		"&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single writer is all SQLite gives us anyway; one connection keeps
	// the immediate-lock semantics simple.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Path returns the filesystem path the store was opened with.
func (s *Store) Path() string {
	return s.path
}

// DB exposes the underlying connection for component-owned queries
// (runnable selection, reconciliation scans).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs the embedded schema migrations. Safe to call repeatedly.
func (s *Store) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// SchemaVersion reads meta.schema_version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM meta WHERE key='schema_version'").Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid schema version %q: %w", v, err)
	}
	return n, nil
}

// Now returns integer seconds since epoch. All updated_at and event
// timestamps use this; the core never relies on sub-second ordering.
func Now() int64 {
	return time.Now().Unix()
}

// WithTx runs fn inside an immediate-mode transaction. The write lock is
// acquired at BEGIN, so a claim's read-modify-write cannot race another
// writer. The transaction is rolled back if fn returns an error.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const taskColumns = `id, kind, plan_id, title, routing, prompt, repo, repo_path, worktree_path,
	status, blocked_reason, failure_kind, failure_detail, attempt, max_attempts,
	idempotency_key, worktree_managed, worktree_branch, pr_number, pr_url,
	ci_state, ci_detail, ci_url, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	t := &Task{}
	var managed int
	err := row.Scan(
		&t.ID,
		&t.Kind,
		&t.PlanID,
		&t.Title,
		&t.Routing,
		&t.Prompt,
		&t.Repo,
		&t.RepoPath,
		&t.WorktreePath,
		&t.Status,
		&t.BlockedReason,
		&t.FailureKind,
		&t.FailureDetail,
		&t.Attempt,
		&t.MaxAttempts,
		&t.IdempotencyKey,
		&managed,
		&t.WorktreeBranch,
		&t.PRNumber,
		&t.PRURL,
		&t.CIState,
		&t.CIDetail,
		&t.CIURL,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.WorktreeManaged = managed == 1
	return t, nil
}

// GetTask retrieves a task row by id.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return t, nil
}

// GetTaskTx retrieves a task row inside a transaction. Used by the worker
// claim to re-read under the write lock.
func GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (*Task, error) {
	row := tx.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return t, nil
}

// ListTasks returns task rows matching the filter, newest update first.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]*Task, error) {
	query := "SELECT " + taskColumns + " FROM tasks WHERE 1=1"
	args := []any{}
	if f.Kind != "" {
		query += " AND kind = ?"
		args = append(args, f.Kind)
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.PlanID != "" {
		query += " AND plan_id = ?"
		args = append(args, f.PlanID)
	}
	query += " ORDER BY updated_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

// AppendEvent appends one entry to the task's event log.
func (s *Store) AppendEvent(ctx context.Context, ev *Event) error {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO events(task_id, ts, level, message, data) VALUES(?,?,?,?,?)",
		ev.TaskID, ev.TS, ev.Level, ev.Message, ev.Data)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}
	ev.ID = id
	return nil
}

// AppendEventTx appends an event inside a transaction, so the event shares
// its timestamp and atomicity with the row update it describes.
func AppendEventTx(ctx context.Context, tx *sql.Tx, ev *Event) error {
	res, err := tx.ExecContext(ctx,
		"INSERT INTO events(task_id, ts, level, message, data) VALUES(?,?,?,?,?)",
		ev.TaskID, ev.TS, ev.Level, ev.Message, ev.Data)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}
	ev.ID = id
	return nil
}

// ListEvents returns a task's events, oldest first.
func (s *Store) ListEvents(ctx context.Context, taskID string, limit int) ([]*Event, error) {
	query := "SELECT id, task_id, ts, level, message, data FROM events WHERE task_id = ? ORDER BY id ASC"
	args := []any{taskID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		ev := &Event{}
		if err := rows.Scan(&ev.ID, &ev.TaskID, &ev.TS, &ev.Level, &ev.Message, &ev.Data); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// MarkSucceeded records a successful runner outcome: the failure columns
// are cleared and an info event is appended in the same transaction.
func (s *Store) MarkSucceeded(ctx context.Context, id string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		now := Now()
		if _, err := tx.ExecContext(ctx,
			"UPDATE tasks SET status='succeeded', failure_kind=NULL, failure_detail=NULL, updated_at=? WHERE id=?",
			now, id); err != nil {
			return fmt.Errorf("failed to mark succeeded: %w", err)
		}
		return AppendEventTx(ctx, tx, &Event{TaskID: id, TS: now, Level: EventInfo, Message: "succeeded"})
	})
}

// MarkFailed records a classified runner failure.
func (s *Store) MarkFailed(ctx context.Context, id, failureKind, failureDetail string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		now := Now()
		if _, err := tx.ExecContext(ctx,
			"UPDATE tasks SET status='failed', failure_kind=?, failure_detail=?, updated_at=? WHERE id=?",
			failureKind, failureDetail, now, id); err != nil {
			return fmt.Errorf("failed to mark failed: %w", err)
		}
		return AppendEventTx(ctx, tx, &Event{
			TaskID:  id,
			TS:      now,
			Level:   EventError,
			Message: fmt.Sprintf("failed: %s (%s)", failureKind, failureDetail),
		})
	})
}

// Requeue flips a failed task back to queued after a positive retry
// decision. The worktree is retained for the retry.
func (s *Store) Requeue(ctx context.Context, id, reason string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		now := Now()
		if _, err := tx.ExecContext(ctx,
			"UPDATE tasks SET status='queued', updated_at=? WHERE id=?", now, id); err != nil {
			return fmt.Errorf("failed to requeue task: %w", err)
		}
		return AppendEventTx(ctx, tx, &Event{
			TaskID:  id,
			TS:      now,
			Level:   EventWarn,
			Message: "retry allowed: " + reason,
		})
	})
}

// RecordNoRetry logs the negative retry decision; the row stays failed.
func (s *Store) RecordNoRetry(ctx context.Context, id, reason string) error {
	return s.AppendEvent(ctx, &Event{
		TaskID:  id,
		TS:      Now(),
		Level:   EventWarn,
		Message: "no retry: " + reason,
	})
}

// PersistWorktree records a task's worktree binding.
func (s *Store) PersistWorktree(ctx context.Context, id, path string, managed bool, branch *string) error {
	m := 0
	if managed {
		m = 1
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET worktree_path=?, worktree_managed=?, worktree_branch=?, updated_at=? WHERE id=?",
		path, m, branch, Now(), id)
	if err != nil {
		return fmt.Errorf("failed to persist worktree: %w", err)
	}
	return nil
}

// ClearWorktree clears a task's worktree fields after cleanup.
func (s *Store) ClearWorktree(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET worktree_path=NULL, worktree_managed=0, worktree_branch=NULL, updated_at=? WHERE id=?",
		Now(), id)
	if err != nil {
		return fmt.Errorf("failed to clear worktree: %w", err)
	}
	return nil
}

// SetWorktreeBranch persists the branch the monitor observed.
func (s *Store) SetWorktreeBranch(ctx context.Context, id, branch string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET worktree_branch=?, updated_at=? WHERE id=?", branch, Now(), id)
	if err != nil {
		return fmt.Errorf("failed to set worktree branch: %w", err)
	}
	return nil
}

// SetPullRequest persists discovered PR and aggregated CI state. The
// monitor owns these columns; last writer wins against itself.
func (s *Store) SetPullRequest(ctx context.Context, id string, prNumber int, prURL, ciState, ciDetail string, ciURL *string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET pr_number=?, pr_url=?, ci_state=?, ci_detail=?, ci_url=?, updated_at=? WHERE id=?",
		prNumber, prURL, ciState, ciDetail, ciURL, Now(), id)
	if err != nil {
		return fmt.Errorf("failed to set pull request: %w", err)
	}
	return nil
}

// TasksWithWorktree returns subtasks carrying a worktree path; with a
// non-empty id it returns just that row regardless of worktree state.
func (s *Store) TasksWithWorktree(ctx context.Context, id string) ([]*Task, error) {
	if id != "" {
		t, err := s.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		return []*Task{t}, nil
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE kind='subtask' AND worktree_path IS NOT NULL")
	if err != nil {
		return nil, fmt.Errorf("failed to list worktree tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}
