package taskstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hochfrequenz/taskpilot/internal/domain"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for tasks and their ledger rows
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One connection: ":memory:" databases are per connection and sqlite
	// serializes writers anyway.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, err
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

const taskColumns = `id, task_type, status, title, repo, installation_id, github_user, branch,
	issue_number, pr_number, head, base, comment_id, comment_url, response_comment_id,
	response_comment_url, command, user_request, result, created_at, updated_at`

// CreateTask inserts a new task
func (s *Store) CreateTask(ctx context.Context, task *domain.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = task.CreatedAt
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, string(task.Type), string(task.Status), task.Title, task.Repo, task.InstallationID,
		task.User, task.Branch, task.IssueNumber, task.PRNumber, task.Head, task.Base,
		task.CommentID, task.CommentURL, task.ResponseCommentID, task.ResponseCommentURL,
		task.Command, task.UserRequest, task.Result, toUnix(task.CreatedAt), toUnix(task.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting task %s: %w", task.ID, err)
	}
	return nil
}

// SaveTask persists the mutable fields of a task. The stored status may only
// move forward; a save that would regress it is rejected.
func (s *Store) SaveTask(ctx context.Context, task *domain.Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, task.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("task %s: %w", task.ID, domain.ErrNotFound)
	}
	if err != nil {
		return err
	}
	from := domain.TaskStatus(current)
	if from != task.Status && !domain.CanTransition(from, task.Status) {
		return fmt.Errorf("task %s: %w: %s -> %s", task.ID, domain.ErrInvalidTransition, from, task.Status)
	}

	task.UpdatedAt = time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, title = ?, branch = ?, head = ?, base = ?,
			response_comment_id = ?, response_comment_url = ?, command = ?, result = ?, updated_at = ?
		WHERE id = ?`,
		string(task.Status), task.Title, task.Branch, task.Head, task.Base,
		task.ResponseCommentID, task.ResponseCommentURL, task.Command, task.Result,
		toUnix(task.UpdatedAt), task.ID,
	)
	if err != nil {
		return fmt.Errorf("saving task %s: %w", task.ID, err)
	}
	return tx.Commit()
}

// GetTask retrieves a task by ID
func (s *Store) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	return task, err
}

// ListOptions specifies filters for listing tasks
type ListOptions struct {
	Repo   string
	User   string
	Status domain.TaskStatus
	Limit  int
}

// ListTasks returns tasks matching the given options, newest first
func (s *Store) ListTasks(ctx context.Context, opts ListOptions) ([]*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []interface{}

	if opts.Repo != "" {
		query += " AND repo = ?"
		args = append(args, opts.Repo)
	}
	if opts.User != "" {
		query += " AND github_user = ?"
		args = append(args, opts.User)
	}
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}

	query += " ORDER BY created_at DESC, id"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// CountRecentTasks counts tasks for a repository created at or after since,
// not counting the task identified by excludeID.
func (s *Store) CountRecentTasks(ctx context.Context, repo string, since time.Time, excludeID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE repo = ? AND created_at >= ? AND id != ?`,
		repo, toUnix(since), excludeID,
	).Scan(&n)
	return n, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row scanner) (*domain.Task, error) {
	var task domain.Task
	var typ, status string
	var created, updated int64

	err := row.Scan(&task.ID, &typ, &status, &task.Title, &task.Repo, &task.InstallationID,
		&task.User, &task.Branch, &task.IssueNumber, &task.PRNumber, &task.Head, &task.Base,
		&task.CommentID, &task.CommentURL, &task.ResponseCommentID, &task.ResponseCommentURL,
		&task.Command, &task.UserRequest, &task.Result, &created, &updated)
	if err != nil {
		return nil, err
	}

	task.Type = domain.TaskType(typ)
	task.Status = domain.TaskStatus(status)
	task.CreatedAt = fromUnix(created)
	task.UpdatedAt = fromUnix(updated)
	return &task, nil
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return time.Now().UnixNano()
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
