package taskstore

import (
	"context"
	"fmt"
	"time"

	"github.com/hochfrequenz/taskpilot/internal/domain"
)

const eventColumns = `id, task_id, actor, action, target, message, reversed, created_at`

// AppendEvent appends a journal entry and fills in its id and timestamp
func (s *Store) AppendEvent(ctx context.Context, ev *domain.TaskEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO task_events (task_id, actor, action, target, message, reversed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.TaskID, ev.Actor, string(ev.Action), ev.Target, ev.Message, ev.Reversed, toUnix(ev.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("appending %s event for task %s: %w", ev.Action, ev.TaskID, err)
	}
	ev.ID, err = res.LastInsertId()
	return err
}

// ListEvents returns a task's journal in append order
func (s *Store) ListEvents(ctx context.Context, taskID string) ([]*domain.TaskEvent, error) {
	return s.queryEvents(ctx, `SELECT `+eventColumns+` FROM task_events WHERE task_id = ? ORDER BY id`, taskID)
}

// ListEventsAfter returns a task's journal entries with an id above afterID
func (s *Store) ListEventsAfter(ctx context.Context, taskID string, afterID int64) ([]*domain.TaskEvent, error) {
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM task_events WHERE task_id = ? AND id > ? ORDER BY id`, taskID, afterID)
}

// MarkEventReversed sets the reversed flag. The flag never goes back to false.
func (s *Store) MarkEventReversed(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE task_events SET reversed = TRUE WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("event %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...interface{}) ([]*domain.TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.TaskEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func scanEvent(row scanner) (*domain.TaskEvent, error) {
	var ev domain.TaskEvent
	var action string
	var created int64
	if err := row.Scan(&ev.ID, &ev.TaskID, &ev.Actor, &action, &ev.Target, &ev.Message, &ev.Reversed, &created); err != nil {
		return nil, err
	}
	ev.Action = domain.ActionKind(action)
	ev.CreatedAt = fromUnix(created)
	return &ev, nil
}
