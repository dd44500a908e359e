package taskstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hochfrequenz/taskpilot/internal/queue"
)

// Queue is a durable queue stored in the task database
type Queue struct {
	db   *sql.DB
	name string
	poll time.Duration
}

var _ queue.Queue = (*Queue)(nil)

// Queue returns a named queue backed by this store
func (s *Store) Queue(name string, poll time.Duration) *Queue {
	if poll <= 0 {
		poll = time.Second
	}
	return &Queue{db: s.db, name: name, poll: poll}
}

// Push appends a task id to the queue
func (q *Queue) Push(ctx context.Context, taskID string) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO queue_items (queue, task_id, enqueued_at) VALUES (?, ?, ?)`,
		q.name, taskID, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("pushing task %s: %w", taskID, err)
	}
	return nil
}

// Pop claims the oldest unclaimed item, polling until one shows up
func (q *Queue) Pop(ctx context.Context) (*queue.Delivery, error) {
	ticker := time.NewTicker(q.poll)
	defer ticker.Stop()

	for {
		d, err := q.claim(ctx)
		if err == nil {
			return d, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *Queue) claim(ctx context.Context) (*queue.Delivery, error) {
	var id int64
	var d queue.Delivery
	err := q.db.QueryRowContext(ctx, `
		UPDATE queue_items SET claimed_at = ?, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM queue_items WHERE queue = ? AND claimed_at IS NULL ORDER BY id LIMIT 1
		)
		RETURNING id, task_id, attempts`,
		time.Now().UnixNano(), q.name,
	).Scan(&id, &d.TaskID, &d.Attempt)
	if err != nil {
		return nil, err
	}
	d.ID = strconv.FormatInt(id, 10)
	return &d, nil
}

// Ack deletes a delivered item
func (q *Queue) Ack(ctx context.Context, d *queue.Delivery) error {
	id, err := strconv.ParseInt(d.ID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid delivery id %q: %w", d.ID, err)
	}
	_, err = q.db.ExecContext(ctx, `DELETE FROM queue_items WHERE queue = ? AND id = ?`, q.name, id)
	return err
}

// Recover releases items claimed longer than staleAfter ago
func (q *Queue) Recover(ctx context.Context, staleAfter time.Duration) (int, error) {
	cutoff := time.Now().Add(-staleAfter).UnixNano()
	res, err := q.db.ExecContext(ctx, `
		UPDATE queue_items SET claimed_at = NULL
		WHERE queue = ? AND claimed_at IS NOT NULL AND claimed_at <= ?`, q.name, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Len counts unclaimed items
func (q *Queue) Len(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_items WHERE queue = ? AND claimed_at IS NULL`, q.name).Scan(&n)
	return n, err
}
