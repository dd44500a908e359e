// Package journal is the append-only log of side-effecting actions taken
// while executing a task, with compensating undo for the reversible subset.
package journal

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/chainguard-dev/clog"
	"github.com/hochfrequenz/taskpilot/internal/domain"
	"github.com/hochfrequenz/taskpilot/internal/hosting"
	"github.com/hochfrequenz/taskpilot/internal/telemetry"
)

// Store persists journal entries
type Store interface {
	AppendEvent(ctx context.Context, ev *domain.TaskEvent) error
	ListEvents(ctx context.Context, taskID string) ([]*domain.TaskEvent, error)
	MarkEventReversed(ctx context.Context, id int64) error
}

// Journal records actions for exactly one task. The task is bound at
// construction; there is no process-wide current task.
type Journal struct {
	store Store
	task  *domain.Task
}

// New binds a journal to a task
func New(store Store, task *domain.Task) *Journal {
	return &Journal{store: store, task: task}
}

// Task returns the bound task
func (j *Journal) Task() *domain.Task {
	return j.task
}

// Record appends an immutable entry for the bound task
func (j *Journal) Record(ctx context.Context, actor string, action domain.ActionKind, target, message string) (*domain.TaskEvent, error) {
	if j == nil || j.task == nil || j.task.ID == "" {
		return nil, domain.ErrNoTask
	}
	ev := &domain.TaskEvent{
		TaskID:  j.task.ID,
		Actor:   actor,
		Action:  action,
		Target:  target,
		Message: message,
	}
	if err := j.store.AppendEvent(ctx, ev); err != nil {
		return nil, err
	}
	clog.FromContext(ctx).With("action", string(action), "target", target).Debug("journal: recorded event")
	return ev, nil
}

// Events returns every entry of the bound task in append order
func (j *Journal) Events(ctx context.Context) ([]*domain.TaskEvent, error) {
	if j == nil || j.task == nil || j.task.ID == "" {
		return nil, domain.ErrNoTask
	}
	return j.store.ListEvents(ctx, j.task.ID)
}

// Candidates returns the entries that may still be undone
func (j *Journal) Candidates(ctx context.Context) ([]*domain.TaskEvent, error) {
	events, err := j.Events(ctx)
	if err != nil {
		return nil, err
	}
	var out []*domain.TaskEvent
	for _, ev := range events {
		if ev.Undoable() {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Undo runs the compensating action of a reversible entry, records the
// compensation and marks the entry reversed.
func (j *Journal) Undo(ctx context.Context, client hosting.Client, actor string, ev *domain.TaskEvent) (*domain.TaskEvent, error) {
	if j == nil || j.task == nil || j.task.ID == "" {
		return nil, domain.ErrNoTask
	}
	if ev.TaskID != j.task.ID {
		return nil, fmt.Errorf("event %d belongs to task %s, not %s", ev.ID, ev.TaskID, j.task.ID)
	}
	comp, ok := compensationFor(ev.Action)
	if !ok {
		return nil, fmt.Errorf("event %d (%s): %w", ev.ID, ev.Action, domain.ErrNotReversible)
	}
	if ev.Reversed {
		return nil, fmt.Errorf("event %d: %w", ev.ID, domain.ErrAlreadyReversed)
	}

	message, err := comp.apply(ctx, client, j.task, ev.Target)
	if err != nil {
		telemetry.UndoOperations.WithLabelValues(string(ev.Action), "error").Inc()
		return nil, fmt.Errorf("undoing %s %s: %w", ev.Action, ev.Target, err)
	}
	telemetry.UndoOperations.WithLabelValues(string(ev.Action), "ok").Inc()
	undo, err := j.Record(ctx, actor, comp.kind, ev.Target, message)
	if err != nil {
		return nil, err
	}
	if err := j.store.MarkEventReversed(ctx, ev.ID); err != nil {
		return nil, err
	}
	ev.Reversed = true
	return undo, nil
}

// UndoEvents undoes the selected entries, or every candidate when ids is
// empty. It keeps going after a failure and reports all errors joined.
func (j *Journal) UndoEvents(ctx context.Context, client hosting.Client, actor string, ids []int64) ([]*domain.TaskEvent, error) {
	events, err := j.Events(ctx)
	if err != nil {
		return nil, err
	}

	selected := events
	if len(ids) > 0 {
		byID := make(map[int64]*domain.TaskEvent, len(events))
		for _, ev := range events {
			byID[ev.ID] = ev
		}
		selected = selected[:0:0]
		for _, id := range ids {
			ev, ok := byID[id]
			if !ok {
				return nil, fmt.Errorf("event %d of task %s: %w", id, j.task.ID, domain.ErrNotFound)
			}
			selected = append(selected, ev)
		}
	} else {
		selected = selected[:0:0]
		for _, ev := range events {
			if ev.Undoable() {
				selected = append(selected, ev)
			}
		}
	}

	var undone []*domain.TaskEvent
	var errs []error
	for _, ev := range selected {
		u, err := j.Undo(ctx, client, actor, ev)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		undone = append(undone, u)
	}
	return undone, errors.Join(errs...)
}

// compensation is the undo of one reversible action kind
type compensation struct {
	kind  domain.ActionKind
	apply func(ctx context.Context, c hosting.Client, task *domain.Task, target string) (string, error)
}

// compensationFor covers exactly the kinds for which ActionKind.Reversible
// is true.
func compensationFor(kind domain.ActionKind) (compensation, bool) {
	switch kind {
	case domain.ActionCreateIssue:
		return compensation{domain.ActionCloseIssue, closeIssue}, true
	case domain.ActionCreatePullRequest:
		return compensation{domain.ActionClosePullRequest, closePullRequest}, true
	case domain.ActionCommentOnIssue:
		return compensation{domain.ActionDeleteComment, deleteComment}, true
	}
	return compensation{}, false
}

func closeIssue(ctx context.Context, c hosting.Client, task *domain.Task, target string) (string, error) {
	number, err := strconv.Atoi(target)
	if err != nil {
		return "", fmt.Errorf("invalid issue number %q", target)
	}
	if err := c.CloseIssue(ctx, task.Repo, number); err != nil {
		return "", err
	}
	return fmt.Sprintf("Closed issue #%d", number), nil
}

func closePullRequest(ctx context.Context, c hosting.Client, task *domain.Task, target string) (string, error) {
	number, err := strconv.Atoi(target)
	if err != nil {
		return "", fmt.Errorf("invalid pull request number %q", target)
	}
	if err := c.ClosePullRequest(ctx, task.Repo, number); err != nil {
		return "", err
	}
	return fmt.Sprintf("Closed pull request #%d", number), nil
}

// deleteComment removes a posted comment. On pull requests the comment may
// be an issue comment or a review reply, so both are tried.
func deleteComment(ctx context.Context, c hosting.Client, task *domain.Task, target string) (string, error) {
	id, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid comment id %q", target)
	}
	err = c.DeleteComment(ctx, task.Repo, id)
	if err != nil && task.HasPR() && errors.Is(err, hosting.ErrNotFound) {
		err = c.DeleteReviewComment(ctx, task.Repo, id)
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Deleted comment %d", id), nil
}
