// Package notify reports finished tasks to operators.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/dustin/go-humanize"

	"github.com/hochfrequenz/taskpilot/internal/domain"
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Notification represents a notification to be sent
type Notification struct {
	Title   string
	Message string
	Type    NotificationType
	TaskID  string // Optional task reference
	URL     string // Optional link, e.g. the task page or a new PR
	Fields  []Field
}

// Field is a short labelled detail shown next to the message
type Field struct {
	Name  string
	Value string
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// TaskFinished builds the notification for a task that reached a terminal
// status. bill may be nil when settlement failed.
func TaskFinished(task *domain.Task, taskURL string, bill *domain.TaskBill) Notification {
	n := Notification{
		TaskID:  task.ID,
		URL:     taskURL,
		Title:   fmt.Sprintf("Task %s on %s", task.Status, task.Repo),
		Message: task.Title,
		Type:    NotifyError,
	}
	if task.Status == domain.StatusCompleted {
		n.Type = NotifySuccess
	}
	if n.Message == "" {
		n.Message = task.UserRequest
	}

	n.Fields = []Field{
		{Name: "Requested by", Value: "@" + task.User},
		{Name: "Started", Value: humanize.Time(task.CreatedAt)},
	}
	if bill != nil {
		n.Fields = append(n.Fields, Field{Name: "Cost", Value: humanize.FormatFloat("#,###.##", bill.FinalCost()) + " credits"})
	}
	return n
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers and joins their errors
func (m *MultiNotifier) Send(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes notifications to the context logger
type LogNotifier struct{}

func (LogNotifier) Send(ctx context.Context, n Notification) error {
	log := clog.FromContext(ctx).With("task_id", n.TaskID, "url", n.URL)
	for _, f := range n.Fields {
		log = log.With(strings.ToLower(strings.ReplaceAll(f.Name, " ", "_")), f.Value)
	}
	switch n.Type {
	case NotifyError:
		log.Warnf("%s: %s", n.Title, n.Message)
	default:
		log.Infof("%s: %s", n.Title, n.Message)
	}
	return nil
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(context.Context, Notification) error { return nil }
