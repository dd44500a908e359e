// Package scheduler turns a user trigger into a task, admits it and hands it
// to the configured dispatcher.
package scheduler

import (
	"context"
	"fmt"

	"github.com/chainguard-dev/clog"
	"github.com/hochfrequenz/taskpilot/internal/admission"
	"github.com/hochfrequenz/taskpilot/internal/dispatch"
	"github.com/hochfrequenz/taskpilot/internal/domain"
	"github.com/hochfrequenz/taskpilot/internal/hosting"
	"github.com/hochfrequenz/taskpilot/internal/journal"
	"github.com/hochfrequenz/taskpilot/internal/respond"
)

// Request describes what triggered a task
type Request struct {
	Type           domain.TaskType
	Repo           string
	InstallationID int64
	User           string
	IssueNumber    int
	PRNumber       int
	Head           string
	Base           string
	CommentID      int64
	CommentURL     string
	Command        string
	UserRequest    string
}

// Store is the persistence the scheduler needs
type Store interface {
	admission.Store
	journal.Store
	CreateTask(ctx context.Context, task *domain.Task) error
}

// Scheduler creates, admits and dispatches tasks
type Scheduler struct {
	store        Store
	provider     hosting.Provider
	admission    *admission.Controller
	dispatcher   dispatch.Dispatcher
	dashboardURL string
}

// New creates a new Scheduler
func New(store Store, provider hosting.Provider, ctrl *admission.Controller, dispatcher dispatch.Dispatcher, dashboardURL string) *Scheduler {
	return &Scheduler{
		store:        store,
		provider:     provider,
		admission:    ctrl,
		dispatcher:   dispatcher,
		dashboardURL: dashboardURL,
	}
}

// NewTask builds an unsaved task from a trigger
func NewTask(req Request) *domain.Task {
	task := domain.NewTask(req.Type, req.Repo, req.User, req.UserRequest)
	task.InstallationID = req.InstallationID
	task.IssueNumber = req.IssueNumber
	task.PRNumber = req.PRNumber
	task.Head = req.Head
	task.Base = req.Base
	task.CommentID = req.CommentID
	task.CommentURL = req.CommentURL
	task.Command = req.Command
	if task.Command == "" {
		task.Command = req.UserRequest
	}
	return task
}

// Schedule persists a new task for req and runs admission. Denied tasks are
// returned failed with a nil error. An error means the task could not be
// recorded or handed off.
func (s *Scheduler) Schedule(ctx context.Context, req Request) (*domain.Task, error) {
	task := NewTask(req)
	if err := task.Validate(); err != nil {
		return nil, err
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}

	log := clog.FromContext(ctx).With("task_id", task.ID, "github_project", task.Repo, "github_user", task.User)
	log.Infof("scheduled %s task", task.Type)

	client, err := s.provider.Client(ctx, task.InstallationID)
	if err != nil {
		s.fail(ctx, task, nil, err)
		return task, fmt.Errorf("hosting client for installation %d: %w", task.InstallationID, err)
	}

	rc := respond.New(task, client, journal.New(s.store, task), s.dashboardURL)
	if res := s.admission.Admit(ctx, task, client, rc); !res.Allowed {
		return task, nil
	}

	if err := s.dispatcher.Dispatch(ctx, task); err != nil {
		s.fail(ctx, task, rc, err)
		return task, fmt.Errorf("dispatching task %s via %s: %w", task.ID, s.dispatcher.Name(), err)
	}
	log.Infof("dispatched via %s", s.dispatcher.Name())
	return task, nil
}

func (s *Scheduler) fail(ctx context.Context, task *domain.Task, rc respond.Context, cause error) {
	log := clog.FromContext(ctx).With("task_id", task.ID)
	log.Errorf("task failed before execution: %v", cause)

	if err := task.Fail(cause.Error()); err != nil {
		log.Warnf("failing task: %v", err)
	}
	if err := s.store.SaveTask(ctx, task); err != nil {
		log.Errorf("saving failed task: %v", err)
	}
	if rc != nil {
		if err := rc.Respond(ctx, respond.FailureMessage(s.dashboardURL, task.ID)); err != nil {
			log.Warnf("responding: %v", err)
		}
	}
}
