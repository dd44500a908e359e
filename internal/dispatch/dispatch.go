// Package dispatch hands admitted tasks to an execution strategy. The
// strategy is chosen once at startup from configuration.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/chainguard-dev/clog"
	"github.com/hochfrequenz/taskpilot/internal/config"
	"github.com/hochfrequenz/taskpilot/internal/domain"
	"github.com/hochfrequenz/taskpilot/internal/queue"
	"github.com/hochfrequenz/taskpilot/internal/telemetry"
)

// Dispatcher hands a scheduled task to whatever executes it
type Dispatcher interface {
	// Dispatch persists the task as scheduled and hands it off. It does not
	// wait for the task to finish.
	Dispatch(ctx context.Context, task *domain.Task) error
	// Name identifies the strategy
	Name() string
}

// TaskSaver persists task state
type TaskSaver interface {
	SaveTask(ctx context.Context, task *domain.Task) error
}

// Runner executes a task by id
type Runner interface {
	Run(ctx context.Context, taskID string) error
}

// Spawner starts a one-shot external unit of work for a task
type Spawner interface {
	// Spawn returns a handle naming the started unit.
	Spawn(ctx context.Context, task *domain.Task) (string, error)
}

// Strategy names, as configured
const (
	Inline       = config.StrategyInline
	ExternalJob  = config.StrategyExternalJob
	DurableQueue = config.StrategyDurableQueue
	Log          = config.StrategyLog
)

// Deps are the collaborators a strategy may need
type Deps struct {
	Store   TaskSaver
	Runner  Runner
	Spawner Spawner
	Queue   queue.Queue
}

// New builds the dispatcher for strategy. An unknown strategy or a missing
// collaborator is a configuration error.
func New(strategy string, deps Deps) (Dispatcher, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("dispatch: store required")
	}
	switch strategy {
	case Inline:
		if deps.Runner == nil {
			return nil, &domain.ConfigurationError{Field: "dispatch.strategy", Value: strategy + " without runner"}
		}
		return NewInline(deps.Store, deps.Runner), nil
	case ExternalJob:
		if deps.Spawner == nil {
			return nil, &domain.ConfigurationError{Field: "dispatch.spawner", Value: ""}
		}
		return &externalJob{store: deps.Store, spawner: deps.Spawner}, nil
	case DurableQueue:
		if deps.Queue == nil {
			return nil, &domain.ConfigurationError{Field: "queue.backend", Value: ""}
		}
		return &durableQueue{store: deps.Store, queue: deps.Queue}, nil
	case Log:
		return &logOnly{store: deps.Store}, nil
	default:
		return nil, &domain.ConfigurationError{Field: "dispatch.strategy", Value: strategy}
	}
}

// schedule persists the task as scheduled. This happens before the handoff
// so the executor never observes an older status than the one we save.
func schedule(ctx context.Context, store TaskSaver, task *domain.Task) error {
	if err := task.Transition(domain.StatusScheduled); err != nil {
		return err
	}
	return store.SaveTask(ctx, task)
}

// InlineDispatcher runs tasks on goroutines of the current process
type InlineDispatcher struct {
	store  TaskSaver
	runner Runner
	wg     sync.WaitGroup
}

// NewInline creates an inline dispatcher
func NewInline(store TaskSaver, runner Runner) *InlineDispatcher {
	return &InlineDispatcher{store: store, runner: runner}
}

func (d *InlineDispatcher) Name() string { return Inline }

func (d *InlineDispatcher) Dispatch(ctx context.Context, task *domain.Task) error {
	if err := schedule(ctx, d.store, task); err != nil {
		return err
	}
	// The run outlives the request that scheduled it.
	runCtx := context.WithoutCancel(ctx)
	id := task.ID
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.runner.Run(runCtx, id); err != nil {
			clog.FromContext(runCtx).Errorf("inline task %s: %v", id, err)
		}
	}()
	telemetry.TasksDispatched.WithLabelValues(Inline).Inc()
	return nil
}

// Wait blocks until every inline task has returned
func (d *InlineDispatcher) Wait() {
	d.wg.Wait()
}

type externalJob struct {
	store   TaskSaver
	spawner Spawner
}

func (d *externalJob) Name() string { return ExternalJob }

func (d *externalJob) Dispatch(ctx context.Context, task *domain.Task) error {
	if err := schedule(ctx, d.store, task); err != nil {
		return err
	}
	handle, err := d.spawner.Spawn(ctx, task)
	if err != nil {
		return fmt.Errorf("spawning job for task %s: %w", task.ID, err)
	}
	clog.FromContext(ctx).With("task_id", task.ID, "job", handle).Info("spawned external job")
	telemetry.TasksDispatched.WithLabelValues(ExternalJob).Inc()
	return nil
}

type durableQueue struct {
	store TaskSaver
	queue queue.Queue
}

func (d *durableQueue) Name() string { return DurableQueue }

func (d *durableQueue) Dispatch(ctx context.Context, task *domain.Task) error {
	if err := schedule(ctx, d.store, task); err != nil {
		return err
	}
	if err := d.queue.Push(ctx, task.ID); err != nil {
		return fmt.Errorf("queueing task %s: %w", task.ID, err)
	}
	telemetry.TasksDispatched.WithLabelValues(DurableQueue).Inc()
	return nil
}

// logOnly records the handoff without executing anything. Tasks stay
// scheduled until run by hand with run-task.
type logOnly struct {
	store TaskSaver
}

func (d *logOnly) Name() string { return Log }

func (d *logOnly) Dispatch(ctx context.Context, task *domain.Task) error {
	if err := schedule(ctx, d.store, task); err != nil {
		return err
	}
	clog.FromContext(ctx).With("task_id", task.ID, "github_project", task.Repo).Info("task scheduled, not executed")
	telemetry.TasksDispatched.WithLabelValues(Log).Inc()
	return nil
}
