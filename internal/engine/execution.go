package engine

import (
	"context"

	"github.com/chainguard-dev/clog"

	"github.com/hochfrequenz/taskpilot/internal/billing"
	"github.com/hochfrequenz/taskpilot/internal/domain"
	"github.com/hochfrequenz/taskpilot/internal/hosting"
	"github.com/hochfrequenz/taskpilot/internal/journal"
	"github.com/hochfrequenz/taskpilot/internal/respond"
)

// Execution carries everything bound to one run of one task. It is passed
// explicitly; nothing about the running task lives in package state.
type Execution struct {
	Task     *domain.Task
	Client   hosting.Client
	Journal  *journal.Journal
	Response respond.Context
	Costs    *billing.Recorder

	issue *hosting.Issue
}

func (e *Engine) newExecution(task *domain.Task, client hosting.Client) *Execution {
	j := journal.New(e.store, task)
	return &Execution{
		Task:     task,
		Client:   client,
		Journal:  j,
		Response: respond.New(task, client, j, e.opts.DashboardURL),
		Costs:    billing.NewRecorder(e.store, task.ID, e.opts.Prices),
	}
}

// record journals an action, logging instead of failing the task
func (x *Execution) record(ctx context.Context, action domain.ActionKind, target, message string) {
	if _, err := x.Journal.Record(ctx, actor, action, target, message); err != nil {
		clog.FromContext(ctx).Warnf("journal %s: %v", action, err)
	}
}

// bill stores a cost item for usage, if any
func (x *Execution) bill(ctx context.Context, usage ...*billing.Usage) {
	for _, u := range usage {
		if u == nil {
			continue
		}
		if _, err := x.Costs.Record(ctx, *u); err != nil {
			clog.FromContext(ctx).Warnf("recording cost %q: %v", u.Title, err)
		}
	}
}
