// Package engine runs one task end to end: working branch, agent, pull
// request, response and bill.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"go.opentelemetry.io/otel/codes"

	"github.com/hochfrequenz/taskpilot/internal/billing"
	"github.com/hochfrequenz/taskpilot/internal/domain"
	"github.com/hochfrequenz/taskpilot/internal/executor"
	"github.com/hochfrequenz/taskpilot/internal/hosting"
	"github.com/hochfrequenz/taskpilot/internal/journal"
	"github.com/hochfrequenz/taskpilot/internal/llm"
	"github.com/hochfrequenz/taskpilot/internal/notify"
	"github.com/hochfrequenz/taskpilot/internal/respond"
	"github.com/hochfrequenz/taskpilot/internal/telemetry"
)

const (
	actor = "assistant"
	// PilotLabel is added to every pull request the engine opens
	PilotLabel = "pr-pilot"

	budgetExceeded = "Budget exceeded. Please add credits to your account."
	interrupted    = "Task execution was interrupted before it finished."
)

// Store is the persistence the engine needs
type Store interface {
	journal.Store
	billing.Store
	billing.CostStore
	GetTask(ctx context.Context, id string) (*domain.Task, error)
	SaveTask(ctx context.Context, task *domain.Task) error
	GetOrCreateBudget(ctx context.Context, username string, defaultBalance float64) (*domain.UserBudget, error)
}

// Options configure the engine
type Options struct {
	DashboardURL string
	// GitURL is the clone base; repositories live at GitURL/owner/name.git.
	GitURL        string
	CommitName    string
	CommitEmail   string
	DefaultBudget float64
	Prices        map[string]billing.Price
}

// Engine executes tasks
type Engine struct {
	store      Store
	provider   hosting.Provider
	workspaces *executor.WorkspaceManager
	agent      executor.Agent
	summarizer llm.Summarizer
	ledger     *billing.Ledger
	notifier   notify.Notifier
	opts       Options
}

// New creates an Engine
func New(store Store, provider hosting.Provider, workspaces *executor.WorkspaceManager, agent executor.Agent,
	summarizer llm.Summarizer, ledger *billing.Ledger, notifier notify.Notifier, opts Options) *Engine {
	if summarizer == nil {
		summarizer = llm.Offline{}
	}
	if notifier == nil {
		notifier = notify.NoopNotifier{}
	}
	if opts.CommitName == "" {
		opts.CommitName = "PR Pilot"
	}
	return &Engine{
		store:      store,
		provider:   provider,
		workspaces: workspaces,
		agent:      agent,
		summarizer: summarizer,
		ledger:     ledger,
		notifier:   notifier,
		opts:       opts,
	}
}

// userError is a failure whose message may be shown to the requester as is
type userError struct{ message string }

func (e *userError) Error() string { return e.message }

// Run executes the task with the given id. Task failures are handled here
// and reported to the user; the returned error is for failures of the
// engine itself, such as an unreachable store.
func (e *Engine) Run(ctx context.Context, taskID string) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("loading task %s: %w", taskID, err)
	}

	ctx, span := telemetry.StartTask(ctx, "task.run", task)
	defer span.End()
	log := clog.FromContext(ctx).With("task_id", task.ID, "github_user", task.User, "github_project", task.Repo,
		"github_issue", task.IssueNumber, "github_pr", task.PRNumber)
	ctx = clog.WithLogger(ctx, log)

	if task.Status.IsTerminal() {
		log.Infof("task already %s, skipping", task.Status)
		return nil
	}

	client, err := e.provider.Client(ctx, task.InstallationID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		if ferr := task.Fail(err.Error()); ferr == nil {
			if serr := e.store.SaveTask(ctx, task); serr != nil {
				log.Errorf("saving task: %v", serr)
			}
		}
		return fmt.Errorf("hosting client for task %s: %w", task.ID, err)
	}
	x := e.newExecution(task, client)

	if task.Status == domain.StatusRunning {
		// A previous delivery died mid-run. The working copy is gone, so the
		// task is closed out instead of run twice.
		log.Warnf("task was left running by an earlier attempt")
		e.finish(ctx, x, time.Now(), "", "", &userError{interrupted})
		return nil
	}

	if err := task.Transition(domain.StatusRunning); err != nil {
		return err
	}
	if err := e.store.SaveTask(ctx, task); err != nil {
		return fmt.Errorf("marking task %s running: %w", task.ID, err)
	}

	start := time.Now()
	output, response, runErr := e.execute(ctx, x)
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	}
	e.finish(ctx, x, start, output, response, runErr)
	return nil
}

// execute does the work of a running task and returns the agent output and
// the reply for the user. Panics become errors so the task is still closed.
func (e *Engine) execute(ctx context.Context, x *Execution) (output, response string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	task := x.Task
	log := clog.FromContext(ctx)

	budget, err := e.store.GetOrCreateBudget(ctx, task.User, e.opts.DefaultBudget)
	if err != nil {
		return "", "", fmt.Errorf("reading budget: %w", err)
	}
	if budget.Balance < 0 {
		return "", "", &userError{budgetExceeded}
	}

	e.generateTitle(ctx, x)

	ws, err := e.clone(ctx, x)
	if err != nil {
		return "", "", err
	}
	defer func() {
		if rerr := e.workspaces.Remove(ws); rerr != nil {
			log.Warnf("removing workspace: %v", rerr)
		}
	}()

	repo, err := x.Client.GetRepository(ctx, task.Repo)
	if err != nil {
		return "", "", fmt.Errorf("reading repository: %w", err)
	}
	branches := executor.NewBranchManager(ws, repo.DefaultBranch, x.Journal, e.opts.CommitName, e.opts.CommitEmail)

	working := task.Head
	if task.HasPR() {
		if err := branches.CheckoutPRBranch(ctx, task.Head); err != nil {
			return "", "", err
		}
	} else {
		working, err = branches.SetupWorkingBranch(ctx, task.Title)
		if err != nil {
			return "", "", err
		}
		task.Branch = working
	}
	if err := branches.EnsureNotDefault(); err != nil {
		return "", "", err
	}

	hints, err := executor.LoadHints(ws.Path)
	if err != nil {
		log.Warnf("ignoring hints: %v", err)
		hints = &executor.Hints{}
	}

	result, err := e.agent.Invoke(ctx, executor.AgentRequest{
		TaskID:      task.ID,
		Repo:        task.Repo,
		UserRequest: task.UserRequest,
		Hints:       hints,
		WorkDir:     ws.Path,
	})
	if result != nil {
		for i := range result.Usage {
			x.bill(ctx, &result.Usage[i])
		}
	}
	if err != nil {
		return "", "", err
	}

	output = result.Output
	response = output
	if task.HasPR() {
		if _, err := branches.PushPRBranch(ctx, working); err != nil {
			return output, "", err
		}
	} else {
		changed, err := branches.FinalizeWorkingBranch(ctx, working)
		if err != nil {
			return output, "", err
		}
		if changed {
			pr, err := e.openPullRequest(ctx, x, working, repo.DefaultBranch, output, hints)
			if err != nil {
				return output, "", err
			}
			response += fmt.Sprintf("\n\n**PR**: [%s](%s)\n\nIf you require further changes, continue our conversation over there!", pr.Title, pr.HTMLURL)
		} else {
			task.Branch = ""
		}
	}

	response += fmt.Sprintf("\n\n---\n📋 **[Log](%s)** ↩️ **[Undo](%s)**",
		respond.TaskURL(e.opts.DashboardURL, task.ID), respond.UndoURL(e.opts.DashboardURL, task.ID))
	return output, response, nil
}

// generateTitle names the task. A failing model falls back to the request.
func (e *Engine) generateTitle(ctx context.Context, x *Execution) {
	task := x.Task
	var issueBody string
	if n := task.Thread(); n > 0 {
		issue, err := x.Client.GetIssue(ctx, task.Repo, n)
		if err != nil {
			clog.FromContext(ctx).Warnf("reading #%d: %v", n, err)
		} else {
			x.issue = issue
			issueBody = issue.Body
			x.record(ctx, domain.ActionReadIssue, strconv.Itoa(n), fmt.Sprintf("Read issue #%d", n))
		}
	}

	title, usage, err := e.summarizer.TaskTitle(ctx, issueBody, task.UserRequest)
	x.bill(ctx, usage)
	if err != nil {
		clog.FromContext(ctx).Warnf("generating title: %v", err)
		title, _, _ = llm.Offline{}.TaskTitle(ctx, "", task.UserRequest)
	}
	if title == "" {
		title = "Task " + task.ID
	}
	task.Title = title
	if err := e.store.SaveTask(ctx, task); err != nil {
		clog.FromContext(ctx).Warnf("saving title: %v", err)
	}
}

func (e *Engine) clone(ctx context.Context, x *Execution) (*executor.Workspace, error) {
	task := x.Task
	token, err := e.provider.GitToken(ctx, task.InstallationID)
	if err != nil {
		return nil, fmt.Errorf("git token: %w", err)
	}
	x.record(ctx, domain.ActionCloneRepo, task.Repo, "Cloning repository")
	url := strings.TrimRight(e.opts.GitURL, "/") + "/" + task.Repo + ".git"
	return e.workspaces.Create(ctx, task.ID, url, executor.TokenAuth(token))
}

func (e *Engine) openPullRequest(ctx context.Context, x *Execution, head, base, output string, hints *executor.Hints) (*hosting.PullRequest, error) {
	task := x.Task
	info, usage, err := e.summarizer.PRInfo(ctx, output)
	x.bill(ctx, usage)
	if err != nil || info == nil {
		if err != nil && !errors.Is(err, llm.ErrUnavailable) {
			clog.FromContext(ctx).Warnf("generating PR info: %v", err)
		}
		info = &llm.PRInfo{Title: task.Title, Labels: []string{PilotLabel}}
	}

	body := output
	if task.CommentURL != "" {
		origin := fmt.Sprintf("#%d", task.Thread())
		if x.issue != nil && x.issue.Title != "" {
			origin = x.issue.Title
		}
		body += fmt.Sprintf("\n\n**Origin:** [%s](%s)", origin, task.CommentURL)
	}

	pr, err := x.Client.CreatePullRequest(ctx, task.Repo, hosting.NewPullRequest{
		Title:  info.Title,
		Body:   body,
		Head:   head,
		Base:   base,
		Labels: Labels(info.Labels, hints.Labels),
	})
	if err != nil {
		return nil, fmt.Errorf("creating pull request: %w", err)
	}
	x.record(ctx, domain.ActionCreatePullRequest, strconv.Itoa(pr.Number),
		fmt.Sprintf("Created [PR #%d](%s) for branch `%s`", pr.Number, pr.HTMLURL, head))
	return pr, nil
}

// Labels merges label sets in order without duplicates and always includes
// PilotLabel.
func Labels(sets ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, set := range append(sets, []string{PilotLabel}) {
		for _, l := range set {
			l = strings.TrimSpace(l)
			if l == "" || seen[l] {
				continue
			}
			seen[l] = true
			out = append(out, l)
		}
	}
	return out
}

// finish records the outcome, answers the user and settles the bill. It
// runs on success and failure alike.
func (e *Engine) finish(ctx context.Context, x *Execution, start time.Time, output, response string, runErr error) {
	task := x.Task
	log := clog.FromContext(ctx)

	var ue *userError
	switch {
	case errors.As(runErr, &ue):
		response = ue.message
		if err := task.Fail(ue.message); err != nil {
			log.Errorf("failing task: %v", err)
		}
	case runErr != nil:
		log.Errorf("task failed: %v", runErr)
		response = respond.FailureMessage(e.opts.DashboardURL, task.ID)
		if err := task.Fail(runErr.Error()); err != nil {
			log.Errorf("failing task: %v", err)
		}
	default:
		if err := task.Transition(domain.StatusCompleted); err != nil {
			log.Errorf("completing task: %v", err)
		}
		task.Result = output
	}
	if err := e.store.SaveTask(ctx, task); err != nil {
		log.Errorf("saving task: %v", err)
	}

	if err := x.Response.Respond(ctx, response); err != nil {
		log.Warnf("responding to user: %v", err)
	} else if err := e.store.SaveTask(ctx, task); err != nil {
		log.Errorf("saving response comment: %v", err)
	}

	bill, err := e.ledger.Finalize(ctx, task, x.Client)
	switch {
	case errors.Is(err, domain.ErrAlreadyBilled):
		log.Infof("task already billed")
	case err != nil:
		log.Errorf("billing: %v", err)
	default:
		telemetry.CreditsBilled.Add(bill.FinalCost())
	}

	telemetry.TasksFinished.WithLabelValues(string(task.Status), string(task.Type)).Inc()
	telemetry.TaskDuration.WithLabelValues(string(task.Status)).Observe(time.Since(start).Seconds())
	log.Infof("task %s in %s", task.Status, time.Since(start).Round(time.Second))

	if err := e.notifier.Send(ctx, notify.TaskFinished(task, respond.TaskURL(e.opts.DashboardURL, task.ID), bill)); err != nil {
		log.Warnf("notifying: %v", err)
	}
}
