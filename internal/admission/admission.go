// Package admission decides whether a scheduled task may run.
package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/hochfrequenz/taskpilot/internal/domain"
	"github.com/hochfrequenz/taskpilot/internal/respond"
	"github.com/hochfrequenz/taskpilot/internal/telemetry"
)

// Store is the persistence admission needs
type Store interface {
	GetOrCreateBudget(ctx context.Context, username string, defaultBalance float64) (*domain.UserBudget, error)
	CountRecentTasks(ctx context.Context, repo string, since time.Time, excludeID string) (int, error)
	SaveTask(ctx context.Context, task *domain.Task) error
}

// PermissionChecker looks up a user's live access to a repository
type PermissionChecker interface {
	CollaboratorPermission(ctx context.Context, repo, user string) (domain.Permission, error)
}

// Policy holds the admission thresholds
type Policy struct {
	RateLimit     int
	Window        time.Duration
	DefaultBudget float64
	PurchaseURL   string
}

// Result is the outcome of admitting one task
type Result struct {
	Allowed bool
	// Reason is nil when allowed and wraps one of the admission sentinels
	// otherwise.
	Reason error
}

// Controller runs the admission checks in fixed order
type Controller struct {
	store  Store
	policy Policy
	now    func() time.Time
}

// NewController creates a new Controller
func NewController(store Store, policy Policy) *Controller {
	if policy.PurchaseURL == "" {
		policy.PurchaseURL = "https://app.pr-pilot.ai"
	}
	return &Controller{store: store, policy: policy, now: time.Now}
}

// Admit acknowledges the trigger, then checks budget, permission and rate
// limit. A failed check answers the user, fails the task and persists it.
// Admit never returns an error; infrastructure failures deny the task.
func (c *Controller) Admit(ctx context.Context, task *domain.Task, perms PermissionChecker, rc respond.Context) Result {
	log := clog.FromContext(ctx).With("task_id", task.ID, "github_project", task.Repo, "github_user", task.User)

	if err := rc.Acknowledge(ctx); err != nil {
		log.Warnf("acknowledging trigger: %v", err)
	}

	message, reason := c.check(ctx, task, perms)
	if reason == nil {
		telemetry.AdmissionDecisions.WithLabelValues("allowed").Inc()
		return Result{Allowed: true}
	}

	log.Infof("task denied: %v", reason)
	telemetry.AdmissionDecisions.WithLabelValues(outcome(reason)).Inc()

	if err := rc.Respond(ctx, message); err != nil {
		log.Warnf("responding to denied task: %v", err)
	}
	if err := task.Fail(message); err != nil {
		log.Errorf("failing task: %v", err)
	}
	if err := c.store.SaveTask(ctx, task); err != nil {
		log.Errorf("saving denied task: %v", err)
	}
	return Result{Allowed: false, Reason: reason}
}

// check runs budget, permission and rate limit in that order and stops at
// the first failure. It returns the user-facing message and the reason, or an
// empty message and nil.
func (c *Controller) check(ctx context.Context, task *domain.Task, perms PermissionChecker) (string, error) {
	budget, err := c.store.GetOrCreateBudget(ctx, task.User, c.policy.DefaultBudget)
	if err != nil {
		return genericMessage, fmt.Errorf("%w: reading budget: %v", domain.ErrAdmissionUnavailable, err)
	}
	if budget.Exhausted() {
		return fmt.Sprintf("You have used up your budget. Please visit the [Dashboard](%s) to purchase more credits.", c.policy.PurchaseURL),
			fmt.Errorf("%w: balance %.2f", domain.ErrBudgetExhausted, budget.Balance)
	}

	perm, err := perms.CollaboratorPermission(ctx, task.Repo, task.User)
	if err != nil {
		clog.FromContext(ctx).Warnf("permission lookup for %s on %s: %v", task.User, task.Repo, err)
		perm = domain.PermissionNone
	}
	if !perm.CanWrite() {
		return fmt.Sprintf("Sorry @%s, you must be a collaborator of `%s` to run commands on this project.", task.User, task.Repo),
			fmt.Errorf("%w: %s has %s", domain.ErrInsufficientPermission, task.User, perm)
	}

	if c.policy.RateLimit <= 0 {
		return "", nil
	}
	count, err := c.store.CountRecentTasks(ctx, task.Repo, c.now().Add(-c.policy.Window), task.ID)
	if err != nil {
		return genericMessage, fmt.Errorf("%w: counting tasks: %v", domain.ErrAdmissionUnavailable, err)
	}
	if count >= c.policy.RateLimit {
		return fmt.Sprintf("Sorry @%s, the project `%s` has reached the rate limit of %d per %d minutes. Please try again later.",
				task.User, task.Repo, c.policy.RateLimit, int(c.policy.Window.Minutes())),
			fmt.Errorf("%w: %d tasks in %s", domain.ErrRateLimited, count, c.policy.Window)
	}
	return "", nil
}

const genericMessage = "Sorry, I could not process your request right now. Please try again later."

func outcome(reason error) string {
	switch {
	case errors.Is(reason, domain.ErrBudgetExhausted):
		return "budget_exhausted"
	case errors.Is(reason, domain.ErrInsufficientPermission):
		return "insufficient_permission"
	case errors.Is(reason, domain.ErrRateLimited):
		return "rate_limited"
	default:
		return "error"
	}
}
