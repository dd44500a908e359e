package admission

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hochfrequenz/taskpilot/internal/domain"
	"github.com/hochfrequenz/taskpilot/internal/hosting/hostingtest"
	"github.com/hochfrequenz/taskpilot/internal/respond"
	"github.com/hochfrequenz/taskpilot/internal/taskstore"
)

const repo = "acme/api"

type fixture struct {
	store *taskstore.Store
	fake  *hostingtest.Fake
	ctrl  *Controller
}

func newFixture(t *testing.T, policy Policy) *fixture {
	t.Helper()
	store, err := taskstore.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	fake := hostingtest.New(repo, "main")
	fake.Permissions["alice"] = domain.PermissionWrite
	return &fixture{store: store, fake: fake, ctrl: NewController(store, policy)}
}

func (f *fixture) newTask(t *testing.T, user string) *domain.Task {
	t.Helper()
	task := domain.NewTask(domain.TypeIssue, repo, user, "add a README")
	task.IssueNumber = 5
	task.Command = "add a README"
	task.CommentID = f.fake.AddComment(5, "/pilot add a README")
	if err := f.store.CreateTask(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	return task
}

func (f *fixture) admit(t *testing.T, task *domain.Task) Result {
	t.Helper()
	rc := respond.New(task, f.fake, nil, "https://dash.test")
	return f.ctrl.Admit(context.Background(), task, f.fake, rc)
}

func defaultPolicy() Policy {
	return Policy{RateLimit: 10, Window: 10 * time.Minute, DefaultBudget: 500}
}

func TestAdmit_Allowed(t *testing.T) {
	f := newFixture(t, defaultPolicy())
	task := f.newTask(t, "alice")

	res := f.admit(t, task)
	if !res.Allowed || res.Reason != nil {
		t.Fatalf("Admit = %+v, want allowed", res)
	}
	if task.Status != domain.StatusScheduled {
		t.Errorf("status = %s, want scheduled", task.Status)
	}
	if got := f.fake.Comments[task.CommentID].Body; !strings.HasPrefix(got, "**/pilot** [add a README](") {
		t.Errorf("trigger not acknowledged: %q", got)
	}
	if n := len(f.fake.CommentsOn(5)); n != 1 {
		t.Errorf("thread has %d comments, want only the trigger", n)
	}
}

func TestAdmit_Budget(t *testing.T) {
	tests := []struct {
		balance float64
		allowed bool
	}{
		{-5, false},
		{0, false},
		{0.01, true},
		{100, true},
	}

	for _, tt := range tests {
		f := newFixture(t, defaultPolicy())
		if err := f.store.SetBudget(context.Background(), "alice", tt.balance); err != nil {
			t.Fatal(err)
		}
		task := f.newTask(t, "alice")

		res := f.admit(t, task)
		if res.Allowed != tt.allowed {
			t.Errorf("balance %v: allowed = %v, want %v", tt.balance, res.Allowed, tt.allowed)
			continue
		}
		if tt.allowed {
			continue
		}
		if !errors.Is(res.Reason, domain.ErrBudgetExhausted) {
			t.Errorf("balance %v: reason = %v", tt.balance, res.Reason)
		}
		stored, err := f.store.GetTask(context.Background(), task.ID)
		if err != nil {
			t.Fatal(err)
		}
		if stored.Status != domain.StatusFailed || !strings.Contains(stored.Result, "used up your budget") {
			t.Errorf("balance %v: stored task = %s %q", tt.balance, stored.Status, stored.Result)
		}
		thread := f.fake.CommentsOn(5)
		if len(thread) != 2 || !strings.Contains(thread[1].Body, "purchase more credits") {
			t.Errorf("balance %v: user not told about the budget", tt.balance)
		}
	}
}

func TestAdmit_Permission(t *testing.T) {
	tests := []struct {
		perm    domain.Permission
		allowed bool
	}{
		{domain.PermissionAdmin, true},
		{domain.PermissionWrite, true},
		{domain.PermissionRead, false},
		{domain.PermissionNone, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.perm), func(t *testing.T) {
			f := newFixture(t, defaultPolicy())
			f.fake.Permissions["bob"] = tt.perm
			task := f.newTask(t, "bob")

			res := f.admit(t, task)
			if res.Allowed != tt.allowed {
				t.Fatalf("allowed = %v, want %v", res.Allowed, tt.allowed)
			}
			if !tt.allowed {
				if !errors.Is(res.Reason, domain.ErrInsufficientPermission) {
					t.Errorf("reason = %v", res.Reason)
				}
				if want := "Sorry @bob, you must be a collaborator of `acme/api`"; !strings.HasPrefix(task.Result, want) {
					t.Errorf("result = %q", task.Result)
				}
			}
		})
	}
}

func TestAdmit_PermissionLookupFailureDenies(t *testing.T) {
	f := newFixture(t, defaultPolicy())
	task := f.newTask(t, "alice")
	f.fake.Err = errors.New("github down")

	res := f.admit(t, task)
	if res.Allowed || !errors.Is(res.Reason, domain.ErrInsufficientPermission) {
		t.Errorf("Admit = %+v", res)
	}
	if task.Status != domain.StatusFailed {
		t.Errorf("status = %s", task.Status)
	}
}

func TestAdmit_RateLimitBoundary(t *testing.T) {
	const threshold = 3
	tests := []struct {
		existing int
		allowed  bool
	}{
		{0, true},
		{threshold - 1, true},
		{threshold, false},
		{threshold + 2, false},
	}

	for _, tt := range tests {
		policy := defaultPolicy()
		policy.RateLimit = threshold
		f := newFixture(t, policy)
		for i := 0; i < tt.existing; i++ {
			f.newTask(t, "alice")
		}
		task := f.newTask(t, "alice")

		res := f.admit(t, task)
		if res.Allowed != tt.allowed {
			t.Errorf("%d existing: allowed = %v, want %v", tt.existing, res.Allowed, tt.allowed)
			continue
		}
		if !tt.allowed {
			if !errors.Is(res.Reason, domain.ErrRateLimited) {
				t.Errorf("%d existing: reason = %v", tt.existing, res.Reason)
			}
			want := "the project `acme/api` has reached the rate limit of 3 per 10 minutes"
			if !strings.Contains(task.Result, want) {
				t.Errorf("result = %q", task.Result)
			}
		}
	}
}

func TestAdmit_RateLimitWindow(t *testing.T) {
	policy := defaultPolicy()
	policy.RateLimit = 1
	f := newFixture(t, policy)
	f.newTask(t, "alice")
	task := f.newTask(t, "alice")

	// Move the clock past the window so the earlier task no longer counts.
	f.ctrl.now = func() time.Time { return time.Now().Add(11 * time.Minute) }
	if res := f.admit(t, task); !res.Allowed {
		t.Errorf("Admit = %+v, want allowed outside the window", res)
	}
}

func TestAdmit_BudgetCheckedFirst(t *testing.T) {
	f := newFixture(t, defaultPolicy())
	if err := f.store.SetBudget(context.Background(), "mallory", 0); err != nil {
		t.Fatal(err)
	}
	task := f.newTask(t, "mallory") // no permission either

	perms := &countingPerms{PermissionChecker: f.fake}
	rc := respond.New(task, f.fake, nil, "https://dash.test")
	res := f.ctrl.Admit(context.Background(), task, perms, rc)
	if !errors.Is(res.Reason, domain.ErrBudgetExhausted) {
		t.Errorf("reason = %v, want budget first", res.Reason)
	}
	if perms.calls != 0 {
		t.Errorf("permission looked up %d times after the budget check failed", perms.calls)
	}
}

func TestAdmit_PermissionStopsBeforeRateLimit(t *testing.T) {
	f := newFixture(t, defaultPolicy())
	store := &failingStore{Store: f.store, countErr: errors.New("count must not run")}
	ctrl := NewController(store, defaultPolicy())
	task := f.newTask(t, "mallory")

	rc := respond.New(task, f.fake, nil, "https://dash.test")
	res := ctrl.Admit(context.Background(), task, f.fake, rc)
	if !errors.Is(res.Reason, domain.ErrInsufficientPermission) {
		t.Errorf("reason = %v, want insufficient permission", res.Reason)
	}
	if store.countCalls != 0 {
		t.Errorf("rate limit counted %d times after the permission check failed", store.countCalls)
	}
}

func TestAdmit_StoreOutage(t *testing.T) {
	tests := []struct {
		name      string
		budgetErr error
		countErr  error
	}{
		{name: "budget read fails", budgetErr: errors.New("disk I/O error")},
		{name: "task count fails", countErr: errors.New("database is locked")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, defaultPolicy())
			store := &failingStore{Store: f.store, budgetErr: tt.budgetErr, countErr: tt.countErr}
			ctrl := NewController(store, defaultPolicy())
			task := f.newTask(t, "alice")

			rc := respond.New(task, f.fake, nil, "https://dash.test")
			res := ctrl.Admit(context.Background(), task, f.fake, rc)
			if res.Allowed {
				t.Fatal("outage should deny the task")
			}
			if !errors.Is(res.Reason, domain.ErrAdmissionUnavailable) {
				t.Errorf("reason = %v, want admission unavailable", res.Reason)
			}
			if errors.Is(res.Reason, domain.ErrBudgetExhausted) || errors.Is(res.Reason, domain.ErrRateLimited) {
				t.Errorf("outage reported as a policy denial: %v", res.Reason)
			}
			if got := outcome(res.Reason); got != "error" {
				t.Errorf("outcome = %q, want error", got)
			}
			if task.Result != genericMessage {
				t.Errorf("result = %q", task.Result)
			}
		})
	}
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		reason error
		want   string
	}{
		{domain.ErrBudgetExhausted, "budget_exhausted"},
		{domain.ErrInsufficientPermission, "insufficient_permission"},
		{domain.ErrRateLimited, "rate_limited"},
		{domain.ErrAdmissionUnavailable, "error"},
	}
	for _, tt := range tests {
		if got := outcome(tt.reason); got != tt.want {
			t.Errorf("outcome(%v) = %q, want %q", tt.reason, got, tt.want)
		}
	}
}

type countingPerms struct {
	PermissionChecker
	calls int
}

func (p *countingPerms) CollaboratorPermission(ctx context.Context, repo, user string) (domain.Permission, error) {
	p.calls++
	return p.PermissionChecker.CollaboratorPermission(ctx, repo, user)
}

type failingStore struct {
	*taskstore.Store
	budgetErr  error
	countErr   error
	countCalls int
}

func (s *failingStore) GetOrCreateBudget(ctx context.Context, username string, defaultBalance float64) (*domain.UserBudget, error) {
	if s.budgetErr != nil {
		return nil, s.budgetErr
	}
	return s.Store.GetOrCreateBudget(ctx, username, defaultBalance)
}

func (s *failingStore) CountRecentTasks(ctx context.Context, repo string, since time.Time, excludeID string) (int, error) {
	s.countCalls++
	if s.countErr != nil {
		return 0, s.countErr
	}
	return s.Store.CountRecentTasks(ctx, repo, since, excludeID)
}
