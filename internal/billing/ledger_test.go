package billing

import (
	"context"
	"errors"
	"testing"

	"github.com/hochfrequenz/taskpilot/internal/domain"
	"github.com/hochfrequenz/taskpilot/internal/hosting/hostingtest"
	"github.com/hochfrequenz/taskpilot/internal/taskstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPolicy = Policy{
	CreditMultiplier: 1,
	DiscountPercent:  20,
	MinContributors:  5,
	MinRecentCommits: 10,
	OSILicenses:      []string{"MIT", "Apache-2.0"},
	DefaultBudget:    500,
}

func setupLedger(t *testing.T, usd ...float64) (*Ledger, *taskstore.Store, *domain.Task) {
	t.Helper()
	ctx := context.Background()
	store, err := taskstore.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	task := domain.NewTask(domain.TypeStandalone, "acme/api", "octocat", "refactor")
	require.NoError(t, store.CreateTask(ctx, task))

	rec := NewRecorder(store, task.ID, nil)
	for _, v := range usd {
		_, err := rec.Record(ctx, Usage{Title: "agent", Model: "claude", CostUSD: v})
		require.NoError(t, err)
	}
	return NewLedger(store, testPolicy), store, task
}

func activeRepo() *hostingtest.Fake {
	gh := hostingtest.New("acme/api", "main")
	gh.Contributors = 6
	gh.RecentCommits = 11
	return gh
}

func TestLedger_FinalizeWithDiscount(t *testing.T) {
	ctx := context.Background()
	ledger, store, task := setupLedger(t, 0.25, 0.75)

	bill, err := ledger.Finalize(ctx, task, activeRepo())
	require.NoError(t, err)

	assert.InDelta(t, 100, bill.TotalCreditsUsed, 1e-9)
	assert.Equal(t, 20.0, bill.DiscountPercent)
	assert.True(t, bill.ProjectIsOpenSource)
	assert.InDelta(t, 80, bill.FinalCost(), 1e-9)

	budget, err := store.GetOrCreateBudget(ctx, "octocat", 500)
	require.NoError(t, err)
	assert.InDelta(t, 420, budget.Balance, 1e-9)
}

func TestLedger_FinalizeWithoutDiscount(t *testing.T) {
	ctx := context.Background()
	ledger, store, task := setupLedger(t, 1)

	gh := activeRepo()
	gh.Repos["acme/api"].Private = true

	bill, err := ledger.Finalize(ctx, task, gh)
	require.NoError(t, err)
	assert.False(t, bill.ProjectIsOpenSource)
	assert.Zero(t, bill.DiscountPercent)
	assert.InDelta(t, 100, bill.FinalCost(), 1e-9)

	budget, err := store.GetOrCreateBudget(ctx, "octocat", 500)
	require.NoError(t, err)
	assert.InDelta(t, 400, budget.Balance, 1e-9)
}

func TestLedger_FinalizeOnlyOnce(t *testing.T) {
	ctx := context.Background()
	ledger, store, task := setupLedger(t, 1)
	gh := activeRepo()

	_, err := ledger.Finalize(ctx, task, gh)
	require.NoError(t, err)
	_, err = ledger.Finalize(ctx, task, gh)
	assert.True(t, errors.Is(err, domain.ErrAlreadyBilled), "err = %v", err)

	budget, err := store.GetOrCreateBudget(ctx, "octocat", 500)
	require.NoError(t, err)
	assert.InDelta(t, 420, budget.Balance, 1e-9, "second finalize must not debit")
}

func TestLedger_OwnerFlag(t *testing.T) {
	ctx := context.Background()
	ledger, _, task := setupLedger(t)
	task.User = "acme"

	bill, err := ledger.Finalize(ctx, task, activeRepo())
	require.NoError(t, err)
	assert.True(t, bill.UserIsOwner)
	assert.Zero(t, bill.TotalCreditsUsed)
}

func TestLedger_HostingFailureStillBills(t *testing.T) {
	ctx := context.Background()
	ledger, _, task := setupLedger(t, 1)
	gh := activeRepo()
	gh.Err = errors.New("github down")

	bill, err := ledger.Finalize(ctx, task, gh)
	require.NoError(t, err)
	assert.False(t, bill.ProjectIsOpenSource)
	assert.InDelta(t, 100, bill.FinalCost(), 1e-9)
}

func TestLedger_IsActiveOpenSource(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*hostingtest.Fake)
		want   bool
	}{
		{"active", func(*hostingtest.Fake) {}, true},
		{"private", func(f *hostingtest.Fake) { f.Repos["acme/api"].Private = true }, false},
		{"proprietary", func(f *hostingtest.Fake) { f.Repos["acme/api"].License = "NOASSERTION" }, false},
		{"few contributors", func(f *hostingtest.Fake) { f.Contributors = 5 }, false},
		{"quiet", func(f *hostingtest.Fake) { f.RecentCommits = 10 }, false},
	}

	ledger := NewLedger(nil, testPolicy)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gh := activeRepo()
			tt.mutate(gh)
			got, err := ledger.IsActiveOpenSource(context.Background(), gh.Repos["acme/api"], gh)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
