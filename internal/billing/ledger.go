// Package billing turns LLM usage into credits and settles one bill per task.
package billing

import (
	"context"
	"fmt"

	"github.com/chainguard-dev/clog"
	"github.com/hochfrequenz/taskpilot/internal/domain"
	"github.com/hochfrequenz/taskpilot/internal/hosting"
)

// Policy holds the pricing and discount rules
type Policy struct {
	CreditMultiplier float64
	DiscountPercent  float64
	MinContributors  int
	MinRecentCommits int
	OSILicenses      []string
	DefaultBudget    float64
}

// Store persists cost items and settles bills
type Store interface {
	ListCostItems(ctx context.Context, taskID string) ([]*domain.CostItem, error)
	SettleBill(ctx context.Context, bill *domain.TaskBill, username string, defaultBalance float64) (float64, error)
}

// RepoInspector is the part of the hosting client used for discounts
type RepoInspector interface {
	GetRepository(ctx context.Context, repo string) (*hosting.Repository, error)
	ContributorCount(ctx context.Context, repo string) (int, error)
	RecentCommitCount(ctx context.Context, repo string, weeks int) (int, error)
}

// Ledger finalizes task bills
type Ledger struct {
	store  Store
	policy Policy
}

// NewLedger creates a ledger
func NewLedger(store Store, policy Policy) *Ledger {
	return &Ledger{store: store, policy: policy}
}

// Finalize computes and settles the bill of a finished task. It must be
// called once per task; a second call returns domain.ErrAlreadyBilled.
func (l *Ledger) Finalize(ctx context.Context, task *domain.Task, repo RepoInspector) (*domain.TaskBill, error) {
	log := clog.FromContext(ctx)

	bill := &domain.TaskBill{TaskID: task.ID}

	r, err := repo.GetRepository(ctx, task.Repo)
	if err != nil {
		log.Warnf("billing: looking up %s: %v", task.Repo, err)
	} else {
		bill.UserIsOwner = r.Owner == task.User
		eligible, err := l.IsActiveOpenSource(ctx, r, repo)
		if err != nil {
			log.Warnf("billing: open source check for %s: %v", task.Repo, err)
		}
		bill.ProjectIsOpenSource = eligible
	}
	if bill.ProjectIsOpenSource {
		bill.DiscountPercent = l.policy.DiscountPercent
	}

	items, err := l.store.ListCostItems(ctx, task.ID)
	if err != nil {
		return nil, fmt.Errorf("listing cost items of %s: %w", task.ID, err)
	}
	for _, item := range items {
		bill.TotalCreditsUsed += item.Credits(l.policy.CreditMultiplier)
	}

	balance, err := l.store.SettleBill(ctx, bill, task.User, l.policy.DefaultBudget)
	if err != nil {
		return nil, err
	}
	log.With("credits", bill.TotalCreditsUsed, "final_cost", bill.FinalCost(), "balance", balance).
		Info("billing: task settled")
	return bill, nil
}

// IsActiveOpenSource reports whether a repository qualifies for the
// open-source discount: public, OSI licensed, and above the contributor and
// recent-commit thresholds.
func (l *Ledger) IsActiveOpenSource(ctx context.Context, r *hosting.Repository, repo RepoInspector) (bool, error) {
	if r.Private || !l.osiApproved(r.License) {
		return false, nil
	}
	contributors, err := repo.ContributorCount(ctx, r.FullName)
	if err != nil {
		return false, err
	}
	if contributors <= l.policy.MinContributors {
		return false, nil
	}
	commits, err := repo.RecentCommitCount(ctx, r.FullName, 4)
	if err != nil {
		return false, err
	}
	return commits > l.policy.MinRecentCommits, nil
}

func (l *Ledger) osiApproved(license string) bool {
	for _, id := range l.policy.OSILicenses {
		if id == license {
			return true
		}
	}
	return false
}
