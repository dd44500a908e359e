package taskstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hochfrequenz/taskpilot/internal/domain"
)

// AddCostItem stores a usage record
func (s *Store) AddCostItem(ctx context.Context, item *domain.CostItem) error {
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO cost_items (task_id, title, model_name, prompt_tokens, completion_tokens, requests, total_cost_usd, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		item.TaskID, item.Title, item.Model, item.PromptTokens, item.CompletionTokens,
		item.Requests, item.TotalCostUSD, toUnix(item.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("adding cost item for task %s: %w", item.TaskID, err)
	}
	item.ID, err = res.LastInsertId()
	return err
}

// ListCostItems returns the usage records of a task
func (s *Store) ListCostItems(ctx context.Context, taskID string) ([]*domain.CostItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, title, model_name, prompt_tokens, completion_tokens, requests, total_cost_usd, created_at
		FROM cost_items WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*domain.CostItem
	for rows.Next() {
		var item domain.CostItem
		var created int64
		if err := rows.Scan(&item.ID, &item.TaskID, &item.Title, &item.Model, &item.PromptTokens,
			&item.CompletionTokens, &item.Requests, &item.TotalCostUSD, &created); err != nil {
			return nil, err
		}
		item.CreatedAt = fromUnix(created)
		items = append(items, &item)
	}
	return items, rows.Err()
}

// GetBill returns the bill of a task
func (s *Store) GetBill(ctx context.Context, taskID string) (*domain.TaskBill, error) {
	var bill domain.TaskBill
	var created int64
	err := s.db.QueryRowContext(ctx, `
		SELECT task_id, total_credits_used, discount_percent, user_is_owner, project_is_open_source, created_at
		FROM task_bills WHERE task_id = ?`, taskID,
	).Scan(&bill.TaskID, &bill.TotalCreditsUsed, &bill.DiscountPercent, &bill.UserIsOwner, &bill.ProjectIsOpenSource, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("bill for task %s: %w", taskID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	bill.CreatedAt = fromUnix(created)
	return &bill, nil
}

// SettleBill stores the bill and debits the user's budget by its final cost
// in one transaction, returning the new balance. A task is settled at most
// once; a repeat fails with domain.ErrAlreadyBilled and debits nothing.
func (s *Store) SettleBill(ctx context.Context, bill *domain.TaskBill, username string, defaultBalance float64) (float64, error) {
	if bill.CreatedAt.IsZero() {
		bill.CreatedAt = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO task_bills (task_id, total_credits_used, discount_percent, user_is_owner, project_is_open_source, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		bill.TaskID, bill.TotalCreditsUsed, bill.DiscountPercent, bill.UserIsOwner,
		bill.ProjectIsOpenSource, toUnix(bill.CreatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return 0, fmt.Errorf("task %s: %w", bill.TaskID, domain.ErrAlreadyBilled)
		}
		return 0, fmt.Errorf("creating bill for task %s: %w", bill.TaskID, err)
	}

	balance, err := adjustBudget(ctx, tx, username, -bill.FinalCost(), defaultBalance)
	if err != nil {
		return 0, fmt.Errorf("debiting %s: %w", username, err)
	}
	return balance, tx.Commit()
}
