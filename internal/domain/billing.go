package domain

import "time"

// CostItem is one usage record for a unit of LLM work
type CostItem struct {
	ID               int64
	TaskID           string
	Title            string
	Model            string
	PromptTokens     int
	CompletionTokens int
	Requests         int
	TotalCostUSD     float64
	CreatedAt        time.Time
}

// Credits converts the item's dollar cost into credits
func (c *CostItem) Credits(multiplier float64) float64 {
	return c.TotalCostUSD * multiplier * 100
}

// TaskBill is the finalized ledger row of a task
type TaskBill struct {
	TaskID              string
	TotalCreditsUsed    float64
	DiscountPercent     float64 // 20 means 20%
	UserIsOwner         bool
	ProjectIsOpenSource bool
	CreatedAt           time.Time
}

// FinalCost is the amount charged after the discount
func (b *TaskBill) FinalCost() float64 {
	return b.TotalCreditsUsed * (1 - b.DiscountPercent/100)
}

// UserBudget is a user's remaining credit balance
type UserBudget struct {
	Username  string
	Balance   float64
	UpdatedAt time.Time
}

// Exhausted reports whether the user may no longer start tasks
func (b *UserBudget) Exhausted() bool {
	return b.Balance <= 0
}
