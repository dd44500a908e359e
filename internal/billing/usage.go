package billing

import (
	"context"

	"github.com/hochfrequenz/taskpilot/internal/domain"
)

// Price is the USD price per million tokens
type Price struct {
	Prompt     float64
	Completion float64
}

// Usage describes one unit of LLM work
type Usage struct {
	Title            string
	Model            string
	PromptTokens     int
	CompletionTokens int
	Requests         int
	// CostUSD is used as-is when the producer reports it.
	CostUSD float64
}

// CostStore persists cost items
type CostStore interface {
	AddCostItem(ctx context.Context, item *domain.CostItem) error
}

// Recorder converts usage of one task into cost items
type Recorder struct {
	store  CostStore
	taskID string
	prices map[string]Price
}

// NewRecorder binds a recorder to a task
func NewRecorder(store CostStore, taskID string, prices map[string]Price) *Recorder {
	return &Recorder{store: store, taskID: taskID, prices: prices}
}

// Cost prices usage with the model table; unknown models cost nothing
// unless the producer reported a cost.
func (r *Recorder) Cost(u Usage) float64 {
	if u.CostUSD > 0 {
		return u.CostUSD
	}
	p := r.prices[u.Model]
	return (float64(u.PromptTokens)*p.Prompt + float64(u.CompletionTokens)*p.Completion) / 1e6
}

// Record stores a cost item for the bound task
func (r *Recorder) Record(ctx context.Context, u Usage) (*domain.CostItem, error) {
	if r.taskID == "" {
		return nil, domain.ErrNoTask
	}
	requests := u.Requests
	if requests == 0 {
		requests = 1
	}
	item := &domain.CostItem{
		TaskID:           r.taskID,
		Title:            u.Title,
		Model:            u.Model,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		Requests:         requests,
		TotalCostUSD:     r.Cost(u),
	}
	if err := r.store.AddCostItem(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}
