package billing

import (
	"context"
	"errors"
	"testing"

	"github.com/hochfrequenz/taskpilot/internal/domain"
)

type memCosts struct {
	items []*domain.CostItem
}

func (m *memCosts) AddCostItem(_ context.Context, item *domain.CostItem) error {
	m.items = append(m.items, item)
	return nil
}

func TestRecorder_Cost(t *testing.T) {
	prices := map[string]Price{"sonnet": {Prompt: 3, Completion: 15}}
	rec := NewRecorder(&memCosts{}, "t1", prices)

	tests := []struct {
		name string
		u    Usage
		want float64
	}{
		{"priced", Usage{Model: "sonnet", PromptTokens: 1_000_000, CompletionTokens: 100_000}, 4.5},
		{"reported", Usage{Model: "sonnet", PromptTokens: 1_000_000, CostUSD: 0.1}, 0.1},
		{"unknown model", Usage{Model: "other", PromptTokens: 1_000_000}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rec.Cost(tt.u); got != tt.want {
				t.Errorf("Cost = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRecorder_Record(t *testing.T) {
	store := &memCosts{}
	rec := NewRecorder(store, "t1", nil)

	item, err := rec.Record(context.Background(), Usage{Title: "title", Model: "m", CostUSD: 0.5})
	if err != nil {
		t.Fatal(err)
	}
	if item.TaskID != "t1" || item.Requests != 1 || item.TotalCostUSD != 0.5 {
		t.Errorf("item = %+v", item)
	}
	if len(store.items) != 1 {
		t.Errorf("stored %d items, want 1", len(store.items))
	}

	unbound := NewRecorder(store, "", nil)
	if _, err := unbound.Record(context.Background(), Usage{}); !errors.Is(err, domain.ErrNoTask) {
		t.Errorf("unbound Record error = %v, want ErrNoTask", err)
	}
}
