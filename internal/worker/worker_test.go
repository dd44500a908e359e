package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/hochfrequenz/taskpilot/internal/domain"
	"github.com/hochfrequenz/taskpilot/internal/queue"
	"github.com/hochfrequenz/taskpilot/internal/taskstore"
	"github.com/hochfrequenz/taskpilot/internal/telemetry"
)

type runnerFunc func(ctx context.Context, taskID string) error

func (f runnerFunc) Run(ctx context.Context, taskID string) error { return f(ctx, taskID) }

type recorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *recorder) Run(_ context.Context, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, taskID)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

func newQueue(t *testing.T, name string) *taskstore.Queue {
	t.Helper()
	store, err := taskstore.New(":memory:")
	if err != nil {
		t.Fatalf("taskstore.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store.Queue(name, 10*time.Millisecond)
}

// inFlight reports how many items are claimed but not acknowledged
func inFlight(t *testing.T, q *taskstore.Queue) int {
	t.Helper()
	n, err := q.Recover(context.Background(), 0)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	return n
}

func pop(t *testing.T, q queue.Queue) *queue.Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := q.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	return d
}

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{6, maxBackoff},
		{20, maxBackoff},
	}
	for _, tt := range tests {
		if got := calculateBackoff(tt.attempt); got != tt.want {
			t.Errorf("calculateBackoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"defaults", Config{}, false},
		{"every five minutes", Config{RecoverSchedule: "*/5 * * * *"}, false},
		{"invalid schedule", Config{RecoverSchedule: "often"}, true},
		{"six fields", Config{RecoverSchedule: "0 */5 * * * *"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			var cfgErr *domain.ConfigurationError
			if tt.wantErr && !errors.As(err, &cfgErr) {
				t.Errorf("error %v is not a ConfigurationError", err)
			}
			if !tt.wantErr && (tt.config.Concurrency != 1 || tt.config.MaxAttempts != 3) {
				t.Errorf("defaults not applied: %+v", tt.config)
			}
		})
	}
}

func TestPool_RunDrainsQueue(t *testing.T) {
	q := newQueue(t, "drain")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for i := 0; i < 5; i++ {
		if err := q.Push(ctx, fmt.Sprintf("task-%d", i)); err != nil {
			t.Fatal(err)
		}
	}

	rec := &recorder{}
	pool, err := New(q, rec, Config{QueueName: "drain", Concurrency: 3})
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for rec.count() < 5 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := rec.count(); got != 5 {
		t.Fatalf("ran %d tasks, want 5", got)
	}
	if n, _ := q.Len(context.Background()); n != 0 {
		t.Errorf("Len = %d, want 0", n)
	}
	if n := inFlight(t, q); n != 0 {
		t.Errorf("%d items still in flight, want all acknowledged", n)
	}
}

func TestHandle(t *testing.T) {
	tests := []struct {
		name       string
		run        runnerFunc
		attempts   int
		wantInFlight bool
	}{
		{
			name: "success is acknowledged",
			run:  func(context.Context, string) error { return nil },
		},
		{
			name: "failure stays in flight",
			run:  func(context.Context, string) error { return errors.New("store down") },
			wantInFlight: true,
		},
		{
			name: "panic stays in flight",
			run:  func(context.Context, string) error { panic("boom") },
			wantInFlight: true,
		},
		{
			name: "unknown task is dropped",
			run: func(_ context.Context, id string) error {
				return fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
			},
		},
		{
			name:     "failure after max attempts is dropped",
			run:      func(context.Context, string) error { return errors.New("store down") },
			attempts: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newQueue(t, "handle")
			if err := q.Push(context.Background(), "task-1"); err != nil {
				t.Fatal(err)
			}
			pool, err := New(q, tt.run, Config{MaxAttempts: tt.attempts})
			if err != nil {
				t.Fatal(err)
			}
			if tt.attempts == 0 {
				pool.config.MaxAttempts = 2
			}

			pool.Handle(context.Background(), pop(t, q))

			got := inFlight(t, q) == 1
			if got != tt.wantInFlight {
				t.Errorf("in flight = %v, want %v", got, tt.wantInFlight)
			}
		})
	}
}

func TestHandle_RedeliveredAfterRecover(t *testing.T) {
	q := newQueue(t, "redeliver")
	if err := q.Push(context.Background(), "task-1"); err != nil {
		t.Fatal(err)
	}
	calls := 0
	pool, err := New(q, runnerFunc(func(context.Context, string) error {
		calls++
		if calls == 1 {
			return errors.New("transient")
		}
		return nil
	}), Config{QueueName: "redeliver", MaxAttempts: 3})
	if err != nil {
		t.Fatal(err)
	}

	pool.Handle(context.Background(), pop(t, q))
	pool.config.StaleAfter = 0
	before := testutil.ToFloat64(telemetry.QueueRedeliveries.WithLabelValues("redeliver"))
	n, err := pool.RecoverStale(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("RecoverStale = %d, %v; want 1", n, err)
	}
	if got := testutil.ToFloat64(telemetry.QueueRedeliveries.WithLabelValues("redeliver")) - before; got != 1 {
		t.Errorf("redelivery metric grew by %v, want 1", got)
	}

	d := pop(t, q)
	if d.Attempt != 2 || d.TaskID != "task-1" {
		t.Errorf("redelivery = %+v, want attempt 2 of task-1", d)
	}
	pool.Handle(context.Background(), d)
	if n := inFlight(t, q); n != 0 {
		t.Errorf("%d items in flight after successful redelivery", n)
	}
}
