// Package queue provides the durable FIFO used by the durable-queue dispatch
// strategy. Deliveries stay in flight until acknowledged, so a worker that
// dies mid-task leaves its item to be recovered and delivered again.
package queue

import (
	"context"
	"time"
)

// Delivery is one popped queue item awaiting acknowledgment
type Delivery struct {
	ID      string // backend receipt
	TaskID  string
	Attempt int
}

// Queue is a durable FIFO of task ids with at-least-once delivery
type Queue interface {
	// Push appends a task id to the tail of the queue.
	Push(ctx context.Context, taskID string) error
	// Pop blocks until an item is available or ctx is done. The item stays
	// in flight until Ack is called.
	Pop(ctx context.Context) (*Delivery, error)
	// Ack removes a delivered item for good.
	Ack(ctx context.Context, d *Delivery) error
	// Recover returns in-flight items older than staleAfter to the queue.
	Recover(ctx context.Context, staleAfter time.Duration) (int, error)
	// Len reports the number of items waiting to be popped.
	Len(ctx context.Context) (int64, error)
}
