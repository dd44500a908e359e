package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/redis/go-redis/v9"
)

// Redis is a reliable queue on top of Redis lists. Popped ids are moved
// atomically to a processing list and stay there until acknowledged.
type Redis struct {
	client     redis.UniversalClient
	key        string
	processing string
	inflight   string
	attempts   string
	block      time.Duration
}

var _ Queue = (*Redis)(nil)

// NewRedis creates a queue stored under the given name
func NewRedis(client redis.UniversalClient, name string, block time.Duration) *Redis {
	if block <= 0 {
		block = 5 * time.Second
	}
	return &Redis{
		client:     client,
		key:        name,
		processing: name + ":processing",
		inflight:   name + ":inflight",
		attempts:   name + ":attempts",
		block:      block,
	}
}

// Push appends a task id to the queue
func (r *Redis) Push(ctx context.Context, taskID string) error {
	if err := r.client.RPush(ctx, r.key, taskID).Err(); err != nil {
		return fmt.Errorf("pushing task %s: %w", taskID, err)
	}
	return nil
}

// Pop blocks until an id can be moved to the processing list
func (r *Redis) Pop(ctx context.Context) (*Delivery, error) {
	for {
		id, err := r.client.BLMove(ctx, r.key, r.processing, "LEFT", "RIGHT", r.block).Result()
		if errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("popping from %s: %w", r.key, err)
		}

		var attempt *redis.IntCmd
		_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, r.inflight, id, time.Now().UnixNano())
			attempt = p.HIncrBy(ctx, r.attempts, id, 1)
			return nil
		})
		if err != nil {
			// The id is already in the processing list; Recover will return it.
			clog.FromContext(ctx).Warnf("recording delivery of %s: %v", id, err)
		}
		d := &Delivery{ID: id, TaskID: id, Attempt: 1}
		if attempt != nil && attempt.Err() == nil {
			d.Attempt = int(attempt.Val())
		}
		return d, nil
	}
}

// Ack removes the delivery from the processing list
func (r *Redis) Ack(ctx context.Context, d *Delivery) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, r.processing, 1, d.ID)
		p.HDel(ctx, r.inflight, d.ID)
		p.HDel(ctx, r.attempts, d.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("acking task %s: %w", d.TaskID, err)
	}
	return nil
}

// Recover moves processing entries older than staleAfter back to the head
// of the queue. An entry without an in-flight timestamp may be a Pop that
// has not recorded its delivery yet, so it is stamped now and only becomes
// eligible on a later pass.
func (r *Redis) Recover(ctx context.Context, staleAfter time.Duration) (int, error) {
	ids, err := r.client.LRange(ctx, r.processing, 0, -1).Result()
	if err != nil {
		return 0, err
	}
	stamps, err := r.client.HGetAll(ctx, r.inflight).Result()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-staleAfter).UnixNano()
	recovered := 0
	for _, id := range ids {
		ts, ok := stamps[id]
		if !ok {
			if err := r.client.HSetNX(ctx, r.inflight, id, time.Now().UnixNano()).Err(); err != nil {
				return recovered, err
			}
			continue
		}
		if n, err := strconv.ParseInt(ts, 10, 64); err == nil && n > cutoff {
			continue
		}

		removed, err := r.client.LRem(ctx, r.processing, 1, id).Result()
		if err != nil {
			return recovered, err
		}
		if removed == 0 {
			continue // acked meanwhile
		}
		_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.LPush(ctx, r.key, id)
			p.HDel(ctx, r.inflight, id)
			return nil
		})
		if err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

// Len reports the number of ids waiting in the queue
func (r *Redis) Len(ctx context.Context) (int64, error) {
	return r.client.LLen(ctx, r.key).Result()
}
