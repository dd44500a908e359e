package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedis(client, "taskpilot:tasks", 50*time.Millisecond), mr
}

func TestRedis_PushPopAck(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestRedis(t)

	require.NoError(t, q.Push(ctx, "task-1"))
	require.NoError(t, q.Push(ctx, "task-2"))

	d, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "task-1", d.TaskID)
	assert.Equal(t, 1, d.Attempt)

	processing, err := mr.List("taskpilot:tasks:processing")
	require.NoError(t, err)
	assert.Equal(t, []string{"task-1"}, processing)

	require.NoError(t, q.Ack(ctx, d))
	assert.False(t, mr.Exists("taskpilot:tasks:processing"))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestRedis_PopCancelled(t *testing.T) {
	q, _ := newTestRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	_, err := q.Pop(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled), "err = %v", err)
}

func TestRedis_RecoverRedeliversUnacked(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestRedis(t)

	require.NoError(t, q.Push(ctx, "task-1"))
	require.NoError(t, q.Push(ctx, "task-2"))
	_, err := q.Pop(ctx)
	require.NoError(t, err)

	n, err := q.Recover(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "fresh deliveries must not be recovered")

	n, err = q.Recover(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	d, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "task-1", d.TaskID, "recovered item goes back to the head")
	assert.Equal(t, 2, d.Attempt)
}

func TestRedis_RecoverGivesUnstampedEntriesAGracePass(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestRedis(t)

	// An id moved by BLMOVE whose inflight HSET has not landed yet.
	_, err := mr.Push("taskpilot:tasks:processing", "task-1")
	require.NoError(t, err)

	n, err := q.Recover(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "unstamped entry must survive its first pass")
	processing, err := mr.List("taskpilot:tasks:processing")
	require.NoError(t, err)
	assert.Equal(t, []string{"task-1"}, processing)
	assert.NotEmpty(t, mr.HGet("taskpilot:tasks:inflight", "task-1"))

	n, err = q.Recover(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "stamp from the grace pass is fresh")

	n, err = q.Recover(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	d, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "task-1", d.TaskID)
}
