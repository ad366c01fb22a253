package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"production-planner/internal/config"
)

var base = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

func newQueue(t *testing.T) (*RedisQueue, *time.Time) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q := NewRedisQueue(client, config.Config{
		PriorityQueues:    []string{"high", "default", "low"},
		VisibilityTimeout: 30 * time.Second,
		DLQName:           "queue:dlq",
	})
	clock := base
	q.now = func() time.Time { return clock }
	return q, &clock
}

func TestDequeueHonoursPriorityOrder(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)

	require.NoError(t, q.Enqueue(ctx, "r-low", "low", base))
	require.NoError(t, q.Enqueue(ctx, "r-default", "", base))
	require.NoError(t, q.Enqueue(ctx, "r-high", "high", base))

	depth, err := q.ReadyDepth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, depth)

	var got []string
	for i := 0; i < 3; i++ {
		id, err := q.DequeueWithLease(ctx)
		require.NoError(t, err)
		got = append(got, id)
	}
	assert.Equal(t, []string{"r-high", "r-default", "r-low"}, got)

	id, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Empty(t, id)

	inflight, err := q.InFlight(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, inflight)
}

func TestScheduledRunsArePromotedWhenDue(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)

	require.NoError(t, q.Enqueue(ctx, "later", "high", base.Add(time.Minute)))
	n, err := q.PromoteScheduled(ctx, base, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = q.PromoteScheduled(ctx, base.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	id, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, "later", id)
}

func TestExpiredLeaseIsRequeued(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)

	require.NoError(t, q.Enqueue(ctx, "r1", "low", base))
	id, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.Equal(t, "r1", id)

	ids, err := q.RequeueExpired(ctx, base.Add(10*time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = q.RequeueExpired(ctx, base.Add(31*time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, ids)

	id, err = q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, "r1", id)
}

func TestAckCancelAndDeadLetter(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)

	require.NoError(t, q.Enqueue(ctx, "ok", "default", base))
	require.NoError(t, q.Enqueue(ctx, "bad", "default", base))
	require.NoError(t, q.Enqueue(ctx, "dropped", "default", base))
	require.NoError(t, q.Cancel(ctx, "dropped"))

	first, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Ack(ctx, first))
	second, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.NoError(t, q.DLQPush(ctx, second))

	inflight, err := q.InFlight(ctx)
	require.NoError(t, err)
	assert.Zero(t, inflight)
	depth, err := q.ReadyDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)

	dlq, err := q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"bad"}, dlq)
}

func TestRetryScheduleLeavesInflight(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)

	require.NoError(t, q.Enqueue(ctx, "retry", "unknown-priority", base))
	id, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.Equal(t, "retry", id)

	require.NoError(t, q.Schedule(ctx, id, "high", base.Add(5*time.Second)))
	inflight, err := q.InFlight(ctx)
	require.NoError(t, err)
	assert.Zero(t, inflight)

	n, err := q.PromoteScheduled(ctx, base.Add(5*time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, q.KnownPriority("high"))
	assert.False(t, q.KnownPriority("urgent"))
}
