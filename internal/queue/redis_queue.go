package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"production-planner/internal/config"
)

const defaultPriority = "default"

// RedisQueue coordinates ready, in-flight and scheduled planning runs in Redis.
// Only run IDs live in Redis; the run row itself is owned by the store.
type RedisQueue struct {
	client         *redis.Client
	priorityQueues []string
	inflightKey    string
	scheduledKey   string
	runMetaPrefix  string
	visibilityTTL  time.Duration
	dlqKey         string
	now            func() time.Time
}

// NewRedisClient builds the shared Redis client used by the queue, the
// distributed locker and the rate limiter.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewRedisQueue wraps client with the queue layout from cfg.
func NewRedisQueue(client *redis.Client, cfg config.Config) *RedisQueue {
	priorities := cfg.PriorityQueues
	if len(priorities) == 0 {
		priorities = []string{defaultPriority}
	}
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "queue:dlq"
	}
	return &RedisQueue{
		client:         client,
		priorityQueues: priorities,
		inflightKey:    "queue:inflight",
		scheduledKey:   "queue:scheduled",
		runMetaPrefix:  "queue:runmeta:",
		visibilityTTL:  visibility,
		dlqKey:         dlq,
		now:            time.Now,
	}
}

// Client exposes the underlying Redis client.
func (q *RedisQueue) Client() *redis.Client {
	return q.client
}

// Priorities returns the ready queues in dequeue order.
func (q *RedisQueue) Priorities() []string {
	return append([]string(nil), q.priorityQueues...)
}

// KnownPriority reports whether p names one of the configured ready queues.
func (q *RedisQueue) KnownPriority(p string) bool {
	for _, known := range q.priorityQueues {
		if known == p {
			return true
		}
	}
	return false
}

func (q *RedisQueue) readyKey(priority string) string {
	return "queue:ready:" + priority
}

func (q *RedisQueue) metaKey(runID string) string {
	return q.runMetaPrefix + runID
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// Enqueue inserts a run into either the scheduled set or the ready queue.
func (q *RedisQueue) Enqueue(ctx context.Context, runID, priority string, runAt time.Time) error {
	if !q.KnownPriority(priority) {
		priority = q.fallbackPriority()
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(runID), "priority", priority)
	if runAt.After(q.now()) {
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: score(runAt), Member: runID})
	} else {
		pipe.RPush(ctx, q.readyKey(priority), runID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Schedule moves a run into the scheduled set for deferred execution.
// The worker uses it for retry backoff.
func (q *RedisQueue) Schedule(ctx context.Context, runID, priority string, runAt time.Time) error {
	if !q.KnownPriority(priority) {
		priority = q.fallbackPriority()
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(runID), "priority", priority)
	pipe.ZRem(ctx, q.inflightKey, runID)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: score(runAt), Member: runID})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled runs into ready queues. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.due(ctx, q.scheduledKey, now, limit)
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	if err := q.moveToReady(ctx, q.scheduledKey, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DequeueWithLease pops a run from ready queues (priority order) and places it into inflight with a visibility timeout.
// An empty ID with a nil error means every ready queue is empty.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	keys := make([]string, 0, len(q.priorityQueues)+1)
	for _, p := range q.priorityQueues {
		keys = append(keys, q.readyKey(p))
	}
	keys = append(keys, q.inflightKey)

	res, err := dequeueScript.Run(ctx, q.client, keys, q.now().Add(q.visibilityTTL).UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	runID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return runID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight run.
func (q *RedisQueue) ExtendLease(ctx context.Context, runID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  score(q.now().Add(extension)),
		Member: runID,
	}).Err()
}

// Ack removes a run from in-flight tracking and its meta record.
func (q *RedisQueue) Ack(ctx context.Context, runID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, runID)
	pipe.Del(ctx, q.metaKey(runID))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.due(ctx, q.inflightKey, now, limit)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	if err := q.moveToReady(ctx, q.inflightKey, ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// Cancel removes a run from ready, scheduled and in-flight sets.
func (q *RedisQueue) Cancel(ctx context.Context, runID string) error {
	pipe := q.client.TxPipeline()
	for _, p := range q.priorityQueues {
		pipe.LRem(ctx, q.readyKey(p), 0, runID)
	}
	pipe.ZRem(ctx, q.inflightKey, runID)
	pipe.ZRem(ctx, q.scheduledKey, runID)
	pipe.Del(ctx, q.metaKey(runID))
	_, err := pipe.Exec(ctx)
	return err
}

// DLQPush acks the run and appends it to the dead-letter list for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, runID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, runID)
	pipe.Del(ctx, q.metaKey(runID))
	pipe.RPush(ctx, q.dlqKey, runID)
	_, err := pipe.Exec(ctx)
	return err
}

// DLQPeek reads the oldest dead-lettered run IDs.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	if count <= 0 {
		count = 50
	}
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the total length of all ready queues.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.priorityQueues))
	for _, p := range q.priorityQueues {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(p)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

// InFlight returns how many runs currently hold a lease.
func (q *RedisQueue) InFlight(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.inflightKey).Result()
}

func (q *RedisQueue) due(ctx context.Context, key string, now time.Time, limit int64) ([]string, error) {
	return q.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: limit,
	}).Result()
}

func (q *RedisQueue) moveToReady(ctx context.Context, from string, ids []string) error {
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, from, id)
		pipe.RPush(ctx, q.readyKey(q.priorityOf(ctx, id)), id)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) priorityOf(ctx context.Context, runID string) string {
	priority, err := q.client.HGet(ctx, q.metaKey(runID), "priority").Result()
	if err != nil || !q.KnownPriority(priority) {
		return q.fallbackPriority()
	}
	return priority
}

func (q *RedisQueue) fallbackPriority() string {
	if q.KnownPriority(defaultPriority) {
		return defaultPriority
	}
	return q.priorityQueues[len(q.priorityQueues)-1]
}

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local run = redis.call('LPOP', KEYS[i])
  if run then
    redis.call('ZADD', inflight, ARGV[1], run)
    return run
  end
end
return nil
`)
