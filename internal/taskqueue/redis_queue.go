package taskqueue

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue using Redis.
//
// Immediately eligible tasks live in a list (<prefix>tasks) consumed with
// BRPOP. Delayed tasks live in a sorted set (<prefix>tasks:delayed) scored
// by their NotBefore time; Dequeue promotes due members to the list before
// blocking.
type RedisQueue struct {
	client     *redis.Client
	listKey    string
	delayedKey string
}

// NewRedisQueue constructs a Redis-backed Queue.
// prefix is optional but recommended (e.g. "loom:").
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "loom:"
	}
	return &RedisQueue{
		client:     client,
		listKey:    prefix + "tasks",
		delayedKey: prefix + "tasks:delayed",
	}
}

// Ensure RedisQueue implements Queue.
var _ Queue = (*RedisQueue)(nil)

// Enqueue pushes a task onto the list, or into the delayed set when its
// NotBefore lies in the future.
func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	if !t.NotBefore.IsZero() && t.NotBefore.After(time.Now()) {
		return q.client.ZAdd(ctx, q.delayedKey, redis.Z{
			Score:  float64(t.NotBefore.UnixNano()),
			Member: data,
		}).Err()
	}
	return q.client.LPush(ctx, q.listKey, data).Err()
}

// promoteDue moves delayed tasks whose deadline has passed onto the list.
func (q *RedisQueue) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixNano(), 10)
	members, err := q.client.ZRangeByScore(ctx, q.delayedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil || len(members) == 0 {
		return err
	}
	for _, m := range members {
		// ZRem returning 0 means another worker promoted this member first.
		removed, err := q.client.ZRem(ctx, q.delayedKey, m).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, q.listKey, m).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Dequeue blocks on BRPOP until a task is available or ctx is cancelled.
// A short BRPOP timeout keeps the delayed set polled.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		if err := q.promoteDue(ctx); err != nil {
			return nil, err
		}

		res, err := q.client.BRPop(ctx, 100*time.Millisecond, q.listKey).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return nil, err
		}
		if len(res) != 2 {
			slog.Warn("redis queue: BRPOP returned unexpected result", "result", res)
			continue
		}
		return DecodeTask([]byte(res[1]))
	}
}

// Len returns the approximate number of tasks queued, delayed included.
func (q *RedisQueue) Len() int {
	ctx := context.Background()
	n, err := q.client.LLen(ctx, q.listKey).Result()
	if err != nil {
		slog.Warn("redis queue: LLEN failed", "error", err)
		return 0
	}
	d, err := q.client.ZCard(ctx, q.delayedKey).Result()
	if err != nil {
		slog.Warn("redis queue: ZCARD failed", "error", err)
		d = 0
	}
	return int(n + d)
}
