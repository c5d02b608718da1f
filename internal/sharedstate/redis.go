package sharedstate

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"
)

// RedisErrorQueue backs the error queue with a capped Redis list.
// Producers (executors, the feedback actor's CPU probe) use a
// non-blocking RPUSH; when the list already holds Capacity entries the
// push is a no-op drop, matching the queue's lossy-under-pressure
// contract.
type RedisErrorQueue struct {
	client   *redis.Client
	key      string
	capacity int64
}

func NewRedisErrorQueue(client *redis.Client, key string, capacity int64) *RedisErrorQueue {
	if capacity <= 0 {
		capacity = 10000
	}
	return &RedisErrorQueue{client: client, key: key, capacity: capacity}
}

func (q *RedisErrorQueue) Push(ctx context.Context, rec ErrorRecord) (bool, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil && err != redis.Nil {
		return false, fmt.Errorf("error queue length check: %w", err)
	}
	if n >= q.capacity {
		return false, nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("error queue encode: %w", err)
	}
	if err := q.client.RPush(ctx, q.key, data).Err(); err != nil {
		return false, fmt.Errorf("error queue push: %w", err)
	}
	return true, nil
}

func (q *RedisErrorQueue) Drain(ctx context.Context) ([]ErrorRecord, error) {
	pipe := q.client.TxPipeline()
	lrange := pipe.LRange(ctx, q.key, 0, -1)
	pipe.Del(ctx, q.key)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("error queue drain: %w", err)
	}
	raw, err := lrange.Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("error queue drain read: %w", err)
	}
	out := make([]ErrorRecord, 0, len(raw))
	for _, r := range raw {
		var rec ErrorRecord
		if err := json.Unmarshal([]byte(r), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (q *RedisErrorQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil && err != redis.Nil {
		return 0, err
	}
	return int(n), nil
}

// RedisPauseMap backs the pause map with a Redis hash keyed by
// "<workerID>:<clientID>". Reads use plain HGET (lock-free from the
// caller's perspective); writes use one HSET per SetActive call. The
// feedback actor flips clients one call at a time, so a scale-down or
// scale-up batch is not atomic with respect to other writers.
type RedisPauseMap struct {
	client *redis.Client
	key    string
}

func NewRedisPauseMap(client *redis.Client, key string) *RedisPauseMap {
	return &RedisPauseMap{client: client, key: key}
}

func field(workerID string, clientID int) string {
	return workerID + ":" + strconv.Itoa(clientID)
}

func (m *RedisPauseMap) IsActive(ctx context.Context, workerID string, clientID int) (bool, error) {
	v, err := m.client.HGet(ctx, m.key, field(workerID, clientID)).Result()
	if err == redis.Nil {
		return true, nil
	}
	if err != nil {
		return true, fmt.Errorf("pause map read: %w", err)
	}
	return v == "1", nil
}

func (m *RedisPauseMap) SetActive(ctx context.Context, workerID string, clientID int, active bool) error {
	v := "0"
	if active {
		v = "1"
	}
	return m.client.HSet(ctx, m.key, field(workerID, clientID), v).Err()
}

func (m *RedisPauseMap) ActiveCount(ctx context.Context) (int, error) {
	all, err := m.client.HGetAll(ctx, m.key).Result()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, v := range all {
		if v == "1" {
			n++
		}
	}
	return n, nil
}
