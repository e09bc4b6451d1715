package redisclient

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

//go:embed scripts/sliding_window.lua
var slidingWindowScript string

type Client struct {
	rdb         *redis.Client
	limitScript *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:         rdb,
		limitScript: redis.NewScript(slidingWindowScript),
	}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks the connection, used by readiness checks
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Window parameterizes a sliding-window limit: at most Limit requests in
// any span of Length
type Window struct {
	Limit  int
	Length time.Duration
}

// Decision is the result of one rate-limit check
type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// Allow records one request against the window at key
func (c *Client) Allow(ctx context.Context, key string, w Window, now time.Time) (Decision, error) {
	args := []interface{}{
		now.UnixMilli(),
		w.Length.Milliseconds(),
		w.Limit,
		fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString()),
	}

	vals, err := c.limitScript.Run(ctx, c.rdb, []string{"ratelimit:" + key}, args...).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script failed: %w", err)
	}
	return parseDecision(vals)
}

func parseDecision(vals interface{}) (Decision, error) {
	arr, ok := vals.([]interface{})
	if !ok || len(arr) != 3 {
		return Decision{}, fmt.Errorf("unexpected script result %#v", vals)
	}
	return Decision{
		Allowed:    asInt64(arr[0]) == 1,
		Remaining:  asInt64(arr[1]),
		RetryAfter: time.Duration(asInt64(arr[2])) * time.Millisecond,
	}, nil
}

func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

// CacheResponse stores a completed idempotent response with TTL
func (c *Client) CacheResponse(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, fmt.Sprintf("idempotency:%s", key), value, ttl).Err()
}

// CachedResponse returns a cached response, if any
func (c *Client) CachedResponse(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := c.rdb.Get(ctx, fmt.Sprintf("idempotency:%s", key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// AcquireLock acquires a short-lived lock; false means another holder has it.
// Locks are never released early, they expire after ttl.
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), "1", ttl).Result()
}
