package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// windowScript increments the counter and starts the window on first use.
// It returns the new count and the remaining window in milliseconds.
var windowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
local ttl = redis.call("PTTL", KEYS[1])
if current == 1 or ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// Redis shares counters between replicas. Keys expire with their window so no
// sweeper is needed.
type Redis struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedis connects to redisURL and verifies the connection.
func NewRedis(redisURL string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisWithClient(client), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client) *Redis {
	return &Redis{client: client, prefix: "ratelimit:", now: time.Now}
}

func (r *Redis) Check(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	windowMs := window.Milliseconds()
	if windowMs <= 0 {
		windowMs = 1
	}
	values, err := windowScript.Run(ctx, r.client, []string{r.prefix + key}, windowMs).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("rate limit check: %w", err)
	}
	if len(values) != 2 {
		return Result{}, fmt.Errorf("rate limit check: unexpected reply %v", values)
	}
	count, ttl := int(values[0]), time.Duration(values[1])*time.Millisecond

	result := Result{Limit: limit, ResetAt: r.now().Add(ttl)}
	if limit > 0 && count <= limit {
		result.Allowed = true
		result.Remaining = limit - count
	}
	return result, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
