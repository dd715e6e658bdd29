package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var rateLimitScript = redis.NewScript(`
	local key = KEYS[1]
	local window = tonumber(ARGV[1])

	local count = redis.call("INCR", key)
	if count == 1 then
		redis.call("PEXPIRE", key, window)
	end

	return count
`)

// Limiter is a fixed-window request counter.
type Limiter struct {
	client *redis.Client
}

func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow counts one request for userID/action and reports whether it is
// within limit for the current window.
func (l *Limiter) Allow(ctx context.Context, userID, action string, limit int, window time.Duration) (bool, error) {
	key := fmt.Sprintf(KeyRateLimit, userID, action)

	count, err := rateLimitScript.Run(ctx, l.client, []string{key}, window.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to check rate limit: %v", err)
	}

	return count <= int64(limit), nil
}

func (l *Limiter) Reset(ctx context.Context, userID, action string) error {
	return l.client.Del(ctx, fmt.Sprintf(KeyRateLimit, userID, action)).Err()
}
