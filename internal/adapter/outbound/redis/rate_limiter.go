package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/loanpay/server/internal/port/outbound"
	"github.com/redis/go-redis/v9"
)

const rateLimitKeyPrefix = "loanpay:ratelimit:"

// rateLimiter implements outbound.RateLimiterPort with fixed windows.
type rateLimiter struct {
	client redis.UniversalClient
}

// NewRateLimiter creates a new rate limiter adapter.
func NewRateLimiter(client redis.UniversalClient) outbound.RateLimiterPort {
	return &rateLimiter{client: client}
}

func (r *rateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, int, error) {
	bucket := time.Now().UnixNano() / window.Nanoseconds()
	fullKey := fmt.Sprintf("%s%s:%d", rateLimitKeyPrefix, key, bucket)

	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, fullKey)
	pipe.Expire(ctx, fullKey, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("rate limit %s: %w", key, err)
	}

	count := int(incr.Val())
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return count <= limit, remaining, nil
}

// Compile-time check
var _ outbound.RateLimiterPort = (*rateLimiter)(nil)
