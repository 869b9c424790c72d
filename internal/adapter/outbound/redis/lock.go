package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/loanpay/server/internal/port/outbound"
	"github.com/redis/go-redis/v9"
)

const defaultLockKeyPrefix = "loanpay:lock:"

// releaseScript deletes the key only while it still holds our token, so a
// lock that expired and was taken over is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// lock implements outbound.LockPort across processes.
type lock struct {
	client redis.UniversalClient
	prefix string
}

// NewLock creates a new Redis lock adapter.
func NewLock(client redis.UniversalClient, prefix string) outbound.LockPort {
	if prefix == "" {
		prefix = defaultLockKeyPrefix
	}
	return &lock{client: client, prefix: prefix}
}

func (l *lock) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.prefix+key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (l *lock) Unlock(ctx context.Context, key, token string) error {
	if token == "" {
		return nil
	}
	if err := releaseScript.Run(ctx, l.client, []string{l.prefix + key}, token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	return nil
}

// Compile-time check
var _ outbound.LockPort = (*lock)(nil)
