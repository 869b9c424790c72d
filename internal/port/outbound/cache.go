package outbound

import (
	"context"
	"time"
)

// LockPort defines short-lived mutual exclusion keyed by name.
type LockPort interface {
	// TryLock acquires the lock if free and returns the holder's token.
	// Returns false if someone else holds it.
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)

	// Unlock releases the lock while it is still held under token. A lock
	// that expired and was taken over is left alone.
	Unlock(ctx context.Context, key, token string) error
}

// RateLimiterPort defines fixed-window request throttling keyed by name.
type RateLimiterPort interface {
	// Allow counts one request against key and reports whether it fits in
	// the window, along with the requests left.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, int, error)
}
