package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loanpay/server/internal/port/outbound"
)

type lockEntry struct {
	token     string
	expiresAt time.Time
}

// lock implements outbound.LockPort within one process.
type lock struct {
	mu      sync.Mutex
	entries map[string]lockEntry
	now     func() time.Time
}

// NewLock creates an in-process lock. Expired entries are reclaimed on the
// next TryLock of the same key.
func NewLock() outbound.LockPort {
	return &lock{
		entries: make(map[string]lockEntry),
		now:     time.Now,
	}
}

func (l *lock) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, held := l.entries[key]; held && now.Before(e.expiresAt) {
		return "", false, nil
	}
	token := uuid.NewString()
	l.entries[key] = lockEntry{token: token, expiresAt: now.Add(ttl)}
	return token, true, nil
}

func (l *lock) Unlock(ctx context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, held := l.entries[key]; held && e.token == token {
		delete(l.entries, key)
	}
	return nil
}

// Compile-time check
var _ outbound.LockPort = (*lock)(nil)
