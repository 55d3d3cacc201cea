package calls

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultLockTTL bounds how long a pair stays locked if its holder disappears.
const DefaultLockTTL = 2 * time.Hour

// PairLocker allows at most one active call per unordered pair of users.
type PairLocker interface {
	// Acquire locks the pair for callID. It reports false when another call holds it.
	Acquire(ctx context.Context, a, b, callID uuid.UUID, ttl time.Duration) (bool, error)
	// Release unlocks the pair only if callID still holds it.
	Release(ctx context.Context, a, b, callID uuid.UUID) error
}

// PairKey is the lock key for the unordered pair (a, b).
func PairKey(a, b uuid.UUID) string {
	x, y := a.String(), b.String()
	if y < x {
		x, y = y, x
	}
	return "call:pair:" + x + ":" + y
}

var releasePairScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisPairLock is a PairLocker over SET NX PX.
type RedisPairLock struct {
	client *redis.Client
}

// NewRedisPairLock creates a Redis pair lock.
func NewRedisPairLock(client *redis.Client) *RedisPairLock {
	return &RedisPairLock{client: client}
}

func (l *RedisPairLock) Acquire(ctx context.Context, a, b, callID uuid.UUID, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	ok, err := l.client.SetNX(ctx, PairKey(a, b), callID.String(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire pair lock: %w", err)
	}
	return ok, nil
}

func (l *RedisPairLock) Release(ctx context.Context, a, b, callID uuid.UUID) error {
	if _, err := releasePairScript.Run(ctx, l.client, []string{PairKey(a, b)}, callID.String()).Result(); err != nil {
		return fmt.Errorf("release pair lock: %w", err)
	}
	return nil
}

// MemoryPairLock is an in-process PairLocker.
type MemoryPairLock struct {
	mu   sync.Mutex
	held map[string]pairHold
	now  func() time.Time
}

type pairHold struct {
	callID    uuid.UUID
	expiresAt time.Time
}

// NewMemoryPairLock creates an in-process pair lock.
func NewMemoryPairLock() *MemoryPairLock {
	return &MemoryPairLock{held: make(map[string]pairHold), now: time.Now}
}

func (l *MemoryPairLock) Acquire(_ context.Context, a, b, callID uuid.UUID, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	key := PairKey(a, b)
	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := l.held[key]; ok && l.now().Before(h.expiresAt) {
		return false, nil
	}
	l.held[key] = pairHold{callID: callID, expiresAt: l.now().Add(ttl)}
	return true, nil
}

func (l *MemoryPairLock) Release(_ context.Context, a, b, callID uuid.UUID) error {
	key := PairKey(a, b)
	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := l.held[key]; ok && h.callID == callID {
		delete(l.held, key)
	}
	return nil
}
