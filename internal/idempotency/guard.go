// Package idempotency claims external event keys (deposit transaction
// hashes) so each event is applied to the ledger at most once.
package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	svcerrors "github.com/R3E-Network/agentledger/internal/errors"
)

// Guard claims keys. Claim returns false when the key was already claimed.
// Release frees a key whose operation failed so it can be retried.
type Guard interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// MemoryGuard keeps claims in process memory with a TTL.
type MemoryGuard struct {
	mu     sync.Mutex
	ttl    time.Duration
	claims map[string]time.Time
	now    func() time.Time
}

var _ Guard = (*MemoryGuard)(nil)

// NewMemoryGuard keeps claims for ttl; a zero ttl keeps them forever.
func NewMemoryGuard(ttl time.Duration) *MemoryGuard {
	return &MemoryGuard{ttl: ttl, claims: make(map[string]time.Time), now: time.Now}
}

func (g *MemoryGuard) Claim(_ context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if exp, ok := g.claims[key]; ok && (exp.IsZero() || now.Before(exp)) {
		return false, nil
	}
	var exp time.Time
	if g.ttl > 0 {
		exp = now.Add(g.ttl)
	}
	g.claims[key] = exp
	return true, nil
}

func (g *MemoryGuard) Release(_ context.Context, key string) error {
	g.mu.Lock()
	delete(g.claims, key)
	g.mu.Unlock()
	return nil
}

// RedisGuard claims keys with SET NX so several ledger processes share one
// view of processed deposits.
type RedisGuard struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ Guard = (*RedisGuard)(nil)

func NewRedisGuard(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisGuard {
	if prefix == "" {
		prefix = "agentledger:deposit:"
	}
	return &RedisGuard{client: client, prefix: prefix, ttl: ttl}
}

func (g *RedisGuard) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := g.client.SetNX(ctx, g.prefix+key, time.Now().UTC().Format(time.RFC3339Nano), g.ttl).Result()
	if err != nil {
		return false, svcerrors.StoreUnavailable(err)
	}
	return ok, nil
}

func (g *RedisGuard) Release(ctx context.Context, key string) error {
	if err := g.client.Del(ctx, g.prefix+key).Err(); err != nil {
		return svcerrors.StoreUnavailable(err)
	}
	return nil
}
