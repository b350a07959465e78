// README: Idempotency records for webhook finalization (in-memory and Redis), bounded by TTL.
package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"courier/internal/shard"
)

// Idempotency guards side effects keyed by an external reference. Claim
// takes a short in-progress lease and reports true to exactly one caller
// while the key is free. Confirm turns the lease into a record kept for the
// full retention window; Release gives the key back after a failed attempt.
// A lease that is neither confirmed nor released (the process died) lapses
// on its own so the gateway's retry can proceed.
type Idempotency interface {
	Claim(ctx context.Context, key string) (bool, error)
	Confirm(ctx context.Context, key string) error
	Release(ctx context.Context, key string) error
}

// DefaultLease bounds how long an unconfirmed claim blocks retries.
const DefaultLease = 30 * time.Second

type claim struct {
	at        time.Time
	confirmed bool
}

type MemoryIdempotency struct {
	keys  *shard.Map[claim]
	ttl   time.Duration
	lease time.Duration
	now   func() time.Time
}

func NewMemoryIdempotency(ttl, lease time.Duration, now func() time.Time) *MemoryIdempotency {
	if now == nil {
		now = time.Now
	}
	if lease <= 0 {
		lease = DefaultLease
	}
	return &MemoryIdempotency{keys: shard.New[claim](shard.DefaultShards), ttl: ttl, lease: lease, now: now}
}

func (m *MemoryIdempotency) live(c claim, now time.Time) bool {
	if c.confirmed {
		return now.Sub(c.at) < m.ttl
	}
	return now.Sub(c.at) < m.lease
}

func (m *MemoryIdempotency) Claim(_ context.Context, key string) (bool, error) {
	now := m.now()
	first := false
	m.keys.Update(key, func(c claim, ok bool) (claim, bool) {
		if ok && m.live(c, now) {
			return c, true
		}
		first = true
		return claim{at: now}, true
	})
	return first, nil
}

func (m *MemoryIdempotency) Confirm(_ context.Context, key string) error {
	now := m.now()
	m.keys.Update(key, func(claim, bool) (claim, bool) {
		return claim{at: now, confirmed: true}, true
	})
	return nil
}

func (m *MemoryIdempotency) Release(_ context.Context, key string) error {
	m.keys.Delete(key)
	return nil
}

// Sweep drops confirmed keys past retention and lapsed leases.
func (m *MemoryIdempotency) Sweep() int {
	now := m.now()
	return m.keys.Sweep(func(_ string, c claim) bool { return !m.live(c, now) })
}

func (m *MemoryIdempotency) RunSweeper(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				log.Debug().Int("keys", n).Msg("idempotency sweep")
			}
		}
	}
}

const idempotencyKeyPrefix = "payment:idem:%s"

// RedisIdempotency keeps claims in Redis so they survive restarts; retention
// is the key TTL.
type RedisIdempotency struct {
	redis *redis.Client
	ttl   time.Duration
	lease time.Duration
}

func NewRedisIdempotency(redis *redis.Client, ttl, lease time.Duration) *RedisIdempotency {
	if lease <= 0 {
		lease = DefaultLease
	}
	return &RedisIdempotency{redis: redis, ttl: ttl, lease: lease}
}

func (r *RedisIdempotency) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := r.redis.SetNX(ctx, fmt.Sprintf(idempotencyKeyPrefix, key), "pending", r.lease).Result()
	if err != nil {
		return false, fmt.Errorf("claim idempotency key: %w", err)
	}
	return ok, nil
}

func (r *RedisIdempotency) Confirm(ctx context.Context, key string) error {
	err := r.redis.Set(ctx, fmt.Sprintf(idempotencyKeyPrefix, key), time.Now().UTC().Format(time.RFC3339), r.ttl).Err()
	if err != nil {
		return fmt.Errorf("confirm idempotency key: %w", err)
	}
	return nil
}

func (r *RedisIdempotency) Release(ctx context.Context, key string) error {
	return r.redis.Del(ctx, fmt.Sprintf(idempotencyKeyPrefix, key)).Err()
}
