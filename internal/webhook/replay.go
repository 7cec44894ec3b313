package webhook

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// ReplayGuard remembers recently accepted deliveries with Redis SETNX so a
// resent request inside the signature tolerance is acknowledged without being
// dispatched again. The payment id uniqueness check stays the correctness
// guard; this only saves work.
type ReplayGuard struct {
	Client *redis.Client
	Prefix string
	TTL    time.Duration
}

// Acquire claims key and reports whether it was free. A guard without a
// client admits everything.
func (g ReplayGuard) Acquire(ctx context.Context, key string) (bool, error) {
	if g.Client == nil || g.TTL <= 0 {
		return true, nil
	}
	return g.Client.SetNX(ctx, g.Prefix+key, "1", g.TTL).Result()
}

// Release forgets key so a retried delivery is dispatched again.
func (g ReplayGuard) Release(ctx context.Context, key string) error {
	if g.Client == nil || g.TTL <= 0 {
		return nil
	}
	return g.Client.Del(ctx, g.Prefix+key).Err()
}
