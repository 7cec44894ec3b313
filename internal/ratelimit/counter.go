package ratelimit

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
	limiter "github.com/ulule/limiter/v3"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// CounterLimiter is a fixed-window counter with expiry stored in Redis, so
// every instance behind the load balancer shares the same budget per key.
type CounterLimiter struct {
	Store limiter.Store
}

// NewCounterLimiter builds the limiter on the ulule redis store.
func NewCounterLimiter(client *redis.Client, prefix string) (CounterLimiter, error) {
	store, err := limiterredis.NewStoreWithOptions(client, limiter.StoreOptions{
		Prefix:   prefix,
		MaxRetry: 3,
	})
	if err != nil {
		return CounterLimiter{}, err
	}
	return CounterLimiter{Store: store}, nil
}

// Allow increments the counter for key and reports whether it is within max.
func (c CounterLimiter) Allow(ctx context.Context, key string, window time.Duration, max int) (bool, int, time.Time, error) {
	if c.Store == nil || max <= 0 || window <= 0 {
		return true, max, time.Now().Add(window), nil
	}
	res, err := c.Store.Get(ctx, key, limiter.Rate{Period: window, Limit: int64(max)})
	if err != nil {
		return false, 0, time.Now().Add(window), err
	}
	return !res.Reached, int(res.Remaining), time.Unix(res.Reset, 0), nil
}
