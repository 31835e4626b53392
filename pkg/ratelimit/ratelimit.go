package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Limiter enforces a tokens-per-minute budget per scope. It is a thin wrapper
// around github.com/vnmchuo/ratelimiter.
type Limiter struct {
	store extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, tokensPerMinute int64) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(tokensPerMinute)),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{store: store}
}

func NewWithStore(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

func key(scope string) string {
	return fmt.Sprintf("ratelimit:tokens:%s", scope)
}

// Allow reserves tokens from scope's budget and reports whether they fit.
func (l *Limiter) Allow(ctx context.Context, scope string, tokens int) (bool, error) {
	if tokens < 1 {
		tokens = 1
	}
	res, err := l.store.AllowN(ctx, key(scope), tokens)
	if err != nil {
		return false, fmt.Errorf("rate limit %s: %w", scope, err)
	}
	return res.Allowed, nil
}

func (l *Limiter) Status(ctx context.Context, scope string) (*extratelimit.Result, error) {
	return l.store.Status(ctx, key(scope))
}
