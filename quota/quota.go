// Package quota rate-limits per-tenant activity. Both the scheduler worker
// (HTTP dispatches) and the planner (LLM calls) consult a Guard before doing
// work; a denied tick is skipped without recording a run.
package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Guard answers whether a tenant may perform one more unit of work right now.
// Denial is not an error: (false, nil) means over quota.
type Guard interface {
	CanProceed(ctx context.Context, tenantID string) (bool, error)
}

// Unlimited is a Guard that always allows. Used when quotas are disabled.
type Unlimited struct{}

func (Unlimited) CanProceed(context.Context, string) (bool, error) { return true, nil }

// RedisGuard enforces a fixed-window counter per tenant in Redis, so the
// limit holds across scheduler processes. The window key carries a TTL and
// self-expires.
type RedisGuard struct {
	client *redis.Client
	prefix string
	limit  int64
	window time.Duration
}

// RedisOptions configures a RedisGuard.
type RedisOptions struct {
	// Client is the Redis connection. Required.
	Client *redis.Client
	// Prefix namespaces quota keys. Defaults to "quota".
	Prefix string
	// Limit is the number of allowed units per window. Required, > 0.
	Limit int64
	// Window is the fixed window length. Defaults to one minute.
	Window time.Duration
}

// NewRedis builds a RedisGuard.
func NewRedis(opts RedisOptions) (*RedisGuard, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if opts.Limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "quota"
	}
	window := opts.Window
	if window <= 0 {
		window = time.Minute
	}
	return &RedisGuard{client: opts.Client, prefix: prefix, limit: opts.Limit, window: window}, nil
}

func (g *RedisGuard) CanProceed(ctx context.Context, tenantID string) (bool, error) {
	key := fmt.Sprintf("%s:%s:%d", g.prefix, tenantID, time.Now().Unix()/int64(g.window.Seconds()))
	pipe := g.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, g.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("quota check for tenant %s: %w", tenantID, err)
	}
	return incr.Val() <= g.limit, nil
}

// LocalGuard enforces a token-bucket limit per tenant in process memory.
// Suitable for single-node deployments and tests; limits are not shared
// across processes.
type LocalGuard struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewLocal builds a LocalGuard allowing perMinute units sustained with the
// given burst.
func NewLocal(perMinute float64, burst int) *LocalGuard {
	return &LocalGuard{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(perMinute / 60),
		burst:    burst,
	}
}

func (g *LocalGuard) CanProceed(_ context.Context, tenantID string) (bool, error) {
	g.mu.Lock()
	lim, ok := g.limiters[tenantID]
	if !ok {
		lim = rate.NewLimiter(g.rate, g.burst)
		g.limiters[tenantID] = lim
	}
	g.mu.Unlock()
	return lim.Allow(), nil
}
