// Package ratelimit throttles dispatch per module before actions reach their node.
package ratelimit

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/ZanzyTHEbar/dragonscale-engine"
)

// Limit is a token bucket setting. QPS <= 0 means unlimited.
type Limit struct {
	QPS   float64 `mapstructure:"qps" yaml:"qps" json:"qps"`
	Burst int     `mapstructure:"burst" yaml:"burst" json:"burst"`
}

// Limiter keeps one token bucket per module, or per "module/action" when configured.
type Limiter struct {
	mu       sync.Mutex
	limits   map[string]Limit
	defaults Limit
	buckets  map[string]*rate.Limiter
}

// New creates a limiter. Keys in limits are module ids or "module/action" pairs;
// a pair entry wins over its module entry.
func New(limits map[string]Limit, defaults Limit) *Limiter {
	cp := make(map[string]Limit, len(limits))
	for k, v := range limits {
		cp[k] = v
	}
	return &Limiter{
		limits:   cp,
		defaults: defaults,
		buckets:  make(map[string]*rate.Limiter),
	}
}

func (l *Limiter) bucket(module, action string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := module + "/" + action
	limit, ok := l.limits[key]
	if !ok {
		key = module
		limit, ok = l.limits[module]
		if !ok {
			limit = l.defaults
		}
	}
	if limit.QPS <= 0 {
		return nil
	}
	if b, ok := l.buckets[key]; ok {
		return b
	}
	burst := limit.Burst
	if burst <= 0 {
		burst = int(limit.QPS)
		if burst < 1 {
			burst = 1
		}
	}
	b := rate.NewLimiter(rate.Limit(limit.QPS), burst)
	l.buckets[key] = b
	return b
}

// Wait blocks until the action may be dispatched or ctx ends.
func (l *Limiter) Wait(ctx context.Context, module, action string) error {
	b := l.bucket(module, action)
	if b == nil {
		return nil
	}
	if err := b.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return dragonscale.NewCancelledError("rate_limit", ctx.Err())
		}
		return dragonscale.NewError(dragonscale.ErrCodeRateLimited, "rate_limit",
			fmt.Sprintf("rate limit for %s.%s cannot be satisfied", module, action), err)
	}
	return nil
}

// Unlimited is a RateLimiter that never waits.
type Unlimited struct{}

func (Unlimited) Wait(context.Context, string, string) error { return nil }
