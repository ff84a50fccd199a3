// Package pipeline holds the domain logic that used to live inside a
// template-method ASR base class and an ad-hoc "msg|id1|id2|path" sideband:
// a generic caching wrapper (this file), the Coordinator's push-based
// chaining state machine, the pure Progress Reconciler, and the three stage
// handlers themselves.
package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/clipcaption/pipeline/internal/platform/stepcache"
)

// RunCached executes fn and memoizes its JSON-encoded result under key,
// unless a cache entry is already present, in which case fn is never
// called. This replaces the inheritance-based "template method with cache/
// rate-limit mixed in" pattern with one small wrapper any step can use.
func RunCached[T any](ctx context.Context, cache stepcache.Cache, key string, ttl time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if cache != nil {
		if raw, ok, err := cache.Get(ctx, key); err == nil && ok {
			var cached T
			if json.Unmarshal(raw, &cached) == nil {
				return cached, nil
			}
		}
	}

	out, err := fn(ctx)
	if err != nil {
		return zero, err
	}

	if cache != nil {
		if raw, err := json.Marshal(out); err == nil {
			_ = cache.Set(ctx, key, raw, ttl)
		}
	}
	return out, nil
}

// Download-derived steps cache for 48h; LLM-derived steps for 24h (§4.3).
const (
	DownloadCacheTTL = 48 * time.Hour
	LLMCacheTTL      = 24 * time.Hour
)

// Limiter bounds concurrent LLM calls per worker process (§5: "Per-worker
// LLM concurrency is bounded by a semaphore (default 10)").
type Limiter struct {
	sem chan struct{}
}

func NewLimiter(n int) *Limiter {
	if n <= 0 {
		n = 10
	}
	return &Limiter{sem: make(chan struct{}, n)}
}

func (l *Limiter) Acquire(ctx context.Context) error {
	select {
	case l.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Limiter) Release() {
	<-l.sem
}
