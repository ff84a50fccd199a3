// Package stepcache is the Step Cache: a content-addressed, TTL'd memo of
// pipeline sub-step outputs, keyed on step name + input fingerprint + the
// subset of config that affects that step's output. Keyed lookups are
// deliberately allowed to race under concurrent claims of the same work —
// a cache miss just re-executes the step, it never corrupts state.
package stepcache

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/clipcaption/pipeline/internal/platform/apierr"
	"github.com/clipcaption/pipeline/internal/platform/logger"
)

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Close() error
}

type redisCache struct {
	log *logger.Logger
	rdb *goredis.Client
}

func New(log *logger.Logger) (Cache, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}

	addr := strings.TrimSpace(os.Getenv("STEPCACHE_REDIS_ADDR"))
	if addr == "" {
		addr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	}
	if addr == "" {
		return nil, fmt.Errorf("missing STEPCACHE_REDIS_ADDR or REDIS_ADDR")
	}

	db := 0
	if v := strings.TrimSpace(os.Getenv("STEPCACHE_REDIS_DB")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			db = parsed
		}
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DB:          db,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &redisCache{
		log: log.With("service", "StepCache"),
		rdb: rdb,
	}, nil
}

func (c *redisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.rdb.Get(ctx, key).Bytes()
	if err == goredis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apierr.Storage("stepcache_get_failed", err)
	}
	return val, true, nil
}

func (c *redisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return apierr.Storage("stepcache_set_failed", err)
	}
	return nil
}

func (c *redisCache) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}
