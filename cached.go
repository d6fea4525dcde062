package edgekit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/growcircle/edgekit/metrics"
	"github.com/growcircle/edgekit/store"
	"golang.org/x/sync/singleflight"
)

// FuncCacheNamespace prefixes keys written by Cached.
const FuncCacheNamespace = "fn"

// Cached wraps fn so its results are stored in c's backend for ttl under
// "fn:<name>:<key(arg)>". A nil key function uses the JSON encoding of arg.
// An empty key, including an arg that does not encode, bypasses the cache.
//
// Concurrent misses for one key share a single call to fn, run on a context
// detached from any one caller's cancellation; each caller still returns when
// its own context is done. Errors from fn are returned and never stored. Store
// failures fall back to calling fn directly.
//
//	getStrain := edgekit.Cached(c, "strain", 10*time.Minute, nil, repo.FindStrain)
//	strain, err := getStrain(ctx, id)
func Cached[A, T any](c *Cache, name string, ttl time.Duration, key func(A) string, fn func(context.Context, A) (T, error)) func(context.Context, A) (T, error) {
	if key == nil {
		key = jsonKey[A]
	}
	var group singleflight.Group

	return func(ctx context.Context, arg A) (T, error) {
		argKey := key(arg)
		if argKey == "" {
			c.metrics.CacheOp(metrics.OpGet, metrics.ResultSkipped)
			return fn(ctx, arg)
		}
		k := FuncCacheNamespace + ":" + name + ":" + argKey

		raw, err := c.store.Get(ctx, k)
		if err == nil {
			var v T
			if err := json.Unmarshal(raw, &v); err == nil {
				c.metrics.CacheOp(metrics.OpGet, metrics.ResultHit)
				return v, nil
			}
			c.logger.Warn().Str("key", k).Msg("discarding cached result that does not decode")
		} else if !errors.Is(err, store.ErrCacheMiss) {
			c.metrics.CacheOp(metrics.OpGet, metrics.ResultError)
			c.metrics.StoreFailure("cache", metrics.OpGet)
			c.logger.Warn().Err(err).Str("key", k).Msg("function cache read failed")
			return fn(ctx, arg)
		}
		c.metrics.CacheOp(metrics.OpGet, metrics.ResultMiss)

		shared := context.WithoutCancel(ctx)
		ch := group.DoChan(k, func() (any, error) {
			v, err := fn(shared, arg)
			if err != nil {
				return v, err
			}
			if value, merr := json.Marshal(v); merr == nil {
				if serr := c.store.Set(shared, k, value, ttl); serr != nil {
					c.metrics.CacheOp(metrics.OpSet, metrics.ResultError)
					c.metrics.StoreFailure("cache", metrics.OpSet)
					c.logger.Warn().Err(serr).Str("key", k).Msg("function cache write failed")
				} else {
					c.metrics.CacheOp(metrics.OpSet, metrics.ResultSuccess)
				}
			}
			return v, nil
		})

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case res := <-ch:
			v, _ := res.Val.(T)
			return v, res.Err
		}
	}
}

func jsonKey[A any](arg A) string {
	b, err := json.Marshal(arg)
	if err != nil {
		return ""
	}
	return string(b)
}
