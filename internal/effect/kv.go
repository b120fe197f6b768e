package effect

import (
	"context"
	"time"

	"github.com/monstercameron/zerver/internal/cache"
	"github.com/monstercameron/zerver/internal/kernel"
	"github.com/monstercameron/zerver/internal/reqctx"
)

// NewKVGetHandler reads "key" from c with no TTL semantics (the plain
// key/value store, distinct from the KV-cache family below).
func NewKVGetHandler(c cache.Cache) Handler {
	return func(ctx context.Context, rc *reqctx.CtxBase, eff kernel.Effect, params map[string]any) kernel.EffectResult {
		key := strParam(params, "key")
		if key == "" {
			return kernel.Failure(kernel.NewError(kernel.ErrInvalidInput, "effect_param", "key"))
		}
		v, err := c.Get(ctx, key)
		if err == cache.ErrNotFound {
			return kernel.Success(nil)
		}
		if err != nil {
			return kernel.Failure(kernel.NewError(kernel.ErrUpstreamUnavailable, "kv_get", key))
		}
		return kernel.Success(v)
	}
}

// NewKVPutHandler writes "key"/"value" with no expiry.
func NewKVPutHandler(c cache.Cache) Handler {
	return func(ctx context.Context, rc *reqctx.CtxBase, eff kernel.Effect, params map[string]any) kernel.EffectResult {
		key := strParam(params, "key")
		if key == "" {
			return kernel.Failure(kernel.NewError(kernel.ErrInvalidInput, "effect_param", "key"))
		}
		value := bytesParam(params, "value")
		if err := c.Set(ctx, key, value, 0); err != nil {
			return kernel.Failure(kernel.NewError(kernel.ErrUpstreamUnavailable, "kv_put", key))
		}
		return kernel.Success(nil)
	}
}

// NewKVDelHandler deletes "key".
func NewKVDelHandler(c cache.Cache) Handler {
	return func(ctx context.Context, rc *reqctx.CtxBase, eff kernel.Effect, params map[string]any) kernel.EffectResult {
		key := strParam(params, "key")
		if key == "" {
			return kernel.Failure(kernel.NewError(kernel.ErrInvalidInput, "effect_param", "key"))
		}
		if err := c.Delete(ctx, key); err != nil {
			return kernel.Failure(kernel.NewError(kernel.ErrUpstreamUnavailable, "kv_del", key))
		}
		return kernel.Success(nil)
	}
}

// NewKVScanHandler lists keys under "prefix" using the underlying
// go-redis client's SCAN cursor, since the abstract cache.Cache interface
// has no scan primitive.
func NewKVScanHandler(rc *cache.RedisCache) Handler {
	return func(ctx context.Context, c *reqctx.CtxBase, eff kernel.Effect, params map[string]any) kernel.EffectResult {
		prefix := strParam(params, "prefix")
		full := rc.Prefix() + prefix
		var keys []string
		iter := rc.Client().Scan(ctx, 0, full+"*", 0).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val()[len(rc.Prefix()):])
		}
		if err := iter.Err(); err != nil {
			return kernel.Failure(kernel.NewError(kernel.ErrUpstreamUnavailable, "kv_scan", prefix))
		}
		b, _ := c.ToJSON(keys)
		return kernel.Success([]byte(b))
	}
}

// NewKVCacheGetHandler/SetHandler/DeleteHandler back the "KV-cache" effect
// family (the distinct KvCacheGet/Set/Delete variants), expected to back
// onto a TieredCache in production. KvCacheSet takes an optional "ttl_ms"
// param; without it the value is written with a zero TTL, which the
// Redis L2 treats as no expiry.
func NewKVCacheGetHandler(c cache.Cache) Handler { return NewKVGetHandler(c) }

func NewKVCacheSetHandler(c cache.Cache) Handler {
	return func(ctx context.Context, rc *reqctx.CtxBase, eff kernel.Effect, params map[string]any) kernel.EffectResult {
		key := strParam(params, "key")
		if key == "" {
			return kernel.Failure(kernel.NewError(kernel.ErrInvalidInput, "effect_param", "key"))
		}
		value := bytesParam(params, "value")
		ttl := time.Duration(intParam(params, "ttl_ms", 0)) * time.Millisecond
		if err := c.Set(ctx, key, value, ttl); err != nil {
			return kernel.Failure(kernel.NewError(kernel.ErrUpstreamUnavailable, "kv_cache_set", key))
		}
		return kernel.Success(nil)
	}
}

// NewKVCacheDeleteHandler deletes "key" and, when an invalidator is
// supplied, broadcasts the deletion so other instances drop their L1 copy.
func NewKVCacheDeleteHandler(c cache.Cache, inv *cache.CacheInvalidator) Handler {
	return func(ctx context.Context, rc *reqctx.CtxBase, eff kernel.Effect, params map[string]any) kernel.EffectResult {
		key := strParam(params, "key")
		if key == "" {
			return kernel.Failure(kernel.NewError(kernel.ErrInvalidInput, "effect_param", "key"))
		}
		if err := c.Delete(ctx, key); err != nil {
			return kernel.Failure(kernel.NewError(kernel.ErrUpstreamUnavailable, "kv_cache_delete", key))
		}
		if inv != nil {
			_ = inv.PublishInvalidation(ctx, key)
		}
		return kernel.Success(nil)
	}
}
