package effect

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/monstercameron/zerver/internal/cache"
	"github.com/monstercameron/zerver/internal/kernel"
)

// IdempotencyCache deduplicates a retried effect carrying the same
// (destination token, idem key) pair so its observable slot state after
// a retry equals the state after the first successful run. Since an
// effect's outcome must survive across separate dispatcher invocations
// (not just concurrent callers of the same one), it is a short-TTL
// cache rather than a singleflight.Group: an in-process map for the hot
// path, with an optional Redis-backed L2 so the guarantee holds across
// zerverd instances behind the same load balancer.
type IdempotencyCache struct {
	mu    sync.Mutex
	local map[string]kernel.EffectResult
	ttl   time.Duration
	l2    cache.Cache // optional; nil disables the distributed tier
}

// NewIdempotencyCache builds a cache with the given local-entry TTL. l2
// may be nil.
func NewIdempotencyCache(ttl time.Duration, l2 cache.Cache) *IdempotencyCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &IdempotencyCache{local: make(map[string]kernel.EffectResult), ttl: ttl, l2: l2}
}

func idemKey(dest kernel.Token, idem string) string {
	return fmt.Sprintf("idem:%d:%s", dest, idem)
}

// Get returns a previously recorded result for (dest, idem), checking the
// in-process map first and the distributed tier second.
func (c *IdempotencyCache) Get(dest kernel.Token, idem string) (kernel.EffectResult, bool) {
	key := idemKey(dest, idem)
	c.mu.Lock()
	if r, ok := c.local[key]; ok {
		c.mu.Unlock()
		return r, true
	}
	c.mu.Unlock()

	if c.l2 == nil {
		return kernel.EffectResult{}, false
	}
	b, err := c.l2.Get(context.Background(), key)
	if err != nil {
		return kernel.EffectResult{}, false
	}
	return kernel.Success(b), true
}

// Put records a successful result for (dest, idem).
func (c *IdempotencyCache) Put(dest kernel.Token, idem string, result kernel.EffectResult) {
	key := idemKey(dest, idem)
	c.mu.Lock()
	c.local[key] = result
	c.mu.Unlock()
	go func() {
		time.Sleep(c.ttl)
		c.mu.Lock()
		delete(c.local, key)
		c.mu.Unlock()
	}()

	if c.l2 != nil {
		_ = c.l2.Set(context.Background(), key, result.Bytes, c.ttl)
	}
}
