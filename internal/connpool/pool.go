// Package connpool implements the generic connection pool: a
// bounded set of warm resources (Postgres pools, raw TCP sockets) shared
// across effect-handler invocations: take a ready
// resource if one exists, create one if under the cap, otherwise block
// on a condition variable until a release or the context is cancelled.
//
// connpool is single-resource: one Pool[T] per effect backend (DB, TCP),
// each
// with its own Factory and cap. Each Acquire that decides to create a new
// resource has already claimed a unique slot under maxSize (via total++
// while holding the lock), so creation itself needs no further
// deduplication — sharing one singleflight key across those callers would
// hand them all the same resource instance instead of distinct ones.
package connpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrShutdown is returned by Acquire once the pool has been shut down.
var ErrShutdown = errors.New("connpool: shutting down")

// ErrWaitTimeout is returned by Acquire when WaitTimeout elapses before a
// resource becomes available.
var ErrWaitTimeout = errors.New("connpool: acquire wait timeout")

// Factory creates one new resource of type T.
type Factory[T any] func(ctx context.Context) (T, error)

// Healthcheck reports whether a leased resource is still usable; an
// unhealthy resource is discarded instead of returned to the ready set.
type Healthcheck[T any] func(T) bool

// Pool is a bounded pool of resources of type T.
type Pool[T any] struct {
	mu   sync.Mutex
	cond *sync.Cond

	factory     Factory[T]
	healthy     Healthcheck[T]
	evict       func(T)
	maxSize     int
	waitTimeout time.Duration

	ready   []T
	total   int
	closing bool
}

// Config controls pool sizing and the optional acquire wait deadline.
type Config struct {
	MaxSize     int
	WaitTimeout time.Duration // 0 = wait indefinitely (subject to ctx)
}

// New builds a Pool. factory creates a resource on a pool miss; healthy
// may be nil, in which case every released resource is assumed healthy.
func New[T any](cfg Config, factory Factory[T], healthy Healthcheck[T]) *Pool[T] {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1
	}
	p := &Pool[T]{
		factory:     factory,
		healthy:     healthy,
		maxSize:     cfg.MaxSize,
		waitTimeout: cfg.WaitTimeout,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// OnEvict registers a destructor run whenever the pool discards a
// resource: an unhealthy release, an explicit lease Discard, or any
// release after Shutdown. Call it once, before the pool is in use.
func (p *Pool[T]) OnEvict(fn func(T)) { p.evict = fn }

// Acquire returns a ready resource, creates a new one if under capacity,
// or blocks until one of those becomes possible, the wait timeout
// elapses, or ctx is cancelled.
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	var zero T
	p.mu.Lock()

	for {
		if p.closing {
			p.mu.Unlock()
			return zero, ErrShutdown
		}
		if n := len(p.ready); n > 0 {
			v := p.ready[n-1]
			p.ready = p.ready[:n-1]
			p.mu.Unlock()
			return v, nil
		}
		if p.total < p.maxSize {
			p.total++
			p.mu.Unlock()
			v, err := p.factory(ctx)
			if err != nil {
				p.mu.Lock()
				p.total--
				p.mu.Unlock()
				return zero, err
			}
			return v, nil
		}
		if err := p.wait(ctx); err != nil {
			p.mu.Unlock()
			return zero, err
		}
	}
}

// wait blocks on the pool's condition variable until woken by a Release,
// a Shutdown, the wait timeout, or context cancellation. Must be called
// with p.mu held; re-acquires p.mu before returning, matching sync.Cond's
// contract. A nil return means "woken, re-check the pool" — the wake may
// have been a Release another waiter already consumed.
func (p *Pool[T]) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		case <-done:
		}
	}()
	var timer *time.Timer
	timedOut := false
	if p.waitTimeout > 0 {
		timer = time.AfterFunc(p.waitTimeout, func() {
			p.mu.Lock()
			timedOut = true
			p.cond.Broadcast()
			p.mu.Unlock()
		})
	}
	p.cond.Wait()
	close(done)
	if timer != nil {
		timer.Stop()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if timedOut {
		return ErrWaitTimeout
	}
	return nil
}

// Release returns a resource to the ready set, or discards it (shrinking
// total so a future Acquire may create a replacement) if a Healthcheck is
// configured and reports it unhealthy. Release is not idempotent: calling
// it twice for the same value double-counts it into the ready set, so
// callers must release each acquired value exactly once.
func (p *Pool[T]) Release(v T) {
	p.mu.Lock()
	if p.closing || (p.healthy != nil && !p.healthy(v)) {
		p.total--
		p.cond.Broadcast()
		evict := p.evict
		p.mu.Unlock()
		if evict != nil {
			evict(v)
		}
		return
	}
	p.ready = append(p.ready, v)
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Discard drops a resource without returning it to the ready set (used
// when a caller already knows the resource is broken, e.g. after a
// connection error) and wakes any waiters so a replacement can be
// created.
func (p *Pool[T]) Discard(v T) {
	p.mu.Lock()
	p.total--
	p.cond.Broadcast()
	evict := p.evict
	p.mu.Unlock()
	if evict != nil {
		evict(v)
	}
}

// Shutdown marks the pool closed; subsequent Acquire calls fail with
// ErrShutdown, all waiters are woken, and idle resources are evicted.
// Resources still leased out are destroyed as their leases release.
func (p *Pool[T]) Shutdown() {
	p.mu.Lock()
	p.closing = true
	idle := p.ready
	p.ready = nil
	p.total -= len(idle)
	p.cond.Broadcast()
	evict := p.evict
	p.mu.Unlock()
	if evict != nil {
		for _, v := range idle {
			evict(v)
		}
	}
}

// Lease is an exclusive borrow of one pooled resource. Release is
// idempotent on the lease object: the second and every later call is a
// no-op, so an effect handler's defer and an explicit close path can
// both release without double-counting the resource into the ready set.
// Releasing after the pool has shut down destroys the resource (via
// OnEvict) instead of re-queueing it.
type Lease[T any] struct {
	pool     *Pool[T]
	value    T
	released atomic.Bool
}

// AcquireLease is Acquire wrapped in a Lease.
func (p *Pool[T]) AcquireLease(ctx context.Context) (*Lease[T], error) {
	v, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &Lease[T]{pool: p, value: v}, nil
}

// Value returns the borrowed resource. Valid only before Release/Discard.
func (l *Lease[T]) Value() T { return l.value }

// Release returns the resource to the pool exactly once.
func (l *Lease[T]) Release() {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	l.pool.Release(l.value)
}

// Discard destroys the resource exactly once instead of returning it,
// for a caller that knows the resource is broken.
func (l *Lease[T]) Discard() {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	l.pool.Discard(l.value)
}

// Stats reports point-in-time pool occupancy.
type Stats struct {
	Ready int
	Total int
	Max   int
}

// Stats returns a snapshot for metrics export.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Ready: len(p.ready), Total: p.total, Max: p.maxSize}
}
