// Package circuitbreaker guards effect dispatch against a downstream
// that has started failing: once an effect kind's recent failure ratio
// crosses its threshold, further dispatches of that kind are rejected
// immediately instead of tying up effector workers on a dead upstream.
//
// # State machine
//
//	Closed ──(failure ratio ≥ threshold over ≥ MinSamples)──► Open
//	Open ──(Cooldown elapsed)──► HalfOpen
//	HalfOpen ──(Probes consecutive successes)──► Closed
//	HalfOpen ──(any probe fails)──► Open
//
// # Counting
//
// Outcomes are counted in a ring of one-second buckets spanning Window.
// A bucket is reset lazily when its second comes around again, so
// recording an outcome is O(1) and the window never stores per-event
// timestamps. The ratio is only consulted once the window holds at
// least MinSamples outcomes — effect traffic is bursty per kind, and a
// single failed call on a quiet kind must not open its circuit.
//
// # Per-kind specialization
//
// Effect kinds fail differently: a dead TCP/WebSocket peer fails every
// subsequent frame on the same connection, so connection-oriented kinds
// trip at half the configured ratio, while compute never trips at all (a
// local function call cannot cascade). Config.ForKind applies those
// adjustments; the dispatcher calls it per effect kind.
package circuitbreaker

import (
	"strings"
	"sync"
	"time"
)

// State is the breaker's position in the trip/probe/recover cycle.
type State int

const (
	StateClosed   State = iota // normal operation, dispatches pass through
	StateOpen                  // dispatches are rejected until Cooldown elapses
	StateHalfOpen              // a limited number of probe dispatches are allowed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config parameterizes one breaker. The zero value disables breaking
// entirely (Enabled returns false and Registry.Get returns nil).
type Config struct {
	FailureRatio float64       // trip when failures/total reaches this over the window (0 < ratio ≤ 1)
	MinSamples   int           // outcomes required in-window before the ratio is consulted
	Window       time.Duration // observation window, counted in one-second buckets
	Cooldown     time.Duration // how long Open lasts before probing begins
	Probes       int           // consecutive successful probes required to close
}

// Enabled reports whether the config describes a working breaker.
func (c Config) Enabled() bool {
	return c.FailureRatio > 0 && c.Window > 0 && c.Cooldown > 0
}

// ForKind specializes a base Config for one effect kind. Connection-
// oriented kinds (tcp_*, ws_*) trip at half the base ratio and half the
// sample floor, since a dead peer fails every frame that follows.
// Compute is local function dispatch and cannot cascade, so breaking is
// disabled for it regardless of the base config.
func (c Config) ForKind(kind string) Config {
	if !c.Enabled() {
		return c
	}
	switch {
	case kind == "compute":
		return Config{}
	case strings.HasPrefix(kind, "tcp_") || strings.HasPrefix(kind, "ws_"):
		out := c
		out.FailureRatio = c.FailureRatio / 2
		if out.MinSamples > 1 {
			out.MinSamples = out.MinSamples / 2
		}
		return out
	default:
		return c
	}
}

// bucket holds one second's outcome counts. second records which wall
// second the counts belong to, so a stale slot is detected and reset
// lazily instead of by a sweeper goroutine.
type bucket struct {
	second int64
	ok     int
	fail   int
}

// Breaker tracks recent outcomes for one effect kind and decides whether
// its dispatches may proceed. All methods are safe for concurrent use.
type Breaker struct {
	mu  sync.Mutex
	cfg Config

	state    State
	buckets  []bucket
	reopenAt time.Time // when Open may transition to HalfOpen

	probesOut int // probes handed out in the current HalfOpen episode
	probeOK   int // consecutive successful probes so far
}

// New builds a Breaker. Window is rounded down to whole seconds with a
// one-second floor; Probes and MinSamples default to 1.
func New(cfg Config) *Breaker {
	secs := int(cfg.Window / time.Second)
	if secs < 1 {
		secs = 1
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 1
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 1
	}
	return &Breaker{cfg: cfg, buckets: make([]bucket, secs)}
}

// slot returns the ring bucket for now, resetting it if its last use was
// a different second. Must be called under mu.
func (b *Breaker) slot(now time.Time) *bucket {
	sec := now.Unix()
	bk := &b.buckets[int(sec%int64(len(b.buckets)))]
	if bk.second != sec {
		bk.second, bk.ok, bk.fail = sec, 0, 0
	}
	return bk
}

// totals sums the buckets still inside the window. Must be called under mu.
func (b *Breaker) totals(now time.Time) (ok, fail int) {
	oldest := now.Unix() - int64(len(b.buckets)) + 1
	for i := range b.buckets {
		if b.buckets[i].second >= oldest {
			ok += b.buckets[i].ok
			fail += b.buckets[i].fail
		}
	}
	return ok, fail
}

func (b *Breaker) trip(now time.Time) {
	b.state = StateOpen
	b.reopenAt = now.Add(b.cfg.Cooldown)
}

// Allow reports whether a dispatch may proceed right now. In HalfOpen it
// hands out at most Probes concurrent probe slots.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Now().Before(b.reopenAt) {
			return false
		}
		b.state = StateHalfOpen
		b.probesOut = 1
		b.probeOK = 0
		return true
	case StateHalfOpen:
		if b.probesOut < b.cfg.Probes {
			b.probesOut++
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess feeds a successful dispatch outcome back in. Closing
// from HalfOpen clears the window so the old failure burst cannot
// immediately re-trip the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	switch b.state {
	case StateHalfOpen:
		b.probeOK++
		if b.probeOK >= b.cfg.Probes {
			b.state = StateClosed
			for i := range b.buckets {
				b.buckets[i] = bucket{}
			}
		}
	case StateClosed:
		b.slot(now).ok++
	}
}

// RecordFailure feeds a failed dispatch outcome back in, tripping the
// breaker when the in-window failure ratio reaches the threshold (and
// the window holds enough samples to mean anything), or immediately on
// a failed HalfOpen probe.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	switch b.state {
	case StateHalfOpen:
		b.trip(now)
	case StateClosed:
		b.slot(now).fail++
		ok, fail := b.totals(now)
		total := ok + fail
		if total >= b.cfg.MinSamples && float64(fail) >= b.cfg.FailureRatio*float64(total) {
			b.trip(now)
		}
	}
}

// State returns the breaker's current state, applying the Open→HalfOpen
// transition if the cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && !time.Now().Before(b.reopenAt) {
		b.state = StateHalfOpen
		b.probesOut = 0
		b.probeOK = 0
	}
	return b.state
}

// Registry holds one breaker per key (effect kind), created lazily on
// first dispatch of that kind.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for key, creating it with cfg if absent.
// Returns nil when cfg is disabled, which callers treat as "no breaking
// for this key".
func (r *Registry) Get(key string, cfg Config) *Breaker {
	if !cfg.Enabled() {
		return nil
	}

	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok {
		return b
	}
	b = New(cfg)
	r.breakers[key] = b
	return b
}

// Remove deletes the breaker for a key.
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	delete(r.breakers, key)
	r.mu.Unlock()
}

// Snapshot returns each key's current state for observability.
func (r *Registry) Snapshot() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.breakers))
	for key, b := range r.breakers {
		out[key] = b.State().String()
	}
	return out
}
