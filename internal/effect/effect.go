// Package effect implements the effect dispatcher: the tagged-union
// effect → handler registry, slot parameter resolution, and the bridge
// between a Need's declared Effects and the engine's completion
// callback. Concrete handlers live alongside it in this package (http.go,
// compute.go) or are thin adapters over internal/cache, internal/store,
// internal/objectstore, internal/rpcbridge, and internal/connpool.
package effect

import (
	"context"
	"log/slog"
	"time"

	"github.com/monstercameron/zerver/internal/circuitbreaker"
	"github.com/monstercameron/zerver/internal/kernel"
	"github.com/monstercameron/zerver/internal/metrics"
	"github.com/monstercameron/zerver/internal/reactor"
	"github.com/monstercameron/zerver/internal/reqctx"
)

// Handler executes one effect and returns its result. params has already
// been resolved (inline values taken as-is, slot-backed params read from
// the context) before Handler is called.
type Handler func(ctx context.Context, rc *reqctx.CtxBase, eff kernel.Effect, params map[string]any) kernel.EffectResult

// Registry maps effect kinds to their handler.
type Registry struct {
	handlers map[kernel.EffectKind]Handler
}

// NewRegistry builds an empty Registry; call Register for each supported
// EffectKind before wiring it into a Dispatcher.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[kernel.EffectKind]Handler)}
}

// Register installs h as the handler for kind, replacing any previous
// registration — used at startup so the binary's effect surface is fixed
// before the first request arrives.
func (r *Registry) Register(kind kernel.EffectKind, h Handler) {
	r.handlers[kind] = h
}

// Dispatcher runs a Need's effects on the reactor's effector and compute
// pools and reports each completion back to the engine. It implements
// engine.Dispatcher.
type Dispatcher struct {
	Registry  *Registry
	Effector  *reactor.Pool[func()]
	Compute   *reactor.Pool[func()]
	Idem      *IdempotencyCache
	Log       *slog.Logger
	DefaultTO time.Duration

	// Breakers guards each effect kind against a cascading downstream
	// failure. BreakerCfg is the base config, specialized per kind via
	// Config.ForKind before a breaker is created; leaving BreakerCfg
	// disabled (the zero value) turns circuit breaking off entirely.
	Breakers   *circuitbreaker.Registry
	BreakerCfg circuitbreaker.Config
}

// NewDispatcher builds a Dispatcher. effector and compute are the reactor's
// worker pools; effects of kind EffectCompute run on compute, every other
// kind runs on effector, splitting I/O-bound from CPU-bound work.
// Circuit breaking is disabled by default; set BreakerCfg on the returned
// Dispatcher to enable a per-effect-kind breaker.
func NewDispatcher(registry *Registry, effector, compute *reactor.Pool[func()], idem *IdempotencyCache, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		Registry:  registry,
		Effector:  effector,
		Compute:   compute,
		Idem:      idem,
		Log:       log,
		DefaultTO: 30 * time.Second,
		Breakers:  circuitbreaker.NewRegistry(),
	}
}

// Dispatch runs need.Effects according to need.Mode (sequential effects
// are submitted one at a time, each waiting for the previous to
// complete; parallel effects are all submitted immediately) and invokes
// onComplete once per effect as each finishes. It never blocks waiting
// for the Need to fully resolve — that decision belongs to the caller's
// join resolver.
func (d *Dispatcher) Dispatch(ctx *reqctx.CtxBase, need reqctx.Need, onComplete func(eff kernel.Effect, result kernel.EffectResult)) {
	switch need.Mode {
	case kernel.Sequential:
		go d.runSequential(ctx, need.Effects, onComplete)
	default:
		for _, eff := range need.Effects {
			d.submitOne(ctx, eff, onComplete)
		}
	}
}

func (d *Dispatcher) runSequential(ctx *reqctx.CtxBase, effects []kernel.Effect, onComplete func(eff kernel.Effect, result kernel.EffectResult)) {
	for _, eff := range effects {
		done := make(chan struct{})
		d.submitOne(ctx, eff, func(e kernel.Effect, r kernel.EffectResult) {
			onComplete(e, r)
			close(done)
		})
		<-done
	}
}

func (d *Dispatcher) submitOne(ctx *reqctx.CtxBase, eff kernel.Effect, onComplete func(eff kernel.Effect, result kernel.EffectResult)) {
	job := func() { d.run(ctx, eff, onComplete) }
	pool := d.Effector
	if eff.Kind == kernel.EffectCompute {
		pool = d.Compute
	}
	if err := pool.Submit(job); err != nil {
		onComplete(eff, kernel.Failure(kernel.NewError(kernel.ErrInternalError, "effect_pool", eff.Kind.String())))
	}
}

func (d *Dispatcher) run(ctx *reqctx.CtxBase, eff kernel.Effect, onComplete func(eff kernel.Effect, result kernel.EffectResult)) {
	if eff.IdemKey != "" && d.Idem != nil {
		if cached, ok := d.Idem.Get(eff.Dest, eff.IdemKey); ok {
			applyResult(ctx, eff, cached)
			onComplete(eff, cached)
			return
		}
	}

	breakerKey := eff.Kind.String()
	breaker := d.breakerFor(breakerKey)
	if breaker != nil && !breaker.Allow() {
		result := kernel.Failure(kernel.NewError(kernel.ErrShutdown, "circuit_breaker", breakerKey))
		applyResult(ctx, eff, result)
		onComplete(eff, result)
		return
	}

	handler, ok := d.Registry.handlers[eff.Kind]
	if !ok {
		result := kernel.Failure(kernel.NewError(kernel.ErrInternalError, "effect_handler", eff.Kind.String()))
		applyResult(ctx, eff, result)
		onComplete(eff, result)
		return
	}

	params := resolveParams(ctx, eff.Params)

	timeout := time.Duration(eff.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = d.DefaultTO
	}
	cctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	result := d.runWithRetry(cctx, ctx, eff, params, handler)
	durationMs := time.Since(start).Milliseconds()
	metrics.Global().RecordEffect(eff.Kind.String(), durationMs, result.Ok())

	if breaker != nil {
		d.recordBreakerOutcome(breakerKey, breaker, result.Ok())
	}

	if eff.IdemKey != "" && d.Idem != nil && result.Ok() {
		d.Idem.Put(eff.Dest, eff.IdemKey, result)
	}

	applyResult(ctx, eff, result)
	onComplete(eff, result)
}

// breakerFor returns the breaker for an effect kind, creating it lazily
// from BreakerCfg specialized to that kind. Returns nil (breaking
// disabled) when the specialized config is disabled — compute always,
// every kind when BreakerCfg is the zero value — or Breakers was never
// initialized.
func (d *Dispatcher) breakerFor(key string) *circuitbreaker.Breaker {
	if d.Breakers == nil {
		return nil
	}
	return d.Breakers.Get(key, d.BreakerCfg.ForKind(key))
}

// recordBreakerOutcome feeds a dispatch outcome back into the breaker and
// reports any resulting state to the metrics registry.
func (d *Dispatcher) recordBreakerOutcome(key string, breaker *circuitbreaker.Breaker, ok bool) {
	before := breaker.State()
	if ok {
		breaker.RecordSuccess()
	} else {
		breaker.RecordFailure()
	}
	after := breaker.State()
	metrics.SetCircuitBreakerState(key, int(after))
	if after != before {
		metrics.RecordCircuitBreakerTrip(key, after.String())
	}
}

// runWithRetry applies eff.Retry (if set) around a single handler
// invocation. A retried effect still counts as exactly one completion to
// the join resolver — onComplete is only ever called once per effect by
// the caller.
func (d *Dispatcher) runWithRetry(cctx context.Context, rc *reqctx.CtxBase, eff kernel.Effect, params map[string]any, handler Handler) kernel.EffectResult {
	attempts := 1
	base := time.Duration(0)
	maxDelay := time.Duration(0)
	if eff.Retry != nil {
		if eff.Retry.MaxAttempts > 1 {
			attempts = eff.Retry.MaxAttempts
		}
		base = time.Duration(eff.Retry.BaseDelayMS) * time.Millisecond
		maxDelay = time.Duration(eff.Retry.MaxDelayMS) * time.Millisecond
	}

	var result kernel.EffectResult
	delay := base
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if delay > maxDelay && maxDelay > 0 {
				delay = maxDelay
			}
			select {
			case <-time.After(delay):
			case <-cctx.Done():
				return kernel.Failure(kernel.NewError(kernel.ErrGatewayTimeout, "effect", eff.Kind.String()))
			}
			if delay > 0 {
				delay *= 2
			}
		}
		result = handler(cctx, rc, eff, params)
		if result.Ok() {
			return result
		}
		if d.Log != nil {
			d.Log.Warn("effect attempt failed", "kind", eff.Kind.String(), "attempt", attempt+1, "of", attempts)
		}
	}
	return result
}

// resolveParams reads slot-backed params from rc and passes inline params
// through unchanged. Unset slot-backed params resolve to nil.
func resolveParams(rc *reqctx.CtxBase, params map[string]kernel.Param) map[string]any {
	out := make(map[string]any, len(params))
	for name, p := range params {
		if !p.FromSlot {
			out[name] = p.Inline
			continue
		}
		v, _ := reqctx.GetAny(rc, p.SlotToken)
		out[name] = v
	}
	return out
}

// applyResult writes an effect's result bytes to its destination slot.
// A failed effect leaves the slot unset and records the error on the
// context instead, so a step can distinguish "absent" from "failed".
func applyResult(rc *reqctx.CtxBase, eff kernel.Effect, result kernel.EffectResult) {
	if result.Ok() {
		reqctx.SlotPutRaw(rc, eff.Dest, result.Bytes)
		return
	}
	rc.SetLastError(result.Err)
}
