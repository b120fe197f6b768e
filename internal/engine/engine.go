// Package engine implements the step engine: it drains the step
// queue, runs one execution context's step chain to its next suspension
// point, interprets the resulting Decision, and either re-enqueues the
// context, hands its Need off to the effect dispatcher, or finalizes it.
package engine

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/monstercameron/zerver/internal/join"
	"github.com/monstercameron/zerver/internal/kernel"
	"github.com/monstercameron/zerver/internal/metrics"
	"github.com/monstercameron/zerver/internal/observability"
	"github.com/monstercameron/zerver/internal/reqctx"
	"github.com/monstercameron/zerver/internal/stepqueue"
)

// MaxDepth is the recursion cap on chained Needs within one request: a
// chain of 1000 Need decisions succeeds, the 1001st fails. A Need
// issued at depth 1000 fails instead of dispatching.
const MaxDepth = 1000

// Dispatcher runs a Need's effects and reports each one's completion.
// internal/effect implements this; engine depends only on the interface
// to avoid effect importing engine importing effect.
type Dispatcher interface {
	Dispatch(ctx *reqctx.CtxBase, need reqctx.Need, onComplete func(eff kernel.Effect, result kernel.EffectResult))
}

// OnError renders a terminal error into a Response (the pipeline's
// on_error hook); engine calls it once per Fail so every
// exit path — step-returned Fail, panic, or depth-cap trip — goes
// through the same rendering.
type OnError func(ctx *reqctx.CtxBase, err *kernel.Error) kernel.Response

// Engine ties the step queue to a dispatcher and an error renderer.
type Engine struct {
	Queue      *stepqueue.Queue
	Dispatcher Dispatcher
	OnError    OnError
	Log        *slog.Logger
}

// New builds an Engine; the returned Run method is the handler to pass
// to stepqueue.NewQueue.
func New(dispatcher Dispatcher, onError OnError, log *slog.Logger) *Engine {
	return &Engine{Dispatcher: dispatcher, OnError: onError, Log: log}
}

// Run executes (or resumes) ec until it parks on a Need or reaches a
// terminal Decision. It is the function passed to stepqueue.NewQueue as
// the per-job handler, so it always runs on a step-pool worker and must
// never block on I/O itself.
func (e *Engine) Run(ec *stepqueue.ExecContext) {
	ec.MarkRunning()

	var decision reqctx.Decision
	if pending := ec.TakePending(); pending != nil {
		ec.Depth = pending.Depth
		if pending.Failed != nil {
			// A required effect failed and the join latched failure: the
			// Need resolves as Fail with the handler's error, and the
			// continuation never runs.
			decision = reqctx.FailErr(pending.Failed)
		} else {
			resumeIdx := minInt(ec.Index, len(ec.Steps)-1)
			decision = e.runTraced(ec, resumeIdx, ec.Steps[resumeIdx].Name, func() reqctx.Decision {
				return pending.Continuation(ec.Ctx)
			})
		}
	} else {
		decision = reqctx.Continue()
	}

	for {
		switch decision.Kind {
		case reqctx.KindContinue:
			if ec.Index >= len(ec.Steps) {
				// The chain ran off the end without a terminal Decision.
				ec.Finish(kernel.CompleteResponse(200, "text/plain", []byte("OK")), nil)
				return
			}
			step := ec.Steps[ec.Index]
			stepIdx := ec.Index
			ec.Index++
			decision = e.runTraced(ec, stepIdx, step.Name, func() reqctx.Decision { return step.Call(ec.Ctx) })
			continue

		case reqctx.KindDone:
			ec.Finish(decision.Response, nil)
			return

		case reqctx.KindFail:
			ec.Ctx.SetLastError(decision.Err)
			resp := e.OnError(ec.Ctx, decision.Err)
			ec.Finish(resp, decision.Err)
			return

		case reqctx.KindNeed:
			e.park(ec, decision.Need)
			return

		default:
			resp := e.OnError(ec.Ctx, kernel.NewError(kernel.ErrInternalError, "decision", "unknown_kind"))
			ec.Finish(resp, kernel.NewError(kernel.ErrInternalError, "decision", "unknown_kind"))
			return
		}
	}
}

// callSafely invokes a step/continuation body, trapping a panic into a
// Fail(InternalError, "step", name) decision.
func (e *Engine) callSafely(name string, fn func() reqctx.Decision) (d reqctx.Decision) {
	defer func() {
		if r := recover(); r != nil {
			if e.Log != nil {
				e.Log.Error("step panic", "step", name, "panic", fmt.Sprint(r))
			}
			d = reqctx.Fail(kernel.ErrInternalError, "step", name)
		}
	}()
	return fn()
}

// runTraced wraps callSafely with a per-step OpenTelemetry span and
// latency metric: a span tagged with the
// step's phase (global_before/route_before/main) and name, and a
// RecordStep sample keyed the same way. idx is the step's position in
// ec.Steps, used only to resolve its phase tag.
func (e *Engine) runTraced(ec *stepqueue.ExecContext, idx int, name string, fn func() reqctx.Decision) reqctx.Decision {
	phase := ec.Phase(idx)
	_, span := observability.StartSpan(ec.Ctx.TraceCtx(), "step:"+name,
		observability.AttrRequestID.String(ec.Ctx.RequestID()),
		observability.AttrPhase.String(phase),
		observability.AttrStepName.String(name),
	)
	start := time.Now()
	decision := e.callSafely(name, fn)
	durationMs := time.Since(start).Milliseconds()

	success := decision.Kind != reqctx.KindFail
	metrics.Global().RecordStep(phase, name, durationMs, success)
	if !success {
		observability.SetSpanError(span, decision.Err)
	} else {
		observability.SetSpanOK(span)
	}
	span.End()
	return decision
}

func (e *Engine) park(ec *stepqueue.ExecContext, need reqctx.Need) {
	depth := ec.Depth + 1
	if depth > MaxDepth {
		resp := e.OnError(ec.Ctx, kernel.NewError(kernel.ErrInternalError, "need", "recursion_limit"))
		ec.Finish(resp, kernel.NewError(kernel.ErrInternalError, "need", "recursion_limit"))
		return
	}

	resolver := join.NewResolver(need.Join, need.Effects)
	ec.IncOutstanding(int32(len(need.Effects)))
	ec.Park(stepqueue.PendingNeed{
		Continuation: need.Continuation,
		Resolver:     resolver,
		Depth:        depth,
	})
	metrics.Global().RecordDepth(depth)

	e.Dispatcher.Dispatch(ec.Ctx, need, func(eff kernel.Effect, result kernel.EffectResult) {
		ec.DecOutstanding()
		ec.IncCompleted()
		resume, ok := resolver.RecordCompletion(eff.Required, result.Ok())
		if !resume {
			return
		}
		metrics.Global().RecordJoinResolution(need.Join.String(), ok)
		if !ok {
			failErr := result.Err
			if failErr == nil {
				failErr = kernel.NewError(kernel.ErrUpstreamUnavailable, "effect", eff.Kind.String())
			}
			ec.FailPending(failErr)
		}
		ec.MarkResuming()
		if err := e.Queue.Enqueue(ec); err != nil && e.Log != nil {
			e.Log.Error("failed to resume context", "error", err.Error())
		}
	})
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
