package engine

import (
	"testing"
	"time"

	"github.com/monstercameron/zerver/internal/kernel"
	"github.com/monstercameron/zerver/internal/reqctx"
	"github.com/monstercameron/zerver/internal/stepqueue"
)

// noopDispatcher never completes any effect; tests that exercise Need
// parking drive completion manually by invoking the callback they
// capture, or don't care whether it ever resolves.
type noopDispatcher struct {
	onDispatch func(ctx *reqctx.CtxBase, need reqctx.Need, onComplete func(kernel.Effect, kernel.EffectResult))
}

func (d *noopDispatcher) Dispatch(ctx *reqctx.CtxBase, need reqctx.Need, onComplete func(kernel.Effect, kernel.EffectResult)) {
	if d.onDispatch != nil {
		d.onDispatch(ctx, need, onComplete)
	}
}

func defaultOnError(ctx *reqctx.CtxBase, err *kernel.Error) kernel.Response {
	return kernel.CompleteResponse(uint16(err.Kind), "application/json", []byte(err.Error()))
}

func newTestCtx() *reqctx.CtxBase {
	return reqctx.NewCtx("GET", "/x", nil, nil, nil, nil)
}

func TestRun_ContinueChainReachesDone(t *testing.T) {
	steps := []reqctx.Step{
		reqctx.NewStep("a", func(c *reqctx.CtxBase) reqctx.Decision { return reqctx.Continue() }),
		reqctx.NewStep("b", func(c *reqctx.CtxBase) reqctx.Decision {
			return reqctx.Done(kernel.CompleteResponse(200, "text/plain", []byte("ok")))
		}),
	}
	ec := stepqueue.New(newTestCtx(), steps)
	e := New(&noopDispatcher{}, defaultOnError, nil)
	e.Run(ec)

	if ec.State() != stepqueue.StateCompleted {
		t.Fatalf("expected completed, got %v", ec.State())
	}
	if ec.FinalResponse.Status != 200 {
		t.Fatalf("expected status 200, got %d", ec.FinalResponse.Status)
	}
}

func TestRun_FailInvokesOnError(t *testing.T) {
	steps := []reqctx.Step{
		reqctx.NewStep("a", func(c *reqctx.CtxBase) reqctx.Decision {
			return reqctx.Fail(kernel.ErrNotFound, "post", "42")
		}),
	}
	ec := stepqueue.New(newTestCtx(), steps)
	e := New(&noopDispatcher{}, defaultOnError, nil)
	e.Run(ec)

	if ec.State() != stepqueue.StateFailed {
		t.Fatalf("expected failed, got %v", ec.State())
	}
	if ec.FinalResponse.Status != uint16(kernel.ErrNotFound) {
		t.Fatalf("expected on_error to render status %d, got %d", kernel.ErrNotFound, ec.FinalResponse.Status)
	}
}

func TestRun_PanicTrappedAsInternalError(t *testing.T) {
	steps := []reqctx.Step{
		reqctx.NewStep("boom", func(c *reqctx.CtxBase) reqctx.Decision {
			panic("kaboom")
		}),
	}
	ec := stepqueue.New(newTestCtx(), steps)
	e := New(&noopDispatcher{}, defaultOnError, nil)
	e.Run(ec)

	if ec.State() != stepqueue.StateFailed {
		t.Fatalf("expected failed, got %v", ec.State())
	}
	if ec.FinalErr.Kind != kernel.ErrInternalError {
		t.Fatalf("expected InternalError, got %v", ec.FinalErr.Kind)
	}
	if ec.FinalErr.Key != "boom" {
		t.Fatalf("expected the panicking step's name as the error key, got %q", ec.FinalErr.Key)
	}
}

func TestRun_ExhaustingChainWithoutDoneRendersDefaultOK(t *testing.T) {
	steps := []reqctx.Step{
		reqctx.NewStep("a", func(c *reqctx.CtxBase) reqctx.Decision { return reqctx.Continue() }),
	}
	ec := stepqueue.New(newTestCtx(), steps)
	e := New(&noopDispatcher{}, defaultOnError, nil)
	e.Run(ec)

	if ec.State() != stepqueue.StateCompleted {
		t.Fatalf("expected completed, got %v", ec.State())
	}
	if ec.FinalResponse.Status != 200 {
		t.Fatalf("expected 200, got %d", ec.FinalResponse.Status)
	}
	if string(ec.FinalResponse.Body.Complete) != "OK" {
		t.Fatalf("expected default OK body, got %q", ec.FinalResponse.Body.Complete)
	}
}

func TestRun_NeedParksAndDispatches(t *testing.T) {
	const tok kernel.Token = 1
	dispatched := make(chan struct{}, 1)
	var captured func(kernel.Effect, kernel.EffectResult)

	steps := []reqctx.Step{
		reqctx.NewStep("ask", func(c *reqctx.CtxBase) reqctx.Decision {
			return reqctx.NeedDecision(reqctx.Need{
				Effects: []kernel.Effect{{Kind: kernel.EffectKVGet, Dest: tok, Required: true}},
				Join:    kernel.JoinAll,
				Continuation: func(c *reqctx.CtxBase) reqctx.Decision {
					return reqctx.Done(kernel.CompleteResponse(200, "text/plain", []byte("resumed")))
				},
			})
		}),
	}
	ec := stepqueue.New(newTestCtx(), steps)

	d := &noopDispatcher{onDispatch: func(ctx *reqctx.CtxBase, need reqctx.Need, onComplete func(kernel.Effect, kernel.EffectResult)) {
		captured = onComplete
		dispatched <- struct{}{}
	}}
	q := stepqueue.NewQueue(1, 4, func(resumed *stepqueue.ExecContext) {
		e := New(d, defaultOnError, nil)
		e.Run(resumed)
	})
	q.Start()
	defer q.Shutdown()

	e := New(d, defaultOnError, nil)
	e.Queue = q
	e.Run(ec)

	if ec.State() != stepqueue.StateWaiting {
		t.Fatalf("expected waiting after Need, got %v", ec.State())
	}
	select {
	case <-dispatched:
	case <-time.After(time.Second):
		t.Fatal("dispatcher was never invoked")
	}

	captured(kernel.Effect{Kind: kernel.EffectKVGet, Dest: tok, Required: true}, kernel.Success([]byte("v")))

	select {
	case <-ec.Done:
	case <-time.After(time.Second):
		t.Fatal("context never completed after resume")
	}
	if ec.State() != stepqueue.StateCompleted {
		t.Fatalf("expected completed after resume, got %v", ec.State())
	}
	if string(ec.FinalResponse.Body.Complete) != "resumed" {
		t.Fatalf("expected continuation's response, got %q", ec.FinalResponse.Body.Complete)
	}
}

func TestRun_RequiredEffectFailureFailsNeedWithoutContinuation(t *testing.T) {
	const tok kernel.Token = 1
	continuationRan := false

	steps := []reqctx.Step{
		reqctx.NewStep("fetch", func(c *reqctx.CtxBase) reqctx.Decision {
			return reqctx.NeedDecision(reqctx.Need{
				Effects: []kernel.Effect{{Kind: kernel.EffectDBQuery, Dest: tok, Required: true}},
				Join:    kernel.JoinAll,
				Continuation: func(c *reqctx.CtxBase) reqctx.Decision {
					continuationRan = true
					return reqctx.Done(kernel.CompleteResponse(200, "text/plain", []byte("unreachable")))
				},
			})
		}),
	}
	ec := stepqueue.New(newTestCtx(), steps)

	d := &noopDispatcher{onDispatch: func(ctx *reqctx.CtxBase, need reqctx.Need, onComplete func(kernel.Effect, kernel.EffectResult)) {
		onComplete(need.Effects[0], kernel.Failure(kernel.NewError(kernel.ErrNotFound, "post", "42")))
	}}
	e := New(d, defaultOnError, nil)
	q := stepqueue.NewQueue(1, 16, e.Run)
	e.Queue = q
	q.Start()
	defer q.Shutdown()

	e.Run(ec)

	select {
	case <-ec.Done:
	case <-time.After(time.Second):
		t.Fatal("context never reached a terminal state")
	}
	if continuationRan {
		t.Fatal("continuation ran despite the required effect failing")
	}
	if ec.State() != stepqueue.StateFailed {
		t.Fatalf("expected failed, got %v", ec.State())
	}
	if ec.FinalErr == nil || ec.FinalErr.Kind != kernel.ErrNotFound {
		t.Fatalf("expected the handler's NotFound error to propagate, got %v", ec.FinalErr)
	}
	if ec.FinalResponse.Status != uint16(kernel.ErrNotFound) {
		t.Fatalf("expected on_error's rendering, got status %d", ec.FinalResponse.Status)
	}
}

func TestRun_NonRequiredFailureStillResumesContinuation(t *testing.T) {
	const tokA, tokB kernel.Token = 1, 2

	steps := []reqctx.Step{
		reqctx.NewStep("fetch", func(c *reqctx.CtxBase) reqctx.Decision {
			return reqctx.NeedDecision(reqctx.Need{
				Effects: []kernel.Effect{
					{Kind: kernel.EffectKVGet, Dest: tokA, Required: true},
					{Kind: kernel.EffectKVGet, Dest: tokB, Required: false},
				},
				Join: kernel.JoinAll,
				Continuation: func(c *reqctx.CtxBase) reqctx.Decision {
					v, ok, _ := reqctx.SlotGet[[]byte](c, tokA)
					if !ok {
						return reqctx.Fail(kernel.ErrInternalError, "slot", "a")
					}
					return reqctx.Done(kernel.CompleteResponse(200, "text/plain", v))
				},
			})
		}),
	}
	ec := stepqueue.New(newTestCtx(), steps)

	d := &noopDispatcher{onDispatch: func(ctx *reqctx.CtxBase, need reqctx.Need, onComplete func(kernel.Effect, kernel.EffectResult)) {
		reqctx.SlotPutRaw(ctx, tokA, []byte("primary"))
		onComplete(need.Effects[0], kernel.Success([]byte("primary")))
		onComplete(need.Effects[1], kernel.Failure(kernel.NewError(kernel.ErrUpstreamUnavailable, "effect", "kv_get")))
	}}
	e := New(d, defaultOnError, nil)
	q := stepqueue.NewQueue(1, 16, e.Run)
	e.Queue = q
	q.Start()
	defer q.Shutdown()

	e.Run(ec)

	select {
	case <-ec.Done:
	case <-time.After(time.Second):
		t.Fatal("context never reached a terminal state")
	}
	if ec.State() != stepqueue.StateCompleted {
		t.Fatalf("expected the optional failure to be tolerated, got %v", ec.State())
	}
	if string(ec.FinalResponse.Body.Complete) != "primary" {
		t.Fatalf("expected the required effect's slot value, got %q", ec.FinalResponse.Body.Complete)
	}
}

func TestRun_RecursionCapTripsAtDepth1001(t *testing.T) {
	const tok kernel.Token = 1
	var chain func(c *reqctx.CtxBase) reqctx.Decision
	chain = func(c *reqctx.CtxBase) reqctx.Decision {
		return reqctx.NeedDecision(reqctx.Need{
			Effects:      []kernel.Effect{{Kind: kernel.EffectCompute, Dest: tok, Required: true}},
			Join:         kernel.JoinAll,
			Continuation: chain,
		})
	}
	steps := []reqctx.Step{reqctx.NewStep("loop", chain)}
	ec := stepqueue.New(newTestCtx(), steps)

	d := &noopDispatcher{onDispatch: func(ctx *reqctx.CtxBase, need reqctx.Need, onComplete func(kernel.Effect, kernel.EffectResult)) {
		// Synchronously resolve every Need so the chain runs to the cap
		// without needing real concurrency.
		onComplete(need.Effects[0], kernel.Success(nil))
	}}
	e := New(d, defaultOnError, nil)
	q := stepqueue.NewQueue(1, 4096, e.Run)
	e.Queue = q
	q.Start()
	defer q.Shutdown()

	e.Run(ec)

	select {
	case <-ec.Done:
	case <-time.After(5 * time.Second):
		t.Fatal("recursive Need chain never terminated")
	}
	if ec.State() != stepqueue.StateFailed {
		t.Fatalf("expected the recursion cap to fail the request, got %v", ec.State())
	}
	if ec.FinalErr.Key != "recursion_limit" {
		t.Fatalf("expected recursion_limit error key, got %q", ec.FinalErr.Key)
	}
}
