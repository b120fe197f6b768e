package effect

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/monstercameron/zerver/internal/kernel"
	"github.com/monstercameron/zerver/internal/reactor"
	"github.com/monstercameron/zerver/internal/reqctx"
)

func runJob(f func()) { f() }

func newTestDispatcher(t *testing.T, registry *Registry) *Dispatcher {
	t.Helper()
	effector := reactor.NewPool[func()](2, 64, runJob)
	effector.Start()
	compute := reactor.NewPool[func()](1, 64, runJob)
	compute.Start()
	t.Cleanup(func() {
		effector.Shutdown()
		compute.Shutdown()
	})
	return NewDispatcher(registry, effector, compute, NewIdempotencyCache(time.Minute, nil), nil)
}

func collectCompletions(n int) (func(kernel.Effect, kernel.EffectResult), chan kernel.EffectResult) {
	ch := make(chan kernel.EffectResult, n)
	return func(eff kernel.Effect, result kernel.EffectResult) { ch <- result }, ch
}

func TestDispatch_WritesResultToDestinationSlot(t *testing.T) {
	const tok kernel.Token = 7
	registry := NewRegistry()
	registry.Register(kernel.EffectKVGet, func(ctx context.Context, rc *reqctx.CtxBase, eff kernel.Effect, params map[string]any) kernel.EffectResult {
		return kernel.Success([]byte("value"))
	})
	d := newTestDispatcher(t, registry)

	rc := reqctx.NewCtx("GET", "/x", nil, nil, nil, nil)
	defer rc.Deinit()
	onComplete, done := collectCompletions(1)

	d.Dispatch(rc, reqctx.Need{
		Effects: []kernel.Effect{{Kind: kernel.EffectKVGet, Dest: tok, Required: true}},
		Mode:    kernel.Parallel,
	}, onComplete)

	select {
	case result := <-done:
		if !result.Ok() {
			t.Fatalf("expected success, got %v", result.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("completion never delivered")
	}
	v, ok, err := reqctx.SlotGet[[]byte](rc, tok)
	if err != nil || !ok {
		t.Fatalf("slot not populated: ok=%v err=%v", ok, err)
	}
	if string(v) != "value" {
		t.Fatalf("expected handler bytes in slot, got %q", v)
	}
}

func TestDispatch_UnregisteredKindFailsWithInternalError(t *testing.T) {
	d := newTestDispatcher(t, NewRegistry())
	rc := reqctx.NewCtx("GET", "/x", nil, nil, nil, nil)
	defer rc.Deinit()
	onComplete, done := collectCompletions(1)

	d.Dispatch(rc, reqctx.Need{
		Effects: []kernel.Effect{{Kind: kernel.EffectGRPCUnary, Dest: 1, Required: true}},
		Mode:    kernel.Parallel,
	}, onComplete)

	select {
	case result := <-done:
		if result.Ok() {
			t.Fatal("expected failure for unregistered effect kind")
		}
		if result.Err.Kind != kernel.ErrInternalError || result.Err.What != "effect_handler" {
			t.Fatalf("unexpected error: %v", result.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("completion never delivered")
	}
}

func TestDispatch_SlotBackedParamsResolveBeforeHandler(t *testing.T) {
	const srcTok, dstTok kernel.Token = 3, 4
	var seen atomic.Value
	registry := NewRegistry()
	registry.Register(kernel.EffectHTTPGet, func(ctx context.Context, rc *reqctx.CtxBase, eff kernel.Effect, params map[string]any) kernel.EffectResult {
		seen.Store(params["url"])
		return kernel.Success(nil)
	})
	d := newTestDispatcher(t, registry)

	rc := reqctx.NewCtx("GET", "/x", nil, nil, nil, nil)
	defer rc.Deinit()
	reqctx.SlotPutRaw(rc, srcTok, []byte("https://upstream/posts"))
	onComplete, done := collectCompletions(1)

	d.Dispatch(rc, reqctx.Need{
		Effects: []kernel.Effect{{
			Kind:     kernel.EffectHTTPGet,
			Dest:     dstTok,
			Required: true,
			Params:   map[string]kernel.Param{"url": kernel.SlotParam(srcTok)},
		}},
		Mode: kernel.Parallel,
	}, onComplete)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("completion never delivered")
	}
	got, _ := seen.Load().([]byte)
	if string(got) != "https://upstream/posts" {
		t.Fatalf("expected slot-backed param resolved to slot value, got %q", got)
	}
}

func TestDispatch_SequentialModeCompletesInDeclaredOrder(t *testing.T) {
	registry := NewRegistry()
	var mu sync.Mutex
	var order []kernel.Token
	registry.Register(kernel.EffectKVPut, func(ctx context.Context, rc *reqctx.CtxBase, eff kernel.Effect, params map[string]any) kernel.EffectResult {
		mu.Lock()
		order = append(order, eff.Dest)
		mu.Unlock()
		return kernel.Success(nil)
	})
	d := newTestDispatcher(t, registry)

	rc := reqctx.NewCtx("GET", "/x", nil, nil, nil, nil)
	defer rc.Deinit()
	onComplete, done := collectCompletions(3)

	d.Dispatch(rc, reqctx.Need{
		Effects: []kernel.Effect{
			{Kind: kernel.EffectKVPut, Dest: 1},
			{Kind: kernel.EffectKVPut, Dest: 2},
			{Kind: kernel.EffectKVPut, Dest: 3},
		},
		Mode: kernel.Sequential,
	}, onComplete)

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("completion %d never delivered", i)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	for i, tok := range order {
		if tok != kernel.Token(i+1) {
			t.Fatalf("sequential dispatch ran out of order: %v", order)
		}
	}
}

func TestDispatch_IdempotencyCacheShortCircuitsRetriedEffect(t *testing.T) {
	const tok kernel.Token = 9
	var calls atomic.Int32
	registry := NewRegistry()
	registry.Register(kernel.EffectDBQuery, func(ctx context.Context, rc *reqctx.CtxBase, eff kernel.Effect, params map[string]any) kernel.EffectResult {
		calls.Add(1)
		return kernel.Success([]byte(`{"rows":1}`))
	})
	d := newTestDispatcher(t, registry)

	rc := reqctx.NewCtx("PUT", "/x", nil, nil, nil, nil)
	defer rc.Deinit()
	eff := kernel.Effect{Kind: kernel.EffectDBQuery, Dest: tok, Required: true, IdemKey: "K"}

	for i := 0; i < 2; i++ {
		onComplete, done := collectCompletions(1)
		d.Dispatch(rc, reqctx.Need{Effects: []kernel.Effect{eff}, Mode: kernel.Parallel}, onComplete)
		select {
		case result := <-done:
			if !result.Ok() {
				t.Fatalf("attempt %d failed: %v", i, result.Err)
			}
		case <-time.After(time.Second):
			t.Fatalf("attempt %d never completed", i)
		}
	}

	if calls.Load() != 1 {
		t.Fatalf("expected the second dispatch to hit the idempotency cache, handler ran %d times", calls.Load())
	}
	v, ok, err := reqctx.SlotGet[[]byte](rc, tok)
	if err != nil || !ok || string(v) != `{"rows":1}` {
		t.Fatalf("slot state after retry differs from first run: %q ok=%v err=%v", v, ok, err)
	}
}

func TestDispatch_RetryPolicyRetriesUntilSuccess(t *testing.T) {
	const tok kernel.Token = 5
	var calls atomic.Int32
	registry := NewRegistry()
	registry.Register(kernel.EffectKVPut, func(ctx context.Context, rc *reqctx.CtxBase, eff kernel.Effect, params map[string]any) kernel.EffectResult {
		if calls.Add(1) == 1 {
			return kernel.Failure(kernel.NewError(kernel.ErrUpstreamUnavailable, "effect", "kv_put"))
		}
		return kernel.Success([]byte("stored"))
	})
	d := newTestDispatcher(t, registry)

	rc := reqctx.NewCtx("PUT", "/x", nil, nil, nil, nil)
	defer rc.Deinit()
	onComplete, done := collectCompletions(1)

	d.Dispatch(rc, reqctx.Need{
		Effects: []kernel.Effect{{
			Kind:     kernel.EffectKVPut,
			Dest:     tok,
			Required: true,
			Retry:    &kernel.RetryPolicy{MaxAttempts: 2, BaseDelayMS: 1, MaxDelayMS: 5},
		}},
		Mode: kernel.Parallel,
	}, onComplete)

	select {
	case result := <-done:
		if !result.Ok() {
			t.Fatalf("expected the retry to succeed, got %v", result.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("completion never delivered")
	}
	if calls.Load() != 2 {
		t.Fatalf("expected exactly 2 handler attempts, got %d", calls.Load())
	}
	if v, ok, _ := reqctx.SlotGet[[]byte](rc, tok); !ok || string(v) != "stored" {
		t.Fatalf("expected the successful attempt's bytes in the slot, got %q ok=%v", v, ok)
	}
}
