package view

import (
	"testing"

	"github.com/monstercameron/zerver/internal/kernel"
	"github.com/monstercameron/zerver/internal/reqctx"
)

const (
	tokIn kernel.Token = iota + 1
	tokOut
	tokUndeclared
)

func newCtx() *reqctx.CtxBase {
	return reqctx.NewCtx("GET", "/x", nil, nil, nil, nil)
}

func TestView_RequireMissingIsDistinctFromWrongType(t *testing.T) {
	ctx := newCtx()
	step := Bind("t", Declared{Reads: []kernel.Token{tokIn}, Writes: nil}, func(v *View) reqctx.Decision {
		if _, err := Require[string](v, tokIn); !RequiredSlotMissing(err) {
			t.Fatalf("expected RequiredSlotMissing, got %v", err)
		}
		return reqctx.Continue()
	})
	step.Call(ctx)

	// Now seed the slot with the wrong type and confirm the two failures
	// are distinguishable.
	reqctx.SlotPut(ctx, tokIn, 42, nil)
	step2 := Bind("t2", Declared{Reads: []kernel.Token{tokIn}}, func(v *View) reqctx.Decision {
		_, err := Require[string](v, tokIn)
		if RequiredSlotMissing(err) {
			t.Fatal("wrong-type slot reported as missing")
		}
		if err != reqctx.ErrWrongSlotType {
			t.Fatalf("expected ErrWrongSlotType, got %v", err)
		}
		return reqctx.Continue()
	})
	step2.Call(ctx)
}

func TestView_RequirePresent(t *testing.T) {
	ctx := newCtx()
	reqctx.SlotPut(ctx, tokIn, "hello", nil)
	step := Bind("t", Declared{Reads: []kernel.Token{tokIn}}, func(v *View) reqctx.Decision {
		got, err := Require[string](v, tokIn)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != "hello" {
			t.Fatalf("expected 'hello', got %q", got)
		}
		return reqctx.Continue()
	})
	step.Call(ctx)
}

func TestView_PutOutsideDeclaredWritesFails(t *testing.T) {
	ctx := newCtx()
	step := Bind("t", Declared{Writes: []kernel.Token{tokOut}}, func(v *View) reqctx.Decision {
		if err := Put(v, tokUndeclared, "x", nil); err != reqctx.ErrAccessDenied {
			t.Fatalf("expected ErrAccessDenied, got %v", err)
		}
		if err := Put(v, tokOut, "x", nil); err != nil {
			t.Fatalf("declared write should succeed: %v", err)
		}
		return reqctx.Continue()
	})
	step.Call(ctx)

	got, ok, err := reqctx.SlotGet[string](ctx, tokOut)
	if err != nil || !ok || got != "x" {
		t.Fatalf("expected slot tokOut = %q, got %q ok=%v err=%v", "x", got, ok, err)
	}
}

func TestView_RuntimeAccessControlRestoredAfterCall(t *testing.T) {
	ctx := newCtx()
	step := Bind("t", Declared{Reads: []kernel.Token{tokIn}}, func(v *View) reqctx.Decision {
		if ctx.AccessControl == nil {
			t.Fatal("AccessControl should be installed during the call")
		}
		return reqctx.Continue()
	})
	step.Call(ctx)
	if ctx.AccessControl != nil {
		t.Fatal("AccessControl should be restored to nil after the call returns")
	}
}

func TestView_OptionalReturnsFalseWhenAbsent(t *testing.T) {
	ctx := newCtx()
	step := Bind("t", Declared{Reads: []kernel.Token{tokIn}}, func(v *View) reqctx.Decision {
		_, ok, err := Optional[string](v, tokIn)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ok {
			t.Fatal("expected absent slot to report ok=false")
		}
		return reqctx.Continue()
	})
	step.Call(ctx)
}
