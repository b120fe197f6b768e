package reqctx

import (
	"testing"

	"github.com/monstercameron/zerver/internal/kernel"
)

func TestHeader_CaseInsensitiveAndMultiValueJoined(t *testing.T) {
	ctx := NewCtx("GET", "/x", nil, nil, nil, map[string][]string{
		"X-Trace": {"a", "b"},
	})
	got, ok := ctx.Header("x-trace")
	if !ok {
		t.Fatal("expected header to be found case-insensitively")
	}
	if got != "a, b" {
		t.Fatalf("expected comma-joined 'a, b', got %q", got)
	}
	if _, ok := ctx.Header("missing"); ok {
		t.Fatal("expected missing header to report ok=false")
	}
}

func TestParamQuery(t *testing.T) {
	ctx := NewCtx("GET", "/x", nil, map[string]string{"id": "42"}, map[string]string{"q": "v"}, nil)
	if v, ok := ctx.Param("id"); !ok || v != "42" {
		t.Fatalf("expected param id=42, got %q ok=%v", v, ok)
	}
	if v, ok := ctx.Query("q"); !ok || v != "v" {
		t.Fatalf("expected query q=v, got %q ok=%v", v, ok)
	}
}

func TestEnsureRequestID_Idempotent(t *testing.T) {
	ctx := NewCtx("GET", "/x", nil, nil, nil, nil)
	first := ctx.EnsureRequestID()
	second := ctx.EnsureRequestID()
	if first != second {
		t.Fatalf("expected ensure_request_id to be idempotent, got %q then %q", first, second)
	}
	if len(first) != 32 {
		t.Fatalf("expected a 128-bit hex id (32 chars), got %q", first)
	}
}

func TestSetRequestID_Overrides(t *testing.T) {
	ctx := NewCtx("GET", "/x", nil, nil, nil, nil)
	ctx.SetRequestID("fixed-id")
	if got := ctx.RequestID(); got != "fixed-id" {
		t.Fatalf("expected fixed-id, got %q", got)
	}
	// EnsureRequestID must not clobber an explicitly set id.
	if got := ctx.EnsureRequestID(); got != "fixed-id" {
		t.Fatalf("expected EnsureRequestID to preserve the set id, got %q", got)
	}
}

func TestSlotPutGet_RoundTrip(t *testing.T) {
	ctx := NewCtx("GET", "/x", nil, nil, nil, nil)
	const tok kernel.Token = 1
	if err := SlotPut(ctx, tok, "hello", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, ok, err := SlotGet[string](ctx, tok)
	if err != nil || !ok || got != "hello" {
		t.Fatalf("expected 'hello', got %q ok=%v err=%v", got, ok, err)
	}
}

func TestSlotGet_WrongTypeIsAnError(t *testing.T) {
	ctx := NewCtx("GET", "/x", nil, nil, nil, nil)
	const tok kernel.Token = 1
	SlotPut(ctx, tok, 42, nil)
	_, _, err := SlotGet[string](ctx, tok)
	if err != ErrWrongSlotType {
		t.Fatalf("expected ErrWrongSlotType, got %v", err)
	}
}

func TestSlotGet_AbsentIsNotAnError(t *testing.T) {
	ctx := NewCtx("GET", "/x", nil, nil, nil, nil)
	const tok kernel.Token = 99
	_, ok, err := SlotGet[string](ctx, tok)
	if err != nil {
		t.Fatalf("absent slot should not error, got %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for an absent slot")
	}
}

func TestAccessControl_DeniesUndeclaredReadWrite(t *testing.T) {
	ctx := NewCtx("GET", "/x", nil, nil, nil, nil)
	const tokReadable kernel.Token = 1
	const tokForbidden kernel.Token = 2
	ctx.AccessControl = NewAccessSet([]kernel.Token{tokReadable}, nil)

	if _, _, err := SlotGet[string](ctx, tokForbidden); err != ErrAccessDenied {
		t.Fatalf("expected ErrAccessDenied on undeclared read, got %v", err)
	}
	if err := SlotPut(ctx, tokForbidden, "x", nil); err != ErrAccessDenied {
		t.Fatalf("expected ErrAccessDenied on undeclared write, got %v", err)
	}
}

func TestDeinit_RunsDestructorsAndExitCallbacksInOrder(t *testing.T) {
	ctx := NewCtx("GET", "/x", nil, nil, nil, nil)
	var order []string

	const tok kernel.Token = 1
	SlotPut(ctx, tok, "resource", func(v string) {
		order = append(order, "destroy:"+v)
	})
	ctx.OnExit(func() { order = append(order, "exit1") })
	ctx.OnExit(func() { order = append(order, "exit2") })

	ctx.Deinit()

	if len(order) != 3 {
		t.Fatalf("expected 3 teardown events, got %v", order)
	}
	// Exit callbacks run LIFO, then slot destructors.
	if order[0] != "exit2" || order[1] != "exit1" {
		t.Fatalf("expected LIFO exit callback order, got %v", order)
	}
	if order[2] != "destroy:resource" {
		t.Fatalf("expected destructor to run after exit callbacks, got %v", order)
	}
}

func TestSlotPutRaw_AfterDeinitIsDropped(t *testing.T) {
	ctx := NewCtx("GET", "/x", nil, nil, nil, nil)
	const tok kernel.Token = 1
	ctx.Deinit()

	// A slow effect completing after the request tore down must be a
	// no-op, not a panic.
	SlotPutRaw(ctx, tok, []byte("late"))
	if err := SlotPut(ctx, tok, "late", nil); err != nil {
		t.Fatalf("post-deinit SlotPut should be a silent no-op, got %v", err)
	}
	if _, ok := GetAny(ctx, tok); ok {
		t.Fatal("post-deinit write must not be observable")
	}
}

func TestToJSON_ProducesArenaOwnedString(t *testing.T) {
	ctx := NewCtx("GET", "/x", nil, nil, nil, nil)
	s, err := ctx.ToJSON(map[string]int{"a": 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s != `{"a":1}` {
		t.Fatalf("expected canonical JSON, got %q", s)
	}
}

func TestJSONInto_DeserializesBody(t *testing.T) {
	ctx := NewCtx("POST", "/x", []byte(`{"name":"zed"}`), nil, nil, nil)
	type payload struct {
		Name string `json:"name"`
	}
	v, err := JSONInto[payload](ctx, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Name != "zed" {
		t.Fatalf("expected name=zed, got %q", v.Name)
	}
}
