// Package view implements the typed view: a façade binding a
// declared {reads, writes} token set to a step body. Go has no
// compile-time mechanism to reject an out-of-set slot access the way a
// phantom-typed access token in Rust or Zig would, so Bind only records
// the declared sets and the check is performed at every access (Put
// against the view's write set, and the runtime AccessControl against
// every SlotGet/SlotPut); nothing is checked when Bind is called. An
// out-of-set access returns reqctx.ErrAccessDenied to the step body;
// this package does not turn it into an InternalError Decision — the
// step body decides what to return.
package view

import (
	"errors"

	"github.com/monstercameron/zerver/internal/kernel"
	"github.com/monstercameron/zerver/internal/reqctx"
)

// View is the façade a step body interacts with instead of *reqctx.CtxBase
// directly, so that its reads/writes are always routed through the
// declared-access check.
type View struct {
	Ctx    *reqctx.CtxBase
	reads  map[kernel.Token]struct{}
	writes map[kernel.Token]struct{}
}

// Declared describes a step's access set. Bind records it; an access
// outside it is rejected when the access happens, during a request, not
// when Bind is called.
type Declared struct {
	Reads  []kernel.Token
	Writes []kernel.Token
}

// Require reads a required slot, failing the step if absent.
func Require[T any](v *View, token kernel.Token) (T, error) {
	val, ok, err := reqctx.SlotGet[T](v.Ctx, token)
	if err != nil {
		return val, err
	}
	if !ok {
		var zero T
		return zero, errRequiredSlotMissing
	}
	return val, nil
}

// Optional reads a slot that may be absent.
func Optional[T any](v *View, token kernel.Token) (T, bool, error) {
	return reqctx.SlotGet[T](v.Ctx, token)
}

// Put writes a slot. It returns reqctx.ErrAccessDenied if token is not
// in the view's declared Writes set; the error goes back to the step
// body, and the step engine does not convert it.
func Put[T any](v *View, token kernel.Token, value T, destroy func(T)) error {
	if _, ok := v.writes[token]; !ok {
		return reqctx.ErrAccessDenied
	}
	return reqctx.SlotPut(v.Ctx, token, value, destroy)
}

// errRequiredSlotMissing is Require's own sentinel, distinct from
// reqctx.ErrWrongSlotType — a missing slot and a type-mismatched slot
// are different failures and callers must be able to tell them apart.
var errRequiredSlotMissing = errors.New("view: required slot missing")

// RequiredSlotMissing reports whether err is the "required slot absent"
// sentinel from Require.
func RequiredSlotMissing(err error) bool { return errors.Is(err, errRequiredSlotMissing) }

// Bind constructs a Step whose body runs against a View scoped to
// declared.Reads/Writes. The context's runtime AccessControl is installed
// for the duration of the call so that any bypass through the raw
// reqctx.SlotGet/SlotPut API (e.g. from a dynamically registered step
// sharing the same function) is caught too.
func Bind(name string, declared Declared, fn func(v *View) reqctx.Decision) reqctx.Step {
	readSet := make(map[kernel.Token]struct{}, len(declared.Reads))
	for _, t := range declared.Reads {
		readSet[t] = struct{}{}
	}
	writeSet := make(map[kernel.Token]struct{}, len(declared.Writes))
	for _, t := range declared.Writes {
		writeSet[t] = struct{}{}
	}

	return reqctx.Step{
		Name:   name,
		Reads:  declared.Reads,
		Writes: declared.Writes,
		Call: func(ctx *reqctx.CtxBase) reqctx.Decision {
			prev := ctx.AccessControl
			ctx.AccessControl = reqctx.NewAccessSet(declared.Reads, declared.Writes)
			defer func() { ctx.AccessControl = prev }()
			v := &View{Ctx: ctx, reads: readSet, writes: writeSet}
			return fn(v)
		},
	}
}
