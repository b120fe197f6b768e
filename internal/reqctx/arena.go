package reqctx

import "fmt"

// Arena is the per-request bump allocator. Every string Ctx hands back to
// a step or effect handler is duplicated through Strdup so that it is
// independent of whatever buffer the HTTP parser or handler supplied it
// in; every formatted string goes through Sprintf. The arena itself holds
// no pooled backing buffer — Go's allocator and GC already give us that —
// but it is still the single place request-scoped byte copies are made,
// so a future swap to a real bump/slab allocator only touches this file.
//
// Arena also owns the LIFO exit-callback list that must run before the
// request's memory becomes collectible (per-slot destructors live in
// CtxBase's slot store); see CtxBase.deinit in context.go for the drain
// order.
type Arena struct {
	exitCallbacks []func()
	released      bool
}

// NewArena returns a ready-to-use Arena.
func NewArena() *Arena {
	return &Arena{}
}

// Strdup duplicates s into arena-owned memory. Callers that received a
// string from outside the context (header values, path segments, request
// bodies) must route it through Strdup before storing it in a slot or
// returning it from a context accessor, so the context never aliases a
// buffer whose lifetime it does not control.
func (a *Arena) Strdup(s string) string {
	b := make([]byte, len(s))
	copy(b, s)
	return string(b)
}

// Sprintf formats into arena-owned memory.
func (a *Arena) Sprintf(format string, args ...any) string {
	return a.Strdup(fmt.Sprintf(format, args...))
}

// onExit registers a finalizer run in LIFO order at response-commit time.
// Calling onExit after the arena has been drained panics rather than
// silently registering a callback that would never run. Strdup and
// Sprintf do not check and keep working after the drain.
func (a *Arena) onExit(cb func()) {
	if a.released {
		panic("reqctx: onExit called after arena drain")
	}
	a.exitCallbacks = append(a.exitCallbacks, cb)
}

// drainExit runs exit callbacks LIFO, then marks the arena released so
// that a later onExit registration is a loud programming error rather
// than a silently dropped callback.
func (a *Arena) drainExit() {
	for i := len(a.exitCallbacks) - 1; i >= 0; i-- {
		cb := a.exitCallbacks[i]
		func() {
			defer func() { recover() }() // one misbehaving finalizer must not skip the rest
			cb()
		}()
	}
	a.exitCallbacks = nil
	a.released = true
}
