// Package reqctx implements the per-request arena-owned context and its
// typed slot store, plus the Decision/Need/Step sum types
// from the type kernel (see kernel.go's package comment for why those
// three live here rather than in package kernel).
package reqctx

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/monstercameron/zerver/internal/kernel"
)

// slotEntry pairs a stored value with a destructor run at context
// deinit. typeTag lets slot_get detect a type mismatch instead of
// silently returning a garbage assertion.
type slotEntry struct {
	value   any
	typeTag string
	destroy func(any)
}

// CtxBase is the per-request context: method/path, raw body, params,
// query, headers, the slot store, request-id, user identity, last error,
// status, exit callbacks, and the arena. It is created in an arena on
// request arrival and destroyed after the response commits.
//
// CtxBase is owned by exactly one worker at a time: the step
// engine and effect-completion callbacks never touch it concurrently,
// so its fields need no internal locking except slotMu, which exists
// purely to make slot_get/slot_put safe to call from a completion
// callback racing a context that has just been handed back to a worker
// (the join resolver's latch already prevents the conditions that would
// make this strictly necessary).
type CtxBase struct {
	Arena *Arena

	Method string
	Path   string
	Body   []byte

	params map[string]string
	query  map[string]string
	header map[string][]string

	slotMu sync.Mutex
	slots  map[kernel.Token]slotEntry

	requestID string
	user      string
	lastError *kernel.Error
	status    uint16

	// traceCtx carries the request's active span so the engine and effect
	// dispatcher can open phase/step-tagged child spans without CtxBase
	// depending on internal/observability.
	traceCtx context.Context

	// AccessControl enforces the typed-view reads/writes set at runtime
	// for steps that were not (or cannot be) checked at compile time.
	// Nil means no step is currently bound — slot_get/put
	// are unrestricted in that state (e.g. during pipeline setup).
	AccessControl *AccessSet
}

// AccessSet is the runtime-enforced declared {reads, writes} for the step
// currently executing against this context.
type AccessSet struct {
	Reads  map[kernel.Token]struct{}
	Writes map[kernel.Token]struct{}
}

// NewAccessSet builds an AccessSet from declared token lists.
func NewAccessSet(reads, writes []kernel.Token) *AccessSet {
	as := &AccessSet{Reads: map[kernel.Token]struct{}{}, Writes: map[kernel.Token]struct{}{}}
	for _, t := range reads {
		as.Reads[t] = struct{}{}
	}
	for _, t := range writes {
		as.Writes[t] = struct{}{}
	}
	return as
}

// NewCtx creates a context over a fresh arena. params, query, and header
// maps are copied with duplicated strings so the context never aliases
// caller-owned memory.
func NewCtx(method, path string, body []byte, params, query map[string]string, header map[string][]string) *CtxBase {
	a := NewArena()
	c := &CtxBase{
		Arena:  a,
		Method: a.Strdup(method),
		Path:   a.Strdup(path),
		Body:   append([]byte(nil), body...),
		params: make(map[string]string, len(params)),
		query:  make(map[string]string, len(query)),
		header: make(map[string][]string, len(header)),
		slots:    make(map[kernel.Token]slotEntry),
		traceCtx: context.Background(),
	}
	for k, v := range params {
		c.params[a.Strdup(strings.ToLower(k))] = a.Strdup(v)
	}
	for k, v := range query {
		c.query[a.Strdup(k)] = a.Strdup(v)
	}
	for k, vs := range header {
		lk := a.Strdup(strings.ToLower(k))
		dup := make([]string, len(vs))
		for i, v := range vs {
			dup[i] = a.Strdup(v)
		}
		c.header[lk] = dup
	}
	return c
}

// Header performs a case-insensitive lookup; multi-valued headers are
// returned joined with ", " at lookup time.
func (c *CtxBase) Header(name string) (string, bool) {
	vs, ok := c.header[strings.ToLower(name)]
	if !ok || len(vs) == 0 {
		return "", false
	}
	return strings.Join(vs, ", "), true
}

// HeaderValues returns all raw values for a header, preserving repeats.
func (c *CtxBase) HeaderValues(name string) []string {
	return c.header[strings.ToLower(name)]
}

// Param returns a path-captured route parameter.
func (c *CtxBase) Param(name string) (string, bool) {
	v, ok := c.params[strings.ToLower(name)]
	return v, ok
}

// Query returns a query-string parameter.
func (c *CtxBase) Query(name string) (string, bool) {
	v, ok := c.query[name]
	return v, ok
}

// ErrWrongSlotType is returned by slot_get when the stored value's type
// tag does not match the requested type and is always
// surfaced to the step layer as InternalError.
var ErrWrongSlotType = fmt.Errorf("reqctx: wrong slot type")

// ErrAccessDenied is returned when a step reads/writes a token outside
// its declared set under the typed view's runtime check.
var ErrAccessDenied = fmt.Errorf("reqctx: access denied")

func typeTagOf[T any]() string {
	var zero T
	return fmt.Sprintf("%T", zero)
}

// SlotPut stores a typed value under token. A nil destroy is valid for
// values with no non-GC resources to release.
func SlotPut[T any](c *CtxBase, token kernel.Token, value T, destroy func(T)) error {
	if c.AccessControl != nil {
		if _, ok := c.AccessControl.Writes[token]; !ok {
			return ErrAccessDenied
		}
	}
	c.slotMu.Lock()
	defer c.slotMu.Unlock()
	if c.slots == nil {
		return nil
	}
	var d func(any)
	if destroy != nil {
		d = func(v any) { destroy(v.(T)) }
	}
	c.slots[token] = slotEntry{value: value, typeTag: typeTagOf[T](), destroy: d}
	return nil
}

// SlotGet retrieves a typed value. ok is false if the token is unset;
// err is ErrWrongSlotType if the stored value has a different type, or
// ErrAccessDenied if the token is outside the current step's declared
// reads.
func SlotGet[T any](c *CtxBase, token kernel.Token) (value T, ok bool, err error) {
	if c.AccessControl != nil {
		if _, allowed := c.AccessControl.Reads[token]; !allowed {
			return value, false, ErrAccessDenied
		}
	}
	c.slotMu.Lock()
	entry, present := c.slots[token]
	c.slotMu.Unlock()
	if !present {
		return value, false, nil
	}
	if entry.typeTag != typeTagOf[T]() {
		return value, false, ErrWrongSlotType
	}
	return entry.value.(T), true, nil
}

// SlotPutRaw stores an untyped result (used by the effect dispatcher,
// which only ever knows []byte until a step reinterprets it). A write
// landing after Deinit is silently dropped: an early-latched join
// (any/first_success, or a required failure with effects outstanding)
// lets the request finish and tear down while a slow effect is still
// running, and that effect's eventual completion must be harmless.
func SlotPutRaw(c *CtxBase, token kernel.Token, value []byte) {
	c.slotMu.Lock()
	defer c.slotMu.Unlock()
	if c.slots == nil {
		return
	}
	c.slots[token] = slotEntry{value: value, typeTag: typeTagOf[[]byte]()}
}

// GetAny returns a slot's raw value regardless of its stored type,
// bypassing the declared-access check. Only the effect dispatcher uses
// this, to resolve a slot-backed Param — param resolution
// happens outside any step's typed view, so there is no declared access
// set to enforce against.
func GetAny(c *CtxBase, token kernel.Token) (any, bool) {
	c.slotMu.Lock()
	defer c.slotMu.Unlock()
	entry, ok := c.slots[token]
	if !ok {
		return nil, false
	}
	return entry.value, true
}

// deinit drains exit callbacks (LIFO), then runs every slot's destructor,
// then releases the arena, in that order.
func (c *CtxBase) deinit() {
	c.Arena.drainExit()
	c.slotMu.Lock()
	slots := c.slots
	c.slots = nil
	c.slotMu.Unlock()
	for _, entry := range slots {
		if entry.destroy != nil {
			func() {
				defer func() { recover() }()
				entry.destroy(entry.value)
			}()
		}
	}
}

// OnExit registers a finalizer run LIFO at response-commit time.
func (c *CtxBase) OnExit(cb func()) { c.Arena.onExit(cb) }

// Deinit tears the context down: exit callbacks, then slot destructors,
// then arena release. Safe to call exactly once per request.
func (c *CtxBase) Deinit() { c.deinit() }

// EnsureRequestID idempotently assigns a 128-bit random hex request id if
// none is set, using a cryptographic source.
func (c *CtxBase) EnsureRequestID() string {
	if c.requestID != "" {
		return c.requestID
	}
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing is effectively unrecoverable on any real
		// platform; fall back to a fixed low-entropy id rather than
		// panicking the request.
		c.requestID = c.Arena.Strdup("00000000000000000000000000000000")
		return c.requestID
	}
	c.requestID = c.Arena.Strdup(hex.EncodeToString(buf[:]))
	return c.requestID
}

// SetRequestID forces the request id (used when a correlation header
// supplied one) without the idempotent-generation path.
func (c *CtxBase) SetRequestID(id string) { c.requestID = c.Arena.Strdup(id) }

// RequestID returns the current request id, which may be empty if
// EnsureRequestID/SetRequestID has not yet run.
func (c *CtxBase) RequestID() string { return c.requestID }

// SetTraceCtx installs the context carrying the request's active span.
func (c *CtxBase) SetTraceCtx(ctx context.Context) { c.traceCtx = ctx }

// TraceCtx returns the request's active trace context, or
// context.Background() if none was ever set.
func (c *CtxBase) TraceCtx() context.Context {
	if c.traceCtx == nil {
		return context.Background()
	}
	return c.traceCtx
}

// SetUser duplicates sub into the arena and records it as the request's
// authenticated identity.
func (c *CtxBase) SetUser(sub string) { c.user = c.Arena.Strdup(sub) }

// User returns the authenticated identity, or "" if none was set.
func (c *CtxBase) User() string { return c.user }

// SetLastError records the most recent step/effect failure.
func (c *CtxBase) SetLastError(err *kernel.Error) { c.lastError = err }

// LastError returns the most recently recorded failure, if any.
func (c *CtxBase) LastError() *kernel.Error { return c.lastError }

// SetStatus records the status code the pipeline intends to render.
func (c *CtxBase) SetStatus(status uint16) { c.status = status }

// Status returns the status code recorded via SetStatus.
func (c *CtxBase) Status() uint16 { return c.status }

// ToJSON serializes value into arena-owned memory.
func (c *CtxBase) ToJSON(value any) (string, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return c.Arena.Strdup(string(b)), nil
}

// JSONInto deserializes the context body (or an explicit raw payload)
// into T.
func JSONInto[T any](c *CtxBase, raw []byte) (T, error) {
	var v T
	if raw == nil {
		raw = c.Body
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, err
	}
	return v, nil
}
