// Package reqtest implements the ReqTest harness: a
// thin builder over reqctx.CtxBase that lets a unit test seed params,
// query, headers, and slots, call a single step function directly
// (bypassing the reactor entirely), and assert on the Decision it
// returns. It exists so a step's logic can be tested in isolation from
// the engine/reactor/join machinery those tests have no business
// exercising.
package reqtest

import (
	"testing"

	"github.com/monstercameron/zerver/internal/kernel"
	"github.com/monstercameron/zerver/internal/reqctx"
)

// ReqTest builds a *reqctx.CtxBase for a single test and provides
// assertion helpers over the Decision a step under test returns.
type ReqTest struct {
	t      *testing.T
	method string
	path   string
	body   []byte
	params map[string]string
	query  map[string]string
	header map[string][]string

	ctx *reqctx.CtxBase
}

// New starts a ReqTest for method+path. Call the set_* builders before
// CallStep; the context is constructed lazily on first use so builder
// calls can be chained in any order.
func New(t *testing.T, method, path string) *ReqTest {
	t.Helper()
	return &ReqTest{
		t:      t,
		method: method,
		path:   path,
		params: map[string]string{},
		query:  map[string]string{},
		header: map[string][]string{},
	}
}

// SetParam seeds a path-captured route parameter.
func (r *ReqTest) SetParam(name, value string) *ReqTest {
	r.params[name] = value
	return r
}

// SetQuery seeds a query-string parameter.
func (r *ReqTest) SetQuery(name, value string) *ReqTest {
	r.query[name] = value
	return r
}

// SetHeader seeds a request header.
func (r *ReqTest) SetHeader(name, value string) *ReqTest {
	r.header[name] = append(r.header[name], value)
	return r
}

// SetBody seeds the raw request body.
func (r *ReqTest) SetBody(body []byte) *ReqTest {
	r.body = body
	return r
}

// Ctx builds (on first call) and returns the underlying context, so a
// test can seed slots directly via reqctx.SlotPut before calling a step.
func (r *ReqTest) Ctx() *reqctx.CtxBase {
	if r.ctx == nil {
		r.ctx = reqctx.NewCtx(r.method, r.path, r.body, r.params, r.query, r.header)
	}
	return r.ctx
}

// SeedSlotString writes a string value into token before the step runs
// — the common case of priming a slot a step
// expects to read, without going through a real effect dispatch.
func (r *ReqTest) SeedSlotString(token kernel.Token, value string) *ReqTest {
	_ = reqctx.SlotPut(r.Ctx(), token, value, nil)
	return r
}

// SeedSlot writes an arbitrary typed value into token (a generic
// extension of SeedSlotString for steps that read non-string slots).
func SeedSlot[T any](r *ReqTest, token kernel.Token, value T) *ReqTest {
	_ = reqctx.SlotPut(r.Ctx(), token, value, nil)
	return r
}

// CallStep invokes fn against the built context and records the
// resulting Decision for the assert_* helpers.
func (r *ReqTest) CallStep(fn func(ctx *reqctx.CtxBase) reqctx.Decision) *Result {
	return &Result{t: r.t, decision: fn(r.Ctx()), ctx: r.Ctx()}
}

// Result wraps one step invocation's Decision for assertions.
type Result struct {
	t        *testing.T
	decision reqctx.Decision
	ctx      *reqctx.CtxBase
}

// Decision exposes the raw Decision for assertions this harness does
// not cover directly.
func (res *Result) Decision() reqctx.Decision { return res.decision }

// Ctx returns the context the step ran against, so a test can inspect
// slots the step wrote.
func (res *Result) Ctx() *reqctx.CtxBase { return res.ctx }

// AssertContinue fails the test unless the step returned Continue.
func (res *Result) AssertContinue() *Result {
	res.t.Helper()
	if res.decision.Kind != reqctx.KindContinue {
		res.t.Fatalf("reqtest: expected Continue, got %v", res.decision.Kind)
	}
	return res
}

// AssertDone fails the test unless the step returned Done with the given
// status.
func (res *Result) AssertDone(status uint16) *Result {
	res.t.Helper()
	if res.decision.Kind != reqctx.KindDone {
		res.t.Fatalf("reqtest: expected Done, got %v", res.decision.Kind)
		return res
	}
	if res.decision.Response.Status != status {
		res.t.Fatalf("reqtest: expected status %d, got %d", status, res.decision.Response.Status)
	}
	return res
}

// AssertFail fails the test unless the step returned Fail with the given
// error kind.
func (res *Result) AssertFail(kind kernel.ErrorCode) *Result {
	res.t.Helper()
	if res.decision.Kind != reqctx.KindFail {
		res.t.Fatalf("reqtest: expected Fail, got %v", res.decision.Kind)
		return res
	}
	if res.decision.Err == nil || res.decision.Err.Kind != kind {
		res.t.Fatalf("reqtest: expected fail kind %d, got %v", kind, res.decision.Err)
	}
	return res
}

// AssertNeed fails the test unless the step returned Need, returning the
// Need for further inspection (effect count, join policy, ...).
func (res *Result) AssertNeed() reqctx.Need {
	res.t.Helper()
	if res.decision.Kind != reqctx.KindNeed {
		res.t.Fatalf("reqtest: expected Need, got %v", res.decision.Kind)
	}
	return res.decision.Need
}

// ResponseBody returns the Done response's complete body, failing the
// test if the Decision was not Done or was a streaming response.
func (res *Result) ResponseBody() []byte {
	res.t.Helper()
	if res.decision.Kind != reqctx.KindDone {
		res.t.Fatalf("reqtest: expected Done, got %v", res.decision.Kind)
		return nil
	}
	return res.decision.Response.Body.Complete
}
