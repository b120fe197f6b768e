package reqtest

import (
	"testing"

	"github.com/monstercameron/zerver/internal/kernel"
	"github.com/monstercameron/zerver/internal/reqctx"
)

const tokPostID kernel.Token = 1
const tokPost kernel.Token = 2

func echoIDStep(ctx *reqctx.CtxBase) reqctx.Decision {
	id, ok := ctx.Param("id")
	if !ok {
		return reqctx.Fail(kernel.ErrBadRequest, "param", "id")
	}
	return reqctx.Done(kernel.CompleteResponse(200, "text/plain", []byte(id)))
}

func readsSeededSlotStep(ctx *reqctx.CtxBase) reqctx.Decision {
	v, ok, err := reqctx.SlotGet[string](ctx, tokPost)
	if err != nil {
		return reqctx.Fail(kernel.ErrInternalError, "slot", "post")
	}
	if !ok {
		return reqctx.Fail(kernel.ErrNotFound, "post", "missing")
	}
	return reqctx.Done(kernel.CompleteResponse(200, "application/json", []byte(v)))
}

func TestCallStepWithSeededParam(t *testing.T) {
	New(t, "GET", "/blog/posts/:id").
		SetParam("id", "42").
		CallStep(echoIDStep).
		AssertDone(200)
}

func TestCallStepMissingParamFails(t *testing.T) {
	New(t, "GET", "/blog/posts/:id").
		CallStep(echoIDStep).
		AssertFail(kernel.ErrBadRequest)
}

func TestSeedSlotStringPrimesRead(t *testing.T) {
	body := New(t, "GET", "/blog/posts/42").
		SeedSlotString(tokPost, `{"id":"42"}`).
		CallStep(readsSeededSlotStep).
		ResponseBody()

	if string(body) != `{"id":"42"}` {
		t.Fatalf("unexpected body: %s", body)
	}
}

func TestAssertFailOnMissingSlot(t *testing.T) {
	New(t, "GET", "/blog/posts/42").
		CallStep(readsSeededSlotStep).
		AssertFail(kernel.ErrNotFound)
}
