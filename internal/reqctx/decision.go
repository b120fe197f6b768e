package reqctx

import "github.com/monstercameron/zerver/internal/kernel"

// DecisionKind discriminates the Decision sum type.
type DecisionKind int

const (
	KindContinue DecisionKind = iota
	KindDone
	KindFail
	KindNeed
)

// Need asks the engine to run a set of effects and then invoke a
// continuation with their results applied to the slot store.
//
// Continuation is an ordinary func value, so it may be a closure.
// Steps that carry request data into their continuation do so by writing
// it to a slot before returning Need and reading it back from *CtxBase
// when the continuation runs.
type Need struct {
	Effects      []kernel.Effect
	Mode         kernel.DispatchMode
	Join         kernel.JoinPolicy
	Continuation func(ctx *CtxBase) Decision
}

// Decision is the sum of outcomes a step can produce.
type Decision struct {
	Kind     DecisionKind
	Response kernel.Response
	Err      *kernel.Error
	Need     Need
}

// Continue advances to the next step in the chain.
func Continue() Decision { return Decision{Kind: KindContinue} }

// Done terminates the request with the given response.
func Done(r kernel.Response) Decision { return Decision{Kind: KindDone, Response: r} }

// Fail terminates the request with an error, rendered via on_error.
func Fail(kind kernel.ErrorCode, what, key string) Decision {
	return Decision{Kind: KindFail, Err: kernel.NewError(kind, what, key)}
}

// FailErr wraps an already-constructed *kernel.Error as a Fail decision.
func FailErr(err *kernel.Error) Decision { return Decision{Kind: KindFail, Err: err} }

// NeedDecision suspends the pipeline to run effects before continuing.
func NeedDecision(n Need) Decision { return Decision{Kind: KindNeed, Need: n} }

// Step is a named pure function of a request context returning a
// Decision, the unit of pipeline composition. Steps carry their declared
// read/write token sets so the typed view (and, at runtime, the
// dynamic-registration fallback) can enforce access control.
type Step struct {
	Name   string
	Call   func(ctx *CtxBase) Decision
	Reads  []kernel.Token
	Writes []kernel.Token
}

// NewStep constructs a Step with no declared slot access. Use
// view.Bind to attach reads/writes enforced by the typed view.
func NewStep(name string, fn func(ctx *CtxBase) Decision) Step {
	return Step{Name: name, Call: fn}
}
