// Package stepqueue implements the execution context and the step queue
// the per-request state machine that lets a request's step chain
// park on a Need without blocking the worker that was running it, and
// the FIFO queue of contexts the step pool drains.
//
// The critical invariant is that a context in the
// waiting state is never present in the queue: Park removes it from
// circulation entirely, and only the join resolver's completion callback
// (by calling MarkResuming) makes it eligible to be queued again.
package stepqueue

import (
	"sync/atomic"

	"github.com/monstercameron/zerver/internal/join"
	"github.com/monstercameron/zerver/internal/kernel"
	"github.com/monstercameron/zerver/internal/reactor"
	"github.com/monstercameron/zerver/internal/reqctx"
)

// State is the execution context's state machine.
type State int32

const (
	StateReady State = iota
	StateRunning
	StateWaiting
	StateResuming
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateWaiting:
		return "waiting"
	case StateResuming:
		return "resuming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// PendingNeed captures the bookkeeping needed to resume a parked context:
// the continuation to invoke, the join resolver deciding when it fires,
// and the depth at which the Need was issued (for the recursion cap).
type PendingNeed struct {
	Continuation func(ctx *reqctx.CtxBase) reqctx.Decision
	Resolver     *join.Resolver
	Depth        int

	// Failed holds the effect error that latched the Need as a failure.
	// When set, the engine resumes into Fail(Failed) instead of invoking
	// Continuation.
	Failed *kernel.Error
}

// ExecContext is one in-flight request's execution state: its context,
// its ordered step chain, where it is in that chain, and — while
// waiting — the Need it is parked on.
type ExecContext struct {
	Ctx   *reqctx.CtxBase
	Steps []reqctx.Step
	Index int
	Depth int

	// GlobalBeforeEnd and RouteBeforeEnd mark, in Steps, where the
	// Server.use global-before chain ends and where the route's own
	// Before chain ends, so the engine can tag each step's telemetry
	// with its phase (global_before, route_before, or main).
	// Both default to 0, which makes every step "main" when the caller
	// never set them.
	GlobalBeforeEnd int
	RouteBeforeEnd  int

	state atomic.Int32

	pending atomic.Pointer[PendingNeed]

	outstandingEffects atomic.Int32
	completedEffects   atomic.Int32

	FinalResponse kernel.Response
	FinalErr      *kernel.Error

	// Done is closed when the context reaches Completed or Failed, so a
	// synchronous caller (tests, the HTTP handler itself) can block on
	// it without polling.
	Done chan struct{}
}

// New constructs a fresh, ready-to-run ExecContext for a step chain.
func New(ctx *reqctx.CtxBase, steps []reqctx.Step) *ExecContext {
	ec := &ExecContext{
		Ctx:   ctx,
		Steps: steps,
		Done:  make(chan struct{}),
	}
	ec.state.Store(int32(StateReady))
	return ec
}

// State returns the current state.
func (ec *ExecContext) State() State { return State(ec.state.Load()) }

// Phase reports which chain the step at idx belongs to: "global_before",
// "route_before", or "main".
func (ec *ExecContext) Phase(idx int) string {
	switch {
	case idx < ec.GlobalBeforeEnd:
		return "global_before"
	case idx < ec.RouteBeforeEnd:
		return "route_before"
	default:
		return "main"
	}
}

func (ec *ExecContext) setState(s State) { ec.state.Store(int32(s)) }

// Park transitions a running context to waiting and records the Need it
// is suspended on. The caller (the engine) must not re-submit ec to the
// queue after calling Park — only the join resolver's completion
// callback, after MarkResuming, may do that.
func (ec *ExecContext) Park(need PendingNeed) {
	ec.pending.Store(&need)
	ec.setState(StateWaiting)
}

// TakePending returns and clears the pending Need, used by the engine
// when a context transitions from resuming back to running.
func (ec *ExecContext) TakePending() *PendingNeed {
	return ec.pending.Swap(nil)
}

// FailPending records the effect failure that latched the pending Need.
// Only the single completion that latched the resolver may call this, so
// no lock is needed beyond the pending pointer's own atomicity.
func (ec *ExecContext) FailPending(err *kernel.Error) {
	if p := ec.pending.Load(); p != nil {
		p.Failed = err
	}
}

// MarkResuming flips a waiting context to resuming. Only the completion
// path that satisfies the Need's join policy may call this —
// resolver.RecordCompletion returning resume=true is the sole trigger.
func (ec *ExecContext) MarkResuming() { ec.setState(StateResuming) }

// MarkRunning flips the context to running, whether starting fresh from
// ready or continuing after resuming.
func (ec *ExecContext) MarkRunning() { ec.setState(StateRunning) }

// Finish marks the context completed (response) or failed (err),
// recording the terminal outcome and closing Done so waiters unblock.
func (ec *ExecContext) Finish(resp kernel.Response, err *kernel.Error) {
	ec.FinalResponse = resp
	if err != nil {
		ec.FinalErr = err
		ec.setState(StateFailed)
	} else {
		ec.setState(StateCompleted)
	}
	close(ec.Done)
}

// IncOutstanding/DecOutstanding track the number of effects in flight for
// the context's current Need, exported as the "effects in flight"
// operational metric.
func (ec *ExecContext) IncOutstanding(n int32) { ec.outstandingEffects.Add(n) }
func (ec *ExecContext) DecOutstanding()        { ec.outstandingEffects.Add(-1) }
func (ec *ExecContext) Outstanding() int32     { return ec.outstandingEffects.Load() }

// IncCompleted bumps the completed-effects counter; used only for
// observability, never for join resolution (the resolver keeps its own
// count so it is unaffected by a misbehaving metrics reader).
func (ec *ExecContext) IncCompleted() { ec.completedEffects.Add(1) }

// Queue is the bounded MPMC FIFO of ready-to-run execution contexts that
// the step pool drains. It wraps a reactor.Pool[*ExecContext]; Enqueue
// refuses a context that is not in Ready or Resuming state, enforcing
// that a Waiting context can never enter the queue.
type Queue struct {
	pool *reactor.Pool[*ExecContext]
}

// NewQueue builds a step queue backed by workers step workers and a
// bounded capacity, invoking run for each dequeued context.
func NewQueue(workers, capacity int, run func(*ExecContext)) *Queue {
	return &Queue{pool: reactor.NewPool(workers, capacity, run)}
}

// Start launches the underlying worker pool.
func (q *Queue) Start() { q.pool.Start() }

// Shutdown drains and stops the underlying worker pool.
func (q *Queue) Shutdown() { q.pool.Shutdown() }

// Enqueue submits ec for execution. It is a programming error (and
// returns ErrNotRunnable) to enqueue a context in Waiting, Completed, or
// Failed state.
func (q *Queue) Enqueue(ec *ExecContext) error {
	switch ec.State() {
	case StateReady, StateResuming:
	default:
		return ErrNotRunnable
	}
	return q.pool.Submit(ec)
}

// Stats reports the queue's current depth and lifetime counters.
func (q *Queue) Stats() reactor.Stats { return q.pool.Stats() }

// ErrNotRunnable is returned by Enqueue for a context that is not in a
// runnable state.
var ErrNotRunnable = notRunnableErr{}

type notRunnableErr struct{}

func (notRunnableErr) Error() string { return "stepqueue: context not in a runnable state" }
