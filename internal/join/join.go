// Package join implements the join resolver: the per-Need state
// machine that decides, given each effect's completion, whether and when
// a Need resumes.
package join

import (
	"sync"

	"github.com/monstercameron/zerver/internal/kernel"
)

// Resolver tracks completions for one in-flight Need and decides exactly
// once whether the Need resumes. Once latched, further completions are
// accepted (so their slot writes still land — writes after latch are
// harmless) but never trigger a second resume.
//
// Resolver is safe for concurrent use: RecordCompletion may be called
// from multiple effector/compute worker goroutines delivering results
// for the same Need concurrently — completions may race.
type Resolver struct {
	mu sync.Mutex

	policy        kernel.JoinPolicy
	total         int
	requiredTotal int

	outstanding       int
	requiredRemaining int

	latched       bool
	sawSuccess    bool
	sawReqFailure bool
}

// NewResolver builds a Resolver for a Need's effect set.
func NewResolver(policy kernel.JoinPolicy, effects []kernel.Effect) *Resolver {
	r := &Resolver{policy: policy, total: len(effects)}
	for _, e := range effects {
		if e.Required {
			r.requiredTotal++
		}
	}
	r.outstanding = r.total
	r.requiredRemaining = r.requiredTotal
	return r
}

// RecordCompletion reports one effect's completion. It returns
// (resume, success) where resume is true exactly once across the
// Resolver's lifetime — the call that flips it is the one the completion
// callback must use to re-enqueue the execution context as "resuming".
// All other calls (before or after the single resuming call) return
// resume=false; the caller still writes the effect's result to its slot
// regardless of the return value.
func (r *Resolver) RecordCompletion(required, success bool) (resume bool, resumeSuccess bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.outstanding > 0 {
		r.outstanding--
	}
	if required && r.requiredRemaining > 0 {
		r.requiredRemaining--
	}
	if success {
		r.sawSuccess = true
	} else if required {
		r.sawReqFailure = true
	}

	if r.latched {
		return false, false
	}

	switch r.policy {
	case kernel.JoinAll:
		if required && !success {
			r.latched = true
			return true, false
		}
		if r.outstanding == 0 {
			r.latched = true
			return true, !r.sawReqFailure
		}
		return false, false

	case kernel.JoinAllRequired:
		if required && !success {
			r.latched = true
			return true, false
		}
		if r.requiredRemaining == 0 {
			r.latched = true
			return true, true
		}
		return false, false

	case kernel.JoinAny:
		r.latched = true
		return true, success

	case kernel.JoinFirstSuccess:
		if success {
			r.latched = true
			return true, true
		}
		if required {
			// A required failure with no success seen yet resolves the
			// Need as failed without waiting for the remaining effects.
			r.latched = true
			return true, false
		}
		if r.outstanding == 0 {
			r.latched = true
			return true, false
		}
		return false, false

	default:
		return false, false
	}
}

// Latched reports whether the resolver has already resolved the Need.
func (r *Resolver) Latched() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latched
}

// Outstanding reports the current outstanding-effects count.
func (r *Resolver) Outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outstanding
}
