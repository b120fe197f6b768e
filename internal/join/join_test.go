package join

import (
	"testing"

	"github.com/monstercameron/zerver/internal/kernel"
)

func effects(n int, required ...int) []kernel.Effect {
	req := map[int]bool{}
	for _, i := range required {
		req[i] = true
	}
	out := make([]kernel.Effect, n)
	for i := range out {
		out[i] = kernel.Effect{Required: req[i]}
	}
	return out
}

func TestJoinAll_ResumesOnLastCompletion(t *testing.T) {
	r := NewResolver(kernel.JoinAll, effects(3))
	if resume, _ := r.RecordCompletion(false, true); resume {
		t.Fatal("resumed too early")
	}
	if resume, _ := r.RecordCompletion(false, true); resume {
		t.Fatal("resumed too early")
	}
	resume, success := r.RecordCompletion(false, true)
	if !resume || !success {
		t.Fatalf("expected resume+success on last completion, got resume=%v success=%v", resume, success)
	}
}

func TestJoinAll_FailsOnAnyRequiredFailure(t *testing.T) {
	r := NewResolver(kernel.JoinAll, effects(3, 0, 1))
	resume, success := r.RecordCompletion(true, false)
	if !resume || success {
		t.Fatalf("expected immediate failed resume, got resume=%v success=%v", resume, success)
	}
	// Late completions must not re-trigger resume.
	if resume, _ := r.RecordCompletion(true, true); resume {
		t.Fatal("resolver resumed twice")
	}
}

func TestJoinAllRequired_IgnoresOptionalFailure(t *testing.T) {
	r := NewResolver(kernel.JoinAllRequired, effects(2, 0))
	if resume, _ := r.RecordCompletion(false, false); resume {
		t.Fatal("optional failure should not resolve the Need")
	}
	resume, success := r.RecordCompletion(true, true)
	if !resume || !success {
		t.Fatalf("expected resume+success once the required effect lands, got resume=%v success=%v", resume, success)
	}
}

func TestJoinAny_ResumesOnFirstCompletionRegardlessOfOutcome(t *testing.T) {
	r := NewResolver(kernel.JoinAny, effects(3))
	resume, success := r.RecordCompletion(false, false)
	if !resume || success {
		t.Fatalf("expected immediate resume on first completion, got resume=%v success=%v", resume, success)
	}
	if resume, _ := r.RecordCompletion(false, true); resume {
		t.Fatal("resolver resumed twice")
	}
}

func TestJoinFirstSuccess_WaitsForASuccess(t *testing.T) {
	r := NewResolver(kernel.JoinFirstSuccess, effects(3))
	if resume, _ := r.RecordCompletion(false, false); resume {
		t.Fatal("resumed on a non-required failure")
	}
	resume, success := r.RecordCompletion(false, true)
	if !resume || !success {
		t.Fatalf("expected resume+success on first success, got resume=%v success=%v", resume, success)
	}
	if resume, _ := r.RecordCompletion(false, false); resume {
		t.Fatal("late completion re-triggered resume")
	}
}

func TestJoinFirstSuccess_RequiredFailureLatchesFailed(t *testing.T) {
	r := NewResolver(kernel.JoinFirstSuccess, effects(2, 0))
	resume, success := r.RecordCompletion(true, false)
	if !resume || success {
		t.Fatalf("expected an immediate failed resume on a required failure, got resume=%v success=%v", resume, success)
	}
}

func TestOutstandingDecrementsPerCompletion(t *testing.T) {
	r := NewResolver(kernel.JoinAll, effects(2))
	if got := r.Outstanding(); got != 2 {
		t.Fatalf("expected 2 outstanding, got %d", got)
	}
	r.RecordCompletion(false, true)
	if got := r.Outstanding(); got != 1 {
		t.Fatalf("expected 1 outstanding, got %d", got)
	}
}

func TestLatchedReflectsResolutionState(t *testing.T) {
	r := NewResolver(kernel.JoinAny, effects(1))
	if r.Latched() {
		t.Fatal("should not be latched before any completion")
	}
	r.RecordCompletion(false, true)
	if !r.Latched() {
		t.Fatal("should be latched after the resuming completion")
	}
}

// Join all must resolve to the same terminal status for every
// permutation of the same multiset of {required, success} completions.
func TestJoinAll_CommutesWithCompletionOrder(t *testing.T) {
	type completion struct{ required, success bool }
	completions := []completion{
		{required: true, success: true},
		{required: false, success: false},
		{required: false, success: true},
	}

	perms := [][]int{
		{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0},
	}
	var want *bool
	for _, perm := range perms {
		r := NewResolver(kernel.JoinAll, effects(3, 0))
		var terminal bool
		resumed := false
		for _, idx := range perm {
			c := completions[idx]
			if resume, success := r.RecordCompletion(c.required, c.success); resume {
				if resumed {
					t.Fatalf("perm %v latched twice", perm)
				}
				resumed = true
				terminal = success
			}
		}
		if !resumed {
			t.Fatalf("perm %v never resumed", perm)
		}
		if want == nil {
			want = &terminal
		} else if terminal != *want {
			t.Fatalf("perm %v resolved %v, earlier perm resolved %v", perm, terminal, *want)
		}
	}
}
