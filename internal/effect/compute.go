package effect

import (
	"context"
	"sync"

	"github.com/monstercameron/zerver/internal/kernel"
	"github.com/monstercameron/zerver/internal/reqctx"
)

// ComputeFn is a registered pure Go function run on the compute pool.
// Compute has no transport of its own: its entire contract is "call a
// function this binary already has linked in."
type ComputeFn func(ctx context.Context, params map[string]any) ([]byte, error)

// ComputeRegistry maps a "task" param value to its ComputeFn.
type ComputeRegistry struct {
	mu    sync.RWMutex
	tasks map[string]ComputeFn
}

// NewComputeRegistry builds an empty registry.
func NewComputeRegistry() *ComputeRegistry {
	return &ComputeRegistry{tasks: make(map[string]ComputeFn)}
}

// RegisterTask installs fn under name.
func (r *ComputeRegistry) RegisterTask(name string, fn ComputeFn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[name] = fn
}

// Handler returns the EffectCompute handler dispatching on the "task"
// param.
func (r *ComputeRegistry) Handler() Handler {
	return func(ctx context.Context, rc *reqctx.CtxBase, eff kernel.Effect, params map[string]any) kernel.EffectResult {
		task := strParam(params, "task")
		r.mu.RLock()
		fn, ok := r.tasks[task]
		r.mu.RUnlock()
		if !ok {
			return kernel.Failure(kernel.NewError(kernel.ErrInvalidInput, "compute_task", task))
		}
		b, err := fn(ctx, params)
		if err != nil {
			return kernel.Failure(kernel.NewError(kernel.ErrInternalError, "compute_task", task))
		}
		return kernel.Success(b)
	}
}
