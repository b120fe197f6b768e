package effect

import (
	"context"

	"github.com/monstercameron/zerver/internal/kernel"
	"github.com/monstercameron/zerver/internal/objectstore"
	"github.com/monstercameron/zerver/internal/reqctx"
)

// NewFileJSONReadHandler fetches "key" from the object store and writes
// its raw bytes to the destination slot unchanged (the step layer
// decodes with reqctx.JSONInto when it reads the slot back).
func NewFileJSONReadHandler(s *objectstore.Store) Handler {
	return func(ctx context.Context, rc *reqctx.CtxBase, eff kernel.Effect, params map[string]any) kernel.EffectResult {
		key := strParam(params, "key")
		if key == "" {
			return kernel.Failure(kernel.NewError(kernel.ErrInvalidInput, "effect_param", "key"))
		}
		b, err := s.ReadRaw(ctx, key)
		if err == objectstore.ErrNotFound {
			return kernel.Failure(kernel.NewError(kernel.ErrNotFound, "file_json", key))
		}
		if err != nil {
			return kernel.Failure(kernel.NewError(kernel.ErrUpstreamUnavailable, "file_json_read", key))
		}
		return kernel.Success(b)
	}
}

// NewFileJSONWriteHandler writes "body" (already-encoded JSON bytes) to
// "key".
func NewFileJSONWriteHandler(s *objectstore.Store) Handler {
	return func(ctx context.Context, rc *reqctx.CtxBase, eff kernel.Effect, params map[string]any) kernel.EffectResult {
		key := strParam(params, "key")
		if key == "" {
			return kernel.Failure(kernel.NewError(kernel.ErrInvalidInput, "effect_param", "key"))
		}
		body := bytesParam(params, "body")
		if err := s.WriteRaw(ctx, key, body); err != nil {
			return kernel.Failure(kernel.NewError(kernel.ErrUpstreamUnavailable, "file_json_write", key))
		}
		return kernel.Success(nil)
	}
}
