package effect

import (
	"context"

	"github.com/monstercameron/zerver/internal/kernel"
	"github.com/monstercameron/zerver/internal/reqctx"
	"github.com/monstercameron/zerver/internal/rpcbridge"
)

// NewGRPCUnaryHandler invokes "method" (a fully-qualified gRPC method
// name) with "payload" (pre-encoded protobuf bytes) and writes the raw
// response to the destination slot.
func NewGRPCUnaryHandler(bridge *rpcbridge.Bridge) Handler {
	return func(ctx context.Context, rc *reqctx.CtxBase, eff kernel.Effect, params map[string]any) kernel.EffectResult {
		method := strParam(params, "method")
		if method == "" {
			return kernel.Failure(kernel.NewError(kernel.ErrInvalidInput, "effect_param", "method"))
		}
		payload := bytesParam(params, "payload")
		reply, err := bridge.Unary(ctx, method, payload)
		if err != nil {
			return kernel.Failure(kernel.NewError(kernel.ErrUpstreamUnavailable, "grpc_unary", method))
		}
		return kernel.Success(reply)
	}
}

// NewGRPCServerStreamHandler drains a server-streaming call into a single
// slot write: a JSON array with one element per frame, in arrival order
// (each frame's bytes base64-encoded by encoding/json), so the step layer
// can split them back out. Steps that need incremental
// delivery as frames arrive should use the streaming Response path
// instead of an effect; this handler is for a request whose step logic
// genuinely wants the whole stream materialized before continuing.
func NewGRPCServerStreamHandler(bridge *rpcbridge.Bridge) Handler {
	return func(ctx context.Context, rc *reqctx.CtxBase, eff kernel.Effect, params map[string]any) kernel.EffectResult {
		method := strParam(params, "method")
		if method == "" {
			return kernel.Failure(kernel.NewError(kernel.ErrInvalidInput, "effect_param", "method"))
		}
		payload := bytesParam(params, "payload")

		out := make(chan rpcbridge.ServerStreamFrame, 8)
		go bridge.ServerStream(ctx, method, payload, out)

		var frames [][]byte
		for frame := range out {
			if frame.Err != nil {
				return kernel.Failure(kernel.NewError(kernel.ErrUpstreamUnavailable, "grpc_stream", method))
			}
			frames = append(frames, frame.Payload)
		}

		b, err := rc.ToJSON(frames)
		if err != nil {
			return kernel.Failure(kernel.NewError(kernel.ErrInternalError, "grpc_stream_encode", "json"))
		}
		return kernel.Success([]byte(b))
	}
}
