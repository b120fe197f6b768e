// Package rpcbridge implements the GrpcUnary/GrpcServerStream effect
// backend on top of google.golang.org/grpc without generated stubs.
// Rather than requiring protoc-generated client code
// for every backend a step might call, rpcbridge invokes methods by
// fully-qualified name (e.g. "/pkg.Service/Method") against a raw byte
// payload using a pass-through codec, so the effect's params carry
// already-encoded protobuf bytes and the result slot receives the raw
// response bytes unchanged.
package rpcbridge

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
)

const codecName = "zerver-raw"

// rawCodec treats every message as an opaque []byte, letting the
// dispatcher relay pre-encoded protobuf without generated stubs.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	b, ok := v.(*[]byte)
	if !ok {
		return nil, fmt.Errorf("rpcbridge: Marshal expects *[]byte, got %T", v)
	}
	return *b, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("rpcbridge: Unmarshal expects *[]byte, got %T", v)
	}
	*b = append((*b)[:0], data...)
	return nil
}

func (rawCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(rawCodec{})
}

// Bridge holds one gRPC client connection to a single upstream target.
type Bridge struct {
	conn   *grpc.ClientConn
	target string
}

// Config names the target and whether to dial with TLS.
type Config struct {
	Target   string
	Insecure bool
}

// Dial opens a ClientConn to cfg.Target, with system-roots TLS unless
// Insecure is set (the usual choice for same-cluster calls).
func Dial(cfg Config) (*Bridge, error) {
	creds := grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12}))
	if cfg.Insecure {
		creds = grpc.WithTransportCredentials(insecure.NewCredentials())
	}
	conn, err := grpc.NewClient(cfg.Target, creds)
	if err != nil {
		return nil, fmt.Errorf("rpcbridge: dial %s: %w", cfg.Target, err)
	}
	return &Bridge{conn: conn, target: cfg.Target}, nil
}

// Close tears down the connection.
func (b *Bridge) Close() error { return b.conn.Close() }

// Unary invokes fullMethod (e.g. "/pkg.Service/Method") with a raw
// payload and returns the raw response bytes.
func (b *Bridge) Unary(ctx context.Context, fullMethod string, payload []byte) ([]byte, error) {
	reply := make([]byte, 0)
	req := append([]byte(nil), payload...)
	opts := []grpc.CallOption{grpc.CallContentSubtype(codecName)}
	if err := b.conn.Invoke(ctx, fullMethod, &req, &reply, opts...); err != nil {
		return nil, fmt.Errorf("rpcbridge: invoke %s: %w", fullMethod, err)
	}
	return reply, nil
}

// ServerStreamFrame is one frame read back from a server-streaming call.
type ServerStreamFrame struct {
	Payload []byte
	Err     error
}

// ServerStream invokes a server-streaming method, pushing each frame to
// out until the stream ends (out is closed) or an error occurs (the
// final frame on out carries it).
func (b *Bridge) ServerStream(ctx context.Context, fullMethod string, payload []byte, out chan<- ServerStreamFrame) {
	defer close(out)

	desc := &grpc.StreamDesc{StreamName: fullMethod, ServerStreams: true}
	stream, err := b.conn.NewStream(ctx, desc, fullMethod, grpc.CallContentSubtype(codecName))
	if err != nil {
		out <- ServerStreamFrame{Err: fmt.Errorf("rpcbridge: open stream %s: %w", fullMethod, err)}
		return
	}
	req := append([]byte(nil), payload...)
	if err := stream.SendMsg(&req); err != nil {
		out <- ServerStreamFrame{Err: fmt.Errorf("rpcbridge: send %s: %w", fullMethod, err)}
		return
	}
	if err := stream.CloseSend(); err != nil {
		out <- ServerStreamFrame{Err: fmt.Errorf("rpcbridge: close send %s: %w", fullMethod, err)}
		return
	}
	for {
		var frame []byte
		if err := stream.RecvMsg(&frame); err != nil {
			if err != io.EOF {
				out <- ServerStreamFrame{Err: err}
			}
			return
		}
		out <- ServerStreamFrame{Payload: frame}
	}
}
