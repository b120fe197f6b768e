// Package kernel defines the context-independent sum types at the center
// of the request engine: Effect, Response, Error, and the primitives they
// are built from (Token, EffectKind, Param, JoinPolicy, DispatchMode).
//
// Decision, Need, and Step are declared in package reqctx instead of here:
// both carry a function closing over the concrete per-request context
// type (CtxBase), and Go has no way to add methods or closures typed over
// a struct declared in a different, lower package without either generics
// or an empty interface escape hatch. Since CtxBase is the only context
// type this engine ever uses, keeping Decision/Need/Step next to it in
// reqctx is the straightforward idiomatic choice over threading a type
// parameter through every downstream package (router, engine, reactor,
// stepqueue, pipeline) for no practical benefit.
//
// No type in this package performs I/O or allocates beyond what the
// caller supplies.
package kernel

import "fmt"

// Token identifies a slot in a request's slot store. Tokens are allocated
// per feature and are the only names the effect layer understands.
type Token uint32

// ErrorCode is the HTTP-aligned status carried by a Fail decision.
type ErrorCode uint16

// HTTP-aligned error codes for the engine's error taxonomy.
const (
	ErrBadRequest ErrorCode = 400
	// InvalidInput renders as 400 like BadRequest: the two are distinct
	// taxonomy entries (malformed request vs. well-formed but rejected
	// payload) that share an HTTP status.
	ErrInvalidInput        ErrorCode = 400
	ErrUnauthorized        ErrorCode = 401
	ErrForbidden           ErrorCode = 403
	ErrNotFound            ErrorCode = 404
	ErrInternalError       ErrorCode = 500
	ErrUpstreamUnavailable ErrorCode = 502
	ErrGatewayTimeout      ErrorCode = 504
	ErrShutdown            ErrorCode = 503
)

// Error is the structured failure carried by Fail and surfaced to on_error.
type Error struct {
	Kind ErrorCode
	What string // the kind of thing that failed, e.g. "effect", "step"
	Key  string // the specific name, e.g. the effect variant tag or step name
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d: %s %s", e.Kind, e.What, e.Key)
}

// NewError constructs an *Error. It is the canonical way to build one so
// that the zero-value Kind (0) is never mistaken for a real status code.
func NewError(kind ErrorCode, what, key string) *Error {
	return &Error{Kind: kind, What: what, Key: key}
}

// StreamWriter is the minimal surface a streaming handler needs; the
// pipeline driver supplies the concrete implementation bound to the
// underlying connection.
type StreamWriter interface {
	Write(p []byte) (int, error)
	Flush()
}

// StreamBody describes a streaming response. Writer is invoked by the
// pipeline driver once headers have been committed.
type StreamBody struct {
	Writer      func(w StreamWriter) error
	ContentType string
	IsSSE       bool
}

// Body is either a fully materialized byte slice or a streaming writer.
type Body struct {
	Complete []byte
	Stream   *StreamBody
}

// Header is a single response header, kept as a slice (not a map) so
// repeated headers and insertion order survive rendering.
type Header struct {
	Name  string
	Value string
}

// Response is the terminal rendering of a request.
type Response struct {
	Status  uint16
	Headers []Header
	Body    Body
}

// CompleteResponse builds a Response with a fully materialized body and a
// single Content-Type header.
func CompleteResponse(status uint16, contentType string, body []byte) Response {
	return Response{
		Status:  status,
		Headers: []Header{{Name: "Content-Type", Value: contentType}},
		Body:    Body{Complete: body},
	}
}

// StreamingResponse builds a Response whose body is written incrementally;
// Content-Length is omitted for these at render time.
func StreamingResponse(status uint16, stream StreamBody) Response {
	return Response{Status: status, Body: Body{Stream: &stream}}
}

// JoinPolicy decides when a Need resumes given per-effect completions.
type JoinPolicy int

const (
	JoinAll JoinPolicy = iota
	JoinAllRequired
	JoinAny
	JoinFirstSuccess
)

func (j JoinPolicy) String() string {
	switch j {
	case JoinAll:
		return "all"
	case JoinAllRequired:
		return "all_required"
	case JoinAny:
		return "any"
	case JoinFirstSuccess:
		return "first_success"
	default:
		return "unknown"
	}
}

// DispatchMode controls dispatch order within one Need; it never affects
// resume policy.
type DispatchMode int

const (
	Sequential DispatchMode = iota
	Parallel
)

func (m DispatchMode) String() string {
	if m == Parallel {
		return "parallel"
	}
	return "sequential"
}

// EffectKind tags the effect variants the dispatcher understands.
type EffectKind int

const (
	EffectHTTPGet EffectKind = iota
	EffectHTTPPost
	EffectHTTPPut
	EffectHTTPDelete
	EffectKVGet
	EffectKVPut
	EffectKVDel
	EffectKVScan
	EffectDBQuery
	EffectFileJSONRead
	EffectFileJSONWrite
	EffectCompute
	EffectKVCacheGet
	EffectKVCacheSet
	EffectKVCacheDelete
	EffectTCPConnect
	EffectTCPSend
	EffectTCPReceive
	EffectTCPClose
	EffectGRPCUnary
	EffectGRPCServerStream
	EffectWSConnect
	EffectWSSend
	EffectWSReceive
)

var effectKindNames = [...]string{
	"http_get", "http_post", "http_put", "http_delete",
	"kv_get", "kv_put", "kv_del", "kv_scan",
	"db_query", "file_json_read", "file_json_write", "compute",
	"kv_cache_get", "kv_cache_set", "kv_cache_delete",
	"tcp_connect", "tcp_send", "tcp_receive", "tcp_close",
	"grpc_unary", "grpc_server_stream",
	"ws_connect", "ws_send", "ws_receive",
}

func (k EffectKind) String() string {
	if int(k) < 0 || int(k) >= len(effectKindNames) {
		return "unknown"
	}
	return effectKindNames[k]
}

// Param is an effect parameter value: either an inline literal or a
// late-bound reference to a slot by token, resolved by the dispatcher
// immediately before the handler runs.
type Param struct {
	Inline    any
	SlotToken Token
	FromSlot  bool
}

// InlineParam wraps a literal value as a Param.
func InlineParam(v any) Param { return Param{Inline: v} }

// SlotParam references another slot's value as a Param.
func SlotParam(t Token) Param { return Param{SlotToken: t, FromSlot: true} }

// RetryPolicy governs handler-level retries of a single effect. It is
// consulted by the effect dispatcher, not the join
// resolver: a retried effect still counts as exactly one completion.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelayMS int
	MaxDelayMS  int
}

// Effect is a declarative description of one I/O or compute action.
type Effect struct {
	Kind      EffectKind
	Dest      Token // where the result is written
	TimeoutMS int
	Required  bool
	IdemKey   string
	Retry     *RetryPolicy
	Params    map[string]Param
}

// EffectResult is what a registered handler returns to the dispatcher.
type EffectResult struct {
	Bytes []byte
	Err   *Error
}

// Success builds a successful EffectResult. A nil/empty Bytes is valid —
// the slot is set to an empty slice.
func Success(b []byte) EffectResult { return EffectResult{Bytes: b} }

// Failure builds a failed EffectResult.
func Failure(err *Error) EffectResult { return EffectResult{Err: err} }

func (r EffectResult) Ok() bool { return r.Err == nil }
