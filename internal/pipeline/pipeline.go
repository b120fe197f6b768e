// Package pipeline implements the request pipeline driver: it
// turns an inbound *http.Request into a CtxBase and an ExecContext,
// submits the context to the engine's step queue, blocks on its
// completion, and renders the terminal Response back onto the
// http.ResponseWriter — including the standard response headers and the
// correlation-id resolution order.
package pipeline

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/monstercameron/zerver/internal/engine"
	"github.com/monstercameron/zerver/internal/kernel"
	"github.com/monstercameron/zerver/internal/logging"
	"github.com/monstercameron/zerver/internal/observability"
	"github.com/monstercameron/zerver/internal/reqctx"
	"github.com/monstercameron/zerver/internal/router"
	"github.com/monstercameron/zerver/internal/stepqueue"
)

// Server binds a Router and an Engine into an http.Handler.
type Server struct {
	Router     *router.Router
	Queue      *stepqueue.Queue
	Engine     *engine.Engine
	OnError    engine.OnError
	NotFound   func(ctx *reqctx.CtxBase) kernel.Response
	Log        *slog.Logger
	ServerName string

	// globalBefore runs ahead of every route's own Before/Steps chain,
	// set via Use.
	globalBefore []reqctx.Step
}

// New builds a Server. onError renders a terminal Fail (shared with the
// engine so every failure path produces the same body shape); notFound
// renders an unmatched route.
func New(r *router.Router, q *stepqueue.Queue, eng *engine.Engine, onError engine.OnError, notFound func(ctx *reqctx.CtxBase) kernel.Response, log *slog.Logger) *Server {
	return &Server{Router: r, Queue: q, Engine: eng, OnError: onError, NotFound: notFound, Log: log, ServerName: "Zerver/1.0"}
}

// AddRoute registers a route for method+path.
// before runs ahead of steps, both after any global Use steps.
func (s *Server) AddRoute(method, path string, before, steps []reqctx.Step) *router.Route {
	return s.Router.Register(method, path, before, steps)
}

// Use installs steps that run ahead of every route's before/steps
// chain. Calls accumulate; later calls append.
func (s *Server) Use(globalBefore ...reqctx.Step) {
	s.globalBefore = append(s.globalBefore, globalBefore...)
}

// AddFlow registers a flow reachable at POST /flow/v1/<slug> — a route
// whose path segment is generated from slug rather than authored
// literally, for handler-defined internal pipelines that don't
// otherwise need a bespoke HTTP path.
func (s *Server) AddFlow(slug string, before, steps []reqctx.Step) *router.Route {
	return s.Router.Register(http.MethodPost, "/flow/v1/"+slug, before, steps)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(io.LimitReader(r.Body, 32<<20))
	defer r.Body.Close()

	query := map[string]string{}
	for k, vs := range r.URL.Query() {
		if len(vs) > 0 {
			query[k] = vs[0]
		}
	}

	match := s.Router.Match(r.Method, r.URL.Path)
	ctx := reqctx.NewCtx(r.Method, r.URL.Path, body, matchParams(match), query, r.Header)
	ctx.SetRequestID(resolveCorrelationID(r))

	parent := observability.InjectTraceContext(r.Context(), observability.TraceContext{
		TraceParent: r.Header.Get("traceparent"),
		TraceState:  r.Header.Get("tracestate"),
	})
	tctx, span := observability.StartServerSpan(parent, r.Method+" "+r.URL.Path,
		observability.AttrRequestID.String(ctx.RequestID()))
	ctx.SetTraceCtx(tctx)
	defer span.End()

	start := time.Now()
	var resp kernel.Response
	depth := 0
	if match.Route == nil {
		if match.PathMatchedOtherMethod {
			resp = kernel.CompleteResponse(405, "application/json", []byte(`{"error":"method_not_allowed"}`))
		} else {
			resp = s.NotFound(ctx)
		}
	} else {
		steps := make([]reqctx.Step, 0, len(s.globalBefore)+len(match.Route.Before)+len(match.Route.Steps))
		steps = append(steps, s.globalBefore...)
		globalBeforeEnd := len(steps)
		steps = append(steps, match.Route.Before...)
		routeBeforeEnd := len(steps)
		steps = append(steps, match.Route.Steps...)

		ec := stepqueue.New(ctx, steps)
		ec.GlobalBeforeEnd = globalBeforeEnd
		ec.RouteBeforeEnd = routeBeforeEnd
		if err := s.Queue.Enqueue(ec); err != nil {
			resp = s.OnError(ctx, kernel.NewError(kernel.ErrShutdown, "pipeline", "enqueue"))
		} else {
			<-ec.Done
			resp = ec.FinalResponse
			depth = ec.Depth
		}
	}

	if resp.Status >= 500 {
		observability.SetSpanError(span, kernel.NewError(kernel.ErrorCode(resp.Status), "pipeline", "request"))
	} else {
		observability.SetSpanOK(span)
	}

	render(w, r, ctx, resp, s.ServerName)

	entry := &logging.RequestLog{
		RequestID:    ctx.RequestID(),
		Method:       r.Method,
		Path:         r.URL.Path,
		TerminalKind: "done",
		Status:       int(resp.Status),
		DurationMs:   time.Since(start).Milliseconds(),
		Depth:        depth,
		Success:      resp.Status < 500,
	}
	if lastErr := ctx.LastError(); lastErr != nil {
		entry.TerminalKind = "fail"
		entry.Error = lastErr.Error()
	}
	ctx.Deinit()
	logging.Default().Log(entry)

	if s.Log != nil {
		s.Log.Info("request completed",
			"method", r.Method, "path", r.URL.Path,
			"status", resp.Status, "request_id", ctx.RequestID(),
			"need_depth", depth,
			"duration_ms", entry.DurationMs)
	}
}

func matchParams(m router.MatchResult) map[string]string {
	if m.Params == nil {
		return map[string]string{}
	}
	return m.Params
}

// resolveCorrelationID picks the request's correlation id, first
// present wins: a well-formed inbound traceparent's trace-id segment,
// then X-Request-Id, then X-Correlation-Id, then a freshly generated
// 128-bit lowercase hex id.
func resolveCorrelationID(r *http.Request) string {
	if traceID, ok := parseTraceparent(r.Header.Get("traceparent")); ok {
		return traceID
	}
	if id := r.Header.Get("X-Request-Id"); id != "" {
		return id
	}
	if id := r.Header.Get("X-Correlation-Id"); id != "" {
		return id
	}
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// parseTraceparent validates the strict W3C form — version 00, 32-hex
// non-zero trace-id, 16-hex non-zero span-id — and returns the trace-id.
// Anything malformed is ignored so the next correlation source is tried.
func parseTraceparent(tp string) (string, bool) {
	parts := strings.Split(tp, "-")
	if len(parts) != 4 || parts[0] != "00" {
		return "", false
	}
	if !isNonZeroLowerHex(parts[1], 32) || !isNonZeroLowerHex(parts[2], 16) {
		return "", false
	}
	return parts[1], true
}

func isNonZeroLowerHex(s string, n int) bool {
	if len(s) != n {
		return false
	}
	nonZero := false
	for _, c := range s {
		switch {
		case c >= '1' && c <= '9', c >= 'a' && c <= 'f':
			nonZero = true
		case c == '0':
		default:
			return false
		}
	}
	return nonZero
}

// connectionHeader decides keep-alive vs. close for the response: the
// client's explicit Connection: close wins, and an HTTP/1.0 client that
// never asked for keep-alive gets close (1.0 defaults to one request per
// connection).
func connectionHeader(r *http.Request) string {
	inbound := r.Header.Get("Connection")
	if strings.EqualFold(inbound, "close") {
		return "close"
	}
	if r.ProtoMajor == 1 && r.ProtoMinor == 0 && !strings.EqualFold(inbound, "keep-alive") {
		return "close"
	}
	return "keep-alive"
}

// render commits status, headers, and body to w, honoring HEAD (body
// suppressed) and streaming responses (Content-Length omitted).
func render(w http.ResponseWriter, r *http.Request, ctx *reqctx.CtxBase, resp kernel.Response, serverName string) {
	h := w.Header()
	for _, hdr := range resp.Headers {
		h.Set(hdr.Name, hdr.Value)
	}
	if h.Get("Date") == "" {
		h.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	if h.Get("Server") == "" {
		h.Set("Server", serverName)
	}
	if h.Get("X-Request-Id") == "" {
		h.Set("X-Request-Id", ctx.RequestID())
	}
	if h.Get("Connection") == "" {
		h.Set("Connection", connectionHeader(r))
	}

	status := int(resp.Status)
	if status == 0 {
		status = http.StatusOK
	}

	if resp.Body.Stream != nil {
		if resp.Body.Stream.ContentType != "" && h.Get("Content-Type") == "" {
			h.Set("Content-Type", resp.Body.Stream.ContentType)
		}
		if resp.Body.Stream.IsSSE && h.Get("Cache-Control") == "" {
			h.Set("Cache-Control", "no-cache")
		}
		h.Del("Content-Length")
		w.WriteHeader(status)
		if r.Method == http.MethodHead {
			return
		}
		flusher, _ := w.(streamFlusher)
		sw := &responseStreamWriter{w: w, flusher: flusher}
		if err := resp.Body.Stream.Writer(sw); err != nil && ctx != nil {
			ctx.SetLastError(kernel.NewError(kernel.ErrInternalError, "stream", "write"))
		}
		return
	}

	h.Set("Content-Length", strconv.Itoa(len(resp.Body.Complete)))
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(resp.Body.Complete)
}

type streamFlusher interface {
	Flush()
}

// responseStreamWriter adapts http.ResponseWriter to kernel.StreamWriter.
type responseStreamWriter struct {
	w       http.ResponseWriter
	flusher streamFlusher
}

func (s *responseStreamWriter) Write(p []byte) (int, error) { return s.w.Write(p) }

func (s *responseStreamWriter) Flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

// ListenAndServe starts an http.Server bound to addr serving s, in its
// own goroutine, returning the server so the caller can Shutdown it.
func ListenAndServe(addr string, s *Server) *http.Server {
	srv := &http.Server{Addr: addr, Handler: s}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if s.Log != nil {
				s.Log.Error("http server error", "error", err.Error())
			}
		}
	}()
	return srv
}

// Shutdown gracefully stops the HTTP server and the underlying step
// queue, draining in-flight requests before returning.
func Shutdown(ctx context.Context, srv *http.Server, q *stepqueue.Queue) error {
	err := srv.Shutdown(ctx)
	q.Shutdown()
	return err
}
