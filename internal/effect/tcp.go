package effect

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/monstercameron/zerver/internal/connpool"
	"github.com/monstercameron/zerver/internal/kernel"
	"github.com/monstercameron/zerver/internal/metrics"
	"github.com/monstercameron/zerver/internal/reqctx"
)

// connRegistry hands out small integer handles for live connection
// objects (TCP leases, WebSocket conns), since a slot can only hold a
// JSON-able value, never a live connection. Send/Receive/Close effects
// address the connection by that handle.
type connRegistry[T any] struct {
	mu      sync.Mutex
	next    int64
	entries map[int64]T
}

func newConnRegistry[T any]() *connRegistry[T] {
	return &connRegistry[T]{entries: make(map[int64]T)}
}

func (r *connRegistry[T]) put(v T) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	id := r.next
	r.entries[id] = v
	return id
}

func (r *connRegistry[T]) get(id int64) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.entries[id]
	return v, ok
}

func (r *connRegistry[T]) remove(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// TCPHandlers bundles the four Tcp* effect handlers, sharing one
// connection pool and registry.
type TCPHandlers struct {
	pool *connpool.Pool[net.Conn]
	reg  *connRegistry[*connpool.Lease[net.Conn]]
}

// NewTCPHandlers builds a connpool leasing raw TCP connections to addr.
// The Tcp* effect family targets a single fixed upstream per registered
// handler, one pool per configured address.
func NewTCPHandlers(addr string, maxConns int, dialTimeout, waitTimeout time.Duration) *TCPHandlers {
	factory := func(ctx context.Context) (net.Conn, error) {
		d := net.Dialer{Timeout: dialTimeout}
		return d.DialContext(ctx, "tcp", addr)
	}
	healthy := func(c net.Conn) bool {
		_, err := c.Write([]byte{})
		return err == nil
	}
	pool := connpool.New(connpool.Config{MaxSize: maxConns, WaitTimeout: waitTimeout}, factory, healthy)
	pool.OnEvict(func(c net.Conn) { _ = c.Close() })
	return &TCPHandlers{pool: pool, reg: newConnRegistry[*connpool.Lease[net.Conn]]()}
}

// Connect leases a connection and returns its registry handle as the
// slot value (a JSON number).
func (h *TCPHandlers) Connect() Handler {
	return func(ctx context.Context, rc *reqctx.CtxBase, eff kernel.Effect, params map[string]any) kernel.EffectResult {
		waitStart := time.Now()
		lease, err := h.pool.AcquireLease(ctx)
		if err != nil {
			return kernel.Failure(kernel.NewError(kernel.ErrUpstreamUnavailable, "tcp_connect", "acquire"))
		}
		metrics.RecordConnLeaseWait("tcp", float64(time.Since(waitStart).Milliseconds()))
		st := h.pool.Stats()
		metrics.SetConnPoolStats("tcp", st.Ready, st.Total)
		id := h.reg.put(lease)
		b, _ := rc.ToJSON(id)
		return kernel.Success([]byte(b))
	}
}

// Send writes "payload" to the connection named by "handle".
func (h *TCPHandlers) Send() Handler {
	return func(ctx context.Context, rc *reqctx.CtxBase, eff kernel.Effect, params map[string]any) kernel.EffectResult {
		handle := int64(intParam(params, "handle", -1))
		lease, ok := h.reg.get(handle)
		if !ok {
			return kernel.Failure(kernel.NewError(kernel.ErrInvalidInput, "tcp_handle", "unknown"))
		}
		conn := lease.Value()
		payload := bytesParam(params, "payload")
		if deadline, ok := ctx.Deadline(); ok {
			_ = conn.SetWriteDeadline(deadline)
		}
		if _, err := conn.Write(payload); err != nil {
			return kernel.Failure(kernel.NewError(kernel.ErrUpstreamUnavailable, "tcp_send", "write"))
		}
		return kernel.Success(nil)
	}
}

// Receive reads up to "max_bytes" (default 4096) from the connection
// named by "handle".
func (h *TCPHandlers) Receive() Handler {
	return func(ctx context.Context, rc *reqctx.CtxBase, eff kernel.Effect, params map[string]any) kernel.EffectResult {
		handle := int64(intParam(params, "handle", -1))
		lease, ok := h.reg.get(handle)
		if !ok {
			return kernel.Failure(kernel.NewError(kernel.ErrInvalidInput, "tcp_handle", "unknown"))
		}
		conn := lease.Value()
		max := intParam(params, "max_bytes", 4096)
		if deadline, ok := ctx.Deadline(); ok {
			_ = conn.SetReadDeadline(deadline)
		}
		buf := make([]byte, max)
		n, err := conn.Read(buf)
		if err != nil && n == 0 {
			return kernel.Failure(kernel.NewError(kernel.ErrUpstreamUnavailable, "tcp_receive", "read"))
		}
		return kernel.Success(buf[:n])
	}
}

// Close releases the connection named by "handle" back to the pool and
// removes its registry entry.
func (h *TCPHandlers) Close() Handler {
	return func(ctx context.Context, rc *reqctx.CtxBase, eff kernel.Effect, params map[string]any) kernel.EffectResult {
		handle := int64(intParam(params, "handle", -1))
		lease, ok := h.reg.get(handle)
		if !ok {
			return kernel.Failure(kernel.NewError(kernel.ErrInvalidInput, "tcp_handle", "unknown"))
		}
		h.reg.remove(handle)
		lease.Release()
		return kernel.Success(nil)
	}
}
