package effect

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/monstercameron/zerver/internal/connpool"
	"github.com/monstercameron/zerver/internal/kernel"
	"github.com/monstercameron/zerver/internal/metrics"
	"github.com/monstercameron/zerver/internal/reqctx"
	"github.com/monstercameron/zerver/internal/store"
)

// NewDBLease wraps base in a connpool.Pool purely for uniform
// acquire/release/wait telemetry and a concurrency cap on in-flight
// DbQuery effects; pgxpool already pools the underlying TCP connections
// itself (the "effector workers only" rule is enforced by the
// dispatcher, not here), so the leased value is the shared pool handle,
// not an individual connection — Acquire blocks once maxConcurrent
// DbQuery effects are already in flight, which is the backpressure a
// connection-pool lease exists to provide.
func NewDBLease(base *pgxpool.Pool, maxConcurrent int, waitTimeout time.Duration) *connpool.Pool[*pgxpool.Pool] {
	factory := func(ctx context.Context) (*pgxpool.Pool, error) { return base, nil }
	return connpool.New(connpool.Config{MaxSize: maxConcurrent, WaitTimeout: waitTimeout}, factory, nil)
}

// NewDbQueryHandler runs "sql" with positional "args" through a leased
// slot and returns the JSON-encoded row set in the destination slot.
func NewDbQueryHandler(lease *connpool.Pool[*pgxpool.Pool]) Handler {
	return func(ctx context.Context, rc *reqctx.CtxBase, eff kernel.Effect, params map[string]any) kernel.EffectResult {
		sql := strParam(params, "sql")
		if sql == "" {
			return kernel.Failure(kernel.NewError(kernel.ErrInvalidInput, "effect_param", "sql"))
		}
		args := anyParamsList(params, "args")

		waitStart := time.Now()
		l, err := lease.AcquireLease(ctx)
		if err != nil {
			return kernel.Failure(kernel.NewError(kernel.ErrUpstreamUnavailable, "db_lease", "acquire"))
		}
		defer l.Release()
		metrics.RecordConnLeaseWait("db", float64(time.Since(waitStart).Milliseconds()))
		st := lease.Stats()
		metrics.SetConnPoolStats("db", st.Ready, st.Total)

		rows, err := store.Query(ctx, l.Value(), sql, args)
		if err != nil {
			return kernel.Failure(kernel.NewError(kernel.ErrUpstreamUnavailable, "db_query", "query"))
		}

		b, err := rc.ToJSON(rows)
		if err != nil {
			return kernel.Failure(kernel.NewError(kernel.ErrInternalError, "db_encode", "json"))
		}
		return kernel.Success([]byte(b))
	}
}
