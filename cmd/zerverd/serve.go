package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/monstercameron/zerver/internal/cache"
	"github.com/monstercameron/zerver/internal/config"
	"github.com/monstercameron/zerver/internal/effect"
	"github.com/monstercameron/zerver/internal/engine"
	"github.com/monstercameron/zerver/internal/kernel"
	"github.com/monstercameron/zerver/internal/logging"
	"github.com/monstercameron/zerver/internal/metrics"
	"github.com/monstercameron/zerver/internal/objectstore"
	"github.com/monstercameron/zerver/internal/observability"
	"github.com/monstercameron/zerver/internal/pipeline"
	"github.com/monstercameron/zerver/internal/reactor"
	"github.com/monstercameron/zerver/internal/reqctx"
	"github.com/monstercameron/zerver/internal/router"
	"github.com/monstercameron/zerver/internal/rpcbridge"
	"github.com/monstercameron/zerver/internal/stepqueue"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var (
		httpAddr string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Zerver HTTP daemon",
		Long:  "Bind the router and reactor pools and serve requests until a shutdown signal arrives",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("http-addr") {
				cfg.Daemon.HTTPAddr = httpAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Daemon.LogLevel = logLevel
			}

			logging.SetLevelFromString(cfg.Daemon.LogLevel)
			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)
			// The slog line in the pipeline driver already covers per-request
			// console output; the request logger only writes its file sink.
			logging.Default().SetConsole(false)

			ctx := context.Background()
			if err := observability.Init(ctx, observability.Config{
				Enabled:     cfg.Observability.Tracing.Enabled,
				Exporter:    cfg.Observability.Tracing.Exporter,
				Endpoint:    cfg.Observability.Tracing.Endpoint,
				ServiceName: cfg.Observability.Tracing.ServiceName,
				SampleRate:  cfg.Observability.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Observability.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)
			}

			registry := effect.NewRegistry()
			registerDomainEffects(ctx, cfg, registry)

			effectorPool := reactor.NewPool[func()](cfg.Reactor.EffectorWorkers, cfg.Reactor.EffectorQueueCapacity, runJob)
			effectorPool.Start()
			computePool := reactor.NewPool[func()](cfg.Reactor.ComputeWorkers, cfg.Reactor.ComputeQueueCapacity, runJob)
			computePool.Start()

			var idemL2 cache.Cache
			if cfg.Redis.Addr != "" {
				idemL2 = cache.NewRedisCache(cache.RedisCacheConfig{
					Addr:      cfg.Redis.Addr,
					Password:  cfg.Redis.Password,
					DB:        cfg.Redis.DB,
					KeyPrefix: cfg.Redis.KeyPrefix + "idem:",
				})
			}
			idem := effect.NewIdempotencyCache(10*time.Minute, idemL2)

			dispatcher := effect.NewDispatcher(registry, effectorPool, computePool, idem, logging.Op())

			onError := renderError
			notFound := renderNotFound

			eng := engine.New(dispatcher, onError, logging.Op())
			queue := stepqueue.NewQueue(cfg.Reactor.StepWorkers, cfg.Reactor.StepQueueCapacity, eng.Run)
			queue.Start()
			eng.Queue = queue

			r := router.New()
			srv := pipeline.New(r, queue, eng, onError, notFound, logging.Op())
			registerOperationalRoutes(srv)

			statsDone := make(chan struct{})
			go reportPoolStats(queue, effectorPool, computePool, statsDone)

			httpServer := pipeline.ListenAndServe(cfg.Daemon.HTTPAddr, srv)
			logging.Op().Info("zerverd started", "addr", cfg.Daemon.HTTPAddr)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			logging.Op().Info("shutdown signal received")

			close(statsDone)
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := pipeline.Shutdown(shutdownCtx, httpServer, queue); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http-addr", "", "HTTP listen address (overrides config)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (overrides config)")

	return cmd
}

func runJob(job func()) { job() }

// reportPoolStats samples the three reactor pools into the Prometheus
// gauges every few seconds until done closes.
func reportPoolStats(queue *stepqueue.Queue, effector, compute *reactor.Pool[func()], done <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			for name, st := range map[string]reactor.Stats{
				"step":     queue.Stats(),
				"effector": effector.Stats(),
				"compute":  compute.Stats(),
			} {
				metrics.SetPoolStats(name, st.QueueDepth, st.Submitted, st.Completed, st.Accepting)
			}
		}
	}
}

// registerDomainEffects wires every EffectKind the engine understands to a
// concrete backend. Each backend dials best-effort: a downstream that
// isn't reachable at startup (no local Postgres, no local Redis, ...) is
// logged and left unregistered rather than treated as fatal, so a
// developer can run zerverd against whichever subset of backends they
// actually have available.
func registerDomainEffects(ctx context.Context, cfg *config.Config, registry *effect.Registry) {
	registry.Register(kernel.EffectHTTPGet, effect.NewHTTPHandler(http.MethodGet))
	registry.Register(kernel.EffectHTTPPost, effect.NewHTTPHandler(http.MethodPost))
	registry.Register(kernel.EffectHTTPPut, effect.NewHTTPHandler(http.MethodPut))
	registry.Register(kernel.EffectHTTPDelete, effect.NewHTTPHandler(http.MethodDelete))

	computeRegistry := effect.NewComputeRegistry()
	registry.Register(kernel.EffectCompute, computeRegistry.Handler())

	var kvCache *cache.RedisCache
	if cfg.Redis.Addr != "" {
		kvCache = cache.NewRedisCache(cache.RedisCacheConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		if err := kvCache.Ping(ctx); err != nil {
			logging.Op().Warn("redis ping failed: kv_*/kv_cache_* effects unregistered", "error", err.Error())
			_ = kvCache.Close()
			kvCache = nil
		}
	}
	if kvCache != nil {
		registry.Register(kernel.EffectKVGet, effect.NewKVGetHandler(kvCache))
		registry.Register(kernel.EffectKVPut, effect.NewKVPutHandler(kvCache))
		registry.Register(kernel.EffectKVDel, effect.NewKVDelHandler(kvCache))
		registry.Register(kernel.EffectKVScan, effect.NewKVScanHandler(kvCache))

		l1 := cache.NewInMemoryCache()
		tiered := cache.NewTieredCache(l1, kvCache, 30*time.Second)
		inv := cache.NewCacheInvalidator(l1, kvCache.Client())
		go inv.Start(ctx)
		registry.Register(kernel.EffectKVCacheGet, effect.NewKVCacheGetHandler(tiered))
		registry.Register(kernel.EffectKVCacheSet, effect.NewKVCacheSetHandler(tiered))
		registry.Register(kernel.EffectKVCacheDelete, effect.NewKVCacheDeleteHandler(tiered, inv))
	} else if cfg.Redis.Addr == "" {
		logging.Op().Warn("redis addr not configured: kv_*/kv_cache_* effects unregistered")
	}

	if cfg.Postgres.DSN != "" {
		pgPool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			logging.Op().Warn("postgres unavailable: db_query effect unregistered", "error", err.Error())
		} else if err := pgPool.Ping(ctx); err != nil {
			logging.Op().Warn("postgres ping failed: db_query effect unregistered", "error", err.Error())
			pgPool.Close()
		} else {
			lease := effect.NewDBLease(pgPool, cfg.ConnPool.PostgresMaxSize, cfg.ConnPool.WaitTimeout)
			registry.Register(kernel.EffectDBQuery, effect.NewDbQueryHandler(lease))
		}
	}

	if cfg.ObjectStore.Bucket != "" {
		objStore, err := objectstore.New(ctx, objectstore.Config{
			Bucket:   cfg.ObjectStore.Bucket,
			Region:   cfg.ObjectStore.Region,
			Endpoint: cfg.ObjectStore.Endpoint,
		})
		if err != nil {
			logging.Op().Warn("object store unavailable: file_json_* effects unregistered", "error", err.Error())
		} else {
			registry.Register(kernel.EffectFileJSONRead, effect.NewFileJSONReadHandler(objStore))
			registry.Register(kernel.EffectFileJSONWrite, effect.NewFileJSONWriteHandler(objStore))
		}
	}

	if cfg.RPC.Target != "" {
		bridge, err := rpcbridge.Dial(rpcbridge.Config{Target: cfg.RPC.Target, Insecure: cfg.RPC.Insecure})
		if err != nil {
			logging.Op().Warn("grpc bridge unavailable: grpc_* effects unregistered", "error", err.Error())
		} else {
			registry.Register(kernel.EffectGRPCUnary, effect.NewGRPCUnaryHandler(bridge))
			registry.Register(kernel.EffectGRPCServerStream, effect.NewGRPCServerStreamHandler(bridge))
		}
	}

	if cfg.ConnPool.TCPAddr != "" {
		tcp := effect.NewTCPHandlers(cfg.ConnPool.TCPAddr, cfg.ConnPool.TCPMaxSize, cfg.ConnPool.TCPDialTimeout, cfg.ConnPool.WaitTimeout)
		registry.Register(kernel.EffectTCPConnect, tcp.Connect())
		registry.Register(kernel.EffectTCPSend, tcp.Send())
		registry.Register(kernel.EffectTCPReceive, tcp.Receive())
		registry.Register(kernel.EffectTCPClose, tcp.Close())
	} else {
		logging.Op().Warn("connpool.tcp_addr not configured: tcp_* effects unregistered")
	}

	ws := effect.NewWSHandlers()
	registry.Register(kernel.EffectWSConnect, ws.Connect())
	registry.Register(kernel.EffectWSSend, ws.Send())
	registry.Register(kernel.EffectWSReceive, ws.Receive())
}

// renderError is the shared on_error hook: every Fail
// path, whatever raised it, renders through here so the body shape never
// drifts between a step-returned Fail, a panic, or a depth-cap trip.
func renderError(ctx *reqctx.CtxBase, err *kernel.Error) kernel.Response {
	body := fmt.Sprintf(`{"status":%d,"what":%q,"key":%q,"request_id":%q}`, uint16(err.Kind), err.What, err.Key, ctx.RequestID())
	return kernel.CompleteResponse(uint16(err.Kind), "application/json", []byte(body))
}

func renderNotFound(ctx *reqctx.CtxBase) kernel.Response {
	body := fmt.Sprintf(`{"error":"not_found","request_id":%q}`, ctx.RequestID())
	return kernel.CompleteResponse(404, "application/json", []byte(body))
}

// registerOperationalRoutes adds infra routes that aren't feature
// handlers (health checks, not application endpoints)
// so the daemon is usable standalone without any application wiring. It
// returns the routes it registered so callers (routesCmd) can list them
// without needing a separate iteration method on Router.
func registerOperationalRoutes(srv *pipeline.Server) []*router.Route {
	healthz := srv.AddRoute(http.MethodGet, "/healthz", nil, []reqctx.Step{
		reqctx.NewStep("healthz", func(ctx *reqctx.CtxBase) reqctx.Decision {
			return reqctx.Done(kernel.CompleteResponse(200, "application/json", []byte(`{"status":"ok"}`)))
		}),
	})
	metricsRoute := srv.AddRoute(http.MethodGet, "/metrics", nil, []reqctx.Step{
		reqctx.NewStep("metrics", func(ctx *reqctx.CtxBase) reqctx.Decision {
			snapshot, err := ctx.ToJSON(metrics.Global().Snapshot())
			if err != nil {
				return reqctx.Fail(kernel.ErrInternalError, "metrics", "snapshot")
			}
			return reqctx.Done(kernel.CompleteResponse(200, "application/json", []byte(snapshot)))
		}),
	})
	return []*router.Route{healthz, metricsRoute}
}
