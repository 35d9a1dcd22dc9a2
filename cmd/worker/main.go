package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"basegraph.app/ingest/common/id"
	"basegraph.app/ingest/common/logger"
	"basegraph.app/ingest/common/otel"
	"basegraph.app/ingest/core/config"
	"basegraph.app/ingest/core/db"
	"basegraph.app/ingest/internal/cache"
	"basegraph.app/ingest/internal/event"
	"basegraph.app/ingest/internal/eventmanager"
	"basegraph.app/ingest/internal/http/handler"
	"basegraph.app/ingest/internal/http/middleware"
	httprouter "basegraph.app/ingest/internal/http/router"
	"basegraph.app/ingest/internal/ingest"
	"basegraph.app/ingest/internal/killswitch"
	"basegraph.app/ingest/internal/lookup"
	"basegraph.app/ingest/internal/metrics"
	"basegraph.app/ingest/internal/queue"
	"basegraph.app/ingest/internal/realtime"
	"basegraph.app/ingest/internal/reprocessing"
	"basegraph.app/ingest/internal/routing"
	"basegraph.app/ingest/internal/store"
	"basegraph.app/ingest/internal/symbolication"
	"basegraph.app/ingest/internal/worker"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	// OTel must init before logger (logger uses OTel provider in production)
	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	fmt.Printf("%s\n", banner)
	logger.Setup(cfg)

	if telemetry != nil {
		slog.InfoContext(ctx, "otel initialized", "endpoint", cfg.OTel.Endpoint)
	} else {
		slog.InfoContext(ctx, "otel disabled (no endpoint configured)")
	}

	slog.InfoContext(ctx, "ingest worker starting",
		"env", cfg.Env,
		"node_id", cfg.NodeID,
		"consumer_group", cfg.Queues.Group,
		"consumer_name", cfg.Queues.Consumer)

	if err := id.Init(cfg.NodeID); err != nil {
		slog.ErrorContext(ctx, "failed to initialize id generator", "error", err)
		os.Exit(1)
	}

	taskTypes, err := enabledTaskTypes(cfg.Queues.Enabled)
	if err != nil {
		slog.ErrorContext(ctx, "invalid queue configuration", "error", err)
		os.Exit(1)
	}

	database, err := db.New(ctx, cfg.DB)
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer database.Close()
	slog.InfoContext(ctx, "database connected")

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		slog.ErrorContext(ctx, "failed to parse redis url", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.ErrorContext(ctx, "failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	slog.InfoContext(ctx, "redis connected", "stream_prefix", cfg.Queues.StreamPrefix)

	producer := queue.NewRedisProducer(redisClient, cfg.Queues.StreamPrefix)
	defer producer.Close()

	stores := store.NewStores(database.Querier(), id.New)
	payloads := cache.NewRedisPayloadCache(redisClient, cfg.Redis.PayloadTTL)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sink := metrics.NewPrometheusSink(registry)

	switches := killswitch.NewEvaluator()
	if cfg.Killswitch.File != "" {
		if err := switches.LoadFile(cfg.Killswitch.File); err != nil {
			slog.ErrorContext(ctx, "failed to load killswitches", "error", err, "path", cfg.Killswitch.File)
			os.Exit(1)
		}
		slog.InfoContext(ctx, "killswitches loaded", "path", cfg.Killswitch.File, "switches", switches.Names())
	}

	tracker, err := realtime.NewRedisTracker(redisClient, realtime.Options{
		BucketSize: cfg.Realtime.BucketSize,
		Window:     cfg.Realtime.Window,
		Policy: realtime.ThresholdPolicy{
			EventThreshold:    cfg.Realtime.EventThreshold,
			DurationThreshold: cfg.Realtime.DurationThreshold,
		},
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to create realtime tracker", "error", err)
		os.Exit(1)
	}

	ledger := reprocessing.NewLedger(
		stores,
		reprocessing.NewTxRunner(database, id.New),
		payloads,
		producer,
		reprocessing.NewRedisLocker(redisClient),
		reprocessing.Options{
			ReprocessingActiveDefault: cfg.Pipeline.ReprocessingActiveDefault,
			RevisionCacheSize:         cfg.Pipeline.LookupCacheSize,
			RevisionCacheTTL:          cfg.Pipeline.RevisionCacheTTL,
			BatchSize:                 cfg.Pipeline.ReprocessBatchSize,
			LockTTL:                   cfg.Redis.ReprocessLockTTL,
		},
	)

	pipeline := ingest.New(ingest.Deps{
		Payloads:      payloads,
		Attachments:   cache.NewRedisAttachmentCache(redisClient, cfg.Redis.AttachmentTTL),
		Projects:      lookup.NewProjects(stores.Projects(), cfg.Pipeline.LookupCacheSize, cfg.Pipeline.LookupCacheTTL),
		Organizations: lookup.NewOrganizations(stores.Organizations(), cfg.Pipeline.LookupCacheSize, cfg.Pipeline.LookupCacheTTL),
		Stacktraces: &ingest.InAppStacktraceProcessor{
			Includes: cfg.Pipeline.InAppIncludes,
			Excludes: cfg.Pipeline.InAppExcludes,
		},
		Scrubber: &ingest.DefaultScrubber{},
		Normalizer: &ingest.BoundedNormalizer{
			Retention:       cfg.Pipeline.EventRetention,
			MaxFutureDrift:  cfg.Pipeline.MaxFutureDrift,
			MaxFrames:       cfg.Pipeline.MaxFrames,
			MaxBreadcrumbs:  cfg.Pipeline.MaxBreadcrumbs,
			MaxStringLength: cfg.Pipeline.MaxStringLength,
		},
		Events:        eventmanager.New(stores),
		Issues:        ledger,
		Killswitches:  switches,
		Router:        routing.NewRouter(switches, tracker, routing.Options{AdaptiveRoutingEnabled: cfg.Realtime.AdaptiveRoutingEnabled}),
		Symbolication: newSymbolicationRunner(ctx, cfg.Symbolicator),
		Tracker:       tracker,
		Backups:       stores.UnprocessedEvents(),
		Metrics:       sink,
	}, ingest.Options{
		MaxQueueSwitches:      cfg.Symbolicator.MaxQueueSwitches,
		CanUseScrubbers:       cfg.Pipeline.CanUseScrubbers,
		BackupUnprocessed:     cfg.Pipeline.BackupUnprocessed,
		RetryProcessingDelay:  cfg.Pipeline.RetryProcessingDelay,
		MetricsSubmissionRate: cfg.Realtime.MetricsSubmissionRate,
	})

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	g, gctx := errgroup.WithContext(runCtx)

	workerCfg := worker.Config{
		MaxAttempts:    cfg.Queues.MaxAttempts,
		SoftTimeLimit:  cfg.Queues.SoftTimeLimit,
		SoftTimeLimits: softTimeLimits(cfg),
	}

	var (
		workers    []*worker.Worker
		reclaimers []*worker.RedisReclaimer
	)
	for _, t := range taskTypes {
		stream := t.Stream(cfg.Queues.StreamPrefix)
		consumer, err := queue.NewRedisConsumer(ctx, redisClient, queue.ConsumerConfig{
			Stream:       stream,
			Group:        cfg.Queues.Group,
			Consumer:     cfg.Queues.Consumer,
			DLQStream:    cfg.Queues.DLQStream,
			BatchSize:    cfg.Queues.BatchSize,
			Block:        cfg.Queues.Block,
			RequeueDelay: cfg.Queues.RequeueDelay,
		})
		if err != nil {
			slog.ErrorContext(ctx, "failed to create consumer", "error", err, "stream", stream)
			os.Exit(1)
		}

		w := worker.New(consumer, pipeline, producer, sink, workerCfg)
		r := worker.NewRedisReclaimer(redisClient, worker.RedisReclaimerConfig{
			Stream:        stream,
			Group:         cfg.Queues.Group,
			Consumer:      cfg.Queues.Consumer + "-reclaimer",
			MinIdle:       cfg.Queues.ReclaimIdle,
			Interval:      cfg.Queues.ReclaimEvery,
			MaxDeliveries: int64(cfg.Queues.MaxAttempts) + 1,
		}, consumer, w.Handle)

		workers = append(workers, w)
		reclaimers = append(reclaimers, r)

		g.Go(func() error { return w.Run(gctx) })
		g.Go(func() error {
			r.Run(gctx)
			return nil
		})
	}

	if cfg.Killswitch.File != "" {
		g.Go(func() error { return switches.Watch(gctx, cfg.Killswitch.File) })
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	server := &http.Server{
		Addr: ":" + cfg.Ops.Port,
		Handler: setupRouter(cfg, httprouter.Handlers{
			Ops: handler.NewOpsHandler(map[string]handler.Check{
				"postgres": database.Ping,
				"redis":    func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
			}, 2*time.Second),
		}, promhttp.HandlerFor(registry, promhttp.HandlerOpts{})),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.InfoContext(ctx, "ops server starting", "port", cfg.Ops.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.ErrorContext(ctx, "ops server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.InfoContext(ctx, "workers initialized and running", "streams", len(workers))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-gctx.Done():
		slog.ErrorContext(ctx, "worker group failed", "error", context.Cause(gctx))
	}

	slog.InfoContext(ctx, "shutting down worker...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "ops server shutdown error", "error", err)
	}

	done := make(chan error, 1)
	go func() {
		// Reclaimers first; they are quick.
		for _, r := range reclaimers {
			r.Stop()
		}
		for _, w := range workers {
			w.Stop()
		}
		cancelRun()
		done <- g.Wait()
	}()

	select {
	case <-shutdownCtx.Done():
		slog.WarnContext(ctx, "shutdown timeout exceeded")
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.ErrorContext(ctx, "worker error during shutdown", "error", err)
		}
	}

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(ctx, "worker shutdown complete")
}

func setupRouter(cfg config.Config, handlers httprouter.Handlers, metricsHandler http.Handler) *gin.Engine {
	router := gin.New()

	// Order matters: OTel creates span → Recovery catches panics → Logger logs with trace context
	if cfg.OTel.Enabled() {
		router.Use(otelgin.Middleware(cfg.OTel.ServiceName))
	}
	router.Use(middleware.Recovery())
	router.Use(middleware.Logger("/healthz", "/readyz", "/metrics"))

	httprouter.SetupRoutes(router, handlers, httprouter.RouterConfig{
		Metrics: metricsHandler,
	})
	return router
}

// newSymbolicationRunner talks to the configured symbolicator. Without one every
// event passes through unchanged.
func newSymbolicationRunner(ctx context.Context, cfg config.SymbolicatorConfig) *symbolication.Runner {
	var sym symbolication.Symbolicator
	if cfg.Enabled() {
		sym = symbolication.NewHTTPSymbolicator(symbolication.HTTPConfig{
			URL:             cfg.URL,
			RequestTimeout:  cfg.RequestTimeout,
			BreakerFailures: cfg.BreakerFailures,
			BreakerCooldown: cfg.BreakerCooldown,
		})
		slog.InfoContext(ctx, "symbolicator configured", "url", cfg.URL)
	} else {
		sym = symbolication.SymbolicatorFunc(func(context.Context, *event.Payload) symbolication.Outcome {
			return symbolication.Unchanged()
		})
		slog.WarnContext(ctx, "no symbolicator configured, native events pass through unsymbolicated")
	}
	return symbolication.NewRunner(sym, symbolication.Options{
		MaxRetryAfter: cfg.MaxRetryAfter,
		WarnTimeout:   cfg.WarnTimeout,
		HardTimeout:   cfg.HardTimeout,
	})
}

// softTimeLimits gives the stages that sleep on purpose room for it.
func softTimeLimits(cfg config.Config) map[queue.TaskType]time.Duration {
	limits := map[queue.TaskType]time.Duration{
		queue.TaskTypeRetryProcessEvent: cfg.Pipeline.RetryProcessingDelay + cfg.Queues.SoftTimeLimit,
	}
	for _, t := range queue.AllTaskTypes {
		if t.IsSymbolicate() {
			limits[t] = cfg.Queues.SymbolicateSoftTimeLimit
		}
	}
	return limits
}

func enabledTaskTypes(names []string) ([]queue.TaskType, error) {
	if len(names) == 0 {
		return queue.AllTaskTypes, nil
	}
	types := make([]queue.TaskType, 0, len(names))
	for _, name := range names {
		t := queue.TaskType(name)
		if !t.Valid() {
			return nil, fmt.Errorf("unknown task type %q", name)
		}
		types = append(types, t)
	}
	return types, nil
}

const banner = `
██╗ ███╗   ██╗  ██████╗  ███████╗ ███████╗ ████████╗
██║ ████╗  ██║ ██╔════╝  ██╔════╝ ██╔════╝ ╚══██╔══╝
██║ ██╔██╗ ██║ ██║  ███╗ █████╗   ███████╗    ██║
██║ ██║╚██╗██║ ██║   ██║ ██╔══╝   ╚════██║    ██║
██║ ██║ ╚████║ ╚██████╔╝ ███████╗ ███████║    ██║
╚═╝ ╚═╝  ╚═══╝  ╚═════╝  ╚══════╝ ╚══════╝    ╚═╝
`
