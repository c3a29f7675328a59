// Command swarmmemd is the swarm memory engine's process entry point: it
// wires the store, key manager, ACL evaluator, cache and facade together,
// serves /healthz and /metrics, and drives scheduled key rotation until an
// interrupt or termination signal arrives.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/r3e-network/swarm-memory/infrastructure/middleware"
	"github.com/r3e-network/swarm-memory/internal/acl"
	"github.com/r3e-network/swarm-memory/internal/audit"
	"github.com/r3e-network/swarm-memory/internal/cache"
	"github.com/r3e-network/swarm-memory/internal/clock"
	"github.com/r3e-network/swarm-memory/internal/config"
	"github.com/r3e-network/swarm-memory/internal/domain"
	"github.com/r3e-network/swarm-memory/internal/facade"
	"github.com/r3e-network/swarm-memory/internal/keymanager"
	"github.com/r3e-network/swarm-memory/internal/logging"
	"github.com/r3e-network/swarm-memory/internal/metrics"
	"github.com/r3e-network/swarm-memory/internal/store"
)

func main() {
	dbPath := flag.String("db", "", "SQLite database path (overrides SWARMMEM_DB_PATH)")
	metricsAddr := flag.String("metrics-addr", "", "operational HTTP listen address (overrides SWARMMEM_METRICS_ADDR)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *dbPath != "" {
		cfg.DatabasePath = *dbPath
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}

	logger := logging.New("swarmmemd")
	clk := clock.Real()
	ctx := context.Background()

	st, err := store.Open(ctx, cfg.DatabasePath, clk)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}

	km, err := keymanager.New(ctx, st, cfg.MasterKeyPass, clk, logger)
	if err != nil {
		log.Fatalf("initialize key manager: %v", err)
	}

	scheduler, err := keymanager.NewScheduler(km, logger, cfg.RotationCron)
	if err != nil {
		log.Fatalf("build rotation scheduler %q: %v", cfg.RotationCron, err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	aclEvaluator := acl.New(st, clk, logger, cfg.ACLCacheSize, cfg.ACLCacheTTL)
	codec := store.NewCodec(domain.Compression(cfg.CompressionAlgorithm), cfg.CompressionThreshold)

	var cacheOpts []cache.Option
	var redisClient *redis.Client
	if cfg.L2Addr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.L2Addr})
		cacheOpts = append(cacheOpts, cache.WithRedis(redisClient, cfg.L2TTL))
	}
	memCache, err := cache.New(st, clk, logger, cfg.L1Size, cacheOpts...)
	if err != nil {
		log.Fatalf("build cache: %v", err)
	}
	memCache.Start(ctx)
	defer memCache.Close()

	promMetrics := metrics.New("swarmmemd")
	auditLog := audit.New(st)

	mem := facade.New(st, km, aclEvaluator, memCache, auditLog, promMetrics, codec, clk, logger)
	go logEvents(mem, logger)

	health := middleware.NewHealthChecker("swarmmemd")
	health.RegisterCheck("store", func() error {
		checkCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := st.Keys(checkCtx, "__healthcheck__", "", "", 1)
		return err
	})
	if redisClient != nil {
		health.RegisterCheck("redis", func() error {
			checkCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return redisClient.Ping(checkCtx).Err()
		})
	}

	recovery := middleware.NewRecoveryMiddleware(logger)
	secHeaders := middleware.NewSecurityHeadersMiddleware(nil)

	router := chi.NewRouter()
	router.Use(recovery.Handler)
	router.Use(secHeaders.Handler)
	router.Get("/healthz", health.Handler())
	router.Get("/livez", middleware.LivenessHandler())
	router.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{Addr: cfg.MetricsAddr, Handler: router}
	go func() {
		logger.WithContext(ctx).WithField("addr", cfg.MetricsAddr).Info("operational HTTP surface listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("operational http server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown operational http server: %v", err)
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	if err := st.Close(); err != nil {
		log.Printf("close store: %v", err)
	}
}

// logEvents drains the facade's event channel to the structured logger.
// A production deployment would instead fan these out to a message bus;
// logging is the baseline sink so no event is ever silently dropped from
// observability.
func logEvents(mem *facade.Facade, logger *logging.Logger) {
	for ev := range mem.Events() {
		logger.WithContext(context.Background()).WithField("event_type", string(ev.Type)).
			WithField("key", ev.Key).WithField("namespace", ev.Namespace).
			WithField("actor_id", ev.ActorID).WithField("reason_code", ev.ReasonCode).
			Debug("facade event")
	}
}
