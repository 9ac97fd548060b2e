// Command synapse runs the performance-governance loop around a demo product
// search service.
//
// Every search request is dispatched to one variant of the "search" operation
// and measured. In the background the evolution controller watches the p95
// latency of each variant and, when the best one is still above the target,
// asks a generation backend for a faster implementation, compiles it with an
// embedded Go interpreter and registers it as "<base>_GEN_<n>".
//
// The service exposes an HTTP API (see cmd/synapse/router) on :8080 and a gRPC
// health service on :9090 by default.
//
// Usage:
//
//	synapse \
//	  -performance-threshold=50 \
//	  -min-sample-size=100 \
//	  -generator=genai \
//	  -source-root=./cmd/synapse/catalog
//
// Environment variables:
//
//	CONFIG_FILE                 - YAML configuration file
//	LISTEN                      - HTTP listen address (default: :8080)
//	GRPC_LISTEN                 - gRPC health listen address (default: :9090)
//	PERFORMANCE_THRESHOLD       - p95 target in milliseconds (default: 100)
//	MIN_SAMPLE_SIZE             - Samples required per variant (default: 100)
//	OPTIMIZATION_INTERVAL_HOURS - Cooldown between generations (default: 24)
//	FORCE_GENERATION            - Generate even when under the target
//	AUTO_EVOLUTION              - Run the background loop (default: true)
//	CACHE_DIRECTORY             - Generated variant cache
//	AUDIT_DIRECTORY             - Audit trail location
//	AUDIT_BACKEND               - file or sqlite (default: file)
//	COOLDOWN_STORAGE            - memory or redis (default: memory)
//	GENERATOR                   - genai, http or none (default: none)
//	GENERATOR_*                 - Generator backend settings (GENERATOR_API_KEY, ...)
//	LOG_LEVEL                   - Logging level: debug, info, warn, error (default: info)
//	LOG_FORMAT                  - Logging format: text, json (default: text)
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/HatiCode/synapse/cmd/synapse/catalog"
	"github.com/HatiCode/synapse/cmd/synapse/config"
	"github.com/HatiCode/synapse/cmd/synapse/logger"
	"github.com/HatiCode/synapse/cmd/synapse/metrics"
	"github.com/HatiCode/synapse/cmd/synapse/router"
	"github.com/HatiCode/synapse/pkg/audit"
	"github.com/HatiCode/synapse/pkg/build"
	"github.com/HatiCode/synapse/pkg/cache"
	"github.com/HatiCode/synapse/pkg/evolution"
	"github.com/HatiCode/synapse/pkg/generation"
	"github.com/HatiCode/synapse/pkg/httpx"
	"github.com/HatiCode/synapse/pkg/registry"
	"github.com/HatiCode/synapse/pkg/source"
	"github.com/HatiCode/synapse/pkg/storage"
	"github.com/HatiCode/synapse/pkg/telemetry"
)

// version is set via ldflags at build time
var version = "dev"

func main() {
	cfg := config.ParseFlags()

	log := logger.New(cfg)
	slog.SetDefault(log)

	log.Info("starting synapse",
		"version", version,
		"listen", cfg.Listen,
		"generator", cfg.Generator.Kind,
		"threshold_ms", cfg.PerformanceThreshold,
		"cooldown_storage", cfg.CooldownStorage,
		"audit_backend", cfg.AuditBackend,
	)

	if err := run(cfg, log); err != nil {
		log.Error("synapse failed", "error", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	agg := telemetry.NewAggregatorWithWindow(cfg.WindowSize)
	reg := registry.New()
	cat := catalog.New()
	if err := cat.Register(reg); err != nil {
		return err
	}

	variantCache, err := cache.New(cfg.CacheDirectory, log)
	if err != nil {
		return err
	}

	auditLog, closeAudit, err := newAuditLog(cfg)
	if err != nil {
		return err
	}
	defer closeAudit()

	cooldowns, closeCooldowns, err := newCooldownStore(cfg)
	if err != nil {
		return err
	}
	defer closeCooldowns()

	gen, err := generation.New(ctx, cfg.Generator.Kind, cfg.Generator.Config)
	if err != nil {
		return err
	}
	if h, ok := gen.(*generation.HTTP); ok {
		h.HTTPClient = httpx.NewClient(cfg.GenerationTimeout)
	}
	if gen == nil {
		log.Warn("no generator configured, slow operations will only be reported")
	}

	var provider source.Provider
	if cfg.SourceRoot != "" {
		symbols := cfg.SourceSymbols
		if symbols == nil {
			symbols = map[string]string{catalog.Operation: "Catalog.Search"}
		}
		provider = source.NewTreeSitter(cfg.SourceRoot, symbols, log)
	}

	opts := evolution.Options{
		PerformanceThreshold: cfg.PerformanceThreshold,
		MinSampleSize:        cfg.MinSampleSize,
		OptimizationInterval: cfg.OptimizationInterval(),
		ForceGeneration:      cfg.ForceGeneration,
		AutoEvolution:        cfg.AutoEvolution,
		Interval:             cfg.Interval,
		GenerationTimeout:    cfg.GenerationTimeout,
	}
	controller, err := evolution.New(opts, evolution.Deps{
		Snapshots: agg,
		Registry:  reg,
		Cache:     variantCache,
		Cooldowns: cooldowns,
		Generator: gen,
		Builder:   build.NewYaegi(),
		Source:    provider,
		Audit:     auditLog,
		Recorder:  m,
		Logger:    log,
	})
	if err != nil {
		return err
	}

	if n := controller.Startup(ctx); n > 0 {
		log.Info("restored cached variants", "count", n)
	}

	mux := router.SetupRoutes(router.Deps{
		Registry:   reg,
		Aggregator: agg,
		Selector:   evolution.NewSelector(agg, reg, cfg.MinSampleSize),
		Evolver:    controller,
		Catalog:    cat,
		Cache:      variantCache,
		Audit:      auditLog,
		Gatherer:   promReg,
		Logger:     log,
	})
	httpServer := httpx.NewServer(cfg.Listen, httpx.Chain(mux,
		httpx.RecoveryMiddleware(log),
		httpx.LoggingMiddleware(log),
	), log)

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	var grpcLis net.Listener
	if cfg.GRPCListen != "" {
		if grpcLis, err = net.Listen("tcp", cfg.GRPCListen); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := controller.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	g.Go(httpServer.Start)

	if grpcLis != nil {
		g.Go(func() error {
			log.Info("grpc health server listening", "address", grpcLis.Addr().String())
			if err := grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		healthServer.Shutdown()
		grpcServer.GracefulStop()
		return httpServer.Stop(10 * time.Second)
	})

	return g.Wait()
}

func newAuditLog(cfg *config.Config) (audit.Log, func(), error) {
	if cfg.AuditBackend == "sqlite" {
		if err := os.MkdirAll(cfg.AuditDirectory, 0o755); err != nil {
			return nil, nil, err
		}
		l, err := audit.NewSQLiteLog(cfg.SQLitePath())
		if err != nil {
			return nil, nil, err
		}
		return l, func() {
			if err := l.Close(); err != nil {
				slog.Error("failed to close audit log", "error", err)
			}
		}, nil
	}

	l, err := audit.NewFileLog(cfg.AuditDirectory)
	if err != nil {
		return nil, nil, err
	}
	return l, func() {}, nil
}

func newCooldownStore(cfg *config.Config) (storage.CooldownStore, func(), error) {
	if cfg.CooldownStorage != "redis" {
		return storage.NewMemoryStore(), func() {}, nil
	}

	s, err := storage.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.TTL)
	if err != nil {
		return nil, nil, err
	}
	return s, func() {
		if err := s.Close(); err != nil {
			slog.Error("failed to close cooldown store", "error", err)
		}
	}, nil
}
