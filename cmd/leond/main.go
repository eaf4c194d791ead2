// Package main is the Leon daemon: one process runs the thread store,
// run supervisor, resource resolver, queue router, memory manager, and
// the HTTP/WebSocket surface on shared infrastructure.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	// Common packages
	"github.com/getleon/leon/internal/common/config"
	"github.com/getleon/leon/internal/common/logger"

	// Event bus
	"github.com/getleon/leon/internal/events/bus"

	// WebSocket gateway
	gateways "github.com/getleon/leon/internal/gateway/websocket"

	// Runtime packages
	"github.com/getleon/leon/internal/checkpoint"
	"github.com/getleon/leon/internal/db"
	"github.com/getleon/leon/internal/memory"
	"github.com/getleon/leon/internal/queue"
	"github.com/getleon/leon/internal/resolver"
	"github.com/getleon/leon/internal/run"
	"github.com/getleon/leon/internal/server"
	"github.com/getleon/leon/internal/thread"

	// Sandbox providers
	"github.com/getleon/leon/internal/sandbox"
	"github.com/getleon/leon/internal/sandbox/dockerbox"
	"github.com/getleon/leon/internal/sandbox/localbox"

	// Terminal leases and command hooks
	"github.com/getleon/leon/internal/terminal"
	"github.com/getleon/leon/internal/terminal/hooks"

	// Tracing
	"github.com/getleon/leon/internal/tracing"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.EnsureHome(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create home directory: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Leon daemon...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize event bus (in-memory by default, NATS if configured)
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsEventBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsEventBus
		defer natsEventBus.Close()
		log.Info("Connected to NATS event bus")
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}

	// 5. Register sandbox providers (local always, Docker when reachable)
	providers := sandbox.NewRegistry()

	local, err := localbox.New(localbox.Config{}, log)
	if err != nil {
		log.Fatal("Failed to initialize local sandbox provider", zap.Error(err))
	}
	defer local.Close()
	providers.Register(local)

	if cfg.Docker.Enabled {
		docker, err := dockerbox.New(dockerbox.Config{
			Host:        cfg.Docker.Host,
			APIVersion:  cfg.Docker.APIVersion,
			Image:       cfg.Docker.DefaultImage,
			NetworkMode: cfg.Docker.DefaultNetwork,
		}, log)
		if err != nil {
			log.Warn("Failed to initialize Docker provider - docker threads will be unavailable", zap.Error(err))
		} else if err := docker.Ping(ctx); err != nil {
			log.Warn("Docker daemon not available - docker threads will be unavailable", zap.Error(err))
			_ = docker.Close()
		} else {
			defer docker.Close()
			providers.Register(docker)
			log.Info("Connected to Docker daemon")
		}
	}

	// ============================================
	// STORAGE
	// ============================================
	pool, err := db.Open(cfg.DBPath())
	if err != nil {
		log.Fatal("Failed to open database", zap.String("path", cfg.DBPath()), zap.Error(err))
	}
	defer pool.Close()

	threads, err := thread.NewStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize thread store", zap.Error(err))
	}
	runs, err := run.NewStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize run store", zap.Error(err))
	}
	elog, err := run.NewEventLog(pool)
	if err != nil {
		log.Fatal("Failed to initialize event log", zap.Error(err))
	}
	checkpoints, err := checkpoint.NewSQLiteStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize checkpoint store", zap.Error(err))
	}
	summaries, err := memory.NewSummaryStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize summary store", zap.Error(err))
	}
	queues, err := queue.NewStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize queue store", zap.Error(err))
	}
	sessions, err := resolver.NewSessionStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize session store", zap.Error(err))
	}
	leases, err := resolver.NewLeaseStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize lease store", zap.Error(err))
	}
	terminals, err := terminal.NewStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize terminal store", zap.Error(err))
	}

	// ============================================
	// RUNTIME SERVICES
	// ============================================
	policy, err := hooks.LoadPolicy(cfg.PolicyPath())
	if err != nil {
		log.Fatal("Failed to load hook policy", zap.String("path", cfg.PolicyPath()), zap.Error(err))
	}

	rcfg := resolver.DefaultReconcilerConfig()
	rcfg.Interval = cfg.Resolver.ReconcileInterval()
	rcfg.OrphanInterval = cfg.Resolver.OrphanScanInterval()
	rec := resolver.NewReconciler(sessions, leases, providers, eventBus, log, rcfg)
	if err := rec.Start(ctx); err != nil {
		log.Fatal("Failed to start reconciler", zap.Error(err))
	}

	models := &devModelProvider{name: cfg.Agent.DefaultModel}

	sup := run.NewSupervisor(runs, elog, checkpoints, models, eventBus, log, run.Options{
		RingCapacity:   cfg.Supervisor.RingCapacity,
		CancelGrace:    cfg.Supervisor.CancelGrace(),
		Retention:      cfg.Supervisor.EventRetention(),
		MaxToolWorkers: cfg.Agent.MaxToolWorkers,
	})
	if err := sup.RecoverStale(ctx); err != nil {
		log.Fatal("Failed to finalize stale runs", zap.Error(err))
	}

	res := resolver.NewResolver(threads, sessions, terminals, leases, providers, rec, policy, log, resolver.Config{
		ConvergeTimeout: cfg.Resolver.ConvergeTimeout(),
		DefaultPolicy: resolver.SessionPolicy{
			IdleTTLSeconds: cfg.Resolver.SessionIdleTTLSeconds,
			MaxWallSeconds: cfg.Resolver.SessionMaxWallSeconds,
			MaxCostUSD:     cfg.Resolver.SessionMaxCostUSD,
		},
	})
	sup.SetRunnerResolver(res)

	mem := memory.NewManager(memory.Config{Threshold: cfg.Memory.ContextThreshold}, summaries, checkpoints, models, log)
	sup.SetContextPreparer(mem)

	router := queue.NewRouter(queues, sup, eventBus, log, queue.Options{})
	sup.SetDrainHook(router.Drain)
	sup.SetTaskNotifier(router)

	svc := thread.NewService(threads, sup, res, router, runs, elog, checkpoints, summaries, mem, providers, eventBus, log)

	// ============================================
	// WEBSOCKET GATEWAY
	// ============================================
	gateway := gateways.NewGateway(ctx, eventBus, log)
	go gateway.Hub.Run(ctx)

	// ============================================
	// HTTP SERVER
	// ============================================
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := server.New(server.Deps{
		Threads:    svc,
		Supervisor: sup,
		Router:     router,
		Resolver:   res,
		Gateway:    gateway,
	}, log)

	// No WriteTimeout: run event streams stay open until the client
	// disconnects or the run ends.
	httpServer := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     srv.Handler(),
		ReadTimeout: cfg.Server.ReadTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("http", "/api/v1"),
		zap.String("websocket", "/ws"),
		zap.String("health", "/health"),
	)

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Leon...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := sup.Shutdown(shutdownCtx); err != nil {
		log.Error("Supervisor shutdown error", zap.Error(err))
	}

	if err := rec.Stop(); err != nil {
		log.Error("Reconciler stop error", zap.Error(err))
	}

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Leon stopped")
}
