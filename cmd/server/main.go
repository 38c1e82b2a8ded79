// Package main is the entry point for the hubbridge server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"hubbridge/internal/auth"
	"hubbridge/internal/bridge"
	"hubbridge/internal/cluster"
	"hubbridge/internal/config"
	"hubbridge/internal/controller"
	"hubbridge/internal/controller/handlers"
	"hubbridge/internal/jobs"
	"hubbridge/internal/logger"
	"hubbridge/internal/observability"
	"hubbridge/internal/portal"
	"hubbridge/internal/session"
)

const nodeRefreshInterval = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to config file (default: environment only)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLog := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing
	if cfg.OTELEndpoint != "" {
		shutdownTracer, err := observability.InitTracer(ctx, "hubbridge-server", cfg.OTELEndpoint)
		if err != nil {
			log.Fatalf("Failed to init tracing: %v", err)
		}
		defer func() {
			if err := shutdownTracer(context.Background()); err != nil {
				appLog.Warn("tracer shutdown failed", "error", err)
			}
		}()
	}

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		log.Fatalf("Failed to init metrics: %v", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			appLog.Warn("metrics shutdown failed", "error", err)
		}
	}()

	// Token verification. Local keys take precedence over portal /verify.
	var verifier *auth.Verifier
	if cfg.SSO.LocalVerify {
		keys, err := auth.LoadKeyset(cfg.SSO.KeyPath)
		if err != nil {
			log.Fatalf("Failed to load verification keys: %v", err)
		}
		verifier = auth.NewVerifier(keys, cfg.SSO.Issuers)
	}

	// A typed nil *portal.Client must not become a non-nil interface.
	var portalClient bridge.Portal
	if cfg.Portal.BaseURL != "" {
		portalClient = portal.New(cfg.Portal, appLog)
	}

	// Session cache: Redis when configured, in-process otherwise.
	var sessions session.Store
	var memSessions *session.MemoryStore
	if cfg.Session.RedisAddr != "" {
		rs, err := session.NewRedisStore(cfg.Session.RedisAddr, cfg.Session.RedisPassword, cfg.Session.RedisDB, cfg.Session.TTL)
		if err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		sessions = rs
	} else {
		memSessions = session.NewMemoryStore(cfg.Session.TTL)
		sessions = memSessions
	}
	defer sessions.Close()

	authBridge := bridge.New(verifier, portalClient, sessions, cfg.SSO, appLog)

	clientset, err := cluster.NewClientset()
	if err != nil {
		log.Fatalf("Failed to create kubernetes client: %v", err)
	}

	sched := cluster.NewScheduler(clientset, appLog)
	ctrl := jobs.NewController(clientset, sched, cfg.Jobs, appLog)

	// Body cap covers the script plus request envelope.
	maxBody := int64(cfg.Jobs.MaxScriptBytes) + 64<<10
	h := handlers.New(authBridge, ctrl, sched, appLog, maxBody)

	gauges := observability.Gauges{
		ActiveJobs: func() int64 { return int64(ctrl.ActiveCount()) },
		AvailableGPUs: func() int64 {
			var total int64
			for _, n := range sched.Snapshot() {
				if n.Schedulable {
					total += int64(n.GPUAvailable)
				}
			}
			return total
		},
	}
	if memSessions != nil {
		gauges.CachedSessions = func() int64 { return int64(memSessions.Len()) }
	}
	if err := observability.RegisterGauges(gauges); err != nil {
		appLog.Warn("gauge registration failed", "error", err)
	}

	// Both Run loops block until ctx is cancelled; the server owns the
	// foreground.
	go sched.Run(ctx, nodeRefreshInterval)
	go ctrl.Run(ctx)

	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	srv := controller.New(addr, authBridge, h, metricsHandler)

	appLog.Info("hubbridge server starting", "addr", addr, "namespace", cfg.Jobs.Namespace)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("Server stopped: %v", err)
	}
	appLog.Info("server exited properly")
}
