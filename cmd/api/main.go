package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"

	httpAdapter "github.com/lorrc/event-gateway/internal/adapters/primary/http"
	mw "github.com/lorrc/event-gateway/internal/adapters/primary/http/middleware"
	"github.com/lorrc/event-gateway/internal/adapters/primary/websocket"
	"github.com/lorrc/event-gateway/internal/adapters/secondary/memory"
	"github.com/lorrc/event-gateway/internal/adapters/secondary/outbound"
	"github.com/lorrc/event-gateway/internal/adapters/secondary/postgres"
	"github.com/lorrc/event-gateway/internal/auth"
	"github.com/lorrc/event-gateway/internal/config"
	"github.com/lorrc/event-gateway/internal/core/bridge"
	"github.com/lorrc/event-gateway/internal/core/bus"
	"github.com/lorrc/event-gateway/internal/core/ports"
	"github.com/lorrc/event-gateway/internal/core/services"
	"github.com/lorrc/event-gateway/internal/infrastructure/logging"
	"github.com/lorrc/event-gateway/internal/infrastructure/telemetry"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Initialize Structured Logger
	logger := logging.NewLogger(logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      os.Stdout,
		ServiceName: cfg.App.Name,
		Environment: cfg.App.Environment,
	})

	logger.Info("starting service",
		"version", cfg.App.Version,
		"environment", cfg.App.Environment,
	)

	ctx := context.Background()

	// 3. Initialize Telemetry
	telemetryShutdown, err := telemetry.Setup(ctx, &telemetry.Config{
		ServiceName:    cfg.App.Name,
		ServiceVersion: cfg.App.Version,
		Environment:    cfg.App.Environment,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		ExportMetrics:  cfg.Telemetry.Enabled,
		MetricInterval: 30 * time.Second,
	})
	if err != nil {
		logger.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}

	metrics, err := telemetry.NewGatewayMetrics()
	if err != nil {
		logger.Error("failed to create metrics", "error", err)
		os.Exit(1)
	}
	mirror := telemetry.NewMirror(metrics, logger)

	// 4. Event Bus
	eventBus := bus.New(cfg.Bus.Capacity, logger)

	// 5. Webhook Registry (postgres when a database is configured,
	//    in-memory otherwise)
	var registry ports.WebhookRegistry
	var healthChecker httpAdapter.HealthChecker

	if cfg.Database.URL != "" {
		poolConfig, err := pgxpool.ParseConfig(cfg.Database.URL)
		if err != nil {
			logger.Error("failed to parse database URL", "error", err)
			os.Exit(1)
		}
		poolConfig.MaxConns = int32(cfg.Database.MaxOpenConns)
		poolConfig.MinConns = int32(cfg.Database.MinIdleConns)
		poolConfig.MaxConnLifetime = cfg.Database.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			logger.Error("database ping failed", "error", err)
			os.Exit(1)
		}
		logger.Info("database connection established")

		registry = postgres.NewWebhookRepository(pool)
		healthChecker = pool
	} else {
		logger.Info("no database configured, using in-memory webhook registry")
		registry = memory.NewWebhookRepository()
	}

	// 6. Outbound Delivery Components
	guard := outbound.NewGuard()
	sender := outbound.NewHTTPSender(cfg.Webhook.AttemptTimeout)
	clock := services.SystemClock{}

	dispatcher := services.NewDispatcher(
		registry,
		guard,
		sender,
		clock,
		outbound.Sign,
		mirror,
		services.DispatcherConfig{
			MaxAttempts:    cfg.Webhook.MaxAttempts,
			BackoffBase:    cfg.Webhook.BackoffBase,
			BackoffFactor:  cfg.Webhook.BackoffFactor,
			AttemptTimeout: cfg.Webhook.AttemptTimeout,
		},
		logger,
	)

	// 7. Core Services & Bridge
	webhookService := services.NewWebhookService(registry, guard, logger)
	eventBridge := bridge.New(eventBus, logger)
	notifications := make(chan ports.JobNotification, cfg.Bus.Capacity)

	tokenManager := auth.NewTokenManager(cfg.JWT.Secret, cfg.JWT.AccessTokenTTL)

	hub := websocket.NewHub(websocket.Options{
		MaxConnections: cfg.WebSocket.MaxConnections,
		SendQueueDepth: cfg.WebSocket.SendQueueDepth,
		PingInterval:   cfg.WebSocket.PingInterval,
		IdleTimeout:    cfg.WebSocket.IdleTimeout,
		Observer:       mirror,
	}, logger)

	// 8. Start Background Consumers
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	var consumers sync.WaitGroup

	dispatcherSub, err := eventBus.Subscribe()
	if err != nil {
		logger.Error("failed to subscribe dispatcher", "error", err)
		os.Exit(1)
	}
	consumers.Add(1)
	go func() {
		defer consumers.Done()
		dispatcher.Run(runCtx, dispatcherSub)
	}()

	mirrorSub, err := eventBus.Subscribe()
	if err != nil {
		logger.Error("failed to subscribe telemetry mirror", "error", err)
		os.Exit(1)
	}
	consumers.Add(1)
	go func() {
		defer consumers.Done()
		mirror.Run(runCtx, mirrorSub)
	}()

	consumers.Add(1)
	go func() {
		defer consumers.Done()
		eventBridge.Run(runCtx, notifications)
	}()

	consumers.Add(1)
	go func() {
		defer consumers.Done()
		eventBridge.RunStatusTicker(runCtx, cfg.Bus.StatusInterval)
	}()

	// 9. Rate Limiter
	var rateLimiter *mw.RateLimiter
	if cfg.RateLimit.Enabled {
		rateLimiter = mw.NewRateLimiter(mw.RateLimiterConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			BurstSize:         cfg.RateLimit.BurstSize,
			CleanupInterval:   time.Minute,
			TTL:               3 * time.Minute,
		})
	}

	// 10. Handlers (Primary Adapters)
	errorHandler := httpAdapter.NewErrorHandler(logger)
	webhookHandler := httpAdapter.NewWebhookHandler(webhookService, errorHandler, logger)
	wsHandler := httpAdapter.NewWebSocketHandler(hub, eventBus, eventBridge, cfg, logger)
	sseHandler := httpAdapter.NewSSEHandler(eventBus, cfg.WebSocket.KeepaliveInterval, logger)
	statsHandler := httpAdapter.NewStatsHandler(mirror, hub, eventBus)
	ingestHandler := httpAdapter.NewIngestHandler(notifications, eventBridge, errorHandler, logger)
	healthHandler := httpAdapter.NewHealthHandler(healthChecker, cfg.App.Version)

	// 11. Router
	r := chi.NewRouter()

	r.Use(mw.RequestID)
	r.Use(mw.RequestLogger(logger))
	r.Use(mw.RecoveryLogger(logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.WebSocket.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Last-Event-ID"},
		MaxAge:         300,
	}))

	// Health check endpoints (outside /api/v1 for standard probe paths)
	r.Get("/health", healthHandler.HandleHealth)
	r.Get("/health/live", healthHandler.HandleLiveness)
	r.Get("/health/ready", healthHandler.HandleReadiness)

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(mw.OptionalAuth(tokenManager))
			r.Get("/ws", wsHandler.ServeHTTP)
			r.Get("/events", sseHandler.ServeHTTP)
		})

		// The limiter covers only the registration API: streaming clients
		// reconnect in storms and health probes are frequent, so neither
		// should share the webhook budget.
		r.Route("/webhooks", func(r chi.Router) {
			if rateLimiter != nil {
				r.Use(rateLimiter.Middleware)
			}
			r.Post("/", webhookHandler.HandleCreate)
			r.Get("/", webhookHandler.HandleList)
			r.Get("/{id}", webhookHandler.HandleGet)
			r.Delete("/{id}", webhookHandler.HandleDelete)
			r.Get("/{id}/deliveries", webhookHandler.HandleListDeliveries)
		})

		r.Get("/stats", statsHandler.ServeHTTP)
	})

	r.Route("/internal/v1", func(r chi.Router) {
		r.Post("/jobs", ingestHandler.HandleJobNotification)
		r.Post("/content", ingestHandler.HandleContentUpdate)
	})

	// 12. Start Server with Graceful Shutdown
	srv := &http.Server{
		Addr:        cfg.Server.Port,
		Handler:     r,
		ReadTimeout: cfg.Server.ReadTimeout,
		// SSE and WebSocket responses are long-lived; the write timeout
		// must stay disabled or streams are cut mid-flight.
		WriteTimeout: 0,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Tell connected clients the server is restarting and close the bus
	// first: SSE streams only end when their subscription channel closes,
	// and srv.Shutdown waits for in-flight responses.
	if err := hub.Shutdown(shutdownCtx); err != nil {
		logger.Warn("websocket clients did not drain in time", "error", err)
	}
	eventBus.Close()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	cancelRun()
	consumers.Wait()

	if err := telemetryShutdown(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown error", "error", err)
	}

	logger.Info("server shutdown complete")
}
