package cmd

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

	"rsvp-system/config"
	"rsvp-system/internal/handlers"
	"rsvp-system/internal/notify"
	"rsvp-system/internal/services"
	"rsvp-system/monitoring"
	"rsvp-system/security"
	"rsvp-system/utils"

	_ "rsvp-system/migrations"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/plugins/migratecmd"
	pubnub "github.com/pubnub/go"
	"github.com/redis/go-redis/v9"
)

func Start() error {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleShutdown(cancel)

	app := pocketbase.New()

	// Redis backs the rate limiter and, optionally, the store
	var redisClient *redis.Client
	if client, err := utils.NewRedisClient(ctx, cfg.RedisURL); err != nil {
		if cfg.StoreBackend == config.BackendRedis {
			return err
		}
		logger.Warn("Redis unavailable, rate limiting disabled", "error", err)
	} else {
		redisClient = client
		defer redisClient.Close()
	}

	// Realtime notifications
	var notifier services.Notifier
	if cfg.PubNubEnabled() {
		pnConfig := pubnub.NewConfig()
		pnConfig.PublishKey = cfg.PubNubPublishKey
		pnConfig.SubscribeKey = cfg.PubNubSubscribeKey
		pnConfig.SecretKey = cfg.PubNubSecretKey
		pnConfig.UUID = cfg.PubNubUserID

		notifier = notify.NewPubNubPublisher(pubnub.NewPubNub(pnConfig), logger)
	}

	monitor := monitoring.NewMonitor()

	// The engine is built once the app has bootstrapped so the PocketBase
	// backend has a database to work with.
	var (
		engineOnce sync.Once
		eng        *engine
		engineErr  error
	)
	getEngine := func() (*engine, error) {
		engineOnce.Do(func() {
			eng, engineErr = newEngine(ctx, engineDeps{
				cfg:      cfg,
				app:      app,
				redis:    redisClient,
				recorder: monitor,
				notifier: notifier,
				logger:   logger,
			})
		})
		return eng, engineErr
	}
	defer func() {
		if eng != nil {
			eng.close()
		}
	}()

	// Enable migrations
	migratecmd.MustRegister(app, app.RootCmd, migratecmd.Config{
		Automigrate: cfg.Environment == "development",
	})

	registerCommands(app, cfg, getEngine)

	app.OnServe().BindFunc(func(se *core.ServeEvent) error {
		eng, err := getEngine()
		if err != nil {
			return err
		}
		registerRoutes(se, cfg, eng, redisClient, logger)

		if cfg.EnableMetrics {
			startMetricsServer(ctx, cfg.MetricsPort, monitor, logger)
		}

		logger.Info("Server routes registered", "port", cfg.Port, "environment", cfg.Environment)
		return se.Next()
	})

	return app.Start()
}

func registerRoutes(se *core.ServeEvent, cfg *config.Config, eng *engine, redisClient *redis.Client, logger *slog.Logger) {
	sessionHandler := handlers.NewSessionHandler(eng.admission, eng.reporter)
	rsvpHandler := handlers.NewRSVPHandler(eng.admission)
	adminHandler := handlers.NewAdminHandler(eng.admission, eng.reporter)

	api := se.Router.Group("/api/v1")

	// Session endpoints
	api.GET("/events/{eventId}/sessions", sessionHandler.ListSessions)
	api.POST("/events/{eventId}/sessions", sessionHandler.CreateSession).Bind(apis.RequireSuperuserAuth())
	api.GET("/events/{eventId}/capacity", sessionHandler.LiveCapacity)
	api.GET("/sessions/{sessionId}", sessionHandler.GetSession)

	// RSVP endpoints
	rsvp := api.POST("/sessions/{sessionId}/rsvp", rsvpHandler.RSVP).BindFunc(security.BlockBots())
	cancel := api.POST("/sessions/{sessionId}/cancel", rsvpHandler.Cancel).BindFunc(security.BlockBots())
	if redisClient != nil {
		limiter := security.NewRateLimiter(redisClient, cfg.RateLimitPerMinute, logger)
		rsvp.BindFunc(limiter.Middleware("rsvp"))
		cancel.BindFunc(limiter.Middleware("cancel"))
	}
	api.GET("/sessions/{sessionId}/rsvp", rsvpHandler.MyRSVP)
	api.GET("/sessions/{sessionId}/attendees", rsvpHandler.Attendees)

	// Admin endpoints
	api.PATCH("/sessions/{sessionId}/capacity", adminHandler.UpdateCapacity).Bind(apis.RequireSuperuserAuth())
	api.POST("/sessions/{sessionId}/close", adminHandler.CloseSession).Bind(apis.RequireSuperuserAuth())
	api.POST("/sessions/{sessionId}/reopen", adminHandler.ReopenSession).Bind(apis.RequireSuperuserAuth())

	admin := api.Group("/admin")
	admin.Bind(apis.RequireSuperuserAuth())
	admin.POST("/sessions/{sessionId}/reconcile", adminHandler.Reconcile)
	admin.GET("/sessions/{sessionId}/audit", adminHandler.Audit)

	// Health check
	se.Router.GET("/health", func(e *core.RequestEvent) error {
		checks := map[string]string{"store": "ok"}
		healthy := true
		if err := eng.health(e.Request.Context()); err != nil {
			checks["store"] = err.Error()
			healthy = false
		}
		if redisClient != nil {
			checks["redis"] = "ok"
			if err := utils.RedisHealthCheck(e.Request.Context(), redisClient); err != nil {
				checks["redis"] = err.Error()
				healthy = false
			}
		}

		if !healthy {
			return e.JSON(http.StatusServiceUnavailable, map[string]any{"status": "unhealthy", "checks": checks})
		}
		return e.JSON(http.StatusOK, map[string]any{"status": "healthy", "checks": checks})
	})
}

func startMetricsServer(ctx context.Context, port string, monitor *monitoring.Monitor, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", monitor.Handler())
	server := &http.Server{Addr: ":" + port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("Metrics server listening", "port", port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Metrics server shutdown failed", "error", err)
		}
	}()
}

// handleShutdown cancels background work on SIGINT/SIGTERM.
func handleShutdown(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	slog.Info("Shutdown signal received, cleaning up...")
	cancel()
}
