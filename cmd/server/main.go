package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentrelay/gateway/internal/api"
	"github.com/agentrelay/gateway/internal/apperr"
	"github.com/agentrelay/gateway/internal/auth"
	"github.com/agentrelay/gateway/internal/authz"
	"github.com/agentrelay/gateway/internal/cache"
	"github.com/agentrelay/gateway/internal/cursor"
	"github.com/agentrelay/gateway/internal/eventlog"
	"github.com/agentrelay/gateway/internal/heartbeat"
	"github.com/agentrelay/gateway/internal/hub"
	"github.com/agentrelay/gateway/internal/ingest"
	"github.com/agentrelay/gateway/internal/logger"
	"github.com/agentrelay/gateway/internal/maintenance"
	"github.com/agentrelay/gateway/internal/middleware"
	"github.com/agentrelay/gateway/internal/reservation"
)

func main() {
	logger.Initialize(getEnv("LOG_LEVEL", "info"), getEnv("LOG_PRETTY", "false") == "true")
	log.Println("starting agentrelay gateway...")

	port := getEnv("GATEWAY_PORT", "8080")

	eventLogDB, err := eventlog.Connect(eventlog.Config{
		Host:     getEnv("DB_HOST", "localhost"),
		Port:     getEnv("DB_PORT", "5432"),
		User:     getEnv("DB_USER", "gateway"),
		Password: getEnv("DB_PASSWORD", "gateway"),
		DBName:   getEnv("DB_NAME", "gateway"),
		SSLMode:  getEnv("DB_SSL_MODE", "disable"),
	})
	if err != nil {
		log.Fatalf("failed to connect to event log database: %v", err)
	}
	defer eventLogDB.Close()

	if err := eventlog.Migrate(eventLogDB); err != nil {
		log.Fatalf("failed to migrate event log schema: %v", err)
	}

	eventLogEnabled := getEnv("WS_EVENT_LOG_ENABLED", "true") == "true"
	store := eventlog.NewStore(eventLogDB, eventLogEnabled)

	redisCache, err := cache.NewCache(cache.Config{
		Host:    getEnv("REDIS_HOST", "localhost"),
		Port:    getEnv("REDIS_PORT", "6379"),
		DB:      getEnvInt("REDIS_DB", 0),
		Enabled: getEnv("REDIS_ENABLED", "true") == "true",
	})
	if err != nil {
		log.Fatalf("failed to initialize redis cache: %v", err)
	}
	defer redisCache.Close()

	resolver := authz.NewSQLAgentAccessResolver(eventLogDB)
	gen := cursor.NewGenerator(func() int64 { return time.Now().UnixMilli() })

	h := hub.New(hub.DefaultConfig(), gen, store, resolver)

	hb := heartbeat.New(h, heartbeat.DefaultConfig())
	hb.Start()
	defer hb.Stop()

	cleanupCfg := eventlog.DefaultCleanupConfig()
	cleanupCfg.RetentionHours = getEnvInt("WS_EVENT_LOG_RETENTION_HOURS", cleanupCfg.RetentionHours)
	cleanupCfg.MaxRows = getEnvInt("WS_EVENT_LOG_MAX_ROWS", cleanupCfg.MaxRows)
	cleanupCfg.MaxDeletePerRun = getEnvInt("WS_EVENT_LOG_MAX_DELETE_PER_RUN", cleanupCfg.MaxDeletePerRun)
	cleanupCfg.BatchSize = getEnvInt("WS_EVENT_LOG_DELETE_BATCH_SIZE", cleanupCfg.BatchSize)
	cleanupJob := eventlog.NewCleanupJob(store, eventLogDB, redisCache, cleanupCfg)
	if err := cleanupJob.Start(); err != nil {
		log.Fatalf("failed to start event log cleanup job: %v", err)
	}
	defer cleanupJob.Stop()

	maintCoordinator := maintenance.New(h)

	reservationEngine := reservation.New(h)
	sweepJob := reservation.NewSweepJob(reservationEngine, redisCache)
	if err := sweepJob.Start(); err != nil {
		log.Fatalf("failed to start reservation sweep job: %v", err)
	}
	defer sweepJob.Stop()

	bridge, err := ingest.NewBridge(ingest.Config{
		URL:      getEnv("NATS_URL", ""),
		User:     getEnv("NATS_USER", ""),
		Password: getEnv("NATS_PASSWORD", ""),
	}, h)
	if err != nil {
		log.Fatalf("failed to initialize ingest bridge: %v", err)
	}
	bridgeCtx, bridgeCancel := context.WithCancel(context.Background())
	if bridge.IsEnabled() {
		go func() {
			if err := bridge.Start(bridgeCtx); err != nil {
				logger.Ingest().Error().Err(err).Msg("ingest bridge stopped")
			}
		}()
	}
	defer func() {
		bridgeCancel()
		bridge.Close()
	}()

	jwtManager := auth.NewManager(auth.Config{
		SecretKey:     getEnv("JWT_SECRET", ""),
		Issuer:        getEnv("JWT_ISSUER", "agentrelay-gateway"),
		TokenDuration: 24 * time.Hour,
	})

	router := buildRouter(h, jwtManager, reservationEngine, maintCoordinator)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", port),
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.Printf("gateway listening on port %s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start http server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("received shutdown signal: %v", sig)

	maintCoordinator.StartDraining(context.Background(), "server shutting down", 15)

	shutdownTimeout := 30 * time.Second
	if v := os.Getenv("SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			shutdownTimeout = d
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("http server forced to shutdown: %v", err)
	}
	h.CloseAllConnections(1001, "server shutting down")
	log.Println("gateway stopped")
}

func buildRouter(h *hub.Hub, jwtManager *auth.Manager, reservationEngine *reservation.Engine, maintCoordinator *maintenance.Coordinator) *gin.Engine {
	if getEnv("GIN_MODE", "release") == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(apperr.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.StructuredLoggerWithConfigFunc(middleware.DefaultStructuredLoggerConfig()))
	router.Use(middleware.SecurityHeaders())
	router.Use(apperr.ErrorHandler())

	ipLimiter := middleware.NewRateLimiter(getEnvFloat("RATE_LIMIT_RPS", 20), getEnvInt("RATE_LIMIT_BURST", 40))
	router.Use(ipLimiter.Middleware())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "maintenance": maintCoordinator.State()})
	})

	wsHandler := api.NewWSHandler(h)
	router.GET("/ws", ipLimiter.StrictMiddleware(getEnvInt("RATE_LIMIT_WS_PER_MINUTE", 60)), auth.RequireAuth(jwtManager), wsHandler.Handle)

	authorized := router.Group("/api/v1")
	authorized.Use(auth.RequireAuth(jwtManager))
	acquireLimiter := middleware.NewEndpointRateLimiter(getEnvInt("RATE_LIMIT_ACQUIRE_PER_HOUR", 600), getEnvInt("RATE_LIMIT_ACQUIRE_BURST", 20))
	reservationHandlers := api.NewReservationHandlers(reservationEngine, acquireLimiter)
	reservationHandlers.Register(authorized)

	return router
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
