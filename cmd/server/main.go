// Package main runs the CampusCash call server: calls API, WebSocket signaling gateway
// and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/campuscash/backend/config"
	"github.com/campuscash/backend/internal/auth"
	"github.com/campuscash/backend/internal/calls"
	"github.com/campuscash/backend/internal/middleware"
	"github.com/campuscash/backend/internal/models"
	"github.com/campuscash/backend/internal/realtime"
	"github.com/campuscash/backend/internal/signaling"
	"github.com/campuscash/backend/internal/worker"
	"github.com/campuscash/backend/pkg/database"
	"github.com/campuscash/backend/pkg/queue"
	"github.com/campuscash/backend/pkg/redis"
	"github.com/campuscash/backend/pkg/response"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), cfg.Database.MaxConns, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool, logger); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	relay := realtime.NewRedisPubSub(rdb.Client, logger)
	channel := signaling.NewChannel(relay, cfg.Calls.OfferTTL, logger)

	// Call log: inline writes, failed ones replayed by the worker
	callRepo := calls.NewRepository(pool)
	jobQueue := queue.NewQueue(rdb.Client, logger)
	recorder := calls.NewRecorder(callRepo, jobQueue, logger)
	callLogProcessor := worker.NewCallLogProcessor(callRepo, jobQueue, logger)

	opts := calls.Options{
		Enabled:       cfg.Calls.Enabled,
		SignalTimeout: cfg.Calls.SignalTimeout,
		LockTTL:       cfg.Calls.LockTTL,
	}
	callHandler := calls.NewHandler(callRepo, recorder, channel, calls.NewRedisPairLock(rdb.Client), opts, cfg.Calls.HistoryLimit, logger)
	hub := realtime.NewHub(logger, channel, callRepo, recorder, cfg.Calls.Enabled)

	tokenValidate := func(token string) (uuid.UUID, error) {
		claims, err := jwtService.Validate(token)
		if err != nil {
			return uuid.Nil, err
		}
		return claims.UserID, nil
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// Protected API (JWT required)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService), middleware.RequireRole(models.RoleAuthenticated, models.RoleAdmin))
	callHandler.Register(api)

	// WebSocket (token in query; no Authorization header required)
	router.GET("/ws", realtime.ServeWs(hub, logger, tokenValidate))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Background worker (call-log backlog)
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	go callLogProcessor.Run(workerCtx)
	logger.Info("call log worker started")

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port), zap.Bool("calls_enabled", cfg.Calls.Enabled))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	workerCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
