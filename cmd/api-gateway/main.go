package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/ItsYash1421/CloseUs-sub000/api/swagger"
	"github.com/ItsYash1421/CloseUs-sub000/internal/handler"
	"github.com/ItsYash1421/CloseUs-sub000/internal/middleware"
	"github.com/ItsYash1421/CloseUs-sub000/internal/repository"
	"github.com/ItsYash1421/CloseUs-sub000/internal/service"
	"github.com/ItsYash1421/CloseUs-sub000/pkg/cache"
	"github.com/ItsYash1421/CloseUs-sub000/pkg/config"
	"github.com/ItsYash1421/CloseUs-sub000/pkg/database"
	"github.com/ItsYash1421/CloseUs-sub000/pkg/jobs"
	"github.com/ItsYash1421/CloseUs-sub000/pkg/logger"
	corsmiddleware "github.com/ItsYash1421/CloseUs-sub000/pkg/middleware/cors"
	reqidmiddleware "github.com/ItsYash1421/CloseUs-sub000/pkg/middleware/requestid"
	"github.com/ItsYash1421/CloseUs-sub000/pkg/storage"
)

const jobTypePairingSweep = "pairing_sweep"

// @title CloseUs API
// @version 1.0.0
// @description Pairing and session backend for the CloseUs couples app
// @BasePath /api/v1
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	cacheEnabled := err == nil
	if err != nil {
		logr.Warn("redis unavailable, status caching disabled", zap.Error(err))
	} else {
		defer redisClient.Close()
	}

	validate := validator.New()

	userRepo := repository.NewUserRepository(db)
	coupleRepo := repository.NewCoupleRepository(db)
	exportRepo := repository.NewExportRepository(db)

	metricsSvc := service.NewMetricsService()

	var cacheSvc *service.CacheService
	if cacheEnabled {
		cacheRepo := repository.NewCacheRepository(redisClient, logr)
		cacheSvc = service.NewCacheService(cacheRepo, metricsSvc, cfg.Pairing.StatusCacheTTL, logr, true)
	}

	authSvc := service.NewAuthService(userRepo, validate, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             cfg.JWT.Issuer,
	})
	pairingSvc := service.NewPairingService(coupleRepo, userRepo, cacheSvc, metricsSvc, nil, logr, service.PairingConfig{
		KeyLength:      cfg.Pairing.KeyLength,
		KeyTTL:         cfg.Pairing.KeyTTL,
		MaxKeyAttempts: cfg.Pairing.MaxKeyAttempts,
		StatusCacheTTL: cfg.Pairing.StatusCacheTTL,
	})
	userSvc := service.NewUserService(userRepo, validate, logr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var exportSvc *service.ExportService
	var queue *jobs.Queue
	if cfg.Exports.Enabled {
		files, err := storage.NewLocalStorage(cfg.Exports.StorageDir)
		if err != nil {
			logr.Fatal("failed to init export storage", zap.Error(err))
		}
		signer := storage.NewSignedURLSigner(cfg.Exports.SignedURLSecret, cfg.Exports.SignedURLTTL)

		dispatch := func(ctx context.Context, job jobs.Job) error {
			if job.Type == jobTypePairingSweep {
				_, err := pairingSvc.SweepExpiredKeys(ctx)
				return err
			}
			return exportSvc.Process(ctx, job)
		}
		queue = jobs.NewQueue("exports", dispatch, jobs.QueueConfig{
			Workers:    cfg.Exports.WorkerConcurrency,
			MaxRetries: cfg.Exports.WorkerRetries,
			Logger:     logr,
		})
		exportSvc = service.NewExportService(exportRepo, coupleRepo, queue, files, signer, validate, logr, service.ExportServiceConfig{
			ResultTTL:   cfg.Exports.SignedURLTTL,
			DownloadURL: cfg.APIPrefix + "/exports/download",
		})

		queue.Start(ctx)
		defer queue.Stop()

		go runInterval(ctx, cfg.Exports.CleanupInterval, func() {
			if err := exportSvc.Cleanup(ctx); err != nil {
				logr.Warn("export cleanup failed", zap.Error(err))
			}
		})
	}

	go runInterval(ctx, cfg.Pairing.SweepInterval, func() {
		if queue != nil {
			if err := queue.Enqueue(jobs.Job{ID: jobTypePairingSweep, Type: jobTypePairingSweep}); err != nil {
				logr.Warn("failed to enqueue pairing sweep", zap.Error(err))
			}
			return
		}
		if _, err := pairingSvc.SweepExpiredKeys(ctx); err != nil {
			logr.Warn("pairing sweep failed", zap.Error(err))
		}
	})

	authHandler := handler.NewAuthHandler(authSvc)
	pairingHandler := handler.NewPairingHandler(pairingSvc)
	userHandler := handler.NewUserHandler(userSvc)
	var probeCache *redis.Client
	if cacheEnabled {
		probeCache = redisClient
	}
	metricsHandler := handler.NewMetricsHandler(metricsSvc, db, probeCache)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(middleware.Metrics(metricsSvc))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	auth.POST("/register", authHandler.Register)
	auth.POST("/login", authHandler.Login)
	auth.POST("/refresh", authHandler.Refresh)

	authRequired := middleware.JWT(authSvc)
	auth.POST("/logout", authRequired, authHandler.Logout)
	auth.GET("/me", authRequired, authHandler.Me)

	pairing := api.Group("/pairing", authRequired)
	pairing.POST("/key", pairingHandler.CreateKey)
	pairing.POST("/redeem", pairingHandler.Redeem)
	pairing.GET("/status", pairingHandler.Status)

	users := api.Group("/users", authRequired)
	users.GET("/me", userHandler.GetProfile)
	users.PATCH("/me", userHandler.UpdateProfile)

	if exportSvc != nil {
		exportHandler := handler.NewExportHandler(exportSvc)
		exports := api.Group("/exports")
		exports.GET("/download", exportHandler.Download)
		exports.POST("", authRequired, exportHandler.Create)
		exports.GET("/:id", authRequired, exportHandler.Status)
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("graceful shutdown failed", zap.Error(err))
	}
}

// runInterval invokes fn on a fixed ticker until ctx is cancelled.
func runInterval(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
