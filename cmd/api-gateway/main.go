package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	_ "github.com/noah-isme/sma-migrate-api/api/swagger"
	"github.com/noah-isme/sma-migrate-api/internal/backend"
	"github.com/noah-isme/sma-migrate-api/internal/handler"
	"github.com/noah-isme/sma-migrate-api/internal/middleware"
	"github.com/noah-isme/sma-migrate-api/internal/migration"
	"github.com/noah-isme/sma-migrate-api/internal/models"
	"github.com/noah-isme/sma-migrate-api/internal/repository"
	"github.com/noah-isme/sma-migrate-api/internal/service"
	"github.com/noah-isme/sma-migrate-api/pkg/cache"
	"github.com/noah-isme/sma-migrate-api/pkg/config"
	"github.com/noah-isme/sma-migrate-api/pkg/database"
	"github.com/noah-isme/sma-migrate-api/pkg/jobs"
	"github.com/noah-isme/sma-migrate-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/sma-migrate-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/sma-migrate-api/pkg/middleware/requestid"
	"github.com/noah-isme/sma-migrate-api/pkg/storage"
)

// @title SMA Migrate API
// @version 1.0.0
// @description Admin API for bulk-migrating school accounts into the learning platform
// @BasePath /api/v1
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

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

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer db.Close() //nolint:errcheck

	metricsService := service.NewMetricsService()

	// Staged uploads and live progress both live in redis, so it is required.
	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer redisClient.Close() //nolint:errcheck
	cacheRepo := repository.NewCacheRepository(redisClient, logr)
	cacheService := service.NewCacheService(cacheRepo, metricsService, time.Hour, logr, true)

	exportStore, err := storage.NewLocalStorage(cfg.Snapshots.StorageDir)
	if err != nil {
		logr.Fatal("failed to init snapshot storage", zap.Error(err))
	}
	signer := storage.NewSignedURLSigner(cfg.Snapshots.SignedURLSecret, cfg.Snapshots.SignedURLTTL)

	userRepo := repository.NewUserRepository(db)
	runRepo := repository.NewRunRepository(db)
	recordRepo := repository.NewRecordRepository(db)

	authService := service.NewAuthService(userRepo, nil, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             "sma-migrate-api",
		SingleSession:      false,
	})

	backendClient := backend.New(cfg.Backend, logr)
	engineFactory := func(onProgress migration.ProgressFunc) service.MigrationEngine {
		return migration.New(backendClient, cfg.Migration,
			migration.WithLogger(logr),
			migration.WithProgress(onProgress))
	}

	var migrationService *service.MigrationService
	queue := jobs.NewQueue("migration", func(ctx context.Context, job jobs.Job) error {
		return migrationService.Handle(ctx, job)
	}, jobs.QueueConfig{
		Workers:    cfg.Migration.WorkerConcurrency,
		MaxRetries: 1,
		Logger:     logr,
	})
	migrationService = service.NewMigrationService(
		runRepo, recordRepo, cacheService, exportStore, signer, queue,
		engineFactory, metricsService, logr,
		service.MigrationServiceConfig{},
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	queue.Start(ctx)
	defer queue.Stop()

	if err := seedBootstrapAdmin(ctx, cfg.Bootstrap, userRepo, logr); err != nil {
		logr.Fatal("failed to seed bootstrap admin", zap.Error(err))
	}

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.MaxMultipartMemory = cfg.Uploads.MaxFileSizeBytes
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsService))

	authHandler := handler.NewAuthHandler(authService)
	migrationHandler := handler.NewMigrationHandler(migrationService)
	metricsHandler := handler.NewMetricsHandler(metricsService)

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Health)
	r.GET("/metrics", metricsHandler.Prometheus)
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	auth.POST("/login", authHandler.Login)
	auth.POST("/refresh", authHandler.Refresh)

	authed := api.Group("")
	authed.Use(middleware.JWT(authService))
	authed.POST("/auth/logout", authHandler.Logout)
	authed.POST("/auth/change-password", authHandler.ChangePassword)
	authed.GET("/auth/me", authHandler.Me)

	viewers := middleware.RequireRoles(models.RoleSuperAdmin, models.RoleAdmin, models.RoleOperator)
	operators := middleware.RequireRoles(models.RoleSuperAdmin, models.RoleAdmin)

	migrations := authed.Group("/migrations")
	migrations.GET("", viewers, migrationHandler.List)
	migrations.GET("/:id", viewers, migrationHandler.Get)
	migrations.GET("/:id/progress", viewers, migrationHandler.Progress)
	migrations.POST("/upload", operators, migrationHandler.Upload)
	migrations.POST("", operators, migrationHandler.Start)
	migrations.POST("/:id/pause", operators, migrationHandler.Pause)
	migrations.POST("/:id/resume", operators, migrationHandler.Resume)
	migrations.POST("/:id/cancel", operators, migrationHandler.Cancel)
	migrations.POST("/:id/retry", operators, migrationHandler.Retry)
	migrations.POST("/:id/export", operators, migrationHandler.Export)

	// Signed token carries authorization for export downloads.
	api.GET("/exports/:token", migrationHandler.DownloadExport)

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{Addr: addr, Handler: r}

	go func() {
		logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logr.Error("graceful shutdown failed", zap.Error(err))
	}
}

// seedBootstrapAdmin ensures the configured panel admin exists. Runs with an
// empty users table on first deploy; a no-op afterwards.
func seedBootstrapAdmin(ctx context.Context, cfg config.BootstrapConfig, users *repository.UserRepository, logr *zap.Logger) error {
	if cfg.AdminEmail == "" || cfg.AdminPassword == "" {
		return nil
	}

	_, err := users.FindByEmail(ctx, cfg.AdminEmail)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.AdminPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	admin := &models.User{
		Email:        cfg.AdminEmail,
		PasswordHash: string(hash),
		FullName:     cfg.AdminName,
		Role:         models.RoleSuperAdmin,
		Active:       true,
	}
	if err := users.Create(ctx, admin); err != nil {
		return err
	}
	logr.Info("bootstrap admin created", zap.String("email", cfg.AdminEmail))
	return nil
}
