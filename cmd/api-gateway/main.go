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

	_ "github.com/noah-isme/lesson-sync-api/api/swagger"
	"github.com/noah-isme/lesson-sync-api/internal/handler"
	"github.com/noah-isme/lesson-sync-api/internal/middleware"
	"github.com/noah-isme/lesson-sync-api/internal/models"
	"github.com/noah-isme/lesson-sync-api/internal/repository"
	"github.com/noah-isme/lesson-sync-api/internal/service"
	"github.com/noah-isme/lesson-sync-api/pkg/cache"
	"github.com/noah-isme/lesson-sync-api/pkg/config"
	"github.com/noah-isme/lesson-sync-api/pkg/database"
	"github.com/noah-isme/lesson-sync-api/pkg/events"
	"github.com/noah-isme/lesson-sync-api/pkg/jobs"
	"github.com/noah-isme/lesson-sync-api/pkg/lock"
	"github.com/noah-isme/lesson-sync-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/lesson-sync-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/lesson-sync-api/pkg/middleware/requestid"
)

// @title Lesson Sync API
// @version 1.0.0
// @description Teacher/student scheduling with relationship consistency, cascade deletion and background jobs
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(ctx, cfg.Redis)
	if err != nil {
		logr.Sugar().Warnw("redis unavailable, using in-process fallbacks", "error", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	metrics := service.NewMetricsService()
	validate := validator.New()

	teacherRepo := repository.NewTeacherRepository(db)
	studentRepo := repository.NewStudentRepository(db)
	cascadeRepo := repository.NewCascadeRepository(db)
	impactRepo := repository.NewImpactRepository(db)
	auditRepo := repository.NewDeletionAuditRepository(db)
	jobStatusRepo := repository.NewJobStatusRepository(redisClient, cfg.Jobs.StatusTTL)
	cacheRepo := repository.NewCacheRepository(redisClient, "lesson-sync:", logr)

	cacheSvc := service.NewCacheService(cacheRepo, metrics, cfg.Booking.WeeklyViewCacheTTL, logr)
	mirrorSvc := service.NewMirrorService(teacherRepo, studentRepo, metrics, cfg.Booking.MaxWriteAttempts, logr)
	bookingSvc := service.NewBookingService(teacherRepo, studentRepo, mirrorSvc, cacheSvc, metrics, validate, cfg.Booking.MaxWriteAttempts, logr)
	consistencySvc := service.NewConsistencyService(teacherRepo, studentRepo, cacheSvc, metrics, service.ConsistencyConfig{
		BatchSize:       cfg.Consistency.BatchSize,
		DefaultDuration: cfg.Consistency.DefaultDuration,
		ExampleLimit:    cfg.Consistency.ExampleLimit,
		WriteAttempts:   cfg.Booking.MaxWriteAttempts,
		Authority: models.Authority{
			Relationship: models.Side(cfg.Consistency.RelationshipAuthority),
			Schedule:     models.Side(cfg.Consistency.ScheduleAuthority),
		},
	}, logr)
	cascadeSvc := service.NewCascadeService(teacherRepo, studentRepo, cascadeRepo, impactRepo, auditRepo, cacheSvc, metrics, validate, service.CascadeConfig{
		MaxAttempts: cfg.Cascade.MaxAttempts,
		BaseBackoff: cfg.Cascade.BaseBackoff,
		MaxBackoff:  cfg.Cascade.MaxBackoff,
		TxTimeout:   cfg.Cascade.TxTimeout,
	}, logr)

	bus := events.NewBus(cfg.Jobs.EventBuffer, logr)
	var locker lock.Locker = lock.NewLocalLock()
	if redisClient != nil {
		bus.AddForwarder(events.NewRedisForwarder(redisClient, cfg.Jobs.EventsChannel))
		locker = lock.NewRedisLock(redisClient)
	}

	jobSvc := service.NewJobService(cascadeSvc, consistencySvc, jobStatusRepo, teacherRepo, studentRepo, bus, locker, metrics, validate,
		service.JobServiceConfig{
			ReconcileInterval:     cfg.Consistency.ReconcileInterval,
			OrphanCleanupInterval: cfg.Consistency.OrphanCleanupInterval,
			LockTTL:               cfg.Jobs.LockTTL,
		},
		jobs.QueueConfig{
			Workers:       cfg.Jobs.Workers,
			MaxRetries:    cfg.Jobs.MaxRetries,
			RetryDelay:    cfg.Jobs.RetryDelay,
			MaxRetryDelay: cfg.Jobs.MaxRetryDelay,
			Breaker:       jobs.NewBreaker(cfg.Jobs.BreakerThreshold, cfg.Jobs.BreakerCooldown),
		}, logr)
	if err := jobSvc.Start(ctx); err != nil {
		logr.Sugar().Errorw("failed to recover pending deletions", "error", err)
	}
	jobSvc.StartSchedules(ctx)

	authSvc := service.NewAuthService(logr, service.AuthConfig{AccessTokenSecret: cfg.JWT.Secret, Issuer: cfg.JWT.Issuer})

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metrics))

	health := handler.NewHealthHandler(metrics.Handler(), readinessChecks(db.PingContext, redisClient))
	r.GET("/health", health.Health)
	r.GET("/ready", health.Ready)
	r.GET("/metrics", health.Prometheus)
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	registerRoutes(r.Group(cfg.APIPrefix, middleware.JWT(authSvc)),
		handler.NewBookingHandler(bookingSvc),
		handler.NewConsistencyHandler(consistencySvc),
		handler.NewCascadeHandler(cascadeSvc),
		handler.NewJobHandler(jobSvc, 0),
	)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logr.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logr.Error("server stopped unexpectedly", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("server shutdown failed", zap.Error(err))
	}
	stop()
	jobSvc.Stop()
	logr.Info("shutdown complete")
}

func registerRoutes(api *gin.RouterGroup, booking *handler.BookingHandler, consistency *handler.ConsistencyHandler, cascade *handler.CascadeHandler, jobHandler *handler.JobHandler) {
	api.POST("/teachers/:id/slots", booking.CreateSlot)
	api.GET("/teachers/:id/schedule", booking.TeacherSchedule)
	api.GET("/students/:id/schedule", booking.StudentSchedule)
	api.GET("/slots/:slotId", booking.GetSlot)
	api.PATCH("/slots/:slotId", booking.UpdateSlot)
	api.POST("/slots/:slotId/assignment", booking.AssignStudent)
	api.DELETE("/slots/:slotId/assignment", booking.RemoveStudent)

	admin := api.Group("/admin", middleware.RequireRoles(models.RoleAdmin, models.RoleSuperAdmin))
	admin.GET("/consistency", consistency.Detect)
	admin.POST("/consistency/repair", consistency.Repair)
	admin.GET("/consistency/export", consistency.Export)
	admin.POST("/consistency/jobs", jobHandler.EnqueueReconciliation)
	admin.POST("/consistency/orphan-cleanup", jobHandler.EnqueueOrphanCleanup)

	admin.GET("/cascade/:entityType/:id/impact", cascade.Impact)
	admin.POST("/cascade/:entityType/:id", cascade.Execute)
	admin.GET("/deletion-audits", cascade.ListAudits)
	admin.GET("/deletion-audits/:id", cascade.GetAudit)
	admin.GET("/deletion-audits/:id/export", cascade.ExportAudit)

	admin.POST("/cascade-jobs", jobHandler.EnqueueCascade)
	admin.GET("/cascade-jobs/:id", jobHandler.Status)
	admin.DELETE("/cascade-jobs/:id", jobHandler.Cancel)
	admin.GET("/cascade-jobs/:id/events", jobHandler.Events)
}

func readinessChecks(pingDB func(context.Context) error, client *redis.Client) map[string]handler.ReadinessCheck {
	checks := map[string]handler.ReadinessCheck{"postgres": pingDB}
	if client != nil {
		checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	}
	return checks
}
