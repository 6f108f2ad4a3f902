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
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/hasini383/attend-api/api/swagger"
	"github.com/hasini383/attend-api/internal/handler"
	"github.com/hasini383/attend-api/internal/middleware"
	"github.com/hasini383/attend-api/internal/models"
	"github.com/hasini383/attend-api/internal/repository"
	"github.com/hasini383/attend-api/internal/service"
	"github.com/hasini383/attend-api/pkg/cache"
	"github.com/hasini383/attend-api/pkg/config"
	"github.com/hasini383/attend-api/pkg/database"
	"github.com/hasini383/attend-api/pkg/export"
	"github.com/hasini383/attend-api/pkg/jobs"
	"github.com/hasini383/attend-api/pkg/lock"
	"github.com/hasini383/attend-api/pkg/logger"
	corsmiddleware "github.com/hasini383/attend-api/pkg/middleware/cors"
	reqidmiddleware "github.com/hasini383/attend-api/pkg/middleware/requestid"
	"github.com/hasini383/attend-api/pkg/storage"
)

// @title Attendance Ledger API
// @version 1.0.0
// @description Campus attendance tracking: QR entry/exit scans, admin marks, per-student history and async reports.
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

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	// Redis only backs the dashboard cache; the ledger itself never depends
	// on it, so a missing Redis degrades to uncached dashboards.
	var cacheRepo service.CacheRepository
	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Warnw("redis unavailable, dashboard caching disabled", "error", err)
	} else {
		defer redisClient.Close() //nolint:errcheck
		cacheRepo = repository.NewCacheRepository(redisClient, logr)
	}

	studentRepo := repository.NewStudentRepository(db)
	ledgerRepo := repository.NewLedgerRepository(db)
	userRepo := repository.NewUserRepository(db)
	reportRepo := repository.NewReportRepository(db)

	validate := validator.New()
	metricsSvc := service.NewMetricsService()

	// Marks, deletes and clears for the same student serialize on this arena.
	locks := lock.NewKeyed()

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	notifier := service.NewNotifierService(service.NewLogSender(logr), cfg.Notifications, cfg.Ledger.Timezone, logr)
	notifier.Start(rootCtx)
	defer notifier.Stop()

	ledgerSvc := service.NewLedgerService(studentRepo, ledgerRepo, locks, cfg.Ledger, notifier, metricsSvc, logr)
	historySvc := service.NewHistoryService(studentRepo, ledgerRepo, locks, cfg.Ledger, metricsSvc, logr)
	qrSvc := service.NewQRService(studentRepo, cfg.QR, logr)

	cacheSvc := service.NewCacheService(cacheRepo, metricsSvc, cfg.Dashboard.CacheTTL, logr, cfg.Dashboard.Enabled)
	dashboardSvc := service.NewDashboardService(ledgerRepo, studentRepo, cacheSvc, cfg.Dashboard, cfg.Ledger.Timezone, logr)

	authSvc := service.NewAuthService(userRepo, validate, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             "attend-api",
	})
	userSvc := service.NewUserService(userRepo, validate, logr)
	studentSvc := service.NewStudentService(studentRepo, validate, logr)

	var reportSvc *service.ReportService
	if cfg.Reports.Enabled {
		store, err := storage.NewLocalStorage(cfg.Reports.StorageDir)
		if err != nil {
			logr.Sugar().Fatalw("failed to init report storage", "error", err)
		}
		signer := storage.NewSignedURLSigner(cfg.Reports.SignedURLSecret, cfg.Reports.SignedURLTTL)
		exporter := service.NewExportService(ledgerRepo, studentRepo, store, signer, service.ExportConfig{
			APIPrefix: cfg.APIPrefix,
		}, logr, export.NewCSVExporter(), export.NewPDFExporter())

		worker := service.NewReportWorker(reportRepo, exporter, metricsSvc, cfg.Reports.WorkerRetries, logr)
		queue := jobs.NewQueue("reports", worker.Handle, jobs.QueueConfig{
			Workers:    cfg.Reports.WorkerConcurrency,
			MaxRetries: cfg.Reports.WorkerRetries,
			Logger:     logr,
		})
		queue.Start(rootCtx)
		defer queue.Stop()

		reportSvc = service.NewReportService(reportRepo, studentRepo, queue, exporter, logr, service.ReportServiceConfig{
			CleanupInterval: cfg.Reports.CleanupInterval,
			MaxRetries:      cfg.Reports.WorkerRetries,
		})
		reportSvc.RecoverPendingJobs(rootCtx)
		reportSvc.StartCleanup(rootCtx)
	}

	authH := handler.NewAuthHandler(authSvc)
	userH := handler.NewUserHandler(userSvc)
	studentH := handler.NewStudentHandler(studentSvc)
	attendanceH := handler.NewAttendanceHandler(ledgerSvc, historySvc, dashboardSvc)
	scanH := handler.NewScanHandler(ledgerSvc, qrSvc, dashboardSvc)
	qrH := handler.NewQRHandler(qrSvc)
	dashboardH := handler.NewDashboardHandler(dashboardSvc)
	metricsH := handler.NewMetricsHandler(metricsSvc)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", metricsH.Health)
	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", metricsH.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	api.Use(middleware.WithResponseMeta())

	staffRoles := middleware.RequireRoles(models.RoleSuperAdmin, models.RoleAdmin, models.RoleStaff)
	adminRoles := middleware.RequireRoles(models.RoleSuperAdmin, models.RoleAdmin)

	auth := api.Group("/auth")
	{
		auth.POST("/login", authH.Login)
		auth.POST("/refresh", authH.Refresh)
		auth.POST("/forgot-password", authH.ForgotPassword)
		auth.POST("/reset-password", authH.ResetPassword)

		authed := auth.Group("", middleware.JWT(authSvc))
		authed.POST("/logout", authH.Logout)
		authed.POST("/change-password", authH.ChangePassword)
		authed.GET("/me", authH.Me)
	}

	// Scanner kiosks are untrusted devices; a bearer token is accepted but
	// never required, the QR pass itself is the credential.
	api.POST("/scan", middleware.OptionalJWT(authSvc), scanH.Scan)

	attendance := api.Group("/attendance", middleware.JWT(authSvc), staffRoles)
	attendance.POST("/mark", attendanceH.Mark)

	students := api.Group("/students", middleware.JWT(authSvc))
	{
		students.GET("", staffRoles, studentH.List)
		students.POST("", adminRoles, studentH.Create)
		students.GET("/index/:indexNumber", staffRoles, studentH.GetByIndexNumber)
		students.GET("/:id", staffRoles, studentH.Get)
		students.PUT("/:id", adminRoles, studentH.Update)
		students.DELETE("/:id", adminRoles, middleware.Audit(userRepo, "delete", "student"), studentH.Delete)

		students.GET("/:id/qr", staffRoles, qrH.Pass)
		students.GET("/:id/attendance", staffRoles, attendanceH.History)
		students.DELETE("/:id/attendance", adminRoles, middleware.Audit(userRepo, "clear", "attendance"), attendanceH.ClearHistory)
		students.DELETE("/:id/attendance/:recordId", adminRoles, middleware.Audit(userRepo, "delete", "attendance"), attendanceH.DeleteRecord)
	}

	users := api.Group("/users", middleware.JWT(authSvc))
	{
		users.GET("", adminRoles, userH.List)
		users.POST("", middleware.RequireRoles(models.RoleSuperAdmin), userH.Create)
		users.GET("/:id", middleware.RBAC(string(models.RoleSuperAdmin), string(models.RoleAdmin), "SELF"), userH.Get)
		users.PUT("/:id", middleware.RequireRoles(models.RoleSuperAdmin), userH.Update)
		users.DELETE("/:id", middleware.RequireRoles(models.RoleSuperAdmin), middleware.Audit(userRepo, "delete", "user"), userH.Delete)
	}

	if cfg.Dashboard.Enabled {
		api.GET("/dashboard/attendance", middleware.JWT(authSvc), staffRoles, dashboardH.Attendance)
	}

	if cfg.Reports.Enabled {
		reportH := handler.NewReportHandler(reportSvc)
		reports := api.Group("/reports")
		// The signed token is the credential, so downloads skip the JWT gate.
		reports.GET("/download/:token", reportH.Download)

		authedReports := reports.Group("", middleware.JWT(authSvc), staffRoles)
		authedReports.POST("", reportH.Create)
		authedReports.GET("/:id", reportH.Status)
	}

	api.GET("/metrics", middleware.JWT(authSvc), adminRoles, metricsH.Snapshot)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-rootCtx.Done()
	logr.Sugar().Infow("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}
}
