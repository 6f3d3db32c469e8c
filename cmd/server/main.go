package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	integrationapp "github.com/retention/backend/internal/application/integration"
	"github.com/retention/backend/internal/infrastructure/auth"
	"github.com/retention/backend/internal/infrastructure/config"
	"github.com/retention/backend/internal/infrastructure/connector"
	"github.com/retention/backend/internal/infrastructure/lock"
	"github.com/retention/backend/internal/infrastructure/logger"
	"github.com/retention/backend/internal/infrastructure/persistence"
	"github.com/retention/backend/internal/infrastructure/scheduler"
	"github.com/retention/backend/internal/infrastructure/secrets"
	"github.com/retention/backend/internal/infrastructure/storage"
	"github.com/retention/backend/internal/infrastructure/telemetry"
	"github.com/retention/backend/internal/interfaces/http/handler"
	"github.com/retention/backend/internal/interfaces/http/middleware"
	"github.com/retention/backend/internal/interfaces/http/router"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

const (
	maxRequestBody  = 1 << 20
	syncRatePerSec  = 0.5
	syncRateBurst   = 5
	shutdownTimeout = 30 * time.Second
)

type shutdownFunc func(ctx context.Context) error

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	log, err := logger.New(&logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = logger.Sync(log)
	}()

	log.Info("Starting retention sync engine",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
		zap.String("version", version),
	)

	ctx := context.Background()
	var shutdowns []shutdownFunc

	// Telemetry
	tp, err := telemetry.NewTracerProvider(ctx, telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize tracer provider", zap.Error(err))
	}
	shutdowns = append(shutdowns, tp.Shutdown)

	mp, err := telemetry.NewMeterProvider(ctx, telemetry.MetricsConfig{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ExportInterval:    cfg.Telemetry.MetricsInterval,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize meter provider", zap.Error(err))
	}
	shutdowns = append(shutdowns, mp.Shutdown)

	lp, err := telemetry.NewLoggerProvider(ctx, telemetry.LogsConfig{
		Enabled:           cfg.Telemetry.Enabled && cfg.Telemetry.LogsEnabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize logger provider", zap.Error(err))
	}
	shutdowns = append(shutdowns, lp.Shutdown)
	if lp.IsEnabled() {
		log = logger.Tee(log, lp.ZapCore(log.Level()))
	}

	profiler, err := telemetry.NewProfiler(telemetry.ProfilerConfig{
		Enabled:         cfg.Profiling.Enabled,
		ServerAddress:   cfg.Profiling.ServerAddress,
		ApplicationName: cfg.Telemetry.ServiceName,
	}, log)
	if err != nil {
		log.Fatal("Failed to start profiler", zap.Error(err))
	}
	shutdowns = append(shutdowns, func(context.Context) error { return profiler.Stop() })
	if cfg.Profiling.SpanProfiles && profiler.IsEnabled() {
		if err := tp.EnableSpanProfiles(); err != nil {
			log.Warn("Span profiles unavailable", zap.Error(err))
		}
	}

	syncMetrics, err := telemetry.NewSyncMetrics(mp.Meter("retention/sync"))
	if err != nil {
		log.Fatal("Failed to register sync metrics", zap.Error(err))
	}

	// Database
	var dbTracing *telemetry.DBTracingPlugin
	if cfg.Telemetry.Enabled && cfg.Telemetry.DBTraceEnabled {
		dbTracing = telemetry.NewDBTracingPlugin(telemetry.DBTracingConfig{
			Enabled:    true,
			LogFullSQL: cfg.App.Env == "development",
		}, log)
	}
	db, err := persistence.NewDatabase(&cfg.Database, persistence.Options{
		Logger:   log.Named("gorm"),
		LogLevel: logger.MapGormLogLevel(cfg.Log.Level),
		Tracing:  dbTracing,
	})
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()
	log.Info("Database connected successfully")

	// Repositories
	cipher, err := secrets.NewCipher(cfg.Credentials.EncryptionKey)
	if err != nil {
		log.Fatal("Invalid credential encryption key", zap.Error(err))
	}
	integrationRepo := persistence.NewGormIntegrationRepository(db.DB, cipher)
	customerRepo := persistence.NewGormSyncedCustomerRepository(db.DB, nil)

	// Sync engine
	registry, err := connector.NewDefaultRegistry(cfg.Connectors, log.Named("connector"))
	if err != nil {
		log.Fatal("Failed to build connector registry", zap.Error(err))
	}

	locker, closeLock, err := lock.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize sync lock", zap.Error(err))
	}
	shutdowns = append(shutdowns, func(context.Context) error { return closeLock() })

	coordinatorOpts := []integrationapp.CoordinatorOption{
		integrationapp.WithMetrics(syncMetrics),
		integrationapp.WithHistory(integrationapp.NewHistory(cfg.Sync.HistorySize)),
	}
	if cfg.Storage.Bucket != "" {
		objects, err := storage.NewS3ObjectStorage(ctx, &cfg.Storage, storage.WithLogger(log.Named("storage")))
		if err != nil {
			log.Fatal("Failed to initialize report storage", zap.Error(err))
		}
		if err := objects.EnsureBucket(ctx); err != nil {
			log.Fatal("Failed to ensure report bucket", zap.Error(err), zap.String("bucket", objects.Bucket()))
		}
		coordinatorOpts = append(coordinatorOpts, integrationapp.WithArchiver(integrationapp.NewReportArchiver(objects)))
		log.Info("Sync failure reports enabled", zap.String("bucket", objects.Bucket()))
	}

	coordinator := integrationapp.NewCoordinator(
		integrationRepo, customerRepo, registry, locker, log.Named("sync"),
		integrationapp.CoordinatorConfig{
			RunTimeout:         cfg.Sync.RunTimeout,
			MaxRecords:         cfg.Sync.MaxRecords,
			StatusWriteTimeout: cfg.Sync.StatusWriteTimeout,
		},
		coordinatorOpts...,
	)

	sched, err := scheduler.New(scheduler.Config{
		TickInterval: cfg.Sync.TickInterval,
		Workers:      cfg.Sync.Workers,
		QueueSize:    cfg.Sync.QueueSize,
	}, coordinator, log.Named("scheduler"), scheduler.WithMetrics(syncMetrics))
	if err != nil {
		log.Fatal("Failed to create scheduler", zap.Error(err))
	}

	orchestrator := integrationapp.NewOrchestrator(
		coordinator, integrationRepo, registry, sched, locker, log.Named("sync"),
		integrationapp.OrchestratorConfig{MaxConcurrentSyncs: cfg.Sync.MaxConcurrentSyncs},
	)

	startupCtx, cancelStartup := context.WithTimeout(ctx, time.Minute)
	if n, err := orchestrator.RecoverInterrupted(startupCtx); err != nil {
		log.Error("Failed to recover interrupted syncs", zap.Error(err))
	} else if n > 0 {
		log.Warn("Recovered integrations left in SYNCING", zap.Int("count", n))
	}
	if n, err := orchestrator.RestoreSchedules(startupCtx); err != nil {
		log.Error("Failed to restore sync schedules", zap.Error(err))
	} else {
		log.Info("Sync schedules restored", zap.Int("count", n))
	}
	cancelStartup()

	if cfg.Sync.SchedulerEnabled {
		if err := sched.Start(ctx); err != nil {
			log.Fatal("Failed to start scheduler", zap.Error(err))
		}
		// runs before the tracer and lock shutdowns registered above
		shutdowns = append([]shutdownFunc{sched.Stop}, shutdowns...)
	} else {
		log.Info("Automatic sync scheduler disabled")
	}

	// HTTP
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	middleware.SetupValidator()

	engine := gin.New()
	if err := engine.SetTrustedProxies(cfg.HTTP.TrustedProxies); err != nil {
		log.Fatal("Invalid trusted proxies", zap.Error(err))
	}

	httpMetrics, err := middleware.HTTPMetrics(mp.Meter("retention/http"))
	if err != nil {
		log.Fatal("Failed to register HTTP metrics", zap.Error(err))
	}

	corsCfg := middleware.DefaultCORSConfig()
	if len(cfg.HTTP.CORSAllowOrigins) > 0 {
		corsCfg.AllowOrigins = cfg.HTTP.CORSAllowOrigins
	}
	tracingCfg := middleware.DefaultTracingConfig()
	tracingCfg.Enabled = tp.IsEnabled()
	tracingCfg.ServiceName = cfg.Telemetry.ServiceName
	profilingCfg := middleware.DefaultProfilingConfig()
	profilingCfg.Enabled = profiler.IsEnabled()

	engine.Use(
		logger.Recovery(log),
		middleware.RequestID(),
		middleware.TracingWithConfig(tracingCfg),
		logger.GinMiddleware(log),
		middleware.Secure(),
		middleware.CORSWithConfig(corsCfg),
		middleware.BodyLimit(maxRequestBody),
		httpMetrics,
		middleware.ProfilingWithConfig(profilingCfg),
	)

	checks := map[string]handler.ReadinessCheck{
		"database": func(context.Context) error { return db.Ping() },
	}
	if p, ok := locker.(interface{ Ping(context.Context) error }); ok {
		checks["redis"] = p.Ping
	}
	systemHandler := handler.NewSystemHandler(cfg.App.Name, version, checks)
	engine.GET("/health", systemHandler.Health)
	engine.GET("/ready", systemHandler.Ready)

	jwtService := auth.NewJWTService(cfg.JWT)
	jwtCfg := middleware.DefaultJWTConfig(jwtService)
	jwtCfg.Logger = log
	r := router.NewRouter(engine,
		router.WithAPIVersion("v1"),
		router.WithMiddleware(middleware.JWTAuthMiddlewareWithConfig(jwtCfg), middleware.SpanEnricher()),
	)

	syncLimiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		Rate:  rate.Limit(syncRatePerSec),
		Burst: syncRateBurst,
	})
	integrationHandler := handler.NewIntegrationHandler(orchestrator)
	r.Register(handler.IntegrationRoutes(integrationHandler, syncLimiter.Middleware()))
	r.Setup()

	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        engine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// stop accepting requests first so no new sync starts during drain
	err = srv.Shutdown(shutdownCtx)
	for _, fn := range shutdowns {
		err = multierr.Append(err, fn(shutdownCtx))
	}
	if err != nil {
		log.Error("Shutdown completed with errors", zap.Errors("errors", multierr.Errors(err)))
		return
	}
	log.Info("Server exited gracefully")
}
