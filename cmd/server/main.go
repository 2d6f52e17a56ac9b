package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/irfndi/vitals-analytics-go/internal/analytics"
	"github.com/irfndi/vitals-analytics-go/internal/api"
	"github.com/irfndi/vitals-analytics-go/internal/api/handlers"
	"github.com/irfndi/vitals-analytics-go/internal/cache"
	"github.com/irfndi/vitals-analytics-go/internal/config"
	"github.com/irfndi/vitals-analytics-go/internal/database"
	"github.com/irfndi/vitals-analytics-go/internal/logging"
	"github.com/irfndi/vitals-analytics-go/internal/services"
	"github.com/irfndi/vitals-analytics-go/internal/telemetry"
)

const (
	shutdownTimeout     = 30 * time.Second
	cacheJanitorPeriod  = time.Minute
	writeTimeoutPadding = 5 * time.Second
)

func main() {
	if err := run(); err != nil {
		logrus.WithError(err).Fatal("vitals-analytics exited")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logging.NewLogrusLogger(cfg.LogLevel, os.Stdout)
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetLevel(logging.ParseLogrusLevel(cfg.LogLevel))

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	provider := initTelemetry(ctx, cfg, logger)
	stdLogger := newStandardLogger(cfg)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewPostgresConnection(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	repository := database.NewMetricRowRepository(database.NewTracedPool(db.Pool, provider.TracerProvider()))
	supplier := services.NewBreakingSupplier(repository, services.NewCircuitBreaker("daily_rows", breakerConfig(cfg.Analytics), logger))

	analysisCache, redisClient, err := newAnalysisCache(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := analysisCache.Close(); err != nil {
			logger.WithError(err).Warn("Analysis cache close failed")
		}
	}()
	var redisChecker handlers.HealthChecker
	if redisClient != nil {
		redisChecker = redisClient
	}
	if memory, ok := analysisCache.(*cache.InMemoryAnalysisCache); ok {
		go runCacheJanitor(ctx, memory, cacheJanitorPeriod, logger)
	}

	engine := analytics.NewEngine(engineOptions(cfg.Analytics), logger)
	executor := services.NewAnalysisExecutor(services.ExecutorConfig{
		ConcurrencyLimit: cfg.Analytics.ConcurrencyLimit,
		CallTimeout:      cfg.Analytics.GetCallTimeout(),
	}, logger)
	service := services.NewAnalyticsService(
		supplier,
		engine,
		executor,
		analysisCache,
		telemetry.NewAnalysisTracer(provider.TracerProvider()),
		logger,
	)
	service.SetEventLogger(stdLogger)

	router := api.NewRouter(api.RouterConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         stdLogger,
	})
	api.SetupRoutes(router, api.RouteDeps{
		DB:             db,
		Redis:          redisChecker,
		Analytics:      service,
		AdminAPIKey:    cfg.Server.AdminAPIKey,
		Version:        cfg.Telemetry.ServiceVersion,
		RateLimitRPS:   cfg.Server.RateLimitRPS,
		RateLimitBurst: cfg.Server.RateLimitBurst,
	})

	srv := newHTTPServer(cfg.Server.Port, router, cfg.Analytics.GetCallTimeout())

	serverErr := make(chan error, 1)
	go func() {
		stdLogger.LogStartup(cfg.Telemetry.ServiceName, cfg.Telemetry.ServiceVersion, cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	reason := "signal"
	select {
	case sig := <-quit:
		reason = sig.String()
	case err := <-serverErr:
		stdLogger.LogShutdown(cfg.Telemetry.ServiceName, "listen failure")
		return fmt.Errorf("server failed: %w", err)
	}
	stdLogger.LogShutdown(cfg.Telemetry.ServiceName, reason)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	executor.Shutdown()
	stop()

	if err := provider.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Telemetry shutdown failed")
	}
	if err := stdLogger.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Log exporter shutdown failed")
	}
	return nil
}

// initTelemetry starts tracing. Tracing is optional, so a failure is logged
// and the service keeps serving without it.
func initTelemetry(ctx context.Context, cfg *config.Config, logger *logrus.Logger) *telemetry.Provider {
	provider, err := telemetry.InitTelemetry(ctx, telemetry.TelemetryConfig{
		Enabled:        cfg.Telemetry.Enabled,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		Environment:    cfg.Environment,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		logger.WithError(err).Warn("Telemetry disabled")
		return &telemetry.Provider{}
	}
	return provider
}

// newStandardLogger exports structured logs over OTLP when enabled.
func newStandardLogger(cfg *config.Config) *logging.StandardLogger {
	if !cfg.Telemetry.LogExport {
		return logging.NewStandardLogger(cfg.LogLevel, cfg.Environment)
	}
	endpoint, err := telemetry.OTLPHostPort(cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		fallback := logging.NewStandardLogger(cfg.LogLevel, cfg.Environment)
		fallback.WithError(err).Warn("Invalid OTLP endpoint, log export disabled")
		return fallback
	}
	return logging.NewStandardOTLPLogger(logging.OTLPConfig{
		Enabled:        true,
		Endpoint:       endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		Environment:    cfg.Environment,
		LogLevel:       cfg.LogLevel,
	})
}

// newAnalysisCache builds the configured cache backend. The redis client is
// returned for health checks and is nil for the memory backend.
func newAnalysisCache(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (cache.AnalysisCache, *database.RedisClient, error) {
	ttl := cfg.Analytics.GetCacheTTL()
	if cfg.Analytics.CacheBackend != config.CacheBackendRedis {
		return cache.NewInMemoryAnalysisCache(ttl), nil, nil
	}

	client, err := database.NewRedisConnection(ctx, cfg.Redis)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return cache.NewRedisAnalysisCache(client.Client, ttl, logger), client, nil
}

func engineOptions(cfg config.AnalyticsConfig) analytics.Options {
	return analytics.Options{
		HRVManualMaxGapDays: cfg.HRVManualMaxGapDays,
		ClusterCount:        cfg.ClusterCount,
		CorrelationMinAbs:   cfg.CorrelationMinAbs,
		ForecastHorizon:     cfg.ForecastHorizon,
		ModelDir:            cfg.ModelDir,
		Location:            cfg.GetLocation(),
	}
}

func breakerConfig(cfg config.AnalyticsConfig) services.CircuitBreakerConfig {
	breaker := services.DefaultCircuitBreakerConfig()
	breaker.FailureThreshold = cfg.BreakerFailureThreshold
	breaker.OpenTimeout = cfg.GetBreakerOpenTimeout()
	return breaker
}

// runCacheJanitor evicts expired in-memory entries until ctx is done.
func runCacheJanitor(ctx context.Context, c *cache.InMemoryAnalysisCache, interval time.Duration, logger *logrus.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.CleanupExpired(); n > 0 {
				logger.WithField("evicted", n).Debug("Expired analysis cache entries removed")
			}
		}
	}
}

// newHTTPServer sizes the write timeout above the analysis call timeout so
// a 504 from the executor reaches the client.
func newHTTPServer(port int, handler http.Handler, callTimeout time.Duration) *http.Server {
	writeTimeout := 10 * time.Second
	if callTimeout+writeTimeoutPadding > writeTimeout {
		writeTimeout = callTimeout + writeTimeoutPadding
	}
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      writeTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       15 * time.Second,
	}
}
