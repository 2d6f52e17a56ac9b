package api

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/irfndi/vitals-analytics-go/internal/api/handlers"
	"github.com/irfndi/vitals-analytics-go/internal/logging"
	"github.com/irfndi/vitals-analytics-go/internal/middleware"
	"github.com/irfndi/vitals-analytics-go/internal/services"
)

// RouterConfig configures the engine built by NewRouter.
type RouterConfig struct {
	ServiceName    string
	AllowedOrigins []string
	Logger         logging.Logger
}

// NewRouter builds a gin engine with recovery, tracing, request IDs, CORS
// and request logging.
func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(middleware.RequestID())
	router.Use(middleware.CORS(cfg.AllowedOrigins))
	if cfg.Logger != nil {
		router.Use(middleware.RequestLogger(cfg.Logger))
	}
	return router
}

// RouteDeps carries what the handlers need. DB and Redis may be nil.
// A zero RateLimitRPS leaves the analytics routes unthrottled.
type RouteDeps struct {
	DB             handlers.HealthChecker
	Redis          handlers.HealthChecker
	Analytics      *services.AnalyticsService
	AdminAPIKey    string
	Version        string
	RateLimitRPS   float64
	RateLimitBurst int
}

func SetupRoutes(router *gin.Engine, deps RouteDeps) {
	healthHandler := handlers.NewHealthHandler(deps.DB, deps.Redis, deps.Version)
	router.GET("/health", healthHandler.HealthCheck)
	router.HEAD("/health", healthHandler.HealthCheck)
	router.GET("/ready", healthHandler.ReadinessCheck)
	router.GET("/live", healthHandler.LivenessCheck)

	analyticsHandler := handlers.NewAnalyticsHandler(deps.Analytics)
	cacheHandler := handlers.NewCacheHandler(deps.Analytics)
	adminMiddleware := middleware.NewAdminMiddleware(deps.AdminAPIKey)
	rateLimiter := middleware.NewRateLimiter(deps.RateLimitRPS, deps.RateLimitBurst)

	v1 := router.Group("/api/v1")
	{
		analytics := v1.Group("/analytics", rateLimiter.Middleware())
		{
			analytics.GET("/hrv", analyticsHandler.GetHRV)
			analytics.GET("/recovery", analyticsHandler.GetRecovery)
			analytics.GET("/sleep", analyticsHandler.GetSleep)
			analytics.GET("/correlations", analyticsHandler.GetCorrelations)
			analytics.GET("/clusters", analyticsHandler.GetClusters)
			analytics.GET("/forecast/:metric", analyticsHandler.GetForecast)
		}

		cacheGroup := v1.Group("/cache")
		{
			cacheGroup.GET("/stats", cacheHandler.GetCacheStats)
			cacheGroup.DELETE("", adminMiddleware.RequireAdminAuth(), cacheHandler.ClearCache)
		}
	}
}
