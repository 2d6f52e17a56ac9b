package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/irfndi/vitals-analytics-go/internal/analytics"
	"github.com/irfndi/vitals-analytics-go/internal/cache"
	"github.com/irfndi/vitals-analytics-go/internal/logging"
	"github.com/irfndi/vitals-analytics-go/internal/middleware"
	"github.com/irfndi/vitals-analytics-go/internal/models"
	"github.com/irfndi/vitals-analytics-go/internal/services"
	"github.com/irfndi/vitals-analytics-go/internal/telemetry"
)

type okChecker struct{}

func (okChecker) HealthCheck(context.Context) error { return nil }

func testRows() []models.DailyMetricRow {
	rows := make([]models.DailyMetricRow, 30)
	for i := range rows {
		rows[i] = models.DailyMetricRow{
			Day:              time.Date(2024, 4, 1+i, 0, 0, 0, 0, time.UTC),
			Steps:            models.Float(float64(5000 + 300*(i%5))),
			RestingHeartRate: models.Float(float64(54 + i%3)),
			HRVRaw:           models.Float(float64(48 + i%7)),
			SleepScore:       models.Float(float64(72 + i%6)),
			Mood:             models.Float(float64(1 + i%5)),
			Energy:           models.Float(float64(1 + (i+1)%5)),
		}
	}
	return rows
}

func setupTestRouter(t *testing.T, logBuf *bytes.Buffer, tp trace.TracerProvider) *gin.Engine {
	t.Helper()
	return setupTestRouterWithDeps(t, logBuf, tp, RouteDeps{})
}

func setupTestRouterWithDeps(t *testing.T, logBuf *bytes.Buffer, tp trace.TracerProvider, deps RouteDeps) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	supplier := services.NewStaticRowSupplier()
	supplier.SetRows("u1", testRows())
	engine := analytics.NewEngine(analytics.Options{ModelDir: t.TempDir()}, logger)
	service := services.NewAnalyticsService(
		supplier,
		engine,
		services.NewAnalysisExecutor(services.ExecutorConfig{ConcurrencyLimit: 2, CallTimeout: 5 * time.Second}, logger),
		cache.NewInMemoryAnalysisCache(time.Minute),
		telemetry.NewAnalysisTracer(tp),
		logger,
	)

	router := NewRouter(RouterConfig{
		ServiceName:    "vitals-analytics-test",
		AllowedOrigins: []string{"http://localhost:3000"},
		Logger:         logging.NewStandardLoggerWithWriter(logBuf, "info", "test"),
	})
	deps.DB = okChecker{}
	deps.Analytics = service
	deps.AdminAPIKey = "admin-key"
	deps.Version = "test"
	SetupRoutes(router, deps)
	return router
}

func serve(router *gin.Engine, method, url string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, url, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRoutes_AnalyticsEndpoints(t *testing.T) {
	var logBuf bytes.Buffer
	router := setupTestRouter(t, &logBuf, nil)
	const window = "user_id=u1&from=2024-04-01&to=2024-04-30"

	for _, url := range []string{
		"/api/v1/analytics/hrv?" + window,
		"/api/v1/analytics/recovery?" + window,
		"/api/v1/analytics/sleep?" + window,
		"/api/v1/analytics/correlations?fields=steps,mood,recovery_score&" + window,
		"/api/v1/analytics/clusters?k=3&" + window,
		"/api/v1/analytics/forecast/energy?horizon=5&" + window,
	} {
		w := serve(router, http.MethodGet, url, nil)
		assert.Equal(t, http.StatusOK, w.Code, url+": "+w.Body.String())
		assert.NotEmpty(t, w.Header().Get(middleware.RequestIDHeader))
	}
	assert.Contains(t, logBuf.String(), `"path":"/api/v1/analytics/forecast/:metric"`)
}

func TestRoutes_ForecastResponse(t *testing.T) {
	router := setupTestRouter(t, &bytes.Buffer{}, nil)

	w := serve(router, http.MethodGet, "/api/v1/analytics/forecast/mood?user_id=u1&from=2024-04-01&to=2024-04-30&horizon=3", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Success bool                  `json:"success"`
		Data    models.ForecastResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, "mood", body.Data.Metric)
	assert.Len(t, body.Data.Points, 3)
	for _, p := range body.Data.Points {
		assert.GreaterOrEqual(t, p.PredictedValue, 1.0)
		assert.LessOrEqual(t, p.PredictedValue, 5.0)
	}
}

func TestRoutes_ParameterErrors(t *testing.T) {
	router := setupTestRouter(t, &bytes.Buffer{}, nil)

	for _, url := range []string{
		"/api/v1/analytics/hrv",
		"/api/v1/analytics/forecast/weight?user_id=u1",
		"/api/v1/analytics/correlations?user_id=u1&fields=steps,cadence",
		"/api/v1/analytics/sleep?user_id=u1&from=2024-05-01&to=2024-04-01",
	} {
		w := serve(router, http.MethodGet, url, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, url)
	}
}

func TestRoutes_HealthAndCache(t *testing.T) {
	router := setupTestRouter(t, &bytes.Buffer{}, nil)

	w := serve(router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"database":"healthy"`)

	assert.Equal(t, http.StatusOK, serve(router, http.MethodGet, "/live", nil).Code)
	assert.Equal(t, http.StatusOK, serve(router, http.MethodGet, "/ready", nil).Code)
	assert.Equal(t, http.StatusOK, serve(router, http.MethodGet, "/api/v1/cache/stats", nil).Code)

	assert.Equal(t, http.StatusUnauthorized, serve(router, http.MethodDelete, "/api/v1/cache", nil).Code)
	w = serve(router, http.MethodDelete, "/api/v1/cache", map[string]string{"X-API-Key": "admin-key"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRoutes_CORS(t *testing.T) {
	router := setupTestRouter(t, &bytes.Buffer{}, nil)

	w := serve(router, http.MethodGet, "/live", map[string]string{"Origin": "http://localhost:3000"})
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRoutes_AnalysisSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	router := setupTestRouter(t, &bytes.Buffer{}, tp)

	w := serve(router, http.MethodGet, "/api/v1/analytics/sleep?user_id=u1&from=2024-04-01&to=2024-04-30", nil)
	require.Equal(t, http.StatusOK, w.Code)

	names := map[string]bool{}
	for _, s := range recorder.Ended() {
		names[s.Name()] = true
	}
	assert.True(t, names["analysis.sleep"])
	assert.True(t, names["analysis.fetch_rows"])
}

func TestRoutes_RateLimitsAnalytics(t *testing.T) {
	router := setupTestRouterWithDeps(t, &bytes.Buffer{}, nil, RouteDeps{RateLimitRPS: 0.5, RateLimitBurst: 2})
	const url = "/api/v1/analytics/hrv?user_id=u1&from=2024-04-01&to=2024-04-30"

	assert.Equal(t, http.StatusOK, serve(router, http.MethodGet, url, nil).Code)
	assert.Equal(t, http.StatusOK, serve(router, http.MethodGet, url, nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(router, http.MethodGet, url, nil).Code)

	// operational endpoints are not throttled
	assert.Equal(t, http.StatusOK, serve(router, http.MethodGet, "/live", nil).Code)
}
