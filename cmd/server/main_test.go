package main

import (
	"bytes"
	"context"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irfndi/vitals-analytics-go/internal/cache"
	"github.com/irfndi/vitals-analytics-go/internal/config"
	"github.com/irfndi/vitals-analytics-go/internal/services"
)

func testConfig() *config.Config {
	return &config.Config{
		Environment: "test",
		LogLevel:    "error",
		Analytics: config.AnalyticsConfig{
			ConcurrencyLimit:    2,
			CallTimeout:         "30s",
			CacheTTL:            "1m",
			CacheBackend:        config.CacheBackendMemory,
			HRVManualMaxGapDays: 5,
			ModelDir:            "/tmp/models",
			ClusterCount:        4,
			CorrelationMinAbs:   0.4,
			ForecastHorizon:     10,
			TimeZone:            "Asia/Jakarta",

			BreakerFailureThreshold: 3,
			BreakerOpenTimeout:      "15s",
		},
	}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{})
	return logger
}

func TestEngineOptions(t *testing.T) {
	opts := engineOptions(testConfig().Analytics)

	assert.Equal(t, 5, opts.HRVManualMaxGapDays)
	assert.Equal(t, 4, opts.ClusterCount)
	assert.Equal(t, 0.4, opts.CorrelationMinAbs)
	assert.Equal(t, 10, opts.ForecastHorizon)
	assert.Equal(t, "/tmp/models", opts.ModelDir)
	assert.Nil(t, opts.Weights)
	require.NotNil(t, opts.Location)
	assert.Equal(t, "Asia/Jakarta", opts.Location.String())
}

func TestBreakerConfig(t *testing.T) {
	breaker := breakerConfig(testConfig().Analytics)

	assert.Equal(t, 3, breaker.FailureThreshold)
	assert.Equal(t, 15*time.Second, breaker.OpenTimeout)
	assert.Equal(t, services.DefaultCircuitBreakerConfig().SuccessThreshold, breaker.SuccessThreshold)
}

func TestNewAnalysisCache_Memory(t *testing.T) {
	c, client, err := newAnalysisCache(context.Background(), testConfig(), quietLogger())
	require.NoError(t, err)
	assert.Nil(t, client)
	assert.IsType(t, &cache.InMemoryAnalysisCache{}, c)
}

func TestNewAnalysisCache_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Analytics.CacheBackend = config.CacheBackendRedis
	cfg.Redis = config.RedisConfig{Host: mr.Host(), Port: port}

	c, client, err := newAnalysisCache(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	require.NotNil(t, client)
	defer client.Close()
	assert.IsType(t, &cache.RedisAnalysisCache{}, c)
	assert.NoError(t, client.HealthCheck(context.Background()))

	ctx := context.Background()
	c.Set(ctx, "sleep:u1", []byte(`{"status":"ok"}`))
	payload, ok := c.Get(ctx, "sleep:u1")
	require.True(t, ok)
	assert.JSONEq(t, `{"status":"ok"}`, string(payload))
}

func TestNewAnalysisCache_RedisUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	mr.Close()

	cfg := testConfig()
	cfg.Analytics.CacheBackend = config.CacheBackendRedis
	cfg.Redis = config.RedisConfig{Host: "127.0.0.1", Port: port}

	_, _, err = newAnalysisCache(context.Background(), cfg, quietLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to Redis")
}

func TestRunCacheJanitor(t *testing.T) {
	c := cache.NewInMemoryAnalysisCache(time.Millisecond)
	c.Set(context.Background(), "hrv:u1", []byte(`{}`))
	c.Set(context.Background(), "hrv:u2", []byte(`{}`))
	time.Sleep(5 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runCacheJanitor(ctx, c, 2*time.Millisecond, quietLogger())
		close(done)
	}()

	assert.Eventually(t, func() bool { return c.GetStats().Entries == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop after cancel")
	}
}

func TestNewHTTPServer(t *testing.T) {
	handler := http.NewServeMux()

	srv := newHTTPServer(8080, handler, 2*time.Second)
	assert.Equal(t, ":8080", srv.Addr)
	assert.Equal(t, 10*time.Second, srv.WriteTimeout)
	assert.Equal(t, 10*time.Second, srv.ReadTimeout)
	assert.Equal(t, 5*time.Second, srv.ReadHeaderTimeout)

	srv = newHTTPServer(9090, handler, 30*time.Second)
	assert.Equal(t, 35*time.Second, srv.WriteTimeout)
}

func TestNewStandardLogger(t *testing.T) {
	cfg := testConfig()
	assert.NotNil(t, newStandardLogger(cfg))

	cfg.Telemetry.LogExport = true
	cfg.Telemetry.OTLPEndpoint = "://bad"
	logger := newStandardLogger(cfg)
	require.NotNil(t, logger)
	assert.NoError(t, logger.Shutdown(context.Background()))
}

func TestInitTelemetry_FailureIsLoggedThroughLogrus(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg := testConfig()
	cfg.Telemetry.Enabled = true
	cfg.Telemetry.OTLPEndpoint = "ftp://collector:4318"

	provider := initTelemetry(context.Background(), cfg, logger)
	require.NotNil(t, provider)
	assert.NotNil(t, provider.TracerProvider())
	assert.NoError(t, provider.Shutdown(context.Background()))

	assert.Contains(t, buf.String(), `"msg":"Telemetry disabled"`)
	assert.Contains(t, buf.String(), `"level":"warning"`)
	assert.Contains(t, buf.String(), "invalid OTLP endpoint")
}

func TestInitTelemetry_Disabled(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)

	provider := initTelemetry(context.Background(), testConfig(), logger)
	require.NotNil(t, provider)
	assert.Empty(t, buf.String())
}
