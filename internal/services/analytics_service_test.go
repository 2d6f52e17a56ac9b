package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/irfndi/vitals-analytics-go/internal/analytics"
	"github.com/irfndi/vitals-analytics-go/internal/cache"
	"github.com/irfndi/vitals-analytics-go/internal/logging"
	"github.com/irfndi/vitals-analytics-go/internal/models"
	"github.com/irfndi/vitals-analytics-go/internal/telemetry"
)

var (
	testFrom = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	testTo   = time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)
)

func testRequest() AnalysisRequest {
	return AnalysisRequest{UserID: "user-1", From: testFrom, To: testTo}
}

func sampleRows(n int) []models.DailyMetricRow {
	rows := make([]models.DailyMetricRow, n)
	for i := range rows {
		rows[i] = models.DailyMetricRow{
			Day:              testFrom.AddDate(0, 0, i),
			Steps:            models.Float(float64(6000 + 250*(i%7))),
			RestingHeartRate: models.Float(float64(55 + i%4)),
			HRVRaw:           models.Float(float64(45 + i%6)),
			SleepScore:       models.Float(float64(70 + i%9)),
			Mood:             models.Float(float64(1 + i%5)),
			Energy:           models.Float(float64(1 + (i+2)%5)),
		}
	}
	return rows
}

// MockRowSupplier is a testify mock of MetricRowSupplier.
type MockRowSupplier struct {
	mock.Mock
}

func (m *MockRowSupplier) FetchDailyRows(ctx context.Context, userID string, from, to time.Time) ([]models.DailyMetricRow, error) {
	args := m.Called(ctx, userID, from, to)
	rows, _ := args.Get(0).([]models.DailyMetricRow)
	return rows, args.Error(1)
}

// countingSupplier counts fetches and can hold them until released.
type countingSupplier struct {
	rows    []models.DailyMetricRow
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (c *countingSupplier) FetchDailyRows(ctx context.Context, userID string, from, to time.Time) ([]models.DailyMetricRow, error) {
	c.calls.Add(1)
	if c.entered != nil {
		c.once.Do(func() { close(c.entered) })
	}
	if c.release != nil {
		select {
		case <-c.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return c.rows, nil
}

func newTestService(t *testing.T, supplier MetricRowSupplier, analysisCache cache.AnalysisCache, callTimeout time.Duration) *AnalyticsService {
	t.Helper()
	logger := quietLogrus()
	engine := analytics.NewEngine(analytics.Options{
		HRVManualMaxGapDays: 3,
		ModelDir:            t.TempDir(),
	}, logger)
	executor := NewAnalysisExecutor(ExecutorConfig{ConcurrencyLimit: 2, CallTimeout: callTimeout}, logger)
	return NewAnalyticsService(supplier, engine, executor, analysisCache, nil, logger)
}

func TestAnalyticsService_CachesResults(t *testing.T) {
	supplier := &countingSupplier{rows: sampleRows(14)}
	analysisCache := cache.NewInMemoryAnalysisCache(time.Minute)
	service := newTestService(t, supplier, analysisCache, time.Second)

	first, err := service.HRV(context.Background(), testRequest())
	require.NoError(t, err)
	second, err := service.HRV(context.Background(), testRequest())
	require.NoError(t, err)

	assert.Equal(t, int32(1), supplier.calls.Load())
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, len(first.Days), len(second.Days))

	stats := service.CacheStats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Sets)

	// A different window is a different key.
	other := testRequest()
	other.From = testFrom.AddDate(0, 0, 1)
	_, err = service.HRV(context.Background(), other)
	require.NoError(t, err)
	assert.Equal(t, int32(2), supplier.calls.Load())

	require.NoError(t, service.ClearCache(context.Background()))
	_, err = service.HRV(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, int32(3), supplier.calls.Load())
}

func TestAnalyticsService_WithoutCache(t *testing.T) {
	supplier := &countingSupplier{rows: sampleRows(10)}
	service := newTestService(t, supplier, nil, time.Second)

	for i := 0; i < 2; i++ {
		_, err := service.Sleep(context.Background(), testRequest())
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), supplier.calls.Load())
	assert.Equal(t, cache.AnalysisCacheStats{}, service.CacheStats())
	assert.NoError(t, service.ClearCache(context.Background()))
}

func TestAnalyticsService_InvalidParameters(t *testing.T) {
	supplier := new(MockRowSupplier)
	service := newTestService(t, supplier, nil, time.Second)
	ctx := context.Background()

	reversed := testRequest()
	reversed.From, reversed.To = testTo, testFrom
	tooLong := testRequest()
	tooLong.From = testTo.AddDate(-3, 0, 0)

	cases := map[string]error{}
	_, cases["missing user"] = service.Recovery(ctx, AnalysisRequest{From: testFrom, To: testTo})
	_, cases["missing dates"] = service.Recovery(ctx, AnalysisRequest{UserID: "user-1"})
	_, cases["reversed range"] = service.Recovery(ctx, reversed)
	_, cases["range too long"] = service.Recovery(ctx, tooLong)
	_, cases["unknown field"] = service.Correlations(ctx, testRequest(), []string{"steps", "cadence"})
	_, cases["k too small"] = service.Clusters(ctx, testRequest(), 1)
	_, cases["k too large"] = service.Clusters(ctx, testRequest(), MaxClusterCount+1)
	_, cases["unknown metric"] = service.Forecast(ctx, testRequest(), "weight", 7)
	_, cases["horizon too long"] = service.Forecast(ctx, testRequest(), "mood", analytics.MaxForecastHorizon+1)
	_, cases["negative horizon"] = service.Forecast(ctx, testRequest(), "mood", -1)

	for name, err := range cases {
		assert.ErrorIs(t, err, ErrInvalidParameter, name)
	}
	supplier.AssertNotCalled(t, "FetchDailyRows", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestAnalyticsService_SupplierFailure(t *testing.T) {
	supplier := new(MockRowSupplier)
	boom := errors.New("connection refused")
	supplier.On("FetchDailyRows", mock.Anything, "user-1", testFrom, testTo).Return(nil, boom)

	service := newTestService(t, supplier, cache.NewInMemoryAnalysisCache(time.Minute), time.Second)

	for i := 0; i < 2; i++ {
		_, err := service.Recovery(context.Background(), testRequest())
		require.Error(t, err)
		assert.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "failed to fetch daily rows")
	}

	// Failures are not cached.
	supplier.AssertNumberOfCalls(t, "FetchDailyRows", 2)
	assert.Equal(t, int64(0), service.CacheStats().Sets)
}

func TestAnalyticsService_Timeout(t *testing.T) {
	supplier := &countingSupplier{rows: sampleRows(5), release: make(chan struct{})}
	service := newTestService(t, supplier, cache.NewInMemoryAnalysisCache(time.Minute), 20*time.Millisecond)

	_, err := service.Clusters(context.Background(), testRequest(), 3)

	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, int64(0), service.CacheStats().Sets)
	assert.Equal(t, int64(1), service.Executor().Stats().TimedOut)
}

func TestAnalyticsService_ConcurrentMissesComputeOnce(t *testing.T) {
	supplier := &countingSupplier{
		rows:    sampleRows(20),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	service := newTestService(t, supplier, cache.NewInMemoryAnalysisCache(time.Minute), 5*time.Second)

	const callers = 6
	results := make([]models.RecoveryReport, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = service.Recovery(context.Background(), testRequest())
		}(i)
	}

	<-supplier.entered
	time.Sleep(50 * time.Millisecond)
	close(supplier.release)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].Status, results[i].Status)
	}
	assert.Equal(t, int32(1), supplier.calls.Load())
}

func TestAnalyticsService_ForecastTrendBaseline(t *testing.T) {
	supplier := NewStaticRowSupplier()
	supplier.SetRows("user-1", sampleRows(10))
	service := newTestService(t, supplier, nil, time.Second)

	result, err := service.Forecast(context.Background(), testRequest(), "mood", 5)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOK, result.Status)
	assert.Equal(t, analytics.SourceTrendBaseline, result.Source)
	assert.Len(t, result.Points, 5)

	// Zero horizon falls back to the configured default.
	result, err = service.Forecast(context.Background(), testRequest(), "mood", 0)
	require.NoError(t, err)
	assert.Len(t, result.Points, analytics.DefaultForecastHorizon)
}

func TestAnalyticsService_CorrelationsInsufficientRows(t *testing.T) {
	supplier := NewStaticRowSupplier()
	supplier.SetRows("user-1", sampleRows(3))
	service := newTestService(t, supplier, nil, time.Second)

	result, err := service.Correlations(context.Background(), testRequest(), nil)
	require.NoError(t, err)
	assert.Equal(t, models.ReasonInsufficientRows, result.Meta.Reason)

	status, reason := resultStatus(result)
	assert.Equal(t, models.StatusInsufficientData, status)
	assert.Equal(t, models.ReasonInsufficientRows, reason)
}

func TestAnalyticsService_Spans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	supplier := NewStaticRowSupplier()
	supplier.SetRows("user-1", sampleRows(12))
	logger := quietLogrus()
	engine := analytics.NewEngine(analytics.Options{ModelDir: t.TempDir()}, logger)
	service := NewAnalyticsService(supplier, engine, nil, nil, telemetry.NewAnalysisTracer(tp), logger)

	_, err := service.Sleep(context.Background(), testRequest())
	require.NoError(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "analysis.fetch_rows", spans[0].Name())
	assert.Equal(t, "analysis.sleep", spans[1].Name())
	assert.Equal(t, spans[1].SpanContext().SpanID(), spans[0].Parent().SpanID())
}

func TestAnalyticsService_EventLogger(t *testing.T) {
	var buf bytes.Buffer
	supplier := NewStaticRowSupplier()
	supplier.SetRows("user-1", sampleRows(8))
	service := newTestService(t, supplier, nil, time.Second)
	service.SetEventLogger(logging.NewStandardLoggerWithWriter(&buf, "info", "test"))

	_, err := service.HRV(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"operation":"hrv"`)
	assert.Contains(t, buf.String(), `"user_id":"user-1"`)
}

func TestAnalyticsService_EventLoggerCacheOperations(t *testing.T) {
	var buf bytes.Buffer
	supplier := NewStaticRowSupplier()
	supplier.SetRows("user-1", sampleRows(8))
	service := newTestService(t, supplier, cache.NewInMemoryAnalysisCache(time.Minute), time.Second)
	service.SetEventLogger(logging.NewStandardLoggerWithWriter(&buf, "debug", ""))

	for i := 0; i < 2; i++ {
		_, err := service.Sleep(context.Background(), testRequest())
		require.NoError(t, err)
	}

	var ops []string
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(line, &entry))
		if entry["event"] != "cache" {
			continue
		}
		assert.Contains(t, entry["key"], "sleep")
		ops = append(ops, fmt.Sprintf("%s:%v", entry["operation"], entry["hit"]))
	}
	assert.Equal(t, []string{"get:false", "set:false", "get:true"}, ops)
}

func TestAnalyticsService_ModelEventsAndListing(t *testing.T) {
	var buf bytes.Buffer
	supplier := NewStaticRowSupplier()
	supplier.SetRows("user-1", sampleRows(31))
	service := newTestService(t, supplier, nil, time.Second)
	service.SetEventLogger(logging.NewStandardLoggerWithWriter(&buf, "info", ""))

	metrics, err := service.Models()
	require.NoError(t, err)
	assert.Empty(t, metrics)

	result, err := service.Forecast(context.Background(), testRequest(), "mood", 3)
	require.NoError(t, err)
	require.Equal(t, analytics.SourceTrained, result.Source)

	metrics, err = service.Models()
	require.NoError(t, err)
	assert.Equal(t, []string{"mood"}, metrics)
	assert.Contains(t, buf.String(), `"model_event":"retrained"`)
	assert.Contains(t, buf.String(), `"metric":"mood"`)
}

func TestAnalyticsService_CancelledCallerDoesNotFailWaiters(t *testing.T) {
	supplier := &countingSupplier{
		rows:    sampleRows(20),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	service := newTestService(t, supplier, cache.NewInMemoryAnalysisCache(time.Minute), 5*time.Second)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := service.Recovery(firstCtx, testRequest())
		firstErr <- err
	}()
	<-supplier.entered

	secondErr := make(chan error, 1)
	var second models.RecoveryReport
	go func() {
		var err error
		second, err = service.Recovery(context.Background(), testRequest())
		secondErr <- err
	}()
	time.Sleep(50 * time.Millisecond)

	cancelFirst()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(supplier.release)
	require.NoError(t, <-secondErr)
	assert.Equal(t, models.StatusOK, second.Status)
	assert.Equal(t, int32(1), supplier.calls.Load())
	assert.Equal(t, int64(1), service.CacheStats().Sets)
}

func TestStaticRowSupplier(t *testing.T) {
	supplier := NewStaticRowSupplier()
	rows := sampleRows(5)
	dup := rows[1]
	dup.Steps = models.Float(1)
	supplier.SetRows("user-1", []models.DailyMetricRow{rows[3], rows[1], dup, rows[0], rows[4], rows[2]})

	got, err := supplier.FetchDailyRows(context.Background(), "user-1", rows[1].Day, rows[3].Day)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, rows[1].Day, got[0].Day)
	assert.Equal(t, *rows[1].Steps, *got[0].Steps)
	assert.Equal(t, rows[3].Day, got[2].Day)

	none, err := supplier.FetchDailyRows(context.Background(), "user-2", testFrom, testTo)
	require.NoError(t, err)
	assert.Empty(t, none)

	boom := errors.New("offline")
	supplier.FailWith(boom)
	_, err = supplier.FetchDailyRows(context.Background(), "user-1", testFrom, testTo)
	assert.ErrorIs(t, err, boom)

	supplier.FailWith(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = supplier.FetchDailyRows(ctx, "user-1", testFrom, testTo)
	assert.ErrorIs(t, err, context.Canceled)
}
