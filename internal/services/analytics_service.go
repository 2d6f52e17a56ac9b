package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/irfndi/vitals-analytics-go/internal/analytics"
	"github.com/irfndi/vitals-analytics-go/internal/cache"
	"github.com/irfndi/vitals-analytics-go/internal/logging"
	"github.com/irfndi/vitals-analytics-go/internal/models"
	"github.com/irfndi/vitals-analytics-go/internal/telemetry"
)

// ErrInvalidParameter marks a request the service refuses before touching data.
var ErrInvalidParameter = errors.New("invalid analysis parameter")

const (
	// MaxRangeDays bounds the requested day window.
	MaxRangeDays = 730
	// MaxClusterCount bounds the requested k.
	MaxClusterCount = 10
)

// Operation names, also used as cache key prefixes and span names.
const (
	OperationHRV          = "hrv"
	OperationRecovery     = "recovery"
	OperationSleep        = "sleep"
	OperationCorrelations = "correlations"
	OperationClusters     = "clusters"
	OperationForecast     = "forecast"
)

// MetricRowSupplier yields one user's day-ordered metric rows within
// [from, to], at most one row per calendar day.
type MetricRowSupplier interface {
	FetchDailyRows(ctx context.Context, userID string, from, to time.Time) ([]models.DailyMetricRow, error)
}

// AnalysisRequest selects whose rows to analyze and over which days.
type AnalysisRequest struct {
	UserID string
	From   time.Time
	To     time.Time
}

func (r AnalysisRequest) validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidParameter)
	}
	if r.From.IsZero() || r.To.IsZero() {
		return fmt.Errorf("%w: from and to are required", ErrInvalidParameter)
	}
	if r.To.Before(r.From) {
		return fmt.Errorf("%w: to %s is before from %s", ErrInvalidParameter, models.DayKey(r.To), models.DayKey(r.From))
	}
	if r.To.Sub(r.From) > MaxRangeDays*24*time.Hour {
		return fmt.Errorf("%w: range exceeds %d days", ErrInvalidParameter, MaxRangeDays)
	}
	return nil
}

func (r AnalysisRequest) keyParams(extra ...string) []string {
	return append([]string{r.UserID, models.DayKey(r.From), models.DayKey(r.To)}, extra...)
}

// AnalyticsService runs supplier -> engine for each analysis, with response
// caching, single-flight deduplication, a bounded executor and tracing.
type AnalyticsService struct {
	supplier    MetricRowSupplier
	engine      *analytics.Engine
	executor    *AnalysisExecutor
	cache       cache.AnalysisCache
	tracer      *telemetry.AnalysisTracer
	logger      *logrus.Logger
	eventLogger logging.Logger
	group       singleflight.Group
}

// NewAnalyticsService wires the service. A nil cache disables caching.
func NewAnalyticsService(
	supplier MetricRowSupplier,
	engine *analytics.Engine,
	executor *AnalysisExecutor,
	analysisCache cache.AnalysisCache,
	tracer *telemetry.AnalysisTracer,
	logger *logrus.Logger,
) *AnalyticsService {
	if logger == nil {
		logger = logrus.New()
	}
	if executor == nil {
		executor = NewAnalysisExecutor(DefaultExecutorConfig(), logger)
	}
	if tracer == nil {
		tracer = telemetry.NewAnalysisTracer(nil)
	}
	return &AnalyticsService{
		supplier: supplier,
		engine:   engine,
		executor: executor,
		cache:    analysisCache,
		tracer:   tracer,
		logger:   logger,
	}
}

// SetEventLogger routes per-call analysis, cache and forecast model events
// to the application logger.
func (s *AnalyticsService) SetEventLogger(l logging.Logger) {
	s.eventLogger = l
	if s.engine != nil {
		s.engine.SetEventLogger(l)
	}
}

func (s *AnalyticsService) Engine() *analytics.Engine {
	return s.engine
}

func (s *AnalyticsService) Executor() *AnalysisExecutor {
	return s.executor
}

// CacheStats reports the response cache counters; zero when caching is off.
func (s *AnalyticsService) CacheStats() cache.AnalysisCacheStats {
	if s.cache == nil {
		return cache.AnalysisCacheStats{}
	}
	return s.cache.GetStats()
}

// Models lists the metrics with a persisted forecast model.
func (s *AnalyticsService) Models() ([]string, error) {
	return s.engine.Models()
}

// HRV returns the normalized HRV series.
func (s *AnalyticsService) HRV(ctx context.Context, req AnalysisRequest) (models.HRVSeries, error) {
	return runAnalysis(ctx, s, OperationHRV, req, nil, func(rows []models.DailyMetricRow) (models.HRVSeries, error) {
		return s.engine.HRV(rows), nil
	})
}

// Recovery returns per-day recovery composites and deviation events.
func (s *AnalyticsService) Recovery(ctx context.Context, req AnalysisRequest) (models.RecoveryReport, error) {
	return runAnalysis(ctx, s, OperationRecovery, req, nil, func(rows []models.DailyMetricRow) (models.RecoveryReport, error) {
		return s.engine.Recovery(rows), nil
	})
}

// Sleep returns sleep efficiency and timing statistics.
func (s *AnalyticsService) Sleep(ctx context.Context, req AnalysisRequest) (models.SleepReport, error) {
	return runAnalysis(ctx, s, OperationSleep, req, nil, func(rows []models.DailyMetricRow) (models.SleepReport, error) {
		return s.engine.Sleep(rows), nil
	})
}

// Correlations correlates fields; an empty list selects the default fields.
func (s *AnalyticsService) Correlations(ctx context.Context, req AnalysisRequest, fields []string) (models.CorrelationResult, error) {
	for _, f := range fields {
		if !analytics.IsCorrelationField(f) {
			return models.CorrelationResult{}, fmt.Errorf("%w: unknown correlation field %q", ErrInvalidParameter, f)
		}
	}
	return runAnalysis(ctx, s, OperationCorrelations, req, []string{strings.Join(fields, ",")},
		func(rows []models.DailyMetricRow) (models.CorrelationResult, error) {
			return s.engine.Correlations(rows, fields), nil
		})
}

// Clusters groups complete days; k == 0 uses the configured count.
func (s *AnalyticsService) Clusters(ctx context.Context, req AnalysisRequest, k int) (models.ClusterResult, error) {
	if k == 0 {
		k = s.engine.Options().ClusterCount
	}
	if k < 2 || k > MaxClusterCount {
		return models.ClusterResult{}, fmt.Errorf("%w: k must be between 2 and %d, got %d", ErrInvalidParameter, MaxClusterCount, k)
	}
	return runAnalysis(ctx, s, OperationClusters, req, []string{strconv.Itoa(k)},
		func(rows []models.DailyMetricRow) (models.ClusterResult, error) {
			return s.engine.Clusters(rows, k), nil
		})
}

// Forecast projects metric over horizon days; horizon == 0 uses the
// configured horizon.
func (s *AnalyticsService) Forecast(ctx context.Context, req AnalysisRequest, metric string, horizon int) (models.ForecastResult, error) {
	if !analytics.IsForecastMetric(metric) {
		return models.ForecastResult{}, fmt.Errorf("%w: cannot forecast %q, expected one of %s",
			ErrInvalidParameter, metric, strings.Join(analytics.ForecastMetrics(), ", "))
	}
	if horizon == 0 {
		horizon = s.engine.Options().ForecastHorizon
	}
	if horizon < 1 || horizon > analytics.MaxForecastHorizon {
		return models.ForecastResult{}, fmt.Errorf("%w: horizon must be between 1 and %d, got %d",
			ErrInvalidParameter, analytics.MaxForecastHorizon, horizon)
	}
	return runAnalysis(ctx, s, OperationForecast, req, []string{metric, strconv.Itoa(horizon)},
		func(rows []models.DailyMetricRow) (models.ForecastResult, error) {
			result, err := s.engine.Forecast(rows, metric, horizon)
			if errors.Is(err, analytics.ErrUnknownMetric) {
				return result, fmt.Errorf("%w: %v", ErrInvalidParameter, err)
			}
			return result, err
		})
}

// ClearCache drops every cached analysis response.
func (s *AnalyticsService) ClearCache(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Clear(ctx)
}

type computed[T any] struct {
	result T
	rows   int
}

// runAnalysis serves op from the cache when possible. Concurrent misses for
// the same key share one computation, detached from caller cancellation so
// the executor's call timeout is its only deadline.
func runAnalysis[T any](
	ctx context.Context,
	s *AnalyticsService,
	op string,
	req AnalysisRequest,
	params []string,
	compute func(rows []models.DailyMetricRow) (T, error),
) (T, error) {
	var zero T
	if err := req.validate(); err != nil {
		return zero, err
	}

	start := time.Now()
	ctx, span := s.tracer.TraceAnalysis(ctx, op, req.UserID)
	defer span.End()

	key := cache.Key(op, req.keyParams(params...)...)
	if cached, ok := cachedResult[T](ctx, s, key, op); ok {
		status, reason := resultStatus(cached)
		s.tracer.RecordAnalysisResult(span, telemetry.AnalysisResult{Status: status, Reason: reason, Cached: true})
		s.logAnalysis(op, req.UserID, status, start)
		return cached, nil
	}

	flight := s.group.DoChan(key, func() (interface{}, error) {
		flightCtx := context.WithoutCancel(ctx)
		data, err := s.executor.Execute(flightCtx, op, func(ctx context.Context) (interface{}, error) {
			rows, err := s.fetchRows(ctx, req)
			if err != nil {
				return nil, err
			}
			result, err := compute(rows)
			if err != nil {
				return nil, err
			}
			return computed[T]{result: result, rows: len(rows)}, nil
		})
		if err != nil {
			return nil, err
		}
		s.storeResult(flightCtx, key, data.(computed[T]).result)
		return data, nil
	})

	var (
		v   interface{}
		err error
	)
	select {
	case res := <-flight:
		v, err = res.Val, res.Err
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		telemetry.RecordError(span, err)
		s.logger.WithFields(logrus.Fields{
			"operation": op,
			"user_id":   req.UserID,
			"error":     err.Error(),
		}).Error("Analysis failed")
		s.logAnalysis(op, req.UserID, "error", start)
		return zero, err
	}

	out := v.(computed[T])
	status, reason := resultStatus(out.result)
	s.tracer.RecordAnalysisResult(span, telemetry.AnalysisResult{Status: status, Reason: reason, Rows: out.rows})
	s.logAnalysis(op, req.UserID, status, start)
	return out.result, nil
}

func cachedResult[T any](ctx context.Context, s *AnalyticsService, key, op string) (T, bool) {
	var out T
	if s.cache == nil {
		return out, false
	}
	start := time.Now()
	payload, ok := s.cache.Get(ctx, key)
	s.logCacheOperation("get", key, ok, start)
	if !ok {
		return out, false
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		s.logger.WithFields(logrus.Fields{
			"operation": op,
			"key":       key,
			"error":     err.Error(),
		}).Warn("Ignoring undecodable cached analysis")
		var zero T
		return zero, false
	}
	return out, true
}

func (s *AnalyticsService) storeResult(ctx context.Context, key string, result interface{}) {
	if s.cache == nil {
		return
	}
	payload, err := json.Marshal(result)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"key":   key,
			"error": err.Error(),
		}).Warn("Failed to encode analysis for cache")
		return
	}
	start := time.Now()
	s.cache.Set(ctx, key, payload)
	s.logCacheOperation("set", key, false, start)
}

func (s *AnalyticsService) fetchRows(ctx context.Context, req AnalysisRequest) ([]models.DailyMetricRow, error) {
	ctx, span := s.tracer.TraceRowFetch(ctx, req.UserID)
	defer span.End()

	rows, err := s.supplier.FetchDailyRows(ctx, req.UserID, req.From, req.To)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("failed to fetch daily rows: %w", err)
	}
	telemetry.SetSpanAttributes(span, attribute.Int("analysis.rows", len(rows)))
	return rows, nil
}

func (s *AnalyticsService) logCacheOperation(op, key string, hit bool, start time.Time) {
	if s.eventLogger == nil {
		return
	}
	s.eventLogger.LogCacheOperation(op, key, hit, time.Since(start).Milliseconds())
}

func (s *AnalyticsService) logAnalysis(op, userID, status string, start time.Time) {
	if s.eventLogger == nil {
		return
	}
	s.eventLogger.LogAnalysis(op, userID, status, time.Since(start).Milliseconds())
}

// resultStatus extracts the status and reason every analysis result carries.
func resultStatus(result interface{}) (string, string) {
	switch r := result.(type) {
	case models.HRVSeries:
		return r.Status, r.Reason
	case models.RecoveryReport:
		return r.Status, r.Reason
	case models.SleepReport:
		return r.Status, r.Reason
	case models.ClusterResult:
		return r.Status, r.Reason
	case models.ForecastResult:
		return r.Status, r.Reason
	case models.CorrelationResult:
		if r.Meta.Reason != "" {
			return models.StatusInsufficientData, r.Meta.Reason
		}
		return models.StatusOK, ""
	}
	return models.StatusOK, ""
}
