package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/irfndi/vitals-analytics-go/internal/analytics"
	"github.com/irfndi/vitals-analytics-go/internal/middleware"
	"github.com/irfndi/vitals-analytics-go/internal/models"
	"github.com/irfndi/vitals-analytics-go/internal/services"
	"github.com/irfndi/vitals-analytics-go/internal/utils"
)

// DefaultWindowDays is the day window used when from is omitted.
const DefaultWindowDays = 90

// AnalyticsProvider is the analysis surface the handlers need.
type AnalyticsProvider interface {
	HRV(ctx context.Context, req services.AnalysisRequest) (models.HRVSeries, error)
	Recovery(ctx context.Context, req services.AnalysisRequest) (models.RecoveryReport, error)
	Sleep(ctx context.Context, req services.AnalysisRequest) (models.SleepReport, error)
	Correlations(ctx context.Context, req services.AnalysisRequest, fields []string) (models.CorrelationResult, error)
	Clusters(ctx context.Context, req services.AnalysisRequest, k int) (models.ClusterResult, error)
	Forecast(ctx context.Context, req services.AnalysisRequest, metric string, horizon int) (models.ForecastResult, error)
}

// AnalyticsHandler serves the /api/v1/analytics endpoints.
type AnalyticsHandler struct {
	service AnalyticsProvider
	now     func() time.Time
}

func NewAnalyticsHandler(service AnalyticsProvider) *AnalyticsHandler {
	return &AnalyticsHandler{service: service, now: time.Now}
}

// GetHRV returns the normalized HRV series.
func (h *AnalyticsHandler) GetHRV(c *gin.Context) {
	req, ok := h.request(c)
	if !ok {
		return
	}
	result, err := h.service.HRV(c.Request.Context(), req)
	respond(c, result, err)
}

// GetRecovery returns daily recovery composites and deviation events.
func (h *AnalyticsHandler) GetRecovery(c *gin.Context) {
	req, ok := h.request(c)
	if !ok {
		return
	}
	result, err := h.service.Recovery(c.Request.Context(), req)
	respond(c, result, err)
}

func (h *AnalyticsHandler) GetSleep(c *gin.Context) {
	req, ok := h.request(c)
	if !ok {
		return
	}
	result, err := h.service.Sleep(c.Request.Context(), req)
	respond(c, result, err)
}

// GetCorrelations accepts an optional comma-separated fields list.
func (h *AnalyticsHandler) GetCorrelations(c *gin.Context) {
	req, ok := h.request(c)
	if !ok {
		return
	}
	fields := utils.ParseList(c.Query("fields"))
	result, err := h.service.Correlations(c.Request.Context(), req, fields)
	respond(c, result, err)
}

// GetClusters accepts an optional k; omitted means the configured count.
func (h *AnalyticsHandler) GetClusters(c *gin.Context) {
	req, ok := h.request(c)
	if !ok {
		return
	}
	k, err := utils.ParseBoundedInt("k", c.Query("k"), 0, 2, services.MaxClusterCount)
	if err != nil {
		writeError(c, err)
		return
	}
	result, err := h.service.Clusters(c.Request.Context(), req, k)
	respond(c, result, err)
}

// GetForecast projects the :metric path parameter over an optional horizon.
func (h *AnalyticsHandler) GetForecast(c *gin.Context) {
	req, ok := h.request(c)
	if !ok {
		return
	}
	horizon, err := utils.ParseBoundedInt("horizon", c.Query("horizon"), 0, 1, analytics.MaxForecastHorizon)
	if err != nil {
		writeError(c, err)
		return
	}
	metric := c.Param("metric")
	middleware.AddSpanAttribute(c, "analysis.metric", metric)
	result, err := h.service.Forecast(c.Request.Context(), req, metric, horizon)
	respond(c, result, err)
}

// request parses user_id, from and to. to defaults to today (UTC) and from
// to DefaultWindowDays-1 days before to.
func (h *AnalyticsHandler) request(c *gin.Context) (services.AnalysisRequest, bool) {
	userID := c.Query("user_id")
	if userID == "" {
		writeError(c, utils.FieldError("user_id", "is required"))
		return services.AnalysisRequest{}, false
	}

	now := h.now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	to, err := utils.ParseDay("to", c.Query("to"), today)
	if err != nil {
		writeError(c, err)
		return services.AnalysisRequest{}, false
	}
	from, err := utils.ParseDay("from", c.Query("from"), to.AddDate(0, 0, -(DefaultWindowDays-1)))
	if err != nil {
		writeError(c, err)
		return services.AnalysisRequest{}, false
	}

	middleware.AddSpanAttribute(c, "analysis.user_id", userID)
	return services.AnalysisRequest{UserID: userID, From: from, To: to}, true
}

func respond(c *gin.Context, result interface{}, err error) {
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    result,
	})
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	var validationErr *utils.ValidationError
	switch {
	case errors.As(err, &validationErr), errors.Is(err, services.ErrInvalidParameter):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, services.ErrExecutorClosed), errors.Is(err, services.ErrSupplierUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		middleware.RecordError(c, err, "analysis failed")
		message = "internal error"
	}
	_ = c.Error(err)
	c.JSON(status, gin.H{
		"success": false,
		"error":   message,
	})
}
