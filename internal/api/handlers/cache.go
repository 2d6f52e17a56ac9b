package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/irfndi/vitals-analytics-go/internal/cache"
	"github.com/irfndi/vitals-analytics-go/internal/services"
)

// CacheMaintainer exposes the response cache, executor counters and the
// persisted forecast models.
type CacheMaintainer interface {
	CacheStats() cache.AnalysisCacheStats
	ClearCache(ctx context.Context) error
	Executor() *services.AnalysisExecutor
	Models() ([]string, error)
}

// CacheHandler serves cache monitoring and maintenance endpoints.
type CacheHandler struct {
	service CacheMaintainer
}

func NewCacheHandler(service CacheMaintainer) *CacheHandler {
	return &CacheHandler{service: service}
}

// GetCacheStats returns response cache hit/miss counters, executor load and
// the metrics that have a trained forecast model on disk.
func (h *CacheHandler) GetCacheStats(c *gin.Context) {
	stats := h.service.CacheStats()
	data := gin.H{
		"cache":    stats,
		"hit_rate": stats.HitRate(),
		"executor": h.service.Executor().Stats(),
	}
	if metrics, err := h.service.Models(); err != nil {
		data["models"] = []string{}
		data["models_error"] = err.Error()
	} else {
		data["models"] = metrics
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}

// ClearCache drops every cached analysis response.
func (h *CacheHandler) ClearCache(c *gin.Context) {
	if err := h.service.ClearCache(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "analysis cache cleared",
	})
}
