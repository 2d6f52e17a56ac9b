package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/irfndi/vitals-analytics-go/internal/middleware"
)

const (
	statusHealthy       = "healthy"
	statusDegraded      = "degraded"
	statusNotConfigured = "not configured"
)

// HealthChecker is anything that can report its own reachability.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type HealthHandler struct {
	db        HealthChecker
	redis     HealthChecker
	version   string
	startTime time.Time
	timeout   time.Duration
	memory    func() (*mem.VirtualMemoryStat, error)
}

type MemoryStatus struct {
	TotalBytes  uint64  `json:"total_bytes"`
	UsedBytes   uint64  `json:"used_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services"`
	Version   string            `json:"version"`
	Uptime    string            `json:"uptime"`
	Memory    *MemoryStatus     `json:"memory,omitempty"`
}

// NewHealthHandler creates the handler. A nil redis checker means the
// in-memory cache backend is in use and redis is not required.
func NewHealthHandler(db, redis HealthChecker, version string) *HealthHandler {
	return &HealthHandler{
		db:        db,
		redis:     redis,
		version:   version,
		startTime: time.Now(),
		timeout:   3 * time.Second,
		memory:    mem.VirtualMemory,
	}
}

// HealthCheck reports dependency status and host memory. Any failing
// dependency makes the response 503.
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	services := map[string]string{
		"database": h.check(ctx, h.db),
		"redis":    h.check(ctx, h.redis),
	}

	overall := statusHealthy
	for _, status := range services {
		if status != statusHealthy && status != statusNotConfigured {
			overall = statusDegraded
			break
		}
	}
	if services["database"] == statusNotConfigured {
		overall = statusDegraded
	}

	response := HealthResponse{
		Status:    overall,
		Timestamp: time.Now(),
		Services:  services,
		Version:   h.version,
		Uptime:    time.Since(h.startTime).String(),
		Memory:    h.memoryStatus(),
	}

	code := http.StatusOK
	if overall != statusHealthy {
		code = http.StatusServiceUnavailable
	}
	middleware.AddSpanAttribute(c, "health.status", middleware.HealthStatusFromCode(code))
	c.JSON(code, response)
}

// ReadinessCheck is the strict variant: the database must answer.
func (h *HealthHandler) ReadinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	status := h.check(ctx, h.db)
	if status != statusHealthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"ready":    false,
			"services": gin.H{"database": status},
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ready":    true,
		"services": gin.H{"database": status},
	})
}

func (h *HealthHandler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (h *HealthHandler) check(ctx context.Context, checker HealthChecker) string {
	if checker == nil {
		return statusNotConfigured
	}
	if err := checker.HealthCheck(ctx); err != nil {
		return "unhealthy: " + err.Error()
	}
	return statusHealthy
}

func (h *HealthHandler) memoryStatus() *MemoryStatus {
	vm, err := h.memory()
	if err != nil || vm == nil {
		return nil
	}
	return &MemoryStatus{
		TotalBytes:  vm.Total,
		UsedBytes:   vm.Used,
		UsedPercent: vm.UsedPercent,
	}
}
