// Package health serves the Kubernetes liveness and readiness probes.
package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/openmeet-labs/signaling/internal/v1/logging"
)

// WorkerChecker reports the media worker's health.
type WorkerChecker interface {
	Check(ctx context.Context) string
}

// HTTPWorkerChecker probes the worker's control API over HTTP.
type HTTPWorkerChecker struct {
	addr   string
	client *http.Client
}

// NewHTTPWorkerChecker builds a checker for the worker at addr (host:port).
func NewHTTPWorkerChecker(addr string) *HTTPWorkerChecker {
	return &HTTPWorkerChecker{
		addr:   addr,
		client: &http.Client{Timeout: 3 * time.Second},
	}
}

// Check reports "healthy" when the worker answers its healthz endpoint.
func (c *HTTPWorkerChecker) Check(ctx context.Context) string {
	url := fmt.Sprintf("http://%s/v1/healthz", c.addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "unhealthy"
	}
	resp, err := c.client.Do(req)
	if err != nil {
		logging.Warn(ctx, "media worker health probe failed", zap.Error(err))
		return "unhealthy"
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		logging.Warn(ctx, "media worker health probe degraded", zap.Int("status", resp.StatusCode))
		return "unhealthy"
	}
	return "healthy"
}

// Handler manages the health check endpoints. Either dependency may be nil
// when disabled; a nil dependency is skipped, not failed.
type Handler struct {
	redis  *redis.Client
	worker WorkerChecker
}

// NewHandler builds the health handler over its optional dependencies.
func NewHandler(redisClient *redis.Client, worker WorkerChecker) *Handler {
	return &Handler{redis: redisClient, worker: worker}
}

// LivenessResponse is the liveness probe body.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse is the readiness probe body.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles GET /health/live. Returns 200 whenever the process is
// up; no dependency checks.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready. Returns 200 only while every
// configured dependency is reachable, 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	if h.redis != nil {
		status := "healthy"
		if err := h.redis.Ping(ctx).Err(); err != nil {
			logging.Warn(ctx, "redis readiness check failed", zap.Error(err))
			status = "unhealthy"
			allHealthy = false
		}
		checks["redis"] = status
	}

	if h.worker != nil {
		status := h.worker.Check(ctx)
		checks["media_worker"] = status
		if status != "healthy" {
			allHealthy = false
		}
	}

	response := ReadinessResponse{
		Status:    "ready",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if !allHealthy {
		response.Status = "not ready"
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}
	c.JSON(http.StatusOK, response)
}
