package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/scrape/models"
	"github.com/use-agent/scrape/scheduler"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// Health returns a handler for GET /api/v1/health.
func Health(m *scheduler.Manager, startTime time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		total, running := m.Counts()
		c.JSON(http.StatusOK, models.HealthResponse{
			Status:  "healthy",
			Uptime:  time.Since(startTime).Round(time.Second).String(),
			Jobs:    total,
			Running: running,
			Version: Version,
		})
	}
}
