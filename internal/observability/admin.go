package observability

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// StatusFunc reports extra fields for /health, e.g. live session counts.
type StatusFunc func() map[string]any

// NewAdminRouter serves /health and /metrics. Guards run before /metrics
// only; /health stays open for probes.
func NewAdminRouter(service string, status StatusFunc, guards ...gin.HandlerFunc) *gin.Engine {
	RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	started := time.Now()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(log.Logger))
	r.Use(RequestMetricsMiddleware())

	r.GET("/health", func(c *gin.Context) {
		body := gin.H{
			"status":  "ok",
			"uptime":  time.Since(started).String(),
			"service": service,
		}
		if status != nil {
			for k, v := range status() {
				body[k] = v
			}
		}
		c.JSON(http.StatusOK, body)
	})
	handlers := append(append([]gin.HandlerFunc{}, guards...), gin.WrapH(promhttp.Handler()))
	r.GET("/metrics", handlers...)
	return r
}
