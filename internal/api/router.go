package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/faceid/internal/api/ws"
	"github.com/your-org/faceid/internal/auth"
	"github.com/your-org/faceid/internal/core"
)

// ReadinessCheck probes one downstream dependency.
type ReadinessCheck func(ctx context.Context) error

// RouterConfig wires the control surface to the pipeline core.
type RouterConfig struct {
	APIKey string
	Core   *core.Core
	Hub    *ws.Hub
	// Checks maps a dependency name to its readiness probe.
	Checks map[string]ReadinessCheck
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(loggingMiddleware())
	r.Use(cors.Default())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, cfg.Core.GetHealth())
	})

	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		checks := map[string]string{}
		healthy := cfg.Core.Ready()
		if !healthy {
			checks["pipeline"] = "not ready"
		} else {
			checks["pipeline"] = "ok"
		}

		for name, check := range cfg.Checks {
			if err := check(ctx); err != nil {
				checks[name] = err.Error()
				healthy = false
			} else {
				checks[name] = "ok"
			}
		}

		status := http.StatusOK
		if !healthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"status": map[bool]string{true: "ready", false: "not ready"}[healthy],
			"checks": checks,
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	v1.Use(auth.APIKeyMiddleware(cfg.APIKey))

	v1.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, cfg.Core.GetStatus())
	})

	v1.POST("/sync-buffer", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
		defer cancel()

		n, err := cfg.Core.SyncBuffer(ctx)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "synced": n})
			return
		}
		c.JSON(http.StatusOK, gin.H{"synced": n})
	})

	if cfg.Hub != nil {
		v1.GET("/ws", cfg.Hub.HandleWS)
	}

	return r
}
