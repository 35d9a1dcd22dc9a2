package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"basegraph.app/ingest/internal/http/handler"
)

type Handlers struct {
	Ops *handler.OpsHandler
}

type RouterConfig struct {
	// Metrics serves the Prometheus scrape endpoint.
	Metrics http.Handler
}

func SetupRoutes(router *gin.Engine, h Handlers, cfg RouterConfig) {
	router.GET("/healthz", h.Ops.Health)
	router.GET("/readyz", h.Ops.Ready)
	if cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapH(cfg.Metrics))
	}
}
