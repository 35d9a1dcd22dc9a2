package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"basegraph.app/ingest/internal/http/dto"
)

// Check probes one dependency.
type Check func(ctx context.Context) error

type OpsHandler struct {
	checks  map[string]Check
	timeout time.Duration
}

func NewOpsHandler(checks map[string]Check, timeout time.Duration) *OpsHandler {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &OpsHandler{checks: checks, timeout: timeout}
}

func (h *OpsHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, dto.HealthResponse{Status: "ok"})
}

// Ready reports 503 when any dependency check fails.
func (h *OpsHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := dto.HealthResponse{Status: "ok", Checks: make(map[string]string, len(names))}
	status := http.StatusOK
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			slog.WarnContext(ctx, "readiness check failed", "check", name, "error", err)
			resp.Checks[name] = err.Error()
			resp.Status = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	c.JSON(status, resp)
}
