package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"basegraph.app/ingest/internal/http/handler"
	httprouter "basegraph.app/ingest/internal/http/router"
)

func do(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

var _ = Describe("OpsHandler", func() {
	var router *gin.Engine

	setup := func(checks map[string]handler.Check) {
		gin.SetMode(gin.TestMode)
		router = gin.New()
		h := handler.NewOpsHandler(checks, time.Second)
		router.GET("/healthz", h.Health)
		router.GET("/readyz", h.Ready)
	}

	It("is always healthy", func() {
		setup(nil)
		Expect(do(router, http.MethodGet, "/healthz", "").Code).To(Equal(http.StatusOK))
	})

	It("is ready when every check passes", func() {
		setup(map[string]handler.Check{
			"redis":    func(context.Context) error { return nil },
			"postgres": func(context.Context) error { return nil },
		})

		w := do(router, http.MethodGet, "/readyz", "")
		Expect(w.Code).To(Equal(http.StatusOK))
	})

	It("reports the failing dependency", func() {
		setup(map[string]handler.Check{
			"redis":    func(context.Context) error { return errors.New("connection refused") },
			"postgres": func(context.Context) error { return nil },
		})

		w := do(router, http.MethodGet, "/readyz", "")
		Expect(w.Code).To(Equal(http.StatusServiceUnavailable))

		var resp struct {
			Status string            `json:"status"`
			Checks map[string]string `json:"checks"`
		}
		Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp.Status).To(Equal("unavailable"))
		Expect(resp.Checks).To(Equal(map[string]string{"redis": "connection refused", "postgres": "ok"}))
	})
})

var _ = Describe("SetupRoutes", func() {
	It("serves probes and metrics only", func() {
		gin.SetMode(gin.TestMode)
		router := gin.New()
		metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("ingest_tasks_total 1\n"))
		})
		httprouter.SetupRoutes(router, httprouter.Handlers{
			Ops: handler.NewOpsHandler(nil, time.Second),
		}, httprouter.RouterConfig{Metrics: metrics})

		Expect(do(router, http.MethodGet, "/healthz", "").Code).To(Equal(http.StatusOK))
		Expect(do(router, http.MethodGet, "/readyz", "").Code).To(Equal(http.StatusOK))

		w := do(router, http.MethodGet, "/metrics", "")
		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Body.String()).To(ContainSubstring("ingest_tasks_total"))

		Expect(do(router, http.MethodPost, "/api/v1/events", "{}").Code).To(Equal(http.StatusNotFound))
	})
})
