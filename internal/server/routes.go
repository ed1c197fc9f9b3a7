// Package server exposes the computation engine and record store over a
// JSON HTTP API.
package server

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/dlovans/fieldcalc/internal/metrics"
)

// RegisterRoutes mounts the API on rg.
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	rg.GET("/health", h.HandleHealth)

	// Stateless engine calls
	rg.POST("/evaluate", h.HandleEvaluate)
	rg.POST("/resolve", h.HandleResolve)
	rg.POST("/history", h.HandleHistory)

	schemas := rg.Group("/schemas")
	{
		schemas.PUT("/:context", h.HandlePutSchema)
		schemas.GET("/:context", h.HandleGetSchema)
	}

	records := rg.Group("/records")
	{
		records.GET("", h.HandleListRecords)
		records.PUT("/:id", h.HandlePutRecord)
		records.GET("/:id", h.HandleGetRecord)
		records.POST("/:id/resolve", h.HandleResolveRecord)
		records.POST("/:id/commands", h.HandleCommand)
		records.POST("/:id/submit", h.HandleSubmit)
	}
}

// NewRouter builds the full engine: recovery, request logging, metrics and
// the /v1 API. m may be nil. When origins is non-empty, browser clients from
// those origins are allowed; "*" allows any origin.
func NewRouter(h *Handlers, m *metrics.Metrics, log logrus.FieldLogger, origins ...string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(log, m))
	if len(origins) > 0 {
		router.Use(cors.New(corsConfig(origins)))
	}
	if m != nil {
		router.GET("/metrics", gin.WrapH(m.Handler()))
	}
	RegisterRoutes(router.Group("/v1"), h)
	return router
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.DefaultConfig()
	if slices.Contains(origins, "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	cfg.AddAllowMethods(http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions)
	cfg.AddExposeHeaders("Content-Length")
	return cfg
}

func requestLogger(log logrus.FieldLogger, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		if m != nil && route != "/metrics" {
			m.Request(route, c.Writer.Status(), elapsed)
		}
		entry := log.WithFields(logrus.Fields{
			"module":  "server",
			"method":  c.Request.Method,
			"route":   route,
			"status":  c.Writer.Status(),
			"latency": elapsed.String(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("request failed")
		} else {
			entry.Debug("request")
		}
	}
}

// Run serves router on addr until ctx is canceled, then shuts down within
// the grace period.
func Run(ctx context.Context, addr string, router http.Handler, grace time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
