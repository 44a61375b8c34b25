package relayserver

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/r9s-ai/provider-relay/internal/auth"
	"github.com/r9s-ai/provider-relay/internal/config"
	"github.com/r9s-ai/provider-relay/internal/metrics"
	"github.com/r9s-ai/provider-relay/internal/proxy"
	"github.com/r9s-ai/provider-relay/pkg/endpoint"
)

// NewRouter wires the relay routes. accessLogger may be nil to disable
// access lines; m may be nil to disable metrics.
func NewRouter(cfg *config.Config, st *state, pclient *proxy.Client, m *metrics.Metrics, accessLogger *log.Logger, accessColor bool) *gin.Engine {
	r := gin.New()
	r.Use(requestIDMiddleware())
	if accessLogger != nil {
		r.Use(requestLoggerWithColor(accessLogger, accessColor))
	}
	r.Use(metricsMiddleware(m))
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	if m != nil && cfg.MetricsEnabled() {
		r.GET(cfg.Metrics.Path, gin.WrapH(m.Handler()))
	}

	v1 := r.Group("/v1")
	v1.Use(auth.Middleware(cfg.Auth.APIKey, routeErrorWriter))
	if cfg.TrafficDump.Enabled {
		v1.Use(trafficDumpMiddleware(cfg))
	}
	for _, f := range endpoint.Forwardable {
		v1.POST(trimPath(f.Path()), makeHandler(st, pclient, m, cfg.Server.MaxBodyBytes, f))
	}
	v1.GET(trimPath(endpoint.Models.Path()), makeModelsHandler(pclient, m))

	r.NoRoute(func(c *gin.Context) {
		routeErrorWriter(c, http.StatusNotFound, "not_found_error", "route_not_found", "no route for "+c.Request.Method+" "+c.Request.URL.Path)
	})
	return r
}
