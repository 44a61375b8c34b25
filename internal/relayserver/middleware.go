package relayserver

import (
	"log"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/r9s-ai/provider-relay/internal/config"
	"github.com/r9s-ai/provider-relay/internal/logx"
	"github.com/r9s-ai/provider-relay/internal/metrics"
	"github.com/r9s-ai/provider-relay/internal/requestid"
	"github.com/r9s-ai/provider-relay/internal/trafficdump"
)

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := requestid.FromHeader(c.GetHeader(requestid.HeaderKey))
		c.Header(requestid.HeaderKey, id)
		c.Set(requestid.HeaderKey, id)
		c.Next()
	}
}

// accessLogKeys maps context keys to the field names printed for them.
var accessLogKeys = []struct{ ctx, field string }{
	{ctxKeyAPI, "api"},
	{ctxKeyModel, "model"},
	{ctxKeyStream, "stream"},
	{ctxKeyAttempts, "attempts"},
	{ctxKeyUpstreamStatus, "upstream_status"},
	{ctxKeyClientGone, "client_gone"},
	{ctxKeyError, "error"},
}

func requestLoggerWithColor(l *log.Logger, color bool) gin.HandlerFunc {
	if l == nil {
		l = log.New(os.Stdout, "", log.LstdFlags)
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		latency := time.Since(start)

		fields := map[string]any{}
		if v := c.GetString(requestid.HeaderKey); v != "" {
			fields["request_id"] = v
		}
		for _, k := range accessLogKeys {
			if v, ok := c.Get(k.ctx); ok {
				fields[k.field] = v
			}
		}
		if v, ok := c.Get(ctxKeyLatencyMs); ok {
			fields["latency_ms"] = v
		} else {
			fields["latency_ms"] = latency.Milliseconds()
		}

		l.Println(logx.AccessEntry{
			Time:     time.Now(),
			Status:   status,
			Latency:  latency,
			ClientIP: c.ClientIP(),
			Method:   c.Request.Method,
			Path:     c.Request.URL.Path,
			Fields:   fields,
		}.Format(color))
	}
}

// metricsMiddleware counts requests that reached a family handler.
func metricsMiddleware(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		api := c.GetString(ctxKeyAPI)
		if api == "" {
			return
		}
		m.ObserveRequest(api, c.Writer.Status(), time.Since(start))
	}
}

func trafficDumpMiddleware(cfg *config.Config) gin.HandlerFunc {
	tdcfg := trafficdump.Config{
		Enabled:     cfg.TrafficDump.Enabled,
		Dir:         cfg.TrafficDump.Dir,
		FilePath:    cfg.TrafficDump.FilePath,
		MaxBytes:    cfg.TrafficDump.MaxBytes,
		MaskSecrets: cfg.MaskSecrets(),
	}
	return func(c *gin.Context) {
		rec, err := trafficdump.Start(c, tdcfg)
		if err != nil {
			logx.Debugf("traffic dump disabled for request: %v", err)
			c.Next()
			return
		}
		defer rec.Close()
		c.Next()
	}
}
