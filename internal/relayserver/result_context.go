package relayserver

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/r9s-ai/provider-relay/internal/proxy"
)

// Per-request keys read by the access logger.
const (
	ctxKeyAPI            = "relay.api"
	ctxKeyModel          = "relay.model"
	ctxKeyStream         = "relay.stream"
	ctxKeyAttempts       = "relay.attempts"
	ctxKeyUpstreamStatus = "relay.upstream_status"
	ctxKeyLatencyMs      = "relay.latency_ms"
	ctxKeyClientGone     = "relay.client_gone"
	ctxKeyError          = "relay.error"
)

func setRelayResultContext(c *gin.Context, res *proxy.Result) {
	if c == nil || res == nil {
		return
	}
	c.Set(ctxKeyLatencyMs, res.LatencyMs)
	if res.Attempts > 0 {
		c.Set(ctxKeyAttempts, res.Attempts)
	}
	if res.Status > 0 {
		c.Set(ctxKeyUpstreamStatus, res.Status)
		c.Set(ctxKeyStream, res.Stream)
	}
	if m := strings.TrimSpace(res.Model); m != "" {
		c.Set(ctxKeyModel, m)
	}
	if res.ClientGone {
		c.Set(ctxKeyClientGone, true)
	}
}
