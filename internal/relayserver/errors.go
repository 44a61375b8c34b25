package relayserver

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/r9s-ai/provider-relay/internal/auth"
	"github.com/r9s-ai/provider-relay/internal/requestid"
	"github.com/r9s-ai/provider-relay/pkg/endpoint"
)

// errorWriterFor returns the envelope writer clients of f expect.
func errorWriterFor(f endpoint.Family) auth.ErrorWriter {
	if f == endpoint.Messages {
		return writeAnthropicError
	}
	return writeOpenAIError
}

func writeError(c *gin.Context, f endpoint.Family, status int, typ, code, msg string) {
	errorWriterFor(f)(c, status, typ, code, msg)
}

func withRequestID(c *gin.Context, msg string) string {
	if c != nil {
		if rid := strings.TrimSpace(c.GetString(requestid.HeaderKey)); rid != "" {
			msg = msg + " (request id: " + rid + ")"
		}
	}
	return msg
}

func writeOpenAIError(c *gin.Context, status int, typ, code, msg string) {
	c.Set(ctxKeyError, code)
	c.AbortWithStatusJSON(status, gin.H{
		"error": gin.H{
			"message": withRequestID(c, msg),
			"type":    typ,
			"code":    code,
		},
	})
}

// writeAnthropicError uses the messages API shape. code has no slot there,
// so it rides along next to type.
func writeAnthropicError(c *gin.Context, status int, typ, code, msg string) {
	c.Set(ctxKeyError, code)
	c.AbortWithStatusJSON(status, gin.H{
		"type": "error",
		"error": gin.H{
			"type":    typ,
			"code":    code,
			"message": withRequestID(c, msg),
		},
	})
}

// routeErrorWriter picks the envelope from the request path, for middleware
// that runs before a family handler.
func routeErrorWriter(c *gin.Context, status int, typ, code, msg string) {
	f, _ := endpoint.FromPath(c.Request.URL.Path)
	writeError(c, f, status, typ, code, msg)
}
