package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ErrorWriter writes an error envelope for the route being served.
type ErrorWriter func(c *gin.Context, status int, typ, code, msg string)

// Middleware requires apiKey from local clients. An empty apiKey disables
// the check.
func Middleware(apiKey string, writeErr ErrorWriter) gin.HandlerFunc {
	expected := strings.TrimSpace(apiKey)
	return func(c *gin.Context) {
		if expected == "" {
			c.Next()
			return
		}
		got := Credential(c.Request.Header)
		if subtle.ConstantTimeCompare([]byte(got), []byte(expected)) != 1 {
			writeErr(c, http.StatusUnauthorized, "authentication_error", "invalid_api_key", "unauthorized")
			c.Abort()
			return
		}
		c.Next()
	}
}

// Credential returns the bearer token, falling back to x-api-key.
func Credential(h http.Header) string {
	if v := strings.TrimSpace(h.Get("Authorization")); len(v) > 7 && strings.EqualFold(v[:7], "bearer ") {
		if tok := strings.TrimSpace(v[7:]); tok != "" {
			return tok
		}
	}
	return strings.TrimSpace(h.Get("x-api-key"))
}
