package proxy

import (
	"net/http"
	"strings"

	"github.com/r9s-ai/provider-relay/internal/auth"
	"github.com/r9s-ai/provider-relay/pkg/endpoint"
)

var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Inbound headers that are replaced rather than forwarded.
var droppedRequestHeaders = []string{
	"Host",
	"Content-Length",
	"Accept-Encoding",
	"Authorization",
	"X-Api-Key",
	"Cookie",
}

// removeHopByHop deletes hop-by-hop headers, including any named by the
// Connection header.
func removeHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// buildUpstreamHeaders derives the upstream header set from the inbound one.
// The configured upstream key wins over the client's credential.
func (c *Client) buildUpstreamHeaders(in http.Header, f endpoint.Family, hasBody bool) http.Header {
	out := in.Clone()
	if out == nil {
		out = http.Header{}
	}
	removeHopByHop(out)
	for _, name := range droppedRequestHeaders {
		out.Del(name)
	}

	key := strings.TrimSpace(c.APIKey)
	if key == "" {
		key = auth.Credential(in)
	}
	if key != "" {
		out.Set("Authorization", "Bearer "+key)
		if f == endpoint.Messages {
			out.Set("X-Api-Key", key)
		}
	}
	if hasBody {
		out.Set("Content-Type", "application/json")
	}
	if v := strings.TrimSpace(c.Referer); v != "" {
		out.Set("HTTP-Referer", v)
	}
	if v := strings.TrimSpace(c.Title); v != "" {
		out.Set("X-Title", v)
	}
	if out.Get("User-Agent") == "" && c.UserAgent != "" {
		out.Set("User-Agent", c.UserAgent)
	}
	return out
}

// copyResponseHeaders copies upstream headers to dst. Content-Length is left
// to net/http since the transport may have decoded the body.
func copyResponseHeaders(dst, src http.Header) {
	h := src.Clone()
	removeHopByHop(h)
	h.Del("Content-Length")
	for k, vs := range h {
		dst.Del(k)
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
