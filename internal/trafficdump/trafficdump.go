// Package trafficdump writes one debug file per request holding the origin
// request, the rewritten upstream request, each attempt and the response.
package trafficdump

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/r9s-ai/provider-relay/internal/requestid"
)

const (
	ctxKeyRecorder = "relay.traffic_dump_recorder"
)

type Config struct {
	Enabled     bool
	Dir         string
	FilePath    string
	MaxBytes    int
	MaskSecrets bool
}

type Recorder struct {
	mu       sync.Mutex
	f        *os.File
	path     string
	maxBytes int
	mask     bool
	closed   bool
}

// Start opens the dump file for the request in c and attaches the recorder
// to c. cfg.FilePath is a text/template; {{.request_id}} is available.
func Start(c *gin.Context, cfg Config) (*Recorder, error) {
	if c == nil || c.Request == nil {
		return nil, errors.New("context is nil")
	}
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, errors.New("traffic_dump.dir is empty")
	}
	if strings.TrimSpace(cfg.FilePath) == "" {
		return nil, errors.New("traffic_dump.file_path is empty")
	}
	if cfg.MaxBytes < 0 {
		return nil, errors.New("traffic_dump.max_bytes must be non-negative")
	}

	rid := RequestID(c)
	tmpl, err := template.New("path").Option("missingkey=zero").Parse(cfg.FilePath)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, map[string]string{"request_id": rid}); err != nil {
		return nil, err
	}

	dir := strings.TrimSpace(cfg.Dir)
	path := filepath.Join(dir, filepath.Clean("/"+buf.String()))
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	// #nosec G304 -- path is derived from configured dump dir and template.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, err
	}

	r := &Recorder{
		f:        f,
		path:     path,
		maxBytes: cfg.MaxBytes,
		mask:     cfg.MaskSecrets,
	}
	c.Set(ctxKeyRecorder, r)

	r.writeLine("=== META ===")
	r.writeLine(fmt.Sprintf("time=%s", time.Now().Format(time.RFC3339)))
	r.writeLine(fmt.Sprintf("request_id=%s", rid))
	r.writeLine(fmt.Sprintf("method=%s", c.Request.Method))
	r.writeLine(fmt.Sprintf("path=%s", maskURLIfNeeded(c.Request.URL.String(), r.mask)))
	r.writeLine(fmt.Sprintf("client_ip=%s", c.ClientIP()))
	r.writeLine("headers:")
	r.writeHeaders(c.Request.Header)
	r.writeLine("")

	return r, nil
}

// RequestID returns the id set by the request id middleware, generating one
// when the middleware did not run.
func RequestID(c *gin.Context) string {
	if c == nil {
		return ""
	}
	if v := strings.TrimSpace(c.GetString(requestid.HeaderKey)); v != "" {
		return v
	}
	id := requestid.Gen()
	c.Set(requestid.HeaderKey, id)
	c.Header(requestid.HeaderKey, id)
	return id
}

func FromContext(c *gin.Context) *Recorder {
	if c == nil {
		return nil
	}
	v, ok := c.Get(ctxKeyRecorder)
	if !ok {
		return nil
	}
	rec, _ := v.(*Recorder)
	return rec
}

func (r *Recorder) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}

func (r *Recorder) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	_ = r.f.Close()
}

func (r *Recorder) MaxBytes() int {
	if r == nil {
		return 0
	}
	return r.maxBytes
}

func (r *Recorder) writeLine(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	_, _ = r.f.WriteString(s)
	_, _ = r.f.WriteString("\n")
}

func (r *Recorder) writeHeaders(h map[string][]string) {
	for k, vals := range h {
		for _, v := range vals {
			r.writeLine(fmt.Sprintf("  %s: %s", k, maskIfNeeded(k, v, r.mask)))
		}
	}
}

func (r *Recorder) writeBlock(title string, content []byte) {
	content, truncated := LimitBytes(content, r.maxBytes)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if title != "" {
		_, _ = r.f.WriteString(title)
		_, _ = r.f.WriteString("\n")
	}
	_, _ = r.f.Write(content)
	if len(content) == 0 || content[len(content)-1] != '\n' {
		_, _ = r.f.WriteString("\n")
	}
	if truncated {
		_, _ = r.f.WriteString("[truncated]\n")
	}
	_, _ = r.f.WriteString("\n")
}

func maskIfNeeded(key, val string, on bool) string {
	if !on {
		return val
	}
	lk := strings.ToLower(key)
	if strings.Contains(lk, "authorization") ||
		strings.Contains(lk, "api-key") ||
		lk == "cookie" ||
		strings.Contains(lk, "token") {
		return "[REDACTED]"
	}
	return val
}

func maskURLIfNeeded(rawURL string, on bool) string {
	if !on {
		return rawURL
	}
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return rawURL
	}
	q := u.Query()
	if len(q) == 0 {
		return rawURL
	}

	changed := false
	for k := range q {
		lk := strings.ToLower(strings.TrimSpace(k))
		if lk == "key" || lk == "api_key" || lk == "apikey" ||
			strings.Contains(lk, "token") || strings.Contains(lk, "secret") {
			q.Set(k, "[REDACTED]")
			changed = true
		}
	}
	if !changed {
		return rawURL
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// AppendOriginRequest records the body as received from the client.
func AppendOriginRequest(c *gin.Context, body []byte) {
	if r := FromContext(c); r != nil {
		r.writeBlock("=== ORIGIN REQUEST ===", body)
	}
}

// AppendUpstreamRequest records the rewritten request sent upstream.
func AppendUpstreamRequest(c *gin.Context, method, rawURL string, headers map[string][]string, body []byte) {
	if r := FromContext(c); r != nil {
		r.writeLine("=== UPSTREAM REQUEST ===")
		r.writeLine(fmt.Sprintf("%s %s", method, maskURLIfNeeded(rawURL, r.mask)))
		r.writeHeaders(headers)
		r.writeLine("")
		if len(body) > 0 {
			r.writeBlock("", body)
		}
	}
}

// AppendRetry records a rate-limited attempt and the wait before the next one.
func AppendRetry(c *gin.Context, attempt, status int, delay time.Duration) {
	if r := FromContext(c); r != nil {
		r.writeLine(fmt.Sprintf("=== RETRY === attempt=%d status=%d wait=%s", attempt, status, delay))
	}
}

// AppendUpstreamResponse records the final upstream status and headers, and
// body when it was buffered.
func AppendUpstreamResponse(c *gin.Context, statusLine string, headers map[string][]string, body []byte) {
	if r := FromContext(c); r != nil {
		r.writeLine("=== UPSTREAM RESPONSE ===")
		r.writeLine(statusLine)
		r.writeHeaders(headers)
		r.writeLine("")
		if body != nil {
			r.writeBlock("", body)
		}
	}
}

// AppendStreamBody records the captured prefix of a relayed stream.
func AppendStreamBody(c *gin.Context, body []byte, truncated bool) {
	if r := FromContext(c); r != nil {
		r.writeBlock("=== STREAM BODY ===", body)
		if truncated {
			r.writeLine("[truncated]")
			r.writeLine("")
		}
	}
}

// AppendError records a request that ended without an upstream response.
func AppendError(c *gin.Context, status int, msg string) {
	if r := FromContext(c); r != nil {
		r.writeLine("=== ERROR ===")
		r.writeLine(fmt.Sprintf("status=%d", status))
		r.writeLine(fmt.Sprintf("error=%s", msg))
		r.writeLine("")
	}
}

// AppendStreamSummary appends a summary of a relayed stream.
func AppendStreamSummary(c *gin.Context, bytesCopied int64, errMsg string, ignoredClientDisconnect bool) {
	if r := FromContext(c); r != nil {
		r.writeLine("=== STREAM ===")
		r.writeLine(fmt.Sprintf("bytes_copied=%d", bytesCopied))
		if strings.TrimSpace(errMsg) != "" {
			r.writeLine(fmt.Sprintf("error=%s", errMsg))
		}
		if ignoredClientDisconnect {
			r.writeLine("ignored_client_disconnect=true")
		}
		r.writeLine("")
	}
}

func LimitBytes(b []byte, max int) (out []byte, truncated bool) {
	if max <= 0 {
		return b, false
	}
	if len(b) <= max {
		return b, false
	}
	return b[:max], true
}
