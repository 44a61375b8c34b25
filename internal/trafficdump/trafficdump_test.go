package trafficdump

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/r9s-ai/provider-relay/internal/requestid"
)

func TestMaskURLIfNeeded_RedactsKey(t *testing.T) {
	in := "https://openrouter.ai/api/v1/models?key=sk-123"
	out := maskURLIfNeeded(in, true)
	if !strings.Contains(out, "key=%5BREDACTED%5D") {
		t.Fatalf("expected masked key, got %q", out)
	}
}

func TestMaskURLIfNeeded_DoesNotChangeWhenOff(t *testing.T) {
	in := "https://example.com/path?key=abc"
	if out := maskURLIfNeeded(in, false); out != in {
		t.Fatalf("out=%q want=%q", out, in)
	}
}

func TestMaskURLIfNeeded_RedactsTokenLikeKeys(t *testing.T) {
	out := maskURLIfNeeded("https://example.com/x?access_token=abc&foo=bar", true)
	if !strings.Contains(out, "access_token=%5BREDACTED%5D") || !strings.Contains(out, "foo=bar") {
		t.Fatalf("unexpected %q", out)
	}
}

func TestMaskIfNeeded(t *testing.T) {
	for _, k := range []string{"Authorization", "X-Api-Key", "Cookie", "X-Session-Token"} {
		if got := maskIfNeeded(k, "secret", true); got != "[REDACTED]" {
			t.Fatalf("%s not masked: %q", k, got)
		}
	}
	if got := maskIfNeeded("Content-Type", "application/json", true); got != "application/json" {
		t.Fatalf("content-type masked: %q", got)
	}
}

func TestLimitBytes(t *testing.T) {
	if out, tr := LimitBytes([]byte("abcdef"), 3); string(out) != "abc" || !tr {
		t.Fatalf("out=%q truncated=%v", out, tr)
	}
	if out, tr := LimitBytes([]byte("abc"), 0); string(out) != "abc" || tr {
		t.Fatalf("max=0 means unlimited, out=%q truncated=%v", out, tr)
	}
}

func TestRecorder_WritesSections(t *testing.T) {
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	c.Request.Header.Set("Authorization", "Bearer sk-secret")
	c.Set(requestid.HeaderKey, "rid-42")

	rec, err := Start(c, Config{Enabled: true, Dir: dir, FilePath: "{{.request_id}}.log", MaxBytes: 8, MaskSecrets: true})
	if err != nil {
		t.Fatalf("Start err=%v", err)
	}
	if FromContext(c) != rec {
		t.Fatalf("recorder not attached")
	}
	AppendOriginRequest(c, []byte(`{"model":"m"}`))
	AppendUpstreamRequest(c, http.MethodPost, "https://up/v1/messages", map[string][]string{"Authorization": {"Bearer up"}}, []byte(`{}`))
	AppendRetry(c, 1, 429, time.Second)
	AppendUpstreamResponse(c, "HTTP 200", map[string][]string{"Content-Type": {"application/json"}}, []byte(`{"ok":true}`))
	rec.Close()
	rec.Close()

	b, err := os.ReadFile(filepath.Join(dir, "rid-42.log"))
	if err != nil {
		t.Fatalf("read dump: %v", err)
	}
	s := string(b)
	for _, want := range []string{
		"request_id=rid-42",
		"=== ORIGIN REQUEST ===\n{\"model\"\n[truncated]",
		"=== UPSTREAM REQUEST ===",
		"=== RETRY === attempt=1 status=429 wait=1s",
		"=== UPSTREAM RESPONSE ===\nHTTP 200",
	} {
		if !strings.Contains(s, want) {
			t.Fatalf("dump missing %q:\n%s", want, s)
		}
	}
	if strings.Contains(s, "sk-secret") || strings.Contains(s, "Bearer up") {
		t.Fatalf("secrets leaked:\n%s", s)
	}
}

func TestStart_TemplateCannotEscapeDir(t *testing.T) {
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	c.Set(requestid.HeaderKey, "x")

	rec, err := Start(c, Config{Dir: dir, FilePath: "../../{{.request_id}}.log"})
	if err != nil {
		t.Fatalf("Start err=%v", err)
	}
	defer rec.Close()
	if !strings.HasPrefix(rec.Path(), dir) {
		t.Fatalf("path %q escaped %q", rec.Path(), dir)
	}
}
