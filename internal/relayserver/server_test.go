package relayserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/r9s-ai/provider-relay/internal/config"
	"github.com/r9s-ai/provider-relay/internal/metrics"
	"github.com/r9s-ai/provider-relay/internal/requestid"
	"github.com/r9s-ai/provider-relay/pkg/endpoint"
	"github.com/r9s-ai/provider-relay/pkg/routing"
)

type upstreamCall struct {
	method string
	path   string
	header http.Header
	body   []byte
}

type fakeUpstream struct {
	srv *httptest.Server

	mu       sync.Mutex
	calls    []upstreamCall
	statuses []int
}

func newFakeUpstream(t *testing.T, statuses ...int) *fakeUpstream {
	t.Helper()
	u := &fakeUpstream{statuses: statuses}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		u.mu.Lock()
		n := len(u.calls)
		u.calls = append(u.calls, upstreamCall{method: r.Method, path: r.URL.Path, header: r.Header.Clone(), body: b})
		status := http.StatusOK
		if len(u.statuses) > 0 {
			status = u.statuses[min(n, len(u.statuses)-1)]
		}
		u.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, `{"upstream":true}`)
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func (u *fakeUpstream) Calls() []upstreamCall {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]upstreamCall(nil), u.calls...)
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "provider-relay.yaml")
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

type harness struct {
	cfg    *config.Config
	st     *state
	m      *metrics.Metrics
	engine *gin.Engine
}

func newHarness(t *testing.T, baseURL, yamlBody string) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	path := writeConfigFile(t, "upstream:\n  base_url: \""+baseURL+"\"\n"+yamlBody)
	cfg, err := config.Load(path, nil)
	if err != nil {
		t.Fatalf("Load err=%v", err)
	}
	m := metrics.New()
	pc, err := newProxyClient(cfg, m)
	if err != nil {
		t.Fatalf("newProxyClient err=%v", err)
	}
	pc.Dispatcher.Wait = func(context.Context, time.Duration) error { return nil }
	st := newState(cfg)
	return &harness{cfg: cfg, st: st, m: m, engine: NewRouter(cfg, st, pc, m, nil, false)}
}

func (h *harness) do(method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.engine.ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, b []byte) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("decode %q: %v", b, err)
	}
	return out
}

func TestMessages_DisablesStreamingAndMergesPolicy(t *testing.T) {
	up := newFakeUpstream(t)
	h := newHarness(t, up.srv.URL, `
routing:
  policy:
    only: [fireworks]
    allow_fallbacks: false
`)
	w := h.do(http.MethodPost, "/v1/messages", `{"model":"m","stream":true,"provider":{"sort":"price"}}`, nil)
	if w.Code != 200 || w.Body.String() != `{"upstream":true}` {
		t.Fatalf("code=%d body=%s", w.Code, w.Body.String())
	}
	calls := up.Calls()
	if len(calls) != 1 || calls[0].path != "/v1/messages" {
		t.Fatalf("calls=%+v", calls)
	}
	got := decodeJSON(t, calls[0].body)
	if got["stream"] != false {
		t.Fatalf("stream not disabled: %v", got["stream"])
	}
	p, _ := got["provider"].(map[string]any)
	if p["sort"] != "price" || p["allow_fallbacks"] != false {
		t.Fatalf("provider=%v", p)
	}
	if only, _ := p["only"].([]any); len(only) != 1 || only[0] != "fireworks" {
		t.Fatalf("only=%v", p["only"])
	}
}

func TestChat_KeepsStreamingAndForwardsUnchangedBytes(t *testing.T) {
	up := newFakeUpstream(t)
	h := newHarness(t, up.srv.URL, "")
	raw := `{ "model" : "m",  "stream": true, "seed": 12345678901234567890 }`
	if w := h.do(http.MethodPost, "/v1/chat/completions", raw, nil); w.Code != 200 {
		t.Fatalf("code=%d", w.Code)
	}
	calls := up.Calls()
	if len(calls) != 1 || string(calls[0].body) != raw {
		t.Fatalf("body should pass through untouched, got %q", calls[0].body)
	}
}

func TestStrictConflict_Returns422WithoutUpstreamCall(t *testing.T) {
	up := newFakeUpstream(t)
	h := newHarness(t, up.srv.URL, `
routing:
  merge_mode: strict
  policy:
    only: [a]
`)
	w := h.do(http.MethodPost, "/v1/messages", `{"model":"m","provider":{"only":["b"]}}`, nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("code=%d body=%s", w.Code, w.Body.String())
	}
	got := decodeJSON(t, w.Body.Bytes())
	if got["type"] != "error" {
		t.Fatalf("expected anthropic envelope: %v", got)
	}
	e, _ := got["error"].(map[string]any)
	if e["code"] != "policy_conflict" || !strings.Contains(e["message"].(string), "provider.only") {
		t.Fatalf("error=%v", e)
	}
	if n := len(up.Calls()); n != 0 {
		t.Fatalf("upstream called %d times", n)
	}

	w = h.do(http.MethodPost, "/v1/chat/completions", `{"provider":{"only":["b"]}}`, nil)
	got = decodeJSON(t, w.Body.Bytes())
	if _, ok := got["type"]; ok || w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected openai envelope, code=%d body=%v", w.Code, got)
	}
}

func TestDisabledEndpoint_Returns404(t *testing.T) {
	up := newFakeUpstream(t)
	h := newHarness(t, up.srv.URL, `
endpoints:
  responses: false
`)
	w := h.do(http.MethodPost, "/v1/responses", `{}`, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("code=%d", w.Code)
	}
	e, _ := decodeJSON(t, w.Body.Bytes())["error"].(map[string]any)
	if e["code"] != "endpoint_disabled" {
		t.Fatalf("error=%v", e)
	}
	if w := h.do(http.MethodPost, "/v1/chat/completions", `{}`, nil); w.Code != 200 {
		t.Fatalf("other families stay enabled, code=%d", w.Code)
	}
}

func TestBadBodies(t *testing.T) {
	up := newFakeUpstream(t)
	h := newHarness(t, up.srv.URL, `
server:
  max_body_bytes: 32
`)
	cases := map[string]struct {
		body string
		want int
	}{
		"too large": {body: `{"model":"` + strings.Repeat("x", 64) + `"}`, want: http.StatusRequestEntityTooLarge},
		"not json":  {body: `{"model":`, want: http.StatusBadRequest},
		"array":     {body: `[1,2]`, want: http.StatusBadRequest},
		"null":      {body: `null`, want: http.StatusBadRequest},
		"empty":     {body: ``, want: http.StatusBadRequest},
		"trailing":  {body: `{} {}`, want: http.StatusBadRequest},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			w := h.do(http.MethodPost, "/v1/chat/completions", tc.body, nil)
			if w.Code != tc.want {
				t.Fatalf("code=%d want %d body=%s", w.Code, tc.want, w.Body.String())
			}
		})
	}
	if n := len(up.Calls()); n != 0 {
		t.Fatalf("upstream called %d times", n)
	}
}

func TestUpstreamUnavailable_Returns502(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	h := newHarness(t, base, "")
	w := h.do(http.MethodPost, "/v1/messages", `{"model":"m"}`, nil)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("code=%d body=%s", w.Code, w.Body.String())
	}
	e, _ := decodeJSON(t, w.Body.Bytes())["error"].(map[string]any)
	if e["code"] != "upstream_unavailable" {
		t.Fatalf("error=%v", e)
	}
}

func TestUpstreamUnavailable_ChatFamilyGetsOpenAIEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	h := newHarness(t, base, "")
	w := h.do(http.MethodPost, "/v1/chat/completions", `{"model":"m"}`, nil)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("code=%d body=%s", w.Code, w.Body.String())
	}
	body := decodeJSON(t, w.Body.Bytes())
	if _, ok := body["type"]; ok {
		t.Fatalf("chat errors use the OpenAI envelope: %v", body)
	}
	e, _ := body["error"].(map[string]any)
	if e["code"] != "upstream_unavailable" {
		t.Fatalf("error=%v", e)
	}
}

func TestUpstreamTimeout_Returns504(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL, `
  timeout_ms: 50
`)
	w := h.do(http.MethodPost, "/v1/chat/completions", `{}`, nil)
	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("code=%d body=%s", w.Code, w.Body.String())
	}
	e, _ := decodeJSON(t, w.Body.Bytes())["error"].(map[string]any)
	if e["code"] != "upstream_timeout" {
		t.Fatalf("error=%v", e)
	}
}

func TestRateLimitedMessagesAreRetried(t *testing.T) {
	up := newFakeUpstream(t, 429, 429, 200)
	h := newHarness(t, up.srv.URL, "")
	w := h.do(http.MethodPost, "/v1/messages", `{"model":"m"}`, nil)
	if w.Code != 200 || len(up.Calls()) != 3 {
		t.Fatalf("code=%d calls=%d", w.Code, len(up.Calls()))
	}

	up2 := newFakeUpstream(t, 429, 200)
	h2 := newHarness(t, up2.srv.URL, "")
	if w := h2.do(http.MethodPost, "/v1/responses", `{}`, nil); w.Code != 429 || len(up2.Calls()) != 1 {
		t.Fatalf("responses must not retry: code=%d calls=%d", w.Code, len(up2.Calls()))
	}

	mw := h.do(http.MethodGet, "/metrics", "", nil)
	body := mw.Body.String()
	for _, want := range []string{
		`relay_upstream_retries_total{api="claude.messages"} 2`,
		`relay_requests_total{api="claude.messages",status="200"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}

func TestLocalAuth(t *testing.T) {
	up := newFakeUpstream(t)
	h := newHarness(t, up.srv.URL, `
  api_key: sk-upstream
auth:
  api_key: local-secret
`)
	w := h.do(http.MethodPost, "/v1/messages", `{}`, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("code=%d", w.Code)
	}
	if decodeJSON(t, w.Body.Bytes())["type"] != "error" {
		t.Fatalf("messages route should use the anthropic envelope: %s", w.Body.String())
	}

	w = h.do(http.MethodPost, "/v1/messages", `{}`, map[string]string{"x-api-key": "local-secret"})
	if w.Code != 200 {
		t.Fatalf("code=%d body=%s", w.Code, w.Body.String())
	}
	calls := up.Calls()
	if len(calls) != 1 || calls[0].header.Get("Authorization") != "Bearer sk-upstream" {
		t.Fatalf("upstream key not injected: %+v", calls)
	}

	if w := h.do(http.MethodGet, "/healthz", "", nil); w.Code != 200 {
		t.Fatalf("healthz must not require auth, code=%d", w.Code)
	}
}

func TestModelsPassthrough(t *testing.T) {
	up := newFakeUpstream(t)
	h := newHarness(t, up.srv.URL+"/api", `
routing:
  policy:
    only: [a]
`)
	w := h.do(http.MethodGet, "/v1/models?category=x", "", nil)
	if w.Code != 200 {
		t.Fatalf("code=%d", w.Code)
	}
	calls := up.Calls()
	if len(calls) != 1 || calls[0].method != http.MethodGet || calls[0].path != "/api/v1/models" || len(calls[0].body) != 0 {
		t.Fatalf("calls=%+v", calls)
	}
}

func TestRequestIDAndHealthz(t *testing.T) {
	h := newHarness(t, "http://127.0.0.1:1", "")
	w := h.do(http.MethodGet, "/healthz", "", map[string]string{requestid.HeaderKey: "abc"})
	if w.Code != 200 || w.Header().Get(requestid.HeaderKey) != "abc" {
		t.Fatalf("code=%d rid=%q", w.Code, w.Header().Get(requestid.HeaderKey))
	}
	w = h.do(http.MethodGet, "/healthz", "", nil)
	if w.Header().Get(requestid.HeaderKey) == "" {
		t.Fatalf("expected generated request id")
	}
	if w := h.do(http.MethodGet, "/v1/unknown", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown route code=%d", w.Code)
	}
}

func TestReload_SwapsSettings(t *testing.T) {
	up := newFakeUpstream(t)
	path := writeConfigFile(t, "upstream:\n  base_url: \""+up.srv.URL+"\"\n")
	cfg, err := config.Load(path, nil)
	if err != nil {
		t.Fatalf("Load err=%v", err)
	}
	st := newState(cfg)
	before := st.Settings()
	rl := &reloader{path: path, st: st, base: cfg}

	if err := os.WriteFile(path, []byte("upstream:\n  base_url: \""+up.srv.URL+"\"\nrouting:\n  merge_mode: override\n  policy:\n    only: [a]\nendpoints:\n  messages: false\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := rl.Reload("test"); err != nil {
		t.Fatalf("Reload err=%v", err)
	}
	s := st.Settings()
	if s == before || s.transform.Mode != routing.ModeOverride || s.enabled(endpoint.Messages) {
		t.Fatalf("settings not swapped: %+v", s)
	}
	if before.transform.Mode != routing.ModeMerge {
		t.Fatalf("old snapshot must stay intact")
	}

	if err := os.WriteFile(path, []byte("routing:\n  merge_mode: bogus\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := rl.Reload("test"); err == nil {
		t.Fatalf("expected reload error")
	}
	if st.Settings() != s {
		t.Fatalf("failed reload must keep current settings")
	}
}

func TestWatchConfig_ReloadsOnWrite(t *testing.T) {
	path := writeConfigFile(t, "routing:\n  merge_mode: merge\n")
	cfg, err := config.Load(path, nil)
	if err != nil {
		t.Fatalf("Load err=%v", err)
	}
	st := newState(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := watchConfig(ctx, &reloader{path: path, st: st, base: cfg}, 20*time.Millisecond); err != nil {
		t.Fatalf("watchConfig err=%v", err)
	}

	if err := os.WriteFile(path, []byte("routing:\n  merge_mode: strict\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	var ok atomic.Bool
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if st.Settings().transform.Mode == routing.ModeStrict {
			ok.Store(true)
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !ok.Load() {
		t.Fatalf("settings not reloaded after file change")
	}
}

func TestRestartFields(t *testing.T) {
	a := &config.Config{}
	b := &config.Config{}
	b.Server.Listen = ":1"
	b.Upstream.BaseURL = "http://x"
	got := restartFields(a, b)
	if len(got) != 2 || got[0] != "server.listen" || got[1] != "upstream.base_url" {
		t.Fatalf("got=%v", got)
	}
}

func TestReadPIDFile(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.Server.PidFile = filepath.Join(dir, "run", "relay.pid")
	closer, err := writePIDFile(cfg)
	if err != nil {
		t.Fatalf("writePIDFile err=%v", err)
	}
	pid, err := ReadPIDFile(cfg.Server.PidFile)
	if err != nil || pid != os.Getpid() {
		t.Fatalf("pid=%d err=%v", pid, err)
	}
	_ = closer.Close()
	if _, err := os.Stat(cfg.Server.PidFile); !os.IsNotExist(err) {
		t.Fatalf("pid file should be removed, err=%v", err)
	}
}
