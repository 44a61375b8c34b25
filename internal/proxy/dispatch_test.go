package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/r9s-ai/provider-relay/pkg/endpoint"
)

// scriptedUpstream answers with statuses in order and repeats the last one.
func scriptedUpstream(t *testing.T, statuses ...int) (*httptest.Server, *int32) {
	t.Helper()
	var n int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		i := int(atomic.AddInt32(&n, 1)) - 1
		if i >= len(statuses) {
			i = len(statuses) - 1
		}
		w.WriteHeader(statuses[i])
		_, _ = io.WriteString(w, http.StatusText(statuses[i]))
	}))
	t.Cleanup(srv.Close)
	return srv, &n
}

type recordedWaits struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedWaits) wait(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return nil
}

func TestDispatch_RetriesRateLimitedMessages(t *testing.T) {
	srv, calls := scriptedUpstream(t, 429, 429, 200)
	waits := &recordedWaits{}
	d := &Dispatcher{Wait: waits.wait}

	var retried []int
	resp, err := d.Dispatch(context.Background(), UpstreamRequest{
		Method:  http.MethodPost,
		URL:     srv.URL + "/v1/messages",
		Body:    []byte(`{}`),
		OnRetry: func(attempt, status int, _ time.Duration) { retried = append(retried, attempt) },
	}, endpoint.Messages)
	if err != nil {
		t.Fatalf("Dispatch err=%v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 || atomic.LoadInt32(calls) != 3 {
		t.Fatalf("status=%d calls=%d", resp.StatusCode, *calls)
	}
	if len(waits.delays) != 2 || waits.delays[0] != time.Second || waits.delays[1] != 2*time.Second {
		t.Fatalf("delays=%v", waits.delays)
	}
	if len(retried) != 2 || retried[0] != 1 || retried[1] != 2 {
		t.Fatalf("retried=%v", retried)
	}
}

func TestDispatch_NoRetryForOtherFamilies(t *testing.T) {
	for _, f := range []endpoint.Family{endpoint.ChatCompletions, endpoint.Responses, endpoint.Models} {
		srv, calls := scriptedUpstream(t, 429, 200)
		waits := &recordedWaits{}
		d := &Dispatcher{Wait: waits.wait}
		resp, err := d.Dispatch(context.Background(), UpstreamRequest{Method: http.MethodPost, URL: srv.URL}, f)
		if err != nil {
			t.Fatalf("%s: Dispatch err=%v", f, err)
		}
		resp.Body.Close()
		if resp.StatusCode != 429 || atomic.LoadInt32(calls) != 1 || len(waits.delays) != 0 {
			t.Fatalf("%s: status=%d calls=%d delays=%v", f, resp.StatusCode, *calls, waits.delays)
		}
	}
}

func TestDispatch_BudgetExhaustedReturnsLastResponse(t *testing.T) {
	srv, calls := scriptedUpstream(t, 429)
	waits := &recordedWaits{}
	d := &Dispatcher{Wait: waits.wait}

	resp, err := d.Dispatch(context.Background(), UpstreamRequest{Method: http.MethodPost, URL: srv.URL, Body: []byte(`{}`)}, endpoint.Messages)
	if err != nil {
		t.Fatalf("Dispatch err=%v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 429 {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	if got := atomic.LoadInt32(calls); got != 9 {
		t.Fatalf("calls=%d want 9", got)
	}
	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		12 * time.Second, 18 * time.Second, 24 * time.Second, 32 * time.Second,
	}
	if len(waits.delays) != len(want) || RetryBudget(endpoint.Messages) != len(want) {
		t.Fatalf("delays=%v", waits.delays)
	}
	for i, d := range want {
		if waits.delays[i] != d {
			t.Fatalf("delay[%d]=%v want %v", i, waits.delays[i], d)
		}
	}
	b, _ := io.ReadAll(resp.Body)
	if string(b) != http.StatusText(429) {
		t.Fatalf("final body should be the last response, got %q", b)
	}
}

func TestDispatch_NonRateLimitedStatusIsImmediate(t *testing.T) {
	for _, status := range []int{400, 500, 503} {
		srv, calls := scriptedUpstream(t, status, 200)
		waits := &recordedWaits{}
		d := &Dispatcher{Wait: waits.wait}
		resp, err := d.Dispatch(context.Background(), UpstreamRequest{Method: http.MethodPost, URL: srv.URL}, endpoint.Messages)
		if err != nil {
			t.Fatalf("Dispatch err=%v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != status || atomic.LoadInt32(calls) != 1 || len(waits.delays) != 0 {
			t.Fatalf("status=%d calls=%d delays=%v", resp.StatusCode, *calls, waits.delays)
		}
	}
}

func TestDispatch_ReplaysBodyOnEveryAttempt(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []string
		n      int32
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(b))
		mu.Unlock()
		if atomic.AddInt32(&n, 1) == 1 {
			w.WriteHeader(429)
			return
		}
		w.WriteHeader(200)
	}))
	defer srv.Close()

	d := &Dispatcher{Wait: (&recordedWaits{}).wait}
	resp, err := d.Dispatch(context.Background(), UpstreamRequest{Method: http.MethodPost, URL: srv.URL, Body: []byte(`{"a":1}`)}, endpoint.Messages)
	if err != nil {
		t.Fatalf("Dispatch err=%v", err)
	}
	resp.Body.Close()
	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 2 || bodies[0] != `{"a":1}` || bodies[1] != `{"a":1}` {
		t.Fatalf("bodies=%q", bodies)
	}
}

func TestDispatch_GetSendsNoBody(t *testing.T) {
	var gotLen atomic.Int64
	gotLen.Store(-1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotLen.Store(int64(len(b)))
		w.WriteHeader(200)
	}))
	defer srv.Close()

	d := &Dispatcher{}
	resp, err := d.Dispatch(context.Background(), UpstreamRequest{Method: http.MethodGet, URL: srv.URL, Body: []byte(`{"x":1}`)}, endpoint.Models)
	if err != nil {
		t.Fatalf("Dispatch err=%v", err)
	}
	resp.Body.Close()
	if got := gotLen.Load(); got != 0 {
		t.Fatalf("GET body len=%d", got)
	}
}

func TestDispatch_ConnectionFailureIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	d := &Dispatcher{Wait: (&recordedWaits{}).wait}
	_, err := d.Dispatch(context.Background(), UpstreamRequest{Method: http.MethodPost, URL: url}, endpoint.Messages)
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TransportError, got %v", err)
	}
	if te.Attempt != 1 || te.Kind() != "connect" || te.Timeout() || te.Canceled() {
		t.Fatalf("unexpected transport error: attempt=%d kind=%s err=%v", te.Attempt, te.Kind(), te.Err)
	}
}

func TestDispatch_ConnectionFailureIsNotCanceledForAnyFamily(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	for _, f := range []endpoint.Family{endpoint.ChatCompletions, endpoint.Responses, endpoint.Models} {
		d := &Dispatcher{Timeout: 5 * time.Second}
		_, err := d.Dispatch(context.Background(), UpstreamRequest{Method: http.MethodPost, URL: url}, f)
		var te *TransportError
		if !errors.As(err, &te) {
			t.Fatalf("%s: expected *TransportError, got %v", f, err)
		}
		if te.Canceled() || te.Kind() != "connect" {
			t.Fatalf("%s: kind=%s err=%v", f, te.Kind(), te.Err)
		}
		if errors.Is(err, context.Canceled) {
			t.Fatalf("%s: connection failure must not wrap context.Canceled: %v", f, err)
		}
	}
}

func TestDispatch_AttemptTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	d := &Dispatcher{Timeout: 50 * time.Millisecond}
	_, err := d.Dispatch(context.Background(), UpstreamRequest{Method: http.MethodPost, URL: srv.URL}, endpoint.ChatCompletions)
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TransportError, got %v", err)
	}
	if !te.Timeout() || te.Kind() != "timeout" {
		t.Fatalf("expected timeout, got kind=%s err=%v", te.Kind(), te.Err)
	}
}

func TestDispatch_CancelDuringWaitStops(t *testing.T) {
	srv, calls := scriptedUpstream(t, 429)
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{Wait: func(ctx context.Context, _ time.Duration) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	}}

	_, err := d.Dispatch(ctx, UpstreamRequest{Method: http.MethodPost, URL: srv.URL}, endpoint.Messages)
	var te *TransportError
	if !errors.As(err, &te) || !te.Canceled() {
		t.Fatalf("expected canceled transport error, got %v", err)
	}
	if got := atomic.LoadInt32(calls); got != 1 {
		t.Fatalf("calls=%d after cancel", got)
	}
}

func TestDispatch_BodyReadableAfterReturn(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: one\n\n")
		w.(http.Flusher).Flush()
		time.Sleep(20 * time.Millisecond)
		_, _ = io.WriteString(w, "data: two\n\n")
	}))
	defer srv.Close()

	d := &Dispatcher{Timeout: 5 * time.Second}
	resp, err := d.Dispatch(context.Background(), UpstreamRequest{Method: http.MethodPost, URL: srv.URL}, endpoint.Responses)
	if err != nil {
		t.Fatalf("Dispatch err=%v", err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(b) != "data: one\n\ndata: two\n\n" {
		t.Fatalf("body=%q", b)
	}
}

func TestDispatch_OnAttemptSeesEveryStatus(t *testing.T) {
	srv, _ := scriptedUpstream(t, 429, 200)
	var seen []int
	d := &Dispatcher{
		Wait:      (&recordedWaits{}).wait,
		OnAttempt: func(_ endpoint.Family, _ int, status int) { seen = append(seen, status) },
	}
	resp, err := d.Dispatch(context.Background(), UpstreamRequest{Method: http.MethodPost, URL: srv.URL}, endpoint.Messages)
	if err != nil {
		t.Fatalf("Dispatch err=%v", err)
	}
	resp.Body.Close()
	if len(seen) != 2 || seen[0] != 429 || seen[1] != 200 {
		t.Fatalf("seen=%v", seen)
	}
}

func TestRetryBudget(t *testing.T) {
	if RetryBudget(endpoint.Messages) != 8 {
		t.Fatalf("messages budget=%d", RetryBudget(endpoint.Messages))
	}
	for _, f := range []endpoint.Family{endpoint.ChatCompletions, endpoint.Responses, endpoint.Models} {
		if RetryBudget(f) != 0 {
			t.Fatalf("%s budget=%d", f, RetryBudget(f))
		}
	}
}
