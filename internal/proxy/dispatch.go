package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/r9s-ai/provider-relay/pkg/endpoint"
)

// retryDelays is the wait before each resubmission of a rate-limited
// request. Its length is the retry budget of retrying families.
var retryDelays = [...]time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	12 * time.Second,
	18 * time.Second,
	24 * time.Second,
	32 * time.Second,
}

// RetryBudget returns how many times a 429 from family is retried.
func RetryBudget(f endpoint.Family) int {
	if f == endpoint.Messages {
		return len(retryDelays)
	}
	return 0
}

// UpstreamRequest is one logical upstream call. Body is replayed on every
// attempt and is not sent for GET.
type UpstreamRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte

	// OnRetry, when set, is called before each wait with the 1-based number
	// of the attempt that was rate limited.
	OnRetry func(attempt, status int, delay time.Duration)
}

// TransportError reports an upstream call that produced no usable response:
// a connection failure, an attempt timeout or a canceled request.
type TransportError struct {
	Err     error
	Attempt int
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("upstream attempt %d failed: %v", e.Attempt, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Timeout reports whether the attempt exceeded its deadline.
func (e *TransportError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

// Canceled reports whether the inbound request went away.
func (e *TransportError) Canceled() bool {
	return errors.Is(e.Err, context.Canceled)
}

// Kind is a short label for logs and metrics.
func (e *TransportError) Kind() string {
	switch {
	case e.Canceled():
		return "canceled"
	case e.Timeout():
		return "timeout"
	default:
		return "connect"
	}
}

// Dispatcher sends upstream requests and retries rate-limited ones on the
// retry schedule. It is safe for concurrent use.
type Dispatcher struct {
	HTTP *http.Client
	// Timeout bounds each attempt, including reading the final body.
	Timeout time.Duration
	// Wait blocks for d or until ctx is done. Defaults to a timer.
	Wait func(ctx context.Context, d time.Duration) error
	// OnAttempt observes every upstream status.
	OnAttempt func(f endpoint.Family, attempt, status int)
}

// Dispatch performs req for family. Only 429 is retried, and only within
// the family's budget; the last response is returned as is even when it is
// still 429. Transport failures are never retried and come back as
// *TransportError. The caller must close the returned body.
func (d *Dispatcher) Dispatch(ctx context.Context, req UpstreamRequest, f endpoint.Family) (*http.Response, error) {
	budget := RetryBudget(f)
	for attempt := 1; ; attempt++ {
		resp, err := d.do(ctx, req)
		if err != nil {
			return nil, &TransportError{Err: err, Attempt: attempt}
		}
		if d.OnAttempt != nil {
			d.OnAttempt(f, attempt, resp.StatusCode)
		}
		if resp.StatusCode != http.StatusTooManyRequests || attempt > budget {
			return resp, nil
		}

		delay := retryDelays[attempt-1]
		discard(resp)
		if req.OnRetry != nil {
			req.OnRetry(attempt, resp.StatusCode, delay)
		}
		if err := d.wait(ctx, delay); err != nil {
			return nil, &TransportError{Err: err, Attempt: attempt}
		}
	}
}

func (d *Dispatcher) do(ctx context.Context, req UpstreamRequest) (*http.Response, error) {
	var (
		actx   context.Context
		cancel context.CancelFunc
	)
	if d.Timeout > 0 {
		actx, cancel = context.WithTimeout(ctx, d.Timeout)
	} else {
		actx, cancel = context.WithCancel(ctx)
	}

	var body io.Reader
	if req.Method != http.MethodGet && len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(actx, req.Method, req.URL, body)
	if err != nil {
		cancel()
		return nil, err
	}
	if req.Header != nil {
		hreq.Header = req.Header.Clone()
	}

	resp, err := d.client().Do(hreq)
	if err != nil {
		// Read the context error before cancel, which would always set it.
		cerr := actx.Err()
		cancel()
		if cerr != nil {
			return nil, fmt.Errorf("%w: %v", cerr, err)
		}
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func (d *Dispatcher) client() *http.Client {
	if d.HTTP != nil {
		return d.HTTP
	}
	return http.DefaultClient
}

func (d *Dispatcher) wait(ctx context.Context, delay time.Duration) error {
	if d.Wait != nil {
		return d.Wait(ctx, delay)
	}
	return sleepCtx(ctx, delay)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// discard drains a small prefix so the connection can be reused.
func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

// cancelOnClose releases the attempt context when the body is closed, so a
// streamed body stays readable after Dispatch returns.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
