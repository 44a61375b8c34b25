package proxy

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/r9s-ai/provider-relay/internal/trafficdump"
	"github.com/r9s-ai/provider-relay/pkg/endpoint"
)

// Result summarizes a relayed request for access logs.
type Result struct {
	API       string
	Status    int
	Attempts  int
	LatencyMs int64
	Stream    bool
	Model     string
	// ClientGone is set when the client disconnected mid-response.
	ClientGone bool
}

// Client forwards requests to the configured upstream.
type Client struct {
	Dispatcher *Dispatcher
	BaseURL    string
	// APIKey replaces the client's credential when set.
	APIKey    string
	Referer   string
	Title     string
	UserAgent string
	// OnRetry observes every rate-limited attempt of every request.
	OnRetry func(gc *gin.Context, f endpoint.Family, attempt, status int, delay time.Duration)
}

// Relay sends body (nil for GET) to the upstream path of the inbound request
// and writes the upstream response to gc.
//
// A *TransportError means nothing was written and the caller should answer.
// Other errors happen after the status line was sent.
func (c *Client) Relay(gc *gin.Context, f endpoint.Family, body []byte, model string) (*Result, error) {
	start := time.Now()
	res := &Result{API: f.String(), Model: model}

	method := gc.Request.Method
	hasBody := method != http.MethodGet && body != nil
	upstreamURL := c.upstreamURL(gc.Request.URL.Path, gc.Request.URL.RawQuery)
	header := c.buildUpstreamHeaders(gc.Request.Header, f, hasBody)
	if !hasBody {
		body = nil
	}
	trafficdump.AppendUpstreamRequest(gc, method, upstreamURL, header, body)

	retries := 0
	req := UpstreamRequest{
		Method: method,
		URL:    upstreamURL,
		Header: header,
		Body:   body,
		OnRetry: func(attempt, status int, delay time.Duration) {
			retries++
			trafficdump.AppendRetry(gc, attempt, status, delay)
			if c.OnRetry != nil {
				c.OnRetry(gc, f, attempt, status, delay)
			}
		},
	}
	resp, err := c.Dispatcher.Dispatch(gc.Request.Context(), req, f)
	if err != nil {
		var te *TransportError
		if errors.As(err, &te) {
			res.Attempts = te.Attempt
		}
		res.LatencyMs = time.Since(start).Milliseconds()
		return res, err
	}
	defer func() { _ = resp.Body.Close() }()

	res.Status = resp.StatusCode
	res.Attempts = retries + 1
	res.Stream = isEventStream(resp.Header)

	copyResponseHeaders(gc.Writer.Header(), resp.Header)
	gc.Status(resp.StatusCode)

	if !res.Stream {
		err = c.writeBuffered(gc, resp)
	} else {
		err = c.writeStream(gc, resp)
	}
	res.LatencyMs = time.Since(start).Milliseconds()
	if err != nil && isClientDisconnectErr(err) {
		res.ClientGone = true
		return res, nil
	}
	return res, err
}

func (c *Client) upstreamURL(path, rawQuery string) string {
	u := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/") + path
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	return u
}

func (c *Client) writeBuffered(gc *gin.Context, resp *http.Response) error {
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read upstream body: %w", err)
	}
	trafficdump.AppendUpstreamResponse(gc, resp.Status, resp.Header, b)
	_, err = gc.Writer.Write(b)
	return err
}

// writeStream copies an event stream, flushing after every read so events
// reach the client as they arrive.
func (c *Client) writeStream(gc *gin.Context, resp *http.Response) error {
	trafficdump.AppendUpstreamResponse(gc, resp.Status, resp.Header, nil)
	var dump *limitedBuffer
	if rec := trafficdump.FromContext(gc); rec != nil {
		dump = &limitedBuffer{limit: rec.MaxBytes()}
	}

	var (
		copied  int64
		readErr error
		wErr    error
		buf     = make([]byte, 32<<10)
	)
	flusher, _ := gc.Writer.(http.Flusher)
	gc.Writer.WriteHeaderNow()
	if flusher != nil {
		flusher.Flush()
	}
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if dump != nil {
				_, _ = dump.Write(buf[:n])
			}
			w, err := gc.Writer.Write(buf[:n])
			copied += int64(w)
			if err != nil {
				wErr = err
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr != nil {
			if !errors.Is(rerr, io.EOF) {
				readErr = rerr
			}
			break
		}
	}

	if dump != nil {
		trafficdump.AppendStreamBody(gc, dump.Bytes(), dump.Truncated())
		errMsg := ""
		if readErr != nil {
			errMsg = readErr.Error()
		}
		trafficdump.AppendStreamSummary(gc, copied, errMsg, wErr != nil && isClientDisconnectErr(wErr))
	}
	if wErr != nil {
		return wErr
	}
	if readErr != nil {
		return fmt.Errorf("upstream stream: %w", readErr)
	}
	return nil
}

func isEventStream(h http.Header) bool {
	return strings.Contains(strings.ToLower(h.Get("Content-Type")), "text/event-stream")
}
