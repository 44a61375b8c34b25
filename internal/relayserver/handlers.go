package relayserver

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"reflect"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/r9s-ai/provider-relay/internal/metrics"
	"github.com/r9s-ai/provider-relay/internal/proxy"
	"github.com/r9s-ai/provider-relay/internal/requestid"
	"github.com/r9s-ai/provider-relay/internal/trafficdump"
	"github.com/r9s-ai/provider-relay/pkg/endpoint"
	"github.com/r9s-ai/provider-relay/pkg/reqtransform"
	"github.com/r9s-ai/provider-relay/pkg/routing"
)

var errBodyTooLarge = errors.New("request body too large")

func makeHandler(st *state, pclient *proxy.Client, m *metrics.Metrics, maxBody int64, f endpoint.Family) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ctxKeyAPI, f.String())
		s := st.Settings()
		if !s.enabled(f) {
			writeError(c, f, http.StatusNotFound, "not_found_error", "endpoint_disabled", f.Path()+" is disabled on this relay")
			return
		}

		raw, err := ioReadAllLimit(c.Request.Body, maxBody)
		if err != nil {
			if errors.Is(err, errBodyTooLarge) {
				writeError(c, f, http.StatusRequestEntityTooLarge, "invalid_request_error", "request_too_large",
					fmt.Sprintf("request body exceeds %d bytes", maxBody))
				return
			}
			writeError(c, f, http.StatusBadRequest, "invalid_request_error", "read_body_failed", err.Error())
			return
		}
		trafficdump.AppendOriginRequest(c, raw)

		body, err := decodeObject(raw)
		if err != nil {
			writeError(c, f, http.StatusBadRequest, "invalid_request_error", "invalid_json", err.Error())
			return
		}

		out, err := reqtransform.TransformAndMerge(body, f, s.transform)
		if err != nil {
			var ce *routing.ConflictError
			if errors.As(err, &ce) {
				m.PolicyConflict(string(ce.Field))
				writeError(c, f, http.StatusUnprocessableEntity, "invalid_request_error", "policy_conflict", ce.Error())
				return
			}
			writeError(c, f, http.StatusBadRequest, "invalid_request_error", "invalid_request", err.Error())
			return
		}

		upstreamBody := raw
		if !sameMap(out, body) {
			if upstreamBody, err = encodeObject(out); err != nil {
				writeError(c, f, http.StatusInternalServerError, "api_error", "encode_failed", err.Error())
				return
			}
		}
		model, _ := out["model"].(string)
		relay(c, pclient, m, f, upstreamBody, model)
	}
}

func makeModelsHandler(pclient *proxy.Client, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ctxKeyAPI, endpoint.Models.String())
		relay(c, pclient, m, endpoint.Models, nil, "")
	}
}

func relay(c *gin.Context, pclient *proxy.Client, m *metrics.Metrics, f endpoint.Family, body []byte, model string) {
	if model != "" {
		c.Set(ctxKeyModel, model)
	}
	res, err := pclient.Relay(c, f, body, model)
	setRelayResultContext(c, res)
	if err == nil {
		return
	}

	var te *proxy.TransportError
	if !errors.As(err, &te) {
		// The status line is already out; all that is left is to record it.
		c.Set(ctxKeyError, err.Error())
		log.Printf("relay %s failed mid-response: %v request_id=%s", f, err, c.GetString(requestid.HeaderKey))
		return
	}

	m.TransportError(f.String(), te.Kind())
	trafficdump.AppendError(c, 0, te.Error())
	switch {
	case te.Canceled():
		c.Set(ctxKeyClientGone, true)
		c.Abort()
	case te.Timeout():
		writeError(c, f, http.StatusGatewayTimeout, "api_error", "upstream_timeout", "upstream did not respond in time")
	default:
		writeError(c, f, http.StatusBadGateway, "api_error", "upstream_unavailable", "upstream request failed: "+te.Err.Error())
	}
}

// decodeObject parses a JSON object, keeping numbers as json.Number so
// large integers survive the round trip.
func decodeObject(raw []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, errors.New("request body is empty")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("request body is not valid JSON: %w", err)
	}
	if obj == nil {
		return nil, errors.New("request body must be a JSON object")
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("request body has trailing data")
	}
	return obj, nil
}

func encodeObject(obj map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(obj); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// sameMap reports whether a and b are the same map value. The transform
// and merge steps hand back their input untouched when they change nothing,
// in which case the original bytes are forwarded.
func sameMap(a, b map[string]any) bool {
	return reflect.ValueOf(a).UnsafePointer() == reflect.ValueOf(b).UnsafePointer()
}

func ioReadAllLimit(rc io.ReadCloser, limit int64) ([]byte, error) {
	defer func() { _ = rc.Close() }()
	if limit <= 0 {
		return io.ReadAll(rc)
	}
	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, rc, limit+1); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if int64(buf.Len()) > limit {
		return nil, errBodyTooLarge
	}
	return buf.Bytes(), nil
}

func trimPath(p string) string { return strings.TrimPrefix(p, "/v1") }
