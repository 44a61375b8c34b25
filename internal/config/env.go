package config

import (
	"strconv"
	"strings"
)

// EnvPair is one RELAY_* variable and the value it resolves to.
type EnvPair struct {
	Name   string
	Value  string
	Secret bool
}

// EnvPairs renders the resolved config as the RELAY_* variables that would
// reproduce it. Policy fields that are unset are omitted.
func (c *Config) EnvPairs() []EnvPair {
	p := c.Routing.Policy
	out := []EnvPair{
		{Name: "RELAY_LISTEN", Value: c.Server.Listen},
		{Name: "RELAY_READ_TIMEOUT_MS", Value: strconv.Itoa(c.Server.ReadTimeoutMs)},
		{Name: "RELAY_WRITE_TIMEOUT_MS", Value: strconv.Itoa(c.Server.WriteTimeoutMs)},
		{Name: "RELAY_PID_FILE", Value: c.Server.PidFile},
		{Name: "RELAY_MAX_BODY_BYTES", Value: strconv.FormatInt(c.Server.MaxBodyBytes, 10)},
		{Name: "RELAY_UPSTREAM_BASE_URL", Value: c.Upstream.BaseURL},
		{Name: "RELAY_UPSTREAM_API_KEY", Value: c.Upstream.APIKey, Secret: true},
		{Name: "RELAY_UPSTREAM_TIMEOUT_MS", Value: strconv.Itoa(c.Upstream.TimeoutMs)},
		{Name: "RELAY_UPSTREAM_PROXY_URL", Value: c.Upstream.ProxyURL},
		{Name: "RELAY_UPSTREAM_REFERER", Value: c.Upstream.Referer},
		{Name: "RELAY_UPSTREAM_TITLE", Value: c.Upstream.Title},
		{Name: "RELAY_API_KEY", Value: c.Auth.APIKey, Secret: true},
		{Name: "RELAY_MERGE_MODE", Value: string(c.Mode())},
		{Name: "RELAY_SOFT_ENFORCE_ONLY", Value: strconv.FormatBool(c.Routing.SoftEnforceOnly)},
		{Name: "RELAY_TARGET_MODEL", Value: c.Transform.TargetModel},
		{Name: "RELAY_ENDPOINT_MESSAGES", Value: boolString(c.Endpoints.Messages)},
		{Name: "RELAY_ENDPOINT_CHAT_COMPLETIONS", Value: boolString(c.Endpoints.ChatCompletions)},
		{Name: "RELAY_ENDPOINT_RESPONSES", Value: boolString(c.Endpoints.Responses)},
	}
	if p.Order != nil {
		out = append(out, EnvPair{Name: "RELAY_PROVIDER_ORDER", Value: strings.Join(p.Order, ",")})
	}
	if p.Only != nil {
		out = append(out, EnvPair{Name: "RELAY_PROVIDER_ONLY", Value: strings.Join(p.Only, ",")})
	}
	if p.Ignore != nil {
		out = append(out, EnvPair{Name: "RELAY_PROVIDER_IGNORE", Value: strings.Join(p.Ignore, ",")})
	}
	if p.Quantizations != nil {
		out = append(out, EnvPair{Name: "RELAY_PROVIDER_QUANTIZATIONS", Value: strings.Join(p.Quantizations, ",")})
	}
	if p.AllowFallbacks != nil {
		out = append(out, EnvPair{Name: "RELAY_PROVIDER_ALLOW_FALLBACKS", Value: boolString(p.AllowFallbacks)})
	}
	if p.RequireParameters != nil {
		out = append(out, EnvPair{Name: "RELAY_PROVIDER_REQUIRE_PARAMETERS", Value: boolString(p.RequireParameters)})
	}
	if p.ZDR != nil {
		out = append(out, EnvPair{Name: "RELAY_PROVIDER_ZDR", Value: boolString(p.ZDR)})
	}
	if p.DataCollection != nil {
		out = append(out, EnvPair{Name: "RELAY_PROVIDER_DATA_COLLECTION", Value: *p.DataCollection})
	}
	if p.Sort != nil {
		v := p.Sort.By
		if p.Sort.Partition != "" {
			v += ":" + p.Sort.Partition
		}
		out = append(out, EnvPair{Name: "RELAY_PROVIDER_SORT", Value: v})
	}
	out = append(out,
		EnvPair{Name: "RELAY_TRAFFIC_DUMP_ENABLED", Value: strconv.FormatBool(c.TrafficDump.Enabled)},
		EnvPair{Name: "RELAY_TRAFFIC_DUMP_DIR", Value: c.TrafficDump.Dir},
		EnvPair{Name: "RELAY_TRAFFIC_DUMP_FILE_PATH", Value: c.TrafficDump.FilePath},
		EnvPair{Name: "RELAY_TRAFFIC_DUMP_MAX_BYTES", Value: strconv.Itoa(c.TrafficDump.MaxBytes)},
		EnvPair{Name: "RELAY_TRAFFIC_DUMP_MASK_SECRETS", Value: strconv.FormatBool(c.MaskSecrets())},
		EnvPair{Name: "RELAY_LOG_LEVEL", Value: c.Logging.Level},
		EnvPair{Name: "RELAY_ACCESS_LOG", Value: strconv.FormatBool(c.AccessLogEnabled())},
		EnvPair{Name: "RELAY_ACCESS_LOG_PATH", Value: c.Logging.AccessLogPath},
		EnvPair{Name: "RELAY_METRICS_ENABLED", Value: strconv.FormatBool(c.MetricsEnabled())},
	)
	return out
}

// MaskValue keeps a short prefix of a secret for recognition.
func MaskValue(v string) string {
	if v == "" {
		return ""
	}
	if len(v) <= 8 {
		return "****"
	}
	return v[:4] + "****"
}

func boolString(v *bool) string {
	return strconv.FormatBool(v == nil || *v)
}
