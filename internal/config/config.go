package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/r9s-ai/provider-relay/internal/secret"
	"github.com/r9s-ai/provider-relay/pkg/endpoint"
	"github.com/r9s-ai/provider-relay/pkg/routing"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file used when -c is not given. It may be absent.
const DefaultPath = "provider-relay.yaml"

type Config struct {
	Server struct {
		Listen         string `yaml:"listen"`
		ReadTimeoutMs  int    `yaml:"read_timeout_ms"`
		WriteTimeoutMs int    `yaml:"write_timeout_ms"`
		PidFile        string `yaml:"pid_file"`
		MaxBodyBytes   int64  `yaml:"max_body_bytes"`
	} `yaml:"server"`

	Upstream struct {
		BaseURL string `yaml:"base_url"`
		APIKey  string `yaml:"api_key"`
		// TimeoutMs bounds a single upstream attempt, not the whole retry sequence.
		TimeoutMs int    `yaml:"timeout_ms"`
		ProxyURL  string `yaml:"proxy_url"`
		Referer   string `yaml:"referer"`
		Title     string `yaml:"title"`
	} `yaml:"upstream"`

	Auth struct {
		// APIKey, when set, is required from local clients.
		APIKey string `yaml:"api_key"`
	} `yaml:"auth"`

	Routing struct {
		MergeMode       string                `yaml:"merge_mode"`
		SoftEnforceOnly bool                  `yaml:"soft_enforce_only"`
		Policy          routing.RoutingPolicy `yaml:"policy"`
	} `yaml:"routing"`

	Endpoints Endpoints `yaml:"endpoints"`

	Transform struct {
		TargetModel string `yaml:"target_model"`
	} `yaml:"transform"`

	TrafficDump struct {
		Enabled     bool   `yaml:"enabled"`
		Dir         string `yaml:"dir"`
		FilePath    string `yaml:"file_path"`
		MaxBytes    int    `yaml:"max_bytes"`
		MaskSecrets *bool  `yaml:"mask_secrets"`
	} `yaml:"traffic_dump"`

	Logging struct {
		Level         string `yaml:"level"`
		AccessLog     *bool  `yaml:"access_log"`
		AccessLogPath string `yaml:"access_log_path"`
	} `yaml:"logging"`

	Metrics struct {
		Enabled *bool  `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"metrics"`

	// Path is the file the config was loaded from ("" when none existed).
	Path string `yaml:"-"`
}

// Endpoints toggles the forwardable API families. Unset means enabled.
type Endpoints struct {
	Messages        *bool `yaml:"messages"`
	ChatCompletions *bool `yaml:"chat_completions"`
	Responses       *bool `yaml:"responses"`
}

// Enabled reports whether family is served. Families without a toggle
// (models passthrough) are always enabled.
func (e Endpoints) Enabled(f endpoint.Family) bool {
	var v *bool
	switch f {
	case endpoint.Messages:
		v = e.Messages
	case endpoint.ChatCompletions:
		v = e.ChatCompletions
	case endpoint.Responses:
		v = e.Responses
	}
	return v == nil || *v
}

// Overrides carries command-line values. Zero values and nil slices mean
// "not given"; given values win over env and file.
type Overrides struct {
	Listen          string
	UpstreamBaseURL string
	UpstreamAPIKey  string
	MergeMode       string
	SoftEnforceOnly *bool
	TargetModel     string
	TimeoutMs       int
	ProviderOrder   []string
	ProviderOnly    []string
	ProviderIgnore  []string
	ProviderSort    string
}

// Load resolves the configuration: defaults, then the yaml file, then RELAY_*
// env vars, then ov. ENC[...] secrets are decrypted before validation.
func Load(path string, ov *Overrides) (*Config, error) {
	var cfg Config
	path = strings.TrimSpace(path)
	if path == "" {
		path = DefaultPath
	}
	// #nosec G304 -- path is provided by trusted flag.
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		cfg.Path = path
	case errors.Is(err, os.ErrNotExist) && path == DefaultPath:
	default:
		return nil, err
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	applyOverrides(&cfg, ov)
	if err := decryptSecrets(&cfg); err != nil {
		return nil, err
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Server.Listen) == "" {
		cfg.Server.Listen = "127.0.0.1:8787"
	}
	if cfg.Server.ReadTimeoutMs <= 0 {
		cfg.Server.ReadTimeoutMs = 60000
	}
	if cfg.Server.WriteTimeoutMs <= 0 {
		// Covers a full retry sequence plus a long streamed answer.
		cfg.Server.WriteTimeoutMs = 900000
	}
	if strings.TrimSpace(cfg.Server.PidFile) == "" {
		cfg.Server.PidFile = "./run/provider-relay.pid"
	}
	if cfg.Server.MaxBodyBytes <= 0 {
		cfg.Server.MaxBodyBytes = 32 << 20
	}
	if strings.TrimSpace(cfg.Upstream.BaseURL) == "" {
		cfg.Upstream.BaseURL = "https://openrouter.ai/api"
	}
	if cfg.Upstream.TimeoutMs <= 0 {
		cfg.Upstream.TimeoutMs = 600000
	}
	if strings.TrimSpace(cfg.Routing.MergeMode) == "" {
		cfg.Routing.MergeMode = string(routing.ModeMerge)
	}
	if strings.TrimSpace(cfg.TrafficDump.Dir) == "" {
		cfg.TrafficDump.Dir = "./dumps"
	}
	if strings.TrimSpace(cfg.TrafficDump.FilePath) == "" {
		cfg.TrafficDump.FilePath = "{{.request_id}}.log"
	}
	if cfg.TrafficDump.MaxBytes == 0 {
		cfg.TrafficDump.MaxBytes = 1 * 1024 * 1024
	}
	if cfg.TrafficDump.MaskSecrets == nil {
		cfg.TrafficDump.MaskSecrets = boolPtr(true)
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.AccessLog == nil {
		cfg.Logging.AccessLog = boolPtr(true)
	}
	if cfg.Metrics.Enabled == nil {
		cfg.Metrics.Enabled = boolPtr(true)
	}
	if strings.TrimSpace(cfg.Metrics.Path) == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("RELAY_LISTEN")); v != "" {
		cfg.Server.Listen = v
	}
	if n, ok := envInt("RELAY_READ_TIMEOUT_MS"); ok && n > 0 {
		cfg.Server.ReadTimeoutMs = n
	}
	if n, ok := envInt("RELAY_WRITE_TIMEOUT_MS"); ok && n > 0 {
		cfg.Server.WriteTimeoutMs = n
	}
	if v := strings.TrimSpace(os.Getenv("RELAY_PID_FILE")); v != "" {
		cfg.Server.PidFile = v
	}
	if n, ok := envInt("RELAY_MAX_BODY_BYTES"); ok && n > 0 {
		cfg.Server.MaxBodyBytes = int64(n)
	}

	if v := strings.TrimSpace(os.Getenv("RELAY_UPSTREAM_BASE_URL")); v != "" {
		cfg.Upstream.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("RELAY_UPSTREAM_API_KEY")); v != "" {
		cfg.Upstream.APIKey = v
	}
	if n, ok := envInt("RELAY_UPSTREAM_TIMEOUT_MS"); ok && n > 0 {
		cfg.Upstream.TimeoutMs = n
	}
	if v := strings.TrimSpace(os.Getenv("RELAY_UPSTREAM_PROXY_URL")); v != "" {
		cfg.Upstream.ProxyURL = v
	}
	if v := strings.TrimSpace(os.Getenv("RELAY_UPSTREAM_REFERER")); v != "" {
		cfg.Upstream.Referer = v
	}
	if v := strings.TrimSpace(os.Getenv("RELAY_UPSTREAM_TITLE")); v != "" {
		cfg.Upstream.Title = v
	}
	if v := strings.TrimSpace(os.Getenv("RELAY_API_KEY")); v != "" {
		cfg.Auth.APIKey = v
	}

	if v := strings.TrimSpace(os.Getenv("RELAY_MERGE_MODE")); v != "" {
		cfg.Routing.MergeMode = v
	}
	cfg.Routing.SoftEnforceOnly = envBool("RELAY_SOFT_ENFORCE_ONLY", cfg.Routing.SoftEnforceOnly)
	applyPolicyEnvOverrides(&cfg.Routing.Policy)

	cfg.Endpoints.Messages = envBoolPtr("RELAY_ENDPOINT_MESSAGES", cfg.Endpoints.Messages)
	cfg.Endpoints.ChatCompletions = envBoolPtr("RELAY_ENDPOINT_CHAT_COMPLETIONS", cfg.Endpoints.ChatCompletions)
	cfg.Endpoints.Responses = envBoolPtr("RELAY_ENDPOINT_RESPONSES", cfg.Endpoints.Responses)

	if v := strings.TrimSpace(os.Getenv("RELAY_TARGET_MODEL")); v != "" {
		cfg.Transform.TargetModel = v
	}

	cfg.TrafficDump.Enabled = envBool("RELAY_TRAFFIC_DUMP_ENABLED", cfg.TrafficDump.Enabled)
	if v := strings.TrimSpace(os.Getenv("RELAY_TRAFFIC_DUMP_DIR")); v != "" {
		cfg.TrafficDump.Dir = v
	}
	if v := strings.TrimSpace(os.Getenv("RELAY_TRAFFIC_DUMP_FILE_PATH")); v != "" {
		cfg.TrafficDump.FilePath = v
	}
	if n, ok := envInt("RELAY_TRAFFIC_DUMP_MAX_BYTES"); ok {
		cfg.TrafficDump.MaxBytes = n
	}
	cfg.TrafficDump.MaskSecrets = envBoolPtr("RELAY_TRAFFIC_DUMP_MASK_SECRETS", cfg.TrafficDump.MaskSecrets)

	if v := strings.TrimSpace(os.Getenv("RELAY_LOG_LEVEL")); v != "" {
		cfg.Logging.Level = v
	}
	cfg.Logging.AccessLog = envBoolPtr("RELAY_ACCESS_LOG", cfg.Logging.AccessLog)
	if v := strings.TrimSpace(os.Getenv("RELAY_ACCESS_LOG_PATH")); v != "" {
		cfg.Logging.AccessLogPath = v
	}
	cfg.Metrics.Enabled = envBoolPtr("RELAY_METRICS_ENABLED", cfg.Metrics.Enabled)
}

// applyPolicyEnvOverrides replaces individual policy fields; fields without
// an env var keep their file value.
func applyPolicyEnvOverrides(p *routing.RoutingPolicy) {
	if v, ok := envList("RELAY_PROVIDER_ORDER"); ok {
		p.Order = v
	}
	if v, ok := envList("RELAY_PROVIDER_ONLY"); ok {
		p.Only = v
	}
	if v, ok := envList("RELAY_PROVIDER_IGNORE"); ok {
		p.Ignore = v
	}
	if v, ok := envList("RELAY_PROVIDER_QUANTIZATIONS"); ok {
		p.Quantizations = v
	}
	p.AllowFallbacks = envBoolPtr("RELAY_PROVIDER_ALLOW_FALLBACKS", p.AllowFallbacks)
	p.RequireParameters = envBoolPtr("RELAY_PROVIDER_REQUIRE_PARAMETERS", p.RequireParameters)
	p.ZDR = envBoolPtr("RELAY_PROVIDER_ZDR", p.ZDR)
	if v := strings.TrimSpace(os.Getenv("RELAY_PROVIDER_DATA_COLLECTION")); v != "" {
		p.DataCollection = &v
	}
	if s := routing.ParseSort(os.Getenv("RELAY_PROVIDER_SORT")); s != nil {
		p.Sort = s
	}
}

func applyOverrides(cfg *Config, ov *Overrides) {
	if ov == nil {
		return
	}
	if v := strings.TrimSpace(ov.Listen); v != "" {
		cfg.Server.Listen = v
	}
	if v := strings.TrimSpace(ov.UpstreamBaseURL); v != "" {
		cfg.Upstream.BaseURL = v
	}
	if v := strings.TrimSpace(ov.UpstreamAPIKey); v != "" {
		cfg.Upstream.APIKey = v
	}
	if ov.TimeoutMs > 0 {
		cfg.Upstream.TimeoutMs = ov.TimeoutMs
	}
	if v := strings.TrimSpace(ov.MergeMode); v != "" {
		cfg.Routing.MergeMode = v
	}
	if ov.SoftEnforceOnly != nil {
		cfg.Routing.SoftEnforceOnly = *ov.SoftEnforceOnly
	}
	if v := strings.TrimSpace(ov.TargetModel); v != "" {
		cfg.Transform.TargetModel = v
	}
	p := &cfg.Routing.Policy
	if ov.ProviderOrder != nil {
		p.Order = cleanList(ov.ProviderOrder)
	}
	if ov.ProviderOnly != nil {
		p.Only = cleanList(ov.ProviderOnly)
	}
	if ov.ProviderIgnore != nil {
		p.Ignore = cleanList(ov.ProviderIgnore)
	}
	if s := routing.ParseSort(ov.ProviderSort); s != nil {
		p.Sort = s
	}
}

func decryptSecrets(cfg *Config) error {
	for name, v := range map[string]*string{
		"upstream.api_key": &cfg.Upstream.APIKey,
		"auth.api_key":     &cfg.Auth.APIKey,
	} {
		plain, err := secret.DecryptIfNeeded(*v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		*v = strings.TrimSpace(plain)
	}
	return nil
}

func validate(cfg *Config) error {
	if _, err := routing.ParseMode(cfg.Routing.MergeMode); err != nil {
		return fmt.Errorf("routing.merge_mode: %w", err)
	}
	if err := cfg.Routing.Policy.Validate(); err != nil {
		return fmt.Errorf("routing.policy: %w", err)
	}
	u, err := url.Parse(strings.TrimSpace(cfg.Upstream.BaseURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("upstream.base_url must be an http(s) URL (e.g. https://openrouter.ai/api)")
	}
	if v := strings.TrimSpace(cfg.Upstream.ProxyURL); v != "" {
		pu, err := url.Parse(v)
		if err != nil || pu.Host == "" {
			return errors.New("upstream.proxy_url must be a URL (e.g. http://127.0.0.1:7890 or socks5://127.0.0.1:1080)")
		}
		switch pu.Scheme {
		case "http", "https", "socks5", "socks5h":
		default:
			return fmt.Errorf("upstream.proxy_url scheme %q is not supported", pu.Scheme)
		}
	}
	if cfg.Auth.APIKey != "" && cfg.Upstream.APIKey == "" {
		return errors.New("upstream.api_key is required when auth.api_key is set (or set RELAY_UPSTREAM_API_KEY)")
	}
	if cfg.TrafficDump.MaxBytes < 0 {
		return errors.New("traffic_dump.max_bytes must be non-negative")
	}
	if !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}
	return nil
}

// Mode returns the parsed merge mode. Load has already validated it.
func (c *Config) Mode() routing.Mode {
	m, _ := routing.ParseMode(c.Routing.MergeMode)
	return m
}

// AccessLogEnabled reports logging.access_log.
func (c *Config) AccessLogEnabled() bool {
	return c.Logging.AccessLog == nil || *c.Logging.AccessLog
}

// MetricsEnabled reports metrics.enabled.
func (c *Config) MetricsEnabled() bool {
	return c.Metrics.Enabled == nil || *c.Metrics.Enabled
}

// MaskSecrets reports traffic_dump.mask_secrets.
func (c *Config) MaskSecrets() bool {
	return c.TrafficDump.MaskSecrets == nil || *c.TrafficDump.MaskSecrets
}

func envBool(name string, def bool) bool {
	if v, ok := parseBool(os.Getenv(name)); ok {
		return v
	}
	return def
}

// envBoolPtr is envBool for fields where "unset" is meaningful.
func envBoolPtr(name string, cur *bool) *bool {
	if v, ok := parseBool(os.Getenv(name)); ok {
		return &v
	}
	return cur
}

func parseBool(raw string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y", "on":
		return true, true
	case "0", "false", "no", "n", "off":
		return false, true
	default:
		return false, false
	}
}

func envInt(name string) (int, bool) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// envList parses a comma separated list. Blank values are ignored.
func envList(name string) ([]string, bool) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return nil, false
	}
	return cleanList(strings.Split(v, ",")), true
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func boolPtr(v bool) *bool { return &v }
