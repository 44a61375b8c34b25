package relayserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/r9s-ai/provider-relay/internal/config"
	"github.com/r9s-ai/provider-relay/internal/logx"
	"github.com/r9s-ai/provider-relay/internal/metrics"
	"github.com/r9s-ai/provider-relay/internal/proxy"
	"github.com/r9s-ai/provider-relay/internal/requestid"
	"github.com/r9s-ai/provider-relay/internal/version"
	"github.com/r9s-ai/provider-relay/pkg/endpoint"
)

const shutdownGrace = 30 * time.Second

// Run serves until SIGINT or SIGTERM. cfgPath and ov are kept for reloads.
func Run(cfgPath string, ov *config.Overrides) error {
	cfg, err := config.Load(cfgPath, ov)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logx.SetLevel(cfg.Logging.Level)
	if !strings.EqualFold(cfg.Logging.Level, "debug") {
		gin.SetMode(gin.ReleaseMode)
	}

	accessLogger, accessClose, accessColor, err := openAccessLogger(cfg)
	if err != nil {
		return fmt.Errorf("init access log: %w", err)
	}
	if accessClose != nil {
		defer func() { _ = accessClose.Close() }()
	}

	pidCleanup, err := writePIDFile(cfg)
	if err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	if pidCleanup != nil {
		defer func() { _ = pidCleanup.Close() }()
	}

	var m *metrics.Metrics
	if cfg.MetricsEnabled() {
		m = metrics.New()
	}
	pclient, err := newProxyClient(cfg, m)
	if err != nil {
		return fmt.Errorf("init upstream client: %w", err)
	}
	st := newState(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rl := &reloader{path: cfg.Path, ov: ov, st: st, m: m, base: cfg}
	installReloadSignalHandler(ctx, rl)
	if cfg.Path != "" {
		if err := watchConfig(ctx, rl, defaultWatchDebounce); err != nil {
			log.Printf("config watch disabled: %v", err)
		}
	}

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           NewRouter(cfg, st, pclient, m, accessLogger, accessColor),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutMs) * time.Millisecond,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutMs) * time.Millisecond,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("provider-relay %s listening on %s, upstream %s", version.Short(), cfg.Server.Listen, cfg.Upstream.BaseURL)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("run: %w", err)
	case <-ctx.Done():
	}

	log.Printf("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newProxyClient(cfg *config.Config, m *metrics.Metrics) (*proxy.Client, error) {
	hc, err := proxy.NewHTTPClient(cfg.Upstream.ProxyURL)
	if err != nil {
		return nil, err
	}
	return &proxy.Client{
		Dispatcher: &proxy.Dispatcher{
			HTTP:    hc,
			Timeout: time.Duration(cfg.Upstream.TimeoutMs) * time.Millisecond,
			OnAttempt: func(f endpoint.Family, _ int, status int) {
				m.UpstreamAttempt(f.String(), status)
			},
		},
		BaseURL:   cfg.Upstream.BaseURL,
		APIKey:    cfg.Upstream.APIKey,
		Referer:   cfg.Upstream.Referer,
		Title:     cfg.Upstream.Title,
		UserAgent: version.UserAgent(),
		OnRetry: func(gc *gin.Context, f endpoint.Family, attempt, status int, delay time.Duration) {
			m.Retry(f.String())
			log.Printf("upstream rate limited api=%s attempt=%d status=%d retry_in=%s request_id=%s",
				f, attempt, status, delay, gc.GetString(requestid.HeaderKey))
		},
	}, nil
}

func openAccessLogger(cfg *config.Config) (*log.Logger, io.Closer, bool, error) {
	if cfg == nil || !cfg.AccessLogEnabled() {
		return nil, nil, false, nil
	}

	path := strings.TrimSpace(cfg.Logging.AccessLogPath)
	if path == "" {
		return log.New(os.Stdout, "", log.LstdFlags), nil, logx.ColorEnabled(), nil
	}

	dir := filepath.Dir(path)
	if strings.TrimSpace(dir) != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, nil, false, err
		}
	}
	// #nosec G304 -- access_log_path comes from trusted config/env.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, false, err
	}
	return log.New(f, "", log.LstdFlags), f, false, nil
}

type closerFunc func() error

func (c closerFunc) Close() error { return c() }

func writePIDFile(cfg *config.Config) (io.Closer, error) {
	if cfg == nil {
		return nil, nil
	}
	path := strings.TrimSpace(cfg.Server.PidFile)
	if path == "" {
		return nil, nil
	}
	dir := filepath.Dir(path)
	if strings.TrimSpace(dir) != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, err
		}
	}

	tmp := path + ".tmp"
	pid := strconv.Itoa(os.Getpid()) + "\n"
	// #nosec G304 -- pid_file comes from trusted config/env.
	if err := os.WriteFile(tmp, []byte(pid), 0o600); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return nil, err
	}
	return closerFunc(func() error { return os.Remove(path) }), nil
}

// ReadPIDFile returns the pid recorded by a running relay.
func ReadPIDFile(path string) (int, error) {
	// #nosec G304 -- pid_file comes from trusted config/env.
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid file %q", path)
	}
	return pid, nil
}
