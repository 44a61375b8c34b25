package relayserver

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/r9s-ai/provider-relay/internal/config"
	"github.com/r9s-ai/provider-relay/internal/logx"
	"github.com/r9s-ai/provider-relay/internal/metrics"
)

const defaultWatchDebounce = 250 * time.Millisecond

// reloader re-reads the config and swaps the runtime settings snapshot.
// Listener, upstream and logging sinks are fixed at startup.
type reloader struct {
	path string
	ov   *config.Overrides
	st   *state
	m    *metrics.Metrics
	base *config.Config
}

func (r *reloader) Reload(source string) error {
	r.st.reload.Lock()
	defer r.st.reload.Unlock()

	cfg, err := config.Load(r.path, r.ov)
	if err != nil {
		r.m.Reload(false)
		log.Printf("reload (%s) failed, keeping current settings: %v", source, err)
		return err
	}
	r.st.Store(cfg)
	logx.SetLevel(cfg.Logging.Level)
	r.m.Reload(true)
	log.Printf("reload (%s) ok: merge_mode=%s policy_fields=%v target_model=%q", source, cfg.Mode(), cfg.Routing.Policy.SetFields(), cfg.Transform.TargetModel)
	if changed := restartFields(r.base, cfg); len(changed) > 0 {
		log.Printf("reload (%s): %v changed and need a restart to apply", source, changed)
	}
	return nil
}

// restartFields lists settings that differ from the running ones but are
// only read at startup.
func restartFields(old, cur *config.Config) []string {
	if old == nil || cur == nil {
		return nil
	}
	var out []string
	check := func(name string, changed bool) {
		if changed {
			out = append(out, name)
		}
	}
	check("server.listen", old.Server.Listen != cur.Server.Listen)
	check("server.max_body_bytes", old.Server.MaxBodyBytes != cur.Server.MaxBodyBytes)
	check("upstream.base_url", old.Upstream.BaseURL != cur.Upstream.BaseURL)
	check("upstream.api_key", old.Upstream.APIKey != cur.Upstream.APIKey)
	check("upstream.timeout_ms", old.Upstream.TimeoutMs != cur.Upstream.TimeoutMs)
	check("upstream.proxy_url", old.Upstream.ProxyURL != cur.Upstream.ProxyURL)
	check("auth.api_key", old.Auth.APIKey != cur.Auth.APIKey)
	check("traffic_dump", old.TrafficDump.Enabled != cur.TrafficDump.Enabled || old.TrafficDump.Dir != cur.TrafficDump.Dir)
	return out
}

func installReloadSignalHandler(ctx context.Context, r *reloader) {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGHUP)
	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				_ = r.Reload("sighup")
			}
		}
	}()
}

// watchConfig reloads when the config file changes. The parent directory is
// watched so editors that replace the file by rename are still seen; bursts
// of events are folded into one reload after debounce.
func watchConfig(ctx context.Context, r *reloader, debounce time.Duration) error {
	target, err := filepath.Abs(r.path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(target)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	go func() {
		defer func() { _ = w.Close() }()
		var (
			timer *time.Timer
			fire  <-chan time.Time
		)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(debounce)
				} else {
					timer.Reset(debounce)
				}
				fire = timer.C
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Printf("config watch error: %v", err)
			case <-fire:
				fire = nil
				_ = r.Reload("watch")
			}
		}
	}()
	return nil
}
