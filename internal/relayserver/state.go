package relayserver

import (
	"sync"
	"sync/atomic"

	"github.com/r9s-ai/provider-relay/internal/config"
	"github.com/r9s-ai/provider-relay/pkg/endpoint"
	"github.com/r9s-ai/provider-relay/pkg/reqtransform"
)

// settings is the part of the config that can change without a restart.
// A value is never modified after it is stored.
type settings struct {
	transform reqtransform.Settings
	endpoints config.Endpoints
}

func newSettings(cfg *config.Config) *settings {
	return &settings{
		transform: reqtransform.Settings{
			Policy:          cfg.Routing.Policy.Clone(),
			Mode:            cfg.Mode(),
			SoftEnforceOnly: cfg.Routing.SoftEnforceOnly,
			TargetModel:     cfg.Transform.TargetModel,
		},
		endpoints: cfg.Endpoints,
	}
}

func (s *settings) enabled(f endpoint.Family) bool {
	return s.endpoints.Enabled(f)
}

// state holds the current settings snapshot. Each request loads it once.
type state struct {
	cur atomic.Pointer[settings]

	// reload serializes reloads from SIGHUP and the file watcher.
	reload sync.Mutex
}

func newState(cfg *config.Config) *state {
	st := &state{}
	st.Store(cfg)
	return st
}

func (s *state) Settings() *settings { return s.cur.Load() }

func (s *state) Store(cfg *config.Config) { s.cur.Store(newSettings(cfg)) }
