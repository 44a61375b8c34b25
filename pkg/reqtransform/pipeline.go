package reqtransform

import (
	"github.com/r9s-ai/provider-relay/pkg/endpoint"
	"github.com/r9s-ai/provider-relay/pkg/routing"
)

// Settings is the resolved, read-only configuration TransformAndMerge needs.
// One value is shared by all in-flight requests.
type Settings struct {
	Policy          *routing.RoutingPolicy
	Mode            routing.Mode
	SoftEnforceOnly bool
	TargetModel     string
}

// TransformAndMerge applies the body rewrites for family and then merges the
// routing policy. A strict-mode mismatch is returned as *routing.ConflictError
// and no upstream call should be made.
func TransformAndMerge(body map[string]any, family endpoint.Family, s Settings) (map[string]any, error) {
	out := Apply(body, family, Options{TargetModel: s.TargetModel})
	return routing.Merge(out, s.Policy, s.Mode, s.SoftEnforceOnly)
}
