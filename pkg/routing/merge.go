package routing

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// Mode controls how the configured policy and a client routing object combine.
type Mode string

const (
	// ModeMerge layers the client object over the policy; client fields win.
	ModeMerge Mode = "merge"
	// ModeOverride discards the client object.
	ModeOverride Mode = "override"
	// ModeStrict rejects requests whose set fields disagree with the policy.
	ModeStrict Mode = "strict"
)

// ParseMode parses a merge mode name. An empty string selects ModeMerge.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeMerge:
		return ModeMerge, nil
	case ModeOverride:
		return ModeOverride, nil
	case ModeStrict:
		return ModeStrict, nil
	default:
		return "", fmt.Errorf("unknown merge mode %q (supported: merge, override, strict)", s)
	}
}

// ConflictError reports a strict-mode mismatch between the policy and the
// client routing object.
type ConflictError struct {
	Field   Field
	Policy  any
	Request any
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s.%s conflicts with the configured routing policy", Key, e.Field)
}

// Merge returns body with its routing object combined with policy under mode.
//
// Neither body nor policy is modified. When the policy is empty body is
// returned as is; otherwise the result is a new top-level map whose only
// difference from body is the routing object. In strict mode a
// *ConflictError is returned and nothing is merged.
func Merge(body map[string]any, policy *RoutingPolicy, mode Mode, softEnforceOnly bool) (map[string]any, error) {
	if policy.IsEmpty() {
		return body, nil
	}
	pobj := policy.Object()

	out := make(map[string]any, len(body)+1)
	for k, v := range body {
		out[k] = v
	}

	client, ok := body[Key].(map[string]any)
	if !ok {
		out[Key] = pobj
		return out, nil
	}

	switch mode {
	case ModeOverride:
		out[Key] = pobj
		return out, nil
	case ModeStrict:
		if err := checkConflicts(pobj, client); err != nil {
			return nil, err
		}
	}

	// pobj is fresh, so it doubles as the merge target; keep the policy's
	// allow-list before client fields overwrite it.
	policyOnly := pobj[string(FieldOnly)]
	merged := pobj
	for k, v := range client {
		merged[k] = cloneJSON(v)
	}
	if softEnforceOnly {
		intersectOnly(merged, policyOnly, client[string(FieldOnly)])
	}
	out[Key] = merged
	return out, nil
}

func checkConflicts(pobj, client map[string]any) error {
	for _, s := range fieldSpecs {
		name := string(s.name)
		pv, ok := pobj[name]
		if !ok {
			continue
		}
		cv, ok := client[name]
		if !ok {
			continue
		}
		if !jsonEqual(pv, cv) {
			return &ConflictError{Field: s.name, Policy: cloneJSON(pv), Request: cloneJSON(cv)}
		}
	}
	return nil
}

// intersectOnly narrows merged["only"] to the client's list filtered to
// members of the policy list, keeping the client's order. Both lists must be
// present and non-empty, otherwise merged is left alone.
func intersectOnly(merged map[string]any, policyOnly, clientOnly any) {
	pl, ok := policyOnly.([]any)
	if !ok || len(pl) == 0 {
		return
	}
	cl, ok := clientOnly.([]any)
	if !ok || len(cl) == 0 {
		return
	}
	out := make([]any, 0, len(cl))
	for _, c := range cl {
		for _, p := range pl {
			if jsonEqual(c, p) {
				out = append(out, cloneJSON(c))
				break
			}
		}
	}
	merged[string(FieldOnly)] = out
}

func cloneJSON(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = cloneJSON(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = cloneJSON(vv)
		}
		return out
	default:
		return v
	}
}

func jsonEqual(a, b any) bool {
	return reflect.DeepEqual(normalizeJSON(a), normalizeJSON(b))
}

// normalizeJSON folds the numeric types a decoder or a caller may produce
// into float64 so that 5, 5.0 and json.Number("5") compare equal.
func normalizeJSON(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = normalizeJSON(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = normalizeJSON(vv)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}
