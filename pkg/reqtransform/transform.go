// Package reqtransform rewrites inbound request bodies before they are
// forwarded upstream.
//
// Rewrites are copy-on-write: the input body is never modified and every
// map that changes is copied first, so the original payload stays intact
// for traffic dumps.
package reqtransform

import (
	"strings"
	"unicode/utf16"

	"github.com/r9s-ai/provider-relay/pkg/endpoint"
)

// MaxUserIDLength is the longest metadata.user_id forwarded upstream, in
// UTF-16 code units.
const MaxUserIDLength = 128

// helperModelPrefixes match the small "background" models agent clients
// use for titles, summaries and other housekeeping calls.
var helperModelPrefixes = []string{
	"claude-haiku",
	"claude-3-haiku",
	"claude-3-5-haiku",
	"claude-3.5-haiku",
	"anthropic/claude-haiku",
	"anthropic/claude-3-haiku",
	"anthropic/claude-3-5-haiku",
	"anthropic/claude-3.5-haiku",
}

// Options configures Apply. TargetModel empty disables the model remap.
type Options struct {
	TargetModel string
}

// Apply runs, in order, the streaming disable, the model remap and the
// metadata.user_id truncation. It returns body itself when nothing changes.
func Apply(body map[string]any, family endpoint.Family, opts Options) map[string]any {
	if body == nil {
		return nil
	}
	out := body
	out = disableStreaming(out, family)
	out = remapModel(out, opts.TargetModel)
	out = truncateUserID(out)
	return out
}

// IsHelperModel reports whether model carries one of the helper prefixes.
func IsHelperModel(model string) bool {
	m := strings.ToLower(strings.TrimSpace(model))
	if m == "" {
		return false
	}
	for _, p := range helperModelPrefixes {
		if strings.HasPrefix(m, p) {
			return true
		}
	}
	return false
}

func disableStreaming(body map[string]any, family endpoint.Family) map[string]any {
	if family != endpoint.Messages {
		return body
	}
	if v, ok := body["stream"].(bool); !ok || !v {
		return body
	}
	out := shallowCopy(body)
	out["stream"] = false
	return out
}

func remapModel(body map[string]any, target string) map[string]any {
	target = strings.TrimSpace(target)
	if target == "" {
		return body
	}
	model, ok := body["model"].(string)
	if !ok || model == target || !IsHelperModel(model) {
		return body
	}
	out := shallowCopy(body)
	out["model"] = target
	return out
}

func truncateUserID(body map[string]any) map[string]any {
	md, ok := body["metadata"].(map[string]any)
	if !ok {
		return body
	}
	uid, ok := md["user_id"].(string)
	if !ok {
		return body
	}
	cut, ok := utf16Cut(uid, MaxUserIDLength)
	if !ok {
		return body
	}
	newMD := shallowCopy(md)
	newMD["user_id"] = cut
	out := shallowCopy(body)
	out["metadata"] = newMD
	return out
}

// utf16Cut returns the longest prefix of s that fits in limit UTF-16 code
// units, cut on a rune boundary. ok is false when s already fits.
func utf16Cut(s string, limit int) (string, bool) {
	units := 0
	for i, r := range s {
		n := utf16.RuneLen(r)
		if n < 0 {
			n = 1
		}
		if units+n > limit {
			return s[:i], true
		}
		units += n
	}
	return s, false
}

func shallowCopy(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
