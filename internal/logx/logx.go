// Package logx formats access lines and gates debug output.
package logx

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mattn/go-isatty"
)

var enableColor = isatty.IsTerminal(os.Stdout.Fd()) && strings.TrimSpace(os.Getenv("NO_COLOR")) == ""

var debugEnabled atomic.Bool

// ColorEnabled reports whether stdout is a terminal that accepts color.
func ColorEnabled() bool { return enableColor }

// SetLevel applies logging.level. Only "debug" changes behavior.
func SetLevel(level string) {
	debugEnabled.Store(strings.EqualFold(strings.TrimSpace(level), "debug"))
}

// Debugf logs through the std logger when the level is debug.
func Debugf(format string, args ...any) {
	if debugEnabled.Load() {
		log.Printf(format, args...)
	}
}

const ansiReset = "\x1b[0m"

// statusColors is indexed by status class (status / 100).
var statusColors = [...]string{
	2: "\x1b[32m",
	3: "\x1b[36m",
	4: "\x1b[33m",
	5: "\x1b[31m",
}

// StatusText renders status, colored by class when color is set.
// Anything outside 2xx-4xx is shown as an error.
func StatusText(status int, color bool) string {
	s := strconv.Itoa(status)
	if !color {
		return s
	}
	class := status / 100
	if class < 2 || class > 4 {
		class = 5
	}
	return statusColors[class] + s + ansiReset
}

// AccessEntry is one served request.
//
// Formatted:
// [RELAY] 2026/01/26 - 17:44:22 | 200 | 1.2s | 127.0.0.1 | POST "/v1/messages" | api=claude.messages attempts=2 model=moonshotai/kimi-k2.5
type AccessEntry struct {
	Time     time.Time
	Status   int
	Latency  time.Duration
	ClientIP string
	Method   string
	Path     string
	Fields   map[string]any
}

// Format renders e as a single line.
func (e AccessEntry) Format(color bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[RELAY] %s | %s | %s | %s | %s %q",
		e.Time.Format("2006/01/02 - 15:04:05"),
		StatusText(e.Status, color),
		e.Latency,
		strings.TrimSpace(e.ClientIP),
		strings.TrimSpace(e.Method),
		e.Path,
	)
	if extra := formatFields(e.Fields); extra != "" {
		b.WriteString(" | ")
		b.WriteString(extra)
	}
	return b.String()
}

// tailKeys are printed last, in this order, so the variable-length parts
// of a line do not push the routing fields around.
var tailKeys = []string{"request_id", "error"}

func isTailKey(k string) bool {
	for _, t := range tailKeys {
		if t == k {
			return true
		}
	}
	return false
}

// fieldOrder returns the keys of fields: sorted, then the tail keys.
func fieldOrder(fields map[string]any) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if !isTailKey(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return append(keys, tailKeys...)
}

func formatFields(fields map[string]any) string {
	if len(fields) == 0 {
		return ""
	}
	var parts []string
	for _, k := range fieldOrder(fields) {
		if v, ok := formatValue(fields[k]); ok {
			parts = append(parts, k+"="+v)
		}
	}
	return strings.Join(parts, " ")
}

// formatValue renders a field value. Empty and nil values are skipped;
// strings with spaces or quotes are quoted; floats never use exponents.
func formatValue(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		if strings.TrimSpace(t) == "" {
			return "", false
		}
		if strings.ContainsAny(t, " \t\"") {
			return strconv.Quote(t), true
		}
		return t, true
	case float64:
		s := strconv.FormatFloat(t, 'f', -1, 64)
		if s == "-0" {
			s = "0"
		}
		return s, true
	default:
		s := strings.TrimSpace(fmt.Sprint(v))
		return s, s != "" && s != "<nil>"
	}
}
