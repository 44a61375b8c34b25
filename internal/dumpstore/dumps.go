// Package dumpstore reads traffic dump files back for the dumps command.
package dumpstore

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/r9s-ai/provider-relay/pkg/endpoint"
)

const (
	defaultLimit = 200
	maxLimit     = 2000
)

// Summary is what a dump file says about one relayed request.
type Summary struct {
	Path     string
	FileName string
	ModTime  time.Time
	Size     int64

	Time      time.Time
	RequestID string
	Method    string
	URLPath   string
	ClientIP  string
	API       string

	Model  string
	Stream *bool

	Status    int
	Retries   int
	Error     string
	Truncated bool
}

type ListOptions struct {
	Dir   string
	Limit int
}

// List returns summaries of the newest dump files under opts.Dir. A missing
// directory yields no summaries.
func List(opts ListOptions) ([]Summary, error) {
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		return nil, errors.New("dump dir is empty")
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	type fileItem struct {
		path string
		info fs.FileInfo
	}
	var items []fileItem
	if err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(strings.ToLower(d.Name()), ".log") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		items = append(items, fileItem{path: path, info: info})
		return nil
	}); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	sort.Slice(items, func(i, j int) bool {
		mi, mj := items[i].info.ModTime(), items[j].info.ModTime()
		if !mi.Equal(mj) {
			return mi.After(mj)
		}
		return items[i].info.Name() > items[j].info.Name()
	})
	if len(items) > limit {
		items = items[:limit]
	}

	out := make([]Summary, 0, len(items))
	for _, it := range items {
		sum, err := Parse(it.path, it.info)
		if err != nil {
			out = append(out, Summary{
				Path:     it.path,
				FileName: it.info.Name(),
				ModTime:  it.info.ModTime(),
				Size:     it.info.Size(),
			})
			continue
		}
		out = append(out, sum)
	}
	return out, nil
}

// Parse reads the summary of the dump file at path.
func Parse(path string, info fs.FileInfo) (Summary, error) {
	sum := Summary{
		Path:     path,
		FileName: filepath.Base(path),
	}
	if info != nil {
		sum.ModTime = info.ModTime()
		sum.Size = info.Size()
	}

	f, err := os.Open(path) // #nosec G304 -- dump dir comes from trusted config.
	if err != nil {
		return Summary{}, err
	}
	defer func() { _ = f.Close() }()

	if err := parseFrom(&sum, f); err != nil {
		return Summary{}, err
	}
	if sum.Time.IsZero() {
		sum.Time = sum.ModTime
	}
	return sum, nil
}

func parseFrom(sum *Summary, r io.Reader) error {
	br := bufio.NewReader(r)
	section := ""
	sectionLine := 0
	var origin strings.Builder

	for {
		line, err := br.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		trimmed := strings.TrimRight(line, "\r\n")
		t := strings.TrimSpace(trimmed)

		switch {
		case strings.HasPrefix(t, "=== RETRY ==="):
			sum.Retries++
		case strings.HasPrefix(t, "=== ") && strings.HasSuffix(t, " ==="):
			if section == "=== ORIGIN REQUEST ===" {
				parseOrigin(sum, origin.String())
			}
			section = t
			sectionLine = 0
		default:
			sectionLine++
			parseLine(sum, section, sectionLine, trimmed, &origin)
		}

		if errors.Is(err, io.EOF) {
			break
		}
	}
	if section == "=== ORIGIN REQUEST ===" {
		parseOrigin(sum, origin.String())
	}
	return nil
}

func parseLine(sum *Summary, section string, n int, line string, origin *strings.Builder) {
	t := strings.TrimSpace(line)
	if strings.EqualFold(t, "[truncated]") {
		sum.Truncated = true
		return
	}
	switch section {
	case "=== META ===":
		k, v, ok := strings.Cut(t, "=")
		if !ok || strings.HasPrefix(line, "  ") {
			return
		}
		switch k {
		case "time":
			if ts, err := time.Parse(time.RFC3339, v); err == nil {
				sum.Time = ts
			}
		case "request_id":
			sum.RequestID = v
		case "method":
			sum.Method = v
		case "path":
			sum.URLPath = v
			p, _, _ := strings.Cut(v, "?")
			if f, ok := endpoint.FromPath(p); ok {
				sum.API = f.String()
			}
		case "client_ip":
			sum.ClientIP = v
		}
	case "=== ORIGIN REQUEST ===":
		if origin.Len() < 256*1024 {
			origin.WriteString(line)
			origin.WriteByte('\n')
		}
	case "=== UPSTREAM RESPONSE ===":
		// The first line is the upstream status, e.g. "200 OK".
		if n == 1 {
			code, _, _ := strings.Cut(t, " ")
			if v, err := strconv.Atoi(code); err == nil {
				sum.Status = v
			}
		}
	case "=== ERROR ===":
		if v, ok := strings.CutPrefix(t, "error="); ok {
			sum.Error = v
		}
	case "=== STREAM ===":
		if v, ok := strings.CutPrefix(t, "error="); ok && sum.Error == "" {
			sum.Error = v
		}
	}
}

func parseOrigin(sum *Summary, raw string) {
	body := strings.TrimSpace(raw)
	if body == "" {
		return
	}
	var v struct {
		Model  string `json:"model"`
		Stream *bool  `json:"stream"`
	}
	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return
	}
	if m := strings.TrimSpace(v.Model); m != "" {
		sum.Model = m
	}
	if v.Stream != nil {
		sum.Stream = v.Stream
	}
}

// Label returns the request id, or the file name when the dump has none.
func (s Summary) Label() string {
	if rid := strings.TrimSpace(s.RequestID); rid != "" {
		return rid
	}
	return strings.TrimSuffix(s.FileName, filepath.Ext(s.FileName))
}

// When returns the request time, falling back to the file time.
func (s Summary) When() time.Time {
	if !s.Time.IsZero() {
		return s.Time
	}
	return s.ModTime
}

// FormatRow renders a one-line summary.
func FormatRow(s Summary) string {
	timeText := "-"
	if ts := s.When(); !ts.IsZero() {
		timeText = ts.Format("2006-01-02 15:04:05")
	}
	return fmt.Sprintf("%s status=%s api=%s model=%s retries=%d rid=%s",
		timeText, StatusText(s), orDash(s.API), orDash(s.Model), s.Retries, s.Label())
}

// StatusText is the upstream status, "ERR" for a request that got none,
// or "-" when unknown.
func StatusText(s Summary) string {
	switch {
	case s.Status != 0:
		return strconv.Itoa(s.Status)
	case s.Error != "":
		return "ERR"
	default:
		return "-"
	}
}

func orDash(v string) string {
	if v = strings.TrimSpace(v); v == "" {
		return "-"
	}
	return v
}
