// Package routing models the provider-routing policy object and merges a
// configured policy into client request bodies.
//
// A policy field is "set" when it is present in configuration, even if its
// value is an empty list. Only set fields ever reach a request body or take
// part in strict-mode conflict checks.
package routing

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Key is the request body key that carries the routing object.
const Key = "provider"

// Field names one routing policy field by its JSON key.
type Field string

const (
	FieldOrder             Field = "order"
	FieldOnly              Field = "only"
	FieldIgnore            Field = "ignore"
	FieldAllowFallbacks    Field = "allow_fallbacks"
	FieldRequireParameters Field = "require_parameters"
	FieldDataCollection    Field = "data_collection"
	FieldZDR               Field = "zdr"
	FieldQuantizations     Field = "quantizations"
	FieldSort              Field = "sort"
	FieldMinThroughput     Field = "preferred_min_throughput"
	FieldMaxLatency        Field = "preferred_max_latency"
	FieldMaxPrice          Field = "max_price"
)

// RoutingPolicy is the server-side provider routing preference.
//
// Nil pointers and nil slices mean "not set". The value is treated as
// immutable once loaded and is shared by every request.
type RoutingPolicy struct {
	Order             []string   `yaml:"order"`
	Only              []string   `yaml:"only"`
	Ignore            []string   `yaml:"ignore"`
	AllowFallbacks    *bool      `yaml:"allow_fallbacks"`
	RequireParameters *bool      `yaml:"require_parameters"`
	DataCollection    *string    `yaml:"data_collection"`
	ZDR               *bool      `yaml:"zdr"`
	Quantizations     []string   `yaml:"quantizations"`
	Sort              *Sort      `yaml:"sort"`
	MinThroughput     *Threshold `yaml:"preferred_min_throughput"`
	MaxLatency        *Threshold `yaml:"preferred_max_latency"`
	MaxPrice          *MaxPrice  `yaml:"max_price"`
}

// Sort is either a bare criterion ("price") or a criterion with a partition.
type Sort struct {
	By        string
	Partition string
}

// ParseSort parses "by" or "by:partition".
func ParseSort(s string) *Sort {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	by, partition, _ := strings.Cut(s, ":")
	return &Sort{By: strings.TrimSpace(by), Partition: strings.TrimSpace(partition)}
}

func (s *Sort) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		s.By = strings.TrimSpace(n.Value)
		return nil
	case yaml.MappingNode:
		var raw struct {
			By        string `yaml:"by"`
			Partition string `yaml:"partition"`
		}
		if err := n.Decode(&raw); err != nil {
			return err
		}
		s.By = strings.TrimSpace(raw.By)
		s.Partition = strings.TrimSpace(raw.Partition)
		return nil
	default:
		return fmt.Errorf("sort: expected a string or a mapping (line %d)", n.Line)
	}
}

func (s *Sort) value() any {
	if s.Partition == "" {
		return s.By
	}
	return map[string]any{"by": s.By, "partition": s.Partition}
}

// Threshold is either a scalar or a percentile map (p50, p75, p90, p99).
type Threshold struct {
	Value       *float64
	Percentiles map[string]float64
}

func (t *Threshold) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		var f float64
		if err := n.Decode(&f); err != nil {
			return err
		}
		t.Value = &f
		return nil
	case yaml.MappingNode:
		m := map[string]float64{}
		if err := n.Decode(&m); err != nil {
			return err
		}
		t.Percentiles = m
		return nil
	default:
		return fmt.Errorf("threshold: expected a number or a percentile mapping (line %d)", n.Line)
	}
}

func (t *Threshold) value() any {
	if t.Value != nil {
		return *t.Value
	}
	out := make(map[string]any, len(t.Percentiles))
	for k, v := range t.Percentiles {
		out[k] = v
	}
	return out
}

// MaxPrice caps the price the upstream may charge, in USD per million tokens
// (prompt, completion) or per unit (request, image).
type MaxPrice struct {
	Prompt     *float64 `yaml:"prompt"`
	Completion *float64 `yaml:"completion"`
	Request    *float64 `yaml:"request"`
	Image      *float64 `yaml:"image"`
}

func (m *MaxPrice) value() any {
	out := map[string]any{}
	put := func(k string, v *float64) {
		if v != nil {
			out[k] = *v
		}
	}
	put("prompt", m.Prompt)
	put("completion", m.Completion)
	put("request", m.Request)
	put("image", m.Image)
	return out
}

type fieldSpec struct {
	name  Field
	value func(p *RoutingPolicy) (any, bool)
}

func stringList(v []string) (any, bool) {
	if v == nil {
		return nil, false
	}
	out := make([]any, len(v))
	for i, s := range v {
		out[i] = s
	}
	return out, true
}

func boolPtr(v *bool) (any, bool) {
	if v == nil {
		return nil, false
	}
	return *v, true
}

// fieldSpecs is the enumeration every merge, conflict check and
// serialization walks. Order is significant for deterministic conflicts.
var fieldSpecs = []fieldSpec{
	{FieldOrder, func(p *RoutingPolicy) (any, bool) { return stringList(p.Order) }},
	{FieldOnly, func(p *RoutingPolicy) (any, bool) { return stringList(p.Only) }},
	{FieldIgnore, func(p *RoutingPolicy) (any, bool) { return stringList(p.Ignore) }},
	{FieldAllowFallbacks, func(p *RoutingPolicy) (any, bool) { return boolPtr(p.AllowFallbacks) }},
	{FieldRequireParameters, func(p *RoutingPolicy) (any, bool) { return boolPtr(p.RequireParameters) }},
	{FieldDataCollection, func(p *RoutingPolicy) (any, bool) {
		if p.DataCollection == nil {
			return nil, false
		}
		return *p.DataCollection, true
	}},
	{FieldZDR, func(p *RoutingPolicy) (any, bool) { return boolPtr(p.ZDR) }},
	{FieldQuantizations, func(p *RoutingPolicy) (any, bool) { return stringList(p.Quantizations) }},
	{FieldSort, func(p *RoutingPolicy) (any, bool) {
		if p.Sort == nil {
			return nil, false
		}
		return p.Sort.value(), true
	}},
	{FieldMinThroughput, func(p *RoutingPolicy) (any, bool) {
		if p.MinThroughput == nil {
			return nil, false
		}
		return p.MinThroughput.value(), true
	}},
	{FieldMaxLatency, func(p *RoutingPolicy) (any, bool) {
		if p.MaxLatency == nil {
			return nil, false
		}
		return p.MaxLatency.value(), true
	}},
	{FieldMaxPrice, func(p *RoutingPolicy) (any, bool) {
		if p.MaxPrice == nil {
			return nil, false
		}
		return p.MaxPrice.value(), true
	}},
}

// Fields returns every routing field in enumeration order.
func Fields() []Field {
	out := make([]Field, len(fieldSpecs))
	for i, s := range fieldSpecs {
		out[i] = s.name
	}
	return out
}

// IsEmpty reports whether no field is set. A nil policy is empty.
func (p *RoutingPolicy) IsEmpty() bool {
	if p == nil {
		return true
	}
	for _, s := range fieldSpecs {
		if _, ok := s.value(p); ok {
			return false
		}
	}
	return true
}

// SetFields returns the names of the set fields in enumeration order.
func (p *RoutingPolicy) SetFields() []Field {
	if p == nil {
		return nil
	}
	var out []Field
	for _, s := range fieldSpecs {
		if _, ok := s.value(p); ok {
			out = append(out, s.name)
		}
	}
	return out
}

// Object returns a freshly built JSON value of the set fields. Callers may
// mutate the result freely.
func (p *RoutingPolicy) Object() map[string]any {
	out := map[string]any{}
	if p == nil {
		return out
	}
	for _, s := range fieldSpecs {
		if v, ok := s.value(p); ok {
			out[string(s.name)] = v
		}
	}
	return out
}

// Clone returns a deep copy of the policy.
func (p *RoutingPolicy) Clone() *RoutingPolicy {
	if p == nil {
		return nil
	}
	out := &RoutingPolicy{
		Order:         cloneStrings(p.Order),
		Only:          cloneStrings(p.Only),
		Ignore:        cloneStrings(p.Ignore),
		Quantizations: cloneStrings(p.Quantizations),
	}
	if p.AllowFallbacks != nil {
		v := *p.AllowFallbacks
		out.AllowFallbacks = &v
	}
	if p.RequireParameters != nil {
		v := *p.RequireParameters
		out.RequireParameters = &v
	}
	if p.DataCollection != nil {
		v := *p.DataCollection
		out.DataCollection = &v
	}
	if p.ZDR != nil {
		v := *p.ZDR
		out.ZDR = &v
	}
	if p.Sort != nil {
		v := *p.Sort
		out.Sort = &v
	}
	out.MinThroughput = p.MinThroughput.clone()
	out.MaxLatency = p.MaxLatency.clone()
	if p.MaxPrice != nil {
		out.MaxPrice = &MaxPrice{
			Prompt:     cloneFloat(p.MaxPrice.Prompt),
			Completion: cloneFloat(p.MaxPrice.Completion),
			Request:    cloneFloat(p.MaxPrice.Request),
			Image:      cloneFloat(p.MaxPrice.Image),
		}
	}
	return out
}

func (t *Threshold) clone() *Threshold {
	if t == nil {
		return nil
	}
	out := &Threshold{Value: cloneFloat(t.Value)}
	if t.Percentiles != nil {
		out.Percentiles = make(map[string]float64, len(t.Percentiles))
		for k, v := range t.Percentiles {
			out.Percentiles[k] = v
		}
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	f := *v
	return &f
}
