package model

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"gopkg.in/yaml.v3"
)

// Op is a filter comparison operator.
type Op string

// Supported operators.
const (
	OpEq          Op = "eq"
	OpNe          Op = "ne"
	OpIn          Op = "in"
	OpNotIn       Op = "not_in"
	OpContains    Op = "contains"
	OpNotContains Op = "not_contains"
	OpExists      Op = "exists"
	OpNotExists   Op = "not_exists"
)

// Predicate is one {field, operator, value} condition.
type Predicate struct {
	Field string `json:"field" yaml:"field"`
	Op    Op     `json:"op" yaml:"op"`
	Value any    `json:"value,omitempty" yaml:"value,omitempty"`
}

// Fielder is anything a filter can be evaluated against.
type Fielder interface {
	Field(name string) (any, bool)
}

// Filter is a conjunction of predicates. An empty filter matches everything.
type Filter []Predicate

// Eq is shorthand for an equality predicate.
func Eq(field string, value any) Predicate { return Predicate{Field: field, Op: OpEq, Value: value} }

// In is shorthand for a membership predicate.
func In(field string, values ...any) Predicate {
	return Predicate{Field: field, Op: OpIn, Value: values}
}

// Contains is shorthand for a list-contains predicate.
func Contains(field string, value any) Predicate {
	return Predicate{Field: field, Op: OpContains, Value: value}
}

// Validate checks operators and value shapes.
func (f Filter) Validate() error {
	for i, p := range f {
		if p.Field == "" {
			return fmt.Errorf("predicate %d: field is required", i)
		}
		switch p.Op {
		case OpEq, OpNe, OpContains, OpNotContains:
		case OpIn, OpNotIn:
			if _, ok := asList(p.Value); !ok {
				return fmt.Errorf("predicate %d: %s requires a list value", i, p.Op)
			}
		case OpExists, OpNotExists:
		default:
			return fmt.Errorf("predicate %d: unknown operator %q", i, p.Op)
		}
	}
	return nil
}

// Match reports whether x satisfies every predicate.
func (f Filter) Match(x Fielder) bool {
	for _, p := range f {
		if !p.Match(x) {
			return false
		}
	}
	return true
}

// Match evaluates a single predicate.
func (p Predicate) Match(x Fielder) bool {
	v, ok := x.Field(p.Field)
	switch p.Op {
	case OpExists:
		return ok
	case OpNotExists:
		return !ok
	case OpEq:
		return ok && valuesEqual(v, p.Value)
	case OpNe:
		return !ok || !valuesEqual(v, p.Value)
	case OpIn:
		return ok && memberOf(v, p.Value)
	case OpNotIn:
		return !ok || !memberOf(v, p.Value)
	case OpContains:
		return ok && containsAll(v, p.Value)
	case OpNotContains:
		return !ok || containsNone(v, p.Value)
	}
	return false
}

// FilterFromMap converts the legacy mapping form into predicates: list values
// become contains-all, scalars become equality. Keys are processed in sorted order.
func FilterFromMap(m map[string]any) Filter {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	f := make(Filter, 0, len(m))
	for _, k := range keys {
		v := m[k]
		if v == nil {
			continue
		}
		if _, ok := asList(v); ok {
			f = append(f, Predicate{Field: k, Op: OpContains, Value: v})
			continue
		}
		f = append(f, Predicate{Field: k, Op: OpEq, Value: v})
	}
	return f
}

// UnmarshalJSON accepts a predicate list or the legacy mapping form.
func (f *Filter) UnmarshalJSON(data []byte) error {
	var preds []Predicate
	if err := json.Unmarshal(data, &preds); err == nil {
		*f = preds
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("filter must be a predicate list or a mapping: %w", err)
	}
	*f = FilterFromMap(m)
	return nil
}

// UnmarshalYAML accepts a predicate list or the legacy mapping form.
func (f *Filter) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var preds []Predicate
		if err := node.Decode(&preds); err != nil {
			return err
		}
		*f = preds
		return nil
	case yaml.MappingNode:
		var m map[string]any
		if err := node.Decode(&m); err != nil {
			return err
		}
		*f = FilterFromMap(m)
		return nil
	}
	return fmt.Errorf("line %d: filter must be a list or a mapping", node.Line)
}

func valuesEqual(a, b any) bool {
	la, aList := asList(a)
	lb, bList := asList(b)
	if aList || bList {
		if !aList || !bList || len(la) != len(lb) {
			return false
		}
		for i := range la {
			if !scalarEqual(la[i], lb[i]) {
				return false
			}
		}
		return true
	}
	return scalarEqual(a, b)
}

func memberOf(v, set any) bool {
	items, ok := asList(set)
	if !ok {
		return false
	}
	for _, it := range items {
		if scalarEqual(v, it) {
			return true
		}
	}
	return false
}

// containsAll reports whether the field list holds every wanted value.
// A scalar field contains a scalar value when they are equal.
func containsAll(field, want any) bool {
	wants, ok := asList(want)
	if !ok {
		wants = []any{want}
	}
	have, ok := asList(field)
	if !ok {
		have = []any{field}
	}
	for _, w := range wants {
		found := false
		for _, h := range have {
			if scalarEqual(h, w) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func containsNone(field, unwanted any) bool {
	nots, ok := asList(unwanted)
	if !ok {
		nots = []any{unwanted}
	}
	have, ok := asList(field)
	if !ok {
		have = []any{field}
	}
	for _, n := range nots {
		for _, h := range have {
			if scalarEqual(h, n) {
				return false
			}
		}
	}
	return true
}

func asList(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	if l, ok := v.([]any); ok {
		return l, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// scalarEqual compares scalars, treating every numeric kind as float64 so
// values decoded from JSON or YAML compare equal to Go literals.
func scalarEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
