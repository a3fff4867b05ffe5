package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// Predicate is a data-expressed condition evaluated against accumulated run
// state. Path addresses into the state map with dot notation; "input" names
// the run input, any other leading segment names a completed step's output.
//
//	{"path": "fetch.quality", "op": "gte", "value": 0.8}
type Predicate struct {
	Path  string `json:"path" yaml:"path"`
	Op    string `json:"op" yaml:"op"`
	Value any    `json:"value,omitempty" yaml:"value,omitempty"`
}

const (
	OpEq       = "eq"
	OpNe       = "ne"
	OpGt       = "gt"
	OpGte      = "gte"
	OpLt       = "lt"
	OpLte      = "lte"
	OpExists   = "exists"
	OpContains = "contains"
)

func (p *Predicate) validate() error {
	if p.Path == "" {
		return errors.New("predicate needs a path")
	}
	switch p.Op {
	case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpContains:
		if p.Value == nil {
			return fmt.Errorf("predicate op %q needs a value", p.Op)
		}
	case OpExists:
	default:
		return fmt.Errorf("unknown predicate op %q", p.Op)
	}
	return nil
}

// Eval evaluates the predicate against env. Missing paths make every op
// except "exists" false.
func (p *Predicate) Eval(env map[string]any) bool {
	val, ok := LookupPath(env, p.Path)
	switch p.Op {
	case OpExists:
		return ok
	case OpEq:
		return ok && looseEqual(val, p.Value)
	case OpNe:
		return ok && !looseEqual(val, p.Value)
	case OpGt, OpGte, OpLt, OpLte:
		if !ok {
			return false
		}
		a, aok := toFloat(val)
		b, bok := toFloat(p.Value)
		if !aok || !bok {
			return false
		}
		switch p.Op {
		case OpGt:
			return a > b
		case OpGte:
			return a >= b
		case OpLt:
			return a < b
		default:
			return a <= b
		}
	case OpContains:
		if !ok {
			return false
		}
		switch v := val.(type) {
		case string:
			s, sok := p.Value.(string)
			return sok && strings.Contains(v, s)
		case []any:
			for _, item := range v {
				if looseEqual(item, p.Value) {
					return true
				}
			}
		}
		return false
	}
	return false
}

// LookupPath resolves a dot-separated path against nested map[string]any
// values (the shape blueprint inputs and activity outputs take after JSON
// decoding).
func LookupPath(env map[string]any, path string) (any, bool) {
	if env == nil || path == "" {
		return nil, false
	}
	segs := strings.Split(path, ".")
	var cur any = env
	for _, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// looseEqual compares across the numeric types JSON decoding produces,
// and structurally otherwise. DeepEqual keeps slices and maps (legal
// predicate values and activity outputs) from panicking the way == would.
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
