package hostfunc

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strings"
)

// ArgKind is the shape a bridge argument must have.
type ArgKind int

const (
	ArgAny ArgKind = iota
	ArgString
	ArgInt
	ArgNumber
	ArgBool
	ArgBytes
	ArgMap
	ArgList
)

func (k ArgKind) String() string {
	switch k {
	case ArgString:
		return "string"
	case ArgInt:
		return "integer"
	case ArgNumber:
		return "number"
	case ArgBool:
		return "boolean"
	case ArgBytes:
		return "bytes"
	case ArgMap:
		return "object"
	case ArgList:
		return "array"
	default:
		return "any"
	}
}

// Param describes one positional constructor argument.
type Param struct {
	Name     string
	Kind     ArgKind
	Optional bool
	Default  any
	OneOf    []string // allowed values for string params
	Variadic bool     // collects the remaining arguments; last param only
	Check    func(any) error
}

// Signature is the ordered parameter list of a capability constructor.
type Signature []Param

// Bind validates raw against the signature and normalizes every value:
// integers become int64, numbers float64, bytes []byte.
func (s Signature) Bind(op string, raw []any) (Args, error) {
	if len(raw) > len(s) && (len(s) == 0 || !s[len(s)-1].Variadic) {
		return Args{}, invalidArgs(op, "expected at most %d arguments, got %d", len(s), len(raw))
	}

	values := make([]any, len(s))
	for i, p := range s {
		if p.Variadic {
			var rest []any
			if i < len(raw) {
				for j, v := range raw[i:] {
					nv, ok := coerce(p.Kind, v)
					if !ok {
						return Args{}, invalidArgs(op, "%s[%d] must be %s", p.Name, j, p.Kind)
					}
					rest = append(rest, nv)
				}
			}
			values[i] = rest
			break
		}

		if i >= len(raw) || raw[i] == nil {
			if !p.Optional {
				return Args{}, invalidArgs(op, "%s required", p.Name)
			}
			values[i] = p.Default
			continue
		}

		v, ok := coerce(p.Kind, raw[i])
		if !ok {
			return Args{}, invalidArgs(op, "%s must be %s", p.Name, p.Kind)
		}
		if len(p.OneOf) > 0 {
			if s, _ := v.(string); !slices.Contains(p.OneOf, s) {
				return Args{}, invalidArgs(op, "%s must be one of %s", p.Name, strings.Join(p.OneOf, ", "))
			}
		}
		if p.Check != nil {
			if err := p.Check(v); err != nil {
				return Args{}, invalidArgs(op, "%s: %v", p.Name, err)
			}
		}
		values[i] = v
	}
	return Args{op: op, values: values}, nil
}

func coerce(kind ArgKind, v any) (any, bool) {
	switch kind {
	case ArgAny:
		return v, true
	case ArgString:
		s, ok := v.(string)
		return s, ok
	case ArgInt:
		return toInt(v)
	case ArgNumber:
		return toFloat(v)
	case ArgBool:
		b, ok := v.(bool)
		return b, ok
	case ArgBytes:
		return ToBytes(v)
	case ArgMap:
		m, ok := v.(map[string]any)
		return m, ok
	case ArgList:
		l, ok := v.([]any)
		return l, ok
	}
	return nil, false
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// ToBytes accepts the byte shapes scripts pass around: strings, byte
// slices, Buffers and arrays of byte values.
func ToBytes(v any) ([]byte, bool) {
	switch b := v.(type) {
	case []byte:
		return b, true
	case Buffer:
		return b, true
	case *Buffer:
		if b == nil {
			return nil, false
		}
		return *b, true
	case string:
		return []byte(b), true
	case []any:
		out := make([]byte, len(b))
		for i, e := range b {
			n, ok := toInt(e)
			if !ok || n < 0 || n > 255 {
				return nil, false
			}
			out[i] = byte(n)
		}
		return out, true
	}
	return nil, false
}

// Args holds the normalized arguments of one constructor call.
type Args struct {
	op     string
	values []any
}

func (a Args) Len() int { return len(a.values) }

func (a Args) Value(i int) any {
	if i < 0 || i >= len(a.values) {
		return nil
	}
	return a.values[i]
}

func (a Args) String(i int) string {
	s, _ := a.Value(i).(string)
	return s
}

func (a Args) Int(i int) int64 {
	n, _ := toInt(a.Value(i))
	return n
}

func (a Args) Float(i int) float64 {
	f, _ := toFloat(a.Value(i))
	return f
}

func (a Args) Bool(i int) bool {
	b, _ := a.Value(i).(bool)
	return b
}

func (a Args) Bytes(i int) []byte {
	b, _ := ToBytes(a.Value(i))
	return b
}

func (a Args) Map(i int) map[string]any {
	m, _ := a.Value(i).(map[string]any)
	return m
}

// Rest returns the values collected by a variadic param.
func (a Args) Rest(i int) []any {
	r, _ := a.Value(i).([]any)
	return r
}

func positive(v any) error {
	if n, _ := toInt(v); n < 1 {
		return fmt.Errorf("must be at least 1")
	}
	return nil
}

func notEmpty(v any) error {
	if s, _ := v.(string); s == "" {
		return fmt.Errorf("must not be empty")
	}
	return nil
}
