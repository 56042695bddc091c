// Package jsoncmp compares structured daemon output against expected
// patterns. An expected pattern matches when it is a structural subset of the
// observed value: mapping keys absent from the pattern and sequence elements
// past the pattern's length are not checked.
package jsoncmp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Kind identifies the variant of a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindSequence
	KindMapping
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindSequence:
		return "sequence"
	case KindMapping:
		return "mapping"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Value is a decoded JSON document. The set of implementations is closed:
// Null, Bool, Number, Decimal, String, Sequence and Mapping.
type Value interface {
	Kind() Kind
	isValue()
}

// Null is the JSON null literal.
type Null struct{}

// Bool is a JSON boolean.
type Bool bool

// Number is a JSON number. Integers and floats compare numerically.
type Number float64

// Decimal is a JSON integer beyond the exact range of Number, kept as its
// decimal text. It has KindNumber and compares numerically with Number.
type Decimal string

// String is a JSON string.
type String string

// Sequence is a JSON array.
type Sequence []Value

// Mapping is a JSON object.
type Mapping map[string]Value

func (Null) Kind() Kind     { return KindNull }
func (Bool) Kind() Kind     { return KindBool }
func (Number) Kind() Kind   { return KindNumber }
func (Decimal) Kind() Kind  { return KindNumber }
func (String) Kind() Kind   { return KindString }
func (Sequence) Kind() Kind { return KindSequence }
func (Mapping) Kind() Kind  { return KindMapping }

func (Null) isValue()     {}
func (Bool) isValue()     {}
func (Number) isValue()   {}
func (Decimal) isValue()  {}
func (String) isValue()   {}
func (Sequence) isValue() {}
func (Mapping) isValue()  {}

// Keys returns the mapping keys in sorted order.
func (m Mapping) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Lookup follows path through mapping keys and sequence indexes, one
// element per level: Lookup(v, "peers", "1.1.1.2", "state").
func Lookup(v Value, path ...string) (Value, bool) {
	cur := v
	for _, p := range path {
		switch c := cur.(type) {
		case Mapping:
			next, ok := c[p]
			if !ok {
				return nil, false
			}
			cur = next
		case Sequence:
			i, err := strconv.Atoi(p)
			if err != nil || i < 0 || i >= len(c) {
				return nil, false
			}
			cur = c[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Parse decodes a JSON document.
func Parse(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("parse json: trailing data after document")
	}
	return FromAny(raw)
}

// MustParse is Parse for literals known to be valid. It panics on error.
func MustParse(s string) Value {
	v, err := Parse([]byte(s))
	if err != nil {
		panic(err)
	}
	return v
}

// Load reads an expected pattern from disk. Files ending in .yaml or .yml
// are decoded as YAML, everything else as JSON.
func Load(path string) (Value, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var raw any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		v, err := FromAny(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		return v, nil
	default:
		v, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		return v, nil
	}
}

// FromAny converts a tree produced by encoding/json or yaml.v3 into a Value.
func FromAny(raw any) (Value, error) {
	switch x := raw.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return x, nil
	case bool:
		return Bool(x), nil
	case json.Number:
		return parseNumber(x.String())
	case float64:
		return Number(x), nil
	case float32:
		return Number(x), nil
	case int:
		return fromInt(big.NewInt(int64(x))), nil
	case int64:
		return fromInt(big.NewInt(x)), nil
	case uint64:
		return fromInt(new(big.Int).SetUint64(x)), nil
	case string:
		return String(x), nil
	case []any:
		seq := make(Sequence, len(x))
		for i, e := range x {
			v, err := FromAny(e)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			seq[i] = v
		}
		return seq, nil
	case map[string]any:
		m := make(Mapping, len(x))
		for k, e := range x {
			v, err := FromAny(e)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			m[k] = v
		}
		return m, nil
	case map[any]any:
		m := make(Mapping, len(x))
		for k, e := range x {
			v, err := FromAny(e)
			if err != nil {
				return nil, fmt.Errorf("%v: %w", k, err)
			}
			m[fmt.Sprint(k)] = v
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", raw)
	}
}

// maxExact is the largest integer magnitude float64 holds exactly.
var maxExact = big.NewInt(1 << 53)

// parseNumber keeps integer literals exact and parses the rest as float64.
func parseNumber(lit string) (Value, error) {
	if i, ok := new(big.Int).SetString(lit, 10); ok {
		return fromInt(i), nil
	}
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return nil, fmt.Errorf("number %q: %w", lit, err)
	}
	return Number(f), nil
}

func fromInt(i *big.Int) Value {
	if new(big.Int).Abs(i).Cmp(maxExact) <= 0 {
		return Number(i.Int64())
	}
	return Decimal(i.String())
}

// Encode converts a Value back into plain Go types suitable for
// json.Marshal or yaml.Marshal.
func Encode(v Value) any {
	switch x := v.(type) {
	case nil, Null:
		return nil
	case Bool:
		return bool(x)
	case Number:
		return float64(x)
	case Decimal:
		return json.Number(x)
	case String:
		return string(x)
	case Sequence:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = Encode(e)
		}
		return out
	case Mapping:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = Encode(e)
		}
		return out
	}
	return nil
}

// Format renders v as compact JSON, truncated to limit bytes when limit > 0.
func Format(v Value, limit int) string {
	b, err := json.Marshal(Encode(v))
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	s := string(b)
	if limit > 0 && len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
