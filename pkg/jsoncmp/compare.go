package jsoncmp

import (
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"
)

// MismatchKind classifies a single comparison failure.
type MismatchKind string

const (
	MissingKey    MismatchKind = "missing-key"
	TypeMismatch  MismatchKind = "type-mismatch"
	ValueMismatch MismatchKind = "value-mismatch"
	ShortSequence MismatchKind = "short-sequence"
	// Unavailable marks an observation that could not be taken at all,
	// e.g. the query command failed or returned invalid JSON.
	Unavailable MismatchKind = "unavailable"
)

// Mismatch is one location where observed output does not satisfy the
// expected pattern.
type Mismatch struct {
	Path     string
	Kind     MismatchKind
	Expected Value
	Observed Value
	Detail   string
}

const formatLimit = 120

func (m Mismatch) String() string {
	switch m.Kind {
	case MissingKey:
		return fmt.Sprintf("%s: missing, expected %s", m.Path, Format(m.Expected, formatLimit))
	case TypeMismatch:
		return fmt.Sprintf("%s: expected %s %s, observed %s %s", m.Path,
			kindOf(m.Expected), Format(m.Expected, formatLimit),
			kindOf(m.Observed), Format(m.Observed, formatLimit))
	case ValueMismatch:
		return fmt.Sprintf("%s: expected %s, observed %s", m.Path,
			Format(m.Expected, formatLimit), Format(m.Observed, formatLimit))
	case ShortSequence:
		return fmt.Sprintf("%s: %s", m.Path, m.Detail)
	default:
		return fmt.Sprintf("%s: %s: %s", m.Path, m.Kind, m.Detail)
	}
}

// Diff lists every mismatch found by Compare. A nil *Diff means the
// observed value matched.
type Diff struct {
	Mismatches []Mismatch
}

// Len returns the number of mismatches; zero for a nil Diff.
func (d *Diff) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Mismatches)
}

func (d *Diff) String() string {
	if d == nil || len(d.Mismatches) == 0 {
		return "no differences"
	}
	lines := make([]string, len(d.Mismatches))
	for i, m := range d.Mismatches {
		lines[i] = m.String()
	}
	return strings.Join(lines, "\n")
}

// Summary returns the first mismatch plus a count of the rest, for one-line
// status output.
func (d *Diff) Summary() string {
	switch d.Len() {
	case 0:
		return "no differences"
	case 1:
		return d.Mismatches[0].String()
	default:
		return fmt.Sprintf("%s (and %d more)", d.Mismatches[0].String(), len(d.Mismatches)-1)
	}
}

// UnavailableDiff builds the diff reported when no observation exists.
func UnavailableDiff(err error) *Diff {
	return &Diff{Mismatches: []Mismatch{{
		Path:   "$",
		Kind:   Unavailable,
		Detail: err.Error(),
	}}}
}

// Compare reports how observed fails to match expected, or nil when every
// constraint in expected holds.
//
// Mappings match when each expected key is present in observed and its
// value matches; extra observed keys are ignored, so an empty expected
// mapping matches anything. Sequences match position by position for the
// length of the expected sequence; extra observed elements are ignored.
// Scalars must be equal and of the same kind.
func Compare(observed, expected Value) *Diff {
	var d Diff
	compare(&d, "$", observed, expected)
	if len(d.Mismatches) == 0 {
		return nil
	}
	return &d
}

func compare(d *Diff, path string, observed, expected Value) {
	if expected == nil {
		expected = Null{}
	}
	if observed == nil {
		observed = Null{}
	}

	switch exp := expected.(type) {
	case Mapping:
		obs, ok := observed.(Mapping)
		if !ok {
			if len(exp) == 0 {
				return
			}
			d.add(path, TypeMismatch, expected, observed, "")
			return
		}
		for _, k := range exp.Keys() {
			child := childKey(path, k)
			ov, present := obs[k]
			if !present {
				d.add(child, MissingKey, exp[k], nil, "")
				continue
			}
			compare(d, child, ov, exp[k])
		}

	case Sequence:
		obs, ok := observed.(Sequence)
		if !ok {
			d.add(path, TypeMismatch, expected, observed, "")
			return
		}
		n := len(exp)
		if len(obs) < n {
			d.add(path, ShortSequence, expected, observed,
				fmt.Sprintf("expected at least %d elements, observed %d", len(exp), len(obs)))
			n = len(obs)
		}
		for i := 0; i < n; i++ {
			compare(d, path+"["+strconv.Itoa(i)+"]", obs[i], exp[i])
		}

	default:
		if observed.Kind() != expected.Kind() {
			d.add(path, TypeMismatch, expected, observed, "")
			return
		}
		if !scalarEqual(observed, expected) {
			d.add(path, ValueMismatch, expected, observed, "")
		}
	}
}

func scalarEqual(a, b Value) bool {
	switch x := a.(type) {
	case Null:
		return true
	case Bool:
		return x == b.(Bool)
	case Number, Decimal:
		return numericEqual(x, b)
	case String:
		return x == b.(String)
	}
	return false
}

func numericEqual(a, b Value) bool {
	if x, ok := a.(Number); ok {
		if y, ok := b.(Number); ok {
			return x == y
		}
	}
	ra, rb := rat(a), rat(b)
	return ra != nil && rb != nil && ra.Cmp(rb) == 0
}

func rat(v Value) *big.Rat {
	switch x := v.(type) {
	case Number:
		return new(big.Rat).SetFloat64(float64(x))
	case Decimal:
		r, ok := new(big.Rat).SetString(string(x))
		if !ok {
			return nil
		}
		return r
	}
	return nil
}

func (d *Diff) add(path string, kind MismatchKind, expected, observed Value, detail string) {
	d.Mismatches = append(d.Mismatches, Mismatch{
		Path:     path,
		Kind:     kind,
		Expected: expected,
		Observed: observed,
		Detail:   detail,
	})
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func childKey(path, key string) string {
	if identRe.MatchString(key) {
		return path + "." + key
	}
	return path + "[" + strconv.Quote(key) + "]"
}

func kindOf(v Value) string {
	if v == nil {
		return "absent"
	}
	return v.Kind().String()
}
