package quire

import (
	"cmp"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/go-faster/errors"
)

// Operator is a comparison operator of a Predicate.
type Operator string

const (
	OpEq         Operator = "="
	OpNe         Operator = "!="
	OpLt         Operator = "<"
	OpLe         Operator = "<="
	OpGt         Operator = ">"
	OpGe         Operator = ">="
	OpIsNull     Operator = "is null"
	OpIsNotNull  Operator = "is not null"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "starts with"
)

// ParseOperator accepts the canonical operators plus "==" and "<>".
func ParseOperator(s string) (Operator, error) {
	op := Operator(strings.Join(strings.Fields(strings.ToLower(s)), " "))
	switch op {
	case "==":
		return OpEq, nil
	case "<>":
		return OpNe, nil
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe, OpIsNull, OpIsNotNull, OpContains, OpStartsWith:
		return op, nil
	}
	return "", errors.Errorf("unsupported operator %q", s)
}

// Unary reports whether the operator takes no value.
func (o Operator) Unary() bool {
	return o == OpIsNull || o == OpIsNotNull
}

// ParsePredicate parses "column op [value]" against schema. The value is
// converted to the column's type and may be quoted with ' or ".
func ParsePredicate(expr string, schema TableSchema) (Predicate, error) {
	fields := strings.Fields(expr)
	if len(fields) < 2 {
		return Predicate{}, errors.Errorf("predicate %q: want column, operator and value", expr)
	}
	idx := schema.Index(fields[0])
	if idx < 0 {
		return Predicate{}, errors.Errorf("predicate %q: unknown column %q", expr, fields[0])
	}

	// Operators are at most three words long; prefer the longest match.
	for n := min(3, len(fields)-1); n >= 1; n-- {
		op, err := ParseOperator(strings.Join(fields[1:1+n], " "))
		if err != nil {
			continue
		}
		p := Predicate{Column: fields[0], Op: op}
		rest := skipFields(expr, 1+n)
		if op.Unary() {
			if rest != "" {
				return Predicate{}, errors.Errorf("predicate %q: %s takes no value", expr, op)
			}
			return p, nil
		}
		typ := schema.Columns[idx].Kind()
		v, err := convertCell(unquote(rest), typ)
		if err != nil {
			return Predicate{}, errors.Errorf("predicate %q: %s is not a valid %s", expr, describe(rest), typ)
		}
		if v == nil {
			return Predicate{}, errors.Errorf("predicate %q: missing value", expr)
		}
		p.Value = v
		return p, nil
	}
	return Predicate{}, errors.Errorf("predicate %q: unsupported operator", expr)
}

// skipFields drops the first n whitespace-separated fields of s and returns
// the remainder with its inner spacing intact.
func skipFields(s string, n int) string {
	s = strings.TrimSpace(s)
	for ; n > 0 && s != ""; n-- {
		i := strings.IndexFunc(s, unicode.IsSpace)
		if i < 0 {
			return ""
		}
		s = strings.TrimLeftFunc(s[i:], unicode.IsSpace)
	}
	return s
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

// Predicate is a single "column op value" filter. Value holds an int64,
// float64, bool, string or time.Time; it is ignored for unary operators.
type Predicate struct {
	Column string
	Op     Operator
	Value  any
}

func (p Predicate) String() string {
	if p.Op.Unary() {
		return fmt.Sprintf("%s %s", p.Column, p.Op)
	}
	return fmt.Sprintf("%s %s %v", p.Column, p.Op, p.Value)
}

// Matches evaluates p against a converted cell value. Comparisons with a
// null cell are false, as in SQL.
func (p Predicate) Matches(cell any) bool {
	switch p.Op {
	case OpIsNull:
		return cell == nil
	case OpIsNotNull:
		return cell != nil
	}
	if cell == nil || p.Value == nil {
		return false
	}

	switch p.Op {
	case OpEq:
		return compareValues(cell, p.Value) == 0
	case OpNe:
		return compareValues(cell, p.Value) != 0
	case OpGt:
		return compareValues(cell, p.Value) > 0
	case OpGe:
		return compareValues(cell, p.Value) >= 0
	case OpLt:
		return compareValues(cell, p.Value) < 0
	case OpLe:
		return compareValues(cell, p.Value) <= 0
	case OpContains:
		return strings.Contains(valueString(cell), valueString(p.Value))
	case OpStartsWith:
		return strings.HasPrefix(valueString(cell), valueString(p.Value))
	}
	return false
}

func valueString(v any) string {
	switch x := v.(type) {
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	}
	return fmt.Sprintf("%v", v)
}

// compareValues orders two converted values. Integers compare exactly and
// text compares bytewise, matching what the gviz endpoint does with a
// pushed-down predicate.
func compareValues(a, b any) int {
	if x, ok := a.(int); ok {
		a = int64(x)
	}
	if y, ok := b.(int); ok {
		b = int64(y)
	}

	switch x := a.(type) {
	case int64:
		switch y := b.(type) {
		case int64:
			return cmp.Compare(x, y)
		case float64:
			return compareIntFloat(x, y)
		}
	case float64:
		switch y := b.(type) {
		case float64:
			return cmp.Compare(x, y)
		case int64:
			return -compareIntFloat(y, x)
		}
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y)
		}
	case bool:
		// false < true
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0
			case y:
				return -1
			default:
				return 1
			}
		}
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y)
		}
	}

	return strings.Compare(valueString(a), valueString(b))
}

// compareIntFloat compares i with f without rounding i when f is integral.
func compareIntFloat(i int64, f float64) int {
	if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
		return cmp.Compare(i, int64(f))
	}
	return cmp.Compare(float64(i), f)
}

// columnIndexToLetter maps 0 to A, 25 to Z, 26 to AA.
func columnIndexToLetter(index int) string {
	if index < 0 {
		return "A"
	}
	result := ""
	for index >= 0 {
		result = string(rune('A'+index%26)) + result
		index = index/26 - 1
	}
	return result
}
