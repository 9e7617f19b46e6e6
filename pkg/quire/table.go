package quire

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"

	"github.com/elbader17/quirefdw/pkg/fdwerr"
)

// ColumnType is the relational type of a column.
type ColumnType string

const (
	TypeInt       ColumnType = "int"
	TypeFloat     ColumnType = "float"
	TypeBool      ColumnType = "bool"
	TypeText      ColumnType = "text"
	TypeDate      ColumnType = "date"
	TypeTimestamp ColumnType = "timestamp"
)

var typeAliases = map[string]ColumnType{
	"int": TypeInt, "int2": TypeInt, "int4": TypeInt, "int8": TypeInt, "integer": TypeInt, "bigint": TypeInt, "smallint": TypeInt,
	"float": TypeFloat, "float4": TypeFloat, "float8": TypeFloat, "real": TypeFloat, "double": TypeFloat, "double precision": TypeFloat, "numeric": TypeFloat,
	"bool": TypeBool, "boolean": TypeBool,
	"text": TypeText, "string": TypeText, "varchar": TypeText, "char": TypeText,
	"date":      TypeDate,
	"timestamp": TypeTimestamp, "timestamptz": TypeTimestamp, "datetime": TypeTimestamp,
}

// ParseColumnType maps a type name, including common SQL aliases, to a
// ColumnType.
func ParseColumnType(s string) (ColumnType, error) {
	t, ok := typeAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", errors.Errorf("unsupported column type %q", s)
	}
	return t, nil
}

// Column describes one column of a foreign table.
type Column struct {
	Name     string     `yaml:"name"`
	Type     ColumnType `yaml:"type"`
	Nullable bool       `yaml:"nullable"`
}

// Kind returns the canonical type of c, resolving aliases such as bigint.
func (c Column) Kind() ColumnType {
	if t, err := ParseColumnType(string(c.Type)); err == nil {
		return t
	}
	return c.Type
}

// TableSchema is the ordered column list of a foreign table. Column i is read
// from sheet column i (A, B, C, ...).
type TableSchema struct {
	Columns []Column `yaml:"columns"`
}

// Index returns the position of the named column, or -1.
func (s TableSchema) Index(name string) int {
	for i, c := range s.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Validate checks that column names are unique and types are known.
func (s TableSchema) Validate() error {
	if len(s.Columns) == 0 {
		return errors.New("schema has no columns")
	}
	seen := make(map[string]bool, len(s.Columns))
	for i, c := range s.Columns {
		if c.Name == "" {
			return errors.Errorf("column %d has no name", i)
		}
		if seen[c.Name] {
			return errors.Errorf("duplicate column %q", c.Name)
		}
		seen[c.Name] = true
		if _, err := ParseColumnType(string(c.Type)); err != nil {
			return errors.Wrapf(err, "column %q", c.Name)
		}
	}
	return nil
}

// Row is one converted tuple. Values are int64, float64, bool, string,
// time.Time or nil.
type Row []any

// Convert maps a raw backend row, laid out in projection order, onto the
// declared types of the projected columns. rowIndex is only used for error
// reporting.
func Convert(raw []any, rowIndex int, schema TableSchema, projection []int) (Row, error) {
	out := make(Row, len(projection))
	for j, col := range projection {
		c := schema.Columns[col]
		var cell any
		if j < len(raw) {
			cell = raw[j]
		}
		v, err := convertCell(cell, c.Kind())
		if err != nil {
			return nil, &fdwerr.TypeMismatchError{
				Row:      rowIndex,
				Column:   col,
				Name:     c.Name,
				Expected: string(c.Type),
				Value:    describe(cell),
			}
		}
		if v == nil && !c.Nullable {
			return nil, &fdwerr.TypeMismatchError{
				Row:      rowIndex,
				Column:   col,
				Name:     c.Name,
				Expected: "non-null " + string(c.Type),
				Value:    "blank",
			}
		}
		out[j] = v
	}
	return out, nil
}

var errUnparsable = errors.New("unparsable")

func isBlank(v any, typ ColumnType) bool {
	switch s := v.(type) {
	case nil:
		return true
	case string:
		if typ == TypeText {
			return s == ""
		}
		return strings.TrimSpace(s) == ""
	}
	return false
}

func convertCell(v any, typ ColumnType) (any, error) {
	if isBlank(v, typ) {
		return nil, nil
	}
	switch typ {
	case TypeInt:
		return toInt(v)
	case TypeFloat:
		return toFloat(v)
	case TypeBool:
		return toBool(v)
	case TypeText:
		return toText(v), nil
	case TypeDate:
		t, err := toTime(v)
		if err != nil {
			return nil, err
		}
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
	case TypeTimestamp:
		return toTime(v)
	}
	return nil, errUnparsable
}

func toInt(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case float64:
		return integral(x)
	case string:
		s := strings.TrimSpace(x)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, errUnparsable
		}
		return integral(f)
	}
	return 0, errUnparsable
}

func integral(f float64) (int64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, errUnparsable
	}
	return int64(f), nil
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case int64:
		return float64(x), nil
	case int:
		return float64(x), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, errUnparsable
		}
		return f, nil
	}
	return 0, errUnparsable
}

func toBool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case float64:
		switch x {
		case 1:
			return true, nil
		case 0:
			return false, nil
		}
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "t", "yes", "y", "1":
			return true, nil
		case "false", "f", "no", "n", "0":
			return false, nil
		}
	}
	return false, errUnparsable
}

func toText(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	}
	return fmt.Sprintf("%v", v)
}

// sheetsEpoch is day zero of spreadsheet serial dates.
var sheetsEpoch = time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006/01/02",
	"1/2/2006 15:04:05",
	"1/2/2006",
}

func toTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x, nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return time.Time{}, errUnparsable
		}
		return sheetsEpoch.Add(time.Duration(math.Round(x * 24 * float64(time.Hour)))), nil
	case string:
		s := strings.TrimSpace(x)
		if strings.HasPrefix(s, "Date(") {
			return parseVisualizationDate(s)
		}
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, nil
			}
		}
	}
	return time.Time{}, errUnparsable
}

// parseVisualizationDate reads the Date(y,m,d[,h,mi,s[,ms]]) literal used by
// the visualization endpoint. Months are 0-based.
func parseVisualizationDate(s string) (time.Time, error) {
	if !strings.HasSuffix(s, ")") {
		return time.Time{}, errUnparsable
	}
	fields := strings.Split(s[len("Date("):len(s)-1], ",")
	if len(fields) < 3 || len(fields) > 7 {
		return time.Time{}, errUnparsable
	}
	var n [7]int
	for i, f := range fields {
		v, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return time.Time{}, errUnparsable
		}
		n[i] = v
	}
	return time.Date(n[0], time.Month(n[1]+1), n[2], n[3], n[4], n[5], n[6]*int(time.Millisecond), time.UTC), nil
}

func describe(v any) string {
	var s string
	switch x := v.(type) {
	case nil:
		return "blank"
	case string:
		if len(x) > 64 {
			x = x[:64] + "..."
		}
		s = strconv.Quote(x)
	default:
		s = fmt.Sprintf("%v", x)
	}
	return s
}
