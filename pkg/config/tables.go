package config

import (
	"os"
	"sort"
	"strconv"

	"github.com/go-faster/errors"
	"gopkg.in/yaml.v3"

	"github.com/elbader17/quirefdw/pkg/fdw"
	"github.com/elbader17/quirefdw/pkg/quire"
)

// Table maps a foreign table onto a sheet range.
type Table struct {
	SpreadsheetID string         `yaml:"spreadsheet_id"`
	Sheet         string         `yaml:"sheet"`
	SheetID       string         `yaml:"sheet_id"`
	Backend       string         `yaml:"backend"`
	HeaderRows    *int           `yaml:"header_rows"`
	PageSize      int            `yaml:"page_size"`
	AllowPartial  bool           `yaml:"allow_partial"`
	Columns       []quire.Column `yaml:"columns"`
}

// Tables is the table mapping file:
//
//	tables:
//	  users:
//	    spreadsheet_id: 1AbC...
//	    sheet: Users
//	    columns:
//	      - {name: id, type: int}
//	      - {name: email, type: text, nullable: true}
type Tables struct {
	Tables map[string]Table `yaml:"tables"`
}

// LoadTables reads and validates the mapping at path.
func LoadTables(path string) (*Tables, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read tables file")
	}
	var t Tables
	if err := yaml.Unmarshal(b, &t); err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

func (t *Tables) Validate() error {
	if len(t.Tables) == 0 {
		return errors.New("no tables defined")
	}
	for name, tbl := range t.Tables {
		if err := tbl.Validate(); err != nil {
			return errors.Wrapf(err, "table %q", name)
		}
	}
	return nil
}

// Lookup returns the named table.
func (t *Tables) Lookup(name string) (Table, error) {
	tbl, ok := t.Tables[name]
	if !ok {
		return Table{}, errors.Errorf("unknown table %q", name)
	}
	return tbl, nil
}

// Names returns the table names in sorted order.
func (t *Tables) Names() []string {
	names := make([]string, 0, len(t.Tables))
	for name := range t.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (t Table) Validate() error {
	if t.SpreadsheetID == "" {
		return errors.New("spreadsheet_id is required")
	}
	backend, err := quire.ParseBackend(t.Backend)
	if err != nil {
		return err
	}
	if backend == quire.BackendValues && t.Sheet == "" {
		return errors.New("the values backend needs a sheet name")
	}
	if t.PageSize < 0 {
		return errors.New("page_size must not be negative")
	}
	if t.HeaderRows != nil && *t.HeaderRows < 0 {
		return errors.New("header_rows must not be negative")
	}
	return t.Schema().Validate()
}

func (t Table) Schema() quire.TableSchema {
	return quire.TableSchema{Columns: t.Columns}
}

// ColumnNames returns every column in schema order.
func (t Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Options renders t as wrapper table options.
func (t Table) Options() fdw.Options {
	opts := fdw.Options{
		"spreadsheet_id": t.SpreadsheetID,
		"sheet":          t.Sheet,
		"sheet_id":       t.SheetID,
		"backend":        t.Backend,
		"allow_partial":  strconv.FormatBool(t.AllowPartial),
	}
	if t.HeaderRows != nil {
		opts["header_rows"] = strconv.Itoa(*t.HeaderRows)
	}
	if t.PageSize > 0 {
		opts["page_size"] = strconv.Itoa(t.PageSize)
	}
	return opts
}
