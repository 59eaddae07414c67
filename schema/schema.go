package schema

import (
	"fmt"
	"strings"
)

// ColumnType is the declared type of a table column. Row data is stored as
// JSON; the type drives the CAST applied by the generated view.
type ColumnType string

const (
	TypeText    ColumnType = "TEXT"
	TypeInteger ColumnType = "INTEGER"
	TypeReal    ColumnType = "REAL"
)

// maxColumns mirrors the SQLite column limit minus the implicit id column.
const maxColumns = 1999

// Column is a named, typed table column. The id column is implicit on every
// table and must not be declared.
type Column struct {
	Name string
	Type ColumnType
}

// Text returns a TEXT column declaration.
func Text(name string) Column { return Column{Name: name, Type: TypeText} }

// Integer returns an INTEGER column declaration.
func Integer(name string) Column { return Column{Name: name, Type: TypeInteger} }

// Real returns a REAL column declaration.
func Real(name string) Column { return Column{Name: name, Type: TypeReal} }

// IndexedColumn names a declared column inside an Index, optionally sorted
// descending.
type IndexedColumn struct {
	Name       string
	Descending bool
}

// Ascending returns an ascending indexed column.
func Ascending(name string) IndexedColumn { return IndexedColumn{Name: name} }

// Descending returns a descending indexed column.
func Descending(name string) IndexedColumn { return IndexedColumn{Name: name, Descending: true} }

// Index declares a secondary index over declared columns. It compiles to a
// json_extract expression index on the data table.
type Index struct {
	Name    string
	Columns []IndexedColumn
}

// TrackPrevious configures capture of pre-update values on PATCH entries.
// A nil Columns slice captures every column; OnlyWhenChanged restricts the
// captured set to columns whose value actually changed.
type TrackPrevious struct {
	Columns         []string
	OnlyWhenChanged bool
}

// Table declares one synchronized (or local-only) table.
type Table struct {
	// Name is the logical table name used by watchers and CRUD entries.
	Name string

	// Columns are the declared columns, in view order.
	Columns []Column

	// Indexes are compiled to expression indexes on the data table.
	Indexes []Index

	// LocalOnly keeps rows on this device: writes are never captured for
	// upload and the data table is not touched by downloads.
	LocalOnly bool

	// InsertOnly captures inserts for upload but compiles no update or
	// delete triggers, so those statements fail on the view.
	InsertOnly bool

	// TrackMetadata adds a write-only _metadata view column whose value is
	// attached to captured insert and update entries.
	TrackMetadata bool

	// IgnoreEmptyUpdates suppresses capture of updates that change nothing.
	IgnoreEmptyUpdates bool

	// TrackPrevious attaches pre-update values to captured update entries.
	TrackPrevious *TrackPrevious

	// ViewName overrides the generated view name, which defaults to Name.
	ViewName string
}

// View returns the effective view name for the table.
func (t *Table) View() string {
	if t.ViewName != "" {
		return t.ViewName
	}
	return t.Name
}

// StoreName returns the physical data table backing the view.
func (t *Table) StoreName() string {
	if t.LocalOnly {
		return "ps_data_local__" + t.Name
	}
	return "ps_data__" + t.Name
}

// Schema is an ordered set of table declarations. It is immutable once passed
// to store initialization.
type Schema struct {
	Tables []*Table
}

// New assembles a schema from table declarations.
func New(tables ...*Table) *Schema { return &Schema{Tables: tables} }

// Table returns the declaration with the given logical name, or nil.
func (s *Schema) Table(name string) *Table {
	for _, t := range s.Tables {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// Validate checks the schema invariants: unique table and view names, unique
// column names, the implicit id column not being redeclared, identifier
// hygiene, and flag compatibility.
func (s *Schema) Validate() error {
	tables := make(map[string]bool, len(s.Tables))
	views := make(map[string]bool, len(s.Tables))
	for _, t := range s.Tables {
		if err := t.validate(); err != nil {
			return err
		}
		if tables[t.Name] {
			return fmt.Errorf("schema: duplicate table %q", t.Name)
		}
		tables[t.Name] = true
		if views[t.View()] {
			return fmt.Errorf("schema: duplicate view %q", t.View())
		}
		views[t.View()] = true
	}
	return nil
}

func (t *Table) validate() error {
	if err := checkName(t.Name, "table"); err != nil {
		return err
	}
	if t.ViewName != "" {
		if err := checkName(t.ViewName, "view"); err != nil {
			return err
		}
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("schema: table %q has no columns", t.Name)
	}
	if len(t.Columns) > maxColumns {
		return fmt.Errorf("schema: table %q has %d columns, at most %d are supported", t.Name, len(t.Columns), maxColumns)
	}
	if t.LocalOnly && t.InsertOnly {
		return fmt.Errorf("schema: table %q cannot be both local-only and insert-only", t.Name)
	}
	if t.LocalOnly && t.TrackMetadata {
		return fmt.Errorf("schema: local-only table %q cannot track metadata", t.Name)
	}
	if t.LocalOnly && t.TrackPrevious != nil {
		return fmt.Errorf("schema: local-only table %q cannot track previous values", t.Name)
	}
	names := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		if c.Name == "id" {
			return fmt.Errorf("schema: table %q declares column \"id\"; the id column is implicit", t.Name)
		}
		if err := checkName(c.Name, "column"); err != nil {
			return err
		}
		switch c.Type {
		case TypeText, TypeInteger, TypeReal:
		default:
			return fmt.Errorf("schema: column %q has unsupported type %q", c.Name, c.Type)
		}
		if names[c.Name] {
			return fmt.Errorf("schema: table %q has duplicate column %q", t.Name, c.Name)
		}
		names[c.Name] = true
	}
	if t.TrackPrevious != nil {
		for _, name := range t.TrackPrevious.Columns {
			if !names[name] {
				return fmt.Errorf("schema: table %q tracks previous values of unknown column %q", t.Name, name)
			}
		}
	}
	indexes := make(map[string]bool, len(t.Indexes))
	for _, idx := range t.Indexes {
		if err := checkName(idx.Name, "index"); err != nil {
			return err
		}
		if indexes[idx.Name] {
			return fmt.Errorf("schema: table %q has duplicate index %q", t.Name, idx.Name)
		}
		indexes[idx.Name] = true
		if len(idx.Columns) == 0 {
			return fmt.Errorf("schema: index %q on table %q has no columns", idx.Name, t.Name)
		}
		for _, ic := range idx.Columns {
			if !names[ic.Name] {
				return fmt.Errorf("schema: index %q on table %q references unknown column %q", idx.Name, t.Name, ic.Name)
			}
		}
	}
	return nil
}

// invalidNameChars would break identifier quoting or json_extract paths.
const invalidNameChars = "\"'%,.#[]\\"

func checkName(name, kind string) error {
	if name == "" {
		return fmt.Errorf("schema: empty %s name", kind)
	}
	if len(name) > 63 {
		return fmt.Errorf("schema: %s name %q exceeds 63 bytes", kind, name)
	}
	if strings.ContainsAny(name, invalidNameChars) || strings.ContainsFunc(name, isSpace) {
		return fmt.Errorf("schema: invalid %s name %q", kind, name)
	}
	if strings.HasPrefix(name, "sqlite_") || strings.HasPrefix(name, "ps_") {
		return fmt.Errorf("schema: %s name %q uses a reserved prefix", kind, name)
	}
	return nil
}

func isSpace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	}
	return false
}
