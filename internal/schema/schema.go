// Package schema models a branch schema as returned by the source API and
// classifies its tables into replication tiers.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Column types that need special handling while records are in transit.
const (
	TypeLink     = "link"
	TypeFile     = "file"
	TypeFileList = "file[]"
)

// Schema is the ordered set of tables of a branch. It is read once and never
// mutated afterwards.
type Schema struct {
	Tables []Table `json:"tables"`
}

// Table represents a table and its ordered columns.
type Table struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// Column represents a column definition. Unknown attributes are not kept;
// the fields below are the ones the schema update API accepts.
type Column struct {
	Name         string    `json:"name"`
	Type         string    `json:"type"`
	Link         *LinkSpec `json:"link,omitempty"`
	NotNull      bool      `json:"notNull,omitempty"`
	Unique       bool      `json:"unique,omitempty"`
	DefaultValue *string   `json:"defaultValue,omitempty"`
	Columns      []Column  `json:"columns,omitempty"`
}

// LinkSpec names the table a link column references.
type LinkSpec struct {
	Table string `json:"table"`
}

// IsLink reports whether the column references another table.
func (c Column) IsLink() bool {
	return c.Type == TypeLink
}

// IsFile reports whether the column holds file payloads.
func (c Column) IsFile() bool {
	return c.Type == TypeFile || c.Type == TypeFileList
}

// Target returns the linked table name, or "" for non-link columns.
func (c Column) Target() string {
	if c.Link == nil {
		return ""
	}
	return c.Link.Table
}

// Decode parses a branch details response body, i.e. {"schema": {...}}.
func Decode(body []byte) (*Schema, error) {
	var envelope struct {
		Schema *Schema `json:"schema"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decoding schema: %w", err)
	}
	if envelope.Schema == nil {
		return nil, fmt.Errorf("decoding schema: missing schema object")
	}
	return envelope.Schema, nil
}

// Table returns the named table, or nil.
func (s *Schema) Table(name string) *Table {
	for i := range s.Tables {
		if s.Tables[i].Name == name {
			return &s.Tables[i]
		}
	}
	return nil
}

// TableNames returns the table names in schema order.
func (s *Schema) TableNames() []string {
	names := make([]string, len(s.Tables))
	for i, t := range s.Tables {
		names[i] = t.Name
	}
	return names
}

// Equal reports whether two schemas have the same tables and columns.
func (s *Schema) Equal(other *Schema) bool {
	if s == nil || other == nil {
		return s == other
	}
	a, errA := json.Marshal(s)
	b, errB := json.Marshal(other)
	return errA == nil && errB == nil && string(a) == string(b)
}

// LinkColumns returns the table's link columns keyed by column name.
func (t *Table) LinkColumns() map[string]Column {
	links := make(map[string]Column)
	for _, c := range t.Columns {
		if c.IsLink() {
			links[c.Name] = c
		}
	}
	return links
}

// LinkColumnNames returns link column names in schema order.
func (t *Table) LinkColumnNames() []string {
	var names []string
	for _, c := range t.Columns {
		if c.IsLink() {
			names = append(names, c.Name)
		}
	}
	return names
}

// FileColumnNames returns the names of file and file[] columns.
func (t *Table) FileColumnNames() []string {
	var names []string
	for _, c := range t.Columns {
		if c.IsFile() {
			names = append(names, c.Name)
		}
	}
	return names
}

// SortedColumns returns a copy of the columns ordered by name.
func (t *Table) SortedColumns() []Column {
	cols := make([]Column, len(t.Columns))
	copy(cols, t.Columns)
	sort.SliceStable(cols, func(i, j int) bool { return cols[i].Name < cols[j].Name })
	return cols
}

// Column returns the named column and whether it exists.
func (t *Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}
