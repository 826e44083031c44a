// Package record holds the value type that flows from producers to
// consumers and the normalization applied to raw source records.
package record

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/xataio/xtools/internal/schema"
)

// MetadataKey is the system metadata object attached to every source record.
const MetadataKey = "xata"

// LinkValue is the resolved value of a link column: either one related id or
// an ordered list of them.
type LinkValue struct {
	ids      []string
	multiple bool
}

// Single returns a link to one record.
func Single(id string) LinkValue {
	return LinkValue{ids: []string{id}}
}

// Multiple returns an ordered list of links.
func Multiple(ids ...string) LinkValue {
	return LinkValue{ids: append([]string(nil), ids...), multiple: true}
}

// IsMultiple reports whether the value is a list of links.
func (v LinkValue) IsMultiple() bool { return v.multiple }

// IDs returns a copy of the linked ids.
func (v LinkValue) IDs() []string { return append([]string(nil), v.ids...) }

// Value returns the wire representation: a string or a []string.
func (v LinkValue) Value() any {
	if v.multiple {
		return v.IDs()
	}
	if len(v.ids) == 0 {
		return ""
	}
	return v.ids[0]
}

func (v LinkValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Value())
}

// Record is one source row. It is treated as immutable once queued; all
// helpers return copies.
type Record struct {
	ID     string
	Fields map[string]any
	Links  map[string]LinkValue
}

// Len returns the number of populated columns, excluding the id.
func (r Record) Len() int {
	return len(r.Fields) + len(r.Links)
}

// Get returns a column value in wire form.
func (r Record) Get(column string) (any, bool) {
	if l, ok := r.Links[column]; ok {
		return l.Value(), true
	}
	v, ok := r.Fields[column]
	return v, ok
}

// Columns returns the populated column names, sorted.
func (r Record) Columns() []string {
	cols := make([]string, 0, r.Len())
	for k := range r.Fields {
		cols = append(cols, k)
	}
	for k := range r.Links {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

// Body returns every column except the id, in wire form.
func (r Record) Body() map[string]any {
	m := make(map[string]any, r.Len())
	for k, v := range r.Fields {
		m[k] = v
	}
	for k, l := range r.Links {
		m[k] = l.Value()
	}
	return m
}

// Map returns the full record in wire form, including the id.
func (r Record) Map() map[string]any {
	m := r.Body()
	if r.ID != "" {
		m["id"] = r.ID
	}
	return m
}

func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Map())
}

// WithoutLinks returns a copy without the given link columns.
func (r Record) WithoutLinks(drop func(column string) bool) Record {
	out := Record{ID: r.ID, Fields: r.Fields, Links: make(map[string]LinkValue, len(r.Links))}
	for k, v := range r.Links {
		if drop(k) {
			continue
		}
		out.Links[k] = v
	}
	return out
}

// LinksOnly returns a copy carrying the id and link columns only.
func (r Record) LinksOnly() Record {
	links := make(map[string]LinkValue, len(r.Links))
	for k, v := range r.Links {
		links[k] = v
	}
	return Record{ID: r.ID, Fields: map[string]any{}, Links: links}
}

// Normalize converts a raw source record into a Record for the given table:
// the metadata object is dropped, link objects are flattened to their ids
// and file columns are removed.
func Normalize(raw map[string]any, t *schema.Table) (Record, error) {
	rec := Record{
		Fields: make(map[string]any, len(raw)),
		Links:  make(map[string]LinkValue),
	}

	links := t.LinkColumns()
	files := make(map[string]struct{})
	for _, name := range t.FileColumnNames() {
		files[name] = struct{}{}
	}

	for k, v := range raw {
		switch {
		case k == MetadataKey:
			continue
		case k == "id":
			id, ok := v.(string)
			if !ok {
				return Record{}, fmt.Errorf("table %s: record id has type %T", t.Name, v)
			}
			rec.ID = id
			continue
		}
		if _, ok := files[k]; ok {
			continue
		}
		if _, ok := links[k]; ok {
			if v == nil {
				continue
			}
			lv, err := ParseLink(v)
			if err != nil {
				return Record{}, fmt.Errorf("table %s column %s: %w", t.Name, k, err)
			}
			rec.Links[k] = lv
			continue
		}
		rec.Fields[k] = v
	}
	return rec, nil
}

// ParseLink resolves the nested representation of a link ({"id": ...}, a
// bare id, or a list of either) into a LinkValue.
func ParseLink(v any) (LinkValue, error) {
	switch x := v.(type) {
	case string:
		return Single(x), nil
	case map[string]any:
		id, err := linkID(x)
		if err != nil {
			return LinkValue{}, err
		}
		return Single(id), nil
	case []any:
		ids := make([]string, 0, len(x))
		for _, item := range x {
			switch it := item.(type) {
			case string:
				ids = append(ids, it)
			case map[string]any:
				id, err := linkID(it)
				if err != nil {
					return LinkValue{}, err
				}
				ids = append(ids, id)
			default:
				return LinkValue{}, fmt.Errorf("unexpected link item type %T", item)
			}
		}
		return Multiple(ids...), nil
	}
	return LinkValue{}, fmt.Errorf("unexpected link value type %T", v)
}

func linkID(obj map[string]any) (string, error) {
	id, ok := obj["id"].(string)
	if !ok {
		return "", fmt.Errorf("link object has no string id")
	}
	return id, nil
}
