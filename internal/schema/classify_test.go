package schema

import (
	"reflect"
	"sort"
	"testing"
)

func link(name, target string) Column {
	return Column{Name: name, Type: TypeLink, Link: &LinkSpec{Table: target}}
}

func str(name string) Column {
	return Column{Name: name, Type: "string"}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		schema *Schema
		tier1  []string
		tier2  []string
		tier3  []string
	}{
		{
			name: "chain",
			schema: &Schema{Tables: []Table{
				{Name: "A", Columns: []Column{str("title")}},
				{Name: "B", Columns: []Column{link("a", "A")}},
				{Name: "C", Columns: []Column{link("b", "B")}},
			}},
			tier1: []string{"A"},
			tier2: []string{"B"},
			tier3: []string{"C"},
		},
		{
			name: "self link",
			schema: &Schema{Tables: []Table{
				{Name: "nodes", Columns: []Column{str("label"), link("parent", "nodes")}},
			}},
			tier3: []string{"nodes"},
		},
		{
			name: "cycle",
			schema: &Schema{Tables: []Table{
				{Name: "users", Columns: []Column{link("team", "teams")}},
				{Name: "teams", Columns: []Column{link("owner", "users")}},
			}},
			tier3: []string{"users", "teams"},
		},
		{
			name: "no columns",
			schema: &Schema{Tables: []Table{
				{Name: "empty"},
			}},
			tier1: []string{"empty"},
		},
		{
			name: "several links to leaf tables",
			schema: &Schema{Tables: []Table{
				{Name: "users", Columns: []Column{str("email")}},
				{Name: "tags", Columns: []Column{str("label")}},
				{Name: "posts", Columns: []Column{link("author", "users"), link("tag", "tags")}},
			}},
			tier1: []string{"users", "tags"},
			tier2: []string{"posts"},
		},
		{
			name: "one of two targets has links",
			schema: &Schema{Tables: []Table{
				{Name: "users", Columns: []Column{str("email")}},
				{Name: "posts", Columns: []Column{link("author", "users")}},
				{Name: "comments", Columns: []Column{link("post", "posts"), link("author", "users")}},
			}},
			tier1: []string{"users"},
			tier2: []string{"posts"},
			tier3: []string{"comments"},
		},
		{
			name: "link to missing table",
			schema: &Schema{Tables: []Table{
				{Name: "orphans", Columns: []Column{link("ghost", "missing")}},
			}},
			tier2: []string{"orphans"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Classify(tt.schema)
			if !sameStrings(p.Tier1, tt.tier1) {
				t.Errorf("tier1 = %v, want %v", p.Tier1, tt.tier1)
			}
			if !sameStrings(p.Tier2, tt.tier2) {
				t.Errorf("tier2 = %v, want %v", p.Tier2, tt.tier2)
			}
			if !sameStrings(p.Tier3, tt.tier3) {
				t.Errorf("tier3 = %v, want %v", p.Tier3, tt.tier3)
			}
		})
	}
}

func TestClassifyPartition(t *testing.T) {
	s := &Schema{Tables: []Table{
		{Name: "a", Columns: []Column{str("x")}},
		{Name: "b", Columns: []Column{link("a", "a")}},
		{Name: "c", Columns: []Column{link("b", "b"), link("a", "a")}},
		{Name: "d", Columns: []Column{link("d", "d")}},
		{Name: "e"},
		{Name: "f", Columns: []Column{link("e", "e"), {Name: "doc", Type: TypeFile}}},
	}}

	p := Classify(s)
	if p.Len() != len(s.Tables) {
		t.Fatalf("classified %d tables, want %d", p.Len(), len(s.Tables))
	}

	seen := map[string]int{}
	for _, tier := range Tiers {
		for _, name := range p.Tables(tier) {
			seen[name]++
			got, ok := p.TierOf(name)
			if !ok || got != tier {
				t.Errorf("TierOf(%q) = %v, %v; want %v", name, got, ok, tier)
			}
		}
	}
	for _, name := range s.TableNames() {
		if seen[name] != 1 {
			t.Errorf("table %q appears %d times across tiers", name, seen[name])
		}
	}

	if !p.IsTier3("c") || !p.IsTier3("d") || p.IsTier3("a") {
		t.Errorf("unexpected tier3 membership: %v", p.Tier3)
	}
}

func TestTierString(t *testing.T) {
	if Tier1.String() != "tier1" || Tier3.String() != "tier3" {
		t.Errorf("unexpected tier names %s %s", Tier1, Tier3)
	}
	if Tier(7).String() != "tier(7)" {
		t.Errorf("unexpected unknown tier name %s", Tier(7))
	}
}

func TestDecode(t *testing.T) {
	body := []byte(`{"branchName":"main","schema":{"tables":[
		{"name":"posts","columns":[
			{"name":"title","type":"string"},
			{"name":"author","type":"link","link":{"table":"users"}},
			{"name":"cover","type":"file"},
			{"name":"attachments","type":"file[]"}
		]},
		{"name":"users","columns":[{"name":"email","type":"email","unique":true}]}
	]}}`)

	s, err := Decode(body)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got := s.TableNames(); !reflect.DeepEqual(got, []string{"posts", "users"}) {
		t.Fatalf("TableNames = %v", got)
	}

	posts := s.Table("posts")
	if posts == nil {
		t.Fatal("posts table missing")
	}
	if got := posts.LinkColumnNames(); !reflect.DeepEqual(got, []string{"author"}) {
		t.Errorf("LinkColumnNames = %v", got)
	}
	if got := posts.LinkColumns()["author"].Target(); got != "users" {
		t.Errorf("author target = %q", got)
	}
	if got := posts.FileColumnNames(); !reflect.DeepEqual(got, []string{"cover", "attachments"}) {
		t.Errorf("FileColumnNames = %v", got)
	}

	sorted := posts.SortedColumns()
	if sorted[0].Name != "attachments" || sorted[3].Name != "title" {
		t.Errorf("SortedColumns order = %v", sorted)
	}
	if posts.Columns[0].Name != "title" {
		t.Error("SortedColumns mutated the table")
	}

	if s.Table("missing") != nil {
		t.Error("expected nil for unknown table")
	}
	if !s.Equal(s) {
		t.Error("schema should equal itself")
	}
}

func TestDecodeMissingSchema(t *testing.T) {
	if _, err := Decode([]byte(`{"branchName":"main"}`)); err == nil {
		t.Error("expected error for missing schema")
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Error("expected error for invalid json")
	}
}

func sameStrings(a, b []string) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	a2 := append([]string(nil), a...)
	b2 := append([]string(nil), b...)
	sort.Strings(a2)
	sort.Strings(b2)
	return reflect.DeepEqual(a2, b2)
}
