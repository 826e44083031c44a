package orchestrator

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/xataio/xtools/internal/config"
	"github.com/xataio/xtools/internal/schema"
	"github.com/xataio/xtools/internal/xata"
)

// testSchema has one table per tier: users (tier1), posts linking to users
// (tier2) and comments linking to posts and to itself (tier3).
func testSchema() *schema.Schema {
	return &schema.Schema{Tables: []schema.Table{
		{Name: "users", Columns: []schema.Column{{Name: "email", Type: "email"}}},
		{Name: "posts", Columns: []schema.Column{
			{Name: "title", Type: "string"},
			{Name: "author", Type: schema.TypeLink, Link: &schema.LinkSpec{Table: "users"}},
		}},
		{Name: "comments", Columns: []schema.Column{
			{Name: "body", Type: "text"},
			{Name: "post", Type: schema.TypeLink, Link: &schema.LinkSpec{Table: "posts"}},
			{Name: "parent", Type: schema.TypeLink, Link: &schema.LinkSpec{Table: "comments"}},
		}},
	}}
}

func link(id string) map[string]any { return map[string]any{"id": id} }

func testRecords() map[string][]map[string]any {
	meta := map[string]any{"version": 0}
	return map[string][]map[string]any{
		"users": {
			{"id": "u1", "email": "u1@x", "xata": meta},
			{"id": "u2", "email": "u2@x", "xata": meta},
			{"id": "u3", "email": "u3@x", "xata": meta},
		},
		"posts": {
			{"id": "p1", "title": "one", "author": link("u1"), "xata": meta},
			{"id": "p2", "title": "two", "author": link("u2"), "xata": meta},
			{"id": "p3", "title": "three", "author": nil, "xata": meta},
		},
		"comments": {
			{"id": "c1", "body": "b1", "post": link("p1"), "parent": nil, "xata": meta},
			{"id": "c2", "body": "b2", "post": link("p1"), "parent": link("c1"), "xata": meta},
			{"id": "c3", "body": "b3", "post": link("p2"), "parent": link("c2"), "xata": meta},
		},
	}
}

type fakeBranch struct {
	schema  *schema.Schema
	records map[string]map[string]map[string]any
}

func (b *fakeBranch) ids(table string) []string {
	ids := make([]string, 0, len(b.records[table]))
	for id := range b.records[table] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (b *fakeBranch) merge(table, id string, fields map[string]any) {
	if b.records[table] == nil {
		b.records[table] = map[string]map[string]any{}
	}
	rec := b.records[table][id]
	if rec == nil {
		rec = map[string]any{"id": id}
		b.records[table][id] = rec
	}
	for k, v := range fields {
		rec[k] = v
	}
}

// fakeXata serves the data plane of every branch and the control plane of
// every workspace from one server. Branches are keyed "db:branch".
type fakeXata struct {
	mu        sync.Mutex
	branches  map[string]*fakeBranch
	databases map[string]bool
	// log lists write calls in arrival order, e.g. "bulk users".
	log []string
	// bulk keeps every record sent to the bulk endpoint per table.
	bulk      map[string][]map[string]any
	schemaOps []string
	// blockQueries makes every query hang until the client gives up.
	blockQueries bool
	// status overrides the response of GET on a branch.
	status map[string]int
}

func newFakeXata(src *schema.Schema, records map[string][]map[string]any) *fakeXata {
	main := &fakeBranch{schema: src, records: map[string]map[string]map[string]any{}}
	for table, recs := range records {
		for _, r := range recs {
			main.merge(table, r["id"].(string), r)
		}
	}
	return &fakeXata{
		branches:  map[string]*fakeBranch{"app:main": main},
		databases: map[string]bool{"app": true},
		bulk:      map[string][]map[string]any{},
		status:    map[string]int{},
	}
}

func (f *fakeXata) start(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return srv
}

func (f *fakeXata) branch(key string) *fakeBranch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.branches[key]
}

func (f *fakeXata) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.log...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (f *fakeXata) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	path := r.URL.Path

	if strings.HasSuffix(path, "/query") && f.blockQueries {
		<-r.Context().Done()
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if strings.HasPrefix(path, "/workspaces/") {
		f.createDatabase(w, path, body)
		return
	}

	rest, ok := strings.CutPrefix(path, "/db/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	key, sub, _ := strings.Cut(rest, "/")
	br := f.branches[key]

	if sub == "" {
		switch r.Method {
		case http.MethodGet:
			if code, ok := f.status[key]; ok {
				writeJSON(w, code, map[string]any{"message": "forced"})
				return
			}
			if br == nil {
				writeJSON(w, http.StatusNotFound, map[string]any{"message": "branch not found"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"schema": br.schema})
		case http.MethodPut:
			f.createBranch(w, key, body)
		}
		return
	}
	if br == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "branch not found"})
		return
	}

	switch {
	case sub == "schema/update":
		f.updateSchema(w, br, body)
	case sub == "transaction":
		var req struct {
			Operations []xata.TransactionOp `json:"operations"`
		}
		json.Unmarshal(body, &req)
		for _, op := range req.Operations {
			f.log = append(f.log, "transaction "+op.Update.Table)
			br.merge(op.Update.Table, op.Update.ID, op.Update.Fields)
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": []any{}})
	case strings.HasPrefix(sub, "tables/"):
		parts := strings.Split(strings.TrimPrefix(sub, "tables/"), "/")
		table := parts[0]
		switch {
		case len(parts) == 2 && parts[1] == "query":
			f.query(w, br, table, body)
		case len(parts) == 2 && parts[1] == "summarize":
			writeJSON(w, http.StatusOK, map[string]any{
				"summaries": []any{map[string]any{"total": len(br.records[table])}},
			})
		case len(parts) == 2 && parts[1] == "bulk":
			var req struct {
				Records []map[string]any `json:"records"`
			}
			json.Unmarshal(body, &req)
			f.log = append(f.log, "bulk "+table)
			for _, rec := range req.Records {
				f.bulk[table] = append(f.bulk[table], rec)
				br.merge(table, rec["id"].(string), rec)
			}
			writeJSON(w, http.StatusOK, map[string]any{})
		case len(parts) == 3 && parts[1] == "data" && r.Method == http.MethodPatch:
			var fields map[string]any
			json.Unmarshal(body, &fields)
			f.log = append(f.log, "patch "+table)
			br.merge(table, parts[2], fields)
			writeJSON(w, http.StatusOK, map[string]any{"id": parts[2]})
		default:
			http.NotFound(w, r)
		}
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeXata) createDatabase(w http.ResponseWriter, path string, body []byte) {
	// /workspaces/{ws}/dbs/{db}
	parts := strings.Split(path, "/")
	db := parts[len(parts)-1]
	if f.databases[db] {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"message": "database already exists"})
		return
	}
	var req struct {
		Region     string `json:"region"`
		BranchName string `json:"branchName"`
	}
	json.Unmarshal(body, &req)
	f.databases[db] = true
	f.branches[db+":"+req.BranchName] = &fakeBranch{
		schema:  &schema.Schema{},
		records: map[string]map[string]map[string]any{},
	}
	writeJSON(w, http.StatusCreated, map[string]any{"databaseName": db})
}

func (f *fakeXata) createBranch(w http.ResponseWriter, key string, body []byte) {
	var req struct {
		From string `json:"from"`
	}
	json.Unmarshal(body, &req)
	db, _, _ := strings.Cut(key, ":")
	from := f.branches[db+":"+req.From]
	if from == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "source branch not found"})
		return
	}
	cp := *from.schema
	f.branches[key] = &fakeBranch{schema: &cp, records: map[string]map[string]map[string]any{}}
	writeJSON(w, http.StatusCreated, map[string]any{"status": "completed"})
}

func (f *fakeXata) updateSchema(w http.ResponseWriter, br *fakeBranch, body []byte) {
	var req struct {
		Operations []xata.SchemaOp `json:"operations"`
	}
	json.Unmarshal(body, &req)
	for _, op := range req.Operations {
		switch {
		case op.AddTable != nil:
			f.schemaOps = append(f.schemaOps, "addTable "+op.AddTable.Table)
			br.schema.Tables = append(br.schema.Tables, schema.Table{Name: op.AddTable.Table})
		case op.AddColumn != nil:
			f.schemaOps = append(f.schemaOps, "addColumn "+op.AddColumn.Table+"."+op.AddColumn.Column.Name)
			for i := range br.schema.Tables {
				if br.schema.Tables[i].Name == op.AddColumn.Table {
					br.schema.Tables[i].Columns = append(br.schema.Tables[i].Columns, op.AddColumn.Column)
				}
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "completed"})
}

// query pages through the records of a table in id order. The filter is
// only sent with the first page, so the cursor carries the filtered
// columns along with the offset.
func (f *fakeXata) query(w http.ResponseWriter, br *fakeBranch, table string, body []byte) {
	var req xata.QueryRequest
	json.Unmarshal(body, &req)

	offset := 0
	var exists []string
	if req.Page.After != "" {
		off, cols, _ := strings.Cut(req.Page.After, "|")
		offset, _ = strconv.Atoi(off)
		if cols != "" {
			exists = strings.Split(cols, ",")
		}
	} else if anyOf, ok := req.Filter["$any"].([]any); ok {
		for _, clause := range anyOf {
			exists = append(exists, clause.(map[string]any)["$exists"].(string))
		}
	}

	var ids []string
	for _, id := range br.ids(table) {
		if len(exists) == 0 || hasAny(br.records[table][id], exists) {
			ids = append(ids, id)
		}
	}

	size := req.Page.Size
	if size == 0 {
		size = 20
	}
	end := offset + size
	if end > len(ids) {
		end = len(ids)
	}

	records := []map[string]any{}
	for _, id := range ids[offset:end] {
		records = append(records, project(br.records[table][id], req.Columns))
	}
	resp := map[string]any{
		"records": records,
		"meta": map[string]any{"page": map[string]any{
			"cursor": fmt.Sprintf("%d|%s", end, strings.Join(exists, ",")),
			"more":   end < len(ids),
		}},
	}
	writeJSON(w, http.StatusOK, resp)
}

func hasAny(rec map[string]any, columns []string) bool {
	for _, c := range columns {
		if rec[c] != nil {
			return true
		}
	}
	return false
}

func project(rec map[string]any, columns []string) map[string]any {
	if len(columns) == 0 {
		return rec
	}
	out := map[string]any{"id": rec["id"], "xata": rec["xata"]}
	for _, c := range columns {
		name := strings.TrimSuffix(c, ".id")
		if v, ok := rec[name]; ok && v != nil {
			out[name] = v
		}
	}
	return out
}

// testConfig targets a new database "copy" in the same workspace.
func testConfig(t *testing.T, endpoint string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Source = config.EndpointConfig{
		Workspace: "ws", Database: "app", Branch: "main", Region: "eu-west-1",
		APIKey: "src-key", Endpoint: endpoint,
	}
	cfg.Destination = config.EndpointConfig{
		Workspace: "ws", Database: "copy", Branch: "main", Region: "eu-west-1",
		APIKey: "dst-key", Endpoint: endpoint,
	}
	cfg.ControlPlane.Endpoint = endpoint
	cfg.Replay.Concurrency = 2
	cfg.Replay.BulkSize = 2
	cfg.Replay.PageSize = 2
	cfg.Replay.QueueSize = 4
	cfg.Replay.ReportInterval = 0
	cfg.ErrorFile = filepath.Join(t.TempDir(), "logs", "errors.log")
	return cfg
}
