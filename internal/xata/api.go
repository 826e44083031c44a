package xata

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/xataio/xtools/internal/schema"
)

// Page is the pagination part of a query request.
type Page struct {
	Size  int    `json:"size,omitempty"`
	After string `json:"after,omitempty"`
}

// QueryRequest is the body of POST /tables/{table}/query.
type QueryRequest struct {
	Page    Page           `json:"page"`
	Filter  map[string]any `json:"filter,omitempty"`
	Columns []string       `json:"columns,omitempty"`
}

// QueryResponse is a page of raw records plus the cursor for the next page.
type QueryResponse struct {
	Records []map[string]any `json:"records"`
	Meta    struct {
		Page struct {
			Cursor string `json:"cursor"`
			More   bool   `json:"more"`
		} `json:"page"`
	} `json:"meta"`
}

// AnyExists builds the {"$any":[{"$exists":col},...]} filter.
func AnyExists(columns []string) map[string]any {
	clauses := make([]any, 0, len(columns))
	for _, c := range columns {
		clauses = append(clauses, map[string]any{"$exists": c})
	}
	return map[string]any{"$any": clauses}
}

// TransactionOp is one operation of a transaction request.
type TransactionOp struct {
	Update *UpdateOp `json:"update,omitempty"`
}

// UpdateOp updates (or upserts) one record by id.
type UpdateOp struct {
	Table  string         `json:"table"`
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
	Upsert bool           `json:"upsert"`
}

// SchemaOp is one /schema/update operation.
type SchemaOp struct {
	AddTable  *AddTable  `json:"addTable,omitempty"`
	AddColumn *AddColumn `json:"addColumn,omitempty"`
}

type AddTable struct {
	Table string `json:"table"`
}

type AddColumn struct {
	Table  string        `json:"table"`
	Column schema.Column `json:"column"`
}

func tablePath(table string) string {
	return "/tables/" + url.PathEscape(table)
}

// Branch fetches the branch details. Callers inspect the status code; no
// status is treated as an error here.
func (c *Client) Branch(ctx context.Context) (*Response, error) {
	resp, _, err := c.Get(ctx, "", http.StatusNotFound)
	return resp, err
}

// Schema fetches and decodes the branch schema.
func (c *Client) Schema(ctx context.Context) (*schema.Schema, error) {
	resp, _, err := c.Get(ctx, "")
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, fmt.Errorf("fetching schema from %s: status %d", c.baseURL, resp.StatusCode)
	}
	return schema.Decode(resp.Body)
}

// Query fetches one page of records.
func (c *Client) Query(ctx context.Context, table string, req QueryRequest) (*QueryResponse, Tally, error) {
	resp, tally, err := c.Post(ctx, tablePath(table)+"/query", req)
	if err != nil {
		return nil, tally, err
	}
	if !resp.OK() {
		return nil, tally, fmt.Errorf("querying %s: status %d", table, resp.StatusCode)
	}
	var out QueryResponse
	if err := resp.Decode(&out); err != nil {
		return nil, tally, fmt.Errorf("querying %s: %w", table, err)
	}
	return &out, tally, nil
}

// Bulk inserts records in one request.
func (c *Client) Bulk(ctx context.Context, table string, records []map[string]any) (Tally, error) {
	_, tally, err := c.Post(ctx, tablePath(table)+"/bulk", map[string]any{"records": records})
	return tally, err
}

// PatchRecord partially updates one record.
func (c *Client) PatchRecord(ctx context.Context, table, id string, fields map[string]any) (Tally, error) {
	_, tally, err := c.Patch(ctx, tablePath(table)+"/data/"+url.PathEscape(id), fields)
	return tally, err
}

// Transaction submits several operations as one request.
func (c *Client) Transaction(ctx context.Context, ops []TransactionOp) (Tally, error) {
	_, tally, err := c.Post(ctx, "/transaction", map[string]any{"operations": ops})
	return tally, err
}

// Count returns the total number of records of a table.
func (c *Client) Count(ctx context.Context, table string) (int64, error) {
	payload := map[string]any{
		"summaries": map[string]any{"total": map[string]any{"count": "*"}},
	}
	resp, _, err := c.Post(ctx, tablePath(table)+"/summarize", payload)
	if err != nil {
		return 0, err
	}
	if !resp.OK() {
		return 0, fmt.Errorf("summarizing %s: status %d", table, resp.StatusCode)
	}
	var out struct {
		Summaries []struct {
			Total int64 `json:"total"`
		} `json:"summaries"`
	}
	if err := resp.Decode(&out); err != nil {
		return 0, fmt.Errorf("summarizing %s: %w", table, err)
	}
	if len(out.Summaries) == 0 {
		return 0, nil
	}
	return out.Summaries[0].Total, nil
}

// UpdateSchema applies schema operations and returns the reported status.
func (c *Client) UpdateSchema(ctx context.Context, ops []SchemaOp) (string, error) {
	resp, _, err := c.Post(ctx, "/schema/update", map[string]any{"operations": ops})
	if err != nil {
		return "", err
	}
	var out struct {
		Status string `json:"status"`
	}
	if err := resp.Decode(&out); err != nil {
		return "", fmt.Errorf("schema update: %w", err)
	}
	return out.Status, nil
}

// CreateBranch creates the client's branch from an existing one. It returns
// the HTTP status and the reported creation status.
func (c *Client) CreateBranch(ctx context.Context, from string) (int, string, error) {
	resp, _, err := c.Put(ctx, "", map[string]any{"from": from})
	if err != nil {
		return 0, "", err
	}
	var out struct {
		Status string `json:"status"`
	}
	_ = resp.Decode(&out)
	return resp.StatusCode, out.Status, nil
}

// CreateDatabase creates a database through the control plane. A 422 means
// the database already exists and is returned as a status, not logged.
func (c *Client) CreateDatabase(ctx context.Context, region, branch string) (int, error) {
	payload := map[string]any{"region": region, "branchName": branch}
	resp, _, err := c.Put(ctx, "", payload, http.StatusUnprocessableEntity)
	if err != nil {
		return 0, err
	}
	return resp.StatusCode, nil
}
