package sink

import (
	"context"

	"github.com/xataio/xtools/internal/record"
	"github.com/xataio/xtools/internal/xata"
)

// Xata writes to a destination branch over HTTP.
type Xata struct {
	client *xata.Client
}

// NewXata returns a sink bound to the destination branch client.
func NewXata(client *xata.Client) *Xata {
	return &Xata{client: client}
}

func (s *Xata) Name() string   { return "xata" }
func (s *Xata) Database() bool { return true }
func (s *Xata) Close() error   { return nil }

// Write sends the batch to the bulk endpoint.
func (s *Xata) Write(ctx context.Context, table string, recs []record.Record) (xata.Tally, error) {
	body := make([]map[string]any, len(recs))
	for i, r := range recs {
		body[i] = r.Map()
	}
	return s.client.Bulk(ctx, table, body)
}

// Patch issues one partial update addressed by record id.
func (s *Xata) Patch(ctx context.Context, table string, rec record.Record) (xata.Tally, error) {
	return s.client.PatchRecord(ctx, table, rec.ID, rec.Body())
}

// Upsert groups the batch into one transaction of update operations with
// upsert enabled.
func (s *Xata) Upsert(ctx context.Context, table string, recs []record.Record) (xata.Tally, error) {
	ops := make([]xata.TransactionOp, len(recs))
	for i, r := range recs {
		ops[i] = xata.TransactionOp{Update: &xata.UpdateOp{
			Table:  table,
			ID:     r.ID,
			Fields: r.Body(),
			Upsert: true,
		}}
	}
	return s.client.Transaction(ctx, ops)
}
