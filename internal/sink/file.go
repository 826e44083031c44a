package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/xataio/xtools/internal/record"
	"github.com/xataio/xtools/internal/schema"
	"github.com/xataio/xtools/internal/xata"
)

// Output formats of the file sink.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// SchemaFile is the name of the schema dump written next to table files.
const SchemaFile = "schema.json"

// File appends records to one file per table under a run directory.
type File struct {
	dir    string
	format string
	schema *schema.Schema
	errLog *xata.ErrorLog

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFile creates the output directory and returns a file sink.
func NewFile(dir, format string, s *schema.Schema, errLog *xata.ErrorLog) (*File, error) {
	if format != FormatJSON && format != FormatCSV {
		return nil, fmt.Errorf("unsupported output format %q", format)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	return &File{
		dir:    dir,
		format: format,
		schema: s,
		errLog: errLog,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

func (s *File) Name() string   { return "file/" + s.format }
func (s *File) Database() bool { return false }
func (s *File) Close() error   { return nil }

// Path returns the output file of a table.
func (s *File) Path(table string) string {
	ext := ".log"
	if s.format == FormatCSV {
		ext = ".csv"
	}
	return filepath.Join(s.dir, table+ext)
}

// Prepare writes schema.json and, for CSV output, each table's header row.
func (s *File) Prepare() error {
	b, err := json.Marshal(s.schema)
	if err != nil {
		return fmt.Errorf("encoding schema: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, SchemaFile), b, 0o644); err != nil {
		return fmt.Errorf("writing schema: %w", err)
	}
	if s.format != FormatCSV {
		return nil
	}
	for i := range s.schema.Tables {
		t := &s.schema.Tables[i]
		if err := s.append(t.Name, []string{CSVHeader(t)}); err != nil {
			return fmt.Errorf("writing csv header for %s: %w", t.Name, err)
		}
	}
	return nil
}

// Write appends one line per record.
func (s *File) Write(ctx context.Context, table string, recs []record.Record) (xata.Tally, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lines := make([]string, 0, len(recs))
	switch s.format {
	case FormatJSON:
		for _, r := range recs {
			b, err := json.Marshal(r)
			if err != nil {
				s.errLog.Write("encode", table+"/"+r.ID, err)
				continue
			}
			lines = append(lines, string(b))
		}
	case FormatCSV:
		t := s.schema.Table(table)
		if t == nil {
			return nil, fmt.Errorf("table %s not in schema", table)
		}
		for _, r := range recs {
			lines = append(lines, CSVRow(t, r))
		}
	}

	if err := s.append(table, lines); err != nil {
		s.errLog.Write("write", s.Path(table), err)
		return xata.Tally{"io": 1}, nil
	}
	return xata.Tally{}, nil
}

func (s *File) Patch(ctx context.Context, table string, rec record.Record) (xata.Tally, error) {
	return nil, fmt.Errorf("file sink: patch %s: %w", table, ErrUnsupported)
}

func (s *File) Upsert(ctx context.Context, table string, recs []record.Record) (xata.Tally, error) {
	return nil, fmt.Errorf("file sink: upsert %s: %w", table, ErrUnsupported)
}

func (s *File) tableLock(table string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[table]
	if !ok {
		l = &sync.Mutex{}
		s.locks[table] = l
	}
	return l
}

func (s *File) append(table string, lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	l := s.tableLock(table)
	l.Lock()
	defer l.Unlock()

	f, err := os.OpenFile(s.Path(table), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(strings.Join(lines, "\n") + "\n"); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// quotedTypes are the column types whose non-empty values are double quoted.
var quotedTypes = map[string]bool{
	"multiple": true,
	"string":   true,
	"text":     true,
	"object":   true,
}

// CSVHeader returns "id" followed by the table's column names in name order.
func CSVHeader(t *schema.Table) string {
	var b strings.Builder
	b.WriteString("id")
	for _, c := range t.SortedColumns() {
		b.WriteByte(',')
		b.WriteString(c.Name)
	}
	return b.String()
}

// CSVRow renders a record in the column order of CSVHeader. Missing values
// are left empty. Non-empty text and structured values are wrapped in
// double quotes with embedded quotes doubled.
func CSVRow(t *schema.Table, r record.Record) string {
	var b strings.Builder
	b.WriteString(r.ID)
	for _, c := range t.SortedColumns() {
		b.WriteByte(',')
		v, ok := r.Get(c.Name)
		if !ok || v == nil {
			continue
		}
		s := csvValue(v)
		if quotedTypes[c.Type] && s != "" && !isEmptyCollection(v) {
			b.WriteByte('"')
			b.WriteString(strings.ReplaceAll(s, `"`, `""`))
			b.WriteByte('"')
			continue
		}
		b.WriteString(s)
	}
	return b.String()
}

func csvValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []any, map[string]any, []string:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	default:
		return fmt.Sprint(x)
	}
}

func isEmptyCollection(v any) bool {
	switch x := v.(type) {
	case []any:
		return len(x) == 0
	case []string:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	}
	return false
}
