// Package report aggregates the progress events of every producer and
// consumer of a run and renders per-table progress and the final summary.
package report

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xataio/xtools/internal/logging"
	"github.com/xataio/xtools/internal/metrics"
	"github.com/xataio/xtools/internal/progress"
	"github.com/xataio/xtools/internal/schema"
)

// Counter returns a record count estimate for a table.
type Counter interface {
	Count(ctx context.Context, table string) (int64, error)
}

// Config configures a Reporter.
type Config struct {
	// Concurrency is the number of consumers per table; a table is done
	// when that many completion markers arrived.
	Concurrency int
	// Backfill enables link tracking for tier3 tables. Only database sinks
	// run a backfill pass.
	Backfill bool
	// Out receives the plan, table lines and summary. Nil means stdout.
	Out io.Writer
	// Progress enables the aggregate progress bar.
	Progress bool
	// Interval throttles the periodic table lines. Zero disables them.
	Interval time.Duration
	// ErrorLog is mentioned in the summary when errors were tallied.
	ErrorLog string
}

// TableReport holds the counters of one table.
type TableReport struct {
	Name            string
	Tier            schema.Tier
	Total           int64
	Records         int64
	Links           int64
	Errors          map[string]int
	ThreadsFinished int
	LinksFinished   int
	TracksLinks     bool
}

// RecordsDone reports whether every consumer finished the base copy.
func (t *TableReport) RecordsDone(concurrency int) bool {
	return t.ThreadsFinished >= concurrency
}

// LinksDone reports whether every consumer finished the backfill.
func (t *TableReport) LinksDone(concurrency int) bool {
	return t.LinksFinished >= concurrency
}

// Done reports whether the table is complete on every tracked dimension.
func (t *TableReport) Done(concurrency int) bool {
	if !t.RecordsDone(concurrency) {
		return false
	}
	return !t.TracksLinks || t.LinksDone(concurrency)
}

// ErrorCount returns the sum of tallied errors.
func (t *TableReport) ErrorCount() int {
	n := 0
	for _, v := range t.Errors {
		n += v
	}
	return n
}

// Summary is the outcome of a run as seen by the reporter.
type Summary struct {
	Tables   []TableReport
	Records  int64
	Links    int64
	Errors   map[string]int
	Complete bool
	Elapsed  time.Duration
}

// HasErrors reports whether any table tallied an error.
func (s *Summary) HasErrors() bool {
	return len(s.Errors) > 0
}

// Reporter owns the per-table counters. Only Run mutates them; everything
// else reaches the reporter through the event channel.
type Reporter struct {
	cfg   Config
	plan  *schema.Plan
	out   io.Writer
	order []string

	mu     sync.Mutex
	tables map[string]*TableReport
	bar    *progress.Tracker
	start  time.Time
}

// New creates a reporter for the tables of plan, in plan order.
func New(plan *schema.Plan, cfg Config) *Reporter {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	out := cfg.Out
	if out == nil {
		out = os.Stdout
	}
	r := &Reporter{
		cfg:    cfg,
		plan:   plan,
		out:    out,
		tables: make(map[string]*TableReport),
	}
	for _, tier := range schema.Tiers {
		for _, name := range plan.Tables(tier) {
			r.order = append(r.order, name)
			r.tables[name] = &TableReport{
				Name:        name,
				Tier:        tier,
				Errors:      map[string]int{},
				TracksLinks: cfg.Backfill && tier == schema.Tier3,
			}
		}
	}
	return r
}

// PrintPlan writes the execution plan. For file output, paths maps tables
// to their output files and replaces the tier description.
func (r *Reporter) PrintPlan(paths func(table string) string) {
	if paths != nil {
		fmt.Fprintln(r.out, "\nTable output file paths:")
		for _, name := range r.order {
			fmt.Fprintf(r.out, "- %s: %s\n", name, paths(name))
		}
		return
	}

	fmt.Fprintln(r.out, "\nExecution plan:")
	if len(r.plan.Tier1) > 0 {
		fmt.Fprintf(r.out, "%v do not contain links and will be copied first.\n", r.plan.Tier1)
	}
	if len(r.plan.Tier2) > 0 {
		fmt.Fprintf(r.out, "%v contain links to other tables from the above list so will be copied second.\n", r.plan.Tier2)
	}
	if len(r.plan.Tier3) > 0 {
		fmt.Fprintf(r.out, "%v contain links to other tables with links and will be copied last. Links will be backfilled after all records have been copied.\n", r.plan.Tier3)
	}
}

// Prepare fetches the per-table record estimates used as progress
// denominators. A failed estimate is logged and left at zero.
func (r *Reporter) Prepare(ctx context.Context, counter Counter) error {
	var total int64
	for _, name := range r.order {
		fmt.Fprintf(r.out, "Initializing replay from %s\n", name)
		n, err := counter.Count(ctx, name)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logging.Warn("Cannot estimate records of %s: %v", name, err)
			continue
		}
		r.mu.Lock()
		r.tables[name].Total = n
		r.mu.Unlock()
		total += n
	}
	if r.cfg.Progress {
		r.bar = progress.New(r.out)
		r.bar.SetTotal(total, "Copying")
	}
	return nil
}

// Run drains events until every table is done, the channel is closed or
// ctx is cancelled, then prints and returns the summary.
func (r *Reporter) Run(ctx context.Context, events <-chan Event) *Summary {
	r.start = time.Now()
	var tick <-chan time.Time
	if r.cfg.Interval > 0 {
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

loop:
	for !r.allDone() {
		select {
		case ev, ok := <-events:
			if !ok {
				break loop
			}
			r.apply(ev)
		case <-tick:
			r.printProgress()
		case <-ctx.Done():
			break loop
		}
	}

	if r.bar != nil {
		r.bar.Finish()
	}
	s := r.Summary()
	r.printSummary(s)
	return s
}

func (r *Reporter) apply(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tables[ev.Table]
	if !ok {
		logging.Debug("Ignoring event for unknown table %s", ev.Table)
		return
	}

	switch ev.Kind {
	case KindErrors:
		for code, n := range ev.Errors {
			t.Errors[code] += n
			metrics.RecordErrors(t.Name, code, n)
		}
	case KindRecords:
		if ev.Done {
			t.ThreadsFinished++
			if t.ThreadsFinished == r.cfg.Concurrency {
				fmt.Fprintln(r.out, FormatLine(t, r.cfg.Concurrency))
			}
			return
		}
		t.Records += int64(ev.Count)
		metrics.RecordRecords(t.Name, "records", ev.Count)
		if r.bar != nil {
			r.bar.Add(int64(ev.Count))
		}
	case KindLinks:
		if ev.Done {
			t.LinksFinished++
			if t.LinksFinished == r.cfg.Concurrency {
				fmt.Fprintln(r.out, FormatLine(t, r.cfg.Concurrency))
			}
			return
		}
		t.Links += int64(ev.Count)
		metrics.RecordRecords(t.Name, "links", ev.Count)
	}
}

func (r *Reporter) allDone() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tables {
		if !t.Done(r.cfg.Concurrency) {
			return false
		}
	}
	return true
}

func (r *Reporter) printProgress() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range r.order {
		t := r.tables[name]
		if t.Done(r.cfg.Concurrency) || (t.Records == 0 && t.Links == 0) {
			continue
		}
		fmt.Fprintln(r.out, FormatLine(t, r.cfg.Concurrency))
	}
	fmt.Fprintf(r.out, "Elapsed: %s\n", time.Since(r.start).Round(time.Second))
}

// Table returns a copy of one table's counters.
func (r *Reporter) Table(name string) (TableReport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tables[name]
	if !ok {
		return TableReport{}, false
	}
	return copyReport(t), true
}

// Summary returns the current totals.
func (r *Reporter) Summary() *Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := &Summary{Errors: map[string]int{}, Complete: true}
	if !r.start.IsZero() {
		s.Elapsed = time.Since(r.start)
	}
	for _, name := range r.order {
		t := r.tables[name]
		s.Tables = append(s.Tables, copyReport(t))
		s.Records += t.Records
		s.Links += t.Links
		for code, n := range t.Errors {
			s.Errors[code] += n
		}
		if !t.Done(r.cfg.Concurrency) {
			s.Complete = false
		}
	}
	return s
}

func (r *Reporter) printSummary(s *Summary) {
	fmt.Fprintln(r.out)
	for _, t := range s.Tables {
		fmt.Fprintln(r.out, FormatLine(&t, r.cfg.Concurrency))
	}

	line := fmt.Sprintf("Processed %d records total", s.Records)
	if s.Links > 0 {
		line += fmt.Sprintf(" and backfilled %d records with links", s.Links)
	}
	if s.Complete {
		fmt.Fprintf(r.out, "\nData transfer completed. %s.\n", line)
	} else {
		fmt.Fprintf(r.out, "\nData transfer interrupted. %s.\n", line)
	}
	if s.HasErrors() {
		fmt.Fprintf(r.out, "Errors were reported: %s. Please review the error log at %s\n",
			FormatErrors(s.Errors), r.cfg.ErrorLog)
	}
}

// FormatLine renders the progress line of a table, e.g.
// "posts : 250 / 250 [Completed] | Backfilled links: 40 Errors: {400: 1}".
func FormatLine(t *TableReport, concurrency int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s : %d / %d", t.Name, t.Records, t.Total)
	if t.RecordsDone(concurrency) {
		b.WriteString(" [Completed]")
	}
	if t.TracksLinks && (t.Links > 0 || t.LinksDone(concurrency)) {
		fmt.Fprintf(&b, " | Backfilled links: %d", t.Links)
		if t.LinksDone(concurrency) {
			b.WriteString(" [Completed]")
		}
	}
	if len(t.Errors) > 0 {
		fmt.Fprintf(&b, " Errors: %s", FormatErrors(t.Errors))
	}
	return b.String()
}

// FormatErrors renders a tally with codes in sorted order.
func FormatErrors(errs map[string]int) string {
	codes := make([]string, 0, len(errs))
	for c := range errs {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	parts := make([]string, len(codes))
	for i, c := range codes {
		parts[i] = fmt.Sprintf("%s: %d", c, errs[c])
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func copyReport(t *TableReport) TableReport {
	c := *t
	c.Errors = make(map[string]int, len(t.Errors))
	for k, v := range t.Errors {
		c.Errors[k] = v
	}
	return c
}
