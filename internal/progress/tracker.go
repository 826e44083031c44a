// Package progress renders the aggregate record progress of a run.
package progress

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"
)

// Tracker tracks replay progress across all tables.
type Tracker struct {
	bar       *progressbar.ProgressBar
	out       io.Writer
	total     int64
	current   atomic.Int64
	startTime time.Time
}

// New creates a tracker writing to out. A nil writer means stdout.
func New(out io.Writer) *Tracker {
	if out == nil {
		out = os.Stdout
	}
	return &Tracker{out: out, startTime: time.Now()}
}

// SetTotal sets the number of records expected and starts the bar.
func (t *Tracker) SetTotal(total int64, description string) {
	t.total = total
	t.bar = progressbar.NewOptions64(
		total,
		progressbar.OptionSetWriter(t.out),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowBytes(false),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("records"),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// Add increments the progress counter.
func (t *Tracker) Add(n int64) {
	t.current.Add(n)
	if t.bar != nil {
		t.bar.Add64(n)
	}
}

// Current returns the current count.
func (t *Tracker) Current() int64 {
	return t.current.Load()
}

// Total returns the expected count.
func (t *Tracker) Total() int64 {
	return t.total
}

// Elapsed returns the time since the tracker was created.
func (t *Tracker) Elapsed() time.Duration {
	return time.Since(t.startTime)
}

// Finish completes the bar and prints the throughput line.
func (t *Tracker) Finish() {
	if t.bar != nil {
		t.bar.Finish()
	}

	elapsed := t.Elapsed()
	perSec := 0.0
	if elapsed > 0 {
		perSec = float64(t.current.Load()) / elapsed.Seconds()
	}

	fmt.Fprintln(t.out)
	fmt.Fprintf(t.out, "Transferred %d records in %s (%.0f records/sec)\n",
		t.current.Load(), elapsed.Round(time.Second), perSec)
}
