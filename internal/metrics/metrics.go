// Package metrics records replay metrics through a pluggable backend. The
// default backend discards everything, so instrumentation is always safe to
// call; the prompush subpackage provides a Prometheus Pushgateway backend.
package metrics

import (
	"sync"
	"time"
)

// Metric names understood by backends.
const (
	RecordsTotal  = "xreplay_records_total"
	ErrorsTotal   = "xreplay_errors_total"
	PhaseDuration = "xreplay_phase_duration_seconds"
)

// Labels are string key/value pairs attached to a metric.
type Labels map[string]string

// Backend is the minimal interface for metrics backends.
type Backend interface {
	// IncCounter increments a counter by delta.
	IncCounter(name string, delta float64, labels Labels)
	// ObserveHistogram records a duration style value.
	ObserveHistogram(name string, value float64, labels Labels)
	// Flush pushes collected metrics, if the backend needs it.
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(name string, delta float64, labels Labels)       {}
func (nopBackend) ObserveHistogram(name string, value float64, labels Labels) {}
func (nopBackend) Flush() error                                               { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs a concrete backend. Passing nil restores the no-op
// backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = nopBackend{}
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush delegates to the current backend.
func Flush() error {
	return current().Flush()
}

// RecordRecords counts records written for a table. kind is "records" for
// the base copy and "links" for the backfill.
func RecordRecords(table, kind string, delta int) {
	if delta <= 0 {
		return
	}
	current().IncCounter(RecordsTotal, float64(delta), Labels{"table": table, "kind": kind})
}

// RecordErrors counts failed requests for a table by code.
func RecordErrors(table, code string, delta int) {
	if delta <= 0 {
		return
	}
	current().IncCounter(ErrorsTotal, float64(delta), Labels{"table": table, "code": code})
}

// RecordPhase observes the duration of one replay phase.
func RecordPhase(phase string, err error, d time.Duration) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	current().ObserveHistogram(PhaseDuration, d.Seconds(), Labels{"phase": phase, "status": status})
}
