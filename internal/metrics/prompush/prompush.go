// Package prompush implements a Prometheus Pushgateway backend for the
// metrics package. A run is short lived, so metrics are pushed once at the
// end instead of being scraped.
package prompush

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/xataio/xtools/internal/metrics"
)

// Backend is a Prometheus Pushgateway metrics backend.
type Backend struct {
	gatewayURL string
	jobName    string
	reg        *prometheus.Registry

	records *prometheus.CounterVec
	errors  *prometheus.CounterVec
	phases  *prometheus.SummaryVec
}

// NewBackend constructs a backend pushing to gatewayURL under jobName.
func NewBackend(jobName, gatewayURL string) (*Backend, error) {
	if gatewayURL == "" {
		return nil, fmt.Errorf("prompush: gateway URL is required")
	}
	if jobName == "" {
		jobName = "xreplay"
	}

	reg := prometheus.NewRegistry()

	records := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metrics.RecordsTotal,
			Help: "Records written per table, split into base copy (records) and backfill (links).",
		},
		[]string{"table", "kind"},
	)
	errs := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metrics.ErrorsTotal,
			Help: "Failed requests per table and status code.",
		},
		[]string{"table", "code"},
	)
	phases := prometheus.NewSummaryVec(
		prometheus.SummaryOpts{
			Name:       metrics.PhaseDuration,
			Help:       "Duration of replay phases in seconds.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		},
		[]string{"phase", "status"},
	)

	for _, c := range []prometheus.Collector{records, errs, phases} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("prompush: register collector: %w", err)
		}
	}

	return &Backend{
		gatewayURL: gatewayURL,
		jobName:    jobName,
		reg:        reg,
		records:    records,
		errors:     errs,
		phases:     phases,
	}, nil
}

func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	switch name {
	case metrics.RecordsTotal:
		b.records.WithLabelValues(labels["table"], labels["kind"]).Add(delta)
	case metrics.ErrorsTotal:
		b.errors.WithLabelValues(labels["table"], labels["code"]).Add(delta)
	}
}

func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if name != metrics.PhaseDuration {
		return
	}
	b.phases.WithLabelValues(labels["phase"], labels["status"]).Observe(value)
}

// Flush pushes the current registry to the Pushgateway.
func (b *Backend) Flush() error {
	return push.New(b.gatewayURL, b.jobName).
		Gatherer(b.reg).
		Push()
}
