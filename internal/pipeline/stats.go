// Package pipeline moves the records of one table from the source to a
// sink: one producer scrolls the source into a bounded queue and several
// consumers drain it in batches.
package pipeline

import (
	"fmt"
	"time"
)

// Stats tracks timing statistics for one table pass.
type Stats struct {
	// QueryTime is total time spent waiting on source pages.
	QueryTime time.Duration

	// WriteTime is total time spent in sink calls, summed over consumers.
	WriteTime time.Duration

	// Elapsed is the wall-clock duration of the pass.
	Elapsed time.Duration

	// Pages is the number of source pages fetched.
	Pages int64

	// Records is the number of records handed to the sink.
	Records int64
}

// String returns a formatted summary of the stats.
func (s *Stats) String() string {
	total := s.QueryTime + s.WriteTime
	if total == 0 {
		return "no data"
	}
	return fmt.Sprintf("query=%.1fs (%.0f%%), write=%.1fs (%.0f%%), pages=%d, records=%d",
		s.QueryTime.Seconds(), float64(s.QueryTime)/float64(total)*100,
		s.WriteTime.Seconds(), float64(s.WriteTime)/float64(total)*100,
		s.Pages, s.Records)
}

// RecordsPerSecond calculates the throughput over the pass.
func (s *Stats) RecordsPerSecond() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Records) / s.Elapsed.Seconds()
}
