package orchestrator

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/xataio/xtools/internal/history"
	"github.com/xataio/xtools/internal/report"
)

// ErrNoHistory is returned by the history views when no store is configured.
var ErrNoHistory = errors.New("run history is disabled")

// ShowHistory lists every recorded run, newest first.
func (o *Orchestrator) ShowHistory(w io.Writer) error {
	if o.state == nil {
		return ErrNoHistory
	}
	runs, err := o.state.GetAllRuns()
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tSTARTED\tDURATION\tSTATUS\tRECORDS\tLINKS\tTARGET")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			r.ID, r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.Duration().Round(time.Second),
			r.Status, r.Records, r.Links, r.Target)
	}
	return tw.Flush()
}

// ShowRunDetails prints one run and the outcome of each of its tables.
func (o *Orchestrator) ShowRunDetails(w io.Writer, runID string) error {
	if o.state == nil {
		return ErrNoHistory
	}
	run, err := o.state.GetRunByID(runID)
	if err != nil {
		return err
	}
	results, err := o.state.GetTableResults(runID)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Run:       %s\n", run.ID)
	fmt.Fprintf(w, "Status:    %s\n", run.Status)
	fmt.Fprintf(w, "Source:    %s\n", run.Source)
	fmt.Fprintf(w, "Target:    %s\n", run.Target)
	if run.Backfill != "" {
		fmt.Fprintf(w, "Backfill:  %s\n", run.Backfill)
	}
	fmt.Fprintf(w, "Started:   %s\n", run.StartedAt.Local().Format(time.RFC3339))
	if run.CompletedAt != nil {
		fmt.Fprintf(w, "Completed: %s\n", run.CompletedAt.Local().Format(time.RFC3339))
	} else if run.Status == history.StatusRunning {
		fmt.Fprintf(w, "Phase:     %s\n", run.Phase)
	}
	fmt.Fprintf(w, "Duration:  %s\n", run.Duration().Round(time.Second))
	fmt.Fprintf(w, "Records:   %d (links backfilled: %d)\n", run.Records, run.Links)
	if run.Error != "" {
		fmt.Fprintf(w, "Error:     %s\n", run.Error)
	}

	if len(results) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TABLE\tTIER\tSTATUS\tRECORDS\tLINKS\tERRORS")
	for _, r := range results {
		errs := ""
		if len(r.Errors) > 0 {
			errs = report.FormatErrors(r.Errors)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n", r.Table, r.Tier, r.Status, r.Records, r.Links, errs)
	}
	return tw.Flush()
}
