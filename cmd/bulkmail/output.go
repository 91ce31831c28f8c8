package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/pure-golang/bulkmail/bulk"
	"github.com/pure-golang/bulkmail/history"
	"github.com/pure-golang/bulkmail/progress"
)

func printSummary(w io.Writer, sum *bulk.Summary) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Run\t%s\n", sum.RunID)
	fmt.Fprintf(tw, "Provider\t%s\n", sum.Provider)
	fmt.Fprintf(tw, "Total\t%d\n", sum.Total)
	fmt.Fprintf(tw, "Successful\t%d\n", sum.Successful)
	fmt.Fprintf(tw, "Failed\t%d\n", sum.Failed)
	if sum.Completed() < sum.Total {
		fmt.Fprintf(tw, "Not sent\t%d\n", sum.Total-sum.Completed())
	}
	fmt.Fprintf(tw, "Success rate\t%s%%\n", sum.SuccessRate)
	fmt.Fprintf(tw, "Duration\t%s\n", sum.FinishedAt.Sub(sum.StartedAt).Round(time.Millisecond))
	tw.Flush()

	failures := sum.Failures()
	if len(failures) == 0 {
		return
	}

	fmt.Fprintf(w, "\nFailed recipients (%d):\n", len(failures))
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, o := range failures {
		fmt.Fprintf(tw, "  %s\t%d attempts\t%s\n", o.Email, o.Attempts, o.Error)
	}
	tw.Flush()
}

func printRuns(w io.Writer, runs []history.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "no runs recorded")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tPROVIDER\tTOTAL\tOK\tFAILED\tRATE\tCOMPLETE")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s%%\t%t\n",
			r.ID, r.StartedAt.Local().Format(time.DateTime), r.Provider,
			r.Total, r.Successful, r.Failed, r.SuccessRate, r.Success)
	}
	tw.Flush()
}

func printStoredFailures(w io.Writer, failures []history.Outcome) {
	if len(failures) == 0 {
		fmt.Fprintln(w, "\nno failed recipients")
		return
	}

	fmt.Fprintf(w, "\nFailed recipients (%d):\n", len(failures))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, o := range failures {
		fmt.Fprintf(tw, "  %s\t%d attempts\t%s\n", o.Email, o.Attempts, o.Error)
	}
	tw.Flush()
}

func printProviders(w io.Writer, table *bulk.ProviderTable) {
	def, _ := table.Default()

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tBATCH\tDELAY\tCONCURRENT\tRETRIES")
	for _, name := range table.Names() {
		cfg, _ := table.Lookup(name)
		label := name
		if name == def {
			label += " (default)"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%d\n", label, cfg.BatchSize, cfg.DelayBetweenBatches, cfg.ConcurrentSends, cfg.MaxRetries)
	}
	tw.Flush()
}

// terminalProgress prints one status line per snapshot.
func terminalProgress(w io.Writer) progress.Sink {
	return progress.Func(func(s progress.Snapshot) {
		fmt.Fprintf(w, "progress: %d/%d (%.1f%%) sent %d, failed %d\n",
			s.Completed, s.Total, s.Percent(), s.Successful, s.Failed)
	})
}
