package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/odyssey-erp/ansledger/internal/store"
)

// RunLister reads the ingest audit trail.
type RunLister interface {
	ListRuns(ctx context.Context, limit int) ([]store.RunSummary, error)
}

// RunsOptions configures the runs command.
type RunsOptions struct {
	Limit      int
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// RunsCommand prints the most recent ingest runs.
func RunsCommand(ctx context.Context, lister RunLister, opts RunsOptions) int {
	opts.Stdout, opts.Stderr = writers(opts.Stdout, opts.Stderr)
	runs, err := lister.ListRuns(ctx, opts.Limit)
	if err != nil {
		fmt.Fprintf(opts.Stderr, "runs: %v\n", err)
		return ExitError
	}
	if opts.JSONOutput {
		if runs == nil {
			runs = []store.RunSummary{}
		}
		if err := json.NewEncoder(opts.Stdout).Encode(runs); err != nil {
			fmt.Fprintf(opts.Stderr, "runs: %v\n", err)
			return ExitError
		}
		return ExitOK
	}
	if len(runs) == 0 {
		fmt.Fprintln(opts.Stdout, "no runs recorded")
		return ExitOK
	}
	tw := tabwriter.NewWriter(opts.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tDURATION\tRECORDS\tENTITIES\tFAILURES")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\n",
			r.ID, r.StartedAt.UTC().Format(time.RFC3339),
			r.FinishedAt.Sub(r.StartedAt).Round(time.Second), r.Records, r.Entities, r.Failures)
	}
	if err := tw.Flush(); err != nil {
		fmt.Fprintf(opts.Stderr, "runs: %v\n", err)
		return ExitError
	}
	return ExitOK
}
