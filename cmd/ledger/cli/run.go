// Package cli implements the ledger command handlers. Each command takes an
// options struct with its own writers and returns a process exit code.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/odyssey-erp/ansledger/internal/ingest"
	"github.com/odyssey-erp/ansledger/internal/ledger"
)

// Exit codes shared by every command.
const (
	ExitOK       = 0
	ExitError    = 1
	ExitFindings = 10
)

// IngestRunner executes the pipeline.
type IngestRunner interface {
	Run(ctx context.Context, opts ingest.RunOptions) (*ingest.Result, error)
}

// RunStore persists a finished run.
type RunStore interface {
	SaveRun(ctx context.Context, res *ingest.Result) error
}

// RunOptions configures the run command.
type RunOptions struct {
	Limit      int
	OutputDir  string
	Strict     bool
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// RunSummary is the structured outcome printed by the run and enrich commands.
type RunSummary struct {
	Report  ingest.Report          `json:"report"`
	Outputs ingest.Outputs         `json:"outputs"`
	Top     []ledger.EntitySummary `json:"top,omitempty"`
	Saved   bool                   `json:"saved"`
}

// RunCommand runs the pipeline, writes the output files and optionally
// persists the run. With Strict set, a run that skipped units exits 10.
func RunCommand(ctx context.Context, svc IngestRunner, store RunStore, opts RunOptions) int {
	opts.Stdout, opts.Stderr = writers(opts.Stdout, opts.Stderr)
	if svc == nil {
		fmt.Fprintln(opts.Stderr, "run: pipeline not configured")
		return ExitError
	}
	if strings.TrimSpace(opts.OutputDir) == "" {
		fmt.Fprintln(opts.Stderr, "run: --output is required")
		return ExitError
	}
	res, err := svc.Run(ctx, ingest.RunOptions{Limit: opts.Limit})
	if err != nil {
		fmt.Fprintf(opts.Stderr, "run: %v\n", err)
		return ExitError
	}
	outputs, err := ingest.WriteOutputs(opts.OutputDir, res)
	if err != nil {
		fmt.Fprintf(opts.Stderr, "run: %v\n", err)
		return ExitError
	}
	summary := RunSummary{Report: res.Report, Outputs: outputs, Top: top(res.Rollup.Summaries, 5)}
	if store != nil {
		if err := store.SaveRun(ctx, res); err != nil {
			fmt.Fprintf(opts.Stderr, "run: persist: %v\n", err)
			return ExitError
		}
		summary.Saved = true
	}
	if err := writeRunSummary(opts.Stdout, opts.JSONOutput, summary); err != nil {
		fmt.Fprintf(opts.Stderr, "run: %v\n", err)
		return ExitError
	}
	if opts.Strict && len(res.Report.Failures) > 0 {
		return ExitFindings
	}
	return ExitOK
}

func writeRunSummary(w io.Writer, asJSON bool, summary RunSummary) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}
	r := summary.Report
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "run\t%s\n", r.RunID)
	fmt.Fprintf(tw, "bundles\t%s\n", strings.Join(r.Bundles, ", "))
	fmt.Fprintf(tw, "archives\t%d\n", r.Archives)
	fmt.Fprintf(tw, "files\t%d\n", r.Files)
	fmt.Fprintf(tw, "records\t%d\n", r.Records)
	fmt.Fprintf(tw, "matched\t%d by cnpj, %d by registro\n", r.Reconcile.ByTaxID, r.Reconcile.ByRegistryNumber)
	fmt.Fprintf(tw, "unmatched\t%d\n", r.Reconcile.Unmatched)
	fmt.Fprintf(tw, "invalid cnpj\t%d\n", r.Reconcile.InvalidTaxIDs)
	fmt.Fprintf(tw, "entities\t%d\n", r.Entities)
	if summary.Outputs.Ledger != "" {
		fmt.Fprintf(tw, "ledger\t%s\n", summary.Outputs.Ledger)
		fmt.Fprintf(tw, "summary\t%s\n", summary.Outputs.Summary)
	}
	if summary.Saved {
		fmt.Fprintln(tw, "persisted\tyes")
	}
	for _, f := range r.Failures {
		fmt.Fprintf(tw, "failure\t[%s] %s\n", f.Stage, f.Message)
	}
	for i, s := range summary.Top {
		fmt.Fprintf(tw, "top %d\t%s (%s) %s\n", i+1, s.LegalName, s.StateCode, s.TotalAmount.StringFixed(2))
	}
	return tw.Flush()
}

func top(summaries []ledger.EntitySummary, n int) []ledger.EntitySummary {
	if len(summaries) > n {
		return summaries[:n]
	}
	return summaries
}

func writers(stdout, stderr io.Writer) (io.Writer, io.Writer) {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	return stdout, stderr
}
