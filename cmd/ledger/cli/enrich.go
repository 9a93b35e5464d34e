package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/odyssey-erp/ansledger/internal/ingest"
	"github.com/odyssey-erp/ansledger/internal/ledger"
)

// Enricher reconciles and rolls up an existing ledger.
type Enricher interface {
	Enrich(ctx context.Context, l ledger.Ledger) (*ingest.Result, error)
}

// EnrichOptions configures the enrich command.
type EnrichOptions struct {
	LedgerPath string
	OutputDir  string
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// EnrichCommand reads a previously exported ledger CSV and rewrites the
// outputs with a fresh registry snapshot.
func EnrichCommand(ctx context.Context, svc Enricher, opts EnrichOptions) int {
	opts.Stdout, opts.Stderr = writers(opts.Stdout, opts.Stderr)
	if svc == nil {
		fmt.Fprintln(opts.Stderr, "enrich: pipeline not configured")
		return ExitError
	}
	if strings.TrimSpace(opts.LedgerPath) == "" || strings.TrimSpace(opts.OutputDir) == "" {
		fmt.Fprintln(opts.Stderr, "enrich: --ledger and --output are required")
		return ExitError
	}
	f, err := os.Open(opts.LedgerPath)
	if err != nil {
		fmt.Fprintf(opts.Stderr, "enrich: %v\n", err)
		return ExitError
	}
	l, err := ledger.ReadLedgerCSV(f)
	_ = f.Close()
	if err != nil {
		fmt.Fprintf(opts.Stderr, "enrich: %v\n", err)
		return ExitError
	}
	res, err := svc.Enrich(ctx, l)
	if err != nil {
		fmt.Fprintf(opts.Stderr, "enrich: %v\n", err)
		return ExitError
	}
	outputs, err := ingest.WriteOutputs(opts.OutputDir, res)
	if err != nil {
		fmt.Fprintf(opts.Stderr, "enrich: %v\n", err)
		return ExitError
	}
	summary := RunSummary{Report: res.Report, Outputs: outputs, Top: top(res.Rollup.Summaries, 5)}
	if err := writeRunSummary(opts.Stdout, opts.JSONOutput, summary); err != nil {
		fmt.Fprintf(opts.Stderr, "enrich: %v\n", err)
		return ExitError
	}
	return ExitOK
}
