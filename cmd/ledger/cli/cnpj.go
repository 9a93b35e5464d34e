package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/odyssey-erp/ansledger/internal/ledger/cnpj"
)

// CNPJOptions configures the cnpj command.
type CNPJOptions struct {
	Values     []string
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// CNPJCheck is the verdict for one input value.
type CNPJCheck struct {
	Input     string `json:"input"`
	Valid     bool   `json:"valid"`
	Formatted string `json:"formatted,omitempty"`
}

// CNPJCommand validates each value and prints the canonical form of the
// valid ones. Any invalid value exits 10.
func CNPJCommand(opts CNPJOptions) int {
	opts.Stdout, opts.Stderr = writers(opts.Stdout, opts.Stderr)
	if len(opts.Values) == 0 {
		fmt.Fprintln(opts.Stderr, "cnpj: at least one value is required")
		return ExitError
	}
	checks := make([]CNPJCheck, 0, len(opts.Values))
	code := ExitOK
	for _, v := range opts.Values {
		check := CNPJCheck{Input: v, Valid: cnpj.IsValid(v)}
		if check.Valid {
			check.Formatted = cnpj.Format(v)
		} else {
			code = ExitFindings
		}
		checks = append(checks, check)
	}

	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(checks); err != nil {
			fmt.Fprintf(opts.Stderr, "cnpj: %v\n", err)
			return ExitError
		}
		return code
	}
	tw := tabwriter.NewWriter(opts.Stdout, 0, 4, 2, ' ', 0)
	for _, c := range checks {
		verdict := "invalid"
		if c.Valid {
			verdict = "valid\t" + c.Formatted
		}
		fmt.Fprintf(tw, "%s\t%s\n", c.Input, verdict)
	}
	if err := tw.Flush(); err != nil {
		fmt.Fprintf(opts.Stderr, "cnpj: %v\n", err)
		return ExitError
	}
	return code
}
