package ingest

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/odyssey-erp/ansledger/internal/ledger"
)

// Output file names.
const (
	LedgerFile  = "consolidado_despesas.csv"
	LedgerZip   = "consolidado_despesas.zip"
	SummaryFile = "resultado_enriquecido.csv"
)

// Outputs lists the files written for a run.
type Outputs struct {
	Ledger    string `json:"ledger"`
	LedgerZip string `json:"ledger_zip"`
	Summary   string `json:"summary"`
}

// WriteOutputs exports the ledger (plain and zipped) and the entity summaries into dir.
func WriteOutputs(dir string, res *Result) (Outputs, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Outputs{}, fmt.Errorf("ingest: create output dir: %w", err)
	}
	out := Outputs{
		Ledger:    filepath.Join(dir, LedgerFile),
		LedgerZip: filepath.Join(dir, LedgerZip),
		Summary:   filepath.Join(dir, SummaryFile),
	}
	writeLedger := func(w io.Writer) error { return ledger.WriteLedgerCSV(w, res.Ledger) }
	if err := writeFile(out.Ledger, writeLedger); err != nil {
		return Outputs{}, err
	}
	if err := writeFile(out.LedgerZip, func(w io.Writer) error {
		return ledger.WriteZip(w, LedgerFile, writeLedger)
	}); err != nil {
		return Outputs{}, err
	}
	if err := writeFile(out.Summary, func(w io.Writer) error {
		return ledger.WriteSummaryCSV(w, res.Rollup.Summaries)
	}); err != nil {
		return Outputs{}, err
	}
	return out, nil
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("ingest: create %s: %w", path, err)
	}
	if err := write(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("ingest: write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("ingest: close %s: %w", path, err)
	}
	return nil
}
