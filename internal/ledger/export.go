package ledger

import (
	"archive/zip"
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/ansledger/internal/ledger/cnpj"
)

const (
	csvFlushEvery = 200
	csvBufferSize = 32 * 1024
	csvDelimiter  = ';'
	utf8BOM       = "\ufeff"
)

// LedgerColumns is the header of the exported ledger file.
var LedgerColumns = []string{"CNPJ", "RazaoSocial", "Trimestre", "Ano", "ValorDespesas"}

// SummaryColumns is the header of the enriched summary file.
var SummaryColumns = []string{"RazaoSocial", "UF", "TotalDespesas", "MediaTrimestral", "DesvioPadrao"}

type csvStreamer struct {
	buf          *bufio.Writer
	csv          *csv.Writer
	flushEvery   int
	pendingLines int
}

func newCSVStreamer(w io.Writer) *csvStreamer {
	buf := bufio.NewWriterSize(w, csvBufferSize)
	writer := csv.NewWriter(buf)
	writer.Comma = csvDelimiter
	writer.UseCRLF = true
	return &csvStreamer{buf: buf, csv: writer, flushEvery: csvFlushEvery}
}

func (s *csvStreamer) writeBOM() error {
	if s == nil || s.buf == nil {
		return fmt.Errorf("csv streamer not initialised")
	}
	_, err := s.buf.WriteString(utf8BOM)
	return err
}

func (s *csvStreamer) writeRow(row []string) error {
	if s == nil || s.csv == nil {
		return fmt.Errorf("csv streamer not initialised")
	}
	if err := s.csv.Write(row); err != nil {
		return err
	}
	s.pendingLines++
	if s.flushEvery > 0 && s.pendingLines >= s.flushEvery {
		return s.Flush()
	}
	return nil
}

func (s *csvStreamer) Flush() error {
	if s == nil || s.csv == nil || s.buf == nil {
		return fmt.Errorf("csv streamer not initialised")
	}
	s.csv.Flush()
	if err := s.csv.Error(); err != nil {
		return err
	}
	if err := s.buf.Flush(); err != nil {
		return err
	}
	s.pendingLines = 0
	return nil
}

func (s *csvStreamer) Close() error {
	return s.Flush()
}

// WriteLedgerCSV writes the ledger with one header row and dot decimals.
func WriteLedgerCSV(w io.Writer, l Ledger) error {
	streamer := newCSVStreamer(w)
	if err := streamer.writeBOM(); err != nil {
		return err
	}
	if err := streamer.writeRow(LedgerColumns); err != nil {
		return err
	}
	for _, rec := range l.records {
		if err := streamer.writeRow([]string{
			rec.Identifier,
			rec.EntityLabel,
			strconv.Itoa(rec.Quarter),
			strconv.Itoa(rec.Year),
			rec.Amount.String(),
		}); err != nil {
			return err
		}
	}
	return streamer.Close()
}

// WriteSummaryCSV writes entity summaries in the given order.
func WriteSummaryCSV(w io.Writer, summaries []EntitySummary) error {
	streamer := newCSVStreamer(w)
	if err := streamer.writeBOM(); err != nil {
		return err
	}
	if err := streamer.writeRow(SummaryColumns); err != nil {
		return err
	}
	for _, s := range summaries {
		if err := streamer.writeRow([]string{
			s.LegalName,
			s.StateCode,
			s.TotalAmount.StringFixed(2),
			s.MeanPerPeriod.StringFixed(2),
			strconv.FormatFloat(s.StdDevPeriod, 'f', 2, 64),
		}); err != nil {
			return err
		}
	}
	return streamer.Close()
}

// WriteZip stores a single entry produced by write inside a zip archive.
func WriteZip(w io.Writer, name string, write func(io.Writer) error) error {
	zw := zip.NewWriter(w)
	entry, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("ledger: zip entry: %w", err)
	}
	if err := write(entry); err != nil {
		_ = zw.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("ledger: zip close: %w", err)
	}
	return nil
}

// ReadLedgerCSV loads a ledger previously written by WriteLedgerCSV. Columns
// are located by name so reordered files are accepted. Identifiers are reduced
// to digits and rows without a positive amount are dropped, as in Normalize.
func ReadLedgerCSV(r io.Reader) (Ledger, error) {
	br := bufio.NewReader(r)
	if prefix, err := br.Peek(len(utf8BOM)); err == nil && string(prefix) == utf8BOM {
		_, _ = br.Discard(len(utf8BOM))
	}
	reader := csv.NewReader(br)
	reader.Comma = csvDelimiter
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		return Ledger{}, fmt.Errorf("ledger: read header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.TrimSpace(name)] = i
	}
	cols := make([]int, len(LedgerColumns))
	for i, name := range LedgerColumns {
		pos, ok := index[name]
		if !ok {
			return Ledger{}, fmt.Errorf("ledger: missing column %s", name)
		}
		cols[i] = pos
	}
	var records []ExpenseRecord
	line := 1
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return Ledger{}, fmt.Errorf("ledger: read line %d: %w", line, err)
		}
		rec, err := parseLedgerRow(row, cols)
		if err != nil {
			return Ledger{}, fmt.Errorf("ledger: line %d: %w", line, err)
		}
		if !rec.Amount.IsPositive() {
			continue
		}
		records = append(records, rec)
	}
	return NewLedger(records), nil
}

func parseLedgerRow(row []string, cols []int) (ExpenseRecord, error) {
	cell := func(i int) string {
		if cols[i] >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[cols[i]])
	}
	quarter, err := strconv.Atoi(cell(2))
	if err != nil {
		return ExpenseRecord{}, fmt.Errorf("quarter %q: %w", cell(2), err)
	}
	year, err := strconv.Atoi(cell(3))
	if err != nil {
		return ExpenseRecord{}, fmt.Errorf("year %q: %w", cell(3), err)
	}
	amount, err := decimal.NewFromString(cell(4))
	if err != nil {
		return ExpenseRecord{}, fmt.Errorf("amount %q: %w", cell(4), err)
	}
	return ExpenseRecord{
		Identifier:  cnpj.Clean(cell(0)),
		EntityLabel: cell(1),
		Quarter:     quarter,
		Year:        year,
		Amount:      amount,
	}, nil
}
