// Package ledger holds the normalized expense ledger and the per-file
// normalization steps that feed it.
package ledger

import (
	"strconv"

	"github.com/shopspring/decimal"
)

// PeriodBundle identifies one fiscal quarter published by the regulator.
type PeriodBundle struct {
	Locator  string
	Year     int
	Quarter  int
	Archives []string
}

// Label renders the bundle period as "nTYYYY".
func (b PeriodBundle) Label() string {
	return strconv.Itoa(b.Quarter) + "T" + strconv.Itoa(b.Year)
}

// RawTable is an undecoded grid of text cells extracted from one source file.
type RawTable struct {
	Header []string
	Rows   [][]string
	// Textual marks columns holding at least one cell that is not a plain float.
	Textual []bool
}

// Cell returns the value at row/column, or "" when the row is short.
func (t RawTable) Cell(row []string, col int) string {
	if col < 0 || col >= len(row) {
		return ""
	}
	return row[col]
}

// IsTextual reports whether the column was typed as text.
func (t RawTable) IsTextual(col int) bool {
	if col < 0 || col >= len(t.Textual) {
		return true
	}
	return t.Textual[col]
}

// ColumnMapping resolves each semantic role to a column index; -1 means absent.
type ColumnMapping struct {
	Identifier  int
	Description int
	Amount      int
	Year        int
	Quarter     int
	Date        int
}

// HasExplicitPeriod reports whether the table carries its own period columns.
func (m ColumnMapping) HasExplicitPeriod() bool {
	return m.Date >= 0 || (m.Year >= 0 && m.Quarter >= 0)
}

// ExpenseRecord is one normalized, positive expense line.
type ExpenseRecord struct {
	Identifier  string          `json:"identifier"`
	EntityLabel string          `json:"entity_label"`
	Quarter     int             `json:"quarter"`
	Year        int             `json:"year"`
	Amount      decimal.Decimal `json:"amount"`
}

// Ledger is the consolidated, read-only sequence of expense records.
type Ledger struct {
	records []ExpenseRecord
}

// NewLedger wraps records without copying.
func NewLedger(records []ExpenseRecord) Ledger {
	return Ledger{records: records}
}

// Len returns the number of records.
func (l Ledger) Len() int {
	return len(l.records)
}

// Records returns a copy of the ledger rows.
func (l Ledger) Records() []ExpenseRecord {
	out := make([]ExpenseRecord, len(l.records))
	copy(out, l.records)
	return out
}

// Each calls fn for every record in ledger order.
func (l Ledger) Each(fn func(ExpenseRecord)) {
	for _, rec := range l.records {
		fn(rec)
	}
}

// Total sums every record amount.
func (l Ledger) Total() decimal.Decimal {
	total := decimal.Zero
	for _, rec := range l.records {
		total = total.Add(rec.Amount)
	}
	return total
}

// RegistryEntity is one row of the operator registry.
type RegistryEntity struct {
	TaxID          string `json:"cnpj"`
	RegistryNumber int64  `json:"registro_ans"`
	LegalName      string `json:"razao_social"`
	StateCode      string `json:"uf"`
	Modality       string `json:"modalidade,omitempty"`
}

// MatchKind records which join key attached a registry entity.
type MatchKind string

const (
	// MatchNone marks a record left unmatched.
	MatchNone MatchKind = "none"
	// MatchTaxID marks a match on the padded tax identifier.
	MatchTaxID MatchKind = "tax_id"
	// MatchRegistryNumber marks a match on the registry number.
	MatchRegistryNumber MatchKind = "registry_number"
)

// ReconciledRecord is an expense record enriched with registry attributes.
type ReconciledRecord struct {
	ExpenseRecord
	Match          MatchKind `json:"match"`
	RegistryNumber int64     `json:"registro_ans,omitempty"`
	LegalName      string    `json:"razao_social,omitempty"`
	StateCode      string    `json:"uf,omitempty"`
	Modality       string    `json:"modalidade,omitempty"`
	ValidTaxID     bool      `json:"cnpj_valido"`
}

// Matched reports whether a registry entity was attached.
func (r ReconciledRecord) Matched() bool {
	return r.Match == MatchTaxID || r.Match == MatchRegistryNumber
}

// PeriodTotal sums amounts per entity, state and quarter.
type PeriodTotal struct {
	EntityKey      string          `json:"entity_key"`
	RegistryNumber int64           `json:"registro_ans,omitempty"`
	LegalName      string          `json:"razao_social"`
	StateCode      string          `json:"uf"`
	Year           int             `json:"ano"`
	Quarter        int             `json:"trimestre"`
	Total          decimal.Decimal `json:"total"`
}

// EntitySummary rolls period totals up per entity.
type EntitySummary struct {
	EntityKey      string          `json:"entity_key"`
	RegistryNumber int64           `json:"registro_ans,omitempty"`
	LegalName      string          `json:"razao_social"`
	StateCode      string          `json:"uf"`
	Periods        int             `json:"periodos"`
	TotalAmount    decimal.Decimal `json:"total_despesas"`
	MeanPerPeriod  decimal.Decimal `json:"media_trimestral"`
	StdDevPeriod   float64         `json:"desvio_padrao"`
}
