package ledger

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/ansledger/internal/ledger/cnpj"
)

const (
	// LabelMissingColumn is used when the table has no description column.
	LabelMissingColumn = "DESPESA"
	// LabelEmptyCell is used when the description cell is blank.
	LabelEmptyCell = "SEM DESCRICAO"
)

var (
	yearPattern    = regexp.MustCompile(`(?:^|\D)(20\d{2})(?:\D|$)`)
	quarterPattern = regexp.MustCompile(`([1-4])T|/([1-4])/`)
)

// PeriodContext is the text a file was found under plus the fallback year.
type PeriodContext struct {
	Text        string
	DefaultYear int
}

// InferPeriod extracts year and quarter from free text such as a URL path.
// Missing year falls back to defaultYear and missing quarter to 1.
func InferPeriod(text string, defaultYear int) (int, int) {
	upper := strings.ToUpper(text)
	year := defaultYear
	if m := yearPattern.FindStringSubmatch(upper); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			year = v
		}
	}
	quarter := 1
	if m := quarterPattern.FindStringSubmatch(upper); m != nil {
		digit := m[1]
		if digit == "" {
			digit = m[2]
		}
		if v, err := strconv.Atoi(digit); err == nil {
			quarter = v
		}
	}
	return year, quarter
}

// ParseAmount converts a cell into a decimal. Textual columns use the
// Brazilian convention: "." groups thousands and "," separates decimals.
// Unparseable input yields zero.
func ParseAmount(raw string, textual bool) decimal.Decimal {
	s := strings.TrimSpace(raw)
	if textual {
		s = strings.ReplaceAll(s, ".", "")
		s = strings.ReplaceAll(s, ",", ".")
	}
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Normalize maps every row of table to an ExpenseRecord, dropping rows whose
// amount is not strictly positive.
func Normalize(table RawTable, mapping ColumnMapping, pctx PeriodContext) []ExpenseRecord {
	if mapping.Identifier < 0 || mapping.Amount < 0 {
		return nil
	}
	ctxYear, ctxQuarter := InferPeriod(pctx.Text, pctx.DefaultYear)
	textualAmount := table.IsTextual(mapping.Amount)

	records := make([]ExpenseRecord, 0, len(table.Rows))
	for _, row := range table.Rows {
		amount := ParseAmount(table.Cell(row, mapping.Amount), textualAmount)
		if !amount.IsPositive() {
			continue
		}
		year, quarter := ctxYear, ctxQuarter
		if y, q, ok := explicitPeriod(table, mapping, row); ok {
			year, quarter = y, q
		}
		records = append(records, ExpenseRecord{
			Identifier:  cnpj.Clean(table.Cell(row, mapping.Identifier)),
			EntityLabel: entityLabel(table, mapping, row),
			Quarter:     quarter,
			Year:        year,
			Amount:      amount,
		})
	}
	return records
}

// NormalizeTable maps the header and normalizes the table in one step. A
// header without identifier or amount column yields a SchemaMismatchError and
// no records.
func NormalizeTable(table RawTable, pctx PeriodContext) ([]ExpenseRecord, error) {
	mapping, ok := MapColumns(table.Header)
	if !ok {
		return nil, &SchemaMismatchError{File: pctx.Text, Header: table.Header}
	}
	return Normalize(table, mapping, pctx), nil
}

func entityLabel(table RawTable, mapping ColumnMapping, row []string) string {
	if mapping.Description < 0 {
		return LabelMissingColumn
	}
	label := strings.TrimSpace(table.Cell(row, mapping.Description))
	if label == "" {
		return LabelEmptyCell
	}
	return label
}

func explicitPeriod(table RawTable, mapping ColumnMapping, row []string) (int, int, bool) {
	if mapping.Date >= 0 {
		if t, ok := parseDate(table.Cell(row, mapping.Date)); ok {
			return t.Year(), (int(t.Month())-1)/3 + 1, true
		}
	}
	if mapping.Year >= 0 && mapping.Quarter >= 0 {
		year, err := strconv.Atoi(strings.TrimSpace(table.Cell(row, mapping.Year)))
		if err != nil || year < 1900 || year > 2999 {
			return 0, 0, false
		}
		q := strings.TrimSpace(table.Cell(row, mapping.Quarter))
		if q == "" || q[0] < '1' || q[0] > '4' {
			return 0, 0, false
		}
		return year, int(q[0] - '0'), true
	}
	return 0, 0, false
}

var dateLayouts = []string{"2006-01-02", "02/01/2006"}

func parseDate(raw string) (time.Time, bool) {
	s := strings.TrimSpace(raw)
	if len(s) > 10 {
		s = s[:10]
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
