package ledger

import "strings"

// ColumnDetector locates the column carrying one semantic role.
type ColumnDetector struct {
	Role   string
	Tokens []string
	// Exact requires the whole header cell to equal a token instead of containing it.
	Exact bool
}

// Detect returns the first column in header order matching any token, or -1.
func (d ColumnDetector) Detect(header []string) int {
	for i, name := range header {
		col := strings.ToUpper(strings.TrimSpace(name))
		if col == "" {
			continue
		}
		for _, token := range d.Tokens {
			if d.Exact && col == token {
				return i
			}
			if !d.Exact && strings.Contains(col, token) {
				return i
			}
		}
	}
	return -1
}

var (
	// IdentifierDetector finds the operator identifier column.
	IdentifierDetector = ColumnDetector{Role: "identifier", Tokens: []string{"CNPJ", "REG_ANS", "ID_OPERADORA"}}
	// DescriptionDetector finds the free-text label column.
	DescriptionDetector = ColumnDetector{Role: "description", Tokens: []string{"DESC", "RAZAO", "NOME", "CONTA"}}
	// AmountDetector finds the monetary column.
	AmountDetector = ColumnDetector{Role: "amount", Tokens: []string{"VALOR", "VL_SALDO", "VL_EVENTO"}}

	yearDetector    = ColumnDetector{Role: "year", Tokens: []string{"ANO"}, Exact: true}
	quarterDetector = ColumnDetector{Role: "quarter", Tokens: []string{"TRIMESTRE"}, Exact: true}
	dateDetector    = ColumnDetector{Role: "date", Tokens: []string{"DATA"}, Exact: true}
)

// MapColumns resolves the role columns of a header. The boolean is false when
// the identifier or the amount column is missing.
func MapColumns(header []string) (ColumnMapping, bool) {
	mapping := ColumnMapping{
		Identifier:  IdentifierDetector.Detect(header),
		Description: DescriptionDetector.Detect(header),
		Amount:      AmountDetector.Detect(header),
		Year:        yearDetector.Detect(header),
		Quarter:     quarterDetector.Detect(header),
		Date:        dateDetector.Detect(header),
	}
	if mapping.Identifier < 0 || mapping.Amount < 0 {
		return mapping, false
	}
	return mapping, true
}
