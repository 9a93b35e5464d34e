package source

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/charmap"

	"github.com/odyssey-erp/ansledger/internal/ledger"
)

var (
	// ErrUnsupportedMember marks archive members that are not tabular files.
	ErrUnsupportedMember = errors.New("source: unsupported member type")
	// ErrEmptyTable marks members without a header row.
	ErrEmptyTable = errors.New("source: empty table")
)

var delimiterCandidates = []rune{';', '\t', '|', ','}

// IsTabular reports whether the member name has a supported extension.
func IsTabular(name string) bool {
	switch extension(name) {
	case ".csv", ".txt", ".xlsx":
		return true
	}
	return false
}

// DecodeTable decodes a tabular member into a RawTable.
func DecodeTable(name string, data []byte) (ledger.RawTable, error) {
	switch extension(name) {
	case ".csv", ".txt":
		return decodeDelimited(data)
	case ".xlsx":
		return decodeWorkbook(data)
	default:
		return ledger.RawTable{}, fmt.Errorf("%w: %s", ErrUnsupportedMember, name)
	}
}

func extension(name string) string {
	base := baseName(name)
	if i := strings.LastIndexByte(base, '.'); i >= 0 {
		return strings.ToLower(base[i:])
	}
	return ""
}

// toUTF8 strips a UTF-8 BOM and decodes latin-1 input.
func toUTF8(data []byte) ([]byte, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if utf8.Valid(data) {
		return data, nil
	}
	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
	if err != nil {
		return nil, fmt.Errorf("source: decode latin1: %w", err)
	}
	return decoded, nil
}

// sniffDelimiter picks the candidate occurring most often in the first line.
func sniffDelimiter(data []byte) rune {
	line := data
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		line = data[:i]
	}
	best, bestCount := ',', 0
	for _, c := range delimiterCandidates {
		if n := bytes.Count(line, []byte(string(c))); n > bestCount {
			best, bestCount = c, n
		}
	}
	return best
}

func decodeDelimited(raw []byte) (ledger.RawTable, error) {
	data, err := toUTF8(raw)
	if err != nil {
		return ledger.RawTable{}, err
	}
	reader := csv.NewReader(bytes.NewReader(data))
	reader.Comma = sniffDelimiter(data)
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return ledger.RawTable{}, ErrEmptyTable
	}
	if err != nil {
		return ledger.RawTable{}, fmt.Errorf("source: read header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	var rows [][]string
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			continue
		}
		if err != nil {
			return ledger.RawTable{}, fmt.Errorf("source: read row: %w", err)
		}
		if len(row) > len(header) {
			continue
		}
		rows = append(rows, row)
	}
	return newRawTable(header, rows), nil
}

func decodeWorkbook(data []byte) (ledger.RawTable, error) {
	book, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return ledger.RawTable{}, fmt.Errorf("source: open workbook: %w", err)
	}
	defer func() { _ = book.Close() }()

	sheet := book.GetSheetName(0)
	grid, err := book.GetRows(sheet, excelize.Options{RawCellValue: true})
	if err != nil {
		return ledger.RawTable{}, fmt.Errorf("source: read sheet %s: %w", sheet, err)
	}
	if len(grid) == 0 {
		return ledger.RawTable{}, ErrEmptyTable
	}
	header := grid[0]
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	rows := make([][]string, 0, len(grid)-1)
	for _, row := range grid[1:] {
		if len(row) == 0 || len(row) > len(header) {
			continue
		}
		rows = append(rows, row)
	}
	return newRawTable(header, rows), nil
}

// newRawTable types each column: numeric when every non-blank cell parses as a float.
func newRawTable(header []string, rows [][]string) ledger.RawTable {
	textual := make([]bool, len(header))
	for col := range header {
		for _, row := range rows {
			if col >= len(row) {
				continue
			}
			cell := strings.TrimSpace(row[col])
			if cell == "" {
				continue
			}
			if _, err := strconv.ParseFloat(cell, 64); err != nil {
				textual[col] = true
				break
			}
		}
	}
	return ledger.RawTable{Header: header, Rows: rows, Textual: textual}
}
