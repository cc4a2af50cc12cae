package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/isoftao/erp-assistant/internal/erp"
)

// IsLeadingZeroNumber reports whether a value is a digit string with a
// leading zero, e.g. the item code "00012". Such values must be exported as
// literal text so spreadsheet software does not reinterpret them as integers.
func IsLeadingZeroNumber(s string) bool {
	if len(s) < 2 || s[0] != '0' {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// WriteXLSX renders the full result set as a spreadsheet. Passing an empty
// result is a contract violation, not a user error.
func WriteXLSX(result *erp.QueryResult) ([]byte, error) {
	if result == nil || len(result.Rows) == 0 {
		return nil, fmt.Errorf("no results to export")
	}

	f := excelize.NewFile()
	defer f.Close()
	const sheet = "Sheet1"

	for colIdx, col := range result.Columns {
		cell, err := excelize.CoordinatesToCellName(colIdx+1, 1)
		if err != nil {
			return nil, fmt.Errorf("failed to address header cell: %w", err)
		}
		if err := f.SetCellStr(sheet, cell, col); err != nil {
			return nil, fmt.Errorf("failed to write header cell: %w", err)
		}
	}

	for rowIdx, row := range result.Rows {
		for colIdx, col := range result.Columns {
			cell, err := excelize.CoordinatesToCellName(colIdx+1, rowIdx+2)
			if err != nil {
				return nil, fmt.Errorf("failed to address cell: %w", err)
			}
			value := row[col]
			if value == nil {
				continue
			}
			if s, ok := value.(string); ok && IsLeadingZeroNumber(s) {
				if err := f.SetCellStr(sheet, cell, s); err != nil {
					return nil, fmt.Errorf("failed to write cell: %w", err)
				}
				continue
			}
			if err := f.SetCellValue(sheet, cell, value); err != nil {
				return nil, fmt.Errorf("failed to write cell: %w", err)
			}
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize spreadsheet: %w", err)
	}
	return buf.Bytes(), nil
}

// FormatCSVValue applies the delimited-text fallback's leading-zero guard:
// Excel keeps ="00012" as literal text when opening a CSV.
func FormatCSVValue(value any) string {
	if value == nil {
		return ""
	}
	s := fmt.Sprintf("%v", value)
	if IsLeadingZeroNumber(s) {
		return `="` + s + `"`
	}
	return s
}

// WriteCSV is the delimited-text fallback when spreadsheet generation is not
// wanted or fails.
func WriteCSV(result *erp.QueryResult) ([]byte, error) {
	if result == nil || len(result.Rows) == 0 {
		return nil, fmt.Errorf("no results to export")
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(result.Columns); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}
	record := make([]string, len(result.Columns))
	for _, row := range result.Rows {
		for i, col := range result.Columns {
			record[i] = FormatCSVValue(row[col])
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush CSV: %w", err)
	}
	return buf.Bytes(), nil
}

// SuggestFilename derives an export filename from the question.
func SuggestFilename(question, ext string) string {
	slug := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		case r == ' ' || r == '-' || r == '_':
			return '_'
		default:
			return -1
		}
	}, question)
	if len(slug) > 40 {
		slug = slug[:40]
	}
	if slug == "" {
		slug = "erp_query_result"
	}
	return slug + "." + ext
}
