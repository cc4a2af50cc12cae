package export

import (
	"bytes"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/isoftao/erp-assistant/internal/erp"
)

func TestIsLeadingZeroNumber(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"00012", true},
		{"01", true},
		{"0", false},  // single digit, nothing to lose
		{"12", false}, // no leading zero
		{"0x12", false},
		{"00012a", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := IsLeadingZeroNumber(tc.in); got != tc.want {
			t.Errorf("IsLeadingZeroNumber(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestFormatCSVValue(t *testing.T) {
	if got := FormatCSVValue("00012"); got != `="00012"` {
		t.Errorf("FormatCSVValue(00012) = %q", got)
	}
	if got := FormatCSVValue("ACME"); got != "ACME" {
		t.Errorf("FormatCSVValue(ACME) = %q", got)
	}
	if got := FormatCSVValue(42); got != "42" {
		t.Errorf("FormatCSVValue(42) = %q", got)
	}
	if got := FormatCSVValue(nil); got != "" {
		t.Errorf("FormatCSVValue(nil) = %q", got)
	}
}

func TestWriteXLSXPreservesLeadingZeros(t *testing.T) {
	result := &erp.QueryResult{
		Columns: []string{"item_code", "qty"},
		Rows: []map[string]any{
			{"item_code": "00012", "qty": 7},
			{"item_code": "A-100", "qty": 3},
		},
	}

	data, err := WriteXLSX(result)
	if err != nil {
		t.Fatalf("WriteXLSX() returned error: %v", err)
	}

	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("generated spreadsheet is unreadable: %v", err)
	}
	defer f.Close()

	header, err := f.GetCellValue("Sheet1", "A1")
	if err != nil || header != "item_code" {
		t.Errorf("A1 = %q, %v; want item_code", header, err)
	}
	code, err := f.GetCellValue("Sheet1", "A2")
	if err != nil || code != "00012" {
		t.Errorf("A2 = %q, %v; leading zeros must survive", code, err)
	}
	qty, err := f.GetCellValue("Sheet1", "B2")
	if err != nil || qty != "7" {
		t.Errorf("B2 = %q, %v", qty, err)
	}
}

func TestWriteXLSXRejectsEmptyResult(t *testing.T) {
	if _, err := WriteXLSX(&erp.QueryResult{Columns: []string{"a"}}); err == nil {
		t.Error("empty result was exported")
	}
	if _, err := WriteXLSX(nil); err == nil {
		t.Error("nil result was exported")
	}
}

func TestWriteCSV(t *testing.T) {
	result := &erp.QueryResult{
		Columns: []string{"item_code", "customer"},
		Rows: []map[string]any{
			{"item_code": "00012", "customer": `ACME "North"`},
		},
	}

	data, err := WriteCSV(result)
	if err != nil {
		t.Fatalf("WriteCSV() returned error: %v", err)
	}
	out := string(data)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2:\n%s", len(lines), out)
	}
	if lines[0] != "item_code,customer" {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.Contains(out, `="00012"`) {
		t.Errorf("leading-zero guard missing: %q", out)
	}
}

func TestWriteCSVRejectsEmptyResult(t *testing.T) {
	if _, err := WriteCSV(&erp.QueryResult{Columns: []string{"a"}}); err == nil {
		t.Error("empty result was exported")
	}
}

func TestSuggestFilename(t *testing.T) {
	cases := []struct {
		question string
		want     string
	}{
		{"Top 5 customers this year", "top_5_customers_this_year.xlsx"},
		{"Qual é o total?", "qual__o_total.xlsx"},
		{"???", "erp_query_result.xlsx"},
	}
	for _, tc := range cases {
		if got := SuggestFilename(tc.question, "xlsx"); got != tc.want {
			t.Errorf("SuggestFilename(%q) = %q, want %q", tc.question, got, tc.want)
		}
	}

	long := strings.Repeat("very long question ", 10)
	if got := SuggestFilename(long, "csv"); len(got) > 44 {
		t.Errorf("filename not truncated: %q (%d)", got, len(got))
	}
}
