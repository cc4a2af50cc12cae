package core

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/isoftao/erp-assistant/internal/erp"
)

// scriptedOracle routes on the system prompt so test flows stay deterministic
// even with the detached title goroutine in play.
type scriptedOracle struct {
	mu sync.Mutex

	intentReply  string
	sqlReply     string
	polishReply  string
	knowReply    string
	clarifyReply string
	studyReply   string
	narrateReply string
	titleReply   string

	err error // when set, every call fails

	calls      int // pipeline calls, title calls excluded
	titleCalls int
}

func (o *scriptedOracle) Complete(_ context.Context, messages []ChatMessage, _ int, _ float32) (string, Usage, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	system := ""
	if len(messages) > 0 && messages[0].Role == "system" {
		system = messages[0].Content
	}

	if strings.Contains(system, "concise titles") {
		o.titleCalls++
		if o.err != nil {
			return "", Usage{}, o.err
		}
		return pick(o.titleReply)
	}

	o.calls++
	if o.err != nil {
		return "", Usage{}, o.err
	}

	switch {
	case strings.Contains(system, "Classify the user's question"):
		return pick(o.intentReply)
	case strings.Contains(system, "SQL SELECT queries"):
		return pick(o.sqlReply)
	case strings.Contains(system, "Format ERP query results"):
		return pick(o.polishReply)
	case strings.Contains(system, "ambiguous or incomplete"):
		return pick(o.clarifyReply)
	case strings.Contains(system, `is a "study"`):
		return pick(o.studyReply)
	case strings.Contains(system, "business analyst"):
		return pick(o.narrateReply)
	default:
		return pick(o.knowReply)
	}
}

func pick(reply string) (string, Usage, error) {
	if reply == "" {
		return "", Usage{}, errors.New("no scripted reply for this prompt")
	}
	return reply, Usage{Prompt: 10, Completion: 5, Total: 15}, nil
}

func (o *scriptedOracle) pipelineCalls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

// fakeDatastore serves canned results in order and records queries.
type fakeDatastore struct {
	mu      sync.Mutex
	results []*erp.QueryResult
	err     error
	queries []string
}

func (d *fakeDatastore) ExecuteSelect(_ context.Context, query string) (*erp.QueryResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queries = append(d.queries, query)
	if d.err != nil {
		return nil, d.err
	}
	if len(d.results) == 0 {
		return &erp.QueryResult{}, nil
	}
	result := d.results[0]
	if len(d.results) > 1 {
		d.results = d.results[1:]
	}
	return result, nil
}

// fakeSink records stored artifacts and hands back predictable URLs.
type fakeSink struct {
	mu     sync.Mutex
	stored []string
}

func (s *fakeSink) Store(filename, _ string, _ io.Reader) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stored = append(s.stored, filename)
	return "/files/test_" + filename, nil
}

func testCatalog() *erp.StaticCatalog {
	return erp.NewStaticCatalog(map[string][]string{
		"Sales Invoice":      {"customer", "grand_total", "posting_date", "is_return", "return_against", "docstatus"},
		"Sales Invoice Item": {"item_code", "qty", "rate", "amount", "parent"},
		"Bin":                {"item_code", "warehouse", "actual_qty", "valuation_rate", "reserved_qty"},
		"Item":               {"item_code", "item_name", "item_group"},
	})
}

func rowsResult(columns []string, rows ...map[string]any) *erp.QueryResult {
	return &erp.QueryResult{Columns: columns, Rows: rows}
}
