package core

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/isoftao/erp-assistant/internal/erp"
	"github.com/isoftao/erp-assistant/internal/export"
)

// SizeClass decides how a result set is delivered.
type SizeClass int

const (
	SizeInline SizeClass = iota
	SizeNeedsExport
)

// ClassifySize applies the fixed row/column thresholds. Empty results are
// handled separately before sizing.
func ClassifySize(result *erp.QueryResult, maxRows, maxCols int) SizeClass {
	if result.RowCount() > maxRows || result.ColCount() > maxCols {
		return SizeNeedsExport
	}
	return SizeInline
}

// User-facing notices. Warning means "nothing broke, nothing found"; error
// means something broke; danger without data is access denial.

func WarningPanel(msg string) string {
	return "<div class='alert alert-warning'>" + html.EscapeString(msg) + "</div>"
}

func ErrorPanel(msg string) string {
	return "<div class='alert alert-danger'>" + html.EscapeString(msg) + "</div>"
}

func AccessDeniedPanel() string {
	return "<div class='alert alert-danger'>You can't use the assistant. Access denied.</div>"
}

const noDataNotice = "No data found for your query. If you believe this is an error, contact support@isoft.ao."

const supportNotice = "An unexpected error occurred. Please contact ISOFT Support at support@isoft.ao."

// QueryService runs validated SELECT candidates and renders their results.
type QueryService struct {
	oracle    Oracle
	datastore erp.Datastore
	catalog   erp.Catalog
	sink      export.Sink
	opts      Options
}

func NewQueryService(oracle Oracle, datastore erp.Datastore, catalog erp.Catalog, sink export.Sink, opts Options) *QueryService {
	return &QueryService{oracle: oracle, datastore: datastore, catalog: catalog, sink: sink, opts: opts}
}

// Run executes a candidate and picks the delivery shape. The bool reports
// whether the answer is safe to cache (export links and error panels are
// not).
func (s *QueryService) Run(ctx context.Context, question string, candidate *SQLCandidate, usage *TokenUsage) (string, bool) {
	result, err := s.datastore.ExecuteSelect(ctx, candidate.Query)
	if err != nil {
		log.Error().Err(err).Str("query", candidate.Query).Msg("query execution failed")
		return s.executionErrorPanel(ctx, candidate, err), false
	}

	if result.RowCount() == 0 {
		return WarningPanel(noDataNotice), false
	}

	if ClassifySize(result, s.opts.InlineMaxRows, s.opts.InlineMaxCols) == SizeNeedsExport {
		return s.exportResult(question, result), false
	}

	rendered := FormatInline(result, s.opts.InlineMaxRows)
	return s.polish(ctx, question, rendered, usage), true
}

// executionErrorPanel labels a data-layer failure and, when it looks like a
// naming mismatch, suggests the closest known identifier.
func (s *QueryService) executionErrorPanel(ctx context.Context, candidate *SQLCandidate, err error) string {
	msg := "Query execution failed: " + err.Error() + "."
	if unknown := unknownIdentifierIn(err); unknown != "" {
		if suggestion := s.closestKnownField(ctx, candidate.Tables, unknown); suggestion != "" {
			msg += fmt.Sprintf(" Did you mean %q?", suggestion)
		}
	}
	return ErrorPanel(msg)
}

var unknownColumnPattern = regexp.MustCompile(`(?i)(?:no such column|unknown column)[:\s]+['"\x60]?([A-Za-z_][A-Za-z0-9_.]*)`)

func unknownIdentifierIn(err error) string {
	m := unknownColumnPattern.FindStringSubmatch(err.Error())
	if m == nil {
		return ""
	}
	ident := m[1]
	if idx := strings.LastIndex(ident, "."); idx >= 0 {
		ident = ident[idx+1:]
	}
	return ident
}

func (s *QueryService) closestKnownField(ctx context.Context, doctypes []string, target string) string {
	merged := map[string]struct{}{}
	for _, doctype := range doctypes {
		fields, err := s.catalog.Fields(ctx, doctype)
		if err != nil {
			continue
		}
		for f := range fields {
			merged[f] = struct{}{}
		}
	}
	return ClosestField(target, merged)
}

// FormatInline renders up to maxRows rows as "column: value" lines with every
// value HTML-escaped, appending a truncation note when rows were dropped.
func FormatInline(result *erp.QueryResult, maxRows int) string {
	limit := result.RowCount()
	if limit > maxRows {
		limit = maxRows
	}

	var lines []string
	for _, row := range result.Rows[:limit] {
		pairs := make([]string, 0, len(result.Columns))
		for _, col := range result.Columns {
			pairs = append(pairs, fmt.Sprintf("%s: %s",
				html.EscapeString(col),
				html.EscapeString(stringify(row[col]))))
		}
		lines = append(lines, strings.Join(pairs, ", "))
	}
	if result.RowCount() > maxRows {
		lines = append(lines, fmt.Sprintf("... (truncated %d more rows)", result.RowCount()-maxRows))
	}
	return strings.Join(lines, "\n")
}

func stringify(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

const polishSystemPrompt = "You are an ERP assistant for ISOFT ERP. Format ERP query results " +
	"as clean text, using spaces or symbols to make tables clear."

// polish asks the oracle for a human-readable rendering of an inline result,
// bounded by the character budget. On failure the raw rendering is returned
// as-is — the data is already escaped and correct.
func (s *QueryService) polish(ctx context.Context, question, rendered string, usage *TokenUsage) string {
	input := rendered
	if len(input) > s.opts.PolishCharBudget {
		input = input[:s.opts.PolishCharBudget] + "\n... (truncated)"
	}

	text, spend, err := s.oracle.Complete(ctx, []ChatMessage{
		{Role: "system", Content: polishSystemPrompt},
		{Role: "user", Content: fmt.Sprintf("User question: %s\nRaw result:\n%s", question, input)},
	}, 1000, 0.3)
	usage.Add(spend)
	if err != nil {
		log.Warn().Err(err).Msg("polish pass failed, returning raw rendering")
		return rendered
	}
	return strings.TrimSpace(text)
}

// exportResult serializes the full row set — spreadsheet first, delimited
// text as fallback — and returns a download link.
func (s *QueryService) exportResult(question string, result *erp.QueryResult) string {
	data, err := export.WriteXLSX(result)
	contentType := "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	filename := export.SuggestFilename(question, "xlsx")
	if err != nil {
		log.Warn().Err(err).Msg("spreadsheet export failed, falling back to CSV")
		data, err = export.WriteCSV(result)
		contentType = "text/csv"
		filename = export.SuggestFilename(question, "csv")
		if err != nil {
			log.Error().Err(err).Msg("CSV export failed")
			return ErrorPanel(supportNotice)
		}
	}

	url, err := s.sink.Store(filename, contentType, bytes.NewReader(data))
	if err != nil {
		log.Error().Err(err).Msg("failed to store export file")
		return ErrorPanel(supportNotice)
	}
	return fmt.Sprintf("<div>The result has %d rows. <a href=\"%s\" target=\"_blank\">Download the full result</a>.</div>",
		result.RowCount(), html.EscapeString(url))
}

const knowledgeSystemPrompt = "You are a helpful assistant for ISOFT ERP, knowledgeable in business, " +
	"accounting, and ERP usage. Do not mention 'erpnext'."

// KnowledgeAnswer forwards the system-primed history plus the question to the
// oracle and returns its prose verbatim, trimmed. The bool reports success;
// degraded apologies are not worth caching.
func (s *QueryService) KnowledgeAnswer(ctx context.Context, history []ChatMessage, question string, usage *TokenUsage) (string, bool) {
	messages := make([]ChatMessage, 0, len(history)+2)
	if !hasSystemTurn(history) {
		messages = append(messages, ChatMessage{Role: "system", Content: knowledgeSystemPrompt})
	}
	messages = append(messages, history...)
	messages = append(messages, ChatMessage{Role: "user", Content: question})

	text, spend, err := s.oracle.Complete(ctx, messages, 1000, 0.3)
	usage.Add(spend)
	if err != nil {
		log.Error().Err(err).Msg("knowledge answer failed")
		return WarningPanel("I'm sorry, I couldn't generate a response at this time. Please try again."), false
	}
	return strings.TrimSpace(text), true
}

const clarifySystemPrompt = "You are an assistant for ISOFT ERP. The user's question is ambiguous or " +
	"incomplete. Ask a polite, clarifying question to understand exactly what they want."

// ClarifyAnswer asks the oracle for a clarifying question.
func (s *QueryService) ClarifyAnswer(ctx context.Context, question string, usage *TokenUsage) string {
	text, spend, err := s.oracle.Complete(ctx, []ChatMessage{
		{Role: "system", Content: clarifySystemPrompt},
		{Role: "user", Content: question},
	}, 100, 0)
	usage.Add(spend)
	if err != nil {
		log.Warn().Err(err).Msg("clarify answer failed")
		return WarningPanel("Could you give a bit more detail about what you are looking for?")
	}
	return strings.TrimSpace(text)
}

func hasSystemTurn(history []ChatMessage) bool {
	for _, msg := range history {
		if msg.Role == "system" {
			return true
		}
	}
	return false
}
