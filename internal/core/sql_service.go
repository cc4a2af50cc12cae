package core

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/isoftao/erp-assistant/internal/erp"
)

// SQLCandidate is an oracle-produced SELECT that survived the lexical
// firewall and catalog validation. It lives only for the current request.
type SQLCandidate struct {
	Query   string
	Tables  []string // doctype names, prefix stripped
	Columns []string
}

const sqlSystemPrompt = `You are an expert assistant that converts complex natural language questions into secure, valid, and syntactically correct SQL SELECT queries for ISOFT ERP.

NEVER return explanations. Only return a valid SQL SELECT query.
Only generate SELECT queries — NO INSERT, UPDATE, DELETE, or DDL.

ERP STRUCTURE AND CONVENTIONS:
- All table names are prefixed with 'tab' (e.g. ` + "`tabSales Invoice`" + `).
- For transactional documents like Sales Invoice, Purchase Invoice, Delivery Note: filter with docstatus = 1 (submitted).
- For Stock Ledger Entry, GL Entry, and other tables with an is_cancelled field, filter with is_cancelled = 0.
- Some tables like tabBin have neither docstatus nor is_cancelled.
- Parent and child documents are linked via parent, parenttype and parentfield.
- Use JOIN for parent-child queries (e.g. Invoice + Invoice Items).
- Use subqueries for filtering on aggregates, last values, or conditional logic.

STOCK MANAGEMENT:
- tabBin: current stock — item_code, warehouse, actual_qty, valuation_rate, reserved_qty.
- tabStock Ledger Entry: movements — posting_date, item_code, actual_qty, stock_value_difference, voucher_type, voucher_no.
- For valuation use actual_qty * valuation_rate.
- tabItem Price: item_code, uom, selling, buying, price_list, price_list_rate, creation. It has no posting_date.

SALES MODULE:
- tabSales Invoice: customer, grand_total, posting_date, is_return, return_against.
- tabSales Invoice Item: item_code, qty, rate, amount, parent.
- is_return = 1 means a return or credit note (negative invoice).

PURCHASE MODULE:
- tabPurchase Invoice and tabPurchase Receipt: supplier, posting_date, grand_total, is_return, return_against.
- Use return_against to trace the original document.

DELIVERY MODULE:
- tabDelivery Note: customer, posting_date, is_return, return_against.

ACCOUNTING:
- tabGL Entry: posting_date, account, debit, credit, voucher_type, party.

HR & PAYROLL:
- tabEmployee, tabSalary Slip: net_pay, employee, posting_date, salary_structure.

MANUFACTURING:
- tabWork Order: production_item, qty, status, actual_start_date, actual_end_date.
- tabBOM, tabBOM Item: item_code, qty, rate.

QUERY LOGIC GUIDELINES:
- Use JOIN when pulling from both parent and child tables.
- Use GROUP BY, SUM(), HAVING when aggregating.
- Use table aliasing for clarity (si, sii, pi, pri, dn).
- Always apply the is_return filter when analyzing net sales/purchases/deliveries.

EXAMPLES:
Q: Total net sales (excluding returns) per customer this year
A: SELECT customer, SUM(grand_total) AS net_sales FROM ` + "`tabSales Invoice`" + ` WHERE docstatus = 1 AND is_return = 0 AND posting_date >= '2025-01-01' GROUP BY customer

Q: Items returned to suppliers in June 2025
A: SELECT pri.item_code, SUM(pri.qty) AS total_returned FROM ` + "`tabPurchase Receipt Item`" + ` pri JOIN ` + "`tabPurchase Receipt`" + ` pr ON pri.parent = pr.name WHERE pr.docstatus = 1 AND pr.is_return = 1 AND pr.posting_date BETWEEN '2025-06-01' AND '2025-06-30' GROUP BY pri.item_code

Q: Get the original invoice number for returned sales invoices
A: SELECT name, return_against FROM ` + "`tabSales Invoice`" + ` WHERE docstatus = 1 AND is_return = 1

Now convert the following question into a valid SQL SELECT query:`

// forbiddenLexemes rejects on plain substring presence, not word boundaries:
// the firewall is deliberately stricter than a parser would be.
var forbiddenLexemes = regexp.MustCompile(`(?i)(;|insert|update|delete|drop|alter|truncate)`)

// SQLService turns questions into validated read-only SELECT candidates.
type SQLService struct {
	oracle  Oracle
	catalog erp.Catalog
}

func NewSQLService(oracle Oracle, catalog erp.Catalog) *SQLService {
	return &SQLService{oracle: oracle, catalog: catalog}
}

// Synthesize asks the oracle for a single SELECT and validates it. The error
// carries the rejection reason for diagnosis; callers fall back to the
// knowledge path on any non-nil error and must never run an unvalidated
// statement.
func (s *SQLService) Synthesize(ctx context.Context, question, intentHint string, usage *TokenUsage) (*SQLCandidate, error) {
	system := sqlSystemPrompt
	if intentHint != "" {
		system += "\n(The question concerns the " + intentHint + " area.)"
	}

	text, spend, err := s.oracle.Complete(ctx, []ChatMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: question},
	}, 300, 0)
	usage.Add(spend)
	if err != nil {
		return nil, fmt.Errorf("sql synthesis failed: %w", err)
	}

	return s.Validate(ctx, stripCodeFence(text))
}

// Validate applies the lexical firewall and the catalog checks to a raw
// statement. Exported so the firewall contract is testable without an oracle.
func (s *SQLService) Validate(ctx context.Context, raw string) (*SQLCandidate, error) {
	query := strings.TrimSuffix(strings.TrimSpace(raw), ";")
	if !strings.HasPrefix(strings.ToUpper(query), "SELECT") {
		return nil, fmt.Errorf("candidate does not start with SELECT")
	}
	if loc := forbiddenLexemes.FindString(query); loc != "" {
		// Reject the whole candidate; never try to sanitize it.
		return nil, fmt.Errorf("candidate contains forbidden lexeme %q", loc)
	}

	tables, aliases := extractTableRefs(query)
	if len(tables) == 0 {
		return nil, fmt.Errorf("no table references found in candidate")
	}

	doctypes := make([]string, 0, len(tables))
	fieldSets := make(map[string]map[string]struct{}, len(tables))
	for _, table := range tables {
		doctype := erp.StripPrefix(table)
		exists, err := s.catalog.TableExists(ctx, doctype)
		if err != nil {
			return nil, fmt.Errorf("metadata lookup failed for table %q: %w", table, err)
		}
		if !exists {
			return nil, fmt.Errorf("unknown table %q", table)
		}
		fields, err := s.catalog.Fields(ctx, doctype)
		if err != nil {
			return nil, fmt.Errorf("metadata lookup failed for table %q: %w", table, err)
		}
		doctypes = append(doctypes, doctype)
		fieldSets[doctype] = fields
	}

	columns, err := validateProjection(query, aliases, fieldSets)
	if err != nil {
		return nil, err
	}

	return &SQLCandidate{Query: query, Tables: doctypes, Columns: columns}, nil
}

var tableRefPattern = regexp.MustCompile("(?i)\\b(?:from|join)\\s+(`[^`]+`|[A-Za-z_][A-Za-z0-9_]*)(?:\\s+(?:as\\s+)?([A-Za-z_][A-Za-z0-9_]*))?")

var aliasStopWords = map[string]struct{}{
	"on": {}, "where": {}, "join": {}, "inner": {}, "left": {}, "right": {},
	"cross": {}, "group": {}, "order": {}, "having": {}, "limit": {}, "union": {},
	"set": {}, "using": {},
}

// extractTableRefs finds FROM/JOIN targets and their aliases. Subquery
// sources (FROM (SELECT ...)) simply yield no table here; their inner
// references are matched by the same scan.
func extractTableRefs(query string) (tables []string, aliases map[string]string) {
	aliases = make(map[string]string)
	seen := make(map[string]struct{})
	for _, m := range tableRefPattern.FindAllStringSubmatch(query, -1) {
		table := strings.Trim(m[1], "`")
		doctype := erp.StripPrefix(table)
		if _, ok := seen[table]; !ok {
			seen[table] = struct{}{}
			tables = append(tables, table)
		}
		if alias := strings.ToLower(m[2]); alias != "" {
			if _, stop := aliasStopWords[alias]; !stop {
				aliases[alias] = doctype
			}
		}
	}
	return tables, aliases
}

var identifierPattern = regexp.MustCompile(`(?:([A-Za-z_][A-Za-z0-9_]*)\.)?([A-Za-z_][A-Za-z0-9_]*)`)

var projectionStopWords = map[string]struct{}{
	"select": {}, "distinct": {}, "as": {}, "case": {}, "when": {}, "then": {},
	"else": {}, "end": {}, "null": {}, "and": {}, "or": {}, "not": {}, "is": {},
	"like": {}, "in": {}, "between": {}, "interval": {}, "true": {}, "false": {},
	"asc": {}, "desc": {}, "all": {},
}

var stringLiteralPattern = regexp.MustCompile(`'[^']*'`)

// validateProjection checks every column reference in the SELECT list against
// the known field sets. This is a deliberately weak lexical scan: expressions
// and functions are walked for identifier tokens, not parsed.
func validateProjection(query string, aliases map[string]string, fieldSets map[string]map[string]struct{}) ([]string, error) {
	projection := projectionClause(query)
	projection = stringLiteralPattern.ReplaceAllString(projection, "''")

	var columns []string
	prevToken := ""
	matches := identifierPattern.FindAllStringSubmatchIndex(projection, -1)
	for _, m := range matches {
		qualifier := submatch(projection, m, 1)
		name := submatch(projection, m, 2)
		lower := strings.ToLower(name)

		// Output aliases ("AS net_sales") name the result, not a column.
		if prevToken == "as" {
			prevToken = lower
			continue
		}
		prevToken = lower

		// A token directly followed by '(' is a function call.
		rest := projection[m[1]:]
		if strings.HasPrefix(strings.TrimLeft(rest, " "), "(") {
			continue
		}
		if _, stop := projectionStopWords[lower]; stop {
			continue
		}
		// Alias qualifiers that resolve to nothing (e.g. a subquery alias)
		// make the reference unverifiable; the weak scan lets them through.
		if qualifier != "" {
			doctype, ok := aliases[strings.ToLower(qualifier)]
			if !ok {
				doctype = erp.StripPrefix(qualifier)
				if _, known := fieldSets[doctype]; !known {
					continue
				}
			}
			if !fieldKnown(fieldSets[doctype], lower) {
				return nil, fmt.Errorf("unknown column %q on table %q", name, doctype)
			}
			columns = append(columns, lower)
			continue
		}
		if !fieldKnownAnywhere(fieldSets, lower) {
			return nil, fmt.Errorf("unknown column %q", name)
		}
		columns = append(columns, lower)
	}
	return columns, nil
}

// projectionClause returns the text between SELECT and the first FROM at
// parenthesis depth zero.
func projectionClause(query string) string {
	upper := strings.ToUpper(query)
	depth := 0
	for i := 0; i+4 <= len(upper); i++ {
		switch upper[i] {
		case '(':
			depth++
		case ')':
			depth--
		}
		if depth == 0 && strings.HasPrefix(upper[i:], "FROM") && i > 0 && isBoundary(upper[i-1]) &&
			(i+4 == len(upper) || isBoundary(upper[i+4])) {
			return query[len("SELECT"):i]
		}
	}
	return query[len("SELECT"):]
}

func isBoundary(b byte) bool {
	return b == ' ' || b == '\n' || b == '\t' || b == '`' || b == ')' || b == '('
}

func submatch(s string, idx []int, n int) string {
	if idx[2*n] < 0 {
		return ""
	}
	return s[idx[2*n]:idx[2*n+1]]
}

// name is the implicit identity column every doctype carries.
func fieldKnown(fields map[string]struct{}, column string) bool {
	if column == "name" {
		return true
	}
	_, ok := fields[column]
	return ok
}

func fieldKnownAnywhere(fieldSets map[string]map[string]struct{}, column string) bool {
	if column == "name" {
		return true
	}
	for _, fields := range fieldSets {
		if _, ok := fields[column]; ok {
			return true
		}
	}
	return false
}

// stripCodeFence unwraps replies the oracle insists on fencing.
func stripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if idx := strings.Index(text, "\n"); idx >= 0 {
		text = text[idx+1:]
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}

// ClosestField suggests the known field nearest to an unknown identifier,
// used to enrich execution errors that look like naming mismatches.
func ClosestField(target string, fields map[string]struct{}) string {
	best := ""
	bestDist := len(target)/2 + 1 // only suggest reasonably close names
	for field := range fields {
		if d := editDistance(strings.ToLower(target), field); d < bestDist {
			best, bestDist = field, d
		}
	}
	return best
}

func editDistance(a, b string) int {
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
