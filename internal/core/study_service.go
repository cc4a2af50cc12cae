package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/isoftao/erp-assistant/internal/erp"
	"github.com/isoftao/erp-assistant/internal/export"
)

// StudyDetection is the oracle's verdict on whether a question is an
// entity-analysis request.
type StudyDetection struct {
	IsStudy      bool     `json:"is_study"`
	Entities     []string `json:"entities"`
	EntityTypes  []string `json:"entity_types"`
	AnalysisType string   `json:"analysis_type"`
	Confidence   float64  `json:"confidence"`
}

// WarehouseStock is current stock of one entity in one location.
type WarehouseStock struct {
	Warehouse     string  `json:"warehouse"`
	ActualQty     float64 `json:"actual_qty"`
	ValuationRate float64 `json:"valuation_rate"`
}

// MonthlyAggregate is one entity-month of cross-module activity.
type MonthlyAggregate struct {
	Month        string  `json:"month"`
	QuotedQty    float64 `json:"quoted_qty"`
	QuotedAmount float64 `json:"quoted_amount"`
	SoldQty      float64 `json:"sold_qty"`
	SoldAmount   float64 `json:"sold_amount"`
	BoughtQty    float64 `json:"bought_qty"`
	BoughtAmount float64 `json:"bought_amount"`
}

// EntitySummary aggregates one matched entity across modules.
type EntitySummary struct {
	ItemCode         string             `json:"item_code"`
	ItemName         string             `json:"item_name"`
	ItemGroup        string             `json:"item_group"`
	Monthly          []MonthlyAggregate `json:"monthly"`
	StockByWarehouse []WarehouseStock   `json:"stock_by_warehouse"`
}

// StudySummary is the structured object the narrative is generated from.
type StudySummary struct {
	Items []EntitySummary `json:"items"`
}

const studyDetectPrompt = `You decide whether an ERP question is a "study": an analytic deep-dive on one or more specific named business entities (an item code, a customer name), e.g. "analyze item 00012" or "study of customer ACME's purchases".
General reports over many unnamed entities are NOT studies.

Reply with ONLY a JSON object:
{"is_study": false, "entities": ["..."], "entity_types": ["item"], "analysis_type": "performance", "confidence": 0.0}

The entities list carries the literal identifiers mentioned in the question.`

const studyNarratePrompt = `You are a business analyst for ISOFT ERP. You receive a JSON summary of one or more items: identity fields, monthly quotation/sales/purchase aggregates, and current stock per warehouse.
Write a clear business-analysis narrative as simple HTML (<h3>, <p>, <ul>, <table>). Comment on demand trends, sales vs purchases, and stock position. Do not invent figures that are not in the data.`

// StudyService runs the entity-analysis sub-flow end to end.
type StudyService struct {
	oracle    Oracle
	datastore erp.Datastore
	sink      export.Sink
	opts      Options
}

func NewStudyService(oracle Oracle, datastore erp.Datastore, sink export.Sink, opts Options) *StudyService {
	return &StudyService{oracle: oracle, datastore: datastore, sink: sink, opts: opts}
}

// Detect issues the narrow "is this a study" oracle call. Failures report
// "not a study" so the caller falls through to generic handling.
func (s *StudyService) Detect(ctx context.Context, question string, usage *TokenUsage) StudyDetection {
	text, spend, err := s.oracle.Complete(ctx, []ChatMessage{
		{Role: "system", Content: studyDetectPrompt},
		{Role: "user", Content: question},
	}, 200, 0)
	usage.Add(spend)
	if err != nil {
		log.Warn().Err(err).Msg("study detection failed, treating as non-study")
		return StudyDetection{}
	}

	var detection StudyDetection
	if err := json.Unmarshal([]byte(extractJSONObject(text)), &detection); err != nil {
		log.Warn().Err(err).Str("reply", truncateForLog(text)).Msg("unparseable study detection reply")
		return StudyDetection{}
	}
	detection.Confidence = clamp01(detection.Confidence)
	return detection
}

// Analyze runs the full sub-flow. handled=false means the gate did not pass
// and the caller should route the question through the generic paths; the
// sub-flow never forces a study interpretation past its confidence gate.
// cacheable is true only for an inline narrative; prompts, panels and file
// links are volatile.
func (s *StudyService) Analyze(ctx context.Context, question string, usage *TokenUsage) (answer string, handled, cacheable bool) {
	detection := s.Detect(ctx, question, usage)
	if !detection.IsStudy || detection.Confidence < s.opts.StudyConfidenceGate {
		return "", false, false
	}

	if len(detection.Entities) == 0 {
		return WarningPanel("I can run that analysis, but I need a specific identifier, like an item code or name. Which entity should I study?"), true, false
	}

	summary, err := s.BuildSummary(ctx, detection.Entities)
	if err != nil {
		log.Error().Err(err).Strs("entities", detection.Entities).Msg("study summary query failed")
		return ErrorPanel("Entity analysis failed: " + err.Error()), true, false
	}
	if len(summary.Items) == 0 {
		return WarningPanel(noDataNotice), true, false
	}

	narrative := s.narrate(ctx, question, summary, usage)
	if narrative == "" {
		return "", false, false
	}

	if len(narrative) > s.opts.StudyPDFThreshold {
		return s.spillToPDF(question, narrative), true, false
	}
	return narrative, true, true
}

// BuildSummary matches the entity keywords against the item table's
// identifying fields, aggregates cross-module activity by entity and month,
// and fetches stock by warehouse.
func (s *StudyService) BuildSummary(ctx context.Context, entities []string) (*StudySummary, error) {
	match := entityMatchClause(entities)

	aggregates, err := s.datastore.ExecuteSelect(ctx, fmt.Sprintf(monthlyAggregateQuery, match))
	if err != nil {
		return nil, fmt.Errorf("aggregate query failed: %w", err)
	}

	stock, err := s.datastore.ExecuteSelect(ctx, fmt.Sprintf(stockByWarehouseQuery, match))
	if err != nil {
		return nil, fmt.Errorf("stock query failed: %w", err)
	}

	return assembleSummary(aggregates, stock), nil
}

// Matching is a case-insensitive substring match over the identifying fields
// of the primary entity table.
func entityMatchClause(entities []string) string {
	var clauses []string
	for _, entity := range entities {
		kw := escapeLike(strings.ToLower(strings.TrimSpace(entity)))
		if kw == "" {
			continue
		}
		clauses = append(clauses, fmt.Sprintf(
			"(LOWER(i.name) LIKE '%%%[1]s%%' OR LOWER(i.item_name) LIKE '%%%[1]s%%' OR LOWER(i.item_code) LIKE '%%%[1]s%%')", kw))
	}
	if len(clauses) == 0 {
		return "(1 = 0)"
	}
	return "(" + strings.Join(clauses, " OR ") + ")"
}

// escapeLike neutralizes quote and wildcard characters in an entity keyword
// before it is embedded in a LIKE pattern.
func escapeLike(s string) string {
	replacer := strings.NewReplacer("'", "''", "%", "", "_", `\_`, `\`, ``)
	return replacer.Replace(s)
}

const monthlyAggregateQuery = "SELECT i.name AS item_code, i.item_name, i.item_group, t.month, " +
	"SUM(t.quoted_qty) AS quoted_qty, SUM(t.quoted_amount) AS quoted_amount, " +
	"SUM(t.sold_qty) AS sold_qty, SUM(t.sold_amount) AS sold_amount, " +
	"SUM(t.bought_qty) AS bought_qty, SUM(t.bought_amount) AS bought_amount " +
	"FROM `tabItem` i " +
	"LEFT JOIN (" +
	"SELECT qi.item_code, DATE_FORMAT(q.transaction_date, '%%Y-%%m') AS month, qi.qty AS quoted_qty, qi.amount AS quoted_amount, 0 AS sold_qty, 0 AS sold_amount, 0 AS bought_qty, 0 AS bought_amount " +
	"FROM `tabQuotation Item` qi JOIN `tabQuotation` q ON qi.parent = q.name AND q.docstatus = 1 " +
	"UNION ALL " +
	"SELECT sii.item_code, DATE_FORMAT(si.posting_date, '%%Y-%%m'), 0, 0, sii.qty, sii.amount, 0, 0 " +
	"FROM `tabSales Invoice Item` sii JOIN `tabSales Invoice` si ON sii.parent = si.name AND si.docstatus = 1 AND si.is_return = 0 " +
	"UNION ALL " +
	"SELECT pii.item_code, DATE_FORMAT(pi.posting_date, '%%Y-%%m'), 0, 0, 0, 0, pii.qty, pii.amount " +
	"FROM `tabPurchase Invoice Item` pii JOIN `tabPurchase Invoice` pi ON pii.parent = pi.name AND pi.docstatus = 1 AND pi.is_return = 0" +
	") t ON t.item_code = i.name " +
	"WHERE %s " +
	"GROUP BY i.name, i.item_name, i.item_group, t.month " +
	"ORDER BY i.name, t.month"

const stockByWarehouseQuery = "SELECT b.item_code, b.warehouse, b.actual_qty, b.valuation_rate " +
	"FROM `tabBin` b JOIN `tabItem` i ON b.item_code = i.name " +
	"WHERE %s " +
	"ORDER BY b.item_code, b.warehouse"

func assembleSummary(aggregates, stock *erp.QueryResult) *StudySummary {
	summary := &StudySummary{}
	index := map[string]int{}

	itemFor := func(code, name, group string) *EntitySummary {
		if idx, ok := index[code]; ok {
			return &summary.Items[idx]
		}
		summary.Items = append(summary.Items, EntitySummary{ItemCode: code, ItemName: name, ItemGroup: group})
		index[code] = len(summary.Items) - 1
		return &summary.Items[len(summary.Items)-1]
	}

	for _, row := range aggregates.Rows {
		item := itemFor(stringify(row["item_code"]), stringify(row["item_name"]), stringify(row["item_group"]))
		month := stringify(row["month"])
		if month == "" {
			continue // item matched but has no transactions
		}
		item.Monthly = append(item.Monthly, MonthlyAggregate{
			Month:        month,
			QuotedQty:    toFloat(row["quoted_qty"]),
			QuotedAmount: toFloat(row["quoted_amount"]),
			SoldQty:      toFloat(row["sold_qty"]),
			SoldAmount:   toFloat(row["sold_amount"]),
			BoughtQty:    toFloat(row["bought_qty"]),
			BoughtAmount: toFloat(row["bought_amount"]),
		})
	}

	for _, row := range stock.Rows {
		code := stringify(row["item_code"])
		idx, ok := index[code]
		if !ok {
			continue
		}
		summary.Items[idx].StockByWarehouse = append(summary.Items[idx].StockByWarehouse, WarehouseStock{
			Warehouse:     stringify(row["warehouse"]),
			ActualQty:     toFloat(row["actual_qty"]),
			ValuationRate: toFloat(row["valuation_rate"]),
		})
	}

	return summary
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int64:
		return float64(n)
	case int:
		return float64(n)
	case []byte:
		return parseFloat(string(n))
	case string:
		return parseFloat(n)
	default:
		return 0
	}
}

func parseFloat(s string) float64 {
	var f float64
	fmt.Sscanf(strings.TrimSpace(s), "%g", &f)
	return f
}

// narrate turns the structured summary into a formatted analysis. An empty
// return means the oracle failed and the caller should fall back.
func (s *StudyService) narrate(ctx context.Context, question string, summary *StudySummary, usage *TokenUsage) string {
	payload, err := json.Marshal(summary)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal study summary")
		return ""
	}

	text, spend, err := s.oracle.Complete(ctx, []ChatMessage{
		{Role: "system", Content: studyNarratePrompt},
		{Role: "user", Content: fmt.Sprintf("User question: %s\nSummary data:\n%s", question, payload)},
	}, 1500, 0.3)
	usage.Add(spend)
	if err != nil {
		log.Warn().Err(err).Msg("study narrative generation failed")
		return ""
	}
	return strings.TrimSpace(text)
}

// spillToPDF renders an oversized narrative as a document. If PDF generation
// or storage fails, a truncated inline excerpt is returned with a note.
func (s *StudyService) spillToPDF(question, narrative string) string {
	data, err := export.WritePDF("Entity Analysis", narrative)
	if err == nil {
		url, storeErr := s.sink.Store(export.SuggestFilename(question, "pdf"), "application/pdf", bytes.NewReader(data))
		if storeErr == nil {
			return fmt.Sprintf("<div>The analysis is %d characters long. <a href=\"%s\" target=\"_blank\">Download the full report (PDF)</a>.</div>",
				len(narrative), html.EscapeString(url))
		}
		err = storeErr
	}
	log.Warn().Err(err).Msg("PDF export unavailable, returning truncated excerpt")
	return narrative[:s.opts.StudyPDFThreshold] + "<p><em>... (analysis truncated; PDF export unavailable)</em></p>"
}
