package core

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog/log"
)

// Intent is the closed taxonomy of question categories. Every dispatch site
// must handle every value; anything the oracle invents is coerced to
// IntentKnowledge.
type Intent int

const (
	IntentKnowledge Intent = iota
	IntentSales
	IntentPurchasing
	IntentStock
	IntentAccounting
	IntentHR
	IntentManufacturing
	IntentGeneralReport
	IntentClarify
	IntentStudy
)

var intentNames = map[Intent]string{
	IntentKnowledge:     "KNOWLEDGE",
	IntentSales:         "SALES",
	IntentPurchasing:    "PURCHASING",
	IntentStock:         "STOCK",
	IntentAccounting:    "ACCOUNTING",
	IntentHR:            "HR",
	IntentManufacturing: "MANUFACTURING",
	IntentGeneralReport: "GENERAL_REPORT",
	IntentClarify:       "CLARIFY",
	IntentStudy:         "STUDY",
}

func (i Intent) String() string {
	if name, ok := intentNames[i]; ok {
		return name
	}
	return "KNOWLEDGE"
}

// ParseIntent maps an oracle-provided label onto the taxonomy. Unrecognized
// labels coerce to KNOWLEDGE, the safe default.
func ParseIntent(s string) Intent {
	cleaned := strings.ToUpper(strings.Trim(strings.TrimSpace(s), "'\"` ."))
	cleaned = strings.ReplaceAll(cleaned, " ", "_")
	for intent, name := range intentNames {
		if cleaned == name {
			return intent
		}
	}
	// The legacy taxonomy used one umbrella label for data questions.
	if cleaned == "ERP" {
		return IntentGeneralReport
	}
	return IntentKnowledge
}

// IsDataQuery reports whether this intent routes through SQL synthesis.
func (i Intent) IsDataQuery() bool {
	switch i {
	case IntentSales, IntentPurchasing, IntentStock, IntentAccounting, IntentHR, IntentManufacturing, IntentGeneralReport:
		return true
	default:
		return false
	}
}

// IntentResult is the classifier's structured verdict for one question.
type IntentResult struct {
	Intent             Intent
	Confidence         float64
	SuggestedDoctypes  []string
	RequiresQuery      bool
	NeedsClarification bool
}

// defaultIntentResult is the degradation target for any classification
// failure: answer from general knowledge, never abort.
func defaultIntentResult() IntentResult {
	return IntentResult{Intent: IntentKnowledge, Confidence: 0.5}
}

const intentSystemPrompt = `You are an assistant specialized in ISOFT ERP (do NOT mention 'erpnext' to the user).
Classify the user's question into exactly one intent:
- SALES, PURCHASING, STOCK, ACCOUNTING, HR, MANUFACTURING: the question asks for specific data, reports, rankings or summaries from that business module.
- GENERAL_REPORT: a data question spanning modules or not clearly belonging to one.
- STUDY: an analytic deep-dive on one or more named business entities (an item, a customer), e.g. "analyze item 00012 performance".
- KNOWLEDGE: general business or conceptual knowledge, no database needed.
- CLARIFY: ambiguous or incomplete, a clarifying question is needed first.

Reply with ONLY a JSON object, no prose:
{"intent": "...", "confidence": 0.0, "doctypes": ["..."], "requires_query": false, "needs_clarification": false}

Examples:
- "Show me the top 5 customers this year" -> {"intent": "SALES", "confidence": 0.95, "doctypes": ["Sales Invoice"], "requires_query": true, "needs_clarification": false}
- "What is an invoice?" -> {"intent": "KNOWLEDGE", "confidence": 0.9, "doctypes": [], "requires_query": false, "needs_clarification": false}
- "Can you tell me more about?" -> {"intent": "CLARIFY", "confidence": 0.8, "doctypes": [], "requires_query": false, "needs_clarification": true}`

type intentReply struct {
	Intent             string   `json:"intent"`
	Confidence         float64  `json:"confidence"`
	Doctypes           []string `json:"doctypes"`
	RequiresQuery      bool     `json:"requires_query"`
	NeedsClarification bool     `json:"needs_clarification"`
}

// IntentService classifies questions via the oracle.
type IntentService struct {
	oracle Oracle
	opts   Options
}

func NewIntentService(oracle Oracle, opts Options) *IntentService {
	return &IntentService{oracle: oracle, opts: opts}
}

// Classify issues one oracle call and parses its JSON verdict. Any failure —
// transport, refusal, malformed JSON, unknown label — degrades to the
// KNOWLEDGE default; classification never aborts the pipeline.
func (s *IntentService) Classify(ctx context.Context, question string, recentContext []ChatMessage, usage *TokenUsage) IntentResult {
	messages := []ChatMessage{{Role: "system", Content: intentSystemPrompt}}
	messages = append(messages, lastTurns(recentContext, s.opts.ContextTurns)...)
	messages = append(messages, ChatMessage{Role: "user", Content: question})

	text, spend, err := s.oracle.Complete(ctx, messages, 200, 0)
	usage.Add(spend)
	if err != nil {
		log.Warn().Err(err).Msg("intent classification failed, defaulting to KNOWLEDGE")
		return defaultIntentResult()
	}

	var reply intentReply
	if err := json.Unmarshal([]byte(extractJSONObject(text)), &reply); err != nil {
		log.Warn().Err(err).Str("reply", truncateForLog(text)).Msg("unparseable intent reply, defaulting to KNOWLEDGE")
		return defaultIntentResult()
	}

	result := IntentResult{
		Intent:             ParseIntent(reply.Intent),
		Confidence:         clamp01(reply.Confidence),
		SuggestedDoctypes:  reply.Doctypes,
		RequiresQuery:      reply.RequiresQuery,
		NeedsClarification: reply.NeedsClarification,
	}
	log.Info().Str("intent", result.Intent.String()).Float64("confidence", result.Confidence).Str("question", truncateForLog(question)).Msg("classified question")
	return result
}

// lastTurns returns at most n trailing turns of history.
func lastTurns(history []ChatMessage, n int) []ChatMessage {
	if n <= 0 || len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}

// extractJSONObject pulls the first {...} block out of an oracle reply, which
// may be wrapped in code fences or prose.
func extractJSONObject(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return text
	}
	return text[start : end+1]
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func truncateForLog(s string) string {
	if len(s) > 120 {
		return s[:120] + "..."
	}
	return s
}
