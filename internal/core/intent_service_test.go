package core

import (
	"context"
	"errors"
	"testing"
)

func TestClassifyParsesVerdict(t *testing.T) {
	oracle := &scriptedOracle{
		intentReply: `{"intent": "SALES", "confidence": 0.95, "doctypes": ["Sales Invoice"], "requires_query": true, "needs_clarification": false}`,
	}
	svc := NewIntentService(oracle, DefaultOptions())

	usage := &TokenUsage{}
	result := svc.Classify(context.Background(), "Show me the top 5 customers this year", nil, usage)
	if result.Intent != IntentSales {
		t.Errorf("Intent = %v, want SALES", result.Intent)
	}
	if result.Confidence != 0.95 {
		t.Errorf("Confidence = %v, want 0.95", result.Confidence)
	}
	if !result.RequiresQuery {
		t.Error("RequiresQuery = false, want true")
	}
	if usage.Total == 0 {
		t.Error("token usage was not accumulated")
	}
}

func TestClassifyUnwrapsFencedJSON(t *testing.T) {
	oracle := &scriptedOracle{
		intentReply: "Sure! Here is the classification:\n```json\n{\"intent\": \"STOCK\", \"confidence\": 0.8}\n```",
	}
	svc := NewIntentService(oracle, DefaultOptions())

	result := svc.Classify(context.Background(), "stock per warehouse", nil, &TokenUsage{})
	if result.Intent != IntentStock {
		t.Errorf("Intent = %v, want STOCK", result.Intent)
	}
}

func TestClassifyDegradesOnGarbage(t *testing.T) {
	oracle := &scriptedOracle{intentReply: "I am not sure what you mean."}
	svc := NewIntentService(oracle, DefaultOptions())

	result := svc.Classify(context.Background(), "anything", nil, &TokenUsage{})
	if result.Intent != IntentKnowledge || result.Confidence != 0.5 {
		t.Errorf("garbage reply should yield the KNOWLEDGE default, got %v/%v", result.Intent, result.Confidence)
	}
}

func TestClassifyDegradesOnOracleError(t *testing.T) {
	oracle := &scriptedOracle{err: errors.New("transport down")}
	svc := NewIntentService(oracle, DefaultOptions())

	result := svc.Classify(context.Background(), "anything", nil, &TokenUsage{})
	if result.Intent != IntentKnowledge || result.Confidence != 0.5 {
		t.Errorf("oracle error should yield the KNOWLEDGE default, got %v/%v", result.Intent, result.Confidence)
	}
}

func TestClassifyClampsConfidence(t *testing.T) {
	oracle := &scriptedOracle{intentReply: `{"intent": "HR", "confidence": 1.7}`}
	svc := NewIntentService(oracle, DefaultOptions())

	result := svc.Classify(context.Background(), "headcount", nil, &TokenUsage{})
	if result.Confidence != 1 {
		t.Errorf("Confidence = %v, want clamped to 1", result.Confidence)
	}
}

func TestParseIntent(t *testing.T) {
	cases := []struct {
		label string
		want  Intent
	}{
		{"SALES", IntentSales},
		{"sales", IntentSales},
		{" 'STOCK' ", IntentStock},
		{"general report", IntentGeneralReport},
		{"ERP", IntentGeneralReport}, // legacy umbrella label
		{"STUDY", IntentStudy},
		{"CLARIFY", IntentClarify},
		{"SOMETHING_ELSE", IntentKnowledge},
		{"", IntentKnowledge},
	}
	for _, tc := range cases {
		if got := ParseIntent(tc.label); got != tc.want {
			t.Errorf("ParseIntent(%q) = %v, want %v", tc.label, got, tc.want)
		}
	}
}

func TestIntentIsDataQuery(t *testing.T) {
	for _, intent := range []Intent{IntentSales, IntentPurchasing, IntentStock, IntentAccounting, IntentHR, IntentManufacturing, IntentGeneralReport} {
		if !intent.IsDataQuery() {
			t.Errorf("%v should be a data query intent", intent)
		}
	}
	for _, intent := range []Intent{IntentKnowledge, IntentClarify, IntentStudy} {
		if intent.IsDataQuery() {
			t.Errorf("%v should not be a data query intent", intent)
		}
	}
}

func TestLastTurns(t *testing.T) {
	history := []ChatMessage{
		{Role: "user", Content: "a"},
		{Role: "assistant", Content: "b"},
		{Role: "user", Content: "c"},
	}
	got := lastTurns(history, 2)
	if len(got) != 2 || got[0].Content != "b" || got[1].Content != "c" {
		t.Errorf("lastTurns() = %v", got)
	}
	if got := lastTurns(history, 10); len(got) != 3 {
		t.Errorf("lastTurns with large n should return everything, got %v", got)
	}
}
