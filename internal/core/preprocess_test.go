package core

import "testing"

func TestPreprocessStandaloneQuestionUnchanged(t *testing.T) {
	history := []ChatMessage{
		{Role: "user", Content: "Show total sales by region this year"},
		{Role: "assistant", Content: "Here are the sales by region."},
	}
	question := "List all overdue purchase invoices for supplier ACME"
	if got := Preprocess(question, history); got != question {
		t.Errorf("standalone question was rewritten: %q", got)
	}
}

func TestPreprocessMergesContinuation(t *testing.T) {
	history := []ChatMessage{
		{Role: "user", Content: "Show total sales by region this year"},
		{Role: "assistant", Content: "Here are the sales by region."},
	}
	got := Preprocess("include returns", history)
	want := "Show total sales by region this year include returns"
	if got != want {
		t.Errorf("Preprocess() = %q, want %q", got, want)
	}
}

func TestPreprocessMergesShortQuestion(t *testing.T) {
	history := []ChatMessage{
		{Role: "user", Content: "Which customers bought item 00012 last quarter?"},
	}
	// Five words, no continuation lead-in: still too short to stand alone.
	got := Preprocess("top five by total amount", history)
	want := "Which customers bought item 00012 last quarter? top five by total amount"
	if got != want {
		t.Errorf("Preprocess() = %q, want %q", got, want)
	}
}

func TestPreprocessSkipsUnsuitablePriorTurns(t *testing.T) {
	history := []ChatMessage{
		{Role: "user", Content: "Show total purchases per supplier for 2025"},
		{Role: "assistant", Content: "Done."},
		{Role: "user", Content: "and also delivery notes"}, // itself a continuation
		{Role: "assistant", Content: "Done."},
		{Role: "user", Content: "thanks"}, // too short to anchor
	}
	got := Preprocess("only submitted ones", history)
	want := "Show total purchases per supplier for 2025 only submitted ones"
	if got != want {
		t.Errorf("Preprocess() = %q, want %q", got, want)
	}
}

func TestPreprocessNoUsableContext(t *testing.T) {
	if got := Preprocess("include returns", nil); got != "include returns" {
		t.Errorf("continuation without history should pass through, got %q", got)
	}
	history := []ChatMessage{{Role: "assistant", Content: "Hello, how can I help?"}}
	if got := Preprocess("include returns", history); got != "include returns" {
		t.Errorf("assistant turns must not anchor a merge, got %q", got)
	}
}

func TestPreprocessIdempotentOnMergedOutput(t *testing.T) {
	history := []ChatMessage{
		{Role: "user", Content: "Show total sales by region this year"},
	}
	merged := Preprocess("include returns", history)
	if again := Preprocess(merged, history); again != merged {
		t.Errorf("merged question changed on second pass: %q -> %q", merged, again)
	}
}

func TestLooksLikeContinuation(t *testing.T) {
	cases := []struct {
		question string
		want     bool
	}{
		{"include returns", true},
		{"what about last month", true},
		{"suppliers", true}, // bare noun, under the word count
		{"Show me total net sales per customer this year", false},
		{"sort by grand total descending please and thanks", true}, // lead-in wins even at length
	}
	for _, tc := range cases {
		if got := looksLikeContinuation(tc.question); got != tc.want {
			t.Errorf("looksLikeContinuation(%q) = %v, want %v", tc.question, got, tc.want)
		}
	}
}
