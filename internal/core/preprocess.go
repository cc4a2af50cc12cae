package core

import (
	"regexp"
	"strings"
)

const (
	// Questions shorter than this are assumed to lean on earlier context.
	minStandaloneWords = 6
	// A prior turn must carry at least this many words to serve as context.
	minPriorWords = 4
)

// continuationPattern matches utterances that refine a previous question
// rather than stand alone: leading connectives, pronouns, relative time
// words.
var continuationPattern = regexp.MustCompile(`(?i)^(by|include|only|group by|filter|sort by|order by|and|also|what about|how about|same|again|it|its|they|them|those|these|that one|this one|this (year|month|week|quarter)|last (year|month|week|quarter)|today|yesterday)\b`)

// Preprocess merges a short or continuation-style question with the most
// recent substantial user turn, so "include returns" after "Show total sales
// by region this year" becomes one complete question. Questions that stand on
// their own pass through unchanged; the function is pure and idempotent on
// non-continuations.
func Preprocess(question string, history []ChatMessage) string {
	question = strings.TrimSpace(question)
	if !looksLikeContinuation(question) {
		return question
	}

	for i := len(history) - 1; i >= 0; i-- {
		turn := history[i]
		if turn.Role != "user" {
			continue
		}
		prior := strings.TrimSpace(turn.Content)
		if len(strings.Fields(prior)) < minPriorWords {
			continue
		}
		// A prior turn that is itself a continuation would chain merges.
		if continuationPattern.MatchString(prior) {
			continue
		}
		return prior + " " + question
	}
	return question
}

// looksLikeContinuation flags questions that lean on earlier context. Bare
// entity nouns ("suppliers", "returns") fall under the word-count rule.
func looksLikeContinuation(question string) bool {
	if len(strings.Fields(question)) < minStandaloneWords {
		return true
	}
	return continuationPattern.MatchString(question)
}
