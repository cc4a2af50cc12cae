package core

import "time"

// Options carries the pipeline's tunable thresholds. They are constants in
// spirit; passing them in lets tests pin deterministic values.
type Options struct {
	// Result sizing: anything beyond these goes to a file export.
	InlineMaxRows int
	InlineMaxCols int

	// Character budget for the oracle "polish" pass over inline results.
	PolishCharBudget int

	// How many trailing history turns accompany classification and the
	// cache key.
	ContextTurns int

	// Study sub-flow gates.
	StudyConfidenceGate float64 // below this, a detected study is ignored
	StudyProbeBelow     float64 // probe for missed studies only under this primary confidence
	StudyPDFThreshold   int     // narrative length that spills to PDF

	// Response cache policy. TTL <= 0 disables cache writes entirely.
	CacheTTL time.Duration
}

func DefaultOptions() Options {
	return Options{
		InlineMaxRows:       10,
		InlineMaxCols:       5,
		PolishCharBudget:    1000,
		ContextTurns:        2,
		StudyConfidenceGate: 0.65,
		StudyProbeBelow:     0.7,
		StudyPDFThreshold:   2000,
		CacheTTL:            15 * time.Minute,
	}
}
