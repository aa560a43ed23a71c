// Package usage accounts LLM token consumption across analyses and
// persists the aggregates to disk.
package usage

// TokenCounts holds input/output sums for one breakdown key.
type TokenCounts struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
	Total  int64 `json:"total"`
}

// Add accumulates one call's counts.
func (tc *TokenCounts) Add(input, output int) {
	tc.Input += int64(input)
	tc.Output += int64(output)
	tc.Total += int64(input + output)
}

// AggregatedStats breaks totals down by the dimensions the report cares
// about: which provider/model burned the tokens, which workflow stage, and
// which analysis.
type AggregatedStats struct {
	Total      TokenCounts            `json:"total"`
	ByProvider map[string]TokenCounts `json:"by_provider"`
	ByModel    map[string]TokenCounts `json:"by_model"`
	ByStage    map[string]TokenCounts `json:"by_stage"` // validation, assessment
	ByAnalysis map[string]TokenCounts `json:"by_analysis"`
}

// Data is the root structure stored on disk.
type Data struct {
	Version   string          `json:"version"`
	Aggregate AggregatedStats `json:"aggregate"`
}
