package report

import (
	"context"
	"encoding/json"
	"io"
)

// JSONReporter outputs structured JSON.
type JSONReporter struct {
	// Compact outputs single-line JSON when true (no indentation).
	Compact bool
}

// Format returns "json".
func (r *JSONReporter) Format() string {
	return "json"
}

// jsonOutput is the top-level JSON structure. The summary fields are
// inlined so API clients see a flat object.
type jsonOutput struct {
	SchemaVersion   string  `json:"schema_version"`
	Tool            string  `json:"tool"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	*Summary
}

// Generate writes the JSON summary to w.
func (r *JSONReporter) Generate(ctx context.Context, sum *Summary, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s := *sum
	if s.Answers == nil {
		s.Answers = []AnswerSummary{}
	}
	output := jsonOutput{
		SchemaVersion:   "1.0",
		Tool:            "proctor",
		DurationSeconds: s.Duration.Seconds(),
		Summary:         &s,
	}

	enc := json.NewEncoder(w)
	if !r.Compact {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(output)
}
