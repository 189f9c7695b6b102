package report

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestJSONReporter_Format(t *testing.T) {
	r := &JSONReporter{}
	if got := r.Format(); got != "json" {
		t.Errorf("Format() = %q, want %q", got, "json")
	}
}

func decodeJSON(t *testing.T, r *JSONReporter, sum *Summary) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	if err := r.Generate(context.Background(), sum, &buf); err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, buf.String())
	}
	return out
}

func TestJSONReporter_Generate_Fields(t *testing.T) {
	sum := Build(newTestSession())
	sum.Narrative = "Solid fundamentals."
	out := decodeJSON(t, &JSONReporter{}, sum)

	tests := []struct {
		key  string
		want any
	}{
		{"schema_version", "1.0"},
		{"tool", "proctor"},
		{"interview_id", "sess-1"},
		{"interview_type", "backend"},
		{"status", "terminated"},
		{"termination_reason", "face_violation"},
		{"total_questions", float64(2)},
		{"planned_questions", float64(10)},
		{"total_score", float64(90)},
		{"average_score", float64(45)},
		{"summary", "Solid fundamentals."},
	}
	for _, tt := range tests {
		if got := out[tt.key]; got != tt.want {
			t.Errorf("%s = %v, want %v", tt.key, got, tt.want)
		}
	}

	d, _ := out["duration_seconds"].(float64)
	if d < 12.0 || d > 13.0 {
		t.Errorf("duration_seconds = %v, want ~12.3", d)
	}

	answers, ok := out["answers"].([]any)
	if !ok || len(answers) != 2 {
		t.Fatalf("answers = %v, want 2 entries", out["answers"])
	}
	first := answers[0].(map[string]any)
	if first["question"] != "What is a goroutine?" {
		t.Errorf("answers[0].question = %v", first["question"])
	}
	if first["feedback"] != "Accurate and concise." {
		t.Errorf("answers[0].feedback = %v", first["feedback"])
	}
	second := answers[1].(map[string]any)
	if second["auto_submitted"] != true {
		t.Errorf("answers[1].auto_submitted = %v, want true", second["auto_submitted"])
	}
}

func TestJSONReporter_Generate_NoAnswers(t *testing.T) {
	sum := Build(newEmptySession())
	sum.Answers = nil
	out := decodeJSON(t, &JSONReporter{}, sum)

	answers, ok := out["answers"].([]any)
	if !ok {
		t.Fatalf("answers = %v, want empty array", out["answers"])
	}
	if len(answers) != 0 {
		t.Errorf("len(answers) = %d, want 0", len(answers))
	}
	if _, ok := out["termination_reason"]; ok {
		t.Error("termination_reason should be omitted for an in-progress session")
	}
	if sum.Answers != nil {
		t.Error("Generate() should not modify the summary")
	}
}

func TestJSONReporter_Generate_PrettyPrint(t *testing.T) {
	var buf bytes.Buffer
	if err := (&JSONReporter{}).Generate(context.Background(), Build(newTestSession()), &buf); err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if !strings.Contains(buf.String(), "\n  \"") {
		t.Error("pretty-printed JSON should contain newlines and indentation")
	}
}

func TestJSONReporter_Generate_Compact(t *testing.T) {
	var buf bytes.Buffer
	if err := (&JSONReporter{Compact: true}).Generate(context.Background(), Build(newTestSession()), &buf); err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Errorf("compact JSON should be a single line, got %d lines", len(lines))
	}
}

func TestJSONReporter_Generate_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var buf bytes.Buffer
	if err := (&JSONReporter{}).Generate(ctx, Build(newTestSession()), &buf); err == nil {
		t.Error("Generate() should return error when context is cancelled")
	}
}
