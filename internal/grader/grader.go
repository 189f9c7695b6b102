// Package grader scores answers with an LLM. It never fails: any error
// yields the neutral grade.
package grader

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/0x6d61/proctor/internal/engine"
	"github.com/0x6d61/proctor/internal/llm"
)

// Neutral grade returned whenever evaluation is not possible.
const (
	NeutralScore    = 50
	NeutralFeedback = "Answer received. Evaluation pending."
)

const systemPrompt = "You are an expert interview evaluator. Always respond with valid JSON."

var (
	fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
	scoreText  = regexp.MustCompile(`(?i)score\W*(\d+(?:\.\d+)?)`)
)

// LLMGrader implements engine.AnswerGrader.
type LLMGrader struct {
	llm    llm.Completer
	model  string
	logger *slog.Logger
}

var _ engine.AnswerGrader = (*LLMGrader)(nil)

// New returns a grader. c may be nil, in which case every answer receives
// the neutral grade.
func New(c llm.Completer, model string, logger *slog.Logger) *LLMGrader {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &LLMGrader{llm: c, model: model, logger: logger}
}

// Grade implements engine.AnswerGrader.
func (g *LLMGrader) Grade(ctx context.Context, q *engine.Question, answerText string) (*engine.Grade, error) {
	if g.llm == nil {
		return neutral(), nil
	}

	prompt := fmt.Sprintf(`Evaluate the following interview answer.

Question: %s
Answer: %s

Provide:
1. A score from 0 to 100
2. Detailed feedback on the answer

Return your response in JSON format:
{
    "score": <number>,
    "feedback": "<detailed feedback>"
}`, q.Text, answerText)

	content, err := g.llm.Complete(ctx, llm.Prompt(g.model, systemPrompt, prompt, 0.3, 500))
	if err != nil {
		g.logger.Warn("answer evaluation failed", "question", q.ID, "error", err)
		return neutral(), nil
	}
	return Parse(content), nil
}

// Parse extracts a grade from a model reply. It accepts bare JSON, JSON in a
// fenced block, or free text mentioning a score.
func Parse(content string) *engine.Grade {
	body := strings.TrimSpace(content)
	if m := fencedJSON.FindStringSubmatch(body); m != nil {
		body = strings.TrimSpace(m[1])
	}

	var out struct {
		Score    json.RawMessage `json:"score"`
		Feedback string          `json:"feedback"`
	}
	if err := json.Unmarshal([]byte(body), &out); err == nil {
		g := &engine.Grade{Score: NeutralScore, Feedback: out.Feedback}
		if s, ok := parseScore(out.Score); ok {
			g.Score = s
		}
		if g.Feedback == "" {
			g.Feedback = "No feedback provided"
		}
		g.Score = clamp(g.Score)
		return g
	}

	g := &engine.Grade{Score: NeutralScore, Feedback: strings.TrimSpace(content)}
	if m := scoreText.FindStringSubmatch(content); m != nil {
		if s, err := strconv.ParseFloat(m[1], 64); err == nil {
			g.Score = clamp(s)
		}
	}
	if g.Feedback == "" {
		g.Feedback = NeutralFeedback
	}
	return g
}

// parseScore accepts a JSON number or a numeric string.
func parseScore(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func clamp(s float64) float64 {
	switch {
	case s < 0:
		return 0
	case s > 100:
		return 100
	}
	return s
}

func neutral() *engine.Grade {
	return &engine.Grade{Score: NeutralScore, Feedback: NeutralFeedback}
}
