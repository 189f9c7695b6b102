// Package question supplies interview questions: authored questions from a
// YAML bank first, then LLM-generated ones, then a fixed fallback.
package question

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"time"

	"github.com/0x6d61/proctor/internal/engine"
	"github.com/0x6d61/proctor/internal/llm"
)

// DefaultTimeLimit applies when a question names none.
const DefaultTimeLimit = 300 * time.Second

// Answer modes.
const (
	ModeSpeaking = "speaking"
	ModeWriting  = "writing"
)

const systemPrompt = "You are an expert interview question generator."

// Source implements engine.QuestionSource.
type Source struct {
	bank   Bank
	llm    llm.Completer
	model  string
	total  int
	logger *slog.Logger
}

var _ engine.QuestionSource = (*Source)(nil)

// Option configures a Source.
type Option func(*Source)

// WithLLM enables generation for indexes not covered by the bank.
func WithLLM(c llm.Completer, model string) Option {
	return func(s *Source) {
		s.llm = c
		s.model = model
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) {
		s.logger = l
	}
}

// WithTotal sets the interview length quoted in generation prompts.
func WithTotal(n int) Option {
	return func(s *Source) {
		s.total = n
	}
}

// NewSource returns a source backed by bank.
func NewSource(bank Bank, opts ...Option) *Source {
	s := &Source{
		bank:   bank,
		total:  engine.DefaultTotalQuestions,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Difficulty returns the difficulty ramp for a zero-based index.
func Difficulty(index int) string {
	switch {
	case index < 3:
		return "easy"
	case index < 7:
		return "medium"
	default:
		return "hard"
	}
}

// AnswerMode picks speaking or writing for the question, stable for a given
// interview type and index.
func AnswerMode(interviewType string, index int) string {
	h := fnv.New32a()
	fmt.Fprintf(h, "%s/%d", normalize(interviewType), index)
	if h.Sum32()%2 == 0 {
		return ModeSpeaking
	}
	return ModeWriting
}

// Question implements engine.QuestionSource. It never fails: generation
// errors fall back to a generic question.
func (s *Source) Question(ctx context.Context, interviewType string, index int) (*engine.Question, error) {
	if e, ok := s.bank.Lookup(interviewType, index); ok {
		return s.fromBank(interviewType, index, e), nil
	}

	difficulty := Difficulty(index)
	if s.llm != nil {
		text, err := s.llm.Complete(ctx, llm.Prompt(s.model, systemPrompt, s.prompt(interviewType, index, difficulty), 0.7, 200))
		if err == nil && text != "" {
			return s.build(interviewType, index, text, "text", difficulty, DefaultTimeLimit), nil
		}
		s.logger.Warn("question generation failed, using fallback",
			"type", interviewType,
			"index", index,
			"error", err,
		)
	}

	return s.build(interviewType, index,
		fmt.Sprintf("Tell me about your experience with %s.", interviewType),
		"text", "medium", DefaultTimeLimit), nil
}

func (s *Source) fromBank(interviewType string, index int, e BankEntry) *engine.Question {
	kind := e.Type
	if kind == "" {
		kind = "text"
	}
	difficulty := e.Difficulty
	if difficulty == "" {
		difficulty = "medium"
	}
	limit := DefaultTimeLimit
	if e.TimeLimit > 0 {
		limit = time.Duration(e.TimeLimit) * time.Second
	}
	return s.build(interviewType, index, e.Question, kind, difficulty, limit)
}

func (s *Source) build(interviewType string, index int, text, kind, difficulty string, limit time.Duration) *engine.Question {
	return &engine.Question{
		Index:      index,
		Text:       text,
		TimeLimit:  limit,
		Kind:       kind,
		Difficulty: difficulty,
		AnswerMode: AnswerMode(interviewType, index),
	}
}

func (s *Source) prompt(interviewType string, index int, difficulty string) string {
	return fmt.Sprintf(`Generate an interview question for a %s interview.
Question number: %d out of %d
Difficulty: %s

The question should be:
- Clear and specific
- Appropriate for the difficulty level
- Can be answered in text or spoken format
- Have a time limit of 3-5 minutes

Return ONLY the question text, nothing else.`, interviewType, index+1, s.total, difficulty)
}
