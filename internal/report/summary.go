package report

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/0x6d61/proctor/internal/engine"
	"github.com/0x6d61/proctor/internal/llm"
)

// Summary is the rendered view of a session. For an in-progress session it
// reflects the answers recorded so far.
type Summary struct {
	SessionID         string                   `json:"interview_id"`
	UserID            string                   `json:"user_id"`
	InterviewType     string                   `json:"interview_type"`
	Status            engine.Status            `json:"status"`
	TerminationReason engine.TerminationReason `json:"termination_reason,omitempty"`
	Answered          int                      `json:"total_questions"`
	Planned           int                      `json:"planned_questions"`
	TotalScore        float64                  `json:"total_score"`
	AverageScore      float64                  `json:"average_score"`
	AlertCount        int                      `json:"alert_count"`
	StartedAt         time.Time                `json:"started_at"`
	CompletedAt       time.Time                `json:"completed_at,omitempty"`
	Duration          time.Duration            `json:"-"`
	Narrative         string                   `json:"summary"`
	Answers           []AnswerSummary          `json:"answers"`
}

// AnswerSummary is one answered question in a Summary.
type AnswerSummary struct {
	Number        int     `json:"number"`
	Question      string  `json:"question"`
	Answer        string  `json:"answer"`
	Score         float64 `json:"score"`
	Feedback      string  `json:"feedback"`
	AutoSubmitted bool    `json:"auto_submitted,omitempty"`
}

// Build computes the summary of s. The narrative is left empty; see
// Narrator.
func Build(s *engine.Session) *Summary {
	sum := &Summary{
		SessionID:         s.ID,
		UserID:            s.UserID,
		InterviewType:     s.InterviewType,
		Status:            s.Status,
		TerminationReason: s.TerminationReason,
		Answered:          len(s.Answers),
		Planned:           s.TotalQuestions,
		AlertCount:        s.AlertCount,
		StartedAt:         s.StartedAt,
		CompletedAt:       s.CompletedAt,
		Answers:           make([]AnswerSummary, 0, len(s.Answers)),
	}
	if !s.CompletedAt.IsZero() {
		sum.Duration = s.CompletedAt.Sub(s.StartedAt)
	}

	for i, a := range s.Answers {
		sum.TotalScore += a.Score
		sum.Answers = append(sum.Answers, AnswerSummary{
			Number:        i + 1,
			Question:      a.Question,
			Answer:        a.AnswerText,
			Score:         a.Score,
			Feedback:      a.Feedback,
			AutoSubmitted: a.AutoSubmitted,
		})
	}
	if len(s.Answers) > 0 {
		sum.AverageScore = sum.TotalScore / float64(len(s.Answers))
	}
	return sum
}

// FallbackNarrative is the narrative used when no model is available.
func FallbackNarrative(sum *Summary) string {
	return fmt.Sprintf("Interview completed. Average score: %.2f/100. Review your answers for detailed feedback.", sum.AverageScore)
}

// Narrator writes the free-text assessment of a finished interview.
type Narrator struct {
	llm    llm.Completer
	model  string
	logger *slog.Logger
}

// NewNarrator returns a narrator. c may be nil, in which case the fallback
// narrative is always used.
func NewNarrator(c llm.Completer, model string, logger *slog.Logger) *Narrator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Narrator{llm: c, model: model, logger: logger}
}

// Narrate fills sum.Narrative. In-progress sessions get a short status line
// and are never sent to the model.
func (n *Narrator) Narrate(ctx context.Context, sum *Summary) {
	if !sum.Status.Terminal() {
		sum.Narrative = fmt.Sprintf("Interview in progress: %d of %d questions answered.", sum.Answered, sum.Planned)
		return
	}
	if n == nil || n.llm == nil {
		sum.Narrative = FallbackNarrative(sum)
		return
	}

	text, err := n.llm.Complete(ctx, llm.Prompt(n.model,
		"You are an expert interviewer writing candidate assessments.",
		narrativePrompt(sum), 0.5, 1000))
	text = strings.TrimSpace(text)
	if err != nil || text == "" {
		n.logger.Warn("summary generation failed", "session", sum.SessionID, "error", err)
		sum.Narrative = FallbackNarrative(sum)
		return
	}
	sum.Narrative = text
}

func narrativePrompt(sum *Summary) string {
	b := &strings.Builder{}
	fmt.Fprintf(b, "Generate a comprehensive interview summary.\n\n")
	fmt.Fprintf(b, "Interview Type: %s\n", sum.InterviewType)
	fmt.Fprintf(b, "Total Questions: %d\n", sum.Answered)
	fmt.Fprintf(b, "Average Score: %.2f/100\n", sum.AverageScore)
	if sum.TerminationReason != "" {
		fmt.Fprintf(b, "Terminated early: %s\n", sum.TerminationReason)
	}
	fmt.Fprintf(b, "\nQuestions and Answers:\n")
	for _, a := range sum.Answers {
		fmt.Fprintf(b, "Q%d: %s\nA%d: %s\nScore: %.0f\n\n", a.Number, a.Question, a.Number, a.Answer, a.Score)
	}
	b.WriteString(`Provide a detailed summary including:
1. Overall performance assessment
2. Strengths
3. Areas for improvement
4. Final recommendation

Be professional and constructive.`)
	return b.String()
}
