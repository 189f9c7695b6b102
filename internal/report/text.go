package report

import (
	"context"
	"fmt"
	"io"
	"strings"
)

const (
	doubleLine = "\u2550" // ═
	singleLine = "\u2500" // ─
	lineWidth  = 50
)

// TextReporter outputs plain terminal text.
type TextReporter struct {
	// Verbose controls detail level: 0=scores only, 1=+answers, 2=+feedback.
	Verbose int
}

// Format returns "text".
func (r *TextReporter) Format() string {
	return "text"
}

// Generate writes the formatted summary to w.
func (r *TextReporter) Generate(ctx context.Context, sum *Summary, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := &strings.Builder{}

	doubleBar := strings.Repeat(doubleLine, lineWidth)
	singleBar := strings.Repeat(singleLine, lineWidth)

	fmt.Fprintln(b, doubleBar)
	fmt.Fprintln(b, "proctor - Interview Summary")
	fmt.Fprintln(b, doubleBar)

	fmt.Fprintf(b, "Interview: %s\n", sum.SessionID)
	fmt.Fprintf(b, "Type:      %s\n", sum.InterviewType)
	status := string(sum.Status)
	if sum.TerminationReason != "" {
		status += " (" + string(sum.TerminationReason) + ")"
	}
	fmt.Fprintf(b, "Status:    %s\n", status)
	if sum.Duration > 0 {
		fmt.Fprintf(b, "Duration:  %.1fs\n", sum.Duration.Seconds())
	}
	fmt.Fprintf(b, "Alerts:    %d\n", sum.AlertCount)

	if len(sum.Answers) == 0 {
		fmt.Fprintln(b, singleBar)
		fmt.Fprintln(b, "No answers recorded.")
	}
	for _, a := range sum.Answers {
		fmt.Fprintln(b, singleBar)
		marker := ""
		if a.AutoSubmitted {
			marker = " [auto-submitted]"
		}
		fmt.Fprintf(b, "Q%d [%.0f/100]%s %s\n", a.Number, a.Score, marker, a.Question)
		if r.Verbose >= 1 {
			fmt.Fprintf(b, "  Answer:   %s\n", a.Answer)
		}
		if r.Verbose >= 2 {
			fmt.Fprintf(b, "  Feedback: %s\n", a.Feedback)
		}
	}

	if sum.Narrative != "" {
		fmt.Fprintln(b, singleBar)
		fmt.Fprintln(b, sum.Narrative)
	}

	fmt.Fprintln(b, doubleBar)
	fmt.Fprintf(b, "Summary: %d of %d question(s) answered, average score %.2f/100\n",
		sum.Answered, sum.Planned, sum.AverageScore)
	fmt.Fprintln(b, doubleBar)

	_, err := io.WriteString(w, b.String())
	return err
}
