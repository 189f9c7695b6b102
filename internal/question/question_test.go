package question

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/0x6d61/proctor/internal/llm"
)

type fakeLLM struct {
	reply string
	err   error
	last  llm.ChatRequest
}

func (f *fakeLLM) Complete(_ context.Context, req llm.ChatRequest) (string, error) {
	f.last = req
	return f.reply, f.err
}

const bankYAML = `
Backend:
  - question: "Explain the CAP theorem."
    type: text
    time_limit: 120
    difficulty: easy
  - question: "Design a rate limiter."
`

func writeBank(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bank.yaml")
	if err := os.WriteFile(path, []byte(bankYAML), 0644); err != nil {
		t.Fatalf("write bank: %v", err)
	}
	return path
}

func TestLoadBank(t *testing.T) {
	bank, err := LoadBank(writeBank(t))
	if err != nil {
		t.Fatalf("LoadBank: %v", err)
	}
	e, ok := bank.Lookup("backend", 1)
	if !ok || e.Question != "Design a rate limiter." {
		t.Errorf("Lookup(backend, 1) = %+v, %v", e, ok)
	}
	if _, ok := bank.Lookup("backend", 2); ok {
		t.Error("Lookup past the end returned ok")
	}

	empty, err := LoadBank(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil || len(empty) != 0 {
		t.Errorf("LoadBank(missing) = %v, %v; want empty bank", empty, err)
	}
}

func TestLoadBankRejectsEmptyQuestion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bank.yaml")
	os.WriteFile(path, []byte("go:\n  - question: \"\"\n"), 0644)
	if _, err := LoadBank(path); err == nil {
		t.Error("LoadBank accepted an empty question")
	}
}

func TestQuestionFromBank(t *testing.T) {
	bank, _ := LoadBank(writeBank(t))
	src := NewSource(bank)

	q, err := src.Question(context.Background(), "backend", 0)
	if err != nil {
		t.Fatalf("Question: %v", err)
	}
	if q.Text != "Explain the CAP theorem." || q.TimeLimit != 120*time.Second || q.Difficulty != "easy" {
		t.Errorf("question = %+v", q)
	}

	q, _ = src.Question(context.Background(), "backend", 1)
	if q.TimeLimit != DefaultTimeLimit || q.Kind != "text" || q.Difficulty != "medium" {
		t.Errorf("defaults not applied: %+v", q)
	}
}

func TestQuestionGenerated(t *testing.T) {
	fake := &fakeLLM{reply: "What is a goroutine leak?"}
	src := NewSource(Bank{}, WithLLM(fake, "gpt"), WithTotal(10))

	q, err := src.Question(context.Background(), "golang", 8)
	if err != nil {
		t.Fatalf("Question: %v", err)
	}
	if q.Text != "What is a goroutine leak?" || q.Difficulty != "hard" || q.Index != 8 {
		t.Errorf("question = %+v", q)
	}
	if fake.last.Model != "gpt" || !strings.Contains(fake.last.Messages[1].Content, "Question number: 9 out of 10") {
		t.Errorf("request = %+v", fake.last)
	}
}

func TestQuestionFallback(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
	}{
		{"no llm", nil},
		{"llm error", []Option{WithLLM(&fakeLLM{err: errors.New("down")}, "")}},
		{"empty reply", []Option{WithLLM(&fakeLLM{}, "")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := NewSource(Bank{}, tt.opts...).Question(context.Background(), "frontend", 4)
			if err != nil {
				t.Fatalf("Question: %v", err)
			}
			if q.Text != "Tell me about your experience with frontend." {
				t.Errorf("Text = %q", q.Text)
			}
			if q.TimeLimit != DefaultTimeLimit {
				t.Errorf("TimeLimit = %v", q.TimeLimit)
			}
		})
	}
}

func TestDifficulty(t *testing.T) {
	tests := []struct {
		index int
		want  string
	}{
		{0, "easy"}, {2, "easy"}, {3, "medium"}, {6, "medium"}, {7, "hard"}, {9, "hard"},
	}
	for _, tt := range tests {
		if got := Difficulty(tt.index); got != tt.want {
			t.Errorf("Difficulty(%d) = %q, want %q", tt.index, got, tt.want)
		}
	}
}

func TestAnswerModeIsStable(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 10; i++ {
		m := AnswerMode("Backend", i)
		if m != AnswerMode(" backend ", i) {
			t.Errorf("AnswerMode(%d) differs across spellings of the type", i)
		}
		if m != ModeSpeaking && m != ModeWriting {
			t.Fatalf("AnswerMode(%d) = %q", i, m)
		}
		seen[m] = true
	}
	if len(seen) != 2 {
		t.Errorf("AnswerMode produced only %v over 10 questions", seen)
	}
}
