package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// --------------------------------------------------------------------------
// Test doubles
// --------------------------------------------------------------------------

type fakeIdentities map[string]*IdentityReference

func (f fakeIdentities) Reference(_ context.Context, userID string) (*IdentityReference, error) {
	return f[userID], nil
}

type fakeQuestions struct {
	calls     atomic.Int32
	timeLimit time.Duration
	err       error
}

func (f *fakeQuestions) Question(_ context.Context, interviewType string, index int) (*Question, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &Question{
		Text:      fmt.Sprintf("%s question %d", interviewType, index+1),
		TimeLimit: f.timeLimit,
	}, nil
}

// fakeGrader returns score, or blocks until release is closed when gate is set.
type fakeGrader struct {
	score   float64
	err     error
	entered chan struct{}
	release chan struct{}
}

func (f *fakeGrader) Grade(ctx context.Context, _ *Question, _ string) (*Grade, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.release
	}
	if f.err != nil {
		return nil, f.err
	}
	return &Grade{Score: f.score, Feedback: "ok"}, nil
}

type fakeVerifier struct {
	mu      sync.Mutex
	face    []MatchResult // consumed in order; the last one repeats
	voice   MatchResult
	calls   int
	entered chan struct{}
	release chan struct{}
}

func (f *fakeVerifier) CompareFace(ctx context.Context, _, _ []byte) MatchResult {
	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	if i >= len(f.face) {
		i = len(f.face) - 1
	}
	f.calls++
	return f.face[i]
}

func (f *fakeVerifier) CompareVoice(context.Context, []byte, []byte) MatchResult {
	return f.voice
}

type fakeLoader map[string]*Session

func (f fakeLoader) LoadSession(_ context.Context, id string) (*Session, error) {
	return f[id], nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingNotifier) Notify(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingNotifier) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

type harness struct {
	o         *Orchestrator
	questions *fakeQuestions
	grader    *fakeGrader
	verifier  *fakeVerifier
}

func newHarness(t *testing.T, mutate func(*Config), opts ...Option) *harness {
	t.Helper()
	cfg := DefaultConfig()
	cfg.VerificationInterval = 0
	cfg.VerificationTimeout = time.Second
	if mutate != nil {
		mutate(cfg)
	}
	h := &harness{
		questions: &fakeQuestions{},
		grader:    &fakeGrader{score: 80},
		verifier:  &fakeVerifier{face: []MatchResult{Matched(0.95)}, voice: Matched(0.9)},
	}
	ids := fakeIdentities{
		"alice": {Face: []byte("face"), Voice: []byte("voice")},
		"bob":   {Face: []byte("face")},
	}
	h.o = New(ids, h.questions, h.grader, h.verifier, cfg, opts...)
	t.Cleanup(h.o.Shutdown)
	return h
}

func (h *harness) start(t *testing.T, user string) *Session {
	t.Helper()
	s, err := h.o.Start(context.Background(), user, "backend")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return s
}

func (h *harness) next(t *testing.T, id string) *Dispatch {
	t.Helper()
	d, err := h.o.NextQuestion(context.Background(), id)
	if err != nil {
		t.Fatalf("NextQuestion: %v", err)
	}
	return d
}

func (h *harness) snapshot(t *testing.T, id string) *Session {
	t.Helper()
	s, err := h.o.Snapshot(context.Background(), id)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	return s
}

var snap = &Capture{Snapshot: []byte("snapshot")}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// --------------------------------------------------------------------------
// Start
// --------------------------------------------------------------------------

func TestStartRequiresIdentitySample(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.o.Start(context.Background(), "mallory", "backend")
	if !IsPreconditionError(err) {
		t.Fatalf("Start error = %v, want *PreconditionError", err)
	}
	if h.o.Active() != 0 {
		t.Errorf("Active() = %d, want 0", h.o.Active())
	}
}

func TestStartInitialState(t *testing.T) {
	h := newHarness(t, nil)
	s := h.start(t, "alice")

	if s.Status != StatusInProgress {
		t.Errorf("Status = %q, want %q", s.Status, StatusInProgress)
	}
	if s.CurrentQuestionIndex != 0 || s.AlertCount != 0 || len(s.Answers) != 0 {
		t.Errorf("unexpected initial state: %+v", s)
	}
	if s.TotalQuestions != DefaultTotalQuestions {
		t.Errorf("TotalQuestions = %d, want %d", s.TotalQuestions, DefaultTotalQuestions)
	}
}

// --------------------------------------------------------------------------
// Question flow
// --------------------------------------------------------------------------

func TestHappyPathCompletes(t *testing.T) {
	notes := &recordingNotifier{}
	h := newHarness(t, nil, WithNotifier(notes))
	s := h.start(t, "alice")
	ctx := context.Background()

	for i := 0; i < DefaultTotalQuestions; i++ {
		d := h.next(t, s.ID)
		if d.Completed {
			t.Fatalf("question %d: got completion marker", i)
		}
		if d.Number != i+1 {
			t.Errorf("Number = %d, want %d", d.Number, i+1)
		}
		res, err := h.o.SubmitAnswer(ctx, s.ID, d.Question.ID, "my answer")
		if err != nil {
			t.Fatalf("SubmitAnswer %d: %v", i, err)
		}
		if res.AnsweredCount != i+1 {
			t.Errorf("AnsweredCount = %d, want %d", res.AnsweredCount, i+1)
		}
		if want := i == DefaultTotalQuestions-1; res.Completed != want {
			t.Errorf("answer %d: Completed = %v, want %v", i, res.Completed, want)
		}

		cur := h.snapshot(t, s.ID)
		if len(cur.Answers) != cur.CurrentQuestionIndex {
			t.Fatalf("len(Answers) = %d, CurrentQuestionIndex = %d", len(cur.Answers), cur.CurrentQuestionIndex)
		}
	}

	final := h.snapshot(t, s.ID)
	if final.Status != StatusCompleted {
		t.Fatalf("Status = %q, want %q", final.Status, StatusCompleted)
	}
	if len(final.Answers) != DefaultTotalQuestions {
		t.Errorf("len(Answers) = %d, want %d", len(final.Answers), DefaultTotalQuestions)
	}

	d := h.next(t, s.ID)
	if !d.Completed {
		t.Error("NextQuestion after completion: Completed = false")
	}
	if _, err := h.o.SubmitAnswer(ctx, s.ID, "anything", "late"); !IsStateError(err) {
		t.Errorf("SubmitAnswer after completion error = %v, want *StateError", err)
	}

	types := notes.types()
	if types[0] != EventSessionStarted || types[len(types)-1] != EventSessionCompleted {
		t.Errorf("events = %v", types)
	}
}

func TestNextQuestionIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	s := h.start(t, "alice")

	first := h.next(t, s.ID)
	second := h.next(t, s.ID)

	if first.Question.ID != second.Question.ID {
		t.Errorf("question id changed: %q -> %q", first.Question.ID, second.Question.ID)
	}
	if !first.Deadline.Equal(second.Deadline) {
		t.Errorf("deadline changed: %v -> %v", first.Deadline, second.Deadline)
	}
	if got := h.questions.calls.Load(); got != 1 {
		t.Errorf("question source calls = %d, want 1", got)
	}
	if first.Question.TimeLimit != 300*time.Second {
		t.Errorf("TimeLimit = %v, want default 5m", first.Question.TimeLimit)
	}
}

func TestNextQuestionSourceFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.questions.err = errors.New("llm down")
	s := h.start(t, "alice")

	_, err := h.o.NextQuestion(context.Background(), s.ID)
	if !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("error = %v, want ErrServiceUnavailable", err)
	}
	if cur := h.snapshot(t, s.ID); cur.Status != StatusInProgress {
		t.Errorf("Status = %q, want in_progress", cur.Status)
	}
}

func TestSubmitStaleQuestionID(t *testing.T) {
	h := newHarness(t, nil)
	s := h.start(t, "alice")
	h.next(t, s.ID)

	_, err := h.o.SubmitAnswer(context.Background(), s.ID, "not-the-question", "text")
	if !IsStateError(err) {
		t.Fatalf("error = %v, want *StateError", err)
	}
	if cur := h.snapshot(t, s.ID); len(cur.Answers) != 0 {
		t.Errorf("len(Answers) = %d, want 0", len(cur.Answers))
	}
}

func TestSubmitUnknownSession(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.o.SubmitAnswer(context.Background(), "nope", "q", "text")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("error = %v, want ErrSessionNotFound", err)
	}
}

func TestGraderFailureUsesNeutralGrade(t *testing.T) {
	h := newHarness(t, nil)
	h.grader.err = errors.New("boom")
	s := h.start(t, "alice")
	d := h.next(t, s.ID)

	res, err := h.o.SubmitAnswer(context.Background(), s.ID, d.Question.ID, "text")
	if err != nil {
		t.Fatalf("SubmitAnswer: %v", err)
	}
	if res.Answer.Score != 50 {
		t.Errorf("Score = %v, want 50", res.Answer.Score)
	}
	if res.Answer.Feedback != "Answer received. Evaluation pending." {
		t.Errorf("Feedback = %q", res.Answer.Feedback)
	}
}

func TestGraderScoreIsClamped(t *testing.T) {
	h := newHarness(t, nil)
	h.grader.score = 140
	s := h.start(t, "alice")
	d := h.next(t, s.ID)

	res, err := h.o.SubmitAnswer(context.Background(), s.ID, d.Question.ID, "text")
	if err != nil {
		t.Fatalf("SubmitAnswer: %v", err)
	}
	if res.Answer.Score != 100 {
		t.Errorf("Score = %v, want 100", res.Answer.Score)
	}
}

// --------------------------------------------------------------------------
// Deadlines and the submission race
// --------------------------------------------------------------------------

func TestDeadlineAutoSubmitsPlaceholder(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.DefaultTimeLimit = 20 * time.Millisecond })
	s := h.start(t, "alice")
	h.next(t, s.ID)

	waitFor(t, "auto-submit", func() bool {
		return len(h.snapshot(t, s.ID).Answers) == 1
	})

	ans := h.snapshot(t, s.ID).Answers[0]
	if !ans.AutoSubmitted {
		t.Error("AutoSubmitted = false, want true")
	}
	if ans.AnswerText != "[No answer provided - time expired]" {
		t.Errorf("AnswerText = %q", ans.AnswerText)
	}
}

func TestDeadlineAutoSubmitsDraft(t *testing.T) {
	h := newHarness(t, nil)
	s := h.start(t, "alice")
	d := h.next(t, s.ID)

	if err := h.o.SaveDraft(context.Background(), s.ID, d.Question.ID, "half an answer"); err != nil {
		t.Fatalf("SaveDraft: %v", err)
	}
	h.o.expire(s.ID, d.Question.ID)

	cur := h.snapshot(t, s.ID)
	if len(cur.Answers) != 1 {
		t.Fatalf("len(Answers) = %d, want 1", len(cur.Answers))
	}
	if cur.Answers[0].AnswerText != "half an answer" {
		t.Errorf("AnswerText = %q, want draft", cur.Answers[0].AnswerText)
	}

	// The client's late submission loses.
	if _, err := h.o.SubmitAnswer(context.Background(), s.ID, d.Question.ID, "full answer"); !IsStateError(err) {
		t.Errorf("late SubmitAnswer error = %v, want *StateError", err)
	}
	if n := len(h.snapshot(t, s.ID).Answers); n != 1 {
		t.Errorf("len(Answers) = %d, want 1", n)
	}
}

func TestSubmitRacingDeadlineRecordsOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.grader.entered = make(chan struct{}, 2)
	h.grader.release = make(chan struct{})
	s := h.start(t, "alice")
	d := h.next(t, s.ID)

	type result struct {
		res *ScoredAnswer
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := h.o.SubmitAnswer(context.Background(), s.ID, d.Question.ID, "client answer")
		done <- result{res, err}
	}()

	<-h.grader.entered
	// The deadline fires while the client's answer is being graded.
	h.o.expire(s.ID, d.Question.ID)
	close(h.grader.release)

	r := <-done
	if r.err != nil {
		t.Fatalf("SubmitAnswer: %v", r.err)
	}

	cur := h.snapshot(t, s.ID)
	if len(cur.Answers) != 1 {
		t.Fatalf("len(Answers) = %d, want 1", len(cur.Answers))
	}
	if cur.Answers[0].AutoSubmitted || cur.Answers[0].AnswerText != "client answer" {
		t.Errorf("recorded answer = %+v, want the client's", cur.Answers[0])
	}
	if cur.CurrentQuestionIndex != 1 {
		t.Errorf("CurrentQuestionIndex = %d, want 1", cur.CurrentQuestionIndex)
	}
}

func TestConcurrentSubmitsRecordOnce(t *testing.T) {
	h := newHarness(t, nil)
	s := h.start(t, "alice")
	d := h.next(t, s.ID)

	var (
		wg  sync.WaitGroup
		won atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.o.SubmitAnswer(context.Background(), s.ID, d.Question.ID, "answer"); err == nil {
				won.Add(1)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.o.expire(s.ID, d.Question.ID)
	}()
	wg.Wait()

	cur := h.snapshot(t, s.ID)
	if len(cur.Answers) != 1 {
		t.Fatalf("len(Answers) = %d, want 1", len(cur.Answers))
	}
	if won.Load() > 1 {
		t.Errorf("%d client submissions succeeded, want at most 1", won.Load())
	}
}

func TestTerminationDuringGradingKeepsAnswer(t *testing.T) {
	h := newHarness(t, nil)
	h.grader.entered = make(chan struct{}, 1)
	h.grader.release = make(chan struct{})
	s := h.start(t, "alice")
	d := h.next(t, s.ID)

	type result struct {
		res *ScoredAnswer
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := h.o.SubmitAnswer(context.Background(), s.ID, d.Question.ID, "answer")
		done <- result{res, err}
	}()

	<-h.grader.entered
	if err := h.o.Terminate(context.Background(), s.ID, ReasonManual); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	close(h.grader.release)

	r := <-done
	if r.err != nil {
		t.Fatalf("SubmitAnswer error = %v, want the claimed answer recorded", r.err)
	}
	if r.res.Completed || r.res.Answer.Score != 80 {
		t.Errorf("result = %+v, want score 80 and not completed", r.res)
	}

	cur := h.snapshot(t, s.ID)
	if cur.Status != StatusTerminated || cur.TerminationReason != ReasonManual {
		t.Errorf("state = %q/%q, want terminated/manual", cur.Status, cur.TerminationReason)
	}
	if len(cur.Answers) != 1 || cur.Answers[0].Score != 80 {
		t.Errorf("Answers = %+v, want the one graded answer", cur.Answers)
	}

	if _, err := h.o.SubmitAnswer(context.Background(), s.ID, d.Question.ID, "again"); !IsStateError(err) {
		t.Errorf("second SubmitAnswer error = %v, want *StateError", err)
	}
}

// --------------------------------------------------------------------------
// Verification
// --------------------------------------------------------------------------

func TestVerifyAlertsTerminateAtThreshold(t *testing.T) {
	h := newHarness(t, nil)
	h.verifier.face = []MatchResult{NoMatch(0.1, "mismatch")}
	s := h.start(t, "alice")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d := h.next(t, s.ID)
		if _, err := h.o.SubmitAnswer(ctx, s.ID, d.Question.ID, "answer"); err != nil {
			t.Fatalf("SubmitAnswer: %v", err)
		}
	}

	for i := 1; i <= 4; i++ {
		res, err := h.o.Verify(ctx, s.ID, snap)
		if err != nil {
			t.Fatalf("Verify %d: %v", i, err)
		}
		if res.AlertCount != i || res.Terminated {
			t.Fatalf("after %d failures: alerts=%d terminated=%v", i, res.AlertCount, res.Terminated)
		}
	}

	res, err := h.o.Verify(ctx, s.ID, snap)
	if err != nil {
		t.Fatalf("Verify 5: %v", err)
	}
	if !res.Terminated || res.Reason != ReasonFaceViolation {
		t.Fatalf("result = %+v, want terminated by face_violation", res)
	}

	cur := h.snapshot(t, s.ID)
	if cur.Status != StatusTerminated || len(cur.Answers) != 2 {
		t.Errorf("state = %q with %d answers, want terminated with 2", cur.Status, len(cur.Answers))
	}

	if _, err := h.o.Verify(ctx, s.ID, snap); !IsStateError(err) {
		t.Errorf("Verify after termination error = %v, want *StateError", err)
	}
}

func TestVerifyPassResetsAlerts(t *testing.T) {
	h := newHarness(t, nil)
	h.verifier.face = []MatchResult{NoMatch(0, ""), NoMatch(0, ""), NoMatch(0, ""), Matched(0.9)}
	s := h.start(t, "alice")

	var res *CycleResult
	var err error
	for i := 0; i < 4; i++ {
		if res, err = h.o.Verify(context.Background(), s.ID, snap); err != nil {
			t.Fatalf("Verify: %v", err)
		}
	}
	if res.AlertCount != 0 || res.Outcome != CyclePassed {
		t.Errorf("after pass: alerts=%d outcome=%v, want 0 passed", res.AlertCount, res.Outcome)
	}
}

func TestVerifyUnavailableIsInconclusive(t *testing.T) {
	h := newHarness(t, nil)
	h.verifier.face = []MatchResult{NoMatch(0, ""), Unavailable("service down")}
	s := h.start(t, "alice")

	h.o.Verify(context.Background(), s.ID, snap)
	res, err := h.o.Verify(context.Background(), s.ID, snap)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Outcome != CycleInconclusive || res.AlertCount != 1 {
		t.Errorf("outcome=%v alerts=%d, want inconclusive with 1 alert", res.Outcome, res.AlertCount)
	}
}

func TestVerifyRecoversAfterOutage(t *testing.T) {
	h := newHarness(t, nil)
	down := Unavailable("connection refused")
	h.verifier.face = []MatchResult{down, down, down, Matched(0.9)}
	s := h.start(t, "alice")

	want := []CycleOutcome{CycleInconclusive, CycleInconclusive, CycleInconclusive, CyclePassed}
	for i, outcome := range want {
		res, err := h.o.Verify(context.Background(), s.ID, snap)
		if err != nil {
			t.Fatalf("Verify %d: %v", i+1, err)
		}
		if res.Outcome != outcome || res.AlertCount != 0 {
			t.Errorf("cycle %d: outcome=%v alerts=%d, want %v with 0", i+1, res.Outcome, res.AlertCount, outcome)
		}
		if res.Terminated {
			t.Fatalf("cycle %d terminated the session", i+1)
		}
	}
	if cur := h.snapshot(t, s.ID); cur.AlertCount != 0 || cur.Status != StatusInProgress {
		t.Errorf("state = %q with %d alerts, want in_progress with 0", cur.Status, cur.AlertCount)
	}
}

func TestVerifyTimeoutIsUnavailable(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.VerificationTimeout = 20 * time.Millisecond })
	h.verifier.entered = make(chan struct{}, 1)
	h.verifier.release = make(chan struct{})
	defer close(h.verifier.release)
	s := h.start(t, "alice")

	res, err := h.o.Verify(context.Background(), s.ID, snap)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Outcome != CycleInconclusive || res.Face.Outcome != OutcomeUnavailable {
		t.Errorf("result = %+v, want inconclusive/unavailable", res)
	}
}

func TestVerifySkipsWithoutSnapshot(t *testing.T) {
	h := newHarness(t, nil)
	h.verifier.face = []MatchResult{NoMatch(0, "")}
	s := h.start(t, "alice")

	res, err := h.o.Verify(context.Background(), s.ID, &Capture{AudioClip: []byte("clip")})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Outcome != CycleSkipped || res.AlertCount != 0 {
		t.Errorf("outcome=%v alerts=%d, want skipped with 0", res.Outcome, res.AlertCount)
	}
}

func TestVerifyVoiceMismatch(t *testing.T) {
	h := newHarness(t, nil)
	h.verifier.voice = NoMatch(0.1, "different speaker")
	s := h.start(t, "alice")

	res, err := h.o.Verify(context.Background(), s.ID, &Capture{Snapshot: []byte("s"), AudioClip: []byte("a")})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Outcome != CycleFailed || res.AlertCount != 1 || res.Voice == nil {
		t.Errorf("result = %+v, want failed voice check", res)
	}

	// Without a voice reference the clip is ignored.
	s2 := h.start(t, "bob")
	res, err = h.o.Verify(context.Background(), s2.ID, &Capture{Snapshot: []byte("s"), AudioClip: []byte("a")})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Outcome != CyclePassed || res.Voice != nil {
		t.Errorf("result = %+v, want passed without voice", res)
	}
}

func TestVerifySingleFlight(t *testing.T) {
	h := newHarness(t, nil)
	h.verifier.entered = make(chan struct{}, 1)
	h.verifier.release = make(chan struct{})
	s := h.start(t, "alice")

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.o.Verify(context.Background(), s.ID, snap)
	}()
	<-h.verifier.entered

	res, err := h.o.Verify(context.Background(), s.ID, snap)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Outcome != CycleSkipped {
		t.Errorf("overlapping cycle outcome = %v, want skipped", res.Outcome)
	}
	close(h.verifier.release)
	<-done
}

type staticCapturer struct{}

func (staticCapturer) Capture(context.Context, string) (*Capture, error) {
	return &Capture{Snapshot: []byte("frame"), CapturedAt: time.Now()}, nil
}

func TestSchedulerTerminatesOnRepeatedFailures(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.VerificationInterval = 5 * time.Millisecond
		c.MaxAlerts = 3
	}, WithCapturer(staticCapturer{}))
	h.verifier.face = []MatchResult{NoMatch(0, "")}
	s := h.start(t, "alice")

	waitFor(t, "termination", func() bool {
		return h.snapshot(t, s.ID).Status == StatusTerminated
	})

	cur := h.snapshot(t, s.ID)
	if cur.TerminationReason != ReasonFaceViolation || cur.AlertCount != 3 {
		t.Errorf("reason=%q alerts=%d, want face_violation with 3", cur.TerminationReason, cur.AlertCount)
	}
}

// --------------------------------------------------------------------------
// Violations, termination and release
// --------------------------------------------------------------------------

func TestReportViolationTerminatesImmediately(t *testing.T) {
	h := newHarness(t, nil)
	s := h.start(t, "alice")
	d := h.next(t, s.ID)

	cur, err := h.o.ReportViolation(context.Background(), s.ID, ViolationVisibilityChange)
	if err != nil {
		t.Fatalf("ReportViolation: %v", err)
	}
	if cur.Status != StatusTerminated || cur.TerminationReason != ReasonTabSwitch {
		t.Fatalf("state = %q/%q, want terminated/tab_switch", cur.Status, cur.TerminationReason)
	}

	if _, err := h.o.SubmitAnswer(context.Background(), s.ID, d.Question.ID, "late"); !IsStateError(err) {
		t.Errorf("SubmitAnswer error = %v, want *StateError", err)
	}
	if _, err := h.o.NextQuestion(context.Background(), s.ID); !IsStateError(err) {
		t.Errorf("NextQuestion error = %v, want *StateError", err)
	}

	// A later violation must not overwrite the first reason.
	cur, err = h.o.ReportViolation(context.Background(), s.ID, ViolationClipboard)
	if err != nil {
		t.Fatalf("ReportViolation: %v", err)
	}
	if cur.TerminationReason != ReasonTabSwitch {
		t.Errorf("TerminationReason = %q, want tab_switch", cur.TerminationReason)
	}
}

func TestReportUnknownViolation(t *testing.T) {
	h := newHarness(t, nil)
	s := h.start(t, "alice")

	_, err := h.o.ReportViolation(context.Background(), s.ID, "devtools")
	if !errors.Is(err, ErrUnknownViolation) {
		t.Errorf("error = %v, want ErrUnknownViolation", err)
	}
}

func TestReleaseAndLoaderFallback(t *testing.T) {
	loader := fakeLoader{}
	h := newHarness(t, nil, WithSessionLoader(loader))
	s := h.start(t, "alice")

	if err := h.o.Release(s.ID); !IsStateError(err) {
		t.Fatalf("Release in progress error = %v, want *StateError", err)
	}

	if err := h.o.Terminate(context.Background(), s.ID, ReasonManual); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	stored := h.snapshot(t, s.ID)
	loader[s.ID] = stored

	if err := h.o.Release(s.ID); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if h.o.Active() != 0 {
		t.Errorf("Active() = %d, want 0", h.o.Active())
	}

	got := h.snapshot(t, s.ID)
	if got.Status != StatusTerminated || got.TerminationReason != ReasonManual {
		t.Errorf("loaded state = %q/%q", got.Status, got.TerminationReason)
	}

	if _, err := h.o.Snapshot(context.Background(), "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Snapshot missing error = %v, want ErrSessionNotFound", err)
	}
}

func TestReleasedSessionKeepsTerminalReplies(t *testing.T) {
	loader := fakeLoader{}
	h := newHarness(t, func(c *Config) { c.TotalQuestions = 1 }, WithSessionLoader(loader))
	ctx := context.Background()

	done := h.start(t, "alice")
	d := h.next(t, done.ID)
	if _, err := h.o.SubmitAnswer(ctx, done.ID, d.Question.ID, "answer"); err != nil {
		t.Fatalf("SubmitAnswer: %v", err)
	}
	before := h.next(t, done.ID)

	stopped := h.start(t, "bob")
	h.o.Terminate(ctx, stopped.ID, ReasonTabSwitch)

	for _, id := range []string{done.ID, stopped.ID} {
		loader[id] = h.snapshot(t, id)
		if err := h.o.Release(id); err != nil {
			t.Fatalf("Release(%s): %v", id, err)
		}
	}

	after, err := h.o.NextQuestion(ctx, done.ID)
	if err != nil {
		t.Fatalf("NextQuestion after release: %v", err)
	}
	if *after != *before {
		t.Errorf("NextQuestion after release = %+v, want %+v", after, before)
	}
	if _, err := h.o.NextQuestion(ctx, stopped.ID); !IsStateError(err) {
		t.Errorf("NextQuestion on released terminated session error = %v, want *StateError", err)
	}

	for _, id := range []string{done.ID, stopped.ID} {
		if _, err := h.o.SubmitAnswer(ctx, id, d.Question.ID, "late"); !IsStateError(err) {
			t.Errorf("SubmitAnswer(%s) error = %v, want *StateError", id, err)
		}
		if err := h.o.SaveDraft(ctx, id, d.Question.ID, "late"); !IsStateError(err) {
			t.Errorf("SaveDraft(%s) error = %v, want *StateError", id, err)
		}
		if _, err := h.o.Verify(ctx, id, snap); !IsStateError(err) {
			t.Errorf("Verify(%s) error = %v, want *StateError", id, err)
		}
		if err := h.o.Terminate(ctx, id, ReasonManual); err != nil {
			t.Errorf("Terminate(%s) error = %v, want no-op", id, err)
		}
	}
	if got := h.snapshot(t, stopped.ID).TerminationReason; got != ReasonTabSwitch {
		t.Errorf("TerminationReason = %q, want tab_switch", got)
	}

	// A session persisted as in progress but not live cannot be driven.
	loader["orphan"] = &Session{ID: "orphan", Status: StatusInProgress, TotalQuestions: 1}
	if _, err := h.o.NextQuestion(ctx, "orphan"); !IsStateError(err) {
		t.Errorf("NextQuestion on orphan error = %v, want *StateError", err)
	}
	if _, err := h.o.NextQuestion(ctx, "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("NextQuestion missing error = %v, want ErrSessionNotFound", err)
	}
}

func TestShutdownIgnoresLateDeadlines(t *testing.T) {
	h := newHarness(t, nil)
	s := h.start(t, "alice")
	d := h.next(t, s.ID)

	h.o.Shutdown()
	// A timer that fired just before Shutdown runs its callback afterwards.
	h.o.expire(s.ID, d.Question.ID)

	if n := len(h.snapshot(t, s.ID).Answers); n != 0 {
		t.Errorf("len(Answers) = %d, want 0 after Shutdown", n)
	}
}

func TestReleaseFinished(t *testing.T) {
	h := newHarness(t, nil)
	a := h.start(t, "alice")
	h.start(t, "bob")

	h.o.Terminate(context.Background(), a.ID, ReasonManual)

	if n := h.o.ReleaseFinished(time.Now().Add(time.Second)); n != 1 {
		t.Errorf("ReleaseFinished = %d, want 1", n)
	}
	if h.o.Active() != 1 {
		t.Errorf("Active() = %d, want 1", h.o.Active())
	}
}

func TestEventsCarrySnapshots(t *testing.T) {
	notes := &recordingNotifier{}
	h := newHarness(t, nil, WithNotifier(notes))
	s := h.start(t, "alice")
	d := h.next(t, s.ID)
	h.o.SubmitAnswer(context.Background(), s.ID, d.Question.ID, "answer")

	notes.mu.Lock()
	defer notes.mu.Unlock()

	var last int64
	for _, ev := range notes.events {
		if ev.Session == nil {
			t.Fatalf("%s event without session snapshot", ev.Type)
		}
		if ev.Session.Version < last {
			t.Errorf("%s: version went backwards: %d < %d", ev.Type, ev.Session.Version, last)
		}
		last = ev.Session.Version
	}
	want := []EventType{EventSessionStarted, EventQuestionDispatched, EventAnswerRecorded}
	if len(notes.events) != len(want) {
		t.Fatalf("got %d events, want %d", len(notes.events), len(want))
	}
	for i, ev := range notes.events {
		if ev.Type != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, ev.Type, want[i])
		}
	}
}
