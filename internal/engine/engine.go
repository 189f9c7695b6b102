// Package engine provides the core interview session orchestration: the
// session state machine, the verification scheduler and the orchestrator
// that serializes both against client-driven calls.
package engine

import (
	"time"
)

// DefaultTotalQuestions is the fixed length of an interview.
const DefaultTotalQuestions = 10

// Status is the lifecycle state of a session.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusTerminated Status = "terminated"
)

// Terminal reports whether the status is absorbing.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusTerminated
}

// TerminationReason records why a session was terminated early.
type TerminationReason string

const (
	ReasonFaceViolation      TerminationReason = "face_violation"
	ReasonAudioViolation     TerminationReason = "audio_violation"
	ReasonTabSwitch          TerminationReason = "tab_switch"
	ReasonClipboardViolation TerminationReason = "clipboard_violation"
	ReasonManual             TerminationReason = "manual"
)

// ViolationKind identifies a client-side, zero-tolerance violation signal.
type ViolationKind string

const (
	ViolationTabSwitch        ViolationKind = "tab_switch"
	ViolationVisibilityChange ViolationKind = "visibility_change"
	ViolationClipboard        ViolationKind = "clipboard"
)

// Reason maps a violation kind to the termination reason it produces.
func (k ViolationKind) Reason() (TerminationReason, bool) {
	switch k {
	case ViolationTabSwitch, ViolationVisibilityChange:
		return ReasonTabSwitch, true
	case ViolationClipboard:
		return ReasonClipboardViolation, true
	default:
		return "", false
	}
}

// Question is a single interview question as dispatched to the candidate.
type Question struct {
	ID         string        `json:"id"`
	Index      int           `json:"index"`
	Text       string        `json:"text"`
	TimeLimit  time.Duration `json:"time_limit"`
	Kind       string        `json:"kind,omitempty"`       // text, audio, code
	Difficulty string        `json:"difficulty,omitempty"` // easy, medium, hard
	AnswerMode string        `json:"answer_mode,omitempty"`
}

// Answer is one recorded, graded answer. Answers are append-only and kept in
// question order.
type Answer struct {
	QuestionID    string    `json:"question_id"`
	Question      string    `json:"question"`
	AnswerText    string    `json:"answer_text"`
	Score         float64   `json:"score"`
	Feedback      string    `json:"feedback"`
	AutoSubmitted bool      `json:"auto_submitted,omitempty"`
	AnsweredAt    time.Time `json:"answered_at"`
}

// Session is the authoritative state of one interview attempt.
type Session struct {
	ID                   string            `json:"id"`
	UserID               string            `json:"user_id"`
	InterviewType        string            `json:"interview_type"`
	Status               Status            `json:"status"`
	TerminationReason    TerminationReason `json:"termination_reason,omitempty"`
	CurrentQuestionIndex int               `json:"current_question_index"`
	TotalQuestions       int               `json:"total_questions"`
	AlertCount           int               `json:"alert_count"`
	Answers              []Answer          `json:"answers"`
	StartedAt            time.Time         `json:"started_at"`
	QuestionDeadline     time.Time         `json:"question_deadline,omitempty"`
	CompletedAt          time.Time         `json:"completed_at,omitempty"`

	// Version increases on every mutation; stores use it to discard
	// out-of-order writes.
	Version int64 `json:"version"`
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Answers = make([]Answer, len(s.Answers))
	copy(c.Answers, s.Answers)
	return &c
}

// Grade is the grader's verdict on one answer.
type Grade struct {
	Score    float64 `json:"score"`
	Feedback string  `json:"feedback"`
}

// Dispatch is the result of NextQuestion: either the current question or
// the completion marker.
type Dispatch struct {
	Question  *Question `json:"question,omitempty"`
	Deadline  time.Time `json:"deadline,omitempty"`
	Number    int       `json:"question_number,omitempty"`
	Total     int       `json:"total_questions"`
	Completed bool      `json:"completed"`
}

// ScoredAnswer is returned from a successful submission.
type ScoredAnswer struct {
	Answer        Answer `json:"answer"`
	AnsweredCount int    `json:"answered_count"`
	Completed     bool   `json:"interview_completed"`
}

// Capture is one raw verification capture: a face snapshot and an optional
// audio clip of bounded duration.
type Capture struct {
	Snapshot   []byte
	AudioClip  []byte
	CapturedAt time.Time
}

// IdentityReference is the candidate's stored face and voice reference.
// It is read-only once captured.
type IdentityReference struct {
	Face  []byte
	Voice []byte
}
