package engine

import (
	"context"
	"time"
)

// --------------------------------------------------------------------------
// External collaborators
// --------------------------------------------------------------------------

// QuestionSource returns the Nth question for an interview type. It must be
// deterministic for a given interview type and index for the lifetime of a
// session.
type QuestionSource interface {
	Question(ctx context.Context, interviewType string, index int) (*Question, error)
}

// AnswerGrader scores an answer in [0,100]. Implementations should degrade to
// a neutral grade instead of failing; the orchestrator does the same for any
// error it receives.
type AnswerGrader interface {
	Grade(ctx context.Context, question *Question, answerText string) (*Grade, error)
}

// Verifier compares live captures against a stored reference.
// Transport failures and timeouts are reported as Unavailable results, never
// as a no-match.
type Verifier interface {
	CompareFace(ctx context.Context, reference, snapshot []byte) MatchResult
	CompareVoice(ctx context.Context, reference, clip []byte) MatchResult
}

// IdentitySource looks up the stored identity reference for a user.
// It returns (nil, nil) when no sample is on file.
type IdentitySource interface {
	Reference(ctx context.Context, userID string) (*IdentityReference, error)
}

// Capturer supplies a fresh capture for a scheduled verification cycle.
// Returning an error or an empty snapshot skips the cycle.
type Capturer interface {
	Capture(ctx context.Context, sessionID string) (*Capture, error)
}

// SessionLoader reads sessions that are no longer held in memory.
// It returns (nil, nil) for unknown ids.
type SessionLoader interface {
	LoadSession(ctx context.Context, id string) (*Session, error)
}

// --------------------------------------------------------------------------
// Events
// --------------------------------------------------------------------------

// EventType names a session domain event.
type EventType string

const (
	EventSessionStarted     EventType = "session.started"
	EventQuestionDispatched EventType = "question.dispatched"
	EventDraftSaved         EventType = "answer.draft_saved"
	EventAnswerRecorded     EventType = "answer.recorded"
	EventVerificationCycle  EventType = "verification.cycle"
	EventSessionCompleted   EventType = "session.completed"
	EventSessionTerminated  EventType = "session.terminated"
)

// Event is emitted after every state change. Session is a snapshot taken
// while the change was applied.
type Event struct {
	Type      EventType      `json:"type"`
	SessionID string         `json:"session_id"`
	UserID    string         `json:"user_id"`
	Time      time.Time      `json:"time"`
	Session   *Session       `json:"session,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Notifier receives events. Notify is called while the session lock is
// held, so implementations must not block and must not call back into the
// orchestrator.
type Notifier interface {
	Notify(Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Event)

// Notify calls f(ev).
func (f NotifierFunc) Notify(ev Event) { f(ev) }
