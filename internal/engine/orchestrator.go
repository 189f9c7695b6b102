package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Config holds the orchestrator's tunables.
type Config struct {
	TotalQuestions       int           // Questions per interview (default 10)
	DefaultTimeLimit     time.Duration // Used when a question carries no limit
	PlaceholderAnswer    string        // Auto-submitted when no draft exists
	VerificationInterval time.Duration // Scheduler period; 0 disables the scheduler
	VerificationTimeout  time.Duration // Bound on each adapter call
	GradingTimeout       time.Duration // Bound on each grader call
	MaxAlerts            int           // Alert count that terminates a session
	MinConfidence        float64       // Minimum confidence for a match
	NeutralScore         float64       // Score used when grading fails
	NeutralFeedback      string        // Feedback used when grading fails
}

// DefaultConfig returns the reference configuration.
func DefaultConfig() *Config {
	return &Config{
		TotalQuestions:       DefaultTotalQuestions,
		DefaultTimeLimit:     300 * time.Second,
		PlaceholderAnswer:    "[No answer provided - time expired]",
		VerificationInterval: 5 * time.Second,
		VerificationTimeout:  3 * time.Second,
		GradingTimeout:       30 * time.Second,
		MaxAlerts:            5,
		MinConfidence:        0.5,
		NeutralScore:         50,
		NeutralFeedback:      "Answer received. Evaluation pending.",
	}
}

// entry is the registry slot for one live session. mu guards every field
// except cycling, which is the single-flight guard for verification cycles.
type entry struct {
	mu        sync.Mutex
	session   *Session
	reference IdentityReference

	current *Question // question dispatched for the current index
	claimed bool      // a submission for current is being graded
	draft   string
	draftID string

	timer  *time.Timer
	cancel context.CancelFunc

	cycling atomic.Bool
}

// stopTimer clears the pending deadline timer, if any.
func (e *entry) stopTimer() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// finish cancels all pending work tied to the session.
func (e *entry) finish() {
	e.stopTimer()
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
}

// Orchestrator is the single authority for session state. All mutating
// operations on one session are serialized by that session's lock; different
// sessions proceed in parallel.
type Orchestrator struct {
	identities IdentitySource
	questions  QuestionSource
	grader     AnswerGrader
	verifier   Verifier
	capturer   Capturer
	loader     SessionLoader
	notifier   Notifier
	config     *Config
	policy     VerificationPolicy
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string

	mu       sync.RWMutex
	sessions map[string]*entry

	ctx  context.Context
	stop context.CancelFunc
	bgMu sync.Mutex // orders wg.Add against Shutdown
	wg   sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithCapturer sets the capture source used by scheduled verification cycles.
// Without one the scheduler is not started.
func WithCapturer(c Capturer) Option {
	return func(o *Orchestrator) {
		o.capturer = c
	}
}

// WithSessionLoader sets the fallback used to read released sessions.
func WithSessionLoader(l SessionLoader) Option {
	return func(o *Orchestrator) {
		o.loader = l
	}
}

// WithNotifier sets the event sink.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) {
		o.notifier = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// WithClock overrides the wall clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithIDGenerator overrides session and question id generation.
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) {
		o.newID = fn
	}
}

// New creates an orchestrator. Call Shutdown to stop timers and schedulers.
func New(identities IdentitySource, questions QuestionSource, grader AnswerGrader, verifier Verifier, config *Config, opts ...Option) *Orchestrator {
	if config == nil {
		config = DefaultConfig()
	}
	if config.TotalQuestions <= 0 {
		config.TotalQuestions = DefaultTotalQuestions
	}
	if config.MaxAlerts <= 0 {
		config.MaxAlerts = 5
	}

	ctx, stop := context.WithCancel(context.Background())
	o := &Orchestrator{
		identities: identities,
		questions:  questions,
		grader:     grader,
		verifier:   verifier,
		config:     config,
		policy: VerificationPolicy{
			MinConfidence: config.MinConfidence,
			MaxAlerts:     config.MaxAlerts,
		},
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:      time.Now,
		newID:    uuid.NewString,
		sessions: make(map[string]*entry),
		ctx:      ctx,
		stop:     stop,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Config returns the orchestrator configuration.
func (o *Orchestrator) Config() *Config {
	return o.config
}

// Shutdown cancels all deadline timers and verification loops and waits for
// in-flight background work. Session state is left as is.
func (o *Orchestrator) Shutdown() {
	o.bgMu.Lock()
	o.stop()
	o.bgMu.Unlock()

	o.mu.RLock()
	for _, e := range o.sessions {
		e.mu.Lock()
		e.finish()
		e.mu.Unlock()
	}
	o.mu.RUnlock()

	o.wg.Wait()
}

// track registers one unit of background work with Shutdown. It reports
// false once Shutdown has begun, in which case the work must not start.
func (o *Orchestrator) track() bool {
	o.bgMu.Lock()
	defer o.bgMu.Unlock()
	if o.ctx.Err() != nil {
		return false
	}
	o.wg.Add(1)
	return true
}

// lookup returns the live entry for id.
func (o *Orchestrator) lookup(id string) (*entry, error) {
	o.mu.RLock()
	e, ok := o.sessions[id]
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return e, nil
}

// loadReleased reads a session that is no longer held in memory. notFound is
// returned as is when there is no loader or the loader does not know id.
func (o *Orchestrator) loadReleased(ctx context.Context, id string, notFound error) (*Session, error) {
	if o.loader == nil {
		return nil, notFound
	}
	s, err := o.loader.LoadSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("engine: load session %s: %w", id, err)
	}
	if s == nil {
		return nil, notFound
	}
	return s, nil
}

// releasedError is the error for a mutating call on a session that is no
// longer held in memory: a *StateError when the session is known, notFound
// otherwise.
func (o *Orchestrator) releasedError(ctx context.Context, id string, notFound error) error {
	s, err := o.loadReleased(ctx, id, notFound)
	if err != nil {
		return err
	}
	return notLive(s)
}

func notLive(s *Session) error {
	if err := s.checkActive(); err != nil {
		return err
	}
	// Persisted as in progress but not live, e.g. after a restart.
	return &StateError{SessionID: s.ID, Status: s.Status, Reason: "session is no longer live"}
}

// emit notifies the event sink. The caller holds e.mu.
func (o *Orchestrator) emit(e *entry, typ EventType, data map[string]any) {
	if o.notifier == nil {
		return
	}
	s := e.session
	o.notifier.Notify(Event{
		Type:      typ,
		SessionID: s.ID,
		UserID:    s.UserID,
		Time:      o.now(),
		Session:   s.Clone(),
		Data:      data,
	})
}

// --------------------------------------------------------------------------
// Client-facing operations
// --------------------------------------------------------------------------

// Start creates a new in-progress session for userID. It fails with a
// *PreconditionError if no identity sample is on file for the user.
func (o *Orchestrator) Start(ctx context.Context, userID, interviewType string) (*Session, error) {
	interviewType = strings.TrimSpace(interviewType)
	if userID == "" {
		return nil, &PreconditionError{UserID: userID, Reason: "user id is required"}
	}
	if interviewType == "" {
		return nil, &PreconditionError{UserID: userID, Reason: "interview type is required"}
	}

	ref, err := o.identities.Reference(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("engine: load identity reference: %w", err)
	}
	if ref == nil || len(ref.Face) == 0 {
		return nil, &PreconditionError{UserID: userID, Reason: "no identity sample on file; upload a photo and audio sample first"}
	}

	e := &entry{
		session: newSession(o.newID(), userID, interviewType, o.config.TotalQuestions, o.now()),
		reference: IdentityReference{
			Face:  append([]byte(nil), ref.Face...),
			Voice: append([]byte(nil), ref.Voice...),
		},
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	o.mu.Lock()
	o.sessions[e.session.ID] = e
	o.mu.Unlock()

	o.logger.Info("session started",
		"session", e.session.ID,
		"user", userID,
		"type", interviewType,
	)
	o.emit(e, EventSessionStarted, nil)
	o.watch(e)

	return e.session.Clone(), nil
}

// NextQuestion returns the question at the current index, fetching it from
// the question source on first request. Repeated calls for the same index
// return the same question and deadline. Once every question is answered it
// returns the completion marker; on a terminated session it fails with a
// *StateError. Both hold after the session has been released, when a loader
// is configured.
func (o *Orchestrator) NextQuestion(ctx context.Context, id string) (*Dispatch, error) {
	e, err := o.lookup(id)
	if err != nil {
		s, lerr := o.loadReleased(ctx, id, err)
		if lerr != nil {
			return nil, lerr
		}
		if s.Status == StatusCompleted {
			return &Dispatch{Completed: true, Total: s.TotalQuestions}, nil
		}
		return nil, notLive(s)
	}

	e.mu.Lock()
	if d, done, err := o.currentDispatchLocked(e); done {
		e.mu.Unlock()
		return d, err
	}
	interviewType := e.session.InterviewType
	index := e.session.CurrentQuestionIndex
	e.mu.Unlock()

	q, err := o.questions.Question(ctx, interviewType, index)
	if err != nil {
		o.logger.Warn("question source failed", "session", id, "index", index, "error", err)
		return nil, fmt.Errorf("%w: question %d: %w", ErrServiceUnavailable, index, err)
	}
	if q == nil {
		return nil, fmt.Errorf("%w: question %d: empty question", ErrServiceUnavailable, index)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// A concurrent fetch or a state change may have happened while the
	// source was called.
	if d, done, err := o.currentDispatchLocked(e); done {
		return d, err
	}
	if e.session.CurrentQuestionIndex != index {
		return nil, &StateError{SessionID: id, Status: e.session.Status, Reason: "question index moved during fetch"}
	}

	dispatched := *q
	dispatched.Index = index
	if dispatched.ID == "" {
		dispatched.ID = o.newID()
	}
	if dispatched.TimeLimit <= 0 {
		dispatched.TimeLimit = o.config.DefaultTimeLimit
	}

	e.current = &dispatched
	e.session.dispatch(o.now().Add(dispatched.TimeLimit))
	o.armDeadline(e, &dispatched)

	o.logger.Debug("question dispatched",
		"session", id,
		"index", index,
		"question", dispatched.ID,
		"time_limit", dispatched.TimeLimit,
	)
	o.emit(e, EventQuestionDispatched, map[string]any{
		"question_id": dispatched.ID,
		"index":       index,
	})

	return o.dispatchLocked(e), nil
}

// currentDispatchLocked answers NextQuestion without fetching when possible.
// done is false when a new question must be fetched. The caller holds e.mu.
func (o *Orchestrator) currentDispatchLocked(e *entry) (*Dispatch, bool, error) {
	s := e.session
	switch s.Status {
	case StatusCompleted:
		return &Dispatch{Completed: true, Total: s.TotalQuestions}, true, nil
	case StatusTerminated:
		return nil, true, &StateError{SessionID: s.ID, Status: s.Status, Reason: "session was terminated"}
	}

	if s.CurrentQuestionIndex >= s.TotalQuestions {
		if s.complete(o.now()) {
			e.finish()
			o.emit(e, EventSessionCompleted, nil)
		}
		return &Dispatch{Completed: true, Total: s.TotalQuestions}, true, nil
	}
	if e.current != nil {
		return o.dispatchLocked(e), true, nil
	}
	return nil, false, nil
}

func (o *Orchestrator) dispatchLocked(e *entry) *Dispatch {
	q := *e.current
	return &Dispatch{
		Question: &q,
		Deadline: e.session.QuestionDeadline,
		Number:   q.Index + 1,
		Total:    e.session.TotalQuestions,
	}
}

// SubmitAnswer grades and records an answer for the current question.
// It fails with a *StateError if the session is not in progress or if
// questionID is not the current question (for example because the deadline
// already auto-submitted it). The first accepted submission for a question
// wins. A released session is read through the loader and only ever yields
// a *StateError.
func (o *Orchestrator) SubmitAnswer(ctx context.Context, id, questionID, answerText string) (*ScoredAnswer, error) {
	e, err := o.lookup(id)
	if err != nil {
		return nil, o.releasedError(ctx, id, err)
	}
	return o.submit(ctx, e, questionID, answerText, false)
}

// SaveDraft stores the partial answer text for the current question. The
// draft is what deadline expiry auto-submits.
func (o *Orchestrator) SaveDraft(ctx context.Context, id, questionID, text string) error {
	e, err := o.lookup(id)
	if err != nil {
		return o.releasedError(ctx, id, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.session.checkActive(); err != nil {
		return err
	}
	if e.current == nil || e.current.ID != questionID || e.claimed {
		return &StateError{SessionID: id, Status: e.session.Status, Reason: "stale question id " + questionID}
	}
	e.draft = text
	e.draftID = questionID
	o.emit(e, EventDraftSaved, map[string]any{"question_id": questionID})
	return nil
}

// submit is the compare-and-set submission path shared by client submissions
// and deadline expiry. The claim is taken under the lock and grading runs
// without it. An answer claimed before a termination is still recorded with
// its grade, so a terminated session may hold one answer more than it had
// when it was terminated.
func (o *Orchestrator) submit(ctx context.Context, e *entry, questionID, text string, auto bool) (*ScoredAnswer, error) {
	e.mu.Lock()
	s := e.session
	if err := s.checkActive(); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	q := e.current
	if q == nil || q.ID != questionID || e.claimed {
		e.mu.Unlock()
		return nil, &StateError{SessionID: s.ID, Status: s.Status, Reason: "stale or already submitted question " + questionID}
	}
	e.claimed = true
	e.stopTimer()
	e.mu.Unlock()

	// The claim must be settled even if the caller goes away.
	grade := o.grade(context.WithoutCancel(ctx), s.ID, q, text)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.claimed = false
	ans, completed := s.recordAnswer(q, text, grade, auto, o.now())
	e.current = nil
	e.draft, e.draftID = "", ""
	if s.Status == StatusTerminated {
		o.logger.Info("answer claimed before termination recorded",
			"session", s.ID,
			"question", q.ID,
		)
	}

	o.logger.Info("answer recorded",
		"session", s.ID,
		"index", q.Index,
		"score", ans.Score,
		"auto", auto,
	)
	o.emit(e, EventAnswerRecorded, map[string]any{
		"question_id":    q.ID,
		"index":          q.Index,
		"score":          ans.Score,
		"auto_submitted": auto,
	})
	if completed {
		e.finish()
		o.logger.Info("session completed", "session", s.ID, "answers", len(s.Answers))
		o.emit(e, EventSessionCompleted, nil)
	}

	return &ScoredAnswer{
		Answer:        ans,
		AnsweredCount: len(s.Answers),
		Completed:     completed,
	}, nil
}

// grade calls the grader and degrades to the neutral grade on any failure.
func (o *Orchestrator) grade(ctx context.Context, sessionID string, q *Question, text string) Grade {
	if o.config.GradingTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.config.GradingTimeout)
		defer cancel()
	}

	neutral := Grade{Score: o.config.NeutralScore, Feedback: o.config.NeutralFeedback}

	g, err := func() (g *Grade, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("grader panic: %v", r)
			}
		}()
		return o.grader.Grade(ctx, q, text)
	}()
	if err != nil || g == nil {
		o.logger.Warn("grader unavailable, using neutral grade",
			"session", sessionID,
			"question", q.ID,
			"error", err,
		)
		return neutral
	}

	out := *g
	switch {
	case out.Score < 0:
		out.Score = 0
	case out.Score > 100:
		out.Score = 100
	}
	return out
}

// armDeadline starts the hard timeout for q. The caller holds e.mu.
func (o *Orchestrator) armDeadline(e *entry, q *Question) {
	e.stopTimer()
	sessionID := e.session.ID
	questionID := q.ID
	e.timer = time.AfterFunc(q.TimeLimit, func() {
		o.expire(sessionID, questionID)
	})
}

// expire auto-submits the draft (or the placeholder) for questionID. It
// loses silently if the question was already claimed or answered.
func (o *Orchestrator) expire(sessionID, questionID string) {
	if !o.track() {
		return
	}
	defer o.wg.Done()

	e, err := o.lookup(sessionID)
	if err != nil {
		return
	}

	e.mu.Lock()
	text := o.config.PlaceholderAnswer
	if e.draftID == questionID && strings.TrimSpace(e.draft) != "" {
		text = e.draft
	}
	e.mu.Unlock()

	if _, err := o.submit(o.ctx, e, questionID, text, true); err != nil {
		o.logger.Debug("deadline auto-submit rejected",
			"session", sessionID,
			"question", questionID,
			"error", err,
		)
		return
	}
	o.logger.Info("question deadline expired, answer auto-submitted",
		"session", sessionID,
		"question", questionID,
	)
}

// Terminate ends an in-progress session with reason. It is a no-op on a
// terminal session; recorded answers are preserved.
func (o *Orchestrator) Terminate(ctx context.Context, id string, reason TerminationReason) error {
	e, err := o.lookup(id)
	if err != nil {
		s, lerr := o.loadReleased(ctx, id, err)
		if lerr != nil {
			return lerr
		}
		if s.Status.Terminal() {
			return nil
		}
		return notLive(s)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	o.terminateLocked(e, reason)
	return nil
}

// terminateLocked applies a termination. The caller holds e.mu.
func (o *Orchestrator) terminateLocked(e *entry, reason TerminationReason) bool {
	if !e.session.terminate(reason, o.now()) {
		return false
	}
	e.finish()
	e.current = nil
	e.draft, e.draftID = "", ""

	o.logger.Warn("session terminated",
		"session", e.session.ID,
		"reason", reason,
		"answers", len(e.session.Answers),
	)
	o.emit(e, EventSessionTerminated, map[string]any{"reason": string(reason)})
	return true
}

// ReportViolation handles a client-side violation signal. Violations are
// zero-tolerance: the first one terminates the session regardless of the
// current alert count.
func (o *Orchestrator) ReportViolation(ctx context.Context, id string, kind ViolationKind) (*Session, error) {
	reason, ok := kind.Reason()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownViolation, kind)
	}
	if err := o.Terminate(ctx, id, reason); err != nil {
		return nil, err
	}
	return o.Snapshot(ctx, id)
}

// Snapshot returns a copy of the session state. Released sessions are read
// through the session loader, if one is configured.
func (o *Orchestrator) Snapshot(ctx context.Context, id string) (*Session, error) {
	e, err := o.lookup(id)
	if err == nil {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.session.Clone(), nil
	}
	return o.loadReleased(ctx, id, err)
}

// Release drops a terminal session from the in-memory registry. In-progress
// sessions cannot be released.
func (o *Orchestrator) Release(id string) error {
	e, err := o.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	status := e.session.Status
	e.mu.Unlock()
	if !status.Terminal() {
		return &StateError{SessionID: id, Status: status, Reason: "cannot release a session in progress"}
	}

	o.mu.Lock()
	delete(o.sessions, id)
	o.mu.Unlock()
	return nil
}

// ReleaseFinished releases every terminal session that ended before cutoff
// and returns how many were released.
func (o *Orchestrator) ReleaseFinished(cutoff time.Time) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	released := 0
	for id, e := range o.sessions {
		e.mu.Lock()
		s := e.session
		done := s.Status.Terminal() && s.CompletedAt.Before(cutoff)
		e.mu.Unlock()
		if done {
			delete(o.sessions, id)
			released++
		}
	}
	return released
}

// InProgress returns the id of an in-progress session owned by userID.
func (o *Orchestrator) InProgress(userID string) (string, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for id, e := range o.sessions {
		e.mu.Lock()
		live := e.session.UserID == userID && e.session.Status == StatusInProgress
		e.mu.Unlock()
		if live {
			return id, true
		}
	}
	return "", false
}

// Active returns the number of sessions held in memory.
func (o *Orchestrator) Active() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.sessions)
}
