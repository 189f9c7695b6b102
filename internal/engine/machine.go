package engine

import "time"

// The functions in this file are the session state machine. They are pure
// transitions on a *Session and assume the caller holds the session lock.

func newSession(id, userID, interviewType string, total int, now time.Time) *Session {
	return &Session{
		ID:             id,
		UserID:         userID,
		InterviewType:  interviewType,
		Status:         StatusInProgress,
		TotalQuestions: total,
		Answers:        []Answer{},
		StartedAt:      now,
		Version:        1,
	}
}

// checkActive returns a *StateError unless the session is in progress.
func (s *Session) checkActive() error {
	if s.Status != StatusInProgress {
		return &StateError{SessionID: s.ID, Status: s.Status, Reason: "session is not in progress"}
	}
	return nil
}

func (s *Session) touch() {
	s.Version++
}

// dispatch records the deadline for the question at the current index.
func (s *Session) dispatch(deadline time.Time) {
	s.QuestionDeadline = deadline
	s.touch()
}

// recordAnswer appends a graded answer for the question at the current index
// and advances the index. It reports whether the session is now completed.
// The caller guarantees q is current and was claimed while the session was in
// progress; a session terminated since then keeps the answer but is never
// completed by it.
func (s *Session) recordAnswer(q *Question, text string, g Grade, auto bool, now time.Time) (Answer, bool) {
	ans := Answer{
		QuestionID:    q.ID,
		Question:      q.Text,
		AnswerText:    text,
		Score:         g.Score,
		Feedback:      g.Feedback,
		AutoSubmitted: auto,
		AnsweredAt:    now,
	}
	s.Answers = append(s.Answers, ans)
	s.CurrentQuestionIndex++
	s.QuestionDeadline = time.Time{}
	s.touch()

	if s.CurrentQuestionIndex >= s.TotalQuestions {
		return ans, s.complete(now)
	}
	return ans, false
}

// complete moves an in-progress session to completed. It reports whether a
// transition happened.
func (s *Session) complete(now time.Time) bool {
	if s.Status != StatusInProgress {
		return false
	}
	s.Status = StatusCompleted
	s.CompletedAt = now
	s.QuestionDeadline = time.Time{}
	s.touch()
	return true
}

// terminate moves an in-progress session to terminated with reason. Answers
// are left untouched. It is a no-op on a terminal session, so an existing
// reason is never overwritten.
func (s *Session) terminate(reason TerminationReason, now time.Time) bool {
	if s.Status != StatusInProgress {
		return false
	}
	s.Status = StatusTerminated
	s.TerminationReason = reason
	s.CompletedAt = now
	s.QuestionDeadline = time.Time{}
	s.touch()
	return true
}

// applyCycle applies a verification cycle to the alert count. A passed cycle
// resets the count, a failed one increments it and terminates the session
// once it reaches maxAlerts. Skipped and inconclusive cycles change nothing.
// It reports whether the session was terminated.
func (s *Session) applyCycle(outcome CycleOutcome, reason TerminationReason, maxAlerts int, now time.Time) bool {
	if s.Status != StatusInProgress {
		return false
	}
	switch outcome {
	case CyclePassed:
		if s.AlertCount != 0 {
			s.AlertCount = 0
			s.touch()
		}
	case CycleFailed:
		s.AlertCount++
		s.touch()
		if s.AlertCount >= maxAlerts {
			return s.terminate(reason, now)
		}
	}
	return false
}
