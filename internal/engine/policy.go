package engine

// MatchOutcome is the verdict of a single face or voice comparison.
type MatchOutcome int

const (
	// OutcomeUnavailable means the checking service could not be reached or
	// did not answer in time. It is inconclusive, never a failure.
	OutcomeUnavailable MatchOutcome = iota
	OutcomeMatch
	OutcomeNoMatch
)

// String returns the outcome name.
func (o MatchOutcome) String() string {
	names := [...]string{"unavailable", "match", "no_match"}
	if int(o) < len(names) {
		return names[o]
	}
	return "unknown"
}

// MatchResult is the sum type returned by a Verifier comparison.
type MatchResult struct {
	Outcome    MatchOutcome `json:"outcome"`
	Confidence float64      `json:"confidence"`
	Detail     string       `json:"detail,omitempty"`
}

// Matched returns a positive comparison result.
func Matched(confidence float64) MatchResult {
	return MatchResult{Outcome: OutcomeMatch, Confidence: confidence}
}

// NoMatch returns an explicit negative comparison result.
func NoMatch(confidence float64, detail string) MatchResult {
	return MatchResult{Outcome: OutcomeNoMatch, Confidence: confidence, Detail: detail}
}

// Unavailable returns an inconclusive result.
func Unavailable(detail string) MatchResult {
	return MatchResult{Outcome: OutcomeUnavailable, Detail: detail}
}

// CycleOutcome classifies one verification cycle.
type CycleOutcome int

const (
	// CycleSkipped: no capture was available, or a cycle was already running.
	CycleSkipped CycleOutcome = iota
	// CycleInconclusive: a check was attempted but the service was unavailable.
	CycleInconclusive
	CyclePassed
	CycleFailed
)

// String returns the cycle outcome name.
func (c CycleOutcome) String() string {
	names := [...]string{"skipped", "inconclusive", "passed", "failed"}
	if int(c) < len(names) {
		return names[c]
	}
	return "unknown"
}

// VerificationPolicy turns comparison results into alert decisions.
type VerificationPolicy struct {
	// MinConfidence is the confidence a match must reach to count as one.
	// A reported match below it is treated as an explicit no-match.
	MinConfidence float64

	// MaxAlerts is the alert count at which the session is terminated.
	MaxAlerts int
}

// failed reports whether r is an explicit negative under the policy.
func (p VerificationPolicy) failed(r MatchResult) bool {
	switch r.Outcome {
	case OutcomeNoMatch:
		return true
	case OutcomeMatch:
		return r.Confidence < p.MinConfidence
	default:
		return false
	}
}

// Evaluate classifies a cycle from the face result and the optional voice
// result (nil when no voice check was attempted). When both checks fail in
// the same cycle the face violation takes precedence.
func (p VerificationPolicy) Evaluate(face MatchResult, voice *MatchResult) (CycleOutcome, TerminationReason) {
	if p.failed(face) {
		return CycleFailed, ReasonFaceViolation
	}
	if voice != nil && p.failed(*voice) {
		return CycleFailed, ReasonAudioViolation
	}
	if face.Outcome == OutcomeUnavailable {
		return CycleInconclusive, ""
	}
	if voice != nil && voice.Outcome == OutcomeUnavailable {
		return CycleInconclusive, ""
	}
	return CyclePassed, ""
}
