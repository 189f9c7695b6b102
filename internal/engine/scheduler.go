package engine

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// CycleResult reports the effect of one verification cycle.
type CycleResult struct {
	Outcome    CycleOutcome      `json:"-"`
	OutcomeStr string            `json:"outcome"`
	Verified   bool              `json:"verified"`
	AlertCount int               `json:"alert_count"`
	Status     Status            `json:"status"`
	Terminated bool              `json:"terminated"`
	Reason     TerminationReason `json:"termination_reason,omitempty"`
	Face       *MatchResult      `json:"face,omitempty"`
	Voice      *MatchResult      `json:"voice,omitempty"`
}

// Verify runs one verification cycle against a client-supplied capture. At
// most one cycle runs per session at a time; a call that arrives while a
// cycle is in flight returns a skipped result with the current state.
func (o *Orchestrator) Verify(ctx context.Context, id string, capture *Capture) (*CycleResult, error) {
	e, err := o.lookup(id)
	if err != nil {
		return nil, o.releasedError(ctx, id, err)
	}

	e.mu.Lock()
	err = e.session.checkActive()
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if !e.cycling.CompareAndSwap(false, true) {
		e.mu.Lock()
		defer e.mu.Unlock()
		return o.cycleResultLocked(e, CycleSkipped, nil, nil), nil
	}
	defer e.cycling.Store(false)

	return o.runCycle(ctx, e, capture)
}

// watch starts the periodic verification loop for e. The caller holds e.mu.
func (o *Orchestrator) watch(e *entry) {
	if o.capturer == nil || o.config.VerificationInterval <= 0 {
		return
	}
	if !o.track() {
		return
	}
	ctx, cancel := context.WithCancel(o.ctx)
	e.cancel = cancel
	go o.loop(ctx, e, e.session.ID)
}

// loop fires a cycle on every tick. A tick that arrives while the previous
// cycle is still running is dropped, not queued.
func (o *Orchestrator) loop(ctx context.Context, e *entry, sessionID string) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.config.VerificationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !e.cycling.CompareAndSwap(false, true) {
			o.logger.Debug("verification cycle still running, tick dropped", "session", sessionID)
			continue
		}

		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			defer e.cycling.Store(false)
			defer func() {
				if r := recover(); r != nil {
					o.logger.Error("verification cycle recovered from panic",
						"session", sessionID,
						"panic", fmt.Sprintf("%v", r),
					)
				}
			}()

			capture, err := o.capture(ctx, sessionID)
			if err != nil {
				o.logger.Debug("capture unavailable, cycle skipped", "session", sessionID, "error", err)
				return
			}
			if _, err := o.runCycle(ctx, e, capture); err != nil {
				o.logger.Debug("scheduled verification cycle rejected", "session", sessionID, "error", err)
			}
		}()
	}
}

func (o *Orchestrator) capture(ctx context.Context, sessionID string) (*Capture, error) {
	if o.config.VerificationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.config.VerificationTimeout)
		defer cancel()
	}
	return o.capturer.Capture(ctx, sessionID)
}

// runCycle compares capture against the session's reference and applies
// the result. The caller holds the cycling guard but not e.mu.
func (o *Orchestrator) runCycle(ctx context.Context, e *entry, capture *Capture) (*CycleResult, error) {
	e.mu.Lock()
	if err := e.session.checkActive(); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	ref := e.reference
	sessionID := e.session.ID
	if capture == nil || len(capture.Snapshot) == 0 {
		defer e.mu.Unlock()
		return o.cycleResultLocked(e, CycleSkipped, nil, nil), nil
	}
	e.mu.Unlock()

	var (
		face  MatchResult
		voice *MatchResult
		wg    sync.WaitGroup
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		face = o.compare(ctx, "face", func(ctx context.Context) MatchResult {
			return o.verifier.CompareFace(ctx, ref.Face, capture.Snapshot)
		})
	}()

	if len(capture.AudioClip) > 0 && len(ref.Voice) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := o.compare(ctx, "voice", func(ctx context.Context) MatchResult {
				return o.verifier.CompareVoice(ctx, ref.Voice, capture.AudioClip)
			})
			voice = &r
		}()
	}
	wg.Wait()

	outcome, reason := o.policy.Evaluate(face, voice)

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.session.checkActive(); err != nil {
		return nil, err
	}

	terminated := e.session.applyCycle(outcome, reason, o.config.MaxAlerts, o.now())

	o.logger.Debug("verification cycle",
		"session", sessionID,
		"outcome", outcome,
		"face", face.Outcome,
		"alerts", e.session.AlertCount,
	)
	if outcome == CycleFailed {
		o.logger.Warn("identity check failed",
			"session", sessionID,
			"reason", reason,
			"alerts", e.session.AlertCount,
			"max_alerts", o.config.MaxAlerts,
		)
	}

	data := map[string]any{
		"outcome":     outcome.String(),
		"alert_count": e.session.AlertCount,
		"face":        face.Outcome.String(),
	}
	if voice != nil {
		data["voice"] = voice.Outcome.String()
	}
	o.emit(e, EventVerificationCycle, data)

	if terminated {
		e.finish()
		e.current = nil
		e.draft, e.draftID = "", ""
		o.logger.Warn("session terminated",
			"session", sessionID,
			"reason", reason,
			"answers", len(e.session.Answers),
		)
		o.emit(e, EventSessionTerminated, map[string]any{"reason": string(reason)})
	}

	return o.cycleResultLocked(e, outcome, &face, voice), nil
}

// compare runs fn bounded by the verification timeout. A timeout or a
// panic in the adapter yields an Unavailable result.
func (o *Orchestrator) compare(ctx context.Context, kind string, fn func(context.Context) MatchResult) MatchResult {
	if o.config.VerificationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.config.VerificationTimeout)
		defer cancel()
	}

	ch := make(chan MatchResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- Unavailable(fmt.Sprintf("%s check panicked: %v", kind, r))
			}
		}()
		ch <- fn(ctx)
	}()

	select {
	case r := <-ch:
		return r
	case <-ctx.Done():
		return Unavailable(kind + " check timed out")
	}
}

// cycleResultLocked builds a CycleResult from the current state. The caller
// holds e.mu.
func (o *Orchestrator) cycleResultLocked(e *entry, outcome CycleOutcome, face, voice *MatchResult) *CycleResult {
	s := e.session
	return &CycleResult{
		Outcome:    outcome,
		OutcomeStr: outcome.String(),
		Verified:   outcome != CycleFailed,
		AlertCount: s.AlertCount,
		Status:     s.Status,
		Terminated: s.Status == StatusTerminated,
		Reason:     s.TerminationReason,
		Face:       face,
		Voice:      voice,
	}
}
