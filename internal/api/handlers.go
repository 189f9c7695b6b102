package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/0x6d61/proctor/internal/engine"
	"github.com/0x6d61/proctor/internal/report"
)

// fail writes err and logs server-side failures.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if statusFor(err) >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, err)
}

// owned returns the session named in the path if it belongs to the caller.
// Sessions of other users are reported as not found.
func (s *Server) owned(r *http.Request) (*engine.Session, error) {
	id := r.PathValue("id")
	sess, err := s.orch.Snapshot(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID(r.Context()) {
		return nil, fmt.Errorf("%w: %s", engine.ErrSessionNotFound, id)
	}
	return sess, nil
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(v); err != nil && err != io.EOF {
		return errBadRequest("invalid JSON body: " + err.Error())
	}
	return nil
}

// --------------------------------------------------------------------------
// Identity samples
// --------------------------------------------------------------------------

func (s *Server) uploadSamples(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		s.fail(w, r, errBadRequest("invalid multipart form: "+err.Error()))
		return
	}

	face, err := formFile(r, "photo")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if len(face) == 0 {
		s.fail(w, r, errBadRequest("photo file is empty"))
		return
	}
	if ct := http.DetectContentType(face); !strings.HasPrefix(ct, "image/") {
		s.fail(w, r, errBadRequest("photo is not an image: "+ct))
		return
	}
	voice, err := formFile(r, "audio")
	if err != nil {
		s.fail(w, r, err)
		return
	}

	// The reference is read-only while the user has an interview in progress.
	user := userID(r.Context())
	if id, ok := s.orch.InProgress(user); ok {
		s.fail(w, r, &engine.StateError{
			SessionID: id,
			Status:    engine.StatusInProgress,
			Reason:    "identity sample cannot change during an interview",
		})
		return
	}
	if err := s.samples.Put(r.Context(), user, face, voice); err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("identity sample stored", "user", user, "photo_bytes", len(face), "audio_bytes", len(voice))

	writeJSON(w, http.StatusCreated, map[string]any{
		"message":   "Samples uploaded successfully",
		"has_photo": true,
		"has_voice": len(voice) > 0,
	})
}

// formFile reads an optional multipart file. A missing field yields nil.
func formFile(r *http.Request, field string) ([]byte, error) {
	f, _, err := r.FormFile(field)
	if err == http.ErrMissingFile {
		return nil, nil
	}
	if err != nil {
		return nil, errBadRequest(fmt.Sprintf("read %s: %v", field, err))
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, errBadRequest(fmt.Sprintf("read %s: %v", field, err))
	}
	return data, nil
}

// --------------------------------------------------------------------------
// Interview lifecycle
// --------------------------------------------------------------------------

type startRequest struct {
	InterviewType string `json:"interview_type"`
}

func (s *Server) startInterview(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if strings.TrimSpace(req.InterviewType) == "" {
		s.fail(w, r, errBadRequest("interview_type is required"))
		return
	}

	sess, err := s.orch.Start(r.Context(), userID(r.Context()), req.InterviewType)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) getInterview(w http.ResponseWriter, r *http.Request) {
	sess, err := s.owned(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// questionResponse is the wire form of engine.Dispatch.
type questionResponse struct {
	Completed      bool       `json:"completed"`
	QuestionID     string     `json:"question_id,omitempty"`
	QuestionText   string     `json:"question_text,omitempty"`
	QuestionType   string     `json:"question_type,omitempty"`
	Difficulty     string     `json:"difficulty,omitempty"`
	AnswerMode     string     `json:"answer_mode,omitempty"`
	TimeLimit      int        `json:"time_limit,omitempty"` // seconds
	Deadline       *time.Time `json:"deadline,omitempty"`
	QuestionNumber int        `json:"question_number,omitempty"`
	TotalQuestions int        `json:"total_questions"`
}

func (s *Server) nextQuestion(w http.ResponseWriter, r *http.Request) {
	if _, err := s.owned(r); err != nil {
		s.fail(w, r, err)
		return
	}

	d, err := s.orch.NextQuestion(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	resp := questionResponse{Completed: d.Completed, TotalQuestions: d.Total}
	if q := d.Question; q != nil {
		deadline := d.Deadline
		resp.QuestionID = q.ID
		resp.QuestionText = q.Text
		resp.QuestionType = q.Kind
		resp.Difficulty = q.Difficulty
		resp.AnswerMode = q.AnswerMode
		resp.TimeLimit = int(q.TimeLimit / time.Second)
		resp.Deadline = &deadline
		resp.QuestionNumber = d.Number
	}
	writeJSON(w, http.StatusOK, resp)
}

type answerRequest struct {
	QuestionID string `json:"question_id"`
	AnswerText string `json:"answer_text"`
}

func (s *Server) submitAnswer(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.QuestionID == "" {
		s.fail(w, r, errBadRequest("question_id is required"))
		return
	}
	if _, err := s.owned(r); err != nil {
		s.fail(w, r, err)
		return
	}

	scored, err := s.orch.SubmitAnswer(r.Context(), r.PathValue("id"), req.QuestionID, req.AnswerText)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, scored)
}

func (s *Server) saveDraft(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if _, err := s.owned(r); err != nil {
		s.fail(w, r, err)
		return
	}

	if err := s.orch.SaveDraft(r.Context(), r.PathValue("id"), req.QuestionID, req.AnswerText); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type violationRequest struct {
	Type string `json:"type"`
}

func (s *Server) reportViolation(w http.ResponseWriter, r *http.Request) {
	var req violationRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if _, err := s.owned(r); err != nil {
		s.fail(w, r, err)
		return
	}

	sess, err := s.orch.ReportViolation(r.Context(), r.PathValue("id"), engine.ViolationKind(req.Type))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"terminated":         sess.Status == engine.StatusTerminated,
		"status":             sess.Status,
		"termination_reason": sess.TerminationReason,
	})
}

type terminateRequest struct {
	Reason string `json:"reason"`
}

// terminableReasons are the reasons a client may name when terminating.
var terminableReasons = map[engine.TerminationReason]bool{
	engine.ReasonManual:             true,
	engine.ReasonTabSwitch:          true,
	engine.ReasonClipboardViolation: true,
}

func (s *Server) terminate(w http.ResponseWriter, r *http.Request) {
	var req terminateRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	reason := engine.TerminationReason(req.Reason)
	if reason == "" {
		reason = engine.ReasonManual
	}
	if !terminableReasons[reason] {
		s.fail(w, r, errBadRequest(fmt.Sprintf("unsupported termination reason %q", req.Reason)))
		return
	}
	if _, err := s.owned(r); err != nil {
		s.fail(w, r, err)
		return
	}

	id := r.PathValue("id")
	if err := s.orch.Terminate(r.Context(), id, reason); err != nil {
		s.fail(w, r, err)
		return
	}
	sess, err := s.orch.Snapshot(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":            "Interview terminated",
		"interview_id":       id,
		"termination_reason": sess.TerminationReason,
	})
}

func (s *Server) summary(w http.ResponseWriter, r *http.Request) {
	sess, err := s.owned(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}
	rep, err := report.New(format)
	if err != nil {
		s.fail(w, r, errBadRequest(err.Error()))
		return
	}
	if tr, ok := rep.(*report.TextReporter); ok {
		tr.Verbose = 2
	}

	sum := report.Build(sess)
	s.narrator.Narrate(r.Context(), sum)

	if rep.Format() == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	if err := rep.Generate(r.Context(), sum, w); err != nil {
		s.logger.Warn("summary render failed", "session", sess.ID, "error", err)
	}
}

// --------------------------------------------------------------------------
// Verification
// --------------------------------------------------------------------------

// captureRequest is the JSON form of a capture; byte fields are base64.
type captureRequest struct {
	Snapshot []byte `json:"snapshot"`
	Audio    []byte `json:"audio"`
}

// readCapture accepts either multipart (snapshot, audio files) or JSON.
func (s *Server) readCapture(w http.ResponseWriter, r *http.Request) (*engine.Capture, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)

	var req captureRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
			return nil, errBadRequest("invalid multipart form: " + err.Error())
		}
		var err error
		if req.Snapshot, err = formFile(r, "snapshot"); err != nil {
			return nil, err
		}
		if req.Audio, err = formFile(r, "audio"); err != nil {
			return nil, err
		}
	} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		return nil, errBadRequest("invalid JSON body: " + err.Error())
	}

	return &engine.Capture{
		Snapshot:   req.Snapshot,
		AudioClip:  req.Audio,
		CapturedAt: time.Now(),
	}, nil
}

func (s *Server) verify(w http.ResponseWriter, r *http.Request) {
	if _, err := s.owned(r); err != nil {
		s.fail(w, r, err)
		return
	}
	c, err := s.readCapture(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	res, err := s.orch.Verify(r.Context(), r.PathValue("id"), c)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) pushFrame(w http.ResponseWriter, r *http.Request) {
	sess, err := s.owned(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if sess.Status.Terminal() {
		s.fail(w, r, &engine.StateError{SessionID: sess.ID, Status: sess.Status, Reason: "session is not in progress"})
		return
	}
	c, err := s.readCapture(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if len(c.Snapshot) == 0 {
		s.fail(w, r, errBadRequest("snapshot is required"))
		return
	}

	s.frames.Push(sess.ID, c.Snapshot, c.AudioClip)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"alert_count": sess.AlertCount,
		"status":      sess.Status,
	})
}

// stream upgrades to a websocket carrying the session's events.
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	sess, err := s.owned(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.hub.Serve(w, r, sess.ID)
}
