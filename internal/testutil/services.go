// Package testutil provides a mock of the external services proctor talks
// to: the face and voice comparison endpoints and an OpenAI-compatible chat
// completions endpoint. Replies are deterministic so full-stack tests can
// assert on them.
package testutil

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
)

// Paths served by NewServicesServer.
const (
	FacePath  = "/compare/face"
	VoicePath = "/compare/voice"
	LLMPath   = "/llm" // base URL; requests go to LLMPath + "/chat/completions"
)

// Canned model replies.
const (
	GradeScore     = 72
	GradeFeedback  = "Good answer with concrete examples."
	SummaryText    = "The candidate showed solid fundamentals."
	GeneratedQText = "Generated question %d: describe a system you designed."
)

// UnavailablePrefix makes the comparison endpoints fail with 503 when a
// sample starts with it.
const UnavailablePrefix = "unavailable"

var questionNumber = regexp.MustCompile(`Question number: (\d+)`)

// NewServicesServer starts the mock. The returned *httptest.Server should be
// closed after use.
func NewServicesServer() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+FacePath, handleCompare)
	mux.HandleFunc("POST "+VoicePath, handleCompare)
	mux.HandleFunc("POST "+LLMPath+"/chat/completions", handleChat)
	return httptest.NewServer(mux)
}

// handleCompare matches when the sample is byte-identical to the reference.
func handleCompare(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reference string `json:"reference"`
		Sample    string `json:"sample"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ref, err1 := base64.StdEncoding.DecodeString(req.Reference)
	sample, err2 := base64.StdEncoding.DecodeString(req.Sample)
	if err1 != nil || err2 != nil {
		http.Error(w, "invalid base64", http.StatusBadRequest)
		return
	}
	if bytes.HasPrefix(sample, []byte(UnavailablePrefix)) {
		http.Error(w, "model loading", http.StatusServiceUnavailable)
		return
	}

	resp := map[string]any{"match": true, "confidence": 0.93}
	if !bytes.Equal(ref, sample) {
		resp = map[string]any{"match": false, "confidence": 0.12, "reason": "different person"}
	}
	writeJSON(w, resp)
}

// handleChat answers by role, recognised from the system prompt.
func handleChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Messages) < 2 {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	system, user := req.Messages[0].Content, req.Messages[1].Content

	var content string
	switch {
	case strings.Contains(system, "evaluator"):
		content = fmt.Sprintf("```json\n{\"score\": %d, \"feedback\": %q}\n```", GradeScore, GradeFeedback)
	case strings.Contains(system, "question generator"):
		n := "0"
		if m := questionNumber.FindStringSubmatch(user); m != nil {
			n = m[1]
		}
		content = strings.Replace(GeneratedQText, "%d", n, 1)
	default:
		content = SummaryText
	}

	writeJSON(w, map[string]any{
		"choices": []map[string]any{
			{"message": map[string]string{"role": "assistant", "content": content}},
		},
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
