package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/0x6d61/proctor/internal/transport"
)

func newTransport(t *testing.T) transport.Client {
	t.Helper()
	c, err := transport.NewClient(transport.ClientOptions{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer key" {
			t.Errorf("Authorization = %q", got)
		}
		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
			return
		}
		if req.Model != "default-model" {
			t.Errorf("Model = %q, want default-model", req.Model)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("Messages = %+v", req.Messages)
		}
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  What is a goroutine?\n"}}]}`))
	}))
	defer srv.Close()

	c := NewClient(newTransport(t), srv.URL+"/v1/", "key", "default-model")
	got, err := c.Complete(context.Background(), Prompt("", "sys", "user", 0.7, 200))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != "What is a goroutine?" {
		t.Errorf("Complete = %q", got)
	}
}

func TestCompleteErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", 502, "bad gateway"},
		{"no choices", 200, `{"choices":[]}`},
		{"malformed", 200, `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewClient(newTransport(t), srv.URL, "", "m")
			if _, err := c.Complete(context.Background(), Prompt("", "s", "u", 0, 10)); err == nil {
				t.Error("Complete returned nil error")
			}
		})
	}
}

func TestNotConfigured(t *testing.T) {
	c := NewClient(newTransport(t), "", "", "m")
	if c.Configured() {
		t.Fatal("Configured() = true without key or base URL")
	}
	if _, err := c.Complete(context.Background(), ChatRequest{}); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("error = %v, want ErrNotConfigured", err)
	}
}
