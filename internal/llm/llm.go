// Package llm is a minimal client for OpenAI-compatible chat completion
// endpoints such as OpenRouter or a local Ollama server.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/0x6d61/proctor/internal/transport"
)

// DefaultBaseURL is the OpenRouter API root.
const DefaultBaseURL = "https://openrouter.ai/api/v1"

// ErrNotConfigured is returned when no API key or base URL is set.
var ErrNotConfigured = errors.New("llm: client not configured")

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is an OpenAI-style chat completion request.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

// Completer produces a completion for a prompt.
type Completer interface {
	Complete(ctx context.Context, req ChatRequest) (string, error)
}

// Prompt builds a system+user request.
func Prompt(model, system, user string, temperature float64, maxTokens int) ChatRequest {
	return ChatRequest{
		Model: model,
		Messages: []Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
	}
}

// Client talks to a chat completions endpoint over the shared transport.
type Client struct {
	http    transport.Client
	baseURL string
	apiKey  string
	model   string
}

var _ Completer = (*Client)(nil)

// NewClient returns a client for baseURL (DefaultBaseURL when empty). model
// is used for requests that name none.
func NewClient(client transport.Client, baseURL, apiKey, model string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		http:    client,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
	}
}

// Configured reports whether requests can be sent. Hosted endpoints need an
// API key; a custom base URL (e.g. a local server) does not.
func (c *Client) Configured() bool {
	return c.apiKey != "" || c.baseURL != DefaultBaseURL
}

// Complete sends req and returns the trimmed content of the first choice.
func (c *Client) Complete(ctx context.Context, req ChatRequest) (string, error) {
	if !c.Configured() {
		return "", ErrNotConfigured
	}
	if req.Model == "" {
		req.Model = c.model
	}

	hreq, err := transport.NewJSONRequest(http.MethodPost, c.baseURL+"/chat/completions", req)
	if err != nil {
		return "", fmt.Errorf("llm: %w", err)
	}
	if c.apiKey != "" {
		hreq.WithHeader("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(ctx, hreq)
	if err != nil {
		return "", fmt.Errorf("llm: request: %w", err)
	}

	var out chatResponse
	if err := resp.Decode(&out); err != nil {
		return "", fmt.Errorf("llm: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("llm: response has no choices")
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}
