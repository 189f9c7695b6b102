// Package verify adapts external face and voice comparison services to the
// engine.Verifier interface. Any transport failure, timeout or malformed
// reply becomes an Unavailable result; only an explicit negative verdict
// from the service is a no-match.
package verify

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/0x6d61/proctor/internal/engine"
	"github.com/0x6d61/proctor/internal/transport"
)

// compareRequest is the body posted to a comparison endpoint.
type compareRequest struct {
	Reference string `json:"reference"` // base64
	Sample    string `json:"sample"`    // base64
}

// compareResponse is the reply expected from a comparison endpoint.
type compareResponse struct {
	Match      *bool   `json:"match"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
}

// Options configures an HTTPVerifier.
type Options struct {
	FaceURL  string // empty disables face checks (always unavailable)
	VoiceURL string // empty disables voice checks (always unavailable)
	APIKey   string // sent as a bearer token when set
	Logger   *slog.Logger
}

// HTTPVerifier calls remote comparison services over the shared transport.
type HTTPVerifier struct {
	client transport.Client
	opts   Options
	logger *slog.Logger
}

var _ engine.Verifier = (*HTTPVerifier)(nil)

// NewHTTPVerifier returns a verifier that posts to the configured URLs.
func NewHTTPVerifier(client transport.Client, opts Options) *HTTPVerifier {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &HTTPVerifier{client: client, opts: opts, logger: logger}
}

// CompareFace implements engine.Verifier.
func (v *HTTPVerifier) CompareFace(ctx context.Context, reference, snapshot []byte) engine.MatchResult {
	return v.compare(ctx, "face", v.opts.FaceURL, reference, snapshot)
}

// CompareVoice implements engine.Verifier.
func (v *HTTPVerifier) CompareVoice(ctx context.Context, reference, clip []byte) engine.MatchResult {
	return v.compare(ctx, "voice", v.opts.VoiceURL, reference, clip)
}

func (v *HTTPVerifier) compare(ctx context.Context, kind, url string, reference, sample []byte) engine.MatchResult {
	if url == "" {
		return engine.Unavailable(kind + " service not configured")
	}

	req, err := transport.NewJSONRequest(http.MethodPost, url, compareRequest{
		Reference: base64.StdEncoding.EncodeToString(reference),
		Sample:    base64.StdEncoding.EncodeToString(sample),
	})
	if err != nil {
		return engine.Unavailable(err.Error())
	}
	if v.opts.APIKey != "" {
		req.WithHeader("Authorization", "Bearer "+v.opts.APIKey)
	}

	resp, err := v.client.Do(ctx, req)
	if err != nil {
		v.logger.Debug("verification request failed", "kind", kind, "error", err)
		return engine.Unavailable(fmt.Sprintf("%s service: %v", kind, err))
	}

	var out compareResponse
	if err := resp.Decode(&out); err != nil {
		v.logger.Debug("verification response rejected", "kind", kind, "status", resp.StatusCode, "error", err)
		return engine.Unavailable(fmt.Sprintf("%s service: %v", kind, err))
	}
	if out.Match == nil {
		return engine.Unavailable(kind + " service: reply without verdict")
	}

	if *out.Match {
		return engine.Matched(out.Confidence)
	}
	return engine.NoMatch(out.Confidence, out.Reason)
}

// Disabled is a Verifier whose checks are always unavailable. Sessions run
// with it never accumulate alerts.
type Disabled struct{}

var _ engine.Verifier = Disabled{}

// CompareFace implements engine.Verifier.
func (Disabled) CompareFace(context.Context, []byte, []byte) engine.MatchResult {
	return engine.Unavailable("verification disabled")
}

// CompareVoice implements engine.Verifier.
func (Disabled) CompareVoice(context.Context, []byte, []byte) engine.MatchResult {
	return engine.Unavailable("verification disabled")
}
