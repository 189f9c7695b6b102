package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Response represents an HTTP response received from the transport client.
type Response struct {
	// StatusCode is the HTTP status code.
	StatusCode int

	// Headers contains the response headers.
	Headers http.Header

	// Body is the raw response body.
	Body []byte

	// Duration is the precise round-trip time for the request.
	Duration time.Duration

	// URL is the final URL after any redirects.
	URL string
}

// StatusError is returned by Response.Err for non-2xx responses.
type StatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("transport: %s returned status %d: %s", e.URL, e.StatusCode, e.Body)
}

// Temporary reports whether the failure is likely transient (5xx or 429).
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// BodyString returns the response body as a string.
func (r *Response) BodyString() string {
	return string(r.Body)
}

// Err returns a *StatusError unless the status code is 2xx.
func (r *Response) Err() error {
	if r.StatusCode >= 200 && r.StatusCode < 300 {
		return nil
	}
	body := r.BodyString()
	if len(body) > 256 {
		body = body[:256]
	}
	return &StatusError{StatusCode: r.StatusCode, URL: r.URL, Body: body}
}

// Decode checks the status code and unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if err := r.Err(); err != nil {
		return err
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("transport: decoding response from %s: %w", r.URL, err)
	}
	return nil
}
