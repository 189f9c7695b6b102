// Package transport provides the outbound HTTP client shared by the
// verification adapters and the LLM client.
package transport

import (
	"encoding/json"
	"fmt"
	"time"
)

// Request represents an HTTP request to be sent by the transport client.
type Request struct {
	// Method is the HTTP method (GET, POST, PUT, etc.).
	Method string

	// URL is the target URL.
	URL string

	// Headers contains custom HTTP headers to include.
	Headers map[string]string

	// Body is the request body content.
	Body []byte

	// ContentType is the Content-Type header value.
	ContentType string

	// Timeout overrides the client-level timeout for this specific
	// request. Zero means use the client default.
	Timeout time.Duration
}

// NewJSONRequest builds a request whose body is v encoded as JSON.
func NewJSONRequest(method, url string, v any) (*Request, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding request body: %w", err)
	}
	return &Request{
		Method:      method,
		URL:         url,
		Body:        body,
		ContentType: "application/json",
	}, nil
}

// WithHeader sets a header and returns r.
func (r *Request) WithHeader(key, value string) *Request {
	if r.Headers == nil {
		r.Headers = make(map[string]string)
	}
	r.Headers[key] = value
	return r
}

// Clone returns a deep copy of the Request.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}

	clone := &Request{
		Method:      r.Method,
		URL:         r.URL,
		ContentType: r.ContentType,
		Timeout:     r.Timeout,
	}
	if r.Body != nil {
		clone.Body = append([]byte(nil), r.Body...)
	}

	if r.Headers != nil {
		clone.Headers = make(map[string]string, len(r.Headers))
		for k, v := range r.Headers {
			clone.Headers[k] = v
		}
	}

	return clone
}
