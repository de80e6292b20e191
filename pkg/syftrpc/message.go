package syftrpc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL is how long a message stays deliverable before peers may
// discard it.
const DefaultTTL = 24 * time.Hour

// Request is an inbound or outbound RPC request envelope.
//
// Body is raw bytes; the JSON wire form base64-encodes it, so binary
// and non-UTF-8 payloads survive the round trip untouched. Headers may
// be nil when the sender supplied none.
type Request struct {
	ID      uuid.UUID         `json:"id"`
	Sender  string            `json:"sender"`
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Body    []byte            `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Created time.Time         `json:"created"`
	Expires time.Time         `json:"expires"`
}

// Response is the reply envelope paired to a Request by ID.
type Response struct {
	ID         uuid.UUID         `json:"id"`
	Sender     string            `json:"sender"`
	URL        string            `json:"url"`
	StatusCode int               `json:"status_code"`
	Body       []byte            `json:"body,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Created    time.Time         `json:"created"`
	Expires    time.Time         `json:"expires"`
}

// NewRequest builds a request envelope with a fresh ID and the default
// TTL window.
func NewRequest(sender string, u *URL, method string, body []byte, headers map[string]string) *Request {
	now := time.Now().UTC()
	return &Request{
		ID:      uuid.New(),
		Sender:  sender,
		URL:     u.String(),
		Method:  method,
		Body:    body,
		Headers: headers,
		Created: now,
		Expires: now.Add(DefaultTTL),
	}
}

// Reply builds the response envelope for req, preserving its ID and URL
// so the requester can correlate the file pair.
func Reply(req *Request, sender string, statusCode int, body []byte, headers map[string]string) *Response {
	now := time.Now().UTC()
	return &Response{
		ID:         req.ID,
		Sender:     sender,
		URL:        req.URL,
		StatusCode: statusCode,
		Body:       body,
		Headers:    headers,
		Created:    now,
		Expires:    now.Add(DefaultTTL),
	}
}

// Expired reports whether the request's delivery window has passed.
func (r *Request) Expired(now time.Time) bool {
	return !r.Expires.IsZero() && now.After(r.Expires)
}

// EncodeRequest serializes a request envelope to its JSON wire format.
func EncodeRequest(req *Request) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return data, nil
}

// DecodeRequest parses JSON wire format data into a request envelope.
// Unknown fields are ignored.
func DecodeRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	return &req, nil
}

// EncodeResponse serializes a response envelope to its JSON wire format.
func EncodeResponse(resp *Response) ([]byte, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return data, nil
}

// DecodeResponse parses JSON wire format data into a response envelope.
func DecodeResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}
