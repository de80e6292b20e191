// Package memhttp dispatches HTTP requests directly into an in-process
// http.Handler. No socket is opened and no DNS resolution occurs; the
// request URL's host is a placeholder. It exists so a bridge can reuse
// an application's full middleware pipeline without binding a port.
package memhttp

import (
	"fmt"
	"net/http"
	"net/http/httptest"
)

// Transport is an http.RoundTripper that serves each request with the
// wrapped handler. By default a panicking handler surfaces as an error
// from RoundTrip so the caller decides how to present the failure.
// Transport is safe for concurrent use.
type Transport struct {
	handler       http.Handler
	recoverPanics bool
}

// TransportOption is a functional option for configuring Transport.
type TransportOption func(*Transport)

// WithRecoveredPanics converts handler panics into plain 500 responses
// instead of returning them as errors from RoundTrip.
func WithRecoveredPanics() TransportOption {
	return func(t *Transport) {
		t.recoverPanics = true
	}
}

// NewTransport wraps handler as a RoundTripper.
func NewTransport(handler http.Handler, opts ...TransportOption) *Transport {
	t := &Transport{handler: handler}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RoundTrip serves req with the wrapped handler and returns the
// recorded response. A panic of http.ErrAbortHandler always becomes an
// error, matching its meaning in net/http.
func (t *Transport) RoundTrip(req *http.Request) (resp *http.Response, err error) {
	rec := httptest.NewRecorder()

	defer func() {
		v := recover()
		if v == nil {
			return
		}
		if v == http.ErrAbortHandler {
			resp, err = nil, http.ErrAbortHandler
			return
		}
		if t.recoverPanics {
			resp = &http.Response{
				Status:     http.StatusText(http.StatusInternalServerError),
				StatusCode: http.StatusInternalServerError,
				Proto:      req.Proto,
				ProtoMajor: req.ProtoMajor,
				ProtoMinor: req.ProtoMinor,
				Header:     make(http.Header),
				Body:       http.NoBody,
				Request:    req,
			}
			err = nil
			return
		}
		resp, err = nil, fmt.Errorf("handler panic: %v", v)
	}()

	t.handler.ServeHTTP(rec, req)

	result := rec.Result()
	result.Request = req
	return result, nil
}

var _ http.RoundTripper = (*Transport)(nil)
