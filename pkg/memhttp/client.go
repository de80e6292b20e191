package memhttp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
)

// DefaultBaseURL is the placeholder origin relative request targets
// resolve against. The host never resolves; it only exists so request
// URLs are well formed.
const DefaultBaseURL = "http://testserver"

// ErrClosed is returned by Request after the client has been closed.
var ErrClosed = errors.New("memhttp: client closed")

// Client issues requests against an in-process handler. It is safe for
// concurrent use; Close may be called at most once meaningfully, later
// calls are no-ops.
type Client struct {
	hc   *http.Client
	base *url.URL

	mu     sync.Mutex
	closed bool
}

// ClientOption is a functional option for configuring Client.
type ClientOption func(*clientConfig)

type clientConfig struct {
	baseURL       string
	transportOpts []TransportOption
}

// WithBaseURL overrides the placeholder origin. Default is
// DefaultBaseURL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *clientConfig) {
		c.baseURL = baseURL
	}
}

// WithTransportOptions forwards options to the underlying Transport.
func WithTransportOptions(opts ...TransportOption) ClientOption {
	return func(c *clientConfig) {
		c.transportOpts = append(c.transportOpts, opts...)
	}
}

// NewClient builds a client whose round trips are served by handler.
func NewClient(handler http.Handler, opts ...ClientOption) (*Client, error) {
	cfg := &clientConfig{baseURL: DefaultBaseURL}
	for _, opt := range opts {
		opt(cfg)
	}

	base, err := url.Parse(cfg.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", cfg.baseURL)
	}

	return &Client{
		hc: &http.Client{
			Transport: NewTransport(handler, cfg.transportOpts...),
			// Redirects must reach the caller verbatim, not be chased
			// in-process.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		base: base,
	}, nil
}

// Request issues one in-process call. target may be a bare path like
// "/ping"; it is resolved against the client's base URL. body may be
// nil. Response bodies are fully buffered by the transport, so the
// returned response can be read without worrying about connection
// reuse.
func (c *Client) Request(ctx context.Context, method, target string, body []byte, headers map[string]string) (*http.Response, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parse request target: %w", err)
	}
	resolved := c.base.ResolveReference(u)

	req, err := http.NewRequestWithContext(ctx, method, resolved.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return c.hc.Do(req)
}

// Close marks the client closed and releases transport resources.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.hc.CloseIdleConnections()
	return nil
}
